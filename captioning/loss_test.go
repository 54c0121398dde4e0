package captioning

import (
	"errors"
	"math"
	"testing"

	"gonum.org/v1/gonum/diff/fd"
	"gorgonia.org/tensor"
)

// predsFor builds [B, T, V] predictions scoring hot at each target.
func predsFor(targets [][]int, vocab int, hot float64) *tensor.Dense {
	b := len(targets)
	steps := len(targets[0])
	data := make([]float64, b*steps*vocab)
	for i := 0; i < b; i++ {
		for t := 0; t < steps; t++ {
			data[(i*steps+t)*vocab+targets[i][t]] = hot
		}
	}
	return tensor.New(tensor.WithShape(b, steps, vocab), tensor.WithBacking(data))
}

func targetTensor(targets [][]int) *tensor.Dense {
	b := len(targets)
	steps := len(targets[0])
	data := make([]int, 0, b*steps)
	for _, row := range targets {
		data = append(data, row...)
	}
	return tensor.New(tensor.WithShape(b, steps), tensor.WithBacking(data))
}

func uniformAlphas(b, steps, locs int) *tensor.Dense {
	data := make([]float64, b*steps*locs)
	for i := range data {
		data[i] = 1 / float64(locs)
	}
	return tensor.New(tensor.WithShape(b, steps, locs), tensor.WithBacking(data))
}

func TestCaptionLossCoveragePenaltyDominatesPerfectPredictions(t *testing.T) {
	// B=2, 3 target steps, V=10, K=4. Predictions put all mass on the true
	// token, so the cross-entropy vanishes; uniform attention sums to 0.75
	// per location over 3 steps, so the penalty is mean((1-0.75)^2) = 0.0625.
	targets := [][]int{{3, 5, 2}, {7, 1, 9}}
	preds := predsFor(targets, 10, 50)
	alphas := uniformAlphas(2, 3, 4)
	l := &CaptionLoss{AlphaC: 1}

	loss, flat, flatTargets, err := l.Compute(preds, alphas, targetTensor(targets), nil)
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	if math.Abs(loss-0.0625) > 1e-6 {
		t.Errorf("loss = %v; want approx 0.0625", loss)
	}
	if s := flat.Shape(); s[0] != 6 || s[1] != 10 {
		t.Errorf("packed predictions shape %v; want [6 10]", s)
	}
	want := []int{3, 5, 2, 7, 1, 9}
	for i, tgt := range flatTargets {
		if tgt != want[i] {
			t.Errorf("packed target[%d] = %d; want %d", i, tgt, want[i])
		}
	}
}

func TestCaptionLossIgnoresPaddingPositions(t *testing.T) {
	targets := [][]int{{3, 5, 2}, {7, 1, 9}}
	preds := predsFor(targets, 10, 5)
	alphas := uniformAlphas(2, 3, 4)
	tgt := targetTensor(targets)
	lengths := []int{4, 2} // sample 1 has a single valid target position
	l := &CaptionLoss{AlphaC: 1}

	before, flat, flatTargets, err := l.Compute(preds, alphas, tgt, lengths)
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	if n := flat.Shape()[0]; n != 4 {
		t.Fatalf("packed %d rows; want 3+1", n)
	}
	if len(flatTargets) != 4 {
		t.Fatalf("packed %d targets; want 4", len(flatTargets))
	}

	// Scribble over the padded positions of sample 1: predictions, targets
	// and attention there must not influence the loss.
	predData := preds.Data().([]float64)
	for t2 := 1; t2 < 3; t2++ {
		for v := 0; v < 10; v++ {
			predData[(1*3+t2)*10+v] = float64(v) * 13
		}
	}
	tgtData := tgt.Data().([]int)
	tgtData[1*3+1] = 0
	tgtData[1*3+2] = 4
	alphaData := alphas.Data().([]float64)
	for k := 0; k < 4; k++ {
		alphaData[(1*3+2)*4+k] = 9.9
	}

	after, _, _, err := l.Compute(preds, alphas, tgt, lengths)
	if err != nil {
		t.Fatalf("Compute after scribble: %v", err)
	}
	if before != after {
		t.Errorf("padding leaked into the loss: %v vs %v", before, after)
	}
}

func TestCaptionLossGradientMatchesFiniteDifferences(t *testing.T) {
	const (
		b     = 2
		steps = 2
		vocab = 4
		locs  = 3
	)
	predData := []float64{
		0.3, -1.2, 0.8, 0.1,
		-0.5, 0.4, 0.0, 1.1,
		1.5, 0.2, -0.3, 0.6,
		0.9, -0.7, 0.25, -0.1,
	}
	alphaData := []float64{
		0.2, 0.5, 0.3,
		0.1, 0.1, 0.8,
		0.6, 0.2, 0.2,
		0.3, 0.3, 0.4,
	}
	preds := tensor.New(tensor.WithShape(b, steps, vocab), tensor.WithBacking(predData))
	alphas := tensor.New(tensor.WithShape(b, steps, locs), tensor.WithBacking(alphaData))
	targets := targetTensor([][]int{{2, 0}, {3, 1}})
	lengths := []int{3, 2}
	l := &CaptionLoss{AlphaC: 0.7}

	dPreds, dAlphas, err := l.Gradient(preds, alphas, targets, lengths)
	if err != nil {
		t.Fatalf("Gradient: %v", err)
	}

	settings := &fd.Settings{Formula: fd.Central}
	lossAt := func(dst []float64) func(x []float64) float64 {
		return func(x []float64) float64 {
			saved := append([]float64(nil), dst...)
			copy(dst, x)
			loss, _, _, err := l.Compute(preds, alphas, targets, lengths)
			copy(dst, saved)
			if err != nil {
				t.Fatalf("Compute: %v", err)
			}
			return loss
		}
	}

	numPred := make([]float64, len(predData))
	fd.Gradient(numPred, lossAt(predData), append([]float64(nil), predData...), settings)
	got := dPreds.Data().([]float64)
	for i := range numPred {
		if math.Abs(numPred[i]-got[i]) > 1e-6 {
			t.Errorf("dPreds[%d] = %v; numeric %v", i, got[i], numPred[i])
		}
	}

	numAlpha := make([]float64, len(alphaData))
	fd.Gradient(numAlpha, lossAt(alphaData), append([]float64(nil), alphaData...), settings)
	got = dAlphas.Data().([]float64)
	for i := range numAlpha {
		if math.Abs(numAlpha[i]-got[i]) > 1e-6 {
			t.Errorf("dAlphas[%d] = %v; numeric %v", i, got[i], numAlpha[i])
		}
	}
}

func TestCaptionLossRejectsMismatchedShapes(t *testing.T) {
	targets := [][]int{{1, 2, 3}}
	preds := predsFor(targets, 5, 1)
	alphas := uniformAlphas(2, 3, 4) // wrong batch
	l := &CaptionLoss{}
	if _, _, _, err := l.Compute(preds, alphas, targetTensor(targets), nil); !errors.Is(err, ErrShapeMismatch) {
		t.Errorf("err = %v; want ErrShapeMismatch", err)
	}
}

func TestCaptionLossRejectsBadLengths(t *testing.T) {
	targets := [][]int{{1, 2, 3}}
	preds := predsFor(targets, 5, 1)
	alphas := uniformAlphas(1, 3, 4)
	l := &CaptionLoss{}
	if _, _, _, err := l.Compute(preds, alphas, targetTensor(targets), []int{1}); !errors.Is(err, ErrBadSample) {
		t.Errorf("length 1 err = %v; want ErrBadSample", err)
	}
	if _, _, _, err := l.Compute(preds, alphas, targetTensor(targets), []int{9}); !errors.Is(err, ErrBadSample) {
		t.Errorf("oversized length err = %v; want ErrBadSample", err)
	}
}
