package captioning

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gorgonia.org/tensor"
)

// CaptionLoss combines a masked, length-normalized cross-entropy over the
// valid target positions with a coverage penalty that pushes the time-summed
// attention weight of every spatial location towards 1.
//
// Compute and Gradient form a pair: Compute yields the scalar loss together
// with the packed predictions and targets (for reuse by Accuracy), Gradient
// yields dLoss/dPredictions and dLoss/dAlphas for the backward pass.
type CaptionLoss struct {
	// AlphaC scales the coverage penalty; zero disables it.
	AlphaC float64
}

// lossDims holds the checked dimensions of one loss invocation.
type lossDims struct {
	batch, steps, vocab, locs int
	valid                     []int // per-sample valid target positions
	total                     int
}

func (l *CaptionLoss) check(preds, alphas, targets *tensor.Dense, lengths []int) (lossDims, error) {
	var d lossDims
	ps := preds.Shape()
	as := alphas.Shape()
	ts := targets.Shape()
	if len(ps) != 3 || len(as) != 3 || len(ts) != 2 {
		return d, errors.Wrapf(ErrShapeMismatch, "preds %v alphas %v targets %v", ps, as, ts)
	}
	d.batch, d.steps, d.vocab = ps[0], ps[1], ps[2]
	d.locs = as[2]
	if d.steps < 1 {
		return d, errors.Wrapf(ErrShapeMismatch, "need at least one target step, got %d", d.steps)
	}
	if as[0] != d.batch || as[1] != d.steps {
		return d, errors.Wrapf(ErrShapeMismatch, "alphas %v vs preds %v", as, ps)
	}
	if ts[0] != d.batch || ts[1] != d.steps {
		return d, errors.Wrapf(ErrShapeMismatch, "targets %v vs preds %v", ts, ps)
	}
	d.valid = make([]int, d.batch)
	for i := range d.valid {
		d.valid[i] = d.steps
	}
	if lengths != nil {
		if len(lengths) != d.batch {
			return d, errors.Wrapf(ErrShapeMismatch, "%d lengths for batch of %d", len(lengths), d.batch)
		}
		for i, n := range lengths {
			v := n - 1 // drop the start token
			if v < 1 || v > d.steps {
				return d, errors.Wrapf(ErrBadSample, "caption length %d at sample %d (batch steps %d)", n, i, d.steps)
			}
			d.valid[i] = v
		}
	}
	for _, v := range d.valid {
		d.total += v
	}
	return d, nil
}

// Compute returns the total loss plus the packed valid predictions [N, V]
// and targets [N]. Padding positions contribute nothing: only the first
// lengths[i]-1 target positions of each sample are packed.
func (l *CaptionLoss) Compute(preds, alphas, targets *tensor.Dense, lengths []int) (float64, *tensor.Dense, []int, error) {
	d, err := l.check(preds, alphas, targets, lengths)
	if err != nil {
		return 0, nil, nil, err
	}
	if d.total == 0 {
		return 0, nil, nil, errors.WithStack(ErrEmptyBatch)
	}
	predData := preds.Data().([]float64)
	targetData := targets.Data().([]int)

	packed := make([]float64, 0, d.total*d.vocab)
	packedTargets := make([]int, 0, d.total)
	var ce float64
	for i := 0; i < d.batch; i++ {
		for t := 0; t < d.valid[i]; t++ {
			base := (i*d.steps + t) * d.vocab
			row := predData[base : base+d.vocab]
			tgt := targetData[i*d.steps+t]
			if tgt < 0 || tgt >= d.vocab {
				return 0, nil, nil, errors.Wrapf(ErrBadSample, "target id %d at sample %d step %d (vocab %d)", tgt, i, t, d.vocab)
			}
			ce += floats.LogSumExp(row) - row[tgt]
			packed = append(packed, row...)
			packedTargets = append(packedTargets, tgt)
		}
	}
	ce /= float64(d.total)

	loss := ce + l.penalty(alphas.Data().([]float64), d)
	flat := tensor.New(tensor.WithShape(d.total, d.vocab), tensor.WithBacking(packed))
	return loss, flat, packedTargets, nil
}

// penalty is alphaC * mean over (sample, location) of (1 - time-summed
// attention)^2, the sum running over valid steps only.
func (l *CaptionLoss) penalty(alphaData []float64, d lossDims) float64 {
	if l.AlphaC == 0 {
		return 0
	}
	var sumSq float64
	for i := 0; i < d.batch; i++ {
		for k := 0; k < d.locs; k++ {
			var s float64
			for t := 0; t < d.valid[i]; t++ {
				s += alphaData[(i*d.steps+t)*d.locs+k]
			}
			diff := 1 - s
			sumSq += diff * diff
		}
	}
	return l.AlphaC * sumSq / float64(d.batch*d.locs)
}

// Gradient returns dLoss/dPreds [B, L-1, V] and dLoss/dAlphas [B, L-1, K]
// for the same inputs as Compute. Entries at padding positions are zero.
func (l *CaptionLoss) Gradient(preds, alphas, targets *tensor.Dense, lengths []int) (*tensor.Dense, *tensor.Dense, error) {
	d, err := l.check(preds, alphas, targets, lengths)
	if err != nil {
		return nil, nil, err
	}
	if d.total == 0 {
		return nil, nil, errors.WithStack(ErrEmptyBatch)
	}
	predData := preds.Data().([]float64)
	targetData := targets.Data().([]int)
	alphaData := alphas.Data().([]float64)

	dPred := make([]float64, d.batch*d.steps*d.vocab)
	probs := make([]float64, d.vocab)
	inv := 1 / float64(d.total)
	for i := 0; i < d.batch; i++ {
		for t := 0; t < d.valid[i]; t++ {
			base := (i*d.steps + t) * d.vocab
			row := predData[base : base+d.vocab]
			tgt := targetData[i*d.steps+t]
			if tgt < 0 || tgt >= d.vocab {
				return nil, nil, errors.Wrapf(ErrBadSample, "target id %d at sample %d step %d (vocab %d)", tgt, i, t, d.vocab)
			}
			softmax(probs, row)
			for v := 0; v < d.vocab; v++ {
				dPred[base+v] = probs[v] * inv
			}
			dPred[base+tgt] -= inv
		}
	}

	dAlpha := make([]float64, d.batch*d.steps*d.locs)
	if l.AlphaC != 0 {
		coef := 2 * l.AlphaC / float64(d.batch*d.locs)
		for i := 0; i < d.batch; i++ {
			for k := 0; k < d.locs; k++ {
				var s float64
				for t := 0; t < d.valid[i]; t++ {
					s += alphaData[(i*d.steps+t)*d.locs+k]
				}
				g := coef * (s - 1)
				for t := 0; t < d.valid[i]; t++ {
					dAlpha[(i*d.steps+t)*d.locs+k] = g
				}
			}
		}
	}

	dp := tensor.New(tensor.WithShape(d.batch, d.steps, d.vocab), tensor.WithBacking(dPred))
	da := tensor.New(tensor.WithShape(d.batch, d.steps, d.locs), tensor.WithBacking(dAlpha))
	return dp, da, nil
}

// softmax writes the max-stabilized softmax of src into dst.
func softmax(dst, src []float64) {
	max := floats.Max(src)
	var sum float64
	for i, v := range src {
		e := math.Exp(v - max)
		dst[i] = e
		sum += e
	}
	for i := range dst {
		dst[i] /= sum
	}
}
