package captioning

import (
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// Accuracy returns, for each requested k, the percentage of rows of the
// packed predictions [N, V] whose true token is among the k highest-scoring
// vocabulary entries. Tie order is not significant: a row counts for k when
// fewer than k entries score strictly higher than the target entry.
func Accuracy(flatPreds *tensor.Dense, flatTargets []int, topk []int) ([]float64, error) {
	shape := flatPreds.Shape()
	if len(shape) != 2 {
		return nil, errors.Wrapf(ErrShapeMismatch, "packed predictions %v, want 2 dims", shape)
	}
	n, vocab := shape[0], shape[1]
	if n == 0 {
		return nil, errors.WithStack(ErrEmptyBatch)
	}
	if n != len(flatTargets) {
		return nil, errors.Wrapf(ErrShapeMismatch, "%d prediction rows vs %d targets", n, len(flatTargets))
	}
	data := flatPreds.Data().([]float64)

	ranks := make([]int, n)
	for i := 0; i < n; i++ {
		tgt := flatTargets[i]
		if tgt < 0 || tgt >= vocab {
			return nil, errors.Wrapf(ErrBadSample, "target id %d at row %d (vocab %d)", tgt, i, vocab)
		}
		row := data[i*vocab : (i+1)*vocab]
		score := row[tgt]
		rank := 0
		for _, v := range row {
			if v > score {
				rank++
			}
		}
		ranks[i] = rank
	}

	out := make([]float64, len(topk))
	for j, k := range topk {
		if k <= 0 {
			return nil, errors.Errorf("captioning: top-k must be positive, got %d", k)
		}
		correct := 0
		for _, r := range ranks {
			if r < k {
				correct++
			}
		}
		out[j] = 100 * float64(correct) / float64(n)
	}
	return out, nil
}
