package captioning

// AverageMeter tracks a weighted running mean of a scalar metric within a
// single pass. Every pass must start from a fresh meter; reusing one across
// passes blends train and validation statistics.
type AverageMeter struct {
	Val   float64
	Sum   float64
	Count int
	Avg   float64
}

// Update records value with weight n.
func (m *AverageMeter) Update(value float64, n int) {
	m.Val = value
	m.Sum += value * float64(n)
	m.Count += n
	if m.Count > 0 {
		m.Avg = m.Sum / float64(m.Count)
	}
}
