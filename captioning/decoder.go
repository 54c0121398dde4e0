package captioning

import (
	"math"
	"math/rand"

	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// AttentionDecoder is a compact soft-attention decoder satisfying the
// Decoder contract. At each step it embeds the previous ground-truth token,
// projects the embedding into feature space to score every spatial location,
// normalizes the scores into an attention distribution, and reads the
// vocabulary logits off the attended context concatenated with the
// embedding. The backward pass is explicit: gradients from CaptionLoss flow
// through the readout, the softmax and the score projection into the
// parameter Grad buffers.
type AttentionDecoder struct {
	vocab   int
	featDim int
	embDim  int

	emb  *Parameter // [vocab, embDim]
	attn *Parameter // [featDim, embDim] score projection
	outW *Parameter // [vocab, featDim+embDim]
	outB *Parameter // [vocab]

	mode  Mode
	cache *decoderCache
}

// decoderCache keeps the inputs and attention weights of the latest
// training-mode Forward so Backward can replay the pass.
type decoderCache struct {
	features []float64
	captions []int
	alphas   []float64
	batch    int
	steps    int
	locs     int
}

// NewAttentionDecoder builds a decoder for the given vocabulary, encoder
// feature dimension and embedding dimension, deterministically initialized
// from seed.
func NewAttentionDecoder(vocab, featDim, embDim int, seed int64) *AttentionDecoder {
	rng := rand.New(rand.NewSource(seed))
	d := &AttentionDecoder{
		vocab:   vocab,
		featDim: featDim,
		embDim:  embDim,
		emb:     NewParameter("embedding", vocab, embDim),
		attn:    NewParameter("attention", featDim, embDim),
		outW:    NewParameter("out_weight", vocab, featDim+embDim),
		outB:    NewParameter("out_bias", vocab),
	}
	xavierFill(rng, d.emb.Value, vocab, embDim)
	xavierFill(rng, d.attn.Value, featDim, embDim)
	xavierFill(rng, d.outW.Value, vocab, featDim+embDim)
	return d
}

// xavierFill draws uniform values in [-limit, limit], limit = sqrt(6/(in+out)).
func xavierFill(rng *rand.Rand, dst []float64, fanIn, fanOut int) {
	limit := math.Sqrt(6 / float64(fanIn+fanOut))
	for i := range dst {
		dst[i] = (2*rng.Float64() - 1) * limit
	}
}

// SetMode toggles training behaviour. Backward is only available after a
// Forward in ModeTrain.
func (d *AttentionDecoder) SetMode(m Mode) {
	d.mode = m
	if m == ModeEval {
		d.cache = nil
	}
}

// Parameters returns the trainable parameters.
func (d *AttentionDecoder) Parameters() []*Parameter {
	return []*Parameter{d.emb, d.attn, d.outW, d.outB}
}

// Forward runs teacher-forced decoding over features [B, K, featDim] and
// captions [B, L], returning predictions [B, L-1, vocab] and attention
// weights [B, L-1, K].
func (d *AttentionDecoder) Forward(features, captions *tensor.Dense) (*tensor.Dense, *tensor.Dense, error) {
	fs := features.Shape()
	cs := captions.Shape()
	if len(fs) != 3 || fs[2] != d.featDim {
		return nil, nil, errors.Wrapf(ErrShapeMismatch, "features %v, want [B K %d]", fs, d.featDim)
	}
	if len(cs) != 2 || cs[0] != fs[0] {
		return nil, nil, errors.Wrapf(ErrShapeMismatch, "captions %v vs features %v", cs, fs)
	}
	batch, locs := fs[0], fs[1]
	length := cs[1]
	if length < 2 {
		return nil, nil, errors.Wrapf(ErrShapeMismatch, "caption length %d, need start token plus content", length)
	}
	steps := length - 1
	featData := features.Data().([]float64)
	capData := captions.Data().([]int)

	predData := make([]float64, batch*steps*d.vocab)
	alphaData := make([]float64, batch*steps*locs)
	q := make([]float64, d.featDim)
	scores := make([]float64, locs)
	x := make([]float64, d.featDim+d.embDim)
	for i := 0; i < batch; i++ {
		feat := featData[i*locs*d.featDim : (i+1)*locs*d.featDim]
		for t := 0; t < steps; t++ {
			prev := capData[i*length+t]
			if prev < 0 || prev >= d.vocab {
				return nil, nil, errors.Wrapf(ErrBadSample, "token id %d at sample %d position %d (vocab %d)", prev, i, t, d.vocab)
			}
			e := d.emb.Value[prev*d.embDim : (prev+1)*d.embDim]

			// q = attn * e, then score each location against q.
			for f := 0; f < d.featDim; f++ {
				var s float64
				row := d.attn.Value[f*d.embDim : (f+1)*d.embDim]
				for j, ev := range e {
					s += row[j] * ev
				}
				q[f] = s
			}
			for k := 0; k < locs; k++ {
				var s float64
				fk := feat[k*d.featDim : (k+1)*d.featDim]
				for f, qv := range q {
					s += fk[f] * qv
				}
				scores[k] = s
			}
			alpha := alphaData[(i*steps+t)*locs : (i*steps+t+1)*locs]
			softmax(alpha, scores)

			// x = [context; embedding]
			for f := 0; f < d.featDim; f++ {
				x[f] = 0
			}
			for k := 0; k < locs; k++ {
				a := alpha[k]
				fk := feat[k*d.featDim : (k+1)*d.featDim]
				for f, fv := range fk {
					x[f] += a * fv
				}
			}
			copy(x[d.featDim:], e)

			out := predData[(i*steps+t)*d.vocab : (i*steps+t+1)*d.vocab]
			for v := 0; v < d.vocab; v++ {
				w := d.outW.Value[v*(d.featDim+d.embDim) : (v+1)*(d.featDim+d.embDim)]
				s := d.outB.Value[v]
				for j, xv := range x {
					s += w[j] * xv
				}
				out[v] = s
			}
		}
	}

	if d.mode == ModeTrain {
		d.cache = &decoderCache{
			features: featData,
			captions: capData,
			alphas:   alphaData,
			batch:    batch,
			steps:    steps,
			locs:     locs,
		}
	}
	preds := tensor.New(tensor.WithShape(batch, steps, d.vocab), tensor.WithBacking(predData))
	alphas := tensor.New(tensor.WithShape(batch, steps, locs), tensor.WithBacking(alphaData))
	return preds, alphas, nil
}

// Backward accumulates parameter gradients for the most recent training-mode
// Forward. dPreds and dAlphas must match the shapes that Forward returned.
// Features receive no gradient: the encoder is frozen.
func (d *AttentionDecoder) Backward(dPreds, dAlphas *tensor.Dense) error {
	c := d.cache
	if c == nil {
		return errors.New("captioning: Backward without a training-mode Forward")
	}
	ps := dPreds.Shape()
	as := dAlphas.Shape()
	if len(ps) != 3 || ps[0] != c.batch || ps[1] != c.steps || ps[2] != d.vocab {
		return errors.Wrapf(ErrShapeMismatch, "dPreds %v, want [%d %d %d]", ps, c.batch, c.steps, d.vocab)
	}
	if len(as) != 3 || as[0] != c.batch || as[1] != c.steps || as[2] != c.locs {
		return errors.Wrapf(ErrShapeMismatch, "dAlphas %v, want [%d %d %d]", as, c.batch, c.steps, c.locs)
	}
	dPredData := dPreds.Data().([]float64)
	dAlphaData := dAlphas.Data().([]float64)

	width := d.featDim + d.embDim
	length := c.steps + 1
	x := make([]float64, width)
	dx := make([]float64, width)
	dAlpha := make([]float64, c.locs)
	dScore := make([]float64, c.locs)
	dq := make([]float64, d.featDim)
	for i := 0; i < c.batch; i++ {
		feat := c.features[i*c.locs*d.featDim : (i+1)*c.locs*d.featDim]
		for t := 0; t < c.steps; t++ {
			prev := c.captions[i*length+t]
			e := d.emb.Value[prev*d.embDim : (prev+1)*d.embDim]
			alpha := c.alphas[(i*c.steps+t)*c.locs : (i*c.steps+t+1)*c.locs]

			// Rebuild x = [context; embedding] from the cached weights.
			for f := 0; f < d.featDim; f++ {
				x[f] = 0
			}
			for k := 0; k < c.locs; k++ {
				a := alpha[k]
				fk := feat[k*d.featDim : (k+1)*d.featDim]
				for f, fv := range fk {
					x[f] += a * fv
				}
			}
			copy(x[d.featDim:], e)

			// Readout: dOutB, dOutW and dx.
			for j := range dx {
				dx[j] = 0
			}
			dl := dPredData[(i*c.steps+t)*d.vocab : (i*c.steps+t+1)*d.vocab]
			for v := 0; v < d.vocab; v++ {
				g := dl[v]
				if g == 0 {
					continue
				}
				d.outB.Grad[v] += g
				w := d.outW.Value[v*width : (v+1)*width]
				gw := d.outW.Grad[v*width : (v+1)*width]
				for j, xv := range x {
					gw[j] += g * xv
					dx[j] += g * w[j]
				}
			}

			// Attention: context gradient plus the external coverage term.
			ext := dAlphaData[(i*c.steps+t)*c.locs : (i*c.steps+t+1)*c.locs]
			for k := 0; k < c.locs; k++ {
				var s float64
				fk := feat[k*d.featDim : (k+1)*d.featDim]
				for f := 0; f < d.featDim; f++ {
					s += dx[f] * fk[f]
				}
				dAlpha[k] = s + ext[k]
			}

			// Softmax backward.
			var dot float64
			for k, a := range alpha {
				dot += a * dAlpha[k]
			}
			for k, a := range alpha {
				dScore[k] = a * (dAlpha[k] - dot)
			}

			// Scores back into the projection and the embedding.
			for f := 0; f < d.featDim; f++ {
				dq[f] = 0
			}
			for k := 0; k < c.locs; k++ {
				g := dScore[k]
				fk := feat[k*d.featDim : (k+1)*d.featDim]
				for f, fv := range fk {
					dq[f] += g * fv
				}
			}
			ge := d.emb.Grad[prev*d.embDim : (prev+1)*d.embDim]
			for f := 0; f < d.featDim; f++ {
				g := dq[f]
				if g == 0 {
					continue
				}
				row := d.attn.Value[f*d.embDim : (f+1)*d.embDim]
				grow := d.attn.Grad[f*d.embDim : (f+1)*d.embDim]
				for j, ev := range e {
					grow[j] += g * ev
					ge[j] += g * row[j]
				}
			}
			for j := 0; j < d.embDim; j++ {
				ge[j] += dx[d.featDim+j]
			}
		}
	}
	return nil
}
