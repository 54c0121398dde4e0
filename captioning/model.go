// Package captioning implements the training and validation loop for an
// attention-based image-captioning model: an encoder turns images into
// spatial feature maps and a decoder generates caption tokens with soft
// visual attention, regularized so that the attention mass summed over time
// covers the whole image.
package captioning

import (
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

var (
	// ErrShapeMismatch reports tensors whose dimensions violate the
	// encoder/decoder contract.
	ErrShapeMismatch = errors.New("captioning: tensor shape mismatch")
	// ErrBadSample reports a malformed dataset sample or token id.
	ErrBadSample = errors.New("captioning: malformed sample")
	// ErrEmptyBatch reports an operation over zero valid positions.
	ErrEmptyBatch = errors.New("captioning: no valid positions")
)

// Mode selects between training and evaluation behaviour of a module.
type Mode int

const (
	ModeTrain Mode = iota
	ModeEval
)

func (m Mode) String() string {
	if m == ModeTrain {
		return "train"
	}
	return "val"
}

// Parameter is a named trainable array paired with its accumulated gradient.
type Parameter struct {
	Name  string
	Shape []int
	Value []float64
	Grad  []float64
}

// NewParameter allocates a zero-initialized parameter of the given shape.
func NewParameter(name string, shape ...int) *Parameter {
	size := 1
	for _, d := range shape {
		size *= d
	}
	return &Parameter{
		Name:  name,
		Shape: append([]int(nil), shape...),
		Value: make([]float64, size),
		Grad:  make([]float64, size),
	}
}

// Size returns the number of scalar entries.
func (p *Parameter) Size() int { return len(p.Value) }

// ZeroGrad clears the accumulated gradient.
func (p *Parameter) ZeroGrad() {
	for i := range p.Grad {
		p.Grad[i] = 0
	}
}

// Encoder turns a batch of images [B, C, H, W] into spatial feature maps
// [B, K, D]. Encoders are frozen during this training regime: SetMode exists
// to satisfy the module contract, and no gradient ever reaches them.
type Encoder interface {
	Forward(images *tensor.Dense) (*tensor.Dense, error)
	SetMode(Mode)
}

// Decoder generates per-step vocabulary scores with teacher forcing.
// Forward maps features [B, K, D] and captions [B, L] to predictions
// [B, L-1, V] and attention weights [B, L-1, K]. Backward consumes the loss
// gradients for the most recent Forward and accumulates into Parameters.
type Decoder interface {
	Forward(features, captions *tensor.Dense) (preds, alphas *tensor.Dense, err error)
	Backward(dPreds, dAlphas *tensor.Dense) error
	Parameters() []*Parameter
	SetMode(Mode)
}
