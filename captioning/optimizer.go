package captioning

import (
	"math"

	"github.com/pkg/errors"
)

// Optimizer applies accumulated parameter gradients.
type Optimizer interface {
	Step(params []*Parameter) error
}

// ZeroGrads clears the gradient buffers of every parameter.
func ZeroGrads(params []*Parameter) {
	for _, p := range params {
		p.ZeroGrad()
	}
}

// SGD is plain gradient descent with an optional multiplicative lr decay
// applied after every step.
type SGD struct {
	Lr    float64
	Decay float64
}

// Step applies the gradients and decays the learning rate.
func (o *SGD) Step(params []*Parameter) error {
	if o.Lr <= 0 {
		return errors.Errorf("captioning: sgd learning rate must be > 0, got %g", o.Lr)
	}
	for _, p := range params {
		for i, g := range p.Grad {
			p.Value[i] -= o.Lr * g
		}
	}
	if o.Decay != 0 {
		o.Lr *= o.Decay
	}
	return nil
}

// LearningRate returns the current rate.
func (o *SGD) LearningRate() float64 { return o.Lr }

// SetLearningRate replaces the current rate.
func (o *SGD) SetLearningRate(lr float64) { o.Lr = lr }

// Adam keeps per-parameter first and second moment estimates keyed by
// parameter name.
type Adam struct {
	Lr    float64
	Beta1 float64
	Beta2 float64
	Eps   float64

	step int
	m    map[string][]float64
	v    map[string][]float64
}

// NewAdam builds an Adam optimizer with the usual defaults.
func NewAdam(lr float64) *Adam {
	return &Adam{
		Lr:    lr,
		Beta1: 0.9,
		Beta2: 0.999,
		Eps:   1e-8,
		m:     make(map[string][]float64),
		v:     make(map[string][]float64),
	}
}

func (o *Adam) moment(store map[string][]float64, p *Parameter) []float64 {
	buf, ok := store[p.Name]
	if !ok || len(buf) != p.Size() {
		buf = make([]float64, p.Size())
		store[p.Name] = buf
	}
	return buf
}

// Step applies one bias-corrected Adam update.
func (o *Adam) Step(params []*Parameter) error {
	if o.Lr <= 0 {
		return errors.Errorf("captioning: adam learning rate must be > 0, got %g", o.Lr)
	}
	o.step++
	bc1 := 1 - math.Pow(o.Beta1, float64(o.step))
	bc2 := 1 - math.Pow(o.Beta2, float64(o.step))
	for _, p := range params {
		m := o.moment(o.m, p)
		v := o.moment(o.v, p)
		for i, g := range p.Grad {
			m[i] = o.Beta1*m[i] + (1-o.Beta1)*g
			v[i] = o.Beta2*v[i] + (1-o.Beta2)*g*g
			p.Value[i] -= o.Lr * (m[i] / bc1) / (math.Sqrt(v[i]/bc2) + o.Eps)
		}
	}
	return nil
}

// LearningRate returns the current rate.
func (o *Adam) LearningRate() float64 { return o.Lr }

// SetLearningRate replaces the current rate.
func (o *Adam) SetLearningRate(lr float64) { o.Lr = lr }

// LrSettable is satisfied by optimizers whose rate a scheduler can adjust.
type LrSettable interface {
	LearningRate() float64
	SetLearningRate(float64)
}

// StepLR multiplies the optimizer learning rate by Gamma every StepSize
// calls to Step. The zero Gamma means the conventional 0.1.
type StepLR struct {
	Opt      LrSettable
	StepSize int
	Gamma    float64

	calls int
}

// Step advances the schedule; call once per epoch before the train pass.
func (s *StepLR) Step() {
	s.calls++
	if s.StepSize <= 0 || s.calls%s.StepSize != 0 {
		return
	}
	gamma := s.Gamma
	if gamma == 0 {
		gamma = 0.1
	}
	s.Opt.SetLearningRate(s.Opt.LearningRate() * gamma)
}
