package captioning

import (
	"math"
	"testing"
)

func singleParam(value, grad float64) []*Parameter {
	p := NewParameter("w", 1)
	p.Value[0] = value
	p.Grad[0] = grad
	return []*Parameter{p}
}

func TestSGDStepAndDecay(t *testing.T) {
	params := singleParam(1.0, 0.5)
	o := &SGD{Lr: 0.1, Decay: 0.5}
	if err := o.Step(params); err != nil {
		t.Fatalf("Step: %v", err)
	}
	if got := params[0].Value[0]; math.Abs(got-0.95) > 1e-12 {
		t.Errorf("value = %v; want 0.95", got)
	}
	if math.Abs(o.Lr-0.05) > 1e-12 {
		t.Errorf("lr = %v; want 0.05", o.Lr)
	}
}

func TestAdamFirstStepMovesByLearningRate(t *testing.T) {
	params := singleParam(3.0, 2.0)
	o := NewAdam(0.01)
	if err := o.Step(params); err != nil {
		t.Fatalf("Step: %v", err)
	}
	// With bias correction the first update is lr * g/(|g|+eps), i.e. the
	// learning rate in the gradient's direction.
	got := 3.0 - params[0].Value[0]
	if math.Abs(got-0.01) > 1e-6 {
		t.Errorf("first update = %v; want approx 0.01", got)
	}
}

func TestAdamRejectsBadLearningRate(t *testing.T) {
	o := NewAdam(0)
	if err := o.Step(singleParam(1, 1)); err == nil {
		t.Error("zero learning rate accepted")
	}
}

func TestStepLRDecaysOnSchedule(t *testing.T) {
	o := NewAdam(1.0)
	s := &StepLR{Opt: o, StepSize: 2}
	s.Step()
	if o.LearningRate() != 1.0 {
		t.Errorf("lr after 1 step = %v; want 1.0", o.LearningRate())
	}
	s.Step()
	if math.Abs(o.LearningRate()-0.1) > 1e-12 {
		t.Errorf("lr after 2 steps = %v; want 0.1", o.LearningRate())
	}
	s.Step()
	s.Step()
	if math.Abs(o.LearningRate()-0.01) > 1e-12 {
		t.Errorf("lr after 4 steps = %v; want 0.01", o.LearningRate())
	}
}

func TestZeroGradsClearsAccumulation(t *testing.T) {
	params := singleParam(1, 7)
	ZeroGrads(params)
	if params[0].Grad[0] != 0 {
		t.Errorf("grad = %v; want 0", params[0].Grad[0])
	}
}
