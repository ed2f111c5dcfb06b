package training

import (
	"errors"
	"math"
	"testing"
)

func TestEffectiveDecay(t *testing.T) {
	tests := []struct {
		step int
		want float64
	}{
		{0, 0},
		{1, 0.5},
		{3, 0.75},
		{9, 0.9},
		{99, 0.99},
		{100000, 0.99},
	}
	for _, tt := range tests {
		if got := EffectiveDecay(tt.step, 0.99); math.Abs(got-tt.want) > 1e-12 {
			t.Errorf("EffectiveDecay(%d) = %g, expected %g", tt.step, got, tt.want)
		}
	}
}

func TestEMAFirstUpdateCopiesStudent(t *testing.T) {
	student := newLinearModel(t, 2, 3, 1)
	teacher := newLinearModel(t, 2, 3, 2)
	ema, err := NewEMAUpdater(0.99)
	if err != nil {
		t.Fatalf("NewEMAUpdater failed: %v", err)
	}

	if err := ema.Update(teacher, student, 0); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	for i, p := range teacher.Parameters() {
		if !p.AllClose(student.Parameters()[i], 0) {
			t.Errorf("parameter %d differs after the step-0 update", i)
		}
	}
}

func TestEMAUpdateBlend(t *testing.T) {
	student := newLinearModel(t, 1, 2, 1)
	teacher := newLinearModel(t, 1, 2, 2)
	sw := student.w.Data.([]float32)
	tw := teacher.w.Data.([]float32)
	sw[0], tw[0] = 1, 0
	sw[1], tw[1] = -2, 4

	ema, _ := NewEMAUpdater(0.99)
	if err := ema.Update(teacher, student, 3); err != nil { // a = 0.75
		t.Fatalf("Update failed: %v", err)
	}
	if math.Abs(float64(tw[0])-0.25) > 1e-6 || math.Abs(float64(tw[1])-2.5) > 1e-6 {
		t.Errorf("teacher weights = %v, expected [0.25 2.5]", tw[:2])
	}
	if sw[0] != 1 || sw[1] != -2 {
		t.Errorf("student weights changed: %v", sw[:2])
	}
}

func TestEMALeavesGradients(t *testing.T) {
	student := newLinearModel(t, 1, 2, 1)
	teacher := newLinearModel(t, 1, 2, 2)
	grad := []float32{0.5, -0.5}
	if err := teacher.w.AccumulateGrad(grad); err != nil {
		t.Fatal(err)
	}
	ema, _ := NewEMAUpdater(0.9)
	if err := ema.Update(teacher, student, 10); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if g := teacher.w.Grad().Data.([]float32); g[0] != 0.5 || g[1] != -0.5 {
		t.Errorf("teacher gradient changed: %v", g)
	}
}

func TestEMAParameterMismatch(t *testing.T) {
	ema, _ := NewEMAUpdater(0.99)
	err := ema.Update(newLinearModel(t, 2, 3, 1), newLinearModel(t, 3, 3, 1), 5)
	if !errors.Is(err, ErrParameterMismatch) {
		t.Errorf("expected ErrParameterMismatch, got %v", err)
	}
	if err := CopyParameters(newLinearModel(t, 2, 2, 1), newLinearModel(t, 2, 3, 1)); !errors.Is(err, ErrParameterMismatch) {
		t.Errorf("CopyParameters: expected ErrParameterMismatch, got %v", err)
	}
}

func TestNewEMAUpdaterRange(t *testing.T) {
	for _, d := range []float64{0, 1, -0.5, 1.5} {
		if _, err := NewEMAUpdater(d); err == nil {
			t.Errorf("expected error for decay %g", d)
		}
	}
}
