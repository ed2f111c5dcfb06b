package training

import (
	"fmt"
	"math"

	"github.com/tsawler/go-meanteacher/tensor"
)

// EffectiveDecay is the decay used at 0-based global step: it starts at 0,
// so the first update copies the student, and rises towards target.
func EffectiveDecay(step int, target float64) float64 {
	return math.Min(1-1/float64(step+1), target)
}

// EMAUpdater keeps a teacher model as an exponential moving average of a
// student. It is the only writer of teacher parameters.
type EMAUpdater struct {
	Decay float64
}

// NewEMAUpdater validates the target decay.
func NewEMAUpdater(decay float64) (*EMAUpdater, error) {
	if decay <= 0 || decay >= 1 {
		return nil, fmt.Errorf("ema decay must be in (0, 1), got %g", decay)
	}
	return &EMAUpdater{Decay: decay}, nil
}

// Update sets teacher = a*teacher + (1-a)*student in place with
// a = EffectiveDecay(step, Decay). Gradients are left untouched.
func (u *EMAUpdater) Update(teacher, student Model, step int) error {
	tp, sp, err := alignedParameters(teacher, student)
	if err != nil {
		return err
	}

	a := float32(EffectiveDecay(step, u.Decay))
	for i := range tp {
		td := tp[i].Data.([]float32)
		sd := sp[i].Data.([]float32)
		for j := range td {
			td[j] = a*td[j] + (1-a)*sd[j]
		}
	}
	return nil
}

// CopyParameters overwrites the parameters of dst with those of src.
func CopyParameters(dst, src Model) error {
	dp, sp, err := alignedParameters(dst, src)
	if err != nil {
		return err
	}
	for i := range dp {
		if err := dp[i].CopyFrom(sp[i]); err != nil {
			return fmt.Errorf("parameter %d: %w", i, err)
		}
	}
	return nil
}

func alignedParameters(a, b Model) ([]*tensor.Tensor, []*tensor.Tensor, error) {
	ap := a.Parameters()
	bp := b.Parameters()
	if len(ap) != len(bp) {
		return nil, nil, fmt.Errorf("%d vs %d parameters: %w", len(ap), len(bp), ErrParameterMismatch)
	}
	for i := range ap {
		if !tensor.SameShape(ap[i].Shape, bp[i].Shape) {
			return nil, nil, fmt.Errorf("parameter %d has shape %v vs %v: %w", i, ap[i].Shape, bp[i].Shape, ErrParameterMismatch)
		}
		if ap[i].DType != tensor.Float32 || bp[i].DType != tensor.Float32 {
			return nil, nil, fmt.Errorf("parameter %d is not Float32: %w", i, ErrParameterMismatch)
		}
	}
	return ap, bp, nil
}
