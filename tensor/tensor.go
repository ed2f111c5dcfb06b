package tensor

import (
	"fmt"
)

type DType int

const (
	Float32 DType = iota
	Int32
)

func (d DType) String() string {
	switch d {
	case Float32:
		return "Float32"
	case Int32:
		return "Int32"
	default:
		return "Unknown"
	}
}

// Tensor is a dense row-major CPU tensor. Segmentation code uses the NCHW
// layout for images and logits and NHW for integer masks.
type Tensor struct {
	Shape        []int
	Strides      []int
	DType        DType
	Data         interface{}
	NumElems     int
	requiresGrad bool
	grad         *Tensor
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(shape=%v, dtype=%s, elements=%d)", t.Shape, t.DType, t.NumElems)
}

func (t *Tensor) RequiresGrad() bool {
	return t.requiresGrad
}

// SetRequiresGrad marks the tensor as a trainable parameter and allocates a
// zeroed gradient buffer of the same shape.
func (t *Tensor) SetRequiresGrad(requires bool) {
	t.requiresGrad = requires
	if requires && t.grad == nil && t.DType == Float32 {
		t.grad, _ = Zeros(t.Shape, Float32)
	}
	if !requires {
		t.grad = nil
	}
}

func (t *Tensor) Grad() *Tensor {
	return t.grad
}

// AccumulateGrad adds delta into the gradient buffer.
func (t *Tensor) AccumulateGrad(delta []float32) error {
	if !t.requiresGrad || t.grad == nil {
		return fmt.Errorf("tensor %v does not track gradients", t.Shape)
	}
	g := t.grad.Data.([]float32)
	if len(delta) != len(g) {
		return fmt.Errorf("gradient length %d does not match tensor size %d", len(delta), len(g))
	}
	for i, d := range delta {
		g[i] += d
	}
	return nil
}

func calculateStrides(shape []int) []int {
	if len(shape) == 0 {
		return []int{}
	}

	strides := make([]int, len(shape))
	stride := 1
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = stride
		stride *= shape[i]
	}
	return strides
}

func calculateNumElements(shape []int) int {
	if len(shape) == 0 {
		return 0
	}

	elements := 1
	for _, dim := range shape {
		elements *= dim
	}
	return elements
}

func validateShape(shape []int) error {
	if len(shape) == 0 {
		return fmt.Errorf("invalid shape: at least one dimension is required")
	}
	for i, dim := range shape {
		if dim <= 0 {
			return fmt.Errorf("invalid shape: dimension %d has size %d, must be positive", i, dim)
		}
	}
	return nil
}

// SameShape reports whether two shapes are identical.
func SameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
