package tensor

import (
	"fmt"
	"math"
)

func checkCompatibility(t1, t2 *Tensor) error {
	if t1.DType != t2.DType {
		return fmt.Errorf("tensors must have same dtype: %s vs %s", t1.DType, t2.DType)
	}
	if !SameShape(t1.Shape, t2.Shape) {
		return fmt.Errorf("tensor shapes must match: %v vs %v", t1.Shape, t2.Shape)
	}
	return nil
}

func binaryFloat32(name string, t1, t2 *Tensor, op func(a, b float32) float32) (*Tensor, error) {
	if err := checkCompatibility(t1, t2); err != nil {
		return nil, err
	}
	if t1.DType != Float32 {
		return nil, fmt.Errorf("unsupported dtype for %s: %s", name, t1.DType)
	}

	result, err := Zeros(t1.Shape, Float32)
	if err != nil {
		return nil, err
	}

	data1 := t1.Data.([]float32)
	data2 := t2.Data.([]float32)
	resultData := result.Data.([]float32)
	for i := 0; i < t1.NumElems; i++ {
		resultData[i] = op(data1[i], data2[i])
	}
	return result, nil
}

func Add(t1, t2 *Tensor) (*Tensor, error) {
	return binaryFloat32("Add", t1, t2, func(a, b float32) float32 { return a + b })
}

func Sub(t1, t2 *Tensor) (*Tensor, error) {
	return binaryFloat32("Sub", t1, t2, func(a, b float32) float32 { return a - b })
}

func Mul(t1, t2 *Tensor) (*Tensor, error) {
	return binaryFloat32("Mul", t1, t2, func(a, b float32) float32 { return a * b })
}

func Div(t1, t2 *Tensor) (*Tensor, error) {
	if err := checkCompatibility(t1, t2); err != nil {
		return nil, err
	}
	for i, v := range t2.Data.([]float32) {
		if v == 0 {
			return nil, fmt.Errorf("division by zero at index %d", i)
		}
	}
	return binaryFloat32("Div", t1, t2, func(a, b float32) float32 { return a / b })
}

// Scale multiplies every element by s.
func Scale(t *Tensor, s float64) (*Tensor, error) {
	if t.DType != Float32 {
		return nil, fmt.Errorf("unsupported dtype for Scale: %s", t.DType)
	}
	data := t.Data.([]float32)
	out := make([]float32, len(data))
	for i, v := range data {
		out[i] = float32(float64(v) * s)
	}
	return NewTensor(t.Shape, Float32, out)
}

// AddScalar adds s to every element.
func AddScalar(t *Tensor, s float64) (*Tensor, error) {
	if t.DType != Float32 {
		return nil, fmt.Errorf("unsupported dtype for AddScalar: %s", t.DType)
	}
	data := t.Data.([]float32)
	out := make([]float32, len(data))
	for i, v := range data {
		out[i] = float32(float64(v) + s)
	}
	return NewTensor(t.Shape, Float32, out)
}

// Sqrt computes the square root of a tensor element-wise
func Sqrt(t *Tensor) (*Tensor, error) {
	if t.DType != Float32 {
		return nil, fmt.Errorf("sqrt only supports Float32 tensors")
	}

	data := t.Data.([]float32)
	result := make([]float32, len(data))

	for i, val := range data {
		if val < 0 {
			result[i] = float32(math.NaN())
		} else {
			result[i] = float32(math.Sqrt(float64(val)))
		}
	}

	return NewTensor(t.Shape, t.DType, result)
}
