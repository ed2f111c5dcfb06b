package tensor

import (
	"math"
	"math/rand"
	"reflect"
	"testing"
)

func TestNewTensor(t *testing.T) {
	t.Run("Valid Float32 tensor", func(t *testing.T) {
		shape := []int{2, 3}
		data := []float32{1.0, 2.0, 3.0, 4.0, 5.0, 6.0}

		tensor, err := NewTensor(shape, Float32, data)
		if err != nil {
			t.Fatalf("NewTensor failed: %v", err)
		}

		if !reflect.DeepEqual(tensor.Shape, shape) {
			t.Errorf("Shape = %v, expected %v", tensor.Shape, shape)
		}
		if tensor.NumElems != 6 {
			t.Errorf("NumElems = %d, expected 6", tensor.NumElems)
		}
		expectedStrides := []int{3, 1}
		if !reflect.DeepEqual(tensor.Strides, expectedStrides) {
			t.Errorf("Strides = %v, expected %v", tensor.Strides, expectedStrides)
		}
	})

	t.Run("Data length mismatch", func(t *testing.T) {
		if _, err := NewTensor([]int{2, 2}, Float32, []float32{1, 2, 3}); err == nil {
			t.Error("expected error for short data")
		}
	})

	t.Run("Invalid shapes", func(t *testing.T) {
		for _, shape := range [][]int{{}, {0, 2}, {2, -1}} {
			if _, err := Zeros(shape, Float32); err == nil {
				t.Errorf("expected error for shape %v", shape)
			}
		}
	})

	t.Run("Shape is copied", func(t *testing.T) {
		shape := []int{1, 2}
		tensor, _ := Zeros(shape, Int32)
		shape[0] = 5
		if tensor.Shape[0] != 1 {
			t.Errorf("tensor shape aliased caller slice: %v", tensor.Shape)
		}
	})
}

func TestElementwiseOps(t *testing.T) {
	a, _ := NewTensor([]int{2, 2}, Float32, []float32{1, 2, 3, 4})
	b, _ := NewTensor([]int{2, 2}, Float32, []float32{2, 2, 2, 2})

	tests := []struct {
		name string
		op   func(a, b *Tensor) (*Tensor, error)
		want []float32
	}{
		{"Add", Add, []float32{3, 4, 5, 6}},
		{"Sub", Sub, []float32{-1, 0, 1, 2}},
		{"Mul", Mul, []float32{2, 4, 6, 8}},
		{"Div", Div, []float32{0.5, 1, 1.5, 2}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.op(a, b)
			if err != nil {
				t.Fatalf("%s failed: %v", tt.name, err)
			}
			if !reflect.DeepEqual(got.Data.([]float32), tt.want) {
				t.Errorf("%s = %v, expected %v", tt.name, got.Data, tt.want)
			}
		})
	}

	t.Run("Shape mismatch", func(t *testing.T) {
		c, _ := Zeros([]int{4}, Float32)
		if _, err := Add(a, c); err == nil {
			t.Error("expected shape mismatch error")
		}
	})

	t.Run("Scale and AddScalar", func(t *testing.T) {
		s, _ := Scale(a, 0.5)
		s, _ = AddScalar(s, 1)
		want := []float32{1.5, 2, 2.5, 3}
		if !reflect.DeepEqual(s.Data.([]float32), want) {
			t.Errorf("got %v, expected %v", s.Data, want)
		}
	})
}

func TestReshapeAndClone(t *testing.T) {
	a, _ := NewTensor([]int{2, 3}, Float32, []float32{1, 2, 3, 4, 5, 6})

	r, err := a.Reshape([]int{3, -1})
	if err != nil {
		t.Fatalf("Reshape failed: %v", err)
	}
	if !reflect.DeepEqual(r.Shape, []int{3, 2}) {
		t.Errorf("Reshape shape = %v", r.Shape)
	}
	if _, err := a.Reshape([]int{4, 2}); err == nil {
		t.Error("expected size mismatch error")
	}

	c, err := a.Clone()
	if err != nil {
		t.Fatalf("Clone failed: %v", err)
	}
	c.Data.([]float32)[0] = 100
	if a.Data.([]float32)[0] != 1 {
		t.Error("Clone shares storage with the source")
	}
}

func TestGradients(t *testing.T) {
	p, _ := Zeros([]int{3}, Float32)
	if p.Grad() != nil {
		t.Fatal("fresh tensor should not have a gradient")
	}
	p.SetRequiresGrad(true)
	if err := p.AccumulateGrad([]float32{1, 2, 3}); err != nil {
		t.Fatalf("AccumulateGrad failed: %v", err)
	}
	if err := p.AccumulateGrad([]float32{1, 1, 1}); err != nil {
		t.Fatalf("AccumulateGrad failed: %v", err)
	}
	if got := p.Grad().Data.([]float32); !reflect.DeepEqual(got, []float32{2, 3, 4}) {
		t.Errorf("grad = %v", got)
	}
	ZeroGrad([]*Tensor{p})
	if got := p.Grad().Data.([]float32); !reflect.DeepEqual(got, []float32{0, 0, 0}) {
		t.Errorf("grad after ZeroGrad = %v", got)
	}

	frozen, _ := Zeros([]int{3}, Float32)
	if err := frozen.AccumulateGrad([]float32{1, 1, 1}); err == nil {
		t.Error("expected error accumulating into a frozen tensor")
	}
}

func TestSoftmaxChannels(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	logits, _ := RandomNormal([]int{2, 3, 4, 5}, 0, 3, rng)

	probs, err := SoftmaxChannels(logits)
	if err != nil {
		t.Fatalf("SoftmaxChannels failed: %v", err)
	}
	logProbs, err := LogSoftmaxChannels(logits)
	if err != nil {
		t.Fatalf("LogSoftmaxChannels failed: %v", err)
	}

	p := probs.Data.([]float32)
	lp := logProbs.Data.([]float32)
	plane := 20
	for n := 0; n < 2; n++ {
		for px := 0; px < plane; px++ {
			var sum float64
			for c := 0; c < 3; c++ {
				idx := n*3*plane + c*plane + px
				sum += float64(p[idx])
				if math.Abs(math.Exp(float64(lp[idx]))-float64(p[idx])) > 1e-5 {
					t.Fatalf("log-softmax disagrees with softmax at %d", idx)
				}
			}
			if math.Abs(sum-1) > 1e-5 {
				t.Fatalf("probabilities at pixel %d sum to %f", px, sum)
			}
		}
	}

	flat, _ := Zeros([]int{2, 3}, Float32)
	if _, err := SoftmaxChannels(flat); err == nil {
		t.Error("expected error for non-4D input")
	}
}

func TestConcatChannels(t *testing.T) {
	a, _ := NewTensor([]int{2, 1, 1, 2}, Float32, []float32{1, 2, 3, 4})
	b, _ := NewTensor([]int{2, 2, 1, 2}, Float32, []float32{10, 11, 12, 13, 20, 21, 22, 23})

	out, err := ConcatChannels(a, b)
	if err != nil {
		t.Fatalf("ConcatChannels failed: %v", err)
	}
	if !reflect.DeepEqual(out.Shape, []int{2, 3, 1, 2}) {
		t.Fatalf("shape = %v", out.Shape)
	}
	want := []float32{1, 2, 10, 11, 12, 13, 3, 4, 20, 21, 22, 23}
	if !reflect.DeepEqual(out.Data.([]float32), want) {
		t.Errorf("data = %v, expected %v", out.Data, want)
	}

	bad, _ := Zeros([]int{2, 1, 2, 2}, Float32)
	if _, err := ConcatChannels(a, bad); err == nil {
		t.Error("expected spatial mismatch error")
	}
}
