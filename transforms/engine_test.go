package transforms

import (
	"math/rand"
	"reflect"
	"testing"

	"github.com/tsawler/go-meanteacher/tensor"
)

func randomBatch(t *testing.T, rng *rand.Rand, shape []int) *tensor.Tensor {
	t.Helper()
	x, err := tensor.RandomNormal(shape, 0, 1, rng)
	if err != nil {
		t.Fatalf("RandomNormal failed: %v", err)
	}
	return x
}

func TestRot90(t *testing.T) {
	// 1x1x2x3 plane:
	// 1 2 3
	// 4 5 6
	x, _ := tensor.NewTensor([]int{1, 1, 2, 3}, tensor.Float32, []float32{1, 2, 3, 4, 5, 6})

	tests := []struct {
		k     int
		shape []int
		want  []float32
	}{
		{0, []int{1, 1, 2, 3}, []float32{1, 2, 3, 4, 5, 6}},
		{1, []int{1, 1, 3, 2}, []float32{3, 6, 2, 5, 1, 4}},
		{2, []int{1, 1, 2, 3}, []float32{6, 5, 4, 3, 2, 1}},
		{3, []int{1, 1, 3, 2}, []float32{4, 1, 5, 2, 6, 3}},
	}

	for _, tt := range tests {
		got, err := rot90(x, tt.k)
		if err != nil {
			t.Fatalf("rot90(%d) failed: %v", tt.k, err)
		}
		if !reflect.DeepEqual(got.Shape, tt.shape) {
			t.Errorf("rot90(%d) shape = %v, expected %v", tt.k, got.Shape, tt.shape)
		}
		if !reflect.DeepEqual(got.Data.([]float32), tt.want) {
			t.Errorf("rot90(%d) = %v, expected %v", tt.k, got.Data, tt.want)
		}
	}
}

func TestFlip(t *testing.T) {
	x, _ := tensor.NewTensor([]int{1, 1, 2, 2}, tensor.Float32, []float32{1, 2, 3, 4})

	rows, _ := flip(x, true, false)
	if want := []float32{3, 4, 1, 2}; !reflect.DeepEqual(rows.Data.([]float32), want) {
		t.Errorf("row flip = %v, expected %v", rows.Data, want)
	}
	cols, _ := flip(x, false, true)
	if want := []float32{2, 1, 4, 3}; !reflect.DeepEqual(cols.Data.([]float32), want) {
		t.Errorf("column flip = %v, expected %v", cols.Data, want)
	}
}

func TestRoundTripWithoutScale(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	engine, err := NewEngine(Options{Rand: rand.New(rand.NewSource(3)), Rotate: true, Flip: true})
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}

	for _, shape := range [][]int{{2, 3, 8, 8}, {1, 2, 5, 7}} {
		for trial := 0; trial < 50; trial++ {
			x := randomBatch(t, rng, shape)
			y, d, err := engine.Forward(x)
			if err != nil {
				t.Fatalf("Forward failed: %v", err)
			}
			back, err := engine.Inverse(y, d)
			if err != nil {
				t.Fatalf("Inverse(%s) failed: %v", d, err)
			}
			if ok, _ := back.Equal(x); !ok {
				t.Fatalf("round trip mismatch for %v with %s", shape, d)
			}
		}
	}
}

func TestRoundTripRetainedRegionWithScale(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	engine, err := NewEngine(DefaultOptions(5))
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}

	sawCrop, sawPad := false, false
	for trial := 0; trial < 200; trial++ {
		x := randomBatch(t, rng, []int{2, 2, 12, 12})
		y, d, err := engine.Forward(x)
		if err != nil {
			t.Fatalf("Forward failed: %v", err)
		}
		if !reflect.DeepEqual(y.Shape, x.Shape) {
			t.Fatalf("square input changed shape: %v -> %v", x.Shape, y.Shape)
		}
		back, err := engine.Inverse(y, d)
		if err != nil {
			t.Fatalf("Inverse failed: %v", err)
		}
		if !reflect.DeepEqual(back.Shape, x.Shape) {
			t.Fatalf("inverse shape = %v, expected %v", back.Shape, x.Shape)
		}

		switch d.Scale.Mode {
		case ScaleCrop:
			sawCrop = true
			// Pixels that survive the crop come back exactly.
			ones, _ := tensor.Ones(x.Shape, tensor.Float32)
			mask, _ := Invert(mustApply(t, ones, d), d)
			m := mask.Data.([]float32)
			xb := x.Data.([]float32)
			bb := back.Data.([]float32)
			for i := range m {
				if m[i] == 1 && xb[i] != bb[i] {
					t.Fatalf("retained pixel %d changed: %f -> %f (%s)", i, xb[i], bb[i], d)
				}
			}
		case ScalePad:
			sawPad = true
			// Everything outside the shrunken image is zero padding.
			_, _, h, w, _ := y.Dims4()
			pad := h*w - d.Scale.ScaledH*d.Scale.ScaledW
			plane := y.Data.([]float32)[:h*w]
			zeros := 0
			for _, v := range plane {
				if v == 0 {
					zeros++
				}
			}
			if pad <= 0 || zeros < pad {
				t.Fatalf("padded output has %d zeros, expected at least %d (%s)", zeros, pad, d)
			}
			// The whole shrunken image is kept, so a constant input
			// comes back constant everywhere.
			fives, _ := tensor.Ones(x.Shape, tensor.Float32)
			fives, _ = tensor.Scale(fives, 5)
			restored, err := Invert(mustApply(t, fives, d), d)
			if err != nil {
				t.Fatalf("Invert failed: %v", err)
			}
			if !reflect.DeepEqual(restored.Shape, x.Shape) {
				t.Fatalf("inverse shape = %v, expected %v", restored.Shape, x.Shape)
			}
			for i, v := range restored.Data.([]float32) {
				if v != 5 {
					t.Fatalf("constant input changed at %d: %f (%s)", i, v, d)
				}
			}
		case ScaleNone:
			if ok, _ := back.Equal(x); !ok {
				t.Fatalf("round trip mismatch with %s", d)
			}
		}
	}
	if !sawCrop || !sawPad {
		t.Errorf("expected both crop and pad draws, crop=%t pad=%t", sawCrop, sawPad)
	}
}

func mustApply(t *testing.T, x *tensor.Tensor, d Descriptor) *tensor.Tensor {
	t.Helper()
	y, err := Apply(x, d)
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	return y
}

func TestApplyReusesDescriptor(t *testing.T) {
	engine, _ := NewEngine(DefaultOptions(9))
	rng := rand.New(rand.NewSource(2))
	x := randomBatch(t, rng, []int{1, 1, 10, 10})

	y, d, err := engine.Forward(x)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	again := mustApply(t, x, d)
	if ok, _ := again.Equal(y); !ok {
		t.Errorf("Apply with the same descriptor disagrees with Forward (%s)", d)
	}
}

func TestDescriptorShapeChecks(t *testing.T) {
	engine, _ := NewEngine(DefaultOptions(1))
	rng := rand.New(rand.NewSource(4))
	x := randomBatch(t, rng, []int{1, 1, 6, 6})
	_, d, err := engine.Forward(x)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}

	wrong := randomBatch(t, rng, []int{1, 1, 4, 4})
	if _, err := engine.Inverse(wrong, d); err == nil {
		t.Error("expected error inverting a tensor of the wrong spatial size")
	}
	flat, _ := tensor.Zeros([]int{6, 6}, tensor.Float32)
	if _, _, err := engine.Forward(flat); err == nil {
		t.Error("expected error for non-4D input")
	}
}

func TestNewEngineValidation(t *testing.T) {
	if _, err := NewEngine(Options{}); err == nil {
		t.Error("expected error without a random source")
	}
	opts := DefaultOptions(1)
	opts.MinScale, opts.MaxScale = 1.2, 0.8
	if _, err := NewEngine(opts); err == nil {
		t.Error("expected error for an inverted scale range")
	}
}
