package transforms

import (
	"fmt"

	"github.com/tsawler/go-meanteacher/tensor"
)

// sourceFunc maps an output pixel to the input pixel it copies. ok=false
// leaves the output pixel at zero.
type sourceFunc func(i, j int) (si, sj int, ok bool)

// gather builds an (N, C, outH, outW) tensor where each spatial plane is
// filled from the matching plane of x through src.
func gather(x *tensor.Tensor, outH, outW int, src sourceFunc) (*tensor.Tensor, error) {
	n, c, h, w, err := x.Dims4()
	if err != nil {
		return nil, err
	}
	if x.DType != tensor.Float32 {
		return nil, fmt.Errorf("geometric transforms only support Float32 tensors, got %s", x.DType)
	}

	in := x.Data.([]float32)
	out := make([]float32, n*c*outH*outW)
	for p := 0; p < n*c; p++ {
		inBase := p * h * w
		outBase := p * outH * outW
		for i := 0; i < outH; i++ {
			for j := 0; j < outW; j++ {
				si, sj, ok := src(i, j)
				if !ok {
					continue
				}
				out[outBase+i*outW+j] = in[inBase+si*w+sj]
			}
		}
	}

	return tensor.NewTensor([]int{n, c, outH, outW}, tensor.Float32, out)
}

// rot90 rotates the spatial plane counter-clockwise by k quarter turns.
func rot90(x *tensor.Tensor, k int) (*tensor.Tensor, error) {
	_, _, h, w, err := x.Dims4()
	if err != nil {
		return nil, err
	}
	switch ((k % 4) + 4) % 4 {
	case 0:
		return x.Clone()
	case 1:
		return gather(x, w, h, func(i, j int) (int, int, bool) { return j, w - 1 - i, true })
	case 2:
		return gather(x, h, w, func(i, j int) (int, int, bool) { return h - 1 - i, w - 1 - j, true })
	default:
		return gather(x, w, h, func(i, j int) (int, int, bool) { return h - 1 - j, i, true })
	}
}

func flip(x *tensor.Tensor, rows, cols bool) (*tensor.Tensor, error) {
	_, _, h, w, err := x.Dims4()
	if err != nil {
		return nil, err
	}
	return gather(x, h, w, func(i, j int) (int, int, bool) {
		if rows {
			i = h - 1 - i
		}
		if cols {
			j = w - 1 - j
		}
		return i, j, true
	})
}

// nearestIndex maps output index i of an axis resized from a to b samples.
func nearestIndex(i, a, b int) int {
	si := int((float64(i) + 0.5) * float64(a) / float64(b))
	if si > a-1 {
		si = a - 1
	}
	return si
}

func resizeNearest(x *tensor.Tensor, outH, outW int) (*tensor.Tensor, error) {
	_, _, h, w, err := x.Dims4()
	if err != nil {
		return nil, err
	}
	return gather(x, outH, outW, func(i, j int) (int, int, bool) {
		return nearestIndex(i, h, outH), nearestIndex(j, w, outW), true
	})
}

// window copies an outH x outW region starting at (oy, ox). Pixels outside
// x stay zero, so the same helper crops and pads.
func window(x *tensor.Tensor, outH, outW, oy, ox int) (*tensor.Tensor, error) {
	_, _, h, w, err := x.Dims4()
	if err != nil {
		return nil, err
	}
	return gather(x, outH, outW, func(i, j int) (int, int, bool) {
		si, sj := i+oy, j+ox
		if si < 0 || si >= h || sj < 0 || sj >= w {
			return 0, 0, false
		}
		return si, sj, true
	})
}
