package tensor

import (
	"fmt"
	"math"
)

// Dims4 unpacks an NCHW shape.
func (t *Tensor) Dims4() (n, c, h, w int, err error) {
	if len(t.Shape) != 4 {
		return 0, 0, 0, 0, fmt.Errorf("expected 4D NCHW tensor, got shape %v", t.Shape)
	}
	return t.Shape[0], t.Shape[1], t.Shape[2], t.Shape[3], nil
}

// SoftmaxChannels applies softmax across dimension 1 of an NCHW tensor.
func SoftmaxChannels(logits *Tensor) (*Tensor, error) {
	return channelwise(logits, false)
}

// LogSoftmaxChannels applies log-softmax across dimension 1 of an NCHW tensor.
func LogSoftmaxChannels(logits *Tensor) (*Tensor, error) {
	return channelwise(logits, true)
}

func channelwise(logits *Tensor, logSpace bool) (*Tensor, error) {
	if logits.DType != Float32 {
		return nil, fmt.Errorf("softmax only supports Float32 tensors")
	}
	n, c, h, w, err := logits.Dims4()
	if err != nil {
		return nil, err
	}

	data := logits.Data.([]float32)
	out := make([]float32, len(data))
	plane := h * w

	for b := 0; b < n; b++ {
		base := b * c * plane
		for p := 0; p < plane; p++ {
			// Find max for numerical stability
			maxVal := data[base+p]
			for k := 1; k < c; k++ {
				if v := data[base+k*plane+p]; v > maxVal {
					maxVal = v
				}
			}

			var sum float64
			for k := 0; k < c; k++ {
				sum += math.Exp(float64(data[base+k*plane+p] - maxVal))
			}

			for k := 0; k < c; k++ {
				idx := base + k*plane + p
				shifted := float64(data[idx] - maxVal)
				if logSpace {
					out[idx] = float32(shifted - math.Log(sum))
				} else {
					out[idx] = float32(math.Exp(shifted) / sum)
				}
			}
		}
	}

	return NewTensor(logits.Shape, Float32, out)
}

// ConcatChannels stacks a and b along dimension 1, a's channels first.
func ConcatChannels(a, b *Tensor) (*Tensor, error) {
	if a.DType != Float32 || b.DType != Float32 {
		return nil, fmt.Errorf("ConcatChannels only supports Float32 tensors")
	}
	na, ca, ha, wa, err := a.Dims4()
	if err != nil {
		return nil, err
	}
	nb, cb, hb, wb, err := b.Dims4()
	if err != nil {
		return nil, err
	}
	if na != nb || ha != hb || wa != wb {
		return nil, fmt.Errorf("cannot concat %v and %v along channels", a.Shape, b.Shape)
	}

	plane := ha * wa
	ad := a.Data.([]float32)
	bd := b.Data.([]float32)
	out := make([]float32, na*(ca+cb)*plane)
	for n := 0; n < na; n++ {
		dst := n * (ca + cb) * plane
		copy(out[dst:dst+ca*plane], ad[n*ca*plane:(n+1)*ca*plane])
		copy(out[dst+ca*plane:dst+(ca+cb)*plane], bd[n*cb*plane:(n+1)*cb*plane])
	}

	return NewTensor([]int{na, ca + cb, ha, wa}, Float32, out)
}
