package layers

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/tsawler/go-meanteacher/tensor"
)

// conv2d is a 2D cross-correlation with square kernels and zero padding.
type conv2d struct {
	name            string
	inC, outC, k    int
	stride, padding int
	weight, bias    *tensor.Tensor // bias is nil when disabled
	input           *tensor.Tensor // recorded by forward
}

func newConv2D(spec LayerSpec, rng *rand.Rand) (*conv2d, error) {
	c := &conv2d{
		name:    spec.Name,
		inC:     getIntParam(spec.Parameters, "input_channels", 0),
		outC:    getIntParam(spec.Parameters, "output_channels", 0),
		k:       getIntParam(spec.Parameters, "kernel_size", 0),
		stride:  getIntParam(spec.Parameters, "stride", 1),
		padding: getIntParam(spec.Parameters, "padding", 0),
	}
	if c.inC <= 0 || c.outC <= 0 || c.k <= 0 {
		return nil, fmt.Errorf("conv %s: spec is not compiled", spec.Name)
	}

	// He initialization for ReLU stacks.
	std := float32(math.Sqrt(2.0 / float64(c.inC*c.k*c.k)))
	w, err := tensor.RandomNormal([]int{c.outC, c.inC, c.k, c.k}, 0, std, rng)
	if err != nil {
		return nil, err
	}
	w.SetRequiresGrad(true)
	c.weight = w

	if getBoolParam(spec.Parameters, "use_bias", true) {
		b, err := tensor.Zeros([]int{c.outC}, tensor.Float32)
		if err != nil {
			return nil, err
		}
		b.SetRequiresGrad(true)
		c.bias = b
	}
	return c, nil
}

func (c *conv2d) parameters() []*tensor.Tensor {
	if c.bias == nil {
		return []*tensor.Tensor{c.weight}
	}
	return []*tensor.Tensor{c.weight, c.bias}
}

func (c *conv2d) outSize(h, w int) (int, int) {
	return (h+2*c.padding-c.k)/c.stride + 1, (w+2*c.padding-c.k)/c.stride + 1
}

func (c *conv2d) forward(x *tensor.Tensor, record bool) (*tensor.Tensor, error) {
	n, ch, h, w, err := x.Dims4()
	if err != nil {
		return nil, err
	}
	if ch != c.inC {
		return nil, fmt.Errorf("conv %s: expected %d input channels, got %d", c.name, c.inC, ch)
	}
	oh, ow := c.outSize(h, w)
	if oh <= 0 || ow <= 0 {
		return nil, fmt.Errorf("conv %s: input %dx%d too small for kernel %d", c.name, h, w, c.k)
	}

	in := x.Data.([]float32)
	wt := c.weight.Data.([]float32)
	out := make([]float32, n*c.outC*oh*ow)

	for b := 0; b < n; b++ {
		for o := 0; o < c.outC; o++ {
			var bias float32
			if c.bias != nil {
				bias = c.bias.Data.([]float32)[o]
			}
			outBase := (b*c.outC + o) * oh * ow
			for i := 0; i < oh; i++ {
				for j := 0; j < ow; j++ {
					sum := bias
					for ic := 0; ic < c.inC; ic++ {
						inBase := (b*c.inC + ic) * h * w
						wBase := (o*c.inC + ic) * c.k * c.k
						for ky := 0; ky < c.k; ky++ {
							y := i*c.stride + ky - c.padding
							if y < 0 || y >= h {
								continue
							}
							for kx := 0; kx < c.k; kx++ {
								xx := j*c.stride + kx - c.padding
								if xx < 0 || xx >= w {
									continue
								}
								sum += wt[wBase+ky*c.k+kx] * in[inBase+y*w+xx]
							}
						}
					}
					out[outBase+i*ow+j] = sum
				}
			}
		}
	}

	if record {
		c.input = x
	}
	return tensor.NewTensor([]int{n, c.outC, oh, ow}, tensor.Float32, out)
}

func (c *conv2d) backward(grad *tensor.Tensor) (*tensor.Tensor, error) {
	if c.input == nil {
		return nil, fmt.Errorf("conv %s: backward called without a recorded forward pass", c.name)
	}
	n, _, h, w, _ := c.input.Dims4()
	oh, ow := c.outSize(h, w)
	if !tensor.SameShape(grad.Shape, []int{n, c.outC, oh, ow}) {
		return nil, fmt.Errorf("conv %s: gradient shape %v does not match output", c.name, grad.Shape)
	}

	in := c.input.Data.([]float32)
	wt := c.weight.Data.([]float32)
	g := grad.Data.([]float32)
	dIn := make([]float32, len(in))
	dW := make([]float32, len(wt))
	var dB []float32
	if c.bias != nil {
		dB = make([]float32, c.outC)
	}

	for b := 0; b < n; b++ {
		for o := 0; o < c.outC; o++ {
			outBase := (b*c.outC + o) * oh * ow
			for i := 0; i < oh; i++ {
				for j := 0; j < ow; j++ {
					gv := g[outBase+i*ow+j]
					if gv == 0 {
						continue
					}
					if dB != nil {
						dB[o] += gv
					}
					for ic := 0; ic < c.inC; ic++ {
						inBase := (b*c.inC + ic) * h * w
						wBase := (o*c.inC + ic) * c.k * c.k
						for ky := 0; ky < c.k; ky++ {
							y := i*c.stride + ky - c.padding
							if y < 0 || y >= h {
								continue
							}
							for kx := 0; kx < c.k; kx++ {
								xx := j*c.stride + kx - c.padding
								if xx < 0 || xx >= w {
									continue
								}
								dW[wBase+ky*c.k+kx] += gv * in[inBase+y*w+xx]
								dIn[inBase+y*w+xx] += gv * wt[wBase+ky*c.k+kx]
							}
						}
					}
				}
			}
		}
	}

	if err := c.weight.AccumulateGrad(dW); err != nil {
		return nil, fmt.Errorf("conv %s weight: %w", c.name, err)
	}
	if c.bias != nil {
		if err := c.bias.AccumulateGrad(dB); err != nil {
			return nil, fmt.Errorf("conv %s bias: %w", c.name, err)
		}
	}
	c.input = nil
	return tensor.NewTensor([]int{n, c.inC, h, w}, tensor.Float32, dIn)
}

// activation is an element-wise (leaky) rectifier.
type activation struct {
	name  string
	slope float32 // 0 for ReLU
	input *tensor.Tensor
}

func (a *activation) parameters() []*tensor.Tensor { return nil }

func (a *activation) forward(x *tensor.Tensor, record bool) (*tensor.Tensor, error) {
	in := x.Data.([]float32)
	out := make([]float32, len(in))
	for i, v := range in {
		if v > 0 {
			out[i] = v
		} else {
			out[i] = a.slope * v
		}
	}
	if record {
		a.input = x
	}
	return tensor.NewTensor(x.Shape, tensor.Float32, out)
}

func (a *activation) backward(grad *tensor.Tensor) (*tensor.Tensor, error) {
	if a.input == nil {
		return nil, fmt.Errorf("%s: backward called without a recorded forward pass", a.name)
	}
	in := a.input.Data.([]float32)
	g := grad.Data.([]float32)
	if len(g) != len(in) {
		return nil, fmt.Errorf("%s: gradient size %d does not match input %d", a.name, len(g), len(in))
	}
	out := make([]float32, len(in))
	for i, v := range in {
		if v > 0 {
			out[i] = g[i]
		} else {
			out[i] = a.slope * g[i]
		}
	}
	shape := a.input.Shape
	a.input = nil
	return tensor.NewTensor(shape, tensor.Float32, out)
}
