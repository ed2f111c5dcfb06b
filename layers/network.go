package layers

import (
	"fmt"
	"math/rand"
	"sync"

	"github.com/tsawler/go-meanteacher/tensor"
)

type layer interface {
	forward(x *tensor.Tensor, record bool) (*tensor.Tensor, error)
	backward(grad *tensor.Tensor) (*tensor.Tensor, error)
	parameters() []*tensor.Tensor
}

// Network executes a compiled ModelSpec on the CPU.
type Network struct {
	spec     *ModelSpec
	layers   []layer
	params   []*tensor.Tensor
	training bool
	mu       sync.Mutex
}

// Build creates a network from a compiled spec with freshly initialized
// weights drawn from rng.
func (ms *ModelSpec) Build(rng *rand.Rand) (*Network, error) {
	if !ms.Compiled {
		return nil, fmt.Errorf("model spec must be compiled before building")
	}
	if rng == nil {
		return nil, fmt.Errorf("a random source is required for weight initialization")
	}

	net := &Network{spec: ms, training: true}
	for i, ls := range ms.Layers {
		var l layer
		switch ls.Type {
		case Conv2D:
			c, err := newConv2D(ls, rng)
			if err != nil {
				return nil, fmt.Errorf("layer %d: %w", i, err)
			}
			l = c
		case ReLU:
			l = &activation{name: ls.Name}
		case LeakyReLU:
			l = &activation{name: ls.Name, slope: getFloatParam(ls.Parameters, "negative_slope", 0.01)}
		default:
			return nil, fmt.Errorf("layer %d: unsupported layer type %s", i, ls.Type)
		}
		net.layers = append(net.layers, l)
		net.params = append(net.params, l.parameters()...)
	}
	return net, nil
}

// Spec returns the spec the network was built from.
func (n *Network) Spec() *ModelSpec { return n.spec }

// Forward runs the network and records activations for Backward.
func (n *Network) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	return n.run(input, true)
}

// Infer runs the network without recording anything.
func (n *Network) Infer(input *tensor.Tensor) (*tensor.Tensor, error) {
	return n.run(input, false)
}

func (n *Network) run(input *tensor.Tensor, record bool) (*tensor.Tensor, error) {
	if input == nil {
		return nil, fmt.Errorf("nil input")
	}
	if input.DType != tensor.Float32 {
		return nil, fmt.Errorf("network input must be Float32, got %s", input.DType)
	}
	n.mu.Lock()
	defer n.mu.Unlock()

	x := input
	for i, l := range n.layers {
		out, err := l.forward(x, record)
		if err != nil {
			return nil, fmt.Errorf("forward layer %d (%s): %w", i, n.spec.Layers[i].Name, err)
		}
		x = out
	}
	return x, nil
}

// Backward propagates gradOutput through the layers recorded by the last
// Forward call, accumulating parameter gradients.
func (n *Network) Backward(gradOutput *tensor.Tensor) error {
	if gradOutput == nil || gradOutput.DType != tensor.Float32 {
		return fmt.Errorf("gradient must be a Float32 tensor")
	}
	n.mu.Lock()
	defer n.mu.Unlock()

	g := gradOutput
	for i := len(n.layers) - 1; i >= 0; i-- {
		next, err := n.layers[i].backward(g)
		if err != nil {
			return fmt.Errorf("backward layer %d (%s): %w", i, n.spec.Layers[i].Name, err)
		}
		g = next
	}
	return nil
}

// Parameters returns the trainable tensors in layer order.
func (n *Network) Parameters() []*tensor.Tensor { return n.params }

func (n *Network) Train()           { n.training = true }
func (n *Network) Eval()            { n.training = false }
func (n *Network) IsTraining() bool { return n.training }

// SegmentationSpec compiles a fully convolutional stack of 3x3 same-padded
// convolutions with leaky ReLUs, ending in a 1x1 projection to numClasses
// logits. height and width only feed shape reporting.
func SegmentationSpec(inChannels, numClasses int, hidden []int, height, width int) (*ModelSpec, error) {
	if inChannels <= 0 || numClasses < 2 {
		return nil, fmt.Errorf("invalid channels: in=%d classes=%d", inChannels, numClasses)
	}
	b := NewModelBuilder([]int{1, inChannels, height, width})
	for i, h := range hidden {
		if h <= 0 {
			return nil, fmt.Errorf("hidden width %d at position %d", h, i)
		}
		b.AddConv2D(h, 3, 1, 1, true, fmt.Sprintf("conv%d", i+1))
		b.AddLeakyReLU(0.01, fmt.Sprintf("act%d", i+1))
	}
	b.AddConv2D(numClasses, 1, 1, 0, true, "classifier")
	return b.Compile()
}
