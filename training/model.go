package training

import (
	"github.com/tsawler/go-meanteacher/tensor"
)

// Model is the trainable network seen by the training and validation loops.
// Forward maps an NCHW image batch to NCHW logits with one channel per class
// and the same spatial size. Backward consumes the gradient of the loss with
// respect to the logits of the most recent Forward call and accumulates
// parameter gradients.
type Model interface {
	Forward(input *tensor.Tensor) (*tensor.Tensor, error)
	Backward(gradOutput *tensor.Tensor) error
	Parameters() []*tensor.Tensor // Ordered, shapes stable across calls
	Train()                       // Sets model to training mode
	Eval()                        // Sets model to inference mode
	IsTraining() bool
}

// ModelRole names which member of the model pair is being evaluated. It only
// selects metric tags.
type ModelRole int

const (
	RoleStudent ModelRole = iota
	RoleTeacher
)

func (r ModelRole) String() string {
	switch r {
	case RoleStudent:
		return "student"
	case RoleTeacher:
		return "teacher"
	default:
		return "unknown"
	}
}

// State is the run-wide progress owned by the experiment and passed to each
// loop call.
type State struct {
	Epoch      int
	GlobalStep int // Training iterations completed across the whole run
}

// Inferencer is implemented by models that can run a forward pass without
// recording anything for a later Backward call.
type Inferencer interface {
	Infer(input *tensor.Tensor) (*tensor.Tensor, error)
}

// forwardNoGrad runs m without gradient bookkeeping when it supports that.
func forwardNoGrad(m Model, input *tensor.Tensor) (*tensor.Tensor, error) {
	if inf, ok := m.(Inferencer); ok {
		return inf.Infer(input)
	}
	return m.Forward(input)
}
