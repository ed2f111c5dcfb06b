package training

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/tsawler/go-meanteacher/tensor"
)

// linearModel maps every pixel independently: logits = W x + b. It records
// the first value of every batch passed to Forward.
type linearModel struct {
	inC, outC int
	w, b      *tensor.Tensor
	training  bool
	input     *tensor.Tensor
	seen      []float32
	forwards  int
	infers    int
}

func newLinearModel(t *testing.T, inC, outC int, seed int64) *linearModel {
	t.Helper()
	w, err := tensor.RandomNormal([]int{outC, inC}, 0, 0.5, rand.New(rand.NewSource(seed)))
	if err != nil {
		t.Fatalf("RandomNormal failed: %v", err)
	}
	b, _ := tensor.Zeros([]int{outC}, tensor.Float32)
	w.SetRequiresGrad(true)
	b.SetRequiresGrad(true)
	return &linearModel{inC: inC, outC: outC, w: w, b: b, training: true}
}

func (m *linearModel) apply(x *tensor.Tensor) (*tensor.Tensor, error) {
	n, c, h, w, err := x.Dims4()
	if err != nil {
		return nil, err
	}
	if c != m.inC {
		return nil, fmt.Errorf("expected %d channels, got %d", m.inC, c)
	}
	plane := h * w
	in := x.Data.([]float32)
	wt := m.w.Data.([]float32)
	bias := m.b.Data.([]float32)
	out := make([]float32, n*m.outC*plane)
	for b := 0; b < n; b++ {
		for o := 0; o < m.outC; o++ {
			for p := 0; p < plane; p++ {
				s := bias[o]
				for i := 0; i < c; i++ {
					s += wt[o*c+i] * in[(b*c+i)*plane+p]
				}
				out[(b*m.outC+o)*plane+p] = s
			}
		}
	}
	return tensor.NewTensor([]int{n, m.outC, h, w}, tensor.Float32, out)
}

func (m *linearModel) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	m.forwards++
	m.input = x
	m.seen = append(m.seen, x.Data.([]float32)[0])
	return m.apply(x)
}

func (m *linearModel) Infer(x *tensor.Tensor) (*tensor.Tensor, error) {
	m.infers++
	return m.apply(x)
}

func (m *linearModel) Backward(grad *tensor.Tensor) error {
	if m.input == nil {
		return fmt.Errorf("no recorded forward")
	}
	n, c, h, w, _ := m.input.Dims4()
	plane := h * w
	in := m.input.Data.([]float32)
	g := grad.Data.([]float32)
	dW := make([]float32, m.outC*c)
	dB := make([]float32, m.outC)
	for b := 0; b < n; b++ {
		for o := 0; o < m.outC; o++ {
			for p := 0; p < plane; p++ {
				gv := g[(b*m.outC+o)*plane+p]
				dB[o] += gv
				for i := 0; i < c; i++ {
					dW[o*c+i] += gv * in[(b*c+i)*plane+p]
				}
			}
		}
	}
	m.input = nil
	if err := m.w.AccumulateGrad(dW); err != nil {
		return err
	}
	return m.b.AccumulateGrad(dB)
}

func (m *linearModel) Parameters() []*tensor.Tensor { return []*tensor.Tensor{m.w, m.b} }
func (m *linearModel) Train()                       { m.training = true }
func (m *linearModel) Eval()                        { m.training = false }
func (m *linearModel) IsTraining() bool             { return m.training }

func (m *linearModel) snapshot() [][]float32 {
	var out [][]float32
	for _, p := range m.Parameters() {
		out = append(out, append([]float32(nil), p.Data.([]float32)...))
	}
	return out
}

// countingSource wraps a BatchSource and counts calls.
type countingSource struct {
	inner  BatchSource
	draws  int
	resets int
}

func (c *countingSource) Len() int { return c.inner.Len() }
func (c *countingSource) Reset()   { c.resets++; c.inner.Reset() }
func (c *countingSource) TryNext() (*Batch, bool, error) {
	b, ok, err := c.inner.TryNext()
	if ok {
		c.draws++
	}
	return b, ok, err
}

// constantDataset builds n samples of shape (channels, size, size). Sample
// i is filled with the value i; its mask is labels[i%len(labels)]
// everywhere, or absent when labels is nil.
func constantDataset(t *testing.T, n, channels, size int, labels []int32) *SimpleDataset {
	t.Helper()
	images := make([]*tensor.Tensor, n)
	var masks []*tensor.Tensor
	if labels != nil {
		masks = make([]*tensor.Tensor, n)
	}
	for i := 0; i < n; i++ {
		data := make([]float32, channels*size*size)
		for j := range data {
			data[j] = float32(i)
		}
		img, err := tensor.NewTensor([]int{channels, size, size}, tensor.Float32, data)
		if err != nil {
			t.Fatalf("NewTensor failed: %v", err)
		}
		images[i] = img
		if labels != nil {
			m := make([]int32, size*size)
			for j := range m {
				m[j] = labels[i%len(labels)]
			}
			masks[i], _ = tensor.NewTensor([]int{size, size}, tensor.Int32, m)
		}
	}
	ds, err := NewSimpleDataset(images, masks)
	if err != nil {
		t.Fatalf("NewSimpleDataset failed: %v", err)
	}
	return ds
}

func loaderFor(t *testing.T, ds Dataset, batchSize int) *DataLoader {
	t.Helper()
	dl, err := NewDataLoader(ds, batchSize, false, nil)
	if err != nil {
		t.Fatalf("NewDataLoader failed: %v", err)
	}
	return dl
}

func mustTensor(t *testing.T, shape []int, dtype tensor.DType, data interface{}) *tensor.Tensor {
	t.Helper()
	x, err := tensor.NewTensor(shape, dtype, data)
	if err != nil {
		t.Fatalf("NewTensor(%v) failed: %v", shape, err)
	}
	return x
}
