package dataset

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/tsawler/go-meanteacher/tensor"
)

// ShapesDataset generates images of blurred discs and boxes on a noisy
// background. Class 0 is background; every foreground class k has its own
// shape and intensity. Sample i is a pure function of (seed, i).
type ShapesDataset struct {
	n          int
	size       int
	channels   int
	numClasses int
	seed       int64
	noise      float64
}

// ShapesOptions configures a ShapesDataset.
type ShapesOptions struct {
	Samples    int
	Size       int
	Channels   int
	NumClasses int
	Seed       int64
	Noise      float64 // stddev of additive pixel noise, default 0.05
}

// NewShapesDataset validates opts and returns the dataset.
func NewShapesDataset(opts ShapesOptions) (*ShapesDataset, error) {
	if opts.Samples < 0 {
		return nil, fmt.Errorf("sample count must be non-negative, got %d", opts.Samples)
	}
	if opts.Size < 4 {
		return nil, fmt.Errorf("image size must be at least 4, got %d", opts.Size)
	}
	if opts.NumClasses < 2 {
		return nil, fmt.Errorf("n_classes must be at least 2, got %d", opts.NumClasses)
	}
	if opts.Channels <= 0 {
		opts.Channels = 1
	}
	if opts.Noise == 0 {
		opts.Noise = 0.05
	}
	return &ShapesDataset{
		n:          opts.Samples,
		size:       opts.Size,
		channels:   opts.Channels,
		numClasses: opts.NumClasses,
		seed:       opts.Seed,
		noise:      opts.Noise,
	}, nil
}

// Len returns the number of samples.
func (d *ShapesDataset) Len() int { return d.n }

// NumClasses returns the number of classes including background.
func (d *ShapesDataset) NumClasses() int { return d.numClasses }

// Get renders sample idx.
func (d *ShapesDataset) Get(idx int) (*tensor.Tensor, *tensor.Tensor, error) {
	if idx < 0 || idx >= d.n {
		return nil, nil, fmt.Errorf("index %d out of range [0, %d)", idx, d.n)
	}
	rng := rand.New(rand.NewSource(d.seed*1_000_003 + int64(idx)))
	size := d.size
	plane := size * size
	labels := make([]int32, plane)

	// Later classes are drawn over earlier ones.
	for k := 1; k < d.numClasses; k++ {
		if rng.Float64() < 0.2 {
			continue
		}
		half := float64(size) * (0.1 + 0.15*rng.Float64())
		cy := half + rng.Float64()*(float64(size)-2*half)
		cx := half + rng.Float64()*(float64(size)-2*half)
		for y := 0; y < size; y++ {
			for x := 0; x < size; x++ {
				dy, dx := float64(y)+0.5-cy, float64(x)+0.5-cx
				var inside bool
				if k%2 == 1 {
					inside = dy*dy+dx*dx <= half*half
				} else {
					inside = math.Abs(dy) <= half && math.Abs(dx) <= half*0.7
				}
				if inside {
					labels[y*size+x] = int32(k)
				}
			}
		}
	}

	data := make([]float32, d.channels*plane)
	for p, label := range labels {
		base := float64(label) / float64(d.numClasses)
		for c := 0; c < d.channels; c++ {
			v := base + rng.NormFloat64()*d.noise
			data[c*plane+p] = float32(math.Min(math.Max(v, 0), 1))
		}
	}

	image, err := tensor.NewTensor([]int{d.channels, size, size}, tensor.Float32, data)
	if err != nil {
		return nil, nil, err
	}
	mask, err := tensor.NewTensor([]int{size, size}, tensor.Int32, labels)
	if err != nil {
		return nil, nil, err
	}
	return image, mask, nil
}
