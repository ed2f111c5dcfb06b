// Package transforms applies paired, invertible geometric perturbations to
// NCHW batches.
//
// Engine.Forward draws a random rotation, flip and scale, applies them in
// that order and returns a Descriptor. Engine.Inverse takes only a tensor and
// that Descriptor and undoes the perturbation in reverse order
// (scale, flip, rotation). No random state is shared between the two calls.
package transforms

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/tsawler/go-meanteacher/tensor"
)

// ScaleMode records whether the scale step cropped or padded.
type ScaleMode int

const (
	ScaleNone ScaleMode = iota
	ScaleCrop
	ScalePad
)

func (m ScaleMode) String() string {
	switch m {
	case ScaleNone:
		return "none"
	case ScaleCrop:
		return "crop"
	case ScalePad:
		return "pad"
	default:
		return "unknown"
	}
}

// ScaleRecord holds what the scale step needs to undo itself.
type ScaleRecord struct {
	Factor  float64
	ScaledH int
	ScaledW int
	OffsetY int
	OffsetX int
	Mode    ScaleMode
}

// Descriptor is produced by Forward and consumed by Inverse.
type Descriptor struct {
	Rotation int // quarter turns, counter-clockwise
	FlipRows bool
	FlipCols bool
	Scale    ScaleRecord

	// Spatial extent of the tensor handed to Forward.
	InputH int
	InputW int
}

// Identity reports whether the descriptor leaves tensors unchanged.
func (d Descriptor) Identity() bool {
	return d.Rotation%4 == 0 && !d.FlipRows && !d.FlipCols && d.Scale.Mode == ScaleNone
}

// rotatedExtent is the spatial extent after the rotation step.
func (d Descriptor) rotatedExtent() (int, int) {
	if d.Rotation%2 == 1 {
		return d.InputW, d.InputH
	}
	return d.InputH, d.InputW
}

func (d Descriptor) String() string {
	return fmt.Sprintf("rot=%d flip=(%t,%t) scale=%.3f/%s@(%d,%d)",
		d.Rotation*90, d.FlipRows, d.FlipCols, d.Scale.Factor, d.Scale.Mode, d.Scale.OffsetY, d.Scale.OffsetX)
}

// Options configures which perturbations an Engine draws.
type Options struct {
	Rand     *rand.Rand
	Rotate   bool
	Flip     bool
	Scale    bool
	MinScale float64
	MaxScale float64
}

// DefaultOptions enables every perturbation with a [0.8, 1.2] scale range.
func DefaultOptions(seed int64) Options {
	return Options{
		Rand:     rand.New(rand.NewSource(seed)),
		Rotate:   true,
		Flip:     true,
		Scale:    true,
		MinScale: 0.8,
		MaxScale: 1.2,
	}
}

// Engine draws perturbations from its own random source. It is not safe for
// concurrent use.
type Engine struct {
	opts Options
}

// NewEngine validates the options and returns an engine.
func NewEngine(opts Options) (*Engine, error) {
	if opts.Rand == nil {
		return nil, fmt.Errorf("transforms: a random source is required")
	}
	if opts.Scale {
		if opts.MinScale <= 0 || opts.MaxScale < opts.MinScale {
			return nil, fmt.Errorf("transforms: invalid scale range [%g, %g]", opts.MinScale, opts.MaxScale)
		}
	}
	return &Engine{opts: opts}, nil
}

// Forward perturbs x (rotate, then flip, then scale) and returns the
// descriptor needed to invert it.
func (e *Engine) Forward(x *tensor.Tensor) (*tensor.Tensor, Descriptor, error) {
	_, _, h, w, err := x.Dims4()
	if err != nil {
		return nil, Descriptor{}, err
	}

	d := Descriptor{InputH: h, InputW: w}
	rng := e.opts.Rand
	if e.opts.Rotate {
		d.Rotation = rng.Intn(4)
	}
	if e.opts.Flip {
		d.FlipRows = rng.Intn(2) == 1
		d.FlipCols = rng.Intn(2) == 1
	}
	if e.opts.Scale {
		rh, rw := d.rotatedExtent()
		d.Scale = e.drawScale(rh, rw)
	}

	out, err := Apply(x, d)
	if err != nil {
		return nil, Descriptor{}, err
	}
	return out, d, nil
}

// Inverse maps y back through d: scale, then flip, then rotation.
func (e *Engine) Inverse(y *tensor.Tensor, d Descriptor) (*tensor.Tensor, error) {
	return Invert(y, d)
}

func (e *Engine) drawScale(h, w int) ScaleRecord {
	rng := e.opts.Rand
	s := e.opts.MinScale + rng.Float64()*(e.opts.MaxScale-e.opts.MinScale)
	rec := ScaleRecord{
		Factor:  s,
		ScaledH: maxInt(1, int(math.Round(float64(h)*s))),
		ScaledW: maxInt(1, int(math.Round(float64(w)*s))),
	}

	switch {
	case rec.ScaledH == h && rec.ScaledW == w:
		rec.Mode = ScaleNone
	case rec.ScaledH >= h && rec.ScaledW >= w:
		rec.Mode = ScaleCrop
		rec.OffsetY = rng.Intn(rec.ScaledH - h + 1)
		rec.OffsetX = rng.Intn(rec.ScaledW - w + 1)
	default:
		// s < 1 rounds both axes down or keeps them; clamp a stray axis.
		rec.ScaledH = minInt(rec.ScaledH, h)
		rec.ScaledW = minInt(rec.ScaledW, w)
		rec.Mode = ScalePad
		rec.OffsetY = rng.Intn(h - rec.ScaledH + 1)
		rec.OffsetX = rng.Intn(w - rec.ScaledW + 1)
	}
	return rec
}

// Apply runs the forward perturbation recorded in d on x.
func Apply(x *tensor.Tensor, d Descriptor) (*tensor.Tensor, error) {
	_, _, h, w, err := x.Dims4()
	if err != nil {
		return nil, err
	}
	if h != d.InputH || w != d.InputW {
		return nil, fmt.Errorf("transforms: descriptor expects %dx%d input, got %dx%d", d.InputH, d.InputW, h, w)
	}

	out, err := rot90(x, d.Rotation)
	if err != nil {
		return nil, fmt.Errorf("rotate: %w", err)
	}
	if d.FlipRows || d.FlipCols {
		if out, err = flip(out, d.FlipRows, d.FlipCols); err != nil {
			return nil, fmt.Errorf("flip: %w", err)
		}
	}
	if out, err = applyScale(out, d.Scale); err != nil {
		return nil, fmt.Errorf("scale: %w", err)
	}
	return out, nil
}

// Invert undoes d on a tensor shaped like the output of Apply.
func Invert(y *tensor.Tensor, d Descriptor) (*tensor.Tensor, error) {
	_, _, h, w, err := y.Dims4()
	if err != nil {
		return nil, err
	}
	rh, rw := d.rotatedExtent()
	if h != rh || w != rw {
		return nil, fmt.Errorf("transforms: descriptor expects %dx%d perturbed tensor, got %dx%d", rh, rw, h, w)
	}

	out, err := invertScale(y, d.Scale)
	if err != nil {
		return nil, fmt.Errorf("undo scale: %w", err)
	}
	if d.FlipRows || d.FlipCols {
		if out, err = flip(out, d.FlipRows, d.FlipCols); err != nil {
			return nil, fmt.Errorf("undo flip: %w", err)
		}
	}
	if out, err = rot90(out, 4-d.Rotation%4); err != nil {
		return nil, fmt.Errorf("undo rotate: %w", err)
	}
	return out, nil
}

func applyScale(x *tensor.Tensor, rec ScaleRecord) (*tensor.Tensor, error) {
	if rec.Mode == ScaleNone {
		return x, nil
	}
	_, _, h, w, err := x.Dims4()
	if err != nil {
		return nil, err
	}
	resized, err := resizeNearest(x, rec.ScaledH, rec.ScaledW)
	if err != nil {
		return nil, err
	}
	if rec.Mode == ScaleCrop {
		return window(resized, h, w, rec.OffsetY, rec.OffsetX)
	}
	return window(resized, h, w, -rec.OffsetY, -rec.OffsetX)
}

func invertScale(y *tensor.Tensor, rec ScaleRecord) (*tensor.Tensor, error) {
	if rec.Mode == ScaleNone {
		return y, nil
	}
	_, _, h, w, err := y.Dims4()
	if err != nil {
		return nil, err
	}

	var scaled *tensor.Tensor
	if rec.Mode == ScaleCrop {
		// Put the crop back on a zeroed canvas of the scaled size.
		scaled, err = window(y, rec.ScaledH, rec.ScaledW, -rec.OffsetY, -rec.OffsetX)
	} else {
		scaled, err = window(y, rec.ScaledH, rec.ScaledW, rec.OffsetY, rec.OffsetX)
	}
	if err != nil {
		return nil, err
	}
	return resizeNearest(scaled, h, w)
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
