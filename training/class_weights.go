package training

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

// ClassWeights holds one weight per class.
type ClassWeights []float64

// UniformWeights returns n equal weights summing to 1.
func UniformWeights(n int) ClassWeights {
	w := make(ClassWeights, n)
	for i := range w {
		w[i] = 1 / float64(n)
	}
	return w
}

// Normalize returns a copy of w scaled to sum to 1. It fails on negative
// entries or an all-zero vector.
func (w ClassWeights) Normalize() (ClassWeights, error) {
	if len(w) == 0 {
		return nil, fmt.Errorf("empty class weight vector")
	}
	for i, v := range w {
		if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("class weight %d is %g", i, v)
		}
	}
	sum := floats.Sum(w)
	if sum == 0 {
		return nil, fmt.Errorf("class weights sum to zero")
	}
	out := make(ClassWeights, len(w))
	copy(out, w)
	floats.Scale(1/sum, out)
	return out, nil
}

// prepareWeights checks the length and normalizes. A nil vector stays nil.
func prepareWeights(w ClassWeights, numClasses int) (ClassWeights, error) {
	if w == nil {
		return nil, nil
	}
	if len(w) != numClasses {
		return nil, fmt.Errorf("got %d class weights for %d classes: %w", len(w), numClasses, ErrWeightLength)
	}
	return w.Normalize()
}

// ClassWeightsFromCounts derives weights from per-class pixel counts as
// (max(f) / f_c)^(1/3), normalized. Classes that never occur get the weight
// of the rarest observed class.
func ClassWeightsFromCounts(counts []int64) (ClassWeights, error) {
	if len(counts) < 2 {
		return nil, fmt.Errorf("need counts for at least 2 classes, got %d", len(counts))
	}
	var total int64
	for i, c := range counts {
		if c < 0 {
			return nil, fmt.Errorf("negative pixel count %d for class %d", c, i)
		}
		total += c
	}
	if total == 0 {
		return nil, fmt.Errorf("no labeled pixels to derive class weights from")
	}

	freq := make([]float64, len(counts))
	for i, c := range counts {
		freq[i] = float64(c) / float64(total)
	}
	maxFreq := floats.Max(freq)
	minObserved := maxFreq
	for _, f := range freq {
		if f > 0 && f < minObserved {
			minObserved = f
		}
	}

	w := make(ClassWeights, len(freq))
	for i, f := range freq {
		if f == 0 {
			f = minObserved
		}
		w[i] = math.Cbrt(maxFreq / f)
	}
	return w.Normalize()
}

// CountClasses tallies pixel labels of an Int32 mask slice.
func CountClasses(labels []int32, numClasses int, counts []int64) error {
	if len(counts) != numClasses {
		return fmt.Errorf("count buffer has %d entries for %d classes: %w", len(counts), numClasses, ErrWeightLength)
	}
	for i, l := range labels {
		if l < 0 || int(l) >= numClasses {
			return fmt.Errorf("label %d at index %d out of range [0, %d)", l, i, numClasses)
		}
		counts[l]++
	}
	return nil
}
