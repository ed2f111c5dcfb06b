package training

import (
	"fmt"

	"github.com/tsawler/go-meanteacher/tensor"
)

// SubsetDataset exposes a chosen list of indices of an underlying dataset.
type SubsetDataset struct {
	originalDataset Dataset
	indices         []int
	unlabeled       bool
}

// NewSubsetDataset creates a SubsetDataset over the given indices.
func NewSubsetDataset(original Dataset, indices []int) (*SubsetDataset, error) {
	n := original.Len()
	for _, idx := range indices {
		if idx < 0 || idx >= n {
			return nil, fmt.Errorf("subset index %d out of range [0, %d)", idx, n)
		}
	}
	kept := make([]int, len(indices))
	copy(kept, indices)
	return &SubsetDataset{originalDataset: original, indices: kept}, nil
}

// NewUnlabeledSubset is like NewSubsetDataset but drops the masks.
func NewUnlabeledSubset(original Dataset, indices []int) (*SubsetDataset, error) {
	sd, err := NewSubsetDataset(original, indices)
	if err != nil {
		return nil, err
	}
	sd.unlabeled = true
	return sd, nil
}

// Len returns the number of samples in the subset.
func (sd *SubsetDataset) Len() int {
	return len(sd.indices)
}

// Get returns the idx-th sample of the subset.
func (sd *SubsetDataset) Get(idx int) (*tensor.Tensor, *tensor.Tensor, error) {
	if idx < 0 || idx >= len(sd.indices) {
		return nil, nil, fmt.Errorf("index out of bounds for subset: %d (len: %d)", idx, len(sd.indices))
	}
	image, mask, err := sd.originalDataset.Get(sd.indices[idx])
	if err != nil {
		return nil, nil, err
	}
	if sd.unlabeled {
		return image, nil, nil
	}
	return image, mask, nil
}

// Indices returns the underlying indices of the subset.
func (sd *SubsetDataset) Indices() []int {
	out := make([]int, len(sd.indices))
	copy(out, sd.indices)
	return out
}
