package training

import (
	"fmt"
	"math/rand"
	"sync"

	"github.com/tsawler/go-meanteacher/tensor"
)

// Dataset interface defines methods that all datasets must implement
type Dataset interface {
	Len() int // Total number of samples
	// Get returns an image (C, H, W) and its mask (H, W). Unlabeled
	// datasets return a nil mask.
	Get(idx int) (image *tensor.Tensor, mask *tensor.Tensor, err error)
}

// Batch is an image batch (N, C, H, W) with its mask batch (N, H, W). Mask is
// nil for unlabeled data.
type Batch struct {
	Image *tensor.Tensor
	Mask  *tensor.Tensor
}

// Size is the number of samples in the batch.
func (b *Batch) Size() int {
	return b.Image.Shape[0]
}

// BatchSource is a restartable sequence of batches.
type BatchSource interface {
	// Len is the number of batches in one pass.
	Len() int
	// Reset starts a new pass.
	Reset()
	// TryNext returns ok=false, with a nil batch and error, once the pass is
	// exhausted.
	TryNext() (batch *Batch, ok bool, err error)
}

// DataLoader provides batching and shuffling over a Dataset
type DataLoader struct {
	dataset   Dataset
	batchSize int
	shuffle   bool
	rng       *rand.Rand
	indices   []int
	position  int
	mutex     sync.Mutex
}

// NewDataLoader creates a new DataLoader. rng drives shuffling and may be
// nil when shuffle is false.
func NewDataLoader(dataset Dataset, batchSize int, shuffle bool, rng *rand.Rand) (*DataLoader, error) {
	if batchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", batchSize)
	}
	if shuffle && rng == nil {
		return nil, fmt.Errorf("a random source is required for shuffling")
	}

	datasetLen := dataset.Len()
	indices := make([]int, datasetLen)
	for i := range indices {
		indices[i] = i
	}

	return &DataLoader{
		dataset:   dataset,
		batchSize: batchSize,
		shuffle:   shuffle,
		rng:       rng,
		indices:   indices,
	}, nil
}

// Len returns the number of batches in an epoch
func (dl *DataLoader) Len() int {
	return (dl.dataset.Len() + dl.batchSize - 1) / dl.batchSize
}

// Reset resets the data loader for a new epoch
func (dl *DataLoader) Reset() {
	dl.mutex.Lock()
	defer dl.mutex.Unlock()

	dl.position = 0
	if dl.shuffle {
		dl.rng.Shuffle(len(dl.indices), func(i, j int) {
			dl.indices[i], dl.indices[j] = dl.indices[j], dl.indices[i]
		})
	}
}

// TryNext returns the next batch, or ok=false when the epoch is complete.
func (dl *DataLoader) TryNext() (*Batch, bool, error) {
	dl.mutex.Lock()
	defer dl.mutex.Unlock()

	if dl.position >= len(dl.indices) {
		return nil, false, nil
	}

	batchEnd := dl.position + dl.batchSize
	if batchEnd > len(dl.indices) {
		batchEnd = len(dl.indices)
	}
	batchIndices := dl.indices[dl.position:batchEnd]
	dl.position = batchEnd

	batch, err := dl.loadBatch(batchIndices)
	if err != nil {
		return nil, false, fmt.Errorf("failed to load batch: %w", err)
	}
	return batch, true, nil
}

// loadBatch loads a batch of samples and combines them into batched tensors
func (dl *DataLoader) loadBatch(indices []int) (*Batch, error) {
	if len(indices) == 0 {
		return nil, fmt.Errorf("empty batch indices")
	}
	batchSize := len(indices)

	// Load first sample to determine shapes and types
	firstImage, firstMask, err := dl.dataset.Get(indices[0])
	if err != nil {
		return nil, fmt.Errorf("failed to load sample %d: %w", indices[0], err)
	}
	labeled := firstMask != nil

	batchImage, err := tensor.Zeros(append([]int{batchSize}, firstImage.Shape...), firstImage.DType)
	if err != nil {
		return nil, fmt.Errorf("failed to create batch image tensor: %w", err)
	}
	var batchMask *tensor.Tensor
	if labeled {
		if batchMask, err = tensor.Zeros(append([]int{batchSize}, firstMask.Shape...), firstMask.DType); err != nil {
			return nil, fmt.Errorf("failed to create batch mask tensor: %w", err)
		}
	}

	for i, idx := range indices {
		image, mask, err := dl.dataset.Get(idx)
		if err != nil {
			return nil, fmt.Errorf("failed to load sample %d: %w", idx, err)
		}
		if err := copyInto(batchImage, image, i); err != nil {
			return nil, fmt.Errorf("failed to copy image for sample %d: %w", idx, err)
		}
		if (mask != nil) != labeled {
			return nil, fmt.Errorf("sample %d mixes labeled and unlabeled data", idx)
		}
		if labeled {
			if err := copyInto(batchMask, mask, i); err != nil {
				return nil, fmt.Errorf("failed to copy mask for sample %d: %w", idx, err)
			}
		}
	}

	return &Batch{Image: batchImage, Mask: batchMask}, nil
}

// copyInto copies a sample tensor into a specific position in the batch tensor
func copyInto(batchTensor, sampleTensor *tensor.Tensor, batchIndex int) error {
	if batchTensor.DType != sampleTensor.DType {
		return fmt.Errorf("dtype mismatch: batch %s, sample %s", batchTensor.DType, sampleTensor.DType)
	}
	sampleSize := sampleTensor.NumElems
	if !tensor.SameShape(batchTensor.Shape[1:], sampleTensor.Shape) {
		return fmt.Errorf("sample shape %v does not match batch shape %v: %w", sampleTensor.Shape, batchTensor.Shape[1:], ErrShapeMismatch)
	}
	offset := batchIndex * sampleSize

	switch batchTensor.DType {
	case tensor.Float32:
		copy(batchTensor.Data.([]float32)[offset:offset+sampleSize], sampleTensor.Data.([]float32))
	case tensor.Int32:
		copy(batchTensor.Data.([]int32)[offset:offset+sampleSize], sampleTensor.Data.([]int32))
	default:
		return fmt.Errorf("unsupported dtype for batch copying: %s", batchTensor.DType)
	}
	return nil
}

// CyclicSource restarts its inner source whenever it reports exhaustion.
type CyclicSource struct {
	inner    BatchSource
	restarts int
}

// NewCyclicSource wraps src.
func NewCyclicSource(src BatchSource) *CyclicSource {
	return &CyclicSource{inner: src}
}

// Len is the length of one pass of the inner source.
func (c *CyclicSource) Len() int { return c.inner.Len() }

// Reset restarts the inner source without counting a restart.
func (c *CyclicSource) Reset() { c.inner.Reset() }

// Restarts is how many times exhaustion forced a restart.
func (c *CyclicSource) Restarts() int { return c.restarts }

// Next returns the next batch, restarting the inner source once on
// exhaustion. A source that is still exhausted after a restart yields
// ErrEmptySource.
func (c *CyclicSource) Next() (*Batch, error) {
	batch, ok, err := c.inner.TryNext()
	if err != nil {
		return nil, err
	}
	if ok {
		return batch, nil
	}

	c.inner.Reset()
	c.restarts++
	batch, ok, err = c.inner.TryNext()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrEmptySource
	}
	return batch, nil
}

// SimpleDataset provides a basic in-memory implementation of Dataset
type SimpleDataset struct {
	images []*tensor.Tensor
	masks  []*tensor.Tensor
}

// NewSimpleDataset creates a new SimpleDataset. masks may be nil for an
// unlabeled dataset.
func NewSimpleDataset(images, masks []*tensor.Tensor) (*SimpleDataset, error) {
	if masks != nil && len(images) != len(masks) {
		return nil, fmt.Errorf("images and masks must have the same length: got %d and %d", len(images), len(masks))
	}
	return &SimpleDataset{images: images, masks: masks}, nil
}

// Len returns the number of samples in the dataset
func (ds *SimpleDataset) Len() int {
	return len(ds.images)
}

// Get returns a sample at the given index
func (ds *SimpleDataset) Get(idx int) (*tensor.Tensor, *tensor.Tensor, error) {
	if idx < 0 || idx >= len(ds.images) {
		return nil, nil, fmt.Errorf("index %d out of range [0, %d)", idx, len(ds.images))
	}
	if ds.masks == nil {
		return ds.images[idx], nil, nil
	}
	return ds.images[idx], ds.masks[idx], nil
}
