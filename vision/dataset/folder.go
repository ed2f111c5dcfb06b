package dataset

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/tsawler/go-meanteacher/tensor"
	"github.com/tsawler/go-meanteacher/vision/preprocessing"
)

// FolderDataset reads image/mask pairs from root/images and root/masks.
// A mask shares its image's base name (any supported extension); images
// without a mask are unlabeled.
type FolderDataset struct {
	pairs      []preprocessing.Pair
	numClasses int
	size       int
	channels   int
	processor  *preprocessing.ImageProcessor
	cache      *SampleCache
}

// FolderOptions configures a FolderDataset.
type FolderOptions struct {
	NumClasses int
	Size       int // images and masks are resampled to Size x Size
	Channels   int // 1 or 3
	Extensions []string
	CacheSize  int // decoded samples kept in memory
}

// NewFolderDataset scans root for image/mask pairs.
func NewFolderDataset(root string, opts FolderOptions) (*FolderDataset, error) {
	if len(opts.Extensions) == 0 {
		opts.Extensions = []string{".png", ".jpg", ".jpeg"}
	}
	if opts.Channels == 0 {
		opts.Channels = 1
	}
	if opts.NumClasses < 2 {
		return nil, fmt.Errorf("n_classes must be at least 2, got %d", opts.NumClasses)
	}
	processor, err := preprocessing.NewImageProcessor(opts.Size, opts.Channels)
	if err != nil {
		return nil, err
	}

	masks := make(map[string]string)
	for _, ext := range opts.Extensions {
		files, err := filepath.Glob(filepath.Join(root, "masks", "*"+ext))
		if err != nil {
			return nil, fmt.Errorf("failed to list masks: %w", err)
		}
		for _, f := range files {
			masks[stem(f)] = f
		}
	}

	var pairs []preprocessing.Pair
	for _, ext := range opts.Extensions {
		files, err := filepath.Glob(filepath.Join(root, "images", "*"+ext))
		if err != nil {
			return nil, fmt.Errorf("failed to list images: %w", err)
		}
		for _, f := range files {
			if info, err := os.Stat(f); err != nil || info.IsDir() {
				continue
			}
			pairs = append(pairs, preprocessing.Pair{ImagePath: f, MaskPath: masks[stem(f)]})
		}
	}
	if len(pairs) == 0 {
		return nil, fmt.Errorf("no images found in %s", filepath.Join(root, "images"))
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].ImagePath < pairs[j].ImagePath })

	return &FolderDataset{
		pairs:      pairs,
		numClasses: opts.NumClasses,
		size:       opts.Size,
		channels:   opts.Channels,
		processor:  processor,
		cache:      NewSampleCache(opts.CacheSize),
	}, nil
}

func stem(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// Len returns the number of items in the dataset
func (d *FolderDataset) Len() int {
	return len(d.pairs)
}

// NumClasses returns the number of classes
func (d *FolderDataset) NumClasses() int {
	return d.numClasses
}

// Labeled returns the indices of samples that have a mask.
func (d *FolderDataset) Labeled() []int {
	var out []int
	for i, p := range d.pairs {
		if p.MaskPath != "" {
			out = append(out, i)
		}
	}
	return out
}

// Get decodes sample idx as a (C, H, W) image and a (H, W) mask, the mask
// being nil for unlabeled samples.
func (d *FolderDataset) Get(idx int) (*tensor.Tensor, *tensor.Tensor, error) {
	if idx < 0 || idx >= len(d.pairs) {
		return nil, nil, fmt.Errorf("index %d out of range [0, %d)", idx, len(d.pairs))
	}
	sample, ok := d.cache.Get(idx)
	if !ok {
		var err error
		sample, err = d.processor.LoadPair(d.pairs[idx], d.numClasses)
		if err != nil {
			return nil, nil, err
		}
		d.cache.Put(idx, sample)
	}

	image, err := tensor.NewTensor([]int{d.channels, d.size, d.size}, tensor.Float32, append([]float32(nil), sample.Image.Data...))
	if err != nil {
		return nil, nil, err
	}
	if sample.Mask == nil {
		return image, nil, nil
	}
	mask, err := tensor.NewTensor([]int{d.size, d.size}, tensor.Int32, append([]int32(nil), sample.Mask...))
	if err != nil {
		return nil, nil, err
	}
	return image, mask, nil
}

// CacheStats reports the decoded-sample cache statistics.
func (d *FolderDataset) CacheStats() CacheStats {
	return d.cache.Stats()
}

// String returns a string representation of the dataset
func (d *FolderDataset) String() string {
	return fmt.Sprintf("FolderDataset: %d samples (%d labeled), %d classes, %dx%d",
		len(d.pairs), len(d.Labeled()), d.numClasses, d.size, d.size)
}
