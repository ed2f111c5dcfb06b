package preprocessing

import (
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"
	"sync"
)

// ImageProcessor decodes images and masks and resamples them to a square
// target size with nearest-neighbour sampling.
type ImageProcessor struct {
	mu         sync.Mutex
	resized    *image.Gray
	targetSize int
	channels   int
}

// NewImageProcessor creates a processor producing channels x targetSize x
// targetSize images. channels must be 1 (luminance) or 3 (RGB).
func NewImageProcessor(targetSize, channels int) (*ImageProcessor, error) {
	if targetSize <= 0 {
		return nil, fmt.Errorf("target size must be positive, got %d", targetSize)
	}
	if channels != 1 && channels != 3 {
		return nil, fmt.Errorf("channels must be 1 or 3, got %d", channels)
	}
	return &ImageProcessor{targetSize: targetSize, channels: channels}, nil
}

// ProcessedImage represents a preprocessed image ready for network input
type ProcessedImage struct {
	Data     []float32 // CHW, normalized to [0, 1]
	Width    int
	Height   int
	Channels int
}

// sourcePoint maps a target pixel to its nearest source pixel.
func (p *ImageProcessor) sourcePoint(bounds image.Rectangle, x, y int) (int, int) {
	sx := bounds.Min.X + x*bounds.Dx()/p.targetSize
	sy := bounds.Min.Y + y*bounds.Dy()/p.targetSize
	return sx, sy
}

// DecodeImage decodes a PNG or JPEG image into CHW float data.
func (p *ImageProcessor) DecodeImage(reader io.Reader) (*ProcessedImage, error) {
	img, _, err := image.Decode(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	bounds := img.Bounds()
	size := p.targetSize
	plane := size * size
	data := make([]float32, p.channels*plane)

	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			sx, sy := p.sourcePoint(bounds, x, y)
			idx := y*size + x
			if p.channels == 1 {
				g := color.Gray16Model.Convert(img.At(sx, sy)).(color.Gray16)
				data[idx] = float32(g.Y) / 65535.0
				continue
			}
			r, g, b, _ := img.At(sx, sy).RGBA()
			data[idx] = float32(r) / 65535.0
			data[plane+idx] = float32(g) / 65535.0
			data[2*plane+idx] = float32(b) / 65535.0
		}
	}

	return &ProcessedImage{Data: data, Width: size, Height: size, Channels: p.channels}, nil
}

// DecodeMask decodes a label image whose 8-bit gray level is the class index.
func (p *ImageProcessor) DecodeMask(reader io.Reader, numClasses int) ([]int32, error) {
	img, _, err := image.Decode(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to decode mask: %w", err)
	}
	bounds := img.Bounds()
	size := p.targetSize

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.resized == nil || p.resized.Bounds().Dx() != size {
		p.resized = image.NewGray(image.Rect(0, 0, size, size))
	}
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			sx, sy := p.sourcePoint(bounds, x, y)
			p.resized.Set(x, y, img.At(sx, sy))
		}
	}

	labels := make([]int32, size*size)
	for i, v := range p.resized.Pix {
		if int(v) >= numClasses {
			return nil, fmt.Errorf("mask value %d at pixel %d exceeds %d classes", v, i, numClasses)
		}
		labels[i] = int32(v)
	}
	return labels, nil
}

// Pair names an image file and its mask file. MaskPath may be empty.
type Pair struct {
	ImagePath string
	MaskPath  string
}

// Sample is a decoded Pair. Mask is nil when the pair has no mask.
type Sample struct {
	Image *ProcessedImage
	Mask  []int32
}

// LoadPair decodes one image/mask pair from disk.
func (p *ImageProcessor) LoadPair(pair Pair, numClasses int) (*Sample, error) {
	file, err := os.Open(pair.ImagePath)
	if err != nil {
		return nil, err
	}
	img, err := p.DecodeImage(file)
	file.Close()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", pair.ImagePath, err)
	}
	sample := &Sample{Image: img}
	if pair.MaskPath == "" {
		return sample, nil
	}

	file, err = os.Open(pair.MaskPath)
	if err != nil {
		return nil, err
	}
	sample.Mask, err = p.DecodeMask(file, numClasses)
	file.Close()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", pair.MaskPath, err)
	}
	return sample, nil
}

// PreprocessBatch decodes pairs concurrently with up to maxWorkers workers.
func PreprocessBatch(pairs []Pair, targetSize, channels, numClasses, maxWorkers int) ([]*Sample, error) {
	if maxWorkers <= 0 {
		maxWorkers = 1
	}
	if _, err := NewImageProcessor(targetSize, channels); err != nil {
		return nil, err
	}

	results := make([]*Sample, len(pairs))
	errs := make([]error, len(pairs))

	type job struct {
		index int
		pair  Pair
	}

	jobs := make(chan job, len(pairs))
	var wg sync.WaitGroup

	for w := 0; w < maxWorkers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			processor, _ := NewImageProcessor(targetSize, channels)
			for j := range jobs {
				results[j.index], errs[j.index] = processor.LoadPair(j.pair, numClasses)
			}
		}()
	}

	for i, pair := range pairs {
		jobs <- job{index: i, pair: pair}
	}
	close(jobs)
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			return nil, fmt.Errorf("failed to process pair %d: %w", i, err)
		}
	}
	return results, nil
}
