package preprocessing

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// grayPNG encodes a size x size gray image whose pixel (x, y) is value(x, y).
func grayPNG(t *testing.T, size int, value func(x, y int) uint8) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, size, size))
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			img.SetGray(x, y, color.Gray{Y: value(x, y)})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("png encode: %v", err)
	}
	return buf.Bytes()
}

func writeFile(t *testing.T, path string, data []byte) {
	t.Helper()
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestNewImageProcessor(t *testing.T) {
	if _, err := NewImageProcessor(0, 1); err == nil {
		t.Error("expected error for zero target size")
	}
	if _, err := NewImageProcessor(8, 2); err == nil {
		t.Error("expected error for 2 channels")
	}
	p, err := NewImageProcessor(8, 3)
	if err != nil || p.targetSize != 8 || p.channels != 3 {
		t.Fatalf("NewImageProcessor = %+v, %v", p, err)
	}
}

func TestDecodeImageDownsamples(t *testing.T) {
	// 4x4 source with left half 0 and right half 255, resampled to 2x2.
	data := grayPNG(t, 4, func(x, y int) uint8 {
		if x >= 2 {
			return 255
		}
		return 0
	})
	p, _ := NewImageProcessor(2, 1)
	img, err := p.DecodeImage(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("DecodeImage failed: %v", err)
	}
	want := []float32{0, 1, 0, 1}
	for i := range want {
		if math.Abs(float64(img.Data[i]-want[i])) > 1e-6 {
			t.Fatalf("Data = %v, expected %v", img.Data, want)
		}
	}

	rgb, _ := NewImageProcessor(2, 3)
	out, err := rgb.DecodeImage(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("DecodeImage rgb failed: %v", err)
	}
	if len(out.Data) != 12 || out.Data[5] != 1 || out.Data[9] != 1 {
		t.Errorf("rgb data = %v", out.Data)
	}
}

func TestDecodeMask(t *testing.T) {
	data := grayPNG(t, 2, func(x, y int) uint8 { return uint8(x + 2*y) })
	p, _ := NewImageProcessor(2, 1)

	labels, err := p.DecodeMask(bytes.NewReader(data), 4)
	if err != nil {
		t.Fatalf("DecodeMask failed: %v", err)
	}
	for i, want := range []int32{0, 1, 2, 3} {
		if labels[i] != want {
			t.Fatalf("labels = %v", labels)
		}
	}

	if _, err := p.DecodeMask(bytes.NewReader(data), 3); err == nil || !strings.Contains(err.Error(), "exceeds 3 classes") {
		t.Errorf("expected class range error, got %v", err)
	}
	if _, err := p.DecodeMask(bytes.NewReader([]byte("not an image")), 3); err == nil {
		t.Error("expected decode error")
	}
}

func TestPreprocessBatch(t *testing.T) {
	dir := t.TempDir()
	var pairs []Pair
	for i := 0; i < 5; i++ {
		img := filepath.Join(dir, "img"+string(rune('a'+i))+".png")
		writeFile(t, img, grayPNG(t, 4, func(x, y int) uint8 { return uint8(i * 50) }))
		pair := Pair{ImagePath: img}
		if i%2 == 0 {
			pair.MaskPath = filepath.Join(dir, "mask"+string(rune('a'+i))+".png")
			writeFile(t, pair.MaskPath, grayPNG(t, 4, func(x, y int) uint8 { return 1 }))
		}
		pairs = append(pairs, pair)
	}

	samples, err := PreprocessBatch(pairs, 4, 1, 2, 3)
	if err != nil {
		t.Fatalf("PreprocessBatch failed: %v", err)
	}
	for i, s := range samples {
		wantVal := float32(i*50) / 255
		if math.Abs(float64(s.Image.Data[0]-wantVal)) > 1e-6 {
			t.Errorf("sample %d value %g, expected %g", i, s.Image.Data[0], wantVal)
		}
		if (s.Mask != nil) != (i%2 == 0) {
			t.Errorf("sample %d mask presence wrong", i)
		}
	}

	pairs = append(pairs, Pair{ImagePath: filepath.Join(dir, "missing.png")})
	if _, err := PreprocessBatch(pairs, 4, 1, 2, 2); err == nil {
		t.Error("expected error for missing file")
	}
}
