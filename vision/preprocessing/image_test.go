package preprocessing

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tsawler/go-resnet/layers"
)

// createMockImage fills a width x height image with a single color
func createMockImage(width, height int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("Failed to encode PNG: %v", err)
	}
	return buf.Bytes()
}

func createTestJPEGFile(t *testing.T, path string, width, height int, c color.RGBA) {
	t.Helper()
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, createMockImage(width, height, c), &jpeg.Options{Quality: 95}); err != nil {
		t.Fatalf("Failed to encode JPEG: %v", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		t.Fatalf("Failed to write JPEG: %v", err)
	}
}

func TestDecodeAndPreprocess(t *testing.T) {
	red := color.RGBA{255, 0, 0, 255}

	t.Run("ChannelsFirst", func(t *testing.T) {
		processor := NewImageProcessor(8, 6, layers.ChannelsFirst)
		result, err := processor.DecodeAndPreprocess(bytes.NewReader(encodePNG(t, createMockImage(20, 30, red))))
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if result.Height != 8 || result.Width != 6 || result.Channels != 3 {
			t.Errorf("Expected 3x8x6, got %dx%dx%d", result.Channels, result.Height, result.Width)
		}
		if len(result.Data) != 3*8*6 {
			t.Fatalf("Expected %d values, got %d", 3*8*6, len(result.Data))
		}
		// red plane first, then green and blue
		for i, v := range result.Data {
			want := float32(0)
			if i < 8*6 {
				want = 1
			}
			if v != want {
				t.Fatalf("Value at index %d: got %f, want %f", i, v, want)
			}
		}
		if !layers.SameShape(result.Shape(), []int{1, 3, 8, 6}) {
			t.Errorf("Shape %v", result.Shape())
		}
	})

	t.Run("ChannelsLast", func(t *testing.T) {
		processor := NewImageProcessor(4, 4, layers.ChannelsLast)
		result, err := processor.DecodeAndPreprocess(bytes.NewReader(encodePNG(t, createMockImage(9, 9, red))))
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		for i, v := range result.Data {
			want := float32(0)
			if i%3 == 0 {
				want = 1
			}
			if v != want {
				t.Fatalf("Value at index %d: got %f, want %f", i, v, want)
			}
		}
		if !layers.SameShape(result.Shape(), []int{1, 4, 4, 3}) {
			t.Errorf("Shape %v", result.Shape())
		}
	})

	t.Run("OffsetBounds", func(t *testing.T) {
		img := createMockImage(10, 10, red).SubImage(image.Rect(5, 5, 10, 10))
		processor := NewImageProcessor(2, 2, layers.ChannelsFirst)
		result, err := processor.DecodeAndPreprocess(bytes.NewReader(encodePNG(t, img)))
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if result.Data[0] != 1 {
			t.Errorf("Expected red at origin, got %f", result.Data[0])
		}
	})

	t.Run("InvalidData", func(t *testing.T) {
		processor := NewImageProcessor(4, 4, layers.ChannelsFirst)
		if _, err := processor.DecodeAndPreprocess(strings.NewReader("not an image")); err == nil {
			t.Error("Expected error for invalid image data")
		}
	})

	t.Run("InvalidSize", func(t *testing.T) {
		processor := NewImageProcessor(0, 4, layers.ChannelsFirst)
		if _, err := processor.DecodeAndPreprocess(bytes.NewReader(encodePNG(t, createMockImage(4, 4, red)))); err == nil {
			t.Error("Expected error for zero target height")
		}
	})
}

func TestPreprocessBatch(t *testing.T) {
	dir := t.TempDir()
	colors := []color.RGBA{{255, 0, 0, 255}, {0, 255, 0, 255}, {0, 0, 255, 255}}
	var paths []string
	for i, c := range colors {
		path := filepath.Join(dir, "img"+string(rune('a'+i))+".jpg")
		createTestJPEGFile(t, path, 32, 24, c)
		paths = append(paths, path)
	}

	for _, layout := range []layers.DataLayout{layers.ChannelsFirst, layers.ChannelsLast} {
		data, shape, err := PreprocessBatch(paths, 16, 16, layout, 2)
		if err != nil {
			t.Fatalf("%s: Unexpected error: %v", layout, err)
		}
		if !layers.SameShape(shape, layout.Shape(3, 3, 16, 16)) {
			t.Errorf("%s: shape %v", layout, shape)
		}
		if len(data) != 3*3*16*16 {
			t.Fatalf("%s: Expected %d values, got %d", layout, 3*3*16*16, len(data))
		}
		// Each image keeps its position in the batch; JPEG is lossy.
		for i := range colors {
			img := data[i*3*16*16 : (i+1)*3*16*16]
			var sums [3]float64
			for j, v := range img {
				c := j / (16 * 16)
				if layout == layers.ChannelsLast {
					c = j % 3
				}
				sums[c] += float64(v)
			}
			for c := range sums {
				mean := sums[c] / (16 * 16)
				want := 0.0
				if c == i {
					want = 1
				}
				if math.Abs(mean-want) > 0.05 {
					t.Errorf("%s: image %d channel %d mean %f, want %f", layout, i, c, mean, want)
				}
			}
		}
	}

	t.Run("MissingFile", func(t *testing.T) {
		_, _, err := PreprocessBatch([]string{paths[0], filepath.Join(dir, "missing.jpg")}, 8, 8, layers.ChannelsFirst, 4)
		if err == nil || !strings.Contains(err.Error(), "image 1") {
			t.Errorf("Expected error for image 1, got %v", err)
		}
	})

	t.Run("Empty", func(t *testing.T) {
		if _, _, err := PreprocessBatch(nil, 8, 8, layers.ChannelsFirst, 1); err == nil {
			t.Error("Expected error for empty batch")
		}
	})
}
