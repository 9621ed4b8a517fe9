package preprocessing

import (
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"
	"sync"

	"github.com/tsawler/go-resnet/layers"
)

// Channels is the number of color channels produced for every image.
const Channels = 3

// ImageProcessor decodes images into fixed-size network input with buffer reuse
type ImageProcessor struct {
	mu              sync.Mutex
	tempImageBuffer *image.RGBA
	height          int
	width           int
	layout          layers.DataLayout
}

// NewImageProcessor creates a processor producing height x width RGB input
// in the given layout.
func NewImageProcessor(height, width int, layout layers.DataLayout) *ImageProcessor {
	return &ImageProcessor{
		height: height,
		width:  width,
		layout: layout,
	}
}

// ProcessedImage represents a preprocessed image ready for neural network input
type ProcessedImage struct {
	Data     []float32
	Width    int
	Height   int
	Channels int
	Layout   layers.DataLayout
}

// Shape returns the image's shape as a batch of one.
func (pi *ProcessedImage) Shape() []int {
	return pi.Layout.Shape(1, pi.Channels, pi.Height, pi.Width)
}

// DecodeAndPreprocess decodes a JPEG or PNG image, resizes it by nearest
// neighbour sampling and returns RGB values normalized to [0, 1].
func (p *ImageProcessor) DecodeAndPreprocess(reader io.Reader) (*ProcessedImage, error) {
	if p.height <= 0 || p.width <= 0 {
		return nil, fmt.Errorf("invalid target size %dx%d", p.height, p.width)
	}
	img, _, err := image.Decode(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}

	bounds := img.Bounds()
	srcW, srcH := bounds.Dx(), bounds.Dy()

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.tempImageBuffer == nil || p.tempImageBuffer.Bounds().Dx() != p.width || p.tempImageBuffer.Bounds().Dy() != p.height {
		p.tempImageBuffer = image.NewRGBA(image.Rect(0, 0, p.width, p.height))
	}
	target := p.tempImageBuffer

	scaleX := float64(srcW) / float64(p.width)
	scaleY := float64(srcH) / float64(p.height)
	for y := 0; y < p.height; y++ {
		srcY := min(int(float64(y)*scaleY), srcH-1)
		for x := 0; x < p.width; x++ {
			srcX := min(int(float64(x)*scaleX), srcW-1)
			target.Set(x, y, img.At(bounds.Min.X+srcX, bounds.Min.Y+srcY))
		}
	}

	data := make([]float32, Channels*p.height*p.width)
	plane := p.height * p.width
	for y := 0; y < p.height; y++ {
		for x := 0; x < p.width; x++ {
			r, g, b, _ := target.At(x, y).RGBA()
			rgb := [Channels]float32{float32(r) / 65535.0, float32(g) / 65535.0, float32(b) / 65535.0}
			for c, v := range rgb {
				if p.layout == layers.ChannelsLast {
					data[(y*p.width+x)*Channels+c] = v
				} else {
					data[c*plane+y*p.width+x] = v
				}
			}
		}
	}

	return &ProcessedImage{
		Data:     data,
		Width:    p.width,
		Height:   p.height,
		Channels: Channels,
		Layout:   p.layout,
	}, nil
}

// PreprocessBatch preprocesses images concurrently and stacks them into one
// batch. It returns the batch data and its shape in the given layout.
func PreprocessBatch(imagePaths []string, height, width int, layout layers.DataLayout, maxWorkers int) ([]float32, []int, error) {
	if len(imagePaths) == 0 {
		return nil, nil, fmt.Errorf("no images to preprocess")
	}
	if maxWorkers <= 0 {
		maxWorkers = 1
	}

	results := make([]*ProcessedImage, len(imagePaths))
	errors := make([]error, len(imagePaths))

	type job struct {
		index int
		path  string
	}

	jobs := make(chan job, len(imagePaths))
	var wg sync.WaitGroup

	for w := 0; w < maxWorkers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			processor := NewImageProcessor(height, width, layout)

			for j := range jobs {
				file, err := os.Open(j.path)
				if err != nil {
					errors[j.index] = err
					continue
				}

				img, err := processor.DecodeAndPreprocess(file)
				file.Close()

				if err != nil {
					errors[j.index] = err
				} else {
					results[j.index] = img
				}
			}
		}()
	}

	for i, path := range imagePaths {
		jobs <- job{index: i, path: path}
	}
	close(jobs)
	wg.Wait()

	for i, err := range errors {
		if err != nil {
			return nil, nil, fmt.Errorf("failed to process image %d (%s): %w", i, imagePaths[i], err)
		}
	}

	// Both layouts keep the batch axis outermost, so images concatenate.
	size := Channels * height * width
	batch := make([]float32, 0, len(results)*size)
	for _, img := range results {
		batch = append(batch, img.Data...)
	}
	return batch, layout.Shape(len(results), Channels, height, width), nil
}
