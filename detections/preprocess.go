package detections

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"runtime"
	"time"

	"github.com/Tutortoise/nest-detection-service/models"
	"github.com/Tutortoise/nest-detection-service/tensors"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp" // add WebP decoding support
	"golang.org/x/sync/errgroup"
)

// Preprocessor turns encoded image bytes into a [1, height, width, 3] NHWC
// float32 tensor with every channel scaled to [0, 1].
//
// The image is stretched to the input size without preserving its aspect
// ratio, so boxes decoded later live in that stretched space rather than in
// the pixel space of the original upload.
//
// Images with transparency are composited onto black before resizing, so a
// fully transparent pixel reads as (0, 0, 0) whatever RGB it stores and
// partial alpha darkens the color proportionally. The alpha channel itself
// never reaches the tensor.
type Preprocessor struct {
	alloc      *tensors.Allocator
	width      int
	height     int
	numWorkers int
}

type PreprocessorOption func(*Preprocessor)

func WithPreprocessAllocator(alloc *tensors.Allocator) PreprocessorOption {
	return func(p *Preprocessor) { p.alloc = alloc }
}

// WithWorkers bounds the goroutines used to fill the tensor.
func WithWorkers(n int) PreprocessorOption {
	return func(p *Preprocessor) {
		if n > 0 {
			p.numWorkers = n
		}
	}
}

func WithInputSize(width, height int) PreprocessorOption {
	return func(p *Preprocessor) {
		if width > 0 && height > 0 {
			p.width, p.height = width, height
		}
	}
}

func NewPreprocessor(opts ...PreprocessorOption) *Preprocessor {
	p := &Preprocessor{
		alloc:      tensors.Default,
		width:      InputWidth,
		height:     InputHeight,
		numWorkers: runtime.GOMAXPROCS(0),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// InputShape is the shape of every tensor Preprocess returns.
func (p *Preprocessor) InputShape() []int {
	return []int{1, p.height, p.width, InputChannels}
}

// Preprocess decodes, resizes and normalizes one image. The returned tensor is
// owned by the caller. On error no tensor is left allocated.
func (p *Preprocessor) Preprocess(ctx context.Context, data []byte, timings *models.ProcessingTimings) (*tensors.Tensor, error) {
	if timings == nil {
		timings = &models.ProcessingTimings{}
	}

	decodeStart := time.Now()
	img, err := decodeImage(data)
	timings.ImageDecode = time.Since(decodeStart)
	if err != nil {
		return nil, err
	}

	resizeStart := time.Now()
	resized := imaging.Resize(flattenAlpha(img), p.width, p.height, imaging.Linear)
	timings.Resize = time.Since(resizeStart)
	if resized.Bounds().Dx() != p.width || resized.Bounds().Dy() != p.height {
		return nil, newError(ErrDecode, nil, "resize produced %dx%d", resized.Bounds().Dx(), resized.Bounds().Dy())
	}

	prepStart := time.Now()
	input, err := p.alloc.Get(p.InputShape()...)
	if err != nil {
		return nil, fmt.Errorf("allocate input tensor: %w", err)
	}
	if err := p.fill(ctx, resized, input.Float32s()); err != nil {
		input.Release()
		return nil, err
	}
	timings.Preprocess = time.Since(prepStart)

	return input, nil
}

func decodeImage(data []byte) (image.Image, error) {
	if len(data) == 0 {
		return nil, newError(ErrDecode, nil, "empty image")
	}
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, newError(ErrDecode, err, "decode image")
	}
	if img.Bounds().Dx() <= 0 || img.Bounds().Dy() <= 0 {
		return nil, newError(ErrDecode, nil, "image has no pixels")
	}
	return img, nil
}

// flattenAlpha composites non-opaque images onto an opaque black canvas.
func flattenAlpha(img image.Image) image.Image {
	if o, ok := img.(interface{ Opaque() bool }); ok && o.Opaque() {
		return img
	}
	b := img.Bounds()
	canvas := imaging.New(b.Dx(), b.Dy(), color.Black)
	return imaging.Overlay(canvas, img, image.Pt(0, 0), 1.0)
}

// fill writes pixels in NHWC order. Row bands are split across workers and
// each band checks the context before it starts.
func (p *Preprocessor) fill(ctx context.Context, img *image.NRGBA, dst []float32) error {
	workers := min(p.numWorkers, p.height)
	rowsPerWorker := (p.height + workers - 1) / workers
	rowLen := p.width * InputChannels

	g, ctx := errgroup.WithContext(ctx)
	for start := 0; start < p.height; start += rowsPerWorker {
		end := min(start+rowsPerWorker, p.height)
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			for y := start; y < end; y++ {
				src := img.Pix[img.PixOffset(img.Rect.Min.X, img.Rect.Min.Y+y):]
				row := dst[y*rowLen : (y+1)*rowLen]
				for x := 0; x < p.width; x++ {
					row[x*3] = float32(src[x*4]) / 255.0
					row[x*3+1] = float32(src[x*4+1]) / 255.0
					row[x*3+2] = float32(src[x*4+2]) / 255.0
				}
			}
			return nil
		})
	}
	return g.Wait()
}
