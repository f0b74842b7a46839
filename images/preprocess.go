package images

import (
	"fmt"
	"image"
	"math"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/nvr-ai/derm-screen/errs"
	"github.com/nvr-ai/derm-screen/inference"
	"github.com/nvr-ai/derm-screen/metrics"
)

// PreprocessConfig defines how an image is turned into a classifier input.
type PreprocessConfig struct {
	// TargetSize is the side of the square model input.
	TargetSize int
	// Mean is the per-channel mean (R, G, B) on the 0..1 scale.
	Mean [3]float32
	// Std is the per-channel standard deviation (R, G, B); no entry may be zero.
	Std [3]float32
	// MaxPixels bounds decoded images; <= 0 means DefaultMaxPixels.
	MaxPixels int
	// Resampler scales images; nil means bilinear NFNTResampler.
	Resampler Resampler
}

// DefaultPreprocessConfig returns the ImageNet statistics at 224×224.
func DefaultPreprocessConfig() PreprocessConfig {
	return PreprocessConfig{
		TargetSize: inference.InputSize,
		Mean:       [3]float32{0.485, 0.456, 0.406},
		Std:        [3]float32{0.229, 0.224, 0.225},
		MaxPixels:  DefaultMaxPixels,
		Resampler:  NewNFNTResampler(),
	}
}

// Preprocessor turns encoded images into normalized planar tensors. It holds
// no mutable state and is safe for concurrent use.
type Preprocessor struct {
	cfg PreprocessConfig
	// lut maps channel c and byte value v to (v/255 - mean[c]) / std[c].
	lut [3][256]float32
}

// NewPreprocessor creates a preprocessor.
//
// Arguments:
//   - cfg: The preprocessing configuration.
//
// Returns:
//   - *Preprocessor: The preprocessor.
//   - error: If the target size or statistics are invalid.
func NewPreprocessor(cfg PreprocessConfig) (*Preprocessor, error) {
	if cfg.TargetSize <= 0 {
		return nil, fmt.Errorf("invalid target size: %d", cfg.TargetSize)
	}
	for c, s := range cfg.Std {
		if s == 0 || math.IsNaN(float64(s)) || math.IsInf(float64(s), 0) {
			return nil, fmt.Errorf("invalid std for channel %d: %v", c, s)
		}
	}
	if cfg.MaxPixels <= 0 {
		cfg.MaxPixels = DefaultMaxPixels
	}
	if cfg.Resampler == nil {
		cfg.Resampler = NewNFNTResampler()
	}

	p := &Preprocessor{cfg: cfg}
	for c := 0; c < 3; c++ {
		for v := 0; v < 256; v++ {
			p.lut[c][v] = (float32(v)/255 - cfg.Mean[c]) / cfg.Std[c]
		}
	}
	for c := range p.lut {
		if _, ok := inference.CheckFinite(p.lut[c][:]); !ok {
			return nil, errors.Errorf("normalization of channel %d produces non-finite values", c)
		}
	}
	return p, nil
}

// Config returns the preprocessing configuration.
func (p *Preprocessor) Config() PreprocessConfig { return p.cfg }

// Process decodes and preprocesses one encoded image.
//
// Arguments:
//   - data: The encoded image bytes.
//
// Returns:
//   - *inference.InputTensor: Shape [1, 3, T, T].
//   - error: Decode for unreadable or oversized input.
func (p *Preprocessor) Process(data []byte) (*inference.InputTensor, error) {
	start := time.Now()
	img, h, err := Decode(data, p.cfg.MaxPixels)
	if err != nil {
		return nil, err
	}
	t, err := p.ProcessImage(img)
	if err != nil {
		return nil, err
	}
	metrics.Since("images.preprocess", start, []string{"format:" + string(h.Format), "resampler:" + p.cfg.Resampler.Name()})
	log.Debug().Str("format", string(h.Format)).Int("width", h.Width).Int("height", h.Height).
		Dur("took", time.Since(start)).Msg("image preprocessed")
	return t, nil
}

// ProcessImage preprocesses an already decoded image: flatten alpha, scale
// so the shorter side reaches T, center-crop T×T, normalize planar.
func (p *Preprocessor) ProcessImage(img image.Image) (*inference.InputTensor, error) {
	const op = "images.preprocess"
	b := img.Bounds()
	if b.Dx() <= 0 || b.Dy() <= 0 {
		return nil, errs.Errorf(errs.Decode, op, "invalid image dimensions: %dx%d", b.Dx(), b.Dy())
	}
	target := p.cfg.TargetSize

	flat := Flatten(img)
	rw, rh := FillDimensions(b.Dx(), b.Dy(), target)
	resized := flat
	if rw != b.Dx() || rh != b.Dy() {
		var err error
		resized, err = p.cfg.Resampler.Resize(flat, rw, rh)
		if err != nil {
			return nil, errs.E(errs.Decode, op, err)
		}
	}
	if got := resized.Bounds(); got.Dx() != rw || got.Dy() != rh {
		return nil, errs.Errorf(errs.Internal, op, "resampler %s produced %dx%d, want %dx%d",
			p.cfg.Resampler.Name(), got.Dx(), got.Dy(), rw, rh)
	}

	x0, y0 := CropOffsets(rw, rh, target)
	data := p.planar(resized, x0, y0)
	return inference.NewInputTensor(data, 1, 3, target, target)
}

// planar writes the T×T window at (x0, y0) as normalized R, G, B planes.
func (p *Preprocessor) planar(img *image.RGBA, x0, y0 int) []float32 {
	t := p.cfg.TargetSize
	plane := t * t
	data := make([]float32, 3*plane)
	r, g, b := data[:plane], data[plane:2*plane], data[2*plane:]

	Parallel(t, func(start, end int) {
		for y := start; y < end; y++ {
			row := img.Pix[img.PixOffset(x0, y0+y):]
			for x := 0; x < t; x++ {
				i := y*t + x
				px := row[x*4 : x*4+3]
				r[i] = p.lut[0][px[0]]
				g[i] = p.lut[1][px[1]]
				b[i] = p.lut[2][px[2]]
			}
		}
	})
	return data
}

// FillDimensions scales (w, h) by max(T/w, T/h), rounding, so that both
// sides are at least T. Small images are upscaled.
func FillDimensions(w, h, target int) (int, int) {
	scale := math.Max(float64(target)/float64(w), float64(target)/float64(h))
	rw := max(int(math.Round(float64(w)*scale)), target)
	rh := max(int(math.Round(float64(h)*scale)), target)
	return rw, rh
}

// CropOffsets returns the top-left corner of the centered T×T window.
func CropOffsets(rw, rh, target int) (int, int) {
	return (rw - target) / 2, (rh - target) / 2
}

// BatchProcess preprocesses several images concurrently.
//
// Arguments:
//   - items: The encoded images.
//   - maxConcurrency: Maximum number of images to process at once.
//
// Returns:
//   - []*inference.InputTensor: Results in input order.
//   - error: The first failure by index, if any.
func (p *Preprocessor) BatchProcess(items [][]byte, maxConcurrency int) ([]*inference.InputTensor, error) {
	if maxConcurrency <= 0 {
		maxConcurrency = 1
	}

	results := make([]*inference.InputTensor, len(items))
	failures := make([]error, len(items))

	sem := make(chan struct{}, maxConcurrency)
	var wg sync.WaitGroup
	for i, item := range items {
		wg.Add(1)
		go func(idx int, data []byte) {
			defer wg.Done()

			sem <- struct{}{}
			defer func() { <-sem }()

			t, err := p.Process(data)
			if err != nil {
				failures[idx] = errors.WithMessagef(err, "image %d", idx)
				return
			}
			results[idx] = t
		}(i, item)
	}
	wg.Wait()

	for _, err := range failures {
		if err != nil {
			return nil, err
		}
	}
	return results, nil
}
