// Package images - Decoding and classifier preprocessing of user photos.
package images

import (
	"bytes"
	"image"
	_ "image/gif"  // register GIF decoding
	_ "image/jpeg" // register JPEG decoding
	_ "image/png"  // register PNG decoding

	"github.com/chai2010/webp"

	"github.com/nvr-ai/derm-screen/errs"
)

// Format represents a supported image encoding.
type Format string

// Format constants
const (
	// FormatJPEG is the JPEG image format.
	FormatJPEG Format = "jpeg"
	// FormatPNG is the PNG image format.
	FormatPNG Format = "png"
	// FormatGIF is the GIF image format; only the first frame is used.
	FormatGIF Format = "gif"
	// FormatWebP is the WebP image format.
	FormatWebP Format = "webp"
)

// DefaultMaxPixels bounds decoded images to 64 megapixels.
const DefaultMaxPixels = 64 << 20

// Header is what Sniff learns without decoding pixel data.
type Header struct {
	Format Format `json:"format"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

// Pixels returns Width × Height.
func (h Header) Pixels() int { return h.Width * h.Height }

// Sniff reads only the image header.
//
// Arguments:
//   - data: The encoded image.
//   - maxPixels: The largest accepted Width × Height; <= 0 means DefaultMaxPixels.
//
// Returns:
//   - Header: The format and dimensions.
//   - error: Decode when the data is not a supported image, has no pixels, or is too large.
func Sniff(data []byte, maxPixels int) (Header, error) {
	const op = "images.sniff"
	if len(data) == 0 {
		return Header{}, errs.Errorf(errs.Decode, op, "image data is empty")
	}
	if maxPixels <= 0 {
		maxPixels = DefaultMaxPixels
	}

	cfg, name, err := decodeConfig(data)
	if err != nil {
		return Header{}, errs.E(errs.Decode, op, err)
	}
	h := Header{Format: Format(name), Width: cfg.Width, Height: cfg.Height}
	if h.Width <= 0 || h.Height <= 0 {
		return h, errs.Errorf(errs.Decode, op, "invalid image dimensions: %dx%d", h.Width, h.Height)
	}
	if h.Width > maxPixels/h.Height {
		return h, errs.Errorf(errs.Decode, op, "image is %dx%d, larger than %d pixels", h.Width, h.Height, maxPixels)
	}
	return h, nil
}

func decodeConfig(data []byte) (cfg image.Config, name string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errs.Errorf(errs.Decode, "images.sniff", "corrupt image header: %v", r)
		}
	}()
	if isWebP(data) {
		cfg, err = webp.DecodeConfig(bytes.NewReader(data))
		return cfg, string(FormatWebP), err
	}
	return image.DecodeConfig(bytes.NewReader(data))
}

// isWebP matches the RIFF container signature.
func isWebP(data []byte) bool {
	return len(data) >= 12 && string(data[0:4]) == "RIFF" && string(data[8:12]) == "WEBP"
}
