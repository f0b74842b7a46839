package images

import (
	"bytes"
	"image"
	"image/color"
	"image/draw"

	"github.com/chai2010/webp"
	"github.com/pkg/errors"

	"github.com/nvr-ai/derm-screen/errs"
)

// Decode sniffs and decodes an image. Decoder panics on malformed input are
// reported as Decode errors.
//
// Arguments:
//   - data: The encoded image.
//   - maxPixels: The largest accepted Width × Height; <= 0 means DefaultMaxPixels.
//
// Returns:
//   - image.Image: The decoded image.
//   - Header: The sniffed header.
//   - error: Decode on any failure.
func Decode(data []byte, maxPixels int) (img image.Image, h Header, err error) {
	const op = "images.decode"
	h, err = Sniff(data, maxPixels)
	if err != nil {
		return nil, h, err
	}

	defer func() {
		if r := recover(); r != nil {
			img = nil
			err = errs.Errorf(errs.Decode, op, "corrupt %s image: %v", h.Format, r)
		}
	}()

	r := bytes.NewReader(data)
	if h.Format == FormatWebP {
		img, err = webp.Decode(r)
	} else {
		img, _, err = image.Decode(r)
	}
	if err != nil {
		return nil, h, errs.E(errs.Decode, op, errors.Wrapf(err, "decoding %s", h.Format))
	}
	if b := img.Bounds(); b.Dx() != h.Width || b.Dy() != h.Height {
		return nil, h, errs.Errorf(errs.Decode, op, "decoded %dx%d, header declared %dx%d", b.Dx(), b.Dy(), h.Width, h.Height)
	}
	return img, h, nil
}

// Flatten returns an opaque RGBA copy of img with bounds starting at (0, 0).
// Alpha is discarded: the straight (non-premultiplied) color of every pixel
// is kept and the pixel is made fully opaque.
func Flatten(img image.Image) *image.RGBA {
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))

	switch src := img.(type) {
	case *image.YCbCr, *image.Gray:
		// Always opaque.
		draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Src)
		return dst
	case *image.NRGBA:
		Parallel(b.Dy(), func(start, end int) {
			for y := start; y < end; y++ {
				s := src.Pix[src.PixOffset(b.Min.X, b.Min.Y+y):]
				d := dst.Pix[y*dst.Stride:]
				for x := 0; x < b.Dx(); x++ {
					i := x * 4
					d[i], d[i+1], d[i+2], d[i+3] = s[i], s[i+1], s[i+2], 0xff
				}
			}
		})
		return dst
	}

	Parallel(b.Dy(), func(start, end int) {
		for y := start; y < end; y++ {
			d := dst.Pix[y*dst.Stride:]
			for x := 0; x < b.Dx(); x++ {
				c := color.NRGBAModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.NRGBA)
				i := x * 4
				d[i], d[i+1], d[i+2], d[i+3] = c.R, c.G, c.B, 0xff
			}
		}
	})
	return dst
}
