package images

import (
	"image"
	"image/draw"
	"strings"

	"github.com/nfnt/resize"
	"github.com/pkg/errors"
	"gocv.io/x/gocv"
)

// Resampler scales an opaque RGBA image to exact dimensions.
type Resampler interface {
	Resize(img *image.RGBA, width, height int) (*image.RGBA, error)
	Name() string
}

// NFNTResampler resizes in pure Go with github.com/nfnt/resize.
type NFNTResampler struct {
	Interpolation resize.InterpolationFunction
	name          string
}

// NewNFNTResampler returns a bilinear resampler.
func NewNFNTResampler() *NFNTResampler {
	return &NFNTResampler{Interpolation: resize.Bilinear, name: "bilinear"}
}

// Name reports the interpolation in use.
func (r *NFNTResampler) Name() string {
	if r.name == "" {
		return "nfnt"
	}
	return r.name
}

// Resize scales img to width × height.
func (r *NFNTResampler) Resize(img *image.RGBA, width, height int) (*image.RGBA, error) {
	if width <= 0 || height <= 0 {
		return nil, errors.Errorf("invalid dimensions: width=%d, height=%d", width, height)
	}
	return toRGBA(resize.Resize(uint(width), uint(height), img, r.Interpolation)), nil
}

// CVResampler resizes with OpenCV through gocv using linear interpolation.
type CVResampler struct {
	Interpolation gocv.InterpolationFlags
}

// NewCVResampler returns a linear OpenCV resampler.
func NewCVResampler() *CVResampler {
	return &CVResampler{Interpolation: gocv.InterpolationLinear}
}

// Name implements Resampler.
func (r *CVResampler) Name() string { return "opencv" }

// Resize scales img to width × height.
func (r *CVResampler) Resize(img *image.RGBA, width, height int) (*image.RGBA, error) {
	if width <= 0 || height <= 0 {
		return nil, errors.Errorf("invalid dimensions: width=%d, height=%d", width, height)
	}
	src, err := gocv.ImageToMatRGB(img)
	if err != nil {
		return nil, errors.Wrap(err, "failed to convert image to mat")
	}
	defer src.Close()

	dst := gocv.NewMat()
	defer dst.Close()
	gocv.Resize(src, &dst, image.Pt(width, height), 0, 0, r.Interpolation)
	if dst.Empty() {
		return nil, errors.New("failed to resize image")
	}

	out, err := dst.ToImage()
	if err != nil {
		return nil, errors.Wrap(err, "failed to convert mat to image")
	}
	return toRGBA(out), nil
}

// ParseResampler builds a resampler from its configuration name: bilinear,
// bicubic, lanczos3, nearest or opencv. An empty name is bilinear.
func ParseResampler(name string) (Resampler, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	switch n {
	case "", "bilinear":
		return NewNFNTResampler(), nil
	case "bicubic":
		return &NFNTResampler{Interpolation: resize.Bicubic, name: n}, nil
	case "lanczos3":
		return &NFNTResampler{Interpolation: resize.Lanczos3, name: n}, nil
	case "nearest":
		return &NFNTResampler{Interpolation: resize.NearestNeighbor, name: n}, nil
	case "opencv":
		return NewCVResampler(), nil
	default:
		return nil, errors.Errorf("unknown resampler %q", name)
	}
}

func toRGBA(img image.Image) *image.RGBA {
	if rgba, ok := img.(*image.RGBA); ok && rgba.Bounds().Min == (image.Point{}) {
		return rgba
	}
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	return dst
}
