// Package inference - Model input tensors, ONNX Runtime sessions and the shared session slot.
package inference

import (
	"fmt"
	"slices"

	"github.com/chewxy/math32"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/derm-screen/errs"
)

// InputSize is the square side length the classifier expects.
const InputSize = 224

// DefaultInputShape is the classifier input contract [batch, channels, height, width].
var DefaultInputShape = []int{1, 3, InputSize, InputSize}

// InputTensor is a preprocessed image: channel-planar float32 values with
// shape [1, 3, H, W].
type InputTensor struct {
	dense *tensor.Dense
}

// NewInputTensor wraps data without copying it.
//
// Arguments:
//   - data: Planar values, R plane then G plane then B plane, each row-major.
//   - shape: The logical shape; its product must equal len(data).
//
// Returns:
//   - *InputTensor: The tensor.
//   - error: ShapeMismatch if the length disagrees with the shape, Decode if any value is not finite.
func NewInputTensor(data []float32, shape ...int) (*InputTensor, error) {
	if len(shape) == 0 {
		shape = DefaultInputShape
	}
	n := 1
	for _, d := range shape {
		if d <= 0 {
			return nil, errs.Errorf(errs.ShapeMismatch, "inference.tensor", "invalid dimension %d in shape %v", d, shape)
		}
		n *= d
	}
	if n != len(data) {
		return nil, errs.Errorf(errs.ShapeMismatch, "inference.tensor", "shape %v needs %d values, got %d", shape, n, len(data))
	}
	if i, ok := CheckFinite(data); !ok {
		return nil, errs.Errorf(errs.Decode, "inference.tensor", "value %d is not finite (%v)", i, data[i])
	}
	dense := tensor.New(
		tensor.WithShape(slices.Clone(shape)...),
		tensor.Of(tensor.Float32),
		tensor.WithBacking(data),
	)
	return &InputTensor{dense: dense}, nil
}

// Shape returns a copy of the logical shape.
func (t *InputTensor) Shape() []int {
	return slices.Clone([]int(t.dense.Shape()))
}

// Data returns the backing slice. Callers must not modify it.
func (t *InputTensor) Data() []float32 {
	return t.dense.Data().([]float32)
}

// Len returns the number of values.
func (t *InputTensor) Len() int { return len(t.Data()) }

// Channel returns the plane for channel c.
func (t *InputTensor) Channel(c int) []float32 {
	shape := t.dense.Shape()
	plane := shape[len(shape)-2] * shape[len(shape)-1]
	return t.Data()[c*plane : (c+1)*plane]
}

func (t *InputTensor) String() string {
	return fmt.Sprintf("InputTensor%v", t.Shape())
}

// CheckFinite reports the index of the first NaN or infinite value.
//
// Returns:
//   - int: The offending index, or -1.
//   - bool: True when every value is finite.
func CheckFinite(data []float32) (int, bool) {
	for i, v := range data {
		if math32.IsNaN(v) || math32.IsInf(v, 0) {
			return i, false
		}
	}
	return -1, true
}

// Logits are the raw classifier scores, one per class in class-list order.
type Logits []float32
