// Package errs - Closed set of failure kinds shared by every pipeline stage.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies a failure so callers can tell retryable transport errors
// apart from fatal model or input errors.
type Kind uint8

const (
	// Internal is an unexpected or programming error outside the domain kinds.
	Internal Kind = iota
	// AssetUnreachable is a network or probe failure while locating the model.
	AssetUnreachable
	// AssetTooSmall is an integrity failure: the model payload is truncated or a placeholder.
	AssetTooSmall
	// ModelLoad is a corrupt or incompatible model, or an unusable runtime configuration.
	ModelLoad
	// Decode is an unsupported or corrupt input image.
	Decode
	// ShapeMismatch is a tensor whose shape differs from the model's declared input.
	ShapeMismatch
	// InferenceRuntime is a failure inside the numeric engine while running the model.
	InferenceRuntime
	// Canceled means the caller abandoned the operation.
	Canceled
)

var kindNames = map[Kind]string{
	Internal:         "internal",
	AssetUnreachable: "asset_unreachable",
	AssetTooSmall:    "asset_too_small",
	ModelLoad:        "model_load",
	Decode:           "decode",
	ShapeMismatch:    "shape_mismatch",
	InferenceRuntime: "inference_runtime",
	Canceled:         "canceled",
}

// String returns the snake_case name of the kind.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// MarshalText renders the kind by name so it can be used directly in JSON bodies.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Error is a failure tagged with its Kind and the operation that produced it.
type Error struct {
	// Kind is the failure class.
	Kind Kind
	// Op names the failing operation, e.g. "assets.download".
	Op string
	// Err is the underlying cause, may be nil.
	Err error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return e.Kind.String()
	}
}

func (e *Error) Unwrap() error { return e.Err }

// E builds a kinded error.
//
// Arguments:
//   - kind: The failure class.
//   - op: The failing operation.
//   - err: The underlying cause, may be nil.
//
// Returns:
//   - error: An *Error.
func E(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds a kinded error from a format string.
func Errorf(kind Kind, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of the outermost *Error in err's chain. Context
// cancellation that was never tagged reports Canceled; anything else
// untagged reports Internal.
func KindOf(err error) Kind {
	if err == nil {
		return Internal
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if isContextErr(err) {
		return Canceled
	}
	return Internal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsRetryable reports whether err is a transient asset failure that a bounded
// retry policy may attempt again.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	switch KindOf(err) {
	case AssetUnreachable, AssetTooSmall:
		return true
	default:
		return false
	}
}
