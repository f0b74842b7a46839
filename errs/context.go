package errs

import (
	"context"
	"errors"
)

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// FromContext tags a context error as Canceled. Other errors are returned as is.
func FromContext(op string, err error) error {
	if err == nil {
		return nil
	}
	if isContextErr(err) {
		var e *Error
		if errors.As(err, &e) {
			return err
		}
		return E(Canceled, op, err)
	}
	return err
}
