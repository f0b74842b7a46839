package main

import (
	"github.com/nvr-ai/derm-screen/errs"
)

// Exit codes by failure kind.
const (
	exitFailure = 1
	exitDecode  = 2
	exitAsset   = 3
	exitModel   = 4
)

// HintedError wraps an error with a user-facing recovery hint.
type HintedError struct {
	Err  error
	Hint string
}

func (h *HintedError) Error() string { return h.Err.Error() }
func (h *HintedError) Unwrap() error { return h.Err }

// reportedError is a failure the command already wrote to stderr.
type reportedError struct {
	Err error
}

func (r *reportedError) Error() string { return r.Err.Error() }
func (r *reportedError) Unwrap() error { return r.Err }

// exitCode maps an error to the process exit status.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	switch errs.KindOf(err) {
	case errs.Decode:
		return exitDecode
	case errs.AssetUnreachable, errs.AssetTooSmall:
		return exitAsset
	case errs.ModelLoad:
		return exitModel
	default:
		return exitFailure
	}
}

// hintWrap attaches a recovery hint for the kinds a user can act on.
func hintWrap(err error) error {
	if err == nil {
		return nil
	}
	var hint string
	switch errs.KindOf(err) {
	case errs.Decode:
		hint = "Use a JPEG, PNG, GIF or WebP photo of the lesion."
	case errs.AssetUnreachable:
		hint = "Check model.url (DERMSCAN_MODEL_URL) and your network connection."
	case errs.AssetTooSmall:
		hint = "The model file looks truncated or is a placeholder; download the full model."
	case errs.ModelLoad:
		hint = "Check runtime.shared_lib_path and that model.classes matches the model outputs."
	default:
		return err
	}
	return &HintedError{Err: err, Hint: hint}
}
