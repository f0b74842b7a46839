// Package assets - Retrieval and integrity checking of the serialized classifier model.
package assets

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/nvr-ai/derm-screen/errs"
)

// ModelAsset is a fetched model payload together with the size floor it was
// validated against.
type ModelAsset struct {
	// Data is the serialized ONNX model.
	Data []byte
	// MinBytes is the smallest payload accepted as a complete model.
	MinBytes int64
	// Source is the location the payload was fetched from.
	Source string
	// SHA256 is the hex digest of Data.
	SHA256 string
	// FetchedAt is when the download completed.
	FetchedAt time.Time
}

// NewModelAsset wraps a payload and records its digest.
func NewModelAsset(data []byte, minBytes int64, source string) *ModelAsset {
	sum := sha256.Sum256(data)
	return &ModelAsset{
		Data:      data,
		MinBytes:  minBytes,
		Source:    source,
		SHA256:    hex.EncodeToString(sum[:]),
		FetchedAt: time.Now(),
	}
}

// Size returns the payload length in bytes.
func (a *ModelAsset) Size() int64 {
	if a == nil {
		return 0
	}
	return int64(len(a.Data))
}

// Validate enforces the size floor. A payload below MinBytes is treated as
// truncated and must not be loaded.
//
// Returns:
//   - error: AssetTooSmall when the payload is missing or shorter than MinBytes.
func (a *ModelAsset) Validate() error {
	if a == nil {
		return errs.Errorf(errs.AssetTooSmall, "assets.validate", "no model asset")
	}
	if a.Size() < a.MinBytes {
		return errs.Errorf(errs.AssetTooSmall, "assets.validate",
			"model from %s is %d bytes, need at least %d", a.Source, a.Size(), a.MinBytes)
	}
	return nil
}
