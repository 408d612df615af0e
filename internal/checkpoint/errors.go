package checkpoint

import (
	"errors"
	"fmt"
)

// Common errors. Every error returned by this package wraps ErrCheckpoint.
var (
	ErrCheckpoint         = errors.New("checkpoint failed")
	ErrChecksumMismatch   = fmt.Errorf("%w: checksum mismatch: record may be corrupted", ErrCheckpoint)
	ErrInvalidMagic       = fmt.Errorf("%w: invalid magic bytes", ErrCheckpoint)
	ErrUnsupportedVersion = fmt.Errorf("%w: unsupported format version", ErrCheckpoint)
	ErrHeaderTooLarge     = fmt.Errorf("%w: header exceeds maximum size", ErrCheckpoint)
	ErrRootFailed         = fmt.Errorf("%w: root rank failed", ErrCheckpoint)
)

// ValidationError describes a malformed record.
type ValidationError struct {
	Type    string // e.g. "out_of_bounds", "shape"
	Tensor  string
	Details string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Tensor != "" {
		return fmt.Sprintf("checkpoint: %s: tensor %q: %s", e.Type, e.Tensor, e.Details)
	}
	return fmt.Sprintf("checkpoint: %s: %s", e.Type, e.Details)
}

// Unwrap makes validation errors match ErrCheckpoint.
func (e *ValidationError) Unwrap() error { return ErrCheckpoint }
