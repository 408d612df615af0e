package layer

import (
	"errors"
	"fmt"

	"github.com/born-ml/layerkit/internal/checkpoint"
)

// Error categories. Every error returned by a layer wraps exactly one.
//
// Configuration and resource errors are fatal for the layer. Transfer
// errors leave buffers inconsistent; callers restore from a checkpoint.
// Checkpoint errors may be retried against another target.
var (
	ErrConfiguration = errors.New("layer: configuration error")
	ErrResource      = errors.New("layer: resource allocation failed")
	ErrTransfer      = errors.New("layer: transfer failed")
	ErrCheckpoint    = checkpoint.ErrCheckpoint
	ErrNotSetup      = fmt.Errorf("%w: layer is not set up", ErrConfiguration)
)

// ConfigError describes an invalid layer configuration or topology.
type ConfigError struct {
	Layer   int    // layer index, -1 when not tied to a layer
	Field   string // offending setting
	Details string
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Layer < 0 {
		return fmt.Sprintf("layer: %s: %s", e.Field, e.Details)
	}
	return fmt.Sprintf("layer %d: %s: %s", e.Layer, e.Field, e.Details)
}

// Unwrap makes configuration errors match ErrConfiguration.
func (e *ConfigError) Unwrap() error { return ErrConfiguration }
