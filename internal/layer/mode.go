package layer

import "fmt"

// ExecutionMode is the phase a layer is run in. It selects which
// statistics accumulate; the propagation algorithm is the same in every
// mode.
type ExecutionMode int

// Execution modes.
const (
	Training ExecutionMode = iota
	Validation
	Testing
	Prediction
	InvalidMode
)

// String returns the mode name.
func (m ExecutionMode) String() string {
	switch m {
	case Training:
		return "training"
	case Validation:
		return "validation"
	case Testing:
		return "testing"
	case Prediction:
		return "prediction"
	case InvalidMode:
		return "invalid"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}
