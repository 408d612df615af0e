package checkpoint

import (
	"fmt"
	"strings"
)

// ValidateHeader checks the tensor table against the data section size.
// Tensors must be contiguous, in order, and sized rows*cols*8 bytes.
func ValidateHeader(h *Header, dataSize int64) error {
	if len(h.Tensors) > MaxTensorCount {
		return &ValidationError{
			Type:    "too_many_tensors",
			Details: fmt.Sprintf("got %d, max %d", len(h.Tensors), MaxTensorCount),
		}
	}
	if h.Minibatch < 0 || h.MaxMinibatch < 0 || h.Minibatch > h.MaxMinibatch {
		return &ValidationError{
			Type:    "minibatch",
			Details: fmt.Sprintf("minibatch %d, max %d", h.Minibatch, h.MaxMinibatch),
		}
	}

	seen := make(map[string]struct{}, len(h.Tensors))
	var next int64
	for _, t := range h.Tensors {
		if err := validateName(t.Name); err != nil {
			return err
		}
		if _, dup := seen[t.Name]; dup {
			return &ValidationError{Type: "duplicate", Tensor: t.Name, Details: "tensor listed twice"}
		}
		seen[t.Name] = struct{}{}

		if t.Rows < 0 || t.Cols < 0 || t.Size != int64(t.Rows)*int64(t.Cols)*8 {
			return &ValidationError{
				Type:    "shape",
				Tensor:  t.Name,
				Details: fmt.Sprintf("%dx%d does not match %d bytes", t.Rows, t.Cols, t.Size),
			}
		}
		if t.Offset != next {
			return &ValidationError{
				Type:    "offset",
				Tensor:  t.Name,
				Details: fmt.Sprintf("offset %d, expected %d", t.Offset, next),
			}
		}
		next += t.Size
	}
	if next != dataSize {
		return &ValidationError{
			Type:    "out_of_bounds",
			Details: fmt.Sprintf("tensors cover %d bytes, data section has %d", next, dataSize),
		}
	}
	return nil
}

func validateName(name string) error {
	switch {
	case name == "":
		return &ValidationError{Type: "invalid_name", Details: "empty tensor name"}
	case len(name) > MaxTensorNameLen:
		return &ValidationError{Type: "invalid_name", Tensor: name[:32] + "...", Details: "name too long"}
	case strings.ContainsAny(name, "\x00\n"):
		return &ValidationError{Type: "invalid_name", Tensor: name, Details: "control characters"}
	}
	return nil
}
