package diffusion

import (
	"errors"
	"fmt"

	"github.com/23skdu/longbow-stipple/internal/tensor"
)

var (
	// ErrShapeMismatch reports incompatible tensors between components.
	ErrShapeMismatch = tensor.ErrShapeMismatch

	// ErrUnsupportedDiscretization is returned by planning under the fail
	// fallback policy when a Karras schedule is requested for a sampler that
	// cannot snap its evaluation points to the noise table.
	ErrUnsupportedDiscretization = errors.New("sampler does not support Karras sigma discretization")
)

// InvalidScheduleError reports a schedule that cannot be constructed.
type InvalidScheduleError struct {
	Reason string
}

func (e *InvalidScheduleError) Error() string {
	return fmt.Sprintf("invalid noise schedule: %s", e.Reason)
}

// UnknownSamplerError is returned by ParseKind.
type UnknownSamplerError struct {
	Name       string
	Suggestion string
}

func (e *UnknownSamplerError) Error() string {
	if e.Suggestion != "" {
		return fmt.Sprintf("unknown sampler %q (did you mean %q?)", e.Name, e.Suggestion)
	}
	return fmt.Sprintf("unknown sampler %q", e.Name)
}
