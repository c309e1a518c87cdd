package runner

import (
	"context"
	"fmt"

	"github.com/pkg/errors"

	"github.com/nvr-ai/batch-detect/models/postprocess"
)

// Kind classifies a failure.
type Kind int

const (
	// StartupFatal aborts the run before any image is processed.
	StartupFatal Kind = iota
	// ContractViolation marks detector output that broke the RawDetections invariant.
	ContractViolation
	// UnknownLabel marks a class id missing from the label map. It is only
	// ever logged; the detection is still drawn.
	UnknownLabel
	// PerImageIO marks an unreadable input or unwritable output.
	PerImageIO
	// Inference marks a detector failure, timeout or panic.
	Inference
	// Canceled marks an image skipped because the run deadline passed.
	Canceled
)

func (k Kind) String() string {
	switch k {
	case StartupFatal:
		return "startup"
	case ContractViolation:
		return "contract_violation"
	case UnknownLabel:
		return "unknown_label"
	case PerImageIO:
		return "io"
	case Inference:
		return "inference"
	case Canceled:
		return "canceled"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Error is a classified failure, optionally tied to one input file.
type Error struct {
	Kind Kind
	File string
	Err  error
}

func (e *Error) Error() string {
	if e.File == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.File, e.Kind, e.Err)
}

// Unwrap supports errors.Is and errors.As.
func (e *Error) Unwrap() error { return e.Err }

// Cause supports errors.Cause.
func (e *Error) Cause() error { return e.Err }

// KindOf returns the Kind of err, or Inference when err is unclassified.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Inference
}

// reason strips the file and kind prefix but keeps the wrapped context.
func reason(err error) error {
	var e *Error
	if errors.As(err, &e) && e.Err != nil {
		return e.Err
	}
	return err
}

func newError(kind Kind, file string, err error) *Error {
	return &Error{Kind: kind, File: file, Err: err}
}

// inferenceError picks the kind for an error returned by the detector.
func inferenceError(file string, err error) *Error {
	switch {
	case errors.Is(err, postprocess.ErrContractViolation):
		return newError(ContractViolation, file, err)
	case errors.Is(err, context.Canceled):
		return newError(Canceled, file, err)
	default:
		return newError(Inference, file, err)
	}
}
