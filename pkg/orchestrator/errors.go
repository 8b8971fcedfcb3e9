package orchestrator

import (
	"errors"
	"fmt"

	"github.com/pario-ai/insight/pkg/sse"
)

// ErrorKind classifies a failed run.
type ErrorKind int

const (
	// KindTransport covers failed requests, non-2xx responses and read
	// failures after streaming began.
	KindTransport ErrorKind = iota + 1
	// KindProtocol covers responses with no readable body.
	KindProtocol
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindProtocol:
		return "protocol"
	default:
		return "unknown"
	}
}

// RunError is returned when a run fails. Cancellation is never a RunError.
type RunError struct {
	Kind ErrorKind
	Err  error
}

func (e *RunError) Error() string {
	return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
}

func (e *RunError) Unwrap() error {
	return e.Err
}

func classify(err error) *RunError {
	if errors.Is(err, sse.ErrNoBody) {
		return &RunError{Kind: KindProtocol, Err: err}
	}
	return &RunError{Kind: KindTransport, Err: err}
}
