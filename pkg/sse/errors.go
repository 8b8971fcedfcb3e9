package sse

import (
	"errors"
	"fmt"
)

// ErrNoBody is returned when a response carries no readable body.
var ErrNoBody = errors.New("response has no body")

// StatusError is returned for a non-2xx response. Body holds the response
// text for diagnosis.
type StatusError struct {
	StatusCode int
	Status     string
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("upstream returned %s", e.Status)
	}
	return fmt.Sprintf("upstream returned %s: %s", e.Status, e.Body)
}

// ReadError wraps a failure reading the body after streaming began.
type ReadError struct {
	Err error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("read stream: %v", e.Err)
}

func (e *ReadError) Unwrap() error {
	return e.Err
}
