package models

import (
	"errors"
	"fmt"
)

// Error variables for flow operations that are refused without touching state.
var (
	ErrInvalidTransition = errors.New("operation not allowed in current phase")
	ErrNothingToRetry    = errors.New("no previous input to retry")
)

// ValidationError reports a required InitialInput field that is missing or malformed.
// It is returned before any network call is made.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// TransportError collapses every failure of a gateway call: network errors, deadlines,
// non-2xx statuses and payloads that cannot be decoded or violate a model invariant.
type TransportError struct {
	Op         Operation
	StatusCode int // 0 when no HTTP response was received
	Message    string
	Err        error
}

func (e *TransportError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s failed with status %d: %s", e.Op, e.StatusCode, msg)
	}
	return fmt.Sprintf("%s failed: %s", e.Op, msg)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// AsTransportError unwraps err into a TransportError for op, wrapping foreign errors as needed.
func AsTransportError(op Operation, err error) *TransportError {
	if err == nil {
		return nil
	}
	var te *TransportError
	if errors.As(err, &te) {
		return te
	}
	return &TransportError{Op: op, Message: err.Error(), Err: err}
}
