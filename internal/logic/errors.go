package logic

import (
	"errors"
	"fmt"
)

// Sentinel errors. Typed errors below wrap them so callers can use errors.Is.
var (
	ErrInvalidState    = errors.New("invalid state")
	ErrMalformedSample = errors.New("malformed sample")
	ErrInvalidTargets  = errors.New("invalid targets")
	ErrUnknownUnit     = errors.New("unknown unit")
)

// InvalidStateError reports an operation called in a phase that forbids it.
type InvalidStateError struct {
	Op    string
	Phase Phase
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("%s: not allowed in phase %s", e.Op, e.Phase)
}

func (e *InvalidStateError) Unwrap() error { return ErrInvalidState }

// MalformedSampleError reports a sample that was discarded.
type MalformedSampleError struct {
	Sample Sample
	Reason string
}

func (e *MalformedSampleError) Error() string {
	return fmt.Sprintf("malformed sample (speed=%v unit=%s time=%s): %s",
		e.Sample.Speed, e.Sample.Unit, e.Sample.Time.Format("15:04:05.000"), e.Reason)
}

func (e *MalformedSampleError) Unwrap() error { return ErrMalformedSample }
