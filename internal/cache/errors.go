package cache

import (
	"errors"
	"fmt"
)

// Admission rejection reasons. Match them with errors.Is against an
// *AdmissionError.
var (
	ErrThermalLimit       = errors.New("thermalLimit")
	ErrMemoryPressure     = errors.New("memoryPressure")
	ErrInsufficientMemory = errors.New("insufficientMemory")
	ErrBusy               = errors.New("busy")
)

// ErrClosed is returned after Close.
var ErrClosed = errors.New("runtime cache is closed")

// ErrInUse is returned when unloading a handle that is executing.
var ErrInUse = errors.New("runtime handle is in use")

// ErrUnknownHandle is returned when releasing a handle the cache does not own.
var ErrUnknownHandle = errors.New("unknown runtime handle")

// AdmissionError is a recoverable refusal to hand out a runtime. Callers fall
// back to remote placement once before surfacing it.
type AdmissionError struct {
	Reason error  // one of the Err* reasons above
	Model  string // descriptor key
	Detail string
}

func (e *AdmissionError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("admission rejected for %s: %s", e.Model, e.Reason)
	}
	return fmt.Sprintf("admission rejected for %s: %s (%s)", e.Model, e.Reason, e.Detail)
}

func (e *AdmissionError) Unwrap() error { return e.Reason }

// Code returns the reason name, e.g. "insufficientMemory".
func (e *AdmissionError) Code() string {
	if e.Reason == nil {
		return "unknown"
	}
	return e.Reason.Error()
}

// IsAdmission reports whether err is an AdmissionError.
func IsAdmission(err error) bool {
	var ae *AdmissionError
	return errors.As(err, &ae)
}
