package dbjob

import (
	"errors"
	"fmt"
)

// Kind classifies a terminal failure. Transient kinds are eligible for
// retry; every other kind is fatal for the run.
type Kind int

const (
	// KindConfig marks invalid job setup, surfaced before any I/O.
	KindConfig Kind = iota + 1
	// KindBinding marks parameter binding failures (duplicate names,
	// unsupported source shapes), surfaced before any I/O.
	KindBinding
	// KindTransient marks connection-level faults (bad conn, network reset,
	// pool exhaustion) retried up to the job's policy limit.
	KindTransient
	// KindCommand marks a driver-rejected or semantically invalid command.
	// Never retried.
	KindCommand
	// KindMapping marks a column-to-field conversion failure.
	KindMapping
	// KindCardinality marks a shape-contract violation (empty result where a
	// row was required, multiple rows where one was required).
	KindCardinality
	// KindCanceled marks a cooperative stop via the caller's context.
	KindCanceled
)

// String returns the string representation of the kind.
func (k Kind) String() string {
	switch k {
	case KindConfig:
		return "config"
	case KindBinding:
		return "binding"
	case KindTransient:
		return "transient"
	case KindCommand:
		return "command"
	case KindMapping:
		return "mapping"
	case KindCardinality:
		return "cardinality"
	case KindCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

var (
	ErrDuplicateParam        = errors.New("dbjob: duplicate parameter name")
	ErrUnsupportedParamShape = errors.New("dbjob: unsupported parameter source shape")
	ErrParamMissing          = errors.New("dbjob: missing parameter")
	ErrEmptySlice            = errors.New("dbjob: empty slice")
	ErrTooManyParams         = errors.New("dbjob: too many parameters")
	ErrParamNameTooLong      = errors.New("dbjob: parameter name too long")
	ErrFieldAmbiguous        = errors.New("dbjob: ambiguous field name")
	ErrUnknownField          = errors.New("dbjob: override names unknown field")
	ErrColumnTypeMismatch    = errors.New("dbjob: column type mismatch")
	ErrEmptyResult           = errors.New("dbjob: empty result")
	ErrMultipleRows          = errors.New("dbjob: more than one row")
	ErrCursorDisposed        = errors.New("dbjob: cursor disposed")
	ErrTooManySlots          = errors.New("dbjob: too many result slots")
	ErrJobStarted            = errors.New("dbjob: job already started")
)

// Error is the terminal failure type carried out of a run. It records the
// taxonomy kind and the originating component for diagnostics, and unwraps
// to the underlying sentinel or driver error.
type Error struct {
	Kind      Kind
	Component string
	Err       error
}

func (e *Error) Error() string {
	return fmt.Sprintf("dbjob: %s (%s): %v", e.Kind, e.Component, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// newError wraps err with its taxonomy kind and originating component.
// Already-classified errors pass through unchanged.
func newError(kind Kind, component string, err error) error {
	var de *Error
	if errors.As(err, &de) {
		return err
	}
	return &Error{Kind: kind, Component: component, Err: err}
}

// KindOf returns the taxonomy kind recorded on err, or 0 when err carries
// no classification.
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return 0
}

// transientError marks an error as a connection-level fault. Custom Queryer
// implementations can use Transient to make their failures retryable.
type transientError struct {
	err error
}

func (t *transientError) Error() string { return t.err.Error() }
func (t *transientError) Unwrap() error { return t.err }

// Transient marks err as a connection-level fault eligible for retry.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}
