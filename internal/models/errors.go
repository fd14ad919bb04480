package models

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned by stores and caches when a record does not exist.
var ErrNotFound = errors.New("not found")

// ErrJobFinished is returned when a transition would move a completed or
// failed job to another state.
var ErrJobFinished = errors.New("job already finished")

// ValidationError reports bad submission input. No job is created.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Validationf builds a ValidationError for field.
func Validationf(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// ErrorKind separates retryable stage failures from permanent ones.
type ErrorKind int

const (
	Transient ErrorKind = iota
	Terminal
)

func (k ErrorKind) String() string {
	if k == Terminal {
		return "terminal"
	}
	return "transient"
}

// StageError is a failure attributed to one pipeline stage.
type StageError struct {
	Stage string
	Kind  ErrorKind
	Err   error
	// Trace holds a goroutine stack when the stage panicked.
	Trace string
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// TransientError marks err as retryable. Stage is filled in by the pipeline.
func TransientError(err error) error {
	return &StageError{Kind: Transient, Err: err}
}

// TerminalError marks err as permanent. Stage is filled in by the pipeline.
func TerminalError(err error) error {
	return &StageError{Kind: Terminal, Err: err}
}

// IsTerminal reports whether err carries a terminal StageError.
func IsTerminal(err error) bool {
	var se *StageError
	return errors.As(err, &se) && se.Kind == Terminal
}

// FailedStage returns the stage name carried by err, if any.
func FailedStage(err error) string {
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage
	}
	return ""
}
