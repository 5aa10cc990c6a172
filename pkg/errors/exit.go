// Package errors classifies the errors that end a mailscan run and maps them
// to process exit codes.
package errors

import (
	"context"
	stderrors "errors"
	"fmt"
)

const (
	ExitOK          = 0
	ExitFailure     = 1
	ExitUsage       = 2
	ExitInterrupted = 130
)

// OpError records which step of the run failed and the exit code it maps to.
type OpError struct {
	Operation string
	Code      int
	Err       error
}

func (e *OpError) Error() string {
	return fmt.Sprintf("operation '%s' failed: %v", e.Operation, e.Err)
}

func (e *OpError) Unwrap() error {
	return e.Err
}

// Usage wraps an invalid command line or configuration.
func Usage(operation string, err error) error {
	return &OpError{Operation: operation, Code: ExitUsage, Err: err}
}

// Fatal wraps a failure of the scan itself.
func Fatal(operation string, err error) error {
	return &OpError{Operation: operation, Code: ExitFailure, Err: err}
}

// ExitCode returns the process exit code for err. Cancellation maps to
// ExitInterrupted wherever it appears in the chain.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	if stderrors.Is(err, context.Canceled) {
		return ExitInterrupted
	}
	var opErr *OpError
	if stderrors.As(err, &opErr) {
		return opErr.Code
	}
	return ExitFailure
}
