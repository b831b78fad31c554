package orderer

import (
	"errors"
	"fmt"
)

// RuntimeError represents an error in the runner infrastructure itself,
// as opposed to a failing run. Maps to exit code 2.
type RuntimeError struct {
	Err error
}

func (e *RuntimeError) Error() string {
	return fmt.Sprintf("runtime error: %v", e.Err)
}

func (e *RuntimeError) Unwrap() error {
	return e.Err
}

func NewRuntimeError(err error) *RuntimeError {
	return &RuntimeError{Err: err}
}

// RunFailureError represents a completed run whose outcome is failing:
// one or more tests failed or a suite aborted. Maps to exit code 1.
type RunFailureError struct {
	Message string
}

func (e *RunFailureError) Error() string {
	return fmt.Sprintf("run failure: %s", e.Message)
}

func NewRunFailureError(message string) *RunFailureError {
	return &RunFailureError{Message: message}
}

func IsRuntimeError(err error) bool {
	var re *RuntimeError
	return errors.As(err, &re)
}

func IsRunFailureError(err error) bool {
	var rfe *RunFailureError
	return errors.As(err, &rfe)
}
