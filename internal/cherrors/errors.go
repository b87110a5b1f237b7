// Package cherrors carries the engine-wide error taxonomy: the kinds a build
// can fail with, independent of which component raised them. It sits next to
// internal/domain/pipeline's DomainError (kept for pipeline-definition
// validation), and is the error type every runtime component — queue,
// dispatcher, breaker, agent registry, store, runner — returns.
package cherrors

import (
	"errors"
	"fmt"
)

// Code identifies one of the error kinds from the error handling design.
type Code string

const (
	CodeValidation        Code = "VALIDATION_ERROR"
	CodePolicyDenied      Code = "POLICY_DENIED"
	CodeStepFailure       Code = "STEP_FAILURE"
	CodeAgentUnavailable  Code = "AGENT_UNAVAILABLE"
	CodeDispatchError     Code = "DISPATCH_ERROR"
	CodeOrphanDetected    Code = "ORPHAN_DETECTED"
	CodeStorageContention Code = "STORAGE_CONTENTION"
	CodeCancelled         Code = "CANCELLED"
	CodeInternal          Code = "INTERNAL_ERROR"
	CodeNotFound          Code = "NOT_FOUND"
	CodeConflict          Code = "CONFLICT"
)

// Error is a typed, context-carrying error shared by every runtime component.
type Error struct {
	Code    Code
	Message string
	Cause   error
	Context map[string]interface{}
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the wrapped cause for errors.Is/errors.As.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Is allows errors.Is comparisons keyed on error code.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return e.Code == other.Code
}

// WithContext returns a copy of the error with additional context merged in.
func (e *Error) WithContext(ctx map[string]interface{}) *Error {
	if e == nil {
		return nil
	}
	merged := make(map[string]interface{}, len(e.Context)+len(ctx))
	for k, v := range e.Context {
		merged[k] = v
	}
	for k, v := range ctx {
		merged[k] = v
	}
	return &Error{Code: e.Code, Message: e.Message, Cause: e.Cause, Context: merged}
}

// New constructs an Error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap constructs an Error that wraps an existing cause.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// CodeOf extracts the Code carried by err, or CodeInternal if err does not
// carry one.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// IsCancelled reports whether err represents cooperative cancellation.
func IsCancelled(err error) bool {
	return CodeOf(err) == CodeCancelled
}
