package domain

import (
	"errors"
	"fmt"
	"time"
)

// ErrorCode classifies every failure the core can surface.
type ErrorCode string

const (
	CodeMalformedInput        ErrorCode = "MALFORMED_INPUT"
	CodeAuthRejected          ErrorCode = "AUTH_REJECTED"
	CodeInsufficientScope     ErrorCode = "INSUFFICIENT_SCOPE"
	CodeRateLimited           ErrorCode = "RATE_LIMITED"
	CodeTransient             ErrorCode = "TRANSIENT"
	CodeProviderUnreachable   ErrorCode = "PROVIDER_UNREACHABLE"
	CodeNormalizationSkipped  ErrorCode = "NORMALIZATION_SKIPPED"
	CodeSystemicNormalization ErrorCode = "SYSTEMIC_NORMALIZATION_FAILURE"
	CodeNotReady              ErrorCode = "NOT_READY"
	CodeNotFound              ErrorCode = "NOT_FOUND"
	CodeInternal              ErrorCode = "INTERNAL"
)

// Error is a classified failure. Hint tells the caller how to remediate.
type Error struct {
	Code       ErrorCode
	Message    string
	Hint       string
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError builds a classified error.
func NewError(code ErrorCode, message, hint string) *Error {
	return &Error{Code: code, Message: message, Hint: hint}
}

// WrapError classifies an underlying error.
func WrapError(code ErrorCode, message, hint string, err error) *Error {
	return &Error{Code: code, Message: message, Hint: hint, Err: err}
}

// RateLimited builds a RATE_LIMITED error carrying the provider's retry hint.
func RateLimited(message string, retryAfter time.Duration) *Error {
	return &Error{
		Code:       CodeRateLimited,
		Message:    message,
		Hint:       "wait for the provider rate-limit window to reset or lower the request rate",
		RetryAfter: retryAfter,
	}
}

// CodeOf returns the classification of err, or CodeInternal for
// unclassified errors.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return CodeInternal
}

// HintOf returns the remediation hint attached to err, if any.
func HintOf(err error) string {
	var de *Error
	if errors.As(err, &de) {
		return de.Hint
	}
	return ""
}

// RetryAfterOf returns the provider-requested delay attached to err.
func RetryAfterOf(err error) time.Duration {
	var de *Error
	if errors.As(err, &de) {
		return de.RetryAfter
	}
	return 0
}

// IsRetryable reports whether err should be retried with backoff against
// the same cursor.
func IsRetryable(err error) bool {
	switch CodeOf(err) {
	case CodeTransient, CodeRateLimited, CodeProviderUnreachable:
		return true
	}
	return false
}

// IsAuthFailure reports whether err means the credential can no longer reach
// the provider.
func IsAuthFailure(err error) bool {
	switch CodeOf(err) {
	case CodeAuthRejected, CodeInsufficientScope:
		return true
	}
	return false
}

// JobError is the user-visible failure recorded on a job.
type JobError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Hint    string    `json:"hint,omitempty"`
}

// JobErrorFrom converts err into its user-visible form.
func JobErrorFrom(err error) *JobError {
	if err == nil {
		return nil
	}
	var de *Error
	if errors.As(err, &de) {
		msg := de.Message
		if de.Err != nil {
			msg = fmt.Sprintf("%s: %v", de.Message, de.Err)
		}
		return &JobError{Code: de.Code, Message: msg, Hint: de.Hint}
	}
	return &JobError{Code: CodeInternal, Message: err.Error()}
}
