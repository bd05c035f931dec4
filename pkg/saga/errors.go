// Copyright © 2025 jackelyj <dreamerlyj@gmail.com>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.
//

package saga

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind is the closed taxonomy of classified failures. Every failure
// from an external call maps to exactly one kind, classified once at the
// adapter boundary.
type ErrorKind string

const (
	// KindRetryableTransient marks infrastructure/network-level failures.
	// They are retried per policy and surface as a saga failure only when
	// retries exhaust.
	KindRetryableTransient ErrorKind = "retryable_transient"

	// KindNonRetryableBusiness marks domain rejections (invalid receipt,
	// cheat detected, duplicate transaction). They surface immediately and
	// trigger compensation of prior critical steps.
	KindNonRetryableBusiness ErrorKind = "non_retryable_business"

	// KindCompensationFatal marks a compensating action that itself failed.
	// Terminal; never auto-retried by the engine beyond the bounded policy.
	KindCompensationFatal ErrorKind = "compensation_fatal"
)

// Engine-level error codes.
const (
	ErrCodeStepFailed         = "STEP_EXECUTION_FAILED"
	ErrCodeRetryExhausted     = "RETRY_EXHAUSTED"
	ErrCodeStepTimeout        = "STEP_TIMEOUT"
	ErrCodeCompensationFailed = "COMPENSATION_FAILED"
	ErrCodeUnknownSagaType    = "UNKNOWN_SAGA_TYPE"
	ErrCodeSagaTypeMismatch   = "SAGA_TYPE_MISMATCH"
	ErrCodeStorageFailure     = "STORAGE_FAILURE"
)

// Sentinel errors shared by storage implementations.
var (
	// ErrInstanceNotFound is returned by StateStore.Get for an unknown
	// transaction ID.
	ErrInstanceNotFound = errors.New("saga instance not found")

	// ErrStoreClosed is returned by StateStore operations after Close.
	ErrStoreClosed = errors.New("state store is closed")
)

// Error is a classified saga error. It carries the taxonomy kind, a stable
// machine-readable code, and optional structured details.
type Error struct {
	Kind    ErrorKind      `json:"kind"`
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	Cause   *Error         `json:"cause,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %s)", e.Code, e.Message, e.Cause.Error())
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the cause chain to errors.Is / errors.As.
func (e *Error) Unwrap() error {
	if e.Cause == nil {
		return nil
	}
	return e.Cause
}

// WithDetail attaches a structured detail and returns the error.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// Detail returns a structured detail, or nil if absent.
func (e *Error) Detail(key string) any {
	if e.Details == nil {
		return nil
	}
	return e.Details[key]
}

// NewError creates an Error with the given kind, code and message.
func NewError(kind ErrorKind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// NewTransientError creates a retryable-transient error.
func NewTransientError(code, format string, args ...any) *Error {
	return NewError(KindRetryableTransient, code, fmt.Sprintf(format, args...))
}

// NewBusinessError creates a non-retryable-business error.
func NewBusinessError(code, format string, args ...any) *Error {
	return NewError(KindNonRetryableBusiness, code, fmt.Sprintf(format, args...))
}

// NewCompensationFatalError creates a compensation-fatal error.
func NewCompensationFatalError(code, format string, args ...any) *Error {
	return NewError(KindCompensationFatal, code, fmt.Sprintf(format, args...))
}

// WrapError wraps err into an Error of the given kind. If err is already a
// *Error it is preserved as the cause; otherwise a cause is synthesized from
// its message.
func WrapError(err error, kind ErrorKind, code, message string) *Error {
	if err == nil {
		return nil
	}
	wrapped := NewError(kind, code, message)
	var cause *Error
	if errors.As(err, &cause) {
		wrapped.Cause = cause
	} else {
		wrapped.Cause = &Error{Kind: kind, Code: "WRAPPED_ERROR", Message: err.Error()}
	}
	return wrapped
}

// KindOf returns the classified kind of err, or the empty string if err is
// not a *Error.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// CodeOf returns the code of err, or the empty string if err is not a *Error.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsTransient reports whether err is classified retryable-transient.
func IsTransient(err error) bool {
	return KindOf(err) == KindRetryableTransient
}

// IsBusiness reports whether err is classified non-retryable-business.
func IsBusiness(err error) bool {
	return KindOf(err) == KindNonRetryableBusiness
}

// IsCompensationFatal reports whether err is classified compensation-fatal.
func IsCompensationFatal(err error) bool {
	return KindOf(err) == KindCompensationFatal
}

// HTTPError is returned by adapters wrapping REST services. The classifier
// maps 4xx-equivalent client errors to NonRetryableBusiness and
// 5xx-equivalent server errors to RetryableTransient.
type HTTPError struct {
	StatusCode int    `json:"status_code"`
	Status     string `json:"status,omitempty"`
	Body       string `json:"body,omitempty"`
}

// Error implements the error interface.
func (e *HTTPError) Error() string {
	status := e.Status
	if status == "" {
		status = http.StatusText(e.StatusCode)
	}
	return fmt.Sprintf("upstream returned %d %s", e.StatusCode, status)
}

// IsClientError reports whether the status is a 4xx-equivalent client error.
func (e *HTTPError) IsClientError() bool {
	return e.StatusCode >= 400 && e.StatusCode < 500
}

// IsServerError reports whether the status is a 5xx-equivalent server error.
func (e *HTTPError) IsServerError() bool {
	return e.StatusCode >= 500
}
