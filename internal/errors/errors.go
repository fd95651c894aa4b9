// Package errors provides the kernel's unified error taxonomy.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Code identifies one of the kernel's fixed error kinds (spec §7).
type Code string

const (
	CodeUnauthenticated        Code = "KERNEL_1001"
	CodeInvalidInput           Code = "KERNEL_2001"
	CodeNotFound               Code = "KERNEL_3001"
	CodeInsufficientTier       Code = "KERNEL_4001"
	CodeInsufficientClearance  Code = "KERNEL_4002"
	CodeConflict               Code = "KERNEL_5001"
	CodeQuotaExceeded          Code = "KERNEL_5002"
	CodeRateLimited            Code = "KERNEL_5003"
	CodeGone                   Code = "KERNEL_5004"
	CodeUpstreamUnavailable    Code = "KERNEL_6001"
	CodeInternal               Code = "KERNEL_9001"
)

// KernelError is a structured error carrying a kind, an opaque message,
// an HTTP-shaped status for transports that want one, and optional
// structured details.
type KernelError struct {
	Code       Code
	Message    string
	HTTPStatus int
	Details    map[string]interface{}
	Err        error
}

func (e *KernelError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *KernelError) Unwrap() error { return e.Err }

// WithDetails attaches a key/value pair to the error and returns it for chaining.
func (e *KernelError) WithDetails(key string, value interface{}) *KernelError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

func New(code Code, message string, httpStatus int) *KernelError {
	return &KernelError{Code: code, Message: message, HTTPStatus: httpStatus}
}

func Wrap(code Code, message string, httpStatus int, err error) *KernelError {
	return &KernelError{Code: code, Message: message, HTTPStatus: httpStatus, Err: err}
}

// Unauthenticated is returned when the caller could not be identified at all.
func Unauthenticated(message string) *KernelError {
	return New(CodeUnauthenticated, message, http.StatusUnauthorized)
}

// InvalidInput marks a validation failure on a field.
func InvalidInput(field, reason string) *KernelError {
	return New(CodeInvalidInput, "invalid input", http.StatusBadRequest).
		WithDetails("field", field).
		WithDetails("reason", reason)
}

// NotFound is also the response used for existence-concealment deny paths.
// Callers must never distinguish a real NotFound from a concealed Deny.
func NotFound(resource, id string) *KernelError {
	return New(CodeNotFound, "not found", http.StatusNotFound).
		WithDetails("resource", resource).
		WithDetails("id", id)
}

func InsufficientTier(required, effective string) *KernelError {
	return New(CodeInsufficientTier, "insufficient tier", http.StatusForbidden).
		WithDetails("required", required).
		WithDetails("effective", effective)
}

func InsufficientClearance() *KernelError {
	return New(CodeInsufficientClearance, "insufficient clearance", http.StatusForbidden)
}

func Conflict(message string) *KernelError {
	return New(CodeConflict, message, http.StatusConflict)
}

func QuotaExceeded(notebook string) *KernelError {
	return New(CodeQuotaExceeded, "quota exceeded", http.StatusPaymentRequired).
		WithDetails("notebook", notebook)
}

func RateLimited() *KernelError {
	return New(CodeRateLimited, "rate limited", http.StatusTooManyRequests)
}

func Gone(resource, id string) *KernelError {
	return New(CodeGone, "resource is gone", http.StatusGone).
		WithDetails("resource", resource).
		WithDetails("id", id)
}

func UpstreamUnavailable(upstream string, err error) *KernelError {
	return Wrap(CodeUpstreamUnavailable, "upstream unavailable", http.StatusBadGateway, err).
		WithDetails("upstream", upstream)
}

func Internal(message string, err error) *KernelError {
	return Wrap(CodeInternal, message, http.StatusInternalServerError, err)
}

// IsKernelError reports whether err is (or wraps) a *KernelError.
func IsKernelError(err error) bool {
	var kerr *KernelError
	return errors.As(err, &kerr)
}

// As extracts a *KernelError from an error chain, if present.
func As(err error) *KernelError {
	var kerr *KernelError
	if errors.As(err, &kerr) {
		return kerr
	}
	return nil
}

// HTTPStatus returns the HTTP-shaped status of err, defaulting to 500.
func HTTPStatus(err error) int {
	if kerr := As(err); kerr != nil {
		return kerr.HTTPStatus
	}
	return http.StatusInternalServerError
}

// CodeOf returns the kernel error code of err, or CodeInternal if err is
// not a *KernelError.
func CodeOf(err error) Code {
	if kerr := As(err); kerr != nil {
		return kerr.Code
	}
	return CodeInternal
}

// Opaque collapses any non-nil deny/error into the transport-facing
// NotFound-equivalent response mandated by the existence-concealment
// requirement (spec §4.4, §7): no distinguishing detail ever crosses the
// transport boundary for deny reasons.
func Opaque(resource, id string) *KernelError {
	return NotFound(resource, id)
}
