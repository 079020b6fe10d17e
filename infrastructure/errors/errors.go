// Package errors provides unified error handling for the silo and gateway.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a ServiceError along the lines spec.md §7 uses to decide
// retry behavior: only Transient is ever safe to retry. The gateway client
// retries a forwarded inter-silo call with bounded backoff only while the
// error is Transient.
type Kind string

const (
	// Transient means the same call may succeed if retried later: a directory
	// lookup raced a silo death, a participant timed out waiting on a lock, a
	// downstream dependency is briefly unavailable.
	KindTransient Kind = "transient"
	// PermanentApplication means the request itself is invalid and retrying
	// without changing it will fail the same way: bad input, a grain-level
	// precondition that will never hold, a trade whose counterpart declined.
	KindPermanentApplication Kind = "permanent_application"
	// PermanentSystem means an invariant the runtime depends on has been
	// violated: a version conflict after the retry budget is exhausted, a
	// corrupted persisted blob, a directory entry pointing at a dead silo that
	// never got reaped.
	KindPermanentSystem Kind = "permanent_system"
	// RateLimited means a policy's window is exhausted; the caller should wait
	// at least RetryAfter before trying again.
	KindRateLimited Kind = "rate_limited"
	// AuthFailure means the caller's credentials were missing, invalid, or
	// insufficient for the operation requested.
	KindAuthFailure Kind = "auth_failure"
)

// ErrorCode is a stable, machine-readable identifier within a Kind.
type ErrorCode string

const (
	// Transient (5xxx)
	ErrCodeDirectoryStale     ErrorCode = "TRANS_5001"
	ErrCodeDependencyTimeout  ErrorCode = "TRANS_5002"
	ErrCodeDependencyUnavail  ErrorCode = "TRANS_5003"
	ErrCodeTransactionAborted ErrorCode = "TRANS_5004"

	// Permanent application (4xxx)
	ErrCodeInvalidInput      ErrorCode = "APP_4001"
	ErrCodeMissingParameter  ErrorCode = "APP_4002"
	ErrCodePreconditionFail  ErrorCode = "APP_4003"
	ErrCodeNotFound          ErrorCode = "APP_4004"
	ErrCodeAlreadyExists     ErrorCode = "APP_4005"
	ErrCodeGrainBusy         ErrorCode = "APP_4006"

	// Permanent system (5xxx)
	ErrCodeVersionConflict ErrorCode = "SYS_5101"
	ErrCodeCorruptState    ErrorCode = "SYS_5102"
	ErrCodeInternal        ErrorCode = "SYS_5103"
	ErrCodeDatabaseError   ErrorCode = "SYS_5104"

	// Rate limited (429)
	ErrCodeRateLimitExceeded ErrorCode = "RATE_4291"

	// Auth failure (401/403)
	ErrCodeUnauthorized      ErrorCode = "AUTH_4011"
	ErrCodeInvalidToken      ErrorCode = "AUTH_4012"
	ErrCodeTokenExpired      ErrorCode = "AUTH_4013"
	ErrCodeForbidden         ErrorCode = "AUTH_4031"
	ErrCodeSessionInvalid    ErrorCode = "AUTH_4014"
)

// ServiceError is a structured error carrying a Kind, a stable Code, an HTTP
// status for the gateway surface, and optional structured details (e.g. the
// retry-after seconds and policy name for a rate-limit denial).
type ServiceError struct {
	Kind       Kind                   `json:"kind"`
	Code       ErrorCode              `json:"code"`
	Message    string                 `json:"message"`
	HTTPStatus int                    `json:"-"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Err        error                  `json:"-"`
}

func (e *ServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s/%s] %s: %v", e.Kind, e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s/%s] %s", e.Kind, e.Code, e.Message)
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

// WithDetails attaches a structured detail and returns the receiver for
// chaining.
func (e *ServiceError) WithDetails(key string, value interface{}) *ServiceError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// IsRetryable reports whether the runtime considers this error's Kind safe to
// retry at all; the gateway client's forwarding retry loop stops on the
// first error for which this is false.
func (e *ServiceError) IsRetryable() bool {
	return e.Kind == KindTransient
}

func newErr(kind Kind, code ErrorCode, message string, httpStatus int) *ServiceError {
	return &ServiceError{Kind: kind, Code: code, Message: message, HTTPStatus: httpStatus}
}

func wrapErr(kind Kind, code ErrorCode, message string, httpStatus int, err error) *ServiceError {
	return &ServiceError{Kind: kind, Code: code, Message: message, HTTPStatus: httpStatus, Err: err}
}

// Transient errors — HTTP 503, safe for the caller to retry with backoff.

func DirectoryStale(grain string) *ServiceError {
	return newErr(KindTransient, ErrCodeDirectoryStale, "directory entry stale, retry routing", http.StatusServiceUnavailable).
		WithDetails("grain", grain)
}

func DependencyTimeout(operation string, err error) *ServiceError {
	return wrapErr(KindTransient, ErrCodeDependencyTimeout, "dependency call timed out", http.StatusServiceUnavailable, err).
		WithDetails("operation", operation)
}

func DependencyUnavailable(dependency string, err error) *ServiceError {
	return wrapErr(KindTransient, ErrCodeDependencyUnavail, "dependency unavailable", http.StatusServiceUnavailable, err).
		WithDetails("dependency", dependency)
}

func TransactionAborted(txnID string, reason string) *ServiceError {
	return newErr(KindTransient, ErrCodeTransactionAborted, "transaction aborted", http.StatusServiceUnavailable).
		WithDetails("transaction_id", txnID).
		WithDetails("reason", reason)
}

// Permanent application errors — HTTP 400/404/409, retrying unchanged fails
// the same way.

func InvalidInput(field, reason string) *ServiceError {
	return newErr(KindPermanentApplication, ErrCodeInvalidInput, "invalid input", http.StatusBadRequest).
		WithDetails("field", field).
		WithDetails("reason", reason)
}

func MissingParameter(param string) *ServiceError {
	return newErr(KindPermanentApplication, ErrCodeMissingParameter, "missing required parameter", http.StatusBadRequest).
		WithDetails("parameter", param)
}

func PreconditionFailed(message string) *ServiceError {
	return newErr(KindPermanentApplication, ErrCodePreconditionFail, message, http.StatusBadRequest)
}

func NotFound(resource, id string) *ServiceError {
	return newErr(KindPermanentApplication, ErrCodeNotFound, "resource not found", http.StatusNotFound).
		WithDetails("resource", resource).
		WithDetails("id", id)
}

func AlreadyExists(resource, id string) *ServiceError {
	return newErr(KindPermanentApplication, ErrCodeAlreadyExists, "resource already exists", http.StatusConflict).
		WithDetails("resource", resource).
		WithDetails("id", id)
}

func GrainBusy(grain string) *ServiceError {
	return newErr(KindPermanentApplication, ErrCodeGrainBusy, "grain rejected reentrant call", http.StatusConflict).
		WithDetails("grain", grain)
}

// Permanent system errors — HTTP 500, an invariant the runtime relies on was
// violated.

func VersionConflict(resource string, expected, actual int64) *ServiceError {
	return newErr(KindPermanentSystem, ErrCodeVersionConflict, "optimistic write lost the race", http.StatusInternalServerError).
		WithDetails("resource", resource).
		WithDetails("expected_version", expected).
		WithDetails("actual_version", actual)
}

func CorruptState(resource string, err error) *ServiceError {
	return wrapErr(KindPermanentSystem, ErrCodeCorruptState, "persisted state failed to decode", http.StatusInternalServerError, err).
		WithDetails("resource", resource)
}

func Internal(message string, err error) *ServiceError {
	return wrapErr(KindPermanentSystem, ErrCodeInternal, message, http.StatusInternalServerError, err)
}

func DatabaseError(operation string, err error) *ServiceError {
	return wrapErr(KindPermanentSystem, ErrCodeDatabaseError, "database operation failed", http.StatusInternalServerError, err).
		WithDetails("operation", operation)
}

// Rate limited — HTTP 429, carries the retry-after seconds and policy name
// per spec.md §4.7.

func RateLimitExceeded(policy string, retryAfterSeconds int64) *ServiceError {
	return newErr(KindRateLimited, ErrCodeRateLimitExceeded, "rate limit exceeded", http.StatusTooManyRequests).
		WithDetails("policy", policy).
		WithDetails("retry_after_seconds", retryAfterSeconds)
}

// Auth failures — HTTP 401/403.

func Unauthorized(message string) *ServiceError {
	return newErr(KindAuthFailure, ErrCodeUnauthorized, message, http.StatusUnauthorized)
}

func InvalidToken(err error) *ServiceError {
	return wrapErr(KindAuthFailure, ErrCodeInvalidToken, "invalid authentication token", http.StatusUnauthorized, err)
}

func TokenExpired() *ServiceError {
	return newErr(KindAuthFailure, ErrCodeTokenExpired, "authentication token has expired", http.StatusUnauthorized)
}

func SessionInvalid(ticketID string) *ServiceError {
	return newErr(KindAuthFailure, ErrCodeSessionInvalid, "session ticket invalid or expired", http.StatusUnauthorized).
		WithDetails("ticket_id", ticketID)
}

func Forbidden(message string) *ServiceError {
	return newErr(KindAuthFailure, ErrCodeForbidden, message, http.StatusForbidden)
}

// Helper functions

// IsServiceError reports whether err (or something it wraps) is a *ServiceError.
func IsServiceError(err error) bool {
	var serviceErr *ServiceError
	return errors.As(err, &serviceErr)
}

// GetServiceError extracts a *ServiceError from err's chain, or nil.
func GetServiceError(err error) *ServiceError {
	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		return serviceErr
	}
	return nil
}

// GetHTTPStatus returns the HTTP status the gateway should answer with for
// err, defaulting to 500 for anything that isn't a *ServiceError.
func GetHTTPStatus(err error) int {
	if serviceErr := GetServiceError(err); serviceErr != nil {
		return serviceErr.HTTPStatus
	}
	return http.StatusInternalServerError
}

// GetKind returns err's Kind, or KindPermanentSystem for anything that isn't
// a *ServiceError (an un-typed error is itself a sign something unexpected
// happened).
func GetKind(err error) Kind {
	if serviceErr := GetServiceError(err); serviceErr != nil {
		return serviceErr.Kind
	}
	return KindPermanentSystem
}
