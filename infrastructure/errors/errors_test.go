package errors

import (
	"errors"
	"net/http"
	"testing"
)

func TestServiceError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *ServiceError
		want string
	}{
		{
			name: "error without underlying error",
			err:  newErr(KindAuthFailure, ErrCodeUnauthorized, "test message", http.StatusUnauthorized),
			want: "[auth_failure/AUTH_4011] test message",
		},
		{
			name: "error with underlying error",
			err:  wrapErr(KindPermanentSystem, ErrCodeInternal, "test message", http.StatusInternalServerError, errors.New("underlying")),
			want: "[permanent_system/SYS_5103] test message: underlying",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestServiceError_Unwrap(t *testing.T) {
	underlying := errors.New("underlying error")
	err := wrapErr(KindPermanentSystem, ErrCodeInternal, "test", http.StatusInternalServerError, underlying)

	if got := err.Unwrap(); got != underlying {
		t.Errorf("Unwrap() = %v, want %v", got, underlying)
	}
}

func TestServiceError_WithDetails(t *testing.T) {
	err := newErr(KindPermanentApplication, ErrCodeInvalidInput, "test", http.StatusBadRequest)
	err.WithDetails("field", "username").WithDetails("reason", "too short")

	if len(err.Details) != 2 {
		t.Errorf("Details length = %d, want 2", len(err.Details))
	}
	if err.Details["field"] != "username" {
		t.Errorf("Details[field] = %v, want username", err.Details["field"])
	}
	if err.Details["reason"] != "too short" {
		t.Errorf("Details[reason] = %v, want too short", err.Details["reason"])
	}
}

func TestServiceError_IsRetryable(t *testing.T) {
	if !DependencyTimeout("directory.Lookup", errors.New("timeout")).IsRetryable() {
		t.Error("transient error should be retryable")
	}
	if VersionConflict("character/1", 3, 4).IsRetryable() {
		t.Error("permanent system error should not be retryable")
	}
}

func TestDirectoryStale(t *testing.T) {
	err := DirectoryStale("character/42")

	if err.Kind != KindTransient {
		t.Errorf("Kind = %v, want %v", err.Kind, KindTransient)
	}
	if err.HTTPStatus != http.StatusServiceUnavailable {
		t.Errorf("HTTPStatus = %d, want %d", err.HTTPStatus, http.StatusServiceUnavailable)
	}
	if err.Details["grain"] != "character/42" {
		t.Errorf("Details[grain] = %v, want character/42", err.Details["grain"])
	}
}

func TestTransactionAborted(t *testing.T) {
	err := TransactionAborted("txn-1", "participant declined")

	if err.Code != ErrCodeTransactionAborted {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodeTransactionAborted)
	}
	if err.Kind != KindTransient {
		t.Errorf("Kind = %v, want %v", err.Kind, KindTransient)
	}
	if err.Details["transaction_id"] != "txn-1" {
		t.Errorf("Details[transaction_id] = %v, want txn-1", err.Details["transaction_id"])
	}
}

func TestUnauthorized(t *testing.T) {
	err := Unauthorized("test message")

	if err.Code != ErrCodeUnauthorized {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodeUnauthorized)
	}
	if err.HTTPStatus != http.StatusUnauthorized {
		t.Errorf("HTTPStatus = %d, want %d", err.HTTPStatus, http.StatusUnauthorized)
	}
	if err.Message != "test message" {
		t.Errorf("Message = %v, want test message", err.Message)
	}
}

func TestInvalidToken(t *testing.T) {
	underlying := errors.New("token parse error")
	err := InvalidToken(underlying)

	if err.Code != ErrCodeInvalidToken {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodeInvalidToken)
	}
	if err.HTTPStatus != http.StatusUnauthorized {
		t.Errorf("HTTPStatus = %d, want %d", err.HTTPStatus, http.StatusUnauthorized)
	}
	if err.Err != underlying {
		t.Errorf("Err = %v, want %v", err.Err, underlying)
	}
}

func TestTokenExpired(t *testing.T) {
	err := TokenExpired()

	if err.Code != ErrCodeTokenExpired {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodeTokenExpired)
	}
	if err.HTTPStatus != http.StatusUnauthorized {
		t.Errorf("HTTPStatus = %d, want %d", err.HTTPStatus, http.StatusUnauthorized)
	}
}

func TestSessionInvalid(t *testing.T) {
	err := SessionInvalid("ticket-1")

	if err.Code != ErrCodeSessionInvalid {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodeSessionInvalid)
	}
	if err.Kind != KindAuthFailure {
		t.Errorf("Kind = %v, want %v", err.Kind, KindAuthFailure)
	}
	if err.Details["ticket_id"] != "ticket-1" {
		t.Errorf("Details[ticket_id] = %v, want ticket-1", err.Details["ticket_id"])
	}
}

func TestForbidden(t *testing.T) {
	err := Forbidden("access denied")

	if err.Code != ErrCodeForbidden {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodeForbidden)
	}
	if err.HTTPStatus != http.StatusForbidden {
		t.Errorf("HTTPStatus = %d, want %d", err.HTTPStatus, http.StatusForbidden)
	}
}

func TestInvalidInput(t *testing.T) {
	err := InvalidInput("email", "invalid format")

	if err.Code != ErrCodeInvalidInput {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodeInvalidInput)
	}
	if err.HTTPStatus != http.StatusBadRequest {
		t.Errorf("HTTPStatus = %d, want %d", err.HTTPStatus, http.StatusBadRequest)
	}
	if err.Details["field"] != "email" {
		t.Errorf("Details[field] = %v, want email", err.Details["field"])
	}
}

func TestMissingParameter(t *testing.T) {
	err := MissingParameter("user_id")

	if err.Code != ErrCodeMissingParameter {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodeMissingParameter)
	}
	if err.Details["parameter"] != "user_id" {
		t.Errorf("Details[parameter] = %v, want user_id", err.Details["parameter"])
	}
}

func TestPreconditionFailed(t *testing.T) {
	err := PreconditionFailed("trade already accepted")

	if err.Code != ErrCodePreconditionFail {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodePreconditionFail)
	}
	if err.HTTPStatus != http.StatusBadRequest {
		t.Errorf("HTTPStatus = %d, want %d", err.HTTPStatus, http.StatusBadRequest)
	}
}

func TestNotFound(t *testing.T) {
	err := NotFound("user", "123")

	if err.Code != ErrCodeNotFound {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodeNotFound)
	}
	if err.HTTPStatus != http.StatusNotFound {
		t.Errorf("HTTPStatus = %d, want %d", err.HTTPStatus, http.StatusNotFound)
	}
	if err.Details["resource"] != "user" {
		t.Errorf("Details[resource] = %v, want user", err.Details["resource"])
	}
	if err.Details["id"] != "123" {
		t.Errorf("Details[id] = %v, want 123", err.Details["id"])
	}
}

func TestAlreadyExists(t *testing.T) {
	err := AlreadyExists("user", "test@example.com")

	if err.Code != ErrCodeAlreadyExists {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodeAlreadyExists)
	}
	if err.HTTPStatus != http.StatusConflict {
		t.Errorf("HTTPStatus = %d, want %d", err.HTTPStatus, http.StatusConflict)
	}
}

func TestGrainBusy(t *testing.T) {
	err := GrainBusy("character/9")

	if err.Code != ErrCodeGrainBusy {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodeGrainBusy)
	}
	if err.HTTPStatus != http.StatusConflict {
		t.Errorf("HTTPStatus = %d, want %d", err.HTTPStatus, http.StatusConflict)
	}
}

func TestVersionConflict(t *testing.T) {
	err := VersionConflict("character/1", 3, 4)

	if err.Code != ErrCodeVersionConflict {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodeVersionConflict)
	}
	if err.Kind != KindPermanentSystem {
		t.Errorf("Kind = %v, want %v", err.Kind, KindPermanentSystem)
	}
	if err.Details["expected_version"] != int64(3) {
		t.Errorf("Details[expected_version] = %v, want 3", err.Details["expected_version"])
	}
	if err.Details["actual_version"] != int64(4) {
		t.Errorf("Details[actual_version] = %v, want 4", err.Details["actual_version"])
	}
}

func TestCorruptState(t *testing.T) {
	underlying := errors.New("json: unexpected end of input")
	err := CorruptState("character/1", underlying)

	if err.Code != ErrCodeCorruptState {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodeCorruptState)
	}
	if err.Err != underlying {
		t.Errorf("Err = %v, want %v", err.Err, underlying)
	}
}

func TestInternal(t *testing.T) {
	underlying := errors.New("database connection failed")
	err := Internal("internal error", underlying)

	if err.Code != ErrCodeInternal {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodeInternal)
	}
	if err.HTTPStatus != http.StatusInternalServerError {
		t.Errorf("HTTPStatus = %d, want %d", err.HTTPStatus, http.StatusInternalServerError)
	}
	if err.Err != underlying {
		t.Errorf("Err = %v, want %v", err.Err, underlying)
	}
}

func TestDatabaseError(t *testing.T) {
	underlying := errors.New("connection timeout")
	err := DatabaseError("insert", underlying)

	if err.Code != ErrCodeDatabaseError {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodeDatabaseError)
	}
	if err.Details["operation"] != "insert" {
		t.Errorf("Details[operation] = %v, want insert", err.Details["operation"])
	}
}

func TestRateLimitExceeded(t *testing.T) {
	err := RateLimitExceeded("action:per-minute", 42)

	if err.Code != ErrCodeRateLimitExceeded {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodeRateLimitExceeded)
	}
	if err.Kind != KindRateLimited {
		t.Errorf("Kind = %v, want %v", err.Kind, KindRateLimited)
	}
	if err.HTTPStatus != http.StatusTooManyRequests {
		t.Errorf("HTTPStatus = %d, want %d", err.HTTPStatus, http.StatusTooManyRequests)
	}
	if err.Details["policy"] != "action:per-minute" {
		t.Errorf("Details[policy] = %v, want action:per-minute", err.Details["policy"])
	}
	if err.Details["retry_after_seconds"] != int64(42) {
		t.Errorf("Details[retry_after_seconds] = %v, want 42", err.Details["retry_after_seconds"])
	}
}

func TestDependencyUnavailable(t *testing.T) {
	underlying := errors.New("dial tcp: connection refused")
	err := DependencyUnavailable("redis", underlying)

	if err.Code != ErrCodeDependencyUnavail {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodeDependencyUnavail)
	}
	if err.HTTPStatus != http.StatusServiceUnavailable {
		t.Errorf("HTTPStatus = %d, want %d", err.HTTPStatus, http.StatusServiceUnavailable)
	}
}

func TestIsServiceError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "service error", err: Internal("test", nil), want: true},
		{name: "standard error", err: errors.New("standard error"), want: false},
		{name: "nil error", err: nil, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsServiceError(tt.err); got != tt.want {
				t.Errorf("IsServiceError() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGetServiceError(t *testing.T) {
	serviceErr := Internal("test", nil)
	standardErr := errors.New("standard error")

	tests := []struct {
		name string
		err  error
		want *ServiceError
	}{
		{name: "service error", err: serviceErr, want: serviceErr},
		{name: "standard error", err: standardErr, want: nil},
		{name: "nil error", err: nil, want: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := GetServiceError(tt.err)
			if got != tt.want {
				t.Errorf("GetServiceError() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGetHTTPStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "service error", err: Unauthorized("test"), want: http.StatusUnauthorized},
		{name: "standard error", err: errors.New("standard error"), want: http.StatusInternalServerError},
		{name: "nil error", err: nil, want: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := GetHTTPStatus(tt.err); got != tt.want {
				t.Errorf("GetHTTPStatus() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGetKind(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{name: "transient", err: DirectoryStale("x"), want: KindTransient},
		{name: "rate limited", err: RateLimitExceeded("p", 1), want: KindRateLimited},
		{name: "standard error defaults to permanent system", err: errors.New("boom"), want: KindPermanentSystem},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := GetKind(tt.err); got != tt.want {
				t.Errorf("GetKind() = %v, want %v", got, tt.want)
			}
		})
	}
}
