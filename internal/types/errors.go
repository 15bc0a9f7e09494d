package types

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorCode is a typed string for categorizing application errors.
// The prefix of each code selects its HTTP status (see HTTPStatus) and the
// code itself is what gets persisted as a run's error kind.
type ErrorCode string

const (
	// Validation (400)
	ErrCodeValidationMissingField    ErrorCode = "validation_missing_required_field"
	ErrCodeValidationUnknownCategory ErrorCode = "validation_unknown_api_category"
	ErrCodeValidationTokenShape      ErrorCode = "validation_token_shape"
	ErrCodeValidationBackfillDepth   ErrorCode = "validation_backfill_depth"
	ErrCodeValidationInvalidInput    ErrorCode = "validation_invalid_input"

	// Auth (401)
	ErrCodeAuthAdminKeyMissing ErrorCode = "auth_admin_key_missing"
	ErrCodeAuthAdminKeyInvalid ErrorCode = "auth_admin_key_invalid"

	// Not Found (404)
	ErrCodeNotFoundAccount    ErrorCode = "not_found_account"
	ErrCodeNotFoundCredential ErrorCode = "not_found_credential"
	ErrCodeNotFoundSyncState  ErrorCode = "not_found_sync_state"
	ErrCodeNotFoundRun        ErrorCode = "not_found_run"
	ErrCodeNotFoundLoop       ErrorCode = "not_found_loop"

	// Conflict (409)
	ErrCodeConflictAccountInactive ErrorCode = "conflict_account_inactive"
	ErrCodeConflictRunNotRunning   ErrorCode = "conflict_run_not_running"

	// Credential failures (409). These surface on the run ledger and on the
	// credential row; decrypt failures and revocations need a human reconnect.
	ErrCodeCredentialDecryptFailed   ErrorCode = "credential_decrypt_failed"
	ErrCodeCredentialRefreshRejected ErrorCode = "credential_refresh_rejected"
	ErrCodeCredentialRefreshRevoked  ErrorCode = "credential_refresh_revoked"
	ErrCodeCredentialNeedsReconnect  ErrorCode = "credential_needs_reconnect"

	// Sync lifecycle
	ErrCodeSyncCancelled ErrorCode = "sync_cancelled"
	ErrCodeSyncRunReaped ErrorCode = "sync_run_reaped"

	// Internal/Upstream (500/502)
	ErrCodeInternalDB          ErrorCode = "internal_database_error"
	ErrCodeInternalUnexpected  ErrorCode = "internal_unexpected_error"
	ErrCodeInternalSinkFailed  ErrorCode = "internal_sink_failed"
	ErrCodeInternalCrypto      ErrorCode = "internal_crypto_error"
	ErrCodeUpstreamFetchFailed ErrorCode = "upstream_fetch_failed"
	ErrCodeUpstreamPageLimit   ErrorCode = "upstream_page_limit_exceeded"
	ErrCodeUpstreamUnavailable ErrorCode = "upstream_unavailable"
	ErrCodeUpstreamRateLimited ErrorCode = "upstream_rate_limited"
)

// HTTPStatus maps an ErrorCode to its corresponding HTTP status code.
// Returns 500 for unrecognized error codes.
func (c ErrorCode) HTTPStatus() int {
	s := string(c)
	switch {
	case strings.HasPrefix(s, "validation_"):
		return http.StatusBadRequest
	case strings.HasPrefix(s, "auth_"):
		return http.StatusUnauthorized
	case strings.HasPrefix(s, "not_found_"):
		return http.StatusNotFound
	case strings.HasPrefix(s, "conflict_"), strings.HasPrefix(s, "credential_"):
		return http.StatusConflict
	case s == string(ErrCodeUpstreamRateLimited):
		return http.StatusTooManyRequests
	case strings.HasPrefix(s, "upstream_"):
		return http.StatusBadGateway
	case s == string(ErrCodeSyncCancelled):
		return 499
	default:
		return http.StatusInternalServerError
	}
}

// NeedsReconnect reports whether a failure with this code can only be
// cleared by a human re-authorizing the account.
func (c ErrorCode) NeedsReconnect() bool {
	switch c {
	case ErrCodeCredentialDecryptFailed, ErrCodeCredentialRefreshRevoked, ErrCodeCredentialNeedsReconnect:
		return true
	default:
		return false
	}
}

// AppError is the standard application error type used throughout the engine.
type AppError struct {
	Code    ErrorCode      `json:"code"`
	Message string         `json:"message"`
	Err     error          `json:"-"`
	Details map[string]any `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Is/errors.As support.
func (e *AppError) Unwrap() error {
	return e.Err
}

// HTTPStatus returns the HTTP status code corresponding to this error's code.
func (e *AppError) HTTPStatus() int {
	return e.Code.HTTPStatus()
}

// WithDetails returns a copy of the error with the provided details merged in.
func (e *AppError) WithDetails(details map[string]any) *AppError {
	merged := make(map[string]any, len(e.Details)+len(details))
	for k, v := range e.Details {
		merged[k] = v
	}
	for k, v := range details {
		merged[k] = v
	}
	return &AppError{
		Code:    e.Code,
		Message: e.Message,
		Err:     e.Err,
		Details: merged,
	}
}

// NewAppError creates a new AppError with the given code, message, and optional
// underlying error.
func NewAppError(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// NewAppErrorWithDetails creates a new AppError carrying structured details.
func NewAppErrorWithDetails(code ErrorCode, message string, err error, details map[string]any) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
		Details: details,
	}
}

// maxRejectedBody caps how much of a rejected refresh response is retained.
const maxRejectedBody = 512

// RefreshRejectedError is returned when the identity endpoint answers a
// refresh-token grant with a non-2xx status.
type RefreshRejectedError struct {
	Status  int
	Body    string
	Revoked bool
}

// NewRefreshRejectedError builds a RefreshRejectedError. The body is
// sanitized and truncated since it ends up in last_refresh_error.
func NewRefreshRejectedError(status int, body string, revoked bool) *RefreshRejectedError {
	return &RefreshRejectedError{Status: status, Body: SanitizeText(body, maxRejectedBody), Revoked: revoked}
}

func (e *RefreshRejectedError) Error() string {
	return fmt.Sprintf("refresh rejected with status %d: %s", e.Status, e.Body)
}

// CodeOf extracts the ErrorCode carried by err. Context cancellation maps to
// ErrCodeSyncCancelled; anything unrecognized is internal_unexpected_error.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	if errors.Is(err, context.Canceled) {
		return ErrCodeSyncCancelled
	}
	return ErrCodeInternalUnexpected
}
