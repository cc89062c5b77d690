package errors

// ErrorCode represents a machine-readable error identifier returned in the error envelope.
// Business verdicts (TOKEN_REUSED, LIMIT_EXCEEDED, ...) are not errors; they travel in the
// normal 200 response body.
type ErrorCode string

// Validation Errors (Request input validation)
const (
	ErrCodeInvalidJSON     ErrorCode = "invalid_json"
	ErrCodeMissingField    ErrorCode = "missing_field"
	ErrCodeInvalidField    ErrorCode = "invalid_field"
	ErrCodeInvalidAmount   ErrorCode = "invalid_amount"
	ErrCodeInvalidIdentity ErrorCode = "invalid_identity"
)

// Resource Errors
const (
	ErrCodeAccountNotFound ErrorCode = "account_not_found"
	ErrCodeUnauthorized    ErrorCode = "unauthorized"
)

// Throttling Errors
const (
	ErrCodeRateLimited ErrorCode = "rate_limit_exceeded"
)

// External Service Errors (payment authority as seen by its callers)
const (
	ErrCodeNetworkError       ErrorCode = "network_error"
	ErrCodeServiceUnavailable ErrorCode = "service_unavailable"
)

// Internal/System Errors
const (
	ErrCodeInternalError ErrorCode = "internal_error"
	ErrCodeConfigError   ErrorCode = "config_error"
)

// IsRetryable returns whether an error code represents a retryable error.
// Retryable errors are typically transient network/service issues, not validation failures.
func (e ErrorCode) IsRetryable() bool {
	switch e {
	case ErrCodeRateLimited,
		ErrCodeNetworkError,
		ErrCodeServiceUnavailable,
		ErrCodeInternalError:
		return true
	default:
		return false
	}
}

// HTTPStatus returns the appropriate HTTP status code for this error.
func (e ErrorCode) HTTPStatus() int {
	switch e {
	// 400 Bad Request - Client validation errors
	case ErrCodeInvalidJSON,
		ErrCodeMissingField,
		ErrCodeInvalidField,
		ErrCodeInvalidAmount,
		ErrCodeInvalidIdentity:
		return 400

	case ErrCodeUnauthorized:
		return 401

	case ErrCodeAccountNotFound:
		return 404

	case ErrCodeRateLimited:
		return 429

	// 502 Bad Gateway - Upstream errors
	case ErrCodeNetworkError:
		return 502

	case ErrCodeServiceUnavailable:
		return 503

	// 500 Internal Server Error - System/internal errors
	default:
		return 500
	}
}
