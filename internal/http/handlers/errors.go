package handlers

// Error codes carried in ErrorResponse.Code. Lowercase snake_case; clients
// branch on these, not on messages.
const (
	ErrCodeBadRequest       = "bad_request"
	ErrCodeUnauthorized     = "unauthorized"
	ErrCodeNotFound         = "not_found"
	ErrCodeRateLimited      = "too_many_requests"
	ErrCodeInternal         = "internal_error"
	ErrCodeMethodNotAllowed = "method_not_allowed"

	// Webhook:
	ErrCodeInvalidSignature = "invalid_signature"

	// Admin API:
	ErrCodeListFailed   = "list_failed"
	ErrCodeCancelFailed = "cancel_failed"
)
