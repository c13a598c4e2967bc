// Package handlers defines HTTP-layer error codes used across all API
// endpoints. Codes are lowercase snake_case and stable: clients branch on
// them programmatically, the message field is for humans.
package handlers

const (
	ErrCodeBadRequest       = "bad_request"
	ErrCodeNotFound         = "not_found"
	ErrCodeConflict         = "conflict"
	ErrCodeRateLimited      = "too_many_requests"
	ErrCodeInternal         = "internal_error"
	ErrCodeMethodNotAllowed = "method_not_allowed"

	// Domain-specific:
	ErrCodeAccountOffline = "account_offline"
	ErrCodeNoCookies      = "no_cookies"
	ErrCodeStartFailed    = "start_failed"
	ErrCodeStopFailed     = "stop_failed"
	ErrCodeSendFailed     = "send_failed"
	ErrCodeShipFailed     = "ship_failed"
	ErrCodeInvalidGraph   = "invalid_workflow"
)
