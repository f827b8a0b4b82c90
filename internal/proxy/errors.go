package proxy

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
)

// RequestError is the user-safe outcome of a failed request. Provider and
// store errors are logged with full detail; only Message reaches the caller.
type RequestError struct {
	StatusCode int
	Code       string
	Message    string
	RetryAfter int // seconds, 0 for none
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("status %d: %s: %s", e.StatusCode, e.Code, e.Message)
}

var (
	ErrInvalidBody  = &RequestError{StatusCode: http.StatusBadRequest, Code: "invalid_request", Message: "invalid request body"}
	ErrNoPrompt     = &RequestError{StatusCode: http.StatusBadRequest, Code: "invalid_request", Message: "messages must end with a non-empty prompt"}
	ErrBodyTooLarge = &RequestError{StatusCode: http.StatusRequestEntityTooLarge, Code: "invalid_request", Message: "request body too large"}

	ErrRateLimited   = &RequestError{StatusCode: http.StatusTooManyRequests, Code: "rate_limited", Message: "rate limit exceeded", RetryAfter: 60}
	ErrQuotaExceeded = &RequestError{StatusCode: http.StatusTooManyRequests, Code: "quota_exceeded", Message: "Free trial has expired. Please upgrade to pro."}

	ErrAdmission        = &RequestError{StatusCode: http.StatusInternalServerError, Code: "internal_error", Message: "failed to check usage"}
	ErrRateLimiterDown  = &RequestError{StatusCode: http.StatusServiceUnavailable, Code: "rate_limiter_unavailable", Message: "service temporarily unavailable, retry shortly", RetryAfter: 5}
	ErrUsageUnavailable = &RequestError{StatusCode: http.StatusInternalServerError, Code: "internal_error", Message: "Failed to fetch API usage."}

	ErrNotImplemented = &RequestError{StatusCode: http.StatusNotImplemented, Code: "unsupported_capability", Message: "capability not configured"}
	ErrProviderFailed = &RequestError{StatusCode: http.StatusBadGateway, Code: "provider_error", Message: "Something went wrong."}
	ErrProviderDown   = &RequestError{StatusCode: http.StatusServiceUnavailable, Code: "provider_unavailable", Message: "generation temporarily unavailable, retry shortly", RetryAfter: 30}
)

func writeError(w http.ResponseWriter, e *RequestError) {
	w.Header().Set("Content-Type", "application/json")
	if e.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(e.RetryAfter))
	}
	w.WriteHeader(e.StatusCode)
	json.NewEncoder(w).Encode(map[string]string{
		"error": e.Message,
		"code":  e.Code,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
