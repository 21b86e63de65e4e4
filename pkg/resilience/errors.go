package resilience

import "errors"

// RateLimitError represents a provider rate limit response.
type RateLimitError struct {
	Provider string
	Message  string
}

func (e RateLimitError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return "rate limit"
}

// IsRateLimit returns true when the error is a RateLimitError.
func IsRateLimit(err error) bool {
	var rl RateLimitError
	return errors.As(err, &rl)
}

// AuthError represents a rejected credential (HTTP 401/403).
type AuthError struct {
	Provider string
	Status   int
	Message  string
}

func (e AuthError) Error() string {
	if e.Message != "" {
		return e.Provider + ": " + e.Message
	}
	return e.Provider + ": unauthorized"
}

// IsAuth returns true when the error is an AuthError.
func IsAuth(err error) bool {
	var ae AuthError
	return errors.As(err, &ae)
}
