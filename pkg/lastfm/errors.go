package lastfm

import (
	"errors"
	"fmt"
	"time"
)

// Error represents a Last.fm API error.
//
// The Error type provides structured error information including
// the Last.fm error code and message. It implements error, and
// provides additional methods for retry logic.
type Error struct {
	Code       int           // Last.fm error code
	Message    string        // Error message from Last.fm
	StatusCode int           // HTTP status the error body arrived with
	RetryAfter time.Duration // Server hint from the Retry-After header, if any
}

// Error returns the error message.
func (e *Error) Error() string {
	return fmt.Sprintf("lastfm: error %d: %s", e.Code, e.Message)
}

// Is checks if the target error is a Last.fm error.
//
// This allows errors.Is() to work with *Error types.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// Temporary returns true if the error is temporary and the request
// should be retried.
//
// The following Last.fm error codes are considered temporary:
//   - 8: Operation failed - most likely the backend service failed
//   - 11: Service Offline - temporarily unavailable
//   - 16: Service Temporarily Unavailable
//
// Network errors and timeouts should also be considered temporary
// but are not represented by this type.
func (e *Error) Temporary() bool {
	switch e.Code {
	case ErrCodeOperationFailed, ErrCodeServiceOffline, ErrCodeTempUnavailable:
		return true
	default:
		return false
	}
}

// RateLimited reports whether Last.fm rejected the request for exceeding
// the account's request quota.
func (e *Error) RateLimited() bool {
	return e.Code == ErrCodeRateLimitExceeded
}

// Common Last.fm error codes.
const (
	ErrCodeInvalidService       = 2
	ErrCodeInvalidMethod        = 3
	ErrCodeAuthenticationFailed = 4
	ErrCodeInvalidFormat        = 5
	ErrCodeInvalidParameters    = 6
	ErrCodeInvalidResourceSpec  = 7
	ErrCodeOperationFailed      = 8
	ErrCodeInvalidSessionKey    = 9
	ErrCodeInvalidAPIKey        = 10
	ErrCodeServiceOffline       = 11
	ErrCodeSubscribersOnly      = 12
	ErrCodeInvalidSignature     = 13
	ErrCodeUnauthorizedToken    = 14
	ErrCodeExpiredToken         = 15
	ErrCodeTempUnavailable      = 16
	ErrCodeSuspendedAPIKey      = 26
	ErrCodeRateLimitExceeded    = 29
)

// HTTPError is returned for non-200 responses that carry no Last.fm
// error document.
type HTTPError struct {
	StatusCode int
	Status     string
	RetryAfter time.Duration
	Body       string
}

// Error returns the error message.
func (e *HTTPError) Error() string {
	return fmt.Sprintf("lastfm: unexpected status code: %d %s", e.StatusCode, e.Status)
}

// Predefined errors for common cases.
var (
	// ErrInvalidConfig is returned when client configuration is invalid.
	ErrInvalidConfig = errors.New("lastfm: invalid configuration")

	// ErrMissingUser is returned when a user method is called without a username.
	ErrMissingUser = errors.New("lastfm: user is required")
)

// AsError extracts a *Error from err's chain.
func AsError(err error) (*Error, bool) {
	var lfmErr *Error
	if errors.As(err, &lfmErr) {
		return lfmErr, true
	}
	return nil, false
}
