package fetcher

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Nebiros96/ScrobblingAnalysis/pkg/lastfm"
)

// Retry defaults
const (
	DefaultMaxAttempts       = 5
	DefaultBackoffBase       = 2 * time.Second
	DefaultRateLimitFallback = 30 * time.Second
	DefaultRateLimitMargin   = 1 * time.Second
	DefaultMaxRateLimitWaits = 5
)

// Policy decides how a failed page request is retried
type Policy struct {
	// MaxAttempts bounds ordinary attempts per page (transient failures).
	MaxAttempts int

	// BackoffBase is multiplied by the attempt number between transient
	// failures: base*1, base*2, ...
	BackoffBase time.Duration

	// RateLimitFallback is waited when the server signals a rate limit
	// without a Retry-After hint.
	RateLimitFallback time.Duration

	// RateLimitMargin is added to every rate-limit wait.
	RateLimitMargin time.Duration

	// MaxRateLimitWaits bounds rate-limit waits per page. They do not
	// count against MaxAttempts.
	MaxRateLimitWaits int
}

// DefaultPolicy returns the standard retry policy
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:       DefaultMaxAttempts,
		BackoffBase:       DefaultBackoffBase,
		RateLimitFallback: DefaultRateLimitFallback,
		RateLimitMargin:   DefaultRateLimitMargin,
		MaxRateLimitWaits: DefaultMaxRateLimitWaits,
	}
}

// withDefaults fills zero fields from DefaultPolicy
func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.BackoffBase <= 0 {
		p.BackoffBase = d.BackoffBase
	}
	if p.RateLimitFallback <= 0 {
		p.RateLimitFallback = d.RateLimitFallback
	}
	if p.RateLimitMargin < 0 {
		p.RateLimitMargin = 0
	}
	if p.MaxRateLimitWaits <= 0 {
		p.MaxRateLimitWaits = d.MaxRateLimitWaits
	}
	return p
}

// Backoff returns the delay after the given failed attempt (1-based)
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return p.BackoffBase * time.Duration(attempt)
}

// RateLimitWait returns how long to wait after a rate-limit response
// carrying the given Retry-After hint.
func (p Policy) RateLimitWait(hint time.Duration) time.Duration {
	if hint <= 0 {
		hint = p.RateLimitFallback
	}
	return hint + p.RateLimitMargin
}

// Timeout returns the per-attempt timeout for a page. Deep pages are slower
// to serve.
func Timeout(page int) time.Duration {
	switch {
	case page <= 100:
		return 15 * time.Second
	case page <= 1000:
		return 20 * time.Second
	default:
		return 30 * time.Second
	}
}

// Class is the retry classification of a failure
type Class int

const (
	ClassRetryable Class = iota
	ClassRateLimited
	ClassFatal
)

// String returns the class name
func (c Class) String() string {
	switch c {
	case ClassRetryable:
		return "retryable"
	case ClassRateLimited:
		return "rate_limited"
	case ClassFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// FatalKind distinguishes failures a retry can never fix
type FatalKind int

const (
	FatalUnknown FatalKind = iota
	FatalUserNotFound
	FatalInvalidCredentials
)

// String returns the kind name
func (k FatalKind) String() string {
	switch k {
	case FatalUserNotFound:
		return "user_not_found"
	case FatalInvalidCredentials:
		return "invalid_credentials"
	default:
		return "unknown"
	}
}

// Sentinels matched by FatalError.Is
var (
	ErrUserNotFound       = errors.New("user not found")
	ErrInvalidCredentials = errors.New("invalid API credentials")
)

// FatalError is a failure that will not go away by retrying
type FatalError struct {
	Kind FatalKind
	Err  error
}

// Error returns the error message
func (e *FatalError) Error() string {
	switch e.Kind {
	case FatalUserNotFound:
		return fmt.Sprintf("%v: %v", ErrUserNotFound, e.Err)
	case FatalInvalidCredentials:
		return fmt.Sprintf("%v: %v", ErrInvalidCredentials, e.Err)
	default:
		return fmt.Sprintf("fatal error: %v", e.Err)
	}
}

// Unwrap returns the underlying error
func (e *FatalError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is match ErrUserNotFound and ErrInvalidCredentials
func (e *FatalError) Is(target error) bool {
	switch target {
	case ErrUserNotFound:
		return e.Kind == FatalUserNotFound
	case ErrInvalidCredentials:
		return e.Kind == FatalInvalidCredentials
	}
	return false
}

// Classification is the outcome of Classify
type Classification struct {
	Class      Class
	Kind       FatalKind     // set when Class is ClassFatal
	RetryAfter time.Duration // server hint, set when Class is ClassRateLimited
}

// Classify maps an error returned by the Last.fm client to a retry class.
// Anything that is not recognized as a service verdict (network errors,
// per-attempt timeouts, truncated or malformed bodies) is retryable.
func Classify(err error) Classification {
	if lfmErr, ok := lastfm.AsError(err); ok {
		switch lfmErr.Code {
		case lastfm.ErrCodeRateLimitExceeded:
			return Classification{Class: ClassRateLimited, RetryAfter: lfmErr.RetryAfter}
		case lastfm.ErrCodeInvalidParameters:
			return Classification{Class: ClassFatal, Kind: FatalUserNotFound}
		case lastfm.ErrCodeAuthenticationFailed,
			lastfm.ErrCodeInvalidSessionKey,
			lastfm.ErrCodeInvalidAPIKey,
			lastfm.ErrCodeSuspendedAPIKey:
			return Classification{Class: ClassFatal, Kind: FatalInvalidCredentials}
		}
		if lfmErr.Temporary() {
			return Classification{Class: ClassRetryable}
		}
		return Classification{Class: ClassFatal, Kind: FatalUnknown}
	}

	var httpErr *lastfm.HTTPError
	if errors.As(err, &httpErr) {
		switch code := httpErr.StatusCode; {
		case code == http.StatusTooManyRequests:
			return Classification{Class: ClassRateLimited, RetryAfter: httpErr.RetryAfter}
		case code == http.StatusUnauthorized || code == http.StatusForbidden:
			return Classification{Class: ClassFatal, Kind: FatalInvalidCredentials}
		case code == http.StatusNotFound:
			return Classification{Class: ClassFatal, Kind: FatalUserNotFound}
		case code >= 500:
			return Classification{Class: ClassRetryable}
		case code >= 400:
			return Classification{Class: ClassFatal, Kind: FatalUnknown}
		}
		return Classification{Class: ClassRetryable}
	}

	if errors.Is(err, lastfm.ErrMissingUser) || errors.Is(err, lastfm.ErrInvalidConfig) {
		return Classification{Class: ClassFatal, Kind: FatalUnknown}
	}

	return Classification{Class: ClassRetryable}
}
