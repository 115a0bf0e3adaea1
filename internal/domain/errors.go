package domain

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors forming the taxonomy of §7: each maps to exactly one HTTP
// status code and one trace error_type, via StatusFor/ErrorTypeFor.
var (
	ErrInboundAuth       = errors.New("invalid or missing inbound api key")
	ErrConfig            = errors.New("provider type missing or malformed")
	ErrNoAvailableKeys   = errors.New("no available keys")
	ErrRepositoryFailure = errors.New("repository failure")
	ErrUpstreamFailure   = errors.New("upstream failure")
)

// RateLimitScope distinguishes a caller-scoped rate limit hit (client sees
// 429 directly) from a backend-scoped one (the responsible key is marked
// rate_limited and the scheduler retries another key).
type RateLimitScope string

const (
	ScopeCaller  RateLimitScope = "caller"
	ScopeBackend RateLimitScope = "backend"
)

// RateLimitError is built by the pipeline when ratelimit.Limiter.Allow
// denies a caller (caller scope) or for an upstream 429 (backend scope).
type RateLimitError struct {
	Scope      RateLimitScope
	RetryAfter int // seconds
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded (scope=%s, retry_after=%ds)", e.Scope, e.RetryAfter)
}

// CredentialRefreshKind distinguishes a transient refresh failure (retry
// makes sense) from an invalid_grant failure (the key is dead until
// re-authorized).
type CredentialRefreshKind string

const (
	RefreshTransient    CredentialRefreshKind = "transient"
	RefreshInvalidGrant CredentialRefreshKind = "invalid_grant"
)

// CredentialRefreshError is returned when CredentialProvider.Resolve fails
// to obtain a fresh access token.
type CredentialRefreshError struct {
	Kind CredentialRefreshKind
	Err  error
}

func (e *CredentialRefreshError) Error() string {
	return fmt.Sprintf("credential refresh failed (%s): %v", e.Kind, e.Err)
}

func (e *CredentialRefreshError) Unwrap() error { return e.Err }

// UpstreamNetworkError wraps a connect/read failure talking to the
// provider, distinct from an HTTP-level error response.
type UpstreamNetworkError struct {
	Err error
}

func (e *UpstreamNetworkError) Error() string { return fmt.Sprintf("upstream network error: %v", e.Err) }
func (e *UpstreamNetworkError) Unwrap() error  { return e.Err }

// UpstreamHTTPError wraps a non-2xx response from the provider.
type UpstreamHTTPError struct {
	StatusCode int
	RetryAfter int // seconds, parsed from Retry-After if present
}

func (e *UpstreamHTTPError) Error() string {
	return fmt.Sprintf("upstream http error: status %d", e.StatusCode)
}

// StatusFor maps a taxonomy error to the HTTP status code the client
// should see, per §7.
func StatusFor(err error) int {
	var rle *RateLimitError
	var cre *CredentialRefreshError
	var une *UpstreamNetworkError
	var uhe *UpstreamHTTPError

	switch {
	case errors.Is(err, ErrInboundAuth):
		return http.StatusUnauthorized
	case errors.As(err, &rle):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrConfig):
		return http.StatusInternalServerError
	case errors.Is(err, ErrNoAvailableKeys):
		return http.StatusServiceUnavailable
	case errors.As(err, &cre):
		if cre.Kind == RefreshInvalidGrant {
			return http.StatusBadGateway
		}
		return http.StatusBadGateway
	case errors.As(err, &une):
		return http.StatusBadGateway
	case errors.As(err, &uhe):
		return uhe.StatusCode
	case errors.Is(err, ErrRepositoryFailure):
		return http.StatusInternalServerError
	case errors.Is(err, ErrUpstreamFailure):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// ErrorTypeFor returns the short machine-readable error_type stored on the
// trace row for a given taxonomy error.
func ErrorTypeFor(err error) string {
	var rle *RateLimitError
	var cre *CredentialRefreshError
	var une *UpstreamNetworkError
	var uhe *UpstreamHTTPError

	switch {
	case errors.Is(err, ErrInboundAuth):
		return "inbound_auth"
	case errors.As(err, &rle):
		if rle.Scope == ScopeCaller {
			return "rate_limit"
		}
		return "backend_rate_limit"
	case errors.Is(err, ErrConfig):
		return "config"
	case errors.Is(err, ErrNoAvailableKeys):
		return "no_available_keys"
	case errors.As(err, &cre):
		return "credential_refresh_failed:" + string(cre.Kind)
	case errors.As(err, &une):
		return "upstream_network_error"
	case errors.As(err, &uhe):
		return "upstream_http_error"
	case errors.Is(err, ErrRepositoryFailure):
		return "repository_failure"
	case errors.Is(err, ErrUpstreamFailure):
		return "upstream_failure"
	default:
		return "internal"
	}
}
