package domain

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestStatusForSentinels(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{ErrInboundAuth, http.StatusUnauthorized},
		{ErrConfig, http.StatusInternalServerError},
		{ErrNoAvailableKeys, http.StatusServiceUnavailable},
		{ErrRepositoryFailure, http.StatusInternalServerError},
		{ErrUpstreamFailure, http.StatusBadGateway},
		{errors.New("unmapped"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		if got := StatusFor(tt.err); got != tt.want {
			t.Errorf("StatusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestStatusForWrappedSentinel(t *testing.T) {
	wrapped := fmt.Errorf("listing keys: %w", ErrNoAvailableKeys)
	if got := StatusFor(wrapped); got != http.StatusServiceUnavailable {
		t.Fatalf("StatusFor(wrapped) = %d, want %d", got, http.StatusServiceUnavailable)
	}
}

func TestStatusForRateLimitError(t *testing.T) {
	err := &RateLimitError{Scope: ScopeCaller, RetryAfter: 30}
	if got := StatusFor(err); got != http.StatusTooManyRequests {
		t.Fatalf("StatusFor(RateLimitError) = %d, want %d", got, http.StatusTooManyRequests)
	}
	if got := ErrorTypeFor(err); got != "rate_limit" {
		t.Fatalf("ErrorTypeFor(caller rate limit) = %q, want rate_limit", got)
	}

	backend := &RateLimitError{Scope: ScopeBackend, RetryAfter: 5}
	if got := ErrorTypeFor(backend); got != "backend_rate_limit" {
		t.Fatalf("ErrorTypeFor(backend rate limit) = %q, want backend_rate_limit", got)
	}
}

func TestStatusForUpstreamHTTPError(t *testing.T) {
	err := &UpstreamHTTPError{StatusCode: http.StatusTeapot}
	if got := StatusFor(err); got != http.StatusTeapot {
		t.Fatalf("StatusFor(UpstreamHTTPError) = %d, want %d", got, http.StatusTeapot)
	}
	if got := ErrorTypeFor(err); got != "upstream_http_error" {
		t.Fatalf("ErrorTypeFor(UpstreamHTTPError) = %q, want upstream_http_error", got)
	}
}

func TestErrorTypeForCredentialRefresh(t *testing.T) {
	err := &CredentialRefreshError{Kind: RefreshInvalidGrant, Err: errors.New("dead token")}
	if got := ErrorTypeFor(err); got != "credential_refresh_failed:invalid_grant" {
		t.Fatalf("ErrorTypeFor(CredentialRefreshError) = %q", got)
	}
	if got := StatusFor(err); got != http.StatusBadGateway {
		t.Fatalf("StatusFor(CredentialRefreshError) = %d, want %d", got, http.StatusBadGateway)
	}

	if !errors.Is(err, err) {
		t.Fatal("expected errors.Is identity to hold")
	}
	if errors.Unwrap(err).Error() != "dead token" {
		t.Fatalf("Unwrap() = %v, want dead token", errors.Unwrap(err))
	}
}

func TestErrorTypeForUpstreamNetwork(t *testing.T) {
	err := &UpstreamNetworkError{Err: errors.New("connection refused")}
	if got := ErrorTypeFor(err); got != "upstream_network_error" {
		t.Fatalf("ErrorTypeFor(UpstreamNetworkError) = %q", got)
	}
	if got := StatusFor(err); got != http.StatusBadGateway {
		t.Fatalf("StatusFor(UpstreamNetworkError) = %d, want %d", got, http.StatusBadGateway)
	}
}

func TestIsOAuthLike(t *testing.T) {
	tests := []struct {
		authType string
		want     bool
	}{
		{AuthTypeAPIKey, false},
		{AuthTypeOAuth2, true},
		{AuthTypeGoogleOAuth, true},
		{AuthTypeServiceAccount, true},
		{AuthTypeADC, true},
		{"unknown", false},
	}

	for _, tt := range tests {
		if got := IsOAuthLike(tt.authType); got != tt.want {
			t.Errorf("IsOAuthLike(%q) = %v, want %v", tt.authType, got, tt.want)
		}
	}
}
