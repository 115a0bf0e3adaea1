package domain

import "time"

// Auth status constants for ProviderKey.AuthStatus — the persistent
// lifecycle property ("did the user complete authorization?"), distinct
// from the runtime HealthStatus.
const (
	AuthStatusPending    = "pending"
	AuthStatusAuthorized = "authorized"
	AuthStatusExpired    = "expired"
	AuthStatusError      = "error"
)

// Health status constants for ProviderKey.HealthStatus — the runtime
// property tracked by the HealthMap ("is the key currently usable?").
const (
	HealthHealthy     = "healthy"
	HealthUnhealthy   = "unhealthy"
	HealthRateLimited = "rate_limited"
)

// OAuthConfig is the shape of ProviderKey.AuthConfigJSON for OAuth-like
// auth types: the refresh token and enough metadata to rebuild a refresh
// request without consulting the ProviderType row again.
type OAuthConfig struct {
	RefreshToken string   `json:"refresh_token"`
	TokenURL     string   `json:"token_url,omitempty"`
	Scopes       []string `json:"scopes,omitempty"`

	// CodeVerifier is persisted only for provider types whose AuthConfig
	// sets ClientSecretIsCodeVerifier (Anthropic's console OAuth app has no
	// client_secret at all; it substitutes the original PKCE code_verifier
	// in that field on both the code exchange and every later refresh).
	CodeVerifier string `json:"code_verifier,omitempty"`

	Extra map[string]string `json:"extra,omitempty"`
}

// ProviderKey is a backend credential held in a ServiceApi's pool. For
// auth_type=api_key it is a long-lived static secret; for the OAuth-like
// auth types it is the current access token, refreshed in place.
type ProviderKey struct {
	ID             string `json:"id"`
	UserID         string `json:"user_id"`
	ProviderTypeID string `json:"provider_type_id"`
	AuthType       string `json:"auth_type"`
	Name           string `json:"name"`
	Weight         int    `json:"weight"`

	// APIKey is the secret currently used for outbound calls. For OAuth
	// types this is the current access token and is rewritten on refresh.
	APIKey string `json:"api_key"`

	// AuthConfigJSON holds auth-type-specific metadata: for OAuth, the
	// refresh token and token endpoint; for service accounts, key material.
	AuthConfigJSON string `json:"auth_config_json,omitempty"`

	AuthStatus string     `json:"auth_status"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`

	HealthStatus       string     `json:"health_status"`
	HealthStatusDetail string     `json:"health_status_detail,omitempty"`
	RateLimitResetsAt  *time.Time `json:"rate_limit_resets_at,omitempty"`
	LastErrorTime      *time.Time `json:"last_error_time,omitempty"`

	IsActive bool `json:"is_active"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// EffectiveWeight returns the key's scheduling weight, treating 0 as 1 per
// the weight invariant.
func (k *ProviderKey) EffectiveWeight() int {
	if k.Weight <= 0 {
		return 1
	}
	return k.Weight
}

// Redact returns a copy of k with secret fields replaced by a sentinel, for
// use in management API responses.
func (k ProviderKey) Redact() ProviderKey {
	if k.APIKey != "" {
		k.APIKey = "***"
	}
	if k.AuthConfigJSON != "" {
		k.AuthConfigJSON = "***"
	}
	return k
}
