// Package domain holds the entities shared by the scheduler, credential,
// health, and pipeline packages: ProviderType, ServiceApi, ProviderKey,
// OAuthSession, and Trace.
package domain

// Auth type constants. A ProviderKey's AuthType must be one of these.
const (
	AuthTypeAPIKey         = "api_key"
	AuthTypeOAuth2         = "oauth2"
	AuthTypeGoogleOAuth    = "google_oauth"
	AuthTypeServiceAccount = "service_account"
	AuthTypeADC            = "adc"
)

// IsOAuthLike reports whether authType is one of the OAuth-family auth
// types, i.e. ones that carry a refresh token and an expiring access token
// rather than a static secret.
func IsOAuthLike(authType string) bool {
	switch authType {
	case AuthTypeOAuth2, AuthTypeGoogleOAuth, AuthTypeServiceAccount, AuthTypeADC:
		return true
	default:
		return false
	}
}

// AuthConfig describes how to authorize and refresh one auth type against
// one provider: where to send the user, where to exchange codes/refresh
// tokens, and any extra parameters the provider requires on top of the
// standard OAuth2 fields.
type AuthConfig struct {
	AuthorizeURL  string            `json:"authorize_url"`
	TokenURL      string            `json:"token_url"`
	ClientID      string            `json:"client_id"`
	ClientSecret  string            `json:"client_secret,omitempty"`
	RedirectURI   string            `json:"redirect_uri"`
	Scopes        []string          `json:"scopes"`
	PKCERequired  bool              `json:"pkce_required"`
	ExtraParams   map[string]string `json:"extra_params,omitempty"`
	RefreshIsJSON bool              `json:"refresh_is_json"` // not read: token refresh always sends a form-encoded body

	// ClientSecretIsCodeVerifier is Anthropic's console OAuth app
	// convention: it has no registered client_secret, so both the code
	// exchange and every token refresh send the PKCE code_verifier in the
	// client_secret field instead.
	ClientSecretIsCodeVerifier bool `json:"client_secret_is_code_verifier,omitempty"`
}

// TokenFieldMap lists the JSON paths (dotted, e.g. "usage.prompt_tokens")
// used by the UsageExtractor to pull usage fields out of a JSON response
// body, or out of each SSE data event, for this provider.
type TokenFieldMap struct {
	PromptTokens     string `json:"prompt_tokens"`
	CompletionTokens string `json:"completion_tokens"`
	TotalTokens      string `json:"total_tokens"`
	CachedTokens     string `json:"cached_tokens,omitempty"`
	Model            string `json:"model"`
}

// ProviderType is a configuration entity, mostly read-only at runtime: one
// row per backend AI provider family (OpenAI, Anthropic, Gemini, ...).
type ProviderType struct {
	ID                 string   `json:"id"`
	Name               string   `json:"name"`
	DisplayName        string   `json:"display_name"`
	BaseURL            string   `json:"base_url"`
	SupportedAuthTypes []string `json:"supported_auth_types"`

	// AuthHeaderFormat is the template used to synthesize the outbound auth
	// header, e.g. "Authorization: Bearer {token}". When used for inbound
	// parsing, AuthHeaderFormats lists every alternative template accepted
	// from callers (this field is the array form; AuthHeaderFormat is kept
	// as the single canonical outbound template for convenience).
	AuthHeaderFormat  string   `json:"auth_header_format"`
	AuthHeaderFormats []string `json:"auth_header_formats"`

	AuthConfigs map[string]AuthConfig `json:"auth_configs"`

	TokenFieldMap     TokenFieldMap `json:"token_field_map"`
	ModelExtractPath  string        `json:"model_extraction"`
	DefaultModel      string        `json:"default_model"`
	TimeoutSeconds    int           `json:"timeout_seconds"`
}
