// Package catalog holds the built-in ProviderType seed data (OpenAI,
// Anthropic, Gemini, and a generic OAuth2 template), overridable per field
// from configuration.
package catalog

import (
	"github.com/rakunlabs/relay/internal/config"
	"github.com/rakunlabs/relay/internal/domain"
)

// Built-in provider type IDs.
const (
	OpenAI    = "openai"
	Anthropic = "anthropic"
	Gemini    = "gemini"
	Generic   = "generic_oauth2"
)

// Default returns the built-in ProviderType catalog, keyed by ID.
func Default() map[string]domain.ProviderType {
	return map[string]domain.ProviderType{
		OpenAI: {
			ID:                 OpenAI,
			Name:               OpenAI,
			DisplayName:        "OpenAI",
			BaseURL:            "https://api.openai.com/v1",
			SupportedAuthTypes: []string{domain.AuthTypeAPIKey},
			AuthHeaderFormat:   "Authorization: Bearer {token}",
			AuthHeaderFormats:  []string{"Authorization: Bearer {token}"},
			AuthConfigs:        map[string]domain.AuthConfig{},
			TokenFieldMap: domain.TokenFieldMap{
				PromptTokens:     "usage.prompt_tokens",
				CompletionTokens: "usage.completion_tokens",
				TotalTokens:      "usage.total_tokens",
				CachedTokens:     "usage.prompt_tokens_details.cached_tokens",
				Model:            "model",
			},
			ModelExtractPath: "model",
			DefaultModel:     "gpt-4o",
			TimeoutSeconds:   60,
		},
		Anthropic: {
			ID:                 Anthropic,
			Name:               Anthropic,
			DisplayName:        "Anthropic",
			BaseURL:            "https://api.anthropic.com/v1",
			SupportedAuthTypes: []string{domain.AuthTypeAPIKey, domain.AuthTypeOAuth2},
			AuthHeaderFormat:   "x-api-key: {token}",
			AuthHeaderFormats:  []string{"x-api-key: {token}", "Authorization: Bearer {token}"},
			AuthConfigs: map[string]domain.AuthConfig{
				domain.AuthTypeOAuth2: {
					AuthorizeURL:               "https://claude.ai/oauth/authorize",
					TokenURL:                   "https://console.anthropic.com/v1/oauth/token",
					Scopes:                     []string{"org:create_api_key", "user:profile"},
					PKCERequired:               true,
					ClientSecretIsCodeVerifier: true,
				},
			},
			TokenFieldMap: domain.TokenFieldMap{
				PromptTokens:     "usage.input_tokens",
				CompletionTokens: "usage.output_tokens",
				TotalTokens:      "",
				CachedTokens:     "usage.cache_read_input_tokens",
				Model:            "model",
			},
			ModelExtractPath: "model",
			DefaultModel:     "claude-sonnet-4-5",
			TimeoutSeconds:   120,
		},
		Gemini: {
			ID:                 Gemini,
			Name:               Gemini,
			DisplayName:        "Google Gemini",
			BaseURL:            "https://generativelanguage.googleapis.com/v1beta",
			SupportedAuthTypes: []string{domain.AuthTypeAPIKey, domain.AuthTypeGoogleOAuth, domain.AuthTypeADC},
			AuthHeaderFormat:   "x-goog-api-key: {token}",
			AuthHeaderFormats:  []string{"x-goog-api-key: {token}", "Authorization: Bearer {token}"},
			AuthConfigs: map[string]domain.AuthConfig{
				domain.AuthTypeGoogleOAuth: {
					AuthorizeURL: "https://accounts.google.com/o/oauth2/v2/auth",
					TokenURL:     "https://oauth2.googleapis.com/token",
					Scopes:       []string{"https://www.googleapis.com/auth/generative-language.retriever"},
					PKCERequired: false,
					// select_account replaces the source's hardcoded
					// "consent", the spec's documented Open Question
					// decision: reauthorizing should not force a fresh
					// consent screen on every authorization attempt.
					ExtraParams: map[string]string{
						"prompt":      "select_account",
						"access_type": "offline",
					},
				},
			},
			TokenFieldMap: domain.TokenFieldMap{
				PromptTokens:     "usageMetadata.promptTokenCount",
				CompletionTokens: "usageMetadata.candidatesTokenCount",
				TotalTokens:      "usageMetadata.totalTokenCount",
				CachedTokens:     "usageMetadata.cachedContentTokenCount",
				Model:            "modelVersion",
			},
			ModelExtractPath: "modelVersion",
			DefaultModel:     "gemini-2.0-flash",
			TimeoutSeconds:   90,
		},
		Generic: {
			ID:                 Generic,
			Name:               Generic,
			DisplayName:        "Generic OAuth2 Provider",
			SupportedAuthTypes: []string{domain.AuthTypeOAuth2},
			AuthHeaderFormat:   "Authorization: Bearer {token}",
			AuthHeaderFormats:  []string{"Authorization: Bearer {token}"},
			AuthConfigs: map[string]domain.AuthConfig{
				domain.AuthTypeOAuth2: {
					PKCERequired: true,
					ExtraParams:  map[string]string{"access_type": "offline"},
				},
			},
			TokenFieldMap: domain.TokenFieldMap{
				PromptTokens:     "usage.prompt_tokens",
				CompletionTokens: "usage.completion_tokens",
				TotalTokens:      "usage.total_tokens",
				Model:            "model",
			},
			TimeoutSeconds: 60,
		},
	}
}

// ApplyOverlay merges configuration-supplied ProviderTypeConfig overlays
// onto the built-in catalog, and adds wholly new provider types that
// config declares under an ID the built-in catalog doesn't have.
func ApplyOverlay(base map[string]domain.ProviderType, overlays map[string]config.ProviderTypeConfig) map[string]domain.ProviderType {
	for id, overlay := range overlays {
		pt, ok := base[id]
		if !ok {
			pt = domain.ProviderType{ID: id, Name: id, AuthConfigs: map[string]domain.AuthConfig{}}
		}

		if overlay.DisplayName != "" {
			pt.DisplayName = overlay.DisplayName
		}
		if overlay.BaseURL != "" {
			pt.BaseURL = overlay.BaseURL
		}
		if overlay.AuthHeaderFormat != "" {
			pt.AuthHeaderFormat = overlay.AuthHeaderFormat
		}
		if len(overlay.AuthHeaderFormats) > 0 {
			pt.AuthHeaderFormats = overlay.AuthHeaderFormats
		}
		if overlay.DefaultModel != "" {
			pt.DefaultModel = overlay.DefaultModel
		}
		if overlay.TimeoutSeconds > 0 {
			pt.TimeoutSeconds = overlay.TimeoutSeconds
		}

		if pt.AuthConfigs == nil {
			pt.AuthConfigs = map[string]domain.AuthConfig{}
		}
		for authType, authOverlay := range overlay.AuthConfigs {
			ac := pt.AuthConfigs[authType]
			if authOverlay.AuthorizeURL != "" {
				ac.AuthorizeURL = authOverlay.AuthorizeURL
			}
			if authOverlay.TokenURL != "" {
				ac.TokenURL = authOverlay.TokenURL
			}
			if authOverlay.ClientID != "" {
				ac.ClientID = authOverlay.ClientID
			}
			if authOverlay.ClientSecret != "" {
				ac.ClientSecret = authOverlay.ClientSecret
			}
			if authOverlay.RedirectURI != "" {
				ac.RedirectURI = authOverlay.RedirectURI
			}
			if len(authOverlay.Scopes) > 0 {
				ac.Scopes = authOverlay.Scopes
			}
			if len(authOverlay.ExtraParams) > 0 {
				if ac.ExtraParams == nil {
					ac.ExtraParams = map[string]string{}
				}
				for k, v := range authOverlay.ExtraParams {
					ac.ExtraParams[k] = v
				}
			}
			pt.AuthConfigs[authType] = ac
		}

		base[id] = pt
	}

	return base
}
