package credential

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/rakunlabs/relay/internal/domain"
	"github.com/rakunlabs/relay/internal/store/memory"
)

func testCatalog(tokenURL, authorizeURL string, pkce bool) map[string]domain.ProviderType {
	return map[string]domain.ProviderType{
		"generic_oauth2": {
			ID:   "generic_oauth2",
			Name: "generic_oauth2",
			AuthConfigs: map[string]domain.AuthConfig{
				domain.AuthTypeOAuth2: {
					AuthorizeURL: authorizeURL,
					TokenURL:     tokenURL,
					ClientID:     "client-123",
					ClientSecret: "secret-abc",
					RedirectURI:  "https://admin.example.com/callback",
					Scopes:       []string{"scope-a"},
					PKCERequired: pkce,
				},
			},
		},
	}
}

func TestInitiateBuildsAuthorizeURLAndPersistsSession(t *testing.T) {
	ctx := context.Background()
	st := memory.New()

	catalog := testCatalog("https://token.example.com/token", "https://authorize.example.com/auth", true)
	flow := NewAuthorizationFlow(st, st, catalog)

	result, err := flow.Initiate(ctx, "user-1", "generic_oauth2", domain.AuthTypeOAuth2, "")
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	if result.SessionID == "" {
		t.Fatal("expected a generated session ID")
	}

	parsed, err := url.Parse(result.AuthorizeURL)
	if err != nil {
		t.Fatalf("parse authorize URL: %v", err)
	}
	if !strings.HasPrefix(result.AuthorizeURL, "https://authorize.example.com/auth") {
		t.Fatalf("AuthorizeURL = %q, want prefix https://authorize.example.com/auth", result.AuthorizeURL)
	}

	q := parsed.Query()
	if q.Get("client_id") != "client-123" {
		t.Fatalf("client_id = %q", q.Get("client_id"))
	}
	if q.Get("code_challenge") == "" {
		t.Fatal("PKCE-required auth config should set code_challenge")
	}
	if q.Get("code_challenge_method") != "S256" {
		t.Fatalf("code_challenge_method = %q, want S256", q.Get("code_challenge_method"))
	}
	state := q.Get("state")
	if state == "" {
		t.Fatal("expected a state parameter")
	}

	session, err := st.GetOAuthSessionByState(ctx, state)
	if err != nil {
		t.Fatalf("GetOAuthSessionByState: %v", err)
	}
	if session == nil {
		t.Fatal("Initiate should persist a session retrievable by its state")
	}
	if session.CodeVerifier == "" {
		t.Fatal("PKCE session should have a stored code verifier")
	}
}

func TestInitiateUnknownProviderType(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	flow := NewAuthorizationFlow(st, st, map[string]domain.ProviderType{})

	_, err := flow.Initiate(ctx, "user-1", "nonexistent", domain.AuthTypeOAuth2, "")
	if err == nil {
		t.Fatal("expected an error for an unknown provider type")
	}
}

func TestCompleteExchangesCodeAndCreatesProviderKey(t *testing.T) {
	ctx := context.Background()
	st := memory.New()

	tokenServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Fatalf("parse token request form: %v", err)
		}
		if r.FormValue("code_verifier") == "" {
			t.Fatal("token exchange should carry the PKCE code_verifier")
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "access-token-xyz",
			"refresh_token": "refresh-token-xyz",
			"token_type":    "Bearer",
			"expires_in":    3600,
		})
	}))
	defer tokenServer.Close()

	catalog := testCatalog(tokenServer.URL, "https://authorize.example.com/auth", true)
	flow := NewAuthorizationFlow(st, st, catalog)

	initiated, err := flow.Initiate(ctx, "user-1", "generic_oauth2", domain.AuthTypeOAuth2, "")
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}

	parsed, _ := url.Parse(initiated.AuthorizeURL)
	state := parsed.Query().Get("state")

	key, err := flow.Complete(ctx, state, "auth-code-abc")
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}

	if key.APIKey != "access-token-xyz" {
		t.Fatalf("APIKey = %q, want access-token-xyz", key.APIKey)
	}
	if key.AuthStatus != domain.AuthStatusAuthorized {
		t.Fatalf("AuthStatus = %q, want authorized", key.AuthStatus)
	}
	if key.ExpiresAt == nil {
		t.Fatal("expected ExpiresAt to be set from expires_in")
	}

	var cfg domain.OAuthConfig
	if err := json.Unmarshal([]byte(key.AuthConfigJSON), &cfg); err != nil {
		t.Fatalf("unmarshal auth config: %v", err)
	}
	if cfg.RefreshToken != "refresh-token-xyz" {
		t.Fatalf("stored refresh token = %q", cfg.RefreshToken)
	}

	session, err := st.GetOAuthSessionByState(ctx, state)
	if err != nil {
		t.Fatalf("GetOAuthSessionByState: %v", err)
	}
	if session.CompletedAt == nil {
		t.Fatal("Complete should mark the session as completed")
	}
}

func TestCompleteSubstitutesCodeVerifierForClientSecretWhenConfigured(t *testing.T) {
	ctx := context.Background()
	st := memory.New()

	var gotClientSecret string
	tokenServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Fatalf("parse token request form: %v", err)
		}
		gotClientSecret = r.FormValue("client_secret")

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "access-token-xyz",
			"refresh_token": "refresh-token-xyz",
			"token_type":    "Bearer",
			"expires_in":    3600,
		})
	}))
	defer tokenServer.Close()

	catalog := map[string]domain.ProviderType{
		"anthropic": {
			ID:   "anthropic",
			Name: "anthropic",
			AuthConfigs: map[string]domain.AuthConfig{
				domain.AuthTypeOAuth2: {
					AuthorizeURL:               "https://authorize.example.com/auth",
					TokenURL:                   tokenServer.URL,
					ClientID:                   "client-123",
					RedirectURI:                "https://admin.example.com/callback",
					Scopes:                     []string{"org:create_api_key"},
					PKCERequired:               true,
					ClientSecretIsCodeVerifier: true,
				},
			},
		},
	}
	flow := NewAuthorizationFlow(st, st, catalog)

	initiated, err := flow.Initiate(ctx, "user-1", "anthropic", domain.AuthTypeOAuth2, "")
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}

	parsed, _ := url.Parse(initiated.AuthorizeURL)
	state := parsed.Query().Get("state")

	session, err := st.GetOAuthSessionByState(ctx, state)
	if err != nil {
		t.Fatalf("GetOAuthSessionByState: %v", err)
	}

	key, err := flow.Complete(ctx, state, "auth-code-abc")
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}

	if gotClientSecret == "" || gotClientSecret != session.CodeVerifier {
		t.Fatalf("client_secret sent to token endpoint = %q, want the PKCE code_verifier %q", gotClientSecret, session.CodeVerifier)
	}

	var cfg domain.OAuthConfig
	if err := json.Unmarshal([]byte(key.AuthConfigJSON), &cfg); err != nil {
		t.Fatalf("unmarshal auth config: %v", err)
	}
	if cfg.CodeVerifier != session.CodeVerifier {
		t.Fatalf("stored code_verifier = %q, want it persisted for future refreshes (%q)", cfg.CodeVerifier, session.CodeVerifier)
	}
}

func TestCompleteUnknownState(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	flow := NewAuthorizationFlow(st, st, map[string]domain.ProviderType{})

	_, err := flow.Complete(ctx, "nonexistent-state", "code")
	if err == nil {
		t.Fatal("expected an error for an unknown oauth state")
	}
}
