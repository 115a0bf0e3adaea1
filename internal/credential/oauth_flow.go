package credential

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/oauth2"

	"github.com/rakunlabs/relay/internal/domain"
	"github.com/rakunlabs/relay/internal/store"
)

// sessionTTL bounds how long an initiated-but-not-completed authorization
// attempt stays valid before DeleteExpiredOAuthSessions reclaims it.
const sessionTTL = 10 * time.Minute

// AuthorizationFlow drives the three-legged OAuth2 authorization-code
// exchange used to onboard an OAuth-like ProviderKey: initiate builds the
// authorize URL and stashes PKCE/state; complete exchanges the returned
// code for tokens and creates a new ProviderKey row.
type AuthorizationFlow struct {
	sessions store.OAuthSessionStore
	keys     store.KeyRepository
	catalog  map[string]domain.ProviderType
}

func NewAuthorizationFlow(sessions store.OAuthSessionStore, keys store.KeyRepository, catalog map[string]domain.ProviderType) *AuthorizationFlow {
	return &AuthorizationFlow{sessions: sessions, keys: keys, catalog: catalog}
}

// InitiateResult is returned to the admin caller so it can redirect the
// browser to AuthorizeURL.
type InitiateResult struct {
	AuthorizeURL string
	SessionID    string
}

// Initiate starts an authorization attempt for providerTypeID/authType,
// returning the URL to send the operator's browser to.
func (f *AuthorizationFlow) Initiate(ctx context.Context, userID, providerTypeID, authType, redirectURI string) (*InitiateResult, error) {
	pt, ok := f.catalog[providerTypeID]
	if !ok {
		return nil, fmt.Errorf("%w: unknown provider type %q", domain.ErrConfig, providerTypeID)
	}

	authCfg, ok := pt.AuthConfigs[authType]
	if !ok {
		return nil, fmt.Errorf("%w: provider type %q has no auth config for %q", domain.ErrConfig, providerTypeID, authType)
	}

	state, err := randomToken(32)
	if err != nil {
		return nil, fmt.Errorf("generate state: %w", err)
	}

	var verifier, challenge string
	if authCfg.PKCERequired {
		verifier, err = randomToken(64)
		if err != nil {
			return nil, fmt.Errorf("generate code verifier: %w", err)
		}
		sum := sha256.Sum256([]byte(verifier))
		challenge = base64.RawURLEncoding.EncodeToString(sum[:])
	}

	if redirectURI == "" {
		redirectURI = authCfg.RedirectURI
	}

	now := time.Now().UTC()
	session := domain.OAuthSession{
		SessionID:      newSessionID(),
		UserID:         userID,
		ProviderTypeID: providerTypeID,
		AuthType:       authType,
		State:          state,
		CodeVerifier:   verifier,
		CodeChallenge:  challenge,
		RedirectURI:    redirectURI,
		Scopes:         authCfg.Scopes,
		CreatedAt:      now,
		ExpiresAt:      now.Add(sessionTTL),
	}

	if _, err := f.sessions.CreateOAuthSession(ctx, session); err != nil {
		return nil, fmt.Errorf("create oauth session: %w", err)
	}

	oc := oauth2.Config{
		ClientID:    authCfg.ClientID,
		RedirectURL: redirectURI,
		Scopes:      authCfg.Scopes,
		Endpoint:    oauth2.Endpoint{AuthURL: authCfg.AuthorizeURL, TokenURL: authCfg.TokenURL},
	}

	opts := []oauth2.AuthCodeOption{oauth2.AccessTypeOffline}
	for k, v := range authCfg.ExtraParams {
		opts = append(opts, oauth2.SetAuthURLParam(k, v))
	}
	if authCfg.PKCERequired {
		opts = append(opts, oauth2.SetAuthURLParam("code_challenge", challenge))
		opts = append(opts, oauth2.SetAuthURLParam("code_challenge_method", "S256"))
	}

	authorizeURL := oc.AuthCodeURL(state, opts...)

	return &InitiateResult{AuthorizeURL: authorizeURL, SessionID: session.SessionID}, nil
}

// Complete exchanges the authorization code returned by the provider's
// callback for tokens, then creates a new authorized ProviderKey.
func (f *AuthorizationFlow) Complete(ctx context.Context, state, code string) (*domain.ProviderKey, error) {
	session, err := f.sessions.GetOAuthSessionByState(ctx, state)
	if err != nil {
		return nil, fmt.Errorf("look up oauth session: %w", err)
	}
	if session == nil {
		return nil, fmt.Errorf("%w: unknown or expired oauth state", domain.ErrInboundAuth)
	}
	if session.Expired(time.Now().UTC()) {
		return nil, fmt.Errorf("%w: oauth session expired", domain.ErrInboundAuth)
	}

	pt, ok := f.catalog[session.ProviderTypeID]
	if !ok {
		return nil, fmt.Errorf("%w: unknown provider type %q", domain.ErrConfig, session.ProviderTypeID)
	}
	authCfg, ok := pt.AuthConfigs[session.AuthType]
	if !ok {
		return nil, fmt.Errorf("%w: missing auth config", domain.ErrConfig)
	}

	clientSecret := authCfg.ClientSecret
	if authCfg.ClientSecretIsCodeVerifier {
		clientSecret = session.CodeVerifier
	}

	oc := oauth2.Config{
		ClientID:     authCfg.ClientID,
		ClientSecret: clientSecret,
		RedirectURL:  session.RedirectURI,
		Scopes:       session.Scopes,
		Endpoint:     oauth2.Endpoint{AuthURL: authCfg.AuthorizeURL, TokenURL: authCfg.TokenURL},
	}

	var exchangeOpts []oauth2.AuthCodeOption
	if session.CodeVerifier != "" {
		exchangeOpts = append(exchangeOpts, oauth2.SetAuthURLParam("code_verifier", session.CodeVerifier))
	}

	tok, err := oc.Exchange(ctx, code, exchangeOpts...)
	if err != nil {
		return nil, fmt.Errorf("exchange authorization code: %w", err)
	}

	cfg := domain.OAuthConfig{
		RefreshToken: tok.RefreshToken,
		TokenURL:     authCfg.TokenURL,
		Scopes:       session.Scopes,
	}
	if authCfg.ClientSecretIsCodeVerifier {
		cfg.CodeVerifier = session.CodeVerifier
	}
	rawCfg, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("marshal auth config: %w", err)
	}

	now := time.Now().UTC()
	expiresAt := tok.Expiry
	if expiresAt.IsZero() {
		expiresAt = now.Add(time.Hour)
	}

	key := domain.ProviderKey{
		UserID:         session.UserID,
		ProviderTypeID: session.ProviderTypeID,
		AuthType:       session.AuthType,
		Weight:         1,
		APIKey:         tok.AccessToken,
		AuthConfigJSON: string(rawCfg),
		AuthStatus:     domain.AuthStatusAuthorized,
		ExpiresAt:      &expiresAt,
		HealthStatus:   domain.HealthHealthy,
		IsActive:       true,
	}

	created, err := f.keys.CreateProviderKey(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("store provider key: %w", err)
	}

	if err := f.sessions.CompleteOAuthSession(ctx, session.SessionID, now); err != nil {
		return nil, fmt.Errorf("complete oauth session: %w", err)
	}

	return created, nil
}

func randomToken(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func newSessionID() string {
	// Session IDs are internal bookkeeping keys, not the security-bearing
	// value (state is); a shorter random token is sufficient.
	tok, err := randomToken(16)
	if err != nil {
		// crypto/rand.Read failing indicates a broken system entropy
		// source; there is no safe fallback, so surface a clearly-bad id
		// rather than panic mid-request.
		return "session-id-generation-failed"
	}
	return tok
}
