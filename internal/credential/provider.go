// Package credential resolves the outbound secret for a ProviderKey,
// transparently refreshing OAuth-like credentials via golang.org/x/oauth2
// and coordinating concurrent refreshes for the same key with
// golang.org/x/sync/singleflight.
package credential

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/sync/singleflight"

	"github.com/rakunlabs/relay/internal/domain"
	"github.com/rakunlabs/relay/internal/store"
)

// AuthNotifier is notified of every failed token refresh, transient or
// invalid_grant, so the caller (HealthService) can mark the key unhealthy.
type AuthNotifier interface {
	ReportAuthFailure(ctx context.Context, keyID string, reason string)
}

// Provider is the CredentialProvider: it resolves the current outbound
// secret for a key, refreshing it in place when it is OAuth-like and
// within its refresh skew of expiry.
type Provider struct {
	repo     store.KeyRepository
	catalog  map[string]domain.ProviderType
	notifier AuthNotifier

	refreshSkew time.Duration

	sf singleflight.Group
}

func NewProvider(repo store.KeyRepository, catalog map[string]domain.ProviderType, notifier AuthNotifier, refreshSkew time.Duration) *Provider {
	if refreshSkew <= 0 {
		refreshSkew = 60 * time.Second
	}

	return &Provider{repo: repo, catalog: catalog, notifier: notifier, refreshSkew: refreshSkew}
}

// Resolve returns the current outbound secret for key, refreshing it first
// if it is OAuth-like and near expiry.
func (p *Provider) Resolve(ctx context.Context, key domain.ProviderKey) (string, error) {
	if !domain.IsOAuthLike(key.AuthType) {
		return key.APIKey, nil
	}

	// A key that never completed (or lost) authorization has no usable
	// access token to pass through and nothing to refresh from; reject it
	// rather than proxy upstream with a stale or empty secret.
	if key.AuthStatus != domain.AuthStatusAuthorized {
		return "", &domain.CredentialRefreshError{
			Kind: domain.RefreshInvalidGrant,
			Err:  fmt.Errorf("provider key %s has not completed authorization (auth_status=%s)", key.ID, key.AuthStatus),
		}
	}

	if key.ExpiresAt == nil || time.Until(*key.ExpiresAt) > p.refreshSkew {
		return key.APIKey, nil
	}

	fresh, err := p.refreshWithSingleFlight(ctx, key)
	if err != nil {
		return "", err
	}

	return fresh.APIKey, nil
}

// refreshWithSingleFlight ensures only one refresh request is in flight per
// key ID at a time; concurrent callers for the same key share the result.
func (p *Provider) refreshWithSingleFlight(ctx context.Context, key domain.ProviderKey) (domain.ProviderKey, error) {
	v, err, _ := p.sf.Do(key.ID, func() (any, error) {
		return p.refresh(ctx, key)
	})
	if err != nil {
		return domain.ProviderKey{}, err
	}

	return v.(domain.ProviderKey), nil
}

func (p *Provider) refresh(ctx context.Context, key domain.ProviderKey) (domain.ProviderKey, error) {
	// Re-read under the singleflight key: another goroutine may have just
	// refreshed this key while we were waiting to enter Do.
	current, err := p.repo.GetProviderKey(ctx, key.ID)
	if err != nil {
		return domain.ProviderKey{}, &domain.CredentialRefreshError{Kind: domain.RefreshTransient, Err: err}
	}
	if current == nil {
		return domain.ProviderKey{}, &domain.CredentialRefreshError{Kind: domain.RefreshInvalidGrant, Err: fmt.Errorf("provider key %s no longer exists", key.ID)}
	}
	if current.ExpiresAt == nil || time.Until(*current.ExpiresAt) > p.refreshSkew {
		return *current, nil
	}

	if current.AuthType == domain.AuthTypeADC {
		return p.refreshADC(ctx, *current)
	}

	var cfg domain.OAuthConfig
	if current.AuthConfigJSON != "" {
		if err := json.Unmarshal([]byte(current.AuthConfigJSON), &cfg); err != nil {
			return domain.ProviderKey{}, &domain.CredentialRefreshError{Kind: domain.RefreshInvalidGrant, Err: fmt.Errorf("parse auth config: %w", err)}
		}
	}
	if cfg.RefreshToken == "" {
		return domain.ProviderKey{}, &domain.CredentialRefreshError{Kind: domain.RefreshInvalidGrant, Err: fmt.Errorf("provider key %s has no refresh token", key.ID)}
	}

	pt := p.catalog[current.ProviderTypeID]
	authCfg, ok := pt.AuthConfigs[current.AuthType]
	if !ok {
		return domain.ProviderKey{}, &domain.CredentialRefreshError{Kind: domain.RefreshInvalidGrant, Err: fmt.Errorf("no auth config for provider type %s auth type %s", current.ProviderTypeID, current.AuthType)}
	}

	tokenURL := cfg.TokenURL
	if tokenURL == "" {
		tokenURL = authCfg.TokenURL
	}

	clientSecret := authCfg.ClientSecret
	if authCfg.ClientSecretIsCodeVerifier {
		if cfg.CodeVerifier == "" {
			return domain.ProviderKey{}, &domain.CredentialRefreshError{Kind: domain.RefreshInvalidGrant, Err: fmt.Errorf("provider key %s has no stored code_verifier to refresh with", key.ID)}
		}
		clientSecret = cfg.CodeVerifier
	}

	oc := oauth2.Config{
		ClientID:     authCfg.ClientID,
		ClientSecret: clientSecret,
		Endpoint:     oauth2.Endpoint{TokenURL: tokenURL},
		Scopes:       cfg.Scopes,
	}

	ts := oc.TokenSource(ctx, &oauth2.Token{RefreshToken: cfg.RefreshToken})

	tok, err := ts.Token()
	if err != nil {
		kind := classifyRefreshError(err)
		p.notifier.ReportAuthFailure(ctx, current.ID, err.Error())
		return domain.ProviderKey{}, &domain.CredentialRefreshError{Kind: kind, Err: err}
	}

	updated := *current
	updated.APIKey = tok.AccessToken
	if tok.RefreshToken != "" {
		cfg.RefreshToken = tok.RefreshToken
	}
	if tok.Expiry.IsZero() {
		exp := time.Now().Add(time.Hour)
		updated.ExpiresAt = &exp
	} else {
		updated.ExpiresAt = &tok.Expiry
	}
	updated.AuthStatus = domain.AuthStatusAuthorized

	raw, err := json.Marshal(cfg)
	if err != nil {
		return domain.ProviderKey{}, &domain.CredentialRefreshError{Kind: domain.RefreshTransient, Err: err}
	}
	updated.AuthConfigJSON = string(raw)

	saved, err := p.repo.UpdateProviderKey(ctx, current.ID, updated)
	if err != nil {
		return domain.ProviderKey{}, &domain.CredentialRefreshError{Kind: domain.RefreshTransient, Err: err}
	}

	slog.Debug("credential: refreshed provider key", "key_id", current.ID, "expires_at", updated.ExpiresAt)

	return *saved, nil
}

// refreshADC obtains a fresh token from the ambient Google Application
// Default Credentials instead of a stored refresh token: there is no
// refresh_token to rotate, only a short-lived access token to re-fetch once
// it nears expiry. Scopes come from the key's AuthConfigJSON if set,
// otherwise the fixed cloud-platform scope is used.
func (p *Provider) refreshADC(ctx context.Context, current domain.ProviderKey) (domain.ProviderKey, error) {
	scopes := []string{"https://www.googleapis.com/auth/cloud-platform"}

	var cfg domain.OAuthConfig
	if current.AuthConfigJSON != "" {
		if err := json.Unmarshal([]byte(current.AuthConfigJSON), &cfg); err == nil && len(cfg.Scopes) > 0 {
			scopes = cfg.Scopes
		}
	}

	ts, err := google.DefaultTokenSource(ctx, scopes...)
	if err != nil {
		p.notifier.ReportAuthFailure(ctx, current.ID, err.Error())
		return domain.ProviderKey{}, &domain.CredentialRefreshError{Kind: domain.RefreshTransient, Err: err}
	}

	tok, err := ts.Token()
	if err != nil {
		p.notifier.ReportAuthFailure(ctx, current.ID, err.Error())
		return domain.ProviderKey{}, &domain.CredentialRefreshError{Kind: domain.RefreshTransient, Err: err}
	}

	updated := current
	updated.APIKey = tok.AccessToken
	updated.AuthStatus = domain.AuthStatusAuthorized
	if tok.Expiry.IsZero() {
		exp := time.Now().Add(time.Hour)
		updated.ExpiresAt = &exp
	} else {
		updated.ExpiresAt = &tok.Expiry
	}

	saved, err := p.repo.UpdateProviderKey(ctx, current.ID, updated)
	if err != nil {
		return domain.ProviderKey{}, &domain.CredentialRefreshError{Kind: domain.RefreshTransient, Err: err}
	}

	slog.Debug("credential: refreshed ADC provider key", "key_id", current.ID, "expires_at", updated.ExpiresAt)

	return *saved, nil
}

// classifyRefreshError distinguishes an invalid_grant (dead refresh token,
// needs re-authorization) from a transient failure (network blip, worth
// retrying on the next request).
func classifyRefreshError(err error) domain.CredentialRefreshKind {
	var rErr *oauth2.RetrieveError
	if ok := asRetrieveError(err, &rErr); ok {
		if rErr.ErrorCode == "invalid_grant" {
			return domain.RefreshInvalidGrant
		}
	}
	return domain.RefreshTransient
}

func asRetrieveError(err error, target **oauth2.RetrieveError) bool {
	for err != nil {
		if re, ok := err.(*oauth2.RetrieveError); ok {
			*target = re
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
