// Package background runs the proxy's periodic maintenance loops: the
// OAuth active-refresh sweep (§4.10) and the HealthMap↔DB resync (§4.4),
// each a time.Ticker-driven loop grounded on the teacher's own
// thought-signature-cache sweep goroutine.
package background

import (
	"context"
	"log/slog"
	"time"

	"github.com/rakunlabs/relay/internal/credential"
	"github.com/rakunlabs/relay/internal/domain"
	"github.com/rakunlabs/relay/internal/health"
	"github.com/rakunlabs/relay/internal/store"
)

// ActiveRefresh periodically scans OAuth-type provider keys nearing expiry
// and refreshes them ahead of request traffic, absorbing the cost of
// refresh instead of a burst of requests all hitting an expired token at
// once.
func ActiveRefresh(ctx context.Context, repo store.KeyRepository, cred *credential.Provider, interval, window time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweepActiveRefresh(ctx, repo, cred, window)
		}
	}
}

func sweepActiveRefresh(ctx context.Context, repo store.KeyRepository, cred *credential.Provider, window time.Duration) {
	keys, err := repo.ListProviderKeys(ctx)
	if err != nil {
		slog.Error("background: active refresh, list keys", "error", err)
		return
	}

	deadline := time.Now().UTC().Add(window)

	for _, k := range keys {
		if !k.IsActive || !domain.IsOAuthLike(k.AuthType) {
			continue
		}
		if k.ExpiresAt == nil || k.ExpiresAt.After(deadline) {
			continue
		}

		if _, err := cred.Resolve(ctx, k); err != nil {
			slog.Warn("background: active refresh failed", "key_id", k.ID, "error", err)
		}
	}
}

// HealthResync periodically scans provider_keys rows updated since the
// last cursor and reconciles the in-memory HealthMap, bounding divergence
// introduced by management operations that bypass the request-path hooks.
func HealthResync(ctx context.Context, h *health.Service, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	cursor := time.Time{}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			next, err := h.Resync(ctx, cursor)
			if err != nil {
				slog.Error("background: health resync", "error", err)
				continue
			}
			cursor = next
		}
	}
}

// ExpiredOAuthSessions periodically deletes authorization attempts that
// were never completed within their TTL.
func ExpiredOAuthSessions(ctx context.Context, sessions store.OAuthSessionStore, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := sessions.DeleteExpiredOAuthSessions(ctx, time.Now().UTC()); err != nil {
				slog.Error("background: delete expired oauth sessions", "error", err)
			}
		}
	}
}
