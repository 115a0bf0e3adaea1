// Package store defines the persistence interfaces for the KeyRepository,
// OAuthSessionStore, and TraceRecorder, plus factory functions selecting a
// concrete backend (PostgreSQL, SQLite, or an in-memory store for tests).
package store

import (
	"context"
	"time"

	"github.com/rakunlabs/relay/internal/config"
	"github.com/rakunlabs/relay/internal/domain"
	"github.com/rakunlabs/relay/internal/store/memory"
	"github.com/rakunlabs/relay/internal/store/postgres"
	"github.com/rakunlabs/relay/internal/store/sqlite3"
)

// KeyRepository is typed access over the provider_keys and service_apis
// tables (§2).
type KeyRepository interface {
	ListProviderKeys(ctx context.Context) ([]domain.ProviderKey, error)
	GetProviderKey(ctx context.Context, id string) (*domain.ProviderKey, error)
	GetProviderKeysByIDs(ctx context.Context, ids []string) ([]domain.ProviderKey, error)
	CreateProviderKey(ctx context.Context, key domain.ProviderKey) (*domain.ProviderKey, error)
	UpdateProviderKey(ctx context.Context, id string, key domain.ProviderKey) (*domain.ProviderKey, error)
	DeleteProviderKey(ctx context.Context, id string) error
	// ListProviderKeysUpdatedSince lists keys whose updated_at is newer than
	// cursor, used by the HealthMap background resync (§4.4).
	ListProviderKeysUpdatedSince(ctx context.Context, cursor time.Time) ([]domain.ProviderKey, error)

	ListServiceApis(ctx context.Context) ([]domain.ServiceApi, error)
	GetServiceApi(ctx context.Context, id string) (*domain.ServiceApi, error)
	GetServiceApiByInboundKey(ctx context.Context, inboundKey string) (*domain.ServiceApi, error)
	CreateServiceApi(ctx context.Context, sa domain.ServiceApi) (*domain.ServiceApi, error)
	UpdateServiceApi(ctx context.Context, id string, sa domain.ServiceApi) (*domain.ServiceApi, error)
	DeleteServiceApi(ctx context.Context, id string) error
}

// OAuthSessionStore is persistent storage for in-flight authorization-code
// flow state (§4.6).
type OAuthSessionStore interface {
	CreateOAuthSession(ctx context.Context, s domain.OAuthSession) (*domain.OAuthSession, error)
	GetOAuthSessionByState(ctx context.Context, state string) (*domain.OAuthSession, error)
	CompleteOAuthSession(ctx context.Context, sessionID string, completedAt time.Time) error
	DeleteExpiredOAuthSessions(ctx context.Context, now time.Time) error
}

// TraceStore persists the one-row-per-request trace (§4.8).
type TraceStore interface {
	InsertTrace(ctx context.Context, t domain.Trace) error
	UpdateTrace(ctx context.Context, t domain.Trace) error
}

// KeyRotator re-encrypts all at-rest secrets with a new key; satisfied only
// by backends that support encryption at rest (postgres, sqlite).
type KeyRotator interface {
	RotateEncryptionKey(ctx context.Context, newKey []byte) error
	SetEncryptionKey(newKey []byte)
}

// StorerClose combines every repository interface with a Close method, the
// single handle the rest of the application depends on.
type StorerClose interface {
	KeyRepository
	OAuthSessionStore
	TraceStore
	Close()
}

// New creates a StorerClose from the given store configuration: postgres or
// sqlite if configured, or an in-memory store as a zero-dependency fallback.
func New(ctx context.Context, cfg config.Store, encKey []byte) (StorerClose, error) {
	switch {
	case cfg.Postgres != nil:
		return postgres.New(ctx, cfg.Postgres, encKey)
	case cfg.SQLite != nil:
		return sqlite3.New(ctx, cfg.SQLite, encKey)
	default:
		return memory.New(), nil
	}
}
