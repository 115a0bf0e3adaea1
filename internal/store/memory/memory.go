// Package memory is an in-memory implementation of the store interfaces,
// used by tests and as a zero-dependency fallback when no database is
// configured. Data does not survive process restarts and does not support
// encryption-at-rest key rotation.
package memory

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rakunlabs/relay/internal/domain"
)

// Memory is an in-memory implementation of the store interfaces.
type Memory struct {
	mu            sync.RWMutex
	providerKeys  map[string]domain.ProviderKey  // id -> key
	serviceApis   map[string]domain.ServiceApi   // id -> service api
	oauthSessions map[string]domain.OAuthSession // session_id -> session
	traces        map[string]domain.Trace        // request_id -> trace
}

func New() *Memory {
	slog.Info("using in-memory store (data will not persist across restarts)")

	return &Memory{
		providerKeys:  make(map[string]domain.ProviderKey),
		serviceApis:   make(map[string]domain.ServiceApi),
		oauthSessions: make(map[string]domain.OAuthSession),
		traces:        make(map[string]domain.Trace),
	}
}

func (m *Memory) Close() {}

// ─── ProviderKey CRUD ───

func (m *Memory) ListProviderKeys(_ context.Context) ([]domain.ProviderKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]domain.ProviderKey, 0, len(m.providerKeys))
	for _, k := range m.providerKeys {
		result = append(result, k)
	}

	slices.SortFunc(result, func(a, b domain.ProviderKey) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})

	return result, nil
}

func (m *Memory) GetProviderKey(_ context.Context, id string) (*domain.ProviderKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	k, ok := m.providerKeys[id]
	if !ok {
		return nil, nil
	}

	return &k, nil
}

func (m *Memory) GetProviderKeysByIDs(_ context.Context, ids []string) ([]domain.ProviderKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]domain.ProviderKey, 0, len(ids))
	for _, id := range ids {
		if k, ok := m.providerKeys[id]; ok {
			result = append(result, k)
		}
	}

	return result, nil
}

func (m *Memory) CreateProviderKey(_ context.Context, key domain.ProviderKey) (*domain.ProviderKey, error) {
	now := time.Now().UTC()

	key.ID = ulid.Make().String()
	key.CreatedAt = now
	key.UpdatedAt = now

	m.mu.Lock()
	m.providerKeys[key.ID] = key
	m.mu.Unlock()

	return &key, nil
}

func (m *Memory) UpdateProviderKey(_ context.Context, id string, key domain.ProviderKey) (*domain.ProviderKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.providerKeys[id]
	if !ok {
		return nil, nil
	}

	key.ID = existing.ID
	key.CreatedAt = existing.CreatedAt
	key.UpdatedAt = time.Now().UTC()
	m.providerKeys[id] = key

	return &key, nil
}

func (m *Memory) DeleteProviderKey(_ context.Context, id string) error {
	m.mu.Lock()
	delete(m.providerKeys, id)
	m.mu.Unlock()

	return nil
}

func (m *Memory) ListProviderKeysUpdatedSince(_ context.Context, cursor time.Time) ([]domain.ProviderKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []domain.ProviderKey
	for _, k := range m.providerKeys {
		if k.UpdatedAt.After(cursor) {
			result = append(result, k)
		}
	}

	slices.SortFunc(result, func(a, b domain.ProviderKey) int {
		return a.UpdatedAt.Compare(b.UpdatedAt)
	})

	return result, nil
}

// ─── ServiceApi CRUD ───

func (m *Memory) ListServiceApis(_ context.Context) ([]domain.ServiceApi, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]domain.ServiceApi, 0, len(m.serviceApis))
	for _, sa := range m.serviceApis {
		result = append(result, sa)
	}

	slices.SortFunc(result, func(a, b domain.ServiceApi) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})

	return result, nil
}

func (m *Memory) GetServiceApi(_ context.Context, id string) (*domain.ServiceApi, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sa, ok := m.serviceApis[id]
	if !ok {
		return nil, nil
	}

	return &sa, nil
}

func (m *Memory) GetServiceApiByInboundKey(_ context.Context, inboundKey string) (*domain.ServiceApi, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, sa := range m.serviceApis {
		if sa.InboundAPIKey == inboundKey {
			return &sa, nil
		}
	}

	return nil, nil
}

func (m *Memory) CreateServiceApi(_ context.Context, sa domain.ServiceApi) (*domain.ServiceApi, error) {
	now := time.Now().UTC()

	sa.ID = ulid.Make().String()
	sa.CreatedAt = now
	sa.UpdatedAt = now

	m.mu.Lock()
	m.serviceApis[sa.ID] = sa
	m.mu.Unlock()

	return &sa, nil
}

func (m *Memory) UpdateServiceApi(_ context.Context, id string, sa domain.ServiceApi) (*domain.ServiceApi, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.serviceApis[id]
	if !ok {
		return nil, nil
	}

	sa.ID = existing.ID
	sa.CreatedAt = existing.CreatedAt
	sa.UpdatedAt = time.Now().UTC()
	if sa.InboundAPIKey == "" {
		sa.InboundAPIKey = existing.InboundAPIKey
	}
	m.serviceApis[id] = sa

	return &sa, nil
}

func (m *Memory) DeleteServiceApi(_ context.Context, id string) error {
	m.mu.Lock()
	delete(m.serviceApis, id)
	m.mu.Unlock()

	return nil
}

// ─── OAuthSession ───

func (m *Memory) CreateOAuthSession(_ context.Context, s domain.OAuthSession) (*domain.OAuthSession, error) {
	if s.SessionID == "" {
		s.SessionID = ulid.Make().String()
	}
	s.CreatedAt = time.Now().UTC()

	m.mu.Lock()
	m.oauthSessions[s.SessionID] = s
	m.mu.Unlock()

	return &s, nil
}

func (m *Memory) GetOAuthSessionByState(_ context.Context, state string) (*domain.OAuthSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, s := range m.oauthSessions {
		if s.State == state {
			return &s, nil
		}
	}

	return nil, nil
}

func (m *Memory) CompleteOAuthSession(_ context.Context, sessionID string, completedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.oauthSessions[sessionID]
	if !ok {
		return nil
	}

	s.CompletedAt = &completedAt
	m.oauthSessions[sessionID] = s

	return nil
}

func (m *Memory) DeleteExpiredOAuthSessions(_ context.Context, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, s := range m.oauthSessions {
		if s.Expired(now) {
			delete(m.oauthSessions, id)
		}
	}

	return nil
}

// ─── Trace ───

func (m *Memory) InsertTrace(_ context.Context, t domain.Trace) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}

	m.mu.Lock()
	m.traces[t.RequestID] = t
	m.mu.Unlock()

	return nil
}

func (m *Memory) UpdateTrace(_ context.Context, t domain.Trace) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.traces[t.RequestID]
	if !ok {
		m.traces[t.RequestID] = t
		return nil
	}

	if t.ServiceApiID != "" {
		existing.ServiceApiID = t.ServiceApiID
	}
	if t.ProviderKeyID != "" {
		existing.ProviderKeyID = t.ProviderKeyID
	}
	if t.ProviderTypeID != "" {
		existing.ProviderTypeID = t.ProviderTypeID
	}
	if t.ModelUsed != "" {
		existing.ModelUsed = t.ModelUsed
	}
	if t.StatusCode != 0 {
		existing.StatusCode = t.StatusCode
	}
	existing.ResponseTimeMs = t.ResponseTimeMs
	existing.RetryCount = t.RetryCount
	existing.TokensPrompt = t.TokensPrompt
	existing.TokensCompletion = t.TokensCompletion
	existing.TokensTotal = t.TokensTotal
	existing.TokensCached = t.TokensCached
	existing.Cost = t.Cost
	existing.CostCurrency = t.CostCurrency
	existing.ErrorType = t.ErrorType
	existing.ErrorSource = t.ErrorSource
	existing.ErrorMessage = t.ErrorMessage
	m.traces[t.RequestID] = existing

	return nil
}
