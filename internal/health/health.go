// Package health maintains the in-process runtime-health view of
// ProviderKey rows, driven primarily by request-path outcomes and
// secondarily by management operations and a periodic database resync.
package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/rakunlabs/relay/internal/domain"
	"github.com/rakunlabs/relay/internal/store"
)

// entry is the runtime-health record for one provider key. Its fields are
// only ever mutated while Map.mu is held, so access to an individual entry
// does not need its own lock.
type entry struct {
	status             string
	detail             string
	rateLimitResetsAt  time.Time
	consecutiveFailures int
	updatedAt          time.Time
}

// Map is the concurrent HealthMap: one RWMutex guards the whole map, since
// its expected cardinality (hundreds of provider keys) makes a coarse lock
// cheaper than per-entry synchronization.
type Map struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

func newMap() *Map {
	return &Map{entries: make(map[string]*entry)}
}

// Snapshot is a read-only view of one key's health, safe to hold after the
// call returns.
type Snapshot struct {
	Status            string
	Detail            string
	RateLimitResetsAt time.Time
}

func (m *Map) get(id string) (Snapshot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.entries[id]
	if !ok {
		return Snapshot{}, false
	}

	return Snapshot{Status: e.status, Detail: e.detail, RateLimitResetsAt: e.rateLimitResetsAt}, true
}

// Resetter schedules and cancels delayed healthy-state transitions; the
// concrete implementation is RateLimitResetScheduler (§4.9).
type Resetter interface {
	Schedule(keyID string, fireAt time.Time)
	Cancel(keyID string)
}

// Service is the HealthService (§4.4): it owns the HealthMap and persists
// transitions back to the store.
type Service struct {
	repo     store.KeyRepository
	resetter Resetter

	failureThreshold int

	m *Map
}

func NewService(repo store.KeyRepository, resetter Resetter, failureThreshold int) *Service {
	if failureThreshold <= 0 {
		failureThreshold = 3
	}

	return &Service{repo: repo, resetter: resetter, failureThreshold: failureThreshold, m: newMap()}
}

// RegisterKey loads key and enqueues it for health tracking in the healthy
// state (or its persisted state, if the key is already rate-limited or
// unhealthy — register does not reset existing unhealthy keys to healthy).
func (s *Service) RegisterKey(ctx context.Context, id string) error {
	key, err := s.repo.GetProviderKey(ctx, id)
	if err != nil {
		return err
	}
	if key == nil {
		return nil
	}

	s.m.mu.Lock()
	s.m.entries[id] = &entry{
		status:             orHealthy(key.HealthStatus),
		detail:             key.HealthStatusDetail,
		rateLimitResetsAt:  derefTime(key.RateLimitResetsAt),
		updatedAt:          time.Now().UTC(),
	}
	s.m.mu.Unlock()

	if key.HealthStatus == domain.HealthRateLimited && key.RateLimitResetsAt != nil {
		s.resetter.Schedule(id, *key.RateLimitResetsAt)
	}

	return nil
}

func orHealthy(status string) string {
	if status == "" {
		return domain.HealthHealthy
	}
	return status
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

// RefreshKey cancels any pending reset, re-reads the row and replaces the
// in-memory entry whether or not any field changed, used after an admin
// edit bypasses the request path.
func (s *Service) RefreshKey(ctx context.Context, id string) error {
	s.resetter.Cancel(id)
	return s.RegisterKey(ctx, id)
}

// RemoveKey drops the HealthMap entry and cancels any pending reset.
func (s *Service) RemoveKey(id string) {
	s.m.mu.Lock()
	delete(s.m.entries, id)
	s.m.mu.Unlock()

	s.resetter.Cancel(id)
}

// Status returns the current in-memory snapshot for id, treating an
// untracked key as healthy (the scheduler registers keys lazily).
func (s *Service) Status(id string) Snapshot {
	if snap, ok := s.m.get(id); ok {
		return snap
	}
	return Snapshot{Status: domain.HealthHealthy}
}

// IsAvailable reports whether id should be considered for scheduling: not
// unhealthy, and not rate-limited with a reset time still in the future. A
// rate-limited key whose reset time has passed is eagerly treated as
// healthy in the current selection, per the spec's testable property.
func (s *Service) IsAvailable(id string) bool {
	snap := s.Status(id)

	switch snap.Status {
	case domain.HealthUnhealthy:
		return false
	case domain.HealthRateLimited:
		return time.Now().UTC().After(snap.RateLimitResetsAt) || time.Now().UTC().Equal(snap.RateLimitResetsAt)
	default:
		return true
	}
}

// ReportSuccess resets a key to healthy and clears its failure counter.
func (s *Service) ReportSuccess(ctx context.Context, id string) {
	s.transition(ctx, id, domain.HealthHealthy, "", time.Time{})
}

// ReportRateLimited marks id rate_limited until resetAt and schedules the
// background transition back to healthy.
func (s *Service) ReportRateLimited(ctx context.Context, id string, resetAt time.Time) {
	s.transition(ctx, id, domain.HealthRateLimited, "rate_limited by upstream", resetAt)
	s.resetter.Schedule(id, resetAt)
}

// ReportAuthFailure marks id unhealthy for a deterministic credential
// failure (401/403, or an unrecoverable refresh error).
func (s *Service) ReportAuthFailure(ctx context.Context, id string, reason string) {
	s.transition(ctx, id, domain.HealthUnhealthy, reason, time.Time{})
}

// ReportTransientFailure increments the consecutive-failure counter and
// only demotes the key to unhealthy once the threshold is reached.
func (s *Service) ReportTransientFailure(ctx context.Context, id string, reason string) {
	s.m.mu.Lock()
	e, ok := s.m.entries[id]
	if !ok {
		e = &entry{status: domain.HealthHealthy}
		s.m.entries[id] = e
	}
	e.consecutiveFailures++
	count := e.consecutiveFailures
	e.detail = reason
	e.updatedAt = time.Now().UTC()
	becameUnhealthy := count >= s.failureThreshold && e.status == domain.HealthHealthy
	if becameUnhealthy {
		e.status = domain.HealthUnhealthy
	}
	s.m.mu.Unlock()

	if becameUnhealthy {
		s.persist(ctx, id, domain.HealthUnhealthy, reason, nil)
	}
}

// ResetToHealthy is called by the RateLimitResetScheduler when a
// rate-limited key's reset deadline fires.
func (s *Service) ResetToHealthy(ctx context.Context, id string) {
	s.transition(ctx, id, domain.HealthHealthy, "", time.Time{})
}

func (s *Service) transition(ctx context.Context, id, status, detail string, resetsAt time.Time) {
	s.m.mu.Lock()
	e, ok := s.m.entries[id]
	if !ok {
		e = &entry{}
		s.m.entries[id] = e
	}
	e.status = status
	e.detail = detail
	e.rateLimitResetsAt = resetsAt
	e.consecutiveFailures = 0
	e.updatedAt = time.Now().UTC()
	s.m.mu.Unlock()

	var resetsAtPtr *time.Time
	if !resetsAt.IsZero() {
		resetsAtPtr = &resetsAt
	}

	s.persist(ctx, id, status, detail, resetsAtPtr)
}

func (s *Service) persist(ctx context.Context, id, status, detail string, resetsAt *time.Time) {
	key, err := s.repo.GetProviderKey(ctx, id)
	if err != nil || key == nil {
		slog.Error("health: persist transition, load key", "key_id", id, "error", err)
		return
	}

	key.HealthStatus = status
	key.HealthStatusDetail = detail
	key.RateLimitResetsAt = resetsAt
	if status == domain.HealthUnhealthy {
		now := time.Now().UTC()
		key.LastErrorTime = &now
	}

	if _, err := s.repo.UpdateProviderKey(ctx, id, *key); err != nil {
		slog.Error("health: persist transition, update key", "key_id", id, "error", err)
	}
}

// Resync scans provider_keys rows updated since cursor and applies
// register/refresh/remove semantics, bounding divergence when management
// bypasses the request-path hooks. Returns the new cursor.
func (s *Service) Resync(ctx context.Context, cursor time.Time) (time.Time, error) {
	keys, err := s.repo.ListProviderKeysUpdatedSince(ctx, cursor)
	if err != nil {
		return cursor, err
	}

	next := cursor
	for _, k := range keys {
		if !k.IsActive {
			s.RemoveKey(k.ID)
			continue
		}

		if err := s.RegisterKey(ctx, k.ID); err != nil {
			slog.Error("health: resync register", "key_id", k.ID, "error", err)
			continue
		}

		if k.UpdatedAt.After(next) {
			next = k.UpdatedAt
		}
	}

	return next, nil
}
