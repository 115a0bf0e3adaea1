// Package scheduler picks which ProviderKey in a ServiceApi's pool should
// serve the next request, filtering out keys the HealthService reports as
// unavailable and applying the configured scheduling strategy.
package scheduler

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rakunlabs/relay/internal/domain"
)

// HealthChecker reports whether a provider key is currently eligible for
// scheduling; the concrete implementation is health.Service.
type HealthChecker interface {
	IsAvailable(keyID string) bool
}

// Scheduler selects a ProviderKey from a ServiceApi's pool for each
// request, keeping one round-robin cursor per ServiceApi so repeated
// requests against the same ServiceApi advance fairly.
type Scheduler struct {
	health HealthChecker

	cursorsMu sync.Mutex
	cursors   map[string]*atomic.Uint64
}

func New(health HealthChecker) *Scheduler {
	return &Scheduler{health: health, cursors: make(map[string]*atomic.Uint64)}
}

func (s *Scheduler) cursorFor(serviceApiID string) *atomic.Uint64 {
	s.cursorsMu.Lock()
	defer s.cursorsMu.Unlock()

	c, ok := s.cursors[serviceApiID]
	if !ok {
		c = &atomic.Uint64{}
		s.cursors[serviceApiID] = c
	}
	return c
}

// Select picks one available key from keys according to strategy, or
// domain.ErrNoAvailableKeys if none of them are currently usable. exclude
// lists key IDs already tried for this request (used by the pipeline's
// retry loop so a failing key isn't picked twice in the same request).
func (s *Scheduler) Select(serviceApiID, strategy string, keys []domain.ProviderKey, exclude map[string]bool) (*domain.ProviderKey, error) {
	// Static filter: keys that can never be used regardless of health state
	// (excluded already, inactive, unauthorized OAuth-like, or a non-
	// refreshable expiry in the past — refreshable access-token expiry is
	// CredentialProvider's job, not this filter's).
	static := make([]domain.ProviderKey, 0, len(keys))
	for _, k := range keys {
		if exclude[k.ID] {
			continue
		}
		if !k.IsActive {
			continue
		}
		if domain.IsOAuthLike(k.AuthType) && k.AuthStatus != domain.AuthStatusAuthorized {
			continue
		}
		if !domain.IsOAuthLike(k.AuthType) && k.ExpiresAt != nil && k.ExpiresAt.Before(time.Now()) {
			continue
		}
		static = append(static, k)
	}

	if len(static) == 0 {
		return nil, domain.ErrNoAvailableKeys
	}

	candidates := make([]domain.ProviderKey, 0, len(static))
	for _, k := range static {
		if s.health.IsAvailable(k.ID) {
			candidates = append(candidates, k)
		}
	}

	if len(candidates) == 0 {
		// Degraded mode: every statically-valid key is currently reported
		// unhealthy. Rather than fail the request outright, bypass health
		// and serve from the static set anyway.
		slog.Warn("key_pool_degraded", "service_api_id", serviceApiID, "candidates", len(static))
		candidates = static
	}

	switch strategy {
	case domain.StrategyWeighted:
		return s.selectWeighted(serviceApiID, candidates), nil
	default:
		return s.selectRoundRobin(serviceApiID, candidates), nil
	}
}

func (s *Scheduler) selectRoundRobin(serviceApiID string, candidates []domain.ProviderKey) *domain.ProviderKey {
	cursor := s.cursorFor(serviceApiID)
	idx := cursor.Add(1) % uint64(len(candidates))
	key := candidates[idx]
	return &key
}

func (s *Scheduler) selectWeighted(serviceApiID string, candidates []domain.ProviderKey) *domain.ProviderKey {
	total := 0
	for _, k := range candidates {
		total += k.EffectiveWeight()
	}
	if total <= 0 {
		slog.Warn("weighted_fallback_to_round_robin", "service_api_id", serviceApiID)
		return s.selectRoundRobin(serviceApiID, candidates)
	}

	// Weighted round robin: the per-ServiceApi cursor walks the cumulative
	// weights, so out of every total selections each key gets as many
	// consecutive turns as its effective weight.
	pick := int(s.cursorFor(serviceApiID).Add(1) % uint64(total))
	for _, k := range candidates {
		pick -= k.EffectiveWeight()
		if pick < 0 {
			key := k
			return &key
		}
	}

	key := candidates[len(candidates)-1]
	return &key
}

// RemoveCursor drops the round-robin cursor for a deleted ServiceApi.
func (s *Scheduler) RemoveCursor(serviceApiID string) {
	s.cursorsMu.Lock()
	delete(s.cursors, serviceApiID)
	s.cursorsMu.Unlock()
}
