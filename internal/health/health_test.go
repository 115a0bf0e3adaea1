package health

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rakunlabs/relay/internal/domain"
	"github.com/rakunlabs/relay/internal/store/memory"
)

// fakeResetter records Schedule/Cancel calls without actually firing a timer.
type fakeResetter struct {
	mu        sync.Mutex
	scheduled map[string]time.Time
	cancelled []string
}

func newFakeResetter() *fakeResetter {
	return &fakeResetter{scheduled: make(map[string]time.Time)}
}

func (f *fakeResetter) Schedule(keyID string, fireAt time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scheduled[keyID] = fireAt
}

func (f *fakeResetter) Cancel(keyID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, keyID)
	delete(f.scheduled, keyID)
}

func TestRegisterKeyDefaultsHealthy(t *testing.T) {
	ctx := context.Background()
	repo := memory.New()
	key, _ := repo.CreateProviderKey(ctx, domain.ProviderKey{IsActive: true})

	svc := NewService(repo, newFakeResetter(), 3)
	if err := svc.RegisterKey(ctx, key.ID); err != nil {
		t.Fatalf("RegisterKey: %v", err)
	}

	if !svc.IsAvailable(key.ID) {
		t.Fatal("freshly registered key should be available")
	}
}

func TestReportRateLimitedMakesUnavailableUntilReset(t *testing.T) {
	ctx := context.Background()
	repo := memory.New()
	key, _ := repo.CreateProviderKey(ctx, domain.ProviderKey{IsActive: true})

	resetter := newFakeResetter()
	svc := NewService(repo, resetter, 3)
	_ = svc.RegisterKey(ctx, key.ID)

	future := time.Now().Add(time.Hour)
	svc.ReportRateLimited(ctx, key.ID, future)

	if svc.IsAvailable(key.ID) {
		t.Fatal("key rate-limited into the future should not be available")
	}
	if _, ok := resetter.scheduled[key.ID]; !ok {
		t.Fatal("expected the resetter to have a scheduled reset")
	}

	past := time.Now().Add(-time.Minute)
	svc.ReportRateLimited(ctx, key.ID, past)
	if !svc.IsAvailable(key.ID) {
		t.Fatal("key whose reset time has already passed should be treated as available")
	}
}

func TestReportAuthFailureMakesUnavailable(t *testing.T) {
	ctx := context.Background()
	repo := memory.New()
	key, _ := repo.CreateProviderKey(ctx, domain.ProviderKey{IsActive: true})

	svc := NewService(repo, newFakeResetter(), 3)
	_ = svc.RegisterKey(ctx, key.ID)

	svc.ReportAuthFailure(ctx, key.ID, "invalid_grant")
	if svc.IsAvailable(key.ID) {
		t.Fatal("key with an auth failure should be unavailable")
	}

	saved, err := repo.GetProviderKey(ctx, key.ID)
	if err != nil {
		t.Fatalf("GetProviderKey: %v", err)
	}
	if saved.HealthStatus != domain.HealthUnhealthy {
		t.Fatalf("persisted health status = %q, want %q", saved.HealthStatus, domain.HealthUnhealthy)
	}
}

func TestReportTransientFailureThreshold(t *testing.T) {
	ctx := context.Background()
	repo := memory.New()
	key, _ := repo.CreateProviderKey(ctx, domain.ProviderKey{IsActive: true})

	svc := NewService(repo, newFakeResetter(), 3)
	_ = svc.RegisterKey(ctx, key.ID)

	svc.ReportTransientFailure(ctx, key.ID, "timeout")
	if !svc.IsAvailable(key.ID) {
		t.Fatal("should still be available below the failure threshold")
	}

	svc.ReportTransientFailure(ctx, key.ID, "timeout")
	svc.ReportTransientFailure(ctx, key.ID, "timeout")

	if svc.IsAvailable(key.ID) {
		t.Fatal("should become unavailable once the failure threshold is reached")
	}
}

func TestReportSuccessClearsFailureCounter(t *testing.T) {
	ctx := context.Background()
	repo := memory.New()
	key, _ := repo.CreateProviderKey(ctx, domain.ProviderKey{IsActive: true})

	svc := NewService(repo, newFakeResetter(), 2)
	_ = svc.RegisterKey(ctx, key.ID)

	svc.ReportTransientFailure(ctx, key.ID, "timeout")
	svc.ReportSuccess(ctx, key.ID)
	svc.ReportTransientFailure(ctx, key.ID, "timeout")

	if !svc.IsAvailable(key.ID) {
		t.Fatal("failure counter should have reset after a success, so one more failure shouldn't trip the threshold")
	}
}

func TestRemoveKeyCancelsResetAndClearsAvailability(t *testing.T) {
	ctx := context.Background()
	repo := memory.New()
	key, _ := repo.CreateProviderKey(ctx, domain.ProviderKey{IsActive: true})

	resetter := newFakeResetter()
	svc := NewService(repo, resetter, 3)
	_ = svc.RegisterKey(ctx, key.ID)
	svc.ReportRateLimited(ctx, key.ID, time.Now().Add(time.Hour))

	svc.RemoveKey(key.ID)

	found := false
	for _, id := range resetter.cancelled {
		if id == key.ID {
			found = true
		}
	}
	if !found {
		t.Fatal("RemoveKey should cancel any pending reset")
	}

	// An untracked key is treated as healthy/available again.
	if !svc.IsAvailable(key.ID) {
		t.Fatal("untracked key should default to available")
	}
}

func TestResyncAdvancesCursorAndRegistersChangedKeys(t *testing.T) {
	ctx := context.Background()
	repo := memory.New()
	start := time.Now().UTC()

	resetAt := time.Now().Add(time.Hour)
	key, _ := repo.CreateProviderKey(ctx, domain.ProviderKey{
		IsActive:          true,
		HealthStatus:      domain.HealthRateLimited,
		RateLimitResetsAt: &resetAt,
	})

	svc := NewService(repo, newFakeResetter(), 3)

	next, err := svc.Resync(ctx, start.Add(-time.Minute))
	if err != nil {
		t.Fatalf("Resync: %v", err)
	}
	if !next.After(start.Add(-time.Minute)) {
		t.Fatal("Resync should advance the cursor past keys it processed")
	}

	// RegisterKey via Resync should have carried over the persisted
	// rate_limited status rather than resetting it to healthy.
	if svc.IsAvailable(key.ID) {
		t.Fatal("resync should register a persisted rate_limited key as unavailable, not silently heal it")
	}
}
