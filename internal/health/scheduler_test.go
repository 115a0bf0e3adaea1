package health

import (
	"context"
	"sync"
	"testing"
	"time"
)

type firedCall struct {
	keyID string
	at    time.Time
}

func TestRateLimitResetSchedulerFiresAtDeadline(t *testing.T) {
	var mu sync.Mutex
	var fired []firedCall

	s := NewRateLimitResetScheduler(func(ctx context.Context, keyID string) {
		mu.Lock()
		fired = append(fired, firedCall{keyID: keyID, at: time.Now()})
		mu.Unlock()
	})
	s.Start(context.Background())
	defer s.Stop()

	s.Schedule("key-a", time.Now().Add(20*time.Millisecond))

	deadline := time.After(2 * time.Second)
	for {
		mu.Lock()
		n := len(fired)
		mu.Unlock()
		if n >= 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("scheduled reset never fired")
		case <-time.After(5 * time.Millisecond):
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if fired[0].keyID != "key-a" {
		t.Fatalf("fired keyID = %q, want key-a", fired[0].keyID)
	}
}

func TestRateLimitResetSchedulerCancelPreventsFire(t *testing.T) {
	var mu sync.Mutex
	var fired []string

	s := NewRateLimitResetScheduler(func(ctx context.Context, keyID string) {
		mu.Lock()
		fired = append(fired, keyID)
		mu.Unlock()
	})
	s.Start(context.Background())
	defer s.Stop()

	s.Schedule("key-b", time.Now().Add(20*time.Millisecond))
	s.Cancel("key-b")

	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(fired) != 0 {
		t.Fatalf("cancelled key should never fire, got %v", fired)
	}
}

func TestRateLimitResetSchedulerReschedulePushesDeadlineOut(t *testing.T) {
	var mu sync.Mutex
	var fired []firedCall

	s := NewRateLimitResetScheduler(func(ctx context.Context, keyID string) {
		mu.Lock()
		fired = append(fired, firedCall{keyID: keyID, at: time.Now()})
		mu.Unlock()
	})
	s.Start(context.Background())
	defer s.Stop()

	start := time.Now()
	s.Schedule("key-c", start.Add(20*time.Millisecond))
	// Reschedule to a later deadline before the first one elapses.
	later := start.Add(150 * time.Millisecond)
	s.Schedule("key-c", later)

	deadline := time.After(2 * time.Second)
	for {
		mu.Lock()
		n := len(fired)
		mu.Unlock()
		if n >= 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("rescheduled reset never fired")
		case <-time.After(5 * time.Millisecond):
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if fired[0].at.Before(later.Add(-10 * time.Millisecond)) {
		t.Fatalf("fired at %v, want no earlier than roughly %v (the rescheduled deadline)", fired[0].at, later)
	}
}

func TestRateLimitResetSchedulerStopIsPrompt(t *testing.T) {
	s := NewRateLimitResetScheduler(func(ctx context.Context, keyID string) {})
	s.Start(context.Background())
	s.Schedule("key-d", time.Now().Add(time.Hour))

	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop should return promptly even with a far-future pending task")
	}
}
