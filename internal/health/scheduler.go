package health

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

// resetTask is one pending rate_limited -> healthy transition.
type resetTask struct {
	keyID string
	fireAt time.Time
	index int // heap.Interface bookkeeping
}

// taskHeap is a min-heap ordered by fireAt, with an index so a pending
// task can be cancelled (or rescheduled) in O(log n) instead of a scan.
type taskHeap []*resetTask

func (h taskHeap) Len() int            { return len(h) }
func (h taskHeap) Less(i, j int) bool  { return h[i].fireAt.Before(h[j].fireAt) }
func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}

func (h *taskHeap) Push(x any) {
	t := x.(*resetTask)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// RateLimitResetScheduler fires ResetToHealthy for a provider key once its
// rate_limit_resets_at deadline passes. container/heap plus a single timer
// is the standard-library idiom for a delayed-work queue; nothing in the
// example pack offers a priority-timer abstraction, so this part is
// deliberately built on the standard library rather than borrowed.
type RateLimitResetScheduler struct {
	mu      sync.Mutex
	heap    taskHeap
	byKey   map[string]*resetTask
	timer   *time.Timer
	onFire  func(ctx context.Context, keyID string)

	cmdCh chan struct{}
	ctx   context.Context
	cancel context.CancelFunc
	wg    sync.WaitGroup
}

// NewRateLimitResetScheduler constructs a scheduler; onFire is invoked from
// the scheduler's own worker goroutine, so it must not block indefinitely.
func NewRateLimitResetScheduler(onFire func(ctx context.Context, keyID string)) *RateLimitResetScheduler {
	return &RateLimitResetScheduler{
		byKey:  make(map[string]*resetTask),
		onFire: onFire,
		cmdCh:  make(chan struct{}, 1),
	}
}

// Start launches the worker goroutine. Call Stop to release resources.
func (s *RateLimitResetScheduler) Start(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.timer = time.NewTimer(time.Hour)
	s.timer.Stop()

	s.wg.Add(1)
	go s.run()
}

// Stop cancels the worker goroutine and waits for it to exit.
func (s *RateLimitResetScheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// Schedule queues (or reschedules) a fire for keyID at fireAt.
func (s *RateLimitResetScheduler) Schedule(keyID string, fireAt time.Time) {
	s.mu.Lock()
	if t, ok := s.byKey[keyID]; ok {
		t.fireAt = fireAt
		heap.Fix(&s.heap, t.index)
	} else {
		t := &resetTask{keyID: keyID, fireAt: fireAt}
		heap.Push(&s.heap, t)
		s.byKey[keyID] = t
	}
	s.mu.Unlock()

	s.nudge()
}

// Cancel removes any pending fire for keyID, a no-op if none is queued.
func (s *RateLimitResetScheduler) Cancel(keyID string) {
	s.mu.Lock()
	t, ok := s.byKey[keyID]
	if ok {
		heap.Remove(&s.heap, t.index)
		delete(s.byKey, keyID)
	}
	s.mu.Unlock()

	if ok {
		s.nudge()
	}
}

func (s *RateLimitResetScheduler) nudge() {
	select {
	case s.cmdCh <- struct{}{}:
	default:
	}
}

func (s *RateLimitResetScheduler) run() {
	defer s.wg.Done()

	for {
		s.mu.Lock()
		var wait time.Duration
		hasNext := len(s.heap) > 0
		if hasNext {
			wait = time.Until(s.heap[0].fireAt)
		}
		s.mu.Unlock()

		if hasNext {
			if wait <= 0 {
				s.fireDue()
				continue
			}
			s.timer.Reset(wait)
		}

		select {
		case <-s.ctx.Done():
			if !s.timer.Stop() {
				select {
				case <-s.timer.C:
				default:
				}
			}
			return
		case <-s.timer.C:
			s.fireDue()
		case <-s.cmdCh:
			if hasNext && !s.timer.Stop() {
				select {
				case <-s.timer.C:
				default:
				}
			}
		}
	}
}

func (s *RateLimitResetScheduler) fireDue() {
	now := time.Now().UTC()

	var due []string
	s.mu.Lock()
	for len(s.heap) > 0 && !s.heap[0].fireAt.After(now) {
		t := heap.Pop(&s.heap).(*resetTask)
		delete(s.byKey, t.keyID)
		due = append(due, t.keyID)
	}
	s.mu.Unlock()

	for _, keyID := range due {
		if s.onFire != nil {
			s.onFire(s.ctx, keyID)
		}
	}
}
