// Package ratelimit enforces the per-ServiceApi caller-facing request rate
// limit using golang.org/x/time/rate, the same token-bucket library the
// wider example corpus reaches for instead of a hand-rolled limiter.
package ratelimit

import (
	"sync"

	"golang.org/x/time/rate"
)

// Limiter holds one rate.Limiter per service_api_id, created lazily and
// kept for the process lifetime. A sync.Map is appropriate here since keys
// are written once and then read far more often than they change.
type Limiter struct {
	limiters sync.Map // service_api_id -> *rate.Limiter
}

func New() *Limiter {
	return &Limiter{}
}

// Allow reports whether a request for serviceApiID may proceed, given a
// requests-per-minute budget. ratePerMinute <= 0 disables limiting for that
// ServiceApi.
func (l *Limiter) Allow(serviceApiID string, ratePerMinute int) bool {
	if ratePerMinute <= 0 {
		return true
	}

	return l.limiterFor(serviceApiID, ratePerMinute).Allow()
}

func (l *Limiter) limiterFor(serviceApiID string, ratePerMinute int) *rate.Limiter {
	if v, ok := l.limiters.Load(serviceApiID); ok {
		return v.(*rate.Limiter)
	}

	// Burst equal to one minute's budget lets a caller use its full quota
	// in a single burst rather than being smoothed to a strict interval.
	limiter := rate.NewLimiter(rate.Limit(float64(ratePerMinute)/60.0), ratePerMinute)

	actual, loaded := l.limiters.LoadOrStore(serviceApiID, limiter)
	if loaded {
		return actual.(*rate.Limiter)
	}

	return limiter
}

// Remove drops the tracked limiter for serviceApiID, e.g. when the
// ServiceApi is deleted or its rate limit configuration changes.
func (l *Limiter) Remove(serviceApiID string) {
	l.limiters.Delete(serviceApiID)
}
