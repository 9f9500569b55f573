// Package ratelimit paces outbound search traffic. A single Limiter
// serializes every engine query in the process, and a HealthTracker decides
// which engines are worth querying at all.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"scout/internal/config"
	"scout/internal/logging"
	"scout/internal/types"
)

// Limiter enforces a minimum delay between searches, growing it
// exponentially while engines are blocking us. All searches in the process
// go through one Limiter; concurrent research runs share the same budget.
type Limiter struct {
	minDelay   time.Duration
	baseBlock  time.Duration
	maxBackoff time.Duration

	mu          sync.Mutex
	lastSearch  time.Time
	blockStreak int
}

// NewLimiter builds a limiter from config.
func NewLimiter(cfg config.RateLimitConfig) *Limiter {
	return &Limiter{
		minDelay:   cfg.MinDelayDuration(),
		baseBlock:  cfg.BackoffOnBlockDuration(),
		maxBackoff: cfg.MaxBackoffDuration(),
	}
}

// currentDelay returns the gap required after the previous search: the
// baseline min_delay plus the current block backoff.
func (l *Limiter) currentDelay() time.Duration {
	return l.minDelay + l.currentBackoff()
}

// currentBackoff is base * 2^(n-1) for n consecutive blocks, capped.
func (l *Limiter) currentBackoff() time.Duration {
	if l.blockStreak == 0 {
		return 0
	}
	d := l.baseBlock
	for i := 1; i < l.blockStreak; i++ {
		d *= 2
		if d >= l.maxBackoff {
			return l.maxBackoff
		}
	}
	if d > l.maxBackoff {
		d = l.maxBackoff
	}
	return d
}

// Wait blocks until the next search is allowed, then claims the slot.
// Returns a cancelled error if ctx expires first.
func (l *Limiter) Wait(ctx context.Context) error {
	for {
		l.mu.Lock()
		gap := l.currentDelay()
		elapsed := time.Since(l.lastSearch)
		if l.lastSearch.IsZero() || elapsed >= gap {
			l.lastSearch = time.Now()
			l.mu.Unlock()
			return nil
		}
		wait := gap - elapsed
		l.mu.Unlock()

		logging.RateDebug("Limiter waiting %v (streak=%d)", wait, l.blockStreak)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return types.NewError(types.ErrCancelled, "limiter", ctx.Err())
		}
	}
}

// RecordBlock notes that a search got blocked, widening future gaps.
func (l *Limiter) RecordBlock() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.blockStreak++
	logging.Rate("Block recorded, streak=%d next_delay=%v", l.blockStreak, l.currentDelay())
}

// RecordSuccess steps the block streak down one notch. Recovery is gradual
// so a single lucky search does not drop the pacing back to baseline.
func (l *Limiter) RecordSuccess() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.blockStreak == 0 {
		return
	}
	l.blockStreak--
	logging.Rate("Block streak eased to %d, next_delay=%v", l.blockStreak, l.currentDelay())
}

// BlockStreak returns the current consecutive-block count.
func (l *Limiter) BlockStreak() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.blockStreak
}

// Delay exposes the currently required gap, for tests and diagnostics.
func (l *Limiter) Delay() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.currentDelay()
}
