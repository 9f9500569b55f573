package search

import (
	"context"
	"fmt"
	"time"

	"scout/internal/browser"
	"scout/internal/config"
	"scout/internal/logging"
	"scout/internal/ratelimit"
	"scout/internal/types"
)

// Searcher drives queries through the healthiest available engine.
type Searcher struct {
	cfg     config.SearchConfig
	pool    *browser.Pool
	limiter *ratelimit.Limiter
	health  *ratelimit.HealthTracker
}

// NewSearcher wires the searcher over the shared pool and limiter.
func NewSearcher(cfg config.SearchConfig, pool *browser.Pool, limiter *ratelimit.Limiter, health *ratelimit.HealthTracker) *Searcher {
	return &Searcher{cfg: cfg, pool: pool, limiter: limiter, health: health}
}

// Result carries a SERP with the engine that produced it.
type Result struct {
	Engine  string
	Entries []types.SERPEntry
}

// Search runs the query on engines in health order until one returns a
// parseable SERP. Every attempt goes through the global limiter first. An
// empty SERP from a non-blocked page is a valid result, not a failure.
func (s *Searcher) Search(ctx context.Context, sessionID, query string) (*Result, error) {
	ranked := s.health.Ranked(s.cfg.Engines)
	if len(ranked) == 0 {
		return nil, types.NewError(types.ErrRateLimited, "search",
			fmt.Errorf("all engines cooling down"))
	}

	var lastErr error
	for _, name := range ranked {
		def, ok := lookupEngine(name)
		if !ok {
			logging.Search("Skipping unknown engine %q", name)
			continue
		}

		if err := s.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		entries, err := s.searchOne(ctx, sessionID, def, query)
		if err != nil {
			lastErr = err
			blocked := types.IsKind(err, types.ErrBlocked)
			s.health.RecordFailure(name, blocked)
			if blocked {
				s.limiter.RecordBlock()
			}
			logging.Search("Engine %s failed: %v", name, err)
			continue
		}

		s.health.RecordSuccess(name)
		s.limiter.RecordSuccess()
		logging.Search("Engine %s returned %d results for %q", name, len(entries), types.TruncateForLog(query, 80))
		return &Result{Engine: name, Entries: entries}, nil
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("no usable engines configured")
	}
	return nil, fmt.Errorf("all engines failed: %w", lastErr)
}

func (s *Searcher) searchOne(ctx context.Context, sessionID string, def engineDef, query string) ([]types.SERPEntry, error) {
	timer := logging.StartTimer(logging.CategorySearch, "search:"+def.name)
	defer timer.Stop()

	bc, err := s.pool.Acquire(ctx, sessionID, def.resultHost)
	if err != nil {
		return nil, err
	}

	if err := bc.Navigate(ctx, def.homeURL); err != nil {
		return nil, fmt.Errorf("opening %s: %w", def.name, err)
	}

	if s.cfg.WarmupEnabled {
		s.warmup(ctx, bc, sessionID)
	}

	if err := bc.TypeInto(ctx, def.boxSelector, query); err != nil {
		return nil, fmt.Errorf("search box on %s: %w", def.name, err)
	}
	if err := bc.PressEnter(ctx); err != nil {
		return nil, fmt.Errorf("submitting on %s: %w", def.name, err)
	}
	bc.WaitStable(ctx)

	sig, err := bc.Perceive(ctx)
	if err != nil {
		return nil, fmt.Errorf("perceiving SERP on %s: %w", def.name, err)
	}
	if isBlocked, marker := def.blocked(sig.TextSample, sig.URL); isBlocked {
		return nil, types.NewBlockedError(def.name, types.BlockBotDetection,
			fmt.Errorf("block marker %q", marker))
	}

	pageHTML, err := bc.HTML(ctx)
	if err != nil {
		return nil, err
	}
	return ParseSERP(pageHTML, def.resultHost, s.cfg.MaxResults), nil
}

// warmup mimics a human settling onto the page: a short idle and a small
// scroll, with timing drawn from the session's deterministic RNG.
func (s *Searcher) warmup(ctx context.Context, bc *browser.Context, sessionID string) {
	rng := bc.WarmupRand(sessionID)
	lo, hi := s.cfg.WarmupIdleBounds()
	idle := lo + time.Duration(rng.Int63n(int64(hi-lo)+1))

	select {
	case <-time.After(idle):
	case <-ctx.Done():
		return
	}
	bc.Scroll(ctx, 120+rng.Intn(240))
	logging.SearchDebug("Warmup idle=%v", idle)
}
