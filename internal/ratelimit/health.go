package ratelimit

import (
	"sort"
	"sync"
	"time"

	"scout/internal/config"
	"scout/internal/logging"
)

// engineState tracks one engine's recent behavior.
type engineState struct {
	name            string
	successes       int
	failures        int
	consecutiveFail int
	lastSuccess     time.Time
	lastFailure     time.Time
	cooldownUntil   time.Time
}

// score ranks engines for selection. Success rate dominates; a recent
// success breaks ties between engines with thin history. An engine with no
// history is assumed fully healthy.
func (s *engineState) score(now time.Time) float64 {
	total := s.successes + s.failures
	if total == 0 {
		return 1.0
	}
	rate := float64(s.successes) / float64(total)
	if !s.lastSuccess.IsZero() && now.Sub(s.lastSuccess) < 10*time.Minute {
		rate += 0.1
	}
	rate -= 0.05 * float64(s.consecutiveFail)
	return rate
}

// HealthTracker maintains per-engine health and cooldowns.
type HealthTracker struct {
	cooldown    time.Duration
	maxBackoff  time.Duration
	maxFailures int

	mu      sync.Mutex
	engines map[string]*engineState
}

// NewHealthTracker builds a tracker for the named engines.
func NewHealthTracker(cfg config.RateLimitConfig, engines []string) *HealthTracker {
	t := &HealthTracker{
		cooldown:    cfg.EngineCooldownDuration(),
		maxBackoff:  cfg.MaxBackoffDuration(),
		maxFailures: cfg.EngineMaxFailures,
		engines:     make(map[string]*engineState, len(engines)),
	}
	if t.maxFailures < 1 {
		t.maxFailures = 3
	}
	if t.maxBackoff <= 0 {
		t.maxBackoff = 15 * time.Minute
	}
	for _, name := range engines {
		t.engines[name] = &engineState{name: name}
	}
	return t
}

// RecordSuccess clears an engine's failure streak and any cooldown.
func (t *HealthTracker) RecordSuccess(engine string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.state(engine)
	s.successes++
	s.consecutiveFail = 0
	s.lastSuccess = time.Now()
	s.cooldownUntil = time.Time{}
}

// RecordFailure notes a failed or blocked search. Every failure puts the
// engine into cooldown; consecutive failures double it, up to the cap.
func (t *HealthTracker) RecordFailure(engine string, blocked bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.state(engine)
	s.failures++
	s.consecutiveFail++
	s.lastFailure = time.Now()

	cool := t.cooldown
	streak := s.consecutiveFail
	if streak > t.maxFailures {
		streak = t.maxFailures
	}
	for i := 1; i < streak; i++ {
		cool *= 2
	}
	if cool > t.maxBackoff {
		cool = t.maxBackoff
	}
	s.cooldownUntil = time.Now().Add(cool)
	logging.Rate("Engine %s cooling down until %s (consecutive=%d blocked=%v)",
		engine, s.cooldownUntil.Format(time.Kitchen), s.consecutiveFail, blocked)
}

func (t *HealthTracker) state(engine string) *engineState {
	s, ok := t.engines[engine]
	if !ok {
		s = &engineState{name: engine}
		t.engines[engine] = s
	}
	return s
}

// usableLocked reports whether the engine is out of cooldown. An expired
// cooldown clears itself along with the failure streak that caused it.
func (t *HealthTracker) usableLocked(s *engineState, now time.Time) bool {
	if s.cooldownUntil.IsZero() {
		return true
	}
	if now.After(s.cooldownUntil) {
		s.cooldownUntil = time.Time{}
		s.consecutiveFail = 0
		logging.RateDebug("Engine %s cooldown expired, streak cleared", s.name)
		return true
	}
	return false
}

// Available reports whether an engine is currently usable.
func (t *HealthTracker) Available(engine string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.engines[engine]
	if !ok {
		return false
	}
	return t.usableLocked(s, time.Now())
}

// Ranked returns usable engines ordered best-first. The preferred order is
// used as the tiebreak so equally healthy engines keep their configured
// priority. An empty result means every engine is cooling down.
func (t *HealthTracker) Ranked(preferred []string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	type ranked struct {
		name  string
		score float64
		pos   int
	}
	var out []ranked
	for i, name := range preferred {
		s, ok := t.engines[name]
		if !ok || !t.usableLocked(s, now) {
			continue
		}
		out = append(out, ranked{name: name, score: s.score(now), pos: i})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].score != out[j].score {
			return out[i].score > out[j].score
		}
		return out[i].pos < out[j].pos
	})

	names := make([]string, len(out))
	for i, r := range out {
		names[i] = r.name
	}
	return names
}

// Snapshot returns a copy of current engine stats for diagnostics.
func (t *HealthTracker) Snapshot() map[string]EngineHealth {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[string]EngineHealth, len(t.engines))
	now := time.Now()
	for name, s := range t.engines {
		cooling := !t.usableLocked(s, now)
		out[name] = EngineHealth{
			Successes:       s.successes,
			Failures:        s.failures,
			ConsecutiveFail: s.consecutiveFail,
			CoolingDown:     cooling,
			Score:           s.score(now),
		}
	}
	return out
}

// EngineHealth is a diagnostic view of one engine.
type EngineHealth struct {
	Successes       int     `json:"successes"`
	Failures        int     `json:"failures"`
	ConsecutiveFail int     `json:"consecutive_fail"`
	CoolingDown     bool    `json:"cooling_down"`
	Score           float64 `json:"score"`
}
