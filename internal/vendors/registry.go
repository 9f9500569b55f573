// Package vendors tracks per-domain fetch reliability. A failing vendor
// walks a ladder of recovery strategies before it can be quarantined, and
// quarantine always expires on its own. No domain is ever blocked outright
// on a first failure.
package vendors

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"scout/internal/logging"
	"scout/internal/types"
)

// Strategy names one recovery step. The ladder is ordered cheapest-first.
type Strategy string

const (
	StrategyRecalibrate    Strategy = "recalibrate_selectors"
	StrategyIncreaseWait   Strategy = "increase_wait_time"
	StrategyStealthMode    Strategy = "use_stealth_mode"
	StrategyAlternateURL   Strategy = "try_different_url_pattern"
	StrategyMobileViewport Strategy = "use_mobile_viewport"
)

// Ladder is the fixed recovery order.
var Ladder = []Strategy{
	StrategyRecalibrate,
	StrategyIncreaseWait,
	StrategyStealthMode,
	StrategyAlternateURL,
	StrategyMobileViewport,
}

// Vendor is the persisted record for one domain.
type Vendor struct {
	Domain              string          `json:"domain"`
	SuccessCount        int             `json:"success_count"`
	FailureCount        int             `json:"failure_count"`
	ConsecutiveFailures int             `json:"consecutive_failures"`
	TriedStrategies     []Strategy      `json:"tried_strategies,omitempty"`
	LastBlockKind       types.BlockType `json:"last_block_kind,omitempty"`
	QuarantinedUntil    time.Time       `json:"quarantined_until,omitempty"`
	UpdatedAt           time.Time       `json:"updated_at"`
}

func (v *Vendor) tried(s Strategy) bool {
	for _, t := range v.TriedStrategies {
		if t == s {
			return true
		}
	}
	return false
}

// Registry is the on-disk vendor store, one JSONL line per domain.
type Registry struct {
	path               string
	quarantineAfter    int
	quarantineDuration time.Duration

	mu      sync.Mutex
	vendors map[string]*Vendor
}

// Open loads the registry at path, creating it lazily on first save.
func Open(path string, quarantineAfter int, quarantineDuration time.Duration) (*Registry, error) {
	if quarantineAfter < 1 {
		quarantineAfter = 3
	}
	if quarantineDuration <= 0 {
		quarantineDuration = 24 * time.Hour
	}
	r := &Registry{
		path:               path,
		quarantineAfter:    quarantineAfter,
		quarantineDuration: quarantineDuration,
		vendors:            make(map[string]*Vendor),
	}
	if err := r.load(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) load() error {
	f, err := os.Open(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("opening vendor registry: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var v Vendor
		if err := json.Unmarshal([]byte(line), &v); err != nil {
			logging.Vendors("Skipping malformed vendor line: %v", err)
			continue
		}
		r.vendors[v.Domain] = &v
	}
	return scanner.Err()
}

func (r *Registry) saveLocked() error {
	domains := make([]string, 0, len(r.vendors))
	for d := range r.vendors {
		domains = append(domains, d)
	}
	sort.Strings(domains)

	var sb strings.Builder
	for _, d := range domains {
		line, err := json.Marshal(r.vendors[d])
		if err != nil {
			return fmt.Errorf("marshaling vendor %s: %w", d, err)
		}
		sb.Write(line)
		sb.WriteByte('\n')
	}
	if err := os.MkdirAll(filepath.Dir(r.path), 0755); err != nil {
		return fmt.Errorf("creating vendor dir: %w", err)
	}
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, []byte(sb.String()), 0644); err != nil {
		return fmt.Errorf("writing vendor temp: %w", err)
	}
	return os.Rename(tmp, r.path)
}

func (r *Registry) getOrCreateLocked(domain string) *Vendor {
	v, ok := r.vendors[domain]
	if !ok {
		v = &Vendor{Domain: domain, UpdatedAt: time.Now()}
		r.vendors[domain] = v
	}
	return v
}

// Usable reports whether a domain may be fetched right now. An expired
// quarantine clears itself along with the failure state that caused it.
func (r *Registry) Usable(domain string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	v, ok := r.vendors[domain]
	if !ok {
		return true
	}
	if v.QuarantinedUntil.IsZero() {
		return true
	}
	if time.Now().After(v.QuarantinedUntil) {
		v.QuarantinedUntil = time.Time{}
		v.ConsecutiveFailures = 0
		v.TriedStrategies = nil
		v.UpdatedAt = time.Now()
		_ = r.saveLocked()
		logging.Vendors("Quarantine expired for %s, vendor restored", domain)
		return true
	}
	return false
}

// RecordSuccess clears the failure streak and any partial ladder progress.
func (r *Registry) RecordSuccess(domain string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	v := r.getOrCreateLocked(domain)
	v.SuccessCount++
	v.ConsecutiveFailures = 0
	v.TriedStrategies = nil
	v.QuarantinedUntil = time.Time{}
	v.UpdatedAt = time.Now()
	return r.saveLocked()
}

// RecordFailure notes a failed fetch and returns the next untried recovery
// strategy, or "" when the ladder is exhausted. Quarantine happens only
// when the ladder is exhausted AND the streak has reached the threshold.
func (r *Registry) RecordFailure(domain string, blockKind types.BlockType) (Strategy, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	v := r.getOrCreateLocked(domain)
	v.FailureCount++
	v.ConsecutiveFailures++
	v.LastBlockKind = blockKind
	v.UpdatedAt = time.Now()

	next := r.nextStrategyLocked(v)
	if next == "" && v.ConsecutiveFailures >= r.quarantineAfter {
		v.QuarantinedUntil = time.Now().Add(r.quarantineDuration)
		logging.Vendors("Quarantining %s until %s (streak=%d, ladder exhausted)",
			domain, v.QuarantinedUntil.Format(time.RFC3339), v.ConsecutiveFailures)
	}
	return next, r.saveLocked()
}

// RecordRecovery notes the outcome of actually applying a recovery
// strategy. On success the vendor starts clean: the streak, the ladder, and
// any quarantine are wiped. On failure the strategy is marked tried so the
// ladder advances.
func (r *Registry) RecordRecovery(domain string, s Strategy, success bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	v := r.getOrCreateLocked(domain)
	if success {
		v.ConsecutiveFailures = 0
		v.TriedStrategies = nil
		v.QuarantinedUntil = time.Time{}
		logging.Vendors("Recovery %s worked on %s, ladder reset", s, domain)
	} else if !v.tried(s) {
		v.TriedStrategies = append(v.TriedStrategies, s)
	}
	v.UpdatedAt = time.Now()
	return r.saveLocked()
}

// MarkStrategyTried records that a recovery strategy was attempted.
func (r *Registry) MarkStrategyTried(domain string, s Strategy) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	v := r.getOrCreateLocked(domain)
	if !v.tried(s) {
		v.TriedStrategies = append(v.TriedStrategies, s)
	}
	v.UpdatedAt = time.Now()
	return r.saveLocked()
}

func (r *Registry) nextStrategyLocked(v *Vendor) Strategy {
	for _, s := range Ladder {
		if !v.tried(s) {
			return s
		}
	}
	return ""
}

// NextStrategy returns the next untried strategy without recording a
// failure.
func (r *Registry) NextStrategy(domain string) Strategy {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.vendors[domain]
	if !ok {
		return Ladder[0]
	}
	return r.nextStrategyLocked(v)
}

// Get returns a copy of the vendor record.
func (r *Registry) Get(domain string) (*Vendor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.vendors[domain]
	if !ok {
		return nil, false
	}
	cp := *v
	cp.TriedStrategies = append([]Strategy(nil), v.TriedStrategies...)
	return &cp, true
}

// All returns copies of every vendor, sorted by domain.
func (r *Registry) All() []*Vendor {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*Vendor, 0, len(r.vendors))
	for _, v := range r.vendors {
		cp := *v
		cp.TriedStrategies = append([]Strategy(nil), v.TriedStrategies...)
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Domain < out[j].Domain })
	return out
}
