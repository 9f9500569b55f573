// Package schema persists learned extraction selectors keyed by domain and
// page type. Each record carries a version that only moves forward,
// success/failure accounting per extraction method, and a recalibration
// signal consumed by the vendor recovery ladder.
package schema

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

	"github.com/fsnotify/fsnotify"

	"scout/internal/logging"
	"scout/internal/reader"
	"scout/internal/types"
)

// MethodStat tracks one extraction method's record on a schema.
type MethodStat struct {
	Successes int `json:"successes"`
	Failures  int `json:"failures"`
}

// Schema is the learned extraction knowledge for one (domain, page type)
// pair. PaginationMethod and VisualHints are layout observations that ride
// along with the selectors.
type Schema struct {
	Domain              string                `json:"domain"`
	PageType            string                `json:"page_type"`
	Version             int                   `json:"version"`
	Selectors           map[string]string     `json:"selectors,omitempty"`
	PaginationMethod    string                `json:"pagination_method,omitempty"`
	VisualHints         []string              `json:"visual_hints,omitempty"`
	SuccessCount        int                   `json:"success_count"`
	FailureCount        int                   `json:"failure_count"`
	ConsecutiveFailures int                   `json:"consecutive_failures"`
	MethodStats         map[string]MethodStat `json:"method_stats,omitempty"`
	UpdatedAt           time.Time             `json:"updated_at"`
}

// NeedsRecalibration reports whether the selectors should be relearned: any
// fresh failure streak, or an established record that succeeds less than
// half the time.
func (s *Schema) NeedsRecalibration() bool {
	if s.ConsecutiveFailures >= 1 {
		return true
	}
	total := s.SuccessCount + s.FailureCount
	if total >= 5 {
		rate := float64(s.SuccessCount) / float64(total)
		return rate < 0.5
	}
	return false
}

// BestMethod returns the extraction method with the highest success rate,
// or "" when nothing has been tried.
func (s *Schema) BestMethod() string {
	best, bestRate := "", -1.0
	names := make([]string, 0, len(s.MethodStats))
	for name := range s.MethodStats {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		st := s.MethodStats[name]
		total := st.Successes + st.Failures
		if total == 0 {
			continue
		}
		rate := float64(st.Successes) / float64(total)
		if rate > bestRate {
			best, bestRate = name, rate
		}
	}
	return best
}

// Registry is the on-disk schema store. One JSONL line per record.
type Registry struct {
	path string

	mu      sync.RWMutex
	schemas map[string]*Schema
	watcher *fsnotify.Watcher
	done    chan struct{}
}

func key(domain, pageType string) string {
	return domain + "|" + pageType
}

// Open loads the registry at path (created on first save) and starts
// watching for external rewrites.
func Open(path string) (*Registry, error) {
	r := &Registry{
		path:    path,
		schemas: make(map[string]*Schema),
		done:    make(chan struct{}),
	}
	if err := r.load(); err != nil {
		return nil, err
	}
	r.startWatcher()
	return r, nil
}

func (r *Registry) load() error {
	f, err := os.Open(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("opening schema registry: %w", err)
	}
	defer f.Close()

	loaded := make(map[string]*Schema)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var s Schema
		if err := json.Unmarshal([]byte(line), &s); err != nil {
			logging.Schema("Skipping malformed registry line: %v", err)
			continue
		}
		if s.PageType == "" {
			// Records written before page typing default to the catch-all.
			s.PageType = string(reader.TypeOther)
		}
		loaded[key(s.Domain, s.PageType)] = &s
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading schema registry: %w", err)
	}

	r.mu.Lock()
	r.schemas = loaded
	r.mu.Unlock()
	logging.SchemaDebug("Loaded %d schemas", len(loaded))
	return nil
}

// save writes the full registry through a temp file and rename so readers
// never observe a half-written file. Callers hold the write lock.
func (r *Registry) saveLocked() error {
	keys := make([]string, 0, len(r.schemas))
	for k := range r.schemas {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for _, k := range keys {
		line, err := json.Marshal(r.schemas[k])
		if err != nil {
			return fmt.Errorf("marshaling schema %s: %w", k, err)
		}
		sb.Write(line)
		sb.WriteByte('\n')
	}

	if err := os.MkdirAll(filepath.Dir(r.path), 0755); err != nil {
		return fmt.Errorf("creating registry dir: %w", err)
	}
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, []byte(sb.String()), 0644); err != nil {
		return fmt.Errorf("writing registry temp: %w", err)
	}
	if err := os.Rename(tmp, r.path); err != nil {
		return fmt.Errorf("replacing registry: %w", err)
	}
	return nil
}

// Get returns a copy of the schema for the (domain, pageType) pair.
func (r *Registry) Get(domain, pageType string) (*Schema, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.schemas[key(domain, pageType)]
	if !ok {
		return nil, false
	}
	return copySchema(s), true
}

// GetForURL classifies the URL's page type and returns the matching schema
// for its host.
func (r *Registry) GetForURL(url string) (*Schema, bool) {
	domain := types.HostOf(url)
	if domain == "" {
		return nil, false
	}
	pageType := string(reader.DetectType(url, "", ""))
	return r.Get(domain, pageType)
}

// UpdateSelectors installs new selectors. The version increments only when
// the selector set actually changed; it never decreases.
func (r *Registry) UpdateSelectors(domain, pageType string, selectors map[string]string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.getOrCreateLocked(domain, pageType)
	if !mapsEqual(s.Selectors, selectors) {
		s.Selectors = copyMap(selectors)
		s.Version++
		s.ConsecutiveFailures = 0
		s.UpdatedAt = time.Now()
		logging.Schema("Schema for %s/%s updated to v%d (%d selectors)", domain, pageType, s.Version, len(selectors))
	}
	return r.saveLocked()
}

// SetLayout records pagination and visual-layout observations for a schema.
func (r *Registry) SetLayout(domain, pageType, pagination string, hints []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.getOrCreateLocked(domain, pageType)
	if pagination != "" {
		s.PaginationMethod = pagination
	}
	if len(hints) > 0 {
		s.VisualHints = append([]string(nil), hints...)
	}
	s.UpdatedAt = time.Now()
	return r.saveLocked()
}

// RecordSuccess notes a successful extraction via method.
func (r *Registry) RecordSuccess(domain, pageType, method string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.getOrCreateLocked(domain, pageType)
	s.SuccessCount++
	s.ConsecutiveFailures = 0
	bumpStat(s, method, true)
	s.UpdatedAt = time.Now()
	return r.saveLocked()
}

// RecordFailure notes a failed extraction via method.
func (r *Registry) RecordFailure(domain, pageType, method string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.getOrCreateLocked(domain, pageType)
	s.FailureCount++
	s.ConsecutiveFailures++
	bumpStat(s, method, false)
	s.UpdatedAt = time.Now()
	return r.saveLocked()
}

// MarkStale flags one schema for recalibration without touching its
// selectors or lifetime counters.
func (r *Registry) MarkStale(domain, pageType string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.schemas[key(domain, pageType)]
	if !ok {
		return nil
	}
	if s.ConsecutiveFailures < 1 {
		s.ConsecutiveFailures = 1
	}
	s.UpdatedAt = time.Now()
	logging.Schema("Schema for %s/%s marked stale", domain, pageType)
	return r.saveLocked()
}

// MarkStaleDomain flags every schema for the domain for recalibration.
func (r *Registry) MarkStaleDomain(domain string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	touched := false
	for _, s := range r.schemas {
		if s.Domain != domain {
			continue
		}
		if s.ConsecutiveFailures < 1 {
			s.ConsecutiveFailures = 1
		}
		s.UpdatedAt = time.Now()
		touched = true
	}
	if !touched {
		return nil
	}
	logging.Schema("All schemas for %s marked stale", domain)
	return r.saveLocked()
}

// Delete removes one (domain, pageType) schema.
func (r *Registry) Delete(domain, pageType string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := key(domain, pageType)
	if _, ok := r.schemas[k]; !ok {
		return nil
	}
	delete(r.schemas, k)
	logging.Schema("Schema for %s/%s deleted", domain, pageType)
	return r.saveLocked()
}

// DeleteDomain wipes every page type for a domain, forcing relearning from
// scratch on the next visit.
func (r *Registry) DeleteDomain(domain string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for k, s := range r.schemas {
		if s.Domain == domain {
			delete(r.schemas, k)
			removed++
		}
	}
	if removed == 0 {
		return nil
	}
	logging.Schema("Deleted %d schemas for %s", removed, domain)
	return r.saveLocked()
}

// All returns copies of every schema, sorted by domain then page type.
func (r *Registry) All() []*Schema {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Schema, 0, len(r.schemas))
	for _, s := range r.schemas {
		out = append(out, copySchema(s))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Domain != out[j].Domain {
			return out[i].Domain < out[j].Domain
		}
		return out[i].PageType < out[j].PageType
	})
	return out
}

// Close stops the file watcher.
func (r *Registry) Close() {
	close(r.done)
	if r.watcher != nil {
		_ = r.watcher.Close()
	}
}

func (r *Registry) getOrCreateLocked(domain, pageType string) *Schema {
	k := key(domain, pageType)
	s, ok := r.schemas[k]
	if !ok {
		s = &Schema{Domain: domain, PageType: pageType, Version: 1, UpdatedAt: time.Now()}
		r.schemas[k] = s
	}
	return s
}

// startWatcher reloads the registry when another process rewrites the file.
// Renames are how our own saves land, so debounce and compare mtimes is not
// needed: reload is idempotent.
func (r *Registry) startWatcher() {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logging.SchemaDebug("registry watcher unavailable: %v", err)
		return
	}
	dir := filepath.Dir(r.path)
	_ = os.MkdirAll(dir, 0755)
	if err := watcher.Add(dir); err != nil {
		logging.SchemaDebug("registry watch failed: %v", err)
		_ = watcher.Close()
		return
	}
	r.watcher = watcher

	go func() {
		var debounce *time.Timer
		for {
			select {
			case <-r.done:
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Name != r.path {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(200*time.Millisecond, func() {
					if err := r.load(); err != nil {
						logging.Schema("Registry reload failed: %v", err)
					} else {
						logging.SchemaDebug("Registry reloaded after external change")
					}
				})
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
			}
		}
	}()
}

func bumpStat(s *Schema, method string, success bool) {
	if method == "" {
		return
	}
	if s.MethodStats == nil {
		s.MethodStats = make(map[string]MethodStat)
	}
	st := s.MethodStats[method]
	if success {
		st.Successes++
	} else {
		st.Failures++
	}
	s.MethodStats[method] = st
}

func copySchema(s *Schema) *Schema {
	cp := *s
	cp.Selectors = copyMap(s.Selectors)
	cp.MethodStats = copyStats(s.MethodStats)
	cp.VisualHints = append([]string(nil), s.VisualHints...)
	return &cp
}

func copyMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copyStats(m map[string]MethodStat) map[string]MethodStat {
	if m == nil {
		return nil
	}
	out := make(map[string]MethodStat, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func mapsEqual(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}
