package cache

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"scout/internal/config"
	"scout/internal/embedding"
	"scout/internal/logging"
	"scout/internal/types"
)

// Entry is one cached research response. TTL, when set, overrides the
// configured cache TTL for this entry alone.
type Entry struct {
	ID        string                `json:"id"`
	SessionID string                `json:"session_id"`
	Intent    types.Intent          `json:"intent"`
	Query     string                `json:"query"`
	Topic     string                `json:"topic,omitempty"`
	Domain    string                `json:"domain,omitempty"`
	Quality   float64               `json:"quality"`
	TTL       time.Duration         `json:"ttl,omitempty"`
	Result    *types.ResearchResult `json:"result"`
	CreatedAt time.Time             `json:"created_at"`
}

// Scored is a retrieval candidate with its component scores.
type Scored struct {
	Entry    *Entry  `json:"entry"`
	Semantic float64 `json:"semantic"`
	Lexical  float64 `json:"lexical"`
	Combined float64 `json:"combined"`
}

// Store is the on-disk response cache: <id>.json per entry, <id>.npy
// vector sidecar, and index.json mapping fingerprint to entry ids.
type Store struct {
	dir    string
	cfg    config.CacheConfig
	engine embedding.Engine

	mu    sync.Mutex
	index map[string][]string
}

// Open loads (or initializes) the cache under dir. engine may be nil, in
// which case retrieval is lexical-only.
func Open(dir string, cfg config.CacheConfig, engine embedding.Engine) (*Store, error) {
	s := &Store{dir: dir, cfg: cfg, engine: engine, index: make(map[string][]string)}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating cache dir: %w", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, "index.json"))
	if err == nil {
		if err := json.Unmarshal(data, &s.index); err != nil {
			logging.Cache("Cache index unreadable, rebuilding lazily: %v", err)
			s.index = make(map[string][]string)
		}
	}
	return s, nil
}

// Put stores a response under the (session, intent) fingerprint.
func (s *Store) Put(ctx context.Context, entry *Entry) error {
	if !s.cfg.Enabled {
		return nil
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}

	if s.engine != nil {
		vec, err := s.engine.Embed(ctx, entry.Query)
		if err != nil {
			logging.CacheDebug("embedding failed for cache entry, storing without vector: %v", err)
		} else if err := s.writeVector(entry.ID, vec); err != nil {
			return err
		}
	}

	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling cache entry: %w", err)
	}
	if err := atomicWrite(filepath.Join(s.dir, entry.ID+".json"), data); err != nil {
		return err
	}

	fp := Fingerprint(entry.SessionID, entry.Intent)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.index[fp] = append(s.index[fp], entry.ID)
	s.evictLocked()
	if err := s.saveIndexLocked(); err != nil {
		return err
	}
	logging.Cache("Cached response %s for session=%s intent=%s", entry.ID, entry.SessionID, entry.Intent)
	return nil
}

// Entries returns every readable cache entry, newest first.
func (s *Store) Entries() []*Entry {
	s.mu.Lock()
	var ids []string
	for _, list := range s.index {
		ids = append(ids, list...)
	}
	s.mu.Unlock()

	var out []*Entry
	for _, id := range ids {
		e, err := s.readEntry(id)
		if err != nil {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// Retrieve returns ranked cache candidates for the query. Both the
// semantic and lexical scores must clear their thresholds; entries past
// their grace window never surface. domain, when set, restricts candidates
// to entries tagged with it.
func (s *Store) Retrieve(ctx context.Context, sessionID string, intent types.Intent, query, domain string, topK int) ([]Scored, error) {
	if !s.cfg.Enabled {
		return nil, nil
	}
	if topK <= 0 {
		topK = 3
	}

	entries := s.loadCandidates(sessionID, intent)
	fresh := entries[:0]
	for _, e := range entries {
		if e.Intent != intent {
			continue
		}
		if domain != "" && e.Domain != domain {
			continue
		}
		if s.fresh(e) {
			fresh = append(fresh, e)
		}
	}
	if len(fresh) == 0 {
		return nil, nil
	}

	queries := make([]string, len(fresh))
	for i, e := range fresh {
		queries[i] = e.Query
	}
	lexical := lexicalScores(query, queries)

	var probeVec []float32
	if s.engine != nil {
		v, err := s.engine.Embed(ctx, query)
		if err != nil {
			logging.CacheDebug("probe embedding failed, lexical-only retrieval: %v", err)
		} else {
			probeVec = v
		}
	}

	var out []Scored
	for i, e := range fresh {
		sc := Scored{Entry: e, Lexical: lexical[i]}

		if probeVec != nil {
			if vec, err := s.readVector(e.ID); err == nil {
				if cos, err := embedding.CosineSimilarity(probeVec, vec); err == nil {
					sc.Semantic = cos
				}
			}
		}

		if probeVec == nil {
			// No semantic signal available: lexical carries the decision
			// alone, against its own threshold.
			if sc.Lexical < s.cfg.LexicalThreshold {
				continue
			}
			sc.Combined = sc.Lexical
		} else {
			if sc.Semantic < s.cfg.SemanticThreshold || sc.Lexical < s.cfg.LexicalThreshold {
				continue
			}
			sc.Combined = s.cfg.SemanticWeight*sc.Semantic + s.cfg.LexicalWeight*sc.Lexical
		}
		out = append(out, sc)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Combined > out[j].Combined })
	if len(out) > topK {
		out = out[:topK]
	}
	logging.CacheDebug("Retrieval: %d candidates, %d passed thresholds", len(fresh), len(out))
	return out, nil
}

// loadCandidates resolves entry ids for the fingerprint, falling back to a
// legacy-key lookup and finally a full scan matching session_id, migrating
// hits to the current fingerprint.
func (s *Store) loadCandidates(sessionID string, intent types.Intent) []*Entry {
	fp := Fingerprint(sessionID, intent)

	s.mu.Lock()
	ids := append([]string(nil), s.index[fp]...)
	legacyIDs := append([]string(nil), s.index[legacyFingerprint(sessionID)]...)
	s.mu.Unlock()

	var entries []*Entry
	seen := make(map[string]bool)
	for _, id := range append(ids, legacyIDs...) {
		if seen[id] {
			continue
		}
		seen[id] = true
		if e, err := s.readEntry(id); err == nil {
			entries = append(entries, e)
		}
	}
	if len(entries) > 0 {
		return entries
	}

	// Migration scan: entries written before the index format existed.
	migrated := false
	files, _ := filepath.Glob(filepath.Join(s.dir, "*.json"))
	for _, f := range files {
		if strings.HasSuffix(f, "index.json") {
			continue
		}
		id := strings.TrimSuffix(filepath.Base(f), ".json")
		if seen[id] {
			continue
		}
		e, err := s.readEntry(id)
		if err != nil || e.SessionID != sessionID {
			continue
		}
		entries = append(entries, e)
		s.mu.Lock()
		s.index[Fingerprint(e.SessionID, e.Intent)] = append(s.index[Fingerprint(e.SessionID, e.Intent)], id)
		s.mu.Unlock()
		migrated = true
	}
	if migrated {
		s.mu.Lock()
		_ = s.saveIndexLocked()
		s.mu.Unlock()
		logging.Cache("Migrated %d legacy cache entries for session %s", len(entries), sessionID)
	}
	return entries
}

// fresh applies the entry's own ttl when set, else the configured one,
// stretched by the grace multiplier for entries of excellent quality.
func (s *Store) fresh(e *Entry) bool {
	ttl := s.cfg.TTLDuration()
	if e.TTL > 0 {
		ttl = e.TTL
	}
	age := time.Since(e.CreatedAt)
	if age <= ttl {
		return true
	}
	if e.Quality >= s.cfg.ExcellentConfidence {
		grace := s.cfg.GraceMultiplier
		if grace < 1 {
			grace = 1
		}
		return age <= time.Duration(float64(ttl)*grace)
	}
	return false
}

func (s *Store) readEntry(id string) (*Entry, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, id+".json"))
	if err != nil {
		return nil, err
	}
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("parsing cache entry %s: %w", id, err)
	}
	return &e, nil
}

// writeVector stores raw little-endian float32s, readable by any numeric
// tooling without a header dependency.
func (s *Store) writeVector(id string, vec []float32) error {
	buf := make([]byte, 4*len(vec))
	for i, f := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return atomicWrite(filepath.Join(s.dir, id+".npy"), buf)
}

func (s *Store) readVector(id string) ([]float32, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, id+".npy"))
	if err != nil {
		return nil, err
	}
	if len(data)%4 != 0 {
		return nil, fmt.Errorf("corrupt vector for %s", id)
	}
	vec := make([]float32, len(data)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return vec, nil
}

// evictLocked drops the oldest entries when over capacity.
func (s *Store) evictLocked() {
	if s.cfg.MaxEntries <= 0 {
		return
	}
	total := 0
	for _, ids := range s.index {
		total += len(ids)
	}
	for total > s.cfg.MaxEntries {
		var oldestFP string
		var oldestIdx int
		var oldestTime time.Time
		found := false
		for fp, ids := range s.index {
			for i, id := range ids {
				e, err := s.readEntry(id)
				if err != nil {
					// Dangling id: treat as oldest.
					oldestFP, oldestIdx, found = fp, i, true
					oldestTime = time.Time{}
					break
				}
				if !found || e.CreatedAt.Before(oldestTime) {
					oldestFP, oldestIdx, oldestTime, found = fp, i, e.CreatedAt, true
				}
			}
		}
		if !found {
			return
		}
		id := s.index[oldestFP][oldestIdx]
		s.index[oldestFP] = append(s.index[oldestFP][:oldestIdx], s.index[oldestFP][oldestIdx+1:]...)
		_ = os.Remove(filepath.Join(s.dir, id+".json"))
		_ = os.Remove(filepath.Join(s.dir, id+".npy"))
		total--
		logging.CacheDebug("Evicted cache entry %s", id)
	}
}

func (s *Store) saveIndexLocked() error {
	data, err := json.MarshalIndent(s.index, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling cache index: %w", err)
	}
	return atomicWrite(filepath.Join(s.dir, "index.json"), data)
}

func atomicWrite(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("writing %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replacing %s: %w", filepath.Base(path), err)
	}
	return nil
}
