// Package knowledge persists reusable research across runs: a SQLite index
// of past research artefacts, a retriever that decides when prior work can
// replace a fresh Phase 1, and per-domain site notes.
package knowledge

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"scout/internal/logging"
	"scout/internal/types"
)

// IndexEntry is one indexed research artefact.
type IndexEntry struct {
	ID           string           `json:"id"`
	Topic        string           `json:"topic"` // dotted path, e.g. commerce.laptop.gaming
	Keywords     []string         `json:"keywords"`
	Intent       types.Intent     `json:"intent"`
	SessionID    string           `json:"session_id"`
	Quality      float64          `json:"quality"`
	Confidence   float64          `json:"confidence"` // initial, decays on read
	Claims       int              `json:"claims"`
	Retailers    []string         `json:"retailers,omitempty"`
	PriceRange   types.PriceRange `json:"price_range"`
	DocumentPath string           `json:"document_path,omitempty"`
	IndexedAt    time.Time        `json:"indexed_at"`
	ExpiresAt    time.Time        `json:"expires_at"`
}

// CurrentConfidence applies exponential decay to the stored confidence.
func (e *IndexEntry) CurrentConfidence(decayPerDay float64, now time.Time) float64 {
	days := now.Sub(e.IndexedAt).Hours() / 24
	if days < 0 {
		days = 0
	}
	return e.Confidence * math.Exp(-decayPerDay*days)
}

// Index is the SQLite-backed research index.
type Index struct {
	db          *sql.DB
	defaultTTL  time.Duration
	decayPerDay float64
	minConf     float64
}

// OpenIndex opens (and migrates) the index database.
func OpenIndex(path string, defaultTTL time.Duration, decayPerDay, minConfidence float64) (*Index, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating index dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening research index: %w", err)
	}
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("applying %s: %w", pragma, err)
		}
	}

	const schema = `
	CREATE TABLE IF NOT EXISTS research_index (
		id            TEXT PRIMARY KEY,
		topic         TEXT NOT NULL,
		keywords      TEXT NOT NULL DEFAULT '[]',
		intent        TEXT NOT NULL,
		session_id    TEXT NOT NULL,
		quality       REAL NOT NULL DEFAULT 0,
		confidence    REAL NOT NULL DEFAULT 0,
		claims        INTEGER NOT NULL DEFAULT 0,
		retailers     TEXT NOT NULL DEFAULT '[]',
		price_min     REAL NOT NULL DEFAULT 0,
		price_max     REAL NOT NULL DEFAULT 0,
		document_path TEXT NOT NULL DEFAULT '',
		indexed_at    INTEGER NOT NULL,
		expires_at    INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_research_topic ON research_index(topic);
	CREATE INDEX IF NOT EXISTS idx_research_session ON research_index(session_id);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating research index schema: %w", err)
	}

	if defaultTTL <= 0 {
		defaultTTL = 168 * time.Hour
	}
	if decayPerDay <= 0 {
		decayPerDay = 0.02
	}
	if minConfidence <= 0 {
		minConfidence = 0.2
	}
	logging.Knowledge("Research index opened at %s", path)
	return &Index{db: db, defaultTTL: defaultTTL, decayPerDay: decayPerDay, minConf: minConfidence}, nil
}

// Close closes the database.
func (ix *Index) Close() error { return ix.db.Close() }

// Put upserts an entry. A zero ExpiresAt gets the default TTL.
func (ix *Index) Put(e *IndexEntry) error {
	if e.ID == "" {
		return fmt.Errorf("index entry needs an id")
	}
	if e.IndexedAt.IsZero() {
		e.IndexedAt = time.Now()
	}
	if e.ExpiresAt.IsZero() {
		e.ExpiresAt = e.IndexedAt.Add(ix.defaultTTL)
	}
	keywords, _ := json.Marshal(e.Keywords)
	retailers, _ := json.Marshal(e.Retailers)

	_, err := ix.db.Exec(`
		INSERT INTO research_index
			(id, topic, keywords, intent, session_id, quality, confidence,
			 claims, retailers, price_min, price_max, document_path, indexed_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			topic=excluded.topic, keywords=excluded.keywords, intent=excluded.intent,
			quality=excluded.quality, confidence=excluded.confidence, claims=excluded.claims,
			retailers=excluded.retailers, price_min=excluded.price_min, price_max=excluded.price_max,
			document_path=excluded.document_path, indexed_at=excluded.indexed_at, expires_at=excluded.expires_at`,
		e.ID, e.Topic, string(keywords), string(e.Intent), e.SessionID,
		e.Quality, e.Confidence, e.Claims, string(retailers),
		e.PriceRange.Min, e.PriceRange.Max, e.DocumentPath,
		e.IndexedAt.Unix(), e.ExpiresAt.Unix())
	if err != nil {
		return fmt.Errorf("indexing research: %w", err)
	}
	logging.KnowledgeDebug("Indexed %s topic=%s confidence=%.2f", e.ID, e.Topic, e.Confidence)
	return nil
}

// Ranked is a search hit with its composite score.
type Ranked struct {
	Entry *IndexEntry
	Score float64
}

// SearchByTopic finds live entries whose topic equals the query topic or
// sits under one of its parent prefixes.
func (ix *Index) SearchByTopic(topic string, limit int) ([]Ranked, error) {
	entries, err := ix.liveEntries()
	if err != nil {
		return nil, err
	}
	now := time.Now()
	var out []Ranked
	for _, e := range entries {
		match := topicMatch(topic, e.Topic)
		if match == 0 {
			continue
		}
		conf := e.CurrentConfidence(ix.decayPerDay, now)
		if conf < ix.minConf {
			continue
		}
		out = append(out, Ranked{Entry: e, Score: ix.score(e, match, conf, now)})
	}
	return topRanked(out, limit), nil
}

// SearchByKeywords finds live entries sharing keywords with the query set.
func (ix *Index) SearchByKeywords(keywords []string, limit int) ([]Ranked, error) {
	entries, err := ix.liveEntries()
	if err != nil {
		return nil, err
	}
	want := make(map[string]bool, len(keywords))
	for _, k := range keywords {
		want[strings.ToLower(k)] = true
	}
	now := time.Now()
	var out []Ranked
	for _, e := range entries {
		hits := 0
		for _, k := range e.Keywords {
			if want[strings.ToLower(k)] {
				hits++
			}
		}
		if hits == 0 {
			continue
		}
		overlap := float64(hits) / float64(len(keywords))
		conf := e.CurrentConfidence(ix.decayPerDay, now)
		if conf < ix.minConf {
			continue
		}
		out = append(out, Ranked{Entry: e, Score: ix.score(e, overlap, conf, now)})
	}
	return topRanked(out, limit), nil
}

// FindRelated returns live entries under the same parent topic path,
// excluding the topic itself.
func (ix *Index) FindRelated(topic string, limit int) ([]Ranked, error) {
	parent := parentTopic(topic)
	if parent == "" {
		return nil, nil
	}
	entries, err := ix.liveEntries()
	if err != nil {
		return nil, err
	}
	now := time.Now()
	var out []Ranked
	for _, e := range entries {
		if e.Topic == topic || parentTopic(e.Topic) != parent {
			continue
		}
		conf := e.CurrentConfidence(ix.decayPerDay, now)
		if conf < ix.minConf {
			continue
		}
		out = append(out, Ranked{Entry: e, Score: ix.score(e, 0.5, conf, now)})
	}
	return topRanked(out, limit), nil
}

// PruneExpired deletes entries past expiry. Returns the number removed.
func (ix *Index) PruneExpired() (int, error) {
	res, err := ix.db.Exec(`DELETE FROM research_index WHERE expires_at < ?`, time.Now().Unix())
	if err != nil {
		return 0, fmt.Errorf("pruning research index: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		logging.Knowledge("Pruned %d expired index entries", n)
	}
	return int(n), nil
}

// score combines topical match, quality, freshness, and decayed confidence.
func (ix *Index) score(e *IndexEntry, match, conf float64, now time.Time) float64 {
	freshness := 0.0
	if span := e.ExpiresAt.Sub(e.IndexedAt); span > 0 {
		ageFrac := now.Sub(e.IndexedAt).Seconds() / span.Seconds()
		if ageFrac < 0 {
			ageFrac = 0
		}
		if ageFrac > 1 {
			ageFrac = 1
		}
		freshness = 1 - ageFrac
	}
	return 0.4*match + 0.2*e.Quality + 0.15*freshness + 0.25*conf
}

func (ix *Index) liveEntries() ([]*IndexEntry, error) {
	rows, err := ix.db.Query(`
		SELECT id, topic, keywords, intent, session_id, quality, confidence,
		       claims, retailers, price_min, price_max, document_path, indexed_at, expires_at
		FROM research_index WHERE expires_at >= ?`, time.Now().Unix())
	if err != nil {
		return nil, fmt.Errorf("querying research index: %w", err)
	}
	defer rows.Close()

	var out []*IndexEntry
	for rows.Next() {
		var e IndexEntry
		var keywords, retailers, intent string
		var indexedAt, expiresAt int64
		if err := rows.Scan(&e.ID, &e.Topic, &keywords, &intent, &e.SessionID,
			&e.Quality, &e.Confidence, &e.Claims, &retailers,
			&e.PriceRange.Min, &e.PriceRange.Max, &e.DocumentPath,
			&indexedAt, &expiresAt); err != nil {
			return nil, fmt.Errorf("scanning index row: %w", err)
		}
		_ = json.Unmarshal([]byte(keywords), &e.Keywords)
		_ = json.Unmarshal([]byte(retailers), &e.Retailers)
		e.Intent = types.Intent(intent)
		e.IndexedAt = time.Unix(indexedAt, 0)
		e.ExpiresAt = time.Unix(expiresAt, 0)
		out = append(out, &e)
	}
	return out, rows.Err()
}

// topicMatch scores how well an entry topic serves a query topic: 1.0 for
// exact, descending fractions for parent-prefix coverage.
func topicMatch(query, candidate string) float64 {
	if query == candidate {
		return 1.0
	}
	qParts := strings.Split(query, ".")
	cParts := strings.Split(candidate, ".")
	common := 0
	for i := 0; i < len(qParts) && i < len(cParts); i++ {
		if qParts[i] != cParts[i] {
			break
		}
		common++
	}
	if common == 0 {
		return 0
	}
	return float64(common) / float64(max(len(qParts), len(cParts)))
}

func parentTopic(topic string) string {
	idx := strings.LastIndex(topic, ".")
	if idx < 0 {
		return ""
	}
	return topic[:idx]
}

func topRanked(in []Ranked, limit int) []Ranked {
	sort.Slice(in, func(i, j int) bool { return in[i].Score > in[j].Score })
	if limit > 0 && len(in) > limit {
		in = in[:limit]
	}
	return in
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
