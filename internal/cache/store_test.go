package cache

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scout/internal/config"
	"scout/internal/types"
)

func testCacheConfig() config.CacheConfig {
	return config.CacheConfig{
		Enabled:             true,
		TTL:                 "24h",
		GraceMultiplier:     1.5,
		SemanticWeight:      0.7,
		LexicalWeight:       0.3,
		SemanticThreshold:   0.62,
		LexicalThreshold:    0.15,
		MaxEntries:          500,
		ExcellentConfidence: 0.85,
	}
}

// fakeEngine returns fixed vectors per query substring so tests can steer
// similarity.
type fakeEngine struct {
	vectors map[string][]float32
}

func (f *fakeEngine) Embed(ctx context.Context, text string) ([]float32, error) {
	for key, vec := range f.vectors {
		if key == text {
			return vec, nil
		}
	}
	return []float32{1, 0, 0}, nil
}

func (f *fakeEngine) Dimensions() int { return 3 }
func (f *fakeEngine) Name() string    { return "fake" }

func openTestStore(t *testing.T, cfg config.CacheConfig, engine *fakeEngine) *Store {
	t.Helper()
	var s *Store
	var err error
	if engine != nil {
		s, err = Open(t.TempDir(), cfg, engine)
	} else {
		s, err = Open(t.TempDir(), cfg, nil)
	}
	require.NoError(t, err)
	return s
}

func entryFor(session string, intent types.Intent, query string) *Entry {
	return &Entry{
		SessionID: session,
		Intent:    intent,
		Query:     query,
		Quality:   0.8,
		Result:    &types.ResearchResult{Query: query, Intent: intent},
	}
}

func TestFingerprintPureAndKeyed(t *testing.T) {
	a := Fingerprint("session-1", types.IntentCommerce)
	b := Fingerprint("session-1", types.IntentCommerce)
	assert.Equal(t, a, b, "same inputs, same key")
	assert.Len(t, a, 32)

	assert.NotEqual(t, a, Fingerprint("session-2", types.IntentCommerce), "session changes the key")
	assert.NotEqual(t, a, Fingerprint("session-1", types.IntentInformational), "intent changes the key")
	assert.NotEqual(t, a, legacyFingerprint("session-1"))
}

func TestLexicalOnlyRetrieval(t *testing.T) {
	s := openTestStore(t, testCacheConfig(), nil)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, entryFor("s1", types.IntentCommerce, "best mechanical keyboard under 150")))
	require.NoError(t, s.Put(ctx, entryFor("s1", types.IntentCommerce, "quiet dishwasher reviews")))

	hits, err := s.Retrieve(ctx, "s1", types.IntentCommerce, "mechanical keyboard recommendations", "", 3)
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Contains(t, hits[0].Entry.Query, "keyboard")
	assert.Zero(t, hits[0].Semantic, "no engine, no semantic score")
	assert.Equal(t, hits[0].Lexical, hits[0].Combined)
}

func TestIntentIsolatesEntries(t *testing.T) {
	s := openTestStore(t, testCacheConfig(), nil)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, entryFor("s1", types.IntentCommerce, "mechanical keyboard deals")))

	hits, err := s.Retrieve(ctx, "s1", types.IntentInformational, "mechanical keyboard deals", "", 3)
	require.NoError(t, err)
	assert.Empty(t, hits, "same session, different intent must miss")

	hits, err = s.Retrieve(ctx, "s2", types.IntentCommerce, "mechanical keyboard deals", "", 3)
	require.NoError(t, err)
	assert.Empty(t, hits, "different session must miss")
}

func TestBothThresholdsRequired(t *testing.T) {
	// Orthogonal stored vector: semantic similarity 0 despite a strong
	// lexical match.
	engine := &fakeEngine{vectors: map[string][]float32{
		"mechanical keyboard reviews": {0, 1, 0},
	}}
	s := openTestStore(t, testCacheConfig(), engine)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, entryFor("s1", types.IntentCommerce, "mechanical keyboard reviews")))

	hits, err := s.Retrieve(ctx, "s1", types.IntentCommerce, "mechanical keyboard reviews best", "", 3)
	require.NoError(t, err)
	assert.Empty(t, hits, "lexical match alone must not clear the gate")
}

func TestHybridScoreWeights(t *testing.T) {
	engine := &fakeEngine{vectors: map[string][]float32{}}
	s := openTestStore(t, testCacheConfig(), engine)
	ctx := context.Background()

	// Identical vectors (cosine 1.0) and identical text (lexical 1.0).
	require.NoError(t, s.Put(ctx, entryFor("s1", types.IntentCommerce, "mechanical keyboard reviews")))

	hits, err := s.Retrieve(ctx, "s1", types.IntentCommerce, "mechanical keyboard reviews", "", 3)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.InDelta(t, 1.0, hits[0].Semantic, 1e-6)
	assert.InDelta(t, 1.0, hits[0].Lexical, 1e-6)
	assert.InDelta(t, 0.7*1.0+0.3*1.0, hits[0].Combined, 1e-6)
}

func TestTTLWithQualityGrace(t *testing.T) {
	cfg := testCacheConfig()
	cfg.TTL = "1h"
	s := openTestStore(t, cfg, nil)
	ctx := context.Background()

	expired := entryFor("s1", types.IntentCommerce, "mechanical keyboard reviews")
	expired.Quality = 0.5
	expired.CreatedAt = time.Now().Add(-80 * time.Minute)
	require.NoError(t, s.Put(ctx, expired))

	excellent := entryFor("s1", types.IntentCommerce, "mechanical keyboard buying guide")
	excellent.Quality = 0.9
	excellent.CreatedAt = time.Now().Add(-80 * time.Minute)
	require.NoError(t, s.Put(ctx, excellent))

	hits, err := s.Retrieve(ctx, "s1", types.IntentCommerce, "mechanical keyboard", "", 3)
	require.NoError(t, err)
	require.Len(t, hits, 1, "only the excellent entry rides the grace window")
	assert.Equal(t, "mechanical keyboard buying guide", hits[0].Entry.Query)

	// Past even the grace window.
	cfg2 := testCacheConfig()
	cfg2.TTL = "10m"
	s2 := openTestStore(t, cfg2, nil)
	gone := entryFor("s1", types.IntentCommerce, "mechanical keyboard reviews")
	gone.Quality = 0.95
	gone.CreatedAt = time.Now().Add(-time.Hour)
	require.NoError(t, s2.Put(ctx, gone))
	hits, err = s2.Retrieve(ctx, "s1", types.IntentCommerce, "mechanical keyboard", "", 3)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestPerEntryTTLOverridesConfig(t *testing.T) {
	cfg := testCacheConfig() // 24h default TTL
	s := openTestStore(t, cfg, nil)
	ctx := context.Background()

	shortLived := entryFor("s1", types.IntentCommerce, "mechanical keyboard flash sale")
	shortLived.TTL = 10 * time.Minute
	shortLived.CreatedAt = time.Now().Add(-30 * time.Minute)
	require.NoError(t, s.Put(ctx, shortLived))

	longLived := entryFor("s1", types.IntentCommerce, "mechanical keyboard buying guide")
	longLived.TTL = 72 * time.Hour
	longLived.CreatedAt = time.Now().Add(-30 * time.Hour)
	require.NoError(t, s.Put(ctx, longLived))

	hits, err := s.Retrieve(ctx, "s1", types.IntentCommerce, "mechanical keyboard", "", 3)
	require.NoError(t, err)
	require.Len(t, hits, 1, "the short-lived entry expired under its own TTL")
	assert.Equal(t, "mechanical keyboard buying guide", hits[0].Entry.Query)
	assert.Equal(t, 72*time.Hour, hits[0].Entry.TTL, "the entry TTL round-trips")
}

func TestTopicRoundTrips(t *testing.T) {
	s := openTestStore(t, testCacheConfig(), nil)
	ctx := context.Background()

	e := entryFor("s1", types.IntentCommerce, "mechanical keyboard reviews")
	e.Topic = "commerce.mechanical.keyboard"
	require.NoError(t, s.Put(ctx, e))

	hits, err := s.Retrieve(ctx, "s1", types.IntentCommerce, "mechanical keyboard reviews", "", 3)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "commerce.mechanical.keyboard", hits[0].Entry.Topic)
}

func TestEvictionDropsOldest(t *testing.T) {
	cfg := testCacheConfig()
	cfg.MaxEntries = 3
	s := openTestStore(t, cfg, nil)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		e := entryFor("s1", types.IntentCommerce, fmt.Sprintf("query number %d keyboard", i))
		e.CreatedAt = time.Now().Add(time.Duration(i-10) * time.Minute)
		require.NoError(t, s.Put(ctx, e))
	}

	total := 0
	for _, ids := range s.index {
		total += len(ids)
	}
	assert.Equal(t, 3, total)
}

func TestLegacyEntriesMigrated(t *testing.T) {
	s := openTestStore(t, testCacheConfig(), nil)
	ctx := context.Background()

	e := entryFor("s1", types.IntentCommerce, "mechanical keyboard reviews")
	require.NoError(t, s.Put(ctx, e))

	// Simulate an index written before intent-scoped fingerprints: move the
	// id under the legacy key.
	s.mu.Lock()
	s.index = map[string][]string{legacyFingerprint("s1"): {e.ID}}
	require.NoError(t, s.saveIndexLocked())
	s.mu.Unlock()

	hits, err := s.Retrieve(ctx, "s1", types.IntentCommerce, "mechanical keyboard reviews", "", 3)
	require.NoError(t, err)
	assert.NotEmpty(t, hits, "legacy-keyed entries remain reachable")
}

func TestBM25DegenerateFallsBackToOverlap(t *testing.T) {
	scores := lexicalScores("mechanical keyboard", []string{"mechanical keyboard reviews"})
	require.Len(t, scores, 1)
	assert.InDelta(t, 1.0, scores[0], 1e-6, "single candidate scores by term overlap")

	scores = lexicalScores("mechanical keyboard", []string{
		"mechanical keyboard one",
		"mechanical keyboard two",
	})
	for _, sc := range scores {
		assert.InDelta(t, 1.0, sc, 1e-6, "identical scores fall back to overlap")
	}
}

func TestBM25DiscriminatesCandidates(t *testing.T) {
	scores := lexicalScores("mechanical keyboard under 150", []string{
		"mechanical keyboard reviews and ratings",
		"garden hose storage ideas",
		"best mechanical keyboard under 150 dollars",
	})
	require.Len(t, scores, 3)
	assert.InDelta(t, 1.0, scores[2], 1e-6, "best match normalizes to 1")
	assert.Greater(t, scores[0], scores[1])
	assert.Less(t, scores[1], 0.15, "unrelated candidate stays under the lexical threshold")
}

func TestTokenizeDropsShortRunes(t *testing.T) {
	assert.Equal(t, []string{"usb", "hub", "4k", "60"}, tokenize("USB-C hub, 4K @ 60"))
}
