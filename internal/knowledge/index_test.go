package knowledge

import (
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scout/internal/types"
)

func openTestIndex(t *testing.T) *Index {
	t.Helper()
	ix, err := OpenIndex(filepath.Join(t.TempDir(), "research_index.db"), time.Hour, 0.02, 0.2)
	require.NoError(t, err)
	t.Cleanup(func() { ix.Close() })
	return ix
}

func TestIndexPutAndSearchByTopic(t *testing.T) {
	ix := openTestIndex(t)

	require.NoError(t, ix.Put(&IndexEntry{
		ID:         "e1",
		Topic:      "commerce.mechanical.keyboard",
		Keywords:   []string{"mechanical", "keyboard", "quiet"},
		Intent:     types.IntentCommerce,
		SessionID:  "s1",
		Quality:    0.8,
		Confidence: 0.9,
		Claims:     12,
		Retailers:  []string{"amazon.com", "keychron.com"},
		PriceRange: types.PriceRange{Min: 60, Max: 180},
	}))

	hits, err := ix.SearchByTopic("commerce.mechanical.keyboard", 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)

	e := hits[0].Entry
	assert.Equal(t, "e1", e.ID)
	assert.Equal(t, []string{"mechanical", "keyboard", "quiet"}, e.Keywords)
	assert.Equal(t, []string{"amazon.com", "keychron.com"}, e.Retailers)
	assert.Equal(t, types.IntentCommerce, e.Intent)
	assert.InDelta(t, 60, e.PriceRange.Min, 1e-9)
	assert.Greater(t, hits[0].Score, 0.5)
}

func TestIndexPutUpsertsByID(t *testing.T) {
	ix := openTestIndex(t)

	require.NoError(t, ix.Put(&IndexEntry{ID: "e1", Topic: "commerce.hub", Intent: types.IntentCommerce, Confidence: 0.5}))
	require.NoError(t, ix.Put(&IndexEntry{ID: "e1", Topic: "commerce.hub", Intent: types.IntentCommerce, Confidence: 0.9, Claims: 4}))

	hits, err := ix.SearchByTopic("commerce.hub", 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.InDelta(t, 0.9, hits[0].Entry.Confidence, 1e-9)
	assert.Equal(t, 4, hits[0].Entry.Claims)
}

func TestSearchByTopicParentPrefix(t *testing.T) {
	ix := openTestIndex(t)

	require.NoError(t, ix.Put(&IndexEntry{ID: "exact", Topic: "commerce.keyboard.quiet", Intent: types.IntentCommerce, Confidence: 0.8}))
	require.NoError(t, ix.Put(&IndexEntry{ID: "parent", Topic: "commerce.keyboard", Intent: types.IntentCommerce, Confidence: 0.8}))
	require.NoError(t, ix.Put(&IndexEntry{ID: "other", Topic: "informational.monitors", Intent: types.IntentInformational, Confidence: 0.8}))

	hits, err := ix.SearchByTopic("commerce.keyboard.quiet", 10)
	require.NoError(t, err)
	require.Len(t, hits, 2, "unrelated topics excluded")
	assert.Equal(t, "exact", hits[0].Entry.ID, "exact match outranks prefix match")
}

func TestSearchByKeywordsOverlap(t *testing.T) {
	ix := openTestIndex(t)

	require.NoError(t, ix.Put(&IndexEntry{
		ID: "kb", Topic: "commerce.keyboard", Intent: types.IntentCommerce,
		Keywords: []string{"keyboard", "quiet", "office"}, Confidence: 0.8,
	}))
	require.NoError(t, ix.Put(&IndexEntry{
		ID: "mouse", Topic: "commerce.mouse", Intent: types.IntentCommerce,
		Keywords: []string{"mouse", "wireless"}, Confidence: 0.8,
	}))

	hits, err := ix.SearchByKeywords([]string{"quiet", "keyboard"}, 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "kb", hits[0].Entry.ID)
}

func TestConfidenceDecayGatesResults(t *testing.T) {
	ix := openTestIndex(t)

	old := time.Now().Add(-90 * 24 * time.Hour)
	require.NoError(t, ix.Put(&IndexEntry{
		ID: "stale", Topic: "commerce.keyboard", Intent: types.IntentCommerce,
		Confidence: 0.9, IndexedAt: old, ExpiresAt: time.Now().Add(time.Hour),
	}))

	hits, err := ix.SearchByTopic("commerce.keyboard", 10)
	require.NoError(t, err)
	assert.Empty(t, hits, "confidence decayed below the floor")
}

func TestCurrentConfidenceDecay(t *testing.T) {
	e := &IndexEntry{Confidence: 1.0, IndexedAt: time.Now().Add(-24 * time.Hour)}
	got := e.CurrentConfidence(0.02, time.Now())
	assert.InDelta(t, 0.9802, got, 0.001)

	future := &IndexEntry{Confidence: 1.0, IndexedAt: time.Now().Add(time.Hour)}
	assert.InDelta(t, 1.0, future.CurrentConfidence(0.02, time.Now()), 1e-9, "clock skew does not inflate confidence")
}

func TestScoreZeroLifetimeEntry(t *testing.T) {
	ix := openTestIndex(t)

	// Expiry equal to the indexing time: zero lifetime, but still live.
	at := time.Now().Add(time.Minute)
	require.NoError(t, ix.Put(&IndexEntry{
		ID: "instant", Topic: "commerce.keyboard", Intent: types.IntentCommerce,
		Quality: 0.8, Confidence: 0.9, IndexedAt: at, ExpiresAt: at,
	}))
	require.NoError(t, ix.Put(&IndexEntry{ID: "normal", Topic: "commerce.keyboard", Intent: types.IntentCommerce, Quality: 0.8, Confidence: 0.9}))

	hits, err := ix.SearchByTopic("commerce.keyboard", 10)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	for _, h := range hits {
		assert.False(t, math.IsNaN(h.Score), "entry %s must score a real number", h.Entry.ID)
		assert.Greater(t, h.Score, 0.0)
	}
	assert.Equal(t, "normal", hits[0].Entry.ID, "full-lifetime entry outranks the zero-lifetime one")
}

func TestFindRelatedSiblings(t *testing.T) {
	ix := openTestIndex(t)

	require.NoError(t, ix.Put(&IndexEntry{ID: "self", Topic: "commerce.keyboard.quiet", Intent: types.IntentCommerce, Confidence: 0.8}))
	require.NoError(t, ix.Put(&IndexEntry{ID: "sibling", Topic: "commerce.keyboard.gaming", Intent: types.IntentCommerce, Confidence: 0.8}))
	require.NoError(t, ix.Put(&IndexEntry{ID: "cousin", Topic: "commerce.mouse.wireless", Intent: types.IntentCommerce, Confidence: 0.8}))

	hits, err := ix.FindRelated("commerce.keyboard.quiet", 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "sibling", hits[0].Entry.ID)

	hits, err = ix.FindRelated("toplevel", 10)
	require.NoError(t, err)
	assert.Empty(t, hits, "root topics have no parent path")
}

func TestPruneExpired(t *testing.T) {
	ix := openTestIndex(t)

	require.NoError(t, ix.Put(&IndexEntry{
		ID: "dead", Topic: "commerce.keyboard", Intent: types.IntentCommerce,
		Confidence: 0.8, IndexedAt: time.Now().Add(-2 * time.Hour), ExpiresAt: time.Now().Add(-time.Hour),
	}))
	require.NoError(t, ix.Put(&IndexEntry{ID: "live", Topic: "commerce.keyboard", Intent: types.IntentCommerce, Confidence: 0.8}))

	n, err := ix.PruneExpired()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	hits, err := ix.SearchByTopic("commerce.keyboard", 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "live", hits[0].Entry.ID)
}

func TestTopicMatch(t *testing.T) {
	assert.InDelta(t, 1.0, topicMatch("a.b.c", "a.b.c"), 1e-9)
	assert.InDelta(t, 2.0/3.0, topicMatch("a.b.c", "a.b"), 1e-9)
	assert.InDelta(t, 1.0/3.0, topicMatch("a.b", "a.x.y"), 1e-9)
	assert.Zero(t, topicMatch("a.b", "x.y"))
}
