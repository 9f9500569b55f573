package search

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const serpFixture = `<!DOCTYPE html>
<html><body>
<div id="results">
  <div class="result">
    <a href="https://www.keyboardreviews.example.com/quiet-switches">
      <h3>The Quietest Mechanical Switches in 2026</h3>
    </a>
    <p>We measured twelve switches with a calibrated microphone.</p>
  </div>
  <div class="result">
    <a href="https://forum.example.org/threads/office-keyboards">
      <h3>Office-friendly keyboards that won't annoy coworkers</h3>
    </a>
    <p>Community thread with 214 replies.</p>
  </div>
  <div class="result">
    <a href="https://searchengine.example.com/settings"><h3>Search settings</h3></a>
  </div>
  <div class="ad">
    <a href="https://ads.doubleclick.net/click?dest=somewhere"><h3>Sponsored: Buy Now</h3></a>
  </div>
  <div class="result">
    <a href="/internal/relative"><h3>Relative link that is not a result heading here</h3></a>
  </div>
  <div class="result">
    <a href="https://www.keyboardreviews.example.com/quiet-switches">
      <h3>The Quietest Mechanical Switches in 2026</h3>
    </a>
  </div>
</div>
</body></html>`

func TestParseSERPOrganicResults(t *testing.T) {
	entries := ParseSERP(serpFixture, "searchengine.example.com", 10)
	require.Len(t, entries, 2, "engine-internal, ad, relative, and duplicate anchors are dropped")

	assert.Equal(t, "The Quietest Mechanical Switches in 2026", entries[0].Title)
	assert.Equal(t, "https://www.keyboardreviews.example.com/quiet-switches", entries[0].URL)
	assert.Contains(t, entries[0].Snippet, "calibrated microphone")

	assert.Equal(t, "https://forum.example.org/threads/office-keyboards", entries[1].URL)
}

func TestParseSERPMaxResults(t *testing.T) {
	entries := ParseSERP(serpFixture, "searchengine.example.com", 1)
	assert.Len(t, entries, 1)
}

func TestParseSERPRedirectUnwrapped(t *testing.T) {
	page := `<html><body>
	<a href="https://duckduckgo.com/l/?uddg=https%3A%2F%2Fblog.example.com%2Fpost&rut=abc">
	  <h2>A post about keyboards worth reading</h2>
	</a>
	</body></html>`

	entries := ParseSERP(page, "duckduckgo.com", 10)
	require.Len(t, entries, 1)
	assert.Equal(t, "https://blog.example.com/post", entries[0].URL)
}

func TestParseSERPLongAnchorTextFallback(t *testing.T) {
	page := `<html><body>
	<a href="https://guide.example.com/keyboards">A complete buying guide for quiet mechanical keyboards</a>
	<a href="https://short.example.com/x">hi</a>
	</body></html>`

	entries := ParseSERP(page, "searchengine.example.com", 10)
	require.Len(t, entries, 1)
	assert.Equal(t, "https://guide.example.com/keyboards", entries[0].URL)
}

func TestParseSERPEmptyAndGarbage(t *testing.T) {
	assert.Empty(t, ParseSERP("", "x.com", 10))
	assert.Empty(t, ParseSERP("<html><body><p>no links</p></body></html>", "x.com", 10))
}

func TestBlockedMarkers(t *testing.T) {
	google, ok := lookupEngine("google")
	require.True(t, ok)

	hit, marker := google.blocked("Our systems have detected unusual traffic from your network", "https://www.google.com/search")
	assert.True(t, hit)
	assert.NotEmpty(t, marker)

	hit, _ = google.blocked("results page", "https://www.google.com/sorry/index")
	assert.True(t, hit, "block URL fragment counts")

	hit, _ = google.blocked("10 results for mechanical keyboards", "https://www.google.com/search")
	assert.False(t, hit)

	brave, _ := lookupEngine("brave")
	hit, marker = brave.blocked("please solve this CAPTCHA to continue", "https://search.brave.com/")
	assert.True(t, hit, "universal markers apply to every engine")
	assert.Equal(t, "captcha", marker)
}

func TestLookupEngine(t *testing.T) {
	for _, name := range []string{"brave", "duckduckgo", "bing", "google"} {
		def, ok := lookupEngine(name)
		require.True(t, ok, name)
		assert.NotEmpty(t, def.homeURL)
		assert.NotEmpty(t, def.boxSelector)
		assert.NotEmpty(t, def.resultHost)
	}
	_, ok := lookupEngine("altavista")
	assert.False(t, ok)
}
