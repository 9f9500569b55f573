package sanitize

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const samplePage = `<!DOCTYPE html>
<html>
<head><title>Quiet Keyboards Compared</title><style>.x{color:red}</style></head>
<body>
<nav class="navbar"><a href="/">Home</a><a href="/shop">Shop</a></nav>
<div class="cookie-banner">We use cookies. <button>Accept</button></div>
<header>Site header junk</header>
<main>
<h1>Quiet Keyboards Compared</h1>
<p>Switch choice dominates noise level far more than case material.</p>
<p>Dampened stabilizers remove most of the rattle on larger keys.</p>
<script>trackPageView()</script>
<ul><li>Silent tactile switches</li><li>Foam-filled cases</li></ul>
</main>
<aside id="sidebar">Related posts</aside>
<footer>Copyright</footer>
</body>
</html>`

func TestSanitizeStripsChrome(t *testing.T) {
	doc, err := Sanitize(samplePage, 0)
	require.NoError(t, err)

	assert.Equal(t, "Quiet Keyboards Compared", doc.Title)
	assert.Contains(t, doc.Text, "Switch choice dominates noise level")
	assert.Contains(t, doc.Text, "Silent tactile switches")

	assert.NotContains(t, doc.Text, "trackPageView")
	assert.NotContains(t, doc.Text, "We use cookies")
	assert.NotContains(t, doc.Text, "Site header junk")
	assert.NotContains(t, doc.Text, "Related posts")
	assert.NotContains(t, doc.Text, "Copyright")
	assert.NotContains(t, doc.Text, "color:red")
}

func TestSanitizeDeterministic(t *testing.T) {
	a, err := Sanitize(samplePage, 0)
	require.NoError(t, err)
	b, err := Sanitize(samplePage, 0)
	require.NoError(t, err)

	assert.Equal(t, a.Text, b.Text)
	assert.Equal(t, a.Chunks, b.Chunks)
	assert.Equal(t, a.TokenCount, b.TokenCount)
}

func TestChunksRespectBudget(t *testing.T) {
	var sb strings.Builder
	sb.WriteString("<html><body>")
	for i := 0; i < 40; i++ {
		sb.WriteString("<p>Mechanical keyboards vary widely in switch feel, sound profile, and build quality across price brackets.</p>")
	}
	sb.WriteString("</body></html>")

	budget := 50
	doc, err := Sanitize(sb.String(), budget)
	require.NoError(t, err)
	require.Greater(t, len(doc.Chunks), 1)

	// Joining newlines can add a token or two per block.
	for i, chunk := range doc.Chunks {
		slack := strings.Count(chunk, "\n") + 1
		assert.LessOrEqual(t, CountTokens(chunk), budget+slack, "chunk %d over budget", i)
	}
}

func TestOversizedBlockSplitAtWords(t *testing.T) {
	words := strings.Repeat("keyboard ", 400)
	doc, err := Sanitize("<html><body><p>"+words+"</p></body></html>", 50)
	require.NoError(t, err)
	require.Greater(t, len(doc.Chunks), 1)
	for _, chunk := range doc.Chunks {
		assert.NotContains(t, chunk, "keyboar\n", "words stay intact")
	}

	// Nothing lost in the split.
	total := 0
	for _, chunk := range doc.Chunks {
		total += len(strings.Fields(chunk))
	}
	assert.Equal(t, 400, total)
}

func TestSanitizeEmptyPage(t *testing.T) {
	doc, err := Sanitize("<html><body></body></html>", 0)
	require.NoError(t, err)
	assert.Empty(t, strings.TrimSpace(doc.Text))
	assert.Empty(t, doc.Chunks)
}
