package search

import (
	"net/url"
	"strings"

	"golang.org/x/net/html"

	"scout/internal/types"
)

// ParseSERP extracts organic results from a rendered results page. The
// parser is structural rather than selector-bound: it collects anchors that
// carry an external href and heading-like text, then dedupes and filters
// engine-internal links. This survives the class-name churn engines use to
// break scrapers.
func ParseSERP(rawHTML, engineHost string, maxResults int) []types.SERPEntry {
	doc, err := html.Parse(strings.NewReader(rawHTML))
	if err != nil {
		return nil
	}
	if maxResults <= 0 {
		maxResults = 10
	}

	var entries []types.SERPEntry
	seen := make(map[string]bool)

	var traverse func(*html.Node)
	traverse = func(n *html.Node) {
		if len(entries) >= maxResults {
			return
		}
		if n.Type == html.ElementNode && n.Data == "a" {
			href := attrValue(n, "href")
			if entry, ok := resultFromAnchor(n, href, engineHost); ok && !seen[entry.URL] {
				seen[entry.URL] = true
				entries = append(entries, entry)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			traverse(c)
		}
	}
	traverse(doc)
	return entries
}

// resultFromAnchor decides whether an anchor looks like an organic result.
func resultFromAnchor(n *html.Node, href, engineHost string) (types.SERPEntry, bool) {
	resolved := resolveRedirect(href)
	if !strings.HasPrefix(resolved, "http") {
		return types.SERPEntry{}, false
	}
	host := types.HostOf(resolved)
	if host == "" || strings.HasSuffix(host, engineHost) || isAdOrTracker(host) {
		return types.SERPEntry{}, false
	}

	title := headingText(n)
	if title == "" {
		return types.SERPEntry{}, false
	}

	return types.SERPEntry{
		Title:   title,
		URL:     resolved,
		Snippet: snippetNear(n),
	}, true
}

// resolveRedirect unwraps engine redirect URLs (uddg, bing ck/a style) to
// the destination where possible.
func resolveRedirect(href string) string {
	u, err := url.Parse(href)
	if err != nil {
		return href
	}
	for _, key := range []string{"uddg", "u", "url", "q"} {
		if v := u.Query().Get(key); strings.HasPrefix(v, "http") {
			return v
		}
	}
	return href
}

var adHosts = []string{
	"doubleclick.net", "googleadservices.com", "adservice.google.com",
	"bat.bing.com", "amazon-adsystem.com",
}

func isAdOrTracker(host string) bool {
	for _, ad := range adHosts {
		if strings.HasSuffix(host, ad) {
			return true
		}
	}
	return false
}

// headingText returns the anchor's text when it contains or sits under a
// heading-like element. Organic results render their title as an h2/h3
// inside the link on every major engine.
func headingText(n *html.Node) string {
	var heading string
	var traverse func(*html.Node)
	traverse = func(node *html.Node) {
		if heading != "" {
			return
		}
		if node.Type == html.ElementNode {
			switch node.Data {
			case "h1", "h2", "h3", "h4":
				heading = strings.TrimSpace(textContent(node))
				return
			}
		}
		for c := node.FirstChild; c != nil; c = c.NextSibling {
			traverse(c)
		}
	}
	traverse(n)
	if heading != "" {
		return heading
	}
	// Some engines put the heading as a sibling wrapper; accept long plain
	// anchor text as a fallback.
	text := strings.TrimSpace(textContent(n))
	if len(text) >= 20 && len(text) <= 200 && !strings.HasPrefix(text, "http") {
		return text
	}
	return ""
}

// snippetNear pulls descriptive text from the anchor's result container.
func snippetNear(n *html.Node) string {
	container := n
	for depth := 0; depth < 3 && container.Parent != nil; depth++ {
		container = container.Parent
	}
	full := strings.TrimSpace(textContent(container))
	title := strings.TrimSpace(textContent(n))
	snippet := strings.TrimSpace(strings.Replace(full, title, "", 1))
	if len(snippet) > 300 {
		snippet = snippet[:300]
	}
	return snippet
}

func attrValue(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func textContent(n *html.Node) string {
	var sb strings.Builder
	var traverse func(*html.Node)
	traverse = func(node *html.Node) {
		if node.Type == html.TextNode {
			sb.WriteString(node.Data)
			sb.WriteString(" ")
		}
		if node.Type == html.ElementNode && (node.Data == "script" || node.Data == "style") {
			return
		}
		for c := node.FirstChild; c != nil; c = c.NextSibling {
			traverse(c)
		}
	}
	traverse(n)
	return strings.Join(strings.Fields(sb.String()), " ")
}
