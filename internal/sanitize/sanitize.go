// Package sanitize turns raw page HTML into clean text sized for LLM
// context windows. The transform is deterministic: the same input always
// yields the same chunks.
package sanitize

import (
	"fmt"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
	"golang.org/x/net/html"
)

// DefaultChunkTokens is the per-chunk token budget.
const DefaultChunkTokens = 2000

// Elements that never carry article content.
var strippedElements = map[string]bool{
	"script": true, "style": true, "noscript": true, "svg": true,
	"nav": true, "header": true, "footer": true, "aside": true,
	"iframe": true, "template": true,
}

// Container hints for boilerplate even when not using semantic tags.
var boilerplateHints = []string{
	"cookie", "banner", "navbar", "breadcrumb", "sidebar", "footer",
	"newsletter", "subscribe", "advert", "promo-bar",
}

// Document is the sanitized form of a page.
type Document struct {
	Title      string
	Text       string
	Chunks     []string
	TokenCount int
}

var (
	encoderOnce sync.Once
	encoder     *tiktoken.Tiktoken
	encoderErr  error
)

func getEncoder() (*tiktoken.Tiktoken, error) {
	encoderOnce.Do(func() {
		encoder, encoderErr = tiktoken.GetEncoding("cl100k_base")
	})
	return encoder, encoderErr
}

// CountTokens returns the token length of text, falling back to a
// 4-chars-per-token estimate if the encoder is unavailable.
func CountTokens(text string) int {
	enc, err := getEncoder()
	if err != nil {
		return len(text) / 4
	}
	return len(enc.Encode(text, nil, nil))
}

// Sanitize strips page chrome from rawHTML and chunks the remaining text to
// the token budget. budget <= 0 uses DefaultChunkTokens.
func Sanitize(rawHTML string, budget int) (*Document, error) {
	if budget <= 0 {
		budget = DefaultChunkTokens
	}
	doc, err := html.Parse(strings.NewReader(rawHTML))
	if err != nil {
		return nil, fmt.Errorf("parsing html: %w", err)
	}

	title := extractTitle(doc)
	blocks := extractBlocks(doc)
	text := strings.Join(blocks, "\n")

	out := &Document{
		Title:      title,
		Text:       text,
		Chunks:     chunkByTokens(blocks, budget),
		TokenCount: CountTokens(text),
	}
	return out, nil
}

func extractTitle(doc *html.Node) string {
	var title string
	var traverse func(*html.Node)
	traverse = func(n *html.Node) {
		if title != "" {
			return
		}
		if n.Type == html.ElementNode && n.Data == "title" && n.FirstChild != nil {
			title = strings.TrimSpace(n.FirstChild.Data)
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			traverse(c)
		}
	}
	traverse(doc)
	return title
}

// extractBlocks walks the DOM in document order collecting text blocks,
// skipping stripped elements and boilerplate containers.
func extractBlocks(doc *html.Node) []string {
	var blocks []string
	var traverse func(*html.Node)
	traverse = func(n *html.Node) {
		if n.Type == html.ElementNode {
			if strippedElements[n.Data] || isBoilerplate(n) {
				return
			}
			// Block-level breaks keep headings and paragraphs separate.
			switch n.Data {
			case "p", "h1", "h2", "h3", "h4", "h5", "h6", "li", "tr", "td", "dt", "dd", "blockquote", "pre":
				if text := inlineText(n); text != "" {
					blocks = append(blocks, text)
				}
				return
			}
		}
		if n.Type == html.TextNode {
			if text := strings.Join(strings.Fields(n.Data), " "); text != "" {
				blocks = append(blocks, text)
			}
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			traverse(c)
		}
	}
	traverse(doc)
	return blocks
}

func isBoilerplate(n *html.Node) bool {
	for _, a := range n.Attr {
		if a.Key != "class" && a.Key != "id" && a.Key != "role" {
			continue
		}
		val := strings.ToLower(a.Val)
		for _, hint := range boilerplateHints {
			if strings.Contains(val, hint) {
				return true
			}
		}
	}
	return false
}

func inlineText(n *html.Node) string {
	var sb strings.Builder
	var traverse func(*html.Node)
	traverse = func(node *html.Node) {
		if node.Type == html.TextNode {
			sb.WriteString(node.Data)
			sb.WriteString(" ")
		}
		if node.Type == html.ElementNode && strippedElements[node.Data] {
			return
		}
		for c := node.FirstChild; c != nil; c = c.NextSibling {
			traverse(c)
		}
	}
	traverse(n)
	return strings.Join(strings.Fields(sb.String()), " ")
}

// chunkByTokens packs blocks into chunks under the budget, splitting an
// oversized block at word boundaries rather than dropping it.
func chunkByTokens(blocks []string, budget int) []string {
	var chunks []string
	var current []string
	currentTokens := 0

	flush := func() {
		if len(current) > 0 {
			chunks = append(chunks, strings.Join(current, "\n"))
			current = nil
			currentTokens = 0
		}
	}

	for _, block := range blocks {
		tokens := CountTokens(block)
		if tokens > budget {
			flush()
			chunks = append(chunks, splitOversized(block, budget)...)
			continue
		}
		if currentTokens+tokens > budget {
			flush()
		}
		current = append(current, block)
		currentTokens += tokens
	}
	flush()
	return chunks
}

func splitOversized(block string, budget int) []string {
	words := strings.Fields(block)
	var parts []string
	var current []string
	currentTokens := 0
	for _, w := range words {
		t := CountTokens(w + " ")
		if currentTokens+t > budget && len(current) > 0 {
			parts = append(parts, strings.Join(current, " "))
			current = nil
			currentTokens = 0
		}
		current = append(current, w)
		currentTokens += t
	}
	if len(current) > 0 {
		parts = append(parts, strings.Join(current, " "))
	}
	return parts
}
