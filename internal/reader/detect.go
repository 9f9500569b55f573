package reader

import (
	"regexp"
	"strings"
)

var productPathRe = regexp.MustCompile(`(?i)/(product|products|item|dp|p)/`)
var categoryPathRe = regexp.MustCompile(`(?i)/(category|categories|collections|shop|c)/`)
var priceRe = regexp.MustCompile(`[$€£]\s?\d+[.,]?\d*`)

// DetectType classifies a page from its URL, title, and text. Purely rule
// based so it costs nothing and cannot hallucinate.
func DetectType(url, title, text string) PageType {
	lowerURL := strings.ToLower(url)
	lowerTitle := strings.ToLower(title)
	lowerText := strings.ToLower(text)
	prices := len(priceRe.FindAllString(text, 30))

	switch {
	case strings.Contains(lowerURL, "forum") ||
		strings.Contains(lowerURL, "/thread") ||
		strings.Contains(lowerURL, "reddit.com") ||
		strings.Contains(lowerText, "joined:") && strings.Contains(lowerText, "posts:"):
		return TypeForum

	case strings.Contains(lowerTitle, "review") ||
		strings.Contains(lowerURL, "review") ||
		strings.Contains(lowerText, "pros and cons"):
		return TypeReview

	case productPathRe.MatchString(lowerURL),
		strings.Contains(lowerText, "add to cart") && prices >= 1,
		strings.Contains(lowerText, "add to basket") && prices >= 1:
		return TypeProduct

	case categoryPathRe.MatchString(lowerURL),
		prices >= 8:
		// Many prices on one page means a listing, not a single product.
		return TypeCategory

	case strings.Contains(lowerURL, "/blog/") ||
		strings.Contains(lowerURL, "/article") ||
		strings.Contains(lowerURL, "/guide") ||
		strings.Contains(lowerText, "min read"):
		return TypeArticle
	}
	return TypeOther
}
