// Package search runs queries through real search engines in a browser,
// typing into the search box like a person instead of hitting result URLs
// directly. Engines fail over in health order.
package search

import "strings"

// engineDef describes how to drive one search engine.
type engineDef struct {
	name        string
	homeURL     string
	boxSelector string
	// resultHost filters out the engine's own links when parsing a SERP.
	resultHost string
	// blockMarkers are engine-specific phrases that mean we are blocked,
	// checked case-insensitively against the page text.
	blockMarkers []string
}

var engineTable = map[string]engineDef{
	"brave": {
		name:        "brave",
		homeURL:     "https://search.brave.com/",
		boxSelector: "#searchbox",
		resultHost:  "search.brave.com",
		blockMarkers: []string{
			"prove you're not a robot",
			"unusual activity",
		},
	},
	"duckduckgo": {
		name:        "duckduckgo",
		homeURL:     "https://duckduckgo.com/",
		boxSelector: "#searchbox_input",
		resultHost:  "duckduckgo.com",
		blockMarkers: []string{
			"unfortunately, bots use duckduckgo too",
			"anomaly detected",
		},
	},
	"bing": {
		name:        "bing",
		homeURL:     "https://www.bing.com/",
		boxSelector: "#sb_form_q",
		resultHost:  "bing.com",
		blockMarkers: []string{
			"we need to verify",
			"help us keep bing safe",
		},
	},
	"google": {
		name:        "google",
		homeURL:     "https://www.google.com/",
		boxSelector: "textarea[name='q']",
		resultHost:  "google.com",
		blockMarkers: []string{
			"our systems have detected unusual traffic",
			"/sorry/",
			"before you continue",
		},
	},
}

// universal markers every engine shares.
var universalBlockMarkers = []string{
	"captcha",
	"unusual traffic",
	"are you a robot",
	"access denied",
	"418 i'm a teapot",
}

// lookupEngine returns the definition for a configured engine name.
func lookupEngine(name string) (engineDef, bool) {
	def, ok := engineTable[strings.ToLower(strings.TrimSpace(name))]
	return def, ok
}

// blocked checks page text and URL against the engine's markers.
func (e engineDef) blocked(pageText, pageURL string) (bool, string) {
	lower := strings.ToLower(pageText)
	lowerURL := strings.ToLower(pageURL)
	for _, marker := range e.blockMarkers {
		if strings.Contains(lower, marker) || strings.Contains(lowerURL, marker) {
			return true, marker
		}
	}
	for _, marker := range universalBlockMarkers {
		if strings.Contains(lower, marker) {
			return true, marker
		}
	}
	return false, ""
}
