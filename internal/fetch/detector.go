// Package fetch retrieves vendor and source pages through the browser pool,
// classifying anti-bot responses and giving a human a chance to intervene
// before a domain is written off.
package fetch

import (
	"strings"

	"scout/internal/browser"
	"scout/internal/types"
)

// Detection is a scored block classification.
type Detection struct {
	Kind       types.BlockType
	Confidence float64
	Marker     string
}

type marker struct {
	phrase     string
	kind       types.BlockType
	confidence float64
}

// Ordered strongest-first; the first hit wins.
var blockMarkers = []marker{
	{"g-recaptcha", types.BlockCaptcha, 0.95},
	{"h-captcha", types.BlockCaptcha, 0.95},
	{"cf-turnstile", types.BlockCaptcha, 0.95},
	{"complete the captcha", types.BlockCaptcha, 0.9},
	{"verify you are human", types.BlockBotDetection, 0.9},
	{"checking your browser", types.BlockBotDetection, 0.9},
	{"attention required", types.BlockBotDetection, 0.85},
	{"pardon our interruption", types.BlockBotDetection, 0.85},
	{"access to this page has been denied", types.BlockHTTP403, 0.9},
	{"403 forbidden", types.BlockHTTP403, 0.85},
	{"418 i'm a teapot", types.BlockHTTP418, 0.9},
	{"unusual traffic", types.BlockBotDetection, 0.8},
	{"are you a robot", types.BlockBotDetection, 0.8},
	{"access denied", types.BlockHTTP403, 0.7},
	{"enable javascript and cookies", types.BlockSoft, 0.6},
}

var blockPathFragments = []string{
	"/challenge", "/captcha", "/blocked", "/denied", "/sorry",
}

// Classify inspects perceived page signals for a block. Returns nil when
// the page looks legitimate.
func Classify(sig *browser.Signals, requestedURL string) *Detection {
	text := strings.ToLower(sig.TextSample)
	title := strings.ToLower(sig.Title)

	for _, m := range blockMarkers {
		if strings.Contains(text, m.phrase) || strings.Contains(title, m.phrase) {
			return &Detection{Kind: m.kind, Confidence: m.confidence, Marker: m.phrase}
		}
	}

	// Redirect blocks: we asked for one host and landed on a challenge
	// path or a different host's interstitial.
	finalURL := strings.ToLower(sig.URL)
	for _, frag := range blockPathFragments {
		if strings.Contains(finalURL, frag) {
			return &Detection{Kind: types.BlockRedirect, Confidence: 0.8, Marker: frag}
		}
	}
	if want := types.HostOf(requestedURL); want != "" {
		if got := types.HostOf(sig.URL); got != "" && got != want && !strings.HasSuffix(got, "."+want) {
			return &Detection{Kind: types.BlockRedirect, Confidence: 0.6, Marker: "cross-host redirect to " + got}
		}
	}

	// Soft block: page "loaded" but rendered almost nothing.
	if sig.TextLength < 200 && sig.FormCount == 0 && len(sig.Links) < 3 {
		return &Detection{Kind: types.BlockSoft, Confidence: 0.5, Marker: "near-empty page"}
	}
	return nil
}
