package browser

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"

	"scout/internal/stealth"
)

// Context is one persistent (session, domain) browsing context.
type Context struct {
	pool        *Pool
	page        *rod.Page
	sessionID   string
	domain      string
	fingerprint stealth.Fingerprint
	timeout     time.Duration
	lastUsed    time.Time
}

// Fingerprint returns the identity this context presents.
func (c *Context) Fingerprint() stealth.Fingerprint { return c.fingerprint }

// WarmupRand returns the deterministic RNG stream for humanization pacing
// in this session.
func (c *Context) WarmupRand(sessionID string) *rand.Rand {
	return stealth.Rand(c.pool.userID, sessionID, "warmup")
}

// Navigate loads a URL and waits for the load event.
func (c *Context) Navigate(ctx context.Context, url string) error {
	page := c.page.Context(ctx).Timeout(c.timeout)
	if err := page.Navigate(url); err != nil {
		return fmt.Errorf("navigate %s: %w", url, err)
	}
	if err := page.WaitLoad(); err != nil {
		return fmt.Errorf("wait load %s: %w", url, err)
	}
	c.lastUsed = time.Now()
	return nil
}

// WaitStable waits for the DOM to settle after dynamic updates.
func (c *Context) WaitStable(ctx context.Context) {
	_ = c.page.Context(ctx).Timeout(5 * time.Second).WaitDOMStable(300*time.Millisecond, 0)
}

// HTML returns the current serialized document.
func (c *Context) HTML(ctx context.Context) (string, error) {
	html, err := c.page.Context(ctx).HTML()
	if err != nil {
		return "", fmt.Errorf("read html: %w", err)
	}
	return html, nil
}

// CurrentURL returns the page's current location.
func (c *Context) CurrentURL() string {
	info, err := c.page.Info()
	if err != nil {
		return ""
	}
	return info.URL
}

// Title returns the document title.
func (c *Context) Title() string {
	info, err := c.page.Info()
	if err != nil {
		return ""
	}
	return info.Title
}

// Eval runs JS in the page and returns the JSON-decoded result.
func (c *Context) Eval(ctx context.Context, js string, args ...interface{}) (string, error) {
	res, err := c.page.Context(ctx).Evaluate(&rod.EvalOptions{
		JS:           js,
		JSArgs:       args,
		ByValue:      true,
		AwaitPromise: true,
	})
	if err != nil {
		return "", fmt.Errorf("evaluate: %w", err)
	}
	if res == nil || res.Value.Nil() {
		return "", nil
	}
	return res.Value.String(), nil
}

// Screenshot captures the viewport as PNG.
func (c *Context) Screenshot(ctx context.Context) ([]byte, error) {
	data, err := c.page.Context(ctx).Screenshot(false, &proto.PageCaptureScreenshot{
		Format: proto.PageCaptureScreenshotFormatPng,
	})
	if err != nil {
		return nil, fmt.Errorf("screenshot: %w", err)
	}
	return data, nil
}

// SetViewport overrides the context's device metrics, e.g. for a mobile
// retry after a desktop block. Width and height are CSS pixels.
func (c *Context) SetViewport(ctx context.Context, width, height int, mobile bool) error {
	scale := 1.0
	if mobile {
		scale = 3.0
	}
	err := proto.EmulationSetDeviceMetricsOverride{
		Width:             width,
		Height:            height,
		DeviceScaleFactor: scale,
		Mobile:            mobile,
	}.Call(c.page.Context(ctx))
	if err != nil {
		return fmt.Errorf("set viewport %dx%d: %w", width, height, err)
	}
	return nil
}

// TypeInto focuses the first element matching selector and types text.
func (c *Context) TypeInto(ctx context.Context, selector, text string) error {
	el, err := c.page.Context(ctx).Timeout(10 * time.Second).Element(selector)
	if err != nil {
		return fmt.Errorf("element %s not found: %w", selector, err)
	}
	if err := el.Input(text); err != nil {
		return fmt.Errorf("typing into %s: %w", selector, err)
	}
	return nil
}

// PressEnter sends Enter to the focused element.
func (c *Context) PressEnter(ctx context.Context) error {
	return c.page.Context(ctx).Keyboard.Press('\n')
}

// Scroll scrolls the page down by the given pixel amount.
func (c *Context) Scroll(ctx context.Context, pixels int) {
	_, _ = c.Eval(ctx, `(px) => window.scrollBy({ top: px, behavior: 'smooth' })`, pixels)
}

// ClickByText clicks a link or button by its visible text. Matching degrades
// through three stages: exact text, substring, then URL slug derived from
// the text. Returns an error only when all three fail.
func (c *Context) ClickByText(ctx context.Context, text string) error {
	slug := strings.ToLower(strings.ReplaceAll(strings.TrimSpace(text), " ", "-"))
	res, err := c.Eval(ctx, `(text, slug) => {
		const norm = s => (s || '').trim().replace(/\s+/g, ' ').toLowerCase();
		const want = norm(text);
		const candidates = Array.from(document.querySelectorAll('a, button, [role="button"], input[type="submit"]'));

		let el = candidates.find(e => norm(e.innerText || e.value) === want);
		if (!el) el = candidates.find(e => norm(e.innerText || e.value).includes(want));
		if (!el && slug) el = candidates.find(e => (e.getAttribute('href') || '').toLowerCase().includes(slug));
		if (!el) return 'none';

		el.scrollIntoView({ block: 'center' });
		el.click();
		return 'clicked';
	}`, text, slug)
	if err != nil {
		return fmt.Errorf("click by text %q: %w", text, err)
	}
	if res != "clicked" {
		return fmt.Errorf("no clickable element matches %q", text)
	}
	c.WaitStable(ctx)
	return nil
}

// Signals is the structured perception of the current page used for
// navigation decisions and block detection.
type Signals struct {
	URL         string   `json:"url"`
	Title       string   `json:"title"`
	TextSample  string   `json:"text_sample"`
	Links       []Link   `json:"links,omitempty"`
	FormCount   int      `json:"form_count"`
	ButtonTexts []string `json:"button_texts,omitempty"`
	TextLength  int      `json:"text_length"`
	HasIframe   bool     `json:"has_iframe"`
}

// Link is a visible anchor on the page.
type Link struct {
	Text string `json:"text"`
	Href string `json:"href"`
}

// Perceive extracts structured signals from the live DOM.
func (c *Context) Perceive(ctx context.Context) (*Signals, error) {
	raw, err := c.Eval(ctx, `() => {
		const text = (document.body && document.body.innerText) || '';
		const links = Array.from(document.querySelectorAll('a[href]'))
			.filter(a => a.innerText && a.innerText.trim())
			.slice(0, 60)
			.map(a => ({ text: a.innerText.trim().slice(0, 120), href: a.href }));
		const buttons = Array.from(document.querySelectorAll('button, [role="button"]'))
			.filter(b => b.innerText && b.innerText.trim())
			.slice(0, 30)
			.map(b => b.innerText.trim().slice(0, 80));
		return JSON.stringify({
			url: location.href,
			title: document.title,
			text_sample: text.slice(0, 3000),
			links: links,
			form_count: document.querySelectorAll('form').length,
			button_texts: buttons,
			text_length: text.length,
			has_iframe: document.querySelectorAll('iframe').length > 0,
		});
	}`)
	if err != nil {
		return nil, err
	}
	var sig Signals
	if err := unmarshalSignals(raw, &sig); err != nil {
		return nil, err
	}
	c.lastUsed = time.Now()
	return &sig, nil
}
