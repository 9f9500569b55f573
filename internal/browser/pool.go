// Package browser manages persistent browsing contexts over a shared Chrome
// instance. Contexts are keyed by (session, domain) so each site sees one
// consistent visitor with stable cookies, storage, and fingerprint across
// the whole research session.
package browser

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"

	"scout/internal/config"
	"scout/internal/logging"
	"scout/internal/stealth"
)

// Pool owns the Chrome process and the per-(session,domain) contexts.
type Pool struct {
	cfg      config.BrowserConfig
	stateDir string
	timeout  time.Duration
	idleTTL  time.Duration

	mu       sync.Mutex
	browser  *rod.Browser
	launch   *launcher.Launcher
	contexts map[string]*Context
	userID   string
}

// NewPool creates a pool. The browser launches lazily on first Acquire.
func NewPool(cfg config.BrowserConfig, stateDir, userID string) *Pool {
	if userID == "" {
		userID = "default"
	}
	return &Pool{
		cfg:      cfg,
		stateDir: stateDir,
		timeout:  durationOr(cfg.NavigateTimeout, 45*time.Second),
		idleTTL:  durationOr(cfg.IdleContextTTL, 10*time.Minute),
		contexts: make(map[string]*Context),
		userID:   userID,
	}
}

func durationOr(s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func (p *Pool) ensureStarted(ctx context.Context) error {
	if p.browser != nil {
		return nil
	}

	launch := launcher.New().Headless(p.cfg.Headless)
	if p.cfg.ExecutablePath != "" {
		launch = launch.Bin(p.cfg.ExecutablePath)
	}
	controlURL, err := launch.Launch()
	if err != nil {
		return fmt.Errorf("launch chrome: %w", err)
	}

	browser := rod.New().ControlURL(controlURL).Context(ctx)
	if err := browser.Connect(); err != nil {
		return fmt.Errorf("connect to chrome: %w", err)
	}

	p.launch = launch
	p.browser = browser
	logging.Browser("Chrome connected: headless=%v", p.cfg.Headless)
	return nil
}

func contextKey(sessionID, domain string) string {
	return sessionID + "|" + domain
}

// Acquire returns the persistent context for (sessionID, domain), creating
// it on first use with the session fingerprint applied and any saved
// cookies restored.
func (p *Pool) Acquire(ctx context.Context, sessionID, domain string) (*Context, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.ensureStarted(ctx); err != nil {
		return nil, err
	}

	key := contextKey(sessionID, domain)
	if bc, ok := p.contexts[key]; ok {
		bc.lastUsed = time.Now()
		return bc, nil
	}

	p.reapIdleLocked()

	fp := stealth.ForSession(p.userID, sessionID)

	incognito, err := p.browser.Incognito()
	if err != nil {
		return nil, fmt.Errorf("incognito context: %w", err)
	}
	page, err := incognito.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return nil, fmt.Errorf("create page: %w", err)
	}

	if err := (proto.EmulationSetDeviceMetricsOverride{
		Width:             fp.ViewportWidth,
		Height:            fp.ViewportHeight,
		DeviceScaleFactor: fp.DeviceScaleFactor,
		Mobile:            false,
	}).Call(page); err != nil {
		logging.BrowserDebug("viewport override failed for %s: %v", domain, err)
	}
	_ = proto.NetworkSetUserAgentOverride{
		UserAgent:      fp.UserAgent,
		AcceptLanguage: fp.Locale,
		Platform:       fp.Platform,
	}.Call(page)
	_ = proto.EmulationSetTimezoneOverride{TimezoneID: fp.Timezone}.Call(page)

	// Patch scripts must land before any site JS runs.
	if _, err := page.EvalOnNewDocument(stealth.PatchScript(fp)); err != nil {
		logging.BrowserDebug("stealth injection failed for %s: %v", domain, err)
	}

	bc := &Context{
		pool:        p,
		page:        page,
		sessionID:   sessionID,
		domain:      domain,
		fingerprint: fp,
		timeout:     p.timeout,
		lastUsed:    time.Now(),
	}
	bc.restoreState()

	p.contexts[key] = bc
	logging.Browser("Context created: session=%s domain=%s ua=%s", sessionID, domain, fp.Platform)
	return bc, nil
}

// reapIdleLocked closes contexts idle past the TTL, and the oldest ones when
// the pool is over capacity.
func (p *Pool) reapIdleLocked() {
	now := time.Now()
	for key, bc := range p.contexts {
		if now.Sub(bc.lastUsed) > p.idleTTL {
			bc.saveState()
			bc.page.Close()
			delete(p.contexts, key)
			logging.BrowserDebug("Reaped idle context: %s", key)
		}
	}
	max := p.cfg.MaxContexts
	if max <= 0 {
		max = 8
	}
	for len(p.contexts) >= max {
		var oldestKey string
		var oldest time.Time
		for key, bc := range p.contexts {
			if oldestKey == "" || bc.lastUsed.Before(oldest) {
				oldestKey, oldest = key, bc.lastUsed
			}
		}
		bc := p.contexts[oldestKey]
		bc.saveState()
		bc.page.Close()
		delete(p.contexts, oldestKey)
		logging.BrowserDebug("Evicted context over capacity: %s", oldestKey)
	}
}

// Shutdown saves all context state and closes the browser.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for key, bc := range p.contexts {
		bc.saveState()
		bc.page.Close()
		delete(p.contexts, key)
	}
	if p.browser != nil {
		_ = p.browser.Close()
		p.browser = nil
	}
	if p.launch != nil {
		p.launch.Cleanup()
		p.launch = nil
	}
	logging.Browser("Browser pool shut down")
}
