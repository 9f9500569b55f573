package browser

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"

	"scout/internal/logging"
)

// contextState is the persisted footprint of one (session, domain) context.
type contextState struct {
	Cookies      []*proto.NetworkCookie `json:"cookies,omitempty"`
	LocalStorage string                 `json:"local_storage,omitempty"`
	SessionStore string                 `json:"session_storage,omitempty"`
}

func (c *Context) statePath() string {
	return filepath.Join(c.pool.stateDir, "sessions", c.sessionID, c.domain+".json")
}

// saveState snapshots cookies and web storage to disk via temp + rename so a
// crash mid-write never corrupts the previous state.
func (c *Context) saveState() {
	cookiesRes, err := proto.NetworkGetCookies{}.Call(c.page)
	if err != nil {
		logging.BrowserDebug("cookie snapshot failed for %s: %v", c.domain, err)
		return
	}

	state := contextState{
		Cookies:      cookiesRes.Cookies,
		LocalStorage: snapshotStorage(c.page, "localStorage"),
		SessionStore: snapshotStorage(c.page, "sessionStorage"),
	}

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return
	}
	path := c.statePath()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		logging.BrowserDebug("state write failed for %s: %v", c.domain, err)
		return
	}
	if err := os.Rename(tmp, path); err != nil {
		logging.BrowserDebug("state rename failed for %s: %v", c.domain, err)
	}
}

// restoreState loads a previously saved state, if any.
func (c *Context) restoreState() {
	data, err := os.ReadFile(c.statePath())
	if err != nil {
		return
	}
	var state contextState
	if err := json.Unmarshal(data, &state); err != nil {
		logging.BrowserDebug("state parse failed for %s: %v", c.domain, err)
		return
	}

	if len(state.Cookies) > 0 {
		params := make([]*proto.NetworkCookieParam, 0, len(state.Cookies))
		for _, ck := range state.Cookies {
			params = append(params, &proto.NetworkCookieParam{
				Name:     ck.Name,
				Value:    ck.Value,
				Domain:   ck.Domain,
				Path:     ck.Path,
				Expires:  ck.Expires,
				HTTPOnly: ck.HTTPOnly,
				Secure:   ck.Secure,
				SameSite: ck.SameSite,
				Priority: ck.Priority,
			})
		}
		_ = c.page.SetCookies(params)
	}
	restoreStorage(c.page, state.LocalStorage, state.SessionStore)
	logging.BrowserDebug("State restored: session=%s domain=%s cookies=%d",
		c.sessionID, c.domain, len(state.Cookies))
}

// SaveState exposes state persistence for callers that just solved a
// challenge and want the proof-of-humanity cookies kept.
func (c *Context) SaveState() { c.saveState() }

// InjectCookies merges externally supplied cookies (e.g. from a manual
// intervention) into the context.
func (c *Context) InjectCookies(cookies []*proto.NetworkCookieParam) error {
	if len(cookies) == 0 {
		return nil
	}
	if err := c.page.SetCookies(cookies); err != nil {
		return fmt.Errorf("injecting cookies: %w", err)
	}
	c.saveState()
	return nil
}

func snapshotStorage(page *rod.Page, store string) string {
	js := fmt.Sprintf(`() => {
		try {
			const out = {};
			for (const key of Object.keys(%s)) {
				out[key] = %s.getItem(key);
			}
			return JSON.stringify(out);
		} catch (e) {
			return "{}";
		}
	}`, store, store)

	res, err := page.Evaluate(&rod.EvalOptions{
		JS:           js,
		ByValue:      true,
		AwaitPromise: true,
	})
	if err != nil || res == nil || res.Value.Nil() {
		return "{}"
	}
	return res.Value.String()
}

func restoreStorage(page *rod.Page, localJSON, sessionJSON string) {
	_, _ = page.Evaluate(&rod.EvalOptions{
		JS: `(local, session) => {
			try {
				const l = JSON.parse(local || "{}");
				Object.entries(l).forEach(([k, v]) => localStorage.setItem(k, v));
			} catch (e) {}
			try {
				const s = JSON.parse(session || "{}");
				Object.entries(s).forEach(([k, v]) => sessionStorage.setItem(k, v));
			} catch (e) {}
		}`,
		JSArgs:       []interface{}{localJSON, sessionJSON},
		ByValue:      true,
		AwaitPromise: true,
	})
}

func unmarshalSignals(raw string, sig *Signals) error {
	if raw == "" {
		return fmt.Errorf("empty perception result")
	}
	if err := json.Unmarshal([]byte(raw), sig); err != nil {
		return fmt.Errorf("parsing perception: %w", err)
	}
	return nil
}
