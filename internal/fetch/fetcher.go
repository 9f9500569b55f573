package fetch

import (
	"context"
	"fmt"
	"time"

	"github.com/go-rod/rod/lib/proto"
	"github.com/google/uuid"

	"scout/internal/browser"
	"scout/internal/config"
	"scout/internal/logging"
	"scout/internal/types"
)

// Intervention asks a human to clear a challenge we cannot. Screenshot is
// the blocked page as seen by the browser, so the operator knows what
// challenge they are walking into; nil when capture failed.
type Intervention struct {
	ID         string          `json:"id"`
	URL        string          `json:"url"`
	Domain     string          `json:"domain"`
	BlockKind  types.BlockType `json:"block_kind"`
	Marker     string          `json:"marker"`
	Screenshot []byte          `json:"screenshot,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Resolution is what the human hands back.
type Resolution struct {
	Resolved bool
	Cookies  []*proto.NetworkCookieParam
}

// InterventionSink receives block notifications. Implementations may solve
// the challenge out-of-band and return cookies to inject. A nil sink means
// blocks are terminal.
type InterventionSink interface {
	RequestIntervention(ctx context.Context, req Intervention) (*Resolution, error)
}

// Page is a successfully fetched document.
type Page struct {
	RequestedURL string
	FinalURL     string
	Title        string
	HTML         string
	Signals      *browser.Signals
	FetchedAt    time.Time
}

// Fetcher loads pages through persistent contexts with block handling.
type Fetcher struct {
	pool      *browser.Pool
	sink      InterventionSink
	threshold float64
	waitFor   time.Duration
}

// NewFetcher builds a fetcher. sink may be nil.
func NewFetcher(pool *browser.Pool, sink InterventionSink, rlCfg config.RateLimitConfig, blockThreshold float64) *Fetcher {
	if blockThreshold <= 0 {
		blockThreshold = 0.7
	}
	return &Fetcher{
		pool:      pool,
		sink:      sink,
		threshold: blockThreshold,
		waitFor:   rlCfg.InterventionWaitDuration(),
	}
}

// Fetch navigates to url in the (session, domain) context and returns the
// rendered page. On a confident block it raises an intervention, waits, and
// retries exactly once before surfacing a blocked error.
func (f *Fetcher) Fetch(ctx context.Context, sessionID, url string) (*Page, error) {
	domain := types.HostOf(url)
	if domain == "" {
		return nil, fmt.Errorf("unparseable url: %s", url)
	}

	timer := logging.StartTimer(logging.CategoryFetch, "fetch:"+domain)
	defer timer.Stop()

	bc, err := f.pool.Acquire(ctx, sessionID, domain)
	if err != nil {
		return nil, err
	}

	page, det, err := f.load(ctx, bc, url)
	if err != nil {
		return nil, err
	}
	if det == nil {
		bc.SaveState()
		return page, nil
	}

	logging.Fetch("Block on %s: kind=%s confidence=%.2f marker=%q",
		domain, det.Kind, det.Confidence, det.Marker)

	if f.sink == nil {
		return nil, types.NewBlockedError(domain, det.Kind,
			fmt.Errorf("marker %q (%.2f)", det.Marker, det.Confidence))
	}

	// One intervention round, then one retry.
	res, err := f.intervene(ctx, bc, url, domain, det)
	if err != nil || res == nil || !res.Resolved {
		return nil, types.NewBlockedError(domain, det.Kind,
			fmt.Errorf("intervention unresolved for marker %q", det.Marker))
	}
	if err := bc.InjectCookies(res.Cookies); err != nil {
		logging.FetchDebug("cookie injection failed for %s: %v", domain, err)
	}

	page, det, err = f.load(ctx, bc, url)
	if err != nil {
		return nil, err
	}
	if det != nil {
		return nil, types.NewBlockedError(domain, det.Kind,
			fmt.Errorf("still blocked after intervention: %q", det.Marker))
	}
	bc.SaveState()
	logging.Fetch("Intervention cleared block on %s", domain)
	return page, nil
}

func (f *Fetcher) load(ctx context.Context, bc *browser.Context, url string) (*Page, *Detection, error) {
	if err := bc.Navigate(ctx, url); err != nil {
		if ctx.Err() != nil {
			return nil, nil, types.NewError(types.ErrCancelled, types.HostOf(url), ctx.Err())
		}
		return nil, nil, types.NewError(types.ErrTimeout, types.HostOf(url), err)
	}
	bc.WaitStable(ctx)

	sig, err := bc.Perceive(ctx)
	if err != nil {
		return nil, nil, err
	}

	if det := Classify(sig, url); det != nil && det.Confidence >= f.threshold {
		return nil, det, nil
	}

	rawHTML, err := bc.HTML(ctx)
	if err != nil {
		return nil, nil, err
	}
	return &Page{
		RequestedURL: url,
		FinalURL:     sig.URL,
		Title:        sig.Title,
		HTML:         rawHTML,
		Signals:      sig,
		FetchedAt:    time.Now(),
	}, nil, nil
}

func (f *Fetcher) intervene(ctx context.Context, bc *browser.Context, url, domain string, det *Detection) (*Resolution, error) {
	shot, err := bc.Screenshot(ctx)
	if err != nil {
		logging.FetchDebug("screenshot of blocked page failed for %s: %v", domain, err)
		shot = nil
	}
	req := buildIntervention(url, domain, det, shot)
	waitCtx, cancel := context.WithTimeout(ctx, f.waitFor)
	defer cancel()

	logging.Fetch("Requesting intervention %s for %s (%s)", req.ID, domain, det.Kind)
	return f.sink.RequestIntervention(waitCtx, req)
}

func buildIntervention(url, domain string, det *Detection, shot []byte) Intervention {
	return Intervention{
		ID:         uuid.NewString(),
		URL:        url,
		Domain:     domain,
		BlockKind:  det.Kind,
		Marker:     det.Marker,
		Screenshot: shot,
		CreatedAt:  time.Now(),
	}
}
