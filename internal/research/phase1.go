package research

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"scout/internal/fetch"
	"scout/internal/llm"
	"scout/internal/logging"
	"scout/internal/reader"
	"scout/internal/sanitize"
	"scout/internal/search"
	"scout/internal/types"
)

// Gatherer runs Phase 1: open-web intelligence gathering from forums,
// reviews, and articles before any vendor is touched.
type Gatherer struct {
	searcher *search.Searcher
	fetcher  *fetch.Fetcher
	reader   *reader.Reader
	inv      *llm.Invoker

	maxSources    int
	sourceTimeout time.Duration
	events        EventSink
}

// NewGatherer wires Phase 1.
func NewGatherer(searcher *search.Searcher, fetcher *fetch.Fetcher, rd *reader.Reader, inv *llm.Invoker,
	maxSources int, sourceTimeout time.Duration, events EventSink) *Gatherer {
	if maxSources <= 0 {
		maxSources = 5
	}
	if sourceTimeout <= 0 {
		sourceTimeout = 2 * time.Minute
	}
	if events == nil {
		events = NopSink{}
	}
	return &Gatherer{
		searcher: searcher, fetcher: fetcher, reader: rd, inv: inv,
		maxSources: maxSources, sourceTimeout: sourceTimeout, events: events,
	}
}

// Gather runs subtask searches, reads the top sources in parallel, and
// synthesizes an Intelligence document. Sources that fail or prove
// irrelevant are skipped, not fatal; only a completely empty harvest is an
// error.
func (g *Gatherer) Gather(ctx context.Context, q types.Query, goal string, subtasks []string) (*types.Intelligence, []types.Source, error) {
	timer := logging.StartTimer(logging.CategoryResearch, "phase1")
	defer timer.Stop()

	if len(subtasks) == 0 {
		subtasks = g.generateSubtasks(ctx, q)
	}

	entries := g.collectEntries(ctx, q.SessionID, subtasks)
	if len(entries) == 0 {
		return &types.Intelligence{}, nil, nil
	}
	if len(entries) > g.maxSources {
		entries = entries[:g.maxSources]
	}

	var mu sync.Mutex
	var sources []types.Source
	var pageSummaries []string

	grp, grpCtx := errgroup.WithContext(ctx)
	for _, entry := range entries {
		entry := entry
		grp.Go(func() error {
			srcCtx, cancel := context.WithTimeout(grpCtx, g.sourceTimeout)
			defer cancel()

			src, summary := g.readSource(srcCtx, q.SessionID, entry, goal)
			if src == nil {
				return nil
			}
			mu.Lock()
			sources = append(sources, *src)
			if summary != "" {
				pageSummaries = append(pageSummaries, summary)
			}
			mu.Unlock()
			return nil
		})
	}
	if err := grp.Wait(); err != nil {
		return nil, nil, err
	}

	if len(pageSummaries) == 0 {
		logging.Research("Phase 1 read %d sources but extracted nothing", len(entries))
		return &types.Intelligence{}, sources, nil
	}

	intel := g.synthesize(ctx, q, goal, pageSummaries)
	g.events.Emit(EventPhase1Complete, map[string]interface{}{
		"sources": len(sources), "specs": len(intel.SpecsDiscovered), "retailers": len(intel.Retailers),
	})
	return intel, sources, nil
}

// generateSubtasks asks the goal generator for angles, falling back to
// fixed templates.
func (g *Gatherer) generateSubtasks(ctx context.Context, q types.Query) []string {
	system := `You split a research query into 2-3 search queries that gather background intelligence (reviews, forum advice, buying guides) before visiting any store. Respond with JSON only: {"subtasks": ["...", "..."]}`
	raw, err := g.inv.Invoke(ctx, llm.RoleGoalGenerator, system, "Query: "+q.Text)
	if err == nil {
		var parsed struct {
			Subtasks []string `json:"subtasks"`
		}
		if llm.ParseInto(raw, &parsed) == nil && len(parsed.Subtasks) > 0 {
			if len(parsed.Subtasks) > 3 {
				parsed.Subtasks = parsed.Subtasks[:3]
			}
			return parsed.Subtasks
		}
	}
	return []string{
		q.Text + " reviews",
		"best " + q.Text + " recommendations forum",
	}
}

// collectEntries searches each subtask and pools the SERP entries, deduped
// by URL, preserving subtask order.
func (g *Gatherer) collectEntries(ctx context.Context, sessionID string, subtasks []string) []types.SERPEntry {
	var entries []types.SERPEntry
	seen := make(map[string]bool)
	perTask := g.maxSources/len(subtasks) + 1

	for _, subtask := range subtasks {
		res, err := g.searcher.Search(ctx, sessionID, subtask)
		if err != nil {
			logging.Research("Phase 1 search failed for %q: %v", subtask, err)
			if types.IsKind(err, types.ErrCancelled) {
				break
			}
			continue
		}
		g.events.Emit(EventSearchExecuted, map[string]interface{}{
			"engine": res.Engine, "query": subtask, "results": len(res.Entries),
		})
		count := 0
		for _, e := range res.Entries {
			if seen[e.URL] || count >= perTask {
				continue
			}
			seen[e.URL] = true
			entries = append(entries, e)
			count++
		}
	}
	return entries
}

// readSource fetches and reads one page. Returns nil when the page was
// blocked, abandoned, or empty.
func (g *Gatherer) readSource(ctx context.Context, sessionID string, entry types.SERPEntry, goal string) (*types.Source, string) {
	page, err := g.fetcher.Fetch(ctx, sessionID, entry.URL)
	if err != nil {
		logging.ResearchDebug("Phase 1 fetch failed for %s: %v", entry.URL, err)
		return nil, ""
	}
	doc, err := sanitize.Sanitize(page.HTML, 0)
	if err != nil || strings.TrimSpace(doc.Text) == "" {
		return nil, ""
	}
	reading, err := g.reader.Read(ctx, reader.Input{
		URL: page.FinalURL, Title: page.Title, Doc: doc, Goal: goal,
	})
	if err != nil || reading.Abandoned {
		return nil, ""
	}

	src := &types.Source{
		URL:         page.FinalURL,
		Title:       page.Title,
		Summary:     reading.Summary,
		PageType:    string(reading.PageType),
		Reliability: reading.Relevance,
	}
	if reading.Validation != nil {
		src.Reliability = (reading.Relevance + reading.Validation.MatchScore) / 2
	}

	summary := fmt.Sprintf("[%s] %s\n%s", reading.PageType, page.Title,
		types.TruncateForLog(reading.Content, 2500))
	return src, summary
}

// synthesize merges per-page summaries into one Intelligence document.
func (g *Gatherer) synthesize(ctx context.Context, q types.Query, goal string, summaries []string) *types.Intelligence {
	system := `You merge research notes from multiple web pages into one intelligence document.
Respond with JSON only:
{
  "specs_discovered": {"<attribute>": {"value": "...", "confidence": 0.0, "source_url": ""}},
  "retailers": {"<domain>": {"relevance": 0.0, "reasons": ["..."]}},
  "price_range": {"min": 0, "max": 0},
  "forum_recommendations": ["..."],
  "user_insights": ["..."],
  "hard_requirements": ["..."],
  "acceptable_alternatives": ["..."],
  "deal_breakers": ["..."],
  "summary": "<3 sentences>"
}`
	user := fmt.Sprintf("Query: %s\nGoal: %s\n\nNotes from %d pages:\n\n%s",
		q.Text, goal, len(summaries), strings.Join(summaries, "\n\n---\n\n"))

	raw, err := g.inv.Invoke(ctx, llm.RoleSynthesizer, system, user)
	if err != nil {
		logging.Research("Phase 1 synthesis failed: %v", err)
		return &types.Intelligence{Summary: "synthesis unavailable; raw sources only"}
	}
	var intel types.Intelligence
	if err := llm.ParseInto(raw, &intel); err != nil {
		logging.ResearchDebug("Synthesis output unparseable: %v", err)
		return &types.Intelligence{Summary: "synthesis unparseable; raw sources only"}
	}
	return &intel
}
