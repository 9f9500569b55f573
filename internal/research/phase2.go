package research

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"scout/internal/browser"
	"scout/internal/fetch"
	"scout/internal/knowledge"
	"scout/internal/llm"
	"scout/internal/logging"
	"scout/internal/navigator"
	"scout/internal/reader"
	"scout/internal/sanitize"
	"scout/internal/schema"
	"scout/internal/search"
	"scout/internal/types"
	"scout/internal/vendors"
)

// increaseWaitExtra is the additional settle time applied when a vendor's
// recovery ladder asks for slower visits.
const increaseWaitExtra = 15 * time.Second

// VendorSearch runs Phase 2: visiting ranked vendors and extracting
// findings that survive the requirements criteria.
type VendorSearch struct {
	pool     *browser.Pool
	searcher *search.Searcher
	fetcher  *fetch.Fetcher
	nav      *navigator.Navigator
	schemas  *schema.Registry
	vendors  *vendors.Registry
	notes    *knowledge.SiteNotes
	inv      *llm.Invoker
	events   EventSink

	maxVendors    int
	concurrency   int64
	vendorTimeout time.Duration
}

// NewVendorSearch wires Phase 2. notes may be nil.
func NewVendorSearch(pool *browser.Pool, searcher *search.Searcher, fetcher *fetch.Fetcher,
	nav *navigator.Navigator, schemas *schema.Registry, vendorReg *vendors.Registry,
	notes *knowledge.SiteNotes, inv *llm.Invoker, events EventSink,
	maxVendors, concurrency int, vendorTimeout time.Duration) *VendorSearch {
	if maxVendors <= 0 {
		maxVendors = 5
	}
	if concurrency <= 0 {
		concurrency = 3
	}
	if vendorTimeout <= 0 {
		vendorTimeout = 3 * time.Minute
	}
	if events == nil {
		events = NopSink{}
	}
	return &VendorSearch{
		pool: pool, searcher: searcher, fetcher: fetcher, nav: nav,
		schemas: schemas, vendors: vendorReg, notes: notes, inv: inv, events: events,
		maxVendors: maxVendors, concurrency: int64(concurrency), vendorTimeout: vendorTimeout,
	}
}

// Outcome is Phase 2's result.
type Phase2Outcome struct {
	Findings       []types.Finding
	Rejected       []types.Finding
	Sources        []types.Source
	VendorsVisited int
	VendorsBlocked int
	FailureReasons []string
}

// Run selects vendors, visits them concurrently under the cap, and applies
// the requirements criteria to everything extracted. A finding's vendor is
// always the host of the URL it was extracted from.
func (vs *VendorSearch) Run(ctx context.Context, q types.Query, goal string,
	reasoning *types.RequirementsReasoning, intel *types.Intelligence, knownRetailers []string) (*Phase2Outcome, error) {

	timer := logging.StartTimer(logging.CategoryResearch, "phase2")
	defer timer.Stop()

	selected := vs.selectVendors(ctx, q, reasoning, intel, knownRetailers)
	if len(selected) == 0 {
		return &Phase2Outcome{FailureReasons: []string{"no usable vendors found"}}, nil
	}
	logging.Research("Phase 2 visiting %d vendors: %s", len(selected), strings.Join(selected, ", "))

	out := &Phase2Outcome{}
	// Slots keep aggregation in selection order regardless of completion
	// order; ties between vendors stay deterministic.
	type slot struct {
		findings []types.Finding
		source   *types.Source
		blocked  bool
		failure  string
	}
	slots := make([]slot, len(selected))

	sem := semaphore.NewWeighted(vs.concurrency)
	var wg sync.WaitGroup
	for i, domain := range selected {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(i int, domain string) {
			defer wg.Done()
			defer sem.Release(1)

			vendorCtx, cancel := context.WithTimeout(ctx, vs.vendorTimeout)
			defer cancel()

			findings, source, err := vs.visitVendor(vendorCtx, q.SessionID, domain, goal, reasoning)
			if err != nil {
				slots[i].failure = fmt.Sprintf("%s: %v", domain, err)
				slots[i].blocked = types.IsKind(err, types.ErrBlocked)
				vs.recordFailure(domain, err)
				return
			}
			slots[i].findings = findings
			slots[i].source = source
			_ = vs.vendors.RecordSuccess(domain)
			if vs.notes != nil {
				_ = vs.notes.Confirm(domain)
			}
		}(i, domain)
	}
	wg.Wait()

	var raw []types.Finding
	for i := range slots {
		s := &slots[i]
		if s.failure != "" {
			out.FailureReasons = append(out.FailureReasons, s.failure)
			if s.blocked {
				out.VendorsBlocked++
			}
			continue
		}
		out.VendorsVisited++
		if s.source != nil {
			out.Sources = append(out.Sources, *s.source)
		}
		raw = append(raw, s.findings...)
	}

	out.Findings, out.Rejected = ApplyCriteria(raw, reasoning.Criteria)
	vs.events.Emit(EventPhase2Complete, map[string]interface{}{
		"vendors": out.VendorsVisited, "blocked": out.VendorsBlocked,
		"findings": len(out.Findings), "rejected": len(out.Rejected),
	})
	return out, nil
}

// selectVendors unions intelligence retailers, known retailers, and SERP
// hosts for the optimized query, ranked by relevance x health x usability.
func (vs *VendorSearch) selectVendors(ctx context.Context, q types.Query,
	reasoning *types.RequirementsReasoning, intel *types.Intelligence, knownRetailers []string) []string {

	relevance := make(map[string]float64)
	for domain, info := range intel.Retailers {
		if host := normalizeDomain(domain); host != "" {
			relevance[host] = info.Relevance
		}
	}
	for _, domain := range knownRetailers {
		if host := normalizeDomain(domain); host != "" && relevance[host] < 0.5 {
			relevance[host] = 0.5
		}
	}

	if res, err := vs.searcher.Search(ctx, q.SessionID, reasoning.OptimizedQuery); err == nil {
		vs.events.Emit(EventSearchExecuted, map[string]interface{}{
			"engine": res.Engine, "query": reasoning.OptimizedQuery, "results": len(res.Entries),
		})
		for pos, entry := range res.Entries {
			host := types.HostOf(entry.URL)
			if host == "" {
				continue
			}
			serpScore := 0.7 - 0.05*float64(pos)
			if serpScore > relevance[host] {
				relevance[host] = serpScore
			}
		}
	} else {
		logging.Research("Phase 2 vendor discovery search failed: %v", err)
	}

	type scored struct {
		domain string
		score  float64
	}
	var ranked []scored
	for domain, rel := range relevance {
		if !vs.vendors.Usable(domain) {
			logging.Vendors("Skipping quarantined vendor %s", domain)
			continue
		}
		health := 0.5
		if v, ok := vs.vendors.Get(domain); ok {
			total := v.SuccessCount + v.FailureCount
			if total > 0 {
				health = float64(v.SuccessCount) / float64(total)
			}
		}
		ranked = append(ranked, scored{domain: domain, score: rel * health})
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		return ranked[i].domain < ranked[j].domain
	})

	out := make([]string, 0, vs.maxVendors)
	for _, r := range ranked {
		if len(out) >= vs.maxVendors {
			break
		}
		out = append(out, r.domain)
	}
	return out
}

// pendingStrategy returns the recovery strategy to apply on this visit: the
// next untried ladder rung, but only when the vendor is mid-streak. Healthy
// vendors get a plain visit.
func (vs *VendorSearch) pendingStrategy(domain string) vendors.Strategy {
	v, ok := vs.vendors.Get(domain)
	if !ok || v.ConsecutiveFailures == 0 {
		return ""
	}
	return vs.vendors.NextStrategy(domain)
}

// strategyTarget maps a recovery strategy to the URL and session key for the
// visit. A stealth retry gets a derived session so the pool mints a fresh
// fingerprint; an alternate-URL retry hits the www host explicitly.
func strategyTarget(s vendors.Strategy, sessionID, domain string) (url, session string) {
	url = "https://" + domain
	session = sessionID
	switch s {
	case vendors.StrategyStealthMode:
		session = sessionID + ":fresh"
	case vendors.StrategyAlternateURL:
		url = "https://www." + domain + "/"
	}
	return url, session
}

// visitVendor loads the vendor, applying any pending recovery strategy,
// navigates toward the goal, and extracts findings schema-first with an LLM
// fallback. The recovery outcome is recorded either way so the ladder
// advances on failure and resets on success.
func (vs *VendorSearch) visitVendor(ctx context.Context, sessionID, domain, goal string,
	reasoning *types.RequirementsReasoning) (findings []types.Finding, source *types.Source, err error) {

	strategy := vs.pendingStrategy(domain)
	if strategy != "" {
		logging.Vendors("Applying recovery strategy %s on %s", strategy, domain)
		defer func() {
			if rerr := vs.vendors.RecordRecovery(domain, strategy, err == nil); rerr != nil {
				logging.Vendors("Recording recovery outcome for %s failed: %v", domain, rerr)
			}
		}()
	}

	url, session := strategyTarget(strategy, sessionID, domain)
	switch strategy {
	case vendors.StrategyRecalibrate:
		_ = vs.schemas.MarkStaleDomain(domain)
	case vendors.StrategyIncreaseWait:
		select {
		case <-time.After(increaseWaitExtra):
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		}
	}

	bc, err := vs.pool.Acquire(ctx, session, domain)
	if err != nil {
		return nil, nil, err
	}
	if strategy == vendors.StrategyMobileViewport {
		if verr := bc.SetViewport(ctx, 390, 844, true); verr != nil {
			logging.Vendors("Mobile viewport on %s failed: %v", domain, verr)
		}
	}

	if _, err = vs.fetcher.Fetch(ctx, session, url); err != nil {
		return nil, nil, err
	}
	vs.events.Emit(EventVendorVisited, map[string]interface{}{"domain": domain})

	navGoal := goal
	if reasoning.OptimizedQuery != "" {
		navGoal = fmt.Sprintf("%s (searching for: %s)", goal, reasoning.OptimizedQuery)
	}
	task := navigator.Task{
		Goal:         vs.goalWithNotes(domain, navGoal),
		Requirements: reasoning,
		Extract: func(ctx context.Context, hints string) ([]types.Finding, error) {
			return vs.extractLive(ctx, bc, domain, hints, reasoning)
		},
	}
	outcome, err := vs.nav.Run(ctx, bc, task)
	if err != nil {
		return nil, nil, err
	}
	if outcome.GaveUp {
		return nil, nil, types.NewError(types.ErrExtractionEmpty, domain,
			fmt.Errorf("navigator gave up: %s", outcome.Reason))
	}
	if len(outcome.Findings) == 0 {
		return nil, nil, types.NewError(types.ErrExtractionEmpty, domain,
			fmt.Errorf("nothing extracted from vendor"))
	}

	// The vendor tag comes from the URL we actually extracted from, never
	// from model output.
	findings = outcome.Findings
	actualVendor := types.HostOf(outcome.FinalURL)
	for i := range findings {
		findings[i].Vendor = actualVendor
		if findings[i].URL == "" {
			findings[i].URL = outcome.FinalURL
		}
	}

	source = &types.Source{
		URL: outcome.FinalURL, Title: outcome.Title,
		PageType: "vendor", Reliability: 0.8,
	}
	return findings, source, nil
}

// goalWithNotes appends accumulated operational notes for the domain so the
// navigation decider knows the site's quirks up front.
func (vs *VendorSearch) goalWithNotes(domain, goal string) string {
	if vs.notes == nil {
		return goal
	}
	n, ok := vs.notes.Get(domain)
	if !ok || len(n.Notes) == 0 {
		return goal
	}
	hints := n.Notes
	if len(hints) > 3 {
		hints = hints[len(hints)-3:]
	}
	return fmt.Sprintf("%s [known about this site: %s]", goal, strings.Join(hints, "; "))
}

// extractLive reads the page the navigator settled on and extracts findings
// schema-first by the page's detected type, falling back to the LLM reader.
// Method stats are recorded under that (domain, page type) schema.
func (vs *VendorSearch) extractLive(ctx context.Context, bc *browser.Context, domain, hints string,
	reasoning *types.RequirementsReasoning) ([]types.Finding, error) {

	finalURL := bc.CurrentURL()
	html, err := bc.HTML(ctx)
	if err != nil {
		return nil, err
	}
	doc, err := sanitize.Sanitize(html, 0)
	if err != nil || strings.TrimSpace(doc.Text) == "" {
		return nil, types.NewError(types.ErrExtractionEmpty, domain,
			fmt.Errorf("no text on vendor page"))
	}
	pageType := string(reader.DetectType(finalURL, bc.Title(), doc.Text))

	if s, ok := vs.schemas.Get(domain, pageType); ok && len(s.Selectors) > 0 && !s.NeedsRecalibration() {
		findings := vs.extractWithSchema(ctx, bc, s.Selectors)
		if len(findings) > 0 {
			_ = vs.schemas.RecordSuccess(domain, pageType, "schema")
			logging.Research("Schema extraction on %s/%s yielded %d findings (v%d)",
				domain, pageType, len(findings), s.Version)
			return findings, nil
		}
		_ = vs.schemas.RecordFailure(domain, pageType, "schema")
		logging.Research("Schema extraction failed on %s/%s, falling back to LLM", domain, pageType)
	}

	findings, err := vs.extractWithLLM(ctx, finalURL, doc, hints, reasoning)
	if err != nil {
		_ = vs.schemas.RecordFailure(domain, pageType, "llm")
		return nil, err
	}
	_ = vs.schemas.RecordSuccess(domain, pageType, "llm")
	return findings, nil
}

// extractWithSchema applies stored CSS selectors in the live page.
// Selector keys: "item" (container), "name", "price", "url", "description".
func (vs *VendorSearch) extractWithSchema(ctx context.Context, bc *browser.Context, selectors map[string]string) []types.Finding {
	sel, _ := json.Marshal(selectors)
	raw, err := bc.Eval(ctx, `(selJSON) => {
		const sel = JSON.parse(selJSON);
		if (!sel.item) return '[]';
		const pick = (root, s) => {
			if (!s) return '';
			const el = root.querySelector(s);
			return el ? (el.innerText || el.getAttribute('href') || '').trim() : '';
		};
		const items = Array.from(document.querySelectorAll(sel.item)).slice(0, 20);
		return JSON.stringify(items.map(it => ({
			name: pick(it, sel.name),
			price: pick(it, sel.price),
			url: (() => { const a = it.querySelector(sel.url || 'a[href]'); return a ? a.href : ''; })(),
			description: pick(it, sel.description),
		})).filter(f => f.name));
	}`, string(sel))
	if err != nil || raw == "" {
		return nil
	}

	var rows []struct {
		Name        string `json:"name"`
		Price       string `json:"price"`
		URL         string `json:"url"`
		Description string `json:"description"`
	}
	if json.Unmarshal([]byte(raw), &rows) != nil {
		return nil
	}

	var findings []types.Finding
	for _, row := range rows {
		f := types.Finding{
			Name: row.Name, URL: row.URL, Description: row.Description,
			Price: parsePrice(row.Price), Confidence: 0.9,
		}
		if f.Name != "" {
			findings = append(findings, f)
		}
	}
	return findings
}

// extractWithLLM reads the sanitized page and asks for findings, steering
// the reader with the decider's extraction hints when it gave any.
func (vs *VendorSearch) extractWithLLM(ctx context.Context, finalURL string, doc *sanitize.Document,
	hints string, reasoning *types.RequirementsReasoning) ([]types.Finding, error) {

	system := `You extract product listings from a store page.
Respond with JSON only: {"findings": [{"name": "...", "price": 0.0, "url": "", "description": "", "confidence": 0.0, "strengths": [], "weaknesses": []}]}
Only include real products visible on the page. Prices as numbers without currency symbols.`

	criteria, _ := json.Marshal(reasoning.Criteria)
	chunk := doc.Chunks[0]
	var sb strings.Builder
	fmt.Fprintf(&sb, "Looking for: %s\nCriteria: %s\n", reasoning.OptimizedQuery, criteria)
	if hints != "" {
		fmt.Fprintf(&sb, "Focus on: %s\n", hints)
	}
	fmt.Fprintf(&sb, "\nPage (%s):\n%s", finalURL, chunk)

	raw, err := vs.inv.Invoke(ctx, llm.RolePageReader, system, sb.String())
	if err != nil {
		return nil, err
	}
	var parsed struct {
		Findings []types.Finding `json:"findings"`
	}
	if err := llm.ParseInto(raw, &parsed); err != nil {
		return nil, types.NewError(types.ErrExtractionMismatch, types.HostOf(finalURL), err)
	}
	return parsed.Findings, nil
}

// recordFailure notes the failed visit. The returned strategy hint is only
// logged here; the ladder advances when the strategy is actually applied on
// the next visit and its outcome recorded.
func (vs *VendorSearch) recordFailure(domain string, err error) {
	blockKind := types.BlockType("")
	var re *types.ResearchError
	if errors.As(err, &re) && re.Kind == types.ErrBlocked {
		blockKind = re.BlockKind
		vs.events.Emit(EventVendorBlocked, map[string]interface{}{"domain": domain, "kind": string(blockKind)})
		if vs.notes != nil {
			_ = vs.notes.Add(domain, fmt.Sprintf("blocked with %s", blockKind))
		}
	}
	hint, regErr := vs.vendors.RecordFailure(domain, blockKind)
	if regErr != nil {
		logging.Vendors("Recording failure for %s failed: %v", domain, regErr)
	}
	if hint != "" {
		logging.Vendors("Vendor %s failed (%v); next recovery: %s", domain, err, hint)
	}
}

// ApplyCriteria splits findings into passing and rejected by the
// deterministic post-filters: budget, excluded terms, wrong category, and
// required specs.
func ApplyCriteria(findings []types.Finding, c types.ParsedCriteria) (passing, rejected []types.Finding) {
	for _, f := range findings {
		if reason := rejectReason(f, c); reason != "" {
			f.Weaknesses = append(f.Weaknesses, reason)
			rejected = append(rejected, f)
			continue
		}
		passing = append(passing, f)
	}
	return passing, rejected
}

func rejectReason(f types.Finding, c types.ParsedCriteria) string {
	haystack := strings.ToLower(f.Name + " " + f.Description)

	if c.BudgetMax > 0 && f.Price > c.BudgetMax {
		return fmt.Sprintf("over budget: %s > %s", types.FormatPrice(f.Price), types.FormatPrice(c.BudgetMax))
	}
	if c.BudgetMin > 0 && f.Price > 0 && f.Price < c.BudgetMin {
		return fmt.Sprintf("under budget floor: %s < %s", types.FormatPrice(f.Price), types.FormatPrice(c.BudgetMin))
	}
	for _, term := range c.ExcludedTerms {
		if term != "" && strings.Contains(haystack, strings.ToLower(term)) {
			return "contains excluded term: " + term
		}
	}
	for _, cat := range c.WrongCategory {
		if cat != "" && strings.Contains(haystack, strings.ToLower(cat)) {
			return "wrong category: " + cat
		}
	}
	for spec, value := range c.RequiredSpecs {
		if value == "" {
			continue
		}
		if strings.Contains(haystack, strings.ToLower(value)) {
			continue
		}
		if matchesAlternative(haystack, c.AcceptableAlternatives[spec]) {
			continue
		}
		return fmt.Sprintf("missing required spec %s=%s", spec, value)
	}
	return ""
}

func matchesAlternative(haystack string, variants []string) bool {
	for _, v := range variants {
		if v != "" && strings.Contains(haystack, strings.ToLower(v)) {
			return true
		}
	}
	return false
}

func normalizeDomain(s string) string {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return ""
	}
	if strings.Contains(s, "://") {
		return types.HostOf(s)
	}
	s = strings.TrimPrefix(s, "www.")
	if !strings.Contains(s, ".") {
		return s + ".com"
	}
	return s
}

func parsePrice(s string) float64 {
	s = strings.TrimSpace(s)
	var num []rune
	for _, r := range s {
		if r >= '0' && r <= '9' || r == '.' {
			num = append(num, r)
		}
		if r == ',' {
			continue
		}
		if len(num) > 0 && !(r >= '0' && r <= '9') && r != '.' && r != ',' {
			break
		}
	}
	v, _ := strconv.ParseFloat(string(num), 64)
	return v
}
