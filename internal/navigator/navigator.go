// Package navigator walks a live page toward a goal in bounded steps. Each
// step perceives the DOM, asks the decider for an action, guards the
// decision against over-navigation, acts, and validates what was extracted.
// The loop never exceeds its step budget and never revisits a page it has
// already seen.
package navigator

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"scout/internal/browser"
	"scout/internal/llm"
	"scout/internal/logging"
	"scout/internal/types"
)

// Task is one navigation assignment. Requirements, when present, drive the
// deterministic validation of extracted products. Extract, when present, is
// invoked on EXTRACT decisions with the decider's hints; without it the
// navigator only captures the final HTML.
type Task struct {
	Goal         string
	Requirements *types.RequirementsReasoning
	Extract      func(ctx context.Context, hints string) ([]types.Finding, error)
}

// Step records one iteration for the trace.
type Step struct {
	URL      string          `json:"url"`
	Action   types.NavAction `json:"action"`
	Target   string          `json:"target,omitempty"`
	Reason   string          `json:"reason,omitempty"`
	Forced   bool            `json:"forced,omitempty"`
	MatchPct float64         `json:"match_pct"`
}

// Outcome is the navigator's result.
type Outcome struct {
	FinalURL    string          `json:"final_url"`
	HTML        string          `json:"-"`
	Title       string          `json:"title"`
	ContentType string          `json:"content_type,omitempty"`
	Findings    []types.Finding `json:"findings,omitempty"`
	Steps       []Step          `json:"steps"`
	GaveUp      bool            `json:"gave_up"`
	Reason      string          `json:"reason,omitempty"`
}

// Navigator drives the loop.
type Navigator struct {
	inv        *llm.Invoker
	maxSteps   int
	matchFloor float64
}

// New builds a navigator. maxSteps <= 0 defaults to 5; matchFloor <= 0
// defaults to 0.3.
func New(inv *llm.Invoker, maxSteps int, matchFloor float64) *Navigator {
	if maxSteps <= 0 {
		maxSteps = 5
	}
	if matchFloor <= 0 {
		matchFloor = 0.3
	}
	return &Navigator{inv: inv, maxSteps: maxSteps, matchFloor: matchFloor}
}

// Run navigates bc toward the task's goal starting from its current page.
// The page's final HTML is always captured unless the decider gives up.
func (n *Navigator) Run(ctx context.Context, bc *browser.Context, task Task) (*Outcome, error) {
	outcome := &Outcome{}
	visited := map[string]bool{}
	retried := false
	revalidated := false
	rejection := ""

	for step := 0; step < n.maxSteps; step++ {
		sig, err := bc.Perceive(ctx)
		if err != nil {
			return nil, fmt.Errorf("perceiving at step %d: %w", step+1, err)
		}
		visited[normalizeURL(sig.URL)] = true
		match := matchRatio(task.Goal, sig.TextSample+" "+sig.Title)

		decision := n.decide(ctx, sig, task, step, rejection)
		decision, forced := n.applyGuards(decision, sig, visited, retried, match, rejection != "")

		outcome.Steps = append(outcome.Steps, Step{
			URL: sig.URL, Action: decision.Action, Target: decision.Target,
			Reason: decision.Reason, Forced: forced, MatchPct: match,
		})
		logging.Navigator("Step %d on %s: %s target=%q match=%.2f forced=%v",
			step+1, types.TruncateForLog(sig.URL, 80), decision.Action, decision.Target, match, forced)

		switch decision.Action {
		case types.ActionExtract:
			if task.Extract == nil {
				outcome.ContentType = decision.ContentType
				return n.capture(ctx, bc, sig, outcome)
			}
			findings, err := task.Extract(ctx, decision.ExtractionHints)
			if err != nil {
				return nil, err
			}
			v := n.validate(ctx, task, findings)
			if !v.IsValid && !revalidated && step < n.maxSteps-1 {
				// Validation rejected the haul: hand the reason back to the
				// decider and let it pick a different target.
				revalidated = true
				rejection = v.Reason
				logging.Navigator("Extraction rejected (score=%.2f): %s", v.MatchScore, v.Reason)
				continue
			}
			outcome.Findings = findings
			outcome.ContentType = decision.ContentType
			if !v.IsValid {
				outcome.Reason = v.Reason
			}
			return n.capture(ctx, bc, sig, outcome)

		case types.ActionGiveUp:
			outcome.GaveUp = true
			outcome.Reason = decision.Reason
			outcome.FinalURL = sig.URL
			return outcome, nil

		case types.ActionRetry:
			retried = true
			if err := bc.Navigate(ctx, sig.URL); err != nil {
				outcome.GaveUp = true
				outcome.Reason = fmt.Sprintf("retry failed: %v", err)
				return outcome, nil
			}

		case types.ActionNavigate:
			if err := bc.ClickByText(ctx, decision.Target); err != nil {
				if decision.Alternative != "" {
					err = bc.ClickByText(ctx, decision.Alternative)
				}
				if err != nil {
					// Dead link: extract what we have rather than loop.
					sig2, perr := bc.Perceive(ctx)
					if perr != nil {
						sig2 = sig
					}
					return n.finish(ctx, bc, sig2, outcome, task)
				}
			}
			// Validate the click changed the page.
			after, err := bc.Perceive(ctx)
			if err == nil && normalizeURL(after.URL) == normalizeURL(sig.URL) {
				logging.NavigatorDebug("Click on %q did not change URL", decision.Target)
			}
		}
	}

	// Step budget exhausted: extract the current page.
	sig, err := bc.Perceive(ctx)
	if err != nil {
		return nil, fmt.Errorf("final perception: %w", err)
	}
	return n.finish(ctx, bc, sig, outcome, task)
}

// applyGuards overrides decisions that would waste the step budget or lose
// page state. Returns the possibly replaced decision and whether it was
// forced.
func (n *Navigator) applyGuards(decision types.Decision, sig *browser.Signals,
	visited map[string]bool, retried bool, match float64, rejectedExtraction bool) (types.Decision, bool) {

	// Guard: never click away from an applied price filter into navigation
	// that would wipe it. Losing filters is how runs start over.
	if decision.Action == types.ActionNavigate && hasPriceFilter(sig.URL) && wipesFilters(decision.Target) {
		return types.Decision{Action: types.ActionExtract,
			Reason: fmt.Sprintf("price filter active, refusing %q navigation", decision.Target)}, true
	}
	// Guard: a page that already satisfies the goal is extracted, not
	// refined further. Skipped right after a rejected extraction, which
	// needs the navigation the decider just proposed.
	if decision.Action == types.ActionNavigate && match >= n.matchFloor && !rejectedExtraction {
		return types.Decision{Action: types.ActionExtract,
			Reason: fmt.Sprintf("page matches goal (%.0f%%), overriding navigation", match*100)}, true
	}
	// Guard: never navigate back to a page we have seen.
	if decision.Action == types.ActionNavigate {
		if target := resolveLinkHref(sig, decision.Target); target != "" && visited[normalizeURL(target)] {
			return types.Decision{Action: types.ActionExtract,
				Reason: "navigation target already visited"}, true
		}
	}
	// Guard: one retry per run.
	if decision.Action == types.ActionRetry && retried {
		return types.Decision{Action: types.ActionExtract, Reason: "retry budget spent"}, true
	}
	return decision, false
}

// finish runs a final extraction (without the validation retry) and
// captures the page.
func (n *Navigator) finish(ctx context.Context, bc *browser.Context, sig *browser.Signals,
	outcome *Outcome, task Task) (*Outcome, error) {
	if task.Extract != nil && outcome.Findings == nil {
		findings, err := task.Extract(ctx, "")
		if err != nil {
			return nil, err
		}
		outcome.Findings = findings
	}
	return n.capture(ctx, bc, sig, outcome)
}

func (n *Navigator) capture(ctx context.Context, bc *browser.Context, sig *browser.Signals, outcome *Outcome) (*Outcome, error) {
	html, err := bc.HTML(ctx)
	if err != nil {
		return nil, fmt.Errorf("capturing page: %w", err)
	}
	outcome.FinalURL = sig.URL
	outcome.Title = sig.Title
	outcome.HTML = html
	return outcome, nil
}

func (n *Navigator) decide(ctx context.Context, sig *browser.Signals, task Task, step int, rejection string) types.Decision {
	system := `You decide the next navigation action on a web page.
Actions: EXTRACT (page has what we need), NAVIGATE (click a link/button, set "target" to its visible text), RETRY (reload, only for obviously broken loads), GIVE_UP (page cannot serve the goal).
Respond with JSON only: {"action": "...", "target": "...", "alternative": "...", "reason": "...", "extraction_hints": "<what to look for when extracting>", "content_type": "<product_listing|product_detail|article|other>"}`

	var links strings.Builder
	for i, l := range sig.Links {
		if i >= 40 {
			break
		}
		fmt.Fprintf(&links, "- %s\n", l.Text)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Goal: %s\nStep %d of %d.\n", task.Goal, step+1, n.maxSteps)
	if task.Requirements != nil && task.Requirements.ReasoningDocument != "" {
		fmt.Fprintf(&sb, "\nRequirements:\n%s\n", types.TruncateForLog(task.Requirements.ReasoningDocument, 800))
	}
	if rejection != "" {
		fmt.Fprintf(&sb, "\nThe last extraction on this page was rejected: %s\nPick a different target.\n", rejection)
	}
	fmt.Fprintf(&sb, "\nPage: %s\nTitle: %s\nText: %s\n\nVisible links:\n%s\nButtons: %s",
		sig.URL, sig.Title, types.TruncateForLog(sig.TextSample, 2000),
		links.String(), strings.Join(sig.ButtonTexts, " | "))

	raw, err := n.inv.Invoke(ctx, llm.RoleNavigationDecider, system, sb.String())
	if err != nil {
		// Without a decider the safest action is extracting the page we
		// already paid to load.
		return types.Decision{Action: types.ActionExtract, Reason: "decider unavailable"}
	}
	var d types.Decision
	if err := llm.ParseInto(raw, &d); err != nil {
		return types.Decision{Action: types.ActionExtract, Reason: "decider output unparseable"}
	}
	switch d.Action {
	case types.ActionExtract, types.ActionNavigate, types.ActionGiveUp, types.ActionRetry:
	default:
		d = types.Decision{Action: types.ActionExtract, Reason: "unknown action from decider"}
	}
	if d.Action == types.ActionNavigate && strings.TrimSpace(d.Target) == "" {
		d = types.Decision{Action: types.ActionExtract, Reason: "navigate without target"}
	}
	return d
}

// validate checks extracted products against the task's requirements. The
// deterministic ratio decides when criteria exist; otherwise a cold LLM
// call judges the haul against the goal.
func (n *Navigator) validate(ctx context.Context, task Task, findings []types.Finding) types.Validation {
	if len(findings) == 0 {
		return types.Validation{Reason: "nothing extracted"}
	}
	if task.Requirements != nil && hasCriteria(task.Requirements.Criteria) {
		ratio := criteriaMatchRatio(findings, task.Requirements.Criteria)
		v := types.Validation{
			IsValid:    ratio >= n.matchFloor,
			MatchScore: ratio,
		}
		if !v.IsValid {
			v.Reason = fmt.Sprintf("only %.0f%% of extracted products fit the requirements", ratio*100)
		}
		return v
	}
	return n.validateWithLLM(ctx, task.Goal, findings)
}

func (n *Navigator) validateWithLLM(ctx context.Context, goal string, findings []types.Finding) types.Validation {
	system := `You judge whether extracted products serve a shopping goal.
Respond with JSON only: {"is_valid": true, "match_score": 0.0, "reason": "...", "suggested_action": "..."}`

	sample := findings
	if len(sample) > 10 {
		sample = sample[:10]
	}
	data, _ := json.Marshal(sample)
	user := fmt.Sprintf("Goal: %s\n\nExtracted products:\n%s", goal, data)

	raw, err := n.inv.Invoke(ctx, llm.RoleExtractionValidator, system, user)
	if err != nil {
		// An unreachable validator must not discard a real extraction.
		return types.Validation{IsValid: true, Reason: "validator unavailable"}
	}
	var v types.Validation
	if err := llm.ParseInto(raw, &v); err != nil {
		return types.Validation{IsValid: true, Reason: "validator output unparseable"}
	}
	return v
}

func hasCriteria(c types.ParsedCriteria) bool {
	return len(c.RequiredSpecs) > 0 || len(c.ExcludedTerms) > 0
}

// criteriaMatchRatio is the fraction of findings that satisfy every
// required spec (directly or via an acceptable alternative) and carry no
// deal-breaker term.
func criteriaMatchRatio(findings []types.Finding, c types.ParsedCriteria) float64 {
	if len(findings) == 0 {
		return 0
	}
	matched := 0
	for _, f := range findings {
		if findingMatches(f, c) {
			matched++
		}
	}
	return float64(matched) / float64(len(findings))
}

func findingMatches(f types.Finding, c types.ParsedCriteria) bool {
	haystack := strings.ToLower(f.Name + " " + f.Description)
	for _, term := range c.ExcludedTerms {
		if term != "" && strings.Contains(haystack, strings.ToLower(term)) {
			return false
		}
	}
	for spec, value := range c.RequiredSpecs {
		if value == "" {
			continue
		}
		if strings.Contains(haystack, strings.ToLower(value)) {
			continue
		}
		ok := false
		for _, alt := range c.AcceptableAlternatives[spec] {
			if alt != "" && strings.Contains(haystack, strings.ToLower(alt)) {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

// hasPriceFilter reports whether the URL's query already constrains price
// or carries an applied search.
func hasPriceFilter(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	for k := range u.Query() {
		lower := strings.ToLower(k)
		if strings.Contains(lower, "price") || lower == "search" || lower == "q" {
			return true
		}
	}
	return false
}

// wipesFilters reports whether a navigation target looks like it would
// clear or replace the page's applied filters.
func wipesFilters(target string) bool {
	lower := strings.ToLower(target)
	for _, word := range []string{"filter", "sort", "refine", "clear"} {
		if strings.Contains(lower, word) {
			return true
		}
	}
	return false
}

// normalizeURL strips the query and fragment so pagination/filter params do
// not defeat cycle detection.
func normalizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	u.RawQuery = ""
	u.Fragment = ""
	return strings.TrimSuffix(strings.ToLower(u.String()), "/")
}

// resolveLinkHref maps a link's visible text back to its href.
func resolveLinkHref(sig *browser.Signals, linkText string) string {
	want := strings.ToLower(strings.TrimSpace(linkText))
	for _, l := range sig.Links {
		if strings.ToLower(strings.TrimSpace(l.Text)) == want {
			return l.Href
		}
	}
	return ""
}

// matchRatio measures how many goal terms appear on the page.
func matchRatio(goal, text string) float64 {
	terms := significantTerms(goal)
	if len(terms) == 0 {
		return 0
	}
	lower := strings.ToLower(text)
	hits := 0
	for _, t := range terms {
		if strings.Contains(lower, t) {
			hits++
		}
	}
	return float64(hits) / float64(len(terms))
}

var stopwords = map[string]bool{
	"the": true, "and": true, "for": true, "with": true, "that": true,
	"this": true, "from": true, "under": true, "over": true, "best": true,
	"find": true, "about": true, "are": true, "was": true, "has": true,
}

func significantTerms(s string) []string {
	var out []string
	for _, f := range strings.Fields(strings.ToLower(s)) {
		f = strings.Trim(f, ".,!?;:\"'()[]")
		if len(f) < 3 || stopwords[f] {
			continue
		}
		out = append(out, f)
	}
	return out
}
