package research

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"scout/internal/cache"
	"scout/internal/knowledge"
	"scout/internal/llm"
	"scout/internal/logging"
	"scout/internal/types"
)

// Request is the full argument set for one research invocation.
type Request struct {
	Query        string
	Goal         string
	Mode         types.ResearchMode
	SessionID    string
	Intent       types.Intent
	Constraints  map[string]string
	Context      string
	Subtasks     []string
	ForceRefresh bool
	TurnNumber   int
}

// Research is the single public entry point. It selects a strategy, runs
// the phases (iterating in deep mode), post-processes findings into a
// uniform shape, and persists the outcome to the cache and index.
func (c *Core) Research(ctx context.Context, req Request) (*types.ResearchResult, error) {
	start := time.Now()
	llmCallsBefore := c.inv.CallCount()

	q := types.Query{
		Text:        strings.TrimSpace(req.Query),
		SessionID:   req.SessionID,
		Intent:      req.Intent,
		Constraints: req.Constraints,
		TurnNumber:  req.TurnNumber,
	}
	if q.Text == "" {
		return nil, fmt.Errorf("empty query")
	}
	if q.SessionID == "" {
		q.SessionID = uuid.NewString()
	}
	if q.Intent == "" {
		q.Intent = types.IntentInformational
	}
	mode := req.Mode
	if mode == "" {
		mode = types.ModeStandard
	}
	goal := req.Goal
	if goal == "" {
		goal = q.Text
	}
	if req.Context != "" {
		goal = goal + " (conversation context: " + types.TruncateForLog(req.Context, 400) + ")"
	}

	logging.Research("Research start: query=%q intent=%s mode=%s session=%s",
		types.TruncateForLog(q.Text, 100), q.Intent, mode, q.SessionID)

	// Serve from cache when a prior answer still fits.
	if !req.ForceRefresh {
		if cached := c.tryCache(ctx, q); cached != nil {
			return cached, nil
		}
	}

	// Prior research may make Phase 1 redundant.
	kc, err := c.retriever.Retrieve(q.Text, q.Intent)
	if err != nil {
		logging.Research("Knowledge retrieval failed, continuing fresh: %v", err)
		kc = &knowledge.Context{}
	}

	strategy := c.selectStrategy(ctx, q, kc)

	result := &types.ResearchResult{
		Query:        q.Text,
		Intent:       q.Intent,
		Mode:         mode,
		StrategyUsed: strategy,
	}

	maxPasses := 1
	if mode == types.ModeDeep {
		maxPasses = c.cfg.Research.MaxPasses
	}

	passGoal := goal
	intel := &types.Intelligence{}
	seenFindings := make(map[string]bool)

	for pass := 1; pass <= maxPasses; pass++ {
		result.Passes = pass
		c.events.Emit(EventPassStarted, map[string]interface{}{"pass": pass, "goal": passGoal})

		var subtasks []string
		if pass == 1 {
			subtasks = req.Subtasks
		}
		passIntel, err := c.runPass(ctx, q, passGoal, subtasks, strategy, kc, result, seenFindings)
		if err != nil {
			if types.IsKind(err, types.ErrCancelled) || ctx.Err() != nil {
				// Partial findings survive cancellation.
				result.FailureReasons = append(result.FailureReasons, "cancelled")
				c.finish(result, start, llmCallsBefore)
				return result, err
			}
			result.FailureReasons = append(result.FailureReasons, err.Error())
		}
		if passIntel != nil && !passIntel.IsEmpty() {
			intel = mergeIntelligence(intel, passIntel)
			result.Intelligence = intel
		}

		if mode != types.ModeDeep {
			break
		}
		done, nextGoal := c.evaluateSatisfaction(ctx, q, passGoal, result)
		if done {
			break
		}
		if nextGoal != "" {
			passGoal = nextGoal
		}
	}

	// Phase-1-only runs still hand back findings[] so every caller sees a
	// uniform shape.
	if !result.Phase2Executed && len(result.Findings) == 0 {
		result.Findings = c.findingsFromSources(ctx, q, result)
	}

	c.finish(result, start, llmCallsBefore)
	c.persist(ctx, q, result)
	c.events.Emit(EventResearchDone, map[string]interface{}{
		"findings": len(result.Findings), "passes": result.Passes, "strategy": string(result.StrategyUsed),
	})
	return result, nil
}

// runPass executes the selected phases once, accumulating into result.
func (c *Core) runPass(ctx context.Context, q types.Query, goal string, subtasks []string, strategy types.Strategy,
	kc *knowledge.Context, result *types.ResearchResult, seen map[string]bool) (*types.Intelligence, error) {

	var intel *types.Intelligence

	runPhase1 := strategy != types.StrategyPhase2Only
	if runPhase1 && kc.Phase1SkipRecommended && result.Passes == 1 {
		logging.Research("Skipping Phase 1: prior research is complete enough (%.2f)", kc.Completeness)
		result.IntelligenceCached = true
		intel = intelligenceFromKnowledge(kc)
		runPhase1 = false
	}

	if runPhase1 {
		gathered, sources, err := c.gatherer.Gather(ctx, q, goal, subtasks)
		if err != nil {
			return nil, err
		}
		intel = gathered
		result.Sources = append(result.Sources, sources...)
		result.Stats.SourcesVisited += len(sources)
	}
	if intel == nil {
		intel = &types.Intelligence{}
	}

	if strategy == types.StrategyPhase1Only {
		return intel, nil
	}

	// Phase 1 fully completes before Phase 2 begins.
	reasoning, err := c.reasoner.Reason(ctx, q, intel)
	if err != nil {
		return intel, err
	}

	p2, err := c.vendorRun.Run(ctx, q, goal, reasoning, intel, kc.KnownRetailers)
	if err != nil {
		return intel, err
	}
	result.Phase2Executed = true
	for _, f := range p2.Findings {
		key := f.Vendor + "|" + f.Name
		if seen[key] {
			continue
		}
		seen[key] = true
		result.Findings = append(result.Findings, f)
	}
	result.Rejected = append(result.Rejected, p2.Rejected...)
	result.Sources = append(result.Sources, p2.Sources...)
	result.Stats.VendorsVisited += p2.VendorsVisited
	result.Stats.VendorsBlocked += p2.VendorsBlocked
	result.FailureReasons = append(result.FailureReasons, p2.FailureReasons...)
	return intel, nil
}

// selectStrategy picks which phases run. LLM choice first, rules when that
// fails, and intent clamps last so they always win.
func (c *Core) selectStrategy(ctx context.Context, q types.Query, kc *knowledge.Context) types.Strategy {
	strategy := c.llmStrategy(ctx, q)
	if strategy == "" {
		if q.Intent == types.IntentCommerce {
			strategy = types.StrategyBoth
			if kc.Phase1SkipRecommended {
				strategy = types.StrategyPhase2Only
			}
		} else {
			strategy = types.StrategyPhase1Only
		}
	}

	// Intent clamps.
	if q.Intent != types.IntentCommerce && strategy != types.StrategyPhase1Only {
		logging.Research("Clamping strategy %s to phase1_only for intent %s", strategy, q.Intent)
		strategy = types.StrategyPhase1Only
	}
	if q.Intent == types.IntentCommerce && strategy == types.StrategyPhase1Only {
		logging.Research("Raising strategy to phase1_and_phase2 for commerce intent")
		strategy = types.StrategyBoth
	}
	return strategy
}

func (c *Core) llmStrategy(ctx context.Context, q types.Query) types.Strategy {
	system := `You pick a research strategy.
phase1_only: background research (reviews, forums) is enough.
phase2_only: the user knows what they want; go straight to stores.
phase1_and_phase2: research first, then find products.
Respond with JSON only: {"strategy": "..."}`
	raw, err := c.inv.Invoke(ctx, llm.RolePhaseSelector, system,
		fmt.Sprintf("Query: %s\nIntent: %s", q.Text, q.Intent))
	if err != nil {
		return ""
	}
	var parsed struct {
		Strategy string `json:"strategy"`
	}
	if llm.ParseInto(raw, &parsed) != nil {
		return ""
	}
	switch types.Strategy(parsed.Strategy) {
	case types.StrategyPhase1Only, types.StrategyPhase2Only, types.StrategyBoth:
		return types.Strategy(parsed.Strategy)
	}
	return ""
}

// evaluateSatisfaction asks whether the accumulated results answer the
// query, and what the next pass should chase if not.
func (c *Core) evaluateSatisfaction(ctx context.Context, q types.Query, goal string, result *types.ResearchResult) (bool, string) {
	system := `You judge whether research results satisfy the query, checking coverage, quality, completeness, and contradictions.
Respond with JSON only: {"decision": "COMPLETE" or "CONTINUE", "score": <0.0-1.0>, "next_goal": "<refined goal for the next pass, when continuing>"}`

	var summary strings.Builder
	fmt.Fprintf(&summary, "Query: %s\nGoal: %s\nFindings: %d\n", q.Text, goal, len(result.Findings))
	for i, f := range result.Findings {
		if i >= 8 {
			break
		}
		fmt.Fprintf(&summary, "- %s (%s, %s)\n", f.Name, types.FormatPrice(f.Price), f.Vendor)
	}
	if result.Intelligence != nil && result.Intelligence.Summary != "" {
		fmt.Fprintf(&summary, "Intelligence: %s\n", result.Intelligence.Summary)
	}

	raw, err := c.inv.Invoke(ctx, llm.RoleSatisfactionEval, system, summary.String())
	if err != nil {
		// Without an evaluator, one pass is all we can justify.
		return true, ""
	}
	var parsed struct {
		Decision string  `json:"decision"`
		Score    float64 `json:"score"`
		NextGoal string  `json:"next_goal"`
	}
	if llm.ParseInto(raw, &parsed) != nil {
		return true, ""
	}
	c.events.Emit(EventSatisfactionEval, map[string]interface{}{
		"decision": parsed.Decision, "score": parsed.Score,
	})
	if strings.EqualFold(parsed.Decision, "COMPLETE") || parsed.Score >= c.cfg.Research.SatisfactionThreshold {
		return true, ""
	}
	return false, parsed.NextGoal
}

// findingsFromSources synthesizes findings for phase1-only runs so the
// result shape stays uniform.
func (c *Core) findingsFromSources(ctx context.Context, q types.Query, result *types.ResearchResult) []types.Finding {
	if len(result.Sources) == 0 && (result.Intelligence == nil || result.Intelligence.IsEmpty()) {
		return nil
	}
	system := `You turn research notes into a findings list.
Respond with JSON only: {"findings": [{"name": "...", "price": 0, "url": "", "description": "", "confidence": 0.0}]}
Each finding is a concrete recommendation or answer backed by the notes.`

	var sb strings.Builder
	fmt.Fprintf(&sb, "Query: %s\n\n", q.Text)
	if result.Intelligence != nil && result.Intelligence.Summary != "" {
		fmt.Fprintf(&sb, "Intelligence summary: %s\n", result.Intelligence.Summary)
		for _, rec := range result.Intelligence.ForumRecommendations {
			fmt.Fprintf(&sb, "- recommended: %s\n", rec)
		}
	}
	for _, src := range result.Sources {
		fmt.Fprintf(&sb, "Source: %s - %s\n", src.Title, types.TruncateForLog(src.Summary, 300))
	}

	raw, err := c.inv.Invoke(ctx, llm.RoleSynthesizer, system, sb.String())
	if err != nil {
		return nil
	}
	var parsed struct {
		Findings []types.Finding `json:"findings"`
	}
	if llm.ParseInto(raw, &parsed) != nil {
		return nil
	}
	for i := range parsed.Findings {
		if parsed.Findings[i].URL != "" && parsed.Findings[i].Vendor == "" {
			parsed.Findings[i].Vendor = types.HostOf(parsed.Findings[i].URL)
		}
	}
	return parsed.Findings
}

// tryCache serves a prior response when hybrid retrieval clears both
// thresholds.
func (c *Core) tryCache(ctx context.Context, q types.Query) *types.ResearchResult {
	hits, err := c.respCache.Retrieve(ctx, q.SessionID, q.Intent, q.Text, "", 1)
	if err != nil || len(hits) == 0 {
		return nil
	}
	hit := hits[0]
	logging.Research("Cache hit %.2f (sem=%.2f lex=%.2f) for %q",
		hit.Combined, hit.Semantic, hit.Lexical, types.TruncateForLog(q.Text, 80))
	c.events.Emit(EventCacheHit, map[string]interface{}{
		"entry": hit.Entry.ID, "score": hit.Combined,
	})
	res := hit.Entry.Result
	res.IntelligenceCached = true
	return res
}

// persist caches the response and indexes it for future retrieval.
func (c *Core) persist(ctx context.Context, q types.Query, result *types.ResearchResult) {
	quality := resultQuality(result)

	if err := c.respCache.Put(ctx, &cache.Entry{
		SessionID: q.SessionID,
		Intent:    q.Intent,
		Query:     q.Text,
		Topic:     knowledge.TopicFromQuery(q.Text, q.Intent),
		Quality:   quality,
		Result:    result,
	}); err != nil {
		logging.Research("Caching response failed: %v", err)
	}

	retailers := make(map[string]bool)
	for _, f := range result.Findings {
		if f.Vendor != "" {
			retailers[f.Vendor] = true
		}
	}
	var retailerList []string
	for r := range retailers {
		retailerList = append(retailerList, r)
	}

	entry := &knowledge.IndexEntry{
		ID:         uuid.NewString(),
		Topic:      knowledge.TopicFromQuery(q.Text, q.Intent),
		Keywords:   knowledge.QueryKeywords(q.Text),
		Intent:     q.Intent,
		SessionID:  q.SessionID,
		Quality:    quality,
		Confidence: quality,
		Claims:     countClaims(result),
		Retailers:  retailerList,
	}
	if result.Intelligence != nil {
		entry.PriceRange = result.Intelligence.PriceRange
	}
	if err := c.index.Put(entry); err != nil {
		logging.Research("Indexing research failed: %v", err)
	}
	if _, err := c.index.PruneExpired(); err != nil {
		logging.ResearchDebug("Index prune failed: %v", err)
	}
}

func (c *Core) finish(result *types.ResearchResult, start time.Time, llmCallsBefore int64) {
	result.Stats.Elapsed = time.Since(start)
	result.Stats.LLMCalls = int(c.inv.CallCount() - llmCallsBefore)
	snapshot := c.health.Snapshot()
	for _, h := range snapshot {
		if h.Successes+h.Failures > 0 {
			result.Stats.EnginesSearched++
		}
	}
	logging.Research("Research done: findings=%d rejected=%d passes=%d elapsed=%v llm_calls=%d",
		len(result.Findings), len(result.Rejected), result.Passes, result.Stats.Elapsed, result.Stats.LLMCalls)
}

func resultQuality(result *types.ResearchResult) float64 {
	if len(result.Findings) == 0 {
		return 0.3
	}
	var sum float64
	for _, f := range result.Findings {
		sum += f.Confidence
	}
	return sum / float64(len(result.Findings))
}

func countClaims(result *types.ResearchResult) int {
	n := len(result.Findings)
	if result.Intelligence != nil {
		n += len(result.Intelligence.SpecsDiscovered)
		n += len(result.Intelligence.ForumRecommendations)
		n += len(result.Intelligence.HardRequirements)
	}
	return n
}

// mergeIntelligence folds a pass's intelligence into the accumulated
// document; existing keys win so earlier passes stay authoritative.
func mergeIntelligence(base, add *types.Intelligence) *types.Intelligence {
	if base == nil {
		return add
	}
	if add == nil {
		return base
	}
	if base.SpecsDiscovered == nil {
		base.SpecsDiscovered = make(map[string]types.SpecFact)
	}
	for k, v := range add.SpecsDiscovered {
		if _, ok := base.SpecsDiscovered[k]; !ok {
			base.SpecsDiscovered[k] = v
		}
	}
	if base.Retailers == nil {
		base.Retailers = make(map[string]types.RetailerInfo)
	}
	for k, v := range add.Retailers {
		if _, ok := base.Retailers[k]; !ok {
			base.Retailers[k] = v
		}
	}
	base.ForumRecommendations = appendUnique(base.ForumRecommendations, add.ForumRecommendations)
	base.UserInsights = appendUnique(base.UserInsights, add.UserInsights)
	base.HardRequirements = appendUnique(base.HardRequirements, add.HardRequirements)
	base.AcceptableAlternatives = appendUnique(base.AcceptableAlternatives, add.AcceptableAlternatives)
	base.DealBreakers = appendUnique(base.DealBreakers, add.DealBreakers)
	if base.PriceRange.Max == 0 {
		base.PriceRange = add.PriceRange
	}
	if base.Summary == "" {
		base.Summary = add.Summary
	} else if add.Summary != "" && add.Summary != base.Summary {
		base.Summary = base.Summary + " " + add.Summary
	}
	return base
}

// intelligenceFromKnowledge reconstructs a usable Intelligence document
// from indexed prior research.
func intelligenceFromKnowledge(kc *knowledge.Context) *types.Intelligence {
	intel := &types.Intelligence{
		PriceRange: kc.PriceExpectations,
		Summary:    fmt.Sprintf("Reusing prior research: %d claims across %d entries.", kc.TotalClaims, len(kc.Entries)),
	}
	if len(kc.KnownRetailers) > 0 {
		intel.Retailers = make(map[string]types.RetailerInfo, len(kc.KnownRetailers))
		for _, r := range kc.KnownRetailers {
			intel.Retailers[r] = types.RetailerInfo{Relevance: 0.6, Reasons: []string{"known from prior research"}}
		}
	}
	return intel
}

func appendUnique(base, add []string) []string {
	seen := make(map[string]bool, len(base))
	for _, s := range base {
		seen[s] = true
	}
	for _, s := range add {
		if !seen[s] {
			seen[s] = true
			base = append(base, s)
		}
	}
	return base
}
