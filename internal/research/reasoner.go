package research

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"scout/internal/llm"
	"scout/internal/logging"
	"scout/internal/types"
)

// Reasoner converts a query plus Phase-1 intelligence into the criteria
// that drive and then filter Phase 2. One LLM call; deterministic fallback
// when the model is unavailable.
type Reasoner struct {
	inv *llm.Invoker
}

// NewReasoner builds a reasoner.
func NewReasoner(inv *llm.Invoker) *Reasoner {
	return &Reasoner{inv: inv}
}

// Reason produces the requirements document. The same criteria that shape
// the optimized search query later reject non-conforming findings, so the
// output is carried whole through Phase 2.
func (r *Reasoner) Reason(ctx context.Context, q types.Query, intel *types.Intelligence) (*types.RequirementsReasoning, error) {
	system := `You convert a shopping/research query into structured validity criteria.
Respond with JSON only:
{
  "reasoning_document": "<your analysis>",
  "parsed_criteria": {
    "must_be": ["..."],
    "wrong_category": ["..."],
    "excluded_terms": ["..."],
    "budget_min": 0,
    "budget_max": 0,
    "required_specs": {"<spec>": "<value>"},
    "acceptable_alternatives": {"<spec>": ["<variant>"]}
  },
  "optimized_query": "<search query for finding matching products>"
}`

	user := r.buildPrompt(q, intel)
	raw, err := r.inv.Invoke(ctx, llm.RoleRequirementsReasoner, system, user)
	if err != nil {
		logging.Research("Reasoner unavailable, using rule-derived criteria: %v", err)
		return r.fallback(q, intel), nil
	}

	var parsed types.RequirementsReasoning
	if err := llm.ParseInto(raw, &parsed); err != nil {
		logging.ResearchDebug("Reasoner output unparseable: %v", err)
		return r.fallback(q, intel), nil
	}

	// The model may leave bounds empty even when the query states them.
	if parsed.Criteria.BudgetMax == 0 {
		parsed.Criteria.BudgetMin, parsed.Criteria.BudgetMax = parseBudget(q.Text, q.Constraints)
	}
	if strings.TrimSpace(parsed.OptimizedQuery) == "" {
		parsed.OptimizedQuery = q.Text
	}
	return &parsed, nil
}

func (r *Reasoner) buildPrompt(q types.Query, intel *types.Intelligence) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Query: %s\n", q.Text)
	if len(q.Constraints) > 0 {
		constraints, _ := json.Marshal(q.Constraints)
		fmt.Fprintf(&sb, "User constraints: %s\n", constraints)
	}
	if !intel.IsEmpty() {
		sb.WriteString("\nResearch intelligence gathered so far:\n")
		if intel.Summary != "" {
			fmt.Fprintf(&sb, "Summary: %s\n", intel.Summary)
		}
		for _, req := range intel.HardRequirements {
			fmt.Fprintf(&sb, "- hard requirement: %s\n", req)
		}
		for _, db := range intel.DealBreakers {
			fmt.Fprintf(&sb, "- deal breaker: %s\n", db)
		}
		if intel.PriceRange.Max > 0 {
			fmt.Fprintf(&sb, "- expected price range: %s to %s\n",
				types.FormatPrice(intel.PriceRange.Min), types.FormatPrice(intel.PriceRange.Max))
		}
	}
	return sb.String()
}

// fallback derives criteria mechanically: budget from the query text,
// exclusions from deal breakers, requirements from Phase-1 hard
// requirements. Identical inputs always produce identical output.
func (r *Reasoner) fallback(q types.Query, intel *types.Intelligence) *types.RequirementsReasoning {
	budgetMin, budgetMax := parseBudget(q.Text, q.Constraints)
	criteria := types.ParsedCriteria{
		BudgetMin:     budgetMin,
		BudgetMax:     budgetMax,
		MustBe:        append([]string(nil), intel.HardRequirements...),
		ExcludedTerms: append([]string(nil), intel.DealBreakers...),
	}
	if budgetMax == 0 && intel.PriceRange.Max > 0 {
		criteria.BudgetMax = intel.PriceRange.Max
	}
	return &types.RequirementsReasoning{
		ReasoningDocument: "rule-derived criteria (reasoner unavailable)",
		Criteria:          criteria,
		OptimizedQuery:    q.Text,
	}
}

var budgetRe = regexp.MustCompile(`(?i)(?:under|below|less than|max(?:imum)?(?: of)?|up to)\s*\$?\s*([\d,]+(?:\.\d+)?)`)
var rangeRe = regexp.MustCompile(`\$?\s*([\d,]+)\s*(?:-|to)\s*\$?\s*([\d,]+)`)

// parseBudget extracts price bounds from query text or constraints.
func parseBudget(text string, constraints map[string]string) (float64, float64) {
	if v, ok := constraints["budget_max"]; ok {
		maxV, _ := strconv.ParseFloat(v, 64)
		minV, _ := strconv.ParseFloat(constraints["budget_min"], 64)
		return minV, maxV
	}
	if m := rangeRe.FindStringSubmatch(text); m != nil {
		lo := parseAmount(m[1])
		hi := parseAmount(m[2])
		if lo > 0 && hi >= lo {
			return lo, hi
		}
	}
	if m := budgetRe.FindStringSubmatch(text); m != nil {
		return 0, parseAmount(m[1])
	}
	return 0, 0
}

func parseAmount(s string) float64 {
	v, _ := strconv.ParseFloat(strings.ReplaceAll(s, ",", ""), 64)
	return v
}
