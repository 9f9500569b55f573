// Package types holds the shared data model for the research core.
// Every boundary between components exchanges these structs; raw maps from
// LLM responses are parsed into them at the edge and never passed further.
package types

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// =============================================================================
// QUERY & INTENT
// =============================================================================

// Intent classifies the purpose of a query and drives phase routing.
type Intent string

const (
	IntentNavigation    Intent = "navigation"
	IntentSiteSearch    Intent = "site_search"
	IntentCommerce      Intent = "commerce"
	IntentInformational Intent = "informational"
)

// ParseIntent normalizes a raw intent string, defaulting to informational.
func ParseIntent(s string) Intent {
	switch Intent(strings.ToLower(strings.TrimSpace(s))) {
	case IntentNavigation:
		return IntentNavigation
	case IntentSiteSearch:
		return IntentSiteSearch
	case IntentCommerce:
		return IntentCommerce
	case IntentInformational:
		return IntentInformational
	default:
		return IntentInformational
	}
}

// ResearchMode selects single-pass or iterative research.
type ResearchMode string

const (
	ModeStandard ResearchMode = "standard"
	ModeDeep     ResearchMode = "deep"
)

// Query is a fully-classified research request.
type Query struct {
	Text        string            `json:"text"`
	SessionID   string            `json:"session_id"`
	Intent      Intent            `json:"intent"`
	Constraints map[string]string `json:"constraints,omitempty"`
	TurnNumber  int               `json:"turn_number,omitempty"`
}

// =============================================================================
// INTELLIGENCE (Phase 1 output)
// =============================================================================

// SpecFact is a single discovered attribute with provenance.
type SpecFact struct {
	Value      string  `json:"value"`
	Confidence float64 `json:"confidence"`
	SourceURL  string  `json:"source_url,omitempty"`
}

// RetailerInfo describes a candidate vendor surfaced during Phase 1.
type RetailerInfo struct {
	Relevance float64  `json:"relevance"`
	Reasons   []string `json:"reasons,omitempty"`
}

// PriceRange bounds expected pricing. Zero values mean unknown.
type PriceRange struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// Intelligence is the synthesized document produced by Phase 1.
type Intelligence struct {
	SpecsDiscovered        map[string]SpecFact     `json:"specs_discovered,omitempty"`
	Retailers              map[string]RetailerInfo `json:"retailers,omitempty"`
	PriceRange             PriceRange              `json:"price_range"`
	ForumRecommendations   []string                `json:"forum_recommendations,omitempty"`
	UserInsights           []string                `json:"user_insights,omitempty"`
	HardRequirements       []string                `json:"hard_requirements,omitempty"`
	AcceptableAlternatives []string                `json:"acceptable_alternatives,omitempty"`
	DealBreakers           []string                `json:"deal_breakers,omitempty"`
	Summary                string                  `json:"summary,omitempty"`
}

// IsEmpty reports whether Phase 1 produced nothing usable.
func (i *Intelligence) IsEmpty() bool {
	if i == nil {
		return true
	}
	return len(i.SpecsDiscovered) == 0 && len(i.Retailers) == 0 &&
		len(i.HardRequirements) == 0 && i.Summary == ""
}

// =============================================================================
// REQUIREMENTS REASONING (C11 output)
// =============================================================================

// ParsedCriteria is the machine-checkable core of a reasoning document.
type ParsedCriteria struct {
	MustBe                 []string            `json:"must_be,omitempty"`
	WrongCategory          []string            `json:"wrong_category,omitempty"`
	ExcludedTerms          []string            `json:"excluded_terms,omitempty"`
	BudgetMin              float64             `json:"budget_min"`
	BudgetMax              float64             `json:"budget_max"`
	RequiredSpecs          map[string]string   `json:"required_specs,omitempty"`
	AcceptableAlternatives map[string][]string `json:"acceptable_alternatives,omitempty"`
}

// RequirementsReasoning carries the criteria that shaped a Phase-2 search so
// the same criteria also filter its results.
type RequirementsReasoning struct {
	ReasoningDocument string         `json:"reasoning_document"`
	Criteria          ParsedCriteria `json:"parsed_criteria"`
	OptimizedQuery    string         `json:"optimized_query"`
}

// =============================================================================
// FINDINGS & RESULTS
// =============================================================================

// Finding is a single validated product emitted by Phase 2. Immutable after
// emission.
type Finding struct {
	Name        string   `json:"name"`
	Price       float64  `json:"price"`
	Vendor      string   `json:"vendor"`
	URL         string   `json:"url"`
	Description string   `json:"description,omitempty"`
	Confidence  float64  `json:"confidence"`
	Strengths   []string `json:"strengths,omitempty"`
	Weaknesses  []string `json:"weaknesses,omitempty"`
}

// Source describes a page consulted during research.
type Source struct {
	URL         string  `json:"url"`
	Title       string  `json:"title,omitempty"`
	Summary     string  `json:"summary,omitempty"`
	PageType    string  `json:"page_type,omitempty"`
	Reliability float64 `json:"reliability"`
}

// Strategy names the phase combination selected for a pass.
type Strategy string

const (
	StrategyPhase1Only Strategy = "phase1_only"
	StrategyPhase2Only Strategy = "phase2_only"
	StrategyBoth       Strategy = "phase1_and_phase2"
)

// ResearchStats aggregates observable counters for a research invocation.
type ResearchStats struct {
	SourcesVisited  int           `json:"sources_visited"`
	VendorsVisited  int           `json:"vendors_visited"`
	VendorsBlocked  int           `json:"vendors_blocked"`
	EnginesSearched int           `json:"engines_searched"`
	LLMCalls        int           `json:"llm_calls"`
	Elapsed         time.Duration `json:"elapsed"`
}

// ResearchResult is the single output of research().
type ResearchResult struct {
	Query              string        `json:"query"`
	Intent             Intent        `json:"intent"`
	Mode               ResearchMode  `json:"mode"`
	StrategyUsed       Strategy      `json:"strategy_used"`
	Passes             int           `json:"passes"`
	Findings           []Finding     `json:"findings"`
	Rejected           []Finding     `json:"rejected,omitempty"`
	Intelligence       *Intelligence `json:"intelligence,omitempty"`
	Sources            []Source      `json:"sources,omitempty"`
	Stats              ResearchStats `json:"stats"`
	IntelligenceCached bool          `json:"intelligence_cached"`
	Phase2Executed     bool          `json:"phase2_executed"`
	FailureReasons     []string      `json:"failure_reasons,omitempty"`
}

// =============================================================================
// NAVIGATION
// =============================================================================

// NavAction is one of the four navigator decisions.
type NavAction string

const (
	ActionExtract  NavAction = "EXTRACT"
	ActionNavigate NavAction = "NAVIGATE"
	ActionGiveUp   NavAction = "GIVE_UP"
	ActionRetry    NavAction = "RETRY"
)

// Decision is the parsed output of a navigation-decider LLM call.
type Decision struct {
	Action          NavAction `json:"action"`
	Reason          string    `json:"reason,omitempty"`
	Target          string    `json:"target,omitempty"`
	Alternative     string    `json:"alternative,omitempty"`
	ExtractionHints string    `json:"extraction_hints,omitempty"`
	ContentType     string    `json:"content_type,omitempty"`
}

// Validation is the outcome of checking extracted data against a goal.
type Validation struct {
	IsValid         bool     `json:"is_valid"`
	MatchScore      float64  `json:"match_score"`
	Reason          string   `json:"reason,omitempty"`
	SuggestedAction string   `json:"suggested_action,omitempty"`
	KeyPoints       []string `json:"key_points,omitempty"`
}

// =============================================================================
// SERP
// =============================================================================

// SERPEntry is one parsed search-engine result.
type SERPEntry struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet,omitempty"`
}

// =============================================================================
// HELPERS
// =============================================================================

// HostOf extracts the lowercase host from a URL, stripping a www prefix.
// Findings always carry the actual URL host as their vendor, never an
// LLM-claimed name.
func HostOf(rawURL string) string {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || u.Host == "" {
		return ""
	}
	host := strings.ToLower(u.Host)
	if h, _, ok := strings.Cut(host, ":"); ok {
		host = h
	}
	return strings.TrimPrefix(host, "www.")
}

// TruncateForLog shortens a string for log lines.
func TruncateForLog(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

// FormatPrice renders a price for prompts and summaries.
func FormatPrice(p float64) string {
	if p <= 0 {
		return "unknown"
	}
	return fmt.Sprintf("$%.2f", p)
}
