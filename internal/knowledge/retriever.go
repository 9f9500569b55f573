package knowledge

import (
	"strings"

	"scout/internal/logging"
	"scout/internal/types"
)

// Context is what prior research tells us about the current query.
type Context struct {
	Topic                 string           `json:"topic"`
	TotalClaims           int              `json:"total_claims"`
	KnownRetailers        []string         `json:"known_retailers,omitempty"`
	PriceExpectations     types.PriceRange `json:"price_expectations"`
	Completeness          float64          `json:"completeness"`
	AvgConfidence         float64          `json:"avg_confidence"`
	Phase1SkipRecommended bool             `json:"phase1_skip_recommended"`
	Entries               []*IndexEntry    `json:"-"`
}

// Retriever consults the index for reusable research.
type Retriever struct {
	index                 *Index
	completenessThreshold float64
	confidenceThreshold   float64
}

// NewRetriever builds a retriever over the index.
func NewRetriever(index *Index, completenessThreshold float64) *Retriever {
	if completenessThreshold <= 0 {
		completenessThreshold = 0.6
	}
	return &Retriever{
		index:                 index,
		completenessThreshold: completenessThreshold,
		confidenceThreshold:   0.5,
	}
}

// Retrieve aggregates prior research relevant to the query. Phase 1 is
// recommended skippable only when the aggregate is both complete and still
// confident.
func (r *Retriever) Retrieve(query string, intent types.Intent) (*Context, error) {
	topic := TopicFromQuery(query, intent)
	kc := &Context{Topic: topic}

	byTopic, err := r.index.SearchByTopic(topic, 10)
	if err != nil {
		return nil, err
	}
	byKeyword, err := r.index.SearchByKeywords(QueryKeywords(query), 10)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var confSum, qualSum float64
	retailers := make(map[string]bool)

	for _, ranked := range append(byTopic, byKeyword...) {
		e := ranked.Entry
		if seen[e.ID] || e.Intent != intent {
			continue
		}
		seen[e.ID] = true
		kc.Entries = append(kc.Entries, e)
		kc.TotalClaims += e.Claims
		confSum += ranked.Score
		qualSum += e.Quality
		for _, ret := range e.Retailers {
			retailers[ret] = true
		}
		if e.PriceRange.Min > 0 && (kc.PriceExpectations.Min == 0 || e.PriceRange.Min < kc.PriceExpectations.Min) {
			kc.PriceExpectations.Min = e.PriceRange.Min
		}
		if e.PriceRange.Max > kc.PriceExpectations.Max {
			kc.PriceExpectations.Max = e.PriceRange.Max
		}
	}

	for ret := range retailers {
		kc.KnownRetailers = append(kc.KnownRetailers, ret)
	}
	n := len(kc.Entries)
	if n > 0 {
		kc.AvgConfidence = confSum / float64(n)
		// Completeness grows with claims and quality but saturates: three
		// substantial entries cover a topic about as well as ten.
		kc.Completeness = qualSum / float64(n) * saturate(float64(kc.TotalClaims)/10)
	}
	kc.Phase1SkipRecommended = kc.Completeness >= r.completenessThreshold &&
		kc.AvgConfidence >= r.confidenceThreshold

	logging.Knowledge("Knowledge retrieve topic=%s entries=%d claims=%d completeness=%.2f skip_phase1=%v",
		topic, n, kc.TotalClaims, kc.Completeness, kc.Phase1SkipRecommended)
	return kc, nil
}

func saturate(x float64) float64 {
	if x > 1 {
		return 1
	}
	return x
}

// TopicFromQuery derives a stable dotted topic path: intent root plus the
// first significant terms in query order.
func TopicFromQuery(query string, intent types.Intent) string {
	terms := QueryKeywords(query)
	if len(terms) > 3 {
		terms = terms[:3]
	}
	parts := append([]string{string(intent)}, terms...)
	return strings.Join(parts, ".")
}

var queryStopwords = map[string]bool{
	"the": true, "and": true, "for": true, "with": true, "that": true,
	"this": true, "from": true, "best": true, "find": true, "under": true,
	"over": true, "what": true, "which": true, "are": true, "can": true,
	"buy": true, "get": true, "need": true, "want": true, "looking": true,
}

// QueryKeywords extracts significant lowercase terms in query order.
func QueryKeywords(query string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, f := range strings.Fields(strings.ToLower(query)) {
		f = strings.Trim(f, ".,!?;:\"'()[]$")
		if len(f) < 3 || queryStopwords[f] || seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	return out
}
