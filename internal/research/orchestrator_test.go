package research

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scout/internal/config"
	"scout/internal/knowledge"
	"scout/internal/types"
)

func strategyCore(response string, err error) *Core {
	return &Core{
		cfg:    config.DefaultConfig(),
		inv:    stubInvoker(response, err),
		events: NopSink{},
	}
}

func TestSelectStrategyFollowsModel(t *testing.T) {
	c := strategyCore(`{"strategy": "phase2_only"}`, nil)
	got := c.selectStrategy(context.Background(),
		types.Query{Text: "buy keychron k8", Intent: types.IntentCommerce}, &knowledge.Context{})
	assert.Equal(t, types.StrategyPhase2Only, got)
}

func TestSelectStrategyClampsNonCommerce(t *testing.T) {
	c := strategyCore(`{"strategy": "phase1_and_phase2"}`, nil)
	got := c.selectStrategy(context.Background(),
		types.Query{Text: "how do mechanical switches work", Intent: types.IntentInformational}, &knowledge.Context{})
	assert.Equal(t, types.StrategyPhase1Only, got, "non-commerce intents never visit vendors")
}

func TestSelectStrategyRaisesCommerce(t *testing.T) {
	c := strategyCore(`{"strategy": "phase1_only"}`, nil)
	got := c.selectStrategy(context.Background(),
		types.Query{Text: "quiet keyboard under $150", Intent: types.IntentCommerce}, &knowledge.Context{})
	assert.Equal(t, types.StrategyBoth, got, "commerce queries always reach Phase 2")
}

func TestSelectStrategyRulesWhenModelFails(t *testing.T) {
	c := strategyCore("", fmt.Errorf("model offline"))

	got := c.selectStrategy(context.Background(),
		types.Query{Intent: types.IntentInformational}, &knowledge.Context{})
	assert.Equal(t, types.StrategyPhase1Only, got)

	got = c.selectStrategy(context.Background(),
		types.Query{Intent: types.IntentCommerce}, &knowledge.Context{})
	assert.Equal(t, types.StrategyBoth, got)

	got = c.selectStrategy(context.Background(),
		types.Query{Intent: types.IntentCommerce}, &knowledge.Context{Phase1SkipRecommended: true})
	assert.Equal(t, types.StrategyPhase2Only, got, "complete prior research skips discovery")
}

func TestSelectStrategyRejectsUnknownModelChoice(t *testing.T) {
	c := strategyCore(`{"strategy": "phase9"}`, nil)
	got := c.selectStrategy(context.Background(),
		types.Query{Intent: types.IntentInformational}, &knowledge.Context{})
	assert.Equal(t, types.StrategyPhase1Only, got)
}

func TestEvaluateSatisfaction(t *testing.T) {
	result := &types.ResearchResult{Findings: []types.Finding{{Name: "K8", Price: 99, Vendor: "amazon.com"}}}
	q := types.Query{Text: "quiet keyboard"}

	c := strategyCore(`{"decision": "COMPLETE", "score": 0.9}`, nil)
	done, _ := c.evaluateSatisfaction(context.Background(), q, "goal", result)
	assert.True(t, done)

	c = strategyCore(`{"decision": "CONTINUE", "score": 0.4, "next_goal": "compare switch noise levels"}`, nil)
	done, next := c.evaluateSatisfaction(context.Background(), q, "goal", result)
	assert.False(t, done)
	assert.Equal(t, "compare switch noise levels", next)

	// High score completes even when the model says continue.
	c = strategyCore(`{"decision": "CONTINUE", "score": 0.8}`, nil)
	done, _ = c.evaluateSatisfaction(context.Background(), q, "goal", result)
	assert.True(t, done)

	// No evaluator means no justification for another pass.
	c = strategyCore("", fmt.Errorf("model offline"))
	done, _ = c.evaluateSatisfaction(context.Background(), q, "goal", result)
	assert.True(t, done)
}

func TestMergeIntelligence(t *testing.T) {
	base := &types.Intelligence{
		Summary:              "first pass",
		HardRequirements:     []string{"hot-swappable"},
		ForumRecommendations: []string{"Keychron K8"},
		SpecsDiscovered:      map[string]types.SpecFact{"switch": {Value: "brown"}},
		Retailers:            map[string]types.RetailerInfo{"amazon.com": {Relevance: 0.9}},
		PriceRange:           types.PriceRange{Min: 60, Max: 150},
	}
	add := &types.Intelligence{
		Summary:              "second pass",
		HardRequirements:     []string{"hot-swappable", "wireless"},
		ForumRecommendations: []string{"Keychron K8", "NuPhy Air75"},
		SpecsDiscovered:      map[string]types.SpecFact{"switch": {Value: "red"}, "layout": {Value: "tkl"}},
		Retailers:            map[string]types.RetailerInfo{"amazon.com": {Relevance: 0.2}, "keychron.com": {Relevance: 0.8}},
		PriceRange:           types.PriceRange{Min: 10, Max: 999},
	}

	merged := mergeIntelligence(base, add)
	require.Same(t, base, merged)

	assert.Equal(t, "first pass second pass", merged.Summary)
	assert.Equal(t, []string{"hot-swappable", "wireless"}, merged.HardRequirements)
	assert.Equal(t, []string{"Keychron K8", "NuPhy Air75"}, merged.ForumRecommendations)
	assert.Equal(t, "brown", merged.SpecsDiscovered["switch"].Value, "earlier passes stay authoritative")
	assert.Equal(t, "tkl", merged.SpecsDiscovered["layout"].Value)
	assert.InDelta(t, 0.9, merged.Retailers["amazon.com"].Relevance, 1e-9)
	assert.InDelta(t, 0.8, merged.Retailers["keychron.com"].Relevance, 1e-9)
	assert.InDelta(t, 150, merged.PriceRange.Max, 1e-9, "existing price range wins")

	assert.Same(t, add, mergeIntelligence(nil, add))
	assert.Same(t, base, mergeIntelligence(base, nil))
}

func TestIntelligenceFromKnowledge(t *testing.T) {
	kc := &knowledge.Context{
		TotalClaims:       14,
		KnownRetailers:    []string{"amazon.com", "keychron.com"},
		PriceExpectations: types.PriceRange{Min: 60, Max: 200},
		Entries:           []*knowledge.IndexEntry{{ID: "a"}, {ID: "b"}},
	}
	intel := intelligenceFromKnowledge(kc)

	assert.Contains(t, intel.Summary, "14 claims")
	assert.InDelta(t, 200, intel.PriceRange.Max, 1e-9)
	require.Len(t, intel.Retailers, 2)
	assert.InDelta(t, 0.6, intel.Retailers["amazon.com"].Relevance, 1e-9)
}

func TestResultQuality(t *testing.T) {
	assert.InDelta(t, 0.3, resultQuality(&types.ResearchResult{}), 1e-9, "empty results get a floor, not zero")

	result := &types.ResearchResult{Findings: []types.Finding{
		{Confidence: 0.8}, {Confidence: 0.6},
	}}
	assert.InDelta(t, 0.7, resultQuality(result), 1e-9)
}

func TestCountClaims(t *testing.T) {
	result := &types.ResearchResult{
		Findings: []types.Finding{{Name: "a"}, {Name: "b"}},
		Intelligence: &types.Intelligence{
			SpecsDiscovered:      map[string]types.SpecFact{"x": {}},
			ForumRecommendations: []string{"r1", "r2"},
			HardRequirements:     []string{"h1"},
		},
	}
	assert.Equal(t, 7, countClaims(result))
	assert.Equal(t, 0, countClaims(&types.ResearchResult{}))
}

func TestAppendUnique(t *testing.T) {
	got := appendUnique([]string{"a", "b"}, []string{"b", "c", "a", "d"})
	assert.Equal(t, []string{"a", "b", "c", "d"}, got)
	assert.Nil(t, appendUnique(nil, nil))
}
