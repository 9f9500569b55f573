package research

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scout/internal/llm"
	"scout/internal/types"
)

// stubClient answers every completion with the same payload.
type stubClient struct {
	response string
	err      error
}

func (s *stubClient) Complete(ctx context.Context, system, user string, temperature float64) (string, error) {
	return s.response, s.err
}

func stubInvoker(response string, err error) *llm.Invoker {
	return llm.NewInvoker(&stubClient{response: response, err: err}, 1, time.Second)
}

func TestReasonParsesModelOutput(t *testing.T) {
	r := NewReasoner(stubInvoker(`{
		"reasoning_document": "quiet office keyboard under 150",
		"parsed_criteria": {
			"must_be": ["mechanical"],
			"excluded_terms": ["clicky"],
			"budget_max": 150,
			"required_specs": {"switch": "brown"}
		},
		"optimized_query": "quiet mechanical keyboard brown switches"
	}`, nil))

	out, err := r.Reason(context.Background(), types.Query{Text: "quiet keyboard under $150"}, &types.Intelligence{})
	require.NoError(t, err)
	assert.Equal(t, []string{"mechanical"}, out.Criteria.MustBe)
	assert.InDelta(t, 150, out.Criteria.BudgetMax, 1e-9)
	assert.Equal(t, "quiet mechanical keyboard brown switches", out.OptimizedQuery)
}

func TestReasonBackfillsBudgetAndQuery(t *testing.T) {
	r := NewReasoner(stubInvoker(`{"reasoning_document": "ok", "parsed_criteria": {}, "optimized_query": ""}`, nil))

	out, err := r.Reason(context.Background(), types.Query{Text: "keyboard under $120"}, &types.Intelligence{})
	require.NoError(t, err)
	assert.InDelta(t, 120, out.Criteria.BudgetMax, 1e-9, "query-stated budget fills the gap")
	assert.Equal(t, "keyboard under $120", out.OptimizedQuery)
}

func TestReasonFallbackWhenModelUnavailable(t *testing.T) {
	r := NewReasoner(stubInvoker("", fmt.Errorf("model offline")))

	intel := &types.Intelligence{
		HardRequirements: []string{"hot-swappable"},
		DealBreakers:     []string{"loud clicky switches"},
		PriceRange:       types.PriceRange{Min: 60, Max: 200},
	}
	out, err := r.Reason(context.Background(), types.Query{Text: "quiet mechanical keyboard"}, intel)
	require.NoError(t, err)
	assert.Equal(t, []string{"hot-swappable"}, out.Criteria.MustBe)
	assert.Equal(t, []string{"loud clicky switches"}, out.Criteria.ExcludedTerms)
	assert.InDelta(t, 200, out.Criteria.BudgetMax, 1e-9, "price expectations stand in for a stated budget")
	assert.Equal(t, "quiet mechanical keyboard", out.OptimizedQuery)
}

func TestReasonFallbackOnGarbageOutput(t *testing.T) {
	r := NewReasoner(stubInvoker("sure, here are my thoughts with no JSON", nil))

	out, err := r.Reason(context.Background(), types.Query{Text: "usb hub under $40"}, &types.Intelligence{})
	require.NoError(t, err)
	assert.InDelta(t, 40, out.Criteria.BudgetMax, 1e-9)
	assert.Equal(t, "usb hub under $40", out.OptimizedQuery)
}

func TestParseBudget(t *testing.T) {
	tests := []struct {
		text        string
		constraints map[string]string
		wantMin     float64
		wantMax     float64
	}{
		{"keyboard under $100", nil, 0, 100},
		{"keyboard below 250", nil, 0, 250},
		{"keyboard less than $1,500", nil, 0, 1500},
		{"keyboard up to 80", nil, 0, 80},
		{"keyboard max $90", nil, 0, 90},
		{"keyboard $50-$120", nil, 50, 120},
		{"keyboard 50 to 120 dollars", nil, 50, 120},
		{"keyboard", nil, 0, 0},
		{"keyboard under $100", map[string]string{"budget_max": "75", "budget_min": "25"}, 25, 75},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			lo, hi := parseBudget(tt.text, tt.constraints)
			assert.InDelta(t, tt.wantMin, lo, 1e-9)
			assert.InDelta(t, tt.wantMax, hi, 1e-9)
		})
	}
}
