package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractJSONPlain(t *testing.T) {
	got, err := ExtractJSON(`{"action": "EXTRACT"}`)
	require.NoError(t, err)
	assert.Equal(t, `{"action": "EXTRACT"}`, got)
}

func TestExtractJSONFenced(t *testing.T) {
	raw := "```json\n{\"strategy\": \"phase1_only\"}\n```"
	got, err := ExtractJSON(raw)
	require.NoError(t, err)
	assert.JSONEq(t, `{"strategy": "phase1_only"}`, got)
}

func TestExtractJSONWithProse(t *testing.T) {
	raw := `Sure! Here is the result you asked for:

{"findings": [{"name": "Q1", "price": 169.99}]}

Let me know if you need anything else.`
	got, err := ExtractJSON(raw)
	require.NoError(t, err)
	assert.JSONEq(t, `{"findings": [{"name": "Q1", "price": 169.99}]}`, got)
}

func TestExtractJSONNestedAndStrings(t *testing.T) {
	raw := `{"reason": "has } and { inside", "nested": {"deep": {"x": "\"quoted\""}}}`
	got, err := ExtractJSON(raw)
	require.NoError(t, err)
	assert.Equal(t, raw, got)
}

func TestExtractJSONArray(t *testing.T) {
	got, err := ExtractJSON(`noise ["a", "b"] trailing`)
	require.NoError(t, err)
	assert.Equal(t, `["a", "b"]`, got)
}

func TestExtractJSONErrors(t *testing.T) {
	_, err := ExtractJSON("no json here at all")
	assert.Error(t, err)

	_, err = ExtractJSON(`{"unbalanced": true`)
	assert.Error(t, err)
}

func TestParseInto(t *testing.T) {
	var parsed struct {
		Decision string  `json:"decision"`
		Score    float64 `json:"score"`
	}
	raw := "```json\n{\"decision\": \"CONTINUE\", \"score\": 0.4}\n```"
	require.NoError(t, ParseInto(raw, &parsed))
	assert.Equal(t, "CONTINUE", parsed.Decision)
	assert.InDelta(t, 0.4, parsed.Score, 1e-9)

	assert.Error(t, ParseInto("not json", &parsed))
}
