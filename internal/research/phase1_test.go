package research

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"scout/internal/types"
)

func subtaskGatherer(response string, err error) *Gatherer {
	return &Gatherer{inv: stubInvoker(response, err), maxSources: 5, events: NopSink{}}
}

func TestGenerateSubtasksFromModel(t *testing.T) {
	g := subtaskGatherer(`{"subtasks": ["quiet keyboard reviews", "office keyboard forum advice"]}`, nil)
	got := g.generateSubtasks(context.Background(), types.Query{Text: "quiet keyboard"})
	assert.Equal(t, []string{"quiet keyboard reviews", "office keyboard forum advice"}, got)
}

func TestGenerateSubtasksCapsAtThree(t *testing.T) {
	g := subtaskGatherer(`{"subtasks": ["a", "b", "c", "d", "e"]}`, nil)
	got := g.generateSubtasks(context.Background(), types.Query{Text: "quiet keyboard"})
	assert.Len(t, got, 3)
}

func TestGenerateSubtasksFallback(t *testing.T) {
	want := []string{
		"quiet keyboard reviews",
		"best quiet keyboard recommendations forum",
	}

	g := subtaskGatherer("", fmt.Errorf("model offline"))
	assert.Equal(t, want, g.generateSubtasks(context.Background(), types.Query{Text: "quiet keyboard"}))

	g = subtaskGatherer(`{"subtasks": []}`, nil)
	assert.Equal(t, want, g.generateSubtasks(context.Background(), types.Query{Text: "quiet keyboard"}),
		"an empty list falls back the same as a dead model")
}
