package research

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scout/internal/knowledge"
	"scout/internal/types"
	"scout/internal/vendors"
)

func TestApplyCriteriaBudget(t *testing.T) {
	criteria := types.ParsedCriteria{BudgetMin: 50, BudgetMax: 150}
	findings := []types.Finding{
		{Name: "Keychron K8", Price: 99},
		{Name: "Premium Board", Price: 249},
		{Name: "Bargain Bin Board", Price: 20},
		{Name: "No Price Listed"},
	}

	passing, rejected := ApplyCriteria(findings, criteria)
	require.Len(t, passing, 2)
	assert.Equal(t, "Keychron K8", passing[0].Name)
	assert.Equal(t, "No Price Listed", passing[1].Name, "zero price never trips the floor")

	require.Len(t, rejected, 2)
	assert.Contains(t, rejected[0].Weaknesses[len(rejected[0].Weaknesses)-1], "over budget")
	assert.Contains(t, rejected[1].Weaknesses[len(rejected[1].Weaknesses)-1], "under budget floor")
}

func TestApplyCriteriaExcludedAndCategory(t *testing.T) {
	criteria := types.ParsedCriteria{
		ExcludedTerms: []string{"RGB", ""},
		WrongCategory: []string{"membrane"},
	}
	findings := []types.Finding{
		{Name: "Quiet Board", Description: "brown switches"},
		{Name: "Gamer Board", Description: "full rgb lighting"},
		{Name: "Office Membrane Keyboard"},
	}

	passing, rejected := ApplyCriteria(findings, criteria)
	require.Len(t, passing, 1)
	assert.Equal(t, "Quiet Board", passing[0].Name)

	require.Len(t, rejected, 2)
	assert.Contains(t, rejected[0].Weaknesses, "contains excluded term: RGB")
	assert.Contains(t, rejected[1].Weaknesses, "wrong category: membrane")
}

func TestApplyCriteriaRequiredSpecs(t *testing.T) {
	criteria := types.ParsedCriteria{
		RequiredSpecs:          map[string]string{"switch": "brown", "layout": ""},
		AcceptableAlternatives: map[string][]string{"switch": {"silent red"}},
	}
	findings := []types.Finding{
		{Name: "A", Description: "gateron brown switches"},
		{Name: "B", Description: "silent red linear switches"},
		{Name: "C", Description: "blue clicky switches"},
	}

	passing, rejected := ApplyCriteria(findings, criteria)
	require.Len(t, passing, 2, "alternatives satisfy the required spec")
	require.Len(t, rejected, 1)
	assert.Equal(t, "C", rejected[0].Name)
	assert.Contains(t, rejected[0].Weaknesses, "missing required spec switch=brown")
}

func TestApplyCriteriaEmptyCriteriaPassesEverything(t *testing.T) {
	findings := []types.Finding{{Name: "A"}, {Name: "B", Price: 9999}}
	passing, rejected := ApplyCriteria(findings, types.ParsedCriteria{})
	assert.Len(t, passing, 2)
	assert.Empty(t, rejected)
}

func testVendorSearch(t *testing.T) *VendorSearch {
	t.Helper()
	dir := t.TempDir()
	reg, err := vendors.Open(filepath.Join(dir, "vendor_registry.jsonl"), 3, 24*time.Hour)
	require.NoError(t, err)
	notes, err := knowledge.OpenSiteNotes(filepath.Join(dir, "site_knowledge.json"))
	require.NoError(t, err)
	return &VendorSearch{vendors: reg, notes: notes, events: NopSink{}}
}

func TestPendingStrategyFollowsLadder(t *testing.T) {
	vs := testVendorSearch(t)

	assert.Equal(t, vendors.Strategy(""), vs.pendingStrategy("shop.example"), "healthy vendor gets a plain visit")

	vs.vendors.RecordFailure("shop.example", types.BlockCaptcha)
	assert.Equal(t, vendors.Ladder[0], vs.pendingStrategy("shop.example"))

	// A failed recovery advances to the next rung; a successful one resets.
	require.NoError(t, vs.vendors.RecordRecovery("shop.example", vendors.Ladder[0], false))
	assert.Equal(t, vendors.Ladder[1], vs.pendingStrategy("shop.example"))

	require.NoError(t, vs.vendors.RecordRecovery("shop.example", vendors.Ladder[1], true))
	assert.Equal(t, vendors.Strategy(""), vs.pendingStrategy("shop.example"))
}

func TestRecordFailureLeavesLadderForNextVisit(t *testing.T) {
	vs := testVendorSearch(t)

	blocked := types.NewBlockedError("shop.example", types.BlockBotDetection, fmt.Errorf("challenge page"))
	vs.recordFailure("shop.example", blocked)

	v, ok := vs.vendors.Get("shop.example")
	require.True(t, ok)
	assert.Equal(t, 1, v.ConsecutiveFailures)
	assert.Empty(t, v.TriedStrategies, "a strategy counts as tried only after it is applied")

	n, ok := vs.notes.Get("shop.example")
	require.True(t, ok)
	assert.Contains(t, n.Notes, fmt.Sprintf("blocked with %s", types.BlockBotDetection))
}

func TestStrategyTarget(t *testing.T) {
	url, session := strategyTarget("", "sess-1", "shop.example")
	assert.Equal(t, "https://shop.example", url)
	assert.Equal(t, "sess-1", session)

	url, session = strategyTarget(vendors.StrategyStealthMode, "sess-1", "shop.example")
	assert.Equal(t, "https://shop.example", url)
	assert.Equal(t, "sess-1:fresh", session, "stealth retries get a derived session key")

	url, session = strategyTarget(vendors.StrategyAlternateURL, "sess-1", "shop.example")
	assert.Equal(t, "https://www.shop.example/", url)
	assert.Equal(t, "sess-1", session)
}

func TestGoalWithNotes(t *testing.T) {
	vs := testVendorSearch(t)

	assert.Equal(t, "quiet keyboards", vs.goalWithNotes("shop.example", "quiet keyboards"),
		"no notes leaves the goal untouched")

	require.NoError(t, vs.notes.Add("shop.example", "search box is behind a hamburger menu"))
	got := vs.goalWithNotes("shop.example", "quiet keyboards")
	assert.Contains(t, got, "quiet keyboards")
	assert.Contains(t, got, "hamburger menu")

	for i := 0; i < 5; i++ {
		require.NoError(t, vs.notes.Add("shop.example", fmt.Sprintf("note %d", i)))
	}
	got = vs.goalWithNotes("shop.example", "quiet keyboards")
	assert.NotContains(t, got, "hamburger menu", "only the most recent notes ride along")
	assert.Contains(t, got, "note 4")

	vs.notes = nil
	assert.Equal(t, "quiet keyboards", vs.goalWithNotes("shop.example", "quiet keyboards"))
}

func TestNormalizeDomain(t *testing.T) {
	cases := map[string]string{
		"Amazon.com":                  "amazon.com",
		"www.bestbuy.com":             "bestbuy.com",
		"https://www.newegg.com/path": "newegg.com",
		"keychron":                    "keychron.com",
		"  ":                          "",
	}
	for in, want := range cases {
		assert.Equal(t, want, normalizeDomain(in), "normalizeDomain(%q)", in)
	}
}

func TestParsePrice(t *testing.T) {
	cases := map[string]float64{
		"$169.99":            169.99,
		"1,299.00":           1299,
		"USD 89":             89,
		"89.99 - 109.99":     89.99,
		"From $49.99/month":  49.99,
		"Sold out":           0,
		"":                   0,
	}
	for in, want := range cases {
		assert.InDelta(t, want, parsePrice(in), 1e-9, "parsePrice(%q)", in)
	}
}
