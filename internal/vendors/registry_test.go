package vendors

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scout/internal/types"
)

func openTestRegistry(t *testing.T, quarantine time.Duration) *Registry {
	t.Helper()
	r, err := Open(filepath.Join(t.TempDir(), "vendor_registry.jsonl"), 3, quarantine)
	require.NoError(t, err)
	return r
}

func TestLadderOrder(t *testing.T) {
	r := openTestRegistry(t, 24*time.Hour)

	for _, want := range Ladder {
		next, err := r.RecordFailure("shop.example", types.BlockCaptcha)
		require.NoError(t, err)
		assert.Equal(t, want, next)
		require.NoError(t, r.MarkStrategyTried("shop.example", next))
	}

	// Ladder exhausted: no further strategy.
	next, err := r.RecordFailure("shop.example", types.BlockCaptcha)
	require.NoError(t, err)
	assert.Equal(t, Strategy(""), next)
}

func TestNoQuarantineBeforeLadderExhausted(t *testing.T) {
	r := openTestRegistry(t, 24*time.Hour)

	// Many failures, but strategies remain untried: still usable.
	for i := 0; i < 10; i++ {
		_, err := r.RecordFailure("shop.example", types.BlockBotDetection)
		require.NoError(t, err)
		assert.True(t, r.Usable("shop.example"), "untried strategies remain after failure %d", i+1)
	}
}

func TestQuarantineAfterLadderAndStreak(t *testing.T) {
	r := openTestRegistry(t, 24*time.Hour)

	for _, s := range Ladder {
		_, err := r.RecordFailure("shop.example", types.BlockHTTP403)
		require.NoError(t, err)
		require.NoError(t, r.MarkStrategyTried("shop.example", s))
	}
	require.True(t, r.Usable("shop.example"))

	// Streak is already past the threshold, ladder now exhausted.
	_, err := r.RecordFailure("shop.example", types.BlockHTTP403)
	require.NoError(t, err)
	assert.False(t, r.Usable("shop.example"))

	v, ok := r.Get("shop.example")
	require.True(t, ok)
	assert.True(t, v.QuarantinedUntil.After(time.Now()))
	assert.Equal(t, types.BlockHTTP403, v.LastBlockKind)
}

func TestQuarantineExpiryRestoresVendor(t *testing.T) {
	r := openTestRegistry(t, 10*time.Millisecond)

	for _, s := range Ladder {
		r.RecordFailure("shop.example", types.BlockCaptcha)
		r.MarkStrategyTried("shop.example", s)
	}
	r.RecordFailure("shop.example", types.BlockCaptcha)
	require.False(t, r.Usable("shop.example"))

	time.Sleep(20 * time.Millisecond)
	assert.True(t, r.Usable("shop.example"))

	v, _ := r.Get("shop.example")
	assert.Zero(t, v.ConsecutiveFailures, "expiry clears the streak")
	assert.Empty(t, v.TriedStrategies, "expiry resets the ladder")
	assert.NotZero(t, v.FailureCount, "lifetime counters survive")
}

func TestSuccessResetsLadderAndStreak(t *testing.T) {
	r := openTestRegistry(t, 24*time.Hour)

	r.RecordFailure("shop.example", types.BlockSoft)
	r.MarkStrategyTried("shop.example", StrategyRecalibrate)
	require.NoError(t, r.RecordSuccess("shop.example"))

	v, _ := r.Get("shop.example")
	assert.Zero(t, v.ConsecutiveFailures)
	assert.Empty(t, v.TriedStrategies)
	assert.Equal(t, 1, v.SuccessCount)
	assert.Equal(t, StrategyRecalibrate, r.NextStrategy("shop.example"))
}

func TestRecordRecoveryFailureAdvancesLadder(t *testing.T) {
	r := openTestRegistry(t, 24*time.Hour)

	r.RecordFailure("shop.example", types.BlockCaptcha)
	require.Equal(t, Ladder[0], r.NextStrategy("shop.example"))

	require.NoError(t, r.RecordRecovery("shop.example", Ladder[0], false))
	assert.Equal(t, Ladder[1], r.NextStrategy("shop.example"))

	v, _ := r.Get("shop.example")
	assert.Equal(t, []Strategy{Ladder[0]}, v.TriedStrategies)
	assert.Equal(t, 1, v.ConsecutiveFailures, "a failed recovery does not clear the streak")
}

func TestRecordRecoverySuccessResetsState(t *testing.T) {
	r := openTestRegistry(t, 24*time.Hour)

	r.RecordFailure("shop.example", types.BlockBotDetection)
	r.RecordFailure("shop.example", types.BlockBotDetection)
	require.NoError(t, r.RecordRecovery("shop.example", StrategyRecalibrate, false))
	require.NoError(t, r.RecordRecovery("shop.example", StrategyIncreaseWait, true))

	v, _ := r.Get("shop.example")
	assert.Zero(t, v.ConsecutiveFailures)
	assert.Empty(t, v.TriedStrategies, "success clears the tried list")
	assert.Equal(t, Ladder[0], r.NextStrategy("shop.example"), "ladder restarts from the top")
	assert.Equal(t, 2, v.FailureCount, "lifetime counters survive")
}

func TestUnknownVendorUsable(t *testing.T) {
	r := openTestRegistry(t, 24*time.Hour)
	assert.True(t, r.Usable("never-seen.example"))
	assert.Equal(t, Ladder[0], r.NextStrategy("never-seen.example"))
}

func TestRegistryPersistsAcrossOpens(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vendor_registry.jsonl")

	r, err := Open(path, 3, 24*time.Hour)
	require.NoError(t, err)
	r.RecordFailure("shop.example", types.BlockRedirect)
	r.MarkStrategyTried("shop.example", StrategyRecalibrate)
	r.RecordSuccess("other.example")

	r2, err := Open(path, 3, 24*time.Hour)
	require.NoError(t, err)

	v, ok := r2.Get("shop.example")
	require.True(t, ok)
	assert.Equal(t, 1, v.FailureCount)
	assert.Equal(t, []Strategy{StrategyRecalibrate}, v.TriedStrategies)

	all := r2.All()
	require.Len(t, all, 2)
	assert.Equal(t, "other.example", all[0].Domain)
}
