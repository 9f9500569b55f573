package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scout/internal/config"
)

func testHealthConfig(cooldown string) config.RateLimitConfig {
	return config.RateLimitConfig{
		EngineCooldown:    cooldown,
		EngineMaxFailures: 3,
		MaxBackoff:        "15m",
	}
}

var testEngines = []string{"brave", "duckduckgo", "bing", "google"}

func TestRankedKeepsConfiguredOrderWithoutHistory(t *testing.T) {
	tr := NewHealthTracker(testHealthConfig("5m"), testEngines)
	assert.Equal(t, testEngines, tr.Ranked(testEngines))
}

func TestFreshEngineAssumedFullyHealthy(t *testing.T) {
	tr := NewHealthTracker(testHealthConfig("1ms"), testEngines)

	// duckduckgo earns a 2-of-3 record; the failure cooldown is let expire
	// so only the rate difference separates the engines.
	tr.RecordSuccess("duckduckgo")
	tr.RecordSuccess("duckduckgo")
	tr.RecordFailure("duckduckgo", false)
	time.Sleep(10 * time.Millisecond)

	ranked := tr.Ranked([]string{"duckduckgo", "brave"})
	require.Len(t, ranked, 2)
	assert.Equal(t, "brave", ranked[0], "no history ranks ahead of a 2-of-3 record")
}

func TestSingleFailureImposesCooldown(t *testing.T) {
	tr := NewHealthTracker(testHealthConfig("5m"), testEngines)

	tr.RecordFailure("brave", true)
	assert.False(t, tr.Available("brave"), "one blocked search cools the engine")
	assert.NotContains(t, tr.Ranked(testEngines), "brave")
}

func TestCooldownDoublesPerConsecutiveFailure(t *testing.T) {
	tr := NewHealthTracker(testHealthConfig("30ms"), testEngines)

	tr.RecordFailure("bing", false)
	tr.RecordFailure("bing", false)

	// Two consecutive failures: 60ms, not the 30ms base.
	time.Sleep(40 * time.Millisecond)
	assert.False(t, tr.Available("bing"))
	time.Sleep(40 * time.Millisecond)
	assert.True(t, tr.Available("bing"))
}

func TestCooldownExpiryResetsStreak(t *testing.T) {
	tr := NewHealthTracker(testHealthConfig("10ms"), testEngines)

	tr.RecordFailure("google", true)
	require.False(t, tr.Available("google"))

	time.Sleep(30 * time.Millisecond)
	assert.True(t, tr.Available("google"))

	snap := tr.Snapshot()["google"]
	assert.Equal(t, 0, snap.ConsecutiveFail, "expiry clears the streak")
	assert.Equal(t, 1, snap.Failures, "lifetime counters survive")
}

func TestSuccessClearsCooldown(t *testing.T) {
	tr := NewHealthTracker(testHealthConfig("5m"), testEngines)
	for i := 0; i < 3; i++ {
		tr.RecordFailure("bing", true)
	}
	require.False(t, tr.Available("bing"))

	tr.RecordSuccess("bing")
	assert.True(t, tr.Available("bing"))

	snap := tr.Snapshot()["bing"]
	assert.Equal(t, 0, snap.ConsecutiveFail)
	assert.Equal(t, 1, snap.Successes)
	assert.Equal(t, 3, snap.Failures)
}

func TestAllEnginesCoolingDown(t *testing.T) {
	tr := NewHealthTracker(testHealthConfig("5m"), testEngines)
	for _, e := range testEngines {
		tr.RecordFailure(e, true)
	}
	assert.Empty(t, tr.Ranked(testEngines))
}

func TestUnknownEngineNotRanked(t *testing.T) {
	tr := NewHealthTracker(testHealthConfig("5m"), []string{"brave"})
	assert.Equal(t, []string{"brave"}, tr.Ranked([]string{"brave", "yandex"}))
}

func TestScoreNoHistoryIsPerfect(t *testing.T) {
	now := time.Now()
	fresh := &engineState{}
	seasoned := &engineState{successes: 2, failures: 1, lastSuccess: now}

	assert.InDelta(t, 1.0, fresh.score(now), 1e-9)
	assert.Greater(t, fresh.score(now), seasoned.score(now))
}

func TestScoreRecencyBonus(t *testing.T) {
	now := time.Now()
	fresh := &engineState{successes: 5, failures: 5, lastSuccess: now}
	stale := &engineState{successes: 5, failures: 5, lastSuccess: now.Add(-time.Hour)}

	assert.Greater(t, fresh.score(now), stale.score(now))
}
