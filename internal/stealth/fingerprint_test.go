package stealth

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestForSessionDeterministic(t *testing.T) {
	a := ForSession("user-1", "session-1")
	b := ForSession("user-1", "session-1")
	assert.Equal(t, a, b)
}

func TestForSessionVariesAcrossSessions(t *testing.T) {
	seen := make(map[string]bool)
	for _, sid := range []string{"s1", "s2", "s3", "s4", "s5", "s6", "s7", "s8"} {
		fp := ForSession("user-1", sid)
		seen[fp.UserAgent+fp.Timezone] = true
	}
	assert.Greater(t, len(seen), 1, "different sessions should not share one identity")
}

func TestFingerprintSurfacesAgree(t *testing.T) {
	fp := ForSession("user-1", "session-1")

	switch fp.Platform {
	case "Win32":
		assert.Contains(t, fp.UserAgent, "Windows NT")
	case "MacIntel":
		assert.Contains(t, fp.UserAgent, "Macintosh")
	case "Linux x86_64":
		assert.Contains(t, fp.UserAgent, "Linux")
	default:
		t.Fatalf("unknown platform %q", fp.Platform)
	}

	require.NotEmpty(t, fp.WebGLVendor)
	require.NotEmpty(t, fp.WebGLRenderer)
	assert.Greater(t, fp.ViewportWidth, 1000)
	assert.Greater(t, fp.HardwareConcurrency, 0)
	assert.Greater(t, fp.DeviceMemoryGB, 0)
	assert.Equal(t, "en-US", fp.Locale)
}

func TestPatchScriptCarriesFingerprint(t *testing.T) {
	fp := ForSession("user-1", "session-1")
	js := PatchScript(fp)

	assert.Contains(t, js, fp.Platform)
	assert.Contains(t, js, fp.WebGLVendor)
	assert.Contains(t, js, fp.WebGLRenderer)
	assert.Contains(t, js, "webdriver")
	assert.False(t, strings.Contains(js, "%!"), "no unexpanded format verbs")
}

func TestRandStreamsIndependent(t *testing.T) {
	warmup := Rand("user-1", "session-1", "warmup")
	scroll := Rand("user-1", "session-1", "scroll")
	assert.NotEqual(t, warmup.Int63(), scroll.Int63())

	again := Rand("user-1", "session-1", "warmup")
	assert.Equal(t, Rand("user-1", "session-1", "warmup").Int63(), again.Int63())
}
