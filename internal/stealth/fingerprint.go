// Package stealth derives deterministic browser fingerprints and the
// evasion scripts injected before any navigation. The same (user, session)
// pair always yields the same fingerprint, so a site sees one consistent
// visitor across runs instead of a new device every launch.
package stealth

import (
	"fmt"
	"hash/fnv"
	"math/rand"
)

// Fingerprint is the stable identity presented to every site in a session.
type Fingerprint struct {
	UserAgent           string `json:"user_agent"`
	Platform            string `json:"platform"`
	ViewportWidth       int    `json:"viewport_width"`
	ViewportHeight      int    `json:"viewport_height"`
	DeviceScaleFactor   float64 `json:"device_scale_factor"`
	Timezone            string `json:"timezone"`
	Locale              string `json:"locale"`
	HardwareConcurrency int    `json:"hardware_concurrency"`
	DeviceMemoryGB      int    `json:"device_memory_gb"`
	WebGLVendor         string `json:"webgl_vendor"`
	WebGLRenderer       string `json:"webgl_renderer"`
}

type profile struct {
	userAgent string
	platform  string
	vendor    string
	renderer  string
}

// Realistic desktop profiles. UA strings are paired with matching platform
// and GPU strings so the surfaces agree with each other.
var profiles = []profile{
	{
		userAgent: "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36",
		platform:  "Win32",
		vendor:    "Google Inc. (NVIDIA)",
		renderer:  "ANGLE (NVIDIA, NVIDIA GeForce RTX 3060 Direct3D11 vs_5_0 ps_5_0, D3D11)",
	},
	{
		userAgent: "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/125.0.0.0 Safari/537.36",
		platform:  "Win32",
		vendor:    "Google Inc. (Intel)",
		renderer:  "ANGLE (Intel, Intel(R) UHD Graphics 630 Direct3D11 vs_5_0 ps_5_0, D3D11)",
	},
	{
		userAgent: "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36",
		platform:  "MacIntel",
		vendor:    "Google Inc. (Apple)",
		renderer:  "ANGLE (Apple, Apple M2, OpenGL 4.1)",
	},
	{
		userAgent: "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36",
		platform:  "Linux x86_64",
		vendor:    "Google Inc. (AMD)",
		renderer:  "ANGLE (AMD, AMD Radeon RX 6600 (radeonsi), OpenGL 4.6)",
	},
}

var viewports = [][2]int{
	{1920, 1080},
	{1680, 1050},
	{1536, 864},
	{1440, 900},
	{1366, 768},
}

var timezones = []string{
	"America/New_York",
	"America/Chicago",
	"America/Denver",
	"America/Los_Angeles",
}

var concurrencies = []int{4, 8, 8, 12, 16}
var memories = []int{8, 8, 16, 16, 32}

// ForSession derives the fingerprint for a (user, session) pair. Pure
// function: identical inputs always produce identical output.
func ForSession(userID, sessionID string) Fingerprint {
	h := fnv.New64a()
	fmt.Fprintf(h, "%s|%s", userID, sessionID)
	rng := rand.New(rand.NewSource(int64(h.Sum64())))

	p := profiles[rng.Intn(len(profiles))]
	vp := viewports[rng.Intn(len(viewports))]

	return Fingerprint{
		UserAgent:           p.userAgent,
		Platform:            p.platform,
		ViewportWidth:       vp[0],
		ViewportHeight:      vp[1],
		DeviceScaleFactor:   1.0,
		Timezone:            timezones[rng.Intn(len(timezones))],
		Locale:              "en-US",
		HardwareConcurrency: concurrencies[rng.Intn(len(concurrencies))],
		DeviceMemoryGB:      memories[rng.Intn(len(memories))],
		WebGLVendor:         p.vendor,
		WebGLRenderer:       p.renderer,
	}
}

// Rand returns a deterministic RNG for the (user, session) pair, offset by
// purpose so different consumers (warmup pacing, scroll jitter) draw from
// independent streams.
func Rand(userID, sessionID, purpose string) *rand.Rand {
	h := fnv.New64a()
	fmt.Fprintf(h, "%s|%s|%s", userID, sessionID, purpose)
	return rand.New(rand.NewSource(int64(h.Sum64())))
}
