// Package cache stores whole research responses per user and retrieves
// them with hybrid semantic+lexical ranking. Fingerprints scope entries to
// a (session, intent) pair; the query text itself is judged by the
// retriever, not baked into the key, so wording changes and preference
// edits never invalidate cached research.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"scout/internal/types"
)

// Fingerprint derives the cache key for a (session, intent) pair. Pure
// function: same inputs, same key, every process, every run.
func Fingerprint(sessionID string, intent types.Intent) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("v2|%s|%s", sessionID, intent)))
	return hex.EncodeToString(sum[:16])
}

// legacyFingerprint is the pre-intent key derived from the session alone.
// Entries written under it are still readable via the migration scan.
func legacyFingerprint(sessionID string) string {
	sum := sha256.Sum256([]byte(sessionID))
	return hex.EncodeToString(sum[:16])
}
