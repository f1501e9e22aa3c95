package emit

import (
	"encoding/hex"

	"github.com/zeebo/blake3"
)

// Fingerprint returns the hex-encoded BLAKE3 digest of artifact content.
// Identical content always yields identical fingerprints; the reconciler
// and the drift detector compare nothing else.
func Fingerprint(content []byte) string {
	sum := blake3.Sum256(content)
	return hex.EncodeToString(sum[:])
}
