// Package sha256 fingerprints retained document bodies and derives the archive
// keys built from those fingerprints.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
	"path"
)

// DigestLen is the length of a hex-encoded digest.
const DigestLen = 2 * sha256.Size

// Sum returns the lowercase hex SHA-256 digest of data.
func Sum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Valid reports whether digest has the shape Sum produces.
func Valid(digest string) bool {
	if len(digest) != DigestLen {
		return false
	}
	for i := 0; i < len(digest); i++ {
		c := digest[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// ObjectKey fans digests out under a two-character directory:
// prefix/ab/abcdef...
func ObjectKey(prefix, digest string) string {
	return path.Join(prefix, digest[:2], digest)
}
