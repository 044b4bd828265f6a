// Package sha256 provides the SHA-256 digests used to shorten store keys and
// table identifiers.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
)

// Hex returns the 64 character hex digest of s.
func Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// Short returns the first n hex characters of the digest of s.
func Short(s string, n int) string {
	h := Hex(s)
	if n <= 0 || n >= len(h) {
		return h
	}
	return h[:n]
}
