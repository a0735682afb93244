// Package uuidutil wraps google/uuid for the identifiers pkgaudit hands out.
package uuidutil

import (
	"strings"

	"github.com/google/uuid"
)

// NewV4 generates a random UUID v4 string.
func NewV4() string {
	return uuid.NewString()
}

// ShortHex returns n lowercase hex characters (n <= 32) drawn from a fresh
// random UUID. Version and variant nibbles are skipped so every character is
// uniformly random.
func ShortHex(n int) string {
	u := uuid.New()
	hex := strings.ReplaceAll(u.String(), "-", "")
	// hex[12] is the version nibble, hex[16] the variant nibble.
	random := hex[:12] + hex[13:16] + hex[17:]
	if n > len(random) {
		n = len(random)
	}
	return random[:n]
}
