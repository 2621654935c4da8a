package smtp

import (
	"crypto/rand"
	"strings"
)

const base32Alphabet = "abcdefghijklmnopqrstuvwxyz234567"

// newConnID returns a 16-character random base-32 identifier (spec.md
// §3: "16-char base-32 random id").
func newConnID() string {
	var b strings.Builder
	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		// crypto/rand failing means the system RNG is broken; fall back
		// to a fixed-but-distinguishable pattern rather than panicking
		// mid-accept-loop.
		for i := range raw {
			raw[i] = byte(i)
		}
	}
	for _, c := range raw {
		b.WriteByte(base32Alphabet[int(c)%len(base32Alphabet)])
	}
	return b.String()
}
