package auth

import (
	"crypto/rand"
	"math/big"
)

// randomDigits8 returns 8 random decimal digits for the CRAM-MD5
// challenge's mantissa, per spec.md §4.3.
func randomDigits8() string {
	digits := make([]byte, 8)
	max := big.NewInt(10)
	for i := range digits {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			digits[i] = '0'
			continue
		}
		digits[i] = byte('0' + n.Int64())
	}
	return string(digits)
}
