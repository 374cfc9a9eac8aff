package util

import (
	"math/rand/v2"
	"strings"
)

const hexChars = "0123456789abcdef"

// RandomID returns prefix followed by n random hex characters. The ids are
// for correlation in logs and interactive questions, not for security.
func RandomID(prefix string, n int) string {
	return prefix + RandomHex(n)
}

// RandomHex returns n random hex characters.
func RandomHex(n int) string {
	if n <= 0 {
		return ""
	}
	var b strings.Builder
	b.Grow(n)
	for range n {
		b.WriteByte(hexChars[rand.IntN(len(hexChars))])
	}
	return b.String()
}
