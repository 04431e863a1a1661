package utils

import (
	"crypto/rand"
	"encoding/hex"
)

// RandHex generates a cryptographically secure random hex string of length n.
func RandHex(n int) string {
	if n <= 0 {
		return ""
	}

	b := make([]byte, (n+1)/2)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)[:n]
}

func Truncate(content string, maxLen int) string {
	if len(content) <= maxLen {
		return content
	}
	return content[:maxLen] + "..."
}
