package util

import (
	"crypto/rand"
	"encoding/hex"
)

const secretBytes = 32

// NewSecret returns prefix + hex(32 random bytes).
func NewSecret(prefix string) (string, error) {
	b := make([]byte, secretBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return prefix + hex.EncodeToString(b), nil
}
