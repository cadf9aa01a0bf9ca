package identity

import (
	"crypto/rand"
	"encoding/hex"
)

// NewTokenKey returns a random 40 character hex key.
func NewTokenKey() (string, error) {
	b := make([]byte, 20)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
