package auth

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

const keyPrefix = "gs_"

// GenerateKey returns a new raw API key and the hash stored for it. The raw
// key is shown to the user once and never persisted.
func GenerateKey() (key, keyHash string, err error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("failed to generate api key: %w", err)
	}
	key = keyPrefix + hex.EncodeToString(buf)
	return key, hashKey(key), nil
}

func HashKey(key string) string {
	return hashKey(key)
}
