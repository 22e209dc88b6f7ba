package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
)

const keyBytes = 32

// GenerateKey returns 32 random bytes encoded as unpadded base64url.
func GenerateKey() (string, error) {
	buf := make([]byte, keyBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// HashKey is the digest persisted for an agent key.
func HashKey(key string) []byte {
	sum := sha256.Sum256([]byte(key))
	return sum[:]
}

// VerifyKey reports whether key hashes to digest, in constant time.
func VerifyKey(key string, digest []byte) bool {
	return subtle.ConstantTimeCompare(HashKey(key), digest) == 1
}
