// Copyright (c) 2026 Relsync. All rights reserved.

package sec

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// # Static API Token Security (Bcrypt)

// HashAPIToken hashes a static API token using bcrypt. The debug surface's
// TokenVerifier does not call it: it verifies JWTs, or rejects every token
// when no keys are configured.
func HashAPIToken(plainTextToken string) (string, error) {
	hashedBytes, err := bcrypt.GenerateFromPassword([]byte(plainTextToken), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("sec: failed to hash token: %w", err)
	}
	return string(hashedBytes), nil
}

// CheckAPITokenHash compares a plain-text API token with its hashed version
// in constant time.
func CheckAPITokenHash(plainTextToken, existingHash string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(existingHash), []byte(plainTextToken))
	return err == nil
}

// # Token Security (CSPRNG & SHA-256)

// GenerateSecureToken creates a cryptographically secure random token.
func GenerateSecureToken(length int) (string, error) {
	bytes := make([]byte, length)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("sec: failed to generate random token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(bytes), nil
}

// HashToken generates a SHA-256 hash of a string, used to key dedupe sets
// without storing raw client tokens.
func HashToken(token string) string {
	hash := sha256.Sum256([]byte(token))
	return hex.EncodeToString(hash[:])
}

// ConstantTimeEqual compares two strings without leaking timing information,
// used when checking a raw bearer token against a configured shared secret.
func ConstantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
