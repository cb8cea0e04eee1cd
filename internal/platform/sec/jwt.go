// Copyright (c) 2026 Relsync. All rights reserved.

/*
Package sec provides the identity-verification contract for the debug and
replication HTTP surface.

spec.md scopes authentication and permissions compilation out of the engine
(§1: "external collaborators; only their contracts are referenced") — this
package is intentionally limited to verifying who is making a request, not
deciding what they may do with it. Authorization stays the caller's problem.

Core Components:

  - JWT: RS256-signed bearer tokens identifying a sync client.
  - Hash: bcrypt and SHA-256 helpers for static API tokens; no verifier
    here accepts static tokens.

The package enforces a strict boundary between infrastructure-level identity
verification and the IVM engine, which never imports it.
*/
package sec

import (
	"crypto/rsa"
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// # Identity Claims

// AuthClaims is the payload embedded inside a client's JWT access token.
// It identifies the sync client but carries no authorization decision.
type AuthClaims struct {
	jwt.RegisteredClaims

	// ClientID is the sync client's stable identifier, used as the key into
	// the poke handler's per-client lastMutationID tracking.
	ClientID string `json:"cid"`
}

// # Token Provider (RSA)

// TokenService handles generation and verification of JWT tokens using RS256.
type TokenService struct {
	privateKey *rsa.PrivateKey
	publicKey  *rsa.PublicKey
	issuer     string
}

// NewTokenService creates a new TokenService.
func NewTokenService(privateKeyPath, publicKeyPath, issuer string) (*TokenService, error) {

	// Load the Private Key for signing
	privateKeyData, err := os.ReadFile(privateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("sec: failed to read private key from %s: %w", privateKeyPath, err)
	}

	privateKey, err := jwt.ParseRSAPrivateKeyFromPEM(privateKeyData)
	if err != nil {
		return nil, fmt.Errorf("sec: failed to parse private key: %w", err)
	}

	// Load the Public Key for verification
	publicKeyData, err := os.ReadFile(publicKeyPath)
	if err != nil {
		return nil, fmt.Errorf("sec: failed to read public key from %s: %w", publicKeyPath, err)
	}

	publicKey, err := jwt.ParseRSAPublicKeyFromPEM(publicKeyData)
	if err != nil {
		return nil, fmt.Errorf("sec: failed to parse public key: %w", err)
	}

	return &TokenService{
		privateKey: privateKey,
		publicKey:  publicKey,
		issuer:     issuer,
	}, nil
}

// GenerateClientToken creates a new JWT access token identifying clientID.
func (service *TokenService) GenerateClientToken(clientID string, timeToLive time.Duration) (string, error) {

	currentTime := time.Now()

	claims := AuthClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   clientID,
			Issuer:    service.issuer,
			IssuedAt:  jwt.NewNumericDate(currentTime),
			ExpiresAt: jwt.NewNumericDate(currentTime.Add(timeToLive)),
		},
		ClientID: clientID,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	signedToken, err := token.SignedString(service.privateKey)
	if err != nil {
		return "", fmt.Errorf("sec: failed to sign token: %w", err)
	}

	return signedToken, nil
}

// VerifyToken checks the signature and validity of a JWT string.
func (service *TokenService) VerifyToken(tokenString string) (*AuthClaims, error) {

	token, err := jwt.ParseWithClaims(tokenString, &AuthClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("sec: unexpected signing method: %v", token.Header["alg"])
		}
		return service.publicKey, nil
	})
	if err != nil {
		return nil, fmt.Errorf("sec: invalid token: %w", err)
	}

	claims, ok := token.Claims.(*AuthClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("sec: invalid token claims")
	}

	return claims, nil
}

// NoopVerifier rejects every presented bearer token. It is the safe default
// for an environment with no JWT keys configured: anonymous requests still
// pass [middleware.Authenticate] untouched, but a client that does present
// a token gets a clear 401 rather than a misleading success.
type NoopVerifier struct{}

// VerifyToken implements [middleware.TokenVerifier].
func (NoopVerifier) VerifyToken(string) (*AuthClaims, error) {
	return nil, fmt.Errorf("sec: no JWT verification key configured")
}
