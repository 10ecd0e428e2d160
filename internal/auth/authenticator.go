// Package auth resolves a bearer credential to a caller identity. Static API
// keys are checked first, then OIDC tokens, then tokens signed with the
// shared HMAC secret.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"strings"

	"github.com/manimcat/api/internal/config"
)

// Identification methods
const (
	MethodAPIKey = "api-key"
	MethodOIDC   = "oidc"
	MethodHMAC   = "hmac"
)

var (
	ErrMissingToken  = errors.New("missing bearer token")
	ErrInvalidToken  = errors.New("invalid or expired token")
	ErrNotConfigured = errors.New("authentication not configured")
)

// Identity is the authenticated caller
type Identity struct {
	UserID string
	Email  string
	Name   string
	Method string
}

type Authenticator struct {
	apiKeys   [][]byte
	verifier  TokenVerifier
	jwtSecret string
}

// NewAuthenticator builds an authenticator from config. verifier may be nil
// when no OIDC issuer is configured.
func NewAuthenticator(cfg config.AuthConfig, verifier TokenVerifier) *Authenticator {
	a := &Authenticator{verifier: verifier, jwtSecret: cfg.JWTSecret}
	for _, k := range cfg.APIKeys {
		if k = strings.TrimSpace(k); k != "" {
			a.apiKeys = append(a.apiKeys, []byte(k))
		}
	}
	return a
}

// Configured reports whether any credential scheme is available.
func (a *Authenticator) Configured() bool {
	return len(a.apiKeys) > 0 || a.verifier != nil || a.jwtSecret != ""
}

// BearerToken extracts the token of an "Authorization: Bearer" header.
func BearerToken(header string) (string, error) {
	if header == "" {
		return "", ErrMissingToken
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || strings.TrimSpace(parts[1]) == "" {
		return "", ErrMissingToken
	}
	return strings.TrimSpace(parts[1]), nil
}

// Identify resolves token to an identity.
func (a *Authenticator) Identify(token string) (*Identity, error) {
	if !a.Configured() {
		return nil, ErrNotConfigured
	}

	for _, key := range a.apiKeys {
		if subtle.ConstantTimeCompare(key, []byte(token)) == 1 {
			return &Identity{UserID: apiKeyUser(token), Method: MethodAPIKey}, nil
		}
	}

	if a.verifier != nil {
		if claims, err := a.verifier.Validate(token); err == nil {
			return &Identity{UserID: claims.UserID, Email: claims.Email, Name: claims.Name, Method: MethodOIDC}, nil
		}
	}

	if a.jwtSecret != "" {
		if claims, err := ValidateHMACToken(token, a.jwtSecret); err == nil {
			return &Identity{UserID: claims.UserID, Email: claims.Email, Name: claims.Name, Method: MethodHMAC}, nil
		}
	}
	return nil, ErrInvalidToken
}

// apiKeyUser names an API key caller without exposing the key.
func apiKeyUser(key string) string {
	sum := sha256.Sum256([]byte(key))
	return "key-" + hex.EncodeToString(sum[:])[:12]
}
