// Package auth validates the credentials live clients present to the hub.
package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"strings"
)

// ErrInvalidCredential is returned for unknown, revoked or empty tokens.
var ErrInvalidCredential = errors.New("auth: invalid credential")

// Identity is who a credential belongs to. Several connections may share one.
type Identity struct {
	ID string `json:"id"`
}

// Validator checks a token.
type Validator interface {
	Validate(ctx context.Context, token string) (Identity, error)
}

// HashToken returns the hex sha256 digest stored for API keys.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// StaticValidator checks tokens against a fixed table, typically from config.
type StaticValidator struct {
	entries []staticEntry
}

type staticEntry struct {
	digest   [sha256.Size]byte
	identity string
}

// NewStaticValidator builds a validator from token -> identity pairs.
func NewStaticValidator(tokens map[string]string) *StaticValidator {
	v := &StaticValidator{}
	for token, identity := range tokens {
		if strings.TrimSpace(token) == "" {
			continue
		}
		v.entries = append(v.entries, staticEntry{digest: sha256.Sum256([]byte(token)), identity: identity})
	}
	return v
}

// Validate implements Validator. Every entry is compared so the time taken
// does not depend on which one matches.
func (v *StaticValidator) Validate(_ context.Context, token string) (Identity, error) {
	if token == "" {
		return Identity{}, ErrInvalidCredential
	}
	digest := sha256.Sum256([]byte(token))
	found := ""
	for _, e := range v.entries {
		if subtle.ConstantTimeCompare(digest[:], e.digest[:]) == 1 {
			found = e.identity
		}
	}
	if found == "" {
		return Identity{}, ErrInvalidCredential
	}
	return Identity{ID: found}, nil
}

// ValidatorFunc adapts a function to Validator.
type ValidatorFunc func(ctx context.Context, token string) (Identity, error)

// Validate implements Validator.
func (f ValidatorFunc) Validate(ctx context.Context, token string) (Identity, error) {
	return f(ctx, token)
}

var _ Validator = (*StaticValidator)(nil)
