// ABOUTME: Shared-secret check for agent AUTH frames
// ABOUTME: Accepts a plaintext key (constant-time compare) or a bcrypt hash

package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// ErrInvalidKey is returned when an agent presents the wrong shared key.
var ErrInvalidKey = errors.New("invalid agent key")

// KeyChecker validates the key an agent sends in its AUTH payload.
type KeyChecker interface {
	Verify(key string) error
}

// KeyVerifier checks agent keys against either a plaintext secret or a
// bcrypt hash of it. Exactly one is configured.
type KeyVerifier struct {
	plain []byte
	hash  []byte
}

// NewKeyVerifier builds a verifier. When hash is non-empty it must be a
// valid bcrypt hash and plain is ignored.
func NewKeyVerifier(plain, hash string) (*KeyVerifier, error) {
	if hash != "" {
		if _, err := bcrypt.Cost([]byte(hash)); err != nil {
			return nil, fmt.Errorf("parsing key hash: %w", err)
		}
		return &KeyVerifier{hash: []byte(hash)}, nil
	}
	if plain == "" {
		return nil, errors.New("agent key is empty")
	}
	return &KeyVerifier{plain: []byte(plain)}, nil
}

// Verify returns nil if key matches, ErrInvalidKey otherwise.
func (v *KeyVerifier) Verify(key string) error {
	if v.hash != nil {
		if err := bcrypt.CompareHashAndPassword(v.hash, []byte(key)); err != nil {
			return ErrInvalidKey
		}
		return nil
	}
	if subtle.ConstantTimeCompare(v.plain, []byte(key)) != 1 {
		return ErrInvalidKey
	}
	return nil
}

// HashKey produces a bcrypt hash suitable for the key_hash setting.
func HashKey(key string) (string, error) {
	if key == "" {
		return "", errors.New("key is empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hashing key: %w", err)
	}
	return string(hash), nil
}
