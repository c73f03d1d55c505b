// ABOUTME: Unit tests for JWT token verification and generation
// ABOUTME: Tests valid tokens, invalid tokens, expired tokens, and claim checks

package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var testSecret = []byte("test-secret-key-for-jwt-signing-32b")

func TestJWTVerifier_ValidToken(t *testing.T) {
	verifier := NewJWTVerifier(testSecret)

	token, err := verifier.Generate("admin", time.Hour)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	got, err := verifier.Verify(token)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}

	if got != "admin" {
		t.Errorf("Verify() = %q, want %q", got, "admin")
	}
}

func TestJWTVerifier_InvalidToken(t *testing.T) {
	verifier := NewJWTVerifier(testSecret)

	signed := func(claims jwt.Claims, key []byte) string {
		s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
		if err != nil {
			t.Fatalf("signing: %v", err)
		}
		return s
	}
	exp := jwt.NewNumericDate(time.Now().Add(time.Hour))

	tests := []struct {
		name  string
		token string
	}{
		{"empty token", ""},
		{"garbage token", "not-a-jwt-token"},
		{"malformed JWT", "header.payload.signature"},
		{"wrong secret", func() string {
			other := NewJWTVerifier([]byte("different-secret"))
			tok, _ := other.Generate("admin", time.Hour)
			return tok
		}()},
		{"wrong issuer", signed(jwt.RegisteredClaims{Issuer: "someone-else", Subject: "admin", ExpiresAt: exp}, testSecret)},
		{"no expiry", signed(jwt.RegisteredClaims{Issuer: Issuer, Subject: "admin"}, testSecret)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := verifier.Verify(tt.token)
			if !errors.Is(err, ErrInvalidToken) {
				t.Errorf("Verify() error = %v, want ErrInvalidToken", err)
			}
		})
	}
}

func TestJWTVerifier_MissingSubject(t *testing.T) {
	verifier := NewJWTVerifier(testSecret)

	claims := jwt.RegisteredClaims{Issuer: Issuer, ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(testSecret)
	if err != nil {
		t.Fatalf("signing: %v", err)
	}

	if _, err := verifier.Verify(token); !errors.Is(err, ErrMissingClaim) {
		t.Errorf("Verify() error = %v, want ErrMissingClaim", err)
	}

	if _, err := verifier.Generate("", time.Hour); !errors.Is(err, ErrMissingClaim) {
		t.Errorf("Generate(\"\") error = %v, want ErrMissingClaim", err)
	}
}

func TestJWTVerifier_ExpiredToken(t *testing.T) {
	verifier := NewJWTVerifier(testSecret)

	// Generate a token that expired 1 hour ago
	token, err := verifier.Generate("admin", -time.Hour)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	_, err = verifier.Verify(token)
	if !errors.Is(err, ErrExpiredToken) {
		t.Errorf("Verify() error = %v, want ErrExpiredToken", err)
	}
}

func TestJWTVerifier_TokensAreUnique(t *testing.T) {
	verifier := NewJWTVerifier(testSecret)

	a, err := verifier.Generate("admin", time.Hour)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	b, err := verifier.Generate("admin", time.Hour)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if a == b {
		t.Error("two tokens for the same subject should differ by jti")
	}
}
