// ABOUTME: Tests for shared agent key verification
// ABOUTME: Covers plaintext and bcrypt-hashed keys

package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestKeyVerifier_Plaintext(t *testing.T) {
	v, err := NewKeyVerifier("s3cret", "")
	require.NoError(t, err)

	assert.NoError(t, v.Verify("s3cret"))
	assert.ErrorIs(t, v.Verify("s3cre"), ErrInvalidKey)
	assert.ErrorIs(t, v.Verify(""), ErrInvalidKey)
	assert.ErrorIs(t, v.Verify("s3cret "), ErrInvalidKey)
}

func TestKeyVerifier_Hash(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	require.NoError(t, err)

	// plain is ignored when a hash is configured
	v, err := NewKeyVerifier("other", string(hash))
	require.NoError(t, err)

	assert.NoError(t, v.Verify("s3cret"))
	assert.ErrorIs(t, v.Verify("other"), ErrInvalidKey)
}

func TestKeyVerifier_Errors(t *testing.T) {
	_, err := NewKeyVerifier("", "")
	assert.Error(t, err)

	_, err = NewKeyVerifier("", "not-a-bcrypt-hash")
	assert.Error(t, err)
}

func TestHashKey(t *testing.T) {
	hash, err := HashKey("fleet-key")
	require.NoError(t, err)

	v, err := NewKeyVerifier("", hash)
	require.NoError(t, err)
	assert.NoError(t, v.Verify("fleet-key"))

	_, err = HashKey("")
	assert.Error(t, err)
}
