package secrets

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCipher(t *testing.T) *Cipher {
	t.Helper()
	key, err := GenerateKey()
	require.NoError(t, err)
	c, err := New(key)
	require.NoError(t, err)
	return c
}

func TestRoundTrip(t *testing.T) {
	c := newTestCipher(t)

	plaintext := "0xdeadbeefcafe0123456789abcdef0123456789abcdef0123456789abcdef0123"
	token, err := c.Encrypt(plaintext)
	require.NoError(t, err)
	assert.NotEqual(t, plaintext, token)

	got, err := c.Decrypt(token)
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)
}

func TestDecryptWrongKey(t *testing.T) {
	c1 := newTestCipher(t)
	c2 := newTestCipher(t)

	token, err := c1.Encrypt("secret")
	require.NoError(t, err)

	_, err = c2.Decrypt(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestDecryptTamperedToken(t *testing.T) {
	c := newTestCipher(t)

	token, err := c.Encrypt("secret")
	require.NoError(t, err)

	// Flip a character in the middle of the token.
	b := []byte(token)
	mid := len(b) / 2
	if b[mid] == 'A' {
		b[mid] = 'B'
	} else {
		b[mid] = 'A'
	}

	_, err = c.Decrypt(string(b))
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestNewEmptyKey(t *testing.T) {
	_, err := New("")
	assert.Error(t, err)
}

func TestNewMalformedKey(t *testing.T) {
	_, err := New("not-a-valid-key")
	assert.Error(t, err)
}
