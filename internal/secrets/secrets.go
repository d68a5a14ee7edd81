// Package secrets encrypts exchange credentials at rest.
//
// Tokens use the Fernet format (AES-128-CBC + HMAC-SHA256), so keys and
// ciphertexts are interchangeable with other tooling that speaks Fernet.
// The key is the 32-byte URL-safe base64 string from TS_ENCRYPTION_KEY.
package secrets

import (
	"errors"
	"fmt"

	"github.com/fernet/fernet-go"
)

// ErrInvalidToken is returned when a ciphertext fails authentication,
// either because it was tampered with or encrypted under a different key.
var ErrInvalidToken = errors.New("secrets: invalid or tampered ciphertext")

// Cipher encrypts and decrypts short secrets under a single symmetric key.
type Cipher struct {
	key *fernet.Key
}

// New builds a Cipher from an encoded Fernet key.
func New(encodedKey string) (*Cipher, error) {
	if encodedKey == "" {
		return nil, errors.New("secrets: encryption key is empty")
	}
	key, err := fernet.DecodeKey(encodedKey)
	if err != nil {
		return nil, fmt.Errorf("secrets: decode key: %w", err)
	}
	return &Cipher{key: key}, nil
}

// Encrypt returns the Fernet token for plaintext.
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	token, err := fernet.EncryptAndSign([]byte(plaintext), c.key)
	if err != nil {
		return "", fmt.Errorf("secrets: encrypt: %w", err)
	}
	return string(token), nil
}

// Decrypt recovers the plaintext from a Fernet token. Tokens never expire;
// rotation happens by re-encrypting stored credentials, not via TTL.
func (c *Cipher) Decrypt(token string) (string, error) {
	plaintext := fernet.VerifyAndDecrypt([]byte(token), 0, []*fernet.Key{c.key})
	if plaintext == nil {
		return "", ErrInvalidToken
	}
	return string(plaintext), nil
}

// GenerateKey produces a fresh encoded key suitable for TS_ENCRYPTION_KEY.
func GenerateKey() (string, error) {
	var key fernet.Key
	if err := key.Generate(); err != nil {
		return "", fmt.Errorf("secrets: generate key: %w", err)
	}
	return key.Encode(), nil
}
