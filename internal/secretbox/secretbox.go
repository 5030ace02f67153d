// Package secretbox provides authenticated symmetric encryption for the
// serialized credentials kept in the token cache.
package secretbox

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"

	"go.pilab.hu/authgw/gwerrors"
)

// Codec encrypts and decrypts opaque byte payloads with XChaCha20-Poly1305.
// The nonce is generated per message and prepended to the ciphertext.
type Codec struct {
	aead cipher.AEAD
}

// New derives a Codec from the operator-supplied shared secret. The secret
// must be 64 hex characters decoding to exactly 32 bytes; anything else is a
// configuration error and the process must not start.
func New(hexKey string) (*Codec, error) {
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("%w: secret key is not valid hex", gwerrors.ErrConfiguration)
	}
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("%w: secret key must decode to %d bytes, got %d",
			gwerrors.ErrConfiguration, chacha20poly1305.KeySize, len(key))
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", gwerrors.ErrConfiguration, err)
	}
	return &Codec{aead: aead}, nil
}

// Encrypt seals the plaintext under a fresh random nonce.
func (c *Codec) Encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return c.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt opens a payload produced by Encrypt. A tag mismatch or malformed
// input yields gwerrors.ErrDecryption; callers must not ignore it since it
// signals either corruption or a secret rotation.
func (c *Codec) Decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < c.aead.NonceSize() {
		return nil, gwerrors.ErrDecryption
	}
	nonce, sealed := ciphertext[:c.aead.NonceSize()], ciphertext[c.aead.NonceSize():]
	plaintext, err := c.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, gwerrors.ErrDecryption
	}
	return plaintext, nil
}
