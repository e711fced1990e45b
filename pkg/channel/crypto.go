package channel

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"io"
	"strings"
)

// SecretBox encrypts bot tokens at rest with AES-GCM. The key is derived from
// the operator-supplied secret by hashing, so any non-empty string works.
type SecretBox struct {
	aead cipher.AEAD
}

func NewSecretBox(keyMaterial string) (*SecretBox, error) {
	if keyMaterial == "" {
		return nil, errors.New("secret key material is required")
	}

	key := sha256.Sum256([]byte(keyMaterial))

	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	return &SecretBox{aead: aead}, nil
}

func (b *SecretBox) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, b.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	sealed := b.aead.Seal(nonce, nonce, []byte(plaintext), nil)

	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

func (b *SecretBox) Decrypt(encoded string) (string, error) {
	sealed, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return "", errors.New("invalid encrypted token")
	}

	nonceSize := b.aead.NonceSize()
	if len(sealed) < nonceSize {
		return "", errors.New("invalid encrypted token")
	}

	plaintext, err := b.aead.Open(nil, sealed[:nonceSize], sealed[nonceSize:], nil)
	if err != nil {
		return "", errors.New("invalid encrypted token")
	}

	return string(plaintext), nil
}

// MaskToken keeps the first six and last four characters of a secret visible.
func MaskToken(token string) string {
	if token == "" {
		return ""
	}

	if len(token) <= 10 {
		return strings.Repeat("*", len(token))
	}

	return token[:6] + "****" + token[len(token)-4:]
}
