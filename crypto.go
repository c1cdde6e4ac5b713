package accounts

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const keyStoreInfo = "go-accounts/session-secrets/v1"

// StringCrypto encrypts session secrets before they are stored.
type StringCrypto interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

// KeyStoreCrypto seals strings with XChaCha20-Poly1305 using a key derived
// from a master secret with HKDF-SHA256. Output is base64url without padding.
type KeyStoreCrypto struct {
	aead cipher.AEAD
}

var _ StringCrypto = (*KeyStoreCrypto)(nil)

var errCiphertextTooShort = errors.New("ciphertext too short")

// NewKeyStoreCrypto derives the sealing key from secret.
func NewKeyStoreCrypto(secret []byte) (*KeyStoreCrypto, error) {
	if len(secret) == 0 {
		return nil, cryptoError("derive key", errors.New("secret is empty"))
	}

	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(keyStoreInfo)), key); err != nil {
		return nil, cryptoError("derive key", err)
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, cryptoError("create cipher", err)
	}

	return &KeyStoreCrypto{aead: aead}, nil
}

// Encrypt seals plaintext with a random nonce.
func (c *KeyStoreCrypto) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, c.aead.NonceSize(), c.aead.NonceSize()+len(plaintext)+c.aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", cryptoError("generate nonce", err)
	}

	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a value produced by Encrypt.
func (c *KeyStoreCrypto) Decrypt(ciphertext string) (string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", cryptoError("decode", err)
	}

	ns := c.aead.NonceSize()
	if len(raw) < ns {
		return "", cryptoError("decrypt", errCiphertextTooShort)
	}

	plain, err := c.aead.Open(nil, raw[:ns], raw[ns:], nil)
	if err != nil {
		return "", cryptoError("decrypt", errors.New("message authentication failed"))
	}
	return string(plain), nil
}

// EncryptOptional encrypts v when it is non-nil.
func EncryptOptional(c StringCrypto, v *string) (*string, error) {
	if v == nil {
		return nil, nil
	}
	out, err := c.Encrypt(*v)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// DecryptOptional decrypts v when it is non-nil.
func DecryptOptional(c StringCrypto, v *string) (*string, error) {
	if v == nil {
		return nil, nil
	}
	out, err := c.Decrypt(*v)
	if err != nil {
		return nil, err
	}
	return &out, nil
}
