package secrets

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// hkdfInfo binds derived keys to this use so the same master key material
// cannot be reused for a different purpose without deriving differently.
var hkdfInfo = []byte("tollgate/secrets/v1")

// Encryptor seals and opens small secrets (client secrets, token records)
// before they reach durable storage. Callers never persist plaintext.
type Encryptor interface {
	Encrypt(plaintext []byte) (string, error)
	Decrypt(ciphertext string) ([]byte, error)
}

// AEADEncryptor implements Encryptor with XChaCha20-Poly1305. The extended
// nonce makes random nonces safe, so no nonce bookkeeping is needed.
type AEADEncryptor struct {
	aead cipher.AEAD
}

// NewEncryptor derives an AEAD from the given base64-encoded master key.
func NewEncryptor(encodedKey string) (*AEADEncryptor, error) {
	key, err := base64.StdEncoding.DecodeString(encodedKey)
	if err != nil {
		return nil, fmt.Errorf("failed to decode encryption key: %w", err)
	}
	if len(key) < 16 {
		return nil, fmt.Errorf("encryption key too short: %d bytes, need at least 16", len(key))
	}

	hk := hkdf.New(sha256.New, key, nil, hkdfInfo)
	aeadKey := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hk, aeadKey); err != nil {
		return nil, fmt.Errorf("failed to derive AEAD key: %w", err)
	}

	aead, err := chacha20poly1305.NewX(aeadKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create AEAD: %w", err)
	}

	return &AEADEncryptor{aead: aead}, nil
}

// Encrypt seals plaintext and returns a base64 string with the nonce
// prefixed to the ciphertext.
func (e *AEADEncryptor) Encrypt(plaintext []byte) (string, error) {
	nonce := make([]byte, e.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := e.aead.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt expects the nonce-prefixed base64 form produced by Encrypt.
func (e *AEADEncryptor) Decrypt(ciphertext string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("failed to decode ciphertext: %w", err)
	}

	ns := e.aead.NonceSize()
	if len(raw) < ns+e.aead.Overhead() {
		return nil, fmt.Errorf("ciphertext too short: %d bytes", len(raw))
	}

	nonce, sealed := raw[:ns], raw[ns:]
	plaintext, err := e.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}
	return plaintext, nil
}

// Noop is an Encryptor that stores values as-is. It exists for development
// setups without a configured key; production configs must set one.
type Noop struct{}

// Encrypt implements Encryptor.
func (Noop) Encrypt(plaintext []byte) (string, error) {
	return string(plaintext), nil
}

// Decrypt implements Encryptor.
func (Noop) Decrypt(ciphertext string) ([]byte, error) {
	return []byte(ciphertext), nil
}
