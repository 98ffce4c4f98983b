package secrets

import (
	"crypto/rand"
	"encoding/base64"
	"strings"
	"testing"
)

func testKey(t *testing.T) string {
	t.Helper()
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	return base64.StdEncoding.EncodeToString(key)
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	enc, err := NewEncryptor(testKey(t))
	if err != nil {
		t.Fatalf("NewEncryptor failed: %v", err)
	}

	secret := []byte("client-secret-value")
	sealed, err := enc.Encrypt(secret)
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	if strings.Contains(sealed, string(secret)) {
		t.Error("ciphertext must not contain the plaintext")
	}

	opened, err := enc.Decrypt(sealed)
	if err != nil {
		t.Fatalf("Decrypt failed: %v", err)
	}
	if string(opened) != string(secret) {
		t.Errorf("round trip mismatch: got %q", opened)
	}
}

func TestEncryptProducesUniqueCiphertexts(t *testing.T) {
	enc, err := NewEncryptor(testKey(t))
	if err != nil {
		t.Fatalf("NewEncryptor failed: %v", err)
	}

	a, _ := enc.Encrypt([]byte("same"))
	b, _ := enc.Encrypt([]byte("same"))
	if a == b {
		t.Error("two encryptions of the same plaintext should differ (random nonce)")
	}
}

func TestDecryptRejectsTampering(t *testing.T) {
	enc, err := NewEncryptor(testKey(t))
	if err != nil {
		t.Fatalf("NewEncryptor failed: %v", err)
	}

	sealed, _ := enc.Encrypt([]byte("value"))
	raw, _ := base64.StdEncoding.DecodeString(sealed)
	raw[len(raw)-1] ^= 0xff
	tampered := base64.StdEncoding.EncodeToString(raw)

	if _, err := enc.Decrypt(tampered); err == nil {
		t.Error("tampered ciphertext should fail to decrypt")
	}
}

func TestNewEncryptorRejectsBadKeys(t *testing.T) {
	if _, err := NewEncryptor("not-base64!!!"); err == nil {
		t.Error("invalid base64 key should be rejected")
	}
	short := base64.StdEncoding.EncodeToString([]byte("short"))
	if _, err := NewEncryptor(short); err == nil {
		t.Error("short key should be rejected")
	}
}

func TestNoop(t *testing.T) {
	var enc Noop
	sealed, _ := enc.Encrypt([]byte("plain"))
	opened, _ := enc.Decrypt(sealed)
	if string(opened) != "plain" {
		t.Errorf("noop round trip mismatch: %q", opened)
	}
}
