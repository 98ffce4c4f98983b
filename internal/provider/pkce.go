package provider

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
)

// pkceVerifierBytes is the number of random bytes for the PKCE code
// verifier. 32 bytes provides 256 bits of entropy.
const pkceVerifierBytes = 32

// PKCE holds a code verifier and its S256 challenge for one authorization
// request.
type PKCE struct {
	Verifier        string
	Challenge       string
	ChallengeMethod string
}

// GeneratePKCE generates a fresh PKCE pair. The verifier is 32 random
// bytes, base64url-encoded without padding; the challenge is the
// base64url-encoded SHA-256 of the verifier.
func GeneratePKCE() (*PKCE, error) {
	verifierBytes := make([]byte, pkceVerifierBytes)
	if _, err := rand.Read(verifierBytes); err != nil {
		return nil, fmt.Errorf("failed to generate PKCE verifier: %w", err)
	}

	verifier := base64.RawURLEncoding.EncodeToString(verifierBytes)
	hash := sha256.Sum256([]byte(verifier))

	return &PKCE{
		Verifier:        verifier,
		Challenge:       base64.RawURLEncoding.EncodeToString(hash[:]),
		ChallengeMethod: "S256",
	}, nil
}

// GenerateCSRFToken generates the random token bound into the state
// parameter to tie the callback to the originating request.
func GenerateCSRFToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate CSRF token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
