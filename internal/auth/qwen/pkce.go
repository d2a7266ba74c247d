package qwen

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
)

// PKCEPair holds the code verifier and its S256 challenge for one device
// authorization attempt.
type PKCEPair struct {
	Verifier  string
	Challenge string
}

// GeneratePKCE returns a fresh verifier and challenge. The verifier is 32
// bytes of crypto/rand output, base64url encoded without padding; the
// challenge is the base64url SHA-256 digest of the verifier string.
func GeneratePKCE() (*PKCEPair, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("generate code verifier: %w", err)
	}
	verifier := base64.RawURLEncoding.EncodeToString(buf)
	sum := sha256.Sum256([]byte(verifier))
	return &PKCEPair{
		Verifier:  verifier,
		Challenge: base64.RawURLEncoding.EncodeToString(sum[:]),
	}, nil
}
