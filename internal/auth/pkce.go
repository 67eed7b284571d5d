package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"io"
)

// PKCE is the verifier/challenge pair for one authorization attempt. The
// interactive login itself happens in an external collaborator; this module
// only supplies the material and later accepts the resulting code.
type PKCE struct {
	Verifier  string `json:"verifier"`
	Challenge string `json:"challenge"`
	State     string `json:"state"`
	Nonce     string `json:"nonce"`
}

// GeneratePKCE returns fresh S256 PKCE material plus state and nonce.
func GeneratePKCE() (*PKCE, error) {
	verifier, err := randomURLSafe(32)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256([]byte(verifier))
	state, err := randomURLSafe(16)
	if err != nil {
		return nil, err
	}
	nonce, err := randomURLSafe(16)
	if err != nil {
		return nil, err
	}
	return &PKCE{
		Verifier:  verifier,
		Challenge: base64.RawURLEncoding.EncodeToString(sum[:]),
		State:     state,
		Nonce:     nonce,
	}, nil
}

// randomURLSafe returns n random bytes encoded without padding.
func randomURLSafe(n int) (string, error) {
	if n <= 0 {
		return "", errors.New("length must be positive")
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
