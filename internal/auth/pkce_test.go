package auth

import (
	"crypto/sha256"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGeneratePKCE(t *testing.T) {
	material, err := GeneratePKCE()
	require.NoError(t, err)

	sum := sha256.Sum256([]byte(material.Verifier))
	assert.Equal(t, base64.RawURLEncoding.EncodeToString(sum[:]), material.Challenge)
	assert.NotEmpty(t, material.State)
	assert.NotEmpty(t, material.Nonce)

	// RFC 7636 wants 43..128 characters for the verifier.
	assert.GreaterOrEqual(t, len(material.Verifier), 43)
	assert.LessOrEqual(t, len(material.Verifier), 128)

	other, err := GeneratePKCE()
	require.NoError(t, err)
	assert.NotEqual(t, material.Verifier, other.Verifier)
	assert.NotEqual(t, material.State, other.State)
}
