package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGenerateSecureToken(t *testing.T) {
	token, err := GenerateSecureToken()
	assert.NoError(t, err)
	assert.NotEmpty(t, token)

	// Each call generates a unique token
	token2, err := GenerateSecureToken()
	assert.NoError(t, err)
	assert.NotEqual(t, token, token2)

	// base64url encoding of 32 bytes without padding is 43 chars
	assert.Equal(t, 43, len(token))
}

func TestConstantTimeEquals(t *testing.T) {
	assert.True(t, ConstantTimeEquals("abc", "abc"))
	assert.False(t, ConstantTimeEquals("abc", "abd"))
	assert.False(t, ConstantTimeEquals("abc", "abcd"))
	assert.True(t, ConstantTimeEquals("", ""))
}
