package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJWTRoundTrip(t *testing.T) {
	token, err := GenerateJWT("s3cret", 42)
	require.NoError(t, err)

	userID, err := ValidateJWT("s3cret", token)
	require.NoError(t, err)
	assert.Equal(t, uint(42), userID)
}

func TestJWTWrongSecret(t *testing.T) {
	token, err := GenerateJWT("s3cret", 42)
	require.NoError(t, err)

	_, err = ValidateJWT("other", token)
	assert.Error(t, err)
}

func TestSealer(t *testing.T) {
	s := NewSealer("short-key")
	sealed, err := s.Seal("gateway-token")
	require.NoError(t, err)
	assert.NotEqual(t, "gateway-token", sealed)

	opened, err := s.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, "gateway-token", opened)

	plain := NewSealer("")
	sealed, err = plain.Seal("gateway-token")
	require.NoError(t, err)
	assert.Equal(t, "gateway-token", sealed)
}
