package utils

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokensRoundTrip(t *testing.T) {
	tokens := NewTokens("secret")

	signed, err := tokens.Generate(42, time.Hour)
	require.NoError(t, err)

	claims, err := tokens.Validate(signed)
	require.NoError(t, err)
	assert.Equal(t, int64(42), claims.UserID)
}

func TestTokensRejectForeignAndExpired(t *testing.T) {
	signed, err := NewTokens("one").Generate(42, time.Hour)
	require.NoError(t, err)
	_, err = NewTokens("two").Validate(signed)
	assert.Error(t, err)

	expired, err := NewTokens("one").Generate(42, -time.Minute)
	require.NoError(t, err)
	_, err = NewTokens("one").Validate(expired)
	assert.Error(t, err)

	noUser, err := NewTokens("one").Generate(0, time.Hour)
	require.NoError(t, err)
	_, err = NewTokens("one").Validate(noUser)
	assert.Error(t, err)
}
