package security

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenRoundTrip(t *testing.T) {
	svc := NewJWTService("topsecret")

	token, err := svc.GenerateToken("maria", time.Hour)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	subject, err := svc.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "maria", subject)
}

func TestTokenRejectsWrongSecret(t *testing.T) {
	token, err := NewJWTService("one").GenerateToken("maria", time.Hour)
	require.NoError(t, err)

	_, err = NewJWTService("two").ValidateToken(token)
	assert.Error(t, err)
}

func TestTokenRejectsExpired(t *testing.T) {
	token, err := NewJWTService("s").GenerateToken("maria", -time.Minute)
	require.NoError(t, err)

	_, err = NewJWTService("s").ValidateToken(token)
	assert.Error(t, err)
}
