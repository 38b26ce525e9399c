package serverutils

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signToken(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func TestParseUserIDFromToken(t *testing.T) {
	t.Setenv("JWT_SECRET", "test-secret")

	valid := signToken(t, "test-secret", jwt.MapClaims{
		"user_id": "user-42",
		"exp":     time.Now().Add(time.Hour).Unix(),
	})

	userID, ok := ParseUserIDFromToken(valid)
	require.True(t, ok)
	assert.Equal(t, "user-42", userID)
}

func TestParseUserIDFromTokenFailures(t *testing.T) {
	t.Setenv("JWT_SECRET", "test-secret")

	tests := []struct {
		name  string
		token string
	}{
		{name: "empty token", token: ""},
		{name: "garbage token", token: "not.a.jwt"},
		{
			name: "wrong secret",
			token: signToken(t, "other-secret", jwt.MapClaims{
				"user_id": "user-42",
				"exp":     time.Now().Add(time.Hour).Unix(),
			}),
		},
		{
			name: "expired token",
			token: signToken(t, "test-secret", jwt.MapClaims{
				"user_id": "user-42",
				"exp":     time.Now().Add(-time.Hour).Unix(),
			}),
		},
		{
			name: "missing user_id claim",
			token: signToken(t, "test-secret", jwt.MapClaims{
				"exp": time.Now().Add(time.Hour).Unix(),
			}),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			userID, ok := ParseUserIDFromToken(tt.token)
			assert.False(t, ok)
			assert.Empty(t, userID)
		})
	}
}

func TestParseUserIDWithoutSecretConfigured(t *testing.T) {
	t.Setenv("JWT_SECRET", "")
	token := signToken(t, "anything", jwt.MapClaims{"user_id": "user-42"})

	_, ok := ParseUserIDFromToken(token)
	assert.False(t, ok, "no configured secret means no identity")
}
