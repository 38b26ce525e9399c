package serverutils

import (
	"os"

	"github.com/golang-jwt/jwt/v5"
)

// ParseUserIDFromToken verifies a bearer token and extracts the user_id
// claim. Anonymous connections are allowed, so callers treat a failure as
// "no identity" rather than rejecting the connection.
func ParseUserIDFromToken(tokenStr string) (string, bool) {
	if tokenStr == "" {
		return "", false
	}
	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		return "", false
	}

	token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	})
	if err != nil || !token.Valid {
		return "", false
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", false
	}
	userID, ok := claims["user_id"].(string)
	if !ok || userID == "" {
		return "", false
	}
	return userID, true
}
