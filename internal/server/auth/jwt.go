// Package auth issues and verifies session ids. A session id is a signed
// HS256 JWT carrying the user id, so the server can recognize a resumed
// session without a database lookup.
package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/mkaverin/tether/internal/common"
)

// Claims includes the registered JWT claims plus the custom UserID claim.
type Claims struct {
	jwt.RegisteredClaims
	UserID string
}

// GenerateToken issues a signed session id for userID, valid for
// validityDuration from now.
func GenerateToken(userID string, secretKey []byte, validityDuration time.Duration) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(validityDuration)),
		},
		UserID: userID,
	})

	tokenString, err := token.SignedString(secretKey)
	if err != nil {
		return "", err
	}

	return tokenString, nil
}

// GetUserIDFromToken verifies the signature and expiry of a session id and
// returns the user id it was issued for. Any verification failure is
// reported as common.ErrInvalidToken.
func GetUserIDFromToken(tokenString string, secretKey []byte) (string, error) {
	claims := &Claims{}

	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		return secretKey, nil
	})
	if err != nil {
		return "", common.ErrInvalidToken
	}

	if !token.Valid {
		return "", common.ErrInvalidToken
	}

	return claims.UserID, nil
}
