package utils

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims identify the business a dashboard session acts for. Tokens are
// issued by the account service; this service only verifies them.
type Claims struct {
	BusinessID uint `json:"business_id"`
	jwt.RegisteredClaims
}

// GenerateJWTToken signs an HS256 token. Used by local tooling and tests.
func GenerateJWTToken(businessID uint, secret string, ttl time.Duration) (string, error) {
	claims := &Claims{
		BusinessID: businessID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func ParseJWTToken(tokenString, secret string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		if claims.BusinessID == 0 {
			return nil, errors.New("token has no business")
		}
		return claims, nil
	}
	return nil, errors.New("invalid token")
}
