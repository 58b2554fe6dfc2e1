package auth

import (
	"github.com/golang-jwt/jwt/v5"
)

// LegacyClaims are the claims carried by first-generation HMAC tokens,
// still issued by the account service during the OIDC migration.
type LegacyClaims struct {
	UserID string   `json:"userId"`
	Email  string   `json:"email"`
	Roles  []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// ValidateLegacyToken verifies an HS256-signed token against the shared
// secret and returns its claims.
func ValidateLegacyToken(tokenString, secret string) (*LegacyClaims, error) {
	keyFn := func(token *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}
	token, err := jwt.ParseWithClaims(tokenString, &LegacyClaims{}, keyFn,
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*LegacyClaims)
	if !ok || !token.Valid {
		return nil, jwt.ErrTokenInvalidClaims
	}
	return claims, nil
}
