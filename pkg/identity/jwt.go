package identity

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// JWTGate verifies HS256-signed tokens carrying userId and username claims.
type JWTGate struct {
	secret []byte
}

func NewJWTGate(secret []byte) *JWTGate {
	return &JWTGate{secret: secret}
}

type sessionClaims struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
	jwt.RegisteredClaims
}

func (g *JWTGate) Verify(token string) (Identity, error) {
	var claims sessionClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (interface{}, error) {
		return g.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrAuthRejected, err)
	}
	if !parsed.Valid || claims.UserID == "" {
		return Identity{}, ErrAuthRejected
	}
	return Identity{ID: claims.UserID, DisplayName: claims.Username}, nil
}
