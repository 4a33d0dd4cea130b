package identity

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func signToken(t *testing.T, secret []byte, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func TestJWTGate_Verify(t *testing.T) {
	secret := []byte("test-secret")
	gate := NewJWTGate(secret)

	token := signToken(t, secret, jwt.MapClaims{
		"userId":   "u1",
		"username": "alice",
		"exp":      time.Now().Add(time.Hour).Unix(),
	})

	id, err := gate.Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if id.ID != "u1" || id.DisplayName != "alice" {
		t.Errorf("Verify = %+v, want u1/alice", id)
	}
}

func TestJWTGate_Rejects(t *testing.T) {
	secret := []byte("test-secret")
	gate := NewJWTGate(secret)

	tests := []struct {
		name  string
		token string
	}{
		{"garbage", "not-a-token"},
		{"wrong secret", signToken(t, []byte("other-secret"), jwt.MapClaims{"userId": "u1"})},
		{"expired", signToken(t, secret, jwt.MapClaims{
			"userId": "u1",
			"exp":    time.Now().Add(-time.Hour).Unix(),
		})},
		{"missing userId", signToken(t, secret, jwt.MapClaims{"username": "alice"})},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := gate.Verify(tt.token); !errors.Is(err, ErrAuthRejected) {
				t.Errorf("Verify = %v, want ErrAuthRejected", err)
			}
		})
	}
}
