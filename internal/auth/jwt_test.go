package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func sign(t *testing.T, secret string, c claims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

func TestVerifyValidToken(t *testing.T) {
	v := NewJWTVerifier("secret")
	tok := sign(t, "secret", claims{UserID: "u1", Role: "driver"})
	ident, err := v.Verify(tok)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if ident.UserID != "u1" || string(ident.Role) != "driver" {
		t.Fatalf("unexpected identity %+v", ident)
	}
}

func TestVerifyMissingToken(t *testing.T) {
	v := NewJWTVerifier("secret")
	if _, err := v.Verify(""); !errors.Is(err, ErrMissingToken) {
		t.Fatalf("expected ErrMissingToken, got %v", err)
	}
}

func TestVerifyBadSignature(t *testing.T) {
	v := NewJWTVerifier("secret")
	tok := sign(t, "other-secret", claims{UserID: "u1", Role: "driver"})
	if _, err := v.Verify(tok); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestVerifyExpiredToken(t *testing.T) {
	v := NewJWTVerifier("secret")
	tok := sign(t, "secret", claims{
		UserID: "u1", Role: "driver",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		},
	})
	if _, err := v.Verify(tok); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestVerifySubjectFallback(t *testing.T) {
	v := NewJWTVerifier("secret")
	tok := sign(t, "secret", claims{
		Role:             "customer",
		RegisteredClaims: jwt.RegisteredClaims{Subject: "u9"},
	})
	ident, err := v.Verify(tok)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if ident.UserID != "u9" {
		t.Fatalf("expected subject fallback u9, got %s", ident.UserID)
	}
}

func TestVerifyMissingRole(t *testing.T) {
	v := NewJWTVerifier("secret")
	tok := sign(t, "secret", claims{UserID: "u1"})
	if _, err := v.Verify(tok); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for missing role, got %v", err)
	}
}
