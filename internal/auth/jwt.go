package auth

import (
	"errors"

	"github.com/golang-jwt/jwt/v5"

	"github.com/example/ride-dispatch/internal/models"
)

var (
	// ErrMissingToken means no credential was presented at all.
	ErrMissingToken = errors.New("authentication token required")
	// ErrInvalidToken covers bad signatures, expiry and malformed claims.
	ErrInvalidToken = errors.New("invalid or expired token")
)

// Identity is what a verified credential yields. Issuance lives elsewhere;
// the gateway only consumes the subject and role.
type Identity struct {
	UserID string
	Role   models.Role
}

// Verifier checks a bearer credential and yields the connecting identity.
type Verifier interface {
	Verify(token string) (Identity, error)
}

type claims struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
	jwt.RegisteredClaims
}

// JWTVerifier validates HS256 tokens with a shared secret.
type JWTVerifier struct {
	secret []byte
}

func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret)}
}

func (v *JWTVerifier) Verify(token string) (Identity, error) {
	if token == "" {
		return Identity{}, ErrMissingToken
	}
	parsed, err := jwt.ParseWithClaims(token, &claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return v.secret, nil
	})
	if err != nil || !parsed.Valid {
		return Identity{}, ErrInvalidToken
	}
	c, ok := parsed.Claims.(*claims)
	if !ok {
		return Identity{}, ErrInvalidToken
	}
	userID := c.UserID
	if userID == "" {
		userID = c.Subject
	}
	if userID == "" || c.Role == "" {
		return Identity{}, ErrInvalidToken
	}
	return Identity{UserID: userID, Role: models.Role(c.Role)}, nil
}
