// Package identity authenticates API callers with signed bearer tokens.
// Account management lives outside this service; a token only has to name
// the caller's stable user ID.
package identity

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// DefaultTTL is the lifetime of issued tokens when none is configured.
const DefaultTTL = 24 * time.Hour

// ErrWeakSecret is returned for signing secrets shorter than 32 bytes.
var ErrWeakSecret = errors.New("token secret must be at least 32 bytes")

// UserTokenClaims are the JWT claims of a caller token.
type UserTokenClaims struct {
	jwt.RegisteredClaims
	UserID string `json:"user_id"`
	Type   string `json:"type"` // "user" or "service"
}

// UserUUID parses the caller's ID.
func (c *UserTokenClaims) UserUUID() (uuid.UUID, error) {
	return uuid.Parse(c.UserID)
}

// UserTokenIssuer issues and verifies HS256 caller tokens.
type UserTokenIssuer struct {
	secret []byte
	issuer string
	ttl    time.Duration
}

// NewUserTokenIssuer creates a UserTokenIssuer.
//
//	secret: HMAC key shared with whoever mints tokens for this service.
//	issuer: the "iss" claim value.
//	ttl:    token lifetime (default: DefaultTTL).
func NewUserTokenIssuer(secret []byte, issuer string, ttl time.Duration) (*UserTokenIssuer, error) {
	if len(secret) < 32 {
		return nil, ErrWeakSecret
	}
	if ttl == 0 {
		ttl = DefaultTTL
	}
	return &UserTokenIssuer{secret: secret, issuer: issuer, ttl: ttl}, nil
}

// Issue creates a signed token naming userID.
func (u *UserTokenIssuer) Issue(userID uuid.UUID) (string, error) {
	now := time.Now().UTC()
	claims := UserTokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    u.issuer,
			Subject:   userID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(u.ttl)),
			ID:        uuid.New().String(),
		},
		UserID: userID.String(),
		Type:   "user",
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(u.secret)
	if err != nil {
		return "", fmt.Errorf("sign user token: %w", err)
	}
	return signed, nil
}

// Verify parses and validates a token, returning its claims.
func (u *UserTokenIssuer) Verify(tokenStr string) (*UserTokenClaims, error) {
	token, err := jwt.ParseWithClaims(
		tokenStr,
		&UserTokenClaims{},
		func(tok *jwt.Token) (any, error) {
			if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", tok.Header["alg"])
			}
			return u.secret, nil
		},
		jwt.WithIssuer(u.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("verify user token: %w", err)
	}
	claims, ok := token.Claims.(*UserTokenClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid user token claims")
	}
	if claims.Type != "user" && claims.Type != "service" {
		return nil, fmt.Errorf("not a user token")
	}
	if _, err := claims.UserUUID(); err != nil {
		return nil, fmt.Errorf("user_id is not a UUID: %w", err)
	}
	return claims, nil
}
