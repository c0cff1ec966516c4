package domain

import (
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Identity is the caller of a draw. The zero value is an anonymous user.
type Identity struct {
	UserID string
	Token  string

	expiresAt time.Time
}

// NewIdentity builds an identity from a user id and bearer token. When the
// token is a JWT its claims are read without verification: the backend is
// the one that verifies, the client only needs "sub" and "exp".
func NewIdentity(userID, token string) Identity {
	id := Identity{UserID: strings.TrimSpace(userID), Token: strings.TrimSpace(token)}
	if id.Token == "" {
		return id
	}
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(id.Token, &claims); err != nil {
		// Opaque token.
		return id
	}
	if id.UserID == "" {
		id.UserID = claims.Subject
	}
	if claims.ExpiresAt != nil {
		id.expiresAt = claims.ExpiresAt.Time
	}
	return id
}

// Anonymous reports whether there is no usable identity at now.
func (id Identity) Anonymous(now time.Time) bool {
	if id.UserID == "" || id.Token == "" {
		return true
	}
	return !id.expiresAt.IsZero() && !now.Before(id.expiresAt)
}

// ExpiresAt is the token expiry, zero for opaque tokens.
func (id Identity) ExpiresAt() time.Time { return id.expiresAt }
