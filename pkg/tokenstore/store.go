// Package tokenstore keeps the credentials of the signed-in session: the
// backend auth token and when it stops being valid.
package tokenstore

import (
	"context"
	"errors"
	"time"
)

var (
	ErrTokenNotFound = errors.New("token not found")
	ErrTokenExpired  = errors.New("token expired")
)

// Token is a stored credential. A zero ExpiresAt never expires.
type Token struct {
	Value     string    `json:"value"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ExpiredAt reports whether the token is no longer valid at now.
func (t Token) ExpiredAt(now time.Time) bool {
	return !t.ExpiresAt.IsZero() && !now.Before(t.ExpiresAt)
}

// Store holds tokens by key.
type Store interface {
	Set(ctx context.Context, key, value string, expiresAt time.Time) error
	// Get returns ErrTokenNotFound or ErrTokenExpired when the token is
	// unusable.
	Get(ctx context.Context, key string) (Token, error)
	Delete(ctx context.Context, key string) error
}
