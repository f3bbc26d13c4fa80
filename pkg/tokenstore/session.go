package tokenstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// SessionKey is the store key of the backend auth token.
const SessionKey = "session"

// TokenExpiry returns the exp claim of a JWT without verifying its
// signature; the backend verifies, the client only needs to know when to
// stop using it. A token without exp, or one that is not a JWT, reports a
// zero time.
func TokenExpiry(token string) (time.Time, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		if errors.Is(err, jwt.ErrTokenMalformed) {
			return time.Time{}, nil
		}
		return time.Time{}, fmt.Errorf("parse token claims: %w", err)
	}
	exp, err := claims.GetExpirationTime()
	if err != nil {
		return time.Time{}, fmt.Errorf("read exp claim: %w", err)
	}
	if exp == nil {
		return time.Time{}, nil
	}
	return exp.Time, nil
}

// Session reads and writes the signed-in session's auth token.
type Session struct {
	store Store
}

// NewSession wraps store.
func NewSession(store Store) *Session {
	return &Session{store: store}
}

// SignIn stores token, taking its expiry from the exp claim.
func (s *Session) SignIn(ctx context.Context, token string) error {
	exp, err := TokenExpiry(token)
	if err != nil {
		return err
	}
	return s.store.Set(ctx, SessionKey, token, exp)
}

// SignOut forgets the session token.
func (s *Session) SignOut(ctx context.Context) error {
	return s.store.Delete(ctx, SessionKey)
}

// AuthToken returns the current token, ErrTokenNotFound when signed out or
// ErrTokenExpired once exp has passed.
func (s *Session) AuthToken(ctx context.Context) (string, error) {
	tok, err := s.store.Get(ctx, SessionKey)
	if err != nil {
		return "", err
	}
	return tok.Value, nil
}

// Authenticated reports whether a usable token is present.
func (s *Session) Authenticated(ctx context.Context) bool {
	_, err := s.AuthToken(ctx)
	return err == nil
}
