// Package auth extracts the local user's identity from the session token.
// The token is not verified here; the server does that on every request.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrNoToken      = errors.New("no token")
	ErrTokenExpired = errors.New("token expired")
)

// Identity is who the client is acting as.
type Identity struct {
	Token     string
	UserID    string
	Name      string
	ExpiresAt time.Time
}

// Valid reports whether the token is present and unexpired at now.
func (id Identity) Valid(now time.Time) bool {
	if id.Token == "" {
		return false
	}
	return id.ExpiresAt.IsZero() || now.Before(id.ExpiresAt)
}

type claims struct {
	jwt.RegisteredClaims
	UserID   string `json:"userId"`
	ID       string `json:"id"`
	MongoID  string `json:"_id"`
	Name     string `json:"name"`
	Username string `json:"username"`
}

// Parse decodes token without verifying its signature. The user id comes
// from userId, id, _id or sub, whichever is present first.
func Parse(token string) (Identity, error) {
	if token == "" {
		return Identity{}, ErrNoToken
	}
	var c claims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &c); err != nil {
		return Identity{}, fmt.Errorf("parse token: %w", err)
	}
	id := Identity{Token: token}
	for _, v := range []string{c.UserID, c.ID, c.MongoID, c.Subject} {
		if v != "" {
			id.UserID = v
			break
		}
	}
	if id.UserID == "" {
		return Identity{}, errors.New("token carries no user id")
	}
	id.Name = c.Name
	if id.Name == "" {
		id.Name = c.Username
	}
	if c.ExpiresAt != nil {
		id.ExpiresAt = c.ExpiresAt.Time
	}
	return id, nil
}

// ParseValid is Parse followed by an expiry check at now.
func ParseValid(token string, now time.Time) (Identity, error) {
	id, err := Parse(token)
	if err != nil {
		return Identity{}, err
	}
	if !id.Valid(now) {
		return id, ErrTokenExpired
	}
	return id, nil
}
