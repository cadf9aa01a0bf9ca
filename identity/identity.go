// Package identity maps verified token claims to local user records.
package identity

import (
	"context"
	"errors"
	"time"
)

const (
	// MaxUsernameLength bounds stored usernames.
	MaxUsernameLength = 150
	// MaxFirstNameLength bounds the first name taken from the "name" claim.
	MaxFirstNameLength = 30
)

// ErrUserNotFound is returned by lookups for a username that has no record.
var ErrUserNotFound = errors.New("identity: user not found")

// ErrTokenNotFound is returned when an API token key matches no user.
var ErrTokenNotFound = errors.New("identity: token not found")

// User is a local user record.
type User struct {
	ID        int64     `json:"id"`
	Username  string    `json:"username"`
	Email     string    `json:"email"`
	FirstName string    `json:"first_name"`
	CreatedAt time.Time `json:"created_at"`
}

// Defaults are applied only when a user is created.
type Defaults struct {
	Email     string
	FirstName string
}

// Store persists users. GetOrCreateUser MUST be atomic per username: under
// concurrent first use exactly one record is created and every caller
// receives it. An existing record is returned unchanged.
type Store interface {
	GetOrCreateUser(ctx context.Context, username string, defaults Defaults) (*User, bool, error)
	GetUser(ctx context.Context, username string) (*User, error)
}

// Token is a static API token owned by a user.
type Token struct {
	Key       string    `json:"key"`
	Username  string    `json:"username"`
	CreatedAt time.Time `json:"created_at"`
}

// TokenStore persists static API tokens, at most one per user.
type TokenStore interface {
	// GetOrCreateToken returns the user's token, creating one from newKey
	// if none exists.
	GetOrCreateToken(ctx context.Context, username string, newKey string) (*Token, bool, error)
	// UserForToken returns the owner of key or ErrTokenNotFound.
	UserForToken(ctx context.Context, key string) (*User, error)
}
