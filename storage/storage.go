// Package storage defines the persistence backend used by the server. A
// backend stores users, API tokens, projects, branches and screenshots;
// implementations live in the memory, sqlite and redis subpackages.
package storage

import (
	"github.com/ggoodman/screenshots-server/identity"
	"github.com/ggoodman/screenshots-server/screenshots"
)

// Identity stores users and their static API tokens.
type Identity interface {
	identity.Store
	identity.TokenStore
}

// Backend is a complete persistence backend.
type Backend interface {
	Identity
	screenshots.Store

	// Close releases resources held by the backend.
	Close() error
}
