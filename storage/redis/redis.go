// Package redis provides a Redis-based implementation of storage.Identity so
// that several server replicas can share user and token records.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ggoodman/screenshots-server/identity"
	"github.com/ggoodman/screenshots-server/storage"
)

// Config contains configuration options for the Redis storage
type Config struct {
	// Client is the Redis client instance
	Client *redis.Client

	// KeyPrefix is the prefix for all Redis keys
	// Default: "screenshots:"
	KeyPrefix string
}

// Storage implements storage.Identity using Redis
type Storage struct {
	client    *redis.Client
	keyPrefix string
	now       func() time.Time
}

// storedUser represents the structure stored in Redis
type storedUser struct {
	ID        int64     `json:"id"`
	Email     string    `json:"email"`
	FirstName string    `json:"first_name"`
	CreatedAt time.Time `json:"created_at"`
}

type storedToken struct {
	Key       string    `json:"key"`
	CreatedAt time.Time `json:"created_at"`
}

// New creates a new Redis-based storage instance.
func New(config Config) (*Storage, error) {
	if config.Client == nil {
		return nil, fmt.Errorf("redis client is required")
	}

	if config.KeyPrefix == "" {
		config.KeyPrefix = "screenshots:"
	}

	return &Storage{
		client:    config.Client,
		keyPrefix: config.KeyPrefix,
		now:       time.Now,
	}, nil
}

// GetOrCreateUser implements identity.Store. The record is written with
// SETNX so concurrent first logins across replicas agree on one user; the
// loser of a race discards the id it allocated.
func (s *Storage) GetOrCreateUser(ctx context.Context, username string, defaults identity.Defaults) (*identity.User, bool, error) {
	if u, err := s.GetUser(ctx, username); err == nil {
		return u, false, nil
	} else if !errors.Is(err, identity.ErrUserNotFound) {
		return nil, false, err
	}

	id, err := s.client.Incr(ctx, s.keyPrefix+"seq:users").Result()
	if err != nil {
		return nil, false, fmt.Errorf("failed to allocate user id: %w", err)
	}
	data, err := json.Marshal(storedUser{
		ID:        id,
		Email:     defaults.Email,
		FirstName: defaults.FirstName,
		CreatedAt: s.now().UTC(),
	})
	if err != nil {
		return nil, false, fmt.Errorf("failed to marshal user: %w", err)
	}

	userKey := s.userKey(username)
	created, err := s.client.SetNX(ctx, userKey, data, 0).Result()
	if err != nil {
		return nil, false, fmt.Errorf("failed to set key %s: %w", userKey, err)
	}
	u, err := s.GetUser(ctx, username)
	if err != nil {
		return nil, false, err
	}
	return u, created, nil
}

// GetUser implements identity.Store.
func (s *Storage) GetUser(ctx context.Context, username string) (*identity.User, error) {
	userKey := s.userKey(username)
	raw, err := s.client.Get(ctx, userKey).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, identity.ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to get key %s: %w", userKey, err)
	}

	var item storedUser
	if err := json.Unmarshal(raw, &item); err != nil {
		return nil, fmt.Errorf("failed to unmarshal stored user: %w", err)
	}
	return &identity.User{
		ID:        item.ID,
		Username:  username,
		Email:     item.Email,
		FirstName: item.FirstName,
		CreatedAt: item.CreatedAt,
	}, nil
}

// GetOrCreateToken implements identity.TokenStore.
func (s *Storage) GetOrCreateToken(ctx context.Context, username string, newKey string) (*identity.Token, bool, error) {
	if _, err := s.GetUser(ctx, username); err != nil {
		return nil, false, err
	}

	data, err := json.Marshal(storedToken{Key: newKey, CreatedAt: s.now().UTC()})
	if err != nil {
		return nil, false, fmt.Errorf("failed to marshal token: %w", err)
	}
	ownerKey := s.userTokenKey(username)
	created, err := s.client.SetNX(ctx, ownerKey, data, 0).Result()
	if err != nil {
		return nil, false, fmt.Errorf("failed to set key %s: %w", ownerKey, err)
	}
	if created {
		if err := s.client.Set(ctx, s.tokenKey(newKey), username, 0).Err(); err != nil {
			s.client.Del(ctx, ownerKey)
			return nil, false, fmt.Errorf("failed to index token: %w", err)
		}
	}

	raw, err := s.client.Get(ctx, ownerKey).Bytes()
	if err != nil {
		return nil, false, fmt.Errorf("failed to get key %s: %w", ownerKey, err)
	}
	var item storedToken
	if err := json.Unmarshal(raw, &item); err != nil {
		return nil, false, fmt.Errorf("failed to unmarshal stored token: %w", err)
	}
	return &identity.Token{Key: item.Key, Username: username, CreatedAt: item.CreatedAt}, created, nil
}

// UserForToken implements identity.TokenStore.
func (s *Storage) UserForToken(ctx context.Context, key string) (*identity.User, error) {
	username, err := s.client.Get(ctx, s.tokenKey(key)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, identity.ErrTokenNotFound
		}
		return nil, fmt.Errorf("failed to look up token: %w", err)
	}
	u, err := s.GetUser(ctx, username)
	if errors.Is(err, identity.ErrUserNotFound) {
		return nil, identity.ErrTokenNotFound
	}
	return u, err
}

// Close closes the storage backend and releases resources
func (s *Storage) Close() error {
	return s.client.Close()
}

func (s *Storage) userKey(username string) string {
	return s.keyPrefix + "user:" + username
}

func (s *Storage) userTokenKey(username string) string {
	return s.keyPrefix + "user-token:" + username
}

func (s *Storage) tokenKey(key string) string {
	return s.keyPrefix + "token:" + key
}

// Compile-time interface check
var _ storage.Identity = (*Storage)(nil)
