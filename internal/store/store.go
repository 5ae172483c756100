// Package store persists client credentials.
package store

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/luciancaetano/roomlink"
)

const (
	keyAuthToken   = "authToken"
	keyState       = "state"
	keyNonce       = "nonce"
	keyCode        = "code"
	keyLocalUser   = "localUser"
	keyLastRoomURL = "lastRoomUrl"
)

// backend is a flat string key/value space. A missing key reads as "".
type backend interface {
	get(ctx context.Context, key string) (string, error)
	set(ctx context.Context, key, value string) error
	del(ctx context.Context, keys ...string) error
	close() error
}

// Store implements roomlink.CredentialStore over a backend.
type Store struct {
	b backend
}

var _ roomlink.CredentialStore = (*Store)(nil)

// Close releases the backend.
func (s *Store) Close() error {
	return s.b.close()
}

// AuthToken returns the stored token, "" when there is none.
func (s *Store) AuthToken(ctx context.Context) (string, error) {
	return s.b.get(ctx, keyAuthToken)
}

// SetAuthToken stores token. An empty token removes it.
func (s *Store) SetAuthToken(ctx context.Context, token string) error {
	if token == "" {
		return s.b.del(ctx, keyAuthToken)
	}
	return s.b.set(ctx, keyAuthToken, token)
}

// GenerateState stores and returns a fresh redirect state.
func (s *Store) GenerateState(ctx context.Context) (string, error) {
	return s.generate(ctx, keyState)
}

// GenerateNonce stores and returns a fresh redirect nonce.
func (s *Store) GenerateNonce(ctx context.Context) (string, error) {
	return s.generate(ctx, keyNonce)
}

func (s *Store) generate(ctx context.Context, key string) (string, error) {
	value := uuid.NewString()
	if err := s.b.set(ctx, key, value); err != nil {
		return "", errors.Wrapf(err, "store: generate %s", key)
	}
	return value, nil
}

// State returns the pending redirect state.
func (s *Store) State(ctx context.Context) (string, error) {
	return s.b.get(ctx, keyState)
}

// VerifyState compares value against the stored state. An absent state
// never verifies.
func (s *Store) VerifyState(ctx context.Context, value string) (bool, error) {
	stored, err := s.b.get(ctx, keyState)
	if err != nil {
		return false, err
	}
	return stored != "" && stored == value, nil
}

// Nonce returns the pending redirect nonce.
func (s *Store) Nonce(ctx context.Context) (string, error) {
	return s.b.get(ctx, keyNonce)
}

// Code returns the stored authorization code.
func (s *Store) Code(ctx context.Context) (string, error) {
	return s.b.get(ctx, keyCode)
}

// SetCode stores the authorization code of a code exchange.
func (s *Store) SetCode(ctx context.Context, code string) error {
	if code == "" {
		return s.b.del(ctx, keyCode)
	}
	return s.b.set(ctx, keyCode, code)
}

// ClearRedirectState discards state, nonce and code.
func (s *Store) ClearRedirectState(ctx context.Context) error {
	return s.b.del(ctx, keyState, keyNonce, keyCode)
}

// LocalUser returns the stored user, nil when none was saved.
func (s *Store) LocalUser(ctx context.Context) (*roomlink.LocalUser, error) {
	raw, err := s.b.get(ctx, keyLocalUser)
	if err != nil || raw == "" {
		return nil, err
	}

	var user roomlink.LocalUser
	if err := json.Unmarshal([]byte(raw), &user); err != nil {
		return nil, errors.Wrap(err, "store: decode local user")
	}
	if user.Textures == nil {
		user.Textures = []roomlink.CharacterTexture{}
	}
	return &user, nil
}

// SaveUser replaces the stored user.
func (s *Store) SaveUser(ctx context.Context, user *roomlink.LocalUser) error {
	if user == nil {
		return s.b.del(ctx, keyLocalUser)
	}
	raw, err := json.Marshal(user)
	if err != nil {
		return errors.Wrap(err, "store: encode local user")
	}
	return s.b.set(ctx, keyLocalUser, string(raw))
}

// LastRoomURL returns the last room connected to.
func (s *Store) LastRoomURL(ctx context.Context) (string, error) {
	return s.b.get(ctx, keyLastRoomURL)
}

// SetLastRoomURL records the last room connected to.
func (s *Store) SetLastRoomURL(ctx context.Context, roomURL string) error {
	return s.b.set(ctx, keyLastRoomURL, roomURL)
}
