// Package identity resolves the current user from persisted local state.
// Login itself happens elsewhere; the coordination core only consumes the
// stored result and fails explicitly when there is none.
package identity

import (
	"errors"
	"fmt"

	"github.com/duochat/duochat/internal/channel"
	"github.com/duochat/duochat/internal/storage"
)

// ErrNotAuthenticated means no session is stored locally.
var ErrNotAuthenticated = errors.New("not authenticated")

// User is the current user's identity, immutable for the session.
type User struct {
	ID          string `json:"userId"`
	DisplayName string `json:"fullName"`
	AvatarURL   string `json:"avatarUrl"`
}

// Resolver reads and writes the persisted session.
type Resolver struct {
	db *storage.DB
}

func NewResolver(db *storage.DB) *Resolver {
	return &Resolver{db: db}
}

// Current returns the logged-in user and bearer credential.
func (r *Resolver) Current() (User, string, error) {
	s, ok, err := r.db.LoadSession()
	if err != nil {
		return User{}, "", fmt.Errorf("identity: %w", err)
	}
	if !ok || channel.Normalize(s.UserID) == "" || s.Token == "" {
		return User{}, "", ErrNotAuthenticated
	}
	u := User{
		ID:          channel.Normalize(s.UserID),
		DisplayName: s.DisplayName,
		AvatarURL:   s.AvatarURL,
	}
	return u, s.Token, nil
}

// Save persists a session after a successful login.
func (r *Resolver) Save(u User, token string) error {
	id := channel.Normalize(u.ID)
	if id == "" || token == "" {
		return fmt.Errorf("identity: refusing to save session without user id and token")
	}
	return r.db.SaveSession(storage.Session{
		UserID:      id,
		DisplayName: u.DisplayName,
		AvatarURL:   u.AvatarURL,
		Token:       token,
	})
}

// Clear removes the persisted session (logout).
func (r *Resolver) Clear() error {
	return r.db.ClearSession()
}
