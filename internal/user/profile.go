// Package user defines the public profile of an application user as seen by
// the relay, and the directory interface used to resolve it.
package user

import (
	"context"
	"errors"
)

// ErrNotFound is returned by a Directory when no user exists for an id.
var ErrNotFound = errors.New("user: not found")

// Profile is the public part of a user record. It never carries credential
// material.
type Profile struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

// Directory resolves user ids to profiles.
type Directory interface {
	GetUserProfile(ctx context.Context, userID string) (*Profile, error)
}
