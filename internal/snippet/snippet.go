// Package snippet holds the subset of the snippet record that the relay
// needs for authorization decisions.
package snippet

import "errors"

// ErrNotFound is returned when a snippet does not exist or is not visible to
// the requesting user. Callers treat both cases the same way.
var ErrNotFound = errors.New("snippet: not found")

// Snippet is a stored code snippet with its ownership data.
type Snippet struct {
	ID            string
	Title         string
	Language      string
	OwnerID       string
	Collaborators []string
}

// IsOwner reports whether userID owns the snippet.
func (s *Snippet) IsOwner(userID string) bool {
	return s.OwnerID == userID
}

// HasCollaborator reports whether userID is in the persisted collaborator list.
func (s *Snippet) HasCollaborator(userID string) bool {
	for _, id := range s.Collaborators {
		if id == userID {
			return true
		}
	}
	return false
}

// CanEdit reports whether userID is the owner or a recorded collaborator.
func (s *Snippet) CanEdit(userID string) bool {
	return s.IsOwner(userID) || s.HasCollaborator(userID)
}
