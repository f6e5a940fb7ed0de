package store

import (
	"context"
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/snipvault/snippet-app/internal/snippet"
	"github.com/snipvault/snippet-app/internal/user"
)

// Seed is the YAML document loaded by LoadSeed.
//
//	users:
//	  - id: u1
//	    name: Alice
//	    email: alice@example.com
//	snippets:
//	  - id: s1
//	    title: hello
//	    language: go
//	    owner: u1
//	    collaborators: [u2]
type Seed struct {
	Users    []SeedUser    `yaml:"users"`
	Snippets []SeedSnippet `yaml:"snippets"`
}

// SeedUser is one user entry of a Seed.
type SeedUser struct {
	ID    string `yaml:"id"`
	Name  string `yaml:"name"`
	Email string `yaml:"email"`
}

// SeedSnippet is one snippet entry of a Seed.
type SeedSnippet struct {
	ID            string   `yaml:"id"`
	Title         string   `yaml:"title"`
	Language      string   `yaml:"language"`
	Code          string   `yaml:"code"`
	Owner         string   `yaml:"owner"`
	Collaborators []string `yaml:"collaborators"`
}

// LoadSeed reads and validates a seed file.
func LoadSeed(path string) (*Seed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("store: read seed: %w", err)
	}

	var seed Seed
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("store: parse seed: %w", err)
	}

	users := make(map[string]bool, len(seed.Users))
	for _, u := range seed.Users {
		if u.ID == "" {
			return nil, fmt.Errorf("store: seed user without id")
		}
		users[u.ID] = true
	}
	for _, s := range seed.Snippets {
		if s.ID == "" {
			return nil, fmt.Errorf("store: seed snippet without id")
		}
		if !users[s.Owner] {
			return nil, fmt.Errorf("store: seed snippet %s has unknown owner %q", s.ID, s.Owner)
		}
	}
	return &seed, nil
}

// Memory keeps users and snippets in process memory.
type Memory struct {
	mu       sync.RWMutex
	users    map[string]user.Profile
	snippets map[string]*snippet.Snippet
}

// NewMemory creates an empty Memory store.
func NewMemory() *Memory {
	return &Memory{
		users:    make(map[string]user.Profile),
		snippets: make(map[string]*snippet.Snippet),
	}
}

// NewMemoryFromSeed creates a Memory store holding the seed's records.
func NewMemoryFromSeed(seed *Seed) *Memory {
	m := NewMemory()
	for _, u := range seed.Users {
		m.PutUser(user.Profile{ID: u.ID, Name: u.Name, Email: u.Email})
	}
	for _, s := range seed.Snippets {
		m.PutSnippet(snippet.Snippet{
			ID:            s.ID,
			Title:         s.Title,
			Language:      s.Language,
			OwnerID:       s.Owner,
			Collaborators: s.Collaborators,
		})
	}
	return m
}

// PutUser inserts or replaces a user.
func (m *Memory) PutUser(p user.Profile) {
	m.mu.Lock()
	m.users[p.ID] = p
	m.mu.Unlock()
}

// PutSnippet inserts or replaces a snippet.
func (m *Memory) PutSnippet(s snippet.Snippet) {
	s.Collaborators = append([]string(nil), s.Collaborators...)
	m.mu.Lock()
	m.snippets[s.ID] = &s
	m.mu.Unlock()
}

// FindSnippetForUser returns a copy of the snippet if userID may edit it.
func (m *Memory) FindSnippetForUser(ctx context.Context, snippetID, userID string) (*snippet.Snippet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.snippets[snippetID]
	if !ok || !s.CanEdit(userID) {
		return nil, snippet.ErrNotFound
	}
	cp := *s
	cp.Collaborators = append([]string(nil), s.Collaborators...)
	return &cp, nil
}

// AppendCollaborator adds userID to the snippet's collaborators.
func (m *Memory) AppendCollaborator(ctx context.Context, snippetID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.snippets[snippetID]
	if !ok {
		return snippet.ErrNotFound
	}
	if !s.HasCollaborator(userID) {
		s.Collaborators = append(s.Collaborators, userID)
	}
	return nil
}

// GetUserProfile returns the profile of userID.
func (m *Memory) GetUserProfile(ctx context.Context, userID string) (*user.Profile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.users[userID]
	if !ok {
		return nil, user.ErrNotFound
	}
	return &p, nil
}
