// Package store provides the storage collaborators the relay consumes: snippet
// authorization, collaborator bookkeeping and user profile lookup. Postgres
// backs production deployments; Memory serves development and tests.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/snipvault/snippet-app/internal/snippet"
	"github.com/snipvault/snippet-app/internal/user"
)

// Postgres reads snippets and users from PostgreSQL.
type Postgres struct {
	db *sql.DB
}

// NewPostgres creates a store backed by the given database handle.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// OpenPostgres connects to databaseURL and verifies the connection.
func OpenPostgres(ctx context.Context, databaseURL string) (*Postgres, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	return &Postgres{db: db}, nil
}

// Close releases the database handle.
func (s *Postgres) Close() error {
	return s.db.Close()
}

// FindSnippetForUser returns the snippet if userID owns it or collaborates
// on it, and snippet.ErrNotFound otherwise.
func (s *Postgres) FindSnippetForUser(ctx context.Context, snippetID, userID string) (*snippet.Snippet, error) {
	const query = `
		SELECT s.id, s.title, s.language, s.owner_id,
		       COALESCE(array_agg(c.user_id) FILTER (WHERE c.user_id IS NOT NULL), '{}')
		FROM snippets s
		LEFT JOIN snippet_collaborators c ON c.snippet_id = s.id
		WHERE s.id = $1
		  AND (s.owner_id = $2 OR EXISTS (
		        SELECT 1 FROM snippet_collaborators
		        WHERE snippet_id = $1 AND user_id = $2))
		GROUP BY s.id`

	var sn snippet.Snippet
	err := s.db.QueryRowContext(ctx, query, snippetID, userID).Scan(
		&sn.ID,
		&sn.Title,
		&sn.Language,
		&sn.OwnerID,
		pq.Array(&sn.Collaborators),
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, snippet.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: find snippet: %w", err)
	}
	return &sn, nil
}

// AppendCollaborator records userID as a collaborator on snippetID. Existing
// entries are left alone.
func (s *Postgres) AppendCollaborator(ctx context.Context, snippetID, userID string) error {
	const query = `
		INSERT INTO snippet_collaborators (snippet_id, user_id)
		VALUES ($1, $2)
		ON CONFLICT DO NOTHING`

	if _, err := s.db.ExecContext(ctx, query, snippetID, userID); err != nil {
		return fmt.Errorf("store: append collaborator: %w", err)
	}
	return nil
}

// GetUserProfile returns the public profile of userID. The password hash is
// never read.
func (s *Postgres) GetUserProfile(ctx context.Context, userID string) (*user.Profile, error) {
	const query = `SELECT id, name, email FROM users WHERE id = $1`

	var p user.Profile
	err := s.db.QueryRowContext(ctx, query, userID).Scan(&p.ID, &p.Name, &p.Email)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, user.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get user: %w", err)
	}
	return &p, nil
}

// Import upserts the users and snippets of a seed into the database.
func (s *Postgres) Import(ctx context.Context, seed *Seed) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin import: %w", err)
	}
	defer tx.Rollback()

	for _, u := range seed.Users {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO users (id, name, email) VALUES ($1, $2, $3)
			ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, email = EXCLUDED.email`,
			u.ID, u.Name, u.Email)
		if err != nil {
			return fmt.Errorf("store: import user %s: %w", u.ID, err)
		}
	}
	for _, sn := range seed.Snippets {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO snippets (id, title, language, code, owner_id) VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (id) DO UPDATE SET title = EXCLUDED.title, language = EXCLUDED.language`,
			sn.ID, sn.Title, sn.Language, sn.Code, sn.Owner)
		if err != nil {
			return fmt.Errorf("store: import snippet %s: %w", sn.ID, err)
		}
		for _, c := range sn.Collaborators {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO snippet_collaborators (snippet_id, user_id) VALUES ($1, $2)
				ON CONFLICT DO NOTHING`, sn.ID, c)
			if err != nil {
				return fmt.Errorf("store: import collaborator %s/%s: %w", sn.ID, c, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit import: %w", err)
	}
	return nil
}
