// Package auth validates the credential a client presents when it opens a
// WebSocket connection and resolves it to a user profile.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/snipvault/snippet-app/internal/user"
)

var (
	// ErrAuthentication is returned for a missing, malformed, expired or
	// otherwise invalid token, and for tokens naming an unknown user.
	ErrAuthentication = errors.New("auth: authentication failed")

	// ErrUnavailable is returned when the user directory could not be
	// reached.
	ErrUnavailable = errors.New("auth: user directory unavailable")
)

// Gate verifies tokens against a shared HMAC secret.
type Gate struct {
	secret    []byte
	directory user.Directory
	parser    *jwt.Parser
}

// NewGate creates a Gate that verifies tokens signed with secret and looks
// users up in directory.
func NewGate(secret string, directory user.Directory) *Gate {
	return &Gate{
		secret:    []byte(secret),
		directory: directory,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithExpirationRequired(),
		),
	}
}

// Authenticate validates token and returns the profile of the user it names.
func (g *Gate) Authenticate(ctx context.Context, token string) (user.Profile, error) {
	if token == "" {
		return user.Profile{}, fmt.Errorf("%w: missing token", ErrAuthentication)
	}

	claims := &Claims{}
	parsed, err := g.parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return g.secret, nil
	})
	if err != nil || !parsed.Valid {
		return user.Profile{}, fmt.Errorf("%w: %v", ErrAuthentication, err)
	}

	userID := claims.subject()
	if userID == "" {
		return user.Profile{}, fmt.Errorf("%w: token carries no user id", ErrAuthentication)
	}

	profile, err := g.directory.GetUserProfile(ctx, userID)
	if err != nil {
		if errors.Is(err, user.ErrNotFound) {
			return user.Profile{}, fmt.Errorf("%w: unknown user", ErrAuthentication)
		}
		return user.Profile{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if profile == nil {
		return user.Profile{}, fmt.Errorf("%w: unknown user", ErrAuthentication)
	}
	return *profile, nil
}

// TokenFromRequest extracts the credential from the token query parameter,
// falling back to an Authorization: Bearer header.
func TokenFromRequest(r *http.Request) string {
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "Bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

// StatusCode maps an Authenticate error to the HTTP status returned before
// the upgrade.
func StatusCode(err error) int {
	if errors.Is(err, ErrUnavailable) {
		return http.StatusServiceUnavailable
	}
	return http.StatusUnauthorized
}
