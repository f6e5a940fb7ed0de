package auth

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	"github.com/golang-jwt/jwt/v5"

	"github.com/snipvault/snippet-app/internal/user"
)

const testSecret = "test-secret"

type directory map[string]*user.Profile

func (d directory) GetUserProfile(ctx context.Context, userID string) (*user.Profile, error) {
	if userID == "broken" {
		return nil, errors.New("dial tcp: connection refused")
	}
	p, ok := d[userID]
	if !ok {
		return nil, user.ErrNotFound
	}
	return p, nil
}

var testUsers = directory{
	"u1": {ID: "u1", Name: "Alice", Email: "alice@example.com"},
}

func TestAuthenticateValidToken(t *testing.T) {
	token, err := NewIssuer(testSecret).Issue("u1", time.Hour)
	assert.Equal(t, err, nil)

	p, err := NewGate(testSecret, testUsers).Authenticate(context.Background(), token)
	assert.Equal(t, err, nil)
	assert.Equal(t, p.ID, "u1")
	assert.Equal(t, p.Name, "Alice")
	assert.Equal(t, p.Email, "alice@example.com")
}

func TestAuthenticateSubjectFallback(t *testing.T) {
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "u1",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte(testSecret))
	assert.Equal(t, err, nil)

	p, err := NewGate(testSecret, testUsers).Authenticate(context.Background(), token)
	assert.Equal(t, err, nil)
	assert.Equal(t, p.ID, "u1")
}

func TestAuthenticateRejects(t *testing.T) {
	gate := NewGate(testSecret, testUsers)
	issuer := NewIssuer(testSecret)

	expired, _ := issuer.Issue("u1", -time.Minute)
	wrongKey, _ := NewIssuer("other-secret").Issue("u1", time.Hour)
	unknown, _ := issuer.Issue("nobody", time.Hour)
	noExpiry, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{UserID: "u1"}).SignedString([]byte(testSecret))
	noUser, _ := issuer.Issue("", time.Hour)
	none, _ := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{
		UserID:           "u1",
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)

	cases := map[string]string{
		"empty":     "",
		"garbage":   "not-a-token",
		"expired":   expired,
		"wrong key": wrongKey,
		"unknown":   unknown,
		"no expiry": noExpiry,
		"no user":   noUser,
		"alg none":  none,
	}
	for name, token := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := gate.Authenticate(context.Background(), token)
			assert.Equal(t, errors.Is(err, ErrAuthentication), true)
		})
	}
}

func TestAuthenticateDirectoryDown(t *testing.T) {
	token, _ := NewIssuer(testSecret).Issue("broken", time.Hour)

	_, err := NewGate(testSecret, testUsers).Authenticate(context.Background(), token)
	assert.Equal(t, errors.Is(err, ErrUnavailable), true)
	assert.Equal(t, StatusCode(err), 503)
	assert.Equal(t, StatusCode(ErrAuthentication), 401)
}

func TestTokenFromRequest(t *testing.T) {
	r := httptest.NewRequest("GET", "/ws?token=abc", nil)
	r.Header.Set("Authorization", "Bearer xyz")
	assert.Equal(t, TokenFromRequest(r), "abc")

	r = httptest.NewRequest("GET", "/ws", nil)
	r.Header.Set("Authorization", "bearer xyz")
	assert.Equal(t, TokenFromRequest(r), "xyz")

	r = httptest.NewRequest("GET", "/ws", nil)
	r.Header.Set("Authorization", "Basic xyz")
	assert.Equal(t, TokenFromRequest(r), "")
}
