package auth

import (
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestSignerRoundTrip(t *testing.T) {
	s := NewSigner("secret", "food-orders")

	tok, err := s.Issue("u-1", "Admin", time.Hour)
	require.NoError(t, err)

	id, err := s.Verify(tok)
	require.NoError(t, err)
	assert.Equal(t, "u-1", id.UserID)
	assert.Equal(t, RoleAdmin, id.Role)
	assert.True(t, id.Actor().IsAdmin())
}

func TestSignerRejects(t *testing.T) {
	s := NewSigner("secret", "food-orders")

	expired, err := s.Issue("u-1", "", -time.Minute)
	require.NoError(t, err)
	_, err = s.Verify(expired)
	assert.ErrorIs(t, err, ErrTokenExpired)

	other, err := NewSigner("other", "food-orders").Issue("u-1", "", time.Hour)
	require.NoError(t, err)
	_, err = s.Verify(other)
	assert.ErrorIs(t, err, ErrTokenInvalid)

	wrongIssuer, err := NewSigner("secret", "someone-else").Issue("u-1", "", time.Hour)
	require.NoError(t, err)
	_, err = s.Verify(wrongIssuer)
	assert.ErrorIs(t, err, ErrTokenInvalid)

	_, err = s.Verify("not-a-jwt")
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestDefaultRoleIsUser(t *testing.T) {
	s := NewSigner("secret", "")
	tok, err := s.Issue("u-2", "", time.Hour)
	require.NoError(t, err)

	id, err := s.Verify(tok)
	require.NoError(t, err)
	assert.Equal(t, RoleUser, id.Role)
}

func TestMiddleware(t *testing.T) {
	s := NewSigner("secret", "food-orders")
	userTok, _ := s.Issue("u-1", RoleUser, time.Hour)
	adminTok, _ := s.Issue("u-9", RoleAdmin, time.Hour)

	var seen *Identity
	final := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = IdentityFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})
	h := Authenticate(s)(RequireRole(RoleAdmin)(final))

	cases := []struct {
		name   string
		header string
		want   int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"not bearer", "Basic abc", http.StatusUnauthorized},
		{"garbage", "Bearer xyz", http.StatusUnauthorized},
		{"user", "Bearer " + userTok, http.StatusForbidden},
		{"admin", "bearer " + adminTok, http.StatusNoContent},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if c.header != "" {
				req.Header.Set("Authorization", c.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, c.want, rec.Code)
		})
	}
	require.NotNil(t, seen)
	assert.Equal(t, "u-9", seen.UserID)
}
