package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobrelay/internal/apperr"
	"jobrelay/internal/models"
)

func TestIssueAndParseToken(t *testing.T) {
	a := NewAuthenticator("s3cret")
	tok, err := a.IssueToken("user-1", time.Minute)
	require.NoError(t, err)

	sub, err := a.ParseToken(tok)
	require.NoError(t, err)
	assert.Equal(t, "user-1", sub)

	_, err = NewAuthenticator("other").ParseToken(tok)
	assert.Error(t, err)
}

func TestParseTokenRejectsExpiredAndForeignAlg(t *testing.T) {
	a := NewAuthenticator("s3cret")
	expired, err := a.IssueToken("user-1", -time.Minute)
	require.NoError(t, err)
	_, err = a.ParseToken(expired)
	assert.Error(t, err)

	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{Subject: "x", Issuer: issuer}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = a.ParseToken(none)
	assert.Error(t, err)
}

func TestNoSecretRejectsTokens(t *testing.T) {
	a := NewAuthenticator("")
	_, err := a.IssueToken("u", time.Minute)
	assert.Error(t, err)
	_, err = a.ParseToken("abc")
	assert.Error(t, err)
}

func TestResolve(t *testing.T) {
	a := NewAuthenticator("s3cret")
	tok, err := a.IssueToken("user-1", time.Minute)
	require.NoError(t, err)

	tests := []struct {
		name    string
		build   func(r *http.Request)
		target  string
		want    models.Owner
		wantErr bool
	}{
		{
			name:  "bearer header",
			build: func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+tok) },
			want:  models.Owner{UserID: "user-1"},
		},
		{
			name:   "query token",
			target: "/jobs/1/stream?token=" + tok,
			want:   models.Owner{UserID: "user-1"},
		},
		{
			name: "session with tenant",
			build: func(r *http.Request) {
				r.Header.Set(SessionHeader, "sess-9")
				r.Header.Set(TenantHeader, "acme")
			},
			want: models.Owner{SessionID: "sess-9", TenantID: "acme"},
		},
		{
			name:    "tenant alone is not enough",
			build:   func(r *http.Request) { r.Header.Set(TenantHeader, "acme") },
			wantErr: true,
		},
		{
			name:    "nothing",
			wantErr: true,
		},
		{
			name: "bad token with session",
			build: func(r *http.Request) {
				r.Header.Set("Authorization", "Bearer nope")
				r.Header.Set(SessionHeader, "sess-9")
			},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			target := tt.target
			if target == "" {
				target = "/jobs"
			}
			r := httptest.NewRequest(http.MethodGet, target, nil)
			if tt.build != nil {
				tt.build(r)
			}
			got, err := a.Resolve(r)
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, apperr.ErrAuth)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMiddleware(t *testing.T) {
	a := NewAuthenticator("s3cret")
	var seen models.Owner
	h := a.Middleware(func(w http.ResponseWriter, _ *http.Request, err error) {
		w.WriteHeader(apperr.HTTPStatus(err))
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = OwnerFrom(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(SessionHeader, "abc")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "abc", seen.SessionID)
}
