// Package auth resolves the owner identity of an HTTP request.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"jobrelay/internal/apperr"
	"jobrelay/internal/models"
)

const (
	SessionHeader = "X-Session-ID"
	TenantHeader  = "X-Tenant-ID"
	// TokenQueryParam carries a bearer token for clients that cannot set headers on stream requests.
	TokenQueryParam = "token"
)

const issuer = "jobrelay"

var errNoSecret = errors.New("token verification is not configured")

type contextKey struct{}

// Authenticator verifies HS256 tokens and resolves request owners.
type Authenticator struct {
	secret []byte
}

func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{secret: []byte(secret)}
}

// IssueToken signs a token for subject.
func (a *Authenticator) IssueToken(subject string, ttl time.Duration) (string, error) {
	if len(a.secret) == 0 {
		return "", errNoSecret
	}
	now := time.Now()
	claims := &jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		Issuer:    issuer,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// ParseToken validates raw and returns its subject.
func (a *Authenticator) ParseToken(raw string) (string, error) {
	if len(a.secret) == 0 {
		return "", errNoSecret
	}
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithIssuer(issuer))
	if err != nil {
		return "", fmt.Errorf("parse token: %w", err)
	}
	if claims.Subject == "" {
		return "", errors.New("token has no subject")
	}
	return claims.Subject, nil
}

// Resolve builds the owner from a bearer token (header or query), the session
// header and the tenant header. A presented token that fails verification is
// rejected even when a session is also present. Either a user or a session
// is required.
func (a *Authenticator) Resolve(r *http.Request) (models.Owner, error) {
	var owner models.Owner

	raw := bearerToken(r)
	if raw == "" {
		raw = r.URL.Query().Get(TokenQueryParam)
	}
	if raw != "" {
		subject, err := a.ParseToken(raw)
		if err != nil {
			return owner, &apperr.Error{Kind: apperr.KindAuth, Message: "invalid token", Err: err}
		}
		owner.UserID = subject
	}

	owner.SessionID = strings.TrimSpace(r.Header.Get(SessionHeader))
	owner.TenantID = strings.TrimSpace(r.Header.Get(TenantHeader))

	if owner.UserID == "" && owner.SessionID == "" {
		return owner, apperr.Auth("authentication required")
	}
	return owner, nil
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "Bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

// WithOwner stores owner on ctx.
func WithOwner(ctx context.Context, owner models.Owner) context.Context {
	return context.WithValue(ctx, contextKey{}, owner)
}

// OwnerFrom returns the owner stored by the middleware.
func OwnerFrom(ctx context.Context) (models.Owner, bool) {
	owner, ok := ctx.Value(contextKey{}).(models.Owner)
	return owner, ok
}

// Middleware resolves the owner and calls onError when the request is not authenticated.
func (a *Authenticator) Middleware(onError func(http.ResponseWriter, *http.Request, error)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			owner, err := a.Resolve(r)
			if err != nil {
				onError(w, r, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithOwner(r.Context(), owner)))
		})
	}
}
