// Package identity resolves the calling user for the action endpoints.
package identity

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

// Identity is an authenticated caller.
type Identity struct {
	UserID string
	Email  string
}

// ErrNoCredentials is returned when a request carries no bearer token.
var ErrNoCredentials = errors.New("missing bearer token")

// Authenticator resolves the identity behind a request.
type Authenticator interface {
	Authenticate(r *http.Request) (Identity, error)
}

type contextKey struct{}

// WithIdentity returns a copy of ctx carrying id.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

// FromContext returns the identity stored by Middleware.
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(contextKey{}).(Identity)
	return id, ok && id.UserID != ""
}

// BearerToken extracts the token from an "Authorization: Bearer" header.
func BearerToken(r *http.Request) (string, error) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" {
		return "", ErrNoCredentials
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return "", ErrNoCredentials
	}
	return strings.TrimSpace(token), nil
}
