package identity

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func bearerRequest(token string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/api/billing/status", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func TestBearerToken(t *testing.T) {
	_, err := BearerToken(bearerRequest(""))
	assert.ErrorIs(t, err, ErrNoCredentials)

	req := bearerRequest("")
	req.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	_, err = BearerToken(req)
	assert.ErrorIs(t, err, ErrNoCredentials)

	token, err := BearerToken(bearerRequest("abc.def.ghi"))
	require.NoError(t, err)
	assert.Equal(t, "abc.def.ghi", token)
}

func TestHMACAuthenticator(t *testing.T) {
	_, err := NewHMACAuthenticator("", "", "")
	assert.Error(t, err)

	auth, err := NewHMACAuthenticator("test-secret", "https://id.example.com", "plansync")
	require.NoError(t, err)

	token, err := auth.IssueToken(Identity{UserID: "u1", Email: "u1@example.com"}, time.Hour)
	require.NoError(t, err)

	id, err := auth.Authenticate(bearerRequest(token))
	require.NoError(t, err)
	assert.Equal(t, Identity{UserID: "u1", Email: "u1@example.com"}, id)

	expired, err := auth.IssueToken(Identity{UserID: "u1"}, -time.Minute)
	require.NoError(t, err)
	_, err = auth.Authenticate(bearerRequest(expired))
	assert.Error(t, err)

	other, err := NewHMACAuthenticator("other-secret", "https://id.example.com", "plansync")
	require.NoError(t, err)
	forged, err := other.IssueToken(Identity{UserID: "u1"}, time.Hour)
	require.NoError(t, err)
	_, err = auth.Authenticate(bearerRequest(forged))
	assert.Error(t, err)

	wrongAudience, err := NewHMACAuthenticator("test-secret", "https://id.example.com", "someone-else")
	require.NoError(t, err)
	misdirected, err := wrongAudience.IssueToken(Identity{UserID: "u1"}, time.Hour)
	require.NoError(t, err)
	_, err = auth.Authenticate(bearerRequest(misdirected))
	assert.Error(t, err)

	noSubject, err := auth.IssueToken(Identity{}, time.Hour)
	require.NoError(t, err)
	_, err = auth.Authenticate(bearerRequest(noSubject))
	assert.Error(t, err)
}

func TestOIDCAuthenticator(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	const issuer = "https://issuer.example.com"
	keySet := &oidc.StaticKeySet{PublicKeys: []crypto.PublicKey{key.Public()}}
	auth := &OIDCAuthenticator{verifier: oidc.NewVerifier(issuer, keySet, &oidc.Config{ClientID: "plansync"})}

	sign := func(claims jwt.MapClaims) string {
		t.Helper()
		raw, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
		require.NoError(t, err)
		return raw
	}

	now := time.Now()
	valid := sign(jwt.MapClaims{
		"iss":   issuer,
		"aud":   "plansync",
		"sub":   "u1",
		"email": "u1@example.com",
		"iat":   now.Unix(),
		"exp":   now.Add(time.Hour).Unix(),
	})
	id, err := auth.Authenticate(bearerRequest(valid))
	require.NoError(t, err)
	assert.Equal(t, Identity{UserID: "u1", Email: "u1@example.com"}, id)

	wrongAudience := sign(jwt.MapClaims{
		"iss": issuer,
		"aud": "another-client",
		"sub": "u1",
		"exp": now.Add(time.Hour).Unix(),
	})
	_, err = auth.Authenticate(bearerRequest(wrongAudience))
	assert.Error(t, err)

	_, err = auth.Authenticate(bearerRequest(""))
	assert.ErrorIs(t, err, ErrNoCredentials)
}

func TestMiddleware(t *testing.T) {
	auth, err := NewHMACAuthenticator("test-secret", "", "")
	require.NoError(t, err)

	var seen Identity
	handler := Middleware(auth, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = FromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, bearerRequest(""))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.JSONEq(t, `{"error":{"reason":"unauthorized","message":"sign in required","remote_applied":false}}`, rec.Body.String())

	token, err := auth.IssueToken(Identity{UserID: "u7", Email: "u7@example.com"}, time.Hour)
	require.NoError(t, err)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, bearerRequest(token))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "u7", seen.UserID)
	assert.Equal(t, "u7@example.com", seen.Email)

	_, ok := FromContext(httptest.NewRequest(http.MethodGet, "/", nil).Context())
	assert.False(t, ok)
}
