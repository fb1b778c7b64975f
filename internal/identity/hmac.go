package identity

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// Claims are the token claims the service reads.
type Claims struct {
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// HMACAuthenticator verifies HS256 bearer tokens issued by the identity
// provider that shares the signing secret.
type HMACAuthenticator struct {
	secret   []byte
	issuer   string
	audience string
}

// NewHMACAuthenticator creates an authenticator. issuer and audience are
// checked only when set.
func NewHMACAuthenticator(secret, issuer, audience string) (*HMACAuthenticator, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("identity: signing secret is required")
	}
	return &HMACAuthenticator{secret: []byte(secret), issuer: issuer, audience: audience}, nil
}

func (a *HMACAuthenticator) Authenticate(r *http.Request) (Identity, error) {
	raw, err := BearerToken(r)
	if err != nil {
		return Identity{}, err
	}

	claims := &Claims{}
	_, err = jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return Identity{}, fmt.Errorf("invalid token: %w", err)
	}
	if a.issuer != "" && !claims.VerifyIssuer(a.issuer, true) {
		return Identity{}, errors.New("invalid token issuer")
	}
	if a.audience != "" && !claims.VerifyAudience(a.audience, true) {
		return Identity{}, errors.New("invalid token audience")
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return Identity{}, errors.New("token has no subject")
	}
	return Identity{UserID: claims.Subject, Email: claims.Email}, nil
}

// IssueToken signs a token for id. It is used by the CLI and tests to mint
// credentials against the shared secret.
func (a *HMACAuthenticator) IssueToken(id Identity, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Email: id.Email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.UserID,
			Issuer:    a.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	if a.audience != "" {
		claims.Audience = jwt.ClaimStrings{a.audience}
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}
