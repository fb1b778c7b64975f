package identity

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/coreos/go-oidc/v3/oidc"
)

// tokenVerifier is satisfied by *oidc.IDTokenVerifier.
type tokenVerifier interface {
	Verify(ctx context.Context, rawIDToken string) (*oidc.IDToken, error)
}

// OIDCAuthenticator verifies ID tokens issued by an OpenID Connect provider.
type OIDCAuthenticator struct {
	verifier tokenVerifier
}

// NewOIDCAuthenticator discovers the issuer and builds a verifier for
// clientID.
func NewOIDCAuthenticator(ctx context.Context, issuerURL, clientID string) (*OIDCAuthenticator, error) {
	if issuerURL == "" || clientID == "" {
		return nil, errors.New("identity: oidc issuer and client id are required")
	}
	provider, err := oidc.NewProvider(ctx, issuerURL)
	if err != nil {
		return nil, fmt.Errorf("discover oidc issuer: %w", err)
	}
	return &OIDCAuthenticator{verifier: provider.Verifier(&oidc.Config{ClientID: clientID})}, nil
}

func (a *OIDCAuthenticator) Authenticate(r *http.Request) (Identity, error) {
	raw, err := BearerToken(r)
	if err != nil {
		return Identity{}, err
	}
	token, err := a.verifier.Verify(r.Context(), raw)
	if err != nil {
		return Identity{}, fmt.Errorf("invalid id token: %w", err)
	}
	var claims struct {
		Email string `json:"email"`
	}
	if err := token.Claims(&claims); err != nil {
		return Identity{}, fmt.Errorf("decode id token claims: %w", err)
	}
	if token.Subject == "" {
		return Identity{}, errors.New("id token has no subject")
	}
	return Identity{UserID: token.Subject, Email: claims.Email}, nil
}
