package webhook

import (
	"errors"
	"strings"
	"time"

	apperrors "github.com/rcourtman/plansync/internal/errors"
	stripewebhook "github.com/stripe/stripe-go/v82/webhook"
)

// SignatureHeader carries the processor's timestamped HMAC signature.
const SignatureHeader = "Stripe-Signature"

// DefaultTolerance is the maximum accepted age of a signed timestamp.
const DefaultTolerance = stripewebhook.DefaultTolerance

// Verifier authenticates raw webhook payloads against the shared secret.
type Verifier struct {
	secret    string
	tolerance time.Duration
}

// NewVerifier creates a Verifier. A non-positive tolerance uses
// DefaultTolerance.
func NewVerifier(secret string, tolerance time.Duration) *Verifier {
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	return &Verifier{secret: strings.TrimSpace(secret), tolerance: tolerance}
}

// Configured reports whether a signing secret is set.
func (v *Verifier) Configured() bool {
	return v != nil && v.secret != ""
}

// Verify checks header against payload. It never inspects the payload
// contents. Failures are SignatureInvalid errors.
func (v *Verifier) Verify(payload []byte, header string) error {
	const op = "webhook.verify"
	if !v.Configured() {
		return apperrors.SignatureInvalid(op, errors.New("webhook secret not configured"))
	}
	if strings.TrimSpace(header) == "" {
		return apperrors.SignatureInvalid(op, stripewebhook.ErrNotSigned)
	}
	if err := stripewebhook.ValidatePayloadWithTolerance(payload, header, v.secret, v.tolerance); err != nil {
		return apperrors.SignatureInvalid(op, err)
	}
	return nil
}
