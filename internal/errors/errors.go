package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Base error types
var (
	ErrUnauthorized         = errors.New("unauthorized")
	ErrValidation           = errors.New("validation error")
	ErrNoActiveSubscription = errors.New("no active subscription")
	ErrUpstreamBilling      = errors.New("upstream billing error")
	ErrSignatureInvalid     = errors.New("signature invalid")
	ErrPersistence          = errors.New("persistence error")
	ErrNotFound             = errors.New("not found")
	ErrInternal             = errors.New("internal error")
)

// Kind is the machine-readable reason code surfaced to callers.
type Kind string

const (
	KindUnauthorized         Kind = "unauthorized"
	KindValidation           Kind = "validation_error"
	KindNoActiveSubscription Kind = "no_active_subscription"
	KindUpstreamBilling      Kind = "upstream_billing_error"
	KindSignatureInvalid     Kind = "signature_invalid"
	KindPersistence          Kind = "persistence_error"
	KindNotFound             Kind = "not_found"
	KindInternal             Kind = "internal"
)

// Error is a classified error for entitlement operations.
type Error struct {
	Kind    Kind
	Op      string // Operation that failed (e.g., "change_plan", "webhook.verify")
	Message string // Short human-readable text safe to show to users
	Err     error  // Underlying error

	// StatusCode is the upstream HTTP status for billing errors, if known.
	StatusCode int

	// RemoteApplied is set when the billing processor accepted a change but the
	// local mutation that should have followed it failed.
	RemoteApplied bool
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Err != nil {
		if e.Op != "" {
			return fmt.Sprintf("%s: %s: %v", e.Op, msg, e.Err)
		}
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s", e.Op, msg)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is implements errors.Is interface
func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}
	if sentinel, ok := sentinels[e.Kind]; ok && sentinel == target {
		return true
	}
	return errors.Is(e.Err, target)
}

var sentinels = map[Kind]error{
	KindUnauthorized:         ErrUnauthorized,
	KindValidation:           ErrValidation,
	KindNoActiveSubscription: ErrNoActiveSubscription,
	KindUpstreamBilling:      ErrUpstreamBilling,
	KindSignatureInvalid:     ErrSignatureInvalid,
	KindPersistence:          ErrPersistence,
	KindNotFound:             ErrNotFound,
	KindInternal:             ErrInternal,
}

// New creates a classified error.
func New(kind Kind, op, message string, err error) *Error {
	return &Error{Kind: kind, Op: op, Message: message, Err: err}
}

// WithStatusCode records the upstream HTTP status.
func (e *Error) WithStatusCode(code int) *Error {
	e.StatusCode = code
	return e
}

// Helper functions

func Unauthorized(op string) error {
	return New(KindUnauthorized, op, "sign in required", nil)
}

func Validation(op, message string) error {
	return New(KindValidation, op, message, nil)
}

func NoActiveSubscription(op string) error {
	return New(KindNoActiveSubscription, op, "no active subscription", nil)
}

func NotFound(op, message string) error {
	return New(KindNotFound, op, message, nil)
}

func SignatureInvalid(op string, err error) error {
	return New(KindSignatureInvalid, op, "invalid webhook signature", err)
}

// Persistence wraps a store failure.
func Persistence(op string, err error) error {
	if err == nil {
		return nil
	}
	var classified *Error
	if errors.As(err, &classified) && classified.Kind == KindPersistence {
		return err
	}
	return New(KindPersistence, op, "failed to save entitlement", err)
}

// Upstream wraps a billing processor failure, keeping its status and message.
func Upstream(op string, status int, message string, err error) error {
	if message == "" {
		message = "billing provider request failed"
	}
	return New(KindUpstreamBilling, op, message, err).WithStatusCode(status)
}

// Diverged marks a local persistence failure that followed a successful
// remote mutation.
func Diverged(op string, err error) error {
	e := New(KindPersistence, op, "billing updated but local entitlement could not be saved", err)
	e.RemoteApplied = true
	return e
}

// KindOf returns the classification of err, defaulting to KindInternal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var classified *Error
	if errors.As(err, &classified) {
		return classified.Kind
	}
	return KindInternal
}

// MessageOf returns the user-facing message of err.
func MessageOf(err error) string {
	var classified *Error
	if errors.As(err, &classified) && classified.Message != "" {
		return classified.Message
	}
	return "internal error"
}

// RemoteApplied reports whether err is a degraded success.
func RemoteApplied(err error) bool {
	var classified *Error
	return errors.As(err, &classified) && classified.RemoteApplied
}

// HTTPStatus maps an error kind to the response status.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindValidation, KindSignatureInvalid:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindNoActiveSubscription, KindNotFound:
		return http.StatusNotFound
	case KindUpstreamBilling:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// StatusFor returns the HTTP status for err. Billing errors raised by an open
// circuit breaker or a timeout carry 503/504 and are passed through.
func StatusFor(err error) int {
	var classified *Error
	if errors.As(err, &classified) && classified.Kind == KindUpstreamBilling {
		switch classified.StatusCode {
		case http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return classified.StatusCode
		}
	}
	return HTTPStatus(KindOf(err))
}
