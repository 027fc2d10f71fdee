package payment

import (
	"errors"
	"fmt"

	"github.com/safar/shop-payments/internal/models"
)

// ErrPaymentAlreadyInitiated is wrapped by the PreconditionError returned
// when an order already carries an external payment reference.
var ErrPaymentAlreadyInitiated = errors.New("payment already initiated for order")

// ValidationError reports malformed input. Nothing was changed.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Message
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Message)
}

type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Resource, e.ID)
}

// AuthorizationError means the caller does not own the order, or named an
// external transaction that does not belong to it.
type AuthorizationError struct {
	Reason string
}

func (e *AuthorizationError) Error() string {
	return "forbidden: " + e.Reason
}

// PreconditionError means the order is not in a state that allows the
// requested operation.
type PreconditionError struct {
	Reason string
	Err    error
}

func (e *PreconditionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("precondition failed: %s: %v", e.Reason, e.Err)
	}
	return "precondition failed: " + e.Reason
}

func (e *PreconditionError) Unwrap() error { return e.Err }

// GatewayError wraps a failure talking to an external payment gateway.
type GatewayError struct {
	Provider   models.Provider
	Op         string
	StatusCode int
	Err        error
}

func (e *GatewayError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s %s: status %d: %v", e.Provider, e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Provider, e.Op, e.Err)
}

func (e *GatewayError) Unwrap() error { return e.Err }

// SignatureError means an inbound notification could not be authenticated.
type SignatureError struct {
	Provider models.Provider
	Reason   string
}

func (e *SignatureError) Error() string {
	return fmt.Sprintf("%s webhook authentication failed: %s", e.Provider, e.Reason)
}
