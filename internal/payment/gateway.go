package payment

import (
	"context"
	"fmt"
	"time"

	"github.com/safar/shop-payments/internal/models"
)

// Outcome is the gateway-independent result carried by a notification.
type Outcome string

const (
	OutcomeSuccess Outcome = "SUCCESS"
	OutcomePending Outcome = "PENDING"
	OutcomeDenied  Outcome = "DENIED"
	OutcomeExpired Outcome = "EXPIRED"
)

// Event is one normalized payment notification, whether it arrived by
// webhook or was pulled from the gateway.
type Event struct {
	Provider      models.Provider
	OrderNumber   string
	Outcome       Outcome
	TransactionID string
	VendorStatus  string
	ReceivedAt    time.Time
}

// Result describes what the reconciler did with an Event. Noop results
// are the idempotent path: the event was redundant and nothing changed.
type Result struct {
	OrderNumber string
	Previous    models.OrderStatus
	Current     models.OrderStatus
	Noop        bool
	Reason      string
}

type IntentResult struct {
	Provider    models.Provider      `json:"provider"`
	Method      models.PaymentMethod `json:"method"`
	OrderNumber string               `json:"order_number"`
	Reference   string               `json:"reference"`
	Token       string               `json:"token,omitempty"`
	RedirectURL string               `json:"redirect_url"`
}

// StatusRef identifies a payment at a gateway. Each adapter reads the field
// its protocol keys on.
type StatusRef struct {
	OrderNumber string
	PaymentID   string
}

type GatewayStatus struct {
	Provider      models.Provider
	OrderNumber   string
	TransactionID string
	VendorStatus  string
	Outcome       Outcome
	// Known is false when the vendor status maps to no outcome.
	Known bool
}

type CaptureResult struct {
	Provider        models.Provider `json:"provider"`
	ExternalOrderID string          `json:"external_order_id"`
	CaptureID       string          `json:"capture_id"`
	Status          string          `json:"status"`
	AlreadyCaptured bool            `json:"already_captured,omitempty"`
}

const CaptureStatusCompleted = "COMPLETED"

// Gateway is the capability set shared by every payment adapter.
type Gateway interface {
	Provider() models.Provider
	CreateIntent(ctx context.Context, order *models.Order) (*IntentResult, error)
	GetStatus(ctx context.Context, ref StatusRef) (*GatewayStatus, error)
}

// Capturer finalizes an approved two-phase payment.
type Capturer interface {
	Capture(ctx context.Context, externalOrderID string) (*CaptureResult, error)
}

// Router selects adapters by explicit payment method or provider.
type Router struct {
	byMethod   map[models.PaymentMethod]Gateway
	byProvider map[models.Provider]Gateway
	capturers  map[models.Provider]Capturer
}

func NewRouter() *Router {
	return &Router{
		byMethod:   make(map[models.PaymentMethod]Gateway),
		byProvider: make(map[models.Provider]Gateway),
		capturers:  make(map[models.Provider]Capturer),
	}
}

func (r *Router) Register(g Gateway, methods ...models.PaymentMethod) {
	r.byProvider[g.Provider()] = g
	for _, m := range methods {
		r.byMethod[m] = g
	}
}

func (r *Router) RegisterCapturer(provider models.Provider, c Capturer) {
	r.capturers[provider] = c
}

func (r *Router) ForMethod(method models.PaymentMethod) (Gateway, error) {
	g, ok := r.byMethod[method]
	if !ok {
		return nil, &ValidationError{Field: "method", Message: fmt.Sprintf("unsupported payment method %q", method)}
	}
	return g, nil
}

func (r *Router) ForProvider(provider models.Provider) (Gateway, bool) {
	g, ok := r.byProvider[provider]
	return g, ok
}

func (r *Router) CapturerFor(provider models.Provider) (Capturer, bool) {
	c, ok := r.capturers[provider]
	return c, ok
}
