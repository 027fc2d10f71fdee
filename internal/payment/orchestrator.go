package payment

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/safar/shop-payments/internal/database"
	"github.com/safar/shop-payments/internal/models"
)

type OrderStore interface {
	GetOrderByNumber(ctx context.Context, orderNumber string) (*models.Order, error)
	SetPaymentReference(ctx context.Context, orderID int64, method models.PaymentMethod, provider models.Provider, paymentID string) error
}

// Settler applies a normalized payment event to an order.
type Settler interface {
	Apply(ctx context.Context, ev Event) (Result, error)
}

// PaymentStatus is the caller-facing projection of an order's status.
type PaymentStatus string

const (
	PaymentStatusPending PaymentStatus = "PENDING"
	PaymentStatusPaid    PaymentStatus = "PAID"
	PaymentStatusFailed  PaymentStatus = "FAILED"
	PaymentStatusExpired PaymentStatus = "EXPIRED"
)

func ProjectStatus(s models.OrderStatus) PaymentStatus {
	switch {
	case s.IsPaidOrLater():
		return PaymentStatusPaid
	case s == models.OrderStatusFailed:
		return PaymentStatusFailed
	case s == models.OrderStatusCancelled:
		return PaymentStatusExpired
	default:
		return PaymentStatusPending
	}
}

type StatusView struct {
	OrderNumber string               `json:"order_number"`
	Status      PaymentStatus        `json:"status"`
	Provider    models.Provider      `json:"provider,omitempty"`
	Method      models.PaymentMethod `json:"method,omitempty"`
	PaidAt      *time.Time           `json:"paid_at,omitempty"`
}

type Orchestrator struct {
	log     *slog.Logger
	orders  OrderStore
	router  *Router
	settler Settler
	tracer  trace.Tracer
	now     func() time.Time
}

func NewOrchestrator(log *slog.Logger, orders OrderStore, router *Router, settler Settler) *Orchestrator {
	return &Orchestrator{
		log:     log,
		orders:  orders,
		router:  router,
		settler: settler,
		tracer:  otel.Tracer("payment-orchestrator"),
		now:     time.Now,
	}
}

// CreatePayment opens an intent at the gateway selected by method. The
// order is updated only after the gateway accepted the request, so a
// failed call leaves no orphaned reference behind.
func (o *Orchestrator) CreatePayment(ctx context.Context, userID int64, orderNumber string, method models.PaymentMethod) (res *IntentResult, err error) {
	ctx, span := o.tracer.Start(ctx, "CreatePayment", trace.WithAttributes(
		attribute.String("order_number", orderNumber),
		attribute.String("method", string(method)),
	))
	defer func() { endSpan(span, err) }()

	if strings.TrimSpace(orderNumber) == "" {
		return nil, &ValidationError{Field: "order_number", Message: "required"}
	}
	gw, err := o.router.ForMethod(method)
	if err != nil {
		return nil, err
	}

	order, err := o.ownedOrder(ctx, userID, orderNumber)
	if err != nil {
		return nil, err
	}
	if order.Status != models.OrderStatusPending {
		return nil, &PreconditionError{Reason: "order status is " + string(order.Status)}
	}
	if order.PaymentID != "" {
		return nil, &PreconditionError{Reason: "order " + orderNumber, Err: ErrPaymentAlreadyInitiated}
	}

	intent, err := gw.CreateIntent(ctx, order)
	if err != nil {
		o.log.Error("create payment intent failed",
			"order_number", orderNumber, "provider", gw.Provider(), "err", err)
		return nil, err
	}

	err = o.orders.SetPaymentReference(ctx, order.ID, method, gw.Provider(), intent.Reference)
	if err != nil {
		if errors.Is(err, database.ErrPaymentReferenceSet) {
			o.log.Warn("concurrent payment attempt lost the race, external intent left unused",
				"order_number", orderNumber, "provider", gw.Provider(), "reference", intent.Reference)
			return nil, &PreconditionError{Reason: "order " + orderNumber, Err: ErrPaymentAlreadyInitiated}
		}
		return nil, err
	}

	intent.Method = method
	intent.OrderNumber = orderNumber

	o.log.Info("payment intent created",
		"order_number", orderNumber, "provider", intent.Provider, "method", method, "reference", intent.Reference)

	return intent, nil
}

// CapturePayPalPayment finalizes the approved PayPal order attached to the
// caller's order. A completed capture is settled immediately; the later
// webhook for the same capture is then a no-op.
func (o *Orchestrator) CapturePayPalPayment(ctx context.Context, userID int64, orderNumber, externalOrderID string) (res *CaptureResult, err error) {
	ctx, span := o.tracer.Start(ctx, "CapturePayPalPayment", trace.WithAttributes(
		attribute.String("order_number", orderNumber),
		attribute.String("external_order_id", externalOrderID),
	))
	defer func() { endSpan(span, err) }()

	if strings.TrimSpace(orderNumber) == "" {
		return nil, &ValidationError{Field: "order_number", Message: "required"}
	}
	if strings.TrimSpace(externalOrderID) == "" {
		return nil, &ValidationError{Field: "paypal_order_id", Message: "required"}
	}

	order, err := o.ownedOrder(ctx, userID, orderNumber)
	if err != nil {
		return nil, err
	}
	if order.PaymentID == "" || order.PaymentProvider != models.ProviderPayPal {
		return nil, &PreconditionError{Reason: "order has no PayPal payment to capture"}
	}
	if order.PaymentID != externalOrderID {
		return nil, &AuthorizationError{Reason: "external order id does not belong to this order"}
	}
	if order.Status.IsPaidOrLater() {
		return &CaptureResult{
			Provider:        models.ProviderPayPal,
			ExternalOrderID: externalOrderID,
			Status:          CaptureStatusCompleted,
			AlreadyCaptured: true,
		}, nil
	}
	if order.Status != models.OrderStatusPending {
		return nil, &PreconditionError{Reason: "order status is " + string(order.Status)}
	}

	capturer, ok := o.router.CapturerFor(models.ProviderPayPal)
	if !ok {
		return nil, &PreconditionError{Reason: "PayPal capture is not configured"}
	}

	result, err := capturer.Capture(ctx, externalOrderID)
	if err != nil {
		o.log.Error("capture failed", "order_number", orderNumber, "external_order_id", externalOrderID, "err", err)
		return nil, err
	}

	if result.Status == CaptureStatusCompleted {
		_, applyErr := o.settler.Apply(ctx, Event{
			Provider:      models.ProviderPayPal,
			OrderNumber:   orderNumber,
			Outcome:       OutcomeSuccess,
			TransactionID: result.CaptureID,
			VendorStatus:  result.Status,
			ReceivedAt:    o.now(),
		})
		if applyErr != nil {
			// The capture webhook settles the order later.
			o.log.Error("settle captured order failed",
				"order_number", orderNumber, "capture_id", result.CaptureID, "err", applyErr)
		}
	}

	o.log.Info("payment captured",
		"order_number", orderNumber, "capture_id", result.CaptureID, "status", result.Status)

	return result, nil
}

func (o *Orchestrator) GetPaymentStatus(ctx context.Context, userID int64, orderNumber string) (view *StatusView, err error) {
	ctx, span := o.tracer.Start(ctx, "GetPaymentStatus", trace.WithAttributes(
		attribute.String("order_number", orderNumber),
	))
	defer func() { endSpan(span, err) }()

	if strings.TrimSpace(orderNumber) == "" {
		return nil, &ValidationError{Field: "order_number", Message: "required"}
	}

	order, err := o.ownedOrder(ctx, userID, orderNumber)
	if err != nil {
		return nil, err
	}

	return viewOf(order), nil
}

// SyncPaymentStatus pulls the payment's state from its gateway and applies
// it. It recovers orders whose notification never arrived.
func (o *Orchestrator) SyncPaymentStatus(ctx context.Context, userID int64, orderNumber string) (view *StatusView, err error) {
	ctx, span := o.tracer.Start(ctx, "SyncPaymentStatus", trace.WithAttributes(
		attribute.String("order_number", orderNumber),
	))
	defer func() { endSpan(span, err) }()

	if strings.TrimSpace(orderNumber) == "" {
		return nil, &ValidationError{Field: "order_number", Message: "required"}
	}

	order, err := o.ownedOrder(ctx, userID, orderNumber)
	if err != nil {
		return nil, err
	}
	if order.PaymentID == "" {
		return nil, &PreconditionError{Reason: "no payment has been initiated"}
	}
	if order.Status != models.OrderStatusPending {
		return viewOf(order), nil
	}

	gw, ok := o.router.ForProvider(order.PaymentProvider)
	if !ok {
		return nil, &PreconditionError{Reason: "unknown payment provider " + string(order.PaymentProvider)}
	}

	st, err := gw.GetStatus(ctx, StatusRef{OrderNumber: order.OrderNumber, PaymentID: order.PaymentID})
	if err != nil {
		return nil, err
	}
	if !st.Known || st.Outcome == OutcomePending {
		return viewOf(order), nil
	}

	if _, err := o.settler.Apply(ctx, Event{
		Provider:      order.PaymentProvider,
		OrderNumber:   order.OrderNumber,
		Outcome:       st.Outcome,
		TransactionID: st.TransactionID,
		VendorStatus:  st.VendorStatus,
		ReceivedAt:    o.now(),
	}); err != nil {
		return nil, err
	}

	order, err = o.orders.GetOrderByNumber(ctx, orderNumber)
	if err != nil {
		return nil, err
	}

	return viewOf(order), nil
}

func (o *Orchestrator) ownedOrder(ctx context.Context, userID int64, orderNumber string) (*models.Order, error) {
	order, err := o.orders.GetOrderByNumber(ctx, orderNumber)
	if err != nil {
		if errors.Is(err, database.ErrOrderNotFound) {
			return nil, &NotFoundError{Resource: "order", ID: orderNumber}
		}
		return nil, err
	}
	if order.UserID != userID {
		return nil, &AuthorizationError{Reason: "order does not belong to caller"}
	}
	return order, nil
}

func viewOf(order *models.Order) *StatusView {
	return &StatusView{
		OrderNumber: order.OrderNumber,
		Status:      ProjectStatus(order.Status),
		Provider:    order.PaymentProvider,
		Method:      order.PaymentMethod,
		PaidAt:      order.PaidAt,
	}
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
