// Package reconcile applies normalized payment events to orders. Each event
// is one transaction: the order row is locked, its current status decides
// the transition, and compensating stock restoration commits or rolls back
// together with the status change.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/safar/shop-payments/internal/database"
	"github.com/safar/shop-payments/internal/models"
	"github.com/safar/shop-payments/internal/notify"
	"github.com/safar/shop-payments/internal/payment"
)

// Tx is the set of mutations available while an order is locked.
type Tx interface {
	MarkPaid(ctx context.Context, orderID int64, paidAt time.Time, provider models.Provider, paymentID string) error
	MarkFailed(ctx context.Context, orderID int64) error
	MarkCancelled(ctx context.Context, orderID int64, canceledAt time.Time) error
	IncrementVariantStock(ctx context.Context, variantID int64, quantity int) error
}

type Store interface {
	// WithOrderLocked loads the order by number under a row lock and runs fn
	// in the same transaction. fn may be re-run if the transaction retries.
	WithOrderLocked(ctx context.Context, orderNumber string, fn func(ctx context.Context, tx Tx, order *models.Order) error) error
}

type Reconciler struct {
	log           *slog.Logger
	store         Store
	compensator   *Compensator
	notifier      notify.Dispatcher
	notifyTimeout time.Duration
	now           func() time.Time
	inflight      sync.WaitGroup
}

func NewReconciler(log *slog.Logger, store Store, notifier notify.Dispatcher) *Reconciler {
	return &Reconciler{
		log:           log,
		store:         store,
		compensator:   NewCompensator(log),
		notifier:      notifier,
		notifyTimeout: 5 * time.Second,
		now:           time.Now,
	}
}

type action int

const (
	actionNone action = iota
	actionPay
	actionFail
	actionCancel
)

// decide maps (current status, outcome) to a transition. Only PENDING
// orders move; everything else is a no-op with a reason.
func decide(status models.OrderStatus, outcome payment.Outcome) (action, string) {
	if outcome == payment.OutcomePending {
		return actionNone, "payment still pending at gateway"
	}

	switch {
	case status == models.OrderStatusPending:
		switch outcome {
		case payment.OutcomeSuccess:
			return actionPay, ""
		case payment.OutcomeDenied:
			return actionFail, ""
		case payment.OutcomeExpired:
			return actionCancel, ""
		}
		return actionNone, "unknown outcome " + string(outcome)
	case status.IsPaidOrLater() && outcome == payment.OutcomeSuccess:
		return actionNone, "order already paid"
	case status.IsPaidOrLater():
		return actionNone, "order already paid, ignoring " + string(outcome)
	case status.IsTerminal():
		return actionNone, "order is closed as " + string(status)
	default:
		return actionNone, "unexpected order status " + string(status)
	}
}

// Apply performs the transition ev calls for. Redundant events return a
// Noop result and a nil error.
func (r *Reconciler) Apply(ctx context.Context, ev payment.Event) (payment.Result, error) {
	if ev.OrderNumber == "" {
		return payment.Result{}, &payment.ValidationError{Field: "order_number", Message: "required"}
	}

	var (
		res      payment.Result
		snapshot models.Order
	)

	err := r.store.WithOrderLocked(ctx, ev.OrderNumber, func(ctx context.Context, tx Tx, order *models.Order) error {
		res = payment.Result{
			OrderNumber: order.OrderNumber,
			Previous:    order.Status,
			Current:     order.Status,
		}

		act, reason := decide(order.Status, ev.Outcome)
		now := r.now().UTC()

		switch act {
		case actionNone:
			res.Noop = true
			res.Reason = reason
			return nil

		case actionPay:
			provider := order.PaymentProvider
			if provider == "" {
				provider = ev.Provider
			}
			paymentID := order.PaymentID
			if paymentID == "" {
				paymentID = ev.TransactionID
			}
			if err := tx.MarkPaid(ctx, order.ID, now, provider, paymentID); err != nil {
				return err
			}
			order.PaymentProvider = provider
			order.PaymentID = paymentID
			order.PaidAt = &now
			res.Current = models.OrderStatusPaid

		case actionFail:
			if err := tx.MarkFailed(ctx, order.ID); err != nil {
				return err
			}
			res.Current = models.OrderStatusFailed

		case actionCancel:
			if err := tx.MarkCancelled(ctx, order.ID, now); err != nil {
				return err
			}
			if _, err := r.compensator.Restore(ctx, tx, order); err != nil {
				return err
			}
			order.CanceledAt = &now
			res.Current = models.OrderStatusCancelled
		}

		order.Status = res.Current
		snapshot = *order
		return nil
	})
	if err != nil {
		if errors.Is(err, database.ErrOrderNotFound) {
			return payment.Result{}, &payment.NotFoundError{Resource: "order", ID: ev.OrderNumber}
		}
		return payment.Result{}, fmt.Errorf("reconcile order %s: %w", ev.OrderNumber, err)
	}

	if res.Noop {
		r.log.Info("payment event ignored",
			"order_number", ev.OrderNumber,
			"provider", ev.Provider,
			"outcome", ev.Outcome,
			"vendor_status", ev.VendorStatus,
			"status", res.Current,
			"reason", res.Reason)
		return res, nil
	}

	r.log.Info("order transitioned",
		"order_number", ev.OrderNumber,
		"provider", ev.Provider,
		"outcome", ev.Outcome,
		"from", res.Previous,
		"to", res.Current)

	r.dispatch(ctx, notificationFor(snapshot, r.now().UTC()))

	return res, nil
}

// Wait blocks until in-flight notifications have finished.
func (r *Reconciler) Wait() {
	r.inflight.Wait()
}

// dispatch sends n without blocking the caller. Its failure is logged and
// never reaches the transition that produced it.
func (r *Reconciler) dispatch(ctx context.Context, n notify.Notification) {
	if r.notifier == nil {
		return
	}

	r.inflight.Add(1)
	go func() {
		defer r.inflight.Done()
		defer func() {
			if p := recover(); p != nil {
				r.log.Error("notification dispatcher panicked", "order_number", n.OrderNumber, "panic", p)
			}
		}()

		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.notifyTimeout)
		defer cancel()

		if err := r.notifier.Dispatch(ctx, n); err != nil {
			r.log.Warn("notification dispatch failed",
				"order_number", n.OrderNumber, "type", n.Type, "err", err)
		}
	}()
}

func notificationFor(order models.Order, at time.Time) notify.Notification {
	var typ string
	switch order.Status {
	case models.OrderStatusPaid:
		typ = notify.TypePaymentSucceeded
	case models.OrderStatusFailed:
		typ = notify.TypePaymentFailed
	case models.OrderStatusCancelled:
		typ = notify.TypeOrderCancelled
	}
	return notify.New(typ, order.OrderNumber, order.UserID, string(order.Status), string(order.PaymentProvider), order.PaymentID, at)
}
