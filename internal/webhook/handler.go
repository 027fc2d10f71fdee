// Package webhook receives asynchronous gateway notifications. Each route
// authenticates the payload, normalizes it into a payment event and hands
// it to the reconciler. Consumed events are always acknowledged so the
// gateway does not retry; only authentication failures, oversized bodies
// and rate-limited requests are rejected.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/netip"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/safar/shop-payments/internal/gateway/cardwallet"
	"github.com/safar/shop-payments/internal/gateway/globalwallet"
	"github.com/safar/shop-payments/internal/models"
	"github.com/safar/shop-payments/internal/payment"
	"github.com/safar/shop-payments/internal/ratelimit"
)

type SignatureVerifier interface {
	Verify(n *cardwallet.Notification) error
}

// NotificationConfirmer authenticates a PayPal notification against the
// order state fetched from the gateway. ok is false when the fetched state
// does not support the event.
type NotificationConfirmer interface {
	Confirm(ctx context.Context, n *globalwallet.Notification, receivedAt time.Time) (ev payment.Event, ok bool, err error)
}

type Config struct {
	// Production makes signature verification mandatory.
	Production   bool
	MaxBodyBytes int64
	// TrustedProxies may set X-Forwarded-For. Empty trusts none.
	TrustedProxies []netip.Prefix
}

type Limiters struct {
	CardWallet   ratelimit.Limiter
	GlobalWallet ratelimit.Limiter
}

type Handler struct {
	log       *slog.Logger
	settler   payment.Settler
	verifier  SignatureVerifier
	confirmer NotificationConfirmer
	limiters  Limiters
	ips       *ratelimit.IPResolver
	cfg       Config
	tracer    trace.Tracer
	now       func() time.Time
}

func NewHandler(log *slog.Logger, settler payment.Settler, verifier SignatureVerifier, confirmer NotificationConfirmer, limiters Limiters, cfg Config) *Handler {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 50 << 10
	}
	return &Handler{
		log:       log,
		settler:   settler,
		verifier:  verifier,
		confirmer: confirmer,
		limiters:  limiters,
		ips:       ratelimit.NewIPResolver(cfg.TrustedProxies),
		cfg:       cfg,
		tracer:    otel.Tracer("webhook"),
		now:       time.Now,
	}
}

func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.With(h.rateLimit(models.ProviderMidtrans, h.limiters.CardWallet)).
		Post("/midtrans", h.handleCardWallet)
	r.With(h.rateLimit(models.ProviderPayPal, h.limiters.GlobalWallet)).
		Post("/paypal", h.handleGlobalWallet)
	return r
}

func (h *Handler) handleCardWallet(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "CardWalletWebhook")
	defer span.End()

	body, ok := h.readBody(w, r, models.ProviderMidtrans)
	if !ok {
		return
	}

	n, parseErr := cardwallet.ParseNotification(body)

	if h.cfg.Production {
		if parseErr != nil {
			h.reject(w, r, &payment.SignatureError{Provider: models.ProviderMidtrans, Reason: "unparseable payload"})
			return
		}
		if err := h.verifier.Verify(n); err != nil {
			h.reject(w, r, err)
			return
		}
	} else {
		h.log.Warn("webhook signature verification bypassed",
			"provider", models.ProviderMidtrans, "env", "sandbox", "remote_ip", h.ips.ClientIP(r))
		if parseErr != nil {
			h.log.Error("webhook payload could not be decoded",
				"provider", models.ProviderMidtrans, "err", parseErr)
			ack(w)
			return
		}
	}

	span.SetAttributes(
		attribute.String("order_number", n.OrderID),
		attribute.String("transaction_status", n.TransactionStatus),
	)

	ev, mapped := n.Event(h.now())
	if !mapped {
		h.log.Info("webhook status carries no transition",
			"provider", models.ProviderMidtrans,
			"order_number", n.OrderID,
			"transaction_status", n.TransactionStatus,
			"fraud_status", n.FraudStatus)
		ack(w)
		return
	}

	h.settle(ctx, ev)
	ack(w)
}

func (h *Handler) handleGlobalWallet(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "GlobalWalletWebhook")
	defer span.End()

	body, ok := h.readBody(w, r, models.ProviderPayPal)
	if !ok {
		return
	}

	n, err := globalwallet.ParseNotification(body)
	if err != nil {
		h.reject(w, r, &payment.SignatureError{Provider: models.ProviderPayPal, Reason: "unparseable payload"})
		return
	}

	span.SetAttributes(attribute.String("event_type", n.EventType))

	if _, mapped := globalwallet.MapEventType(n.EventType); !mapped {
		h.log.Info("webhook event type ignored",
			"provider", models.ProviderPayPal, "event_type", n.EventType, "event_id", n.ID)
		ack(w)
		return
	}

	ev, confirmed, err := h.confirmer.Confirm(ctx, n, h.now())
	if err != nil {
		h.reject(w, r, &payment.SignatureError{
			Provider: models.ProviderPayPal,
			Reason:   fmt.Sprintf("resolve order %q: %v", n.ExternalOrderID(), err),
		})
		return
	}

	span.SetAttributes(attribute.String("order_number", ev.OrderNumber))

	if !confirmed {
		h.log.Warn("webhook not confirmed by gateway, no transition",
			"provider", models.ProviderPayPal,
			"event_id", n.ID,
			"event_type", n.EventType,
			"order_number", ev.OrderNumber,
			"remote_ip", h.ips.ClientIP(r))
		ack(w)
		return
	}

	h.settle(ctx, ev)
	ack(w)
}

// settle applies ev and absorbs every failure; the caller acknowledges
// the delivery regardless.
func (h *Handler) settle(ctx context.Context, ev payment.Event) {
	defer func() {
		if p := recover(); p != nil {
			h.log.Error("reconcile panicked",
				"provider", ev.Provider, "order_number", ev.OrderNumber, "panic", p)
		}
	}()

	res, err := h.settler.Apply(ctx, ev)
	if err != nil {
		h.log.Error("reconcile webhook event failed",
			"provider", ev.Provider,
			"order_number", ev.OrderNumber,
			"outcome", ev.Outcome,
			"vendor_status", ev.VendorStatus,
			"transaction_id", ev.TransactionID,
			"err", err)
		return
	}

	h.log.Info("webhook processed",
		"provider", ev.Provider,
		"order_number", ev.OrderNumber,
		"outcome", ev.Outcome,
		"status", res.Current,
		"noop", res.Noop)
}

func (h *Handler) readBody(w http.ResponseWriter, r *http.Request, provider models.Provider) ([]byte, bool) {
	if r.ContentLength > h.cfg.MaxBodyBytes {
		h.tooLarge(w, r, provider)
		return nil, false
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.cfg.MaxBodyBytes))
	if err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			h.tooLarge(w, r, provider)
			return nil, false
		}
		h.log.Error("read webhook body", "provider", provider, "err", err)
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "unreadable body"})
		return nil, false
	}
	return body, true
}

func (h *Handler) tooLarge(w http.ResponseWriter, r *http.Request, provider models.Provider) {
	h.log.Warn("webhook payload too large",
		"provider", provider, "limit", h.cfg.MaxBodyBytes, "remote_ip", h.ips.ClientIP(r))
	respondJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "payload too large"})
}

// reject answers an authentication failure. Nothing has been mutated.
func (h *Handler) reject(w http.ResponseWriter, r *http.Request, err error) {
	h.log.Warn("webhook rejected, potential fraud attempt",
		"remote_ip", h.ips.ClientIP(r),
		"user_agent", r.UserAgent(),
		"err", err)
	respondJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid notification"})
}
