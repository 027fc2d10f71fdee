// Package api exposes the payment orchestrator over HTTP. Callers are
// authenticated upstream; the user id arrives in the X-User-ID header.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/safar/shop-payments/internal/models"
	"github.com/safar/shop-payments/internal/payment"
)

const UserIDHeader = "X-User-ID"

// Payments is the orchestrator surface the routes call.
type Payments interface {
	CreatePayment(ctx context.Context, userID int64, orderNumber string, method models.PaymentMethod) (*payment.IntentResult, error)
	CapturePayPalPayment(ctx context.Context, userID int64, orderNumber, externalOrderID string) (*payment.CaptureResult, error)
	GetPaymentStatus(ctx context.Context, userID int64, orderNumber string) (*payment.StatusView, error)
	SyncPaymentStatus(ctx context.Context, userID int64, orderNumber string) (*payment.StatusView, error)
}

type Handler struct {
	log      *slog.Logger
	payments Payments
}

func NewHandler(log *slog.Logger, payments Payments) *Handler {
	return &Handler{log: log, payments: payments}
}

func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(requireUser)
	r.Post("/", h.createPayment)
	r.Post("/paypal/capture", h.capturePayPal)
	r.Get("/{orderNumber}/status", h.getStatus)
	r.Post("/{orderNumber}/sync", h.syncStatus)
	return r
}

func (h *Handler) createPayment(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OrderNumber string               `json:"order_number"`
		Method      models.PaymentMethod `json:"method"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	intent, err := h.payments.CreatePayment(r.Context(), userIDFrom(r.Context()), req.OrderNumber, req.Method)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	respondJSON(w, http.StatusCreated, intent)
}

func (h *Handler) capturePayPal(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OrderNumber   string `json:"order_number"`
		PayPalOrderID string `json:"paypal_order_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	res, err := h.payments.CapturePayPalPayment(r.Context(), userIDFrom(r.Context()), req.OrderNumber, req.PayPalOrderID)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, res)
}

func (h *Handler) getStatus(w http.ResponseWriter, r *http.Request) {
	view, err := h.payments.GetPaymentStatus(r.Context(), userIDFrom(r.Context()), chi.URLParam(r, "orderNumber"))
	if err != nil {
		h.fail(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, view)
}

func (h *Handler) syncStatus(w http.ResponseWriter, r *http.Request) {
	view, err := h.payments.SyncPaymentStatus(r.Context(), userIDFrom(r.Context()), chi.URLParam(r, "orderNumber"))
	if err != nil {
		h.fail(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, view)
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.log.Error("payment request failed", "method", r.Method, "path", r.URL.Path, "err", err)
	}
	message := err.Error()
	if status == http.StatusInternalServerError {
		message = "Internal server error"
	}
	respondError(w, status, message)
}

func statusFor(err error) int {
	var (
		validation   *payment.ValidationError
		notFound     *payment.NotFoundError
		forbidden    *payment.AuthorizationError
		precondition *payment.PreconditionError
		gateway      *payment.GatewayError
	)
	switch {
	case errors.As(err, &validation):
		return http.StatusBadRequest
	case errors.As(err, &forbidden):
		return http.StatusForbidden
	case errors.As(err, &notFound):
		return http.StatusNotFound
	case errors.As(err, &precondition):
		return http.StatusConflict
	case errors.As(err, &gateway):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

type ctxKey struct{}

func requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(r.Header.Get(UserIDHeader), 10, 64)
		if err != nil || id <= 0 {
			respondError(w, http.StatusUnauthorized, "Missing or invalid "+UserIDHeader)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, id)))
	})
}

func userIDFrom(ctx context.Context) int64 {
	id, _ := ctx.Value(ctxKey{}).(int64)
	return id
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
