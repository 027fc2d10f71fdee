package webhook

import (
	"encoding/json"
	"net/http"

	"github.com/safar/shop-payments/internal/models"
	"github.com/safar/shop-payments/internal/ratelimit"
)

// rateLimit rejects requests over either window with 429. A limiter
// backend error lets the request through.
func (h *Handler) rateLimit(provider models.Provider, l ratelimit.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if l == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := h.ips.ClientIP(r)
			allowed, err := l.Allow(r.Context(), ip)
			if err != nil {
				h.log.Error("rate limiter unavailable", "provider", provider, "err", err)
				next.ServeHTTP(w, r)
				return
			}
			if !allowed {
				h.log.Warn("webhook rate limited", "provider", provider, "remote_ip", ip)
				w.Header().Set("Retry-After", "1")
				respondJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func ack(w http.ResponseWriter) {
	respondJSON(w, http.StatusOK, map[string]bool{"received": true})
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
