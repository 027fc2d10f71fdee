// Package notify publishes order payment notifications to downstream
// consumers once a transition has committed.
package notify

import (
	"context"
	"time"

	"github.com/google/uuid"
)

const (
	TypePaymentSucceeded = "payment.succeeded"
	TypePaymentFailed    = "payment.failed"
	TypeOrderCancelled   = "order.cancelled"
)

// Notification is the message body published for one committed transition.
type Notification struct {
	EventID     string    `json:"event_id"`
	Type        string    `json:"type"`
	OrderNumber string    `json:"order_number"`
	UserID      int64     `json:"user_id"`
	Status      string    `json:"status"`
	Provider    string    `json:"provider,omitempty"`
	PaymentID   string    `json:"payment_id,omitempty"`
	OccurredAt  time.Time `json:"occurred_at"`
}

func New(typ, orderNumber string, userID int64, status, provider, paymentID string, at time.Time) Notification {
	return Notification{
		EventID:     uuid.NewString(),
		Type:        typ,
		OrderNumber: orderNumber,
		UserID:      userID,
		Status:      status,
		Provider:    provider,
		PaymentID:   paymentID,
		OccurredAt:  at,
	}
}

type Dispatcher interface {
	Dispatch(ctx context.Context, n Notification) error
}
