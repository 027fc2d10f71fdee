package globalwallet

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/safar/shop-payments/internal/models"
	"github.com/safar/shop-payments/internal/payment"
)

const (
	EventCaptureCompleted = "PAYMENT.CAPTURE.COMPLETED"
	EventCaptureDenied    = "PAYMENT.CAPTURE.DENIED"

	captureStatusCompleted = "COMPLETED"
	captureStatusDeclined  = "DECLINED"
	captureStatusFailed    = "FAILED"
)

// Notification is the subset of a webhook event body this service reads.
type Notification struct {
	ID        string   `json:"id"`
	EventType string   `json:"event_type"`
	Resource  Resource `json:"resource"`
}

type Resource struct {
	ID                string            `json:"id"`
	Status            string            `json:"status"`
	SupplementaryData SupplementaryData `json:"supplementary_data"`
}

type SupplementaryData struct {
	RelatedIDs RelatedIDs `json:"related_ids"`
}

type RelatedIDs struct {
	OrderID string `json:"order_id"`
}

func ParseNotification(body []byte) (*Notification, error) {
	var n Notification
	if err := json.Unmarshal(body, &n); err != nil {
		return nil, fmt.Errorf("decode notification: %w", err)
	}
	return &n, nil
}

// MapEventType returns the outcome for the capture events that drive a
// transition. ok is false for every other event type.
func MapEventType(eventType string) (payment.Outcome, bool) {
	switch eventType {
	case EventCaptureCompleted:
		return payment.OutcomeSuccess, true
	case EventCaptureDenied:
		return payment.OutcomeDenied, true
	}
	return "", false
}

// ExternalOrderID is the PayPal order the captured resource belongs to.
func (n *Notification) ExternalOrderID() string {
	return n.Resource.SupplementaryData.RelatedIDs.OrderID
}

// Event normalizes n once its internal order number has been resolved.
func (n *Notification) Event(orderNumber string, receivedAt time.Time) (payment.Event, bool) {
	outcome, ok := MapEventType(n.EventType)
	if !ok {
		return payment.Event{}, false
	}
	return payment.Event{
		Provider:      models.ProviderPayPal,
		OrderNumber:   orderNumber,
		Outcome:       outcome,
		TransactionID: n.Resource.ID,
		VendorStatus:  n.EventType,
		ReceivedAt:    receivedAt,
	}, true
}

// Confirm authenticates n by fetching the order it references and returns
// the event to apply. Only the fetched order is trusted:
//   - a completed capture needs a COMPLETED order holding that capture in
//     COMPLETED state;
//   - a denied capture needs that capture DECLINED or FAILED.
//
// ok is false when the event type drives no transition or the fetched
// order disagrees. An error means the referenced order could not be read.
func (a *Adapter) Confirm(ctx context.Context, n *Notification, receivedAt time.Time) (ev payment.Event, ok bool, err error) {
	outcome, mapped := MapEventType(n.EventType)
	if !mapped {
		return payment.Event{}, false, nil
	}

	externalID := n.ExternalOrderID()
	if externalID == "" {
		return payment.Event{}, false, &payment.ValidationError{Field: "order_id", Message: "required"}
	}

	order, err := a.getOrder(ctx, externalID)
	if err != nil {
		return payment.Event{}, false, err
	}
	number := referenceID(order)
	if number == "" {
		return payment.Event{}, false, &payment.GatewayError{
			Provider: models.ProviderPayPal,
			Op:       "get order",
			Err:      fmt.Errorf("order %s has no reference id", externalID),
		}
	}

	ev, _ = n.Event(number, receivedAt)

	capture, found := findCapture(order, n.Resource.ID)
	switch outcome {
	case payment.OutcomeSuccess:
		ok = order.Status == orderStatusCompleted && found && capture.Status == captureStatusCompleted
	case payment.OutcomeDenied:
		ok = found && (capture.Status == captureStatusDeclined || capture.Status == captureStatusFailed)
	}

	if !ok {
		a.log.Warn("notification contradicts gateway order state",
			"event_id", n.ID,
			"event_type", n.EventType,
			"external_order_id", externalID,
			"order_number", number,
			"order_status", order.Status,
			"capture_id", n.Resource.ID,
			"capture_found", found,
			"capture_status", capture.Status)
	}
	return ev, ok, nil
}
