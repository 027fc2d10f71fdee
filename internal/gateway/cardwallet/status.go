package cardwallet

import (
	"time"

	"github.com/safar/shop-payments/internal/models"
	"github.com/safar/shop-payments/internal/payment"
)

// MapStatus translates the gateway's transaction and fraud status into an
// outcome. ok is false for statuses that carry no transition.
func MapStatus(transactionStatus, fraudStatus string) (payment.Outcome, bool) {
	switch transactionStatus {
	case "capture":
		switch fraudStatus {
		case "accept":
			return payment.OutcomeSuccess, true
		case "challenge":
			return payment.OutcomePending, true
		case "deny":
			return payment.OutcomeDenied, true
		}
		return "", false
	case "settlement":
		return payment.OutcomeSuccess, true
	case "pending":
		return payment.OutcomePending, true
	case "deny":
		return payment.OutcomeDenied, true
	case "cancel", "expire":
		return payment.OutcomeExpired, true
	}
	return "", false
}

// Event normalizes n. ok is false when its status maps to no outcome.
func (n *Notification) Event(receivedAt time.Time) (payment.Event, bool) {
	outcome, ok := MapStatus(n.TransactionStatus, n.FraudStatus)
	if !ok {
		return payment.Event{}, false
	}
	return payment.Event{
		Provider:      models.ProviderMidtrans,
		OrderNumber:   n.OrderID,
		Outcome:       outcome,
		TransactionID: n.TransactionID,
		VendorStatus:  vendorStatus(n.TransactionStatus, n.FraudStatus),
		ReceivedAt:    receivedAt,
	}, true
}

func vendorStatus(transactionStatus, fraudStatus string) string {
	if fraudStatus == "" {
		return transactionStatus
	}
	return transactionStatus + "/" + fraudStatus
}
