package cardwallet

import (
	"crypto/sha512"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/safar/shop-payments/internal/models"
	"github.com/safar/shop-payments/internal/payment"
)

// Notification is the HTTP notification body the gateway posts.
type Notification struct {
	OrderID           string `json:"order_id"`
	TransactionStatus string `json:"transaction_status"`
	FraudStatus       string `json:"fraud_status"`
	TransactionID     string `json:"transaction_id"`
	StatusCode        string `json:"status_code"`
	GrossAmount       string `json:"gross_amount"`
	SignatureKey      string `json:"signature_key"`
	PaymentType       string `json:"payment_type"`
	TransactionTime   string `json:"transaction_time,omitempty"`
	SettlementTime    string `json:"settlement_time,omitempty"`
}

func ParseNotification(body []byte) (*Notification, error) {
	var n Notification
	if err := json.Unmarshal(body, &n); err != nil {
		return nil, fmt.Errorf("decode notification: %w", err)
	}
	return &n, nil
}

// Verifier authenticates notifications with the merchant server key.
type Verifier struct {
	serverKey string
}

func NewVerifier(serverKey string) *Verifier {
	return &Verifier{serverKey: serverKey}
}

// Sign returns hex(SHA512(order_id + status_code + gross_amount + key)).
func (v *Verifier) Sign(orderID, statusCode, grossAmount string) string {
	sum := sha512.Sum512([]byte(orderID + statusCode + grossAmount + v.serverKey))
	return hex.EncodeToString(sum[:])
}

func (v *Verifier) Verify(n *Notification) error {
	if v.serverKey == "" {
		return &payment.SignatureError{Provider: models.ProviderMidtrans, Reason: "server key not configured"}
	}
	if n.SignatureKey == "" {
		return &payment.SignatureError{Provider: models.ProviderMidtrans, Reason: "missing signature_key"}
	}

	want := v.Sign(n.OrderID, n.StatusCode, n.GrossAmount)
	if subtle.ConstantTimeCompare([]byte(want), []byte(n.SignatureKey)) != 1 {
		return &payment.SignatureError{Provider: models.ProviderMidtrans, Reason: "signature mismatch"}
	}
	return nil
}
