// Package globalwallet adapts the two-phase global wallet processor
// (PayPal Orders v2) to the payment gateway interface.
package globalwallet

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/plutov/paypal/v4"
	"github.com/shopspring/decimal"

	"github.com/safar/shop-payments/internal/models"
	"github.com/safar/shop-payments/internal/payment"
)

const (
	orderStatusCompleted = "COMPLETED"
	orderStatusVoided    = "VOIDED"
	relApprove           = "approve"
	relPayerAction       = "payer-action"
)

type API interface {
	CreateOrder(ctx context.Context, intent string, units []paypal.PurchaseUnitRequest, source *paypal.PaymentSource, app *paypal.ApplicationContext) (*paypal.Order, error)
	CaptureOrder(ctx context.Context, orderID string, req paypal.CaptureOrderRequest) (*paypal.CaptureOrderResponse, error)
	GetOrder(ctx context.Context, orderID string) (*paypal.Order, error)
}

var _ API = (*paypal.Client)(nil)

// NewClient returns an authenticated PayPal client. The access token is
// fetched lazily on the first request.
func NewClient(clientID, secret string, production bool) (*paypal.Client, error) {
	base := paypal.APIBaseSandBox
	if production {
		base = paypal.APIBaseLive
	}
	return paypal.NewClient(clientID, secret, base)
}

type Options struct {
	Currency     string
	ExchangeRate decimal.Decimal
	BrandName    string
	ReturnURL    string
	CancelURL    string
	Timeout      time.Duration
}

type Adapter struct {
	log  *slog.Logger
	api  API
	opts Options
}

func NewAdapter(log *slog.Logger, api API, opts Options) *Adapter {
	if opts.Currency == "" {
		opts.Currency = "USD"
	}
	if !opts.ExchangeRate.IsPositive() {
		opts.ExchangeRate = decimal.NewFromInt(1)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	return &Adapter{log: log, api: api, opts: opts}
}

func (a *Adapter) Provider() models.Provider { return models.ProviderPayPal }

// CreateIntent creates a CAPTURE order and returns its approval link.
func (a *Adapter) CreateIntent(ctx context.Context, order *models.Order) (*payment.IntentResult, error) {
	ctx, cancel := context.WithTimeout(ctx, a.opts.Timeout)
	defer cancel()

	unit := paypal.PurchaseUnitRequest{
		ReferenceID: order.OrderNumber,
		InvoiceID:   order.OrderNumber,
		Amount:      a.amount(order),
		Shipping:    shippingDetail(order.ShippingAddress),
	}
	app := &paypal.ApplicationContext{
		BrandName: a.opts.BrandName,
		ReturnURL: a.opts.ReturnURL,
		CancelURL: a.opts.CancelURL,
	}

	created, err := a.api.CreateOrder(ctx, paypal.OrderIntentCapture, []paypal.PurchaseUnitRequest{unit}, nil, app)
	if err != nil {
		return nil, gatewayError("create order", err)
	}

	link := approveLink(created.Links)
	if created.ID == "" || link == "" {
		return nil, &payment.GatewayError{
			Provider: models.ProviderPayPal,
			Op:       "create order",
			Err:      errors.New("response has no order id or approve link"),
		}
	}

	return &payment.IntentResult{
		Provider:    models.ProviderPayPal,
		Reference:   created.ID,
		RedirectURL: link,
	}, nil
}

// Capture finalizes an approved order and returns its first capture.
func (a *Adapter) Capture(ctx context.Context, externalOrderID string) (*payment.CaptureResult, error) {
	ctx, cancel := context.WithTimeout(ctx, a.opts.Timeout)
	defer cancel()

	resp, err := a.api.CaptureOrder(ctx, externalOrderID, paypal.CaptureOrderRequest{})
	if err != nil {
		return nil, gatewayError("capture order", err)
	}

	res := &payment.CaptureResult{
		Provider:        models.ProviderPayPal,
		ExternalOrderID: externalOrderID,
		Status:          resp.Status,
	}
	for _, pu := range resp.PurchaseUnits {
		if pu.Payments == nil || len(pu.Payments.Captures) == 0 {
			continue
		}
		c := pu.Payments.Captures[0]
		res.CaptureID = c.ID
		if c.Status != "" {
			res.Status = c.Status
		}
		break
	}

	return res, nil
}

// GetStatus fetches the order by its PayPal id.
func (a *Adapter) GetStatus(ctx context.Context, ref payment.StatusRef) (*payment.GatewayStatus, error) {
	order, err := a.getOrder(ctx, ref.PaymentID)
	if err != nil {
		return nil, err
	}

	st := &payment.GatewayStatus{
		Provider:     models.ProviderPayPal,
		OrderNumber:  referenceID(order),
		VendorStatus: order.Status,
	}
	switch order.Status {
	case orderStatusCompleted:
		st.Outcome, st.Known = payment.OutcomeSuccess, true
		st.TransactionID = captureID(order)
	case "CREATED", "SAVED", "APPROVED", "PAYER_ACTION_REQUIRED":
		st.Outcome, st.Known = payment.OutcomePending, true
	case orderStatusVoided:
		st.Outcome, st.Known = payment.OutcomeExpired, true
	}
	return st, nil
}

func (a *Adapter) getOrder(ctx context.Context, id string) (*paypal.Order, error) {
	ctx, cancel := context.WithTimeout(ctx, a.opts.Timeout)
	defer cancel()

	order, err := a.api.GetOrder(ctx, id)
	if err != nil {
		return nil, gatewayError("get order", err)
	}
	return order, nil
}

func approveLink(links []paypal.Link) string {
	for _, l := range links {
		if l.Rel == relApprove || l.Rel == relPayerAction {
			return l.Href
		}
	}
	return ""
}

func referenceID(order *paypal.Order) string {
	for _, pu := range order.PurchaseUnits {
		if pu.ReferenceID != "" {
			return pu.ReferenceID
		}
	}
	return ""
}

func findCapture(order *paypal.Order, id string) (paypal.CaptureAmount, bool) {
	if id == "" {
		return paypal.CaptureAmount{}, false
	}
	for _, pu := range order.PurchaseUnits {
		if pu.Payments == nil {
			continue
		}
		for _, c := range pu.Payments.Captures {
			if c.ID == id {
				return c, true
			}
		}
	}
	return paypal.CaptureAmount{}, false
}

func captureID(order *paypal.Order) string {
	for _, pu := range order.PurchaseUnits {
		if pu.Payments != nil && len(pu.Payments.Captures) > 0 {
			return pu.Payments.Captures[0].ID
		}
	}
	return ""
}

func shippingDetail(addr models.ShippingAddress) *paypal.ShippingDetail {
	if addr.Line1 == "" {
		return nil
	}
	return &paypal.ShippingDetail{
		Name: &paypal.Name{FullName: addr.RecipientName},
		Address: &paypal.ShippingDetailAddressPortable{
			AddressLine1: addr.Line1,
			AddressLine2: addr.Line2,
			AdminArea1:   addr.Province,
			AdminArea2:   addr.City,
			PostalCode:   addr.PostalCode,
			CountryCode:  strings.ToUpper(addr.CountryCode),
		},
	}
}

func gatewayError(op string, err error) *payment.GatewayError {
	ge := &payment.GatewayError{Provider: models.ProviderPayPal, Op: op, Err: err}
	var er *paypal.ErrorResponse
	if errors.As(err, &er) && er.Response != nil {
		ge.StatusCode = er.Response.StatusCode
	}
	return ge
}
