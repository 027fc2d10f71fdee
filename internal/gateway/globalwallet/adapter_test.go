package globalwallet

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/plutov/paypal/v4"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/safar/shop-payments/internal/logging"
	"github.com/safar/shop-payments/internal/models"
	"github.com/safar/shop-payments/internal/payment"
)

type fakeAPI struct {
	units   []paypal.PurchaseUnitRequest
	source  *paypal.PaymentSource
	app     *paypal.ApplicationContext
	created *paypal.Order
	capture *paypal.CaptureOrderResponse
	order   *paypal.Order
	err     error
}

func (f *fakeAPI) CreateOrder(_ context.Context, _ string, units []paypal.PurchaseUnitRequest, source *paypal.PaymentSource, app *paypal.ApplicationContext) (*paypal.Order, error) {
	f.units = units
	f.source = source
	f.app = app
	return f.created, f.err
}

func (f *fakeAPI) CaptureOrder(context.Context, string, paypal.CaptureOrderRequest) (*paypal.CaptureOrderResponse, error) {
	return f.capture, f.err
}

func (f *fakeAPI) GetOrder(context.Context, string) (*paypal.Order, error) {
	return f.order, f.err
}

func newTestAdapter(api API) *Adapter {
	return NewAdapter(logging.Discard(), api, Options{
		Currency:     "USD",
		ExchangeRate: decimal.NewFromInt(16000),
		BrandName:    "Shop",
		ReturnURL:    "https://shop.example/return",
		CancelURL:    "https://shop.example/cancel",
		Timeout:      time.Second,
	})
}

func idrOrder() *models.Order {
	return &models.Order{
		ID:           1,
		OrderNumber:  "ORD-2001",
		Currency:     "IDR",
		TaxAmount:    decimal.NewFromInt(99000),
		ShippingCost: decimal.NewFromInt(20000),
		ShippingAddress: models.ShippingAddress{
			RecipientName: "Budi Santoso",
			Line1:         "Jl. Sudirman 5",
			City:          "Jakarta",
			Province:      "DKI Jakarta",
			PostalCode:    "10220",
			CountryCode:   "id",
		},
		Items: []models.OrderItem{{
			ProductID:    1,
			Quantity:     2,
			PricePerItem: decimal.NewFromInt(450000),
			Discount:     decimal.Zero,
		}},
	}
}

func TestCreateIntent_ConvertsBreakdown(t *testing.T) {
	api := &fakeAPI{created: &paypal.Order{
		ID:     "5O190127TN364715T",
		Status: "CREATED",
		Links: []paypal.Link{
			{Rel: "self", Href: "https://api.sandbox.paypal.com/v2/checkout/orders/5O190127TN364715T"},
			{Rel: "approve", Href: "https://www.sandbox.paypal.com/checkoutnow?token=5O190127TN364715T"},
		},
	}}
	a := newTestAdapter(api)

	res, err := a.CreateIntent(context.Background(), idrOrder())
	require.NoError(t, err)

	assert.Equal(t, "5O190127TN364715T", res.Reference)
	assert.Equal(t, "https://www.sandbox.paypal.com/checkoutnow?token=5O190127TN364715T", res.RedirectURL)
	assert.Equal(t, models.ProviderPayPal, res.Provider)

	require.Len(t, api.units, 1)
	unit := api.units[0]
	assert.Equal(t, "ORD-2001", unit.ReferenceID)
	assert.Equal(t, "USD", unit.Amount.Currency)
	assert.Equal(t, "56.25", unit.Amount.Breakdown.ItemTotal.Value)
	assert.Equal(t, "1.25", unit.Amount.Breakdown.Shipping.Value)
	assert.Equal(t, "6.19", unit.Amount.Breakdown.TaxTotal.Value)
	assert.Equal(t, "63.69", unit.Amount.Value)
	assert.Equal(t, "ID", unit.Shipping.Address.CountryCode)
	assert.Equal(t, "Budi Santoso", unit.Shipping.Name.FullName)
	assert.Equal(t, "https://shop.example/return", api.app.ReturnURL)
	assert.Nil(t, api.source, "buyer picks the funding source on the approval page")
}

func TestCreateIntent_SameCurrencyIsNotConverted(t *testing.T) {
	api := &fakeAPI{created: &paypal.Order{ID: "X", Links: []paypal.Link{{Rel: "approve", Href: "https://approve"}}}}
	a := newTestAdapter(api)

	order := idrOrder()
	order.Currency = "USD"
	order.Items[0].PricePerItem = decimal.RequireFromString("10.50")
	order.TaxAmount = decimal.RequireFromString("2.10")
	order.ShippingCost = decimal.Zero

	_, err := a.CreateIntent(context.Background(), order)
	require.NoError(t, err)
	assert.Equal(t, "21.00", api.units[0].Amount.Breakdown.ItemTotal.Value)
	assert.Equal(t, "23.10", api.units[0].Amount.Value)
}

func TestCreateIntent_MissingApproveLink(t *testing.T) {
	a := newTestAdapter(&fakeAPI{created: &paypal.Order{ID: "X"}})

	_, err := a.CreateIntent(context.Background(), idrOrder())
	var ge *payment.GatewayError
	assert.ErrorAs(t, err, &ge)
}

func TestCreateIntent_ErrorCarriesStatus(t *testing.T) {
	a := newTestAdapter(&fakeAPI{err: &paypal.ErrorResponse{
		Response: &http.Response{StatusCode: http.StatusUnprocessableEntity},
		Name:     "UNPROCESSABLE_ENTITY",
	}})

	_, err := a.CreateIntent(context.Background(), idrOrder())
	var ge *payment.GatewayError
	require.ErrorAs(t, err, &ge)
	assert.Equal(t, http.StatusUnprocessableEntity, ge.StatusCode)
}

func TestCapture_ReturnsFirstCapture(t *testing.T) {
	a := newTestAdapter(&fakeAPI{capture: &paypal.CaptureOrderResponse{
		ID:     "5O190127TN364715T",
		Status: "COMPLETED",
		PurchaseUnits: []paypal.CapturedPurchaseUnit{{
			Payments: &paypal.CapturedPayments{
				Captures: []paypal.CaptureAmount{{ID: "3C679366HH908993F", Status: "COMPLETED"}},
			},
		}},
	}})

	res, err := a.Capture(context.Background(), "5O190127TN364715T")
	require.NoError(t, err)
	assert.Equal(t, "3C679366HH908993F", res.CaptureID)
	assert.Equal(t, payment.CaptureStatusCompleted, res.Status)
	assert.Equal(t, "5O190127TN364715T", res.ExternalOrderID)
}

func TestCapture_Error(t *testing.T) {
	a := newTestAdapter(&fakeAPI{err: errors.New("connection reset")})

	_, err := a.Capture(context.Background(), "X")
	var ge *payment.GatewayError
	require.ErrorAs(t, err, &ge)
	assert.Equal(t, "capture order", ge.Op)
}

func TestGetStatus(t *testing.T) {
	tests := []struct {
		status  string
		outcome payment.Outcome
		known   bool
	}{
		{"COMPLETED", payment.OutcomeSuccess, true},
		{"APPROVED", payment.OutcomePending, true},
		{"VOIDED", payment.OutcomeExpired, true},
		{"SOMETHING_NEW", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.status, func(t *testing.T) {
			a := newTestAdapter(&fakeAPI{order: &paypal.Order{
				ID:            "P-1",
				Status:        tt.status,
				PurchaseUnits: []paypal.PurchaseUnit{{ReferenceID: "ORD-2001"}},
			}})

			st, err := a.GetStatus(context.Background(), payment.StatusRef{PaymentID: "P-1"})
			require.NoError(t, err)
			assert.Equal(t, tt.known, st.Known)
			assert.Equal(t, tt.outcome, st.Outcome)
			assert.Equal(t, "ORD-2001", st.OrderNumber)
		})
	}
}

func capturedOrder(status, captureID, captureStatus string) *paypal.Order {
	o := &paypal.Order{
		ID:            "P-1",
		Status:        status,
		PurchaseUnits: []paypal.PurchaseUnit{{ReferenceID: "ORD-2001"}},
	}
	if captureID != "" {
		o.PurchaseUnits[0].Payments = &paypal.CapturedPayments{
			Captures: []paypal.CaptureAmount{{ID: captureID, Status: captureStatus}},
		}
	}
	return o
}

func notification(eventType, captureID string) *Notification {
	n := &Notification{ID: "WH-1", EventType: eventType}
	n.Resource.ID = captureID
	n.Resource.SupplementaryData.RelatedIDs.OrderID = "P-1"
	return n
}

func TestConfirm(t *testing.T) {
	tests := []struct {
		name    string
		order   *paypal.Order
		event   *Notification
		ok      bool
		outcome payment.Outcome
	}{
		{
			name:    "completed capture on completed order",
			order:   capturedOrder("COMPLETED", "CAP-1", "COMPLETED"),
			event:   notification(EventCaptureCompleted, "CAP-1"),
			ok:      true,
			outcome: payment.OutcomeSuccess,
		},
		{
			name:  "completion claimed for created order",
			order: capturedOrder("CREATED", "", ""),
			event: notification(EventCaptureCompleted, "CAP-1"),
		},
		{
			name:  "completion claimed for approved order",
			order: capturedOrder("APPROVED", "", ""),
			event: notification(EventCaptureCompleted, "CAP-1"),
		},
		{
			name:  "completion names another capture",
			order: capturedOrder("COMPLETED", "CAP-1", "COMPLETED"),
			event: notification(EventCaptureCompleted, "FAKE"),
		},
		{
			name:  "capture still pending",
			order: capturedOrder("COMPLETED", "CAP-1", "PENDING"),
			event: notification(EventCaptureCompleted, "CAP-1"),
		},
		{
			name:    "declined capture",
			order:   capturedOrder("APPROVED", "CAP-1", "DECLINED"),
			event:   notification(EventCaptureDenied, "CAP-1"),
			ok:      true,
			outcome: payment.OutcomeDenied,
		},
		{
			name:  "denial claimed for completed capture",
			order: capturedOrder("COMPLETED", "CAP-1", "COMPLETED"),
			event: notification(EventCaptureDenied, "CAP-1"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newTestAdapter(&fakeAPI{order: tt.order})

			ev, ok, err := a.Confirm(context.Background(), tt.event, time.Now())
			require.NoError(t, err)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, "ORD-2001", ev.OrderNumber)
			if tt.ok {
				assert.Equal(t, tt.outcome, ev.Outcome)
				assert.Equal(t, "CAP-1", ev.TransactionID)
			}
		})
	}
}

func TestConfirm_Errors(t *testing.T) {
	n := notification(EventCaptureCompleted, "CAP-1")
	n.Resource.SupplementaryData.RelatedIDs.OrderID = ""
	_, _, err := newTestAdapter(&fakeAPI{}).Confirm(context.Background(), n, time.Now())
	var ve *payment.ValidationError
	assert.ErrorAs(t, err, &ve)

	a := newTestAdapter(&fakeAPI{order: &paypal.Order{ID: "P-1", Status: "COMPLETED"}})
	_, _, err = a.Confirm(context.Background(), notification(EventCaptureCompleted, "CAP-1"), time.Now())
	var ge *payment.GatewayError
	assert.ErrorAs(t, err, &ge)

	a = newTestAdapter(&fakeAPI{err: errors.New("RESOURCE_NOT_FOUND")})
	_, _, err = a.Confirm(context.Background(), notification(EventCaptureCompleted, "CAP-1"), time.Now())
	require.ErrorAs(t, err, &ge)
	assert.Equal(t, "get order", ge.Op)
}

func TestConfirm_OtherEventsSkipTheLookup(t *testing.T) {
	a := newTestAdapter(&fakeAPI{err: errors.New("must not be called")})

	_, ok, err := a.Confirm(context.Background(), notification("CHECKOUT.ORDER.APPROVED", ""), time.Now())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestNotification_Event(t *testing.T) {
	body := []byte(`{"id":"WH-1","event_type":"PAYMENT.CAPTURE.COMPLETED",
		"resource":{"id":"CAP-1","status":"COMPLETED","supplementary_data":{"related_ids":{"order_id":"P-1"}}}}`)

	n, err := ParseNotification(body)
	require.NoError(t, err)
	assert.Equal(t, "P-1", n.ExternalOrderID())

	ev, ok := n.Event("ORD-2001", time.Now())
	require.True(t, ok)
	assert.Equal(t, payment.OutcomeSuccess, ev.Outcome)
	assert.Equal(t, "CAP-1", ev.TransactionID)
	assert.Equal(t, models.ProviderPayPal, ev.Provider)

	n.EventType = "CHECKOUT.ORDER.APPROVED"
	_, ok = n.Event("ORD-2001", time.Now())
	assert.False(t, ok)
}
