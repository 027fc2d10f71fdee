// Package cardwallet adapts the card, e-wallet and bank transfer
// aggregator (Midtrans Snap and Core API) to the payment gateway interface.
package cardwallet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/midtrans/midtrans-go"
	"github.com/midtrans/midtrans-go/coreapi"
	"github.com/midtrans/midtrans-go/snap"
	"github.com/shopspring/decimal"

	"github.com/safar/shop-payments/internal/models"
	"github.com/safar/shop-payments/internal/payment"
)

type SnapAPI interface {
	CreateTransaction(req *snap.Request) (*snap.Response, *midtrans.Error)
}

type CoreAPI interface {
	CheckTransaction(param string) (*coreapi.TransactionStatusResponse, *midtrans.Error)
}

var (
	_ SnapAPI = (*snap.Client)(nil)
	_ CoreAPI = (*coreapi.Client)(nil)
)

// NewClients builds SDK clients for the given environment.
func NewClients(serverKey string, production bool) (*snap.Client, *coreapi.Client) {
	env := midtrans.Sandbox
	if production {
		env = midtrans.Production
	}

	var s snap.Client
	s.New(serverKey, env)

	var c coreapi.Client
	c.New(serverKey, env)

	return &s, &c
}

type Adapter struct {
	log     *slog.Logger
	snap    SnapAPI
	core    CoreAPI
	timeout time.Duration
}

func NewAdapter(log *slog.Logger, snapAPI SnapAPI, core CoreAPI, timeout time.Duration) *Adapter {
	return &Adapter{log: log, snap: snapAPI, core: core, timeout: timeout}
}

func (a *Adapter) Provider() models.Provider { return models.ProviderMidtrans }

func (a *Adapter) CreateIntent(ctx context.Context, order *models.Order) (*payment.IntentResult, error) {
	manifest := BuildManifest(order)

	if diff := manifest.Divergence(order.TotalAmount); diff.GreaterThan(decimal.NewFromInt(1)) {
		a.log.Warn("manifest total diverges from order total",
			"order_number", order.OrderNumber,
			"manifest_gross", manifest.Gross,
			"order_total", order.TotalAmount.String(),
			"difference", diff.String())
	}

	req := &snap.Request{
		TransactionDetails: midtrans.TransactionDetails{
			OrderID:  order.OrderNumber,
			GrossAmt: manifest.Gross,
		},
		Items:          &manifest.Items,
		CustomerDetail: customerDetails(order),
	}

	resp, err := call(ctx, a.timeout, func() (*snap.Response, *midtrans.Error) {
		return a.snap.CreateTransaction(req)
	})
	if err != nil {
		return nil, gatewayError("create transaction", err)
	}
	if resp.Token == "" {
		return nil, &payment.GatewayError{
			Provider: models.ProviderMidtrans,
			Op:       "create transaction",
			Err:      fmt.Errorf("empty token: %s", strings.Join(resp.ErrorMessages, "; ")),
		}
	}

	return &payment.IntentResult{
		Provider:    models.ProviderMidtrans,
		Reference:   resp.Token,
		Token:       resp.Token,
		RedirectURL: resp.RedirectURL,
	}, nil
}

// GetStatus queries the transaction by order number.
func (a *Adapter) GetStatus(ctx context.Context, ref payment.StatusRef) (*payment.GatewayStatus, error) {
	resp, err := call(ctx, a.timeout, func() (*coreapi.TransactionStatusResponse, *midtrans.Error) {
		return a.core.CheckTransaction(ref.OrderNumber)
	})
	if err != nil {
		// The SDK reports an unknown order id as an API error.
		var me *midtrans.Error
		if errors.As(err, &me) && me.StatusCode == http.StatusNotFound {
			return &payment.GatewayStatus{
				Provider:     models.ProviderMidtrans,
				OrderNumber:  ref.OrderNumber,
				VendorStatus: "not_found",
			}, nil
		}
		return nil, gatewayError("check transaction", err)
	}

	st := &payment.GatewayStatus{
		Provider:      models.ProviderMidtrans,
		OrderNumber:   ref.OrderNumber,
		TransactionID: resp.TransactionID,
		VendorStatus:  vendorStatus(resp.TransactionStatus, resp.FraudStatus),
	}
	if resp.StatusCode == "404" {
		return st, nil
	}
	st.Outcome, st.Known = MapStatus(resp.TransactionStatus, resp.FraudStatus)
	return st, nil
}

func customerDetails(order *models.Order) *midtrans.CustomerDetails {
	first, last := splitName(order.Customer.Name)
	addr := order.ShippingAddress

	line := addr.Line1
	if addr.Line2 != "" {
		line += ", " + addr.Line2
	}
	shipFirst, shipLast := splitName(addr.RecipientName)

	return &midtrans.CustomerDetails{
		FName: first,
		LName: last,
		Email: order.Customer.Email,
		Phone: order.Customer.Phone,
		ShipAddr: &midtrans.CustomerAddress{
			FName:       shipFirst,
			LName:       shipLast,
			Phone:       addr.Phone,
			Address:     line,
			City:        addr.City,
			Postcode:    addr.PostalCode,
			CountryCode: countryCode(addr.CountryCode),
		},
	}
}

func splitName(name string) (string, string) {
	first, last, _ := strings.Cut(strings.TrimSpace(name), " ")
	return first, strings.TrimSpace(last)
}

// countryCode returns the ISO 3166-1 alpha-3 code the gateway expects.
func countryCode(code string) string {
	switch strings.ToUpper(code) {
	case "", "ID", "IDN":
		return "IDN"
	case "SG", "SGP":
		return "SGP"
	case "MY", "MYS":
		return "MYS"
	case "US", "USA":
		return "USA"
	}
	return strings.ToUpper(code)
}

type sdkResult[T any] struct {
	value T
	err   *midtrans.Error
}

// call runs an SDK function that takes no context under a deadline.
func call[T any](ctx context.Context, timeout time.Duration, fn func() (T, *midtrans.Error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan sdkResult[T], 1)
	go func() {
		v, err := fn()
		done <- sdkResult[T]{value: v, err: err}
	}()

	var zero T
	select {
	case r := <-done:
		if r.err != nil {
			return zero, r.err
		}
		return r.value, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

func gatewayError(op string, err error) *payment.GatewayError {
	ge := &payment.GatewayError{Provider: models.ProviderMidtrans, Op: op, Err: err}
	var me *midtrans.Error
	if errors.As(err, &me) {
		ge.StatusCode = me.StatusCode
	}
	return ge
}
