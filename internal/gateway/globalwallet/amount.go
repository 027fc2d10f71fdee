package globalwallet

import (
	"github.com/plutov/paypal/v4"
	"github.com/shopspring/decimal"

	"github.com/safar/shop-payments/internal/models"
)

// zeroDecimalCurrencies take no fractional part on the wire.
var zeroDecimalCurrencies = map[string]bool{"JPY": true, "HUF": true, "TWD": true}

// amount builds the purchase unit amount in the gateway currency. Each
// breakdown component is converted and rounded on its own, and the value
// is their sum, so the breakdown always adds up.
func (a *Adapter) amount(order *models.Order) *paypal.PurchaseUnitAmount {
	itemTotal := decimal.Zero
	for _, it := range order.Items {
		unit := it.PricePerItem.Sub(it.Discount)
		itemTotal = itemTotal.Add(unit.Mul(decimal.NewFromInt(int64(it.Quantity))))
	}

	items := a.convert(order.Currency, itemTotal)
	shipping := a.convert(order.Currency, order.ShippingCost)
	tax := a.convert(order.Currency, order.TaxAmount)
	total := items.Add(shipping).Add(tax)

	return &paypal.PurchaseUnitAmount{
		Currency: a.opts.Currency,
		Value:    a.format(total),
		Breakdown: &paypal.PurchaseUnitAmountBreakdown{
			ItemTotal: a.money(items),
			Shipping:  a.money(shipping),
			TaxTotal:  a.money(tax),
		},
	}
}

func (a *Adapter) convert(from string, v decimal.Decimal) decimal.Decimal {
	if from != "" && from != a.opts.Currency {
		v = v.Div(a.opts.ExchangeRate)
	}
	return v.Round(a.places())
}

func (a *Adapter) places() int32 {
	if zeroDecimalCurrencies[a.opts.Currency] {
		return 0
	}
	return 2
}

func (a *Adapter) format(v decimal.Decimal) string {
	return v.StringFixed(a.places())
}

func (a *Adapter) money(v decimal.Decimal) *paypal.Money {
	return &paypal.Money{Currency: a.opts.Currency, Value: a.format(v)}
}
