package cardwallet

import (
	"strconv"

	"github.com/midtrans/midtrans-go"
	"github.com/shopspring/decimal"

	"github.com/safar/shop-payments/internal/models"
)

const (
	taxLineID      = "TAX"
	shippingLineID = "SHIPPING"
	maxNameLength  = 50
)

// Manifest is the itemized request body. Gross is always the sum of Items.
type Manifest struct {
	Items []midtrans.ItemDetails
	Gross int64
}

// BuildManifest emits one line per order item priced at the rounded net
// unit price, plus explicit tax and shipping lines when they are non-zero.
func BuildManifest(order *models.Order) Manifest {
	items := make([]midtrans.ItemDetails, 0, len(order.Items)+2)

	for _, it := range order.Items {
		id := it.SKU
		if id == "" {
			id = strconv.FormatInt(it.ProductID, 10)
		}
		items = append(items, midtrans.ItemDetails{
			ID:    id,
			Name:  truncate(it.ProductName, maxNameLength),
			Price: roundUnit(it.PricePerItem.Sub(it.Discount)),
			Qty:   int32(it.Quantity),
		})
	}

	if tax := roundUnit(order.TaxAmount); tax != 0 {
		items = append(items, midtrans.ItemDetails{ID: taxLineID, Name: "Tax", Price: tax, Qty: 1})
	}
	if shipping := roundUnit(order.ShippingCost); shipping != 0 {
		items = append(items, midtrans.ItemDetails{ID: shippingLineID, Name: "Shipping", Price: shipping, Qty: 1})
	}

	var gross int64
	for _, it := range items {
		gross += it.Price * int64(it.Qty)
	}

	return Manifest{Items: items, Gross: gross}
}

// Divergence is the absolute difference between the manifest gross and the
// stored order total.
func (m Manifest) Divergence(total decimal.Decimal) decimal.Decimal {
	return decimal.NewFromInt(m.Gross).Sub(total).Abs()
}

func roundUnit(d decimal.Decimal) int64 {
	return d.Round(0).IntPart()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
