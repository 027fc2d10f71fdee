package reconcile

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/safar/shop-payments/internal/database"
	"github.com/safar/shop-payments/internal/logging"
	"github.com/safar/shop-payments/internal/models"
	"github.com/safar/shop-payments/internal/notify"
	"github.com/safar/shop-payments/internal/payment"
)

// memStore serializes WithOrderLocked with a single mutex, which gives the
// same per-order exclusion the row lock gives in Postgres. Mutations are
// staged and only applied when fn returns nil.
type memStore struct {
	mu     sync.Mutex
	orders map[string]*models.Order
	stock  map[int64]int
	failOn string
}

func newMemStore() *memStore {
	return &memStore{orders: make(map[string]*models.Order), stock: make(map[int64]int)}
}

func (s *memStore) WithOrderLocked(ctx context.Context, orderNumber string, fn func(ctx context.Context, tx Tx, order *models.Order) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[orderNumber]
	if !ok {
		return database.ErrOrderNotFound
	}
	cp := *o
	tx := &memTx{store: s, order: &cp, stockDelta: make(map[int64]int)}
	if err := fn(ctx, tx, &cp); err != nil {
		return err
	}
	s.orders[orderNumber] = tx.order
	for id, d := range tx.stockDelta {
		s.stock[id] += d
	}
	return nil
}

func (s *memStore) get(number string) models.Order {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.orders[number]
}

func (s *memStore) stockOf(id int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stock[id]
}

type memTx struct {
	store      *memStore
	order      *models.Order
	stockDelta map[int64]int
}

func (t *memTx) MarkPaid(_ context.Context, _ int64, paidAt time.Time, provider models.Provider, paymentID string) error {
	t.order.Status = models.OrderStatusPaid
	t.order.PaidAt = &paidAt
	t.order.PaymentProvider = provider
	t.order.PaymentID = paymentID
	return nil
}

func (t *memTx) MarkFailed(context.Context, int64) error {
	t.order.Status = models.OrderStatusFailed
	return nil
}

func (t *memTx) MarkCancelled(_ context.Context, _ int64, canceledAt time.Time) error {
	t.order.Status = models.OrderStatusCancelled
	t.order.CanceledAt = &canceledAt
	return nil
}

func (t *memTx) IncrementVariantStock(_ context.Context, variantID int64, quantity int) error {
	if t.store.failOn == "increment" {
		return errors.New("disk full")
	}
	t.stockDelta[variantID] += quantity
	return nil
}

type recordingDispatcher struct {
	mu   sync.Mutex
	sent []notify.Notification
	err  error
}

func (d *recordingDispatcher) Dispatch(_ context.Context, n notify.Notification) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sent = append(d.sent, n)
	return d.err
}

func (d *recordingDispatcher) types() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.sent))
	for _, n := range d.sent {
		out = append(out, n.Type)
	}
	return out
}

func variantID(id int64) *int64 { return &id }

func seedOrder(s *memStore, number string, status models.OrderStatus) {
	s.orders[number] = &models.Order{
		ID:              1,
		UserID:          7,
		OrderNumber:     number,
		Status:          status,
		PaymentProvider: models.ProviderMidtrans,
		PaymentID:       "snap-token-1",
		Items: []models.OrderItem{
			{ID: 1, ProductID: 10, VariantID: variantID(100), Quantity: 3},
			{ID: 2, ProductID: 11, VariantID: nil, Quantity: 1},
		},
	}
	s.stock[100] = 5
}

func newTestReconciler(s Store, d notify.Dispatcher) *Reconciler {
	r := NewReconciler(logging.Discard(), s, d)
	r.now = func() time.Time { return time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC) }
	return r
}

func event(number string, outcome payment.Outcome) payment.Event {
	return payment.Event{
		Provider:      models.ProviderMidtrans,
		OrderNumber:   number,
		Outcome:       outcome,
		TransactionID: "txn-1",
		VendorStatus:  "vendor",
	}
}

func TestApply_SuccessIsIdempotent(t *testing.T) {
	s := newMemStore()
	seedOrder(s, "ORD-1", models.OrderStatusPending)
	d := &recordingDispatcher{}
	r := newTestReconciler(s, d)

	res, err := r.Apply(context.Background(), event("ORD-1", payment.OutcomeSuccess))
	require.NoError(t, err)
	assert.False(t, res.Noop)
	assert.Equal(t, models.OrderStatusPending, res.Previous)
	assert.Equal(t, models.OrderStatusPaid, res.Current)

	first := s.get("ORD-1")
	require.NotNil(t, first.PaidAt)

	res, err = r.Apply(context.Background(), event("ORD-1", payment.OutcomeSuccess))
	require.NoError(t, err)
	assert.True(t, res.Noop)
	assert.Equal(t, models.OrderStatusPaid, res.Current)

	second := s.get("ORD-1")
	assert.Equal(t, first.PaidAt, second.PaidAt)
	assert.Equal(t, "snap-token-1", second.PaymentID)

	r.Wait()
	assert.Equal(t, []string{notify.TypePaymentSucceeded}, d.types())
}

func TestApply_ExpiredRestoresInventoriedItems(t *testing.T) {
	s := newMemStore()
	seedOrder(s, "ORD-2", models.OrderStatusPending)
	d := &recordingDispatcher{}
	r := newTestReconciler(s, d)

	res, err := r.Apply(context.Background(), event("ORD-2", payment.OutcomeExpired))
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusCancelled, res.Current)
	assert.Equal(t, 8, s.stockOf(100))
	assert.NotNil(t, s.get("ORD-2").CanceledAt)

	r.Wait()
	assert.Equal(t, []string{notify.TypeOrderCancelled}, d.types())
}

func TestApply_ConcurrentExpiryRestoresOnce(t *testing.T) {
	s := newMemStore()
	seedOrder(s, "ORD-3", models.OrderStatusPending)
	r := newTestReconciler(s, &recordingDispatcher{})

	const deliveries = 8
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		moved int
	)
	for i := 0; i < deliveries; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := r.Apply(context.Background(), event("ORD-3", payment.OutcomeExpired))
			assert.NoError(t, err)
			if !res.Noop {
				mu.Lock()
				moved++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	r.Wait()

	assert.Equal(t, 1, moved)
	assert.Equal(t, 8, s.stockOf(100))
	assert.Equal(t, models.OrderStatusCancelled, s.get("ORD-3").Status)
}

func TestApply_DeniedFailsOrder(t *testing.T) {
	s := newMemStore()
	seedOrder(s, "ORD-4", models.OrderStatusPending)
	r := newTestReconciler(s, nil)

	res, err := r.Apply(context.Background(), event("ORD-4", payment.OutcomeDenied))
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusFailed, res.Current)
	assert.Equal(t, 5, s.stockOf(100))
}

func TestApply_NoTransitionCases(t *testing.T) {
	tests := []struct {
		name    string
		status  models.OrderStatus
		outcome payment.Outcome
	}{
		{"pending outcome", models.OrderStatusPending, payment.OutcomePending},
		{"expiry after payment", models.OrderStatusPaid, payment.OutcomeExpired},
		{"denial after shipment", models.OrderStatusShipped, payment.OutcomeDenied},
		{"success on failed", models.OrderStatusFailed, payment.OutcomeSuccess},
		{"success on cancelled", models.OrderStatusCancelled, payment.OutcomeSuccess},
		{"expiry on cancelled", models.OrderStatusCancelled, payment.OutcomeExpired},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newMemStore()
			seedOrder(s, "ORD-5", tt.status)
			d := &recordingDispatcher{}
			r := newTestReconciler(s, d)

			res, err := r.Apply(context.Background(), event("ORD-5", tt.outcome))
			require.NoError(t, err)
			assert.True(t, res.Noop)
			assert.NotEmpty(t, res.Reason)
			assert.Equal(t, tt.status, s.get("ORD-5").Status)
			assert.Equal(t, 5, s.stockOf(100))

			r.Wait()
			assert.Empty(t, d.types())
		})
	}
}

func TestApply_NotifierFailureDoesNotAffectTransition(t *testing.T) {
	s := newMemStore()
	seedOrder(s, "ORD-6", models.OrderStatusPending)
	r := newTestReconciler(s, &recordingDispatcher{err: errors.New("broker down")})

	res, err := r.Apply(context.Background(), event("ORD-6", payment.OutcomeSuccess))
	require.NoError(t, err)
	r.Wait()

	assert.Equal(t, models.OrderStatusPaid, res.Current)
	assert.Equal(t, models.OrderStatusPaid, s.get("ORD-6").Status)
}

func TestApply_CompensationFailureRollsBack(t *testing.T) {
	s := newMemStore()
	seedOrder(s, "ORD-7", models.OrderStatusPending)
	s.failOn = "increment"
	d := &recordingDispatcher{}
	r := newTestReconciler(s, d)

	_, err := r.Apply(context.Background(), event("ORD-7", payment.OutcomeExpired))
	require.Error(t, err)
	assert.Equal(t, models.OrderStatusPending, s.get("ORD-7").Status)
	assert.Equal(t, 5, s.stockOf(100))

	r.Wait()
	assert.Empty(t, d.types())
}

func TestApply_UnknownOrder(t *testing.T) {
	r := newTestReconciler(newMemStore(), nil)

	_, err := r.Apply(context.Background(), event("ORD-missing", payment.OutcomeSuccess))
	var nf *payment.NotFoundError
	assert.ErrorAs(t, err, &nf)
}

func TestApply_RequiresOrderNumber(t *testing.T) {
	r := newTestReconciler(newMemStore(), nil)

	_, err := r.Apply(context.Background(), event("", payment.OutcomeSuccess))
	var ve *payment.ValidationError
	assert.ErrorAs(t, err, &ve)
}

func TestApply_FillsMissingPaymentReference(t *testing.T) {
	s := newMemStore()
	seedOrder(s, "ORD-8", models.OrderStatusPending)
	s.orders["ORD-8"].PaymentID = ""
	s.orders["ORD-8"].PaymentProvider = ""
	r := newTestReconciler(s, nil)

	ev := event("ORD-8", payment.OutcomeSuccess)
	ev.Provider = models.ProviderPayPal
	ev.TransactionID = "CAPTURE-9"

	_, err := r.Apply(context.Background(), ev)
	require.NoError(t, err)

	got := s.get("ORD-8")
	assert.Equal(t, models.ProviderPayPal, got.PaymentProvider)
	assert.Equal(t, "CAPTURE-9", got.PaymentID)
}

func TestDecide_ClosedOrdersNeverMove(t *testing.T) {
	for _, status := range []models.OrderStatus{models.OrderStatusFailed, models.OrderStatusCancelled} {
		for _, outcome := range []payment.Outcome{payment.OutcomeSuccess, payment.OutcomeDenied, payment.OutcomeExpired} {
			act, reason := decide(status, outcome)
			assert.Equal(t, actionNone, act, "%s/%s", status, outcome)
			assert.Equal(t, "order is closed as "+string(status), reason)
		}
	}

	act, reason := decide(models.OrderStatusCompleted, payment.OutcomeExpired)
	assert.Equal(t, actionNone, act)
	assert.Contains(t, reason, "already paid")
}
