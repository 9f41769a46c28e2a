package services

import (
	"context"
	"encoding/json"
	"net/url"
	"sync"
	"testing"
	"time"

	"ticketbox/config"
	"ticketbox/internal/services/gateway"
	"ticketbox/internal/status"
	"ticketbox/models"

	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memCallbackLog struct {
	mu      sync.Mutex
	records []models.PaymentCallback
}

func (m *memCallbackLog) AppendCallback(ctx context.Context, rec models.PaymentCallback) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
	return nil
}

func (m *memCallbackLog) all() []models.PaymentCallback {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.PaymentCallback(nil), m.records...)
}

type paymentFixture struct {
	svc     *PaymentService
	gw      *gateway.Client
	orders  *OrderService
	store   *memOrderStore
	log     *memCallbackLog
	mock    redismock.ClientMock
	orderID string
}

func setupPayment(t *testing.T) *paymentFixture {
	t.Helper()

	ledger, _ := setupLedger(t, models.InventoryCounter{
		SessionID: "s1", TicketTypeID: "vip", Capacity: 10,
	})
	orderStore := newMemOrderStore()
	issuer := NewTicketService(nil, "test-signing-key")
	orderService := NewOrderService(orderStore, ledger, issuer, nil, testConfig())

	order, err := orderService.CreateOrder(context.Background(), "buyer@example.com", "", []models.OrderLine{paidLine(1)})
	require.NoError(t, err)

	gw := gateway.New(&gateway.Config{
		BaseURL:    "https://pay.example.com",
		MerchantID: "merchant-1",
		Secret:     "cb-secret",
		Currency:   "USD",
	}, time.Second, 1)

	db, mock := redismock.NewClientMock()
	log := &memCallbackLog{}

	cfg := &config.Config{CallbackDedupTTL: 72 * time.Hour}
	svc := NewPaymentService(db, gw, orderService, log, cfg)

	return &paymentFixture{
		svc:     svc,
		gw:      gw,
		orders:  orderService,
		store:   orderStore,
		log:     log,
		mock:    mock,
		orderID: order.ID,
	}
}

func (f *paymentFixture) signedCallback(outcome, amount, ref string) url.Values {
	q := url.Values{}
	q.Set("order_id", f.orderID)
	q.Set("ref", ref)
	q.Set("status", outcome)
	q.Set("amount", amount)
	q.Set("sig", f.gw.Sign(q))
	return q
}

func TestHandleCallback_SuccessMarksPaid(t *testing.T) {
	f := setupPayment(t)

	params := f.signedCallback("success", "25.00", "ref-1")

	verdict, err := f.gw.VerifyCallback(params)
	require.NoError(t, err)
	data, err := json.Marshal(verdict)
	require.NoError(t, err)
	f.mock.ExpectSetNX("callback:ref-1", data, 72*time.Hour).SetVal(true)

	got, err := f.svc.HandleCallback(context.Background(), params)
	require.NoError(t, err)
	assert.Equal(t, models.VerdictSuccess, got.Outcome)

	order, err := f.orders.Get(context.Background(), f.orderID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderPaid, order.Status)
	assert.Equal(t, "ref-1", order.PaymentRef)
	assert.Equal(t, 1, f.store.ticketCount(f.orderID))

	records := f.log.all()
	require.Len(t, records, 1)
	assert.False(t, records[0].Duplicate)

	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestHandleCallback_FailureCancels(t *testing.T) {
	f := setupPayment(t)

	params := f.signedCallback("failed", "25.00", "ref-2")

	verdict, err := f.gw.VerifyCallback(params)
	require.NoError(t, err)
	data, err := json.Marshal(verdict)
	require.NoError(t, err)
	f.mock.ExpectSetNX("callback:ref-2", data, 72*time.Hour).SetVal(true)

	_, err = f.svc.HandleCallback(context.Background(), params)
	require.NoError(t, err)

	order, err := f.orders.Get(context.Background(), f.orderID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderCancelled, order.Status)
}

func TestHandleCallback_RedeliveryIsHarmless(t *testing.T) {
	f := setupPayment(t)

	params := f.signedCallback("success", "25.00", "ref-3")

	verdict, err := f.gw.VerifyCallback(params)
	require.NoError(t, err)
	data, err := json.Marshal(verdict)
	require.NoError(t, err)

	f.mock.ExpectSetNX("callback:ref-3", data, 72*time.Hour).SetVal(true)
	f.mock.ExpectSetNX("callback:ref-3", data, 72*time.Hour).SetVal(false)
	f.mock.ExpectGet("callback:ref-3").SetVal(string(data))

	_, err = f.svc.HandleCallback(context.Background(), params)
	require.NoError(t, err)

	got, err := f.svc.HandleCallback(context.Background(), params)
	require.NoError(t, err)
	assert.Equal(t, verdict.GatewayRef, got.GatewayRef)

	// still exactly one set of tickets
	assert.Equal(t, 1, f.store.ticketCount(f.orderID))

	records := f.log.all()
	require.Len(t, records, 2)
	assert.False(t, records[0].Duplicate)
	assert.True(t, records[1].Duplicate)

	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestHandleCallback_TamperedAmountRejected(t *testing.T) {
	f := setupPayment(t)

	params := f.signedCallback("success", "25.00", "ref-4")
	params.Set("amount", "0.01")

	_, err := f.svc.HandleCallback(context.Background(), params)
	assert.ErrorIs(t, err, status.ErrBadSignature)

	order, err := f.orders.Get(context.Background(), f.orderID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderPending, order.Status)
	assert.Empty(t, f.log.all())
}

func TestHandleCallback_MissingSignatureRejected(t *testing.T) {
	f := setupPayment(t)

	params := f.signedCallback("success", "25.00", "ref-5")
	params.Del("sig")

	_, err := f.svc.HandleCallback(context.Background(), params)
	assert.ErrorIs(t, err, status.ErrMalformed)
}

func TestBuildRedirect_PendingOrder(t *testing.T) {
	f := setupPayment(t)

	redirectURL, err := f.svc.BuildRedirect(context.Background(), f.orderID)
	require.NoError(t, err)

	parsed, err := url.Parse(redirectURL)
	require.NoError(t, err)
	assert.Equal(t, f.orderID, parsed.Query().Get("order_id"))
	assert.NotEmpty(t, parsed.Query().Get("sig"))
}

func TestBuildRedirect_SettledOrderRefused(t *testing.T) {
	f := setupPayment(t)
	require.NoError(t, f.store.SetStatus(context.Background(), f.orderID, models.OrderCancelled, ""))

	_, err := f.svc.BuildRedirect(context.Background(), f.orderID)
	assert.ErrorIs(t, err, status.ErrInvalidTransition)
}
