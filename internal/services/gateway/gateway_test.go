package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"ticketbox/internal/status"
	"ticketbox/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testClient(baseURL string, maxRetries int) *Client {
	return New(&Config{
		BaseURL:    baseURL,
		MerchantID: "merchant-1",
		Secret:     "test-secret",
		Currency:   "USD",
	}, 2*time.Second, maxRetries)
}

func TestHmac256_VerifyRoundtrip(t *testing.T) {
	key := []byte("key")
	sig := Hmac256([]byte("payload"), key)

	assert.True(t, VerifyHmac256([]byte("payload"), key, sig))
	assert.False(t, VerifyHmac256([]byte("other"), key, sig))
	assert.False(t, VerifyHmac256([]byte("payload"), []byte("wrong"), sig))
}

func TestBuildRedirectURL(t *testing.T) {
	c := testClient("https://pay.example.com", 1)

	redirectURL, err := c.BuildRedirectURL("order1", decimal.RequireFromString("25.5"))
	require.NoError(t, err)

	parsed, err := url.Parse(redirectURL)
	require.NoError(t, err)
	assert.Equal(t, "/pay", parsed.Path)

	q := parsed.Query()
	assert.Equal(t, "order1", q.Get("order_id"))
	assert.Equal(t, "25.50", q.Get("amount"))
	assert.Equal(t, "merchant-1", q.Get("merchant_id"))
	assert.Equal(t, "USD", q.Get("currency"))

	// the embedded signature must verify over the other parameters
	assert.Equal(t, c.Sign(q), q.Get("sig"))
}

func TestBuildRedirectURL_Deterministic(t *testing.T) {
	c := testClient("https://pay.example.com", 1)

	first, err := c.BuildRedirectURL("order1", decimal.RequireFromString("10"))
	require.NoError(t, err)
	second, err := c.BuildRedirectURL("order1", decimal.RequireFromString("10"))
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func signedParams(c *Client, outcome string) url.Values {
	q := url.Values{}
	q.Set("order_id", "order1")
	q.Set("ref", "ref-1")
	q.Set("status", outcome)
	q.Set("amount", "25.00")
	q.Set("sig", c.Sign(q))
	return q
}

func TestVerifyCallback_Success(t *testing.T) {
	c := testClient("https://pay.example.com", 1)

	verdict, err := c.VerifyCallback(signedParams(c, "success"))
	require.NoError(t, err)
	assert.Equal(t, "order1", verdict.OrderID)
	assert.Equal(t, models.VerdictSuccess, verdict.Outcome)
	assert.Equal(t, "ref-1", verdict.GatewayRef)
	assert.True(t, verdict.Amount.Equal(decimal.RequireFromString("25.00")))
}

func TestVerifyCallback_FailedAndCancelled(t *testing.T) {
	c := testClient("https://pay.example.com", 1)

	for _, outcome := range []string{"failed", "cancelled"} {
		verdict, err := c.VerifyCallback(signedParams(c, outcome))
		require.NoError(t, err)
		assert.Equal(t, models.VerdictFailure, verdict.Outcome)
	}
}

func TestVerifyCallback_Tampered(t *testing.T) {
	c := testClient("https://pay.example.com", 1)

	for _, field := range []string{"order_id", "amount", "status", "ref"} {
		params := signedParams(c, "success")
		params.Set(field, "tampered")

		_, err := c.VerifyCallback(params)
		assert.ErrorIs(t, err, status.ErrBadSignature, "tampered %s accepted", field)
	}
}

func TestVerifyCallback_Malformed(t *testing.T) {
	c := testClient("https://pay.example.com", 1)

	params := signedParams(c, "success")
	params.Del("sig")
	_, err := c.VerifyCallback(params)
	assert.ErrorIs(t, err, status.ErrMalformed)

	params = url.Values{}
	params.Set("status", "success")
	params.Set("sig", c.Sign(params))
	_, err = c.VerifyCallback(params)
	assert.ErrorIs(t, err, status.ErrMalformed)

	params = url.Values{}
	params.Set("order_id", "order1")
	params.Set("ref", "ref-1")
	params.Set("status", "partial")
	params.Set("amount", "25.00")
	params.Set("sig", c.Sign(params))
	_, err = c.VerifyCallback(params)
	assert.ErrorIs(t, err, status.ErrMalformed)
}

func TestCheckTransaction_Paid(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/transactions/check", r.URL.Path)
		assert.NotEmpty(t, r.Header.Get("SignedHash"))
		w.Write([]byte(`{"status":"OK","data":{"orderId":"order1","ref":"ref-1","state":"paid","amount":"25.00"}}`))
	}))
	defer srv.Close()

	c := testClient(srv.URL, 1)
	verdict, err := c.CheckTransaction(context.Background(), "order1")
	require.NoError(t, err)
	assert.Equal(t, models.VerdictSuccess, verdict.Outcome)
	assert.Equal(t, "ref-1", verdict.GatewayRef)
}

func TestCheckTransaction_RetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(`{"status":"OK","data":{"orderId":"order1","ref":"ref-1","state":"unpaid","amount":"25.00"}}`))
	}))
	defer srv.Close()

	c := testClient(srv.URL, 2)
	verdict, err := c.CheckTransaction(context.Background(), "order1")
	require.NoError(t, err)
	assert.Equal(t, models.VerdictFailure, verdict.Outcome)
	assert.EqualValues(t, 2, atomic.LoadInt32(&calls))
}

func TestCheckTransaction_ExhaustedRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := testClient(srv.URL, 2)
	_, err := c.CheckTransaction(context.Background(), "order1")
	assert.ErrorIs(t, err, status.ErrGatewayTimeout)
}

func TestCheckTransaction_MismatchedOrderRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"OK","data":{"orderId":"other","ref":"ref-1","state":"paid","amount":"25.00"}}`))
	}))
	defer srv.Close()

	c := testClient(srv.URL, 1)
	_, err := c.CheckTransaction(context.Background(), "order1")
	assert.Error(t, err)
}
