package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"ticketbox/internal/status"
	"ticketbox/models"

	"github.com/shopspring/decimal"
)

type Client struct {
	// baseURL is the base url of the payment provider.
	baseURL string

	// merchantID identifies us to the provider.
	merchantID string

	// secret is the shared HMAC key for request signing and callback
	// verification.
	secret []byte

	// currency for all amounts sent to the provider.
	currency string

	// maxRetries bounds the status-check retry loop.
	maxRetries int

	// hc is the http client.
	hc *http.Client
}

// New creates a new gateway client.
func New(cfg *Config, timeout time.Duration, maxRetries int) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if maxRetries < 1 {
		maxRetries = 1
	}

	return &Client{
		baseURL:    cfg.BaseURL,
		merchantID: cfg.MerchantID,
		secret:     []byte(cfg.Secret),
		currency:   cfg.Currency,
		maxRetries: maxRetries,

		// set http client with timeout.
		hc: &http.Client{
			Timeout: timeout,
		},
	}
}

// CheckTransaction polls the provider for the status of an order's payment.
// Transport failures retry with exponential backoff up to maxRetries and then
// surface ErrGatewayTimeout; a definitive provider answer is returned as-is.
func (c *Client) CheckTransaction(ctx context.Context, orderID string) (*models.Verdict, error) {
	backOff := time.Second

	var lastErr error
	for attempt := 0; attempt < c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backOff):
				backOff *= 2
			}
		}

		verdict, retryable, err := c.checkTransactionOnce(ctx, orderID)
		if err == nil {
			return verdict, nil
		}
		if !retryable {
			return nil, err
		}
		lastErr = err
	}

	return nil, fmt.Errorf("checkTransaction: %v: %w", lastErr, status.ErrGatewayTimeout)
}

func (c *Client) checkTransactionOnce(ctx context.Context, orderID string) (*models.Verdict, bool, error) {
	body := fmt.Sprintf(`{"merchantId":%q,"orderId":%q}`, c.merchantID, orderID)
	bodyReader := bytes.NewReader([]byte(body))

	base, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, false, fmt.Errorf("checkTransaction: parse base url: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base.String()+"/api/transactions/check", bodyReader)
	if err != nil {
		return nil, false, fmt.Errorf("checkTransaction: http.NewReq: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("SignedHash", Hmac256([]byte(body), c.secret))

	resp, err := c.hc.Do(req)
	if err != nil {
		// timeouts and transport errors are retryable
		return nil, true, fmt.Errorf("checkTransaction: http.Do: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return nil, true, fmt.Errorf("checkTransaction: status %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, false, fmt.Errorf("checkTransaction: status %d", resp.StatusCode)
	}

	var reply struct {
		Status  string `json:"status"`
		Message string `json:"message"`
		Data    struct {
			OrderID string `json:"orderId"`
			Ref     string `json:"ref"`
			State   string `json:"state"`
			Amount  string `json:"amount"`
		} `json:"data"`
	}
	dec := json.NewDecoder(resp.Body)
	if err := dec.Decode(&reply); err != nil {
		return nil, false, fmt.Errorf("checkTransaction: json.Decode: %w", err)
	}
	if reply.Status != "OK" {
		return nil, false, fmt.Errorf("checkTransaction: reply.Status: %v, reply.Message: %v", reply.Status, reply.Message)
	}

	amount, err := decimal.NewFromString(reply.Data.Amount)
	if err != nil {
		return nil, false, fmt.Errorf("checkTransaction: amount: %w", err)
	}

	outcome := models.VerdictFailure
	if reply.Data.State == "paid" {
		outcome = models.VerdictSuccess
	}

	if reply.Data.OrderID != orderID {
		return nil, false, errors.New("checkTransaction: provider returned mismatched order id")
	}

	return &models.Verdict{
		OrderID:    reply.Data.OrderID,
		Outcome:    outcome,
		GatewayRef: reply.Data.Ref,
		Amount:     amount,
	}, false, nil
}
