// Package gateway talks to the external payment provider. The contract is
// deliberately small: we build a signed redirect URL for the buyer, verify
// the signed callback the provider sends back, and can poll a transaction's
// status over HTTP.
package gateway

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
	"ticketbox/internal/status"
	"ticketbox/models"

	"github.com/shopspring/decimal"
)

type Config struct {
	BaseURL    string `json:"baseUrl" mapstructure:"base_url"`
	MerchantID string `json:"merchantId" mapstructure:"merchant_id"`
	Secret     string `json:"secret" mapstructure:"secret"`
	Currency   string `json:"currency" mapstructure:"currency"`
}

// BuildRedirectURL encodes the order reference, amount and a signature into
// the outbound payment URL so the later callback can be matched back to
// exactly one order.
func (c *Client) BuildRedirectURL(orderID string, amount decimal.Decimal) (string, error) {
	base, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("gateway: parse base url: %w", err)
	}

	q := url.Values{}
	q.Set("merchant_id", c.merchantID)
	q.Set("order_id", orderID)
	q.Set("amount", amount.StringFixed(2))
	q.Set("currency", c.currency)
	q.Set("sig", c.Sign(q))

	base.Path = strings.TrimSuffix(base.Path, "/") + "/pay"
	base.RawQuery = q.Encode()
	return base.String(), nil
}

// VerifyCallback authenticates a raw callback and converts it into a typed
// verdict. No field of the input is trusted before the signature check: the
// signature covers every parameter, so substituting the order id, amount or
// status invalidates it.
func (c *Client) VerifyCallback(params url.Values) (*models.Verdict, error) {
	sig := params.Get("sig")
	if sig == "" {
		return nil, fmt.Errorf("callback missing signature: %w", status.ErrMalformed)
	}

	if !VerifyHmac256([]byte(canonical(params)), c.secret, sig) {
		return nil, status.ErrBadSignature
	}

	orderID := params.Get("order_id")
	gatewayRef := params.Get("ref")
	if orderID == "" || gatewayRef == "" {
		return nil, fmt.Errorf("callback missing order_id or ref: %w", status.ErrMalformed)
	}

	var outcome models.VerdictOutcome
	switch params.Get("status") {
	case "success":
		outcome = models.VerdictSuccess
	case "failed", "cancelled":
		outcome = models.VerdictFailure
	default:
		return nil, fmt.Errorf("callback status %q: %w", params.Get("status"), status.ErrMalformed)
	}

	amount, err := decimal.NewFromString(params.Get("amount"))
	if err != nil {
		return nil, fmt.Errorf("callback amount: %w", status.ErrMalformed)
	}

	return &models.Verdict{
		OrderID:    orderID,
		Outcome:    outcome,
		GatewayRef: gatewayRef,
		Amount:     amount,
	}, nil
}

// Sign computes the HMAC over the canonical form of params, ignoring any
// existing sig parameter.
func (c *Client) Sign(params url.Values) string {
	return Hmac256([]byte(canonical(params)), c.secret)
}

// canonical renders params as key=value pairs joined by & in sorted key
// order, excluding sig. Both sides of the integration agree on this form.
func canonical(params url.Values) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		if k == "sig" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+"="+params.Get(k))
	}
	return strings.Join(pairs, "&")
}
