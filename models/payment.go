package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type VerdictOutcome string

const (
	VerdictSuccess VerdictOutcome = "success"
	VerdictFailure VerdictOutcome = "failure"
)

// Verdict is the authenticated conclusion about a gateway callback. It is
// only ever constructed after the callback signature verified, so its fields
// can be trusted downstream.
type Verdict struct {
	OrderID    string          `json:"order_id"`
	Outcome    VerdictOutcome  `json:"outcome"`
	GatewayRef string          `json:"gateway_ref"`
	Amount     decimal.Decimal `json:"amount"`
}

// PaymentCallback is the append-only audit trail of gateway callbacks,
// including redeliveries.
type PaymentCallback struct {
	ID         string          `json:"id"`
	OrderID    string          `json:"order_id"`
	GatewayRef string          `json:"gateway_ref"`
	Outcome    VerdictOutcome  `json:"outcome"`
	Amount     decimal.Decimal `json:"amount"`
	RawQuery   string          `json:"raw_query"`
	Duplicate  bool            `json:"duplicate"`
	ReceivedAt time.Time       `json:"received_at"`
}
