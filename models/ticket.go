package models

import (
	"time"
)

type Ticket struct {
	ID           string     `json:"id"`
	OrderID      string     `json:"order_id"`
	SessionID    string     `json:"session_id"`
	TicketTypeID string     `json:"ticket_type_id"`
	OwnerEmail   string     `json:"owner_email"`
	IssuedAt     time.Time  `json:"issued_at"`
	QRSecret     string     `json:"qr_secret"`
	CheckedInAt  *time.Time `json:"checked_in_at,omitempty"`
}

// CheckInRecord is the append-only audit trail of redemption attempts, kept
// independent of Ticket.CheckedInAt so replays stay detectable.
type CheckInRecord struct {
	TicketID  string    `json:"ticket_id"`
	EventID   string    `json:"event_id"`
	Timestamp time.Time `json:"timestamp"`
	Result    string    `json:"result"` // accepted, already_checked_in, wrong_event, not_paid
}
