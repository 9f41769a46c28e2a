package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"ticketbox/internal/status"
	"ticketbox/models"
	"ticketbox/monitoring"
	"ticketbox/utils"

	"github.com/redis/go-redis/v9"
)

// SessionStore reads session metadata.
type SessionStore interface {
	GetSession(ctx context.Context, id string) (*models.Session, error)
}

// CheckInStore appends to the redemption audit log.
type CheckInStore interface {
	AppendCheckIn(ctx context.Context, rec models.CheckInRecord) error
}

// CheckInResult is what the scanning client displays.
type CheckInResult struct {
	Accepted    bool            `json:"accepted"`
	Reason      string          `json:"reason,omitempty"`
	Ticket      *models.Ticket  `json:"ticket,omitempty"`
	Session     *models.Session `json:"session,omitempty"`
	CheckedInAt *time.Time      `json:"checked_in_at,omitempty"`
}

// CheckInService validates scanned QR payloads and records redemptions,
// enforcing at-most-once entry per ticket.
type CheckInService struct {
	Redis    *redis.Client
	qr       *TicketService
	tickets  TicketStore
	orders   *OrderService
	sessions SessionStore
	records  CheckInStore

	// debounceWindow collapses rapid duplicate scans of the identical raw
	// payload into one scan event; zero disables the debounce. The at-most-
	// once guarantee does not depend on it.
	debounceWindow time.Duration

	locks utils.KeyMutex
}

func NewCheckInService(redisClient *redis.Client, qr *TicketService, tickets TicketStore, orders *OrderService, sessions SessionStore, records CheckInStore, debounceWindow time.Duration) *CheckInService {
	return &CheckInService{
		Redis:          redisClient,
		qr:             qr,
		tickets:        tickets,
		orders:         orders,
		sessions:       sessions,
		records:        records,
		debounceWindow: debounceWindow,
	}
}

// CheckIn validates a scan against the ticket store and, on success, sets
// checkedInAt exactly once. The check-and-set runs under a per-ticket lock
// so two scanners racing on the same ticket get exactly one acceptance.
func (s *CheckInService) CheckIn(ctx context.Context, rawScan, eventID string) (*CheckInResult, error) {
	if cached := s.debounced(ctx, rawScan, eventID); cached != nil {
		return cached, reasonError(cached.Reason)
	}

	result, err := s.checkIn(ctx, rawScan, eventID)
	if result != nil {
		s.rememberScan(ctx, rawScan, eventID, result)
	}
	return result, err
}

func (s *CheckInService) checkIn(ctx context.Context, rawScan, eventID string) (*CheckInResult, error) {
	payload, err := s.qr.Decode(rawScan)
	if err != nil {
		// potential forgery; full detail stays server-side
		slog.Warn("check-in scan rejected at decode", "event", eventID, "error", err)
		if errors.Is(err, status.ErrBadSignature) {
			monitoring.TrackCheckIn("bad_signature")
		} else {
			monitoring.TrackCheckIn("malformed")
		}
		return nil, err
	}

	ticket, err := s.tickets.Get(ctx, payload.TicketID)
	if err != nil {
		if errors.Is(err, status.ErrUnknownTicket) {
			monitoring.TrackCheckIn("unknown_ticket")
			return nil, fmt.Errorf("ticket %s: %w", payload.TicketID, status.ErrUnknownTicket)
		}
		// a store failure is not evidence the ticket is fake
		return nil, fmt.Errorf("check-in: load ticket %s: %w", payload.TicketID, err)
	}

	session, err := s.sessions.GetSession(ctx, ticket.SessionID)
	if err != nil {
		return nil, fmt.Errorf("check-in: load session %s: %w", ticket.SessionID, err)
	}
	if session.EventID != eventID {
		s.audit(ctx, ticket.ID, eventID, "wrong_event")
		monitoring.TrackCheckIn("wrong_event")
		return &CheckInResult{Reason: "wrong_event", Ticket: ticket}, status.ErrWrongEvent
	}

	order, err := s.orders.Get(ctx, ticket.OrderID)
	if err != nil {
		return nil, fmt.Errorf("check-in: load order %s: %w", ticket.OrderID, err)
	}
	if order.Status != models.OrderPaid {
		s.audit(ctx, ticket.ID, eventID, "not_paid")
		monitoring.TrackCheckIn("not_paid")
		return &CheckInResult{Reason: "not_paid", Ticket: ticket}, status.ErrNotPaid
	}

	return s.redeem(ctx, ticket, session, eventID)
}

// redeem performs the atomic check-and-set on checkedInAt.
func (s *CheckInService) redeem(ctx context.Context, ticket *models.Ticket, session *models.Session, eventID string) (*CheckInResult, error) {
	unlock := s.locks.Lock("ticket:" + ticket.ID)
	defer unlock()

	// re-read under the lock so concurrent scanners see each other's write
	current, err := s.tickets.Get(ctx, ticket.ID)
	if err != nil {
		return nil, fmt.Errorf("check-in: reload ticket %s: %w", ticket.ID, err)
	}

	if current.CheckedInAt != nil {
		s.audit(ctx, current.ID, eventID, "already_checked_in")
		monitoring.TrackCheckIn("already_checked_in")
		return &CheckInResult{
			Reason:      "already_checked_in",
			Ticket:      current,
			Session:     session,
			CheckedInAt: current.CheckedInAt,
		}, status.ErrAlreadyCheckedIn
	}

	now := time.Now()
	if err := s.tickets.SetCheckedIn(ctx, current.ID, now); err != nil {
		return nil, fmt.Errorf("check-in: set checked_in_at: %w", err)
	}
	s.audit(ctx, current.ID, eventID, "accepted")
	monitoring.TrackCheckIn("accepted")

	current.CheckedInAt = &now
	slog.Info("ticket checked in", "ticket", current.ID, "event", eventID)

	return &CheckInResult{
		Accepted:    true,
		Ticket:      current,
		Session:     session,
		CheckedInAt: &now,
	}, nil
}

func (s *CheckInService) audit(ctx context.Context, ticketID, eventID, result string) {
	rec := models.CheckInRecord{
		TicketID:  ticketID,
		EventID:   eventID,
		Timestamp: time.Now(),
		Result:    result,
	}
	if err := s.records.AppendCheckIn(ctx, rec); err != nil {
		slog.Error("append check-in record failed", "ticket", ticketID, "result", result, "error", err)
	}
}

// reasonError restores the rejection error for a replayed result, so a
// debounced duplicate gets the same response as the original scan.
func reasonError(reason string) error {
	switch reason {
	case "wrong_event":
		return status.ErrWrongEvent
	case "not_paid":
		return status.ErrNotPaid
	case "already_checked_in":
		return status.ErrAlreadyCheckedIn
	}
	return nil
}

func scanKey(rawScan, eventID string) string {
	sum := sha256.Sum256([]byte(rawScan + "|" + eventID))
	return "scan:" + hex.EncodeToString(sum[:])
}

// debounced returns the remembered result when the identical raw payload was
// scanned within the debounce window, absorbing camera-decoder jitter.
func (s *CheckInService) debounced(ctx context.Context, rawScan, eventID string) *CheckInResult {
	if s.Redis == nil || s.debounceWindow <= 0 {
		return nil
	}

	data, err := s.Redis.Get(ctx, scanKey(rawScan, eventID)).Result()
	if err != nil {
		return nil
	}

	var result CheckInResult
	if err := json.Unmarshal([]byte(data), &result); err != nil {
		return nil
	}
	return &result
}

func (s *CheckInService) rememberScan(ctx context.Context, rawScan, eventID string, result *CheckInResult) {
	if s.Redis == nil || s.debounceWindow <= 0 {
		return
	}

	data, err := json.Marshal(result)
	if err != nil {
		return
	}
	s.Redis.Set(ctx, scanKey(rawScan, eventID), data, s.debounceWindow)
}
