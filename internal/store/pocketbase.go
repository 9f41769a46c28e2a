// Package store persists the domain on PocketBase collections. It is the only
// package that touches records directly; services speak through the narrow
// interfaces they declare.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"ticketbox/internal/status"
	"ticketbox/models"

	"github.com/pocketbase/dbx"
	"github.com/pocketbase/pocketbase/core"
	"github.com/pocketbase/pocketbase/tools/types"
	"github.com/shopspring/decimal"
)

// Stores bundles the per-aggregate stores over one PocketBase app.
type Stores struct {
	Counters  *Counters
	Orders    *Orders
	Tickets   *Tickets
	Sessions  *Sessions
	CheckIns  *CheckIns
	Callbacks *Callbacks
}

func New(app core.App) *Stores {
	return &Stores{
		Counters:  &Counters{app: app},
		Orders:    &Orders{app: app},
		Tickets:   &Tickets{app: app},
		Sessions:  &Sessions{app: app},
		CheckIns:  &CheckIns{app: app},
		Callbacks: &Callbacks{app: app},
	}
}

func parseAmount(raw string) decimal.Decimal {
	if raw == "" {
		return decimal.Zero
	}
	amount, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero
	}
	return amount
}

func formatTime(t time.Time) string {
	return t.UTC().Format(types.DefaultDateLayout)
}

// Counters stores the inventory counters on the ticket_types collection.
type Counters struct {
	app core.App
}

func (s *Counters) LoadCounters(ctx context.Context) ([]models.InventoryCounter, error) {
	records, err := s.app.FindAllRecords("ticket_types")
	if err != nil {
		return nil, fmt.Errorf("load ticket_types: %w", err)
	}

	counters := make([]models.InventoryCounter, 0, len(records))
	for _, r := range records {
		counters = append(counters, models.InventoryCounter{
			SessionID:    r.GetString("session_id"),
			TicketTypeID: r.Id,
			Capacity:     r.GetInt("capacity"),
			Reserved:     r.GetInt("reserved"),
			Sold:         r.GetInt("sold"),
		})
	}
	return counters, nil
}

func (s *Counters) SaveCounter(ctx context.Context, c models.InventoryCounter) error {
	record, err := s.app.FindRecordById("ticket_types", c.TicketTypeID)
	if err != nil {
		return fmt.Errorf("ticket type %s: %w", c.TicketTypeID, err)
	}

	record.Set("reserved", c.Reserved)
	record.Set("sold", c.Sold)
	if err := s.app.Save(record); err != nil {
		return fmt.Errorf("save ticket type %s: %w", c.TicketTypeID, err)
	}
	return nil
}

// Orders stores the order lifecycle.
type Orders struct {
	app core.App
}

func (s *Orders) Create(ctx context.Context, order *models.Order) error {
	collection, err := s.app.FindCollectionByNameOrId("orders")
	if err != nil {
		return err
	}

	lines, err := json.Marshal(order.Lines)
	if err != nil {
		return fmt.Errorf("marshal order lines: %w", err)
	}

	record := core.NewRecord(collection)
	record.Set("buyer_email", order.BuyerEmail)
	record.Set("buyer_user_id", order.BuyerUserID)
	record.Set("lines", string(lines))
	record.Set("total_amount", order.TotalAmount.String())
	record.Set("status", string(order.Status))
	record.Set("created_at", formatTime(order.CreatedAt))
	record.Set("ledger_settled", false)

	if err := s.app.Save(record); err != nil {
		return err
	}

	order.ID = record.Id
	return nil
}

func (s *Orders) Get(ctx context.Context, id string) (*models.Order, error) {
	record, err := s.app.FindRecordById("orders", id)
	if err != nil {
		return nil, fmt.Errorf("order %s: %w", id, err)
	}
	return recordToOrder(record)
}

func (s *Orders) SetStatus(ctx context.Context, id string, st models.OrderStatus, paymentRef string) error {
	record, err := s.app.FindRecordById("orders", id)
	if err != nil {
		return fmt.Errorf("order %s: %w", id, err)
	}

	record.Set("status", string(st))
	if paymentRef != "" {
		record.Set("payment_ref", paymentRef)
	}
	return s.app.Save(record)
}

// MarkPaid flips the order to paid and creates its ticket records atomically.
func (s *Orders) MarkPaid(ctx context.Context, id string, paymentRef string, tickets []*models.Ticket) error {
	return s.app.RunInTransaction(func(txApp core.App) error {
		record, err := txApp.FindRecordById("orders", id)
		if err != nil {
			return fmt.Errorf("order %s: %w", id, err)
		}

		record.Set("status", string(models.OrderPaid))
		record.Set("payment_ref", paymentRef)
		if err := txApp.Save(record); err != nil {
			return err
		}

		collection, err := txApp.FindCollectionByNameOrId("tickets")
		if err != nil {
			return err
		}

		for _, ticket := range tickets {
			tr := core.NewRecord(collection)
			tr.Set("ticket_id", ticket.ID)
			tr.Set("order_id", ticket.OrderID)
			tr.Set("session_id", ticket.SessionID)
			tr.Set("ticket_type_id", ticket.TicketTypeID)
			tr.Set("owner_email", ticket.OwnerEmail)
			tr.Set("qr_secret", ticket.QRSecret)
			tr.Set("issued_at", formatTime(ticket.IssuedAt))
			if err := txApp.Save(tr); err != nil {
				return fmt.Errorf("save ticket %s: %w", ticket.ID, err)
			}
		}
		return nil
	})
}

// SetLedgerSettled records that the order's holds finished their ledger
// commit, so boot settlement skips it.
func (s *Orders) SetLedgerSettled(ctx context.Context, id string) error {
	record, err := s.app.FindRecordById("orders", id)
	if err != nil {
		return fmt.Errorf("order %s: %w", id, err)
	}

	record.Set("ledger_settled", true)
	return s.app.Save(record)
}

func (s *Orders) ListPendingBefore(ctx context.Context, cutoff time.Time) ([]*models.Order, error) {
	records, err := s.app.FindAllRecords("orders",
		dbx.HashExp{"status": string(models.OrderPending)},
		dbx.NewExp("created_at < {:cutoff}", dbx.Params{"cutoff": formatTime(cutoff)}),
	)
	if err != nil {
		return nil, fmt.Errorf("list pending orders: %w", err)
	}
	return recordsToOrders(records)
}

func (s *Orders) ListPaidUnsettled(ctx context.Context) ([]*models.Order, error) {
	records, err := s.app.FindAllRecords("orders",
		dbx.HashExp{"status": string(models.OrderPaid), "ledger_settled": false},
	)
	if err != nil {
		return nil, fmt.Errorf("list unsettled orders: %w", err)
	}
	return recordsToOrders(records)
}

func recordsToOrders(records []*core.Record) ([]*models.Order, error) {
	orders := make([]*models.Order, 0, len(records))
	for _, r := range records {
		order, err := recordToOrder(r)
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}
	return orders, nil
}

func recordToOrder(r *core.Record) (*models.Order, error) {
	var lines []models.OrderLine
	if raw := r.GetString("lines"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &lines); err != nil {
			return nil, fmt.Errorf("order %s: unmarshal lines: %w", r.Id, err)
		}
	}

	return &models.Order{
		ID:            r.Id,
		BuyerEmail:    r.GetString("buyer_email"),
		BuyerUserID:   r.GetString("buyer_user_id"),
		Lines:         lines,
		TotalAmount:   parseAmount(r.GetString("total_amount")),
		Status:        models.OrderStatus(r.GetString("status")),
		PaymentRef:    r.GetString("payment_ref"),
		CreatedAt:     r.GetDateTime("created_at").Time(),
		LedgerSettled: r.GetBool("ledger_settled"),
	}, nil
}

// Tickets stores issued tickets. The domain ticket id lives in the ticket_id
// field; it is baked into the QR payload before the record exists.
type Tickets struct {
	app core.App
}

func (s *Tickets) Get(ctx context.Context, id string) (*models.Ticket, error) {
	record, err := s.app.FindFirstRecordByData("tickets", "ticket_id", id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("ticket %s: %w", id, status.ErrUnknownTicket)
		}
		return nil, fmt.Errorf("ticket %s: %w", id, err)
	}
	return recordToTicket(record), nil
}

func (s *Tickets) ListByOrder(ctx context.Context, orderID string) ([]*models.Ticket, error) {
	records, err := s.app.FindAllRecords("tickets", dbx.HashExp{"order_id": orderID})
	if err != nil {
		return nil, fmt.Errorf("tickets for order %s: %w", orderID, err)
	}

	tickets := make([]*models.Ticket, 0, len(records))
	for _, r := range records {
		tickets = append(tickets, recordToTicket(r))
	}
	return tickets, nil
}

func (s *Tickets) SetCheckedIn(ctx context.Context, id string, at time.Time) error {
	record, err := s.app.FindFirstRecordByData("tickets", "ticket_id", id)
	if err != nil {
		return fmt.Errorf("ticket %s: %w", id, err)
	}

	record.Set("checked_in_at", formatTime(at))
	return s.app.Save(record)
}

func recordToTicket(r *core.Record) *models.Ticket {
	ticket := &models.Ticket{
		ID:           r.GetString("ticket_id"),
		OrderID:      r.GetString("order_id"),
		SessionID:    r.GetString("session_id"),
		TicketTypeID: r.GetString("ticket_type_id"),
		OwnerEmail:   r.GetString("owner_email"),
		QRSecret:     r.GetString("qr_secret"),
		IssuedAt:     r.GetDateTime("issued_at").Time(),
	}

	if checkedIn := r.GetDateTime("checked_in_at"); !checkedIn.IsZero() {
		t := checkedIn.Time()
		ticket.CheckedInAt = &t
	}
	return ticket
}

// Sessions reads session metadata.
type Sessions struct {
	app core.App
}

func (s *Sessions) GetSession(ctx context.Context, id string) (*models.Session, error) {
	record, err := s.app.FindRecordById("sessions", id)
	if err != nil {
		return nil, fmt.Errorf("session %s: %w", id, err)
	}

	return &models.Session{
		ID:       record.Id,
		EventID:  record.GetString("event_id"),
		Name:     record.GetString("name"),
		StartsAt: record.GetDateTime("starts_at").Time(),
		Status:   record.GetString("status"),
	}, nil
}

// CheckIns is the append-only redemption audit log.
type CheckIns struct {
	app core.App
}

func (s *CheckIns) AppendCheckIn(ctx context.Context, rec models.CheckInRecord) error {
	collection, err := s.app.FindCollectionByNameOrId("checkin_records")
	if err != nil {
		return err
	}

	record := core.NewRecord(collection)
	record.Set("ticket_id", rec.TicketID)
	record.Set("event_id", rec.EventID)
	record.Set("result", rec.Result)
	record.Set("timestamp", formatTime(rec.Timestamp))
	return s.app.Save(record)
}

// Callbacks is the append-only gateway callback audit log.
type Callbacks struct {
	app core.App
}

func (s *Callbacks) AppendCallback(ctx context.Context, rec models.PaymentCallback) error {
	collection, err := s.app.FindCollectionByNameOrId("payment_callbacks")
	if err != nil {
		return err
	}

	record := core.NewRecord(collection)
	record.Set("order_id", rec.OrderID)
	record.Set("gateway_ref", rec.GatewayRef)
	record.Set("outcome", string(rec.Outcome))
	record.Set("amount", rec.Amount.String())
	record.Set("raw_query", rec.RawQuery)
	record.Set("duplicate", rec.Duplicate)
	record.Set("received_at", formatTime(rec.ReceivedAt))
	return s.app.Save(record)
}
