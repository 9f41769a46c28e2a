package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"ticketbox/config"
	"ticketbox/internal/status"
	"ticketbox/models"
	"ticketbox/monitoring"
	"ticketbox/utils"

	"github.com/shopspring/decimal"
)

// OrderStore persists orders. Orders are never deleted; every lifecycle
// change is a status update.
type OrderStore interface {
	Create(ctx context.Context, order *models.Order) error
	Get(ctx context.Context, id string) (*models.Order, error)
	SetStatus(ctx context.Context, id string, st models.OrderStatus, paymentRef string) error
	// MarkPaid updates the order status and creates the ticket records in a
	// single transaction, so a failure leaves the order pending for a safe
	// retry of the same verdict.
	MarkPaid(ctx context.Context, id string, paymentRef string, tickets []*models.Ticket) error
	// SetLedgerSettled records that the order's holds finished their ledger
	// commit.
	SetLedgerSettled(ctx context.Context, id string) error
	ListPendingBefore(ctx context.Context, cutoff time.Time) ([]*models.Order, error)
	ListPaidUnsettled(ctx context.Context) ([]*models.Order, error)
}

// TicketIssuer mints (but does not persist) the tickets for a paid order.
type TicketIssuer interface {
	IssueForOrder(order *models.Order) ([]*models.Ticket, error)
}

// Notifier is handed the confirmed order fire-and-forget; it is not part of
// the transactional path.
type Notifier interface {
	OrderConfirmed(order *models.Order, tickets []*models.Ticket)
}

// OrderService owns the order state machine. All transitions for one order
// are serialized by a per-order lock, so a payment confirmation and the
// expiry reaper racing on the same order resolve deterministically: the
// first to acquire the lock wins and the other observes a terminal state.
type OrderService struct {
	store    OrderStore
	ledger   *LedgerService
	issuer   TicketIssuer
	notifier Notifier
	cfg      *config.Config

	locks utils.KeyMutex

	// holds maps a pending order to its reservation tokens.
	hmu   sync.Mutex
	holds map[string][]*ReservationToken
}

func (s *OrderService) putHolds(orderID string, tokens []*ReservationToken) {
	s.hmu.Lock()
	s.holds[orderID] = tokens
	s.hmu.Unlock()
}

func (s *OrderService) takeHolds(orderID string) []*ReservationToken {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	tokens := s.holds[orderID]
	delete(s.holds, orderID)
	return tokens
}

func NewOrderService(store OrderStore, ledger *LedgerService, issuer TicketIssuer, notifier Notifier, cfg *config.Config) *OrderService {
	return &OrderService{
		store:    store,
		ledger:   ledger,
		issuer:   issuer,
		notifier: notifier,
		cfg:      cfg,
		holds:    make(map[string][]*ReservationToken),
	}
}

func orderLockKey(orderID string) string {
	return "order:" + orderID
}

// CreateOrder reserves every line and creates the order in pending. The
// reservation is all-or-nothing: if any line is out of stock, the tokens
// already acquired are released and the first exhausted line is reported.
// A zero-amount order confirms synchronously without a gateway round-trip.
func (s *OrderService) CreateOrder(ctx context.Context, buyerEmail, buyerUserID string, lines []models.OrderLine) (*models.Order, error) {
	if buyerEmail == "" {
		return nil, errors.New("order: buyer email required")
	}
	if len(lines) == 0 {
		return nil, errors.New("order: no lines")
	}
	for _, line := range lines {
		if line.Quantity <= 0 {
			return nil, fmt.Errorf("order: quantity %d for ticket type %s", line.Quantity, line.TicketTypeID)
		}
	}

	// Reserve in globally sorted key order so two orders spanning the same
	// ticket types can never deadlock.
	sorted := make([]models.OrderLine, len(lines))
	copy(sorted, lines)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].SessionID != sorted[j].SessionID {
			return sorted[i].SessionID < sorted[j].SessionID
		}
		return sorted[i].TicketTypeID < sorted[j].TicketTypeID
	})

	tokens := make([]*ReservationToken, 0, len(sorted))
	for _, line := range sorted {
		token, err := s.ledger.Reserve(ctx, line.SessionID, line.TicketTypeID, line.Quantity)
		if err != nil {
			for _, held := range tokens {
				if relErr := s.ledger.Release(ctx, held); relErr != nil {
					slog.Error("order create: rollback release failed", "token", held.ID, "error", relErr)
				}
			}
			return nil, err
		}
		tokens = append(tokens, token)
	}

	order := &models.Order{
		BuyerEmail:  buyerEmail,
		BuyerUserID: buyerUserID,
		Lines:       lines,
		Status:      models.OrderPending,
		CreatedAt:   time.Now(),
	}
	order.TotalAmount = order.Total()

	if err := s.store.Create(ctx, order); err != nil {
		for _, held := range tokens {
			if relErr := s.ledger.Release(ctx, held); relErr != nil {
				slog.Error("order create: rollback release failed", "token", held.ID, "error", relErr)
			}
		}
		return nil, fmt.Errorf("order create: %w", err)
	}

	s.putHolds(order.ID, tokens)

	monitoring.TrackOrder(string(models.OrderPending))
	slog.Info("order created", "order", order.ID, "buyer", buyerEmail, "total", order.TotalAmount.String())

	// Confirm-free path: a zero total is a degenerate success verdict fed
	// through the same transition as a gateway callback.
	if order.TotalAmount.IsZero() {
		verdict, err := freeVerdict(order.ID)
		if err != nil {
			return nil, err
		}
		if err := s.ApplyVerdict(ctx, verdict); err != nil {
			return nil, err
		}
		return s.store.Get(ctx, order.ID)
	}

	return order, nil
}

// freeVerdict synthesizes the success verdict for a zero-amount order. The
// reference label stands in for the gateway reference in payment_ref.
func freeVerdict(orderID string) (*models.Verdict, error) {
	code, err := utils.GenerateCode(6)
	if err != nil {
		return nil, fmt.Errorf("free verdict reference: %w", err)
	}
	return &models.Verdict{
		OrderID:    orderID,
		Outcome:    models.VerdictSuccess,
		GatewayRef: "free-" + code,
		Amount:     decimal.Zero,
	}, nil
}

// Get returns the order as persisted.
func (s *OrderService) Get(ctx context.Context, id string) (*models.Order, error) {
	return s.store.Get(ctx, id)
}

// ApplyVerdict transitions a pending order according to an authenticated
// payment verdict. A verdict for an order already in a terminal state is
// accepted and discarded, which makes redelivered callbacks harmless.
func (s *OrderService) ApplyVerdict(ctx context.Context, v *models.Verdict) error {
	unlock := s.locks.Lock(orderLockKey(v.OrderID))
	defer unlock()

	order, err := s.store.Get(ctx, v.OrderID)
	if err != nil {
		return fmt.Errorf("apply verdict: %w", err)
	}

	if order.Status.Terminal() {
		if err := s.settleRemainingHolds(ctx, order); err != nil {
			return fmt.Errorf("apply verdict: %w", err)
		}
		slog.Info("verdict for settled order discarded", "order", order.ID, "status", order.Status, "ref", v.GatewayRef)
		return nil
	}

	if v.Outcome == models.VerdictSuccess {
		return s.markPaid(ctx, order, v.GatewayRef)
	}
	return s.transitionLocked(ctx, order, models.OrderCancelled, "")
}

// markPaid issues tickets, persists them with the status flip in one
// transaction, then commits the ledger holds. Caller holds the order lock.
func (s *OrderService) markPaid(ctx context.Context, order *models.Order, paymentRef string) error {
	if !order.Status.CanTransitionTo(models.OrderPaid) {
		return s.refuseTransition(order, models.OrderPaid)
	}

	tickets, err := s.issuer.IssueForOrder(order)
	if err != nil {
		return fmt.Errorf("mark paid: issue tickets: %w", err)
	}

	if err := s.store.MarkPaid(ctx, order.ID, paymentRef, tickets); err != nil {
		// order stays pending; the same verdict can be retried
		return fmt.Errorf("mark paid: %w", err)
	}

	monitoring.TrackOrder(string(models.OrderPaid))
	slog.Info("order paid", "order", order.ID, "tickets", len(tickets), "ref", paymentRef)

	if s.notifier != nil {
		order.Status = models.OrderPaid
		order.PaymentRef = paymentRef
		s.notifier.OrderConfirmed(order, tickets)
	}

	// failed commits stay in the holds map; a redelivered verdict or the
	// boot settlement finishes them
	if err := s.commitHoldsLocked(ctx, order.ID); err != nil {
		return fmt.Errorf("mark paid: commit holds: %w", err)
	}
	return nil
}

// settleRemainingHolds finishes hold settlement a previous partial failure
// left behind: commit for paid orders, release for every other terminal
// state. Caller holds the order lock.
func (s *OrderService) settleRemainingHolds(ctx context.Context, order *models.Order) error {
	if order.Status == models.OrderPaid {
		if order.LedgerSettled {
			return nil
		}
		return s.commitHoldsLocked(ctx, order.ID)
	}
	s.releaseHoldsLocked(ctx, order.ID)
	return nil
}

// commitHoldsLocked moves the order's holds from reserved to sold and marks
// the order ledger-settled. Tokens whose commit fails go back into the holds
// map so a later attempt can retry them. Caller holds the order lock.
func (s *OrderService) commitHoldsLocked(ctx context.Context, orderID string) error {
	var failed []*ReservationToken
	var errs []error
	for _, token := range s.takeHolds(orderID) {
		if err := s.ledger.Commit(ctx, token); err != nil {
			slog.Error("ledger commit failed, hold retained", "order", orderID, "token", token.ID, "error", err)
			failed = append(failed, token)
			errs = append(errs, err)
		}
	}
	if len(failed) > 0 {
		s.putHolds(orderID, failed)
		return errors.Join(errs...)
	}

	if err := s.store.SetLedgerSettled(ctx, orderID); err != nil {
		slog.Error("mark ledger settled failed", "order", orderID, "error", err)
	}
	return nil
}

// ConfirmFree settles a zero-amount order through the standard verdict path.
// Calling it on an already-paid free order is a no-op.
func (s *OrderService) ConfirmFree(ctx context.Context, orderID string) error {
	order, err := s.store.Get(ctx, orderID)
	if err != nil {
		return err
	}
	if !order.TotalAmount.IsZero() {
		return fmt.Errorf("order %s has amount %s, payment required", orderID, order.TotalAmount.String())
	}
	verdict, err := freeVerdict(orderID)
	if err != nil {
		return err
	}
	return s.ApplyVerdict(ctx, verdict)
}

// Cancel is the administrative/buyer-initiated cancellation. Cancelling a
// pending order releases its holds; cancelling a paid one does not touch
// the ledger (sold capacity is not restocked).
func (s *OrderService) Cancel(ctx context.Context, orderID string) error {
	unlock := s.locks.Lock(orderLockKey(orderID))
	defer unlock()

	order, err := s.store.Get(ctx, orderID)
	if err != nil {
		return err
	}
	return s.transitionLocked(ctx, order, models.OrderCancelled, order.PaymentRef)
}

// Refund transitions paid -> refunded. Deliberately no ledger interaction:
// a refund does not imply resale without an explicit restock.
func (s *OrderService) Refund(ctx context.Context, orderID string) error {
	unlock := s.locks.Lock(orderLockKey(orderID))
	defer unlock()

	order, err := s.store.Get(ctx, orderID)
	if err != nil {
		return err
	}
	return s.transitionLocked(ctx, order, models.OrderRefunded, order.PaymentRef)
}

// transitionLocked applies a non-paid transition. Caller holds the order
// lock. Leaving pending for any state other than paid releases the holds.
func (s *OrderService) transitionLocked(ctx context.Context, order *models.Order, to models.OrderStatus, paymentRef string) error {
	if !order.Status.CanTransitionTo(to) {
		return s.refuseTransition(order, to)
	}

	if err := s.store.SetStatus(ctx, order.ID, to, paymentRef); err != nil {
		return fmt.Errorf("order %s -> %s: %w", order.ID, to, err)
	}

	if order.Status == models.OrderPending {
		s.releaseHoldsLocked(ctx, order.ID)
	}

	monitoring.TrackOrder(string(to))
	slog.Info("order transitioned", "order", order.ID, "from", order.Status, "to", to)
	return nil
}

func (s *OrderService) refuseTransition(order *models.Order, to models.OrderStatus) error {
	// logged with full detail; callers surface this opaquely
	slog.Warn("invalid order transition refused", "order", order.ID, "from", order.Status, "to", to)
	return fmt.Errorf("order %s: %s -> %s: %w", order.ID, order.Status, to, status.ErrInvalidTransition)
}

func (s *OrderService) releaseHoldsLocked(ctx context.Context, orderID string) {
	var failed []*ReservationToken
	for _, token := range s.takeHolds(orderID) {
		if err := s.ledger.Release(ctx, token); err != nil {
			slog.Error("release hold failed, hold retained", "order", orderID, "token", token.ID, "error", err)
			failed = append(failed, token)
		}
	}
	if len(failed) > 0 {
		s.putHolds(orderID, failed)
	}
}

// RestoreHolds re-adopts the reservation tokens of orders that were pending
// when the process last stopped, then settles the ledger for paid orders
// whose commit never finished. The persisted counters already include the
// reserved quantities, so adoption does not re-reserve.
func (s *OrderService) RestoreHolds(ctx context.Context) error {
	pending, err := s.store.ListPendingBefore(ctx, time.Now().Add(time.Minute))
	if err != nil {
		return fmt.Errorf("restore holds: %w", err)
	}

	heldByKey := make(map[string]int)
	for _, order := range pending {
		tokens := make([]*ReservationToken, 0, len(order.Lines))
		for _, line := range order.Lines {
			tokens = append(tokens, s.ledger.Adopt(line.SessionID, line.TicketTypeID, line.Quantity))
			heldByKey[counterKey(line.SessionID, line.TicketTypeID)] += line.Quantity
		}
		s.putHolds(order.ID, tokens)
	}
	slog.Info("restored pending holds", "orders", len(pending))

	return s.settleInterrupted(ctx, heldByKey)
}

// settleInterrupted finishes the ledger commit of paid orders interrupted
// between the paid flip and the commit loop. Reserved quantity not owned by
// a pending order's hold is exactly what those interrupted commits left
// behind; each line adopts at most that much, so lines that did commit
// before the crash are not counted twice.
func (s *OrderService) settleInterrupted(ctx context.Context, heldByKey map[string]int) error {
	unsettled, err := s.store.ListPaidUnsettled(ctx)
	if err != nil {
		return fmt.Errorf("settle interrupted orders: %w", err)
	}

	outstanding := make(map[string]int)
	for _, order := range unsettled {
		tokens := make([]*ReservationToken, 0, len(order.Lines))
		for _, line := range order.Lines {
			key := counterKey(line.SessionID, line.TicketTypeID)
			if _, seen := outstanding[key]; !seen {
				if c, ok := s.ledger.Counter(line.SessionID, line.TicketTypeID); ok {
					outstanding[key] = c.Reserved - heldByKey[key]
				}
			}
			qty := min(line.Quantity, outstanding[key])
			if qty <= 0 {
				continue
			}
			outstanding[key] -= qty
			tokens = append(tokens, s.ledger.Adopt(line.SessionID, line.TicketTypeID, qty))
		}
		s.putHolds(order.ID, tokens)
	}

	for _, order := range unsettled {
		unlock := s.locks.Lock(orderLockKey(order.ID))
		if err := s.commitHoldsLocked(ctx, order.ID); err != nil {
			slog.Error("settle interrupted order failed", "order", order.ID, "error", err)
		}
		unlock()
	}

	if len(unsettled) > 0 {
		slog.Info("settled interrupted paid orders", "orders", len(unsettled))
	}
	return nil
}

// StartExpiryReaper expires orders that held a reservation past the
// configured hold duration without payment confirmation.
func (s *OrderService) StartExpiryReaper(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.ReaperInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := s.ExpireOverdue(ctx); err != nil {
				slog.Error("expiry reaper sweep failed", "error", err)
			} else if n > 0 {
				slog.Info("expired overdue orders", "count", n)
			}
		}
	}
}

// ExpireOverdue runs one reaper sweep and reports how many orders expired.
func (s *OrderService) ExpireOverdue(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-s.cfg.HoldDuration)
	overdue, err := s.store.ListPendingBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, stale := range overdue {
		unlock := s.locks.Lock(orderLockKey(stale.ID))

		// re-read under the lock; a callback may have settled it meanwhile
		order, err := s.store.Get(ctx, stale.ID)
		if err != nil {
			unlock()
			slog.Error("reaper: load order", "order", stale.ID, "error", err)
			continue
		}
		if order.Status.Terminal() {
			unlock()
			continue
		}

		if err := s.transitionLocked(ctx, order, models.OrderExpired, ""); err != nil {
			slog.Error("reaper: expire order", "order", order.ID, "error", err)
		} else {
			expired++
		}
		unlock()
	}

	return expired, nil
}
