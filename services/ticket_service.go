package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ticketbox/internal/status"
	"ticketbox/models"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// TicketStore reads issued tickets and records redemptions. Get wraps
// status.ErrUnknownTicket when no ticket matches; any other error is an
// infrastructure failure.
type TicketStore interface {
	Get(ctx context.Context, id string) (*models.Ticket, error)
	ListByOrder(ctx context.Context, orderID string) ([]*models.Ticket, error)
	SetCheckedIn(ctx context.Context, id string, at time.Time) error
}

// QRClaims is the payload baked into a ticket's QR code. The HS256 signature
// binds every field, so an edited or forged code cannot produce a payload
// the server accepts.
type QRClaims struct {
	TicketID     string `json:"tid"`
	OrderID      string `json:"oid"`
	SessionID    string `json:"sid"`
	TicketTypeID string `json:"ttid"`
	jwt.RegisteredClaims
}

// TicketService mints tickets for paid orders and encodes/decodes their
// signed QR payloads.
type TicketService struct {
	store      TicketStore
	signingKey []byte
}

func NewTicketService(store TicketStore, signingKey string) *TicketService {
	return &TicketService{
		store:      store,
		signingKey: []byte(signingKey),
	}
}

// IssueForOrder builds one ticket per unit of quantity across all lines.
// Tickets are returned unsaved; the order store persists them together with
// the paid status flip.
func (s *TicketService) IssueForOrder(order *models.Order) ([]*models.Ticket, error) {
	now := time.Now()

	var tickets []*models.Ticket
	for _, line := range order.Lines {
		for i := 0; i < line.Quantity; i++ {
			ticket := &models.Ticket{
				ID:           uuid.NewString(),
				OrderID:      order.ID,
				SessionID:    line.SessionID,
				TicketTypeID: line.TicketTypeID,
				OwnerEmail:   order.BuyerEmail,
				IssuedAt:     now,
			}

			secret, err := s.encode(ticket)
			if err != nil {
				return nil, fmt.Errorf("issue ticket for order %s: %w", order.ID, err)
			}
			ticket.QRSecret = secret

			tickets = append(tickets, ticket)
		}
	}

	return tickets, nil
}

func (s *TicketService) encode(ticket *models.Ticket) (string, error) {
	claims := QRClaims{
		TicketID:     ticket.ID,
		OrderID:      ticket.OrderID,
		SessionID:    ticket.SessionID,
		TicketTypeID: ticket.TicketTypeID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt: jwt.NewNumericDate(ticket.IssuedAt),
			Subject:  ticket.ID,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.signingKey)
}

// Decode parses a scanned payload and verifies its signature before trusting
// any field inside it.
func (s *TicketService) Decode(rawScan string) (*QRClaims, error) {
	token, err := jwt.ParseWithClaims(rawScan, &QRClaims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, status.ErrBadSignature
		}
		return s.signingKey, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenSignatureInvalid) || errors.Is(err, status.ErrBadSignature) {
			return nil, status.ErrBadSignature
		}
		return nil, fmt.Errorf("%v: %w", err, status.ErrMalformed)
	}

	claims, ok := token.Claims.(*QRClaims)
	if !ok || !token.Valid {
		return nil, status.ErrBadSignature
	}
	if claims.TicketID == "" {
		return nil, status.ErrMalformed
	}

	return claims, nil
}

// Get returns a ticket by id.
func (s *TicketService) Get(ctx context.Context, id string) (*models.Ticket, error) {
	return s.store.Get(ctx, id)
}

// ListByOrder returns all tickets issued for an order.
func (s *TicketService) ListByOrder(ctx context.Context, orderID string) ([]*models.Ticket, error) {
	return s.store.ListByOrder(ctx, orderID)
}
