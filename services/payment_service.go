package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"ticketbox/config"
	"ticketbox/internal/services/gateway"
	"ticketbox/internal/status"
	"ticketbox/models"
	"ticketbox/monitoring"
	"ticketbox/utils"

	"github.com/redis/go-redis/v9"
)

// CallbackStore appends to the callback audit log.
type CallbackStore interface {
	AppendCallback(ctx context.Context, rec models.PaymentCallback) error
}

// PaymentService owns the gateway-facing half of the order lifecycle:
// building redirect URLs, reconciling signed callbacks, and polling the
// provider when a callback never arrives.
type PaymentService struct {
	redis   *redis.Client
	gw      *gateway.Client
	orders  *OrderService
	records CallbackStore
	breaker *utils.CircuitBreaker

	dedupTTL time.Duration
}

func NewPaymentService(redisClient *redis.Client, gw *gateway.Client, orders *OrderService, records CallbackStore, cfg *config.Config) *PaymentService {
	return &PaymentService{
		redis:    redisClient,
		gw:       gw,
		orders:   orders,
		records:  records,
		breaker:  utils.NewCircuitBreaker("payment-gateway"),
		dedupTTL: cfg.CallbackDedupTTL,
	}
}

// BuildRedirect returns the signed gateway URL the buyer is sent to. Only
// pending orders with a positive amount have a payment to make.
func (s *PaymentService) BuildRedirect(ctx context.Context, orderID string) (string, error) {
	order, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return "", err
	}
	if order.Status != models.OrderPending {
		return "", fmt.Errorf("order %s is %s: %w", order.ID, order.Status, status.ErrInvalidTransition)
	}
	if order.TotalAmount.IsZero() {
		return "", fmt.Errorf("order %s is free, no payment needed", order.ID)
	}

	return s.gw.BuildRedirectURL(order.ID, order.TotalAmount)
}

func dedupKey(gatewayRef string) string {
	return "callback:" + gatewayRef
}

// HandleCallback verifies a raw gateway callback, dedupes it by gateway
// reference, records it, and applies the verdict to the order. A redelivered
// callback returns the originally stored verdict; applying it again is
// harmless because settled orders discard verdicts.
func (s *PaymentService) HandleCallback(ctx context.Context, params url.Values) (*models.Verdict, error) {
	verdict, err := s.gw.VerifyCallback(params)
	if err != nil {
		monitoring.TrackCallback("rejected")
		slog.Warn("gateway callback rejected", "error", err)
		return nil, err
	}

	verdict, duplicate := s.dedupe(ctx, verdict)
	s.audit(ctx, verdict, params.Encode(), duplicate)

	if duplicate {
		monitoring.TrackCallback("duplicate")
	} else {
		monitoring.TrackCallback(string(verdict.Outcome))
	}

	if err := s.orders.ApplyVerdict(ctx, verdict); err != nil {
		return verdict, err
	}
	return verdict, nil
}

// dedupe claims the gateway reference with SETNX. When the reference was
// already claimed, the verdict stored by the first delivery wins.
func (s *PaymentService) dedupe(ctx context.Context, verdict *models.Verdict) (*models.Verdict, bool) {
	if s.redis == nil {
		return verdict, false
	}

	data, err := json.Marshal(verdict)
	if err != nil {
		return verdict, false
	}

	claimed, err := s.redis.SetNX(ctx, dedupKey(verdict.GatewayRef), data, s.dedupTTL).Result()
	if err != nil {
		slog.Error("callback dedup check failed", "ref", verdict.GatewayRef, "error", err)
		return verdict, false
	}
	if claimed {
		return verdict, false
	}

	stored, err := s.redis.Get(ctx, dedupKey(verdict.GatewayRef)).Result()
	if err != nil {
		return verdict, true
	}
	var first models.Verdict
	if err := json.Unmarshal([]byte(stored), &first); err != nil {
		return verdict, true
	}
	return &first, true
}

func (s *PaymentService) audit(ctx context.Context, verdict *models.Verdict, rawQuery string, duplicate bool) {
	rec := models.PaymentCallback{
		OrderID:    verdict.OrderID,
		GatewayRef: verdict.GatewayRef,
		Outcome:    verdict.Outcome,
		Amount:     verdict.Amount,
		RawQuery:   rawQuery,
		Duplicate:  duplicate,
		ReceivedAt: time.Now(),
	}
	if err := s.records.AppendCallback(ctx, rec); err != nil {
		slog.Error("append callback record failed", "order", verdict.OrderID, "ref", verdict.GatewayRef, "error", err)
	}
}

// CheckPaymentStatus polls the provider for an order whose callback never
// arrived and applies whatever verdict it reports. Calls go through the
// breaker so a struggling provider is not hammered.
func (s *PaymentService) CheckPaymentStatus(ctx context.Context, orderID string) (*models.Verdict, error) {
	var verdict *models.Verdict
	err := s.breaker.Execute(ctx, func() error {
		v, err := s.gw.CheckTransaction(ctx, orderID)
		if err != nil {
			return err
		}
		verdict = v
		return nil
	})
	if err != nil {
		if errors.Is(err, utils.ErrBreakerOpen) {
			return nil, fmt.Errorf("status check for order %s: %v: %w", orderID, err, status.ErrGatewayTimeout)
		}
		return nil, err
	}

	if err := s.orders.ApplyVerdict(ctx, verdict); err != nil {
		return verdict, err
	}
	return verdict, nil
}
