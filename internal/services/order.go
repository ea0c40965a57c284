package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/labstack/gommon/log"

	"github.com/markjakearzadon/notipay-reconciler/internal/ledger"
	"github.com/markjakearzadon/notipay-reconciler/internal/models"
	"github.com/markjakearzadon/notipay-reconciler/internal/notify"
	"github.com/markjakearzadon/notipay-reconciler/internal/reference"
)

var (
	ErrOrderNotFound = errors.New("order not found")
	ErrForbidden     = errors.New("order belongs to another account")
	ErrInvalidOrder  = errors.New("invalid order")
)

type CreateOrderRequest struct {
	OrderID   string                 `json:"orderId"`
	Amount    int64                  `json:"amount"`
	OrderType string                 `json:"orderType"`
	OrderData map[string]interface{} `json:"orderData"`
}

type OrderService struct {
	ledger   ledger.Ledger
	matcher  *ReconciliationService
	pub      notify.Publisher
	ttl      time.Duration
	lookback time.Duration
	now      func() time.Time
}

func NewOrderService(l ledger.Ledger, matcher *ReconciliationService, pub notify.Publisher, ttl, lookback time.Duration) *OrderService {
	return &OrderService{
		ledger:   l,
		matcher:  matcher,
		pub:      pub,
		ttl:      ttl,
		lookback: lookback,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// CreateOrder ensures a pending order exists. Repeating the call with the
// same order ID returns the stored order and AlreadyExisted.
func (s *OrderService) CreateOrder(ctx context.Context, userID string, req CreateOrderRequest) (*models.PendingOrder, models.CreateResult, error) {
	orderID := reference.Canonical(req.OrderID)
	if orderID == "" {
		generated, err := reference.NewOrderID()
		if err != nil {
			return nil, 0, fmt.Errorf("failed to generate order id: %w", err)
		}
		orderID = generated
	}
	if !reference.ValidOrderID(orderID) {
		return nil, 0, fmt.Errorf("%w: order id must be at most %d letters, digits or dashes",
			ErrInvalidOrder, reference.MaxOrderIDLength)
	}
	if req.Amount <= 0 {
		return nil, 0, fmt.Errorf("%w: amount must be positive", ErrInvalidOrder)
	}

	order := &models.PendingOrder{
		OrderID:   orderID,
		UserID:    userID,
		Amount:    req.Amount,
		OrderType: strings.TrimSpace(req.OrderType),
		OrderData: req.OrderData,
	}
	result, err := s.ledger.Create(ctx, order)
	if errors.Is(err, ledger.ErrInvalidOrder) {
		return nil, 0, fmt.Errorf("%w: %v", ErrInvalidOrder, err)
	}
	if err != nil {
		return nil, 0, err
	}

	if result == models.AlreadyExisted {
		log.Infof("[Orders] Order %s already exists", orderID)
		existing, err := s.GetOrder(ctx, userID, orderID)
		if err != nil {
			return nil, 0, err
		}
		return existing, result, nil
	}

	log.Infof("[Orders] Created order %s for user %s, amount=%d", orderID, userID, order.Amount)
	return order, result, nil
}

// GetOrder returns the order if userID owns it.
func (s *OrderService) GetOrder(ctx context.Context, userID, orderID string) (*models.PendingOrder, error) {
	order, err := s.ledger.FindByID(ctx, reference.Canonical(orderID))
	if errors.Is(err, ledger.ErrNotFound) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, err
	}
	if order.UserID != userID {
		log.Warnf("[Orders] User %s asked for order %s owned by %s", userID, order.OrderID, order.UserID)
		return nil, ErrForbidden
	}
	return order, nil
}

// Verify settles the order if a stored transaction received before its
// deadline pays it, otherwise expires it once the TTL has passed, and
// returns the order's resulting state.
func (s *OrderService) Verify(ctx context.Context, userID, orderID string) (*models.PendingOrder, error) {
	order, err := s.GetOrder(ctx, userID, orderID)
	if err != nil {
		return nil, err
	}
	if order.Status.Terminal() {
		return order, nil
	}

	now := s.now()
	deadline := order.CreatedAt.Add(s.ttl)
	since := now.Add(-s.lookback)
	if order.CreatedAt.After(since) {
		since = order.CreatedAt
	}
	entries, err := s.ledger.TransactionsFor(ctx, order.OrderID, since)
	if err != nil {
		return nil, err
	}

	for _, entry := range entries {
		if !entry.ReceivedAt.Before(deadline) {
			continue
		}
		result, err := s.matcher.Match(ctx, entry.BankTransaction)
		if err != nil {
			return nil, err
		}
		if err := s.ledger.RecordOutcome(ctx, entry.DedupKey, result.Outcome, result.Reference, result.OrderID); err != nil {
			log.Errorf("[Orders] %v", err)
		}
		if result.Verified {
			return s.ledger.FindByID(ctx, order.OrderID)
		}
	}

	if !now.Before(deadline) {
		if err := s.transition(ctx, order.OrderID, models.StatusExpired); err != nil {
			return nil, err
		}
	}
	return s.ledger.FindByID(ctx, order.OrderID)
}

// Cancel moves a pending order to cancelled. A terminal order is returned
// as is.
func (s *OrderService) Cancel(ctx context.Context, userID, orderID string) (*models.PendingOrder, error) {
	order, err := s.GetOrder(ctx, userID, orderID)
	if err != nil {
		return nil, err
	}
	if order.Status.Terminal() {
		return order, nil
	}
	if err := s.transition(ctx, order.OrderID, models.StatusCancelled); err != nil {
		return nil, err
	}
	return s.ledger.FindByID(ctx, order.OrderID)
}

func (s *OrderService) transition(ctx context.Context, orderID string, to models.OrderStatus) error {
	result, err := s.ledger.Transition(ctx, orderID, models.StatusPending, to)
	if err != nil {
		return err
	}
	if result == models.Applied {
		log.Infof("[Orders] Order %s is now %s", orderID, to)
		s.pub.Publish(orderID, to)
	}
	return nil
}

// ListOrphaned returns journal entries that need manual reconciliation.
func (s *OrderService) ListOrphaned(ctx context.Context, limit int) ([]models.JournalEntry, error) {
	return s.ledger.ListOrphaned(ctx, limit)
}
