// Package ledger persists pending orders and the bank-transaction journal.
//
// Status changes go through Transition, a compare-and-swap on the stored
// status. It is the only coordination point between concurrent webhook
// deliveries, verify calls and the expiry sweeper.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/markjakearzadon/notipay-reconciler/internal/models"
	"github.com/markjakearzadon/notipay-reconciler/internal/reference"
)

var (
	ErrNotFound          = errors.New("order not found")
	ErrIllegalTransition = errors.New("illegal status transition")
	ErrInvalidOrder      = errors.New("invalid order")
)

type Ledger interface {
	// Create inserts the order as pending unless one with the same ID exists.
	Create(ctx context.Context, order *models.PendingOrder) (models.CreateResult, error)
	FindByID(ctx context.Context, orderID string) (*models.PendingOrder, error)
	// FindByReference looks the reference up as an order ID and only returns
	// the order if its stored payment content is the one built from that ID.
	FindByReference(ctx context.Context, ref string) (*models.PendingOrder, error)
	Transition(ctx context.Context, orderID string, from, to models.OrderStatus) (models.TransitionResult, error)
	// Expire moves pending orders created before cutoff to expired and
	// returns the IDs it moved.
	Expire(ctx context.Context, cutoff time.Time) ([]string, error)

	// SaveTransaction journals tx unless its dedup key is already stored.
	// The canonical reference in its description is stored with it.
	SaveTransaction(ctx context.Context, tx models.BankTransaction) (bool, error)
	// RecordOutcome never overwrites a matched entry. An empty ref keeps the
	// reference stored at save time.
	RecordOutcome(ctx context.Context, dedupKey string, outcome models.MatchOutcome, ref, orderID string) error
	// TransactionsFor returns the credits received since the given time
	// whose description carries ref, oldest first.
	TransactionsFor(ctx context.Context, ref string, since time.Time) ([]models.JournalEntry, error)
	// ListOrphaned returns entries needing manual review, newest first.
	ListOrphaned(ctx context.Context, limit int) ([]models.JournalEntry, error)

	Close(ctx context.Context) error
}

// prepareOrder validates and fills the fields the ledger owns.
func prepareOrder(order *models.PendingOrder, now time.Time) error {
	order.OrderID = strings.TrimSpace(order.OrderID)
	if order.OrderID == "" {
		return fmt.Errorf("%w: order_id is required", ErrInvalidOrder)
	}
	if order.UserID == "" {
		return fmt.Errorf("%w: user_id is required", ErrInvalidOrder)
	}
	if order.Amount <= 0 {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidOrder)
	}
	order.PaymentContent = reference.PaymentContent(order.OrderID)
	order.Status = models.StatusPending
	order.CreatedAt = now
	order.UpdatedAt = now
	return nil
}

func checkTransition(from, to models.OrderStatus) error {
	if from != models.StatusPending || !to.Terminal() {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}
	return nil
}

// classify decides the result of a CAS that changed nothing.
func classify(current *models.PendingOrder, to models.OrderStatus) models.TransitionResult {
	if current.Status == to {
		return models.AlreadyInTarget
	}
	return models.Rejected
}

// journalReference is the canonical reference stored with a transaction.
func journalReference(tx models.BankTransaction) string {
	ref, ok := reference.Extract(tx.Description)
	if !ok {
		return ""
	}
	return reference.Canonical(ref)
}

// outcomeFields is the update RecordOutcome applies.
func outcomeFields(outcome models.MatchOutcome, ref, orderID string) map[string]interface{} {
	fields := map[string]interface{}{
		"outcome":          string(outcome),
		"matched_order_id": orderID,
	}
	if ref != "" {
		fields["extracted_reference"] = reference.Canonical(ref)
	}
	return fields
}

func contentMatches(order *models.PendingOrder) bool {
	return order.PaymentContent == reference.PaymentContent(order.OrderID)
}

func utcNow() time.Time {
	return time.Now().UTC()
}
