package services

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/markjakearzadon/notipay-reconciler/internal/ledger"
	"github.com/markjakearzadon/notipay-reconciler/internal/models"
)

type published struct {
	OrderID string
	Status  models.OrderStatus
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []published
}

func (p *recordingPublisher) Publish(orderID string, status models.OrderStatus) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, published{orderID, status})
}

func (p *recordingPublisher) Events() []published {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]published(nil), p.events...)
}

func newTestLedger(t *testing.T) *ledger.SQLStore {
	t.Helper()

	store, err := ledger.NewSQLStore("sqlite3", filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("failed to open ledger: %v", err)
	}
	t.Cleanup(func() { store.Close(context.Background()) })
	return store
}

func createOrder(t *testing.T, l ledger.Ledger, orderID string, amount int64) {
	t.Helper()

	result, err := l.Create(context.Background(), &models.PendingOrder{
		OrderID: orderID,
		UserID:  "user-1",
		Amount:  amount,
	})
	if err != nil {
		t.Fatalf("failed to create order %s: %v", orderID, err)
	}
	if result != models.Created {
		t.Fatalf("expected Created, got %s", result)
	}
}

func orderStatus(t *testing.T, l ledger.Ledger, orderID string) models.OrderStatus {
	t.Helper()

	order, err := l.FindByID(context.Background(), orderID)
	if err != nil {
		t.Fatalf("failed to read order %s: %v", orderID, err)
	}
	return order.Status
}

func credit(id, description string, amount int64) models.BankTransaction {
	return models.BankTransaction{
		ID:            "id-" + id,
		TransactionID: id,
		Amount:        amount,
		Description:   description,
		Direction:     models.Credit,
	}
}
