package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/markjakearzadon/notipay-reconciler/internal/models"
)

// runContract exercises the Ledger contract against any store.
func runContract(t *testing.T, newStore func(t *testing.T) Ledger) {
	t.Run("CreateIsIdempotent", func(t *testing.T) { testCreateIsIdempotent(t, newStore(t)) })
	t.Run("CreateValidates", func(t *testing.T) { testCreateValidates(t, newStore(t)) })
	t.Run("FindByReference", func(t *testing.T) { testFindByReference(t, newStore(t)) })
	t.Run("TransitionIdempotent", func(t *testing.T) { testTransitionIdempotent(t, newStore(t)) })
	t.Run("TerminalNeverRegresses", func(t *testing.T) { testTerminalNeverRegresses(t, newStore(t)) })
	t.Run("TransitionConcurrent", func(t *testing.T) { testTransitionConcurrent(t, newStore(t)) })
	t.Run("TransitionRejectsIllegal", func(t *testing.T) { testTransitionRejectsIllegal(t, newStore(t)) })
	t.Run("Expire", func(t *testing.T) { testExpire(t, newStore(t)) })
	t.Run("Journal", func(t *testing.T) { testJournal(t, newStore(t)) })
}

func newOrder(id string, amount int64) *models.PendingOrder {
	return &models.PendingOrder{
		OrderID:   id,
		UserID:    "user-1",
		Amount:    amount,
		OrderType: "course",
		OrderData: map[string]interface{}{"courseId": "c-42"},
	}
}

func mustCreate(t *testing.T, store Ledger, order *models.PendingOrder) {
	t.Helper()
	if _, err := store.Create(context.Background(), order); err != nil {
		t.Fatalf("Create(%s): %v", order.OrderID, err)
	}
}

func testCreateIsIdempotent(t *testing.T, store Ledger) {
	ctx := context.Background()

	first, err := store.Create(ctx, newOrder("ORDA1B2C3", 150000))
	if err != nil || first != models.Created {
		t.Fatalf("first Create = %v, %v; want created", first, err)
	}
	dup := newOrder("ORDA1B2C3", 999)
	second, err := store.Create(ctx, dup)
	if err != nil || second != models.AlreadyExisted {
		t.Fatalf("second Create = %v, %v; want already_existed", second, err)
	}

	got, err := store.FindByID(ctx, "ORDA1B2C3")
	if err != nil {
		t.Fatalf("FindByID: %v", err)
	}
	if got.Amount != 150000 {
		t.Errorf("Amount = %d, duplicate create must not overwrite", got.Amount)
	}
	if got.Status != models.StatusPending {
		t.Errorf("Status = %s, want pending", got.Status)
	}
	if got.PaymentContent != "Thanh toan ORDA1B2C3" {
		t.Errorf("PaymentContent = %q", got.PaymentContent)
	}
	if got.OrderData["courseId"] != "c-42" {
		t.Errorf("OrderData = %v", got.OrderData)
	}
}

func testCreateValidates(t *testing.T, store Ledger) {
	for _, order := range []*models.PendingOrder{
		{OrderID: "", UserID: "u", Amount: 1},
		{OrderID: "ORDX", UserID: "", Amount: 1},
		{OrderID: "ORDX", UserID: "u", Amount: 0},
	} {
		if _, err := store.Create(context.Background(), order); !errors.Is(err, ErrInvalidOrder) {
			t.Errorf("Create(%+v) error = %v, want ErrInvalidOrder", order, err)
		}
	}
}

func testFindByReference(t *testing.T, store Ledger) {
	ctx := context.Background()
	mustCreate(t, store, newOrder("ORD-ABC123", 150000))

	got, err := store.FindByReference(ctx, "ord-abc123")
	if err != nil {
		t.Fatalf("FindByReference: %v", err)
	}
	if got.OrderID != "ORD-ABC123" {
		t.Errorf("OrderID = %q", got.OrderID)
	}

	if _, err := store.FindByReference(ctx, "TRANSFER"); err != ErrNotFound {
		t.Errorf("FindByReference(unknown) error = %v, want ErrNotFound", err)
	}
}

func testTransitionIdempotent(t *testing.T, store Ledger) {
	ctx := context.Background()
	mustCreate(t, store, newOrder("ORDIDEM", 1000))

	for i, want := range []models.TransitionResult{models.Applied, models.AlreadyInTarget} {
		got, err := store.Transition(ctx, "ORDIDEM", models.StatusPending, models.StatusVerified)
		if err != nil || got != want {
			t.Fatalf("Transition #%d = %v, %v; want %v", i+1, got, err, want)
		}
	}
	order, _ := store.FindByID(ctx, "ORDIDEM")
	if order.Status != models.StatusVerified {
		t.Errorf("Status = %s, want verified", order.Status)
	}

	got, err := store.Transition(ctx, "ORDMISSING", models.StatusPending, models.StatusVerified)
	if err != nil || got != models.NotFound {
		t.Errorf("Transition(missing) = %v, %v; want not_found", got, err)
	}
}

func testTerminalNeverRegresses(t *testing.T, store Ledger) {
	ctx := context.Background()
	terminals := []models.OrderStatus{models.StatusVerified, models.StatusCancelled, models.StatusExpired}
	for i, terminal := range terminals {
		id := fmt.Sprintf("ORDTERM%d", i)
		mustCreate(t, store, newOrder(id, 1000))
		if _, err := store.Transition(ctx, id, models.StatusPending, terminal); err != nil {
			t.Fatalf("Transition to %s: %v", terminal, err)
		}
		for _, other := range terminals {
			if other == terminal {
				continue
			}
			got, err := store.Transition(ctx, id, models.StatusPending, other)
			if err != nil || got != models.Rejected {
				t.Errorf("%s -> %s = %v, %v; want rejected", terminal, other, got, err)
			}
		}
		order, _ := store.FindByID(ctx, id)
		if order.Status != terminal {
			t.Errorf("Status = %s, want %s", order.Status, terminal)
		}
	}
}

func testTransitionConcurrent(t *testing.T, store Ledger) {
	ctx := context.Background()
	mustCreate(t, store, newOrder("ORDRACE", 1000))

	const workers = 8
	results := make([]models.TransitionResult, workers)
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			to := models.StatusVerified
			if i%2 == 1 {
				to = models.StatusCancelled
			}
			results[i], errs[i] = store.Transition(ctx, "ORDRACE", models.StatusPending, to)
		}(i)
	}
	wg.Wait()

	applied := 0
	for i := range results {
		if errs[i] != nil {
			t.Fatalf("worker %d: %v", i, errs[i])
		}
		if results[i] == models.Applied {
			applied++
		}
	}
	if applied != 1 {
		t.Errorf("applied %d transitions, want exactly 1", applied)
	}
}

func testTransitionRejectsIllegal(t *testing.T, store Ledger) {
	ctx := context.Background()
	mustCreate(t, store, newOrder("ORDILLEGAL", 1000))
	illegal := [][2]models.OrderStatus{
		{models.StatusVerified, models.StatusPending},
		{models.StatusPending, models.StatusPending},
		{models.StatusExpired, models.StatusVerified},
	}
	for _, p := range illegal {
		if _, err := store.Transition(ctx, "ORDILLEGAL", p[0], p[1]); !errors.Is(err, ErrIllegalTransition) {
			t.Errorf("Transition(%s -> %s) error = %v, want ErrIllegalTransition", p[0], p[1], err)
		}
	}
}

func testExpire(t *testing.T, store Ledger) {
	ctx := context.Background()
	mustCreate(t, store, newOrder("ORDOLD", 1000))
	mustCreate(t, store, newOrder("ORDPAID", 1000))
	if _, err := store.Transition(ctx, "ORDPAID", models.StatusPending, models.StatusVerified); err != nil {
		t.Fatalf("Transition: %v", err)
	}

	none, err := store.Expire(ctx, time.Now().UTC().Add(-time.Hour))
	if err != nil || len(none) != 0 {
		t.Fatalf("Expire(past cutoff) = %v, %v; want nothing", none, err)
	}

	expired, err := store.Expire(ctx, time.Now().UTC().Add(time.Minute))
	if err != nil {
		t.Fatalf("Expire: %v", err)
	}
	if len(expired) != 1 || expired[0] != "ORDOLD" {
		t.Errorf("Expire = %v, want [ORDOLD]", expired)
	}
	paid, _ := store.FindByID(ctx, "ORDPAID")
	if paid.Status != models.StatusVerified {
		t.Errorf("verified order became %s", paid.Status)
	}
}

func testJournal(t *testing.T, store Ledger) {
	ctx := context.Background()
	start := time.Now().UTC().Add(-time.Second)

	tx := models.BankTransaction{
		ID: "uuid-1", TransactionID: "T1", Amount: 150000,
		Description: "Thanh toan ORD-ABC123", Direction: models.Credit,
	}
	created, err := store.SaveTransaction(ctx, tx)
	if err != nil || !created {
		t.Fatalf("SaveTransaction = %v, %v; want created", created, err)
	}
	retry := tx
	retry.ID = "uuid-2"
	created, err = store.SaveTransaction(ctx, retry)
	if err != nil || created {
		t.Fatalf("SaveTransaction(retry) = %v, %v; want duplicate", created, err)
	}
	debit := models.BankTransaction{ID: "uuid-3", TransactionID: "T2", Amount: 5, Direction: models.Debit}
	if _, err := store.SaveTransaction(ctx, debit); err != nil {
		t.Fatalf("SaveTransaction(debit): %v", err)
	}
	orphan := models.BankTransaction{ID: "uuid-4", Amount: 7, Description: "hello", Direction: models.Credit}
	if _, err := store.SaveTransaction(ctx, orphan); err != nil {
		t.Fatalf("SaveTransaction(orphan): %v", err)
	}
	other := models.BankTransaction{ID: "uuid-5", TransactionID: "T3", Amount: 150000, Description: "thanh toan ord-other1", Direction: models.Credit}
	if _, err := store.SaveTransaction(ctx, other); err != nil {
		t.Fatalf("SaveTransaction(other): %v", err)
	}

	since, err := store.TransactionsFor(ctx, "ord-abc123", start)
	if err != nil {
		t.Fatalf("TransactionsFor: %v", err)
	}
	if len(since) != 1 {
		t.Fatalf("TransactionsFor returned %d entries, want only T1", len(since))
	}
	if since[0].TransactionID != "T1" || since[0].ID != "uuid-1" || since[0].ExtractedReference != "ORD-ABC123" {
		t.Errorf("first entry = %+v", since[0])
	}
	if later, _ := store.TransactionsFor(ctx, "ORD-ABC123", time.Now().UTC().Add(time.Hour)); len(later) != 0 {
		t.Errorf("TransactionsFor after the window returned %+v", later)
	}
	others, err := store.TransactionsFor(ctx, "ORD-OTHER1", start)
	if err != nil || len(others) != 1 || others[0].DedupKey != "T3" {
		t.Errorf("TransactionsFor(ORD-OTHER1) = %+v, %v; want T3", others, err)
	}

	if err := store.RecordOutcome(ctx, "T1", models.OutcomeMatched, "ORD-ABC123", "ORD-ABC123"); err != nil {
		t.Fatalf("RecordOutcome: %v", err)
	}
	if err := store.RecordOutcome(ctx, "T1", models.OutcomeOrderNotPending, "ORD-ABC123", "ORD-ABC123"); err != nil {
		t.Fatalf("RecordOutcome: %v", err)
	}
	if err := store.RecordOutcome(ctx, "uuid-4", models.OutcomeOrphaned, "", ""); err != nil {
		t.Fatalf("RecordOutcome: %v", err)
	}

	orphans, err := store.ListOrphaned(ctx, 10)
	if err != nil {
		t.Fatalf("ListOrphaned: %v", err)
	}
	if len(orphans) != 1 || orphans[0].DedupKey != "uuid-4" {
		t.Errorf("ListOrphaned = %+v, want only uuid-4", orphans)
	}

	since, _ = store.TransactionsFor(ctx, "ORD-ABC123", start)
	if len(since) != 1 || since[0].Outcome != models.OutcomeMatched {
		t.Errorf("matched outcome was overwritten: %+v", since)
	}

	// an outcome without a reference keeps the one stored at save time
	if err := store.RecordOutcome(ctx, "T3", models.OutcomeOrphaned, "", ""); err != nil {
		t.Fatalf("RecordOutcome: %v", err)
	}
	if others, _ := store.TransactionsFor(ctx, "ORD-OTHER1", start); len(others) != 1 || others[0].Outcome != models.OutcomeOrphaned {
		t.Errorf("T3 lost its reference: %+v", others)
	}
}
