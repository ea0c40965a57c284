package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jinzhu/gorm"
	_ "github.com/jinzhu/gorm/dialects/postgres" //postgres
	_ "github.com/jinzhu/gorm/dialects/sqlite"   //sqlite3
	"github.com/labstack/gommon/log"

	"github.com/markjakearzadon/notipay-reconciler/internal/models"
	"github.com/markjakearzadon/notipay-reconciler/internal/reference"
)

type orderRow struct {
	OrderID        string    `gorm:"primary_key;size:64"`
	UserID         string    `gorm:"size:100;not null;index"`
	Amount         int64     `gorm:"not null"`
	OrderType      string    `gorm:"size:50"`
	OrderData      string    `gorm:"type:text"`
	PaymentContent string    `gorm:"size:200;not null"`
	Status         string    `gorm:"size:20;not null;index:idx_orders_status_created"`
	CreatedAt      time.Time `gorm:"not null;index:idx_orders_status_created"`
	UpdatedAt      time.Time `gorm:"not null"`
}

func (orderRow) TableName() string { return OrdersCollection }

type journalRow struct {
	DedupKey           string    `gorm:"primary_key;size:191"`
	ID                 string    `gorm:"size:64;not null"`
	TransactionID      string    `gorm:"size:191"`
	BankCode           string    `gorm:"size:50"`
	AccountNumber      string    `gorm:"size:50"`
	Amount             int64     `gorm:"not null"`
	Description        string    `gorm:"type:text"`
	TransactionDate    time.Time
	Direction          string    `gorm:"size:10;not null"`
	ExtractedReference string    `gorm:"size:191;index"`
	MatchedOrderID     string    `gorm:"size:64;index"`
	Outcome            string    `gorm:"size:30;index"`
	ReceivedAt         time.Time `gorm:"not null;index"`
}

func (journalRow) TableName() string { return TransactionsCollection }

// SQLStore is the gorm-backed ledger for postgres and sqlite3.
type SQLStore struct {
	db  *gorm.DB
	now func() time.Time
}

func NewSQLStore(driver, dsn string) (*SQLStore, error) {
	db, err := gorm.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("cannot connect to %s database: %w", driver, err)
	}
	if driver == "sqlite3" {
		// sqlite serializes writers; one connection avoids "database is locked".
		db.DB().SetMaxOpenConns(1)
	}
	if err := db.AutoMigrate(&orderRow{}, &journalRow{}).Error; err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate ledger tables: %w", err)
	}
	return &SQLStore{db: db, now: utcNow}, nil
}

const insertOrderSQL = `INSERT INTO pending_orders
	(order_id, user_id, amount, order_type, order_data, payment_content, status, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (order_id) DO NOTHING`

func (s *SQLStore) Create(ctx context.Context, order *models.PendingOrder) (models.CreateResult, error) {
	if err := prepareOrder(order, s.now()); err != nil {
		return 0, err
	}
	data, err := json.Marshal(order.OrderData)
	if err != nil {
		return 0, fmt.Errorf("%w: order_data: %v", ErrInvalidOrder, err)
	}

	res := s.db.Exec(insertOrderSQL,
		order.OrderID, order.UserID, order.Amount, order.OrderType, string(data),
		order.PaymentContent, string(order.Status), order.CreatedAt, order.UpdatedAt)
	if res.Error != nil {
		return 0, fmt.Errorf("failed to create order %s: %w", order.OrderID, res.Error)
	}
	if res.RowsAffected == 1 {
		return models.Created, nil
	}
	return models.AlreadyExisted, nil
}

func (s *SQLStore) FindByID(ctx context.Context, orderID string) (*models.PendingOrder, error) {
	var row orderRow
	if err := s.db.Where("order_id = ?", orderID).First(&row).Error; err != nil {
		if gorm.IsRecordNotFoundError(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to fetch order %s: %w", orderID, err)
	}
	return row.toModel(), nil
}

func (s *SQLStore) FindByReference(ctx context.Context, ref string) (*models.PendingOrder, error) {
	order, err := s.FindByID(ctx, reference.Canonical(ref))
	if err != nil {
		return nil, err
	}
	if !contentMatches(order) {
		log.Warnf("[Ledger] Order %s payment content %q does not match its reference", order.OrderID, order.PaymentContent)
		return nil, ErrNotFound
	}
	return order, nil
}

func (s *SQLStore) Transition(ctx context.Context, orderID string, from, to models.OrderStatus) (models.TransitionResult, error) {
	if err := checkTransition(from, to); err != nil {
		return 0, err
	}

	res := s.db.Model(&orderRow{}).
		Where("order_id = ? AND status = ?", orderID, string(from)).
		UpdateColumns(map[string]interface{}{"status": string(to), "updated_at": s.now()})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to transition order %s: %w", orderID, res.Error)
	}
	if res.RowsAffected == 1 {
		return models.Applied, nil
	}

	current, err := s.FindByID(ctx, orderID)
	if err == ErrNotFound {
		return models.NotFound, nil
	}
	if err != nil {
		return 0, err
	}
	return classify(current, to), nil
}

func (s *SQLStore) Expire(ctx context.Context, cutoff time.Time) ([]string, error) {
	var stale []string
	if err := s.db.Model(&orderRow{}).
		Where("status = ? AND created_at < ?", string(models.StatusPending), cutoff.UTC()).
		Pluck("order_id", &stale).Error; err != nil {
		return nil, fmt.Errorf("failed to find stale orders: %w", err)
	}

	var expired []string
	for _, id := range stale {
		result, err := s.Transition(ctx, id, models.StatusPending, models.StatusExpired)
		if err != nil {
			return expired, err
		}
		if result == models.Applied {
			expired = append(expired, id)
		}
	}
	return expired, nil
}

const insertTransactionSQL = `INSERT INTO bank_transactions
	(dedup_key, id, transaction_id, bank_code, account_number, amount, description,
	 transaction_date, direction, extracted_reference, matched_order_id, outcome, received_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, '', '', ?)
	ON CONFLICT (dedup_key) DO NOTHING`

func (s *SQLStore) SaveTransaction(ctx context.Context, tx models.BankTransaction) (bool, error) {
	key := tx.DedupKey()
	res := s.db.Exec(insertTransactionSQL,
		key, tx.ID, tx.TransactionID, tx.BankCode, tx.AccountNumber, tx.Amount, tx.Description,
		tx.TransactionDate.UTC(), string(tx.Direction), journalReference(tx), s.now())
	if res.Error != nil {
		return false, fmt.Errorf("failed to save transaction %s: %w", key, res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (s *SQLStore) RecordOutcome(ctx context.Context, dedupKey string, outcome models.MatchOutcome, ref, orderID string) error {
	err := s.db.Model(&journalRow{}).
		Where("dedup_key = ? AND outcome <> ?", dedupKey, string(models.OutcomeMatched)).
		UpdateColumns(outcomeFields(outcome, ref, orderID)).Error
	if err != nil {
		return fmt.Errorf("failed to record outcome for %s: %w", dedupKey, err)
	}
	return nil
}

func (s *SQLStore) TransactionsFor(ctx context.Context, ref string, since time.Time) ([]models.JournalEntry, error) {
	var rows []journalRow
	if err := s.db.
		Where("extracted_reference = ? AND received_at >= ? AND direction = ?",
			reference.Canonical(ref), since.UTC(), string(models.Credit)).
		Order("received_at ASC, dedup_key ASC").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch transactions: %w", err)
	}
	return toEntries(rows), nil
}

func (s *SQLStore) ListOrphaned(ctx context.Context, limit int) ([]models.JournalEntry, error) {
	q := s.db.
		Where("outcome IN (?)", []string{
			string(models.OutcomeOrphaned),
			string(models.OutcomeAmountMismatch),
			string(models.OutcomeOrderNotPending),
		}).
		Order("received_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []journalRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch orphaned transactions: %w", err)
	}
	return toEntries(rows), nil
}

func (s *SQLStore) Close(ctx context.Context) error {
	return s.db.Close()
}

func (r orderRow) toModel() *models.PendingOrder {
	order := &models.PendingOrder{
		OrderID:        r.OrderID,
		UserID:         r.UserID,
		Amount:         r.Amount,
		OrderType:      r.OrderType,
		PaymentContent: r.PaymentContent,
		Status:         models.OrderStatus(r.Status),
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
	if r.OrderData != "" && r.OrderData != "null" {
		if err := json.Unmarshal([]byte(r.OrderData), &order.OrderData); err != nil {
			log.Warnf("[Ledger] Order %s has unreadable order_data: %v", r.OrderID, err)
		}
	}
	return order
}

func toEntries(rows []journalRow) []models.JournalEntry {
	entries := make([]models.JournalEntry, 0, len(rows))
	for _, r := range rows {
		entries = append(entries, models.JournalEntry{
			BankTransaction: models.BankTransaction{
				ID:              r.ID,
				TransactionID:   r.TransactionID,
				BankCode:        r.BankCode,
				AccountNumber:   r.AccountNumber,
				Amount:          r.Amount,
				Description:     r.Description,
				TransactionDate: r.TransactionDate,
				Direction:       models.Direction(r.Direction),
			},
			DedupKey:           r.DedupKey,
			ExtractedReference: r.ExtractedReference,
			MatchedOrderID:     r.MatchedOrderID,
			Outcome:            models.MatchOutcome(r.Outcome),
			ReceivedAt:         r.ReceivedAt,
		})
	}
	return entries
}
