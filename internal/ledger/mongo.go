package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/labstack/gommon/log"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/markjakearzadon/notipay-reconciler/internal/models"
	"github.com/markjakearzadon/notipay-reconciler/internal/reference"
)

const (
	OrdersCollection       = "pending_orders"
	TransactionsCollection = "bank_transactions"
)

type MongoStore struct {
	client       *mongo.Client
	orders       *mongo.Collection
	transactions *mongo.Collection
	now          func() time.Time
}

func NewMongoStore(client *mongo.Client, dbName string) *MongoStore {
	db := client.Database(dbName)
	return &MongoStore{
		client:       client,
		orders:       db.Collection(OrdersCollection),
		transactions: db.Collection(TransactionsCollection),
		now:          utcNow,
	}
}

// Orders exposes the order collection for change-stream watchers.
func (s *MongoStore) Orders() *mongo.Collection {
	return s.orders
}

// EnsureIndexes creates the uniqueness and lookup indexes both collections rely on.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	orderIndexes := []mongo.IndexModel{
		{Keys: bson.D{{Key: "order_id", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "created_at", Value: 1}}},
		{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "created_at", Value: -1}}},
	}
	if _, err := s.orders.Indexes().CreateMany(ctx, orderIndexes); err != nil {
		return fmt.Errorf("failed to create order indexes: %w", err)
	}

	txIndexes := []mongo.IndexModel{
		{Keys: bson.D{{Key: "dedup_key", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "extracted_reference", Value: 1}, {Key: "received_at", Value: 1}}},
		{Keys: bson.D{{Key: "outcome", Value: 1}, {Key: "received_at", Value: -1}}},
	}
	if _, err := s.transactions.Indexes().CreateMany(ctx, txIndexes); err != nil {
		return fmt.Errorf("failed to create transaction indexes: %w", err)
	}
	return nil
}

func (s *MongoStore) Create(ctx context.Context, order *models.PendingOrder) (models.CreateResult, error) {
	if err := prepareOrder(order, s.now()); err != nil {
		return 0, err
	}

	res, err := s.orders.UpdateOne(ctx,
		bson.M{"order_id": order.OrderID},
		bson.M{"$setOnInsert": order},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		// Two concurrent upserts can both miss and race on the unique index.
		if mongo.IsDuplicateKeyError(err) {
			return models.AlreadyExisted, nil
		}
		return 0, fmt.Errorf("failed to create order %s: %w", order.OrderID, err)
	}
	if res.UpsertedCount == 1 {
		return models.Created, nil
	}
	return models.AlreadyExisted, nil
}

func (s *MongoStore) FindByID(ctx context.Context, orderID string) (*models.PendingOrder, error) {
	var order models.PendingOrder
	if err := s.orders.FindOne(ctx, bson.M{"order_id": orderID}).Decode(&order); err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to fetch order %s: %w", orderID, err)
	}
	return &order, nil
}

func (s *MongoStore) FindByReference(ctx context.Context, ref string) (*models.PendingOrder, error) {
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

func (s *MongoStore) Transition(ctx context.Context, orderID string, from, to models.OrderStatus) (models.TransitionResult, error) {
	if err := checkTransition(from, to); err != nil {
		return 0, err
	}

	res, err := s.orders.UpdateOne(ctx,
		bson.M{"order_id": orderID, "status": from},
		bson.M{"$set": bson.M{"status": to, "updated_at": s.now()}},
	)
	if err != nil {
		return 0, fmt.Errorf("failed to transition order %s: %w", orderID, err)
	}
	if res.ModifiedCount == 1 {
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

func (s *MongoStore) Expire(ctx context.Context, cutoff time.Time) ([]string, error) {
	cur, err := s.orders.Find(ctx,
		bson.M{"status": models.StatusPending, "created_at": bson.M{"$lt": cutoff}},
		options.Find().SetProjection(bson.M{"order_id": 1}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to find stale orders: %w", err)
	}
	defer cur.Close(ctx)

	var stale []struct {
		OrderID string `bson:"order_id"`
	}
	if err := cur.All(ctx, &stale); err != nil {
		return nil, fmt.Errorf("failed to decode stale orders: %w", err)
	}

	var expired []string
	for _, o := range stale {
		result, err := s.Transition(ctx, o.OrderID, models.StatusPending, models.StatusExpired)
		if err != nil {
			return expired, err
		}
		if result == models.Applied {
			expired = append(expired, o.OrderID)
		}
	}
	return expired, nil
}

func (s *MongoStore) SaveTransaction(ctx context.Context, tx models.BankTransaction) (bool, error) {
	entry := models.JournalEntry{
		BankTransaction:    tx,
		DedupKey:           tx.DedupKey(),
		ExtractedReference: journalReference(tx),
		ReceivedAt:         s.now(),
	}
	res, err := s.transactions.UpdateOne(ctx,
		bson.M{"dedup_key": entry.DedupKey},
		bson.M{"$setOnInsert": entry},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to save transaction %s: %w", entry.DedupKey, err)
	}
	return res.UpsertedCount == 1, nil
}

func (s *MongoStore) RecordOutcome(ctx context.Context, dedupKey string, outcome models.MatchOutcome, ref, orderID string) error {
	_, err := s.transactions.UpdateOne(ctx,
		bson.M{"dedup_key": dedupKey, "outcome": bson.M{"$ne": models.OutcomeMatched}},
		bson.M{"$set": outcomeFields(outcome, ref, orderID)},
	)
	if err != nil {
		return fmt.Errorf("failed to record outcome for %s: %w", dedupKey, err)
	}
	return nil
}

func (s *MongoStore) TransactionsFor(ctx context.Context, ref string, since time.Time) ([]models.JournalEntry, error) {
	return s.findEntries(ctx,
		bson.M{
			"extracted_reference": reference.Canonical(ref),
			"received_at":         bson.M{"$gte": since},
			"direction":           models.Credit,
		},
		options.Find().SetSort(bson.D{{Key: "received_at", Value: 1}, {Key: "_id", Value: 1}}),
	)
}

func (s *MongoStore) ListOrphaned(ctx context.Context, limit int) ([]models.JournalEntry, error) {
	opts := options.Find().SetSort(bson.M{"received_at": -1})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	return s.findEntries(ctx,
		bson.M{"outcome": bson.M{"$in": []models.MatchOutcome{models.OutcomeOrphaned, models.OutcomeAmountMismatch, models.OutcomeOrderNotPending}}},
		opts,
	)
}

func (s *MongoStore) findEntries(ctx context.Context, filter bson.M, opts *options.FindOptions) ([]models.JournalEntry, error) {
	cur, err := s.transactions.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch transactions: %w", err)
	}
	defer cur.Close(ctx)

	entries := []models.JournalEntry{}
	if err := cur.All(ctx, &entries); err != nil {
		return nil, fmt.Errorf("failed to decode transactions: %w", err)
	}
	return entries, nil
}

func (s *MongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}
