package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/labstack/gommon/log"

	"github.com/markjakearzadon/notipay-reconciler/internal/ledger"
	"github.com/markjakearzadon/notipay-reconciler/internal/models"
	"github.com/markjakearzadon/notipay-reconciler/internal/normalizer"
	"github.com/markjakearzadon/notipay-reconciler/internal/notify"
	"github.com/markjakearzadon/notipay-reconciler/internal/reference"
)

type MatchResult struct {
	Outcome   models.MatchOutcome
	Reference string
	OrderID   string
	// Verified is true when the order is verified after this call, whether
	// this call or an earlier one moved it.
	Verified bool
}

// ReconciliationService decides whether a bank transaction pays an order.
// Every call is independent; the ledger's CAS transition makes repeated or
// concurrent calls for the same transaction safe.
type ReconciliationService struct {
	ledger ledger.Ledger
	pub    notify.Publisher
}

func NewReconciliationService(l ledger.Ledger, pub notify.Publisher) *ReconciliationService {
	return &ReconciliationService{ledger: l, pub: pub}
}

func (s *ReconciliationService) Match(ctx context.Context, tx models.BankTransaction) (MatchResult, error) {
	if tx.Direction != models.Credit {
		log.Debugf("[Matcher] Skipping %s transaction %s", tx.Direction, tx.DedupKey())
		return MatchResult{Outcome: models.OutcomeIgnoredDebit}, nil
	}

	ref, ok := reference.Extract(tx.Description)
	if !ok {
		log.Warnf("[Matcher] Orphaned transaction %s: no reference in %q", tx.DedupKey(), tx.Description)
		return MatchResult{Outcome: models.OutcomeOrphaned}, nil
	}
	result := MatchResult{Reference: ref}

	order, err := s.ledger.FindByReference(ctx, ref)
	if errors.Is(err, ledger.ErrNotFound) {
		log.Warnf("[Matcher] Orphaned transaction %s: no order for reference %q", tx.DedupKey(), ref)
		result.Outcome = models.OutcomeOrphaned
		return result, nil
	}
	if err != nil {
		return result, fmt.Errorf("failed to look up reference %q: %w", ref, err)
	}
	result.OrderID = order.OrderID

	if tx.Amount != order.Amount {
		log.Warnf("[Matcher] Amount mismatch for order %s: transaction %s paid %d, order expects %d",
			order.OrderID, tx.DedupKey(), tx.Amount, order.Amount)
		result.Outcome = models.OutcomeAmountMismatch
		return result, nil
	}

	transition, err := s.ledger.Transition(ctx, order.OrderID, models.StatusPending, models.StatusVerified)
	if err != nil {
		return result, fmt.Errorf("failed to verify order %s: %w", order.OrderID, err)
	}

	switch transition {
	case models.Applied:
		log.Infof("[Matcher] Order %s verified by transaction %s", order.OrderID, tx.DedupKey())
		s.pub.Publish(order.OrderID, models.StatusVerified)
		result.Outcome = models.OutcomeMatched
		result.Verified = true
	case models.AlreadyInTarget:
		log.Infof("[Matcher] Order %s already verified; transaction %s is a repeat", order.OrderID, tx.DedupKey())
		result.Outcome = models.OutcomeMatched
		result.Verified = true
	case models.Rejected:
		log.Warnf("[Matcher] Transaction %s pays order %s which is no longer pending", tx.DedupKey(), order.OrderID)
		result.Outcome = models.OutcomeOrderNotPending
	default:
		result.Outcome = models.OutcomeOrphaned
	}
	return result, nil
}

type WebhookSummary struct {
	Shape      string `json:"shape,omitempty"`
	Received   int    `json:"received"`
	Duplicates int    `json:"duplicates"`
	Matched    int    `json:"matched"`
}

// HandleWebhook journals and matches every transaction in a decoded payload.
// Per-transaction failures are logged, never returned: the aggregator must
// not retry a payload that was received.
func (s *ReconciliationService) HandleWebhook(ctx context.Context, payload interface{}) WebhookSummary {
	txs, shape := normalizer.Normalize(payload)
	summary := WebhookSummary{Shape: shape, Received: len(txs)}
	if shape == "" {
		log.Warnf("[Webhook] Unrecognized payload shape; nothing to reconcile")
		return summary
	}
	log.Infof("[Webhook] Received %d transaction(s) as %s", len(txs), shape)

	for _, tx := range txs {
		log.Debugf("[Webhook] Transaction %s: account=%s bank=%s amount=%d direction=%s",
			tx.DedupKey(), maskAccount(tx.AccountNumber), tx.BankCode, tx.Amount, tx.Direction)
		created, err := s.ledger.SaveTransaction(ctx, tx)
		if err != nil {
			log.Errorf("[Webhook] Failed to journal transaction %s: %v", tx.DedupKey(), err)
		} else if !created {
			summary.Duplicates++
			log.Infof("[Webhook] Transaction %s already received", tx.DedupKey())
		}

		result, err := s.Match(ctx, tx)
		if err != nil {
			log.Errorf("[Webhook] Failed to match transaction %s: %v", tx.DedupKey(), err)
			continue
		}
		if result.Verified {
			summary.Matched++
		}
		if err := s.ledger.RecordOutcome(ctx, tx.DedupKey(), result.Outcome, result.Reference, result.OrderID); err != nil {
			log.Errorf("[Webhook] %v", err)
		}
	}
	return summary
}

// maskAccount keeps the last four digits of an account number.
func maskAccount(account string) string {
	if len(account) <= 4 {
		return account
	}
	return "****" + account[len(account)-4:]
}
