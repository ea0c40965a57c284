package models

import "time"

type Direction string

const (
	Credit Direction = "credit"
	Debit  Direction = "debit"
)

// MatchOutcome records what reconciliation decided for a stored transaction.
type MatchOutcome string

const (
	OutcomeUnprocessed     MatchOutcome = ""
	OutcomeMatched         MatchOutcome = "matched"
	OutcomeOrphaned        MatchOutcome = "orphaned"
	OutcomeAmountMismatch  MatchOutcome = "amount_mismatch"
	OutcomeIgnoredDebit    MatchOutcome = "ignored_debit"
	OutcomeOrderNotPending MatchOutcome = "order_not_pending"
)

// BankTransaction is the canonical shape every aggregator payload is normalized into.
type BankTransaction struct {
	ID              string    `bson:"_id" json:"id"`
	TransactionID   string    `bson:"transaction_id" json:"transactionId"`
	BankCode        string    `bson:"bank_code" json:"bankCode"`
	AccountNumber   string    `bson:"account_number" json:"accountNumber"`
	Amount          int64     `bson:"amount" json:"amount"`
	Description     string    `bson:"description" json:"description"`
	TransactionDate time.Time `bson:"transaction_date" json:"transactionDate"`
	Direction       Direction `bson:"direction" json:"direction"`
}

// DedupKey identifies the transaction across aggregator retries.
func (t BankTransaction) DedupKey() string {
	if t.TransactionID != "" {
		return t.TransactionID
	}
	return t.ID
}

// JournalEntry is a stored transaction together with its reconciliation outcome.
type JournalEntry struct {
	BankTransaction    `bson:",inline"`
	DedupKey           string       `bson:"dedup_key" json:"-"`
	ExtractedReference string       `bson:"extracted_reference" json:"extractedReference,omitempty"`
	MatchedOrderID     string       `bson:"matched_order_id" json:"matchedOrderId,omitempty"`
	Outcome            MatchOutcome `bson:"outcome" json:"outcome"`
	ReceivedAt         time.Time    `bson:"received_at" json:"receivedAt"`
}
