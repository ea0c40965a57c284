package models

import (
	"time"
)

type OrderStatus string

const (
	StatusPending   OrderStatus = "pending"
	StatusVerified  OrderStatus = "verified"
	StatusCancelled OrderStatus = "cancelled"
	StatusExpired   OrderStatus = "expired"
)

// Terminal reports whether no further transition is allowed out of s.
func (s OrderStatus) Terminal() bool {
	return s == StatusVerified || s == StatusCancelled || s == StatusExpired
}

func (s OrderStatus) Valid() bool {
	return s == StatusPending || s.Terminal()
}

// PendingOrder is the ledger row for one bank-transfer purchase.
type PendingOrder struct {
	OrderID        string                 `bson:"order_id" json:"orderId"`
	UserID         string                 `bson:"user_id" json:"userId"`
	Amount         int64                  `bson:"amount" json:"amount"` // minor currency unit
	OrderType      string                 `bson:"order_type" json:"orderType"`
	OrderData      map[string]interface{} `bson:"order_data,omitempty" json:"orderData,omitempty"`
	PaymentContent string                 `bson:"payment_content" json:"paymentContent"`
	Status         OrderStatus            `bson:"status" json:"status"`
	CreatedAt      time.Time              `bson:"created_at" json:"createdAt"`
	UpdatedAt      time.Time              `bson:"updated_at" json:"updatedAt"`
}

// CreateResult is what an insert-or-ignore create reports.
type CreateResult int

const (
	Created CreateResult = iota + 1
	AlreadyExisted
)

func (r CreateResult) String() string {
	switch r {
	case Created:
		return "created"
	case AlreadyExisted:
		return "already_existed"
	}
	return "unknown"
}

// TransitionResult is the outcome of a compare-and-swap status change.
type TransitionResult int

const (
	// Applied means the row moved from the expected status to the target.
	Applied TransitionResult = iota + 1
	// AlreadyInTarget means the row was already at the target status.
	AlreadyInTarget
	// Rejected means the row holds some other status; nothing changed.
	Rejected
	NotFound
)

func (r TransitionResult) String() string {
	switch r {
	case Applied:
		return "applied"
	case AlreadyInTarget:
		return "already_in_target"
	case Rejected:
		return "rejected"
	case NotFound:
		return "not_found"
	}
	return "unknown"
}
