package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// TransactionType classifies a ledger movement.
type TransactionType string

const (
	// Token inflow from a real-money purchase. Single-sided: tokens enter
	// the economy.
	TypePurchase TransactionType = "purchase"

	// Transfer types. Entries sharing a ref_id must net to zero.
	TypeSpend   TransactionType = "spend"
	TypeTipIn   TransactionType = "tip_in"
	TypeTipOut  TransactionType = "tip_out"
	TypeCallIn  TransactionType = "call_in"
	TypeCallOut TransactionType = "call_out"

	// Token outflow. Single-sided: tokens leave the economy.
	TypePayout     TransactionType = "payout"
	TypeFee        TransactionType = "fee"
	TypeChargeback TransactionType = "chargeback"
	TypeReversal   TransactionType = "reversal"
)

// TransferTypes are the two-sided movement types whose ref_id groups must
// sum to zero.
var TransferTypes = []TransactionType{TypeSpend, TypeTipIn, TypeTipOut, TypeCallIn, TypeCallOut}

func (t TransactionType) IsTransfer() bool {
	for _, transfer := range TransferTypes {
		if t == transfer {
			return true
		}
	}
	return false
}

func (t TransactionType) Valid() bool {
	switch t {
	case TypePurchase, TypeSpend, TypeTipIn, TypeTipOut, TypeCallIn, TypeCallOut,
		TypePayout, TypeFee, TypeChargeback, TypeReversal:
		return true
	default:
		return false
	}
}

type TransactionStatus string

const (
	StatusPending   TransactionStatus = "pending"
	StatusCompleted TransactionStatus = "completed"
	StatusFailed    TransactionStatus = "failed"
)

// Account holds a user's token balance. The balance column is a projection
// of the account's completed transactions and is only written together with
// them, inside the same database transaction.
type Account struct {
	ID        snowflake.ID `gorm:"primaryKey"`
	Balance   int64        `gorm:"not null;default:0"`
	CreatedAt time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (Account) TableName() string { return "accounts" }

// Transaction is an immutable ledger entry. Completed rows are never
// updated; corrections are new reversal entries.
type Transaction struct {
	ID          snowflake.ID      `gorm:"primaryKey"`
	AccountID   snowflake.ID      `gorm:"not null;index;uniqueIndex:ux_transactions_ref_account_type,priority:2"`
	Amount      int64             `gorm:"not null"`
	Type        TransactionType   `gorm:"type:text;not null;index;uniqueIndex:ux_transactions_ref_account_type,priority:3"`
	RefID       string            `gorm:"type:text;not null;index;uniqueIndex:ux_transactions_ref_account_type,priority:1"`
	Status      TransactionStatus `gorm:"type:text;not null"`
	ExternalRef *string           `gorm:"type:text;index"`
	CreatedAt   time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (Transaction) TableName() string { return "transactions" }
