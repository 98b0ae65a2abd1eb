package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
)

// Draft is a transaction waiting to be committed through Apply.
type Draft struct {
	AccountID   snowflake.ID
	Amount      int64
	Type        TransactionType
	RefID       string
	ExternalRef *string
}

// Service is the balance and transaction engine. It is the only writer of
// accounts and transactions.
type Service interface {
	CreateAccount(ctx context.Context, id snowflake.ID) (*Account, error)
	Account(ctx context.Context, id snowflake.ID) (*Account, error)
	Balance(ctx context.Context, id snowflake.ID) (int64, error)

	// Apply commits a draft set atomically. Re-applying a set whose ref_id
	// has already been committed returns the previously committed rows.
	Apply(ctx context.Context, drafts []Draft) ([]Transaction, error)

	TransactionsByRef(ctx context.Context, refID string) ([]Transaction, error)
	AccountTransactions(ctx context.Context, accountID snowflake.ID, limit int) ([]Transaction, error)
}

var (
	ErrEmptyDraftSet       = errors.New("empty_draft_set")
	ErrInvalidRef          = errors.New("invalid_ref")
	ErrInvalidAmount       = errors.New("invalid_amount")
	ErrInvalidType         = errors.New("invalid_transaction_type")
	ErrInvalidAccount      = errors.New("invalid_account")
	ErrUnbalancedTransfer  = errors.New("unbalanced_transfer")
	ErrInsufficientBalance = errors.New("insufficient_balance")
	ErrAccountNotFound     = errors.New("account_not_found")
)

// ValidateBalanced enforces the double-entry law on the transfer-type
// drafts of a set: they must sum to exactly zero.
func ValidateBalanced(drafts []Draft) error {
	var sum int64
	var transfers int
	for _, draft := range drafts {
		if draft.Type.IsTransfer() {
			transfers++
			sum += draft.Amount
		}
	}
	if transfers > 0 && sum != 0 {
		return ErrUnbalancedTransfer
	}
	return nil
}
