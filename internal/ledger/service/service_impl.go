package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/fanbeam/tokenledger/internal/audit/domain"
	ledgerdomain "github.com/fanbeam/tokenledger/internal/ledger/domain"
	obsmetrics "github.com/fanbeam/tokenledger/internal/observability/metrics"
	"github.com/fanbeam/tokenledger/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	AuditSvc   auditdomain.Service
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	auditSvc   auditdomain.Service
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) ledgerdomain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("ledger.service"),
		genID:      p.GenID,
		auditSvc:   p.AuditSvc,
		obsMetrics: p.ObsMetrics,
	}
}

func (s *Service) CreateAccount(ctx context.Context, id snowflake.ID) (*ledgerdomain.Account, error) {
	if id == 0 {
		return nil, ledgerdomain.ErrInvalidAccount
	}

	now := time.Now().UTC()
	if err := s.db.WithContext(ctx).Exec(
		`INSERT INTO accounts (id, balance, created_at, updated_at)
		 VALUES (?, 0, ?, ?)
		 ON CONFLICT (id) DO NOTHING`,
		id, now, now,
	).Error; err != nil {
		return nil, err
	}
	return s.Account(ctx, id)
}

func (s *Service) Account(ctx context.Context, id snowflake.ID) (*ledgerdomain.Account, error) {
	var account ledgerdomain.Account
	err := s.db.WithContext(ctx).First(&account, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ledgerdomain.ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	return &account, nil
}

func (s *Service) Balance(ctx context.Context, id snowflake.ID) (int64, error) {
	account, err := s.Account(ctx, id)
	if err != nil {
		return 0, err
	}
	return account.Balance, nil
}

// errAlreadyApplied aborts the insert transaction when the ref_id has been
// committed before; the caller then returns the prior result.
var errAlreadyApplied = errors.New("already_applied")

func (s *Service) Apply(ctx context.Context, drafts []ledgerdomain.Draft) ([]ledgerdomain.Transaction, error) {
	normalized, err := s.validate(drafts)
	if err != nil {
		s.countApplyError(err)
		return nil, err
	}

	refID := normalized[0].RefID
	committed, err := s.apply(ctx, refID, normalized)
	if errors.Is(err, errAlreadyApplied) || db.IsDuplicateKeyErr(err) {
		// Either this ref_id was committed earlier or a concurrent apply
		// won the race. Both collapse to the same answer.
		return s.TransactionsByRef(ctx, refID)
	}
	if err != nil {
		s.countApplyError(err)
		return nil, err
	}

	for _, txn := range committed {
		if s.obsMetrics != nil {
			s.obsMetrics.LedgerTransactions.WithLabelValues(string(txn.Type)).Inc()
		}
	}

	refStr := refID
	metadata := map[string]any{
		"ref_id": refID,
		"lines":  len(committed),
	}
	if err := s.auditSvc.AuditLog(ctx, auditdomain.ActorTypeService, nil, "ledger.apply_committed", "transaction_set", &refStr, metadata); err != nil {
		s.log.Warn("failed to write ledger audit log", zap.Error(err))
	}

	return committed, nil
}

func (s *Service) validate(drafts []ledgerdomain.Draft) ([]ledgerdomain.Draft, error) {
	if len(drafts) == 0 {
		return nil, ledgerdomain.ErrEmptyDraftSet
	}

	refID := strings.TrimSpace(drafts[0].RefID)
	if refID == "" {
		return nil, ledgerdomain.ErrInvalidRef
	}

	normalized := make([]ledgerdomain.Draft, 0, len(drafts))
	for _, draft := range drafts {
		if strings.TrimSpace(draft.RefID) != refID {
			return nil, ledgerdomain.ErrInvalidRef
		}
		if draft.AccountID == 0 {
			return nil, ledgerdomain.ErrInvalidAccount
		}
		if draft.Amount == 0 {
			return nil, ledgerdomain.ErrInvalidAmount
		}
		if !draft.Type.Valid() {
			return nil, ledgerdomain.ErrInvalidType
		}
		draft.RefID = refID
		normalized = append(normalized, draft)
	}

	if err := ledgerdomain.ValidateBalanced(normalized); err != nil {
		return nil, err
	}
	return normalized, nil
}

func (s *Service) apply(ctx context.Context, refID string, drafts []ledgerdomain.Draft) ([]ledgerdomain.Transaction, error) {
	committed := make([]ledgerdomain.Transaction, 0, len(drafts))

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now().UTC()

		for i, draft := range drafts {
			txn := ledgerdomain.Transaction{
				ID:          s.genID.Generate(),
				AccountID:   draft.AccountID,
				Amount:      draft.Amount,
				Type:        draft.Type,
				RefID:       refID,
				Status:      ledgerdomain.StatusCompleted,
				ExternalRef: draft.ExternalRef,
				CreatedAt:   now,
			}

			if i == 0 {
				result := tx.Exec(
					`INSERT INTO transactions (
						id, account_id, amount, type, ref_id, status, external_ref, created_at
					) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
					ON CONFLICT (ref_id, account_id, type) DO NOTHING`,
					txn.ID, txn.AccountID, txn.Amount, string(txn.Type), txn.RefID,
					string(txn.Status), txn.ExternalRef, txn.CreatedAt,
				)
				if result.Error != nil {
					return result.Error
				}
				if result.RowsAffected == 0 {
					return errAlreadyApplied
				}
			} else {
				if err := tx.Exec(
					`INSERT INTO transactions (
						id, account_id, amount, type, ref_id, status, external_ref, created_at
					) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
					txn.ID, txn.AccountID, txn.Amount, string(txn.Type), txn.RefID,
					string(txn.Status), txn.ExternalRef, txn.CreatedAt,
				).Error; err != nil {
					return err
				}
			}
			committed = append(committed, txn)
		}

		// Update each account's balance projection in the same unit of work.
		// The guard keeps every committed balance non-negative.
		deltas := map[snowflake.ID]int64{}
		order := make([]snowflake.ID, 0, len(drafts))
		for _, draft := range drafts {
			if _, seen := deltas[draft.AccountID]; !seen {
				order = append(order, draft.AccountID)
			}
			deltas[draft.AccountID] += draft.Amount
		}

		for _, accountID := range order {
			delta := deltas[accountID]
			result := tx.Exec(
				`UPDATE accounts
				 SET balance = balance + ?, updated_at = ?
				 WHERE id = ? AND balance + ? >= 0`,
				delta, now, accountID, delta,
			)
			if result.Error != nil {
				return result.Error
			}
			if result.RowsAffected == 0 {
				var exists int64
				if err := tx.Raw(`SELECT COUNT(1) FROM accounts WHERE id = ?`, accountID).Scan(&exists).Error; err != nil {
					return err
				}
				if exists == 0 {
					return fmt.Errorf("account %s: %w", accountID.String(), ledgerdomain.ErrAccountNotFound)
				}
				return fmt.Errorf("account %s: %w", accountID.String(), ledgerdomain.ErrInsufficientBalance)
			}
		}

		return nil
	})
	if err != nil {
		return nil, err
	}
	return committed, nil
}

func (s *Service) TransactionsByRef(ctx context.Context, refID string) ([]ledgerdomain.Transaction, error) {
	refID = strings.TrimSpace(refID)
	if refID == "" {
		return nil, ledgerdomain.ErrInvalidRef
	}
	var txns []ledgerdomain.Transaction
	if err := s.db.WithContext(ctx).
		Where("ref_id = ? AND status = ?", refID, ledgerdomain.StatusCompleted).
		Order("id ASC").
		Find(&txns).Error; err != nil {
		return nil, err
	}
	return txns, nil
}

func (s *Service) AccountTransactions(ctx context.Context, accountID snowflake.ID, limit int) ([]ledgerdomain.Transaction, error) {
	if accountID == 0 {
		return nil, ledgerdomain.ErrInvalidAccount
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var txns []ledgerdomain.Transaction
	if err := s.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Order("id DESC").
		Limit(limit).
		Find(&txns).Error; err != nil {
		return nil, err
	}
	return txns, nil
}

func (s *Service) countApplyError(err error) {
	if s.obsMetrics == nil {
		return
	}
	reason := "internal"
	switch {
	case errors.Is(err, ledgerdomain.ErrInsufficientBalance):
		reason = "insufficient_balance"
	case errors.Is(err, ledgerdomain.ErrUnbalancedTransfer):
		reason = "unbalanced_transfer"
	case errors.Is(err, ledgerdomain.ErrAccountNotFound):
		reason = "account_not_found"
	case errors.Is(err, ledgerdomain.ErrEmptyDraftSet),
		errors.Is(err, ledgerdomain.ErrInvalidRef),
		errors.Is(err, ledgerdomain.ErrInvalidAmount),
		errors.Is(err, ledgerdomain.ErrInvalidType),
		errors.Is(err, ledgerdomain.ErrInvalidAccount):
		reason = "validation"
	}
	s.obsMetrics.LedgerApplyErrors.WithLabelValues(reason).Inc()
}
