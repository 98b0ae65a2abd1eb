package service

import (
	"context"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/fanbeam/tokenledger/internal/audit/domain"
	ledgerdomain "github.com/fanbeam/tokenledger/internal/ledger/domain"
	payoutdomain "github.com/fanbeam/tokenledger/internal/payout/domain"
	"go.uber.org/zap"
)

// Every transition below is a guarded UPDATE keyed on the row's current
// status. A miss means another worker (or an earlier trigger) got there
// first, and the caller treats the transition as a no-op.

func (s *Service) markProcessing(ctx context.Context, row *payoutdomain.CreatorPayout, gross, reserve, net int64, currency, key string) error {
	now := s.clock.Now()
	result := s.db.WithContext(ctx).Exec(
		`UPDATE creator_payouts
		 SET status = ?, gross_amount = ?, reserve_amount = ?, net_payout_amount = ?,
		     currency = ?, idempotency_key = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		string(payoutdomain.PayoutStatusProcessing), gross, reserve, net,
		currency, key, now,
		row.ID, string(payoutdomain.PayoutStatusPending),
	)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return nil
	}
	row.Status = payoutdomain.PayoutStatusProcessing
	row.GrossAmount = gross
	row.ReserveAmount = reserve
	row.NetPayoutAmount = net
	row.Currency = currency
	row.IdempotencyKey = key
	return nil
}

func (s *Service) markSkipped(ctx context.Context, row *payoutdomain.CreatorPayout, reason string, gross, reserve, net int64) {
	now := s.clock.Now()
	result := s.db.WithContext(ctx).Exec(
		`UPDATE creator_payouts
		 SET status = ?, skip_reason = ?, gross_amount = ?, reserve_amount = ?,
		     net_payout_amount = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		string(payoutdomain.PayoutStatusSkipped), reason, gross, reserve, net, now,
		row.ID, string(payoutdomain.PayoutStatusPending),
	)
	if result.Error != nil {
		s.log.Error("failed to skip payout", zap.String("payout_id", row.ID.String()), zap.Error(result.Error))
		return
	}
	if result.RowsAffected == 0 {
		return
	}
	row.Status = payoutdomain.PayoutStatusSkipped
	row.SkipReason = &reason
	s.countPayout(payoutdomain.PayoutStatusSkipped)
}

func (s *Service) markFailed(ctx context.Context, row *payoutdomain.CreatorPayout, reason string, permanent bool) {
	now := s.clock.Now()
	result := s.db.WithContext(ctx).Exec(
		`UPDATE creator_payouts
		 SET status = ?, failure_reason = ?, failure_permanent = ?, updated_at = ?
		 WHERE id = ? AND status IN ?`,
		string(payoutdomain.PayoutStatusFailed), reason, permanent, now,
		row.ID, []string{
			string(payoutdomain.PayoutStatusPending),
			string(payoutdomain.PayoutStatusProcessing),
		},
	)
	if result.Error != nil {
		s.log.Error("failed to fail payout", zap.String("payout_id", row.ID.String()), zap.Error(result.Error))
		return
	}
	if result.RowsAffected == 0 {
		return
	}
	row.Status = payoutdomain.PayoutStatusFailed
	row.FailureReason = &reason
	row.FailurePermanent = permanent
	s.countPayout(payoutdomain.PayoutStatusFailed)
}

// markPaid commits the paid outcome and records the payout in the token
// ledger. The ledger entry is best-effort: the money has already moved,
// so a ledger error is surfaced for the reconciler instead of unwinding
// the payout.
func (s *Service) markPaid(ctx context.Context, row *payoutdomain.CreatorPayout, externalPayoutID string) {
	now := s.clock.Now()
	result := s.db.WithContext(ctx).Exec(
		`UPDATE creator_payouts
		 SET status = ?, external_payout_id = ?, paid_at = ?,
		     failure_reason = NULL, failure_permanent = FALSE, updated_at = ?
		 WHERE id = ? AND status IN ?`,
		string(payoutdomain.PayoutStatusPaid), externalPayoutID, now, now,
		row.ID, []string{
			string(payoutdomain.PayoutStatusPending),
			string(payoutdomain.PayoutStatusProcessing),
			string(payoutdomain.PayoutStatusFailed),
		},
	)
	if result.Error != nil {
		s.log.Error("failed to mark payout paid", zap.String("payout_id", row.ID.String()), zap.Error(result.Error))
		return
	}
	if result.RowsAffected == 0 {
		return
	}
	row.Status = payoutdomain.PayoutStatusPaid
	row.ExternalPayoutID = &externalPayoutID
	row.PaidAt = &now
	s.countPayout(payoutdomain.PayoutStatusPaid)

	refID := "payout:" + row.ID.String()
	_, err := s.ledgerSvc.Apply(ctx, []ledgerdomain.Draft{{
		AccountID:   row.CreatorID,
		Amount:      -row.NetPayoutAmount,
		Type:        ledgerdomain.TypePayout,
		RefID:       refID,
		ExternalRef: &externalPayoutID,
	}})
	if err != nil {
		s.log.Error("failed to record payout in ledger",
			zap.String("payout_id", row.ID.String()),
			zap.String("external_payout_id", externalPayoutID),
			zap.Error(err))
	}

	payoutID := row.ID.String()
	if err := s.auditSvc.AuditLog(ctx, auditdomain.ActorTypeSystem, nil, "payout.paid", "creator_payout", &payoutID, map[string]any{
		"creator_id":         row.CreatorID.String(),
		"cycle_date":         row.CycleDate,
		"net_payout_amount":  row.NetPayoutAmount,
		"external_payout_id": externalPayoutID,
	}); err != nil {
		s.log.Warn("failed to write payout audit log", zap.Error(err))
	}
}

func (s *Service) recordExternalID(ctx context.Context, row *payoutdomain.CreatorPayout, externalPayoutID string) {
	now := s.clock.Now()
	err := s.db.WithContext(ctx).Exec(
		`UPDATE creator_payouts SET external_payout_id = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		externalPayoutID, now, row.ID, string(payoutdomain.PayoutStatusProcessing),
	).Error
	if err != nil {
		s.log.Error("failed to record external payout id", zap.String("payout_id", row.ID.String()), zap.Error(err))
		return
	}
	row.ExternalPayoutID = &externalPayoutID
}

func (s *Service) failRun(ctx context.Context, runID snowflake.ID) {
	now := s.clock.Now()
	err := s.db.WithContext(ctx).Exec(
		`UPDATE payout_runs SET status = ?, finished_at = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		string(payoutdomain.RunStatusFailed), now, now,
		runID, string(payoutdomain.RunStatusRunning),
	).Error
	if err != nil {
		s.log.Error("failed to mark run failed", zap.String("run_id", runID.String()), zap.Error(err))
	}
}

func (s *Service) countPayout(status payoutdomain.PayoutStatus) {
	if s.obsMetrics == nil {
		return
	}
	s.obsMetrics.PayoutsProcessed.WithLabelValues(string(status)).Inc()
}
