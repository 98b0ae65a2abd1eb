package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	payoutdomain "github.com/fanbeam/tokenledger/internal/payout/domain"
	raildomain "github.com/fanbeam/tokenledger/internal/rail/domain"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Sweep is the periodic repair pass. It resolves payouts left in
// processing by an ambiguous rail outcome, retries transient failures,
// and finalizes runs whose rows have all reached a terminal state.
func (s *Service) Sweep(ctx context.Context) error {
	if err := s.resolveProcessing(ctx); err != nil {
		return err
	}
	if err := s.retryTransientFailures(ctx); err != nil {
		return err
	}
	return s.finalizeOpenRuns(ctx)
}

// resolveProcessing asks the rail whether an in-flight payout was ever
// created, using the stored idempotency key as the source of truth. A
// payout the rail has never seen is safe to retry.
func (s *Service) resolveProcessing(ctx context.Context) error {
	var rows []payoutdomain.CreatorPayout
	if err := s.db.WithContext(ctx).
		Where("status = ? AND idempotency_key <> ''", string(payoutdomain.PayoutStatusProcessing)).
		Order("id ASC").
		Find(&rows).Error; err != nil {
		return err
	}

	for i := range rows {
		row := &rows[i]
		log := s.log.With(zap.String("payout_id", row.ID.String()))

		railCtx, cancel := context.WithTimeout(ctx, railCallTimeout)
		payout, err := s.rail.PayoutByIdempotencyKey(railCtx, row.IdempotencyKey)
		cancel()
		s.countRail("lookup_payout", err)

		switch {
		case err == nil:
			s.applyRailOutcome(ctx, row, payout)
		case errors.Is(err, raildomain.ErrPayoutNotFound):
			// The create never reached the rail. Failing the row here is
			// transient; the retry pass below picks it up with the same key.
			s.markFailed(ctx, row, payoutdomain.FailureReasonNeverCreated, false)
		default:
			log.Warn("rail lookup failed, leaving payout in flight", zap.Error(err))
		}
	}
	return nil
}

func (s *Service) retryTransientFailures(ctx context.Context) error {
	var rows []payoutdomain.CreatorPayout
	if err := s.db.WithContext(ctx).
		Where("status = ? AND failure_permanent = ?", string(payoutdomain.PayoutStatusFailed), false).
		Order("id ASC").
		Find(&rows).Error; err != nil {
		return err
	}

	for i := range rows {
		row := &rows[i]
		if row.IdempotencyKey == "" {
			// Failed before amounts were computed (the balance read never
			// succeeded). Reset to pending and walk the full path again.
			s.retryFromPending(ctx, row)
			continue
		}
		s.retryWithKey(ctx, row)
	}
	return nil
}

// retryWithKey re-submits a failed payout with its original idempotency
// key. The rail collapses duplicates, so the worst case is a no-op.
func (s *Service) retryWithKey(ctx context.Context, row *payoutdomain.CreatorPayout) {
	now := s.clock.Now()
	result := s.db.WithContext(ctx).Exec(
		`UPDATE creator_payouts SET status = ?, updated_at = ?
		 WHERE id = ? AND status = ? AND failure_permanent = ?`,
		string(payoutdomain.PayoutStatusProcessing), now,
		row.ID, string(payoutdomain.PayoutStatusFailed), false,
	)
	if result.Error != nil {
		s.log.Error("failed to reclaim payout for retry", zap.String("payout_id", row.ID.String()), zap.Error(result.Error))
		return
	}
	if result.RowsAffected == 0 {
		return
	}
	row.Status = payoutdomain.PayoutStatusProcessing
	s.submitPayout(ctx, row, s.log.With(zap.String("payout_id", row.ID.String())))
}

func (s *Service) retryFromPending(ctx context.Context, row *payoutdomain.CreatorPayout) {
	now := s.clock.Now()
	result := s.db.WithContext(ctx).Exec(
		`UPDATE creator_payouts SET status = ?, failure_reason = NULL, updated_at = ?
		 WHERE id = ? AND status = ? AND failure_permanent = ?`,
		string(payoutdomain.PayoutStatusPending), now,
		row.ID, string(payoutdomain.PayoutStatusFailed), false,
	)
	if result.Error != nil || result.RowsAffected == 0 {
		return
	}
	row.Status = payoutdomain.PayoutStatusPending
	row.FailureReason = nil

	run, err := s.runByID(ctx, row.RunID)
	if err != nil {
		s.log.Error("failed to load run for payout retry", zap.String("payout_id", row.ID.String()), zap.Error(err))
		return
	}
	var payee payoutdomain.PayeeAccount
	if err := s.db.WithContext(ctx).First(&payee, "creator_id = ?", row.CreatorID).Error; err != nil {
		s.log.Error("failed to load payee for payout retry", zap.String("payout_id", row.ID.String()), zap.Error(err))
		return
	}
	s.processCreator(ctx, run, payee, false)
}

func (s *Service) finalizeOpenRuns(ctx context.Context) error {
	var runs []payoutdomain.PayoutRun
	if err := s.db.WithContext(ctx).
		Where("status = ?", string(payoutdomain.RunStatusRunning)).
		Find(&runs).Error; err != nil {
		return err
	}
	for _, run := range runs {
		if err := s.finalizeRun(ctx, run.ID); err != nil {
			return err
		}
	}
	return nil
}

// finalizeRun closes a run once every row is terminal: succeeded when
// nothing failed, partial otherwise. Runs with in-flight rows stay
// running until a later sweep.
func (s *Service) finalizeRun(ctx context.Context, runID snowflake.ID) error {
	var open int64
	if err := s.db.WithContext(ctx).Model(&payoutdomain.CreatorPayout{}).
		Where("run_id = ? AND status IN ?", runID, []string{
			string(payoutdomain.PayoutStatusPending),
			string(payoutdomain.PayoutStatusProcessing),
		}).
		Count(&open).Error; err != nil {
		return err
	}
	if open > 0 {
		return nil
	}

	var failed int64
	if err := s.db.WithContext(ctx).Model(&payoutdomain.CreatorPayout{}).
		Where("run_id = ? AND status = ?", runID, string(payoutdomain.PayoutStatusFailed)).
		Count(&failed).Error; err != nil {
		return err
	}

	status := payoutdomain.RunStatusSucceeded
	if failed > 0 {
		status = payoutdomain.RunStatusPartial
	}

	now := s.clock.Now()
	return s.db.WithContext(ctx).Exec(
		`UPDATE payout_runs SET status = ?, finished_at = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		string(status), now, now,
		runID, string(payoutdomain.RunStatusRunning),
	).Error
}

// StuckPayouts returns in-flight payouts that have not moved within the
// configured staleness window. They surface in payout health for the
// operator.
func (s *Service) StuckPayouts(ctx context.Context) ([]payoutdomain.CreatorPayout, error) {
	window := time.Duration(s.policy.Get().StalenessWindowMins) * time.Minute
	cutoff := s.clock.Now().Add(-window)
	var rows []payoutdomain.CreatorPayout
	err := s.db.WithContext(ctx).
		Where("status = ? AND updated_at < ?", string(payoutdomain.PayoutStatusProcessing), cutoff).
		Order("updated_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// ApplyRailEvent maps an asynchronous rail callback onto local state.
// Payout events resolve by idempotency key first, then by external id;
// account events update the payee projection.
func (s *Service) ApplyRailEvent(ctx context.Context, event *raildomain.Event) error {
	if event == nil {
		return raildomain.ErrInvalidEvent
	}

	switch event.Type {
	case raildomain.EventTypePayeeUpdated:
		return s.applyPayeeUpdate(ctx, event)
	case raildomain.EventTypePayoutPaid, raildomain.EventTypePayoutFailed:
		return s.applyPayoutEvent(ctx, event)
	default:
		return raildomain.ErrEventIgnored
	}
}

func (s *Service) applyPayeeUpdate(ctx context.Context, event *raildomain.Event) error {
	accountID := strings.TrimSpace(event.PayeeAccountID)
	if accountID == "" {
		return raildomain.ErrInvalidEvent
	}
	now := s.clock.Now()
	result := s.db.WithContext(ctx).Exec(
		`UPDATE payee_accounts SET payouts_enabled = ?, updated_at = ?
		 WHERE rail_account_id = ?`,
		event.PayoutsEnabled, now, accountID,
	)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		// Account not registered locally yet; the registration path will
		// read current state from the rail when it runs.
		s.log.Debug("payee update for unknown account", zap.String("rail_account_id", accountID))
	}
	return nil
}

func (s *Service) applyPayoutEvent(ctx context.Context, event *raildomain.Event) error {
	row, err := s.payoutForEvent(ctx, event)
	if err != nil {
		return err
	}
	if row == nil {
		s.log.Warn("rail payout event matched no local payout",
			zap.String("event_id", event.EventID),
			zap.String("payout_id", event.PayoutID))
		return nil
	}
	if row.Status == payoutdomain.PayoutStatusPaid {
		return nil
	}

	switch event.Type {
	case raildomain.EventTypePayoutPaid:
		s.markPaid(ctx, row, event.PayoutID)
	case raildomain.EventTypePayoutFailed:
		code := event.FailureCode
		if code == "" {
			code = "failed"
		}
		s.markFailed(ctx, row, code, event.FailurePermanent)
	}
	return nil
}

func (s *Service) payoutForEvent(ctx context.Context, event *raildomain.Event) (*payoutdomain.CreatorPayout, error) {
	var row payoutdomain.CreatorPayout
	if key := strings.TrimSpace(event.IdempotencyKey); key != "" {
		err := s.db.WithContext(ctx).First(&row, "idempotency_key = ?", key).Error
		if err == nil {
			return &row, nil
		}
		if !s.isNotFound(err) {
			return nil, err
		}
	}
	if payoutID := strings.TrimSpace(event.PayoutID); payoutID != "" {
		err := s.db.WithContext(ctx).First(&row, "external_payout_id = ?", payoutID).Error
		if err == nil {
			return &row, nil
		}
		if !s.isNotFound(err) {
			return nil, err
		}
	}
	return nil, nil
}

func (s *Service) isNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}
