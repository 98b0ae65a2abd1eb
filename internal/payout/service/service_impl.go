package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/fanbeam/tokenledger/internal/audit/domain"
	"github.com/fanbeam/tokenledger/internal/clock"
	"github.com/fanbeam/tokenledger/internal/config"
	ledgerdomain "github.com/fanbeam/tokenledger/internal/ledger/domain"
	obsmetrics "github.com/fanbeam/tokenledger/internal/observability/metrics"
	payoutdomain "github.com/fanbeam/tokenledger/internal/payout/domain"
	raildomain "github.com/fanbeam/tokenledger/internal/rail/domain"
	"github.com/google/uuid"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// idempotencyNamespace seeds the deterministic payout idempotency keys so
// that (payee, cycle, currency) always derives the same key.
var idempotencyNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("tokenledger/creator-payouts"))

const (
	defaultWorkers  = 8
	railCallTimeout = 15 * time.Second
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Rail       raildomain.Client
	LedgerSvc  ledgerdomain.Service
	AuditSvc   auditdomain.Service
	Policy     *config.PayoutPolicyHolder
	ObsMetrics *obsmetrics.Metrics `optional:"true"`

	// Workers caps per-run creator concurrency. Zero means the default.
	Workers int `optional:"true" name:"payout_workers"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	rail       raildomain.Client
	ledgerSvc  ledgerdomain.Service
	auditSvc   auditdomain.Service
	policy     *config.PayoutPolicyHolder
	obsMetrics *obsmetrics.Metrics
	workers    int
}

func NewService(p Params) payoutdomain.Service {
	workers := p.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("payout.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		rail:       p.Rail,
		ledgerSvc:  p.LedgerSvc,
		auditSvc:   p.AuditSvc,
		policy:     p.Policy,
		obsMetrics: p.ObsMetrics,
		workers:    workers,
	}
}

func (s *Service) TriggerRun(ctx context.Context, cycleDate string) (*payoutdomain.RunDetail, error) {
	cycleDate, err := s.normalizeCycleDate(cycleDate)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	now := s.clock.Now()
	runID := s.genID.Generate()

	result := s.db.WithContext(ctx).Exec(
		`INSERT INTO payout_runs (id, cycle_date, status, started_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (cycle_date) DO NOTHING`,
		runID, cycleDate, string(payoutdomain.RunStatusRunning), now, now, now,
	)
	if result.Error != nil {
		return nil, result.Error
	}

	run, err := s.runByCycleDate(ctx, cycleDate)
	if err != nil {
		return nil, err
	}

	if result.RowsAffected == 0 {
		// The cycle was already triggered. Whatever state the prior run is
		// in, it is the answer; re-running would risk double-paying.
		return s.runDetail(ctx, run)
	}

	runIDStr := run.ID.String()
	if err := s.auditSvc.AuditLog(ctx, auditdomain.ActorTypeSystem, nil, "payout.run_triggered", "payout_run", &runIDStr, map[string]any{
		"cycle_date": cycleDate,
	}); err != nil {
		s.log.Warn("failed to write payout audit log", zap.Error(err))
	}

	if err := s.processRun(ctx, run); err != nil {
		s.log.Error("payout run processing failed", zap.String("run_id", runIDStr), zap.Error(err))
		s.failRun(ctx, run.ID)
		return nil, err
	}

	if err := s.finalizeRun(ctx, run.ID); err != nil {
		return nil, err
	}

	if s.obsMetrics != nil {
		s.obsMetrics.PayoutRunDuration.Observe(time.Since(start).Seconds())
	}

	run, err = s.runByID(ctx, run.ID)
	if err != nil {
		return nil, err
	}
	return s.runDetail(ctx, run)
}

// processRun fans creators out to a bounded worker pool. Each creator is
// independent: one failure never aborts the others.
func (s *Service) processRun(ctx context.Context, run *payoutdomain.PayoutRun) error {
	payees, err := s.listPayees(ctx)
	if err != nil {
		return fmt.Errorf("list payees: %w", err)
	}

	optedOut, err := s.consumeIntents(ctx, run.CycleDate)
	if err != nil {
		return fmt.Errorf("consume intents: %w", err)
	}

	sem := make(chan struct{}, s.workers)
	var wg sync.WaitGroup
	for _, payee := range payees {
		payee := payee
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			s.processCreator(ctx, run, payee, optedOut[payee.CreatorID])
		}()
	}
	wg.Wait()
	return nil
}

func (s *Service) processCreator(ctx context.Context, run *payoutdomain.PayoutRun, payee payoutdomain.PayeeAccount, optedOut bool) {
	log := s.log.With(
		zap.String("run_id", run.ID.String()),
		zap.String("creator_id", payee.CreatorID.String()),
		zap.String("cycle_date", run.CycleDate),
	)

	row, fresh, err := s.claimPayoutRow(ctx, run, payee)
	if err != nil {
		log.Error("failed to claim payout row", zap.Error(err))
		return
	}
	if !fresh && row.Status != payoutdomain.PayoutStatusPending {
		// Already handled by a previous trigger (terminal) or still in
		// flight (processing, owned by the sweep).
		return
	}

	if optedOut {
		s.markSkipped(ctx, row, payoutdomain.SkipReasonOptedOut, 0, 0, 0)
		return
	}
	if !payee.PayoutsEnabled {
		// Local projection says the payee cannot receive funds; no
		// external call is spent on them.
		s.markSkipped(ctx, row, payoutdomain.SkipReasonAccountNotReady, 0, 0, 0)
		return
	}

	railCtx, cancel := context.WithTimeout(ctx, railCallTimeout)
	balance, err := s.rail.Balance(railCtx, payee.RailAccountID)
	cancel()
	s.countRail("balance", err)
	if err != nil {
		reason := payoutdomain.FailureReasonRailUnavailable
		s.markFailed(ctx, row, reason, false)
		log.Warn("rail balance read failed", zap.Error(err))
		return
	}

	policy := s.policy.Get()
	gross := balance.Available
	reserve := gross * int64(policy.ReservePercent) / 100
	net := gross - reserve

	if net < policy.MinimumThreshold {
		// Not an error; the balance rolls into the next cycle.
		s.markSkipped(ctx, row, payoutdomain.SkipReasonBelowThreshold, gross, reserve, net)
		return
	}

	key := IdempotencyKey(payee.RailAccountID, run.CycleDate, policy.Currency)

	// Commit the intent to pay before touching the network. The rail call
	// happens outside any database transaction so a slow rail cannot hold
	// locks, and the ambiguous-outcome window is owned by the sweep.
	if err := s.markProcessing(ctx, row, gross, reserve, net, policy.Currency, key); err != nil {
		log.Error("failed to mark payout processing", zap.Error(err))
		return
	}

	s.submitPayout(ctx, row, log)
}

// submitPayout drives a processing row through the rail call and commits
// the outcome in an independent unit of work.
func (s *Service) submitPayout(ctx context.Context, row *payoutdomain.CreatorPayout, log *zap.Logger) {
	railCtx, cancel := context.WithTimeout(ctx, railCallTimeout)
	payout, err := s.rail.CreatePayout(railCtx, raildomain.CreatePayoutRequest{
		PayeeAccountID: row.PayeeAccountID,
		Amount:         row.NetPayoutAmount,
		Currency:       row.Currency,
		IdempotencyKey: row.IdempotencyKey,
		Metadata: map[string]string{
			"creator_payout_id": row.ID.String(),
			"cycle_date":        row.CycleDate,
		},
	})
	cancel()
	s.countRail("create_payout", err)

	switch {
	case err == nil:
		s.applyRailOutcome(ctx, row, payout)
	default:
		if rejected, ok := raildomain.AsRejection(err); ok {
			s.markFailed(ctx, row, rejected.Code, rejected.Permanent)
			log.Warn("rail rejected payout", zap.String("code", rejected.Code), zap.Bool("permanent", rejected.Permanent))
			return
		}
		// Network or timeout ambiguity: the payout may or may not exist on
		// the rail. Leave the row processing; the sweep resolves it by
		// idempotency key instead of blindly retrying.
		log.Warn("rail payout outcome ambiguous", zap.Error(err))
	}
}

func (s *Service) applyRailOutcome(ctx context.Context, row *payoutdomain.CreatorPayout, payout *raildomain.Payout) {
	switch payout.Status {
	case raildomain.PayoutStatusPaid:
		s.markPaid(ctx, row, payout.ID)
	case raildomain.PayoutStatusFailed:
		code := payout.FailureCode
		if code == "" {
			code = "failed"
		}
		// Permanence is the rail's call: a coded but transient failure
		// (e.g. a temporary hold) stays sweep-retryable.
		s.markFailed(ctx, row, code, payout.FailurePermanent)
	default:
		// Accepted but not settled; record the external id and wait for
		// the asynchronous callback.
		s.recordExternalID(ctx, row, payout.ID)
	}
}

// IdempotencyKey derives the deterministic rail idempotency key for a
// payee and cycle. Retrying the same cycle always presents the same key.
func IdempotencyKey(payeeAccountID, cycleDate, currency string) string {
	seed := fmt.Sprintf("%s|%s|%s", payeeAccountID, cycleDate, strings.ToUpper(currency))
	return uuid.NewSHA1(idempotencyNamespace, []byte(seed)).String()
}

func (s *Service) claimPayoutRow(ctx context.Context, run *payoutdomain.PayoutRun, payee payoutdomain.PayeeAccount) (*payoutdomain.CreatorPayout, bool, error) {
	now := s.clock.Now()
	rowID := s.genID.Generate()
	result := s.db.WithContext(ctx).Exec(
		`INSERT INTO creator_payouts (
			id, run_id, creator_id, cycle_date, payee_account_id, currency,
			gross_amount, reserve_amount, net_payout_amount, status,
			failure_permanent, idempotency_key, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, 0, 0, 0, ?, FALSE, '', ?, ?)
		ON CONFLICT (creator_id, cycle_date) DO NOTHING`,
		rowID, run.ID, payee.CreatorID, run.CycleDate, payee.RailAccountID,
		s.policy.Get().Currency, string(payoutdomain.PayoutStatusPending), now, now,
	)
	if result.Error != nil {
		return nil, false, result.Error
	}

	var row payoutdomain.CreatorPayout
	if err := s.db.WithContext(ctx).
		First(&row, "creator_id = ? AND cycle_date = ?", payee.CreatorID, run.CycleDate).Error; err != nil {
		return nil, false, err
	}
	return &row, result.RowsAffected > 0, nil
}

func (s *Service) listPayees(ctx context.Context) ([]payoutdomain.PayeeAccount, error) {
	var payees []payoutdomain.PayeeAccount
	if err := s.db.WithContext(ctx).Order("creator_id ASC").Find(&payees).Error; err != nil {
		return nil, err
	}
	return payees, nil
}

// consumeIntents marks this cycle's intents consumed and returns the set
// of creators who opted out.
func (s *Service) consumeIntents(ctx context.Context, cycleDate string) (map[snowflake.ID]bool, error) {
	var intents []payoutdomain.PayoutIntent
	if err := s.db.WithContext(ctx).
		Where("cycle_date = ? AND status IN ?", cycleDate, []string{
			string(payoutdomain.IntentStatusActive),
			string(payoutdomain.IntentStatusCancelled),
		}).
		Find(&intents).Error; err != nil {
		return nil, err
	}

	optedOut := map[snowflake.ID]bool{}
	for _, intent := range intents {
		if intent.Status == payoutdomain.IntentStatusCancelled {
			optedOut[intent.CreatorID] = true
		}
	}

	now := s.clock.Now()
	if err := s.db.WithContext(ctx).Exec(
		`UPDATE payout_intents SET status = ?, updated_at = ?
		 WHERE cycle_date = ? AND status = ?`,
		string(payoutdomain.IntentStatusConsumed), now, cycleDate,
		string(payoutdomain.IntentStatusActive),
	).Error; err != nil {
		return nil, err
	}
	return optedOut, nil
}

func (s *Service) normalizeCycleDate(cycleDate string) (string, error) {
	cycleDate = strings.TrimSpace(cycleDate)
	if cycleDate == "" {
		return payoutdomain.CycleDateFor(s.clock.Now()), nil
	}
	parsed, err := time.Parse(payoutdomain.CycleDateLayout, cycleDate)
	if err != nil {
		return "", payoutdomain.ErrInvalidCycleDate
	}
	return parsed.Format(payoutdomain.CycleDateLayout), nil
}

func (s *Service) runByCycleDate(ctx context.Context, cycleDate string) (*payoutdomain.PayoutRun, error) {
	var run payoutdomain.PayoutRun
	err := s.db.WithContext(ctx).First(&run, "cycle_date = ?", cycleDate).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, payoutdomain.ErrRunNotFound
	}
	if err != nil {
		return nil, err
	}
	return &run, nil
}

func (s *Service) runByID(ctx context.Context, runID snowflake.ID) (*payoutdomain.PayoutRun, error) {
	var run payoutdomain.PayoutRun
	err := s.db.WithContext(ctx).First(&run, "id = ?", runID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, payoutdomain.ErrRunNotFound
	}
	if err != nil {
		return nil, err
	}
	return &run, nil
}

func (s *Service) runDetail(ctx context.Context, run *payoutdomain.PayoutRun) (*payoutdomain.RunDetail, error) {
	var payouts []payoutdomain.CreatorPayout
	if err := s.db.WithContext(ctx).
		Where("run_id = ?", run.ID).
		Order("creator_id ASC").
		Find(&payouts).Error; err != nil {
		return nil, err
	}
	return &payoutdomain.RunDetail{Run: *run, Payouts: payouts}, nil
}

func (s *Service) RunStatus(ctx context.Context, runID snowflake.ID) (*payoutdomain.RunDetail, error) {
	run, err := s.runByID(ctx, runID)
	if err != nil {
		return nil, err
	}
	return s.runDetail(ctx, run)
}

func (s *Service) Health(ctx context.Context) (*payoutdomain.Health, error) {
	var runs []payoutdomain.PayoutRun
	if err := s.db.WithContext(ctx).Order("cycle_date DESC").Limit(10).Find(&runs).Error; err != nil {
		return nil, err
	}

	stuck, err := s.StuckPayouts(ctx)
	if err != nil {
		return nil, err
	}

	var failures int64
	weekAgo := s.clock.Now().AddDate(0, 0, -7)
	if err := s.db.WithContext(ctx).Model(&payoutdomain.CreatorPayout{}).
		Where("status = ? AND updated_at >= ?", string(payoutdomain.PayoutStatusFailed), weekAgo).
		Count(&failures).Error; err != nil {
		return nil, err
	}

	return &payoutdomain.Health{
		RecentRuns:     runs,
		StuckPayouts:   stuck,
		RecentFailures: failures,
	}, nil
}

func (s *Service) SetIntent(ctx context.Context, creatorID snowflake.ID, cycleDate string) (*payoutdomain.PayoutIntent, error) {
	if creatorID == 0 {
		return nil, payoutdomain.ErrInvalidCreator
	}
	cycleDate, err := s.normalizeIntentCycleDate(cycleDate)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	if err := s.db.WithContext(ctx).Exec(
		`INSERT INTO payout_intents (id, creator_id, cycle_date, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (creator_id, cycle_date) DO UPDATE
		 SET status = excluded.status, updated_at = excluded.updated_at`,
		s.genID.Generate(), creatorID, cycleDate,
		string(payoutdomain.IntentStatusActive), now, now,
	).Error; err != nil {
		return nil, err
	}

	var intent payoutdomain.PayoutIntent
	if err := s.db.WithContext(ctx).
		First(&intent, "creator_id = ? AND cycle_date = ?", creatorID, cycleDate).Error; err != nil {
		return nil, err
	}
	return &intent, nil
}

func (s *Service) CancelIntent(ctx context.Context, creatorID snowflake.ID, cycleDate string) error {
	if creatorID == 0 {
		return payoutdomain.ErrInvalidCreator
	}
	cycleDate, err := s.normalizeIntentCycleDate(cycleDate)
	if err != nil {
		return err
	}

	now := s.clock.Now()
	return s.db.WithContext(ctx).Exec(
		`INSERT INTO payout_intents (id, creator_id, cycle_date, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (creator_id, cycle_date) DO UPDATE
		 SET status = excluded.status, updated_at = excluded.updated_at`,
		s.genID.Generate(), creatorID, cycleDate,
		string(payoutdomain.IntentStatusCancelled), now, now,
	).Error
}

// normalizeIntentCycleDate defaults to the next upcoming cycle so a
// creator's opt-out always lands on a cycle that has not run yet.
func (s *Service) normalizeIntentCycleDate(cycleDate string) (string, error) {
	cycleDate = strings.TrimSpace(cycleDate)
	if cycleDate != "" {
		parsed, err := time.Parse(payoutdomain.CycleDateLayout, cycleDate)
		if err != nil {
			return "", payoutdomain.ErrInvalidCycleDate
		}
		return parsed.Format(payoutdomain.CycleDateLayout), nil
	}

	now := s.clock.Now()
	var next time.Time
	switch {
	case now.Day() < 15:
		next = time.Date(now.Year(), now.Month(), 15, 0, 0, 0, 0, time.UTC)
	default:
		next = time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
	}
	return next.Format(payoutdomain.CycleDateLayout), nil
}

func (s *Service) RegisterPayee(ctx context.Context, creatorID snowflake.ID, railAccountID string) (*payoutdomain.PayeeAccount, error) {
	if creatorID == 0 {
		return nil, payoutdomain.ErrInvalidCreator
	}
	railAccountID = strings.TrimSpace(railAccountID)
	if railAccountID == "" {
		return nil, payoutdomain.ErrInvalidPayee
	}

	now := s.clock.Now()
	if err := s.db.WithContext(ctx).Exec(
		`INSERT INTO payee_accounts (creator_id, rail_account_id, payouts_enabled, created_at, updated_at)
		 VALUES (?, ?, FALSE, ?, ?)
		 ON CONFLICT (creator_id) DO UPDATE
		 SET rail_account_id = excluded.rail_account_id, updated_at = excluded.updated_at`,
		creatorID, railAccountID, now, now,
	).Error; err != nil {
		return nil, err
	}

	var payee payoutdomain.PayeeAccount
	if err := s.db.WithContext(ctx).First(&payee, "creator_id = ?", creatorID).Error; err != nil {
		return nil, err
	}
	return &payee, nil
}

func (s *Service) countRail(op string, err error) {
	if s.obsMetrics == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	s.obsMetrics.RailRequests.WithLabelValues(op, outcome).Inc()
}
