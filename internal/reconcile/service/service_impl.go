package service

import (
	"context"
	"encoding/json"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/fanbeam/tokenledger/internal/clock"
	"github.com/fanbeam/tokenledger/internal/config"
	ledgerdomain "github.com/fanbeam/tokenledger/internal/ledger/domain"
	obsmetrics "github.com/fanbeam/tokenledger/internal/observability/metrics"
	raildomain "github.com/fanbeam/tokenledger/internal/rail/domain"
	reconciledomain "github.com/fanbeam/tokenledger/internal/reconcile/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// settlementLookback bounds the external settlement check to recent
// cycles; older payouts have already been reconciled.
const settlementLookback = 45 * 24 * time.Hour

// conservationTolerance absorbs rounding on the aggregate equation.
const conservationTolerance = 1

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Rail       raildomain.Client
	Policy     *config.PayoutPolicyHolder
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	rail       raildomain.Client
	policy     *config.PayoutPolicyHolder
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) reconciledomain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("reconcile.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		rail:       p.Rail,
		policy:     p.Policy,
		obsMetrics: p.ObsMetrics,
	}
}

func (s *Service) Run(ctx context.Context) (*reconciledomain.Report, error) {
	now := s.clock.Now()

	// Rows younger than the staleness window are excluded: on a lagging
	// read replica they may not have landed yet, and flagging them would
	// be noise, not corruption.
	cutoff := now.Add(-time.Duration(s.policy.Get().StalenessWindowMins) * time.Minute)

	report := &reconciledomain.Report{RanAt: now}

	conservation := s.checkBalanceConservation(ctx, cutoff, report)
	doubleEntry := s.checkDoubleEntry(ctx, cutoff)
	settlement := s.checkExternalSettlement(ctx, cutoff)
	report.Results = []reconciledomain.CheckResult{conservation, doubleEntry, settlement}

	s.record(ctx, report, conservation, doubleEntry, settlement)

	if !report.Healthy() {
		s.log.Warn("reconciliation found anomalies", zap.Any("report", report))
	}
	return report, nil
}

// checkBalanceConservation verifies the aggregate equation: the sum of
// all committed non-transfer amounts must equal the sum of all account
// balances. Transfer types are zero-sum by law and cancel out; their
// violations belong to the double-entry check so the two never mask
// each other. Entries fresher than the cutoff are backed out of the
// balance side instead of flagged.
func (s *Service) checkBalanceConservation(ctx context.Context, cutoff time.Time, report *reconciledomain.Report) reconciledomain.CheckResult {
	transferTypes := transferTypeStrings()

	var expected int64
	err := s.db.WithContext(ctx).Raw(
		`SELECT COALESCE(SUM(amount), 0)
		 FROM transactions
		 WHERE status = ? AND type NOT IN ? AND created_at < ?`,
		string(ledgerdomain.StatusCompleted), transferTypes, cutoff,
	).Scan(&expected).Error
	if err != nil {
		s.log.Error("balance conservation check errored", zap.Error(err))
		return s.result(reconciledomain.CheckBalanceConservation, reconciledomain.CheckStatusSkipped, nil)
	}

	var fresh int64
	err = s.db.WithContext(ctx).Raw(
		`SELECT COALESCE(SUM(amount), 0)
		 FROM transactions
		 WHERE status = ? AND created_at >= ?`,
		string(ledgerdomain.StatusCompleted), cutoff,
	).Scan(&fresh).Error
	if err != nil {
		s.log.Error("balance conservation check errored", zap.Error(err))
		return s.result(reconciledomain.CheckBalanceConservation, reconciledomain.CheckStatusSkipped, nil)
	}

	var balances int64
	err = s.db.WithContext(ctx).Raw(
		`SELECT COALESCE(SUM(balance), 0) FROM accounts`,
	).Scan(&balances).Error
	if err != nil {
		s.log.Error("balance conservation check errored", zap.Error(err))
		return s.result(reconciledomain.CheckBalanceConservation, reconciledomain.CheckStatusSkipped, nil)
	}

	actual := balances - fresh
	discrepancy := expected - actual

	report.ExpectedTotal = expected
	report.BalanceTotal = actual
	report.Discrepancy = discrepancy

	if discrepancy >= -conservationTolerance && discrepancy <= conservationTolerance {
		return s.result(reconciledomain.CheckBalanceConservation, reconciledomain.CheckStatusPass, nil)
	}
	anomalies := []reconciledomain.AnomalyEntry{{
		Kind:     "conservation_violation",
		Expected: expected,
		Actual:   actual,
	}}
	return s.result(reconciledomain.CheckBalanceConservation, reconciledomain.CheckStatusFailed, anomalies)
}

// checkDoubleEntry verifies that transfer entries sharing a ref_id sum
// to zero. Single-sided types are exempt from the zero-sum law.
func (s *Service) checkDoubleEntry(ctx context.Context, cutoff time.Time) reconciledomain.CheckResult {
	type unbalanced struct {
		RefID string
		Total int64
	}
	var groups []unbalanced
	err := s.db.WithContext(ctx).Raw(
		`SELECT ref_id, SUM(amount) AS total
		 FROM transactions
		 WHERE type IN ? AND created_at < ?
		 GROUP BY ref_id
		 HAVING SUM(amount) <> 0`,
		transferTypeStrings(), cutoff,
	).Scan(&groups).Error
	if err != nil {
		s.log.Error("double entry check errored", zap.Error(err))
		return s.result(reconciledomain.CheckDoubleEntry, reconciledomain.CheckStatusSkipped, nil)
	}

	if len(groups) == 0 {
		return s.result(reconciledomain.CheckDoubleEntry, reconciledomain.CheckStatusPass, nil)
	}
	anomalies := make([]reconciledomain.AnomalyEntry, 0, len(groups))
	for _, g := range groups {
		anomalies = append(anomalies, reconciledomain.AnomalyEntry{
			Kind:     "unbalanced_ref_group",
			RefID:    g.RefID,
			Expected: 0,
			Actual:   g.Total,
		})
	}
	return s.result(reconciledomain.CheckDoubleEntry, reconciledomain.CheckStatusWarning, anomalies)
}

// checkExternalSettlement verifies that every payout the rail reports
// as paid in the trailing window has a ledger transaction bearing its
// external reference, with a matching magnitude.
func (s *Service) checkExternalSettlement(ctx context.Context, cutoff time.Time) reconciledomain.CheckResult {
	since := s.clock.Now().Add(-settlementLookback)

	railPayouts, err := s.rail.ListPayouts(ctx, since)
	if err != nil {
		// The rail being unreachable is an availability problem, not a
		// ledger discrepancy; skip rather than fail.
		s.log.Warn("external settlement check skipped, rail unavailable", zap.Error(err))
		return s.result(reconciledomain.CheckExternalSettlement, reconciledomain.CheckStatusSkipped, nil)
	}

	paid := make([]raildomain.Payout, 0, len(railPayouts))
	ids := make([]string, 0, len(railPayouts))
	for _, payout := range railPayouts {
		if payout.Status != raildomain.PayoutStatusPaid {
			continue
		}
		if payout.CreatedAt.After(cutoff) {
			// Its ledger entry may not have landed yet.
			continue
		}
		paid = append(paid, payout)
		ids = append(ids, payout.ID)
	}
	if len(paid) == 0 {
		return s.result(reconciledomain.CheckExternalSettlement, reconciledomain.CheckStatusPass, nil)
	}

	var settled []ledgerdomain.Transaction
	err = s.db.WithContext(ctx).
		Where("type = ? AND external_ref IN ?", string(ledgerdomain.TypePayout), ids).
		Find(&settled).Error
	if err != nil {
		s.log.Error("external settlement check errored", zap.Error(err))
		return s.result(reconciledomain.CheckExternalSettlement, reconciledomain.CheckStatusSkipped, nil)
	}
	byRef := make(map[string]ledgerdomain.Transaction, len(settled))
	for _, tx := range settled {
		if tx.ExternalRef != nil {
			byRef[*tx.ExternalRef] = tx
		}
	}

	var anomalies []reconciledomain.AnomalyEntry
	for _, payout := range paid {
		tx, ok := byRef[payout.ID]
		if !ok {
			anomalies = append(anomalies, reconciledomain.AnomalyEntry{
				Kind:     "missing_ledger_entry",
				RefID:    payout.ID,
				Account:  payout.PayeeAccountID,
				Expected: payout.Amount,
				Actual:   0,
			})
			continue
		}
		if -tx.Amount != payout.Amount {
			anomalies = append(anomalies, reconciledomain.AnomalyEntry{
				Kind:     "amount_mismatch",
				RefID:    payout.ID,
				Account:  payout.PayeeAccountID,
				Expected: payout.Amount,
				Actual:   -tx.Amount,
			})
		}
	}

	if len(anomalies) == 0 {
		return s.result(reconciledomain.CheckExternalSettlement, reconciledomain.CheckStatusPass, nil)
	}
	return s.result(reconciledomain.CheckExternalSettlement, reconciledomain.CheckStatusWarning, anomalies)
}

func transferTypeStrings() []string {
	types := make([]string, 0, len(ledgerdomain.TransferTypes))
	for _, t := range ledgerdomain.TransferTypes {
		types = append(types, string(t))
	}
	return types
}

func (s *Service) result(name string, status reconciledomain.CheckStatus, anomalies []reconciledomain.AnomalyEntry) reconciledomain.CheckResult {
	if s.obsMetrics != nil &&
		(status == reconciledomain.CheckStatusFailed || status == reconciledomain.CheckStatusWarning) {
		s.obsMetrics.ReconcileFailures.WithLabelValues(name, string(status)).Inc()
	}
	return reconciledomain.CheckResult{CheckName: name, Status: status, Anomalies: anomalies}
}

func (s *Service) record(ctx context.Context, report *reconciledomain.Report, conservation, doubleEntry, settlement reconciledomain.CheckResult) {
	details, err := json.Marshal(report.Results)
	if err != nil {
		details = []byte("[]")
	}
	record := reconciledomain.AuditRecord{
		ID:                s.genID.Generate(),
		BalanceStatus:     conservation.Status,
		DoubleEntryStatus: doubleEntry.Status,
		SettlementStatus:  settlement.Status,
		ExpectedTotal:     report.ExpectedTotal,
		BalanceTotal:      report.BalanceTotal,
		Discrepancy:       report.Discrepancy,
		Details:           details,
		RanAt:             report.RanAt,
	}
	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		s.log.Error("failed to persist reconciliation record", zap.Error(err))
	}
}

func (s *Service) History(ctx context.Context, limit int) ([]reconciledomain.AuditRecord, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var records []reconciledomain.AuditRecord
	err := s.db.WithContext(ctx).
		Order("ran_at DESC, id DESC").
		Limit(limit).
		Find(&records).Error
	if err != nil {
		return nil, err
	}
	return records, nil
}
