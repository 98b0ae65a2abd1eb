package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/fanbeam/tokenledger/internal/clock"
	obsmetrics "github.com/fanbeam/tokenledger/internal/observability/metrics"
	payoutdomain "github.com/fanbeam/tokenledger/internal/payout/domain"
	reconciledomain "github.com/fanbeam/tokenledger/internal/reconcile/domain"
	sessiondomain "github.com/fanbeam/tokenledger/internal/session/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var ErrInvalidConfig = errors.New("scheduler: invalid configuration")

const (
	JobPayoutCycle  = "payout_cycle"
	JobPayoutSweep  = "payout_sweep"
	JobSessionSweep = "session_sweep"
	JobReconcile    = "reconcile"
)

type Params struct {
	fx.In

	Log          *zap.Logger
	Clock        clock.Clock
	PayoutSvc    payoutdomain.Service
	SessionSvc   sessiondomain.Service
	ReconcileSvc reconciledomain.Service
	ObsMetrics   *obsmetrics.Metrics `optional:"true"`
	Config       Config              `optional:"true"`
}

// Scheduler drives the periodic jobs: ensuring the current cycle's
// payout run exists, sweeping in-flight payouts and unsettled sessions,
// and reconciling the ledger. Every job is idempotent, so overlapping
// or repeated ticks are harmless.
type Scheduler struct {
	log          *zap.Logger
	cfg          Config
	clock        clock.Clock
	payoutSvc    payoutdomain.Service
	sessionSvc   sessiondomain.Service
	reconcileSvc reconciledomain.Service
	obsMetrics   *obsmetrics.Metrics

	lastReconcile time.Time
}

func New(p Params) (*Scheduler, error) {
	if p.Log == nil || p.Clock == nil || p.PayoutSvc == nil || p.SessionSvc == nil || p.ReconcileSvc == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		log:          p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:          p.Config.withDefaults(),
		clock:        p.Clock,
		payoutSvc:    p.PayoutSvc,
		sessionSvc:   p.SessionSvc,
		reconcileSvc: p.ReconcileSvc,
		obsMetrics:   p.ObsMetrics,
	}, nil
}

func (s *Scheduler) runJob(parent context.Context, name string, fn func(ctx context.Context) error) error {
	start := time.Now()
	ctx, cancel := context.WithTimeout(parent, s.cfg.JobTimeout)
	defer cancel()

	log := s.log.With(zap.String("job", name))
	log.Debug("job started")

	err := fn(ctx)
	if s.obsMetrics != nil {
		s.obsMetrics.ObserveJob(name, start, err)
	}
	if err != nil {
		log.Error("job failed", zap.Error(err), zap.Duration("elapsed", time.Since(start)))
		return err
	}
	log.Info("job finished", zap.Duration("elapsed", time.Since(start)))
	return nil
}

func (s *Scheduler) isJobEnabled(name string) bool {
	for _, disabled := range s.cfg.DisabledJobs {
		if disabled == name {
			return false
		}
	}
	return true
}

// RunOnce executes one scheduler pass. Job errors are contained per job;
// the pass itself only fails when the context is done.
func (s *Scheduler) RunOnce(parent context.Context) error {
	if err := parent.Err(); err != nil {
		return err
	}
	now := s.clock.Now()

	if s.isJobEnabled(JobPayoutCycle) {
		_ = s.runJob(parent, JobPayoutCycle, s.PayoutCycleJob)
	}
	if s.isJobEnabled(JobPayoutSweep) {
		_ = s.runJob(parent, JobPayoutSweep, s.PayoutSweepJob)
	}
	if s.isJobEnabled(JobSessionSweep) {
		_ = s.runJob(parent, JobSessionSweep, s.SessionSweepJob)
	}
	if s.isJobEnabled(JobReconcile) && now.Sub(s.lastReconcile) >= s.cfg.ReconcileInterval {
		if err := s.runJob(parent, JobReconcile, s.ReconcileJob); err == nil {
			s.lastReconcile = now
		}
	}
	return parent.Err()
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()

	s.log.Info("scheduler started", zap.Duration("interval", s.cfg.RunInterval))
	for {
		if err := s.RunOnce(ctx); err != nil {
			s.log.Info("scheduler stopped", zap.Error(err))
			return
		}
		select {
		case <-ctx.Done():
			s.log.Info("scheduler stopped")
			return
		case <-ticker.C:
		}
	}
}

// PayoutCycleJob ensures the current cycle's payout run exists.
// TriggerRun resolves the empty date to the cycle covering today and is
// idempotent on it, so firing every tick starts at most one run per
// cycle — and a worker that was down across the 1st/15th still triggers
// the missed cycle on its first tick back.
func (s *Scheduler) PayoutCycleJob(ctx context.Context) error {
	detail, err := s.payoutSvc.TriggerRun(ctx, "")
	if err != nil {
		return err
	}
	s.log.Info("payout cycle ensured",
		zap.String("run_id", detail.Run.ID.String()),
		zap.String("cycle_date", detail.Run.CycleDate),
		zap.String("status", string(detail.Run.Status)))
	return nil
}

func (s *Scheduler) PayoutSweepJob(ctx context.Context) error {
	return s.payoutSvc.Sweep(ctx)
}

// SessionSweepJob replays settlement for ended sessions whose transfer
// never committed.
func (s *Scheduler) SessionSweepJob(ctx context.Context) error {
	return s.sessionSvc.Sweep(ctx)
}

func (s *Scheduler) ReconcileJob(ctx context.Context) error {
	report, err := s.reconcileSvc.Run(ctx)
	if err != nil {
		return err
	}
	if !report.Healthy() {
		s.log.Warn("reconciliation reported anomalies")
	}
	return nil
}
