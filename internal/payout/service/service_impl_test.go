package service_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/fanbeam/tokenledger/internal/audit/domain"
	"github.com/fanbeam/tokenledger/internal/clock"
	"github.com/fanbeam/tokenledger/internal/config"
	ledgerdomain "github.com/fanbeam/tokenledger/internal/ledger/domain"
	ledgerservice "github.com/fanbeam/tokenledger/internal/ledger/service"
	payoutdomain "github.com/fanbeam/tokenledger/internal/payout/domain"
	payoutservice "github.com/fanbeam/tokenledger/internal/payout/service"
	raildomain "github.com/fanbeam/tokenledger/internal/rail/domain"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type noopAuditService struct{}

func (noopAuditService) AuditLog(ctx context.Context, actorType string, actorID *string, action string, targetType string, targetID *string, metadata map[string]any) error {
	return nil
}

func (noopAuditService) List(ctx context.Context, req auditdomain.ListRequest) ([]auditdomain.AuditLog, error) {
	return nil, nil
}

// fakeRail is an in-memory payout rail. CreatePayout is idempotent on the
// request key, same as the real thing.
type fakeRail struct {
	mu         sync.Mutex
	balances   map[string]int64
	payouts    map[string]*raildomain.Payout
	createErr  map[string]error
	balanceErr map[string]error
	creates    int
}

func newFakeRail() *fakeRail {
	return &fakeRail{
		balances:   map[string]int64{},
		payouts:    map[string]*raildomain.Payout{},
		createErr:  map[string]error{},
		balanceErr: map[string]error{},
	}
}

func (r *fakeRail) Provider() string { return "fake" }

func (r *fakeRail) Account(ctx context.Context, payeeAccountID string) (*raildomain.Account, error) {
	return &raildomain.Account{PayeeAccountID: payeeAccountID, PayoutsEnabled: true, Currency: "USD"}, nil
}

func (r *fakeRail) Balance(ctx context.Context, payeeAccountID string) (*raildomain.Balance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.balanceErr[payeeAccountID]; err != nil {
		return nil, err
	}
	return &raildomain.Balance{
		PayeeAccountID: payeeAccountID,
		Available:      r.balances[payeeAccountID],
		Currency:       "USD",
	}, nil
}

func (r *fakeRail) CreatePayout(ctx context.Context, req raildomain.CreatePayoutRequest) (*raildomain.Payout, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.createErr[req.PayeeAccountID]; err != nil {
		return nil, err
	}
	if existing, ok := r.payouts[req.IdempotencyKey]; ok {
		return existing, nil
	}
	r.creates++
	payout := &raildomain.Payout{
		ID:             fmt.Sprintf("po_%d", r.creates),
		PayeeAccountID: req.PayeeAccountID,
		Amount:         req.Amount,
		Currency:       req.Currency,
		Status:         raildomain.PayoutStatusPaid,
		IdempotencyKey: req.IdempotencyKey,
		CreatedAt:      time.Now().UTC(),
	}
	r.payouts[req.IdempotencyKey] = payout
	return payout, nil
}

func (r *fakeRail) PayoutByIdempotencyKey(ctx context.Context, key string) (*raildomain.Payout, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if payout, ok := r.payouts[key]; ok {
		return payout, nil
	}
	return nil, raildomain.ErrPayoutNotFound
}

func (r *fakeRail) ListPayouts(ctx context.Context, since time.Time) ([]raildomain.Payout, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	payouts := make([]raildomain.Payout, 0, len(r.payouts))
	for _, payout := range r.payouts {
		payouts = append(payouts, *payout)
	}
	return payouts, nil
}

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:memdb_payout_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}

	schema := []string{
		`CREATE TABLE accounts (
			id BIGINT PRIMARY KEY,
			balance BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE transactions (
			id BIGINT PRIMARY KEY,
			account_id BIGINT NOT NULL,
			amount BIGINT NOT NULL,
			type TEXT NOT NULL,
			ref_id TEXT NOT NULL,
			status TEXT NOT NULL,
			external_ref TEXT,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE UNIQUE INDEX ux_transactions_ref_account_type ON transactions(ref_id, account_id, type)`,
		`CREATE TABLE payout_intents (
			id BIGINT PRIMARY KEY,
			creator_id BIGINT NOT NULL,
			cycle_date TEXT NOT NULL,
			status TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE UNIQUE INDEX ux_payout_intents_creator_cycle ON payout_intents(creator_id, cycle_date)`,
		`CREATE TABLE payout_runs (
			id BIGINT PRIMARY KEY,
			cycle_date TEXT NOT NULL,
			status TEXT NOT NULL,
			started_at TIMESTAMPTZ NOT NULL,
			finished_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE UNIQUE INDEX ux_payout_runs_cycle_date ON payout_runs(cycle_date)`,
		`CREATE TABLE creator_payouts (
			id BIGINT PRIMARY KEY,
			run_id BIGINT NOT NULL,
			creator_id BIGINT NOT NULL,
			cycle_date TEXT NOT NULL,
			payee_account_id TEXT NOT NULL,
			currency TEXT NOT NULL,
			gross_amount BIGINT NOT NULL DEFAULT 0,
			reserve_amount BIGINT NOT NULL DEFAULT 0,
			net_payout_amount BIGINT NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			skip_reason TEXT,
			failure_reason TEXT,
			failure_permanent BOOLEAN NOT NULL DEFAULT FALSE,
			idempotency_key TEXT NOT NULL DEFAULT '',
			external_payout_id TEXT,
			paid_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE UNIQUE INDEX ux_creator_payouts_creator_cycle ON creator_payouts(creator_id, cycle_date)`,
		`CREATE TABLE payee_accounts (
			creator_id BIGINT PRIMARY KEY,
			rail_account_id TEXT NOT NULL,
			payouts_enabled BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE UNIQUE INDEX ux_payee_accounts_rail_account ON payee_accounts(rail_account_id)`,
	}
	for _, stmt := range schema {
		if err := db.Exec(stmt).Error; err != nil {
			t.Fatalf("create schema: %v", err)
		}
	}
	return db
}

type fixture struct {
	db     *gorm.DB
	clock  *clock.FakeClock
	rail   *fakeRail
	ledger ledgerdomain.Service
	payout payoutdomain.Service
	node   *snowflake.Node
}

func setup(t *testing.T) *fixture {
	t.Helper()
	db := setupTestDB(t)
	fakeClock := clock.NewFakeClock(time.Date(2026, 3, 15, 6, 0, 0, 0, time.UTC))
	rail := newFakeRail()

	node, err := snowflake.NewNode(21)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}

	ledgerSvc := ledgerservice.NewService(ledgerservice.Params{
		DB:       db,
		Log:      zap.NewNop(),
		GenID:    node,
		AuditSvc: noopAuditService{},
	})

	policy, err := config.NewStaticPayoutPolicyHolder(config.DefaultPayoutPolicy())
	if err != nil {
		t.Fatalf("policy holder: %v", err)
	}

	payoutSvc := payoutservice.NewService(payoutservice.Params{
		DB:        db,
		Log:       zap.NewNop(),
		GenID:     node,
		Clock:     fakeClock,
		Rail:      rail,
		LedgerSvc: ledgerSvc,
		AuditSvc:  noopAuditService{},
		Policy:    policy,
		Workers:   1,
	})

	return &fixture{db: db, clock: fakeClock, rail: rail, ledger: ledgerSvc, payout: payoutSvc, node: node}
}

// seedCreator registers a creator with an enabled payee account, a rail
// balance, and a matching token ledger balance.
func (f *fixture) seedCreator(t *testing.T, railAccountID string, railBalance int64) snowflake.ID {
	t.Helper()
	ctx := context.Background()

	creatorID := f.node.Generate()
	if _, err := f.payout.RegisterPayee(ctx, creatorID, railAccountID); err != nil {
		t.Fatalf("register payee: %v", err)
	}
	if err := f.payout.ApplyRailEvent(ctx, &raildomain.Event{
		Provider:       "fake",
		EventID:        "evt-enable-" + railAccountID,
		Type:           raildomain.EventTypePayeeUpdated,
		PayeeAccountID: railAccountID,
		PayoutsEnabled: true,
	}); err != nil {
		t.Fatalf("enable payee: %v", err)
	}

	f.rail.balances[railAccountID] = railBalance

	if _, err := f.ledger.CreateAccount(ctx, creatorID); err != nil {
		t.Fatalf("create ledger account: %v", err)
	}
	if railBalance > 0 {
		if _, err := f.ledger.Apply(ctx, []ledgerdomain.Draft{{
			AccountID: creatorID,
			Amount:    railBalance,
			Type:      ledgerdomain.TypePurchase,
			RefID:     "seed:" + railAccountID,
		}}); err != nil {
			t.Fatalf("seed ledger balance: %v", err)
		}
	}
	return creatorID
}

func (f *fixture) payoutRow(t *testing.T, creatorID snowflake.ID) payoutdomain.CreatorPayout {
	t.Helper()
	var row payoutdomain.CreatorPayout
	if err := f.db.First(&row, "creator_id = ?", creatorID).Error; err != nil {
		t.Fatalf("load payout row: %v", err)
	}
	return row
}

func TestTriggerRunPaysAndHoldsReserve(t *testing.T) {
	ctx := context.Background()
	f := setup(t)

	creator := f.seedCreator(t, "acct_1", 5000)

	detail, err := f.payout.TriggerRun(ctx, "2026-03-15")
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if detail.Run.Status != payoutdomain.RunStatusSucceeded {
		t.Fatalf("expected run succeeded, got %s", detail.Run.Status)
	}

	row := f.payoutRow(t, creator)
	if row.Status != payoutdomain.PayoutStatusPaid {
		t.Fatalf("expected paid, got %s", row.Status)
	}
	// 10% reserve on 5000.
	if row.GrossAmount != 5000 || row.ReserveAmount != 500 || row.NetPayoutAmount != 4500 {
		t.Fatalf("unexpected amounts: gross=%d reserve=%d net=%d", row.GrossAmount, row.ReserveAmount, row.NetPayoutAmount)
	}
	if row.ExternalPayoutID == nil || *row.ExternalPayoutID == "" {
		t.Fatalf("expected external payout id")
	}

	// The payout lands in the token ledger against the creator's account.
	balance, err := f.ledger.Balance(ctx, creator)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance != 500 {
		t.Fatalf("expected ledger balance 500 after payout, got %d", balance)
	}
}

func TestTriggerRunSkipsBelowThreshold(t *testing.T) {
	ctx := context.Background()
	f := setup(t)

	// Net after 10% reserve is 900, under the 1000 minimum.
	creator := f.seedCreator(t, "acct_small", 1000)

	detail, err := f.payout.TriggerRun(ctx, "2026-03-15")
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if detail.Run.Status != payoutdomain.RunStatusSucceeded {
		t.Fatalf("expected run succeeded, got %s", detail.Run.Status)
	}

	row := f.payoutRow(t, creator)
	if row.Status != payoutdomain.PayoutStatusSkipped {
		t.Fatalf("expected skipped, got %s", row.Status)
	}
	if row.SkipReason == nil || *row.SkipReason != payoutdomain.SkipReasonBelowThreshold {
		t.Fatalf("expected below_threshold skip, got %v", row.SkipReason)
	}
	if f.rail.creates != 0 {
		t.Fatalf("expected no rail payout creation, got %d", f.rail.creates)
	}
}

func TestTriggerRunIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := setup(t)

	f.seedCreator(t, "acct_2", 5000)

	first, err := f.payout.TriggerRun(ctx, "2026-03-15")
	if err != nil {
		t.Fatalf("first trigger: %v", err)
	}
	second, err := f.payout.TriggerRun(ctx, "2026-03-15")
	if err != nil {
		t.Fatalf("second trigger: %v", err)
	}
	if first.Run.ID != second.Run.ID {
		t.Fatalf("expected same run, got %s and %s", first.Run.ID, second.Run.ID)
	}
	if f.rail.creates != 1 {
		t.Fatalf("expected exactly one rail payout, got %d", f.rail.creates)
	}

	var rows int64
	if err := f.db.Model(&payoutdomain.CreatorPayout{}).Count(&rows).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if rows != 1 {
		t.Fatalf("expected 1 payout row, got %d", rows)
	}
}

func TestTriggerRunIsolatesFailures(t *testing.T) {
	ctx := context.Background()
	f := setup(t)

	healthy := f.seedCreator(t, "acct_ok", 5000)
	broken := f.seedCreator(t, "acct_bad", 5000)
	f.rail.createErr["acct_bad"] = &raildomain.RejectedError{Code: "account_frozen", Permanent: true}

	detail, err := f.payout.TriggerRun(ctx, "2026-03-15")
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if detail.Run.Status != payoutdomain.RunStatusPartial {
		t.Fatalf("expected partial run, got %s", detail.Run.Status)
	}

	if row := f.payoutRow(t, healthy); row.Status != payoutdomain.PayoutStatusPaid {
		t.Fatalf("healthy creator should be paid, got %s", row.Status)
	}
	row := f.payoutRow(t, broken)
	if row.Status != payoutdomain.PayoutStatusFailed {
		t.Fatalf("broken creator should be failed, got %s", row.Status)
	}
	if !row.FailurePermanent || row.FailureReason == nil || *row.FailureReason != "account_frozen" {
		t.Fatalf("expected permanent account_frozen failure, got %v permanent=%v", row.FailureReason, row.FailurePermanent)
	}
}

func TestTriggerRunSkipsIneligibleAndOptedOut(t *testing.T) {
	ctx := context.Background()
	f := setup(t)

	optedOut := f.seedCreator(t, "acct_optout", 5000)
	if err := f.payout.CancelIntent(ctx, optedOut, "2026-03-15"); err != nil {
		t.Fatalf("cancel intent: %v", err)
	}

	notReady := f.node.Generate()
	if _, err := f.payout.RegisterPayee(ctx, notReady, "acct_notready"); err != nil {
		t.Fatalf("register payee: %v", err)
	}
	f.rail.balances["acct_notready"] = 5000

	if _, err := f.payout.TriggerRun(ctx, "2026-03-15"); err != nil {
		t.Fatalf("trigger: %v", err)
	}

	row := f.payoutRow(t, optedOut)
	if row.Status != payoutdomain.PayoutStatusSkipped || row.SkipReason == nil || *row.SkipReason != payoutdomain.SkipReasonOptedOut {
		t.Fatalf("expected opted_out skip, got %s %v", row.Status, row.SkipReason)
	}

	row = f.payoutRow(t, notReady)
	if row.Status != payoutdomain.PayoutStatusSkipped || row.SkipReason == nil || *row.SkipReason != payoutdomain.SkipReasonAccountNotReady {
		t.Fatalf("expected account_not_ready skip, got %s %v", row.Status, row.SkipReason)
	}
	if f.rail.creates != 0 {
		t.Fatalf("expected no rail payouts, got %d", f.rail.creates)
	}
}

func TestSweepResolvesAmbiguousPayout(t *testing.T) {
	ctx := context.Background()
	f := setup(t)

	creator := f.seedCreator(t, "acct_flaky", 5000)
	f.rail.createErr["acct_flaky"] = fmt.Errorf("%w: connection reset", raildomain.ErrRailUnavailable)

	detail, err := f.payout.TriggerRun(ctx, "2026-03-15")
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	// The outcome is ambiguous, so the row stays in flight and the run
	// stays open.
	if detail.Run.Status != payoutdomain.RunStatusRunning {
		t.Fatalf("expected run still running, got %s", detail.Run.Status)
	}
	if row := f.payoutRow(t, creator); row.Status != payoutdomain.PayoutStatusProcessing {
		t.Fatalf("expected processing, got %s", row.Status)
	}

	// The rail recovers; the sweep learns the payout was never created and
	// retries it with the same idempotency key.
	delete(f.rail.createErr, "acct_flaky")
	if err := f.payout.Sweep(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	row := f.payoutRow(t, creator)
	if row.Status != payoutdomain.PayoutStatusPaid {
		t.Fatalf("expected paid after sweep, got %s", row.Status)
	}
	run, err := f.payout.RunStatus(ctx, detail.Run.ID)
	if err != nil {
		t.Fatalf("run status: %v", err)
	}
	if run.Run.Status != payoutdomain.RunStatusSucceeded {
		t.Fatalf("expected run succeeded after sweep, got %s", run.Run.Status)
	}
	if f.rail.creates != 1 {
		t.Fatalf("expected one rail payout, got %d", f.rail.creates)
	}
}

func TestStuckPayoutsHonorStalenessWindow(t *testing.T) {
	ctx := context.Background()
	f := setup(t)

	f.seedCreator(t, "acct_stuck", 5000)
	f.rail.createErr["acct_stuck"] = fmt.Errorf("%w: timeout", raildomain.ErrRailUnavailable)
	if _, err := f.payout.TriggerRun(ctx, "2026-03-15"); err != nil {
		t.Fatalf("trigger: %v", err)
	}

	// Default window is 60 minutes; an in-flight payout younger than that
	// is not stuck yet.
	f.clock.Advance(45 * time.Minute)
	stuck, err := f.payout.StuckPayouts(ctx)
	if err != nil {
		t.Fatalf("stuck payouts: %v", err)
	}
	if len(stuck) != 0 {
		t.Fatalf("expected no stuck payouts inside the window, got %d", len(stuck))
	}

	f.clock.Advance(20 * time.Minute)
	stuck, err = f.payout.StuckPayouts(ctx)
	if err != nil {
		t.Fatalf("stuck payouts: %v", err)
	}
	if len(stuck) != 1 {
		t.Fatalf("expected one stuck payout past the window, got %d", len(stuck))
	}
}

func TestApplyRailEventFailedWithCodeStaysRetryable(t *testing.T) {
	ctx := context.Background()
	f := setup(t)

	creator := f.seedCreator(t, "acct_async", 5000)
	f.rail.createErr["acct_async"] = fmt.Errorf("%w: timeout", raildomain.ErrRailUnavailable)
	if _, err := f.payout.TriggerRun(ctx, "2026-03-15"); err != nil {
		t.Fatalf("trigger: %v", err)
	}
	row := f.payoutRow(t, creator)
	if row.Status != payoutdomain.PayoutStatusProcessing {
		t.Fatalf("expected processing, got %s", row.Status)
	}

	// A coded failure is not a permanent one; only the rail's flag decides.
	if err := f.payout.ApplyRailEvent(ctx, &raildomain.Event{
		Provider:       "fake",
		EventID:        "evt-hold",
		Type:           raildomain.EventTypePayoutFailed,
		IdempotencyKey: row.IdempotencyKey,
		FailureCode:    "balance_hold",
	}); err != nil {
		t.Fatalf("apply event: %v", err)
	}

	row = f.payoutRow(t, creator)
	if row.Status != payoutdomain.PayoutStatusFailed {
		t.Fatalf("expected failed, got %s", row.Status)
	}
	if row.FailurePermanent {
		t.Fatalf("coded transient failure must stay retryable")
	}
	if row.FailureReason == nil || *row.FailureReason != "balance_hold" {
		t.Fatalf("expected balance_hold reason, got %v", row.FailureReason)
	}

	// Once the hold clears, the sweep retries with the original key.
	delete(f.rail.createErr, "acct_async")
	if err := f.payout.Sweep(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if row = f.payoutRow(t, creator); row.Status != payoutdomain.PayoutStatusPaid {
		t.Fatalf("expected paid after retry, got %s", row.Status)
	}
}

func TestApplyRailEventPaidIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := setup(t)

	creator := f.seedCreator(t, "acct_hook", 5000)
	if _, err := f.payout.TriggerRun(ctx, "2026-03-15"); err != nil {
		t.Fatalf("trigger: %v", err)
	}
	row := f.payoutRow(t, creator)
	if row.Status != payoutdomain.PayoutStatusPaid {
		t.Fatalf("expected paid, got %s", row.Status)
	}

	// A late webhook for an already-settled payout changes nothing.
	if err := f.payout.ApplyRailEvent(ctx, &raildomain.Event{
		Provider:       "fake",
		EventID:        "evt-dup",
		Type:           raildomain.EventTypePayoutPaid,
		PayoutID:       *row.ExternalPayoutID,
		IdempotencyKey: row.IdempotencyKey,
	}); err != nil {
		t.Fatalf("apply event: %v", err)
	}

	var ledgerRows int64
	if err := f.db.Raw(`SELECT COUNT(1) FROM transactions WHERE ref_id = ?`, "payout:"+row.ID.String()).Scan(&ledgerRows).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if ledgerRows != 1 {
		t.Fatalf("expected single ledger payout entry, got %d", ledgerRows)
	}
}
