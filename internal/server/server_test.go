package server_test

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/fanbeam/tokenledger/internal/audit/domain"
	"github.com/fanbeam/tokenledger/internal/clock"
	"github.com/fanbeam/tokenledger/internal/config"
	ledgerservice "github.com/fanbeam/tokenledger/internal/ledger/service"
	payoutdomain "github.com/fanbeam/tokenledger/internal/payout/domain"
	payoutservice "github.com/fanbeam/tokenledger/internal/payout/service"
	"github.com/fanbeam/tokenledger/internal/rail/adapters/meridian"
	raildomain "github.com/fanbeam/tokenledger/internal/rail/domain"
	reconcileservice "github.com/fanbeam/tokenledger/internal/reconcile/service"
	"github.com/fanbeam/tokenledger/internal/server"
	sessionservice "github.com/fanbeam/tokenledger/internal/session/service"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

const (
	internalSecret = "test-internal-secret"
	webhookSecret  = "whsec_test"
)

type noopAuditService struct{}

func (noopAuditService) AuditLog(ctx context.Context, actorType string, actorID *string, action string, targetType string, targetID *string, metadata map[string]any) error {
	return nil
}

func (noopAuditService) List(ctx context.Context, req auditdomain.ListRequest) ([]auditdomain.AuditLog, error) {
	return nil, nil
}

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:memdb_server_%d?mode=memory&cache=shared", time.Now().UnixNano())
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
		`CREATE TABLE sessions (
			id TEXT PRIMARY KEY,
			creator_id BIGINT NOT NULL,
			fan_id BIGINT NOT NULL,
			rate_per_minute BIGINT NOT NULL,
			status TEXT NOT NULL,
			started_at TIMESTAMPTZ NOT NULL,
			ended_at TIMESTAMPTZ,
			charged_tokens BIGINT NOT NULL DEFAULT 0,
			creator_earnings BIGINT NOT NULL DEFAULT 0,
			settled_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
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
		`CREATE TABLE reconciliation_audits (
			id BIGINT PRIMARY KEY,
			balance_status TEXT NOT NULL,
			double_entry_status TEXT NOT NULL,
			settlement_status TEXT NOT NULL,
			expected_total BIGINT NOT NULL,
			balance_total BIGINT NOT NULL,
			discrepancy BIGINT NOT NULL,
			details TEXT,
			ran_at TIMESTAMPTZ NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		)`,
	}
	for _, stmt := range schema {
		if err := db.Exec(stmt).Error; err != nil {
			t.Fatalf("create schema: %v", err)
		}
	}
	return db
}

type fixture struct {
	srv  *server.Server
	db   *gorm.DB
	node *snowflake.Node
}

func setup(t *testing.T) *fixture {
	t.Helper()
	db := setupTestDB(t)
	fakeClock := clock.NewFakeClock(time.Date(2026, 3, 15, 6, 0, 0, 0, time.UTC))
	log := zap.NewNop()

	node, err := snowflake.NewNode(23)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}

	rail, err := meridian.NewFactory().NewAdapter(raildomain.AdapterConfig{
		BaseURL:       "http://rail.invalid",
		APIKey:        "sk_test",
		WebhookSecret: webhookSecret,
	})
	if err != nil {
		t.Fatalf("rail adapter: %v", err)
	}
	parser := rail.(raildomain.WebhookParser)

	policy, err := config.NewStaticPayoutPolicyHolder(config.DefaultPayoutPolicy())
	if err != nil {
		t.Fatalf("policy holder: %v", err)
	}

	ledgerSvc := ledgerservice.NewService(ledgerservice.Params{
		DB: db, Log: log, GenID: node, AuditSvc: noopAuditService{},
	})
	sessionSvc := sessionservice.NewService(sessionservice.Params{
		DB: db, Log: log, Clock: fakeClock, LedgerSvc: ledgerSvc,
		AuditSvc: noopAuditService{}, Policy: policy,
	})
	payoutSvc := payoutservice.NewService(payoutservice.Params{
		DB: db, Log: log, GenID: node, Clock: fakeClock, Rail: rail,
		LedgerSvc: ledgerSvc, AuditSvc: noopAuditService{}, Policy: policy,
		Workers: 1,
	})
	reconcileSvc := reconcileservice.NewService(reconcileservice.Params{
		DB: db, Log: log, GenID: node, Clock: fakeClock, Rail: rail, Policy: policy,
	})

	cfg := config.Config{
		AppName:           "tokenledger-test",
		HTTPAddr:          ":0",
		InternalAPISecret: internalSecret,
	}

	srv := server.NewServer(server.ServerParams{
		Gin:           server.NewEngine(log),
		Cfg:           cfg,
		Log:           log,
		GenID:         node,
		LedgerSvc:     ledgerSvc,
		SessionSvc:    sessionSvc,
		PayoutSvc:     payoutSvc,
		ReconcileSvc:  reconcileSvc,
		WebhookParser: parser,
	})

	return &fixture{srv: srv, db: db, node: node}
}

func (f *fixture) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	rec := httptest.NewRecorder()
	f.srv.Engine().ServeHTTP(rec, req)
	return rec
}

func asUser(id snowflake.ID) map[string]string {
	return map[string]string{server.HeaderUserID: id.String()}
}

func signWebhook(payload []byte, at time.Time) string {
	timestamp := fmt.Sprintf("%d", at.Unix())
	mac := hmac.New(sha256.New, []byte(webhookSecret))
	mac.Write([]byte(timestamp + "." + string(payload)))
	return fmt.Sprintf("t=%s,v1=%s", timestamp, hex.EncodeToString(mac.Sum(nil)))
}

func TestWalletPurchaseTipAndBalance(t *testing.T) {
	f := setup(t)
	fan := f.node.Generate()
	creator := f.node.Generate()

	rec := f.do(t, http.MethodPost, "/api/wallet/purchases", map[string]any{
		"amount": 1000, "external_ref": "pi_123",
	}, asUser(fan))
	if rec.Code != http.StatusOK {
		t.Fatalf("purchase status %d: %s", rec.Code, rec.Body.String())
	}

	rec = f.do(t, http.MethodPost, "/api/wallet/tips", map[string]any{
		"creator_id": creator.String(), "amount": 250, "ref": "tip-1",
	}, asUser(fan))
	if rec.Code != http.StatusOK {
		t.Fatalf("tip status %d: %s", rec.Code, rec.Body.String())
	}

	rec = f.do(t, http.MethodGet, "/api/wallet/balance", nil, asUser(creator))
	if rec.Code != http.StatusOK {
		t.Fatalf("balance status %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Data struct {
			Balance int64 `json:"balance"`
		} `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Data.Balance != 250 {
		t.Fatalf("expected creator balance 250, got %d", resp.Data.Balance)
	}
}

func TestWalletPurchaseIsIdempotent(t *testing.T) {
	f := setup(t)
	fan := f.node.Generate()

	for i := 0; i < 2; i++ {
		rec := f.do(t, http.MethodPost, "/api/wallet/purchases", map[string]any{
			"amount": 500, "external_ref": "pi_replayed",
		}, asUser(fan))
		if rec.Code != http.StatusOK {
			t.Fatalf("purchase %d status %d: %s", i, rec.Code, rec.Body.String())
		}
	}

	var balance int64
	if err := f.db.Raw(`SELECT balance FROM accounts WHERE id = ?`, fan).Scan(&balance).Error; err != nil {
		t.Fatalf("read balance: %v", err)
	}
	if balance != 500 {
		t.Fatalf("replayed purchase must credit once, got %d", balance)
	}
}

func TestWalletTipRejectsOverdraft(t *testing.T) {
	f := setup(t)
	fan := f.node.Generate()
	creator := f.node.Generate()

	rec := f.do(t, http.MethodPost, "/api/wallet/purchases", map[string]any{
		"amount": 100, "external_ref": "pi_small",
	}, asUser(fan))
	if rec.Code != http.StatusOK {
		t.Fatalf("purchase status %d", rec.Code)
	}

	rec = f.do(t, http.MethodPost, "/api/wallet/tips", map[string]any{
		"creator_id": creator.String(), "amount": 500, "ref": "tip-big",
	}, asUser(fan))
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for overdraft tip, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestAPIRequiresUserHeader(t *testing.T) {
	f := setup(t)

	rec := f.do(t, http.MethodGet, "/api/wallet/balance", nil, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without user header, got %d", rec.Code)
	}
}

func TestSessionLifecycleOverHTTP(t *testing.T) {
	f := setup(t)
	fan := f.node.Generate()
	creator := f.node.Generate()

	rec := f.do(t, http.MethodPost, "/api/wallet/purchases", map[string]any{
		"amount": 1000, "external_ref": "pi_session",
	}, asUser(fan))
	if rec.Code != http.StatusOK {
		t.Fatalf("purchase status %d", rec.Code)
	}
	// The creator needs a ledger account before earnings can land.
	rec = f.do(t, http.MethodPost, "/api/wallet/tips", map[string]any{
		"creator_id": creator.String(), "amount": 1, "ref": "tip-warmup",
	}, asUser(fan))
	if rec.Code != http.StatusOK {
		t.Fatalf("warmup tip status %d", rec.Code)
	}

	rec = f.do(t, http.MethodPost, "/api/sessions", map[string]any{
		"session_id": "call-http-1", "creator_id": creator.String(), "rate_per_minute": 10,
	}, asUser(fan))
	if rec.Code != http.StatusOK {
		t.Fatalf("start status %d: %s", rec.Code, rec.Body.String())
	}

	rec = f.do(t, http.MethodPost, "/api/sessions/call-http-1/end", nil, asUser(creator))
	if rec.Code != http.StatusOK {
		t.Fatalf("end status %d: %s", rec.Code, rec.Body.String())
	}

	rec = f.do(t, http.MethodPost, "/api/sessions/call-http-1/end", nil, asUser(creator))
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 on second end, got %d", rec.Code)
	}
}

func TestInternalRoutesRequireSecret(t *testing.T) {
	f := setup(t)

	rec := f.do(t, http.MethodPost, "/internal/payouts/run", nil, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without secret, got %d", rec.Code)
	}

	rec = f.do(t, http.MethodPost, "/internal/payouts/run", map[string]any{
		"cycle_date": "2026-03-15",
	}, map[string]string{server.HeaderInternalSecret: internalSecret})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with secret, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestRailWebhookRejectsBadSignature(t *testing.T) {
	f := setup(t)

	payload := []byte(`{"id":"evt_1","type":"account.updated","data":{"id":"acct_x","payouts_enabled":true}}`)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/rail", bytes.NewReader(payload))
	req.Header.Set("Meridian-Signature", "t=1770000000,v1=deadbeef")
	rec := httptest.NewRecorder()
	f.srv.Engine().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad signature, got %d", rec.Code)
	}
}

func TestRailWebhookUpdatesPayeeProjection(t *testing.T) {
	f := setup(t)
	creator := f.node.Generate()

	rec := f.do(t, http.MethodPost, "/api/creator-payouts/payee", map[string]any{
		"rail_account_id": "acct_hooked",
	}, asUser(creator))
	if rec.Code != http.StatusOK {
		t.Fatalf("register payee status %d: %s", rec.Code, rec.Body.String())
	}

	payload := []byte(`{"id":"evt_2","type":"account.updated","created":1770000000,"data":{"id":"acct_hooked","payouts_enabled":true}}`)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/rail", bytes.NewReader(payload))
	req.Header.Set("Meridian-Signature", signWebhook(payload, time.Now()))
	recorder := httptest.NewRecorder()
	f.srv.Engine().ServeHTTP(recorder, req)
	if recorder.Code != http.StatusOK {
		t.Fatalf("webhook status %d: %s", recorder.Code, recorder.Body.String())
	}

	var enabled bool
	if err := f.db.Raw(`SELECT payouts_enabled FROM payee_accounts WHERE creator_id = ?`, creator).Scan(&enabled).Error; err != nil {
		t.Fatalf("read payee: %v", err)
	}
	if !enabled {
		t.Fatalf("payee should be enabled after webhook")
	}

	// Opting out of the next cycle is allowed once onboarded.
	rec = f.do(t, http.MethodDelete, "/api/creator-payouts/intent?cycle_date=2026-04-01", nil, asUser(creator))
	if rec.Code != http.StatusOK {
		t.Fatalf("cancel intent status %d: %s", rec.Code, rec.Body.String())
	}

	var intentStatus string
	if err := f.db.Raw(
		`SELECT status FROM payout_intents WHERE creator_id = ? AND cycle_date = ?`,
		creator, "2026-04-01",
	).Scan(&intentStatus).Error; err != nil {
		t.Fatalf("read intent: %v", err)
	}
	if intentStatus != string(payoutdomain.IntentStatusCancelled) {
		t.Fatalf("expected cancelled intent, got %q", intentStatus)
	}
}
