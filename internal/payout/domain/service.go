package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	raildomain "github.com/fanbeam/tokenledger/internal/rail/domain"
)

// RunDetail is a run together with its per-creator rows.
type RunDetail struct {
	Run     PayoutRun       `json:"run"`
	Payouts []CreatorPayout `json:"payouts"`
}

// Health is the operator-facing view of recent payout activity.
type Health struct {
	RecentRuns     []PayoutRun     `json:"recent_runs"`
	StuckPayouts   []CreatorPayout `json:"stuck_payouts"`
	RecentFailures int64           `json:"recent_failures"`
}

type Service interface {
	// TriggerRun starts (or returns) the run for cycleDate. An empty
	// cycleDate means the current cycle. Triggering the same cycle twice
	// returns the existing run without re-paying anyone.
	TriggerRun(ctx context.Context, cycleDate string) (*RunDetail, error)

	RunStatus(ctx context.Context, runID snowflake.ID) (*RunDetail, error)
	Health(ctx context.Context) (*Health, error)

	// Sweep resolves ambiguous in-flight payouts against the rail, retries
	// transient failures, and finalizes runs whose rows are all terminal.
	Sweep(ctx context.Context) error

	StuckPayouts(ctx context.Context) ([]CreatorPayout, error)

	SetIntent(ctx context.Context, creatorID snowflake.ID, cycleDate string) (*PayoutIntent, error)
	CancelIntent(ctx context.Context, creatorID snowflake.ID, cycleDate string) error

	RegisterPayee(ctx context.Context, creatorID snowflake.ID, railAccountID string) (*PayeeAccount, error)

	// ApplyRailEvent maps an asynchronous rail callback onto the owning
	// CreatorPayout (or payee projection). Duplicate callbacks for a
	// terminal payout are no-ops.
	ApplyRailEvent(ctx context.Context, event *raildomain.Event) error
}

var (
	ErrInvalidCycleDate = errors.New("invalid_cycle_date")
	ErrInvalidCreator   = errors.New("invalid_creator")
	ErrInvalidPayee     = errors.New("invalid_payee")
	ErrRunNotFound      = errors.New("run_not_found")
)
