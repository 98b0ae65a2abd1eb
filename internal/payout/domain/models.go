package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

const CycleDateLayout = "2006-01-02"

// CycleDateFor returns the most recent cycle date (the 1st or 15th of a
// month) that is not after t.
func CycleDateFor(t time.Time) string {
	t = t.UTC()
	day := 1
	if t.Day() >= 15 {
		day = 15
	}
	return time.Date(t.Year(), t.Month(), day, 0, 0, 0, 0, time.UTC).Format(CycleDateLayout)
}

// IsCycleDay reports whether t falls on a scheduled cycle date.
func IsCycleDay(t time.Time) bool {
	day := t.UTC().Day()
	return day == 1 || day == 15
}

type IntentStatus string

const (
	IntentStatusActive    IntentStatus = "active"
	IntentStatusCancelled IntentStatus = "cancelled"
	IntentStatusConsumed  IntentStatus = "consumed"
)

// PayoutIntent is a creator's opt-in/opt-out flag for one cycle date.
// Creators with a registered payee account are paid by default; a cancelled
// intent opts them out of that cycle.
type PayoutIntent struct {
	ID        snowflake.ID `gorm:"primaryKey"`
	CreatorID snowflake.ID `gorm:"not null;uniqueIndex:ux_payout_intents_creator_cycle,priority:1"`
	CycleDate string       `gorm:"type:text;not null;index;uniqueIndex:ux_payout_intents_creator_cycle,priority:2"`
	Status    IntentStatus `gorm:"type:text;not null"`
	CreatedAt time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (PayoutIntent) TableName() string { return "payout_intents" }

type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusPartial   RunStatus = "partial"
	RunStatusFailed    RunStatus = "failed"
)

func (s RunStatus) Terminal() bool {
	return s == RunStatusSucceeded || s == RunStatusPartial || s == RunStatusFailed
}

// PayoutRun is one cycle execution. The cycle_date uniqueness constraint is
// what makes triggering idempotent. Once terminal, a run's status never
// changes; late sweep retries fix individual rows only.
type PayoutRun struct {
	ID         snowflake.ID `gorm:"primaryKey"`
	CycleDate  string       `gorm:"type:text;not null;uniqueIndex:ux_payout_runs_cycle_date"`
	Status     RunStatus    `gorm:"type:text;not null;index"`
	StartedAt  time.Time    `gorm:"not null"`
	FinishedAt *time.Time
	CreatedAt  time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt  time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (PayoutRun) TableName() string { return "payout_runs" }

type PayoutStatus string

const (
	PayoutStatusPending    PayoutStatus = "pending"
	PayoutStatusProcessing PayoutStatus = "processing"
	PayoutStatusPaid       PayoutStatus = "paid"
	PayoutStatusFailed     PayoutStatus = "failed"
	PayoutStatusSkipped    PayoutStatus = "skipped"
)

func (s PayoutStatus) Terminal() bool {
	return s == PayoutStatusPaid || s == PayoutStatusFailed || s == PayoutStatusSkipped
}

const (
	SkipReasonAccountNotReady = "account_not_ready"
	SkipReasonBelowThreshold  = "below_threshold"
	SkipReasonOptedOut        = "opted_out"
)

const (
	FailureReasonRailUnavailable = "rail_unavailable"
	FailureReasonNeverCreated    = "payout_never_created"
)

// CreatorPayout is one creator's payout within a run. The
// (creator_id, cycle_date) uniqueness constraint serializes retried
// triggers so a creator can never be paid twice for one cycle.
type CreatorPayout struct {
	ID               snowflake.ID `gorm:"primaryKey"`
	RunID            snowflake.ID `gorm:"not null;index"`
	CreatorID        snowflake.ID `gorm:"not null;uniqueIndex:ux_creator_payouts_creator_cycle,priority:1"`
	CycleDate        string       `gorm:"type:text;not null;uniqueIndex:ux_creator_payouts_creator_cycle,priority:2"`
	PayeeAccountID   string       `gorm:"type:text;not null"`
	Currency         string       `gorm:"type:text;not null"`
	GrossAmount      int64        `gorm:"not null;default:0"`
	ReserveAmount    int64        `gorm:"not null;default:0"`
	NetPayoutAmount  int64        `gorm:"not null;default:0"`
	Status           PayoutStatus `gorm:"type:text;not null;index"`
	SkipReason       *string      `gorm:"type:text"`
	FailureReason    *string      `gorm:"type:text"`
	FailurePermanent bool         `gorm:"not null;default:false"`
	IdempotencyKey   string       `gorm:"type:text;not null;index"`
	ExternalPayoutID *string      `gorm:"type:text;index"`
	PaidAt           *time.Time
	CreatedAt        time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt        time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (CreatorPayout) TableName() string { return "creator_payouts" }

// PayeeAccount is the local projection of a creator's rail onboarding
// state, maintained from rail account webhooks. Eligibility checks read
// this projection so ineligible creators never cost an external call.
type PayeeAccount struct {
	CreatorID      snowflake.ID `gorm:"primaryKey"`
	RailAccountID  string       `gorm:"type:text;not null;uniqueIndex:ux_payee_accounts_rail_account"`
	PayoutsEnabled bool         `gorm:"not null;default:false"`
	CreatedAt      time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt      time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (PayeeAccount) TableName() string { return "payee_accounts" }
