package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type CheckStatus string

const (
	// CheckStatusPass is a clean verdict.
	CheckStatusPass CheckStatus = "pass"
	// CheckStatusWarning flags a data issue that needs investigation but
	// does not by itself prove balance loss.
	CheckStatusWarning CheckStatus = "warning"
	// CheckStatusFailed flags a critical discrepancy.
	CheckStatusFailed CheckStatus = "failed"
	// CheckStatusSkipped means the check could not be evaluated this pass.
	CheckStatusSkipped CheckStatus = "skipped"
)

const (
	CheckBalanceConservation = "balance_conservation"
	CheckDoubleEntry         = "double_entry"
	CheckExternalSettlement  = "external_settlement"
)

// AuditRecord is the write-once snapshot of one reconciliation pass.
// One row per run; per-check statuses plus the conservation totals, with
// the offending rows captured in Details.
type AuditRecord struct {
	ID                snowflake.ID   `gorm:"primaryKey"`
	BalanceStatus     CheckStatus    `gorm:"type:text;not null"`
	DoubleEntryStatus CheckStatus    `gorm:"type:text;not null"`
	SettlementStatus  CheckStatus    `gorm:"type:text;not null"`
	ExpectedTotal     int64          `gorm:"not null"`
	BalanceTotal      int64          `gorm:"not null"`
	Discrepancy       int64          `gorm:"not null"`
	Details           datatypes.JSON `gorm:"type:jsonb"`
	RanAt             time.Time      `gorm:"not null;index"`
	CreatedAt         time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (AuditRecord) TableName() string { return "reconciliation_audits" }

// CheckResult is the in-memory outcome of one check within a report.
type CheckResult struct {
	CheckName string         `json:"check_name"`
	Status    CheckStatus    `json:"status"`
	Anomalies []AnomalyEntry `json:"anomalies,omitempty"`
}

func (r CheckResult) Clean() bool {
	return r.Status == CheckStatusPass || r.Status == CheckStatusSkipped
}

// AnomalyEntry identifies one inconsistency found by a check.
type AnomalyEntry struct {
	Kind     string `json:"kind"`
	RefID    string `json:"ref_id,omitempty"`
	Account  string `json:"account,omitempty"`
	Expected int64  `json:"expected"`
	Actual   int64  `json:"actual"`
}

// Report is the outcome of one full reconciliation pass.
type Report struct {
	RanAt         time.Time     `json:"ran_at"`
	ExpectedTotal int64         `json:"expected_total"`
	BalanceTotal  int64         `json:"balance_total"`
	Discrepancy   int64         `json:"discrepancy"`
	Results       []CheckResult `json:"results"`
}

// Healthy reports whether every check came back clean. Warnings count as
// unhealthy: they need a human even when no balance was lost.
func (r *Report) Healthy() bool {
	for _, result := range r.Results {
		if !result.Clean() {
			return false
		}
	}
	return true
}

type Service interface {
	// Run executes every check and persists one audit record for the
	// pass. Checks are independent: one failing never stops the others.
	Run(ctx context.Context) (*Report, error)

	History(ctx context.Context, limit int) ([]AuditRecord, error)
}
