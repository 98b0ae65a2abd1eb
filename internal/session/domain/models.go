package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

type SessionStatus string

const (
	SessionStatusActive SessionStatus = "active"
	SessionStatusEnded  SessionStatus = "ended"
)

// Session is a metered call between a fan and a creator. The signaling
// collaborator owns the call itself; this row only carries what settlement
// needs.
type Session struct {
	ID              string        `gorm:"primaryKey;type:text"`
	CreatorID       snowflake.ID  `gorm:"not null;index"`
	FanID           snowflake.ID  `gorm:"not null;index"`
	RatePerMinute   int64         `gorm:"not null"`
	Status          SessionStatus `gorm:"type:text;not null;index"`
	StartedAt       time.Time     `gorm:"not null"`
	EndedAt         *time.Time
	ChargedTokens   int64 `gorm:"not null;default:0"`
	CreatorEarnings int64 `gorm:"not null;default:0"`
	// SettledAt is set once the settlement transfer has committed. An
	// ended session with a nil SettledAt still owes its charge.
	SettledAt *time.Time
	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (Session) TableName() string { return "sessions" }

type StartParams struct {
	SessionID     string
	CreatorID     snowflake.ID
	FanID         snowflake.ID
	RatePerMinute int64
	StartedAt     time.Time
}

// Settlement is the outcome of ending a session.
type Settlement struct {
	SessionID       string `json:"session_id"`
	DurationMinutes int64  `json:"duration_minutes"`
	TokensCharged   int64  `json:"tokens_charged"`
	CreatorEarnings int64  `json:"creator_earnings"`
	PlatformFee     int64  `json:"platform_fee"`
}

type Service interface {
	Start(ctx context.Context, params StartParams) (*Session, error)
	// End settles a running session exactly once. A second concurrent call
	// observes the ended state and fails with ErrSessionNotActive.
	End(ctx context.Context, sessionID string, enderID snowflake.ID) (*Settlement, error)
	Get(ctx context.Context, sessionID string) (*Session, error)
	// Sweep replays settlement for ended sessions whose transfer never
	// committed (the ledger apply is idempotent on the session id).
	Sweep(ctx context.Context) error
}

var (
	ErrInvalidSession   = errors.New("invalid_session")
	ErrInvalidRate      = errors.New("invalid_rate")
	ErrSessionNotFound  = errors.New("session_not_found")
	ErrSessionNotActive = errors.New("session_not_active")
	ErrNotParticipant   = errors.New("not_participant")
)
