package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/fanbeam/tokenledger/internal/audit/domain"
	"github.com/fanbeam/tokenledger/internal/clock"
	"github.com/fanbeam/tokenledger/internal/config"
	ledgerdomain "github.com/fanbeam/tokenledger/internal/ledger/domain"
	sessiondomain "github.com/fanbeam/tokenledger/internal/session/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	Clock     clock.Clock
	LedgerSvc ledgerdomain.Service
	AuditSvc  auditdomain.Service
	Policy    *config.PayoutPolicyHolder
}

type Service struct {
	db        *gorm.DB
	log       *zap.Logger
	clock     clock.Clock
	ledgerSvc ledgerdomain.Service
	auditSvc  auditdomain.Service
	policy    *config.PayoutPolicyHolder
}

func NewService(p Params) sessiondomain.Service {
	return &Service{
		db:        p.DB,
		log:       p.Log.Named("session.service"),
		clock:     p.Clock,
		ledgerSvc: p.LedgerSvc,
		auditSvc:  p.AuditSvc,
		policy:    p.Policy,
	}
}

func (s *Service) Start(ctx context.Context, params sessiondomain.StartParams) (*sessiondomain.Session, error) {
	sessionID := strings.TrimSpace(params.SessionID)
	if sessionID == "" || params.CreatorID == 0 || params.FanID == 0 || params.CreatorID == params.FanID {
		return nil, sessiondomain.ErrInvalidSession
	}
	if params.RatePerMinute < 0 {
		return nil, sessiondomain.ErrInvalidRate
	}

	startedAt := params.StartedAt
	if startedAt.IsZero() {
		startedAt = s.clock.Now()
	}
	now := s.clock.Now()

	// Duplicate start events from the signaling collaborator are no-ops.
	if err := s.db.WithContext(ctx).Exec(
		`INSERT INTO sessions (
			id, creator_id, fan_id, rate_per_minute, status, started_at,
			charged_tokens, creator_earnings, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, 0, 0, ?, ?)
		ON CONFLICT (id) DO NOTHING`,
		sessionID, params.CreatorID, params.FanID, params.RatePerMinute,
		string(sessiondomain.SessionStatusActive), startedAt.UTC(), now, now,
	).Error; err != nil {
		return nil, err
	}

	return s.Get(ctx, sessionID)
}

func (s *Service) Get(ctx context.Context, sessionID string) (*sessiondomain.Session, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, sessiondomain.ErrInvalidSession
	}
	var session sessiondomain.Session
	err := s.db.WithContext(ctx).First(&session, "id = ?", sessionID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, sessiondomain.ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	return &session, nil
}

func (s *Service) End(ctx context.Context, sessionID string, enderID snowflake.ID) (*sessiondomain.Settlement, error) {
	session, err := s.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if enderID != session.FanID && enderID != session.CreatorID {
		return nil, sessiondomain.ErrNotParticipant
	}

	endedAt := s.clock.Now()

	// Single-shot end claim. Exactly one caller flips the status; everyone
	// else observes the already-ended session.
	result := s.db.WithContext(ctx).Exec(
		`UPDATE sessions
		 SET status = ?, ended_at = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		string(sessiondomain.SessionStatusEnded), endedAt, endedAt,
		sessionID, string(sessiondomain.SessionStatusActive),
	)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		// Lost the claim. The winner may have ended without committing the
		// settlement (a transient ledger failure); replay it here so the
		// charge is never stranded. The apply is idempotent on session id.
		s.replaySettlement(ctx, sessionID)
		return nil, sessiondomain.ErrSessionNotActive
	}

	settlement, err := s.settle(ctx, session, endedAt)
	if err != nil {
		// The end claim is already durable; the charge is still owed.
		// Replays (End or the settlement sweep) will settle it.
		s.log.Error("settlement failed for ended session, will replay",
			zap.String("session_id", sessionID), zap.Error(err))
		return nil, err
	}

	idStr := sessionID
	metadata := map[string]any{
		"duration_minutes": settlement.DurationMinutes,
		"tokens_charged":   settlement.TokensCharged,
		"creator_earnings": settlement.CreatorEarnings,
	}
	actorID := enderID.String()
	if err := s.auditSvc.AuditLog(ctx, auditdomain.ActorTypeUser, &actorID, "session.settled", "session", &idStr, metadata); err != nil {
		s.log.Warn("failed to write session audit log", zap.Error(err))
	}

	return settlement, nil
}

func (s *Service) settle(ctx context.Context, session *sessiondomain.Session, endedAt time.Time) (*sessiondomain.Settlement, error) {
	seconds := int64(endedAt.Sub(session.StartedAt) / time.Second)
	if seconds < 0 {
		seconds = 0
	}
	minutes := (seconds + 59) / 60
	tokens := minutes * session.RatePerMinute

	charged := tokens
	if charged > 0 {
		// Cap at the fan's balance: partial-charge-then-force-end, never an
		// unpaid overrun. The balance can move between the read and the
		// apply, so retry with a fresh read on a guard miss.
		for attempt := 0; attempt < 3; attempt++ {
			balance, err := s.ledgerSvc.Balance(ctx, session.FanID)
			if err != nil {
				return nil, err
			}
			if balance < charged {
				charged = balance
			}
			if charged <= 0 {
				charged = 0
				break
			}

			feePercent := int64(s.policy.Get().PlatformFeePercent)
			fee := charged * feePercent / 100
			drafts := []ledgerdomain.Draft{
				{AccountID: session.FanID, Amount: -charged, Type: ledgerdomain.TypeSpend, RefID: session.ID},
				{AccountID: session.CreatorID, Amount: charged, Type: ledgerdomain.TypeCallIn, RefID: session.ID},
			}
			if fee > 0 {
				drafts = append(drafts, ledgerdomain.Draft{
					AccountID: session.CreatorID, Amount: -fee, Type: ledgerdomain.TypeFee, RefID: session.ID,
				})
			}

			committed, err := s.ledgerSvc.Apply(ctx, drafts)
			if errors.Is(err, ledgerdomain.ErrInsufficientBalance) {
				continue
			}
			if err != nil {
				return nil, err
			}

			// A replayed end call gets the originally committed charge.
			charged = chargedFromCommitted(committed, session.FanID, charged)
			fee = feeFromCommitted(committed, fee)
			return s.recordSettlement(ctx, session, minutes, charged, charged-fee, fee)
		}
	}

	return s.recordSettlement(ctx, session, minutes, 0, 0, 0)
}

func (s *Service) recordSettlement(ctx context.Context, session *sessiondomain.Session, minutes, charged, earnings, fee int64) (*sessiondomain.Settlement, error) {
	now := s.clock.Now()
	if err := s.db.WithContext(ctx).Exec(
		`UPDATE sessions SET charged_tokens = ?, creator_earnings = ?, settled_at = ?, updated_at = ? WHERE id = ?`,
		charged, earnings, now, now, session.ID,
	).Error; err != nil {
		return nil, err
	}
	return &sessiondomain.Settlement{
		SessionID:       session.ID,
		DurationMinutes: minutes,
		TokensCharged:   charged,
		CreatorEarnings: earnings,
		PlatformFee:     fee,
	}, nil
}

// replaySettlement re-runs settle for an ended-but-unsettled session.
// Best effort: the caller's outcome does not depend on it.
func (s *Service) replaySettlement(ctx context.Context, sessionID string) {
	session, err := s.Get(ctx, sessionID)
	if err != nil {
		return
	}
	if session.Status != sessiondomain.SessionStatusEnded || session.SettledAt != nil || session.EndedAt == nil {
		return
	}
	if _, err := s.settle(ctx, session, *session.EndedAt); err != nil {
		s.log.Warn("settlement replay failed",
			zap.String("session_id", sessionID), zap.Error(err))
	}
}

// Sweep settles ended sessions whose transfer never committed, e.g.
// because the ledger was briefly unavailable when End ran.
func (s *Service) Sweep(ctx context.Context) error {
	var stale []sessiondomain.Session
	if err := s.db.WithContext(ctx).
		Where("status = ? AND settled_at IS NULL", string(sessiondomain.SessionStatusEnded)).
		Order("ended_at ASC").
		Find(&stale).Error; err != nil {
		return err
	}

	for i := range stale {
		session := &stale[i]
		if session.EndedAt == nil {
			continue
		}
		settlement, err := s.settle(ctx, session, *session.EndedAt)
		if err != nil {
			s.log.Warn("settlement sweep failed for session",
				zap.String("session_id", session.ID), zap.Error(err))
			continue
		}

		idStr := session.ID
		metadata := map[string]any{
			"duration_minutes": settlement.DurationMinutes,
			"tokens_charged":   settlement.TokensCharged,
			"creator_earnings": settlement.CreatorEarnings,
		}
		if err := s.auditSvc.AuditLog(ctx, auditdomain.ActorTypeSystem, nil, "session.settled", "session", &idStr, metadata); err != nil {
			s.log.Warn("failed to write session audit log", zap.Error(err))
		}
	}
	return nil
}

func chargedFromCommitted(committed []ledgerdomain.Transaction, fanID snowflake.ID, fallback int64) int64 {
	for _, txn := range committed {
		if txn.AccountID == fanID && txn.Type == ledgerdomain.TypeSpend {
			return -txn.Amount
		}
	}
	return fallback
}

func feeFromCommitted(committed []ledgerdomain.Transaction, fallback int64) int64 {
	for _, txn := range committed {
		if txn.Type == ledgerdomain.TypeFee {
			return -txn.Amount
		}
	}
	return fallback
}
