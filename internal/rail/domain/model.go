package domain

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// PayoutStatus is the rail's view of a payout.
type PayoutStatus string

const (
	PayoutStatusPending   PayoutStatus = "pending"
	PayoutStatusInTransit PayoutStatus = "in_transit"
	PayoutStatusPaid      PayoutStatus = "paid"
	PayoutStatusFailed    PayoutStatus = "failed"
)

func (s PayoutStatus) Terminal() bool {
	return s == PayoutStatusPaid || s == PayoutStatusFailed
}

// Account is the rail-side payee account for a creator.
type Account struct {
	PayeeAccountID string
	PayoutsEnabled bool
	Currency       string
}

// Balance is the payable funds the rail holds for a payee.
type Balance struct {
	PayeeAccountID string
	Available      int64
	Currency       string
}

// Payout is a rail-side payout record.
type Payout struct {
	ID               string
	PayeeAccountID   string
	Amount           int64
	Currency         string
	Status           PayoutStatus
	IdempotencyKey   string
	FailureCode      string
	FailureMessage   string
	FailurePermanent bool
	CreatedAt        time.Time
}

type CreatePayoutRequest struct {
	PayeeAccountID string
	Amount         int64
	Currency       string
	IdempotencyKey string
	// Metadata links the rail payout back to the internal CreatorPayout.
	Metadata map[string]string
}

// Client is the outbound interface to the payment rail. All calls block on
// network I/O and must respect ctx; implementations use bounded timeouts.
type Client interface {
	Provider() string
	Account(ctx context.Context, payeeAccountID string) (*Account, error)
	Balance(ctx context.Context, payeeAccountID string) (*Balance, error)
	CreatePayout(ctx context.Context, req CreatePayoutRequest) (*Payout, error)
	PayoutByIdempotencyKey(ctx context.Context, key string) (*Payout, error)
	ListPayouts(ctx context.Context, since time.Time) ([]Payout, error)
}

// Event is a canonical rail webhook callback.
type Event struct {
	Provider         string
	EventID          string
	Type             string
	PayoutID         string
	IdempotencyKey   string
	PayeeAccountID   string
	PayoutsEnabled   bool
	FailureCode      string
	FailureMessage   string
	FailurePermanent bool
	OccurredAt       time.Time
	RawPayload       []byte
}

const (
	EventTypePayoutPaid   = "payout_paid"
	EventTypePayoutFailed = "payout_failed"
	EventTypePayeeUpdated = "payee_updated"
)

// WebhookParser verifies and decodes rail callbacks.
type WebhookParser interface {
	Verify(ctx context.Context, payload []byte, headers http.Header) error
	Parse(ctx context.Context, payload []byte) (*Event, error)
}

// AdapterConfig carries provider credentials.
type AdapterConfig struct {
	BaseURL       string
	APIKey        string
	WebhookSecret string
	Timeout       time.Duration
}

type AdapterFactory interface {
	Provider() string
	NewAdapter(cfg AdapterConfig) (Client, error)
}

var (
	ErrInvalidConfig    = errors.New("invalid_rail_config")
	ErrProviderNotFound = errors.New("rail_provider_not_found")
	ErrRailUnavailable  = errors.New("rail_unavailable")
	ErrPayoutNotFound   = errors.New("rail_payout_not_found")
	ErrInvalidSignature = errors.New("invalid_signature")
	ErrInvalidPayload   = errors.New("invalid_payload")
	ErrInvalidEvent     = errors.New("invalid_event")
	ErrEventIgnored     = errors.New("event_ignored")
)

// RejectedError is a synchronous rejection from the rail. Permanent
// rejections (bad payee banking details) are not retried until the creator
// acts; transient ones are swept later.
type RejectedError struct {
	Code      string
	Message   string
	Permanent bool
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("rail rejected payout (%s): %s", e.Code, e.Message)
}

// AsRejection unwraps err into a RejectedError if it is one.
func AsRejection(err error) (*RejectedError, bool) {
	var rejected *RejectedError
	if errors.As(err, &rejected) {
		return rejected, true
	}
	return nil, false
}
