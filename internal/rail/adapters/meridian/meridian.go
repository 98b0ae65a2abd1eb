package meridian

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	raildomain "github.com/fanbeam/tokenledger/internal/rail/domain"
)

type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

func (f *Factory) Provider() string {
	return "meridian"
}

func (f *Factory) NewAdapter(cfg raildomain.AdapterConfig) (raildomain.Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" || strings.TrimSpace(cfg.APIKey) == "" {
		return nil, raildomain.ErrInvalidConfig
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Adapter{
		baseURL:       baseURL,
		apiKey:        cfg.APIKey,
		webhookSecret: strings.TrimSpace(cfg.WebhookSecret),
		httpClient:    &http.Client{Timeout: timeout},
	}, nil
}

// Adapter talks to the Meridian payout rail over its JSON HTTP API and
// decodes its webhook callbacks.
type Adapter struct {
	baseURL       string
	apiKey        string
	webhookSecret string
	httpClient    *http.Client
}

func (a *Adapter) Provider() string { return "meridian" }

type accountResponse struct {
	ID             string `json:"id"`
	PayoutsEnabled bool   `json:"payouts_enabled"`
	Currency       string `json:"currency"`
}

type balanceResponse struct {
	AccountID string `json:"account_id"`
	Available int64  `json:"available"`
	Currency  string `json:"currency"`
}

type payoutResponse struct {
	ID               string `json:"id"`
	AccountID        string `json:"account_id"`
	Amount           int64  `json:"amount"`
	Currency         string `json:"currency"`
	Status           string `json:"status"`
	IdempotencyKey   string `json:"idempotency_key"`
	FailureCode      string `json:"failure_code"`
	FailureMessage   string `json:"failure_message"`
	FailurePermanent bool   `json:"failure_permanent"`
	Created          int64  `json:"created"`
}

type errorResponse struct {
	Error struct {
		Code      string `json:"code"`
		Message   string `json:"message"`
		Permanent bool   `json:"permanent"`
	} `json:"error"`
}

func (a *Adapter) Account(ctx context.Context, payeeAccountID string) (*raildomain.Account, error) {
	var resp accountResponse
	if err := a.do(ctx, http.MethodGet, "/v1/accounts/"+url.PathEscape(payeeAccountID), nil, "", &resp); err != nil {
		return nil, err
	}
	return &raildomain.Account{
		PayeeAccountID: resp.ID,
		PayoutsEnabled: resp.PayoutsEnabled,
		Currency:       strings.ToUpper(resp.Currency),
	}, nil
}

func (a *Adapter) Balance(ctx context.Context, payeeAccountID string) (*raildomain.Balance, error) {
	var resp balanceResponse
	if err := a.do(ctx, http.MethodGet, "/v1/accounts/"+url.PathEscape(payeeAccountID)+"/balance", nil, "", &resp); err != nil {
		return nil, err
	}
	return &raildomain.Balance{
		PayeeAccountID: resp.AccountID,
		Available:      resp.Available,
		Currency:       strings.ToUpper(resp.Currency),
	}, nil
}

func (a *Adapter) CreatePayout(ctx context.Context, req raildomain.CreatePayoutRequest) (*raildomain.Payout, error) {
	body := map[string]any{
		"account_id": req.PayeeAccountID,
		"amount":     req.Amount,
		"currency":   req.Currency,
	}
	if len(req.Metadata) > 0 {
		body["metadata"] = req.Metadata
	}

	var resp payoutResponse
	if err := a.do(ctx, http.MethodPost, "/v1/payouts", body, req.IdempotencyKey, &resp); err != nil {
		return nil, err
	}
	return decodePayout(resp), nil
}

func (a *Adapter) PayoutByIdempotencyKey(ctx context.Context, key string) (*raildomain.Payout, error) {
	var resp struct {
		Data []payoutResponse `json:"data"`
	}
	path := "/v1/payouts?idempotency_key=" + url.QueryEscape(key)
	if err := a.do(ctx, http.MethodGet, path, nil, "", &resp); err != nil {
		return nil, err
	}
	if len(resp.Data) == 0 {
		return nil, raildomain.ErrPayoutNotFound
	}
	return decodePayout(resp.Data[0]), nil
}

func (a *Adapter) ListPayouts(ctx context.Context, since time.Time) ([]raildomain.Payout, error) {
	var resp struct {
		Data []payoutResponse `json:"data"`
	}
	path := "/v1/payouts?created_after=" + strconv.FormatInt(since.Unix(), 10)
	if err := a.do(ctx, http.MethodGet, path, nil, "", &resp); err != nil {
		return nil, err
	}
	payouts := make([]raildomain.Payout, 0, len(resp.Data))
	for _, item := range resp.Data {
		payouts = append(payouts, *decodePayout(item))
	}
	return payouts, nil
}

func (a *Adapter) do(ctx context.Context, method, path string, body any, idempotencyKey string, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+a.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", raildomain.ErrRailUnavailable, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: %v", raildomain.ErrRailUnavailable, err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if out == nil {
			return nil
		}
		return json.Unmarshal(payload, out)
	case resp.StatusCode == http.StatusNotFound:
		return raildomain.ErrPayoutNotFound
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: status %d", raildomain.ErrRailUnavailable, resp.StatusCode)
	default:
		var decoded errorResponse
		if err := json.Unmarshal(payload, &decoded); err != nil || decoded.Error.Code == "" {
			return &raildomain.RejectedError{Code: "unknown", Message: strings.TrimSpace(string(payload))}
		}
		return &raildomain.RejectedError{
			Code:      decoded.Error.Code,
			Message:   decoded.Error.Message,
			Permanent: decoded.Error.Permanent,
		}
	}
}

func decodePayout(resp payoutResponse) *raildomain.Payout {
	return &raildomain.Payout{
		ID:               resp.ID,
		PayeeAccountID:   resp.AccountID,
		Amount:           resp.Amount,
		Currency:         strings.ToUpper(resp.Currency),
		Status:           raildomain.PayoutStatus(resp.Status),
		IdempotencyKey:   resp.IdempotencyKey,
		FailureCode:      resp.FailureCode,
		FailureMessage:   resp.FailureMessage,
		FailurePermanent: resp.FailurePermanent,
		CreatedAt:        time.Unix(resp.Created, 0).UTC(),
	}
}

// Verify checks the Meridian-Signature header: "t=<unix>,v1=<hmac-sha256>"
// over "<t>.<payload>" with the webhook secret.
func (a *Adapter) Verify(ctx context.Context, payload []byte, headers http.Header) error {
	if a.webhookSecret == "" {
		return raildomain.ErrInvalidConfig
	}
	sigHeader := strings.TrimSpace(headers.Get("Meridian-Signature"))
	if sigHeader == "" {
		return raildomain.ErrInvalidSignature
	}

	timestamp, signatures, err := parseSignature(sigHeader)
	if err != nil {
		return raildomain.ErrInvalidSignature
	}

	signedPayload := fmt.Sprintf("%s.%s", timestamp, string(payload))
	mac := hmac.New(sha256.New, []byte(a.webhookSecret))
	_, _ = mac.Write([]byte(signedPayload))
	expected := hex.EncodeToString(mac.Sum(nil))

	for _, signature := range signatures {
		if hmac.Equal([]byte(signature), []byte(expected)) {
			return nil
		}
	}
	return raildomain.ErrInvalidSignature
}

type webhookEvent struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Created int64           `json:"created"`
	Data    json.RawMessage `json:"data"`
}

type webhookPayout struct {
	ID               string `json:"id"`
	AccountID        string `json:"account_id"`
	IdempotencyKey   string `json:"idempotency_key"`
	FailureCode      string `json:"failure_code"`
	FailureMessage   string `json:"failure_message"`
	FailurePermanent bool   `json:"failure_permanent"`
}

type webhookAccount struct {
	ID             string `json:"id"`
	PayoutsEnabled bool   `json:"payouts_enabled"`
}

func (a *Adapter) Parse(ctx context.Context, payload []byte) (*raildomain.Event, error) {
	var event webhookEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, raildomain.ErrInvalidPayload
	}
	if strings.TrimSpace(event.ID) == "" {
		return nil, raildomain.ErrInvalidEvent
	}

	occurredAt := time.Unix(event.Created, 0).UTC()
	if event.Created == 0 {
		occurredAt = time.Now().UTC()
	}

	switch strings.TrimSpace(event.Type) {
	case "payout.paid", "payout.failed":
		var payout webhookPayout
		if err := json.Unmarshal(event.Data, &payout); err != nil {
			return nil, raildomain.ErrInvalidPayload
		}
		if strings.TrimSpace(payout.ID) == "" {
			return nil, raildomain.ErrInvalidEvent
		}
		eventType := raildomain.EventTypePayoutPaid
		if event.Type == "payout.failed" {
			eventType = raildomain.EventTypePayoutFailed
		}
		return &raildomain.Event{
			Provider:         "meridian",
			EventID:          event.ID,
			Type:             eventType,
			PayoutID:         payout.ID,
			IdempotencyKey:   payout.IdempotencyKey,
			PayeeAccountID:   payout.AccountID,
			FailureCode:      payout.FailureCode,
			FailureMessage:   payout.FailureMessage,
			FailurePermanent: payout.FailurePermanent,
			OccurredAt:       occurredAt,
			RawPayload:       payload,
		}, nil
	case "account.updated":
		var account webhookAccount
		if err := json.Unmarshal(event.Data, &account); err != nil {
			return nil, raildomain.ErrInvalidPayload
		}
		if strings.TrimSpace(account.ID) == "" {
			return nil, raildomain.ErrInvalidEvent
		}
		return &raildomain.Event{
			Provider:       "meridian",
			EventID:        event.ID,
			Type:           raildomain.EventTypePayeeUpdated,
			PayeeAccountID: account.ID,
			PayoutsEnabled: account.PayoutsEnabled,
			OccurredAt:     occurredAt,
			RawPayload:     payload,
		}, nil
	default:
		return nil, raildomain.ErrEventIgnored
	}
}

func parseSignature(header string) (string, []string, error) {
	var timestamp string
	var signatures []string
	for _, part := range strings.Split(header, ",") {
		pair := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(pair) != 2 {
			continue
		}
		switch pair[0] {
		case "t":
			timestamp = pair[1]
		case "v1":
			signatures = append(signatures, pair[1])
		}
	}
	if timestamp == "" || len(signatures) == 0 {
		return "", nil, raildomain.ErrInvalidSignature
	}
	if _, err := strconv.ParseInt(timestamp, 10, 64); err != nil {
		return "", nil, raildomain.ErrInvalidSignature
	}
	return timestamp, signatures, nil
}
