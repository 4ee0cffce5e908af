package rail

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/terminal-bench/payrollengine/pkg/circuit"
)

// ErrNotConfigured means the rail account identifiers are absent. The
// pipeline records the fiat leg as skipped, not failed, when it sees
// this.
var ErrNotConfigured = errors.New("rail accounts not configured")

// Withdrawal statuses reported by the rail partner.
const (
	StatusPaid    = "PAID"
	StatusFailed  = "FAILED"
	StatusPending = "PENDING"
)

// CreatePaymentRequest asks the rail partner to move a payroll's funds
// into fiat.
type CreatePaymentRequest struct {
	PayrollID       string `json:"payroll_id"`
	Amount          int64  `json:"amount"`
	Currency        string `json:"currency"`
	Recipient       string `json:"recipient,omitempty"`
	SourceAccountID string `json:"source_account_id"`
	CounterpartyID  string `json:"counterparty_id"`
	WithdrawalRail  string `json:"withdrawal_rail,omitempty"`
}

// Withdrawal is the rail partner's handle for a created payment.
type Withdrawal struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// Payer is the surface the pipeline depends on; Client implements it.
type Payer interface {
	CreatePayment(ctx context.Context, req CreatePaymentRequest) (Withdrawal, error)
}

// Client talks to the fiat banking-rail partner's HTTP API.
type Client struct {
	baseURL         string
	apiKey          string
	sourceAccountID string
	counterpartyID  string
	http            *http.Client
	breaker         *circuit.Breaker
	logger          *zap.Logger
}

// Config holds rail client configuration.
type Config struct {
	BaseURL         string
	APIKey          string
	SourceAccountID string
	CounterpartyID  string
	Timeout         time.Duration
}

// NewClient creates a rail client.
func NewClient(cfg Config, breakers *circuit.Group, logger *zap.Logger) *Client {
	return &Client{
		baseURL:         cfg.BaseURL,
		apiKey:          cfg.APIKey,
		sourceAccountID: cfg.SourceAccountID,
		counterpartyID:  cfg.CounterpartyID,
		http:            &http.Client{Timeout: cfg.Timeout},
		breaker:         breakers.Get("rail"),
		logger:          logger.Named("rail"),
	}
}

// CreatePayment creates a fiat withdrawal for a payroll. Account ids
// from the request win over the client's configured defaults.
func (c *Client) CreatePayment(ctx context.Context, req CreatePaymentRequest) (Withdrawal, error) {
	if req.SourceAccountID == "" {
		req.SourceAccountID = c.sourceAccountID
	}
	if req.CounterpartyID == "" {
		req.CounterpartyID = c.counterpartyID
	}
	if req.SourceAccountID == "" || req.CounterpartyID == "" {
		return Withdrawal{}, ErrNotConfigured
	}

	var withdrawal Withdrawal
	err := c.breaker.Execute(ctx, func() error {
		body, err := json.Marshal(req)
		if err != nil {
			return fmt.Errorf("marshal payment request: %w", err)
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/payments", bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("build payment request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

		resp, err := c.http.Do(httpReq)
		if err != nil {
			return fmt.Errorf("rail request: %w", err)
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read rail response: %w", err)
		}
		if resp.StatusCode >= 400 {
			return fmt.Errorf("rail returned %d: %s", resp.StatusCode, truncate(data, 256))
		}

		if err := json.Unmarshal(data, &withdrawal); err != nil {
			return fmt.Errorf("decode rail response: %w", err)
		}
		return nil
	})
	if err != nil {
		return Withdrawal{}, err
	}

	c.logger.Info("rail payment created",
		zap.String("payroll_id", req.PayrollID),
		zap.String("withdrawal_id", withdrawal.ID),
		zap.String("status", withdrawal.Status))
	return withdrawal, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
