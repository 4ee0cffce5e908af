package x402

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/terminal-bench/payrollengine/pkg/circuit"
)

// MockFacilitatorURL is the designated mock endpoint; pointing the
// settlement client at it enables the demo bypass policy.
const MockFacilitatorURL = "http://localhost:4021"

// FacilitatorClient talks to the external settlement service that
// verifies payment signatures and settles authorizations on-chain.
type FacilitatorClient struct {
	baseURL string
	http    *http.Client
	breaker *circuit.Breaker
	logger  *zap.Logger
}

type verifyRequest struct {
	X402Version         int                 `json:"x402Version"`
	PaymentPayload      *PaymentProof       `json:"paymentPayload"`
	PaymentRequirements PaymentRequirements `json:"paymentRequirements"`
}

type VerifyVerdict struct {
	Valid  bool   `json:"valid"`
	Payer  string `json:"payer,omitempty"`
	Amount string `json:"amount,omitempty"`
	Reason string `json:"reason,omitempty"`
}

type settleRequest struct {
	X402Version         int                 `json:"x402Version"`
	PaymentPayload      *PaymentProof       `json:"paymentPayload"`
	PaymentRequirements PaymentRequirements `json:"paymentRequirements"`
}

type settleResponse struct {
	Success     bool   `json:"success"`
	Transaction string `json:"transaction,omitempty"`
	ErrorReason string `json:"errorReason,omitempty"`
}

// NewFacilitatorClient creates a facilitator client. Every call is
// bounded by timeout and guarded by its own circuit breaker.
func NewFacilitatorClient(baseURL string, timeout time.Duration, breakers *circuit.Group, logger *zap.Logger) *FacilitatorClient {
	return &FacilitatorClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
		breaker: breakers.Get("facilitator"),
		logger:  logger.Named("facilitator"),
	}
}

// BaseURL returns the configured facilitator endpoint.
func (c *FacilitatorClient) BaseURL() string {
	return c.baseURL
}

// Verify asks the facilitator whether the proof satisfies the
// requirements. A transport failure is returned as an error; a
// facilitator rejection comes back as verdict.Valid=false.
func (c *FacilitatorClient) Verify(ctx context.Context, proof *PaymentProof, reqs PaymentRequirements) (*VerifyVerdict, error) {
	var verdict VerifyVerdict
	err := c.breaker.Execute(ctx, func() error {
		return c.post(ctx, "/verify", verifyRequest{
			X402Version:         1,
			PaymentPayload:      proof,
			PaymentRequirements: reqs,
		}, &verdict)
	})
	if err != nil {
		return nil, err
	}
	return &verdict, nil
}

// Settle converts an already-verified authorization into an on-chain
// transfer and returns its transaction hash.
func (c *FacilitatorClient) Settle(ctx context.Context, proof *PaymentProof, reqs PaymentRequirements) (SettleResult, error) {
	var out settleResponse
	err := c.breaker.Execute(ctx, func() error {
		return c.post(ctx, "/settle", settleRequest{
			X402Version:         1,
			PaymentPayload:      proof,
			PaymentRequirements: reqs,
		}, &out)
	})
	if err != nil {
		return SettleResult{}, err
	}
	if !out.Success {
		return SettleResult{Success: false, ErrorReason: out.ErrorReason}, nil
	}
	return SettleResult{Success: true, TxHash: out.Transaction}, nil
}

func (c *FacilitatorClient) post(ctx context.Context, path string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", path, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build %s request: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("facilitator %s: %w", path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read %s response: %w", path, err)
	}
	if resp.StatusCode >= 500 {
		c.logger.Warn("facilitator error response",
			zap.String("path", path),
			zap.Int("status", resp.StatusCode))
		return fmt.Errorf("facilitator %s returned %d", path, resp.StatusCode)
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}
