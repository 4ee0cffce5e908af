package treasury

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/terminal-bench/payrollengine/pkg/circuit"
	"github.com/terminal-bench/payrollengine/pkg/money"
)

// RPCGateway drives the treasury contract through a JSON-RPC chain
// endpoint. Every call is timeout-bounded and breaker-guarded.
type RPCGateway struct {
	endpoint string
	contract string
	http     *http.Client
	breaker  *circuit.Breaker
	logger   *zap.Logger
	reqID    atomic.Int64
}

// NewRPCGateway creates a gateway for the treasury contract at the
// given address.
func NewRPCGateway(endpoint, contract string, timeout time.Duration, breakers *circuit.Group, logger *zap.Logger) *RPCGateway {
	return &RPCGateway{
		endpoint: endpoint,
		contract: contract,
		http:     &http.Client{Timeout: timeout},
		breaker:  breakers.Get("treasury"),
		logger:   logger.Named("treasury"),
	}
}

type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
	ID      int64       `json:"id"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// codeInsufficientFunds is the contract's revert code for an escrow
// request exceeding the treasury balance.
const codeInsufficientFunds = -32010

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type balanceParams struct {
	Contract string `json:"contract"`
	Token    string `json:"token"`
}

type paymentParams struct {
	Contract string `json:"contract"`
	Payee    string `json:"payee"`
	Amount   string `json:"amount"`
	Token    string `json:"token"`
}

type txResult struct {
	TxHash string `json:"txHash"`
}

// Balance implements Gateway.
func (g *RPCGateway) Balance(ctx context.Context, token string) (Balance, error) {
	var bal Balance
	err := g.call(ctx, "treasury_getBalance", balanceParams{
		Contract: g.contract,
		Token:    token,
	}, &bal)
	if err != nil {
		return Balance{}, fmt.Errorf("balance check: %w", err)
	}
	return bal, nil
}

// RequestPayment implements Gateway.
func (g *RPCGateway) RequestPayment(ctx context.Context, payee string, amount money.Money, token string) (string, error) {
	var out txResult
	err := g.call(ctx, "treasury_requestPayment", paymentParams{
		Contract: g.contract,
		Payee:    payee,
		Amount:   amount.Decimal().String(),
		Token:    token,
	}, &out)
	if err != nil {
		return "", fmt.Errorf("request payment: %w", err)
	}
	g.logger.Info("payment requested",
		zap.String("payee", payee),
		zap.String("amount", amount.String()),
		zap.String("tx_hash", out.TxHash))
	return out.TxHash, nil
}

// ExecutePayment implements Gateway.
func (g *RPCGateway) ExecutePayment(ctx context.Context, payee string, amount money.Money, token string) (string, error) {
	var out txResult
	err := g.call(ctx, "treasury_executePayment", paymentParams{
		Contract: g.contract,
		Payee:    payee,
		Amount:   amount.Decimal().String(),
		Token:    token,
	}, &out)
	if err != nil {
		return "", fmt.Errorf("execute payment: %w", err)
	}
	g.logger.Info("payment executed",
		zap.String("payee", payee),
		zap.String("amount", amount.String()),
		zap.String("tx_hash", out.TxHash))
	return out.TxHash, nil
}

func (g *RPCGateway) call(ctx context.Context, method string, params, out interface{}) error {
	return g.breaker.Execute(ctx, func() error {
		body, err := json.Marshal(rpcRequest{
			JSONRPC: "2.0",
			Method:  method,
			Params:  params,
			ID:      g.reqID.Add(1),
		})
		if err != nil {
			return fmt.Errorf("marshal %s: %w", method, err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("build %s request: %w", method, err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := g.http.Do(req)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrChainUnavailable, err)
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read %s response: %w", method, err)
		}

		var rpcResp rpcResponse
		if err := json.Unmarshal(data, &rpcResp); err != nil {
			return fmt.Errorf("decode %s response: %w", method, err)
		}
		if rpcResp.Error != nil {
			if rpcResp.Error.Code == codeInsufficientFunds {
				return fmt.Errorf("%w: %s", ErrInsufficientFunds, rpcResp.Error.Message)
			}
			return fmt.Errorf("%s failed: %s (code %d)", method, rpcResp.Error.Message, rpcResp.Error.Code)
		}

		if err := json.Unmarshal(rpcResp.Result, out); err != nil {
			return fmt.Errorf("decode %s result: %w", method, err)
		}
		return nil
	})
}
