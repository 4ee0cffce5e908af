package payroll

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/terminal-bench/payrollengine/internal/rail"
	"github.com/terminal-bench/payrollengine/internal/treasury"
	"github.com/terminal-bench/payrollengine/pkg/messaging"
	"github.com/terminal-bench/payrollengine/pkg/money"
)

// ErrInvalidRequest rejects a malformed run before any external call.
var ErrInvalidRequest = errors.New("invalid payroll request")

// Step names as they appear in responses.
const (
	StepPayrollCreated   = "payroll_created"
	StepPaymentsCreated  = "payments_created"
	StepTreasuryChecked  = "treasury_checked"
	StepOnchainRequested = "onchain_requested"
	StepOnchainExecuted  = "onchain_executed"
	StepRailProcessed    = "rail_processed"
)

// RailOptions carries per-request rail account overrides.
type RailOptions struct {
	SourceAccountID string
	CounterpartyID  string
	WithdrawalRail  string
}

// Request describes one payroll run.
type Request struct {
	IdempotencyKey string
	Currency       string
	Payments       []PaymentSpec
	Rail           RailOptions
}

// Steps is the per-step completion map returned to clients.
type Steps struct {
	PayrollCreated   bool `json:"payroll_created"`
	PaymentsCreated  bool `json:"payments_created"`
	TreasuryChecked  bool `json:"treasury_checked"`
	OnchainRequested bool `json:"onchain_requested"`
	OnchainExecuted  bool `json:"onchain_executed"`
	RailProcessed    bool `json:"rail_processed"`
}

// Transactions collects the chain transaction hashes of a run.
type Transactions struct {
	RequestTxHashes []string `json:"request_tx_hashes,omitempty"`
	ExecuteTxHashes []string `json:"execute_tx_hashes,omitempty"`
}

// RailResult is the fiat leg's handle, when one was created.
type RailResult struct {
	WithdrawalID string `json:"withdrawal_id"`
	Status       string `json:"status"`
}

// StepError records a non-fatal or fatal error attributed to a step.
type StepError struct {
	Step  string `json:"step"`
	Error string `json:"error"`
}

// Result is the structured outcome of a payroll run. Clients can
// distinguish "nothing happened" from "partially succeeded" by the
// step map and errors list.
type Result struct {
	Success      bool         `json:"success"`
	PayrollID    string       `json:"payrollId,omitempty"`
	Status       Status       `json:"status,omitempty"`
	Steps        Steps        `json:"steps"`
	Transactions Transactions `json:"transactions"`
	Rail         *RailResult  `json:"rail,omitempty"`
	Errors       []StepError  `json:"errors,omitempty"`
	Replayed     bool         `json:"replayed,omitempty"`
}

func (r *Result) recordError(step string, err error) {
	r.Errors = append(r.Errors, StepError{Step: step, Error: err.Error()})
}

// Pipeline drives a payroll through on-chain request → on-chain
// execution → fiat settlement. Steps run strictly sequentially; each
// outcome gates the next.
type Pipeline struct {
	store  Store
	chain  treasury.Gateway
	rail   rail.Payer
	events messaging.Publisher
	guard  *Guard
	logger *zap.Logger
}

// NewPipeline constructs a pipeline with explicit dependencies; there
// is no ambient client state.
func NewPipeline(store Store, chain treasury.Gateway, railPayer rail.Payer, events messaging.Publisher, guard *Guard, logger *zap.Logger) *Pipeline {
	return &Pipeline{
		store:  store,
		chain:  chain,
		rail:   railPayer,
		events: events,
		guard:  guard,
		logger: logger.Named("pipeline"),
	}
}

// Process runs one payroll. Validation errors and duplicate runs come
// back as errors before any state exists; everything after record
// creation is reported inside the Result.
func (p *Pipeline) Process(ctx context.Context, req Request) (*Result, error) {
	if err := validate(req); err != nil {
		return nil, err
	}

	if req.IdempotencyKey != "" && p.guard != nil {
		replay, err := p.guard.Begin(ctx, req.IdempotencyKey)
		if err != nil {
			return nil, err
		}
		if replay != nil {
			p.logger.Info("replaying stored result",
				zap.String("idempotency_key", req.IdempotencyKey),
				zap.String("payroll_id", replay.PayrollID))
			return replay, nil
		}
	}

	result := p.run(ctx, req)

	if req.IdempotencyKey != "" && p.guard != nil {
		if result.PayrollID == "" {
			// Nothing was created; let the client retry with the
			// same key.
			if err := p.guard.Abandon(ctx, req.IdempotencyKey); err != nil {
				p.logger.Warn("failed to release idempotency lease", zap.Error(err))
			}
		} else if err := p.guard.Finish(ctx, req.IdempotencyKey, result); err != nil {
			p.logger.Warn("failed to store result for replay", zap.Error(err))
		}
	}

	return result, nil
}

func validate(req Request) error {
	if len(req.Payments) == 0 {
		return fmt.Errorf("%w: no payments", ErrInvalidRequest)
	}
	if req.Currency == "" {
		return fmt.Errorf("%w: missing currency", ErrInvalidRequest)
	}
	for i, spec := range req.Payments {
		if spec.Amount <= 0 {
			return fmt.Errorf("%w: payment %d has non-positive amount", ErrInvalidRequest, i)
		}
		if spec.Currency != "" && spec.Currency != req.Currency {
			return fmt.Errorf("%w: payment %d currency %s does not match payroll currency %s",
				ErrInvalidRequest, i, spec.Currency, req.Currency)
		}
	}
	return nil
}

func (p *Pipeline) run(ctx context.Context, req Request) (result *Result) {
	result = &Result{}

	// Outer recovery: after records exist, nothing may escape
	// unstructured. The payroll is marked FAILED best-effort and the
	// step map reports how far the run got.
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("pipeline panic", zap.Any("panic", r))
			result.recordError("pipeline", fmt.Errorf("internal error: %v", r))
			if result.PayrollID != "" {
				p.setStatus(ctx, result, result.PayrollID, StatusFailed)
			}
			result.Status = StatusFailed
			result.Success = false
		}
	}()

	total := int64(0)
	for _, spec := range req.Payments {
		total += spec.Amount
	}
	token := tokenForCurrency(req.Currency)

	// Step 1: create records. Failure aborts before any external call.
	payroll, payments, err := p.store.CreatePayrollWithPayments(ctx, total, req.Currency, req.Payments)
	if err != nil {
		result.recordError(StepPayrollCreated, err)
		return result
	}
	result.PayrollID = payroll.ID
	result.Status = payroll.Status
	result.Steps.PayrollCreated = true
	result.Steps.PaymentsCreated = true

	p.publish(ctx, messaging.SubjectPayrollCreated, messaging.PayrollCreatedEvent{
		PayrollID:    payroll.ID,
		TotalAmount:  payroll.TotalAmount,
		Currency:     payroll.Currency,
		PaymentCount: len(payments),
		CreatedAt:    payroll.CreatedAt,
	})

	// Step 2: treasury liquidity check. Non-critical; the execute call
	// is the authoritative signal, so failures are recorded and the
	// run proceeds.
	if bal, err := p.chain.Balance(ctx, token); err != nil {
		p.logger.Warn("treasury balance check failed",
			zap.String("payroll_id", payroll.ID),
			zap.Error(err))
		result.recordError(StepTreasuryChecked, err)
	} else {
		result.Steps.TreasuryChecked = true
		if insufficient(bal, total, req.Currency) {
			p.logger.Warn("treasury balance below payroll total",
				zap.String("payroll_id", payroll.ID),
				zap.String("balance", bal.Amount),
				zap.Int64("total", total))
		}
	}

	// Step 3: request on-chain. Critical; a failure marks the payroll
	// FAILED and aborts the run. Amounts computed here are reused for
	// execution so both legs move the exact same values.
	amounts := make([]money.Money, len(payments))
	for i, payment := range payments {
		amount, err := money.FromMinorUnits(payment.Amount, payment.Currency)
		if err != nil {
			result.recordError(StepOnchainRequested, err)
			p.setStatus(ctx, result, payroll.ID, StatusFailed)
			return result
		}
		amounts[i] = amount
		txHash, err := p.chain.RequestPayment(ctx, payment.Recipient, amount, token)
		if err != nil {
			result.recordError(StepOnchainRequested, err)
			p.setStatus(ctx, result, payroll.ID, StatusFailed)
			return result
		}
		result.Transactions.RequestTxHashes = append(result.Transactions.RequestTxHashes, txHash)
	}
	result.Steps.OnchainRequested = true
	p.setStatus(ctx, result, payroll.ID, StatusOnchainRequested)

	// Step 4: execute on-chain. Soft-critical; a failure is recorded
	// and the run continues so the final status can reflect the rail
	// outcome.
	onchainExecuted := true
	for i, payment := range payments {
		txHash, err := p.chain.ExecutePayment(ctx, payment.Recipient, amounts[i], token)
		if err != nil {
			p.logger.Warn("on-chain execution failed",
				zap.String("payroll_id", payroll.ID),
				zap.String("recipient", payment.Recipient),
				zap.Error(err))
			result.recordError(StepOnchainExecuted, err)
			onchainExecuted = false
			break
		}
		result.Transactions.ExecuteTxHashes = append(result.Transactions.ExecuteTxHashes, txHash)
	}
	result.Steps.OnchainExecuted = onchainExecuted
	if onchainExecuted {
		p.setStatus(ctx, result, payroll.ID, StatusOnchainPaid)
	}

	// Step 5: fiat settlement, best-effort.
	railOutcome := p.processRail(ctx, result, payroll, onchainExecuted, req)

	// Step 6: final status from the precedence merge; payments follow
	// their parent inside SetStatus.
	final := mergeFinal(railOutcome, onchainExecuted, result.Status)
	if final != result.Status {
		p.setStatus(ctx, result, payroll.ID, final)
	}
	result.Success = final != StatusFailed

	p.publish(ctx, messaging.SubjectPayrollCompleted, messaging.PayrollCompletedEvent{
		PayrollID:       payroll.ID,
		Status:          string(final),
		OnchainExecuted: onchainExecuted,
		RequestTxHashes: result.Transactions.RequestTxHashes,
		ExecuteTxHashes: result.Transactions.ExecuteTxHashes,
		RailStatus:      railStatusOf(result.Rail),
		Errors:          errorStrings(result.Errors),
	})

	return result
}

func (p *Pipeline) processRail(ctx context.Context, result *Result, payroll *Payroll, onchainExecuted bool, req Request) RailOutcome {
	if onchainExecuted {
		p.setStatus(ctx, result, payroll.ID, StatusRailProcessing)
	}

	recipient := ""
	if len(req.Payments) == 1 {
		recipient = req.Payments[0].Recipient
	}

	withdrawal, err := p.rail.CreatePayment(ctx, rail.CreatePaymentRequest{
		PayrollID:       payroll.ID,
		Amount:          payroll.TotalAmount,
		Currency:        payroll.Currency,
		Recipient:       recipient,
		SourceAccountID: req.Rail.SourceAccountID,
		CounterpartyID:  req.Rail.CounterpartyID,
		WithdrawalRail:  req.Rail.WithdrawalRail,
	})
	if err != nil {
		if errors.Is(err, rail.ErrNotConfigured) {
			// Skipped, not failed.
			p.logger.Info("rail step skipped", zap.String("payroll_id", payroll.ID))
			result.recordError(StepRailProcessed, err)
			return RailSkipped
		}
		p.logger.Warn("rail payment failed",
			zap.String("payroll_id", payroll.ID),
			zap.Error(err))
		result.recordError(StepRailProcessed, err)
		return RailFailed
	}

	result.Steps.RailProcessed = true
	result.Rail = &RailResult{WithdrawalID: withdrawal.ID, Status: withdrawal.Status}

	outcome := railOutcomeFromStatus(withdrawal.Status)
	if outcome == RailFailed {
		result.recordError(StepRailProcessed, fmt.Errorf("rail reported status %s", withdrawal.Status))
	}
	return outcome
}

// setStatus persists a transition and publishes it. A persistence
// failure here is recorded, never fatal: the on-chain facts already
// happened and must not be masked by a bookkeeping error.
func (p *Pipeline) setStatus(ctx context.Context, result *Result, payrollID string, status Status) {
	from := result.Status
	if err := p.store.SetStatus(ctx, payrollID, status); err != nil {
		p.logger.Warn("failed to persist status",
			zap.String("payroll_id", payrollID),
			zap.String("status", string(status)),
			zap.Error(err))
		result.recordError("status_update", err)
		return
	}
	result.Status = status

	p.publish(ctx, messaging.SubjectPayrollStatusChanged, messaging.PayrollStatusChangedEvent{
		PayrollID: payrollID,
		From:      string(from),
		To:        string(status),
		ChangedAt: time.Now(),
	})
}

func (p *Pipeline) publish(ctx context.Context, subject string, event interface{}) {
	if p.events == nil {
		return
	}
	if err := p.events.Publish(ctx, subject, event); err != nil {
		p.logger.Warn("failed to publish event",
			zap.String("subject", subject),
			zap.Error(err))
	}
}

// tokenForCurrency picks the settlement token for a fiat currency. The
// treasury escrows stablecoins; USD payrolls settle in USDC.
func tokenForCurrency(currency string) string {
	switch currency {
	case "USD":
		return "USDC"
	case "EUR":
		return "EURC"
	default:
		return currency
	}
}

// insufficient compares the treasury's token balance against the
// payroll total, both in major units; the balance amount is reported in
// the token's own minor units and scaled by its decimals.
func insufficient(bal treasury.Balance, totalMinorUnits int64, currency string) bool {
	onchain, err := decimal.NewFromString(bal.Amount)
	if err != nil {
		return false
	}
	total, err := money.FromMinorUnits(totalMinorUnits, currency)
	if err != nil {
		return false
	}
	return onchain.Shift(-bal.Decimals).LessThan(total.Decimal())
}

func railStatusOf(r *RailResult) string {
	if r == nil {
		return ""
	}
	return r.Status
}

func errorStrings(errs []StepError) []string {
	if len(errs) == 0 {
		return nil
	}
	out := make([]string, len(errs))
	for i, e := range errs {
		out[i] = e.Step + ": " + e.Error
	}
	return out
}
