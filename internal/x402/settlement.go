package x402

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/terminal-bench/payrollengine/internal/meter"
	"github.com/terminal-bench/payrollengine/pkg/messaging"
)

// Settler is the facilitator settle surface the executor depends on.
type Settler interface {
	Settle(ctx context.Context, proof *PaymentProof, reqs PaymentRequirements) (SettleResult, error)
}

// SettlementExecutor converts an already-verified access payment into
// an on-chain transfer. It does not re-verify signatures; callers must
// only hand it proofs that passed the validator.
type SettlementExecutor struct {
	meters  *meter.Registry
	settler Settler
	demo    bool
	events  messaging.Publisher
	logger  *zap.Logger

	// Nonces settled by this process. The chain's own nonce handling
	// is the real double-spend guard; this map only stops one logical
	// request from settling the same authorization twice.
	mu      sync.Mutex
	settled map[string]SettleResult
}

// NewSettlementExecutor creates a settlement executor. With demo=true
// it fabricates transaction hashes instead of calling the facilitator.
func NewSettlementExecutor(meters *meter.Registry, settler Settler, demo bool, events messaging.Publisher, logger *zap.Logger) *SettlementExecutor {
	return &SettlementExecutor{
		meters:  meters,
		settler: settler,
		demo:    demo,
		events:  events,
		logger:  logger.Named("settlement"),
		settled: make(map[string]SettleResult),
	}
}

// Settle settles the verified access payment identified by its raw
// proof against the given meter. Settling the same authorization again
// returns the recorded first result instead of a second transfer.
func (e *SettlementExecutor) Settle(ctx context.Context, rawProof, meterID string) SettleResult {
	// Only the demo executor honors sentinel tokens; in production the
	// sentinel is an ordinary malformed proof.
	if e.demo {
		result := SettleResult{Success: true, TxHash: syntheticTxHash()}
		e.announce(ctx, demoPayerOf(rawProof), meterID, result.TxHash)
		return result
	}

	proof, err := DecodeProof(rawProof)
	if err != nil {
		return SettleResult{Success: false, ErrorReason: err.Error()}
	}

	key := proof.Payload.Authorization.Nonce
	if key != "" {
		e.mu.Lock()
		if prior, ok := e.settled[key]; ok {
			e.mu.Unlock()
			e.logger.Info("authorization already settled in this process",
				zap.String("nonce", key))
			return prior
		}
		e.mu.Unlock()
	}

	m, ok := e.meters.Get(meterID)
	if !ok {
		return SettleResult{Success: false, ErrorReason: "unknown meter: " + meterID}
	}

	result, err := e.settler.Settle(ctx, proof, RequirementsFor(m))
	if err != nil {
		e.logger.Warn("settlement failed",
			zap.String("meter", meterID),
			zap.Error(err))
		return SettleResult{Success: false, ErrorReason: err.Error()}
	}

	if key != "" && result.Success {
		e.mu.Lock()
		e.settled[key] = result
		e.mu.Unlock()
	}
	if result.Success {
		e.announce(ctx, proof.Payload.Authorization.From, meterID, result.TxHash)
	}
	return result
}

func (e *SettlementExecutor) announce(ctx context.Context, payer, meterID, txHash string) {
	if e.events == nil {
		return
	}
	err := e.events.Publish(ctx, messaging.SubjectAccessSettled, messaging.AccessSettledEvent{
		Payer:     payer,
		Meter:     meterID,
		TxHash:    txHash,
		SettledAt: time.Now(),
	})
	if err != nil {
		e.logger.Warn("failed to publish settlement event", zap.Error(err))
	}
}

func demoPayerOf(rawProof string) string {
	if proof, err := DecodeProof(rawProof); err == nil && proof.Payload.Authorization.From != "" {
		return proof.Payload.Authorization.From
	}
	return DemoPayer
}

func syntheticTxHash() string {
	return fmt.Sprintf("0xdemo%s", uuid.New().String()[:8])
}
