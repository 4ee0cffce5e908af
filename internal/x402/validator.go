package x402

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/terminal-bench/payrollengine/internal/meter"
	"github.com/terminal-bench/payrollengine/internal/nonce"
)

// Validator produces a verdict for one claimed payment proof against a
// meter. Implementations must not mutate payroll state.
type Validator interface {
	Validate(ctx context.Context, rawProof, meterID string) ValidationResult
}

// Verifier is the facilitator surface the validator depends on.
type Verifier interface {
	Verify(ctx context.Context, proof *PaymentProof, reqs PaymentRequirements) (*VerifyVerdict, error)
}

// BypassPolicy decides, once at construction time, whether the demo
// bypass is in effect. It is never consulted per-request inside the
// production verification path.
type BypassPolicy struct {
	Environment    string
	FacilitatorURL string
	AllowDemo      bool
}

// Enabled reports whether demo proofs are acceptable: any of a
// non-production environment, the designated mock facilitator, or the
// explicit allow flag.
func (p BypassPolicy) Enabled() bool {
	if p.AllowDemo {
		return true
	}
	if !strings.EqualFold(p.Environment, "production") {
		return true
	}
	return strings.TrimRight(p.FacilitatorURL, "/") == MockFacilitatorURL
}

// NewValidator selects the validation strategy from the bypass policy.
// The choice happens exactly once; handlers never branch on demo mode.
func NewValidator(policy BypassPolicy, meters *meter.Registry, verifier Verifier, nonces *nonce.Ledger, logger *zap.Logger) Validator {
	real := &FacilitatorValidator{
		meters:   meters,
		verifier: verifier,
		nonces:   nonces,
		logger:   logger.Named("validator"),
	}
	if policy.Enabled() {
		return &DemoValidator{inner: real, logger: logger.Named("demo-validator")}
	}
	return real
}

// FacilitatorValidator is the production strategy: resolve the meter,
// decode the proof, check the local nonce ledger, then delegate
// signature verification to the facilitator.
type FacilitatorValidator struct {
	meters   *meter.Registry
	verifier Verifier
	nonces   *nonce.Ledger
	logger   *zap.Logger
}

// Validate implements Validator.
func (v *FacilitatorValidator) Validate(ctx context.Context, rawProof, meterID string) ValidationResult {
	m, ok := v.meters.Get(meterID)
	if !ok {
		return invalid(ErrMeterNotFound, "unknown meter: "+meterID)
	}

	proof, err := DecodeProof(rawProof)
	if err != nil {
		return invalid(ErrMalformedProof, err.Error())
	}

	auth := proof.Payload.Authorization
	if auth.Nonce != "" {
		seen, err := v.nonces.Seen(ctx, auth.Nonce)
		if err != nil {
			v.logger.Warn("nonce ledger unavailable", zap.Error(err))
		} else if seen {
			return invalid(ErrNonceReused, "authorization nonce already consumed")
		}
	}

	verdict, err := v.verifier.Verify(ctx, proof, RequirementsFor(m))
	if err != nil {
		v.logger.Warn("facilitator verify failed",
			zap.String("meter", meterID),
			zap.Error(err))
		return invalid(ErrFacilitatorUnreachable, err.Error())
	}
	if !verdict.Valid {
		return invalid(ErrVerificationFailed, verdict.Reason)
	}

	if auth.Nonce != "" {
		if err := v.nonces.Consume(ctx, auth.Nonce, time.Unix(auth.ValidBefore, 0)); err != nil {
			if err == nonce.ErrNonceUsed {
				return invalid(ErrNonceReused, "authorization nonce already consumed")
			}
			v.logger.Warn("failed to record nonce", zap.Error(err))
		}
	}

	payer := verdict.Payer
	if payer == "" {
		payer = auth.From
	}
	return ValidationResult{Valid: true, Payer: payer, Amount: verdict.Amount}
}

// DemoPayer is the synthetic payer attributed to sentinel proofs.
const DemoPayer = "0x0000000000000000000000000000000000000402"

// DemoValidator accepts the sentinel token outright and degrades
// facilitator-side failures to valid. Selected only when the bypass
// policy is enabled; the production build never constructs one.
type DemoValidator struct {
	inner  Validator
	logger *zap.Logger
}

// Validate implements Validator. Sentinel proofs short-circuit before
// any network call, regardless of meter existence. Non-sentinel proofs
// still go through the full production path: only a broken or rejecting
// facilitator is degraded to valid. Meter resolution, proof shape, and
// the nonce ledger keep their verdicts even under bypass.
func (v *DemoValidator) Validate(ctx context.Context, rawProof, meterID string) ValidationResult {
	if rawProof == DemoToken {
		return ValidationResult{Valid: true, Payer: DemoPayer}
	}

	result := v.inner.Validate(ctx, rawProof, meterID)
	if result.Valid {
		return result
	}
	switch result.ErrorKind {
	case ErrFacilitatorUnreachable, ErrVerificationFailed:
	default:
		return result
	}

	// Resiliency fallback for demos: a broken facilitator should not
	// block a walkthrough.
	v.logger.Info("degrading invalid proof to valid",
		zap.String("meter", meterID),
		zap.String("error_kind", string(result.ErrorKind)),
		zap.String("reason", result.Reason))

	payer := DemoPayer
	if proof, err := DecodeProof(rawProof); err == nil && proof.Payload.Authorization.From != "" {
		payer = proof.Payload.Authorization.From
	}
	return ValidationResult{Valid: true, Payer: payer}
}
