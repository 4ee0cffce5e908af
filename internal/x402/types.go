package x402

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/terminal-bench/payrollengine/internal/meter"
)

// PaymentHeader is the request header carrying the payment proof.
const PaymentHeader = "X-Payment"

// DemoToken is the sentinel proof accepted when the demo bypass policy
// is enabled. It must never validate in production configuration.
const DemoToken = "x402-demo-payment"

// Authorization contains the EIP-3009 transferWithAuthorization
// parameters of a signed payment.
type Authorization struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	ValidAfter  int64  `json:"validAfter"`
	ValidBefore int64  `json:"validBefore"`
	Nonce       string `json:"nonce"`
}

// PaymentProof is the decoded X-Payment header payload.
type PaymentProof struct {
	X402Version int    `json:"x402Version"`
	Scheme      string `json:"scheme"`
	Network     string `json:"network"`
	Payload     struct {
		Signature     string        `json:"signature"`
		Authorization Authorization `json:"authorization"`
	} `json:"payload"`
}

// DecodeProof parses a base64-encoded JSON payment proof. Raw JSON is
// accepted too, for clients that skip the base64 wrapping.
func DecodeProof(raw string) (*PaymentProof, error) {
	data := []byte(raw)
	if decoded, err := base64.StdEncoding.DecodeString(raw); err == nil {
		data = decoded
	}

	var proof PaymentProof
	if err := json.Unmarshal(data, &proof); err != nil {
		return nil, fmt.Errorf("malformed payment proof: %w", err)
	}
	if proof.Payload.Signature == "" || proof.Payload.Authorization.From == "" {
		return nil, fmt.Errorf("payment proof missing signature or payer")
	}
	return &proof, nil
}

// ErrorKind classifies a validation rejection.
type ErrorKind string

const (
	ErrMeterNotFound          ErrorKind = "METER_NOT_FOUND"
	ErrMalformedProof         ErrorKind = "MALFORMED_PROOF"
	ErrVerificationFailed     ErrorKind = "VERIFICATION_FAILED"
	ErrFacilitatorUnreachable ErrorKind = "FACILITATOR_UNREACHABLE"
	ErrNonceReused            ErrorKind = "NONCE_REUSED"
)

// ValidationResult is the verdict for one validation attempt.
type ValidationResult struct {
	Valid     bool      `json:"valid"`
	Payer     string    `json:"payer,omitempty"`
	Amount    string    `json:"amount,omitempty"`
	ErrorKind ErrorKind `json:"error_kind,omitempty"`
	Reason    string    `json:"reason,omitempty"`
}

func invalid(kind ErrorKind, reason string) ValidationResult {
	return ValidationResult{Valid: false, ErrorKind: kind, Reason: reason}
}

// PaymentRequirements describes what the facilitator should verify a
// proof against, derived from the meter.
type PaymentRequirements struct {
	Scheme            string `json:"scheme"`
	Network           string `json:"network"`
	Asset             string `json:"asset"`
	PayTo             string `json:"payTo"`
	MaxAmountRequired string `json:"maxAmountRequired"`
	Resource          string `json:"resource"`
	Description       string `json:"description"`
	MaxTimeoutSeconds int64  `json:"maxTimeoutSeconds"`
}

// RequirementsFor maps a meter to the requirements quoted to clients
// and sent to the facilitator.
func RequirementsFor(m meter.Meter) PaymentRequirements {
	return PaymentRequirements{
		Scheme:            "exact",
		Network:           m.Network,
		Asset:             m.Asset,
		PayTo:             m.PayTo,
		MaxAmountRequired: m.Price,
		Resource:          m.ID,
		Description:       m.Description,
		MaxTimeoutSeconds: m.MaxTimeoutSeconds,
	}
}

// Challenge is the 402 response body.
type Challenge struct {
	Error   string                `json:"error"`
	Accepts []PaymentRequirements `json:"accepts"`
}

// NewChallenge builds the payment-required challenge for a meter.
func NewChallenge(m meter.Meter) Challenge {
	return Challenge{
		Error:   "payment required",
		Accepts: []PaymentRequirements{RequirementsFor(m)},
	}
}

// SettleResult is the outcome of settling a verified access payment.
type SettleResult struct {
	Success     bool   `json:"success"`
	TxHash      string `json:"transaction_hash,omitempty"`
	ErrorReason string `json:"error_reason,omitempty"`
}
