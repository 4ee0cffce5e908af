package messaging

import "time"

// Subjects for payroll lifecycle events.
const (
	SubjectPayrollCreated       = "payroll.created"
	SubjectPayrollStatusChanged = "payroll.status_changed"
	SubjectPayrollCompleted     = "payroll.completed"
	SubjectAccessSettled        = "x402.settled"
)

// PayrollCreatedEvent is published after payroll and payment rows exist.
type PayrollCreatedEvent struct {
	PayrollID    string    `json:"payroll_id"`
	TotalAmount  int64     `json:"total_amount"`
	Currency     string    `json:"currency"`
	PaymentCount int       `json:"payment_count"`
	CreatedAt    time.Time `json:"created_at"`
}

// PayrollStatusChangedEvent is published on every status transition.
type PayrollStatusChangedEvent struct {
	PayrollID string    `json:"payroll_id"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	ChangedAt time.Time `json:"changed_at"`
}

// PayrollCompletedEvent is published once a run reaches its final status.
type PayrollCompletedEvent struct {
	PayrollID       string   `json:"payroll_id"`
	Status          string   `json:"status"`
	OnchainExecuted bool     `json:"onchain_executed"`
	RequestTxHashes []string `json:"request_tx_hashes,omitempty"`
	ExecuteTxHashes []string `json:"execute_tx_hashes,omitempty"`
	RailStatus      string   `json:"rail_status,omitempty"`
	Errors          []string `json:"errors,omitempty"`
}

// AccessSettledEvent is published when an access payment settles on-chain.
type AccessSettledEvent struct {
	Payer     string    `json:"payer"`
	Meter     string    `json:"meter"`
	TxHash    string    `json:"tx_hash"`
	SettledAt time.Time `json:"settled_at"`
}
