package payroll

import "fmt"

// Status is the payroll state machine:
//
//	PENDING → ONCHAIN_REQUESTED → ONCHAIN_PAID → RAIL_PROCESSING → PAID
//
// FAILED is reachable from any non-terminal state. ONCHAIN_PAID is a
// stable near-terminal state: once on-chain execution succeeded, no
// fiat-leg outcome may downgrade the payroll below it.
type Status string

const (
	StatusPending          Status = "PENDING"
	StatusOnchainRequested Status = "ONCHAIN_REQUESTED"
	StatusOnchainPaid      Status = "ONCHAIN_PAID"
	StatusRailProcessing   Status = "RAIL_PROCESSING"
	StatusPaid             Status = "PAID"
	StatusFailed           Status = "FAILED"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusOnchainRequested, StatusOnchainPaid,
		StatusRailProcessing, StatusPaid, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether no further transition is expected.
func (s Status) Terminal() bool {
	return s == StatusPaid || s == StatusFailed
}

// RailOutcome classifies the fiat leg's result for final-status
// computation.
type RailOutcome int

const (
	// RailPaid: the rail partner confirmed the fiat payment.
	RailPaid RailOutcome = iota
	// RailFailed: the rail call failed or the partner reported failure.
	RailFailed
	// RailPending: the partner accepted the payment but has not
	// finished it.
	RailPending
	// RailSkipped: rail accounts are not configured; the leg did not
	// run and is not a failure.
	RailSkipped
)

func (o RailOutcome) String() string {
	switch o {
	case RailPaid:
		return "paid"
	case RailFailed:
		return "failed"
	case RailPending:
		return "pending"
	case RailSkipped:
		return "skipped"
	default:
		return fmt.Sprintf("RailOutcome(%d)", int(o))
	}
}

// railOutcomeFromStatus maps a rail withdrawal status onto an outcome.
// Unknown statuses count as pending: the partner accepted the payment
// and will resolve it out of band.
func railOutcomeFromStatus(status string) RailOutcome {
	switch status {
	case "PAID":
		return RailPaid
	case "FAILED":
		return RailFailed
	default:
		return RailPending
	}
}

// mergeFinal computes the payroll's final status from the fiat outcome,
// whether on-chain execution completed, and the status reached before
// the rail step. This is the only place final status is decided.
//
// On-chain settlement success is never downgraded by a fiat-leg
// failure; fiat is an enhancement layer on an already-valid on-chain
// payment.
func mergeFinal(rail RailOutcome, onchainExecuted bool, current Status) Status {
	switch rail {
	case RailPaid:
		return StatusPaid
	case RailFailed:
		if onchainExecuted {
			return StatusOnchainPaid
		}
		return StatusFailed
	case RailPending:
		if onchainExecuted {
			return StatusOnchainPaid
		}
		return StatusRailProcessing
	case RailSkipped:
		if onchainExecuted {
			return StatusOnchainPaid
		}
		return current
	}
	return current
}
