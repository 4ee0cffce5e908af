package treasury

import (
	"context"
	"errors"

	"github.com/terminal-bench/payrollengine/pkg/money"
)

// Balance is a live read of the treasury's holdings for one token.
// Balances are never cached; every check reflects on-chain state at
// call time.
type Balance struct {
	Amount   string `json:"amount"`
	Decimals int32  `json:"decimals"`
}

var (
	ErrInsufficientFunds = errors.New("treasury has insufficient funds")
	ErrChainUnavailable  = errors.New("chain endpoint unavailable")
)

// Gateway is the read/write surface over the on-chain treasury
// contract. RequestPayment registers an escrow intent; ExecutePayment
// releases the funds. Both return the transaction hash of the call.
type Gateway interface {
	Balance(ctx context.Context, token string) (Balance, error)
	RequestPayment(ctx context.Context, payee string, amount money.Money, token string) (string, error)
	ExecutePayment(ctx context.Context, payee string, amount money.Money, token string) (string, error)
}
