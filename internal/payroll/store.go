package payroll

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	ErrPayrollNotFound = errors.New("payroll not found")
	ErrInvalidStatus   = errors.New("invalid payroll status")
)

// Payroll is a batch of outbound payments processed together through
// the on-chain and fiat legs. Status is mutated exclusively by the
// pipeline; payrolls are never deleted, only transitioned.
type Payroll struct {
	ID          string    `json:"id"`
	TotalAmount int64     `json:"total_amount"`
	Currency    string    `json:"currency"`
	Status      Status    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	Version     int       `json:"-"`
}

// Payment is one leg of a payroll. Its status always mirrors its
// parent payroll's status; the store updates both in one transaction.
type Payment struct {
	ID        string    `json:"id"`
	PayrollID string    `json:"payroll_id"`
	Amount    int64     `json:"amount"`
	Currency  string    `json:"currency"`
	Recipient string    `json:"recipient"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PaymentSpec describes one payment to create with a payroll.
type PaymentSpec struct {
	Amount    int64
	Currency  string
	Recipient string
}

// Store is the persistence surface the pipeline drives.
type Store interface {
	CreatePayrollWithPayments(ctx context.Context, total int64, currency string, specs []PaymentSpec) (*Payroll, []Payment, error)
	SetStatus(ctx context.Context, payrollID string, status Status) error
	GetPayroll(ctx context.Context, payrollID string) (*Payroll, error)
	GetPayments(ctx context.Context, payrollID string) ([]Payment, error)
}

// PostgresStore implements Store on Postgres.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps a database handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// CreatePayrollWithPayments inserts the payroll and all payment rows in
// one transaction, all at PENDING. A failure leaves no partial state.
func (s *PostgresStore) CreatePayrollWithPayments(ctx context.Context, total int64, currency string, specs []PaymentSpec) (*Payroll, []Payment, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now()
	payroll := &Payroll{
		ID:          uuid.New().String(),
		TotalAmount: total,
		Currency:    currency,
		Status:      StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
		Version:     1,
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO payrolls (id, total_amount, currency, status, created_at, updated_at, version)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		payroll.ID, payroll.TotalAmount, payroll.Currency, payroll.Status,
		payroll.CreatedAt, payroll.UpdatedAt, payroll.Version,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create payroll: %w", err)
	}

	payments := make([]Payment, 0, len(specs))
	for _, spec := range specs {
		p := Payment{
			ID:        uuid.New().String(),
			PayrollID: payroll.ID,
			Amount:    spec.Amount,
			Currency:  spec.Currency,
			Recipient: spec.Recipient,
			Status:    StatusPending,
			CreatedAt: now,
			UpdatedAt: now,
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO payments (id, payroll_id, amount, currency, recipient, status, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			p.ID, p.PayrollID, p.Amount, p.Currency, p.Recipient, p.Status, p.CreatedAt, p.UpdatedAt,
		)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create payment: %w", err)
		}
		payments = append(payments, p)
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("failed to commit: %w", err)
	}

	return payroll, payments, nil
}

// SetStatus moves a payroll and all of its payments to the given
// status in one transaction, so a payment is never left at an
// earlier-stage status than its parent.
func (s *PostgresStore) SetStatus(ctx context.Context, payrollID string, status Status) error {
	if !status.Valid() {
		return fmt.Errorf("%w: %s", ErrInvalidStatus, status)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var version int
	err = tx.QueryRowContext(ctx,
		`SELECT version FROM payrolls WHERE id = $1 FOR UPDATE`,
		payrollID,
	).Scan(&version)
	if err == sql.ErrNoRows {
		return ErrPayrollNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to lock payroll: %w", err)
	}

	now := time.Now()
	result, err := tx.ExecContext(ctx,
		`UPDATE payrolls SET status = $1, updated_at = $2, version = version + 1
		 WHERE id = $3 AND version = $4`,
		status, now, payrollID, version,
	)
	if err != nil {
		return fmt.Errorf("failed to update payroll: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("concurrent modification of payroll %s", payrollID)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE payments SET status = $1, updated_at = $2 WHERE payroll_id = $3`,
		status, now, payrollID,
	)
	if err != nil {
		return fmt.Errorf("failed to update payments: %w", err)
	}

	return tx.Commit()
}

// GetPayroll retrieves a payroll by id.
func (s *PostgresStore) GetPayroll(ctx context.Context, payrollID string) (*Payroll, error) {
	var p Payroll
	err := s.db.QueryRowContext(ctx,
		`SELECT id, total_amount, currency, status, created_at, updated_at, version
		 FROM payrolls WHERE id = $1`,
		payrollID,
	).Scan(&p.ID, &p.TotalAmount, &p.Currency, &p.Status, &p.CreatedAt, &p.UpdatedAt, &p.Version)

	if err == sql.ErrNoRows {
		return nil, ErrPayrollNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get payroll: %w", err)
	}
	return &p, nil
}

// GetPayments returns the payments belonging to a payroll.
func (s *PostgresStore) GetPayments(ctx context.Context, payrollID string) ([]Payment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, payroll_id, amount, currency, recipient, status, created_at, updated_at
		 FROM payments WHERE payroll_id = $1 ORDER BY created_at`,
		payrollID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query payments: %w", err)
	}
	defer rows.Close()

	var payments []Payment
	for rows.Next() {
		var p Payment
		err := rows.Scan(&p.ID, &p.PayrollID, &p.Amount, &p.Currency,
			&p.Recipient, &p.Status, &p.CreatedAt, &p.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan payment: %w", err)
		}
		payments = append(payments, p)
	}
	return payments, rows.Err()
}
