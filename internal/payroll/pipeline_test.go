package payroll

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/terminal-bench/payrollengine/internal/rail"
	"github.com/terminal-bench/payrollengine/internal/treasury"
	"github.com/terminal-bench/payrollengine/pkg/money"
)

// memStore is an in-memory Store for pipeline tests.
type memStore struct {
	mu         sync.Mutex
	payrolls   map[string]*Payroll
	payments   map[string][]Payment
	failCreate bool
	failStatus map[Status]bool
}

func newMemStore() *memStore {
	return &memStore{
		payrolls:   make(map[string]*Payroll),
		payments:   make(map[string][]Payment),
		failStatus: make(map[Status]bool),
	}
}

func (s *memStore) CreatePayrollWithPayments(ctx context.Context, total int64, currency string, specs []PaymentSpec) (*Payroll, []Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failCreate {
		return nil, nil, errors.New("insert failed")
	}

	now := time.Now()
	p := &Payroll{
		ID:          uuid.New().String(),
		TotalAmount: total,
		Currency:    currency,
		Status:      StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
		Version:     1,
	}
	s.payrolls[p.ID] = p

	var payments []Payment
	for _, spec := range specs {
		payments = append(payments, Payment{
			ID:        uuid.New().String(),
			PayrollID: p.ID,
			Amount:    spec.Amount,
			Currency:  spec.Currency,
			Recipient: spec.Recipient,
			Status:    StatusPending,
			CreatedAt: now,
			UpdatedAt: now,
		})
	}
	if payments[0].Currency == "" {
		for i := range payments {
			payments[i].Currency = currency
		}
	}
	s.payments[p.ID] = payments
	return p, payments, nil
}

func (s *memStore) SetStatus(ctx context.Context, payrollID string, status Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failStatus[status] {
		return errors.New("update failed")
	}
	p, ok := s.payrolls[payrollID]
	if !ok {
		return ErrPayrollNotFound
	}
	p.Status = status
	payments := s.payments[payrollID]
	for i := range payments {
		payments[i].Status = status
	}
	return nil
}

func (s *memStore) GetPayroll(ctx context.Context, payrollID string) (*Payroll, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.payrolls[payrollID]
	if !ok {
		return nil, ErrPayrollNotFound
	}
	copied := *p
	return &copied, nil
}

func (s *memStore) GetPayments(ctx context.Context, payrollID string) ([]Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Payment(nil), s.payments[payrollID]...), nil
}

// fakeChain is a scripted treasury gateway.
type fakeChain struct {
	balance        treasury.Balance
	balanceErr     error
	requestHash    string
	requestErr     error
	executeHash    string
	executeErr     error
	requestCalls   int
	executeCalls   int
	requestAmounts []money.Money
	executeAmounts []money.Money
}

func (c *fakeChain) Balance(ctx context.Context, token string) (treasury.Balance, error) {
	if c.balanceErr != nil {
		return treasury.Balance{}, c.balanceErr
	}
	return c.balance, nil
}

func (c *fakeChain) RequestPayment(ctx context.Context, payee string, amount money.Money, token string) (string, error) {
	c.requestCalls++
	c.requestAmounts = append(c.requestAmounts, amount)
	if c.requestErr != nil {
		return "", c.requestErr
	}
	return c.requestHash, nil
}

func (c *fakeChain) ExecutePayment(ctx context.Context, payee string, amount money.Money, token string) (string, error) {
	c.executeCalls++
	c.executeAmounts = append(c.executeAmounts, amount)
	if c.executeErr != nil {
		return "", c.executeErr
	}
	return c.executeHash, nil
}

// fakeRail is a scripted rail payer.
type fakeRail struct {
	withdrawal rail.Withdrawal
	err        error
	calls      int
}

func (r *fakeRail) CreatePayment(ctx context.Context, req rail.CreatePaymentRequest) (rail.Withdrawal, error) {
	r.calls++
	if r.err != nil {
		return rail.Withdrawal{}, r.err
	}
	return r.withdrawal, nil
}

type recordedEvent struct {
	Subject string
	Data    interface{}
}

type eventRecorder struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (r *eventRecorder) Publish(ctx context.Context, subject string, data interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, recordedEvent{Subject: subject, Data: data})
	return nil
}

func (r *eventRecorder) subjects() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.Subject
	}
	return out
}

func newTestPipeline(store Store, chain treasury.Gateway, railPayer rail.Payer) *Pipeline {
	guard := NewGuard(NewMemoryLeaseStore(), time.Hour)
	return NewPipeline(store, chain, railPayer, &eventRecorder{}, guard, zap.NewNop())
}

func singlePaymentRequest(amount int64) Request {
	return Request{
		IdempotencyKey: uuid.New().String(),
		Currency:       "USD",
		Payments:       []PaymentSpec{{Amount: amount, Currency: "USD", Recipient: "0xRecipient"}},
	}
}

func TestPipelineFullSuccess(t *testing.T) {
	store := newMemStore()
	chain := &fakeChain{
		balance:     treasury.Balance{Amount: "10000", Decimals: 6},
		requestHash: "0xAAA",
		executeHash: "0xBBB",
	}
	railPayer := &fakeRail{withdrawal: rail.Withdrawal{ID: "wd-1", Status: rail.StatusPaid}}
	pipeline := newTestPipeline(store, chain, railPayer)

	result, err := pipeline.Process(context.Background(), singlePaymentRequest(50000))
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, StatusPaid, result.Status)
	assert.Equal(t, Steps{
		PayrollCreated:   true,
		PaymentsCreated:  true,
		TreasuryChecked:  true,
		OnchainRequested: true,
		OnchainExecuted:  true,
		RailProcessed:    true,
	}, result.Steps)
	assert.Equal(t, []string{"0xAAA"}, result.Transactions.RequestTxHashes)
	assert.Equal(t, []string{"0xBBB"}, result.Transactions.ExecuteTxHashes)
	require.NotNil(t, result.Rail)
	assert.Equal(t, "wd-1", result.Rail.WithdrawalID)
	assert.Empty(t, result.Errors)

	stored, err := store.GetPayroll(context.Background(), result.PayrollID)
	require.NoError(t, err)
	assert.Equal(t, StatusPaid, stored.Status)
}

func TestPipelinePaymentsMirrorPayroll(t *testing.T) {
	cases := []struct {
		name  string
		chain *fakeChain
		rail  *fakeRail
	}{
		{
			name:  "full success",
			chain: &fakeChain{requestHash: "0x1", executeHash: "0x2"},
			rail:  &fakeRail{withdrawal: rail.Withdrawal{ID: "w", Status: rail.StatusPaid}},
		},
		{
			name:  "request failure",
			chain: &fakeChain{requestErr: errors.New("chain down")},
			rail:  &fakeRail{},
		},
		{
			name:  "execute failure rail failed",
			chain: &fakeChain{requestHash: "0x1", executeErr: errors.New("revert")},
			rail:  &fakeRail{withdrawal: rail.Withdrawal{ID: "w", Status: rail.StatusFailed}},
		},
		{
			name:  "rail not configured",
			chain: &fakeChain{requestHash: "0x1", executeHash: "0x2"},
			rail:  &fakeRail{err: rail.ErrNotConfigured},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store := newMemStore()
			pipeline := newTestPipeline(store, tc.chain, tc.rail)

			result, err := pipeline.Process(context.Background(), singlePaymentRequest(1000))
			require.NoError(t, err)
			require.NotEmpty(t, result.PayrollID)

			stored, err := store.GetPayroll(context.Background(), result.PayrollID)
			require.NoError(t, err)
			payments, err := store.GetPayments(context.Background(), result.PayrollID)
			require.NoError(t, err)
			require.NotEmpty(t, payments)
			for _, p := range payments {
				assert.Equal(t, stored.Status, p.Status)
			}
		})
	}
}

func TestPipelineCreateFailureAbortsBeforeExternalCalls(t *testing.T) {
	store := newMemStore()
	store.failCreate = true
	chain := &fakeChain{requestHash: "0x1", executeHash: "0x2"}
	railPayer := &fakeRail{}
	pipeline := newTestPipeline(store, chain, railPayer)

	result, err := pipeline.Process(context.Background(), singlePaymentRequest(1000))
	require.NoError(t, err)

	assert.False(t, result.Success)
	assert.Empty(t, result.PayrollID)
	assert.False(t, result.Steps.PayrollCreated)
	assert.Equal(t, 0, chain.requestCalls)
	assert.Equal(t, 0, railPayer.calls)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, StepPayrollCreated, result.Errors[0].Step)
}

func TestPipelineTreasuryCheckFailureIsSwallowed(t *testing.T) {
	store := newMemStore()
	chain := &fakeChain{
		balanceErr:  errors.New("rpc timeout"),
		requestHash: "0xAAA",
		executeHash: "0xBBB",
	}
	railPayer := &fakeRail{withdrawal: rail.Withdrawal{ID: "wd", Status: rail.StatusPaid}}
	pipeline := newTestPipeline(store, chain, railPayer)

	result, err := pipeline.Process(context.Background(), singlePaymentRequest(1000))
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, StatusPaid, result.Status)
	assert.False(t, result.Steps.TreasuryChecked)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, StepTreasuryChecked, result.Errors[0].Step)
}

func TestPipelineRequestFailureIsCritical(t *testing.T) {
	store := newMemStore()
	chain := &fakeChain{requestErr: errors.New("nonce too low")}
	railPayer := &fakeRail{}
	pipeline := newTestPipeline(store, chain, railPayer)

	result, err := pipeline.Process(context.Background(), singlePaymentRequest(1000))
	require.NoError(t, err)

	assert.False(t, result.Success)
	assert.Equal(t, StatusFailed, result.Status)
	assert.False(t, result.Steps.OnchainRequested)
	assert.False(t, result.Steps.OnchainExecuted)
	assert.Equal(t, 0, chain.executeCalls)
	assert.Equal(t, 0, railPayer.calls)
}

func TestPipelineExecuteFailureThenRailFailed(t *testing.T) {
	store := newMemStore()
	chain := &fakeChain{
		requestHash: "0xAAA",
		executeErr:  errors.New("execution reverted"),
	}
	railPayer := &fakeRail{withdrawal: rail.Withdrawal{ID: "wd", Status: rail.StatusFailed}}
	pipeline := newTestPipeline(store, chain, railPayer)

	result, err := pipeline.Process(context.Background(), singlePaymentRequest(1000))
	require.NoError(t, err)

	assert.False(t, result.Steps.OnchainExecuted)
	assert.Equal(t, StatusFailed, result.Status)
	assert.False(t, result.Success)
	assert.Equal(t, []string{"0xAAA"}, result.Transactions.RequestTxHashes)
	assert.Empty(t, result.Transactions.ExecuteTxHashes)
}

func TestPipelineExecuteFailureThenRailSkipped(t *testing.T) {
	store := newMemStore()
	chain := &fakeChain{
		requestHash: "0xAAA",
		executeErr:  errors.New("execution reverted"),
	}
	railPayer := &fakeRail{err: rail.ErrNotConfigured}
	pipeline := newTestPipeline(store, chain, railPayer)

	result, err := pipeline.Process(context.Background(), singlePaymentRequest(1000))
	require.NoError(t, err)

	// Status stays where step 3 left it; the skipped rail step must
	// not promote the run to PAID.
	assert.False(t, result.Steps.OnchainExecuted)
	assert.Equal(t, StatusOnchainRequested, result.Status)
	assert.NotEqual(t, StatusPaid, result.Status)
}

func TestPipelineRailSkippedAfterOnchainSuccess(t *testing.T) {
	store := newMemStore()
	chain := &fakeChain{requestHash: "0xAAA", executeHash: "0xBBB"}
	railPayer := &fakeRail{err: rail.ErrNotConfigured}
	pipeline := newTestPipeline(store, chain, railPayer)

	result, err := pipeline.Process(context.Background(), singlePaymentRequest(1000))
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, StatusOnchainPaid, result.Status)
	assert.False(t, result.Steps.RailProcessed)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, StepRailProcessed, result.Errors[0].Step)
}

func TestPipelineRailFailureNeverDowngradesOnchainSuccess(t *testing.T) {
	store := newMemStore()
	chain := &fakeChain{requestHash: "0xAAA", executeHash: "0xBBB"}
	railPayer := &fakeRail{withdrawal: rail.Withdrawal{ID: "wd", Status: rail.StatusFailed}}
	pipeline := newTestPipeline(store, chain, railPayer)

	result, err := pipeline.Process(context.Background(), singlePaymentRequest(1000))
	require.NoError(t, err)

	assert.True(t, result.Steps.OnchainExecuted)
	assert.Equal(t, StatusOnchainPaid, result.Status)
	assert.True(t, result.Success)
}

func TestPipelineMultiplePayments(t *testing.T) {
	store := newMemStore()
	chain := &fakeChain{requestHash: "0xAAA", executeHash: "0xBBB"}
	railPayer := &fakeRail{withdrawal: rail.Withdrawal{ID: "wd", Status: rail.StatusPaid}}
	pipeline := newTestPipeline(store, chain, railPayer)

	req := Request{
		IdempotencyKey: uuid.New().String(),
		Currency:       "USD",
		Payments: []PaymentSpec{
			{Amount: 10000, Currency: "USD", Recipient: "0xAlpha"},
			{Amount: 20000, Currency: "USD", Recipient: "0xBeta"},
			{Amount: 30000, Currency: "USD", Recipient: "0xGamma"},
		},
	}
	result, err := pipeline.Process(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, 3, chain.requestCalls)
	assert.Equal(t, 3, chain.executeCalls)
	assert.Len(t, result.Transactions.RequestTxHashes, 3)
	// Both legs move the exact amounts computed once at request time.
	assert.Equal(t, chain.requestAmounts, chain.executeAmounts)

	stored, err := store.GetPayroll(context.Background(), result.PayrollID)
	require.NoError(t, err)
	assert.Equal(t, int64(60000), stored.TotalAmount)
}

func TestPipelineValidation(t *testing.T) {
	pipeline := newTestPipeline(newMemStore(), &fakeChain{}, &fakeRail{})

	t.Run("no payments", func(t *testing.T) {
		_, err := pipeline.Process(context.Background(), Request{Currency: "USD"})
		assert.ErrorIs(t, err, ErrInvalidRequest)
	})

	t.Run("non-positive amount", func(t *testing.T) {
		_, err := pipeline.Process(context.Background(), Request{
			Currency: "USD",
			Payments: []PaymentSpec{{Amount: 0, Currency: "USD"}},
		})
		assert.ErrorIs(t, err, ErrInvalidRequest)
	})

	t.Run("currency mismatch", func(t *testing.T) {
		_, err := pipeline.Process(context.Background(), Request{
			Currency: "USD",
			Payments: []PaymentSpec{{Amount: 100, Currency: "EUR"}},
		})
		assert.ErrorIs(t, err, ErrInvalidRequest)
	})
}

func TestPipelineIdempotency(t *testing.T) {
	t.Run("replays finished run", func(t *testing.T) {
		store := newMemStore()
		chain := &fakeChain{requestHash: "0xAAA", executeHash: "0xBBB"}
		railPayer := &fakeRail{withdrawal: rail.Withdrawal{ID: "wd", Status: rail.StatusPaid}}
		pipeline := newTestPipeline(store, chain, railPayer)

		req := singlePaymentRequest(1000)
		first, err := pipeline.Process(context.Background(), req)
		require.NoError(t, err)

		second, err := pipeline.Process(context.Background(), req)
		require.NoError(t, err)

		assert.True(t, second.Replayed)
		assert.Equal(t, first.PayrollID, second.PayrollID)
		assert.Equal(t, first.Status, second.Status)
		assert.Len(t, store.payrolls, 1)
		assert.Equal(t, 1, chain.requestCalls)
	})

	t.Run("rejects in-flight duplicate", func(t *testing.T) {
		leases := NewMemoryLeaseStore()
		guard := NewGuard(leases, time.Hour)
		pipeline := NewPipeline(newMemStore(), &fakeChain{requestHash: "0x1", executeHash: "0x2"},
			&fakeRail{withdrawal: rail.Withdrawal{Status: rail.StatusPaid}}, &eventRecorder{}, guard, zap.NewNop())

		req := singlePaymentRequest(1000)
		_, err := guard.Begin(context.Background(), req.IdempotencyKey)
		require.NoError(t, err)

		_, err = pipeline.Process(context.Background(), req)
		assert.ErrorIs(t, err, ErrDuplicateRun)
	})
}

func TestPipelinePublishesLifecycleEvents(t *testing.T) {
	store := newMemStore()
	chain := &fakeChain{requestHash: "0xAAA", executeHash: "0xBBB"}
	railPayer := &fakeRail{withdrawal: rail.Withdrawal{ID: "wd", Status: rail.StatusPaid}}
	recorder := &eventRecorder{}
	guard := NewGuard(NewMemoryLeaseStore(), time.Hour)
	pipeline := NewPipeline(store, chain, railPayer, recorder, guard, zap.NewNop())

	_, err := pipeline.Process(context.Background(), singlePaymentRequest(1000))
	require.NoError(t, err)

	subjects := recorder.subjects()
	assert.Contains(t, subjects, "payroll.created")
	assert.Contains(t, subjects, "payroll.status_changed")
	assert.Contains(t, subjects, "payroll.completed")
}

func TestPipelineStatusPersistFailureIsRecorded(t *testing.T) {
	store := newMemStore()
	store.failStatus[StatusRailProcessing] = true
	chain := &fakeChain{requestHash: "0xAAA", executeHash: "0xBBB"}
	railPayer := &fakeRail{withdrawal: rail.Withdrawal{ID: "wd", Status: rail.StatusPaid}}
	pipeline := newTestPipeline(store, chain, railPayer)

	result, err := pipeline.Process(context.Background(), singlePaymentRequest(1000))
	require.NoError(t, err)

	// The bookkeeping failure shows up in the errors list but does not
	// mask the completed payment legs.
	assert.True(t, result.Success)
	assert.Equal(t, StatusPaid, result.Status)
	found := false
	for _, e := range result.Errors {
		if e.Step == "status_update" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestInsufficientScalesByTokenDecimals(t *testing.T) {
	// 600 USDC reported as 600000000 base units covers a 500.00 USD run.
	assert.False(t, insufficient(treasury.Balance{Amount: "600000000", Decimals: 6}, 50000, "USD"))

	// 100 USDC does not.
	assert.True(t, insufficient(treasury.Balance{Amount: "100000000", Decimals: 6}, 50000, "USD"))

	t.Run("zero decimals means major units", func(t *testing.T) {
		assert.False(t, insufficient(treasury.Balance{Amount: "500", Decimals: 0}, 50000, "USD"))
		assert.True(t, insufficient(treasury.Balance{Amount: "499", Decimals: 0}, 50000, "USD"))
	})

	t.Run("unparseable balance is not treated as a shortfall", func(t *testing.T) {
		assert.False(t, insufficient(treasury.Balance{Amount: "n/a", Decimals: 6}, 50000, "USD"))
	})
}
