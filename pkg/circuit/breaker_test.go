package circuit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

func trip(b *Breaker, n int) {
	for i := 0; i < n; i++ {
		b.Execute(context.Background(), func() error { return errBoom })
	}
}

func TestBreakerClosed(t *testing.T) {
	t.Run("allows requests when closed", func(t *testing.T) {
		b := NewBreaker(Config{MaxFailures: 3, Timeout: time.Second})

		err := b.Execute(context.Background(), func() error { return nil })
		assert.NoError(t, err)
		assert.Equal(t, StateClosed, b.State())
	})

	t.Run("tracks consecutive failures", func(t *testing.T) {
		b := NewBreaker(Config{MaxFailures: 3, Timeout: time.Second})

		trip(b, 1)
		assert.Equal(t, 1, b.Failures())
		assert.Equal(t, StateClosed, b.State())
	})

	t.Run("success resets failure count", func(t *testing.T) {
		b := NewBreaker(Config{MaxFailures: 3, Timeout: time.Second})

		trip(b, 2)
		b.Execute(context.Background(), func() error { return nil })
		assert.Equal(t, 0, b.Failures())
	})
}

func TestBreakerOpens(t *testing.T) {
	b := NewBreaker(Config{MaxFailures: 3, Timeout: time.Minute})

	trip(b, 3)
	assert.Equal(t, StateOpen, b.State())

	err := b.Execute(context.Background(), func() error { return nil })
	assert.ErrorIs(t, err, ErrOpen)
}

func TestBreakerHalfOpen(t *testing.T) {
	t.Run("probe succeeds and closes", func(t *testing.T) {
		b := NewBreaker(Config{MaxFailures: 1, Timeout: 10 * time.Millisecond, HalfOpenMax: 1})

		trip(b, 1)
		require.Equal(t, StateOpen, b.State())

		time.Sleep(20 * time.Millisecond)

		err := b.Execute(context.Background(), func() error { return nil })
		assert.NoError(t, err)
		assert.Equal(t, StateClosed, b.State())
	})

	t.Run("probe fails and reopens", func(t *testing.T) {
		b := NewBreaker(Config{MaxFailures: 1, Timeout: 10 * time.Millisecond, HalfOpenMax: 1})

		trip(b, 1)
		time.Sleep(20 * time.Millisecond)

		b.Execute(context.Background(), func() error { return errBoom })
		assert.Equal(t, StateOpen, b.State())
	})
}

func TestBreakerContextCancelled(t *testing.T) {
	b := NewBreaker(Config{MaxFailures: 3, Timeout: time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := b.Execute(ctx, func() error { called = true; return nil })
	assert.Error(t, err)
	assert.False(t, called)
	assert.Equal(t, 0, b.Failures())
}

func TestBreakerReset(t *testing.T) {
	b := NewBreaker(Config{MaxFailures: 1, Timeout: time.Minute})

	trip(b, 1)
	require.Equal(t, StateOpen, b.State())

	b.Reset()
	assert.Equal(t, StateClosed, b.State())
	assert.NoError(t, b.Execute(context.Background(), func() error { return nil }))
}

func TestBreakerStateChangeCallback(t *testing.T) {
	var transitions []string
	b := NewBreaker(Config{
		Name:        "chain",
		MaxFailures: 1,
		Timeout:     time.Minute,
		OnStateChange: func(name string, from, to State) {
			transitions = append(transitions, name+":"+from.String()+"->"+to.String())
		},
	})

	trip(b, 1)
	require.Equal(t, []string{"chain:closed->open"}, transitions)
}

func TestGroup(t *testing.T) {
	g := NewGroup(Config{MaxFailures: 1, Timeout: time.Minute})

	// Tripping one dependency leaves the others closed.
	g.Execute(context.Background(), "facilitator", func() error { return errBoom })
	assert.Equal(t, StateOpen, g.Get("facilitator").State())
	assert.Equal(t, StateClosed, g.Get("treasury").State())

	states := g.States()
	assert.Equal(t, StateOpen, states["facilitator"])
	assert.Equal(t, StateClosed, states["treasury"])
}

func TestGroupReturnsSameBreaker(t *testing.T) {
	g := NewGroup(Config{MaxFailures: 5, Timeout: time.Minute})
	assert.Same(t, g.Get("rail"), g.Get("rail"))
}
