package circuit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errDispatch = errors.New("dispatch failed")

func failing() error { return errDispatch }
func succeeding() error { return nil }

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	b := NewBreaker(Config{Name: "rpc", MaxFailures: 3, Timeout: time.Minute})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.Equal(t, StateClosed, b.State())
		err := b.Execute(ctx, failing)
		assert.ErrorIs(t, err, errDispatch)
	}
	assert.Equal(t, StateOpen, b.State())

	err := b.Execute(ctx, succeeding)
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

func TestSuccessResetsFailureCount(t *testing.T) {
	b := NewBreaker(Config{Name: "rpc", MaxFailures: 3, Timeout: time.Minute})
	ctx := context.Background()

	require.Error(t, b.Execute(ctx, failing))
	require.Error(t, b.Execute(ctx, failing))
	require.NoError(t, b.Execute(ctx, succeeding))
	assert.Equal(t, 0, b.Failures())

	require.Error(t, b.Execute(ctx, failing))
	require.Error(t, b.Execute(ctx, failing))
	assert.Equal(t, StateClosed, b.State())
}

func TestHalfOpenProbing(t *testing.T) {
	current := time.Now()
	b := NewBreaker(Config{Name: "rpc", MaxFailures: 1, Timeout: 30 * time.Second, HalfOpenMax: 1})
	b.now = func() time.Time { return current }
	ctx := context.Background()

	require.Error(t, b.Execute(ctx, failing))
	require.Equal(t, StateOpen, b.State())

	t.Run("probe success closes", func(t *testing.T) {
		current = current.Add(31 * time.Second)
		require.NoError(t, b.Execute(ctx, succeeding))
		assert.Equal(t, StateClosed, b.State())
	})

	t.Run("probe failure reopens", func(t *testing.T) {
		require.Error(t, b.Execute(ctx, failing))
		require.Equal(t, StateOpen, b.State())

		current = current.Add(31 * time.Second)
		require.Error(t, b.Execute(ctx, failing))
		assert.Equal(t, StateOpen, b.State())

		// Still open: the reopened timer starts fresh.
		err := b.Execute(ctx, succeeding)
		assert.ErrorIs(t, err, ErrCircuitOpen)
	})
}

func TestCancelledContextBypassesBreaker(t *testing.T) {
	b := NewBreaker(Config{Name: "rpc", MaxFailures: 1, Timeout: time.Minute})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := b.Execute(ctx, failing)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, b.Failures())
}

func TestForceOpenAndReset(t *testing.T) {
	b := NewBreaker(Config{Name: "rpc", MaxFailures: 5, Timeout: time.Minute})
	ctx := context.Background()

	b.ForceOpen()
	assert.ErrorIs(t, b.Execute(ctx, succeeding), ErrCircuitOpen)

	b.Reset()
	assert.NoError(t, b.Execute(ctx, succeeding))
}

func TestStateChangeCallback(t *testing.T) {
	type change struct{ from, to State }
	var changes []change

	b := NewBreaker(Config{
		Name:        "rpc",
		MaxFailures: 1,
		Timeout:     time.Minute,
		OnStateChange: func(name string, from, to State) {
			assert.Equal(t, "rpc", name)
			changes = append(changes, change{from, to})
		},
	})

	require.Error(t, b.Execute(context.Background(), failing))
	require.Len(t, changes, 1)
	assert.Equal(t, change{StateClosed, StateOpen}, changes[0])
}

func TestBreakerGroup(t *testing.T) {
	g := NewBreakerGroup(Config{MaxFailures: 1, Timeout: time.Minute})
	ctx := context.Background()

	require.Error(t, g.Execute(ctx, "rpc-primary", failing))
	require.NoError(t, g.Execute(ctx, "rpc-fallback", succeeding))

	assert.Same(t, g.Get("rpc-primary"), g.Get("rpc-primary"))

	states := g.States()
	assert.Equal(t, StateOpen, states["rpc-primary"])
	assert.Equal(t, StateClosed, states["rpc-fallback"])

	// The open primary rejects while the fallback keeps serving.
	assert.ErrorIs(t, g.Execute(ctx, "rpc-primary", succeeding), ErrCircuitOpen)
	assert.NoError(t, g.Execute(ctx, "rpc-fallback", succeeding))
}
