package fork

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/tkingovr/txguard/api"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
	)
}

func okHandle() Handle {
	return HandleFunc(func(context.Context, api.Transaction, api.SimulationParams) (*api.SimulationOutcome, error) {
		return &api.SimulationOutcome{Success: true}, nil
	})
}

func TestPool_AcquireRelease(t *testing.T) {
	p := NewPool(okHandle(), 2, 50*time.Millisecond)
	assert.Equal(t, 2, p.Size())

	l1, err := p.Acquire(context.Background())
	require.NoError(t, err)
	l2, err := p.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, p.InUse())

	out, err := l1.Run(context.Background(), api.Transaction{}, api.SimulationParams{})
	require.NoError(t, err)
	assert.True(t, out.Success)

	l1.Release()
	l1.Release()
	assert.Equal(t, 1, p.InUse())

	_, err = l1.Run(context.Background(), api.Transaction{}, api.SimulationParams{})
	assert.Error(t, err, "released lease must not run")

	l2.Release()
	assert.Equal(t, 0, p.InUse())
}

func TestPool_Exhausted(t *testing.T) {
	p := NewPool(okHandle(), 1, 20*time.Millisecond)
	l, err := p.Acquire(context.Background())
	require.NoError(t, err)
	defer l.Release()

	start := time.Now()
	_, err = p.Acquire(context.Background())
	require.ErrorIs(t, err, ErrPoolExhausted)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestPool_ParentCancelled(t *testing.T) {
	p := NewPool(okHandle(), 1, time.Second)
	l, err := p.Acquire(context.Background())
	require.NoError(t, err)
	defer l.Release()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = p.Acquire(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.False(t, errors.Is(err, ErrPoolExhausted))
}

func TestPool_WaiterGetsReleasedSlot(t *testing.T) {
	p := NewPool(okHandle(), 1, time.Second)
	l, err := p.Acquire(context.Background())
	require.NoError(t, err)

	got := make(chan error, 1)
	go func() {
		l2, err := p.Acquire(context.Background())
		if err == nil {
			l2.Release()
		}
		got <- err
	}()

	time.Sleep(10 * time.Millisecond)
	l.Release()
	require.NoError(t, <-got)
}
