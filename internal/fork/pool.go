package fork

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/tkingovr/txguard/api"
)

// Pool bounds the number of concurrently running forks.
type Pool struct {
	backend        Handle
	sem            *semaphore.Weighted
	size           int64
	acquireTimeout time.Duration
	inUse          atomic.Int64
}

// NewPool creates a pool of size slots in front of backend.
func NewPool(backend Handle, size int, acquireTimeout time.Duration) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{
		backend:        backend,
		sem:            semaphore.NewWeighted(int64(size)),
		size:           int64(size),
		acquireTimeout: acquireTimeout,
	}
}

// Acquire waits up to the acquire timeout for a free slot. It returns
// ErrPoolExhausted when the timeout elapses and ctx's error when ctx ends
// first.
func (p *Pool) Acquire(ctx context.Context) (*Lease, error) {
	actx := ctx
	if p.acquireTimeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, p.acquireTimeout)
		defer cancel()
	}
	if err := p.sem.Acquire(actx, 1); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %d of %d slots busy after %s", ErrPoolExhausted, p.InUse(), p.size, p.acquireTimeout)
		}
		return nil, err
	}
	p.inUse.Add(1)
	return &Lease{pool: p}, nil
}

// InUse returns the number of leased slots.
func (p *Pool) InUse() int { return int(p.inUse.Load()) }

// Size returns the pool capacity.
func (p *Pool) Size() int { return int(p.size) }

// Lease is one acquired fork slot. It must be released exactly once;
// extra Release calls are no-ops.
type Lease struct {
	pool *Pool
	once sync.Once
	done atomic.Bool
}

// Run implements Handle on the leased slot.
func (l *Lease) Run(ctx context.Context, tx api.Transaction, params api.SimulationParams) (*api.SimulationOutcome, error) {
	if l.done.Load() {
		return nil, errors.New("fork lease already released")
	}
	return l.pool.backend.Run(ctx, tx, params)
}

// Release returns the slot to the pool.
func (l *Lease) Release() {
	l.once.Do(func() {
		l.done.Store(true)
		l.pool.inUse.Add(-1)
		l.pool.sem.Release(1)
	})
}
