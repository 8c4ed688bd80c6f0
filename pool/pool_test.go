package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaykit/relay/transport"
)

func pipeDialer() Dialer {
	return func(ctx context.Context) (transport.Transport, error) {
		a, _ := transport.Pipe()
		return a, nil
	}
}

func TestAcquireCreatesUpToMax(t *testing.T) {
	p := New(Config{MaxConns: 2, AcquireTimeout: 50 * time.Millisecond}, pipeDialer())

	ctx := context.Background()
	c1, err := p.Acquire(ctx)
	require.NoError(t, err)
	c2, err := p.Acquire(ctx)
	require.NoError(t, err)
	require.NotEqual(t, c1.ID, c2.ID)

	st := p.Stats()
	assert.Equal(t, 2, st.Size)
	assert.Equal(t, 2, st.Busy)

	// Third acquire times out after roughly the acquire timeout.
	start := time.Now()
	_, err = p.Acquire(ctx)
	require.ErrorIs(t, err, ErrAcquireTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}

func TestCapacityInvariantUnderChurn(t *testing.T) {
	const maxConns = 3
	p := New(Config{MaxConns: maxConns, AcquireTimeout: time.Second, MaxWaiters: 100}, pipeDialer())

	var peak atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				c, err := p.Acquire(context.Background())
				if err != nil {
					continue
				}
				if busy := int64(p.Stats().Busy); busy > peak.Load() {
					peak.Store(busy)
				}
				assert.NoError(t, p.Release(c))
			}
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int64(maxConns))
	assert.LessOrEqual(t, p.Stats().Size, maxConns)
}

func TestReleaseHandsOffToOldestWaiter(t *testing.T) {
	p := New(Config{MaxConns: 2, AcquireTimeout: time.Second}, pipeDialer())

	ctx := context.Background()
	c1, err := p.Acquire(ctx)
	require.NoError(t, err)
	c2, err := p.Acquire(ctx)
	require.NoError(t, err)

	got := make(chan *Conn, 1)
	go func() {
		c, err := p.Acquire(ctx)
		if err == nil {
			got <- c
		}
	}()

	// Let the third acquirer queue up, then release one connection.
	require.Eventually(t, func() bool { return p.Stats().Waiters == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, p.Release(c1))

	select {
	case c := <-got:
		assert.Equal(t, c1.ID, c.ID, "waiter should receive the released connection")
	case <-time.After(time.Second):
		t.Fatal("queued acquire did not resolve after release")
	}

	require.NoError(t, p.Release(c2))
}

func TestAcquireFailsFastWhenQueueFull(t *testing.T) {
	p := New(Config{MaxConns: 1, MaxWaiters: 1, AcquireTimeout: 500 * time.Millisecond}, pipeDialer())

	ctx := context.Background()
	c, err := p.Acquire(ctx)
	require.NoError(t, err)

	go func() {
		// First waiter occupies the only queue slot.
		if qc, err := p.Acquire(ctx); err == nil {
			_ = p.Release(qc)
		}
	}()
	require.Eventually(t, func() bool { return p.Stats().Waiters == 1 }, time.Second, 5*time.Millisecond)

	_, err = p.Acquire(ctx)
	assert.ErrorIs(t, err, ErrExhausted)

	require.NoError(t, p.Release(c))
}

func TestDestroyReplenishesBelowMin(t *testing.T) {
	var dials atomic.Int64
	dial := func(ctx context.Context) (transport.Transport, error) {
		dials.Add(1)
		a, _ := transport.Pipe()
		return a, nil
	}
	p := New(Config{MaxConns: 4, MinConns: 1}, dial)

	c, err := p.Acquire(context.Background())
	require.NoError(t, err)
	require.NoError(t, p.Destroy(c))

	// Destroy dropped the pool below MinConns; a replacement is dialed.
	require.Eventually(t, func() bool { return p.Stats().Size == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(2), dials.Load())
}

func TestSweepEvictsIdleButKeepsMin(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	p := New(Config{MaxConns: 4, MinConns: 1, IdleTimeout: time.Minute}, pipeDialer(), WithClock(clock.Now))

	ctx := context.Background()
	var conns []*Conn
	for i := 0; i < 3; i++ {
		c, err := p.Acquire(ctx)
		require.NoError(t, err)
		conns = append(conns, c)
	}
	for _, c := range conns {
		require.NoError(t, p.Release(c))
	}

	clock.Advance(2 * time.Minute)
	evicted := p.Sweep()
	assert.Equal(t, 2, evicted)
	assert.Equal(t, 1, p.Stats().Size, "sweep must not shrink below MinConns")
}

func TestDrainRejectsWaitersAndClears(t *testing.T) {
	p := New(Config{MaxConns: 1, AcquireTimeout: 5 * time.Second}, pipeDialer())

	ctx := context.Background()
	c, err := p.Acquire(ctx)
	require.NoError(t, err)

	waiterErr := make(chan error, 1)
	go func() {
		_, err := p.Acquire(ctx)
		waiterErr <- err
	}()
	require.Eventually(t, func() bool { return p.Stats().Waiters == 1 }, time.Second, 5*time.Millisecond)

	// Release the busy connection shortly after drain begins.
	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = p.Release(c)
	}()

	drainCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, p.Drain(drainCtx))

	select {
	case err := <-waiterErr:
		assert.ErrorIs(t, err, ErrDraining)
	case <-time.After(time.Second):
		t.Fatal("queued waiter was not rejected by drain")
	}

	assert.Equal(t, 0, p.Stats().Size)

	_, err = p.Acquire(ctx)
	assert.ErrorIs(t, err, ErrDraining)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
