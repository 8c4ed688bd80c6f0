// Package pool manages a bounded set of transport-level connections. Callers
// acquire a connection for exclusive use and release it back; waiting callers
// are served in FIFO order. The pool keeps the population between a configured
// minimum and maximum, evicts idle connections on a periodic sweep, and emits
// advisory lifecycle events that are never required for correctness.
package pool

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/relaykit/relay/transport"
)

var (
	// ErrAcquireTimeout is returned when a waiter's acquire timeout elapses.
	ErrAcquireTimeout = errors.New("pool: acquire timed out")
	// ErrExhausted is returned when the waiter queue itself is full.
	ErrExhausted = errors.New("pool: waiter queue full")
	// ErrDraining is returned for acquires issued during or after drain.
	ErrDraining = errors.New("pool: draining")
	// ErrUnknownConn is returned for release/destroy of an untracked connection.
	ErrUnknownConn = errors.New("pool: unknown connection")
)

// Dialer opens a new transport-level connection.
type Dialer func(ctx context.Context) (transport.Transport, error)

// State is the lifecycle state of a pooled connection.
type State string

const (
	StateIdle   State = "idle"
	StateBusy   State = "busy"
	StateClosed State = "closed"
	StateError  State = "error"
)

// Conn is a pooled connection handle. Fields are owned by the pool; callers
// use the transport and hand the Conn back via Release or Destroy.
type Conn struct {
	ID        string
	Transport transport.Transport

	state      State
	createdAt  time.Time
	lastUsedAt time.Time
	useCount   int64
}

// EventType classifies pool lifecycle events.
type EventType string

const (
	EventCreated   EventType = "created"
	EventAcquired  EventType = "acquired"
	EventReleased  EventType = "released"
	EventDestroyed EventType = "destroyed"
)

// Event is an advisory lifecycle notification.
type Event struct {
	Type   EventType
	ConnID string
	At     time.Time
}

// Config sizes the pool.
type Config struct {
	MaxConns       int
	MinConns       int
	AcquireTimeout time.Duration
	IdleTimeout    time.Duration
	SweepInterval  time.Duration
	// MaxWaiters bounds the acquire queue; once full, Acquire fails
	// immediately instead of queuing.
	MaxWaiters int
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.MaxConns <= 0 {
		out.MaxConns = 10
	}
	if out.MinConns < 0 {
		out.MinConns = 0
	}
	if out.MinConns > out.MaxConns {
		out.MinConns = out.MaxConns
	}
	if out.AcquireTimeout <= 0 {
		out.AcquireTimeout = 5 * time.Second
	}
	if out.IdleTimeout <= 0 {
		out.IdleTimeout = 60 * time.Second
	}
	if out.SweepInterval <= 0 {
		out.SweepInterval = 15 * time.Second
	}
	if out.MaxWaiters <= 0 {
		out.MaxWaiters = 64
	}
	return out
}

// waiter is a queued acquirer. The channel is buffered so a handoff under
// lock never blocks; a closed channel signals rejection.
type waiter struct {
	ch chan *Conn
}

// Pool is a bounded connection pool. Safe for concurrent use.
type Pool struct {
	mu       sync.Mutex
	cfg      Config
	dial     Dialer
	log      *slog.Logger
	conns    map[string]*Conn
	idle     []*Conn
	waiters  []*waiter
	draining bool
	pending  int // dials in flight, counted against MaxConns
	events   chan Event
	now      func() time.Time
}

// Option configures a Pool.
type Option func(*Pool)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pool) {
		if l != nil {
			p.log = l
		}
	}
}

// WithClock overrides the wall clock. Test seam.
func WithClock(now func() time.Time) Option {
	return func(p *Pool) {
		if now != nil {
			p.now = now
		}
	}
}

// New constructs a Pool over the given dialer.
func New(cfg Config, dial Dialer, opts ...Option) *Pool {
	p := &Pool{
		cfg:    cfg.withDefaults(),
		dial:   dial,
		log:    slog.Default(),
		conns:  make(map[string]*Conn),
		events: make(chan Event, 64),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Events exposes the advisory lifecycle event stream. Events are dropped when
// the channel is full.
func (p *Pool) Events() <-chan Event { return p.events }

func (p *Pool) emit(t EventType, connID string) {
	select {
	case p.events <- Event{Type: t, ConnID: connID, At: p.now()}:
	default:
	}
}

// Start pre-dials up to MinConns connections and runs the idle sweep until
// ctx is done.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.cfg.MinConns; i++ {
		go p.replenish(ctx)
	}
	go func() {
		ticker := time.NewTicker(p.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.Sweep()
			}
		}
	}()
}

// Acquire returns a healthy idle connection, dialing a new one if the pool is
// below MaxConns, or waits FIFO behind other acquirers. The wait is bounded
// by the configured acquire timeout and by ctx.
func (p *Pool) Acquire(ctx context.Context) (*Conn, error) {
	p.mu.Lock()
	if p.draining {
		p.mu.Unlock()
		return nil, ErrDraining
	}

	if c := p.popIdleLocked(); c != nil {
		p.markBusyLocked(c)
		p.mu.Unlock()
		p.emit(EventAcquired, c.ID)
		return c, nil
	}

	if len(p.conns)+p.pending < p.cfg.MaxConns {
		p.pending++
		p.mu.Unlock()
		return p.dialBusy(ctx)
	}

	if len(p.waiters) >= p.cfg.MaxWaiters {
		p.mu.Unlock()
		return nil, ErrExhausted
	}
	w := &waiter{ch: make(chan *Conn, 1)}
	p.waiters = append(p.waiters, w)
	p.mu.Unlock()

	timer := time.NewTimer(p.cfg.AcquireTimeout)
	defer timer.Stop()

	select {
	case c, ok := <-w.ch:
		if !ok {
			return nil, ErrDraining
		}
		p.emit(EventAcquired, c.ID)
		return c, nil
	case <-timer.C:
		return nil, p.abandonWaiter(w, ErrAcquireTimeout)
	case <-ctx.Done():
		if err := p.abandonWaiter(w, ctx.Err()); err != nil {
			return nil, err
		}
		return nil, ctx.Err()
	}
}

// abandonWaiter removes w from the queue. If a connection raced in before the
// removal, it is put back into rotation and the original error stands.
func (p *Pool) abandonWaiter(w *waiter, cause error) error {
	p.mu.Lock()
	for i, q := range p.waiters {
		if q == w {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			break
		}
	}
	p.mu.Unlock()

	select {
	case c, ok := <-w.ch:
		if ok {
			// Delivered concurrently with the timeout; hand it onward.
			_ = p.Release(c)
		}
	default:
	}
	return cause
}

// dialBusy dials a new connection that is born busy and handed straight to
// the caller. The pending slot reserved by Acquire is settled here.
func (p *Pool) dialBusy(ctx context.Context) (*Conn, error) {
	tr, err := p.dial(ctx)

	p.mu.Lock()
	p.pending--
	if err != nil {
		p.mu.Unlock()
		return nil, err
	}
	if p.draining {
		p.mu.Unlock()
		_ = tr.Close()
		return nil, ErrDraining
	}
	c := &Conn{
		ID:        uuid.NewString(),
		Transport: tr,
		state:     StateBusy,
		createdAt: p.now(),
	}
	p.markBusyLocked(c)
	p.conns[c.ID] = c
	p.mu.Unlock()

	p.emit(EventCreated, c.ID)
	p.emit(EventAcquired, c.ID)
	return c, nil
}

func (p *Pool) popIdleLocked() *Conn {
	if len(p.idle) == 0 {
		return nil
	}
	c := p.idle[len(p.idle)-1]
	p.idle = p.idle[:len(p.idle)-1]
	return c
}

func (p *Pool) markBusyLocked(c *Conn) {
	c.state = StateBusy
	c.lastUsedAt = p.now()
	c.useCount++
}

// Release hands the connection to the oldest waiter, or returns it to the
// idle set. During drain the connection is destroyed instead.
func (p *Pool) Release(c *Conn) error {
	p.mu.Lock()
	if _, ok := p.conns[c.ID]; !ok {
		p.mu.Unlock()
		return ErrUnknownConn
	}

	if p.draining {
		p.removeLocked(c)
		p.mu.Unlock()
		_ = c.Transport.Close()
		p.emit(EventDestroyed, c.ID)
		return nil
	}

	if len(p.waiters) > 0 {
		w := p.waiters[0]
		p.waiters = p.waiters[1:]
		p.markBusyLocked(c)
		w.ch <- c
		p.mu.Unlock()
		p.emit(EventReleased, c.ID)
		return nil
	}

	c.state = StateIdle
	c.lastUsedAt = p.now()
	p.idle = append(p.idle, c)
	p.mu.Unlock()
	p.emit(EventReleased, c.ID)
	return nil
}

// Destroy removes the connection permanently. Outside of drain, a
// replacement is dialed eagerly if the pool fell below MinConns.
func (p *Pool) Destroy(c *Conn) error {
	p.mu.Lock()
	if _, ok := p.conns[c.ID]; !ok {
		p.mu.Unlock()
		return ErrUnknownConn
	}
	p.removeLocked(c)
	belowMin := !p.draining && len(p.conns)+p.pending < p.cfg.MinConns
	if belowMin {
		p.pending++
	}
	p.mu.Unlock()

	_ = c.Transport.Close()
	p.emit(EventDestroyed, c.ID)

	if belowMin {
		go p.replenishReserved(context.Background())
	}
	return nil
}

func (p *Pool) removeLocked(c *Conn) {
	c.state = StateClosed
	delete(p.conns, c.ID)
	for i, ic := range p.idle {
		if ic == c {
			p.idle = append(p.idle[:i], p.idle[i+1:]...)
			break
		}
	}
}

// replenish dials one idle connection if there is room below MaxConns.
func (p *Pool) replenish(ctx context.Context) {
	p.mu.Lock()
	if p.draining || len(p.conns)+p.pending >= p.cfg.MaxConns {
		p.mu.Unlock()
		return
	}
	p.pending++
	p.mu.Unlock()
	p.replenishReserved(ctx)
}

// replenishReserved dials one idle connection against an already reserved
// pending slot.
func (p *Pool) replenishReserved(ctx context.Context) {
	tr, err := p.dial(ctx)

	p.mu.Lock()
	p.pending--
	if err != nil {
		p.mu.Unlock()
		p.log.Warn("pool.replenish.fail", slog.String("err", err.Error()))
		return
	}
	if p.draining {
		p.mu.Unlock()
		_ = tr.Close()
		return
	}
	c := &Conn{
		ID:         uuid.NewString(),
		Transport:  tr,
		state:      StateIdle,
		createdAt:  p.now(),
		lastUsedAt: p.now(),
	}
	p.conns[c.ID] = c

	// A waiter may have queued while the dial was in flight.
	if len(p.waiters) > 0 {
		w := p.waiters[0]
		p.waiters = p.waiters[1:]
		p.markBusyLocked(c)
		w.ch <- c
		p.mu.Unlock()
		p.emit(EventCreated, c.ID)
		return
	}

	p.idle = append(p.idle, c)
	p.mu.Unlock()
	p.emit(EventCreated, c.ID)
}

// Sweep evicts idle connections past the idle timeout, never shrinking the
// pool below MinConns. Returns the number evicted.
func (p *Pool) Sweep() int {
	p.mu.Lock()
	now := p.now()
	var evict []*Conn
	for _, c := range p.idle {
		if len(p.conns)-len(evict) <= p.cfg.MinConns {
			break
		}
		if now.Sub(c.lastUsedAt) > p.cfg.IdleTimeout {
			evict = append(evict, c)
		}
	}
	for _, c := range evict {
		p.removeLocked(c)
	}
	p.mu.Unlock()

	for _, c := range evict {
		_ = c.Transport.Close()
		p.emit(EventDestroyed, c.ID)
	}
	return len(evict)
}

// Drain stops accepting new waiters, rejects queued waiters, and waits (up to
// ctx's deadline) for busy connections to come back before clearing all
// state. Connections still busy when the wait expires are closed anyway.
func (p *Pool) Drain(ctx context.Context) error {
	p.mu.Lock()
	p.draining = true
	waiters := p.waiters
	p.waiters = nil
	p.mu.Unlock()

	for _, w := range waiters {
		close(w.ch)
	}

	// Busy connections are destroyed on release during drain, so wait for
	// the population to hit zero.
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		p.mu.Lock()
		busy := 0
		for _, c := range p.conns {
			if c.state == StateBusy {
				busy++
			}
		}
		p.mu.Unlock()
		if busy == 0 {
			break
		}
		select {
		case <-ctx.Done():
			p.Clear()
			return ctx.Err()
		case <-ticker.C:
		}
	}

	p.Clear()
	return nil
}

// Clear discards all pooled state, closing every tracked connection.
func (p *Pool) Clear() {
	p.mu.Lock()
	conns := make([]*Conn, 0, len(p.conns))
	for _, c := range p.conns {
		conns = append(conns, c)
	}
	p.conns = make(map[string]*Conn)
	p.idle = nil
	p.mu.Unlock()

	for _, c := range conns {
		c.state = StateClosed
		_ = c.Transport.Close()
		p.emit(EventDestroyed, c.ID)
	}
}

// Stats is a point-in-time snapshot of pool population.
type Stats struct {
	Size     int
	Idle     int
	Busy     int
	Waiters  int
	MinConns int
	MaxConns int
}

// Stats returns a snapshot of the pool population.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	busy := 0
	for _, c := range p.conns {
		if c.state == StateBusy {
			busy++
		}
	}
	return Stats{
		Size:     len(p.conns),
		Idle:     len(p.idle),
		Busy:     busy,
		Waiters:  len(p.waiters),
		MinConns: p.cfg.MinConns,
		MaxConns: p.cfg.MaxConns,
	}
}

// Draining reports whether Drain has begun.
func (p *Pool) Draining() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.draining
}
