// Package ratelimit implements token-bucket admission control for the relay
// runtime: one global bucket plus one lazily-created bucket per session.
// Refill is evaluated lazily on each check from elapsed wall-clock time, so no
// background timer is involved in the hot path.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Config controls bucket sizing. Rate is tokens per second, Burst the bucket
// capacity.
type Config struct {
	Rate  float64
	Burst int

	// SessionIdleEviction controls when an untouched per-session bucket is
	// dropped by Sweep. Zero keeps the default of 10 minutes.
	SessionIdleEviction time.Duration
}

// Decision is the outcome of an admission check.
type Decision struct {
	Allowed   bool
	Remaining float64
	// RetryAfter is how long until the next token is available. Zero when
	// Allowed.
	RetryAfter time.Duration
}

type bucket struct {
	tokens     float64
	lastRefill time.Time
}

// refill adds tokens proportional to elapsed time, capped at capacity.
func (b *bucket) refill(now time.Time, rate float64, burst int) {
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed > 0 {
		b.tokens += elapsed * rate
		if b.tokens > float64(burst) {
			b.tokens = float64(burst)
		}
		b.lastRefill = now
	}
}

// Limiter applies a global bucket and per-session buckets. The zero value is
// not usable; construct with New.
type Limiter struct {
	mu       sync.Mutex
	cfg      Config
	global   *bucket
	sessions map[string]*bucket
	touched  map[string]time.Time
	now      func() time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock overrides the wall clock. Test seam.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
	}
}

// New constructs a Limiter. A non-positive rate or burst disables limiting:
// every check is allowed.
func New(cfg Config, opts ...Option) *Limiter {
	if cfg.SessionIdleEviction <= 0 {
		cfg.SessionIdleEviction = 10 * time.Minute
	}
	l := &Limiter{
		cfg:      cfg,
		sessions: make(map[string]*bucket),
		touched:  make(map[string]time.Time),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	l.global = &bucket{tokens: float64(cfg.Burst), lastRefill: l.now()}
	return l
}

func (l *Limiter) disabled() bool { return l.cfg.Rate <= 0 || l.cfg.Burst <= 0 }

// check refills b and, when consume is set, takes one token.
func (l *Limiter) check(b *bucket, consume bool) Decision {
	now := l.now()
	b.refill(now, l.cfg.Rate, l.cfg.Burst)
	if b.tokens >= 1 {
		if consume {
			b.tokens--
		}
		return Decision{Allowed: true, Remaining: b.tokens}
	}
	wait := time.Duration((1 - b.tokens) / l.cfg.Rate * float64(time.Second))
	return Decision{Allowed: false, Remaining: b.tokens, RetryAfter: wait}
}

func (l *Limiter) sessionBucket(id string) *bucket {
	b, ok := l.sessions[id]
	if !ok {
		b = &bucket{tokens: float64(l.cfg.Burst), lastRefill: l.now()}
		l.sessions[id] = b
	}
	l.touched[id] = l.now()
	return b
}

// CheckGlobal consumes one token from the global bucket if available.
func (l *Limiter) CheckGlobal() Decision {
	if l.disabled() {
		return Decision{Allowed: true}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.check(l.global, true)
}

// CheckSession consumes one token from the session's bucket if available.
func (l *Limiter) CheckSession(id string) Decision {
	if l.disabled() {
		return Decision{Allowed: true}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.check(l.sessionBucket(id), true)
}

// Check composes the global and per-session checks, failing fast on whichever
// rejects first. A global rejection does not charge the session bucket.
func (l *Limiter) Check(id string) Decision {
	if l.disabled() {
		return Decision{Allowed: true}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if d := l.check(l.global, true); !d.Allowed {
		return d
	}
	return l.check(l.sessionBucket(id), true)
}

// Peek reports the session decision without consuming a token, for callers
// that decouple admission from consumption (see Consume).
func (l *Limiter) Peek(id string) Decision {
	if l.disabled() {
		return Decision{Allowed: true}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.check(l.sessionBucket(id), false)
}

// Consume explicitly decrements one token from both buckets after the fact,
// for charging only requests that were actually processed. Tokens never go
// below zero.
func (l *Limiter) Consume(id string) {
	if l.disabled() {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	l.global.refill(now, l.cfg.Rate, l.cfg.Burst)
	if l.global.tokens >= 1 {
		l.global.tokens--
	}
	b := l.sessionBucket(id)
	b.refill(now, l.cfg.Rate, l.cfg.Burst)
	if b.tokens >= 1 {
		b.tokens--
	}
}

// Sweep evicts per-session buckets that have not been touched within the
// eviction window. Returns the number evicted.
func (l *Limiter) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	evicted := 0
	for id, at := range l.touched {
		if now.Sub(at) > l.cfg.SessionIdleEviction {
			delete(l.sessions, id)
			delete(l.touched, id)
			evicted++
		}
	}
	return evicted
}

// Start runs the eviction sweep on interval until ctx is done.
func (l *Limiter) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				l.Sweep()
			}
		}
	}()
}
