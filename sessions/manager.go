package sessions

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/relaykit/relay/mcp"
)

var (
	// ErrMaxSessions is returned when the session table is at capacity.
	ErrMaxSessions = errors.New("sessions: session table full")
	// ErrNotFound is returned for lookups of unknown or closed sessions.
	ErrNotFound = errors.New("sessions: not found")
)

// Config sizes the session table.
type Config struct {
	MaxSessions   int
	IdleTimeout   time.Duration
	SweepInterval time.Duration
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.MaxSessions <= 0 {
		out.MaxSessions = 1000
	}
	if out.IdleTimeout <= 0 {
		out.IdleTimeout = 30 * time.Minute
	}
	if out.SweepInterval <= 0 {
		out.SweepInterval = time.Minute
	}
	return out
}

// CloseListener observes session close events. Delivery is advisory and
// synchronous; listeners must not block.
type CloseListener func(ev CloseEvent)

// Manager owns the session table. Safe for concurrent use.
type Manager struct {
	mu       sync.Mutex
	cfg      Config
	log      *slog.Logger
	sessions map[string]*Session
	onClose  CloseListener
	now      func() time.Time

	// ID generation: a monotonic counter combined with a timestamp and
	// random bits so identifiers are never reused.
	counter atomic.Uint64

	created  atomic.Int64
	closed   atomic.Int64
	timedOut atomic.Int64
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.log = l
		}
	}
}

// WithClock overrides the wall clock. Test seam.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithCloseListener registers the close event listener.
func WithCloseListener(fn CloseListener) Option {
	return func(m *Manager) { m.onClose = fn }
}

// NewManager constructs a Manager.
func NewManager(cfg Config, opts ...Option) *Manager {
	m := &Manager{
		cfg:      cfg.withDefaults(),
		log:      slog.Default(),
		sessions: make(map[string]*Session),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start runs the idle sweep until ctx is done.
func (m *Manager) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(m.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Sweep()
			}
		}
	}()
}

func (m *Manager) generateID() string {
	var buf [6]byte
	_, _ = rand.Read(buf[:])
	return fmt.Sprintf("sess-%d-%d-%s", m.counter.Add(1), m.now().UnixNano(), hex.EncodeToString(buf[:]))
}

// CreateSession registers a new session in created state. It fails when the
// table is at its configured maximum.
func (m *Manager) CreateSession(transportKind string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.sessions) >= m.cfg.MaxSessions {
		return Session{}, ErrMaxSessions
	}

	now := m.now()
	s := &Session{
		ID:             m.generateID(),
		TransportKind:  transportKind,
		State:          StateCreated,
		CreatedAt:      now,
		LastActivityAt: now,
		Metadata:       make(map[string]any),
	}
	m.sessions[s.ID] = s
	m.created.Add(1)
	m.log.Debug("sessions.create", slog.String("session_id", s.ID), slog.String("transport", transportKind))
	return *s, nil
}

// InitializeSession records the handshake: the negotiated protocol version,
// client info and declared capabilities. The session lands in initializing;
// the client's initialized signal promotes it to ready via SetState. Unknown
// sessions are silently ignored; the protocol layer treats that as an error.
func (m *Manager) InitializeSession(id string, clientInfo mcp.ImplementationInfo, protocolVersion string, caps mcp.ClientCapabilities) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return
	}
	if s.State != StateCreated && s.State != StateInitializing {
		return
	}
	s.State = StateInitializing
	s.ClientInfo = clientInfo
	s.ProtocolVersion = protocolVersion
	s.Capabilities = caps
	s.LastActivityAt = m.now()
	m.log.Debug("sessions.initialize",
		slog.String("session_id", id),
		slog.String("client", clientInfo.Name),
		slog.String("protocol_version", protocolVersion))
}

// Get returns a snapshot of the session.
func (m *Manager) Get(id string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return Session{}, ErrNotFound
	}
	return *s, nil
}

// UpdateActivity refreshes the session's last-activity timestamp.
func (m *Manager) UpdateActivity(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok {
		s.LastActivityAt = m.now()
	}
}

// SetState mutates the lifecycle state and refreshes activity.
func (m *Manager) SetState(id string, state State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok {
		s.State = state
		s.LastActivityAt = m.now()
	}
}

// SetAuthenticated flags the session as authenticated.
func (m *Manager) SetAuthenticated(id string, authenticated bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok {
		s.Authenticated = authenticated
		s.LastActivityAt = m.now()
	}
}

// SetMetadata stores a free-form metadata entry and refreshes activity.
func (m *Manager) SetMetadata(id, key string, value any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok {
		s.Metadata[key] = value
		s.LastActivityAt = m.now()
	}
}

// CloseSession transitions the session to closed, removes it, and emits a
// close event carrying the reason.
func (m *Manager) CloseSession(id string, reason CloseReason) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	s.State = StateClosed
	delete(m.sessions, id)
	m.mu.Unlock()

	if reason == CloseReasonTimeout {
		m.timedOut.Add(1)
	} else {
		m.closed.Add(1)
	}
	m.log.Debug("sessions.close", slog.String("session_id", id), slog.String("reason", string(reason)))
	if m.onClose != nil {
		m.onClose(CloseEvent{SessionID: id, Reason: reason, At: m.now()})
	}
	return nil
}

// Sweep force-closes every session idle past the configured timeout.
// Returns the number swept.
func (m *Manager) Sweep() int {
	m.mu.Lock()
	now := m.now()
	var expired []string
	for id, s := range m.sessions {
		if now.Sub(s.LastActivityAt) > m.cfg.IdleTimeout {
			expired = append(expired, id)
		}
	}
	m.mu.Unlock()

	for _, id := range expired {
		_ = m.CloseSession(id, CloseReasonTimeout)
	}
	return len(expired)
}

// CloseAll closes every session, for shutdown.
func (m *Manager) CloseAll(reason CloseReason) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		_ = m.CloseSession(id, reason)
	}
}

// Stats returns lifecycle counters and the active session count.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	active := len(m.sessions)
	m.mu.Unlock()
	return Stats{
		Active:   active,
		Created:  m.created.Load(),
		Closed:   m.closed.Load(),
		TimedOut: m.timedOut.Load(),
	}
}
