package sessions

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaykit/relay/mcp"
)

func clientInfo() mcp.ImplementationInfo {
	return mcp.ImplementationInfo{Name: "test-client", Version: "1.0.0"}
}

func TestCreateAndInitialize(t *testing.T) {
	m := NewManager(Config{})

	s, err := m.CreateSession("pipe")
	require.NoError(t, err)
	assert.Equal(t, StateCreated, s.State)
	assert.Equal(t, "pipe", s.TransportKind)
	assert.False(t, s.Ready())

	m.InitializeSession(s.ID, clientInfo(), "2025-06-18", mcp.ClientCapabilities{})

	got, err := m.Get(s.ID)
	require.NoError(t, err)
	assert.Equal(t, StateInitializing, got.State)
	assert.Equal(t, "test-client", got.ClientInfo.Name)
	assert.Equal(t, "2025-06-18", got.ProtocolVersion)
	assert.False(t, got.Ready(), "ready requires the client's initialized signal")

	m.SetState(s.ID, StateReady)
	got, err = m.Get(s.ID)
	require.NoError(t, err)
	assert.True(t, got.Ready())
}

func TestInitializeUnknownSessionIsIgnored(t *testing.T) {
	m := NewManager(Config{})
	m.InitializeSession("no-such-session", clientInfo(), "2025-06-18", mcp.ClientCapabilities{})

	_, err := m.Get("no-such-session")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestInitializeDoesNotResurrectClosedState(t *testing.T) {
	m := NewManager(Config{})
	s, err := m.CreateSession("pipe")
	require.NoError(t, err)

	m.SetState(s.ID, StateClosing)
	m.InitializeSession(s.ID, clientInfo(), "2025-06-18", mcp.ClientCapabilities{})

	got, err := m.Get(s.ID)
	require.NoError(t, err)
	assert.Equal(t, StateClosing, got.State, "ready is only reachable from created/initializing")
}

func TestMaxSessions(t *testing.T) {
	m := NewManager(Config{MaxSessions: 2})

	_, err := m.CreateSession("pipe")
	require.NoError(t, err)
	_, err = m.CreateSession("pipe")
	require.NoError(t, err)

	_, err = m.CreateSession("pipe")
	assert.ErrorIs(t, err, ErrMaxSessions)
}

func TestSessionIDsUnique(t *testing.T) {
	m := NewManager(Config{MaxSessions: 500})
	seen := make(map[string]bool)
	for i := 0; i < 500; i++ {
		s, err := m.CreateSession("pipe")
		require.NoError(t, err)
		require.False(t, seen[s.ID], "duplicate session id %s", s.ID)
		require.True(t, strings.HasPrefix(s.ID, "sess-"))
		seen[s.ID] = true
	}
}

func TestCloseSessionEmitsEvent(t *testing.T) {
	var events []CloseEvent
	m := NewManager(Config{}, WithCloseListener(func(ev CloseEvent) {
		events = append(events, ev)
	}))

	s, err := m.CreateSession("pipe")
	require.NoError(t, err)
	require.NoError(t, m.CloseSession(s.ID, CloseReasonClient))

	_, err = m.Get(s.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	require.Len(t, events, 1)
	assert.Equal(t, s.ID, events[0].SessionID)
	assert.Equal(t, CloseReasonClient, events[0].Reason)

	assert.ErrorIs(t, m.CloseSession(s.ID, CloseReasonClient), ErrNotFound)
}

func TestSweepClosesIdleSessions(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	m := NewManager(Config{IdleTimeout: 100 * time.Millisecond}, WithClock(clock.Now))

	s, err := m.CreateSession("pipe")
	require.NoError(t, err)

	clock.Advance(150 * time.Millisecond)
	swept := m.Sweep()
	assert.Equal(t, 1, swept)

	_, err = m.Get(s.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	st := m.Stats()
	assert.Equal(t, int64(1), st.TimedOut)
	assert.Equal(t, int64(0), st.Closed, "timeouts are counted separately from explicit closes")
}

func TestSweepSparesActiveSessions(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	m := NewManager(Config{IdleTimeout: 100 * time.Millisecond}, WithClock(clock.Now))

	s, err := m.CreateSession("pipe")
	require.NoError(t, err)

	clock.Advance(80 * time.Millisecond)
	m.UpdateActivity(s.ID)
	clock.Advance(80 * time.Millisecond)

	assert.Equal(t, 0, m.Sweep())
	_, err = m.Get(s.ID)
	assert.NoError(t, err)
}

func TestStats(t *testing.T) {
	m := NewManager(Config{})
	a, _ := m.CreateSession("pipe")
	b, _ := m.CreateSession("pipe")
	_ = m.CloseSession(a.ID, CloseReasonClient)

	st := m.Stats()
	assert.Equal(t, 1, st.Active)
	assert.Equal(t, int64(2), st.Created)
	assert.Equal(t, int64(1), st.Closed)

	_ = m.CloseSession(b.ID, CloseReasonShutdown)
	assert.Equal(t, 0, m.Stats().Active)
}

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }
