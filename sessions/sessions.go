// Package sessions tracks client conversation lifecycle for the relay
// runtime, independent of any single connection. A session is created on
// first contact, must complete the protocol handshake before capability
// methods are routed to it, and is destroyed on explicit close or by the
// idle-timeout sweep.
package sessions

import (
	"time"

	"github.com/relaykit/relay/mcp"
)

// State is the lifecycle state of a session.
type State string

const (
	StateCreated      State = "created"
	StateInitializing State = "initializing"
	StateReady        State = "ready"
	StateClosing      State = "closing"
	StateClosed       State = "closed"
	StateError        State = "error"
)

// Session is a snapshot of one client conversation. Snapshots are values;
// mutation happens only through Manager operations.
type Session struct {
	ID              string
	TransportKind   string
	State           State
	ClientInfo      mcp.ImplementationInfo
	ProtocolVersion string
	Capabilities    mcp.ClientCapabilities
	Authenticated   bool
	CreatedAt       time.Time
	LastActivityAt  time.Time
	Metadata        map[string]any
}

// Ready reports whether the session completed the handshake.
func (s *Session) Ready() bool { return s.State == StateReady }

// CloseReason explains why a session was closed.
type CloseReason string

const (
	CloseReasonClient   CloseReason = "client_request"
	CloseReasonTimeout  CloseReason = "idle_timeout"
	CloseReasonShutdown CloseReason = "server_shutdown"
	CloseReasonError    CloseReason = "error"
)

// CloseEvent is delivered to the close listener when a session is removed.
type CloseEvent struct {
	SessionID string
	Reason    CloseReason
	At        time.Time
}

// Stats counts session lifecycle outcomes. Timeouts are tracked separately
// from explicit closes.
type Stats struct {
	Active   int
	Created  int64
	Closed   int64
	TimedOut int64
}
