// Package relay is a transport-agnostic protocol server runtime. It speaks
// JSON-RPC 2.0 over any duplex message channel and layers a session
// handshake, bounded connection pooling, background task execution,
// token-bucket admission control, OAuth token management, and pluggable
// tool, resource and prompt registries on top.
//
// The entry point is New, which wires every manager from a single Config,
// and Serve, which drives the read loop for one client transport. Shutdown
// drains the pool and closes every session. Capability surfaces are opt-in:
// registries and providers attached via options decide which protocol
// methods the server advertises and routes.
package relay
