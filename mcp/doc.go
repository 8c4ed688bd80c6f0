// Package mcp defines the protocol-level message and capability types
// exchanged between a client and the relay runtime. The types here describe
// payload shapes only; the wire envelope (request id, method, error object)
// lives in internal/jsonrpc and the routing logic in internal/engine.
package mcp
