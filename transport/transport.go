// Package transport defines the abstract duplex channel the runtime consumes.
// The runtime assumes only that messages arrive and depart as whole structured
// units; framing, sockets and HTTP plumbing belong to concrete
// implementations outside this module.
package transport

import (
	"context"
	"errors"

	"github.com/relaykit/relay/internal/jsonrpc"
)

// ErrClosed is returned by Send and Receive after the transport is closed.
var ErrClosed = errors.New("transport: closed")

// Transport is a duplex message channel. Implementations must be safe for one
// concurrent sender and one concurrent receiver.
type Transport interface {
	// Send writes one whole message. It blocks until the message is accepted
	// by the peer or ctx is done.
	Send(ctx context.Context, msg jsonrpc.Message) error

	// Receive blocks until the next whole message arrives, the transport is
	// closed, or ctx is done.
	Receive(ctx context.Context) (jsonrpc.Message, error)

	// Kind names the transport flavor ("pipe", "stdio", ...). Sessions record
	// it for observability.
	Kind() string

	Close() error
}
