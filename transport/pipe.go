package transport

import (
	"context"
	"sync"

	"github.com/relaykit/relay/internal/jsonrpc"
)

// Pipe returns two connected in-memory transports. A message sent on one end
// is received on the other. Both ends share closure state: closing either end
// closes the pipe.
func Pipe() (Transport, Transport) {
	a2b := make(chan jsonrpc.Message, 16)
	b2a := make(chan jsonrpc.Message, 16)
	done := make(chan struct{})
	var once sync.Once
	closeFn := func() { once.Do(func() { close(done) }) }

	a := &pipeEnd{send: a2b, recv: b2a, done: done, close: closeFn}
	b := &pipeEnd{send: b2a, recv: a2b, done: done, close: closeFn}
	return a, b
}

type pipeEnd struct {
	send  chan jsonrpc.Message
	recv  chan jsonrpc.Message
	done  chan struct{}
	close func()
}

func (p *pipeEnd) Kind() string { return "pipe" }

func (p *pipeEnd) Send(ctx context.Context, msg jsonrpc.Message) error {
	select {
	case <-p.done:
		return ErrClosed
	default:
	}
	select {
	case p.send <- msg:
		return nil
	case <-p.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pipeEnd) Receive(ctx context.Context) (jsonrpc.Message, error) {
	// Drain buffered messages even when the pipe is already closed so a
	// reader never loses messages sent before closure.
	select {
	case msg := <-p.recv:
		return msg, nil
	default:
	}
	select {
	case msg := <-p.recv:
		return msg, nil
	case <-p.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *pipeEnd) Close() error {
	p.close()
	return nil
}
