package transport

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"sync"

	"github.com/relaykit/relay/internal/jsonrpc"
)

// maxStdioMessage caps a single newline-delimited frame.
const maxStdioMessage = 10 * 1024 * 1024

// NewStdio frames newline-delimited JSON messages over r and w, the
// subprocess embedding convention: one message per line, blank lines
// ignored. Reading starts immediately; EOF on r closes the transport. When
// r or w also implement io.Closer they are closed with the transport.
func NewStdio(r io.Reader, w io.Writer) Transport {
	t := &stdioTransport{
		r:    r,
		w:    w,
		recv: make(chan jsonrpc.Message, 16),
		done: make(chan struct{}),
	}
	go t.readLoop()
	return t
}

type stdioTransport struct {
	r io.Reader

	wmu sync.Mutex
	w   io.Writer

	recv chan jsonrpc.Message
	done chan struct{}
	once sync.Once
}

func (t *stdioTransport) Kind() string { return "stdio" }

func (t *stdioTransport) readLoop() {
	scanner := bufio.NewScanner(t.r)
	scanner.Buffer(make([]byte, 64*1024), maxStdioMessage)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		msg := make(jsonrpc.Message, len(line))
		copy(msg, line)
		select {
		case t.recv <- msg:
		case <-t.done:
			return
		}
	}
	t.shutdown()
}

func (t *stdioTransport) Send(ctx context.Context, msg jsonrpc.Message) error {
	select {
	case <-t.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	t.wmu.Lock()
	defer t.wmu.Unlock()
	if _, err := t.w.Write(append(msg, '\n')); err != nil {
		return err
	}
	return nil
}

func (t *stdioTransport) Receive(ctx context.Context) (jsonrpc.Message, error) {
	// Drain buffered frames before reporting closure so nothing read off the
	// wire is dropped.
	select {
	case msg := <-t.recv:
		return msg, nil
	default:
	}
	select {
	case msg := <-t.recv:
		return msg, nil
	case <-t.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *stdioTransport) shutdown() {
	t.once.Do(func() {
		close(t.done)
		if c, ok := t.r.(io.Closer); ok {
			c.Close()
		}
		if c, ok := t.w.(io.Closer); ok {
			c.Close()
		}
	})
}

func (t *stdioTransport) Close() error {
	t.shutdown()
	return nil
}
