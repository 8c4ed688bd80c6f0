package transport

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaykit/relay/internal/jsonrpc"
)

// lockedBuffer lets the test read what Send wrote without racing the writer.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestStdioReceiveFrames(t *testing.T) {
	in := strings.NewReader("{\"a\":1}\n\n  {\"b\":2}  \n")
	tr := NewStdio(in, &lockedBuffer{})
	defer tr.Close()

	ctx := context.Background()
	msg, err := tr.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(msg))

	// Blank lines are skipped, surrounding whitespace trimmed.
	msg, err = tr.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, `{"b":2}`, string(msg))

	// EOF closes the transport once buffered frames are drained.
	_, err = tr.Receive(ctx)
	require.ErrorIs(t, err, ErrClosed)
}

func TestStdioSendAppendsNewline(t *testing.T) {
	out := &lockedBuffer{}
	pr, pw := io.Pipe()
	tr := NewStdio(pr, out)
	defer tr.Close()
	defer pw.Close()

	ctx := context.Background()
	require.NoError(t, tr.Send(ctx, jsonrpc.Message(`{"id":1}`)))
	require.NoError(t, tr.Send(ctx, jsonrpc.Message(`{"id":2}`)))
	assert.Equal(t, "{\"id\":1}\n{\"id\":2}\n", out.String())
}

func TestStdioCloseUnblocksReceive(t *testing.T) {
	pr, pw := io.Pipe()
	tr := NewStdio(pr, &lockedBuffer{})
	defer pw.Close()

	errCh := make(chan error, 1)
	go func() {
		_, err := tr.Receive(context.Background())
		errCh <- err
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, tr.Close())

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("receive did not unblock on close")
	}

	require.ErrorIs(t, tr.Send(context.Background(), jsonrpc.Message(`{}`)), ErrClosed)
}

func TestStdioReceiveHonorsContext(t *testing.T) {
	pr, pw := io.Pipe()
	tr := NewStdio(pr, &lockedBuffer{})
	defer tr.Close()
	defer pw.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := tr.Receive(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
