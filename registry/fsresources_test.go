package registry

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaykit/relay/mcp"
)

func TestFileWatcherServesAndRefreshes(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "notes.txt")
	require.NoError(t, os.WriteFile(path, []byte("v1"), 0o644))

	reg := NewResourceRegistry()
	fw, err := NewFileWatcher(reg, nil)
	require.NoError(t, err)
	defer fw.Close()

	require.NoError(t, fw.Add("file:///notes", "notes", path))

	contents, err := reg.Read(context.Background(), "file:///notes")
	require.NoError(t, err)
	assert.Equal(t, "v1", contents[0].Text)

	var mu sync.Mutex
	var latest string
	require.NoError(t, reg.Subscribe("file:///notes", "s1", func(uri string, c []mcp.ResourceContents) {
		mu.Lock()
		latest = c[0].Text
		mu.Unlock()
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go fw.Run(ctx)

	require.NoError(t, os.WriteFile(path, []byte("v2"), 0o644))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return latest == "v2"
	}, 3*time.Second, 10*time.Millisecond)
}

func TestFileWatcherRejectsMissingFile(t *testing.T) {
	reg := NewResourceRegistry()
	fw, err := NewFileWatcher(reg, nil)
	require.NoError(t, err)
	defer fw.Close()

	err = fw.Add("file:///ghost", "ghost", filepath.Join(t.TempDir(), "missing.txt"))
	require.Error(t, err)

	_, err = reg.Get("file:///ghost")
	assert.ErrorIs(t, err, ErrNotFound, "failed Add must not leave a registered resource behind")
}

func TestReadFileContentsBinaryFallsBackToBlob(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "blob.bin")
	require.NoError(t, os.WriteFile(path, []byte{0xff, 0xfe, 0x00, 0x01}, 0o644))

	contents, err := readFileContents("file:///blob", path, "application/octet-stream")
	require.NoError(t, err)
	assert.Empty(t, contents[0].Text)
	assert.NotEmpty(t, contents[0].Blob)
}
