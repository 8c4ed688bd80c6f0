package registry

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"mime"
	"os"
	"path/filepath"
	"sync"
	"unicode/utf8"

	"github.com/fsnotify/fsnotify"

	"github.com/relaykit/relay/mcp"
)

// FileWatcher serves files from disk as registered resources and feeds
// NotifyUpdate when a watched file changes, so subscribers see fresh
// contents without polling.
type FileWatcher struct {
	mu      sync.Mutex
	log     *slog.Logger
	reg     *ResourceRegistry
	watcher *fsnotify.Watcher
	uris    map[string]string // absolute path -> uri
}

// NewFileWatcher constructs a FileWatcher bound to a resource registry.
func NewFileWatcher(reg *ResourceRegistry, log *slog.Logger) (*FileWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("fsnotify watcher: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}
	return &FileWatcher{
		log:     log,
		reg:     reg,
		watcher: w,
		uris:    make(map[string]string),
	}, nil
}

// Add registers the file under the given URI and starts watching it for
// changes. The resource's MIME type is inferred from the extension when the
// descriptor leaves it empty.
func (fw *FileWatcher) Add(uri, name, path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if _, err := os.Stat(abs); err != nil {
		return fmt.Errorf("watch %s: %w", path, err)
	}

	mimeType := mime.TypeByExtension(filepath.Ext(abs))
	res := mcp.Resource{URI: uri, Name: name, MimeType: mimeType}
	handler := func(ctx context.Context, requestedURI string) ([]mcp.ResourceContents, error) {
		return readFileContents(requestedURI, abs, mimeType)
	}
	if err := fw.reg.Register(res, handler); err != nil {
		return err
	}

	if err := fw.watcher.Add(abs); err != nil {
		_ = fw.reg.Unregister(uri)
		return fmt.Errorf("watch %s: %w", path, err)
	}
	fw.mu.Lock()
	fw.uris[abs] = uri
	fw.mu.Unlock()
	return nil
}

// Run pumps filesystem events into resource update notifications until ctx
// is done.
func (fw *FileWatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-fw.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			fw.mu.Lock()
			uri, tracked := fw.uris[ev.Name]
			fw.mu.Unlock()
			if !tracked {
				continue
			}
			fw.reg.NotifyUpdate(ctx, uri)
		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}
			fw.log.Warn("registry.fswatch.error", slog.String("err", err.Error()))
		}
	}
}

// Close stops watching. Registered resources stay readable.
func (fw *FileWatcher) Close() error {
	return fw.watcher.Close()
}

func readFileContents(uri, path, mimeType string) ([]mcp.ResourceContents, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	contents := mcp.ResourceContents{URI: uri, MimeType: mimeType}
	if utf8.Valid(data) {
		contents.Text = string(data)
	} else {
		contents.Blob = base64.StdEncoding.EncodeToString(data)
	}
	return []mcp.ResourceContents{contents}, nil
}
