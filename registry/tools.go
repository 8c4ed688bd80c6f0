package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/relaykit/relay/internal/validation"
	"github.com/relaykit/relay/mcp"
)

// ToolHandler executes a tool invocation. Returning an error marks the call
// as a handler failure; it is captured as an in-band error result, never
// propagated out of the registry.
type ToolHandler func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error)

// ToolRegistry holds callable tools. Safe for concurrent use.
type ToolRegistry struct {
	mu       sync.RWMutex
	log      *slog.Logger
	order    []string
	tools    map[string]mcp.Tool
	handlers map[string]ToolHandler
	index    *categoryIndex
	usage    *usageTable
	notifier ChangeNotifier
	now      func() time.Time
}

// NewToolRegistry constructs an empty ToolRegistry.
func NewToolRegistry(opts ...ToolRegistryOption) *ToolRegistry {
	r := &ToolRegistry{
		log:      slog.Default(),
		tools:    make(map[string]mcp.Tool),
		handlers: make(map[string]ToolHandler),
		index:    newCategoryIndex(),
		usage:    newUsageTable(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ToolRegistryOption configures a ToolRegistry.
type ToolRegistryOption func(*ToolRegistry)

// WithToolLogger sets a custom logger.
func WithToolLogger(l *slog.Logger) ToolRegistryOption {
	return func(r *ToolRegistry) {
		if l != nil {
			r.log = l
		}
	}
}

// Register validates the tool's declared contract and adds it to the
// registry, indexing it by name, category and tags. Duplicate names are
// rejected unless WithOverride is given.
func (r *ToolRegistry) Register(tool mcp.Tool, handler ToolHandler, opts ...RegisterOption) error {
	var cfg registerConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	if err := validation.Name(tool.Name); err != nil {
		return err
	}
	if handler == nil {
		return fmt.Errorf("registry: tool %q has nil handler", tool.Name)
	}
	if err := validation.Schema(&tool.InputSchema); err != nil {
		return fmt.Errorf("registry: tool %q: %w", tool.Name, err)
	}

	r.mu.Lock()
	_, exists := r.tools[tool.Name]
	if exists && !cfg.override {
		r.mu.Unlock()
		return fmt.Errorf("%w: tool %q", ErrDuplicate, tool.Name)
	}
	if !exists {
		r.order = append(r.order, tool.Name)
	} else {
		r.index.remove(tool.Name)
	}
	r.tools[tool.Name] = tool
	r.handlers[tool.Name] = handler
	r.index.add(tool.Name, append([]string{tool.Category}, tool.Tags...)...)
	r.mu.Unlock()

	r.notifier.Notify()
	return nil
}

// Unregister removes the tool from the name and category indexes.
func (r *ToolRegistry) Unregister(name string) error {
	r.mu.Lock()
	if _, ok := r.tools[name]; !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: tool %q", ErrNotFound, name)
	}
	delete(r.tools, name)
	delete(r.handlers, name)
	r.index.remove(name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.mu.Unlock()

	r.usage.drop(name)
	r.notifier.Notify()
	return nil
}

// Get returns the tool descriptor.
func (r *ToolRegistry) Get(name string) (mcp.Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	if !ok {
		return mcp.Tool{}, fmt.Errorf("%w: tool %q", ErrNotFound, name)
	}
	return t, nil
}

// List returns one page of tools in registration order.
func (r *ToolRegistry) List(cursor string, pageSize int) (Page[mcp.Tool], error) {
	r.mu.RLock()
	items := make([]mcp.Tool, 0, len(r.order))
	for _, name := range r.order {
		items = append(items, r.tools[name])
	}
	r.mu.RUnlock()
	return paginate(items, cursor, pageSize)
}

// ByCategory returns the names registered under a category or tag key.
func (r *ToolRegistry) ByCategory(key string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.index.members(key)
}

// Usage returns the usage metadata recorded for the tool.
func (r *ToolRegistry) Usage(name string) (Usage, bool) {
	return r.usage.get(name)
}

// Subscribe returns a change-notification channel for list changes.
func (r *ToolRegistry) Subscribe() <-chan struct{} {
	return r.notifier.Subscriber()
}

// Close tears down the change notifier.
func (r *ToolRegistry) Close() {
	r.notifier.Close()
}

// Execute validates the request against the tool's declared contract and
// invokes its handler, measuring latency and updating usage metadata.
// Validation and handler failures are returned as structured error results;
// Execute only returns a Go error for unknown tools.
func (r *ToolRegistry) Execute(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	r.mu.RLock()
	tool, ok := r.tools[req.Name]
	handler := r.handlers[req.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: tool %q", ErrNotFound, req.Name)
	}

	if verr := validation.Arguments(&tool.InputSchema, req.Arguments); verr != nil {
		r.usage.record(req.Name, 0, true, r.now())
		return &mcp.CallToolResult{
			IsError: true,
			Content: []mcp.ContentBlock{mcp.TextContent(verr.Error())},
		}, nil
	}

	start := r.now()
	result, err := r.invoke(ctx, handler, req)
	latency := r.now().Sub(start)

	if err != nil {
		r.usage.record(req.Name, latency, true, r.now())
		r.log.Warn("registry.tools.execute.fail",
			slog.String("tool", req.Name),
			slog.String("err", err.Error()),
			slog.Int64("dur_ms", latency.Milliseconds()))
		return &mcp.CallToolResult{
			IsError: true,
			Content: []mcp.ContentBlock{mcp.TextContent(fmt.Sprintf("tool %s failed: %v", req.Name, err))},
		}, nil
	}

	failed := result != nil && result.IsError
	r.usage.record(req.Name, latency, failed, r.now())
	if result == nil {
		result = &mcp.CallToolResult{}
	}
	return result, nil
}

// invoke isolates handler panics; a panicking handler is an execution
// failure, not a registry crash.
func (r *ToolRegistry) invoke(ctx context.Context, handler ToolHandler, req *mcp.CallToolRequest) (result *mcp.CallToolResult, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("handler panic: %v", rec)
		}
	}()
	return handler(ctx, req)
}
