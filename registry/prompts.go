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

// PromptHandler renders a prompt with the supplied arguments.
type PromptHandler func(ctx context.Context, args map[string]string) (*mcp.GetPromptResult, error)

// PromptRegistry holds templated prompts. Safe for concurrent use.
type PromptRegistry struct {
	mu       sync.RWMutex
	log      *slog.Logger
	order    []string
	prompts  map[string]mcp.Prompt
	handlers map[string]PromptHandler
	index    *categoryIndex
	usage    *usageTable
	notifier ChangeNotifier
	now      func() time.Time
}

// NewPromptRegistry constructs an empty PromptRegistry.
func NewPromptRegistry(opts ...PromptRegistryOption) *PromptRegistry {
	r := &PromptRegistry{
		log:      slog.Default(),
		prompts:  make(map[string]mcp.Prompt),
		handlers: make(map[string]PromptHandler),
		index:    newCategoryIndex(),
		usage:    newUsageTable(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// PromptRegistryOption configures a PromptRegistry.
type PromptRegistryOption func(*PromptRegistry)

// WithPromptLogger sets a custom logger.
func WithPromptLogger(l *slog.Logger) PromptRegistryOption {
	return func(r *PromptRegistry) {
		if l != nil {
			r.log = l
		}
	}
}

// Register validates and adds a prompt. Duplicate names are rejected unless
// WithOverride is given.
func (r *PromptRegistry) Register(prompt mcp.Prompt, handler PromptHandler, opts ...RegisterOption) error {
	var cfg registerConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	if err := validation.Name(prompt.Name); err != nil {
		return err
	}
	if handler == nil {
		return fmt.Errorf("registry: prompt %q has nil handler", prompt.Name)
	}
	seen := make(map[string]struct{}, len(prompt.Arguments))
	for _, arg := range prompt.Arguments {
		if arg.Name == "" {
			return fmt.Errorf("registry: prompt %q has unnamed argument", prompt.Name)
		}
		if _, dup := seen[arg.Name]; dup {
			return fmt.Errorf("registry: prompt %q duplicates argument %q", prompt.Name, arg.Name)
		}
		seen[arg.Name] = struct{}{}
	}

	r.mu.Lock()
	_, exists := r.prompts[prompt.Name]
	if exists && !cfg.override {
		r.mu.Unlock()
		return fmt.Errorf("%w: prompt %q", ErrDuplicate, prompt.Name)
	}
	if !exists {
		r.order = append(r.order, prompt.Name)
	} else {
		r.index.remove(prompt.Name)
	}
	r.prompts[prompt.Name] = prompt
	r.handlers[prompt.Name] = handler
	r.index.add(prompt.Name, append([]string{prompt.Category}, prompt.Tags...)...)
	r.mu.Unlock()

	r.notifier.Notify()
	return nil
}

// Unregister removes the prompt from the name and category indexes.
func (r *PromptRegistry) Unregister(name string) error {
	r.mu.Lock()
	if _, ok := r.prompts[name]; !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: prompt %q", ErrNotFound, name)
	}
	delete(r.prompts, name)
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

// List returns one page of prompts in registration order.
func (r *PromptRegistry) List(cursor string, pageSize int) (Page[mcp.Prompt], error) {
	r.mu.RLock()
	items := make([]mcp.Prompt, 0, len(r.order))
	for _, name := range r.order {
		items = append(items, r.prompts[name])
	}
	r.mu.RUnlock()
	return paginate(items, cursor, pageSize)
}

// ByCategory returns the names registered under a category or tag key.
func (r *PromptRegistry) ByCategory(key string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.index.members(key)
}

// Usage returns the usage metadata recorded for the prompt.
func (r *PromptRegistry) Usage(name string) (Usage, bool) {
	return r.usage.get(name)
}

// Subscribe returns a change-notification channel for list changes.
func (r *PromptRegistry) Subscribe() <-chan struct{} {
	return r.notifier.Subscriber()
}

// Close tears down the change notifier.
func (r *PromptRegistry) Close() {
	r.notifier.Close()
}

// GetResult validates the supplied arguments against the prompt's declared
// contract and renders it. Missing required arguments are returned as an
// itemized validation error result, never panics.
func (r *PromptRegistry) GetResult(ctx context.Context, name string, args map[string]string) (*mcp.GetPromptResult, error) {
	r.mu.RLock()
	prompt, ok := r.prompts[name]
	handler := r.handlers[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: prompt %q", ErrNotFound, name)
	}

	var violations []validation.Violation
	for _, arg := range prompt.Arguments {
		if !arg.Required {
			continue
		}
		if _, present := args[arg.Name]; !present {
			violations = append(violations, validation.Violation{Field: arg.Name, Constraint: "required"})
		}
	}
	if len(violations) > 0 {
		r.usage.record(name, 0, true, r.now())
		return nil, &validation.Error{Violations: violations}
	}

	start := r.now()
	result, err := r.render(ctx, handler, args)
	latency := r.now().Sub(start)
	r.usage.record(name, latency, err != nil, r.now())
	if err != nil {
		r.log.Warn("registry.prompts.get.fail",
			slog.String("prompt", name),
			slog.String("err", err.Error()),
			slog.Int64("dur_ms", latency.Milliseconds()))
		return nil, err
	}
	if result != nil && result.Description == "" {
		result.Description = prompt.Description
	}
	return result, nil
}

func (r *PromptRegistry) render(ctx context.Context, handler PromptHandler, args map[string]string) (result *mcp.GetPromptResult, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("handler panic: %v", rec)
		}
	}()
	return handler(ctx, args)
}
