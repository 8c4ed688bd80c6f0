// Package sampling routes model-generation requests to pluggable providers.
// Providers register explicitly; a manager with none registered reports
// unavailability instead of failing at construction.
package sampling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/relaykit/relay/mcp"
	"github.com/relaykit/relay/tasks"
)

var (
	// ErrNoProvider is returned when CreateMessage runs with no provider
	// registered, or names one that is not.
	ErrNoProvider = errors.New("sampling: unavailable")
)

// Provider generates a message from a conversation. Implementations are
// expected to honor ctx; generation that ignores cancellation keeps running
// in the background while the caller sees a timeout.
type Provider interface {
	CreateMessage(ctx context.Context, req *mcp.CreateMessageRequest) (*mcp.CreateMessageResult, error)
}

// ProviderFunc adapts a function to the Provider interface.
type ProviderFunc func(ctx context.Context, req *mcp.CreateMessageRequest) (*mcp.CreateMessageResult, error)

func (f ProviderFunc) CreateMessage(ctx context.Context, req *mcp.CreateMessageRequest) (*mcp.CreateMessageResult, error) {
	return f(ctx, req)
}

// Manager holds registered providers and executes generation requests as
// tracked tasks, so provider calls inherit the task manager's concurrency
// ceiling, timeout watchdog, and cancellation semantics.
type Manager struct {
	mu        sync.RWMutex
	log       *slog.Logger
	tasks     *tasks.Manager
	providers map[string]Provider
	order     []string
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.log = l
		}
	}
}

// NewManager constructs a Manager executing through tm.
func NewManager(tm *tasks.Manager, opts ...Option) *Manager {
	m := &Manager{
		log:       slog.Default(),
		tasks:     tm,
		providers: make(map[string]Provider),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// RegisterProvider adds a named provider. Registering the same name twice
// replaces the earlier provider.
func (m *Manager) RegisterProvider(name string, p Provider) error {
	if name == "" {
		return fmt.Errorf("sampling: provider name is required")
	}
	if p == nil {
		return fmt.Errorf("sampling: provider %q is nil", name)
	}
	m.mu.Lock()
	if _, exists := m.providers[name]; !exists {
		m.order = append(m.order, name)
	}
	m.providers[name] = p
	m.mu.Unlock()
	m.log.Info("sampling.provider.registered", slog.String("provider", name))
	return nil
}

// Providers returns the registered provider names in registration order.
func (m *Manager) Providers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.order...)
}

// Available reports whether at least one provider is registered.
func (m *Manager) Available() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.providers) > 0
}

// resolve picks the named provider, or the first registered one when name
// is empty.
func (m *Manager) resolve(name string) (string, Provider, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if name == "" {
		if len(m.order) == 0 {
			return "", nil, ErrNoProvider
		}
		name = m.order[0]
	}
	p, ok := m.providers[name]
	if !ok {
		return "", nil, fmt.Errorf("%w: provider %q", ErrNoProvider, name)
	}
	return name, p, nil
}

// CreateMessage runs the generation as a tracked task and blocks until it
// settles. Timeout and cancellation outcomes surface as the task error so
// callers can tell "it failed" from "it ran out of time".
func (m *Manager) CreateMessage(ctx context.Context, providerName string, req *mcp.CreateMessageRequest) (*mcp.CreateMessageResult, error) {
	name, provider, err := m.resolve(providerName)
	if err != nil {
		return nil, err
	}

	task, err := m.tasks.CreateTask(func(taskCtx context.Context, report tasks.ReportFunc) (any, error) {
		return provider.CreateMessage(taskCtx, req)
	}, map[string]string{"kind": "sampling", "provider": name})
	if err != nil {
		return nil, err
	}

	settled, err := m.tasks.WaitForTask(ctx, task.ID, 0)
	if err != nil {
		return nil, err
	}
	if settled.Err != nil {
		m.log.Warn("sampling.create_message.fail",
			slog.String("provider", name),
			slog.String("task_id", task.ID),
			slog.String("err", settled.Err.Error()))
		return nil, settled.Err
	}
	result, ok := settled.Result.(*mcp.CreateMessageResult)
	if !ok {
		return nil, fmt.Errorf("sampling: provider %q returned no result", name)
	}
	return result, nil
}
