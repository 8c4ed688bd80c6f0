package registry

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/relaykit/relay/internal/validation"
	"github.com/relaykit/relay/mcp"
)

// ReadHandler produces the contents of a resource. Template handlers receive
// the fully resolved URI that matched.
type ReadHandler func(ctx context.Context, uri string) ([]mcp.ResourceContents, error)

// UpdateFunc delivers fresh contents to a subscriber after NotifyUpdate.
type UpdateFunc func(uri string, contents []mcp.ResourceContents)

type templateEntry struct {
	descriptor mcp.ResourceTemplate
	pattern    *regexp.Regexp
	handler    ReadHandler
}

// ResourceRegistry holds readable resources, URI templates and per-URI
// subscriptions. Safe for concurrent use.
type ResourceRegistry struct {
	mu        sync.RWMutex
	log       *slog.Logger
	order     []string // URIs in registration order
	resources map[string]mcp.Resource
	handlers  map[string]ReadHandler
	templates []templateEntry
	subs      map[string]map[string]UpdateFunc // uri -> subscriber id -> fn
	index     *categoryIndex
	usage     *usageTable
	notifier  ChangeNotifier
	now       func() time.Time
}

// NewResourceRegistry constructs an empty ResourceRegistry.
func NewResourceRegistry(opts ...ResourceRegistryOption) *ResourceRegistry {
	r := &ResourceRegistry{
		log:       slog.Default(),
		resources: make(map[string]mcp.Resource),
		handlers:  make(map[string]ReadHandler),
		subs:      make(map[string]map[string]UpdateFunc),
		index:     newCategoryIndex(),
		usage:     newUsageTable(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ResourceRegistryOption configures a ResourceRegistry.
type ResourceRegistryOption func(*ResourceRegistry)

// WithResourceLogger sets a custom logger.
func WithResourceLogger(l *slog.Logger) ResourceRegistryOption {
	return func(r *ResourceRegistry) {
		if l != nil {
			r.log = l
		}
	}
}

// Register adds a concrete resource keyed by URI. Duplicate URIs are
// rejected unless WithOverride is given.
func (r *ResourceRegistry) Register(res mcp.Resource, handler ReadHandler, opts ...RegisterOption) error {
	var cfg registerConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	if res.URI == "" {
		return fmt.Errorf("registry: resource requires a uri")
	}
	if err := validation.Name(res.Name); err != nil {
		return err
	}
	if handler == nil {
		return fmt.Errorf("registry: resource %q has nil handler", res.URI)
	}

	r.mu.Lock()
	_, exists := r.resources[res.URI]
	if exists && !cfg.override {
		r.mu.Unlock()
		return fmt.Errorf("%w: resource %q", ErrDuplicate, res.URI)
	}
	if !exists {
		r.order = append(r.order, res.URI)
	} else {
		r.index.remove(res.URI)
	}
	r.resources[res.URI] = res
	r.handlers[res.URI] = handler
	r.index.add(res.URI, res.Tags...)
	r.mu.Unlock()

	r.notifier.Notify()
	return nil
}

// Unregister removes a concrete resource and its subscriptions.
func (r *ResourceRegistry) Unregister(uri string) error {
	r.mu.Lock()
	if _, ok := r.resources[uri]; !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: resource %q", ErrNotFound, uri)
	}
	delete(r.resources, uri)
	delete(r.handlers, uri)
	delete(r.subs, uri)
	r.index.remove(uri)
	for i, u := range r.order {
		if u == uri {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.mu.Unlock()

	r.usage.drop(uri)
	r.notifier.Notify()
	return nil
}

// RegisterTemplate adds a pattern-matched URI template. The pattern is
// compiled from the URI template with every regex metacharacter in the
// literal portions escaped, so attacker-supplied URIs cannot trigger
// catastrophic backtracking.
func (r *ResourceRegistry) RegisterTemplate(tmpl mcp.ResourceTemplate, handler ReadHandler) error {
	if err := validation.Name(tmpl.Name); err != nil {
		return err
	}
	if handler == nil {
		return fmt.Errorf("registry: template %q has nil handler", tmpl.Name)
	}
	pattern, err := compileTemplatePattern(tmpl.URITemplate)
	if err != nil {
		return fmt.Errorf("registry: template %q: %w", tmpl.Name, err)
	}

	r.mu.Lock()
	for _, t := range r.templates {
		if t.descriptor.Name == tmpl.Name {
			r.mu.Unlock()
			return fmt.Errorf("%w: template %q", ErrDuplicate, tmpl.Name)
		}
	}
	r.templates = append(r.templates, templateEntry{descriptor: tmpl, pattern: pattern, handler: handler})
	r.mu.Unlock()

	r.notifier.Notify()
	return nil
}

// compileTemplatePattern turns "scheme://path/{var}/rest" into an anchored
// regexp. Literal segments pass through regexp.QuoteMeta; each {var}
// placeholder matches one non-empty segment without slashes.
func compileTemplatePattern(uriTemplate string) (*regexp.Regexp, error) {
	if uriTemplate == "" {
		return nil, fmt.Errorf("empty uri template")
	}
	var b strings.Builder
	b.WriteString("^")
	rest := uriTemplate
	for {
		open := strings.Index(rest, "{")
		if open < 0 {
			b.WriteString(regexp.QuoteMeta(rest))
			break
		}
		closing := strings.Index(rest[open:], "}")
		if closing < 0 {
			return nil, fmt.Errorf("unbalanced braces in %q", uriTemplate)
		}
		b.WriteString(regexp.QuoteMeta(rest[:open]))
		b.WriteString(`([^/]+)`)
		rest = rest[open+closing+1:]
	}
	b.WriteString("$")
	return regexp.Compile(b.String())
}

// Get returns a concrete resource descriptor.
func (r *ResourceRegistry) Get(uri string) (mcp.Resource, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res, ok := r.resources[uri]
	if !ok {
		return mcp.Resource{}, fmt.Errorf("%w: resource %q", ErrNotFound, uri)
	}
	return res, nil
}

// List returns one page of concrete resources in registration order.
func (r *ResourceRegistry) List(cursor string, pageSize int) (Page[mcp.Resource], error) {
	r.mu.RLock()
	items := make([]mcp.Resource, 0, len(r.order))
	for _, uri := range r.order {
		items = append(items, r.resources[uri])
	}
	r.mu.RUnlock()
	return paginate(items, cursor, pageSize)
}

// ListTemplates returns one page of templates in registration order.
func (r *ResourceRegistry) ListTemplates(cursor string, pageSize int) (Page[mcp.ResourceTemplate], error) {
	r.mu.RLock()
	items := make([]mcp.ResourceTemplate, 0, len(r.templates))
	for _, t := range r.templates {
		items = append(items, t.descriptor)
	}
	r.mu.RUnlock()
	return paginate(items, cursor, pageSize)
}

// ByTag returns the URIs registered under a tag.
func (r *ResourceRegistry) ByTag(tag string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.index.members(tag)
}

// Usage returns the usage metadata recorded for a URI.
func (r *ResourceRegistry) Usage(uri string) (Usage, bool) {
	return r.usage.get(uri)
}

// SubscribeListChanged returns a change-notification channel for list changes.
func (r *ResourceRegistry) SubscribeListChanged() <-chan struct{} {
	return r.notifier.Subscriber()
}

// Close tears down the change notifier.
func (r *ResourceRegistry) Close() {
	r.notifier.Close()
}

// resolve finds the handler serving the URI: a concrete resource first, then
// the first matching template.
func (r *ResourceRegistry) resolve(uri string) (ReadHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if h, ok := r.handlers[uri]; ok {
		return h, true
	}
	for _, t := range r.templates {
		if t.pattern.MatchString(uri) {
			return t.handler, true
		}
	}
	return nil, false
}

// Read resolves the URI and invokes its handler, measuring latency and
// updating usage metadata. Unknown URIs return ErrNotFound.
func (r *ResourceRegistry) Read(ctx context.Context, uri string) ([]mcp.ResourceContents, error) {
	handler, ok := r.resolve(uri)
	if !ok {
		return nil, fmt.Errorf("%w: resource %q", ErrNotFound, uri)
	}

	start := r.now()
	contents, err := r.read(ctx, handler, uri)
	latency := r.now().Sub(start)
	r.usage.record(uri, latency, err != nil, r.now())
	if err != nil {
		r.log.Warn("registry.resources.read.fail",
			slog.String("uri", uri),
			slog.String("err", err.Error()),
			slog.Int64("dur_ms", latency.Milliseconds()))
		return nil, err
	}
	return contents, nil
}

func (r *ResourceRegistry) read(ctx context.Context, handler ReadHandler, uri string) (contents []mcp.ResourceContents, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("handler panic: %v", rec)
		}
	}()
	return handler(ctx, uri)
}

// Subscribe registers a subscriber for updates to a URI. Subscribing to a
// URI that neither matches a concrete resource nor any template is rejected.
func (r *ResourceRegistry) Subscribe(uri, subscriberID string, fn UpdateFunc) error {
	if fn == nil {
		return fmt.Errorf("registry: nil update func")
	}
	if _, ok := r.resolve(uri); !ok {
		return fmt.Errorf("%w: resource %q", ErrNotFound, uri)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.subs[uri]
	if !ok {
		m = make(map[string]UpdateFunc)
		r.subs[uri] = m
	}
	m[subscriberID] = fn
	return nil
}

// Unsubscribe removes a subscriber from a URI.
func (r *ResourceRegistry) Unsubscribe(uri, subscriberID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.subs[uri]; ok {
		delete(m, subscriberID)
		if len(m) == 0 {
			delete(r.subs, uri)
		}
	}
}

// NotifyUpdate re-reads the resource and pushes the fresh contents to every
// subscriber of the URI. Delivery is advisory; a failed re-read is logged
// and dropped.
func (r *ResourceRegistry) NotifyUpdate(ctx context.Context, uri string) {
	r.mu.RLock()
	fns := make([]UpdateFunc, 0, len(r.subs[uri]))
	for _, fn := range r.subs[uri] {
		fns = append(fns, fn)
	}
	r.mu.RUnlock()
	if len(fns) == 0 {
		return
	}

	contents, err := r.Read(ctx, uri)
	if err != nil {
		r.log.Warn("registry.resources.notify.read_fail",
			slog.String("uri", uri),
			slog.String("err", err.Error()))
		return
	}
	for _, fn := range fns {
		fn(uri, contents)
	}
}
