// Package registry holds the runtime's invocable capabilities: tools,
// readable resources and templated prompts. Each registry enforces the same
// contract around its entries: validated registration with duplicate
// rejection, cursor-paginated listing, category/tag indexing, usage metadata,
// and invocation that surfaces validation and handler failures as data
// rather than letting them escape.
package registry

import (
	"errors"
	"sync"
	"time"
)

var (
	// ErrDuplicate is returned when registering an existing name without the
	// override flag.
	ErrDuplicate = errors.New("registry: name already registered")
	// ErrNotFound is returned for lookups of unregistered capabilities.
	ErrNotFound = errors.New("registry: not found")
	// ErrBadCursor is returned for cursors the registry did not mint.
	ErrBadCursor = errors.New("registry: malformed cursor")
)

// RegisterOption configures a registration.
type RegisterOption func(*registerConfig)

type registerConfig struct {
	override bool
}

// WithOverride allows re-registration of an existing name.
func WithOverride() RegisterOption {
	return func(c *registerConfig) { c.override = true }
}

// Usage is the mutable usage-metadata record kept per capability.
type Usage struct {
	CallCount    int64
	ErrorCount   int64
	AvgLatency   time.Duration
	LastCalledAt time.Time
}

// usageTable tracks per-name usage with a rolling average latency.
type usageTable struct {
	mu      sync.Mutex
	entries map[string]*Usage
}

func newUsageTable() *usageTable {
	return &usageTable{entries: make(map[string]*Usage)}
}

func (t *usageTable) record(name string, latency time.Duration, failed bool, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	u, ok := t.entries[name]
	if !ok {
		u = &Usage{}
		t.entries[name] = u
	}
	u.CallCount++
	if failed {
		u.ErrorCount++
	}
	u.AvgLatency += (latency - u.AvgLatency) / time.Duration(u.CallCount)
	u.LastCalledAt = now
}

func (t *usageTable) get(name string) (Usage, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	u, ok := t.entries[name]
	if !ok {
		return Usage{}, false
	}
	return *u, true
}

func (t *usageTable) drop(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, name)
}

// categoryIndex maps category and tag keys to member names for O(1)
// categorical lookup.
type categoryIndex struct {
	byKey map[string]map[string]struct{}
}

func newCategoryIndex() *categoryIndex {
	return &categoryIndex{byKey: make(map[string]map[string]struct{})}
}

func (idx *categoryIndex) add(name string, keys ...string) {
	for _, key := range keys {
		if key == "" {
			continue
		}
		members, ok := idx.byKey[key]
		if !ok {
			members = make(map[string]struct{})
			idx.byKey[key] = members
		}
		members[name] = struct{}{}
	}
}

func (idx *categoryIndex) remove(name string) {
	for key, members := range idx.byKey {
		delete(members, name)
		if len(members) == 0 {
			delete(idx.byKey, key)
		}
	}
}

func (idx *categoryIndex) members(key string) []string {
	members := idx.byKey[key]
	out := make([]string, 0, len(members))
	for name := range members {
		out = append(out, name)
	}
	return out
}
