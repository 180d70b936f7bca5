package hook

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrInterrupt signals that a Hook handler wants to stop further processing.
var ErrInterrupt = errors.New("hook interrupted")

// HookFn is a hook handler function.
// Returns (modified data, nil) to continue, or (data, ErrInterrupt) to stop.
// Any other error is collected and returned by Trigger after the remaining
// handlers have run.
type HookFn func(ctx context.Context, event string, data any) (any, error)

type hookEntry struct {
	priority int
	fn       HookFn
	name     string
}

// HookCenter manages event hook registrations.
type HookCenter struct {
	mu    sync.RWMutex
	hooks map[string][]*hookEntry
}

// NewHookCenter creates a new HookCenter.
func NewHookCenter() *HookCenter {
	return &HookCenter{hooks: make(map[string][]*hookEntry)}
}

// Register adds a HookFn for the given event with the given priority (lower runs first).
// name is used for UnregisterAll.
func (hc *HookCenter) Register(event string, priority int, name string, fn HookFn) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	entries := hc.hooks[event]
	entries = append(entries, &hookEntry{priority: priority, fn: fn, name: name})
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].priority < entries[j].priority
	})
	hc.hooks[event] = entries
}

// UnregisterAll removes all hooks registered with the given name across all events.
func (hc *HookCenter) UnregisterAll(name string) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	for event, entries := range hc.hooks {
		n := 0
		for _, e := range entries {
			if e.name != name {
				entries[n] = e
				n++
			}
		}
		hc.hooks[event] = entries[:n]
	}
}

// Trigger executes all registered hooks for event in priority order.
// Data flows through each handler, allowing modification.
// If any handler returns ErrInterrupt, execution stops. A failing handler
// does not stop the chain and its output is discarded.
func (hc *HookCenter) Trigger(ctx context.Context, event string, data any) (any, error) {
	hc.mu.RLock()
	entries := make([]*hookEntry, len(hc.hooks[event]))
	copy(entries, hc.hooks[event])
	hc.mu.RUnlock()

	var errs []error
	for _, e := range entries {
		out, err := e.fn(ctx, event, data)
		if errors.Is(err, ErrInterrupt) {
			return out, err
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("hook %s/%s: %w", event, e.name, err))
			continue
		}
		data = out
	}
	return data, errors.Join(errs...)
}

// Handlers reports how many handlers are registered for event.
func (hc *HookCenter) Handlers(event string) int {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	return len(hc.hooks[event])
}

// Event names. The After* events fire once the mutation has committed, so
// handlers observe durable state and cannot veto it. A Before* handler that
// returns an error aborts the operation.
const (
	BeforeAccountDelete = "before_account_delete"
	AfterAccountCreate  = "after_account_create"
	AfterAccountDelete  = "after_account_delete"
	AfterRelationChange = "after_relation_change"
	AfterCanvasMix      = "after_canvas_mix"
)

// Events lists every event name above.
var Events = []string{
	BeforeAccountDelete,
	AfterAccountCreate,
	AfterAccountDelete,
	AfterRelationChange,
	AfterCanvasMix,
}
