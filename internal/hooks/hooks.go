// Package hooks implements lifecycle hooks: named callables that fire at
// fixed points of a session's execution, in priority order, with composed
// outputs and full audit rows.
package hooks

import (
	"context"
	"sort"
	"sync"

	"github.com/agentdeck/agentdeck/internal/store"
)

// Input is what a hook receives. Data carries the composed key/value state:
// each hook sees the previous hook's output merged over the original input.
type Input struct {
	SessionID string
	ToolUseID string
	ToolName  string
	Data      map[string]interface{}
}

// Output is what a hook returns. ContinueExecution=false short-circuits the
// remaining hooks of the dispatch and, for pre-tool-use, blocks the tool.
type Output struct {
	Data              map[string]interface{}
	ContinueExecution bool
}

// Hook is one lifecycle callable.
type Hook interface {
	Name() string
	Kind() store.HookKind
	Priority() int // lower fires first
	Execute(ctx context.Context, in *Input) (*Output, error)
}

// Registry holds hooks grouped by kind, sorted by priority.
type Registry struct {
	mu    sync.RWMutex
	hooks map[store.HookKind][]Hook
}

// NewRegistry creates an empty hook registry.
func NewRegistry() *Registry {
	return &Registry{hooks: make(map[store.HookKind][]Hook)}
}

// Register adds a hook, keeping the kind's slice sorted by priority. Equal
// priorities keep registration order.
func (r *Registry) Register(h Hook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	kind := h.Kind()
	r.hooks[kind] = append(r.hooks[kind], h)
	sort.SliceStable(r.hooks[kind], func(i, j int) bool {
		return r.hooks[kind][i].Priority() < r.hooks[kind][j].Priority()
	})
}

// ForKind returns the ordered hooks of a kind, filtered to the enabled set.
// A nil enabled set means all hooks are enabled.
func (r *Registry) ForKind(kind store.HookKind, enabled map[string]bool) []Hook {
	r.mu.RLock()
	defer r.mu.RUnlock()
	all := r.hooks[kind]
	if enabled == nil {
		out := make([]Hook, len(all))
		copy(out, all)
		return out
	}
	var out []Hook
	for _, h := range all {
		if enabled[h.Name()] {
			out = append(out, h)
		}
	}
	return out
}

// EnabledSet converts a session's hooks_enabled list to a lookup set. An
// empty list yields nil (everything enabled).
func EnabledSet(names []string) map[string]bool {
	if len(names) == 0 {
		return nil
	}
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	return set
}
