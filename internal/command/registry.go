// ABOUTME: Process-wide command registry keyed by "{implementation}:{group}:{name}".
// ABOUTME: First registration wins; the registry is frozen before the first request is served.

package command

import (
	"log/slog"
	"slices"
	"sync"
)

// Key builds the registry key for a command.
func Key(implementation, group, name string) string {
	return implementation + ":" + group + ":" + name
}

type entry struct {
	key     string
	group   string
	handler Handler
}

// Registry binds command names to handlers. Populate it at startup, then Freeze it.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]*entry
	byMethod map[string]*entry // "{implementation}:{name}" -> first registered entry
	frozen   bool
	logger   *slog.Logger
}

// NewRegistry creates an empty registry. Pass nil logger for default.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		handlers: make(map[string]*entry),
		byMethod: make(map[string]*entry),
		logger:   logger.With("component", "command_registry"),
	}
}

// Register binds handler under (implementation, group, name). It reports whether the
// handler was bound: a key that already exists keeps its first handler, and a frozen
// registry accepts nothing. Rejections are logged, never fatal.
func (r *Registry) Register(implementation, group, name string, handler Handler) bool {
	key := Key(implementation, group, name)

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		r.logger.Warn("registry is frozen, dropping command registration", "key", key)
		return false
	}
	if _, exists := r.handlers[key]; exists {
		r.logger.Warn("command already registered, keeping the first handler", "key", key)
		return false
	}

	e := &entry{key: key, group: group, handler: handler}
	r.handlers[key] = e

	method := implementation + ":" + name
	if prev, exists := r.byMethod[method]; exists {
		r.logger.Warn("procedure name registered in more than one group, dispatch uses the first",
			"procedure", name,
			"first", prev.key,
			"ignored", key)
	} else {
		r.byMethod[method] = e
	}

	r.logger.Debug("command registered", "key", key)
	return true
}

// Freeze makes the registry read-only.
func (r *Registry) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.frozen {
		r.frozen = true
		r.logger.Info("=== COMMANDS REGISTERED ===", "count", len(r.handlers))
	}
}

// Lookup finds the handler bound to a procedure name for an implementation.
func (r *Registry) Lookup(implementation, name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.byMethod[implementation+":"+name]
	if !ok {
		return nil, false
	}
	return e.handler, true
}

// Get returns the handler registered under the exact key.
func (r *Registry) Get(implementation, group, name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.handlers[Key(implementation, group, name)]
	if !ok {
		return nil, false
	}
	return e.handler, true
}

// Keys returns every registered key, sorted.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := make([]string, 0, len(r.handlers))
	for k := range r.handlers {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
