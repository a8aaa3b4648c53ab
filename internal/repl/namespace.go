package repl

import (
	"encoding/json"
	"sort"
	"sync"
)

// Namespace owns one session's variable bindings. Values are JSON-shaped
// (strings, numbers, bools, maps, slices) because everything in it either
// came from a load operation or crossed back from a worker as JSON.
type Namespace struct {
	mu   sync.RWMutex
	vars map[string]any
}

// NewNamespace creates an empty namespace.
func NewNamespace() *Namespace {
	return &Namespace{vars: make(map[string]any)}
}

// Get returns the bound value, if any.
func (n *Namespace) Get(name string) (any, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	v, ok := n.vars[name]
	return v, ok
}

// Set binds a value, replacing any previous binding.
func (n *Namespace) Set(name string, value any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.vars[name] = value
}

// Names returns all bound names, sorted.
func (n *Namespace) Names() []string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	names := make([]string, 0, len(n.vars))
	for name := range n.vars {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of bindings.
func (n *Namespace) Len() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.vars)
}

// ApproxSize returns the total JSON-encoded size of all bindings in bytes.
func (n *Namespace) ApproxSize() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	total := 0
	for _, v := range n.vars {
		if data, err := json.Marshal(v); err == nil {
			total += len(data)
		}
	}
	return total
}

// Snapshot produces an independent copy for handoff to a worker process.
// Independence comes from a JSON round trip per value, so a worker mutating
// its copy can never corrupt the live namespace. Values that cannot be
// serialized are excluded from the snapshot; their names are returned so the
// caller can attach a warning.
func (n *Namespace) Snapshot() (map[string]any, []string) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	snapshot := make(map[string]any, len(n.vars))
	var skipped []string
	for name, value := range n.vars {
		data, err := json.Marshal(value)
		if err != nil {
			skipped = append(skipped, name)
			continue
		}
		var copied any
		if err := json.Unmarshal(data, &copied); err != nil {
			skipped = append(skipped, name)
			continue
		}
		snapshot[name] = copied
	}
	sort.Strings(skipped)
	return snapshot, skipped
}

// Merge replaces and adds bindings from a post-execution namespace.
func (n *Namespace) Merge(update map[string]any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for name, value := range update {
		n.vars[name] = value
	}
}

// Clear removes all bindings.
func (n *Namespace) Clear() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.vars = make(map[string]any)
}
