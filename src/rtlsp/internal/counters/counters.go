// Package counters is a process-wide registry of cheap atomic counters.
// Worker goroutines bump them freely; the dispatch loop snapshots and
// forwards them to the metric sink on its periodic flush.
package counters

import (
	"sync"

	"github.com/uber-go/tally"
)

// Registry accumulates named counters between flushes.
type Registry struct {
	mu     sync.Mutex
	counts map[string]int64
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{counts: make(map[string]int64)}
}

// Inc adds delta to the named counter.
func (r *Registry) Inc(name string, delta int64) {
	r.mu.Lock()
	r.counts[name] += delta
	r.mu.Unlock()
}

// Snapshot returns the current totals without resetting them.
func (r *Registry) Snapshot() map[string]int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]int64, len(r.counts))
	for k, v := range r.counts {
		out[k] = v
	}
	return out
}

// FlushTo forwards accumulated totals to scope and resets the registry.
func (r *Registry) FlushTo(scope tally.Scope) {
	r.mu.Lock()
	counts := r.counts
	r.counts = make(map[string]int64, len(counts))
	r.mu.Unlock()
	for name, v := range counts {
		if v != 0 {
			scope.Counter(name).Inc(v)
		}
	}
}
