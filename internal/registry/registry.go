// Package registry implements the Run Registry: an ephemeral, process-local
// index of known runs used only for ingress validation (§4.7, §5, §9). It
// carries no durability requirement — the events topic is the source of
// truth for a run's timeline; the registry is advisory only ("404 on
// unknown run").
package registry

import (
	"sync"

	"github.com/sidefxio/sidefx/internal/domain"
)

// Registry is a concurrency-safe, in-memory map of run id to RunMeta. It is
// written once at run creation and read thereafter — per §5, the only
// shared mutable in-process state outside the ledger.
type Registry struct {
	mu   sync.RWMutex
	runs map[string]domain.RunMeta
}

// New constructs an empty Registry.
func New() *Registry {
	return &Registry{runs: make(map[string]domain.RunMeta)}
}

// Register stores meta under meta.RunID. Registration happens exactly once,
// at ingress creation time.
func (r *Registry) Register(meta domain.RunMeta) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs[meta.RunID] = meta
}

// Get returns the RunMeta for runID, or domain.ErrNotFound if this process
// never registered it (e.g. a different ingress replica created it, or the
// process restarted).
func (r *Registry) Get(runID string) (domain.RunMeta, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	meta, ok := r.runs[runID]
	if !ok {
		return domain.RunMeta{}, domain.ErrNotFound
	}
	return meta, nil
}

// Len reports how many runs this process has registered, for the debug
// readouts.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.runs)
}
