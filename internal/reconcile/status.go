package reconcile

import (
	"sort"
	"sync"
	"time"

	"github.com/vaheed/resource-dispatcher/internal/metrics"
	"github.com/vaheed/resource-dispatcher/pkg/types"
)

// StatusBook is the in-memory record of the last pass per namespace. The
// reconciler is its only writer.
type StatusBook struct {
	mu  sync.RWMutex
	now func() time.Time
	ns  map[string]types.NamespaceStatus
}

func NewStatusBook() *StatusBook {
	return &StatusBook{now: time.Now, ns: map[string]types.NamespaceStatus{}}
}

func (b *StatusBook) set(st types.NamespaceStatus) {
	st.UpdatedAt = b.now().UTC()
	b.mu.Lock()
	b.ns[st.Namespace] = st
	b.mu.Unlock()
	b.publishGauge()
}

// Forget drops the bookkeeping of a deleted namespace.
func (b *StatusBook) Forget(ns string) {
	b.mu.Lock()
	delete(b.ns, ns)
	b.mu.Unlock()
	b.publishGauge()
}

// Get returns the status of ns.
func (b *StatusBook) Get(ns string) (types.NamespaceStatus, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	st, ok := b.ns[ns]
	return st, ok
}

// List returns every status ordered by namespace.
func (b *StatusBook) List() []types.NamespaceStatus {
	b.mu.RLock()
	out := make([]types.NamespaceStatus, 0, len(b.ns))
	for _, st := range b.ns {
		out = append(out, st)
	}
	b.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Namespace < out[j].Namespace })
	return out
}

// Counts tallies namespaces per phase.
func (b *StatusBook) Counts() map[types.SyncPhase]int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := map[types.SyncPhase]int{}
	for _, st := range b.ns {
		out[st.Phase]++
	}
	return out
}

func (b *StatusBook) publishGauge() {
	metrics.FailedNamespaces.Set(float64(b.Counts()[types.PhaseFailed]))
}
