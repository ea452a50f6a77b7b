package reconcile

import (
	"sync"
	"time"

	"k8s.io/client-go/util/workqueue"

	"github.com/vaheed/resource-dispatcher/internal/metrics"
	"github.com/vaheed/resource-dispatcher/pkg/types"
)

// Queue coalesces reconcile tasks per namespace. A namespace is handed to at
// most one worker at a time; tasks arriving meanwhile collapse into one
// follow-up pass.
type Queue struct {
	q workqueue.RateLimitingInterface

	mu      sync.Mutex
	reasons map[string]types.Reason
}

// NewQueue returns a queue whose retries back off exponentially from base to max.
func NewQueue(base, max time.Duration) *Queue {
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	if max < base {
		max = base
	}
	return &Queue{
		q: workqueue.NewRateLimitingQueueWithConfig(
			workqueue.NewItemExponentialFailureRateLimiter(base, max),
			workqueue.RateLimitingQueueConfig{Name: "resource-dispatcher"},
		),
		reasons: map[string]types.Reason{},
	}
}

// Enqueue implements types.Enqueuer. The latest reason wins when tasks coalesce.
func (q *Queue) Enqueue(task types.ReconcileTask) {
	if task.Namespace == "" {
		return
	}
	q.mu.Lock()
	q.reasons[task.Namespace] = task.Reason
	q.mu.Unlock()
	metrics.TasksTotal.WithLabelValues(string(task.Reason)).Inc()
	q.q.Add(task.Namespace)
}

// retry requeues ns after its backoff unless a newer task is already pending.
func (q *Queue) retry(ns string) {
	q.mu.Lock()
	if _, pending := q.reasons[ns]; !pending {
		q.reasons[ns] = types.ReasonRetry
	}
	q.mu.Unlock()
	metrics.TasksTotal.WithLabelValues(string(types.ReasonRetry)).Inc()
	q.q.AddRateLimited(ns)
}

// next blocks until a namespace is available. ok is false after shutdown.
func (q *Queue) next() (types.ReconcileTask, bool) {
	item, shutdown := q.q.Get()
	if shutdown {
		return types.ReconcileTask{}, false
	}
	ns := item.(string)
	q.mu.Lock()
	reason, found := q.reasons[ns]
	delete(q.reasons, ns)
	q.mu.Unlock()
	if !found {
		reason = types.ReasonRetry
	}
	return types.ReconcileTask{Namespace: ns, Reason: reason}, true
}

func (q *Queue) done(ns string)         { q.q.Done(ns) }
func (q *Queue) forget(ns string)       { q.q.Forget(ns) }
func (q *Queue) failures(ns string) int { return q.q.NumRequeues(ns) }

// Len returns the number of namespaces waiting.
func (q *Queue) Len() int { return q.q.Len() }

// ShutDown stops handing out work.
func (q *Queue) ShutDown() { q.q.ShutDown() }
