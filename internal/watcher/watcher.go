package watcher

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/clock"
	"github.com/juju/retry"
	"go.uber.org/zap"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/apimachinery/pkg/watch"

	"github.com/vaheed/resource-dispatcher/internal/cluster"
	"github.com/vaheed/resource-dispatcher/internal/logging"
	"github.com/vaheed/resource-dispatcher/internal/metrics"
	"github.com/vaheed/resource-dispatcher/internal/util"
	"github.com/vaheed/resource-dispatcher/pkg/types"
)

// Matcher resolves the templates selecting a label set.
type Matcher interface {
	MatchingIDs(set labels.Set) []types.TemplateID
}

// Options tunes the watcher.
type Options struct {
	// Target limits the mirror to namespaces it matches. Nil matches all.
	Target labels.Selector
	// Exclude reports namespaces that never receive objects.
	Exclude func(name string) bool
	// Retries is the number of consecutive failed connects tolerated.
	Retries  int
	Delay    time.Duration
	MaxDelay time.Duration
	// ResyncPeriod enqueues every namespace periodically. 0 disables it.
	ResyncPeriod time.Duration
	Clock        clock.Clock
}

// Watcher mirrors qualifying namespaces and turns their changes into
// reconcile tasks.
type Watcher struct {
	client  cluster.Client
	matcher Matcher
	queue   types.Enqueuer
	opts    Options

	mu         sync.RWMutex
	namespaces map[string]types.NamespaceRecord
	rv         string
	synced     atomic.Bool
}

// New returns a watcher. Start runs it.
func New(c cluster.Client, m Matcher, q types.Enqueuer, opts Options) *Watcher {
	if opts.Clock == nil {
		opts.Clock = clock.WallClock
	}
	if opts.Retries <= 0 {
		opts.Retries = 10
	}
	if opts.Delay <= 0 {
		opts.Delay = time.Second
	}
	if opts.MaxDelay < opts.Delay {
		opts.MaxDelay = opts.Delay * 30
	}
	return &Watcher{client: c, matcher: m, queue: q, opts: opts, namespaces: map[string]types.NamespaceRecord{}}
}

// Namespaces returns the mirrored namespaces ordered by name.
func (w *Watcher) Namespaces() []types.NamespaceRecord {
	w.mu.RLock()
	out := make([]types.NamespaceRecord, 0, len(w.namespaces))
	for _, ns := range w.namespaces {
		out = append(out, ns)
	}
	w.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Get returns the mirrored record of name. A namespace that exists but does
// not qualify is not mirrored.
func (w *Watcher) Get(name string) (types.NamespaceRecord, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	ns, ok := w.namespaces[name]
	return ns, ok
}

// HasSynced reports whether the initial namespace list completed.
func (w *Watcher) HasSynced() bool { return w.synced.Load() }

// Resync enqueues every mirrored namespace.
func (w *Watcher) Resync() {
	for _, ns := range w.Namespaces() {
		w.enqueue(ns.Name, types.ReasonResync)
	}
}

// Start lists and watches namespaces until ctx is cancelled. Consecutive
// connect failures beyond the retry budget return an error wrapping
// types.ErrWatchDisconnected.
func (w *Watcher) Start(ctx context.Context) error {
	lg := logging.L.With(zap.String("component", "watcher"))
	if w.opts.ResyncPeriod > 0 {
		go w.resyncLoop(ctx)
	}
	for {
		err := retry.Call(retry.CallArgs{
			Func: func() error { return w.session(ctx) },
			IsFatalError: func(err error) bool {
				return errors.Is(err, context.Canceled)
			},
			NotifyFunc: func(err error, attempt int) {
				metrics.WatchRestartsTotal.Inc()
				lg.Warn("watch.reconnect", zap.Int("attempt", attempt), zap.Error(err))
			},
			Attempts:    w.opts.Retries,
			Delay:       w.opts.Delay,
			MaxDelay:    w.opts.MaxDelay,
			BackoffFunc: util.JitteredBackoff(w.opts.MaxDelay),
			Clock:       w.opts.Clock,
			Stop:        ctx.Done(),
		})
		if ctx.Err() != nil {
			lg.Info("watch.stopped")
			return nil
		}
		if err != nil {
			if retry.IsAttemptsExceeded(err) {
				err = retry.LastError(err)
			}
			lg.Error("watch.budget_exhausted", zap.Int("retries", w.opts.Retries), zap.Error(err))
			return fmt.Errorf("namespace watch gave up after %d attempts: %w", w.opts.Retries, err)
		}
		// a healthy session ended; reconnect with a fresh budget
		metrics.WatchRestartsTotal.Inc()
		lg.Info("watch.session_ended", zap.String("resourceVersion", w.resourceVersion()))
	}
}

// session relists when needed, then consumes one watch. It returns nil when a
// watch that delivered events closes or reports an error, and
// ErrWatchDisconnected otherwise.
func (w *Watcher) session(ctx context.Context) error {
	if w.resourceVersion() == "" {
		if err := w.relist(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w: list: %v", types.ErrWatchDisconnected, err)
		}
	}
	wi, err := w.client.WatchNamespaces(ctx, w.resourceVersion())
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if apierrors.IsResourceExpired(err) || apierrors.IsGone(err) {
			w.setResourceVersion("")
		}
		return fmt.Errorf("%w: %v", types.ErrWatchDisconnected, err)
	}
	defer wi.Stop()

	events := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-wi.ResultChan():
			if !ok {
				if events > 0 {
					return nil
				}
				return fmt.Errorf("%w: watch closed", types.ErrWatchDisconnected)
			}
			if err := w.handle(ev); err != nil {
				if events > 0 {
					// errors after a delivered event end the session without spending the budget
					logging.L.Info("watch.session_error", zap.Int("events", events), zap.Error(err))
					return nil
				}
				return err
			}
			events++
		}
	}
}

func (w *Watcher) handle(ev watch.Event) error {
	switch ev.Type {
	case watch.Error:
		status := apierrors.FromObject(ev.Object)
		if apierrors.IsResourceExpired(status) || apierrors.IsGone(status) {
			w.setResourceVersion("")
		}
		return fmt.Errorf("%w: %v", types.ErrWatchDisconnected, status)
	case watch.Bookmark:
		if ns, ok := ev.Object.(*corev1.Namespace); ok {
			w.setResourceVersion(ns.ResourceVersion)
		}
		return nil
	}
	ns, ok := ev.Object.(*corev1.Namespace)
	if !ok {
		return nil
	}
	w.setResourceVersion(ns.ResourceVersion)
	if ev.Type == watch.Deleted {
		w.remove(ns.Name)
		return nil
	}
	w.observe(ns)
	return nil
}

// relist replaces the mirror with a fresh list, emitting the differences.
func (w *Watcher) relist(ctx context.Context) error {
	list, err := w.client.ListNamespaces(ctx)
	if err != nil {
		return err
	}
	seen := make(map[string]struct{}, len(list.Items))
	for i := range list.Items {
		seen[list.Items[i].Name] = struct{}{}
		w.observe(&list.Items[i])
	}
	for _, ns := range w.Namespaces() {
		if _, ok := seen[ns.Name]; !ok {
			w.remove(ns.Name)
		}
	}
	w.setResourceVersion(list.ResourceVersion)
	if !w.synced.Swap(true) {
		logging.L.Info("watch.synced", zap.Int("namespaces", len(w.Namespaces())))
	}
	return nil
}

// observe applies the current state of ns to the mirror.
func (w *Watcher) observe(ns *corev1.Namespace) {
	rec := Record(ns)
	qualifies := w.qualifies(rec)

	w.mu.Lock()
	prev, known := w.namespaces[rec.Name]
	switch {
	case rec.Phase == types.NamespaceTerminating:
		delete(w.namespaces, rec.Name)
	case qualifies:
		w.namespaces[rec.Name] = rec
	default:
		delete(w.namespaces, rec.Name)
	}
	w.mu.Unlock()

	switch {
	case rec.Phase == types.NamespaceTerminating:
		if known {
			w.enqueue(rec.Name, types.ReasonNamespaceDeleted)
		}
	case qualifies && !known:
		w.enqueue(rec.Name, types.ReasonNamespaceAdded)
	case qualifies && known:
		if !sameIDs(w.matcher.MatchingIDs(prev.LabelSet()), w.matcher.MatchingIDs(rec.LabelSet())) {
			w.enqueue(rec.Name, types.ReasonNamespaceRelabeled)
		}
	case !qualifies && known:
		// lost the target label: the reconciler removes what it injected
		w.enqueue(rec.Name, types.ReasonNamespaceRelabeled)
	}
}

func (w *Watcher) remove(name string) {
	w.mu.Lock()
	_, known := w.namespaces[name]
	delete(w.namespaces, name)
	w.mu.Unlock()
	if known {
		w.enqueue(name, types.ReasonNamespaceDeleted)
	}
}

// Qualifies reports whether a namespace with rec's name and labels should
// receive objects.
func (w *Watcher) Qualifies(rec types.NamespaceRecord) bool {
	return w.qualifies(rec)
}

func (w *Watcher) qualifies(rec types.NamespaceRecord) bool {
	if w.opts.Exclude != nil && w.opts.Exclude(rec.Name) {
		return false
	}
	if w.opts.Target != nil && !w.opts.Target.Matches(rec.LabelSet()) {
		return false
	}
	return true
}

func (w *Watcher) enqueue(name string, reason types.Reason) {
	w.queue.Enqueue(types.ReconcileTask{Namespace: name, Reason: reason})
}

func (w *Watcher) resyncLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.opts.Clock.After(w.opts.ResyncPeriod):
			if w.HasSynced() {
				w.Resync()
			}
		}
	}
}

func (w *Watcher) resourceVersion() string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.rv
}

func (w *Watcher) setResourceVersion(rv string) {
	w.mu.Lock()
	w.rv = rv
	w.mu.Unlock()
}

// Record converts a namespace into its immutable snapshot.
func Record(ns *corev1.Namespace) types.NamespaceRecord {
	lbls := make(map[string]string, len(ns.Labels))
	for k, v := range ns.Labels {
		lbls[k] = v
	}
	phase := types.NamespaceActive
	if ns.Status.Phase == corev1.NamespaceTerminating || ns.DeletionTimestamp != nil {
		phase = types.NamespaceTerminating
	}
	return types.NamespaceRecord{Name: ns.Name, UID: string(ns.UID), Labels: lbls, Phase: phase}
}

func sameIDs(a, b []types.TemplateID) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
