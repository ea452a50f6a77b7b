package watcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/apimachinery/pkg/watch"

	"github.com/vaheed/resource-dispatcher/internal/cluster"
	"github.com/vaheed/resource-dispatcher/pkg/types"
)

type fakeCluster struct {
	cluster.Client
	mu       sync.Mutex
	list     []corev1.Namespace
	listErr  error
	watchErr error
	watches  []*watch.FakeWatcher
	opened   chan *watch.FakeWatcher
}

func newFakeCluster(list ...corev1.Namespace) *fakeCluster {
	return &fakeCluster{list: list, opened: make(chan *watch.FakeWatcher, 8)}
}

func (f *fakeCluster) ListNamespaces(context.Context) (*corev1.NamespaceList, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	out := &corev1.NamespaceList{Items: append([]corev1.Namespace(nil), f.list...)}
	out.ResourceVersion = "1"
	return out, nil
}

func (f *fakeCluster) WatchNamespaces(context.Context, string) (watch.Interface, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.watchErr != nil {
		return nil, f.watchErr
	}
	fw := watch.NewFakeWithChanSize(8, false)
	f.watches = append(f.watches, fw)
	f.opened <- fw
	return fw, nil
}

type taskLog struct {
	ch chan types.ReconcileTask
}

func newTaskLog() *taskLog { return &taskLog{ch: make(chan types.ReconcileTask, 64)} }

func (l *taskLog) Enqueue(t types.ReconcileTask) { l.ch <- t }

func (l *taskLog) next(t *testing.T) types.ReconcileTask {
	t.Helper()
	select {
	case task := <-l.ch:
		return task
	case <-time.After(5 * time.Second):
		t.Fatalf("no task enqueued")
	}
	return types.ReconcileTask{}
}

func (l *taskLog) none(t *testing.T) {
	t.Helper()
	select {
	case task := <-l.ch:
		t.Fatalf("unexpected task %+v", task)
	case <-time.After(50 * time.Millisecond):
	}
}

// one template for every namespace, one for team=ml
type teamMatcher struct{}

func (teamMatcher) MatchingIDs(set labels.Set) []types.TemplateID {
	ids := []types.TemplateID{"secrets/secret/all"}
	if set.Get("team") == "ml" {
		ids = append(ids, "secrets/secret/ml")
	}
	return ids
}

func ns(name string, lbls map[string]string) corev1.Namespace {
	return corev1.Namespace{ObjectMeta: metav1.ObjectMeta{Name: name, Labels: lbls, ResourceVersion: "2"}}
}

func TestInitialListFiltersNamespaces(t *testing.T) {
	fc := newFakeCluster(
		ns("alice", map[string]string{"user": "true"}),
		ns("kube-system", map[string]string{"user": "true"}),
		ns("unlabelled", nil),
	)
	tasks := newTaskLog()
	w := New(fc, teamMatcher{}, tasks, Options{
		Target:  labels.SelectorFromSet(labels.Set{"user": "true"}),
		Exclude: func(n string) bool { return n == "kube-system" },
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Start(ctx) }()

	task := tasks.next(t)
	if task.Namespace != "alice" || task.Reason != types.ReasonNamespaceAdded {
		t.Fatalf("unexpected task %+v", task)
	}
	tasks.none(t)
	<-fc.opened
	if !w.HasSynced() {
		t.Fatalf("watcher should be synced after the first list")
	}
	if got := w.Namespaces(); len(got) != 1 || got[0].Name != "alice" {
		t.Fatalf("mirror = %+v", got)
	}
}

func TestWatchEvents(t *testing.T) {
	fc := newFakeCluster()
	tasks := newTaskLog()
	w := New(fc, teamMatcher{}, tasks, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Start(ctx) }()
	fw := <-fc.opened

	a := ns("a", map[string]string{"team": "web"})
	fw.Add(&a)
	if task := tasks.next(t); task.Reason != types.ReasonNamespaceAdded {
		t.Fatalf("add: %+v", task)
	}

	// label change that does not change the matching templates
	a.Labels = map[string]string{"team": "web", "cost-center": "42"}
	fw.Modify(&a)
	tasks.none(t)

	a.Labels = map[string]string{"team": "ml"}
	fw.Modify(&a)
	if task := tasks.next(t); task.Reason != types.ReasonNamespaceRelabeled {
		t.Fatalf("relabel: %+v", task)
	}

	a.Status.Phase = corev1.NamespaceTerminating
	fw.Modify(&a)
	if task := tasks.next(t); task.Reason != types.ReasonNamespaceDeleted {
		t.Fatalf("terminating: %+v", task)
	}
	// the delete after termination is not a second event
	fw.Delete(&a)
	tasks.none(t)
	if _, ok := w.Get("a"); ok {
		t.Fatalf("deleted namespace still mirrored")
	}
}

func TestLosingTargetLabelRequeues(t *testing.T) {
	fc := newFakeCluster(ns("a", map[string]string{"user": "true"}))
	tasks := newTaskLog()
	w := New(fc, teamMatcher{}, tasks, Options{Target: labels.SelectorFromSet(labels.Set{"user": "true"})})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Start(ctx) }()
	tasks.next(t)
	fw := <-fc.opened

	a := ns("a", nil)
	fw.Modify(&a)
	if task := tasks.next(t); task.Reason != types.ReasonNamespaceRelabeled || task.Namespace != "a" {
		t.Fatalf("unexpected %+v", task)
	}
	if _, ok := w.Get("a"); ok {
		t.Fatalf("a no longer qualifies")
	}
}

func TestReconnectAfterHealthySession(t *testing.T) {
	fc := newFakeCluster()
	tasks := newTaskLog()
	w := New(fc, teamMatcher{}, tasks, Options{Delay: time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Start(ctx) }()

	fw := <-fc.opened
	b := ns("b", nil)
	fw.Add(&b)
	tasks.next(t)
	fw.Stop()

	select {
	case <-fc.opened:
	case <-time.After(5 * time.Second):
		t.Fatalf("watch was not reopened")
	}
}

func TestWatchBudgetExhaustedIsFatal(t *testing.T) {
	fc := newFakeCluster()
	fc.listErr = errors.New("connection refused")
	clk := testclock.NewClock(time.Now())
	w := New(fc, teamMatcher{}, newTaskLog(), Options{Retries: 3, Delay: time.Second, MaxDelay: 4 * time.Second, Clock: clk})

	done := make(chan error, 1)
	go func() { done <- w.Start(context.Background()) }()
	for {
		select {
		case err := <-done:
			if !errors.Is(err, types.ErrWatchDisconnected) {
				t.Fatalf("expected ErrWatchDisconnected, got %v", err)
			}
			return
		case <-time.After(5 * time.Millisecond):
			clk.Advance(time.Minute)
		}
	}
}

func TestStartStopsOnCancel(t *testing.T) {
	fc := newFakeCluster()
	w := New(fc, teamMatcher{}, newTaskLog(), Options{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Start(ctx) }()
	fw := <-fc.opened
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("cancel should stop cleanly, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("watcher did not stop")
	}
	if !fw.IsStopped() {
		t.Fatalf("watch interface was not stopped")
	}
}

func TestRecordPhase(t *testing.T) {
	now := metav1.Now()
	n := ns("x", map[string]string{"a": "b"})
	n.DeletionTimestamp = &now
	rec := Record(&n)
	if rec.Phase != types.NamespaceTerminating || rec.Labels["a"] != "b" {
		t.Fatalf("unexpected record %+v", rec)
	}
}

func TestPeriodicResync(t *testing.T) {
	fc := newFakeCluster(ns("alice", nil))
	tasks := newTaskLog()
	clk := testclock.NewClock(time.Now())
	w := New(fc, teamMatcher{}, tasks, Options{ResyncPeriod: time.Minute, Clock: clk})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Start(ctx) }()

	if task := tasks.next(t); task.Reason != types.ReasonNamespaceAdded {
		t.Fatalf("unexpected task %+v", task)
	}
	<-fc.opened
	if err := clk.WaitAdvance(time.Minute, 5*time.Second, 1); err != nil {
		t.Fatal(err)
	}
	task := tasks.next(t)
	if task.Namespace != "alice" || task.Reason != types.ReasonResync {
		t.Fatalf("unexpected task %+v", task)
	}
}

func TestExpiredHealthyWatchesDoNotSpendBudget(t *testing.T) {
	fc := newFakeCluster(ns("a", nil))
	tasks := newTaskLog()
	w := New(fc, teamMatcher{}, tasks, Options{Retries: 3, Delay: time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Start(ctx) }()
	tasks.next(t)

	for i := 0; i < 6; i++ {
		var fw *watch.FakeWatcher
		select {
		case fw = <-fc.opened:
		case err := <-done:
			t.Fatalf("watcher gave up after %d healthy sessions: %v", i, err)
		case <-time.After(5 * time.Second):
			t.Fatalf("watch %d was not opened", i)
		}
		n := ns("a", map[string]string{"round": fmt.Sprint(i)})
		fw.Modify(&n)
		fw.Error(&apierrors.NewResourceExpired("too old").ErrStatus)
	}
	select {
	case err := <-done:
		t.Fatalf("watcher stopped: %v", err)
	case <-fc.opened:
	case <-time.After(5 * time.Second):
		t.Fatalf("watch was not reopened")
	}
}
