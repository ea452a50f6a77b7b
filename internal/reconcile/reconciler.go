package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/labels"

	"github.com/vaheed/resource-dispatcher/internal/cluster"
	"github.com/vaheed/resource-dispatcher/internal/logging"
	"github.com/vaheed/resource-dispatcher/internal/metrics"
	"github.com/vaheed/resource-dispatcher/internal/observability"
	"github.com/vaheed/resource-dispatcher/internal/telemetry"
	"github.com/vaheed/resource-dispatcher/internal/template"
	"github.com/vaheed/resource-dispatcher/internal/watcher"
	"github.com/vaheed/resource-dispatcher/pkg/types"
)

// Templates is the read side of the template store.
type Templates interface {
	Matching(set labels.Set) []types.Template
}

// Qualifier decides whether a namespace receives objects at all.
type Qualifier interface {
	Qualifies(rec types.NamespaceRecord) bool
}

// Options tunes the reconciler.
type Options struct {
	Workers    int
	MaxRetries int
}

// Reconciler converges every namespace handed to it by the queue.
type Reconciler struct {
	client    cluster.Client
	templates Templates
	qualifier Qualifier
	queue     *Queue
	status    *StatusBook
	opts      Options
}

// PassResult summarizes one pass over a namespace.
type PassResult struct {
	ID        string
	Abandoned bool
	Writes    int
	Objects   []types.ManagedObject
}

// New returns a reconciler draining q. A nil qualifier accepts every namespace.
func New(c cluster.Client, t Templates, qual Qualifier, q *Queue, status *StatusBook, opts Options) *Reconciler {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if status == nil {
		status = NewStatusBook()
	}
	return &Reconciler{client: c, templates: t, qualifier: qual, queue: q, status: status, opts: opts}
}

// Status exposes the per-namespace status book.
func (r *Reconciler) Status() *StatusBook { return r.status }

// Start runs the workers until ctx is cancelled.
func (r *Reconciler) Start(ctx context.Context) error {
	logging.L.Info("reconcile.workers_started", zap.Int("workers", r.opts.Workers))
	var wg sync.WaitGroup
	for i := 0; i < r.opts.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for r.processNext(ctx) {
			}
		}()
	}
	<-ctx.Done()
	r.queue.ShutDown()
	wg.Wait()
	logging.L.Info("reconcile.workers_stopped")
	return nil
}

func (r *Reconciler) processNext(ctx context.Context) bool {
	task, ok := r.queue.next()
	if !ok {
		return false
	}
	defer r.queue.done(task.Namespace)
	if ctx.Err() != nil {
		return false
	}

	res, err := r.Reconcile(ctx, task)
	if err == nil || res.Abandoned {
		r.queue.forget(task.Namespace)
		return true
	}
	lg := logging.FromContext(ctx).With(zap.String("namespace", task.Namespace), zap.String("pass", res.ID))
	attempts := r.queue.failures(task.Namespace) + 1
	st := types.NamespaceStatus{
		Namespace: task.Namespace,
		Attempts:  attempts,
		LastError: err.Error(),
		Objects:   res.Objects,
		PassID:    res.ID,
	}
	if attempts >= r.opts.MaxRetries {
		st.Phase = types.PhaseFailed
		st.LastError = fmt.Errorf("%w: %v", types.ErrClusterWriteFatal, err).Error()
		r.status.set(st)
		r.queue.forget(task.Namespace)
		lg.Error("reconcile.namespace_failed", zap.Int("attempts", attempts), zap.Error(err))
		telemetry.Publish(ctx, telemetry.Event{Type: "reconcile.failed", Namespace: task.Namespace, PassID: res.ID, Result: string(types.PhaseFailed), Message: err.Error()})
		return true
	}
	st.Phase = types.PhaseRetrying
	r.status.set(st)
	lg.Warn("reconcile.retry", zap.Int("attempt", attempts), zap.Error(err))
	r.queue.retry(task.Namespace)
	return true
}

// Reconcile runs one pass for task.Namespace. Object failures do not stop
// the pass; they are joined into the returned error.
func (r *Reconciler) Reconcile(ctx context.Context, task types.ReconcileTask) (PassResult, error) {
	res := PassResult{ID: types.NewID().String()}
	start := time.Now()
	defer func() { metrics.ReconcileSeconds.Observe(time.Since(start).Seconds()) }()

	ctx, span := observability.Tracer().Start(ctx, "reconcile.namespace")
	defer span.End()
	span.SetAttributes(
		attribute.String("namespace", task.Namespace),
		attribute.String("reason", string(task.Reason)),
		attribute.String("pass", res.ID),
	)
	lg := logging.FromContext(ctx).With(
		zap.String("namespace", task.Namespace),
		zap.String("reason", string(task.Reason)),
		zap.String("pass", res.ID),
	)
	ctx = logging.IntoContext(ctx, lg)

	nsObj, err := r.client.GetNamespace(ctx, task.Namespace)
	if apierrors.IsNotFound(err) {
		return r.abandon(ctx, task, res, "namespace_gone"), nil
	}
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return res, fmt.Errorf("%w: get namespace %s: %v", types.ErrClusterWrite, task.Namespace, err)
	}
	rec := watcher.Record(nsObj)
	if rec.Phase == types.NamespaceTerminating {
		return r.abandon(ctx, task, res, "namespace_terminating"), nil
	}

	var matching []types.Template
	if r.qualifier == nil || r.qualifier.Qualifies(rec) {
		matching = r.templates.Matching(rec.LabelSet())
	}

	// invalid templates are recorded but not retried; a new delivery requeues
	want := Desired(matching, rec)
	var failures []error
	invalid := want.Invalid
	objects := want.Failed
	desired, keep := want.Objects, want.Keep

	var owned []unstructured.Unstructured
	for _, info := range types.AllKinds() {
		items, err := r.client.List(ctx, info.GVK, task.Namespace, cluster.OwnedSelector())
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			return res, fmt.Errorf("%w: %v", types.ErrClusterWrite, err)
		}
		owned = append(owned, items...)
	}

	for _, act := range Plan(desired, owned, keep) {
		if ctx.Err() != nil {
			return r.abandon(ctx, task, res, "cancelled"), nil
		}
		obj, err := r.apply(ctx, task.Namespace, act)
		if act.Op != OpNone {
			res.Writes++
		}
		if err != nil {
			if gone, _ := r.namespaceGone(ctx, task.Namespace); gone {
				return r.abandon(ctx, task, res, "namespace_gone_mid_pass"), nil
			}
			failures = append(failures, err)
		}
		if obj.State != types.StateAbsent {
			objects = append(objects, obj)
		}
	}
	res.Objects = objects

	if len(failures) > 0 {
		err := errors.Join(append(failures, invalid...)...)
		span.SetStatus(codes.Error, err.Error())
		lg.Warn("reconcile.pass_incomplete", zap.Int("writes", res.Writes), zap.Int("failures", len(failures)), zap.Error(err))
		telemetry.Publish(ctx, telemetry.Event{Type: "reconcile.pass", Namespace: task.Namespace, Reason: string(task.Reason), PassID: res.ID, Result: string(types.PhaseRetrying), Message: err.Error()})
		return res, err
	}
	st := types.NamespaceStatus{Namespace: task.Namespace, Phase: types.PhaseSynced, Objects: objects, PassID: res.ID}
	if len(invalid) > 0 {
		st.LastError = errors.Join(invalid...).Error()
		lg.Warn("reconcile.invalid_templates", zap.Int("count", len(invalid)), zap.String("error", st.LastError))
	}
	r.status.set(st)
	if res.Writes > 0 {
		lg.Info("reconcile.pass_applied", zap.Int("writes", res.Writes), zap.Int("objects", len(objects)))
		telemetry.Publish(ctx, telemetry.Event{Type: "reconcile.pass", Namespace: task.Namespace, Reason: string(task.Reason), PassID: res.ID, Result: string(types.PhaseSynced),
			Fields: map[string]string{"writes": fmt.Sprint(res.Writes)}})
	} else {
		lg.Debug("reconcile.pass_noop")
	}
	return res, nil
}

// apply performs one action and reports the resulting object state.
func (r *Reconciler) apply(ctx context.Context, ns string, act Action) (types.ManagedObject, error) {
	mo := types.ManagedObject{Namespace: ns, Kind: act.Kind, Name: act.Name}
	if act.Desired != nil {
		mo.TemplateID = act.Desired.Template.ID()
		mo.LastAppliedHash = act.Desired.Hash
	} else if act.Current != nil {
		mo.TemplateID = cluster.TemplateOf(act.Current)
		mo.LastAppliedHash = cluster.AppliedHash(act.Current)
	}

	var err error
	switch act.Op {
	case OpNone:
		mo.State = types.StateApplied
		return mo, nil
	case OpCreate:
		err = r.create(ctx, act)
	case OpUpdate:
		err = r.update(ctx, act.Desired, act.Current)
	case OpDelete:
		mo.State = types.StateDeleting
		err = r.client.Delete(ctx, act.Current)
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	metrics.ObjectWritesTotal.WithLabelValues(string(act.Op), string(act.Kind), result).Inc()

	lg := logging.FromContext(ctx).With(zap.String("op", string(act.Op)), zap.String("kind", string(act.Kind)), zap.String("name", act.Name))
	if err != nil {
		if !errors.Is(err, types.ErrNotOwned) {
			err = fmt.Errorf("%w: %s %s %s/%s: %v", types.ErrClusterWrite, act.Op, act.Kind, ns, act.Name, err)
		}
		lg.Warn("reconcile.object_failed", zap.Error(err))
		mo.State = types.StateFailed
		mo.Error = err.Error()
		return mo, err
	}
	lg.Info("reconcile.object_applied")
	if act.Op == OpDelete {
		mo.State = types.StateAbsent
		return mo, nil
	}
	mo.State = types.StateApplied
	return mo, nil
}

func (r *Reconciler) create(ctx context.Context, act Action) error {
	obj := act.Desired.Object.DeepCopy()
	cluster.MarkOwned(obj, act.Desired.Template.ID(), act.Desired.Hash)
	err := r.client.Create(ctx, obj)
	if !apierrors.IsAlreadyExists(err) {
		return err
	}
	existing, getErr := r.client.Get(ctx, obj.GroupVersionKind(), obj.GetNamespace(), obj.GetName())
	if getErr != nil {
		return getErr
	}
	if !cluster.IsOwned(existing) {
		return fmt.Errorf("%w: %s %s/%s", types.ErrNotOwned, act.Kind, obj.GetNamespace(), obj.GetName())
	}
	return r.update(ctx, act.Desired, existing)
}

func (r *Reconciler) update(ctx context.Context, desired *template.Rendered, current *unstructured.Unstructured) error {
	obj := desired.Object.DeepCopy()
	cluster.MarkOwned(obj, desired.Template.ID(), desired.Hash)
	obj.SetResourceVersion(current.GetResourceVersion())
	return r.client.Update(ctx, obj)
}

func (r *Reconciler) namespaceGone(ctx context.Context, ns string) (bool, error) {
	obj, err := r.client.GetNamespace(ctx, ns)
	if apierrors.IsNotFound(err) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return watcher.Record(obj).Phase == types.NamespaceTerminating, nil
}

// abandon drops a pass whose namespace disappeared or whose context ended.
func (r *Reconciler) abandon(ctx context.Context, task types.ReconcileTask, res PassResult, why string) PassResult {
	res.Abandoned = true
	if why != "cancelled" {
		r.status.Forget(task.Namespace)
	}
	logging.FromContext(ctx).Info("reconcile.pass_abandoned", zap.String("why", why))
	return res
}

func failedObject(ns string, kind types.Kind, name string, id types.TemplateID, err error) types.ManagedObject {
	return types.ManagedObject{Namespace: ns, Kind: kind, Name: name, TemplateID: id, State: types.StateFailed, Error: err.Error()}
}
