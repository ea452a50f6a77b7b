package reconcile

import (
	"context"
	"encoding/base64"
	"errors"
	"sync"
	"testing"
	"time"

	corev1 "k8s.io/api/core/v1"
	rbacv1 "k8s.io/api/rbac/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
	k8sfake "k8s.io/client-go/kubernetes/fake"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"

	"github.com/vaheed/resource-dispatcher/internal/cluster"
	"github.com/vaheed/resource-dispatcher/internal/template"
	v1alpha1 "github.com/vaheed/resource-dispatcher/pkg/api/v1alpha1"
	"github.com/vaheed/resource-dispatcher/pkg/types"
)

// countingClient records writes and can fail selected ones.
type countingClient struct {
	*cluster.KubeClient
	cset *k8sfake.Clientset

	mu      sync.Mutex
	writes  map[string]int
	passes  map[string]int
	failure func(op string, obj *unstructured.Unstructured) error
}

func newHarness(t *testing.T, namespaces ...*corev1.Namespace) (*countingClient, *template.Store) {
	t.Helper()
	scheme := runtime.NewScheme()
	_ = corev1.AddToScheme(scheme)
	_ = rbacv1.AddToScheme(scheme)
	_ = v1alpha1.AddToScheme(scheme)
	objs := make([]runtime.Object, 0, len(namespaces))
	for _, ns := range namespaces {
		objs = append(objs, ns)
	}
	cset := k8sfake.NewSimpleClientset(objs...)
	c := &countingClient{
		KubeClient: cluster.NewKubeClient(fake.NewClientBuilder().WithScheme(scheme).Build(), cset),
		cset:       cset,
		writes:     map[string]int{},
		passes:     map[string]int{},
	}
	return c, template.NewStore()
}

func (c *countingClient) record(op string, obj *unstructured.Unstructured) error {
	c.mu.Lock()
	c.writes[op]++
	fail := c.failure
	c.mu.Unlock()
	if fail != nil {
		return fail(op, obj)
	}
	return nil
}

func (c *countingClient) GetNamespace(ctx context.Context, name string) (*corev1.Namespace, error) {
	c.mu.Lock()
	c.passes[name]++
	c.mu.Unlock()
	return c.KubeClient.GetNamespace(ctx, name)
}

func (c *countingClient) Create(ctx context.Context, obj *unstructured.Unstructured) error {
	if err := c.record("create", obj); err != nil {
		return err
	}
	return c.KubeClient.Create(ctx, obj)
}

func (c *countingClient) Update(ctx context.Context, obj *unstructured.Unstructured) error {
	if err := c.record("update", obj); err != nil {
		return err
	}
	return c.KubeClient.Update(ctx, obj)
}

func (c *countingClient) Delete(ctx context.Context, obj *unstructured.Unstructured) error {
	if err := c.record("delete", obj); err != nil {
		return err
	}
	return c.KubeClient.Delete(ctx, obj)
}

func (c *countingClient) counts() (creates, updates, deletes int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writes["create"], c.writes["update"], c.writes["delete"]
}

func (c *countingClient) reset() {
	c.mu.Lock()
	c.writes = map[string]int{}
	c.mu.Unlock()
}

func (c *countingClient) names(t *testing.T, kind types.Kind, ns string) map[string]bool {
	t.Helper()
	info, _ := kind.Info()
	items, err := c.List(context.Background(), info.GVK, ns, cluster.OwnedSelector())
	if err != nil {
		t.Fatal(err)
	}
	out := map[string]bool{}
	for _, it := range items {
		out[it.GetName()] = true
	}
	return out
}

func namespace(name string, lbls map[string]string) *corev1.Namespace {
	return &corev1.Namespace{ObjectMeta: metav1.ObjectMeta{Name: name, Labels: lbls}}
}

func body(apiVersion, kind, name string, extra map[string]interface{}) *unstructured.Unstructured {
	obj := map[string]interface{}{
		"apiVersion": apiVersion,
		"kind":       kind,
		"metadata":   map[string]interface{}{"name": name},
	}
	for k, v := range extra {
		obj[k] = v
	}
	return &unstructured.Unstructured{Object: obj}
}

func secretBody(name, value string) *unstructured.Unstructured {
	return body("v1", "Secret", name, map[string]interface{}{"stringData": map[string]interface{}{"value": value}})
}

func roleBody(name string) *unstructured.Unstructured {
	return body("rbac.authorization.k8s.io/v1", "Role", name, map[string]interface{}{
		"rules": []interface{}{map[string]interface{}{
			"apiGroups": []interface{}{""},
			"resources": []interface{}{"pods"},
			"verbs":     []interface{}{"get", "list"},
		}},
	})
}

func roleBindingBody(name, role string) *unstructured.Unstructured {
	return body("rbac.authorization.k8s.io/v1", "RoleBinding", name, map[string]interface{}{
		"roleRef":  map[string]interface{}{"apiGroup": "rbac.authorization.k8s.io", "kind": "Role", "name": role},
		"subjects": []interface{}{map[string]interface{}{"kind": "ServiceAccount", "name": "default-editor"}},
	})
}

func podDefaultBody(name, port string) *unstructured.Unstructured {
	return body("kubeflow.org/v1alpha1", "PodDefault", name, map[string]interface{}{
		"spec": map[string]interface{}{
			"desc":     "Allow access to Minio",
			"selector": map[string]interface{}{"matchLabels": map[string]interface{}{"access-minio": "true"}},
			"env":      []interface{}{map[string]interface{}{"name": "MINIO_PORT", "value": port}},
		},
	})
}

// secretValue reads "value" from stringData, or from data when the API
// server folded it.
func secretValue(obj *unstructured.Unstructured) string {
	if v, ok, _ := unstructured.NestedString(obj.Object, "stringData", "value"); ok {
		return v
	}
	enc, _, _ := unstructured.NestedString(obj.Object, "data", "value")
	raw, _ := base64.StdEncoding.DecodeString(enc)
	return string(raw)
}

func mustUpsert(t *testing.T, s *template.Store, relation string, kind types.Kind, b *unstructured.Unstructured, selector string) {
	t.Helper()
	if _, err := s.Upsert(relation, kind, b, selector); err != nil {
		t.Fatalf("upsert %s: %v", b.GetName(), err)
	}
}

func reconcileOnce(t *testing.T, r *Reconciler, ns string) PassResult {
	t.Helper()
	res, err := r.Reconcile(context.Background(), types.ReconcileTask{Namespace: ns, Reason: types.ReasonResync})
	if err != nil {
		t.Fatalf("reconcile %s: %v", ns, err)
	}
	return res
}

func TestScenarioSecretForEveryNamespaceAndIdempotence(t *testing.T) {
	c, store := newHarness(t, namespace("ns-a", nil))
	mustUpsert(t, store, "secrets", types.KindSecret, secretBody("default", "s3cr3t"), "")
	r := New(c, store, nil, NewQueue(time.Millisecond, time.Millisecond), nil, Options{})

	reconcileOnce(t, r, "ns-a")
	if got := c.names(t, types.KindSecret, "ns-a"); len(got) != 1 || !got["default"] {
		t.Fatalf("expected exactly the default secret, got %v", got)
	}
	info, _ := types.KindSecret.Info()
	obj, err := c.Get(context.Background(), info.GVK, "ns-a", "default")
	if err != nil {
		t.Fatal(err)
	}
	if v := secretValue(obj); v != "s3cr3t" {
		t.Fatalf("secret content = %q", v)
	}

	c.reset()
	res := reconcileOnce(t, r, "ns-a")
	creates, updates, deletes := c.counts()
	if res.Writes != 0 || creates+updates+deletes != 0 {
		t.Fatalf("second pass wrote %d/%d/%d", creates, updates, deletes)
	}
	st, ok := r.Status().Get("ns-a")
	if !ok || st.Phase != types.PhaseSynced || len(st.Objects) != 1 || st.Objects[0].State != types.StateApplied {
		t.Fatalf("unexpected status %+v", st)
	}
}

func TestScenarioTemplateUpdateIssuesOneUpdate(t *testing.T) {
	c, store := newHarness(t, namespace("ns-a", nil))
	mustUpsert(t, store, "pod-defaults", types.KindPodDefault, podDefaultBody("x", "9000"), "")
	mustUpsert(t, store, "secrets", types.KindSecret, secretBody("unrelated", "v"), "")
	r := New(c, store, nil, NewQueue(time.Millisecond, time.Millisecond), nil, Options{})
	reconcileOnce(t, r, "ns-a")

	mustUpsert(t, store, "pod-defaults", types.KindPodDefault, podDefaultBody("x", "9001"), "")
	c.reset()
	reconcileOnce(t, r, "ns-a")
	creates, updates, deletes := c.counts()
	if creates != 0 || updates != 1 || deletes != 0 {
		t.Fatalf("expected exactly one update, got c=%d u=%d d=%d", creates, updates, deletes)
	}
	info, _ := types.KindPodDefault.Info()
	obj, _ := c.Get(context.Background(), info.GVK, "ns-a", "x")
	env, _, _ := unstructured.NestedSlice(obj.Object, "spec", "env")
	if len(env) != 1 || env[0].(map[string]interface{})["value"] != "9001" {
		t.Fatalf("pod default not updated: %v", env)
	}
}

func TestScenarioRelationBrokenRemovesOnlyThatKind(t *testing.T) {
	c, store := newHarness(t, namespace("ns-a", nil), namespace("ns-b", nil))
	mustUpsert(t, store, "secrets", types.KindSecret, secretBody("s1", "v"), "")
	mustUpsert(t, store, "secrets", types.KindSecret, secretBody("s2", "v"), "")
	mustUpsert(t, store, "roles", types.KindRole, roleBody("reader"), "")
	r := New(c, store, nil, NewQueue(time.Millisecond, time.Millisecond), nil, Options{})
	for _, ns := range []string{"ns-a", "ns-b"} {
		reconcileOnce(t, r, ns)
	}

	store.RemoveApp("secrets", "")
	for _, ns := range []string{"ns-a", "ns-b"} {
		reconcileOnce(t, r, ns)
		if got := c.names(t, types.KindSecret, ns); len(got) != 0 {
			t.Fatalf("%s still has secrets %v", ns, got)
		}
		if got := c.names(t, types.KindRole, ns); !got["reader"] {
			t.Fatalf("%s lost its role", ns)
		}
	}
}

func TestScenarioRelabelDeletesRoleFromThatNamespaceOnly(t *testing.T) {
	c, store := newHarness(t, namespace("ns-a", map[string]string{"team": "ml"}), namespace("ns-b", map[string]string{"team": "ml"}))
	mustUpsert(t, store, "roles", types.KindRole, roleBody("y"), "team=ml")
	r := New(c, store, nil, NewQueue(time.Millisecond, time.Millisecond), nil, Options{})
	reconcileOnce(t, r, "ns-a")
	reconcileOnce(t, r, "ns-b")

	ns := namespace("ns-a", map[string]string{"team": "web"})
	if _, err := c.cset.CoreV1().Namespaces().Update(context.Background(), ns, metav1.UpdateOptions{}); err != nil {
		t.Fatal(err)
	}
	reconcileOnce(t, r, "ns-a")
	if got := c.names(t, types.KindRole, "ns-a"); len(got) != 0 {
		t.Fatalf("ns-a should have no role, has %v", got)
	}
	if got := c.names(t, types.KindRole, "ns-b"); !got["y"] {
		t.Fatalf("ns-b must keep role y")
	}
}

func TestScenarioRetryBudgetExhausted(t *testing.T) {
	c, store := newHarness(t, namespace("ns-a", nil))
	mustUpsert(t, store, "roles", types.KindRole, roleBody("editor"), "")
	mustUpsert(t, store, "role-bindings", types.KindRoleBinding, roleBindingBody("editor-binding", "editor"), "")
	mustUpsert(t, store, "secrets", types.KindSecret, secretBody("creds", "v"), "")
	c.failure = func(op string, obj *unstructured.Unstructured) error {
		if obj.GetKind() == "RoleBinding" {
			return errors.New("admission webhook denied the request")
		}
		return nil
	}
	q := NewQueue(time.Millisecond, 5*time.Millisecond)
	r := New(c, store, nil, q, nil, Options{Workers: 2, MaxRetries: 3})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = r.Start(ctx) }()
	q.Enqueue(types.ReconcileTask{Namespace: "ns-a", Reason: types.ReasonNamespaceAdded})

	var st types.NamespaceStatus
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if got, ok := r.Status().Get("ns-a"); ok && got.Phase == types.PhaseFailed {
			st = got
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if st.Phase != types.PhaseFailed {
		t.Fatalf("namespace never reached Failed")
	}
	if st.Attempts != 3 || st.LastError == "" {
		t.Fatalf("unexpected status %+v", st)
	}
	states := map[string]types.ObjectState{}
	for _, o := range st.Objects {
		states[o.Name] = o.State
	}
	if states["editor"] != types.StateApplied || states["creds"] != types.StateApplied || states["editor-binding"] != types.StateFailed {
		t.Fatalf("unexpected object states %v", states)
	}
	if creates, _, _ := c.counts(); creates < 5 {
		// two successful creates plus three failed attempts
		t.Fatalf("expected the role binding to be attempted three times, creates=%d", creates)
	}
}

func TestIsolationAcrossObjectsAndNamespaces(t *testing.T) {
	c, store := newHarness(t, namespace("ns-a", nil), namespace("ns-b", nil))
	mustUpsert(t, store, "secrets", types.KindSecret, secretBody("bad", "v"), "")
	mustUpsert(t, store, "secrets", types.KindSecret, secretBody("good", "v"), "")
	c.failure = func(op string, obj *unstructured.Unstructured) error {
		if obj.GetNamespace() == "ns-a" && obj.GetName() == "bad" {
			return errors.New("etcd timeout")
		}
		return nil
	}
	r := New(c, store, nil, NewQueue(time.Millisecond, time.Millisecond), nil, Options{})

	_, err := r.Reconcile(context.Background(), types.ReconcileTask{Namespace: "ns-a"})
	if !errors.Is(err, types.ErrClusterWrite) {
		t.Fatalf("expected ErrClusterWrite, got %v", err)
	}
	if got := c.names(t, types.KindSecret, "ns-a"); !got["good"] || got["bad"] {
		t.Fatalf("ns-a: %v", got)
	}
	reconcileOnce(t, r, "ns-b")
	if got := c.names(t, types.KindSecret, "ns-b"); len(got) != 2 {
		t.Fatalf("ns-b: %v", got)
	}
}

func TestConvergence(t *testing.T) {
	c, store := newHarness(t,
		namespace("alice", map[string]string{"user": "true", "team": "ml"}),
		namespace("bob", map[string]string{"user": "true"}),
		namespace("infra", nil),
	)
	mustUpsert(t, store, "secrets", types.KindSecret, secretBody("everyone", "v"), "")
	mustUpsert(t, store, "secrets", types.KindSecret, secretBody("users", "v"), "user=true")
	mustUpsert(t, store, "roles", types.KindRole, roleBody("ml"), "team=ml")
	mustUpsert(t, store, "service-accounts", types.KindServiceAccount, body("v1", "ServiceAccount", "{{ .Namespace }}-runner", nil), "user")

	r := New(c, store, nil, NewQueue(time.Millisecond, time.Millisecond), nil, Options{})
	want := map[string]map[types.Kind][]string{
		"alice": {types.KindSecret: {"everyone", "users"}, types.KindRole: {"ml"}, types.KindServiceAccount: {"alice-runner"}},
		"bob":   {types.KindSecret: {"everyone", "users"}, types.KindServiceAccount: {"bob-runner"}},
		"infra": {types.KindSecret: {"everyone"}},
	}
	// twice: the second pass must not change the outcome
	for i := 0; i < 2; i++ {
		for ns, kinds := range want {
			reconcileOnce(t, r, ns)
			for _, info := range types.AllKinds() {
				got := c.names(t, info.Kind, ns)
				exp := kinds[info.Kind]
				if len(got) != len(exp) {
					t.Fatalf("%s %s: got %v want %v", ns, info.Kind, got, exp)
				}
				for _, n := range exp {
					if !got[n] {
						t.Fatalf("%s %s: missing %s", ns, info.Kind, n)
					}
				}
			}
		}
	}
}

func TestCoalescing(t *testing.T) {
	c, store := newHarness(t, namespace("ns-a", nil))
	mustUpsert(t, store, "secrets", types.KindSecret, secretBody("s", "v"), "")
	q := NewQueue(time.Millisecond, time.Millisecond)
	for _, reason := range []types.Reason{types.ReasonNamespaceAdded, types.ReasonTemplateChanged, types.ReasonNamespaceRelabeled, types.ReasonResync} {
		q.Enqueue(types.ReconcileTask{Namespace: "ns-a", Reason: reason})
	}
	if q.Len() != 1 {
		t.Fatalf("queue should hold one item, has %d", q.Len())
	}
	r := New(c, store, nil, q, nil, Options{Workers: 4})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = r.Start(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := r.Status().Get("ns-a"); ok {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)
	c.mu.Lock()
	passes := c.passes["ns-a"]
	c.mu.Unlock()
	if passes != 1 {
		t.Fatalf("expected one pass, got %d", passes)
	}
}

func TestAbandonWhenNamespaceGone(t *testing.T) {
	c, store := newHarness(t)
	mustUpsert(t, store, "secrets", types.KindSecret, secretBody("s", "v"), "")
	r := New(c, store, nil, NewQueue(time.Millisecond, time.Millisecond), nil, Options{})
	res, err := r.Reconcile(context.Background(), types.ReconcileTask{Namespace: "gone", Reason: types.ReasonNamespaceDeleted})
	if err != nil || !res.Abandoned {
		t.Fatalf("expected abandoned pass, got %+v %v", res, err)
	}
	if creates, _, _ := c.counts(); creates != 0 {
		t.Fatalf("no writes expected for a missing namespace")
	}
}

func TestForeignObjectIsNeverTouched(t *testing.T) {
	c, store := newHarness(t, namespace("ns-a", nil))
	foreign := secretBody("shared", "user-owned")
	foreign.SetNamespace("ns-a")
	if err := c.KubeClient.Create(context.Background(), foreign); err != nil {
		t.Fatal(err)
	}
	mustUpsert(t, store, "secrets", types.KindSecret, secretBody("shared", "dispatcher"), "")
	r := New(c, store, nil, NewQueue(time.Millisecond, time.Millisecond), nil, Options{})

	_, err := r.Reconcile(context.Background(), types.ReconcileTask{Namespace: "ns-a"})
	if !errors.Is(err, types.ErrNotOwned) {
		t.Fatalf("expected ErrNotOwned, got %v", err)
	}
	info, _ := types.KindSecret.Info()
	obj, _ := c.Get(context.Background(), info.GVK, "ns-a", "shared")
	if cluster.IsOwned(obj) {
		t.Fatalf("foreign object was taken over")
	}
	if v := secretValue(obj); v != "user-owned" {
		t.Fatalf("foreign object modified: %q", v)
	}
}

type denyAll struct{}

func (denyAll) Qualifies(types.NamespaceRecord) bool { return false }

func TestNonQualifyingNamespaceIsEmptied(t *testing.T) {
	c, store := newHarness(t, namespace("ns-a", nil))
	mustUpsert(t, store, "secrets", types.KindSecret, secretBody("s", "v"), "")
	reconcileOnce(t, New(c, store, nil, NewQueue(time.Millisecond, time.Millisecond), nil, Options{}), "ns-a")
	reconcileOnce(t, New(c, store, denyAll{}, NewQueue(time.Millisecond, time.Millisecond), nil, Options{}), "ns-a")
	if got := c.names(t, types.KindSecret, "ns-a"); len(got) != 0 {
		t.Fatalf("objects left in a namespace that lost its target label: %v", got)
	}
}

func TestRenderFailureKeepsObjectWithTemplatedName(t *testing.T) {
	c, store := newHarness(t, namespace("ns-a", map[string]string{"team": "ml"}))
	mustUpsert(t, store, "secrets", types.KindSecret, secretBody("{{ .Namespace }}-creds", "{{ .Labels.team }}"), "")
	r := New(c, store, nil, NewQueue(time.Millisecond, time.Millisecond), nil, Options{})
	reconcileOnce(t, r, "ns-a")
	if got := c.names(t, types.KindSecret, "ns-a"); !got["ns-a-creds"] {
		t.Fatalf("expected ns-a-creds, got %v", got)
	}

	if _, err := c.cset.CoreV1().Namespaces().Update(context.Background(), namespace("ns-a", nil), metav1.UpdateOptions{}); err != nil {
		t.Fatal(err)
	}
	c.reset()
	reconcileOnce(t, r, "ns-a")
	if _, _, deletes := c.counts(); deletes != 0 {
		t.Fatalf("object of a template that failed to render was deleted")
	}
	if got := c.names(t, types.KindSecret, "ns-a"); !got["ns-a-creds"] {
		t.Fatalf("ns-a-creds must survive, got %v", got)
	}
	st, _ := r.Status().Get("ns-a")
	if st.LastError == "" {
		t.Fatalf("render failure must be reported: %+v", st)
	}
}
