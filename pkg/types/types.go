package types

import (
	"encoding/json"
	"sort"
	"time"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/apimachinery/pkg/runtime/schema"
)

// Kind identifies a category of object the dispatcher injects into namespaces.
type Kind string

const (
	KindSecret         Kind = "secret"
	KindServiceAccount Kind = "service-account"
	KindPodDefault     Kind = "pod-default"
	KindRole           Kind = "role"
	KindRoleBinding    Kind = "role-binding"
)

// KindInfo describes how a Kind maps onto the Kubernetes API.
type KindInfo struct {
	Kind Kind
	GVK  schema.GroupVersionKind
	// Resource is the plural API resource name.
	Resource string
	// Order is the position in which objects of this kind are applied.
	// Dependents (bindings, pod defaults referencing accounts) come last.
	Order int
}

var kinds = map[Kind]KindInfo{
	KindServiceAccount: {Kind: KindServiceAccount, GVK: schema.GroupVersionKind{Version: "v1", Kind: "ServiceAccount"}, Resource: "serviceaccounts", Order: 0},
	KindSecret:         {Kind: KindSecret, GVK: schema.GroupVersionKind{Version: "v1", Kind: "Secret"}, Resource: "secrets", Order: 1},
	KindRole:           {Kind: KindRole, GVK: schema.GroupVersionKind{Group: "rbac.authorization.k8s.io", Version: "v1", Kind: "Role"}, Resource: "roles", Order: 2},
	KindRoleBinding:    {Kind: KindRoleBinding, GVK: schema.GroupVersionKind{Group: "rbac.authorization.k8s.io", Version: "v1", Kind: "RoleBinding"}, Resource: "rolebindings", Order: 3},
	KindPodDefault:     {Kind: KindPodDefault, GVK: schema.GroupVersionKind{Group: "kubeflow.org", Version: "v1alpha1", Kind: "PodDefault"}, Resource: "poddefaults", Order: 4},
}

// Info returns the API mapping for k.
func (k Kind) Info() (KindInfo, bool) {
	info, ok := kinds[k]
	return info, ok
}

// AllKinds returns every managed kind in apply order.
func AllKinds() []KindInfo {
	out := make([]KindInfo, 0, len(kinds))
	for _, info := range kinds {
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out
}

// KindForGVK resolves the managed kind of an object, if any.
func KindForGVK(gvk schema.GroupVersionKind) (Kind, bool) {
	for k, info := range kinds {
		if info.GVK.Group == gvk.Group && info.GVK.Kind == gvk.Kind {
			return k, true
		}
	}
	return "", false
}

// Template is a parameterized object delivered over a relation.
type Template struct {
	Relation string `json:"relation"`
	App      string `json:"app,omitempty"`
	Kind     Kind   `json:"kind"`
	Name     string `json:"name"`
	// Body is the object definition; string leaves may contain placeholders.
	Body *unstructured.Unstructured `json:"body"`
	// SelectorText is the textual label selector; empty selects every namespace.
	SelectorText string          `json:"selector,omitempty"`
	Selector     labels.Selector `json:"-"`
	// Hash is the digest of the unrendered body and selector.
	Hash string `json:"hash"`
}

// TemplateID uniquely identifies a template inside the store.
type TemplateID string

// ID returns the store key of t.
func (t Template) ID() TemplateID {
	return NewTemplateID(t.Relation, t.Kind, t.Name)
}

// NewTemplateID builds the key for a relation, kind and object name.
func NewTemplateID(relation string, kind Kind, name string) TemplateID {
	return TemplateID(relation + "/" + string(kind) + "/" + name)
}

// Matches reports whether the template selects a namespace with the given labels.
func (t Template) Matches(set labels.Set) bool {
	if t.Selector == nil {
		return true
	}
	return t.Selector.Matches(set)
}

// NamespacePhase mirrors the namespace lifecycle phase.
type NamespacePhase string

const (
	NamespaceActive      NamespacePhase = "Active"
	NamespaceTerminating NamespacePhase = "Terminating"
)

// NamespaceRecord is an immutable snapshot of a namespace.
type NamespaceRecord struct {
	Name   string            `json:"name"`
	UID    string            `json:"uid,omitempty"`
	Labels map[string]string `json:"labels,omitempty"`
	Phase  NamespacePhase    `json:"phase"`
}

// LabelSet returns the namespace labels as a selector-friendly set.
func (n NamespaceRecord) LabelSet() labels.Set {
	return labels.Set(n.Labels)
}

// ObjectState is the per-object reconciliation state.
type ObjectState string

const (
	StateAbsent   ObjectState = "Absent"
	StateDesired  ObjectState = "Desired"
	StateApplying ObjectState = "Applying"
	StateApplied  ObjectState = "Applied"
	StateStale    ObjectState = "Stale"
	StateDeleting ObjectState = "Deleting"
	StateFailed   ObjectState = "Failed"
)

// ManagedObject is an object the dispatcher injected into a namespace.
type ManagedObject struct {
	Namespace       string      `json:"namespace"`
	Kind            Kind        `json:"kind"`
	Name            string      `json:"name"`
	TemplateID      TemplateID  `json:"templateId"`
	LastAppliedHash string      `json:"lastAppliedHash,omitempty"`
	State           ObjectState `json:"state"`
	Error           string      `json:"error,omitempty"`
}

// ObjectKey identifies a managed object inside one namespace.
type ObjectKey struct {
	Kind Kind
	Name string
}

// Key returns the in-namespace identity of m.
func (m ManagedObject) Key() ObjectKey {
	return ObjectKey{Kind: m.Kind, Name: m.Name}
}

// Reason records why a namespace was queued.
type Reason string

const (
	ReasonNamespaceAdded     Reason = "NamespaceAdded"
	ReasonTemplateChanged    Reason = "TemplateChanged"
	ReasonNamespaceRelabeled Reason = "NamespaceRelabeled"
	ReasonNamespaceDeleted   Reason = "NamespaceDeleted"
	ReasonRetry              Reason = "Retry"
	ReasonResync             Reason = "Resync"
)

// ReconcileTask asks the reconciler to converge one namespace.
type ReconcileTask struct {
	Namespace string
	Reason    Reason
}

// Enqueuer accepts reconcile tasks without blocking.
type Enqueuer interface {
	Enqueue(task ReconcileTask)
}

// EnqueueFunc adapts a function to the Enqueuer interface.
type EnqueueFunc func(ReconcileTask)

func (f EnqueueFunc) Enqueue(task ReconcileTask) { f(task) }

// SyncPhase is the namespace-level reconciliation outcome.
type SyncPhase string

const (
	PhasePending  SyncPhase = "Pending"
	PhaseSynced   SyncPhase = "Synced"
	PhaseRetrying SyncPhase = "Retrying"
	PhaseFailed   SyncPhase = "Failed"
)

// NamespaceStatus is the operator-visible state of one namespace.
type NamespaceStatus struct {
	Namespace string          `json:"namespace"`
	Phase     SyncPhase       `json:"phase"`
	Attempts  int             `json:"attempts"`
	LastError string          `json:"lastError,omitempty"`
	Objects   []ManagedObject `json:"objects,omitempty"`
	PassID    string          `json:"passId,omitempty"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// RelationData is one application's payload on one relation.
type RelationData struct {
	Relation  string            `json:"relation"`
	App       string            `json:"app"`
	Version   string            `json:"version"`
	Data      map[string]string `json:"data"`
	UpdatedAt time.Time         `json:"updatedAt"`
}

// MeshPeer is a remote application announced over a cross-model mesh relation.
type MeshPeer struct {
	App            string `json:"app_name"`
	Namespace      string `json:"juju_model_name"`
	ServiceAccount string `json:"service_account,omitempty"`
}

// Condition is a readiness signal reported by the status API.
type Condition struct {
	Type               string    `json:"type"`
	Status             string    `json:"status"`
	Reason             string    `json:"reason,omitempty"`
	Message            string    `json:"message,omitempty"`
	LastTransitionTime time.Time `json:"lastTransitionTime"`
}

// RelationSummary is the last outcome of one app's payload on one relation.
type RelationSummary struct {
	Relation string `json:"relation"`
	App      string `json:"app"`
	// Accepted is true while a valid payload from app is in effect, even
	// if a later one was rejected.
	Accepted  bool      `json:"accepted"`
	Error     string    `json:"error,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// TemplateSummary describes a stored template without its body.
type TemplateSummary struct {
	ID       TemplateID `json:"id"`
	Relation string     `json:"relation"`
	App      string     `json:"app,omitempty"`
	Kind     Kind       `json:"kind"`
	Name     string     `json:"name"`
	Selector string     `json:"selector,omitempty"`
	Hash     string     `json:"hash"`
}

// MeshReport is the service mesh view of the dispatcher.
type MeshReport struct {
	Enabled   bool       `json:"enabled"`
	Identity  MeshPeer   `json:"identity"`
	Peers     []MeshPeer `json:"peers"`
	Consumers []string   `json:"consumers,omitempty"`
}

// StatusReport is served by GET /api/v1/status.
type StatusReport struct {
	Ready      bool              `json:"ready"`
	Phases     map[SyncPhase]int `json:"phases"`
	Namespaces []NamespaceStatus `json:"namespaces"`
	Templates  []TemplateSummary `json:"templates"`
	Relations  []RelationSummary `json:"relations"`
	Mesh       MeshReport        `json:"mesh"`
	Conditions []Condition       `json:"conditions,omitempty"`
	Events     []json.RawMessage `json:"events,omitempty"`
}
