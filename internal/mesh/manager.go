// Package mesh keeps the dispatcher reachable inside an ambient service mesh
// and tracks cross-model mesh peers.
package mesh

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"

	"github.com/vaheed/resource-dispatcher/internal/cluster"
	"github.com/vaheed/resource-dispatcher/internal/logging"
	"github.com/vaheed/resource-dispatcher/pkg/types"
)

// PolicyGVK is the Istio AuthorizationPolicy the manager applies.
var PolicyGVK = schema.GroupVersionKind{Group: "security.istio.io", Version: "v1", Kind: "AuthorizationPolicy"}

const (
	LabelInstance = "app.kubernetes.io/instance"
	LabelScope    = "kubernetes-resource-handler-scope"
)

// Manager owns the allow-all policy and the peer book.
type Manager struct {
	client    cluster.Client
	app       string
	namespace string

	mu        sync.RWMutex
	providers map[string]struct{}
	peers     map[string]types.MeshPeer
	consumers map[string]struct{}
}

func NewManager(c cluster.Client, app, namespace string) *Manager {
	return &Manager{
		client:    c,
		app:       app,
		namespace: namespace,
		providers: map[string]struct{}{},
		peers:     map[string]types.MeshPeer{},
		consumers: map[string]struct{}{},
	}
}

// PolicyName is the name of the allow-all policy.
func (m *Manager) PolicyName() string { return m.app + "-allow-all" }

// AllowAllPolicy admits any traffic to the dispatcher's service. The
// Metacontroller sync hook has no mesh identity, so nothing narrower works.
func (m *Manager) AllowAllPolicy() *unstructured.Unstructured {
	u := &unstructured.Unstructured{Object: map[string]interface{}{
		"spec": map[string]interface{}{
			"targetRefs": []interface{}{
				map[string]interface{}{"kind": "Service", "group": "", "name": m.app},
			},
			"action": "ALLOW",
			"rules":  []interface{}{map[string]interface{}{}},
		},
	}}
	u.SetGroupVersionKind(PolicyGVK)
	u.SetNamespace(m.namespace)
	u.SetName(m.PolicyName())
	u.SetLabels(map[string]string{
		LabelInstance: m.app + "-" + m.namespace,
		LabelScope:    m.PolicyName(),
	})
	cluster.MarkOwned(u, types.NewTemplateID("service-mesh", "authorization-policy", m.PolicyName()), "")
	return u
}

// Enabled reports whether any app currently provides the service mesh.
func (m *Manager) Enabled() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.providers) > 0
}

// Enable ensures the policy exists and then records app as a mesh provider.
// A failed apply leaves the providers unchanged.
func (m *Manager) Enable(ctx context.Context, app string) error {
	if err := m.apply(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	m.providers[app] = struct{}{}
	m.mu.Unlock()
	return nil
}

// Disable forgets app; the policy is deleted once no provider is left. An
// empty app forgets every provider.
func (m *Manager) Disable(ctx context.Context, app string) error {
	m.mu.Lock()
	if app == "" {
		m.providers = map[string]struct{}{}
	} else {
		delete(m.providers, app)
	}
	left := len(m.providers)
	m.mu.Unlock()
	if left > 0 {
		return nil
	}
	return m.Remove(ctx)
}

// Remove deletes the policy regardless of providers.
func (m *Manager) Remove(ctx context.Context) error {
	err := m.client.Delete(ctx, m.AllowAllPolicy())
	if err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("delete %s: %w", m.PolicyName(), err)
	}
	logging.FromContext(ctx).Info("mesh.policy.removed", zap.String("name", m.PolicyName()))
	return nil
}

func (m *Manager) apply(ctx context.Context) error {
	desired := m.AllowAllPolicy()
	current, err := m.client.Get(ctx, PolicyGVK, m.namespace, m.PolicyName())
	switch {
	case apierrors.IsNotFound(err):
		if err := m.client.Create(ctx, desired); err != nil {
			return fmt.Errorf("create %s: %w", m.PolicyName(), err)
		}
	case err != nil:
		return fmt.Errorf("get %s: %w", m.PolicyName(), err)
	default:
		if !cluster.IsOwned(current) {
			return fmt.Errorf("%s/%s: %w", m.namespace, m.PolicyName(), types.ErrNotOwned)
		}
		desired.SetResourceVersion(current.GetResourceVersion())
		if err := m.client.Update(ctx, desired); err != nil {
			return fmt.Errorf("update %s: %w", m.PolicyName(), err)
		}
	}
	logging.FromContext(ctx).Info("mesh.policy.applied", zap.String("name", m.PolicyName()), zap.String("namespace", m.namespace))
	return nil
}

// Identity is what the dispatcher announces on provide-cmr-mesh.
func (m *Manager) Identity() types.MeshPeer {
	return types.MeshPeer{App: m.app, Namespace: m.namespace, ServiceAccount: m.app}
}

func (m *Manager) SetPeer(app string, peer types.MeshPeer) {
	m.mu.Lock()
	m.peers[app] = peer
	m.mu.Unlock()
}

// RemovePeer forgets app's peer, or every peer when app is empty.
func (m *Manager) RemovePeer(app string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if app == "" {
		m.peers = map[string]types.MeshPeer{}
		return
	}
	delete(m.peers, app)
}

// Peers returns the known peers ordered by app.
func (m *Manager) Peers() []types.MeshPeer {
	m.mu.RLock()
	out := make([]types.MeshPeer, 0, len(m.peers))
	for _, p := range m.peers {
		out = append(out, p)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].App < out[j].App })
	return out
}

func (m *Manager) AddConsumer(app string) {
	m.mu.Lock()
	m.consumers[app] = struct{}{}
	m.mu.Unlock()
}

func (m *Manager) RemoveConsumer(app string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if app == "" {
		m.consumers = map[string]struct{}{}
		return
	}
	delete(m.consumers, app)
}

func (m *Manager) Consumers() []string {
	m.mu.RLock()
	out := make([]string, 0, len(m.consumers))
	for a := range m.consumers {
		out = append(out, a)
	}
	m.mu.RUnlock()
	sort.Strings(out)
	return out
}
