package cluster

import (
	"context"
	"fmt"

	corev1 "k8s.io/api/core/v1"
	apimeta "k8s.io/apimachinery/pkg/api/meta"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/discovery"
	"k8s.io/client-go/kubernetes"
	ctrlclient "sigs.k8s.io/controller-runtime/pkg/client"
)

// FieldOwner is the field manager recorded on every write.
const FieldOwner = "resource-dispatcher"

// Client is the cluster boundary used by the watcher and the reconciler.
type Client interface {
	GetNamespace(ctx context.Context, name string) (*corev1.Namespace, error)
	ListNamespaces(ctx context.Context) (*corev1.NamespaceList, error)
	// WatchNamespaces streams namespace changes after resourceVersion.
	// The caller must Stop the returned watch.
	WatchNamespaces(ctx context.Context, resourceVersion string) (watch.Interface, error)

	Get(ctx context.Context, gvk schema.GroupVersionKind, namespace, name string) (*unstructured.Unstructured, error)
	List(ctx context.Context, gvk schema.GroupVersionKind, namespace string, selector labels.Selector) ([]unstructured.Unstructured, error)
	Create(ctx context.Context, obj *unstructured.Unstructured) error
	Update(ctx context.Context, obj *unstructured.Unstructured) error
	Delete(ctx context.Context, obj *unstructured.Unstructured) error
}

// KubeClient implements Client with a controller-runtime client for objects
// and a clientset for namespace watches.
type KubeClient struct {
	objects ctrlclient.Client
	cset    kubernetes.Interface
}

var _ Client = (*KubeClient)(nil)

// NewKubeClient wires a Client from its two API clients.
func NewKubeClient(objects ctrlclient.Client, cset kubernetes.Interface) *KubeClient {
	return &KubeClient{objects: objects, cset: cset}
}

// Clientset exposes the typed clientset for access reviews.
func (k *KubeClient) Clientset() kubernetes.Interface { return k.cset }

// Discovery exposes the discovery client for readiness conditions.
func (k *KubeClient) Discovery() discovery.DiscoveryInterface { return k.cset.Discovery() }

func (k *KubeClient) GetNamespace(ctx context.Context, name string) (*corev1.Namespace, error) {
	return k.cset.CoreV1().Namespaces().Get(ctx, name, metav1.GetOptions{})
}

func (k *KubeClient) ListNamespaces(ctx context.Context) (*corev1.NamespaceList, error) {
	return k.cset.CoreV1().Namespaces().List(ctx, metav1.ListOptions{})
}

func (k *KubeClient) WatchNamespaces(ctx context.Context, resourceVersion string) (watch.Interface, error) {
	return k.cset.CoreV1().Namespaces().Watch(ctx, metav1.ListOptions{
		ResourceVersion:     resourceVersion,
		AllowWatchBookmarks: true,
	})
}

func (k *KubeClient) Get(ctx context.Context, gvk schema.GroupVersionKind, namespace, name string) (*unstructured.Unstructured, error) {
	obj := &unstructured.Unstructured{}
	obj.SetGroupVersionKind(gvk)
	if err := k.objects.Get(ctx, ctrlclient.ObjectKey{Namespace: namespace, Name: name}, obj); err != nil {
		return nil, err
	}
	return obj, nil
}

// List returns the objects of gvk in namespace. A kind whose API is not
// served (for instance PodDefault without Kubeflow installed) lists empty.
func (k *KubeClient) List(ctx context.Context, gvk schema.GroupVersionKind, namespace string, selector labels.Selector) ([]unstructured.Unstructured, error) {
	list := &unstructured.UnstructuredList{}
	list.SetGroupVersionKind(gvk.GroupVersion().WithKind(gvk.Kind + "List"))
	opts := []ctrlclient.ListOption{ctrlclient.InNamespace(namespace)}
	if selector != nil {
		opts = append(opts, ctrlclient.MatchingLabelsSelector{Selector: selector})
	}
	if err := k.objects.List(ctx, list, opts...); err != nil {
		if apimeta.IsNoMatchError(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list %s in %s: %w", gvk.Kind, namespace, err)
	}
	return list.Items, nil
}

func (k *KubeClient) Create(ctx context.Context, obj *unstructured.Unstructured) error {
	return k.objects.Create(ctx, obj, ctrlclient.FieldOwner(FieldOwner))
}

func (k *KubeClient) Update(ctx context.Context, obj *unstructured.Unstructured) error {
	return k.objects.Update(ctx, obj, ctrlclient.FieldOwner(FieldOwner))
}

func (k *KubeClient) Delete(ctx context.Context, obj *unstructured.Unstructured) error {
	return ctrlclient.IgnoreNotFound(k.objects.Delete(ctx, obj))
}
