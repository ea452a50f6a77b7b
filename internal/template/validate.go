package template

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	corev1 "k8s.io/api/core/v1"
	rbacv1 "k8s.io/api/rbac/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/util/validation"

	v1alpha1 "github.com/vaheed/resource-dispatcher/pkg/api/v1alpha1"
	"github.com/vaheed/resource-dispatcher/pkg/types"
)

// AnnotationSelector carries a template's namespace label selector. It is
// stripped from the body before the object is written.
const AnnotationSelector = "resource-dispatcher.kubeflow.org/namespace-selector"

// server-populated metadata that never belongs in a template
var volatileMeta = []string{"namespace", "uid", "resourceVersion", "generation", "creationTimestamp", "managedFields", "selfLink", "ownerReferences", "deletionTimestamp"}

func typedFor(kind types.Kind) runtime.Object {
	switch kind {
	case types.KindSecret:
		return &corev1.Secret{}
	case types.KindServiceAccount:
		return &corev1.ServiceAccount{}
	case types.KindRole:
		return &rbacv1.Role{}
	case types.KindRoleBinding:
		return &rbacv1.RoleBinding{}
	case types.KindPodDefault:
		return &v1alpha1.PodDefault{}
	}
	return nil
}

// New validates body as a template of kind delivered by app on relation.
// selector overrides the selector annotation of the body when non-empty.
func New(relation, app string, kind types.Kind, body *unstructured.Unstructured, selector string) (types.Template, error) {
	if body == nil || body.Object == nil {
		return types.Template{}, fmt.Errorf("%w: empty body", types.ErrInvalidTemplate)
	}
	body = body.DeepCopy()
	if body.GetAPIVersion() == "" || body.GetKind() == "" {
		return types.Template{}, fmt.Errorf("%w: apiVersion and kind are required", types.ErrInvalidTemplate)
	}
	name := body.GetName()
	if name == "" {
		return types.Template{}, fmt.Errorf("%w: %s without metadata.name", types.ErrInvalidTemplate, body.GetKind())
	}
	if !strings.Contains(name, "{{") {
		if errs := validation.IsDNS1123Subdomain(name); len(errs) > 0 {
			return types.Template{}, fmt.Errorf("%w: name %q: %s", types.ErrInvalidTemplate, name, strings.Join(errs, ", "))
		}
	}
	got, ok := types.KindForGVK(body.GroupVersionKind())
	if !ok || got != kind {
		return types.Template{}, fmt.Errorf("%w: %s %q cannot be delivered as %s", types.ErrInvalidTemplate, body.GetKind(), name, kind)
	}
	typed := typedFor(kind)
	if typed == nil {
		return types.Template{}, fmt.Errorf("%w: unsupported kind %s", types.ErrInvalidTemplate, kind)
	}
	if err := runtime.DefaultUnstructuredConverter.FromUnstructuredWithValidation(body.Object, typed, true); err != nil {
		return types.Template{}, fmt.Errorf("%w: %s %q: %v", types.ErrInvalidTemplate, body.GetKind(), name, err)
	}

	if selector == "" {
		selector = body.GetAnnotations()[AnnotationSelector]
	}
	ann := body.GetAnnotations()
	if _, ok := ann[AnnotationSelector]; ok {
		delete(ann, AnnotationSelector)
		if len(ann) == 0 {
			ann = nil
		}
		body.SetAnnotations(ann)
	}
	var sel labels.Selector
	if strings.TrimSpace(selector) != "" {
		parsed, err := labels.Parse(selector)
		if err != nil {
			return types.Template{}, fmt.Errorf("%w: selector %q: %v", types.ErrInvalidTemplate, selector, err)
		}
		sel = parsed
	}
	for _, f := range volatileMeta {
		unstructured.RemoveNestedField(body.Object, "metadata", f)
	}
	unstructured.RemoveNestedField(body.Object, "status")

	hash, err := digest(body.Object, selector)
	if err != nil {
		return types.Template{}, fmt.Errorf("%w: %v", types.ErrInvalidTemplate, err)
	}
	return types.Template{
		Relation:     relation,
		App:          app,
		Kind:         kind,
		Name:         name,
		Body:         body,
		SelectorText: selector,
		Selector:     sel,
		Hash:         hash,
	}, nil
}

// digest hashes the canonical JSON of obj and any extra strings.
// encoding/json sorts map keys so equal content yields equal digests.
func digest(obj map[string]interface{}, extra ...string) (string, error) {
	raw, err := json.Marshal(obj)
	if err != nil {
		return "", err
	}
	h := sha256.New()
	h.Write(raw)
	for _, e := range extra {
		h.Write([]byte{0})
		h.Write([]byte(e))
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
