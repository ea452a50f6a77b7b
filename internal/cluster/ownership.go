package cluster

import (
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/labels"

	"github.com/vaheed/resource-dispatcher/pkg/types"
)

// Ownership marker written on every injected object.
const (
	LabelManagedBy     = "app.kubernetes.io/managed-by"
	ManagedByValue     = "resource-dispatcher"
	AnnotationTemplate = "resource-dispatcher.kubeflow.org/template"
	AnnotationHash     = "resource-dispatcher.kubeflow.org/content-hash"
)

// OwnedSelector selects objects carrying the ownership marker.
func OwnedSelector() labels.Selector {
	return labels.SelectorFromSet(labels.Set{LabelManagedBy: ManagedByValue})
}

// IsOwned reports whether obj was created by the dispatcher.
func IsOwned(obj *unstructured.Unstructured) bool {
	return obj != nil && obj.GetLabels()[LabelManagedBy] == ManagedByValue
}

// MarkOwned stamps obj with the ownership label, template id and content hash.
func MarkOwned(obj *unstructured.Unstructured, id types.TemplateID, hash string) {
	lbls := obj.GetLabels()
	if lbls == nil {
		lbls = map[string]string{}
	}
	lbls[LabelManagedBy] = ManagedByValue
	obj.SetLabels(lbls)
	ann := obj.GetAnnotations()
	if ann == nil {
		ann = map[string]string{}
	}
	ann[AnnotationTemplate] = string(id)
	ann[AnnotationHash] = hash
	obj.SetAnnotations(ann)
}

// AppliedHash returns the content hash recorded on obj.
func AppliedHash(obj *unstructured.Unstructured) string {
	return obj.GetAnnotations()[AnnotationHash]
}

// TemplateOf returns the template id recorded on obj.
func TemplateOf(obj *unstructured.Unstructured) types.TemplateID {
	return types.TemplateID(obj.GetAnnotations()[AnnotationTemplate])
}
