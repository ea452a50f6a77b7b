package reconcile

import (
	"fmt"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"

	"github.com/vaheed/resource-dispatcher/internal/cluster"
	"github.com/vaheed/resource-dispatcher/internal/template"
	"github.com/vaheed/resource-dispatcher/pkg/types"
)

// DesiredState is what a namespace should hold according to its templates.
type DesiredState struct {
	Objects []template.Rendered
	// Keep lists templates that failed to render. Owned objects stamped with
	// one of these ids are left untouched instead of being deleted.
	Keep    map[types.TemplateID]struct{}
	Failed  []types.ManagedObject
	Invalid []error
}

// Desired renders matching for rec. Two templates rendering to the same
// object are both reported invalid after the first.
func Desired(matching []types.Template, rec types.NamespaceRecord) DesiredState {
	out := DesiredState{Keep: map[types.TemplateID]struct{}{}}
	seen := map[types.ObjectKey]types.TemplateID{}
	for _, t := range matching {
		rendered, err := template.Render(t, rec)
		if err != nil {
			out.Keep[t.ID()] = struct{}{}
			out.Failed = append(out.Failed, failedObject(rec.Name, t.Kind, t.Name, t.ID(), err))
			out.Invalid = append(out.Invalid, err)
			continue
		}
		key := types.ObjectKey{Kind: t.Kind, Name: rendered.Object.GetName()}
		if other, dup := seen[key]; dup {
			err := fmt.Errorf("%w: %s %q rendered by both %s and %s", types.ErrInvalidTemplate, t.Kind, key.Name, other, t.ID())
			out.Failed = append(out.Failed, failedObject(rec.Name, t.Kind, key.Name, t.ID(), err))
			out.Invalid = append(out.Invalid, err)
			continue
		}
		seen[key] = t.ID()
		out.Objects = append(out.Objects, rendered)
	}
	return out
}

// Marked returns copies of the desired objects carrying the ownership marker,
// as they would be written to the cluster.
func (d DesiredState) Marked() []*unstructured.Unstructured {
	out := make([]*unstructured.Unstructured, 0, len(d.Objects))
	for _, r := range d.Objects {
		obj := r.Object.DeepCopy()
		cluster.MarkOwned(obj, r.Template.ID(), r.Hash)
		out = append(out, obj)
	}
	return out
}
