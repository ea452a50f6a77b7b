package reconcile

import (
	"sort"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"

	"github.com/vaheed/resource-dispatcher/internal/cluster"
	"github.com/vaheed/resource-dispatcher/internal/template"
	"github.com/vaheed/resource-dispatcher/pkg/types"
)

// Op is a planned cluster write.
type Op string

const (
	OpNone   Op = "none"
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Action is one step of a pass.
type Action struct {
	Op      Op
	Kind    types.Kind
	Name    string
	Desired *template.Rendered
	Current *unstructured.Unstructured
}

// Plan diffs the rendered desired objects against the owned objects found
// in the namespace. Owned objects stamped with a template id in keep survive
// even though they are not desired, typically because that template failed to
// render and the object name it would produce is unknown.
// Creates and updates come first in apply order, deletes last in reverse order.
func Plan(desired []template.Rendered, owned []unstructured.Unstructured, keep map[types.TemplateID]struct{}) []Action {
	cur := make(map[types.ObjectKey]*unstructured.Unstructured, len(owned))
	for i := range owned {
		kind, ok := types.KindForGVK(owned[i].GroupVersionKind())
		if !ok {
			continue
		}
		cur[types.ObjectKey{Kind: kind, Name: owned[i].GetName()}] = &owned[i]
	}

	var applies, deletes []Action
	want := make(map[types.ObjectKey]struct{}, len(desired))
	for i := range desired {
		d := &desired[i]
		key := types.ObjectKey{Kind: d.Template.Kind, Name: d.Object.GetName()}
		want[key] = struct{}{}
		c, exists := cur[key]
		switch {
		case !exists:
			applies = append(applies, Action{Op: OpCreate, Kind: key.Kind, Name: key.Name, Desired: d})
		case cluster.AppliedHash(c) != d.Hash || cluster.TemplateOf(c) != d.Template.ID():
			applies = append(applies, Action{Op: OpUpdate, Kind: key.Kind, Name: key.Name, Desired: d, Current: c})
		default:
			applies = append(applies, Action{Op: OpNone, Kind: key.Kind, Name: key.Name, Desired: d, Current: c})
		}
	}
	for key, c := range cur {
		if _, ok := want[key]; ok {
			continue
		}
		if _, ok := keep[cluster.TemplateOf(c)]; ok {
			continue
		}
		deletes = append(deletes, Action{Op: OpDelete, Kind: key.Kind, Name: key.Name, Current: c})
	}

	sort.SliceStable(applies, func(i, j int) bool { return less(applies[i], applies[j], false) })
	sort.SliceStable(deletes, func(i, j int) bool { return less(deletes[i], deletes[j], true) })
	return append(applies, deletes...)
}

func less(a, b Action, reverse bool) bool {
	oa, ob := order(a.Kind), order(b.Kind)
	if oa != ob {
		if reverse {
			return oa > ob
		}
		return oa < ob
	}
	return a.Name < b.Name
}

func order(k types.Kind) int {
	info, ok := k.Info()
	if !ok {
		return len(types.AllKinds())
	}
	return info.Order
}
