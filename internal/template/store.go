package template

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/labels"

	"github.com/vaheed/resource-dispatcher/internal/logging"
	"github.com/vaheed/resource-dispatcher/internal/metrics"
	"github.com/vaheed/resource-dispatcher/pkg/types"
)

// NamespaceLister exposes the namespaces currently known to the watcher.
type NamespaceLister interface {
	Namespaces() []types.NamespaceRecord
}

// Store holds templates keyed by relation, kind and name. Readers take the
// read lock; every mutation enqueues the namespaces it may affect.
type Store struct {
	mu        sync.RWMutex
	templates map[types.TemplateID]types.Template

	notifyMu   sync.RWMutex
	namespaces NamespaceLister
	queue      types.Enqueuer
}

// NewStore returns an empty store. Call Notify to connect it to the watcher
// and the reconcile queue.
func NewStore() *Store {
	return &Store{templates: map[types.TemplateID]types.Template{}}
}

// Notify sets where mutations are announced.
func (s *Store) Notify(ns NamespaceLister, q types.Enqueuer) {
	s.notifyMu.Lock()
	s.namespaces, s.queue = ns, q
	s.notifyMu.Unlock()
}

// Upsert validates body and replaces the template with the same relation,
// kind and name. The previous template stays when validation fails.
func (s *Store) Upsert(relation string, kind types.Kind, body *unstructured.Unstructured, selector string) (types.TemplateID, error) {
	t, err := New(relation, "", kind, body, selector)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	old, existed := s.templates[t.ID()]
	if existed && old.App != "" {
		t.App = old.App
	}
	s.templates[t.ID()] = t
	s.mu.Unlock()

	changed := []types.Template{t}
	if existed {
		if old.Hash == t.Hash {
			return t.ID(), nil
		}
		changed = append(changed, old)
	}
	s.updateGauge(relation)
	s.announce(changed)
	return t.ID(), nil
}

// Replace swaps every template app delivered on relation for templates.
// The swap is all or nothing: a name collision with another app's template or
// inside templates leaves the store unchanged.
func (s *Store) Replace(relation, app string, templates []types.Template) error {
	seen := make(map[types.TemplateID]struct{}, len(templates))
	for _, t := range templates {
		if t.Relation != relation {
			return fmt.Errorf("%w: template %s does not belong to relation %s", types.ErrInvalidTemplate, t.ID(), relation)
		}
		if _, dup := seen[t.ID()]; dup {
			return fmt.Errorf("%w: duplicate %s %q on relation %s", types.ErrInvalidTemplate, t.Kind, t.Name, relation)
		}
		seen[t.ID()] = struct{}{}
	}

	s.mu.Lock()
	for id := range seen {
		// templates upserted without an app have no owner and can be taken over
		if cur, ok := s.templates[id]; ok && cur.App != "" && cur.App != app {
			s.mu.Unlock()
			return fmt.Errorf("%w: %s already provided by %s", types.ErrInvalidTemplate, id, cur.App)
		}
	}
	var changed []types.Template
	for id, cur := range s.templates {
		if cur.Relation != relation || cur.App != app {
			continue
		}
		if _, kept := seen[id]; !kept {
			delete(s.templates, id)
			changed = append(changed, cur)
		}
	}
	for _, t := range templates {
		t.App = app
		if cur, ok := s.templates[t.ID()]; ok {
			if cur.Hash == t.Hash {
				continue
			}
			changed = append(changed, cur)
		}
		s.templates[t.ID()] = t
		changed = append(changed, t)
	}
	s.mu.Unlock()

	s.updateGauge(relation)
	s.announce(changed)
	return nil
}

// Remove deletes every template of kind delivered on relation and returns
// how many were dropped.
func (s *Store) Remove(relation string, kind types.Kind) int {
	return s.removeWhere(relation, func(t types.Template) bool {
		return t.Relation == relation && t.Kind == kind
	})
}

// RemoveApp deletes what app delivered on relation. An empty app removes
// the whole relation.
func (s *Store) RemoveApp(relation, app string) int {
	return s.removeWhere(relation, func(t types.Template) bool {
		return t.Relation == relation && (app == "" || t.App == app)
	})
}

func (s *Store) removeWhere(relation string, match func(types.Template) bool) int {
	s.mu.Lock()
	var removed []types.Template
	for id, t := range s.templates {
		if match(t) {
			delete(s.templates, id)
			removed = append(removed, t)
		}
	}
	s.mu.Unlock()
	if len(removed) > 0 {
		s.updateGauge(relation)
		s.announce(removed)
	}
	return len(removed)
}

// List returns every template ordered by id.
func (s *Store) List() []types.Template {
	s.mu.RLock()
	out := make([]types.Template, 0, len(s.templates))
	for _, t := range s.templates {
		out = append(out, t)
	}
	s.mu.RUnlock()
	sortTemplates(out)
	return out
}

// Matching returns the templates whose selector matches set.
func (s *Store) Matching(set labels.Set) []types.Template {
	s.mu.RLock()
	var out []types.Template
	for _, t := range s.templates {
		if t.Matches(set) {
			out = append(out, t)
		}
	}
	s.mu.RUnlock()
	sortTemplates(out)
	return out
}

// MatchingIDs returns the sorted ids of the templates matching set.
func (s *Store) MatchingIDs(set labels.Set) []types.TemplateID {
	ts := s.Matching(set)
	ids := make([]types.TemplateID, len(ts))
	for i, t := range ts {
		ids[i] = t.ID()
	}
	return ids
}

// Get returns the template stored under id.
func (s *Store) Get(id types.TemplateID) (types.Template, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.templates[id]
	return t, ok
}

// Count returns the number of templates held for relation, or in total when
// relation is empty.
func (s *Store) Count(relation string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if relation == "" {
		return len(s.templates)
	}
	n := 0
	for _, t := range s.templates {
		if t.Relation == relation {
			n++
		}
	}
	return n
}

func (s *Store) updateGauge(relation string) {
	metrics.Templates.WithLabelValues(relation).Set(float64(s.Count(relation)))
}

// announce enqueues TemplateChanged for every known namespace matched by the
// selector of any changed template, before or after the mutation.
func (s *Store) announce(changed []types.Template) {
	s.notifyMu.RLock()
	lister, q := s.namespaces, s.queue
	s.notifyMu.RUnlock()
	if lister == nil || q == nil || len(changed) == 0 {
		return
	}
	n := 0
	for _, ns := range lister.Namespaces() {
		set := ns.LabelSet()
		for _, t := range changed {
			if t.Matches(set) {
				q.Enqueue(types.ReconcileTask{Namespace: ns.Name, Reason: types.ReasonTemplateChanged})
				n++
				break
			}
		}
	}
	logging.L.Debug("template.changed", zap.Int("templates", len(changed)), zap.Int("namespaces", n))
}

func sortTemplates(ts []types.Template) {
	sort.Slice(ts, func(i, j int) bool { return ts[i].ID() < ts[j].ID() })
}
