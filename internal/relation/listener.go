package relation

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/juju/clock"
	"go.uber.org/zap"

	"github.com/vaheed/resource-dispatcher/internal/config"
	"github.com/vaheed/resource-dispatcher/internal/logging"
	"github.com/vaheed/resource-dispatcher/internal/mesh"
	"github.com/vaheed/resource-dispatcher/internal/metrics"
	"github.com/vaheed/resource-dispatcher/internal/store"
	"github.com/vaheed/resource-dispatcher/internal/telemetry"
	"github.com/vaheed/resource-dispatcher/pkg/types"
)

// Version is the only relation payload version understood.
const Version = "v1"

// Envelope is the versioned relation payload.
type Envelope struct {
	Version string            `json:"version"`
	Data    map[string]string `json:"data"`
}

// Listener dispatches relation events to the source registered for the
// relation name.
type Listener struct {
	sources map[string]TemplateSource
	store   store.Store

	mu        sync.RWMutex
	summaries map[string]map[string]types.RelationSummary
	// synced holds the fingerprint of the last persisted payload processed
	// per app, accepted or not.
	synced map[appKey]string
}

type appKey struct{ relation, app string }

// NewListener builds the dispatch table for the configured relations.
func NewListener(relations []string, templates TemplateWriter, m *mesh.Manager, st store.Store) (*Listener, error) {
	l := &Listener{
		sources:   map[string]TemplateSource{},
		store:     st,
		summaries: map[string]map[string]types.RelationSummary{},
		synced:    map[appKey]string{},
	}
	for _, name := range relations {
		src, err := sourceFor(name, templates, m)
		if err != nil {
			return nil, err
		}
		l.sources[name] = src
	}
	return l, nil
}

func sourceFor(name string, templates TemplateWriter, m *mesh.Manager) (TemplateSource, error) {
	if kind, ok := ManifestKinds[name]; ok {
		return NewManifestSource(name, kind, templates), nil
	}
	if m == nil {
		return nil, fmt.Errorf("relation %s needs a mesh manager", name)
	}
	switch name {
	case config.RelationServiceMesh:
		return NewServiceMeshSource(m), nil
	case config.RelationRequireCMRMesh:
		return NewRequireMeshSource(m), nil
	case config.RelationProvideCMRMesh:
		return NewProvideMeshSource(m), nil
	}
	return nil, fmt.Errorf("%w: %s", types.ErrUnknownRelation, name)
}

// Served reports whether relation is in the dispatch table.
func (l *Listener) Served(relation string) bool {
	_, ok := l.sources[relation]
	return ok
}

// Provide applies app's payload on relation and persists it once accepted.
// A rejected payload leaves the relation in its previous state.
func (l *Listener) Provide(ctx context.Context, relation, app string, env Envelope) error {
	err := l.provide(ctx, relation, app, env)
	l.record(ctx, relation, app, err)
	if err != nil {
		return err
	}
	if l.store != nil {
		rd := types.RelationData{Relation: relation, App: app, Version: env.Version, Data: env.Data}
		if perr := l.store.PutRelation(ctx, rd); perr != nil {
			logging.FromContext(ctx).Warn("relation.persist_failed", zap.String("relation", relation), zap.String("app", app), zap.Error(perr))
			return nil
		}
		l.markSynced(rd)
	}
	return nil
}

func (l *Listener) provide(ctx context.Context, relation, app string, env Envelope) error {
	src, ok := l.sources[relation]
	if !ok {
		return fmt.Errorf("%w: %s", types.ErrUnknownRelation, relation)
	}
	if env.Version != Version {
		return fmt.Errorf("%w: version %q, want %q", types.ErrSchemaMismatch, env.Version, Version)
	}
	if app == "" {
		return fmt.Errorf("%w: missing app", types.ErrSchemaMismatch)
	}
	return src.Provide(ctx, app, env.Data)
}

// Broken drops what app delivered on relation. An empty app drops the
// whole relation.
func (l *Listener) Broken(ctx context.Context, relation, app string) error {
	src, ok := l.sources[relation]
	if !ok {
		return fmt.Errorf("%w: %s", types.ErrUnknownRelation, relation)
	}
	if err := src.Broken(ctx, app); err != nil {
		logging.FromContext(ctx).Warn("relation.broken_failed", zap.String("relation", relation), zap.String("app", app), zap.Error(err))
		return err
	}
	if l.store != nil {
		if err := l.store.DeleteRelation(ctx, relation, app); err != nil {
			logging.FromContext(ctx).Warn("relation.persist_failed", zap.String("relation", relation), zap.String("app", app), zap.Error(err))
		}
	}
	l.forget(relation, app)
	logging.FromContext(ctx).Info("relation.broken", zap.String("relation", relation), zap.String("app", app))
	telemetry.Publish(ctx, telemetry.Event{Type: "relation.broken", Relation: relation, Result: "ok", Fields: map[string]string{"app": app}})
	return nil
}

// Replay converges the listener with the persisted payloads: new or changed
// payloads are applied and payloads another replica removed are dropped. It
// returns how many payloads were applied. Payloads that no longer validate are
// logged and skipped.
func (l *Listener) Replay(ctx context.Context) (int, error) {
	if l.store == nil {
		return 0, nil
	}
	rds, err := l.store.ListRelations(ctx)
	if err != nil {
		return 0, fmt.Errorf("list relations: %w", err)
	}
	lg := logging.FromContext(ctx)
	n := 0
	seen := make(map[appKey]struct{}, len(rds))
	for _, rd := range rds {
		if !l.Served(rd.Relation) {
			lg.Warn("relation.replay_skipped", zap.String("relation", rd.Relation), zap.String("app", rd.App))
			continue
		}
		key := appKey{rd.Relation, rd.App}
		seen[key] = struct{}{}
		l.mu.RLock()
		cur, ok := l.synced[key]
		l.mu.RUnlock()
		if ok && cur == fingerprint(rd) {
			continue
		}
		err := l.provide(ctx, rd.Relation, rd.App, Envelope{Version: rd.Version, Data: rd.Data})
		l.record(ctx, rd.Relation, rd.App, err)
		l.markSynced(rd)
		if err == nil {
			n++
		}
	}

	l.mu.RLock()
	var gone []appKey
	for key := range l.synced {
		if _, ok := seen[key]; !ok {
			gone = append(gone, key)
		}
	}
	l.mu.RUnlock()
	for _, key := range gone {
		if err := l.sources[key.relation].Broken(ctx, key.app); err != nil {
			lg.Warn("relation.broken_failed", zap.String("relation", key.relation), zap.String("app", key.app), zap.Error(err))
			continue
		}
		l.forget(key.relation, key.app)
		lg.Info("relation.removed_elsewhere", zap.String("relation", key.relation), zap.String("app", key.app))
	}
	return n, nil
}

// Follow runs Replay every period until ctx is cancelled, so payloads written
// through another replica reach this one.
func (l *Listener) Follow(ctx context.Context, clk clock.Clock, period time.Duration) error {
	if l.store == nil || period <= 0 {
		<-ctx.Done()
		return nil
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-clk.After(period):
			if n, err := l.Replay(ctx); err != nil {
				logging.L.Warn("relation.refresh_failed", zap.Error(err))
			} else if n > 0 {
				logging.L.Info("relation.refreshed", zap.Int("payloads", n))
			}
		}
	}
}

func (l *Listener) markSynced(rd types.RelationData) {
	l.mu.Lock()
	l.synced[appKey{rd.Relation, rd.App}] = fingerprint(rd)
	l.mu.Unlock()
}

// forget drops the bookkeeping of app on relation, or of every app when app
// is empty.
func (l *Listener) forget(relation, app string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if app == "" {
		delete(l.summaries, relation)
		for key := range l.synced {
			if key.relation == relation {
				delete(l.synced, key)
			}
		}
		return
	}
	delete(l.summaries[relation], app)
	delete(l.synced, appKey{relation, app})
}

func fingerprint(rd types.RelationData) string {
	raw, _ := json.Marshal(Envelope{Version: rd.Version, Data: rd.Data})
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

func (l *Listener) record(ctx context.Context, relation, app string, err error) {
	s := types.RelationSummary{Relation: relation, App: app, Accepted: err == nil, UpdatedAt: time.Now().UTC()}
	lg := logging.FromContext(ctx).With(zap.String("relation", relation), zap.String("app", app))
	ev := telemetry.Event{Type: "relation.provide", Relation: relation, Result: "ok", Fields: map[string]string{"app": app}}
	if err != nil {
		s.Error = err.Error()
		metrics.RelationErrorsTotal.WithLabelValues(relation, errorClass(err)).Inc()
		lg.Warn("relation.rejected", zap.Error(err))
		ev.Result, ev.Message = "error", err.Error()
	} else {
		lg.Info("relation.accepted")
	}
	telemetry.Publish(ctx, ev)
	if errors.Is(err, types.ErrUnknownRelation) {
		return
	}
	l.mu.Lock()
	if l.summaries[relation] == nil {
		l.summaries[relation] = map[string]types.RelationSummary{}
	}
	prev, had := l.summaries[relation][app]
	if err != nil && had && prev.Accepted {
		// the earlier payload is still in effect
		s.Accepted = true
	}
	l.summaries[relation][app] = s
	l.mu.Unlock()
}

// Relations returns the summaries ordered by relation and app.
func (l *Listener) Relations() []types.RelationSummary {
	l.mu.RLock()
	var out []types.RelationSummary
	for _, apps := range l.summaries {
		for _, s := range apps {
			out = append(out, s)
		}
	}
	l.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Relation != out[j].Relation {
			return out[i].Relation < out[j].Relation
		}
		return out[i].App < out[j].App
	})
	return out
}

func errorClass(err error) string {
	switch {
	case errors.Is(err, types.ErrSchemaMismatch):
		return "schema_mismatch"
	case errors.Is(err, types.ErrInvalidTemplate):
		return "invalid_template"
	case errors.Is(err, types.ErrUnknownRelation):
		return "unknown_relation"
	case errors.Is(err, types.ErrNotOwned):
		return "not_owned"
	}
	return "other"
}
