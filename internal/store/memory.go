package store

import (
	"context"
	"sort"
	"sync"

	"github.com/vaheed/resource-dispatcher/pkg/types"
)

type relKey struct{ relation, app string }

// Memory keeps relation payloads in process. Used when no database is set.
type Memory struct {
	mu   sync.RWMutex
	data map[relKey]types.RelationData
}

func NewMemory() *Memory {
	return &Memory{data: map[relKey]types.RelationData{}}
}

func (m *Memory) Close(ctx context.Context) error  { return nil }
func (m *Memory) Health(ctx context.Context) error { return nil }

func (m *Memory) PutRelation(ctx context.Context, rd types.RelationData) error {
	rd.UpdatedAt = stamp(rd.UpdatedAt)
	rd.Data = copyData(rd.Data)
	m.mu.Lock()
	m.data[relKey{rd.Relation, rd.App}] = rd
	m.mu.Unlock()
	return nil
}

func (m *Memory) DeleteRelation(ctx context.Context, relation, app string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k := range m.data {
		if k.relation == relation && (app == "" || k.app == app) {
			delete(m.data, k)
		}
	}
	return nil
}

func (m *Memory) ListRelations(ctx context.Context) ([]types.RelationData, error) {
	m.mu.RLock()
	out := make([]types.RelationData, 0, len(m.data))
	for _, rd := range m.data {
		rd.Data = copyData(rd.Data)
		out = append(out, rd)
	}
	m.mu.RUnlock()
	sortRelations(out)
	return out, nil
}

func sortRelations(rds []types.RelationData) {
	sort.Slice(rds, func(i, j int) bool {
		if rds[i].Relation != rds[j].Relation {
			return rds[i].Relation < rds[j].Relation
		}
		return rds[i].App < rds[j].App
	})
}
