package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	redis "github.com/redis/go-redis/v9"

	"github.com/vaheed/resource-dispatcher/pkg/types"
)

// RelationsKey is the Redis hash holding relation payloads, one field per
// relation and app.
const RelationsKey = "resource-dispatcher:relations"

type redisStore struct {
	rdb *redis.Client
}

// NewRedis creates a Store backed by a Redis hash.
func NewRedis(ctx context.Context, addr string) (*redisStore, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, err
	}
	return &redisStore{rdb: rdb}, nil
}

func field(relation, app string) string { return relation + "/" + app }

func (r *redisStore) Close(ctx context.Context) error  { return r.rdb.Close() }
func (r *redisStore) Health(ctx context.Context) error { return r.rdb.Ping(ctx).Err() }

func (r *redisStore) PutRelation(ctx context.Context, rd types.RelationData) error {
	rd.UpdatedAt = stamp(rd.UpdatedAt)
	raw, err := json.Marshal(rd)
	if err != nil {
		return err
	}
	return r.rdb.HSet(ctx, RelationsKey, field(rd.Relation, rd.App), raw).Err()
}

func (r *redisStore) DeleteRelation(ctx context.Context, relation, app string) error {
	if app != "" {
		return r.rdb.HDel(ctx, RelationsKey, field(relation, app)).Err()
	}
	keys, err := r.rdb.HKeys(ctx, RelationsKey).Result()
	if err != nil {
		return err
	}
	var drop []string
	for _, k := range keys {
		if strings.HasPrefix(k, relation+"/") {
			drop = append(drop, k)
		}
	}
	if len(drop) == 0 {
		return nil
	}
	return r.rdb.HDel(ctx, RelationsKey, drop...).Err()
}

func (r *redisStore) ListRelations(ctx context.Context) ([]types.RelationData, error) {
	all, err := r.rdb.HGetAll(ctx, RelationsKey).Result()
	if err != nil {
		return nil, err
	}
	out := make([]types.RelationData, 0, len(all))
	for k, raw := range all {
		var rd types.RelationData
		if err := json.Unmarshal([]byte(raw), &rd); err != nil {
			return nil, fmt.Errorf("relation %s: %w", k, err)
		}
		out = append(out, rd)
	}
	sortRelations(out)
	return out, nil
}
