package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vaheed/resource-dispatcher/internal/security"
	"github.com/vaheed/resource-dispatcher/pkg/types"
)

// Store persists accepted relation payloads so templates survive restarts.
type Store interface {
	Close(ctx context.Context) error
	Health(ctx context.Context) error

	// PutRelation stores the payload of one app on one relation, replacing
	// any previous payload.
	PutRelation(ctx context.Context, rd types.RelationData) error
	// DeleteRelation removes what app stored on relation. An empty app
	// removes the whole relation.
	DeleteRelation(ctx context.Context, relation, app string) error
	// ListRelations returns every stored payload ordered by relation and app.
	ListRelations(ctx context.Context) ([]types.RelationData, error)
}

var ErrNotFound = errors.New("not found")

// Options selects and tunes a backend.
type Options struct {
	DatabaseURL   string
	RedisAddr     string
	EncryptionKey string
}

// Open returns Postgres when a database URL is set, Redis when an address is
// set, and memory otherwise. A non-empty encryption key seals payloads.
func Open(ctx context.Context, opts Options) (Store, string, error) {
	var (
		st      Store
		backend string
		err     error
	)
	switch {
	case opts.DatabaseURL != "":
		st, err = NewPostgres(ctx, opts.DatabaseURL)
		backend = "postgres"
	case opts.RedisAddr != "":
		st, err = NewRedis(ctx, opts.RedisAddr)
		backend = "redis"
	default:
		st, backend = NewMemory(), "memory"
	}
	if err != nil {
		return nil, backend, fmt.Errorf("open %s store: %w", backend, err)
	}
	if opts.EncryptionKey != "" {
		key, err := security.ParseKey(opts.EncryptionKey)
		if err != nil {
			_ = st.Close(ctx)
			return nil, backend, err
		}
		st = Sealed(st, key)
	}
	return st, backend, nil
}

// stamp defaults a missing update time to now.
func stamp(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}

func copyData(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
