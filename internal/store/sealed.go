package store

import (
	"context"
	"fmt"

	"github.com/vaheed/resource-dispatcher/internal/security"
	"github.com/vaheed/resource-dispatcher/pkg/types"
)

// Sealed wraps st so payload values are AES-GCM encrypted at rest. Each
// value is bound to its relation and app.
func Sealed(st Store, key []byte) Store {
	return &sealed{Store: st, key: key}
}

type sealed struct {
	Store
	key []byte
}

func aad(rd types.RelationData, field string) []byte {
	return []byte(rd.Relation + "/" + rd.App + "/" + field)
}

func (s *sealed) PutRelation(ctx context.Context, rd types.RelationData) error {
	enc := make(map[string]string, len(rd.Data))
	for k, v := range rd.Data {
		ct, err := security.Encrypt(s.key, []byte(v), aad(rd, k))
		if err != nil {
			return err
		}
		enc[k] = ct
	}
	rd.Data = enc
	return s.Store.PutRelation(ctx, rd)
}

func (s *sealed) ListRelations(ctx context.Context) ([]types.RelationData, error) {
	rds, err := s.Store.ListRelations(ctx)
	if err != nil {
		return nil, err
	}
	for i := range rds {
		plain := make(map[string]string, len(rds[i].Data))
		for k, v := range rds[i].Data {
			pt, err := security.Decrypt(s.key, v, aad(rds[i], k))
			if err != nil {
				return nil, fmt.Errorf("decrypt %s/%s: %w", rds[i].Relation, rds[i].App, err)
			}
			plain[k] = string(pt)
		}
		rds[i].Data = plain
	}
	return rds, nil
}
