package store

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
)

func TestRedisStore(t *testing.T) {
	mr := miniredis.RunT(t)
	st, err := NewRedis(context.Background(), mr.Addr())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer st.Close(context.Background())
	exercise(t, st)
	if !mr.Exists(RelationsKey) {
		t.Fatalf("expected hash %s", RelationsKey)
	}
}

func TestOpenPicksRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	st, backend, err := Open(context.Background(), Options{RedisAddr: mr.Addr()})
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close(context.Background())
	if backend != "redis" {
		t.Fatalf("backend %q", backend)
	}
	if err := st.Health(context.Background()); err != nil {
		t.Fatalf("health: %v", err)
	}
}
