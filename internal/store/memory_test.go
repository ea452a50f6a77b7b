package store

import (
	"context"
	"testing"

	"github.com/vaheed/resource-dispatcher/pkg/types"
)

func exercise(t *testing.T, st Store) {
	t.Helper()
	ctx := context.Background()
	put := func(rel, app, v string) {
		t.Helper()
		if err := st.PutRelation(ctx, types.RelationData{Relation: rel, App: app, Version: "v1", Data: map[string]string{rel: v}}); err != nil {
			t.Fatalf("put %s/%s: %v", rel, app, err)
		}
	}
	put("secrets", "kfp", "[]")
	put("secrets", "mlflow", "[1]")
	put("roles", "kfp", "[2]")
	put("secrets", "kfp", "[3]")

	got, err := st.ListRelations(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("want 3 payloads, got %d: %#v", len(got), got)
	}
	if got[0].Relation != "roles" || got[1].App != "kfp" || got[1].Data["secrets"] != "[3]" {
		t.Fatalf("unexpected order or contents: %#v", got)
	}
	if got[1].UpdatedAt.IsZero() {
		t.Fatalf("update time not stamped")
	}

	if err := st.DeleteRelation(ctx, "secrets", "kfp"); err != nil {
		t.Fatal(err)
	}
	got, _ = st.ListRelations(ctx)
	if len(got) != 2 {
		t.Fatalf("want 2 after app delete, got %d", len(got))
	}
	if err := st.DeleteRelation(ctx, "secrets", ""); err != nil {
		t.Fatal(err)
	}
	got, _ = st.ListRelations(ctx)
	if len(got) != 1 || got[0].Relation != "roles" {
		t.Fatalf("want only roles left, got %#v", got)
	}
	if err := st.DeleteRelation(ctx, "missing", "x"); err != nil {
		t.Fatalf("deleting absent payload: %v", err)
	}
}

func TestMemoryStore(t *testing.T) {
	exercise(t, NewMemory())
}

func TestMemoryCopiesData(t *testing.T) {
	m := NewMemory()
	data := map[string]string{"secrets": "[]"}
	_ = m.PutRelation(context.Background(), types.RelationData{Relation: "secrets", App: "a", Data: data})
	data["secrets"] = "mutated"
	got, _ := m.ListRelations(context.Background())
	if got[0].Data["secrets"] != "[]" {
		t.Fatalf("stored data aliased caller map")
	}
}

func TestOpenDefaultsToMemory(t *testing.T) {
	st, backend, err := Open(context.Background(), Options{})
	if err != nil {
		t.Fatal(err)
	}
	if backend != "memory" {
		t.Fatalf("backend %q", backend)
	}
	if _, ok := st.(*Memory); !ok {
		t.Fatalf("want *Memory, got %T", st)
	}
}

func TestOpenRejectsBadKey(t *testing.T) {
	if _, _, err := Open(context.Background(), Options{EncryptionKey: "short"}); err == nil {
		t.Fatalf("expected key error")
	}
}
