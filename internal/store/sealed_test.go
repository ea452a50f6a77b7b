package store

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/vaheed/resource-dispatcher/pkg/types"
)

func TestSealedStore(t *testing.T) {
	key := bytes.Repeat([]byte{7}, 32)
	inner := NewMemory()
	exercise(t, Sealed(inner, key))

	ctx := context.Background()
	st := Sealed(inner, key)
	if err := st.PutRelation(ctx, types.RelationData{Relation: "secrets", App: "kfp", Data: map[string]string{"secrets": `[{"kind":"Secret"}]`}}); err != nil {
		t.Fatal(err)
	}
	raw, _ := inner.ListRelations(ctx)
	for _, rd := range raw {
		if strings.Contains(rd.Data["secrets"], "Secret") {
			t.Fatalf("payload stored in clear: %q", rd.Data["secrets"])
		}
	}
	got, err := st.ListRelations(ctx)
	if err != nil {
		t.Fatal(err)
	}
	var found bool
	for _, rd := range got {
		if rd.Relation == "secrets" && rd.App == "kfp" {
			found = rd.Data["secrets"] == `[{"kind":"Secret"}]`
		}
	}
	if !found {
		t.Fatalf("sealed payload did not round trip: %#v", got)
	}
}

func TestSealedRejectsMovedPayload(t *testing.T) {
	key := bytes.Repeat([]byte{9}, 32)
	inner := NewMemory()
	ctx := context.Background()
	_ = Sealed(inner, key).PutRelation(ctx, types.RelationData{Relation: "secrets", App: "a", Data: map[string]string{"secrets": "[]"}})
	raw, _ := inner.ListRelations(ctx)
	raw[0].App = "b"
	_ = inner.PutRelation(ctx, raw[0])
	_ = inner.DeleteRelation(ctx, "secrets", "a")
	if _, err := Sealed(inner, key).ListRelations(ctx); err == nil {
		t.Fatalf("expected decrypt failure for payload bound to another app")
	}
}
