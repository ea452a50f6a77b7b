package main

import (
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/vaheed/resource-dispatcher/internal/config"
	httpapi "github.com/vaheed/resource-dispatcher/internal/http"
	"github.com/vaheed/resource-dispatcher/internal/relation"
	"github.com/vaheed/resource-dispatcher/internal/store"
	"github.com/vaheed/resource-dispatcher/internal/template"
	"github.com/vaheed/resource-dispatcher/pkg/client"
)

func write(t *testing.T, dir, rel, name, body string) {
	t.Helper()
	p := filepath.Join(dir, rel)
	if err := os.MkdirAll(p, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(p, name), []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadAndPush(t *testing.T) {
	dir := t.TempDir()
	write(t, dir, "secrets", "minio.yaml", "apiVersion: v1\nkind: Secret\nmetadata:\n  name: minio\nstringData:\n  key: value\n")
	write(t, dir, "service-accounts", "both.yaml", "apiVersion: v1\nkind: ServiceAccount\nmetadata:\n  name: a\n---\napiVersion: v1\nkind: ServiceAccount\nmetadata:\n  name: b\n")
	write(t, dir, "unrelated", "x.yaml", "kind: Nothing\n")

	payloads, err := LoadFolders(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(payloads) != 2 || len(payloads["service-accounts"]) != 2 {
		t.Fatalf("payloads %v", payloads)
	}

	templates := template.NewStore()
	l, err := relation.NewListener([]string{config.RelationSecrets, config.RelationServiceAccounts}, templates, nil, store.NewMemory())
	if err != nil {
		t.Fatal(err)
	}
	ts := httptest.NewServer(httpapi.NewServer(httpapi.Options{Relations: l, Templates: templates}).Router())
	defer ts.Close()

	c := client.New(ts.URL, "")
	if err := push(context.Background(), c, "tester", payloads, false); err != nil {
		t.Fatalf("push: %v", err)
	}
	if got := len(templates.List()); got != 3 {
		t.Fatalf("want 3 templates, got %d", got)
	}
	if err := push(context.Background(), c, "tester", payloads, true); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if got := len(templates.List()); got != 0 {
		t.Fatalf("want no templates after remove, got %d", got)
	}
}

func TestLoadFoldersEmpty(t *testing.T) {
	if _, err := LoadFolders(t.TempDir()); err == nil {
		t.Fatalf("expected error for empty folder")
	}
}
