package template

import (
	"errors"
	"testing"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"

	"github.com/vaheed/resource-dispatcher/pkg/types"
)

func TestRenderPlaceholders(t *testing.T) {
	body := secretBody("mlpipeline-minio-artifact", map[string]interface{}{
		"owner":  "{{ .Namespace }}",
		"team":   `{{ index .Labels "team" | default "none" | upper }}`,
		"static": "plain",
	})
	tpl := mustNew(t, "secrets", "minio", body, "")
	ns := types.NamespaceRecord{Name: "alice", Labels: map[string]string{"team": "ml"}}

	r, err := Render(tpl, ns)
	if err != nil {
		t.Fatal(err)
	}
	data, _, _ := unstructured.NestedStringMap(r.Object.Object, "stringData")
	if data["owner"] != "alice" || data["team"] != "ML" || data["static"] != "plain" {
		t.Fatalf("unexpected render %v", data)
	}
	if r.Object.GetNamespace() != "alice" {
		t.Fatalf("namespace not set: %q", r.Object.GetNamespace())
	}
	// the template body itself is untouched
	orig, _, _ := unstructured.NestedStringMap(tpl.Body.Object, "stringData")
	if orig["owner"] != "{{ .Namespace }}" {
		t.Fatalf("template body mutated: %v", orig)
	}

	again, _ := Render(tpl, ns)
	if again.Hash != r.Hash {
		t.Fatalf("render is not deterministic")
	}
	other, _ := Render(tpl, types.NamespaceRecord{Name: "bob"})
	if other.Hash == r.Hash {
		t.Fatalf("different namespaces must hash differently")
	}
}

func TestRenderErrors(t *testing.T) {
	tpl := mustNew(t, "secrets", "", secretBody("s", map[string]interface{}{"x": "{{ .Missing }}"}), "")
	if _, err := Render(tpl, types.NamespaceRecord{Name: "ns"}); !errors.Is(err, types.ErrInvalidTemplate) {
		t.Fatalf("expected ErrInvalidTemplate, got %v", err)
	}
}
