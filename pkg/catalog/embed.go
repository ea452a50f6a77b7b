package catalog

import (
	"bytes"
	"embed"
	"fmt"
	"text/template"
	"time"

	"github.com/Masterminds/sprig/v3"

	"github.com/vaheed/resource-dispatcher/pkg/types"
)

// FS exposes the embedded deployment manifests.
// The root of this filesystem is the pkg/catalog directory.
//
//go:embed composite-controller.yaml.tmpl
var FS embed.FS

// Child is one resource the composite controller manages.
type Child struct {
	APIVersion string
	Resource   string
}

// ControllerValues parameterize the composite controller manifest.
type ControllerValues struct {
	AppName       string
	Namespace     string
	Port          int
	Label         string
	ResyncSeconds int
	// SyncToken authenticates the webhook when the API requires tokens.
	SyncToken string
	Children  []Child
}

// NewControllerValues fills Children with every managed kind.
func NewControllerValues(app, namespace string, port int, label string, resync time.Duration) ControllerValues {
	v := ControllerValues{AppName: app, Namespace: namespace, Port: port, Label: label, ResyncSeconds: int(resync.Seconds())}
	for _, info := range types.AllKinds() {
		v.Children = append(v.Children, Child{APIVersion: info.GVK.GroupVersion().String(), Resource: info.Resource})
	}
	return v
}

// CompositeController renders the Metacontroller manifest that drives the
// dispatcher's /sync hook.
func CompositeController(v ControllerValues) ([]byte, error) {
	raw, err := FS.ReadFile("composite-controller.yaml.tmpl")
	if err != nil {
		return nil, err
	}
	tpl, err := template.New("composite-controller").Funcs(sprig.TxtFuncMap()).Option("missingkey=error").Parse(string(raw))
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := tpl.Execute(&buf, v); err != nil {
		return nil, fmt.Errorf("render composite controller: %w", err)
	}
	return buf.Bytes(), nil
}
