package template

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"

	"github.com/Masterminds/sprig/v3"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"

	"github.com/vaheed/resource-dispatcher/pkg/types"
)

// Values is the data placeholders are evaluated against.
type Values struct {
	Namespace string
	UID       string
	Labels    map[string]string
}

// Rendered is a template instantiated for one namespace.
type Rendered struct {
	Template types.Template
	Object   *unstructured.Unstructured
	// Hash is the digest of Object before ownership metadata is added.
	Hash string
}

// Render instantiates t for ns. Every string leaf of the body containing
// "{{" is executed as a text/template with sprig functions.
func Render(t types.Template, ns types.NamespaceRecord) (Rendered, error) {
	if t.Body == nil {
		return Rendered{}, fmt.Errorf("%w: template %s has no body", types.ErrInvalidTemplate, t.ID())
	}
	vals := Values{Namespace: ns.Name, UID: ns.UID, Labels: ns.Labels}
	if vals.Labels == nil {
		vals.Labels = map[string]string{}
	}
	out, err := renderValue(t.Body.DeepCopy().Object, vals)
	if err != nil {
		return Rendered{}, fmt.Errorf("%w: render %s for %s: %v", types.ErrInvalidTemplate, t.ID(), ns.Name, err)
	}
	obj := &unstructured.Unstructured{Object: out.(map[string]interface{})}
	obj.SetNamespace(ns.Name)
	hash, err := digest(obj.Object)
	if err != nil {
		return Rendered{}, err
	}
	return Rendered{Template: t, Object: obj, Hash: hash}, nil
}

func renderValue(v interface{}, vals Values) (interface{}, error) {
	switch val := v.(type) {
	case map[string]interface{}:
		for k, child := range val {
			r, err := renderValue(child, vals)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}
			val[k] = r
		}
		return val, nil
	case []interface{}:
		for i, child := range val {
			r, err := renderValue(child, vals)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			val[i] = r
		}
		return val, nil
	case string:
		if !strings.Contains(val, "{{") {
			return val, nil
		}
		return renderString(val, vals)
	default:
		return v, nil
	}
}

func renderString(text string, vals Values) (string, error) {
	tpl, err := template.New("leaf").Option("missingkey=error").Funcs(sprig.TxtFuncMap()).Parse(text)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := tpl.Execute(&buf, vals); err != nil {
		return "", err
	}
	return buf.String(), nil
}
