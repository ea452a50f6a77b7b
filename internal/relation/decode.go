package relation

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	utilyaml "k8s.io/apimachinery/pkg/util/yaml"
	"sigs.k8s.io/yaml"

	"github.com/vaheed/resource-dispatcher/pkg/types"
)

// DecodeManifests parses a serialized manifest body. A JSON array of objects
// and multi-document YAML are both accepted. A body that cannot be split into
// documents is a schema mismatch; a document that is not an object is an
// invalid template.
func DecodeManifests(raw string) ([]*unstructured.Unstructured, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	var docs [][]byte
	if strings.HasPrefix(raw, "[") {
		var items []json.RawMessage
		if err := json.Unmarshal([]byte(raw), &items); err != nil {
			return nil, fmt.Errorf("%w: manifest list: %v", types.ErrSchemaMismatch, err)
		}
		for _, it := range items {
			docs = append(docs, it)
		}
	} else {
		r := utilyaml.NewYAMLReader(bufio.NewReader(strings.NewReader(raw)))
		for {
			doc, err := r.Read()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				return nil, fmt.Errorf("%w: manifest stream: %v", types.ErrSchemaMismatch, err)
			}
			js, err := yaml.YAMLToJSON(doc)
			if err != nil {
				return nil, fmt.Errorf("%w: manifest yaml: %v", types.ErrSchemaMismatch, err)
			}
			docs = append(docs, js)
		}
	}

	out := make([]*unstructured.Unstructured, 0, len(docs))
	for i, doc := range docs {
		doc = bytes.TrimSpace(doc)
		if len(doc) == 0 || bytes.Equal(doc, []byte("null")) {
			continue
		}
		u := &unstructured.Unstructured{}
		if err := u.UnmarshalJSON(doc); err != nil {
			return nil, fmt.Errorf("%w: manifest %d: %v", types.ErrInvalidTemplate, i, err)
		}
		out = append(out, u)
	}
	return out, nil
}
