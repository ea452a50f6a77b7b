package relation

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/juju/schema"

	"github.com/vaheed/resource-dispatcher/internal/config"
	"github.com/vaheed/resource-dispatcher/internal/mesh"
	"github.com/vaheed/resource-dispatcher/internal/template"
	"github.com/vaheed/resource-dispatcher/pkg/types"
)

// TemplateSource turns one relation's payloads into dispatcher state.
type TemplateSource interface {
	Relation() string
	// Provide applies app's payload. Errors leave the previous state intact.
	Provide(ctx context.Context, app string, data map[string]string) error
	// Broken drops everything app delivered. An empty app drops the relation.
	Broken(ctx context.Context, app string) error
}

// TemplateWriter is the part of the template store a source mutates.
type TemplateWriter interface {
	Replace(relation, app string, templates []types.Template) error
	RemoveApp(relation, app string) int
}

// ManifestKinds maps each manifest relation to the kind it delivers.
var ManifestKinds = map[string]types.Kind{
	config.RelationSecrets:         types.KindSecret,
	config.RelationServiceAccounts: types.KindServiceAccount,
	config.RelationPodDefaults:     types.KindPodDefault,
	config.RelationRoles:           types.KindRole,
	config.RelationRoleBindings:    types.KindRoleBinding,
}

func coerce(checker schema.Checker, data map[string]string) (map[string]interface{}, error) {
	in := make(map[string]interface{}, len(data))
	for k, v := range data {
		in[k] = v
	}
	out, err := checker.Coerce(in, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrSchemaMismatch, err)
	}
	return out.(map[string]interface{}), nil
}

// ManifestSource delivers templates of a single kind, carried as a
// serialized manifest list under the relation's own name.
type ManifestSource struct {
	relation string
	kind     types.Kind
	store    TemplateWriter
	checker  schema.Checker
}

func NewManifestSource(relation string, kind types.Kind, store TemplateWriter) *ManifestSource {
	return &ManifestSource{
		relation: relation,
		kind:     kind,
		store:    store,
		checker:  schema.StrictFieldMap(schema.Fields{relation: schema.String()}, nil),
	}
}

func (s *ManifestSource) Relation() string { return s.relation }

func (s *ManifestSource) Provide(ctx context.Context, app string, data map[string]string) error {
	fields, err := coerce(s.checker, data)
	if err != nil {
		return err
	}
	objs, err := DecodeManifests(fields[s.relation].(string))
	if err != nil {
		return err
	}
	templates := make([]types.Template, 0, len(objs))
	for _, obj := range objs {
		t, err := template.New(s.relation, app, s.kind, obj, "")
		if err != nil {
			return err
		}
		templates = append(templates, t)
	}
	return s.store.Replace(s.relation, app, templates)
}

func (s *ManifestSource) Broken(ctx context.Context, app string) error {
	s.store.RemoveApp(s.relation, app)
	return nil
}

var peerChecker = schema.FieldMap(
	schema.Fields{
		"app_name":        schema.String(),
		"juju_model_name": schema.String(),
		"service_account": schema.String(),
	},
	schema.Defaults{"service_account": schema.Omit},
)

// PeerField is the relation data key carrying a serialized mesh peer.
const PeerField = "cmr-mesh"

func decodePeer(raw string) (types.MeshPeer, error) {
	var m map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return types.MeshPeer{}, fmt.Errorf("%w: %s: %v", types.ErrSchemaMismatch, PeerField, err)
	}
	out, err := peerChecker.Coerce(m, []string{PeerField})
	if err != nil {
		return types.MeshPeer{}, fmt.Errorf("%w: %v", types.ErrSchemaMismatch, err)
	}
	fields := out.(map[string]interface{})
	p := types.MeshPeer{
		App:       fields["app_name"].(string),
		Namespace: fields["juju_model_name"].(string),
	}
	if sa, ok := fields["service_account"].(string); ok {
		p.ServiceAccount = sa
	}
	return p, nil
}

// ServiceMeshSource enables the allow-all policy while a mesh provider is
// related.
type ServiceMeshSource struct {
	mesh    *mesh.Manager
	checker schema.Checker
}

func NewServiceMeshSource(m *mesh.Manager) *ServiceMeshSource {
	return &ServiceMeshSource{
		mesh: m,
		checker: schema.FieldMap(
			schema.Fields{"mesh_type": schema.Const("istio")},
			schema.Defaults{"mesh_type": "istio"},
		),
	}
}

func (s *ServiceMeshSource) Relation() string { return config.RelationServiceMesh }

func (s *ServiceMeshSource) Provide(ctx context.Context, app string, data map[string]string) error {
	if _, err := coerce(s.checker, data); err != nil {
		return err
	}
	return s.mesh.Enable(ctx, app)
}

func (s *ServiceMeshSource) Broken(ctx context.Context, app string) error {
	return s.mesh.Disable(ctx, app)
}

// RequireMeshSource records the peers announced on require-cmr-mesh.
type RequireMeshSource struct {
	mesh    *mesh.Manager
	checker schema.Checker
}

func NewRequireMeshSource(m *mesh.Manager) *RequireMeshSource {
	return &RequireMeshSource{
		mesh:    m,
		checker: schema.FieldMap(schema.Fields{PeerField: schema.String()}, nil),
	}
}

func (s *RequireMeshSource) Relation() string { return config.RelationRequireCMRMesh }

func (s *RequireMeshSource) Provide(ctx context.Context, app string, data map[string]string) error {
	fields, err := coerce(s.checker, data)
	if err != nil {
		return err
	}
	peer, err := decodePeer(fields[PeerField].(string))
	if err != nil {
		return err
	}
	s.mesh.SetPeer(app, peer)
	return nil
}

func (s *RequireMeshSource) Broken(ctx context.Context, app string) error {
	s.mesh.RemovePeer(app)
	return nil
}

// ProvideMeshSource tracks consumers of the dispatcher's mesh identity.
type ProvideMeshSource struct {
	mesh    *mesh.Manager
	checker schema.Checker
}

func NewProvideMeshSource(m *mesh.Manager) *ProvideMeshSource {
	return &ProvideMeshSource{
		mesh:    m,
		checker: schema.FieldMap(schema.Fields{PeerField: schema.String()}, schema.Defaults{PeerField: schema.Omit}),
	}
}

func (s *ProvideMeshSource) Relation() string { return config.RelationProvideCMRMesh }

func (s *ProvideMeshSource) Provide(ctx context.Context, app string, data map[string]string) error {
	fields, err := coerce(s.checker, data)
	if err != nil {
		return err
	}
	if raw, ok := fields[PeerField].(string); ok {
		if _, err := decodePeer(raw); err != nil {
			return err
		}
	}
	s.mesh.AddConsumer(app)
	return nil
}

func (s *ProvideMeshSource) Broken(ctx context.Context, app string) error {
	s.mesh.RemoveConsumer(app)
	return nil
}
