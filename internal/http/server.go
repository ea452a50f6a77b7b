// Package httpapi serves the dispatcher's relation transport, status API,
// Metacontroller sync hook and health checks.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"k8s.io/apimachinery/pkg/labels"

	"github.com/vaheed/resource-dispatcher/internal/lib/httperr"
	"github.com/vaheed/resource-dispatcher/internal/logging"
	"github.com/vaheed/resource-dispatcher/internal/mesh"
	"github.com/vaheed/resource-dispatcher/internal/relation"
	"github.com/vaheed/resource-dispatcher/internal/telemetry"
	"github.com/vaheed/resource-dispatcher/pkg/types"
)

const (
	maxBodyBytes    int64 = 4 << 20
	otelServiceName       = "resource-dispatcher"
	recentEvents          = 50
)

// Relations is the relation listener as seen by the API.
type Relations interface {
	Provide(ctx context.Context, relation, app string, env relation.Envelope) error
	Broken(ctx context.Context, relation, app string) error
	Relations() []types.RelationSummary
	Served(relation string) bool
}

type Templates interface {
	List() []types.Template
	Matching(set labels.Set) []types.Template
}

type StatusSource interface {
	List() []types.NamespaceStatus
	Counts() map[types.SyncPhase]int
}

// Namespaces reports watcher readiness and namespace qualification.
type Namespaces interface {
	HasSynced() bool
	Qualifies(rec types.NamespaceRecord) bool
}

type Options struct {
	Relations  Relations
	Templates  Templates
	Status     StatusSource
	Namespaces Namespaces
	// Leader reports whether this replica runs the watcher. Standby replicas
	// are ready without a namespace list. Nil means always leading.
	Leader func() bool
	Mesh   *mesh.Manager
	// Health checks the relation store; nil means always healthy.
	Health     func(ctx context.Context) error
	Conditions func(ctx context.Context) []types.Condition
	Events     telemetry.Sink

	RequireAuth bool
	SigningKey  []byte
	// RateLimit is the number of relation writes allowed per client IP per
	// minute. Zero disables limiting.
	RateLimit int
}

// Server exposes the HTTP handlers of the dispatcher.
type Server struct {
	opts Options
}

func NewServer(opts Options) *Server {
	return &Server{opts: opts}
}

// Router returns the configured HTTP handler.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(otelhttp.NewMiddleware(otelServiceName))
	r.Use(s.logMiddleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", promhttp.Handler())
	r.With(queryToken, s.requireRole(RoleSyncHook)).Post("/sync", s.sync)

	r.Route("/api/v1", func(api chi.Router) {
		api.Get("/healthz", s.healthz)
		api.Get("/readyz", s.readyz)
		api.With(s.requireRole(RoleReadOnly, RoleRelationWriter)).Get("/status", s.status)

		api.Route("/relations", func(r chi.Router) {
			r.Use(s.requireRole(RoleReadOnly, RoleRelationWriter))
			r.Get("/", s.listRelations)
			r.Get("/provide-cmr-mesh", s.meshIdentity)

			r.Group(func(w chi.Router) {
				w.Use(s.requireRole(RoleRelationWriter))
				if s.opts.RateLimit > 0 {
					w.Use(httprate.LimitByIP(s.opts.RateLimit, time.Minute))
				}
				w.Delete("/{relation}", s.breakRelation)
				w.Put("/{relation}/apps/{app}", s.provide)
				w.Delete("/{relation}/apps/{app}", s.breakApp)
			})
		})
	})
	return r
}

// StartHTTP listens and serves until the context is canceled.
func StartHTTP(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		fields := []zap.Field{
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		}
		spanCtx := trace.SpanContextFromContext(r.Context())
		if spanCtx.IsValid() {
			fields = append(fields, zap.String("trace_id", spanCtx.TraceID().String()))
		}
		logging.L.Debug("http_request", fields...)
	})
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) ready(ctx context.Context) error {
	leading := s.opts.Leader == nil || s.opts.Leader()
	if leading && s.opts.Namespaces != nil && !s.opts.Namespaces.HasSynced() {
		return errors.New("namespace list not complete")
	}
	if s.opts.Health != nil {
		if err := s.opts.Health(ctx); err != nil {
			return errors.New("store not ready")
		}
	}
	return nil
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if err := s.ready(r.Context()); err != nil {
		httperr.Write(w, http.StatusServiceUnavailable, "RD-503", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	rep := types.StatusReport{
		Ready:      s.ready(ctx) == nil,
		Phases:     map[types.SyncPhase]int{},
		Namespaces: []types.NamespaceStatus{},
		Templates:  []types.TemplateSummary{},
		Relations:  []types.RelationSummary{},
	}
	if s.opts.Status != nil {
		rep.Phases = s.opts.Status.Counts()
		rep.Namespaces = s.opts.Status.List()
	}
	if s.opts.Templates != nil {
		for _, t := range s.opts.Templates.List() {
			rep.Templates = append(rep.Templates, types.TemplateSummary{
				ID: t.ID(), Relation: t.Relation, App: t.App, Kind: t.Kind, Name: t.Name, Selector: t.SelectorText, Hash: t.Hash,
			})
		}
	}
	if s.opts.Relations != nil {
		rep.Relations = s.opts.Relations.Relations()
	}
	if m := s.opts.Mesh; m != nil {
		rep.Mesh = types.MeshReport{Enabled: m.Enabled(), Identity: m.Identity(), Peers: m.Peers(), Consumers: m.Consumers()}
	}
	if s.opts.Conditions != nil {
		rep.Conditions = s.opts.Conditions(ctx)
	}
	if s.opts.Events != nil {
		evs, err := s.opts.Events.Recent(ctx, recentEvents)
		if err != nil {
			logging.FromContext(ctx).Warn("status.events_unavailable", zap.Error(err))
		}
		for _, ev := range evs {
			raw, err := json.Marshal(ev)
			if err == nil {
				rep.Events = append(rep.Events, raw)
			}
		}
	}
	writeJSON(w, http.StatusOK, rep)
}

func (s *Server) listRelations(w http.ResponseWriter, r *http.Request) {
	if s.opts.Relations == nil {
		writeJSON(w, http.StatusOK, []types.RelationSummary{})
		return
	}
	writeJSON(w, http.StatusOK, s.opts.Relations.Relations())
}

func (s *Server) meshIdentity(w http.ResponseWriter, r *http.Request) {
	if s.opts.Mesh == nil {
		httperr.Write(w, http.StatusNotFound, "RD-404", "mesh not configured")
		return
	}
	raw, _ := json.Marshal(s.opts.Mesh.Identity())
	writeJSON(w, http.StatusOK, relation.Envelope{Version: relation.Version, Data: map[string]string{relation.PeerField: string(raw)}})
}

func (s *Server) provide(w http.ResponseWriter, r *http.Request) {
	rel, app := chi.URLParam(r, "relation"), chi.URLParam(r, "app")
	if !s.served(w, rel) {
		return
	}
	var env relation.Envelope
	if err := decodeJSON(r, &env); err != nil {
		httperr.Write(w, http.StatusBadRequest, "RD-400", err.Error())
		return
	}
	if err := s.opts.Relations.Provide(r.Context(), rel, app, env); err != nil {
		writeRelationError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

func (s *Server) breakApp(w http.ResponseWriter, r *http.Request) {
	s.broken(w, r, chi.URLParam(r, "relation"), chi.URLParam(r, "app"))
}

func (s *Server) breakRelation(w http.ResponseWriter, r *http.Request) {
	s.broken(w, r, chi.URLParam(r, "relation"), "")
}

func (s *Server) broken(w http.ResponseWriter, r *http.Request, rel, app string) {
	if !s.served(w, rel) {
		return
	}
	if err := s.opts.Relations.Broken(r.Context(), rel, app); err != nil {
		writeRelationError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) served(w http.ResponseWriter, rel string) bool {
	if s.opts.Relations == nil || !s.opts.Relations.Served(rel) {
		httperr.Write(w, http.StatusNotFound, "RD-404", "relation "+rel+" is not served")
		return false
	}
	return true
}

func writeRelationError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, types.ErrUnknownRelation):
		httperr.Write(w, http.StatusNotFound, "RD-404", err.Error())
	case errors.Is(err, types.ErrSchemaMismatch), errors.Is(err, types.ErrInvalidTemplate):
		httperr.Write(w, http.StatusUnprocessableEntity, "RD-422", err.Error())
	case errors.Is(err, types.ErrNotOwned):
		httperr.Write(w, http.StatusConflict, "RD-409", err.Error())
	default:
		httperr.Write(w, http.StatusInternalServerError, "RD-500", err.Error())
	}
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return errors.New("unexpected trailing data")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
