package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/juju/clock"
	"go.uber.org/zap"
	"k8s.io/apimachinery/pkg/runtime"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	"k8s.io/client-go/kubernetes"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/healthz"
	crzap "sigs.k8s.io/controller-runtime/pkg/log/zap"
	"sigs.k8s.io/controller-runtime/pkg/manager"
	metricsserver "sigs.k8s.io/controller-runtime/pkg/metrics/server"

	"github.com/vaheed/resource-dispatcher/internal/cluster"
	"github.com/vaheed/resource-dispatcher/internal/config"
	httpapi "github.com/vaheed/resource-dispatcher/internal/http"
	"github.com/vaheed/resource-dispatcher/internal/logging"
	"github.com/vaheed/resource-dispatcher/internal/mesh"
	"github.com/vaheed/resource-dispatcher/internal/observability"
	"github.com/vaheed/resource-dispatcher/internal/reconcile"
	"github.com/vaheed/resource-dispatcher/internal/relation"
	"github.com/vaheed/resource-dispatcher/internal/store"
	"github.com/vaheed/resource-dispatcher/internal/telemetry"
	"github.com/vaheed/resource-dispatcher/internal/template"
	"github.com/vaheed/resource-dispatcher/internal/util"
	"github.com/vaheed/resource-dispatcher/internal/watcher"
	v1alpha1 "github.com/vaheed/resource-dispatcher/pkg/api/v1alpha1"
	"github.com/vaheed/resource-dispatcher/pkg/types"
)

func newScheme() *runtime.Scheme {
	scheme := runtime.NewScheme()
	utilruntime.Must(clientgoscheme.AddToScheme(scheme))
	utilruntime.Must(v1alpha1.AddToScheme(scheme))
	return scheme
}

func run(ctx context.Context, cfg config.Config) error {
	ctrl.SetLogger(crzap.New(crzap.UseDevMode(cfg.LogLevel == "debug")))

	if closer, err := observability.SetupOTel(ctx, observability.Config{
		ServiceName:    cfg.AppName,
		ServiceVersion: os.Getenv("DISPATCHER_VERSION"),
		Environment:    cfg.Namespace,
	}); err != nil {
		logging.L.Warn("otel_setup_failed", zap.Error(err))
	} else {
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = closer(sctx)
		}()
	}

	restCfg, err := cluster.RESTConfig(cfg.Kubeconfig)
	if err != nil {
		return err
	}
	mgr, err := ctrl.NewManager(restCfg, ctrl.Options{
		Scheme:                  newScheme(),
		Metrics:                 metricsserver.Options{BindAddress: cfg.MetricsAddr},
		HealthProbeBindAddress:  cfg.HealthAddr,
		LeaderElection:          cfg.LeaderElection,
		LeaderElectionID:        cfg.LeaderElectionID,
		LeaderElectionNamespace: cfg.Namespace,
	})
	if err != nil {
		return fmt.Errorf("manager: %w", err)
	}
	cset, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return err
	}
	kc := cluster.NewKubeClient(mgr.GetClient(), cset)

	if missing, err := cluster.MissingPermissions(ctx, cset); err != nil {
		logging.L.Warn("rbac_check_failed", zap.Error(err))
	} else if len(missing) > 0 {
		logging.L.Warn("rbac_missing_permissions", zap.Strings("missing", missing))
	}

	events := eventSink(ctx, cfg)
	telemetry.SetGlobal(events)

	var st store.Store
	err = util.Retry(60*time.Second, func() (bool, error) {
		s, backend, err := store.Open(ctx, store.Options{DatabaseURL: cfg.DatabaseURL, RedisAddr: cfg.RedisAddr, EncryptionKey: cfg.EncryptionKey})
		if err != nil {
			logging.L.Warn("store_open_retry", zap.String("backend", backend), zap.Error(err))
			return !errors.Is(err, context.Canceled), err
		}
		logging.L.Info("store_opened", zap.String("backend", backend))
		st = s
		return false, nil
	})
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	defer st.Close(context.Background())

	target, err := cfg.TargetSelector()
	if err != nil {
		return err
	}
	templates := template.NewStore()
	queue := reconcile.NewQueue(cfg.RetryBaseDelay, cfg.RetryMaxDelay)
	w := watcher.New(kc, templates, queue, watcher.Options{
		Target:       target,
		Exclude:      cfg.Excluded,
		Retries:      cfg.WatchRetries,
		Delay:        cfg.WatchRetryDelay,
		MaxDelay:     cfg.RetryMaxDelay,
		ResyncPeriod: cfg.ResyncPeriod,
		Clock:        clock.WallClock,
	})
	templates.Notify(w, queue)

	meshMgr := mesh.NewManager(kc, cfg.AppName, cfg.Namespace)
	listener, err := relation.NewListener(cfg.Relations, templates, meshMgr, st)
	if err != nil {
		return err
	}
	n, err := listener.Replay(ctx)
	if err != nil {
		logging.L.Warn("relation_replay_failed", zap.Error(err))
	}
	logging.L.Info("relations_replayed", zap.Int("payloads", n), zap.Int("templates", len(templates.List())))

	status := reconcile.NewStatusBook()
	rec := reconcile.New(kc, templates, w, queue, status, reconcile.Options{Workers: cfg.Workers, MaxRetries: cfg.MaxRetries})

	leading := func() bool {
		select {
		case <-mgr.Elected():
			return true
		default:
			return false
		}
	}
	api := httpapi.NewServer(httpapi.Options{
		Relations:   listener,
		Templates:   templates,
		Status:      status,
		Namespaces:  w,
		Leader:      leading,
		Mesh:        meshMgr,
		Health:      st.Health,
		Conditions:  func(ctx context.Context) []types.Condition { return cluster.Conditions(ctx, cset.Discovery()) },
		Events:      events,
		RequireAuth: cfg.JWTSigningKey != "",
		SigningKey:  []byte(cfg.JWTSigningKey),
		RateLimit:   cfg.APIRateLimit,
	})
	srv := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Port),
		Handler:           api.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	for _, r := range []manager.Runnable{
		manager.RunnableFunc(w.Start),
		manager.RunnableFunc(rec.Start),
		manager.RunnableFunc(func(ctx context.Context) error {
			if _, err := listener.Replay(ctx); err != nil {
				logging.L.Warn("relation_replay_failed", zap.Error(err))
			}
			return listener.Follow(ctx, clock.WallClock, cfg.StoreRefresh)
		}),
		apiRunnable{srv: srv},
	} {
		if err := mgr.Add(r); err != nil {
			return err
		}
	}
	if err := mgr.AddHealthzCheck("healthz", healthz.Ping); err != nil {
		return err
	}
	if err := mgr.AddReadyzCheck("namespaces", func(*http.Request) error {
		if leading() && !w.HasSynced() {
			return errors.New("initial namespace list not complete")
		}
		return nil
	}); err != nil {
		return err
	}

	logging.L.Info("dispatcher_starting",
		zap.String("namespace", cfg.Namespace),
		zap.String("label", cfg.TargetLabel),
		zap.Strings("relations", cfg.Relations),
		zap.Int("workers", cfg.Workers),
		zap.String("api", srv.Addr))
	return mgr.Start(ctx)
}

// apiRunnable serves the HTTP API on every replica, leader or not, so relation
// pushes and health checks keep working during failover. Writes reach the leader
// through the shared relation store.
type apiRunnable struct{ srv *http.Server }

func (a apiRunnable) Start(ctx context.Context) error { return httpapi.StartHTTP(ctx, a.srv) }

func (a apiRunnable) NeedLeaderElection() bool { return false }

func eventSink(ctx context.Context, cfg config.Config) telemetry.Sink {
	if cfg.RedisAddr == "" {
		return telemetry.NewMemory(cfg.EventsCap)
	}
	rs := telemetry.NewRedisStream(cfg.RedisAddr, cfg.EventsCap)
	if err := rs.Ping(ctx); err != nil {
		logging.L.Warn("event_stream_unavailable", zap.String("addr", cfg.RedisAddr), zap.Error(err))
		_ = rs.Close()
		return telemetry.NewMemory(cfg.EventsCap)
	}
	return rs
}
