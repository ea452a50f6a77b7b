package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"k8s.io/apimachinery/pkg/labels"

	"github.com/vaheed/resource-dispatcher/internal/security"
)

// Relation names understood by the dispatcher.
const (
	RelationSecrets         = "secrets"
	RelationServiceAccounts = "service-accounts"
	RelationPodDefaults     = "pod-defaults"
	RelationRoles           = "roles"
	RelationRoleBindings    = "role-bindings"
	RelationServiceMesh     = "service-mesh"
	RelationProvideCMRMesh  = "provide-cmr-mesh"
	RelationRequireCMRMesh  = "require-cmr-mesh"
)

// DefaultRelations is the superset of relations the dispatcher has ever declared.
var DefaultRelations = []string{
	RelationSecrets,
	RelationServiceAccounts,
	RelationPodDefaults,
	RelationRoles,
	RelationRoleBindings,
	RelationServiceMesh,
	RelationProvideCMRMesh,
	RelationRequireCMRMesh,
}

// Config captures every runtime option of the dispatcher process.
type Config struct {
	AppName           string
	Namespace         string
	Image             string
	Port              int
	TargetLabel       string
	ExcludeNamespaces []string
	Relations         []string
	Workers           int
	MaxRetries        int
	RetryBaseDelay    time.Duration
	RetryMaxDelay     time.Duration
	WatchRetries      int
	WatchRetryDelay   time.Duration
	ResyncPeriod      time.Duration
	StoreRefresh      time.Duration
	Kubeconfig        string
	MetricsAddr       string
	HealthAddr        string
	LeaderElection    bool
	LeaderElectionID  string
	LogLevel          string
	DatabaseURL       string
	RedisAddr         string
	JWTSigningKey     string
	EncryptionKey     string
	APIRateLimit      int
	EventsCap         int
}

const (
	appNameFlagDescription     = "Application name, used for the ownership marker and mesh identity."
	namespaceFlagDescription   = "Namespace the dispatcher is deployed into."
	portFlagDescription        = "Port of the HTTP API (relations, status, sync hook)."
	labelFlagDescription       = "Namespace label required for a namespace to receive objects. Empty selects every namespace."
	relationsFlagDescription   = "Relations the dispatcher serves."
	workersFlagDescription     = "Number of concurrent namespace reconcile workers."
	maxRetriesFlagDescription  = "Failed passes per namespace before the namespace is marked failed."
	resyncFlagDescription      = "Period of the full resync of every namespace. 0 disables it."
	leaderElectFlagDescription = "Enable leader election. Enabling this will ensure there is only one active dispatcher."
)

// Default returns the configuration seeded from the environment.
func Default() Config {
	return Config{
		AppName:           getenvDefault("DISPATCHER_APP_NAME", "resource-dispatcher"),
		Namespace:         getenvDefault("DISPATCHER_NAMESPACE", getenvDefault("POD_NAMESPACE", "kubeflow")),
		Image:             getenvDefault("DISPATCHER_IMAGE", ""),
		Port:              getenvInt("DISPATCHER_PORT", 80),
		TargetLabel:       getenvDefault("DISPATCHER_TARGET_LABEL", ""),
		ExcludeNamespaces: splitList(getenvDefault("DISPATCHER_EXCLUDE_NAMESPACES", "kube-system,kube-public,kube-node-lease")),
		Relations:         splitList(getenvDefault("DISPATCHER_RELATIONS", strings.Join(DefaultRelations, ","))),
		Workers:           getenvInt("DISPATCHER_WORKERS", 4),
		MaxRetries:        getenvInt("DISPATCHER_MAX_RETRIES", 3),
		RetryBaseDelay:    getenvDuration("DISPATCHER_RETRY_BASE_DELAY", 500*time.Millisecond),
		RetryMaxDelay:     getenvDuration("DISPATCHER_RETRY_MAX_DELAY", 30*time.Second),
		WatchRetries:      getenvInt("DISPATCHER_WATCH_RETRIES", 10),
		WatchRetryDelay:   getenvDuration("DISPATCHER_WATCH_RETRY_DELAY", time.Second),
		ResyncPeriod:      getenvDuration("DISPATCHER_RESYNC_PERIOD", 10*time.Minute),
		StoreRefresh:      getenvDuration("DISPATCHER_STORE_REFRESH_PERIOD", 30*time.Second),
		Kubeconfig:        os.Getenv("KUBECONFIG"),
		MetricsAddr:       getenvDefault("DISPATCHER_METRICS_ADDR", ":8081"),
		HealthAddr:        getenvDefault("DISPATCHER_HEALTH_ADDR", ":8082"),
		LeaderElection:    getenvBool("DISPATCHER_LEADER_ELECT"),
		LeaderElectionID:  getenvDefault("DISPATCHER_LEADER_ELECTION_ID", "resource-dispatcher-leader"),
		LogLevel:          getenvDefault("DISPATCHER_LOG_LEVEL", "info"),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		RedisAddr:         os.Getenv("REDIS_ADDR"),
		JWTSigningKey:     os.Getenv("JWT_SIGNING_KEY"),
		EncryptionKey:     os.Getenv("DISPATCHER_ENCRYPTION_KEY"),
		APIRateLimit:      getenvInt("DISPATCHER_API_RATE_LIMIT", 100),
		EventsCap:         getenvInt("DISPATCHER_EVENTS_CAP", 500),
	}
}

// AddFlags binds the configuration to fs. Values already in c act as defaults.
func (c *Config) AddFlags(fs *pflag.FlagSet) {
	fs.StringVar(&c.AppName, "app-name", c.AppName, appNameFlagDescription)
	fs.StringVar(&c.Namespace, "namespace", c.Namespace, namespaceFlagDescription)
	fs.StringVar(&c.Image, "image", c.Image, "Image the dispatcher workload runs.")
	fs.IntVar(&c.Port, "port", c.Port, portFlagDescription)
	fs.StringVar(&c.TargetLabel, "label", c.TargetLabel, labelFlagDescription)
	fs.StringSliceVar(&c.ExcludeNamespaces, "exclude-namespaces", c.ExcludeNamespaces, "Namespaces that never receive objects.")
	fs.StringSliceVar(&c.Relations, "relations", c.Relations, relationsFlagDescription)
	fs.IntVar(&c.Workers, "workers", c.Workers, workersFlagDescription)
	fs.IntVar(&c.MaxRetries, "max-retries", c.MaxRetries, maxRetriesFlagDescription)
	fs.DurationVar(&c.RetryBaseDelay, "retry-base-delay", c.RetryBaseDelay, "First backoff delay after a failed pass.")
	fs.DurationVar(&c.RetryMaxDelay, "retry-max-delay", c.RetryMaxDelay, "Upper bound of the pass backoff.")
	fs.IntVar(&c.WatchRetries, "watch-retries", c.WatchRetries, "Consecutive namespace watch reconnects before the process exits.")
	fs.DurationVar(&c.WatchRetryDelay, "watch-retry-delay", c.WatchRetryDelay, "First delay between namespace watch reconnects.")
	fs.DurationVar(&c.ResyncPeriod, "resync-period", c.ResyncPeriod, resyncFlagDescription)
	fs.DurationVar(&c.StoreRefresh, "store-refresh-period", c.StoreRefresh, "Period at which the leader picks up relation payloads written by other replicas. 0 disables it.")
	fs.StringVar(&c.Kubeconfig, "kubeconfig", c.Kubeconfig, "Path to a kubeconfig. Empty uses the in-cluster configuration.")
	fs.StringVar(&c.MetricsAddr, "metrics-bind-address", c.MetricsAddr, "The address the metric endpoint binds to.")
	fs.StringVar(&c.HealthAddr, "health-bind-address", c.HealthAddr, "The address the health endpoints bind to.")
	fs.BoolVar(&c.LeaderElection, "leader-elect", c.LeaderElection, leaderElectFlagDescription)
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "Log level (debug, info, warn, error).")
	fs.IntVar(&c.APIRateLimit, "api-rate-limit", c.APIRateLimit, "Relation API requests allowed per client and minute.")
}

// Validate reports configuration errors.
func (c Config) Validate() error {
	var errs []error
	if c.AppName == "" {
		errs = append(errs, errors.New("app-name must not be empty"))
	}
	if c.Namespace == "" {
		errs = append(errs, errors.New("namespace must not be empty"))
	}
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if c.Workers < 1 {
		errs = append(errs, fmt.Errorf("workers must be positive, got %d", c.Workers))
	}
	if c.MaxRetries < 1 {
		errs = append(errs, fmt.Errorf("max-retries must be positive, got %d", c.MaxRetries))
	}
	if c.WatchRetries < 1 {
		errs = append(errs, fmt.Errorf("watch-retries must be positive, got %d", c.WatchRetries))
	}
	if _, err := c.TargetSelector(); err != nil {
		errs = append(errs, err)
	}
	known := map[string]bool{}
	for _, r := range DefaultRelations {
		known[r] = true
	}
	for _, r := range c.Relations {
		if !known[r] {
			errs = append(errs, fmt.Errorf("unsupported relation %q", r))
		}
	}
	if c.LeaderElection && c.DatabaseURL == "" && c.RedisAddr == "" {
		errs = append(errs, errors.New("leader-elect needs a shared relation store (DATABASE_URL or REDIS_ADDR)"))
	}
	if c.EncryptionKey != "" {
		if _, err := security.ParseKey(c.EncryptionKey); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// TargetSelector turns the target label into a selector. The label may be a
// bare key ("user.kubeflow.org/enabled" meaning the key exists) or a full
// selector expression.
func (c Config) TargetSelector() (labels.Selector, error) {
	if strings.TrimSpace(c.TargetLabel) == "" {
		return labels.Everything(), nil
	}
	sel, err := labels.Parse(c.TargetLabel)
	if err != nil {
		return nil, fmt.Errorf("label %q: %w", c.TargetLabel, err)
	}
	return sel, nil
}

// Excluded reports whether ns is never a target.
func (c Config) Excluded(ns string) bool {
	for _, e := range c.ExcludeNamespaces {
		if e == ns {
			return true
		}
	}
	return false
}

func splitList(v string) []string {
	out := []string{}
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string) bool {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		b, err := strconv.ParseBool(v)
		return err == nil && b
	}
	return false
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getenvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err == nil {
			return d
		}
	}
	return def
}
