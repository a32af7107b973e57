package controller

import (
	"context"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"k8s.io/apimachinery/pkg/runtime"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	ctrl "sigs.k8s.io/controller-runtime"
	ctrlcache "sigs.k8s.io/controller-runtime/pkg/cache"
	"sigs.k8s.io/controller-runtime/pkg/healthz"
	"sigs.k8s.io/controller-runtime/pkg/log"
	ctrlmetrics "sigs.k8s.io/controller-runtime/pkg/metrics"
	"sigs.k8s.io/controller-runtime/pkg/metrics/server"

	"github.com/lexfrei/bind9-fleet-operator/api/v1alpha1"
	"github.com/lexfrei/bind9-fleet-operator/internal/bind9"
	"github.com/lexfrei/bind9-fleet-operator/internal/cache"
	"github.com/lexfrei/bind9-fleet-operator/internal/config"
	"github.com/lexfrei/bind9-fleet-operator/internal/eventrouter"
	"github.com/lexfrei/bind9-fleet-operator/internal/metrics"
	"github.com/lexfrei/bind9-fleet-operator/internal/rotation"
	"github.com/lexfrei/bind9-fleet-operator/internal/workqueue"
)

// Config holds all configuration options for the controller manager.
// Values are typically populated from CLI flags or environment variables.
type Config struct {
	// ClusterDomain is the Kubernetes cluster domain for service DNS resolution.
	// Defaults to "cluster.local".
	ClusterDomain string

	// WatchNamespace restricts namespaced watches to one namespace. Empty
	// watches all namespaces.
	WatchNamespace string

	// MetricsAddr is the address for the Prometheus metrics endpoint.
	MetricsAddr string

	// HealthAddr is the address for health and readiness probe endpoints.
	HealthAddr string

	// LeaderElect enables leader election for high availability.
	// Required when running multiple replicas.
	LeaderElect bool

	// LeaderElectNS is the namespace for the leader election lease.
	LeaderElectNS string

	// LeaderElectName is the name of the leader election lease.
	LeaderElectName string

	// Queue is the scheduling policy shared by every controller.
	Queue workqueue.Options

	// RelistInterval is how often the resource cache is rebuilt from a full list.
	RelistInterval time.Duration

	// DefaultRotateAfter is the rotation interval of generated keys whose
	// Instance does not set one. Zero disables rotation by default.
	DefaultRotateAfter time.Duration

	// SidecarImage is the HTTP API image run next to every BIND9 server.
	SidecarImage string

	// BackendTimeout bounds a single sidecar API request or DNS exchange
	// with a server.
	BackendTimeout time.Duration

	// BackendQPS and BackendBurst limit sidecar API calls per Instance.
	BackendQPS   float64
	BackendBurst int
}

// NewScheme returns a scheme with the built-in and bind9 types.
func NewScheme() (*runtime.Scheme, error) {
	scheme := runtime.NewScheme()

	err := clientgoscheme.AddToScheme(scheme)
	if err != nil {
		return nil, errors.Wrap(err, "failed to add client-go scheme")
	}

	err = v1alpha1.AddToScheme(scheme)
	if err != nil {
		return nil, errors.Wrap(err, "failed to add bind9 scheme")
	}

	return scheme, nil
}

// NewStore returns a resource cache for the bind9 kinds with the selector
// indexes the event router needs.
func NewStore() (*cache.Store, error) {
	store := cache.NewStore(eventrouter.Kinds...)

	err := eventrouter.RegisterIndexes(store)
	if err != nil {
		return nil, errors.Wrap(err, "failed to register indexes")
	}

	return store, nil
}

// cacheSources lists the kinds mirrored into the resource cache.
func cacheSources() []cache.Source {
	return []cache.Source{
		{Kind: v1alpha1.KindProvider, Object: &v1alpha1.Provider{}, List: &v1alpha1.ProviderList{}},
		{Kind: v1alpha1.KindCluster, Object: &v1alpha1.Cluster{}, List: &v1alpha1.ClusterList{}},
		{Kind: v1alpha1.KindInstance, Object: &v1alpha1.Instance{}, List: &v1alpha1.InstanceList{}},
		{Kind: v1alpha1.KindZone, Object: &v1alpha1.Zone{}, List: &v1alpha1.ZoneList{}},
		{Kind: v1alpha1.KindRecord, Object: &v1alpha1.Record{}, List: &v1alpha1.RecordList{}},
	}
}

// Run initializes and starts the controller manager with the provided configuration.
// It wires the resource cache, the event router, the five resource
// controllers and the credential rotation controller, and blocks until the
// context is cancelled or an error occurs.
//
//nolint:funlen,noinlineerr // controller setup requires multiple steps
func Run(ctx context.Context, cfg *Config) error {
	logger := log.FromContext(ctx).WithName("manager")
	logger.Info("initializing controller manager")

	scheme, err := NewScheme()
	if err != nil {
		return err
	}

	mgrOptions := ctrl.Options{
		Scheme: scheme,
		Metrics: server.Options{
			BindAddress: cfg.MetricsAddr,
		},
		HealthProbeBindAddress: cfg.HealthAddr,
	}

	if cfg.WatchNamespace != "" {
		mgrOptions.Cache = ctrlcache.Options{
			DefaultNamespaces: map[string]ctrlcache.Config{cfg.WatchNamespace: {}},
		}

		logger.Info("watching a single namespace", "namespace", cfg.WatchNamespace)
	}

	if cfg.LeaderElect {
		mgrOptions.LeaderElection = true
		mgrOptions.LeaderElectionID = cfg.LeaderElectName
		mgrOptions.LeaderElectionNamespace = cfg.LeaderElectNS

		logger.Info("leader election enabled",
			"id", cfg.LeaderElectName,
			"namespace", cfg.LeaderElectNS,
		)
	}

	mgr, err := ctrl.NewManager(ctrl.GetConfigOrDie(), mgrOptions)
	if err != nil {
		return errors.Wrap(err, "failed to create manager")
	}

	collector := metrics.NewCollector(ctrlmetrics.Registry)

	store, err := NewStore()
	if err != nil {
		return err
	}

	mirror := &cache.Mirror{
		Store:          store,
		Informers:      mgr.GetCache(),
		Sources:        cacheSources(),
		RelistInterval: cfg.RelistInterval,
		Metrics:        collector,
	}

	router := eventrouter.New(store, collector, 0)

	if err := mgr.Add(mirror); err != nil {
		return errors.Wrap(err, "failed to add resource cache")
	}

	if err := mgr.Add(router); err != nil {
		return errors.Wrap(err, "failed to add event router")
	}

	queue := cfg.Queue.WithDefaults()
	resolver := config.NewResolver(mgr.GetClient(), cfg.ClusterDomain)
	adapter := bind9.NewAdapter(
		bind9.NewClient(
			newSidecarClient(cfg, queue, collector),
			bind9.NewDNSClient(collector, cfg.BackendTimeout),
		),
		collector,
		0,
	)
	mapper := &Mapper{Store: store}

	if err := (&ProviderReconciler{
		Client:  mgr.GetClient(),
		Scheme:  mgr.GetScheme(),
		Store:   store,
		Metrics: collector,
		Options: queue,
	}).SetupWithManager(mgr, router, mapper); err != nil {
		return errors.Wrap(err, "failed to setup provider controller")
	}

	if err := (&ClusterReconciler{
		Client:  mgr.GetClient(),
		Scheme:  mgr.GetScheme(),
		Store:   store,
		Metrics: collector,
		Options: queue,
	}).SetupWithManager(mgr, router); err != nil {
		return errors.Wrap(err, "failed to setup cluster controller")
	}

	if err := (&InstanceReconciler{
		Client:             mgr.GetClient(),
		Scheme:             mgr.GetScheme(),
		Store:              store,
		Resolver:           resolver,
		SidecarImage:       cfg.SidecarImage,
		DefaultRotateAfter: cfg.DefaultRotateAfter,
		Metrics:            collector,
		Options:            queue,
	}).SetupWithManager(mgr, router, mapper); err != nil {
		return errors.Wrap(err, "failed to setup instance controller")
	}

	if err := (&ZoneReconciler{
		Client:   mgr.GetClient(),
		Store:    store,
		Resolver: resolver,
		Adapter:  adapter,
		Metrics:  collector,
		Options:  queue,
	}).SetupWithManager(mgr, router, mapper); err != nil {
		return errors.Wrap(err, "failed to setup zone controller")
	}

	if err := (&RecordReconciler{
		Client:   mgr.GetClient(),
		Store:    store,
		Resolver: resolver,
		Adapter:  adapter,
		Metrics:  collector,
		Options:  queue,
	}).SetupWithManager(mgr, router, mapper); err != nil {
		return errors.Wrap(err, "failed to setup record controller")
	}

	if err := (&rotation.Reconciler{
		Client:  mgr.GetClient(),
		Metrics: collector,
	}).SetupWithManager(mgr, queue.ControllerOptions()); err != nil {
		return errors.Wrap(err, "failed to setup credential rotation controller")
	}

	if err := mgr.AddHealthzCheck("healthz", healthz.Ping); err != nil {
		return errors.Wrap(err, "failed to set up health check")
	}

	if err := mgr.AddReadyzCheck("readyz", storeSyncedCheck(store)); err != nil {
		return errors.Wrap(err, "failed to set up ready check")
	}

	logger.Info("starting manager")

	if err := mgr.Start(ctx); err != nil {
		return errors.Wrap(err, "failed to start manager")
	}

	return nil
}

// errStoreNotSynced is reported by the readiness probe until the resource
// cache is filled.
var errStoreNotSynced = errors.New("resource cache not synced")

// storeSyncedCheck reports ready once the resource cache holds a full list.
func storeSyncedCheck(store *cache.Store) healthz.Checker {
	return func(_ *http.Request) error {
		if store.Synced() {
			return nil
		}

		return errStoreNotSynced
	}
}

// newSidecarClient builds the sidecar API client. In-place retries use the
// queue's backoff bounds.
func newSidecarClient(cfg *Config, queue workqueue.Options, collector metrics.Collector) *bind9.HTTPClient {
	opts := []bind9.HTTPOption{
		bind9.WithRetry(queue.BackoffBase, queue.BackoffMax, bind9.DefaultMaxAttempts),
	}

	if cfg.BackendTimeout > 0 {
		opts = append(opts, bind9.WithTimeout(cfg.BackendTimeout))
	}

	if cfg.BackendQPS > 0 {
		burst := cfg.BackendBurst
		if burst <= 0 {
			burst = bind9.DefaultTargetBurst
		}

		opts = append(opts, bind9.WithTargetRateLimit(cfg.BackendQPS, burst))
	}

	return bind9.NewHTTPClient(collector, opts...)
}
