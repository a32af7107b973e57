package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-logr/logr"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	ctrl "sigs.k8s.io/controller-runtime"

	"github.com/lexfrei/bind9-fleet-operator/internal/bind9"
	"github.com/lexfrei/bind9-fleet-operator/internal/controller"
	"github.com/lexfrei/bind9-fleet-operator/internal/workqueue"
)

//nolint:gochecknoglobals // set by SetVersion from main
var (
	version = "development"
	gitsha  = "development"
)

func SetVersion(ver, sha string) {
	version = ver
	gitsha = sha
}

//nolint:gochecknoglobals // cobra command pattern
var rootCmd = &cobra.Command{
	Use:   "bind9-fleet-operator",
	Short: "Kubernetes operator for fleets of BIND9 DNS servers",
	Long: `A Kubernetes operator that runs fleets of BIND9 servers.
It turns Provider, Cluster and Instance resources into BIND9 workloads and
publishes Zone and Record resources onto the servers they select.`,
	RunE:          runController,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "json", "Log format (json, text)")

	rootCmd.Flags().String("cluster-domain", "cluster.local", "Kubernetes cluster domain")
	rootCmd.Flags().String("watch-namespace", "", "Only watch namespaced resources in this namespace (default: all)")
	rootCmd.Flags().String("metrics-addr", ":8080", "Address for metrics endpoint")
	rootCmd.Flags().String("health-addr", ":8081", "Address for health probe endpoint")

	// Leader election flags
	rootCmd.Flags().Bool("leader-elect", false, "Enable leader election for high availability")
	rootCmd.Flags().String("leader-election-namespace", "", "Namespace for leader election lease (defaults to controller namespace)")
	rootCmd.Flags().String("leader-election-name", "bind9-fleet-operator-leader", "Name of the leader election lease")

	// Work queue flags
	rootCmd.Flags().Int("max-concurrent-reconciles", workqueue.DefaultMaxConcurrentReconciles, "Workers per resource kind")
	rootCmd.Flags().Duration("resync-interval", workqueue.DefaultResync, "Re-enqueue converged resources after this interval")
	rootCmd.Flags().Duration("reconcile-timeout", workqueue.DefaultTimeout, "Deadline of a single reconcile")
	rootCmd.Flags().Duration("backoff-base", workqueue.DefaultBackoffBase, "Initial retry delay of a failing resource")
	rootCmd.Flags().Duration("backoff-max", workqueue.DefaultBackoffMax, "Maximum retry delay of a failing resource")
	rootCmd.Flags().Duration("relist-interval", 10*time.Minute, "How often the resource cache is rebuilt from a full list")

	// BIND9 server flags
	rootCmd.Flags().Duration("default-rotate-after", 0, "Rotation interval of generated RNDC keys (0 disables rotation)")
	rootCmd.Flags().String("sidecar-image", controller.DefaultSidecarImage, "Sidecar API image run next to every BIND9 server")
	rootCmd.Flags().Duration("backend-timeout", 10*time.Second, "Timeout of a single request to a BIND9 server")
	rootCmd.Flags().Float64("backend-qps", bind9.DefaultTargetQPS, "Sidecar API calls per second allowed per BIND9 server")
	rootCmd.Flags().Int("backend-burst", bind9.DefaultTargetBurst, "Sidecar API call burst allowed per BIND9 server")

	_ = viper.BindPFlags(rootCmd.Flags())
	_ = viper.BindPFlags(rootCmd.PersistentFlags())
}

func initConfig() {
	viper.SetEnvPrefix("BIND9")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("cluster-domain", "cluster.local")
	viper.SetDefault("metrics-addr", ":8080")
	viper.SetDefault("health-addr", ":8081")
	viper.SetDefault("log-level", "info")
	viper.SetDefault("log-format", "json")
	viper.SetDefault("leader-elect", false)
	viper.SetDefault("leader-election-name", "bind9-fleet-operator-leader")
	viper.SetDefault("sidecar-image", controller.DefaultSidecarImage)
}

func Execute() error {
	return errors.Wrap(rootCmd.Execute(), "command execution failed")
}

func setupLogger() *slog.Logger {
	level := slog.LevelInfo

	switch viper.GetString("log-level") {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if viper.GetString("log-format") == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

// configFromViper collects the controller configuration from flags and
// BIND9_* environment variables.
func configFromViper() (controller.Config, error) {
	cfg := controller.Config{
		ClusterDomain:  viper.GetString("cluster-domain"),
		WatchNamespace: viper.GetString("watch-namespace"),
		MetricsAddr:    viper.GetString("metrics-addr"),
		HealthAddr:     viper.GetString("health-addr"),

		LeaderElect:     viper.GetBool("leader-elect"),
		LeaderElectNS:   viper.GetString("leader-election-namespace"),
		LeaderElectName: viper.GetString("leader-election-name"),

		Queue: workqueue.Options{
			BackoffBase:             viper.GetDuration("backoff-base"),
			BackoffMax:              viper.GetDuration("backoff-max"),
			Resync:                  viper.GetDuration("resync-interval"),
			Timeout:                 viper.GetDuration("reconcile-timeout"),
			MaxConcurrentReconciles: viper.GetInt("max-concurrent-reconciles"),
		},
		RelistInterval: viper.GetDuration("relist-interval"),

		DefaultRotateAfter: viper.GetDuration("default-rotate-after"),
		SidecarImage:       viper.GetString("sidecar-image"),
		BackendTimeout:     viper.GetDuration("backend-timeout"),
		BackendQPS:         viper.GetFloat64("backend-qps"),
		BackendBurst:       viper.GetInt("backend-burst"),
	}

	if cfg.DefaultRotateAfter < 0 {
		return cfg, errors.New("default-rotate-after must not be negative")
	}

	if cfg.Queue.BackoffMax > 0 && cfg.Queue.BackoffMax < cfg.Queue.BackoffBase {
		return cfg, errors.Newf("backoff-max (%s) is smaller than backoff-base (%s)",
			cfg.Queue.BackoffMax, cfg.Queue.BackoffBase)
	}

	return cfg, nil
}

func runController(_ *cobra.Command, _ []string) error {
	logger := setupLogger()
	slog.SetDefault(logger)

	ctrl.SetLogger(logr.FromSlogHandler(logger.Handler()))

	logger.Info("starting bind9-fleet-operator",
		"version", version,
		"gitsha", gitsha,
	)

	cfg, err := configFromViper()
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	err = controller.Run(ctx, &cfg)
	if err != nil {
		return errors.Wrap(err, "failed to run controller")
	}

	return nil
}
