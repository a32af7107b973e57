// Package workqueue holds the scheduling policy shared by every reconciler:
// how failed keys back off, how converged keys are resynced and how long one
// reconcile may run.
//
// Deduplication and per-key serialization come from the client-go rate
// limiting queue that controller-runtime places in front of each controller.
// This package only configures it.
package workqueue

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/time/rate"
	"k8s.io/client-go/util/workqueue"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/controller"
	"sigs.k8s.io/controller-runtime/pkg/reconcile"

	"github.com/lexfrei/bind9-fleet-operator/internal/metrics"
)

const (
	// DefaultBackoffBase is the first retry delay of a failing key.
	DefaultBackoffBase = 100 * time.Millisecond

	// DefaultBackoffMax caps the per-key retry delay.
	DefaultBackoffMax = 30 * time.Second

	// DefaultResync is the periodic re-reconcile interval of converged keys.
	DefaultResync = 10 * time.Minute

	// DefaultTimeout bounds a single reconcile.
	DefaultTimeout = 2 * time.Minute

	// DefaultMaxConcurrentReconciles is the worker count per kind.
	DefaultMaxConcurrentReconciles = 4

	// defaultQPS and defaultBurst size the overall token bucket.
	defaultQPS   = 50
	defaultBurst = 300
)

// Result labels for the reconcile metrics.
const (
	ResultSuccess  = "success"
	ResultTerminal = "terminal"
	ResultError    = "error"
)

// ErrTerminal marks errors that retrying cannot fix until an input changes.
var ErrTerminal = errors.New("terminal reconcile error")

// Options configures the queue policy of one controller.
type Options struct {
	// BackoffBase is the first per-key retry delay. Each consecutive failure doubles it.
	BackoffBase time.Duration

	// BackoffMax caps the per-key retry delay.
	BackoffMax time.Duration

	// Resync re-enqueues converged and terminally failed keys.
	Resync time.Duration

	// Timeout is the deadline of one reconcile.
	Timeout time.Duration

	// MaxConcurrentReconciles is the number of workers; distinct keys run in parallel.
	MaxConcurrentReconciles int

	// QPS and Burst size the overall token bucket shared by all keys.
	QPS   float64
	Burst int
}

// DefaultOptions returns the defaults used when a field is left zero.
func DefaultOptions() Options {
	return Options{
		BackoffBase:             DefaultBackoffBase,
		BackoffMax:              DefaultBackoffMax,
		Resync:                  DefaultResync,
		Timeout:                 DefaultTimeout,
		MaxConcurrentReconciles: DefaultMaxConcurrentReconciles,
		QPS:                     defaultQPS,
		Burst:                   defaultBurst,
	}
}

// WithDefaults fills zero fields from DefaultOptions.
func (o Options) WithDefaults() Options {
	def := DefaultOptions()

	if o.BackoffBase <= 0 {
		o.BackoffBase = def.BackoffBase
	}

	if o.BackoffMax <= 0 {
		o.BackoffMax = def.BackoffMax
	}

	if o.BackoffMax < o.BackoffBase {
		o.BackoffMax = o.BackoffBase
	}

	if o.Resync <= 0 {
		o.Resync = def.Resync
	}

	if o.Timeout <= 0 {
		o.Timeout = def.Timeout
	}

	if o.MaxConcurrentReconciles <= 0 {
		o.MaxConcurrentReconciles = def.MaxConcurrentReconciles
	}

	if o.QPS <= 0 {
		o.QPS = def.QPS
	}

	if o.Burst <= 0 {
		o.Burst = def.Burst
	}

	return o
}

// NewRateLimiter returns the per-key exponential limiter combined with the
// overall token bucket. The larger of the two delays wins.
func NewRateLimiter[T comparable](opts Options) workqueue.TypedRateLimiter[T] {
	opts = opts.WithDefaults()

	return workqueue.NewTypedMaxOfRateLimiter(
		workqueue.NewTypedItemExponentialFailureRateLimiter[T](opts.BackoffBase, opts.BackoffMax),
		&workqueue.TypedBucketRateLimiter[T]{Limiter: rate.NewLimiter(rate.Limit(opts.QPS), opts.Burst)},
	)
}

// ControllerOptions returns controller-runtime options carrying the policy.
func (o Options) ControllerOptions() controller.Options {
	o = o.WithDefaults()

	return controller.Options{
		MaxConcurrentReconciles: o.MaxConcurrentReconciles,
		RateLimiter:             NewRateLimiter[reconcile.Request](o),
	}
}

// Terminal marks err so that Outcome schedules a resync instead of a backoff retry.
func Terminal(err error) error {
	if err == nil {
		return nil
	}

	return errors.Mark(err, ErrTerminal)
}

// IsTerminal reports whether err was marked with Terminal.
func IsTerminal(err error) bool {
	return errors.Is(err, ErrTerminal)
}

// Outcome maps the result of a reconcile pass to queue behavior:
// success and terminal failures resync after the interval with the backoff
// reset, transient failures are returned so the key backs off.
func Outcome(err error, resync time.Duration) (ctrl.Result, error) {
	if err == nil || IsTerminal(err) {
		return ctrl.Result{RequeueAfter: resync}, nil
	}

	return ctrl.Result{}, err
}

// Wrap bounds every reconcile by the configured deadline and records its
// duration and result.
func Wrap(kind string, opts Options, collector metrics.Collector, inner reconcile.Reconciler) reconcile.Reconciler {
	opts = opts.WithDefaults()

	if collector == nil {
		collector = metrics.NewNoopCollector()
	}

	return reconcile.Func(func(ctx context.Context, req reconcile.Request) (reconcile.Result, error) {
		ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
		defer cancel()

		start := time.Now()
		result, err := inner.Reconcile(ctx, req)

		status := ResultSuccess
		if err != nil {
			status = ResultError
			collector.RecordReconcileError(ctx, kind, metrics.ClassifyBackendError(err))
		}

		collector.RecordReconcile(ctx, kind, status, time.Since(start))

		return result, err
	})
}
