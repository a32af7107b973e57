package controller

import (
	"context"
	"maps"
	"slices"
	"sync"

	"github.com/cockroachdb/errors"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/equality"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/utils/clock"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/builder"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/controller/controllerutil"
	"sigs.k8s.io/controller-runtime/pkg/handler"
	"sigs.k8s.io/controller-runtime/pkg/log"
	"sigs.k8s.io/controller-runtime/pkg/source"

	"github.com/lexfrei/bind9-fleet-operator/api/v1alpha1"
	"github.com/lexfrei/bind9-fleet-operator/internal/bind9"
	"github.com/lexfrei/bind9-fleet-operator/internal/cache"
	"github.com/lexfrei/bind9-fleet-operator/internal/config"
	"github.com/lexfrei/bind9-fleet-operator/internal/eventrouter"
	"github.com/lexfrei/bind9-fleet-operator/internal/metrics"
	"github.com/lexfrei/bind9-fleet-operator/internal/status"
	"github.com/lexfrei/bind9-fleet-operator/internal/workqueue"
)

// errNoPrimaries marks zones that no ready primary serves yet.
var errNoPrimaries = errors.New("no primary instance serves the zone")

// RecordReconciler publishes a Record into every Zone it is bound to, on
// each primary of that Zone. Secondaries receive it by zone transfer.
type RecordReconciler struct {
	client.Client

	Store    *cache.Store
	Resolver *config.Resolver
	Adapter  *bind9.Adapter
	Clock    clock.PassiveClock
	Metrics  metrics.Collector
	Options  workqueue.Options
}

func (r *RecordReconciler) Reconcile(ctx context.Context, req ctrl.Request) (ctrl.Result, error) {
	logger := log.FromContext(ctx).WithValues("record", req.NamespacedName)

	if !r.Store.Synced() {
		return ctrl.Result{RequeueAfter: storeSyncDelay}, nil
	}

	record, err := fetch(ctx, r.Client, r.Store, v1alpha1.KindRecord, req.NamespacedName, &v1alpha1.Record{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return ctrl.Result{}, nil
		}

		return ctrl.Result{}, errors.Wrap(err, "failed to get record")
	}

	if deleting(record) {
		return r.handleDeletion(ctx, record)
	}

	if !controllerutil.ContainsFinalizer(record, v1alpha1.Finalizer) {
		controllerutil.AddFinalizer(record, v1alpha1.Finalizer)

		err = r.Update(ctx, record)
		if err != nil {
			return ctrl.Result{}, errors.Wrap(err, "failed to add finalizer")
		}
	}

	before := record.Status.DeepCopy()

	err = validateSelectors(map[string][]v1alpha1.SelectorRef{"zonesFrom": record.Spec.ZonesFrom})
	if err != nil {
		status.SetReady(&record.Status.Conditions, metav1.ConditionFalse,
			status.ReasonSelectorInvalid, errorMessage(err), record.Generation)
	} else {
		err = r.reconcile(ctx, record)
	}

	record.Status.ObservedGeneration = record.Generation

	writeErr := writeStatus(ctx, r.Client, record, equality.Semantic.DeepEqual(before, &record.Status))
	if writeErr != nil {
		return ctrl.Result{}, writeErr
	}

	if err != nil {
		logger.Info("record not converged", "error", err.Error())
	}

	return workqueue.Outcome(err, r.Options.WithDefaults().Resync)
}

func (r *RecordReconciler) reconcile(ctx context.Context, record *v1alpha1.Record) error {
	hash := bind9.Hash(record.Spec)
	record.Status.RecordHash = hash

	zones := cachedList(r.Store, v1alpha1.KindZone, record.Namespace, func(zone *v1alpha1.Zone) bool {
		return !deleting(zone) && associated(zone, record)
	})

	previous := make(map[string]v1alpha1.ZoneBinding, len(record.Status.Zones))
	prevOrdinals := make(map[string]int32, len(record.Status.Zones))

	for _, binding := range record.Status.Zones {
		previous[binding.Name] = binding
		prevOrdinals[binding.Name] = binding.Ordinal
	}

	byName := make(map[string]*v1alpha1.Zone, len(zones))
	names := make([]string, 0, len(zones))

	for _, zone := range zones {
		byName[zone.Name] = zone
		names = append(names, zone.Name)
	}

	next := record.Status.NextOrdinal
	ordinals := status.Ordinals(prevOrdinals, names, &next)

	var removed []v1alpha1.ZoneBinding

	for name, binding := range previous {
		if _, ok := byName[name]; !ok {
			removed = append(removed, binding)
		}
	}

	slices.SortFunc(removed, func(a, b v1alpha1.ZoneBinding) int { return int(a.Ordinal - b.Ordinal) })

	retained := r.retract(ctx, record, removed)

	var errs []error

	now := metav1.NewTime(r.clock().Now())
	children := make([]status.Child, 0, len(names))
	bindings := make([]v1alpha1.ZoneBinding, 0, len(names)+len(retained))

	for _, name := range status.SortedByOrdinal(ordinals) {
		zone := byName[name]
		prev, known := previous[name]

		binding, applyErr := r.applyToZone(ctx, record, zone, prev, hash)
		binding.Ordinal = ordinals[name]

		switch {
		case known && prev.LastReconciledAt != nil && bindingUnchanged(prev, binding):
			binding.LastReconciledAt = prev.LastReconciledAt
		case applyErr == nil:
			binding.LastReconciledAt = &now
		default:
			binding.LastReconciledAt = prev.LastReconciledAt
		}

		child, err := recordChild(ordinals[name], applyErr)
		if err != nil {
			errs = append(errs, err)
		}

		children = append(children, child)
		bindings = append(bindings, binding)
	}

	for _, binding := range retained {
		errs = append(errs, errors.Newf("record still published in deselected zone %s", binding.Name))
		bindings = append(bindings, binding)
	}

	record.Status.Zones = bindings
	record.Status.NextOrdinal = next
	status.Apply(&record.Status.Conditions, v1alpha1.KindZone, "zones", children, record.Generation)

	return combine(errs)
}

// applyToZone pushes the record to every primary of zone. The returned
// binding records which primaries hold the current hash.
func (r *RecordReconciler) applyToZone(
	ctx context.Context,
	record *v1alpha1.Record,
	zone *v1alpha1.Zone,
	prev v1alpha1.ZoneBinding,
	hash string,
) (v1alpha1.ZoneBinding, error) {
	binding := v1alpha1.ZoneBinding{
		ResourceRef: v1alpha1.ResourceRef{
			APIVersion: v1alpha1.GroupVersion.String(),
			Kind:       v1alpha1.KindZone,
			Namespace:  zone.Namespace,
			Name:       zone.Name,
		},
		FQDN: bind9.FQDN(record.Spec.Name, zone.Spec.ZoneName),
	}

	_, err := bind9.BuildRecordSet(record.Spec, zone.Spec.ZoneName)
	if err != nil {
		return binding, err
	}

	primaries := r.primaries(ctx, zone)
	if len(primaries) == 0 {
		return binding, errNoPrimaries
	}

	targets, failures := resolveTargets(ctx, r.Resolver, primaries)

	var (
		mu      sync.Mutex
		applied []string
	)

	pushed := r.Adapter.FanOut(ctx, targets, func(ctx context.Context, target bind9.Target) error {
		recorded := ""
		if prev.Hash == hash && slices.Contains(prev.AppliedTo, target.Name) {
			recorded = hash
		}

		_, err := r.Adapter.ApplyRecord(ctx, target, zone.Spec.ZoneName, record.Spec, recorded)
		if err != nil {
			return err
		}

		mu.Lock()
		applied = append(applied, target.Name)
		mu.Unlock()

		return nil
	})

	maps.Copy(failures, pushed)
	slices.Sort(applied)

	binding.Hash = hash
	binding.AppliedTo = applied

	return binding, combineTargets(failures)
}

// combineTargets joins per-target failures. Primaries that are only waiting
// to become ready count as a failure only when nothing else failed.
func combineTargets(failures map[string]error) error {
	var (
		errs    []error
		waiting bool
	)

	for _, key := range slices.Sorted(maps.Keys(failures)) {
		if errors.Is(failures[key], errInstanceNotReady) {
			waiting = true

			continue
		}

		errs = append(errs, errors.Wrapf(failures[key], "instance %s", key))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	if waiting {
		return errInstanceNotReady
	}

	return nil
}

// primaries returns the live primary Instances recorded as the zone's targets.
func (r *RecordReconciler) primaries(ctx context.Context, zone *v1alpha1.Zone) []*v1alpha1.Instance {
	var out []*v1alpha1.Instance

	for _, ref := range zone.Status.Targets {
		if ref.Role != v1alpha1.RolePrimary {
			continue
		}

		key := types.NamespacedName{Namespace: ref.Namespace, Name: ref.Name}

		instance, err := fetch(ctx, r.Client, r.Store, v1alpha1.KindInstance, key, &v1alpha1.Instance{})
		if err != nil || deleting(instance) {
			continue
		}

		out = append(out, instance)
	}

	return out
}

func bindingUnchanged(a, b v1alpha1.ZoneBinding) bool {
	return a.FQDN == b.FQDN && a.Hash == b.Hash && slices.Equal(a.AppliedTo, b.AppliedTo)
}

// recordChild reports the record's state in one zone.
func recordChild(ordinal int32, err error) (status.Child, error) {
	switch {
	case errors.Is(err, errNoPrimaries):
		return status.Child{
			Ordinal: ordinal,
			Reason:  status.ReasonProgressing,
			Message: "No ready primary instance serves the zone",
		}, nil
	case errors.Is(err, bind9.ErrInvalidRecord):
		return status.Child{
			Ordinal: ordinal,
			Reason:  status.ReasonConfigurationInvalid,
			Message: errorMessage(err),
		}, workqueue.Terminal(err)
	}

	child, queueErr := targetChild(ordinal, err, status.ReasonRecordApplied)
	if err != nil && !workqueue.IsTerminal(queueErr) && !errors.Is(err, errInstanceNotReady) {
		child.Reason = status.ReasonRecordApplyFailed
	}

	return child, queueErr
}

// retract removes the record from the zones of bindings and returns the
// bindings where that failed. Zones that are gone took the record with them.
func (r *RecordReconciler) retract(
	ctx context.Context,
	record *v1alpha1.Record,
	bindings []v1alpha1.ZoneBinding,
) []v1alpha1.ZoneBinding {
	logger := log.FromContext(ctx)

	var failed []v1alpha1.ZoneBinding

	for _, binding := range bindings {
		key := types.NamespacedName{Namespace: binding.Namespace, Name: binding.Name}

		zone, err := fetch(ctx, r.Client, r.Store, v1alpha1.KindZone, key, &v1alpha1.Zone{})
		if apierrors.IsNotFound(err) || (err == nil && deleting(zone)) {
			continue
		}

		if err == nil {
			err = r.retractFromZone(ctx, record, zone)
		}

		if err != nil {
			logger.Info("failed to remove record from zone", "zone", binding.Name, "error", err.Error())
			failed = append(failed, binding)

			continue
		}

		logger.Info("removed record from zone", "zone", binding.Name, "fqdn", binding.FQDN)
	}

	return failed
}

// retractFromZone deletes the record's RRset from every primary of zone.
func (r *RecordReconciler) retractFromZone(ctx context.Context, record *v1alpha1.Record, zone *v1alpha1.Zone) error {
	targets, failures := resolveTargets(ctx, r.Resolver, r.primaries(ctx, zone))

	pushed := r.Adapter.FanOut(ctx, targets, func(ctx context.Context, target bind9.Target) error {
		return r.Adapter.RetractRecord(ctx, target, zone.Spec.ZoneName, record.Spec)
	})
	maps.Copy(failures, pushed)

	var errs []error

	for _, key := range slices.Sorted(maps.Keys(failures)) {
		errs = append(errs, errors.Wrapf(failures[key], "instance %s", key))
	}

	return errors.Join(errs...)
}

// handleDeletion removes the record from every zone it was published in
// before releasing it.
func (r *RecordReconciler) handleDeletion(ctx context.Context, record *v1alpha1.Record) (ctrl.Result, error) {
	if !controllerutil.ContainsFinalizer(record, v1alpha1.Finalizer) {
		return ctrl.Result{}, nil
	}

	remaining := r.retract(ctx, record, record.Status.Zones)
	if len(remaining) > 0 {
		return ctrl.Result{}, errors.Newf("record still published in %d zones", len(remaining))
	}

	controllerutil.RemoveFinalizer(record, v1alpha1.Finalizer)

	err := r.Update(ctx, record)
	if err != nil && !apierrors.IsNotFound(err) {
		return ctrl.Result{}, errors.Wrap(err, "failed to remove finalizer")
	}

	return ctrl.Result{}, nil
}

func (r *RecordReconciler) clock() clock.PassiveClock {
	if r.Clock == nil {
		return clock.RealClock{}
	}

	return r.Clock
}

// SetupWithManager sets up the controller with the Manager.
func (r *RecordReconciler) SetupWithManager(
	mgr ctrl.Manager,
	router *eventrouter.Router,
	mapper *Mapper,
) error {
	//nolint:wrapcheck // controller-runtime builder pattern
	return ctrl.NewControllerManagedBy(mgr).
		For(&v1alpha1.Record{}, builder.WithPredicates(specChanged)).
		WatchesRawSource(source.Channel(router.Channel(v1alpha1.KindRecord), &handler.EnqueueRequestForObject{})).
		Watches(&corev1.Secret{}, handler.EnqueueRequestsFromMapFunc(mapper.SecretToRecords)).
		WithOptions(r.Options.ControllerOptions()).
		Complete(workqueue.Wrap(v1alpha1.KindRecord, r.Options, r.Metrics, r))
}
