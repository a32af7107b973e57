package controller

import (
	"context"
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
	"github.com/lexfrei/bind9-fleet-operator/internal/selector"
	"github.com/lexfrei/bind9-fleet-operator/internal/status"
	"github.com/lexfrei/bind9-fleet-operator/internal/workqueue"
)

// ZoneReconciler configures a zone on every Instance it selects and removes
// records nothing declares from its primaries.
type ZoneReconciler struct {
	client.Client

	Store    *cache.Store
	Resolver *config.Resolver
	Adapter  *bind9.Adapter
	Metrics  metrics.Collector
	Clock    clock.PassiveClock
	Options  workqueue.Options
}

func (r *ZoneReconciler) Reconcile(ctx context.Context, req ctrl.Request) (ctrl.Result, error) {
	logger := log.FromContext(ctx).WithValues("zone", req.NamespacedName)

	if !r.Store.Synced() {
		return ctrl.Result{RequeueAfter: storeSyncDelay}, nil
	}

	zone, err := fetch(ctx, r.Client, r.Store, v1alpha1.KindZone, req.NamespacedName, &v1alpha1.Zone{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return ctrl.Result{}, nil
		}

		return ctrl.Result{}, errors.Wrap(err, "failed to get zone")
	}

	if deleting(zone) {
		return r.handleDeletion(ctx, zone)
	}

	if !controllerutil.ContainsFinalizer(zone, v1alpha1.Finalizer) {
		controllerutil.AddFinalizer(zone, v1alpha1.Finalizer)

		err = r.Update(ctx, zone)
		if err != nil {
			return ctrl.Result{}, errors.Wrap(err, "failed to add finalizer")
		}
	}

	before := zone.Status.DeepCopy()

	err = validateSelectors(map[string][]v1alpha1.SelectorRef{
		"instancesFrom": zone.Spec.InstancesFrom,
		"recordsFrom":   zone.Spec.RecordsFrom,
	})
	if err != nil {
		status.SetReady(&zone.Status.Conditions, metav1.ConditionFalse,
			status.ReasonSelectorInvalid, errorMessage(err), zone.Generation)
	} else {
		err = r.reconcile(ctx, zone)
	}

	zone.Status.ObservedGeneration = zone.Generation

	writeErr := writeStatus(ctx, r.Client, zone, equality.Semantic.DeepEqual(before, &zone.Status))
	if writeErr != nil {
		return ctrl.Result{}, writeErr
	}

	if err != nil {
		logger.Info("zone not converged", "error", err.Error())
	}

	return workqueue.Outcome(err, r.Options.WithDefaults().Resync)
}

func (r *ZoneReconciler) reconcile(ctx context.Context, zone *v1alpha1.Zone) error {
	selected := r.selectedInstances(zone)

	previous := make(map[string]v1alpha1.TargetRef, len(zone.Status.Targets))
	prevOrdinals := make(map[string]int32, len(zone.Status.Targets))

	for _, ref := range zone.Status.Targets {
		previous[ref.Key()] = ref
		prevOrdinals[ref.Key()] = ref.Ordinal
	}

	keys := make([]string, 0, len(selected))
	byKey := make(map[string]*v1alpha1.Instance, len(selected))

	for _, instance := range selected {
		keys = append(keys, targetKey(instance))
		byKey[targetKey(instance)] = instance
	}

	next := zone.Status.NextOrdinal
	ordinals := status.Ordinals(prevOrdinals, keys, &next)

	var errs []error

	// Deselected targets that could not be cleaned up stay recorded so the
	// removal is retried.
	retained := r.retractRemoved(ctx, zone, previous, byKey)

	targets, failures := resolveTargets(ctx, r.Resolver, selected)

	var mu sync.Mutex

	hashes := make(map[string]string, len(targets))

	applied := r.Adapter.FanOut(ctx, targets, func(ctx context.Context, target bind9.Target) error {
		req := bind9.BuildZoneRequest(zone, target, targets)

		hash, err := r.Adapter.ApplyZone(ctx, target, req, previous[target.Name].Hash)
		if err != nil {
			return err
		}

		mu.Lock()
		hashes[target.Name] = hash
		mu.Unlock()

		return nil
	})
	for key, err := range applied {
		failures[key] = err
	}

	records := r.associatedRecords(zone)
	zone.Status.RecordCount = int32(len(records)) //nolint:gosec // bounded by the record count

	decl := declaration(zone, records)

	for _, target := range targets {
		if target.Role != v1alpha1.RolePrimary || failures[target.Name] != nil {
			continue
		}

		deleted, err := r.Adapter.PruneOrphans(ctx, target, decl)
		zone.Status.OrphansDeleted += int64(deleted)

		if err != nil {
			failures[target.Name] = errors.Wrap(err, "orphan cleanup failed")
		}
	}

	now := metav1.NewTime(r.clock().Now())
	children := make([]status.Child, 0, len(keys))
	refs := make([]v1alpha1.TargetRef, 0, len(keys)+len(retained))

	for _, key := range status.SortedByOrdinal(ordinals) {
		instance := byKey[key]

		child, err := targetChild(ordinals[key], failures[key], status.ReasonReady)
		if err != nil {
			errs = append(errs, err)
		}

		children = append(children, child)

		ref := v1alpha1.TargetRef{
			ResourceRef: v1alpha1.ResourceRef{
				APIVersion: v1alpha1.GroupVersion.String(),
				Kind:       v1alpha1.KindInstance,
				Namespace:  instance.Namespace,
				Name:       instance.Name,
			},
			Ordinal: ordinals[key],
			Role:    instance.Spec.GetRole(),
			Hash:    previous[key].Hash,
		}

		if hash, ok := hashes[key]; ok {
			ref.Hash = hash
		}

		prev, known := previous[key]

		switch {
		case known && prev.Role == ref.Role && prev.Hash == ref.Hash && prev.LastReconciledAt != nil:
			ref.LastReconciledAt = prev.LastReconciledAt
		case child.Ready:
			ref.LastReconciledAt = &now
		}

		refs = append(refs, ref)
	}

	for _, ref := range retained {
		errs = append(errs, errors.Newf("zone still configured on deselected instance %s", ref.Key()))
		refs = append(refs, ref)
	}

	zone.Status.Targets = refs
	zone.Status.NextOrdinal = next
	status.Apply(&zone.Status.Conditions, v1alpha1.KindInstance, "instances", children, zone.Generation)

	r.metrics().RecordZoneTargets(ctx, zone.Spec.ZoneName, len(targets))

	return combine(errs)
}

// selectedInstances returns the live Instances matching spec.instancesFrom.
func (r *ZoneReconciler) selectedInstances(zone *v1alpha1.Zone) []*v1alpha1.Instance {
	return cachedList(r.Store, v1alpha1.KindInstance, zone.Namespace, func(instance *v1alpha1.Instance) bool {
		return !deleting(instance) && selector.MatchesAny(zone.Spec.InstancesFrom, instance.Labels)
	})
}

// associatedRecords returns the live Records the zone selects or that
// select the zone.
func (r *ZoneReconciler) associatedRecords(zone *v1alpha1.Zone) []*v1alpha1.Record {
	return cachedList(r.Store, v1alpha1.KindRecord, zone.Namespace, func(record *v1alpha1.Record) bool {
		return !deleting(record) && associated(zone, record)
	})
}

// associated reports whether zone and record are bound in either direction.
func associated(zone *v1alpha1.Zone, record *v1alpha1.Record) bool {
	return selector.MatchesAny(zone.Spec.RecordsFrom, record.Labels) ||
		selector.MatchesAny(record.Spec.ZonesFrom, zone.Labels)
}

// declaration collects the RRsets the zone's records publish. Records that
// cannot be rendered declare nothing.
func declaration(zone *v1alpha1.Zone, records []*v1alpha1.Record) bind9.ZoneDeclaration {
	decl := bind9.ZoneDeclaration{
		Zone:        zone.Spec.ZoneName,
		NameServers: zone.Spec.GetNameServers(),
	}

	for _, record := range records {
		set, err := bind9.BuildRecordSet(record.Spec, zone.Spec.ZoneName)
		if err != nil {
			continue
		}

		decl.Records = append(decl.Records, set)
	}

	return decl
}

// retractRemoved deletes the zone from Instances that are no longer
// selected and returns the ones where that failed.
func (r *ZoneReconciler) retractRemoved(
	ctx context.Context,
	zone *v1alpha1.Zone,
	previous map[string]v1alpha1.TargetRef,
	selected map[string]*v1alpha1.Instance,
) []v1alpha1.TargetRef {
	var removed []v1alpha1.TargetRef

	for key, ref := range previous {
		if _, ok := selected[key]; !ok {
			removed = append(removed, ref)
		}
	}

	slices.SortFunc(removed, func(a, b v1alpha1.TargetRef) int { return int(a.Ordinal - b.Ordinal) })

	return r.retract(ctx, zone, removed)
}

// retract removes the zone from the Instances behind refs and returns the
// refs that still carry it. Instances that are gone or going away are
// skipped; their servers go with them.
func (r *ZoneReconciler) retract(ctx context.Context, zone *v1alpha1.Zone, refs []v1alpha1.TargetRef) []v1alpha1.TargetRef {
	logger := log.FromContext(ctx)

	var failed []v1alpha1.TargetRef

	for _, ref := range refs {
		key := types.NamespacedName{Namespace: ref.Namespace, Name: ref.Name}

		instance, err := fetch(ctx, r.Client, r.Store, v1alpha1.KindInstance, key, &v1alpha1.Instance{})
		if apierrors.IsNotFound(err) || (err == nil && deleting(instance)) {
			continue
		}

		if err == nil {
			var target bind9.Target

			target, err = r.Resolver.ResolveTarget(ctx, instance)
			if err == nil {
				err = r.Adapter.RetractZone(ctx, target, zone.Spec.ZoneName)
			}
		}

		if err != nil {
			logger.Info("failed to remove zone from instance", "instance", ref.Key(), "error", err.Error())
			failed = append(failed, ref)

			continue
		}

		logger.Info("removed zone from instance", "instance", ref.Key())
	}

	return failed
}

// handleDeletion removes the zone from every recorded target before
// releasing it.
func (r *ZoneReconciler) handleDeletion(ctx context.Context, zone *v1alpha1.Zone) (ctrl.Result, error) {
	if !controllerutil.ContainsFinalizer(zone, v1alpha1.Finalizer) {
		return ctrl.Result{}, nil
	}

	remaining := r.retract(ctx, zone, zone.Status.Targets)
	if len(remaining) > 0 {
		return ctrl.Result{}, errors.Newf("zone %s still configured on %d instances", zone.Spec.ZoneName, len(remaining))
	}

	controllerutil.RemoveFinalizer(zone, v1alpha1.Finalizer)

	err := r.Update(ctx, zone)
	if err != nil && !apierrors.IsNotFound(err) {
		return ctrl.Result{}, errors.Wrap(err, "failed to remove finalizer")
	}

	return ctrl.Result{}, nil
}

func (r *ZoneReconciler) metrics() metrics.Collector {
	if r.Metrics == nil {
		return metrics.NewNoopCollector()
	}

	return r.Metrics
}

func (r *ZoneReconciler) clock() clock.PassiveClock {
	if r.Clock == nil {
		return clock.RealClock{}
	}

	return r.Clock
}

// SetupWithManager sets up the controller with the Manager.
func (r *ZoneReconciler) SetupWithManager(
	mgr ctrl.Manager,
	router *eventrouter.Router,
	mapper *Mapper,
) error {
	//nolint:wrapcheck // controller-runtime builder pattern
	return ctrl.NewControllerManagedBy(mgr).
		For(&v1alpha1.Zone{}, builder.WithPredicates(specChanged)).
		WatchesRawSource(source.Channel(router.Channel(v1alpha1.KindZone), &handler.EnqueueRequestForObject{})).
		Watches(&corev1.Secret{}, handler.EnqueueRequestsFromMapFunc(mapper.SecretToZones)).
		WithOptions(r.Options.ControllerOptions()).
		Complete(workqueue.Wrap(v1alpha1.KindZone, r.Options, r.Metrics, r))
}
