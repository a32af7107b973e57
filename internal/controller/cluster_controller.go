package controller

import (
	"cmp"
	"context"
	"maps"
	"slices"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"k8s.io/apimachinery/pkg/api/equality"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/builder"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/controller/controllerutil"
	"sigs.k8s.io/controller-runtime/pkg/handler"
	"sigs.k8s.io/controller-runtime/pkg/log"
	"sigs.k8s.io/controller-runtime/pkg/source"

	"github.com/lexfrei/bind9-fleet-operator/api/v1alpha1"
	"github.com/lexfrei/bind9-fleet-operator/internal/cache"
	"github.com/lexfrei/bind9-fleet-operator/internal/eventrouter"
	"github.com/lexfrei/bind9-fleet-operator/internal/metrics"
	"github.com/lexfrei/bind9-fleet-operator/internal/status"
	"github.com/lexfrei/bind9-fleet-operator/internal/workqueue"
)

// ClusterReconciler keeps the primary and secondary Instances of a Cluster
// in line with its replica counts and template.
type ClusterReconciler struct {
	client.Client

	Scheme  *runtime.Scheme
	Store   *cache.Store
	Metrics metrics.Collector
	Options workqueue.Options
}

// InstanceName returns the name of the index-th Instance of role in cluster.
func InstanceName(cluster string, role v1alpha1.Role, index int32) string {
	return cluster + "-" + string(role) + "-" + strconv.FormatInt(int64(index), 10)
}

// instanceIndex parses the index suffix of an Instance name.
func instanceIndex(name string) int {
	idx := strings.LastIndex(name, "-")
	if idx < 0 {
		return -1
	}

	value, err := strconv.Atoi(name[idx+1:])
	if err != nil {
		return -1
	}

	return value
}

func (r *ClusterReconciler) Reconcile(ctx context.Context, req ctrl.Request) (ctrl.Result, error) {
	logger := log.FromContext(ctx).WithValues("cluster", req.NamespacedName)

	if !r.Store.Synced() {
		return ctrl.Result{RequeueAfter: storeSyncDelay}, nil
	}

	cluster, err := fetch(ctx, r.Client, r.Store, v1alpha1.KindCluster, req.NamespacedName, &v1alpha1.Cluster{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return ctrl.Result{}, nil
		}

		return ctrl.Result{}, errors.Wrap(err, "failed to get cluster")
	}

	if deleting(cluster) {
		return r.handleDeletion(ctx, cluster)
	}

	if !controllerutil.ContainsFinalizer(cluster, v1alpha1.Finalizer) {
		controllerutil.AddFinalizer(cluster, v1alpha1.Finalizer)

		err = r.Update(ctx, cluster)
		if err != nil {
			return ctrl.Result{}, errors.Wrap(err, "failed to add finalizer")
		}
	}

	before := cluster.Status.DeepCopy()

	err = r.reconcile(ctx, cluster)
	cluster.Status.ObservedGeneration = cluster.Generation

	writeErr := writeStatus(ctx, r.Client, cluster, equality.Semantic.DeepEqual(before, &cluster.Status))
	if writeErr != nil {
		return ctrl.Result{}, writeErr
	}

	if err != nil {
		logger.Info("cluster not converged", "error", err.Error())
	}

	return workqueue.Outcome(err, r.Options.WithDefaults().Resync)
}

func (r *ClusterReconciler) reconcile(ctx context.Context, cluster *v1alpha1.Cluster) error {
	desired := r.desiredInstances(cluster)

	owned := r.ownedInstances(cluster)
	next := cluster.Status.NextOrdinal

	var errs []error

	// Highest index first, so that scaling down leaves a contiguous range.
	surplus := slices.DeleteFunc(slices.Clone(owned), func(instance *v1alpha1.Instance) bool {
		_, keep := desired[instance.Name]

		return keep
	})
	slices.SortFunc(surplus, func(a, b *v1alpha1.Instance) int {
		return cmp.Compare(instanceIndex(b.Name), instanceIndex(a.Name))
	})

	for _, instance := range surplus {
		err := r.Delete(ctx, instance)
		if err != nil && !apierrors.IsNotFound(err) {
			errs = append(errs, errors.Wrapf(err, "failed to delete instance %s", instance.Name))

			continue
		}

		log.FromContext(ctx).Info("scaled down instance", "instance", instance.Name)
	}

	current := make(map[string]*v1alpha1.Instance, len(desired))
	for _, instance := range owned {
		if _, keep := desired[instance.Name]; keep {
			current[instance.Name] = instance
		}
	}

	for _, name := range slices.Sorted(maps.Keys(desired)) {
		instance, err := r.ensureInstance(ctx, cluster, desired[name], current[name], &next)
		if err != nil {
			errs = append(errs, err)
		}

		if instance != nil {
			current[name] = instance
		}
	}

	children := make([]status.Child, 0, len(current))
	names := make([]string, 0, len(current))

	var ready int32

	for _, name := range slices.Sorted(maps.Keys(current)) {
		instance := current[name]

		ordinal, err := persistOrdinal(ctx, r.Client, instance, &next)
		if err != nil {
			errs = append(errs, err)
		}

		child := status.ChildFromConditions(ordinal, instance.Status.Conditions)
		if child.Ready {
			ready++
		}

		children = append(children, child)
		names = append(names, name)
	}

	cluster.Status.Instances = names
	cluster.Status.InstanceCount = int32(len(names)) //nolint:gosec // bounded by replica counts
	cluster.Status.ReadyInstances = ready
	cluster.Status.NextOrdinal = next
	status.Apply(&cluster.Status.Conditions, v1alpha1.KindInstance, "instances", children, cluster.Generation)

	return combine(errs)
}

// desiredInstances returns the Instances the Cluster should own, by name.
func (r *ClusterReconciler) desiredInstances(cluster *v1alpha1.Cluster) map[string]*v1alpha1.Instance {
	out := make(map[string]*v1alpha1.Instance)

	add := func(role v1alpha1.Role, replicas int32) {
		for i := range replicas {
			name := InstanceName(cluster.Name, role, i)
			out[name] = &v1alpha1.Instance{
				ObjectMeta: metav1.ObjectMeta{
					Name:      name,
					Namespace: cluster.Namespace,
					Labels:    instanceLabels(cluster, role),
				},
				Spec: v1alpha1.InstanceSpec{
					Role:              role,
					Version:           cluster.Spec.GetVersion(),
					Image:             cluster.Spec.Image,
					Options:           *cluster.Spec.Options.DeepCopy(),
					RNDCSecretRef:     cluster.Spec.RNDCSecretRef.DeepCopy(),
					Rotation:          *cluster.Spec.Rotation.DeepCopy(),
					APITokenSecretRef: cluster.Spec.APITokenSecretRef.DeepCopy(),
				},
			}
		}
	}

	add(v1alpha1.RolePrimary, cluster.Spec.GetPrimaryReplicas())
	add(v1alpha1.RoleSecondary, cluster.Spec.GetSecondaryReplicas())

	return out
}

// instanceLabels propagates the Cluster's labels so that Zones can select
// Instances by the labels of their Cluster.
func instanceLabels(cluster *v1alpha1.Cluster, role v1alpha1.Role) map[string]string {
	lbls := maps.Clone(cluster.Labels)
	if lbls == nil {
		lbls = make(map[string]string, 4)
	}

	lbls[v1alpha1.LabelManagedBy] = v1alpha1.ManagedByValue
	lbls[v1alpha1.LabelPartOf] = v1alpha1.PartOfValue
	lbls[v1alpha1.LabelCluster] = cluster.Name
	lbls[v1alpha1.LabelRole] = string(role)

	return lbls
}

func (r *ClusterReconciler) ownedInstances(cluster *v1alpha1.Cluster) []*v1alpha1.Instance {
	return cachedList(r.Store, v1alpha1.KindInstance, cluster.Namespace, func(instance *v1alpha1.Instance) bool {
		return instance.Labels[v1alpha1.LabelCluster] == cluster.Name && isControlledBy(instance, cluster)
	})
}

// ensureInstance creates a missing Instance or propagates template drift to
// an existing one.
func (r *ClusterReconciler) ensureInstance(
	ctx context.Context,
	cluster *v1alpha1.Cluster,
	desired, existing *v1alpha1.Instance,
	next *int32,
) (*v1alpha1.Instance, error) {
	if existing != nil {
		labelsMatch := true

		for key, value := range desired.Labels {
			if existing.Labels[key] != value {
				labelsMatch = false
			}
		}

		if labelsMatch && equality.Semantic.DeepEqual(existing.Spec, desired.Spec) {
			return existing, nil
		}

		if existing.Labels == nil {
			existing.Labels = make(map[string]string, len(desired.Labels))
		}

		maps.Copy(existing.Labels, desired.Labels)
		existing.Spec = desired.Spec

		err := r.Update(ctx, existing)
		if err != nil {
			return existing, errors.Wrapf(err, "failed to update instance %s", existing.Name)
		}

		log.FromContext(ctx).Info("propagated cluster template", "instance", existing.Name)

		return existing, nil
	}

	reserved := *next
	status.AssignOrdinal(desired, next)

	err := controllerutil.SetControllerReference(cluster, desired, r.Scheme)
	if err != nil {
		return nil, errors.Wrap(err, "failed to set owner reference")
	}

	err = r.Create(ctx, desired)
	if apierrors.IsAlreadyExists(err) {
		*next = reserved

		return adoptExisting(ctx, r.Client, cluster, desired)
	}

	if err != nil {
		return nil, errors.Wrapf(err, "failed to create instance %s", desired.Name)
	}

	log.FromContext(ctx).Info("created instance", "instance", desired.Name, "role", desired.Spec.Role)

	return desired, nil
}

// handleDeletion removes owned Instances, highest index first, before
// releasing the Cluster. Each Instance runs its own cleanup.
func (r *ClusterReconciler) handleDeletion(ctx context.Context, cluster *v1alpha1.Cluster) (ctrl.Result, error) {
	if !controllerutil.ContainsFinalizer(cluster, v1alpha1.Finalizer) {
		return ctrl.Result{}, nil
	}

	owned := r.ownedInstances(cluster)
	if len(owned) > 0 {
		slices.SortFunc(owned, func(a, b *v1alpha1.Instance) int {
			return cmp.Compare(instanceIndex(b.Name), instanceIndex(a.Name))
		})

		for _, instance := range owned {
			if deleting(instance) {
				continue
			}

			err := r.Delete(ctx, instance)
			if err != nil && !apierrors.IsNotFound(err) {
				return ctrl.Result{}, errors.Wrapf(err, "failed to delete instance %s", instance.Name)
			}
		}

		// Instance deletions requeue the Cluster through the event router.
		return ctrl.Result{RequeueAfter: r.Options.WithDefaults().Resync}, nil
	}

	controllerutil.RemoveFinalizer(cluster, v1alpha1.Finalizer)

	err := r.Update(ctx, cluster)
	if err != nil && !apierrors.IsNotFound(err) {
		return ctrl.Result{}, errors.Wrap(err, "failed to remove finalizer")
	}

	return ctrl.Result{}, nil
}

// SetupWithManager sets up the controller with the Manager.
func (r *ClusterReconciler) SetupWithManager(mgr ctrl.Manager, router *eventrouter.Router) error {
	//nolint:wrapcheck // controller-runtime builder pattern
	return ctrl.NewControllerManagedBy(mgr).
		For(&v1alpha1.Cluster{}, builder.WithPredicates(specChanged)).
		WatchesRawSource(source.Channel(router.Channel(v1alpha1.KindCluster), &handler.EnqueueRequestForObject{})).
		WithOptions(r.Options.ControllerOptions()).
		Complete(workqueue.Wrap(v1alpha1.KindCluster, r.Options, r.Metrics, r))
}
