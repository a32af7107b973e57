package controller

import (
	"context"
	"maps"
	"slices"

	"github.com/cockroachdb/errors"
	"github.com/gobwas/glob"
	corev1 "k8s.io/api/core/v1"
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

// ProviderReconciler stamps one Cluster, named after the Provider, into every
// namespace matching spec.namespaces.
type ProviderReconciler struct {
	client.Client

	Scheme  *runtime.Scheme
	Store   *cache.Store
	Metrics metrics.Collector
	Options workqueue.Options
}

func (r *ProviderReconciler) Reconcile(ctx context.Context, req ctrl.Request) (ctrl.Result, error) {
	logger := log.FromContext(ctx).WithValues("provider", req.Name)

	if !r.Store.Synced() {
		return ctrl.Result{RequeueAfter: storeSyncDelay}, nil
	}

	provider, err := fetch(ctx, r.Client, r.Store, v1alpha1.KindProvider, req.NamespacedName, &v1alpha1.Provider{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return ctrl.Result{}, nil
		}

		return ctrl.Result{}, errors.Wrap(err, "failed to get provider")
	}

	if deleting(provider) {
		// Owned Clusters are garbage collected.
		return ctrl.Result{}, nil
	}

	before := provider.Status.DeepCopy()

	err = r.reconcile(ctx, provider)
	if err != nil && workqueue.IsTerminal(err) {
		status.SetReady(&provider.Status.Conditions, metav1.ConditionFalse,
			status.ReasonConfigurationInvalid, errorMessage(err), provider.Generation)
	}

	provider.Status.ObservedGeneration = provider.Generation

	writeErr := writeStatus(ctx, r.Client, provider, equality.Semantic.DeepEqual(before, &provider.Status))
	if writeErr != nil {
		return ctrl.Result{}, writeErr
	}

	if err != nil {
		logger.Info("provider not converged", "error", err.Error())
	}

	return workqueue.Outcome(err, r.Options.WithDefaults().Resync)
}

func (r *ProviderReconciler) reconcile(ctx context.Context, provider *v1alpha1.Provider) error {
	patterns, err := compileNamespaces(provider.Spec.Namespaces)
	if err != nil {
		return workqueue.Terminal(err)
	}

	var namespaces corev1.NamespaceList

	err = r.List(ctx, &namespaces)
	if err != nil {
		return errors.Wrap(err, "failed to list namespaces")
	}

	wanted := make(map[string]struct{})

	for i := range namespaces.Items {
		ns := &namespaces.Items[i]
		if ns.Status.Phase == corev1.NamespaceTerminating || !matchesAny(patterns, ns.Name) {
			continue
		}

		wanted[ns.Name] = struct{}{}
	}

	owned := cachedList(r.Store, v1alpha1.KindCluster, "", func(c *v1alpha1.Cluster) bool {
		return c.Name == provider.Name && isControlledBy(c, provider)
	})

	next := provider.Status.NextOrdinal
	clusters := make(map[string]*v1alpha1.Cluster, len(wanted))

	var errs []error

	for _, cluster := range owned {
		if _, keep := wanted[cluster.Namespace]; keep {
			clusters[cluster.Namespace] = cluster

			continue
		}

		err := r.Delete(ctx, cluster)
		if err != nil && !apierrors.IsNotFound(err) {
			errs = append(errs, errors.Wrapf(err, "failed to delete cluster in %s", cluster.Namespace))
			clusters[cluster.Namespace] = cluster

			continue
		}

		log.FromContext(ctx).Info("deleted cluster", "namespace", cluster.Namespace)
	}

	for _, namespace := range slices.Sorted(maps.Keys(wanted)) {
		cluster, err := r.ensureCluster(ctx, provider, namespace, clusters[namespace], &next)
		if err != nil {
			errs = append(errs, err)
		}

		if cluster != nil {
			clusters[namespace] = cluster
		}
	}

	children := make([]status.Child, 0, len(clusters))
	refs := make([]v1alpha1.ResourceRef, 0, len(clusters))

	for _, namespace := range slices.Sorted(maps.Keys(clusters)) {
		cluster := clusters[namespace]

		ordinal, err := persistOrdinal(ctx, r.Client, cluster, &next)
		if err != nil {
			errs = append(errs, err)
		}

		children = append(children, status.ChildFromConditions(ordinal, cluster.Status.Conditions))
		refs = append(refs, v1alpha1.ResourceRef{
			APIVersion: v1alpha1.GroupVersion.String(),
			Kind:       v1alpha1.KindCluster,
			Namespace:  cluster.Namespace,
			Name:       cluster.Name,
		})
	}

	provider.Status.Clusters = refs
	provider.Status.NextOrdinal = next
	status.Apply(&provider.Status.Conditions, v1alpha1.KindCluster, "clusters", children, provider.Generation)

	return combine(errs)
}

// ensureCluster creates the Cluster in namespace or brings its spec back to
// the Provider template.
func (r *ProviderReconciler) ensureCluster(
	ctx context.Context,
	provider *v1alpha1.Provider,
	namespace string,
	existing *v1alpha1.Cluster,
	next *int32,
) (*v1alpha1.Cluster, error) {
	if existing != nil {
		if equality.Semantic.DeepEqual(existing.Spec, provider.Spec.ClusterTemplate) {
			return existing, nil
		}

		existing.Spec = *provider.Spec.ClusterTemplate.DeepCopy()

		err := r.Update(ctx, existing)
		if err != nil {
			return existing, errors.Wrapf(err, "failed to update cluster in %s", namespace)
		}

		return existing, nil
	}

	cluster := &v1alpha1.Cluster{
		ObjectMeta: metav1.ObjectMeta{
			Name:      provider.Name,
			Namespace: namespace,
			Labels: map[string]string{
				v1alpha1.LabelManagedBy: v1alpha1.ManagedByValue,
				v1alpha1.LabelPartOf:    v1alpha1.PartOfValue,
				v1alpha1.LabelProvider:  provider.Name,
			},
		},
		Spec: *provider.Spec.ClusterTemplate.DeepCopy(),
	}

	reserved := *next
	status.AssignOrdinal(cluster, next)

	err := controllerutil.SetControllerReference(provider, cluster, r.Scheme)
	if err != nil {
		return nil, errors.Wrap(err, "failed to set owner reference")
	}

	err = r.Create(ctx, cluster)
	if apierrors.IsAlreadyExists(err) {
		*next = reserved

		return adoptExisting(ctx, r.Client, provider, cluster)
	}

	if err != nil {
		return nil, errors.Wrapf(err, "failed to create cluster in %s", namespace)
	}

	log.FromContext(ctx).Info("created cluster", "namespace", namespace)

	return cluster, nil
}

// SetupWithManager sets up the controller with the Manager.
func (r *ProviderReconciler) SetupWithManager(
	mgr ctrl.Manager,
	router *eventrouter.Router,
	mapper *Mapper,
) error {
	//nolint:wrapcheck // controller-runtime builder pattern
	return ctrl.NewControllerManagedBy(mgr).
		For(&v1alpha1.Provider{}, builder.WithPredicates(specChanged)).
		WatchesRawSource(source.Channel(router.Channel(v1alpha1.KindProvider), &handler.EnqueueRequestForObject{})).
		Watches(&corev1.Namespace{}, handler.EnqueueRequestsFromMapFunc(mapper.NamespaceToProviders)).
		WithOptions(r.Options.ControllerOptions()).
		Complete(workqueue.Wrap(v1alpha1.KindProvider, r.Options, r.Metrics, r))
}

func compileNamespaces(patterns []string) ([]glob.Glob, error) {
	out := make([]glob.Glob, 0, len(patterns))

	for _, pattern := range patterns {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid namespace pattern %q", pattern)
		}

		out = append(out, g)
	}

	return out, nil
}

func matchesAny(patterns []glob.Glob, name string) bool {
	return slices.ContainsFunc(patterns, func(g glob.Glob) bool { return g.Match(name) })
}
