package controller

import (
	"context"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/cockroachdb/errors"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/equality"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
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
	"github.com/lexfrei/bind9-fleet-operator/internal/cache"
	"github.com/lexfrei/bind9-fleet-operator/internal/config"
	"github.com/lexfrei/bind9-fleet-operator/internal/credential"
	"github.com/lexfrei/bind9-fleet-operator/internal/eventrouter"
	"github.com/lexfrei/bind9-fleet-operator/internal/metrics"
	"github.com/lexfrei/bind9-fleet-operator/internal/status"
	"github.com/lexfrei/bind9-fleet-operator/internal/workqueue"
)

// MinimumBind9Version is the oldest server release the operator manages.
const MinimumBind9Version = "9.16"

// errUnsupportedVersion marks Instances asking for a release the operator cannot manage.
var errUnsupportedVersion = errors.New("unsupported BIND9 version")

//nolint:gochecknoglobals // parsed once
var versionConstraint = semver.MustParse(MinimumBind9Version)

// InstanceReconciler runs one BIND9 server: its credential, configuration,
// Service and StatefulSet. Readiness is aggregated from the pods.
type InstanceReconciler struct {
	client.Client

	Scheme   *runtime.Scheme
	Store    *cache.Store
	Resolver *config.Resolver
	Clock    clock.PassiveClock

	// SidecarImage runs the HTTP API next to named. Defaults to DefaultSidecarImage.
	SidecarImage string

	// DefaultRotateAfter applies to generated keys whose Instance does not set
	// spec.rotation. Zero means generated keys never rotate.
	DefaultRotateAfter time.Duration

	Metrics metrics.Collector
	Options workqueue.Options
}

func (r *InstanceReconciler) Reconcile(ctx context.Context, req ctrl.Request) (ctrl.Result, error) {
	logger := log.FromContext(ctx).WithValues("instance", req.NamespacedName)

	instance, err := fetch(ctx, r.Client, r.Store, v1alpha1.KindInstance, req.NamespacedName, &v1alpha1.Instance{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return ctrl.Result{}, nil
		}

		return ctrl.Result{}, errors.Wrap(err, "failed to get instance")
	}

	if deleting(instance) {
		return ctrl.Result{}, r.handleDeletion(ctx, instance)
	}

	if !controllerutil.ContainsFinalizer(instance, v1alpha1.Finalizer) {
		controllerutil.AddFinalizer(instance, v1alpha1.Finalizer)

		err = r.Update(ctx, instance)
		if err != nil {
			return ctrl.Result{}, errors.Wrap(err, "failed to add finalizer")
		}
	}

	before := instance.Status.DeepCopy()

	err = r.reconcile(ctx, instance)
	if err != nil {
		if reason, blocking := blockingReason(err); blocking {
			status.SetReady(&instance.Status.Conditions, metav1.ConditionFalse,
				reason, errorMessage(err), instance.Generation)
		}
	}

	instance.Status.ObservedGeneration = instance.Generation

	writeErr := writeStatus(ctx, r.Client, instance, equality.Semantic.DeepEqual(before, &instance.Status))
	if writeErr != nil {
		return ctrl.Result{}, writeErr
	}

	if err != nil {
		logger.Info("instance not converged", "error", err.Error())
	}

	return workqueue.Outcome(err, r.Options.WithDefaults().Resync)
}

// blockingReason returns the Ready reason for failures that leave nothing to
// aggregate.
func blockingReason(err error) (string, bool) {
	switch {
	case errors.Is(err, errUnsupportedVersion):
		return status.ReasonUnsupportedVersion, true
	case errors.Is(err, config.ErrCredentialMissing):
		return status.ReasonCredentialMissing, true
	case workqueue.IsTerminal(err):
		return status.ReasonConfigurationInvalid, true
	default:
		return "", false
	}
}

func (r *InstanceReconciler) reconcile(ctx context.Context, instance *v1alpha1.Instance) error {
	err := validateVersion(instance.Spec.GetVersion())
	if err != nil {
		return err
	}

	keySecret, material, err := r.ensureCredential(ctx, instance)
	if err != nil {
		return err
	}

	files, err := RenderConfig(instance, material.KeyName)
	if err != nil {
		return workqueue.Terminal(err)
	}

	configMap := &corev1.ConfigMap{ObjectMeta: metav1.ObjectMeta{Name: instance.Name, Namespace: instance.Namespace}}

	_, err = controllerutil.CreateOrUpdate(ctx, r.Client, configMap, func() error {
		mutateConfigMap(configMap, instance, files)

		return controllerutil.SetControllerReference(instance, configMap, r.Scheme)
	})
	if err != nil {
		return errors.Wrap(err, "failed to apply configmap")
	}

	svc := &corev1.Service{ObjectMeta: metav1.ObjectMeta{Name: instance.Name, Namespace: instance.Namespace}}

	_, err = controllerutil.CreateOrUpdate(ctx, r.Client, svc, func() error {
		mutateService(svc, instance)

		return controllerutil.SetControllerReference(instance, svc, r.Scheme)
	})
	if err != nil {
		return errors.Wrap(err, "failed to apply service")
	}

	sts := &appsv1.StatefulSet{ObjectMeta: metav1.ObjectMeta{Name: instance.Name, Namespace: instance.Namespace}}

	op, err := controllerutil.CreateOrUpdate(ctx, r.Client, sts, func() error {
		mutateStatefulSet(sts, instance, workloadParams{
			SidecarImage: r.sidecarImage(),
			ConfigMap:    configMap.Name,
			KeySecret:    keySecret,
			ConfigHash:   configHash(files),
		})

		return controllerutil.SetControllerReference(instance, sts, r.Scheme)
	})
	if err != nil {
		return errors.Wrap(err, "failed to apply statefulset")
	}

	if op != controllerutil.OperationResultNone {
		log.FromContext(ctx).Info("applied statefulset", "operation", op)
	}

	instance.Status.Endpoint = r.Resolver.Endpoint(instance)
	instance.Status.CredentialSecret = keySecret

	return r.aggregatePods(ctx, instance)
}

func validateVersion(raw string) error {
	version, err := semver.NewVersion(raw)
	if err != nil {
		return workqueue.Terminal(errors.Mark(errors.Wrapf(err, "version %q", raw), errUnsupportedVersion))
	}

	if version.LessThan(versionConstraint) {
		return workqueue.Terminal(errors.Wrapf(errUnsupportedVersion,
			"version %s is older than %s", raw, MinimumBind9Version))
	}

	return nil
}

// ensureCredential returns the name of the Secret holding the Instance key
// and its material, generating a key when none is referenced.
func (r *InstanceReconciler) ensureCredential(
	ctx context.Context,
	instance *v1alpha1.Instance,
) (string, credential.Material, error) {
	ref := config.CredentialSecretRef(instance)

	if instance.Spec.RNDCSecretRef != nil {
		if ref.Namespace != instance.Namespace {
			return "", credential.Material{}, workqueue.Terminal(errors.Newf(
				"rndcSecretRef must be in namespace %s to be mounted", instance.Namespace))
		}

		material, err := r.Resolver.ResolveCredential(ctx, ref)
		if err != nil {
			return "", credential.Material{}, workqueue.Terminal(err)
		}

		return ref.Name, material, nil
	}

	rotateAfter := r.DefaultRotateAfter
	if interval, ok := instance.Spec.Rotation.Interval(); ok {
		rotateAfter = interval
	}

	secret := &corev1.Secret{}

	err := r.Get(ctx, ref, secret)
	if apierrors.IsNotFound(err) {
		return r.createCredential(ctx, instance, ref, rotateAfter)
	}

	if err != nil {
		return "", credential.Material{}, errors.Wrap(err, "failed to get credential secret")
	}

	material, err := credential.FromSecret(secret)
	if err != nil {
		return "", credential.Material{}, workqueue.Terminal(errors.Wrapf(err, "invalid credential secret %s", ref))
	}

	if material.Managed() && material.RotateAfter != rotateAfter {
		material.RotateAfter = rotateAfter
		credential.ApplyToSecret(material, secret)

		err = r.Update(ctx, secret)
		if err != nil {
			return "", credential.Material{}, errors.Wrap(err, "failed to update credential rotation")
		}
	}

	return ref.Name, material, nil
}

func (r *InstanceReconciler) createCredential(
	ctx context.Context,
	instance *v1alpha1.Instance,
	ref types.NamespacedName,
	rotateAfter time.Duration,
) (string, credential.Material, error) {
	material, err := credential.Generate(instance.Name, "")
	if err != nil {
		return "", credential.Material{}, err
	}

	created := r.clock().Now().UTC().Truncate(time.Second)
	material.CreatedAt = &created
	material.RotateAfter = rotateAfter

	secret := credential.NewSecret(ref.Namespace, ref.Name, material)
	secret.Labels = mergeLabels(secret.Labels, ownedLabels(instance))

	err = controllerutil.SetControllerReference(instance, secret, r.Scheme)
	if err != nil {
		return "", credential.Material{}, errors.Wrap(err, "failed to set owner reference")
	}

	err = r.Create(ctx, secret)
	if err != nil {
		return "", credential.Material{}, errors.Wrap(err, "failed to create credential secret")
	}

	log.FromContext(ctx).Info("generated credential", "secret", ref.Name, "rotateAfter", rotateAfter)

	return ref.Name, material, nil
}

// aggregatePods reflects the readiness of each pod as a Pod-<n> condition,
// with n taken from the pod's StatefulSet ordinal.
func (r *InstanceReconciler) aggregatePods(ctx context.Context, instance *v1alpha1.Instance) error {
	pods := &corev1.PodList{}

	err := r.List(ctx, pods, client.InNamespace(instance.Namespace), client.MatchingLabels(podLabels(instance)))
	if err != nil {
		return errors.Wrap(err, "failed to list pods")
	}

	children := make([]status.Child, 0, len(pods.Items))

	var ready int32

	for i := range pods.Items {
		pod := &pods.Items[i]
		if deleting(pod) {
			continue
		}

		ordinal := instanceIndex(pod.Name)
		if ordinal < 0 {
			continue
		}

		child := podChild(int32(ordinal), pod) //nolint:gosec // pod ordinals are small
		if child.Ready {
			ready++
		}

		children = append(children, child)
	}

	instance.Status.ReadyReplicas = ready
	status.Apply(&instance.Status.Conditions, "Pod", "pods", children, instance.Generation)

	return nil
}

func podChild(ordinal int32, pod *corev1.Pod) status.Child {
	child := status.Child{Ordinal: ordinal}

	for _, cond := range pod.Status.Conditions {
		if cond.Type == corev1.PodReady && cond.Status == corev1.ConditionTrue {
			child.Ready = true
			child.Reason = status.ReasonMinimumReplicasAvailable

			return child
		}
	}

	for _, cs := range pod.Status.ContainerStatuses {
		if cs.State.Waiting != nil && cs.State.Waiting.Reason == "CrashLoopBackOff" {
			child.Reason = status.ReasonPodsCrashing
			child.Message = cs.Name + ": " + cs.State.Waiting.Message

			return child
		}
	}

	if pod.Status.Phase == corev1.PodPending {
		child.Reason = status.ReasonPodsPending
		child.Message = pod.Status.Message

		return child
	}

	child.Reason = status.ReasonNotReady

	return child
}

// handleDeletion removes the workload and the generated credential before
// releasing the Instance.
func (r *InstanceReconciler) handleDeletion(ctx context.Context, instance *v1alpha1.Instance) error {
	if !controllerutil.ContainsFinalizer(instance, v1alpha1.Finalizer) {
		return nil
	}

	meta := metav1.ObjectMeta{Name: instance.Name, Namespace: instance.Namespace}
	owned := []client.Object{
		&appsv1.StatefulSet{ObjectMeta: meta},
		&corev1.Service{ObjectMeta: meta},
		&corev1.ConfigMap{ObjectMeta: meta},
	}

	if instance.Spec.RNDCSecretRef == nil {
		owned = append(owned, &corev1.Secret{ObjectMeta: metav1.ObjectMeta{
			Name:      credential.SecretName(instance.Name),
			Namespace: instance.Namespace,
		}})
	}

	for _, obj := range owned {
		err := r.Delete(ctx, obj)
		if err != nil && !apierrors.IsNotFound(err) {
			return errors.Wrapf(err, "failed to delete %T %s", obj, obj.GetName())
		}
	}

	controllerutil.RemoveFinalizer(instance, v1alpha1.Finalizer)

	err := r.Update(ctx, instance)
	if err != nil && !apierrors.IsNotFound(err) {
		return errors.Wrap(err, "failed to remove finalizer")
	}

	log.FromContext(ctx).Info("released instance")

	return nil
}

func (r *InstanceReconciler) sidecarImage() string {
	if r.SidecarImage == "" {
		return DefaultSidecarImage
	}

	return r.SidecarImage
}

func (r *InstanceReconciler) clock() clock.PassiveClock {
	if r.Clock == nil {
		return clock.RealClock{}
	}

	return r.Clock
}

// SetupWithManager sets up the controller with the Manager.
func (r *InstanceReconciler) SetupWithManager(
	mgr ctrl.Manager,
	router *eventrouter.Router,
	mapper *Mapper,
) error {
	//nolint:wrapcheck // controller-runtime builder pattern
	return ctrl.NewControllerManagedBy(mgr).
		For(&v1alpha1.Instance{}, builder.WithPredicates(specChanged)).
		Owns(&appsv1.StatefulSet{}).
		Owns(&corev1.Service{}).
		Owns(&corev1.ConfigMap{}).
		WatchesRawSource(source.Channel(router.Channel(v1alpha1.KindInstance), &handler.EnqueueRequestForObject{})).
		Watches(&corev1.Pod{}, handler.EnqueueRequestsFromMapFunc(mapper.PodToInstance)).
		Watches(&corev1.Secret{}, handler.EnqueueRequestsFromMapFunc(mapper.SecretToInstances)).
		WithOptions(r.Options.ControllerOptions()).
		Complete(workqueue.Wrap(v1alpha1.KindInstance, r.Options, r.Metrics, r))
}
