// Package rotation regenerates operator-managed RNDC keys once they reach
// their configured age and rolls the workloads that mount them.
package rotation

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/utils/clock"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/builder"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/controller"
	"sigs.k8s.io/controller-runtime/pkg/log"
	"sigs.k8s.io/controller-runtime/pkg/predicate"

	"github.com/lexfrei/bind9-fleet-operator/api/v1alpha1"
	"github.com/lexfrei/bind9-fleet-operator/internal/credential"
	"github.com/lexfrei/bind9-fleet-operator/internal/metrics"
)

const controllerName = "credential-rotation"

// Reconciler rotates credential Secrets.
type Reconciler struct {
	client.Client

	Clock   clock.PassiveClock
	Metrics metrics.Collector
}

func (r *Reconciler) Reconcile(ctx context.Context, req ctrl.Request) (ctrl.Result, error) {
	logger := log.FromContext(ctx).WithValues("secret", req.NamespacedName)

	var secret corev1.Secret

	err := r.Get(ctx, req.NamespacedName, &secret)
	if err != nil {
		if apierrors.IsNotFound(err) {
			return ctrl.Result{}, nil
		}

		return ctrl.Result{}, errors.Wrap(err, "failed to get credential secret")
	}

	if !credential.IsCredentialSecret(&secret) {
		return ctrl.Result{}, nil
	}

	material, err := credential.FromSecret(&secret)
	if err != nil {
		// Nothing to retry until the Secret is edited.
		logger.Error(err, "ignoring malformed credential secret")

		return ctrl.Result{}, nil
	}

	if !material.Managed() || material.RotateAfter <= 0 {
		return ctrl.Result{}, nil
	}

	now := r.clock().Now()

	age := now.Sub(*material.CreatedAt)
	if age < material.RotateAfter {
		return ctrl.Result{RequeueAfter: material.RotateAfter - age}, nil
	}

	rotated, err := credential.Rotate(material, now)
	if err != nil {
		r.metrics().RecordCredentialRotation(ctx, "error")

		return ctrl.Result{}, errors.Wrap(err, "failed to generate key material")
	}

	credential.ApplyToSecret(rotated, &secret)

	// Update carries the resourceVersion read above, so a concurrent writer
	// makes this fail with a conflict and the rotation is retried from scratch.
	err = r.Update(ctx, &secret)
	if err != nil {
		r.metrics().RecordCredentialRotation(ctx, "error")

		return ctrl.Result{}, errors.Wrap(err, "failed to store rotated key")
	}

	r.metrics().RecordCredentialRotation(ctx, "success")
	logger.Info("rotated credential", "rotationCount", rotated.RotationCount, "age", age.Round(time.Second))

	err = r.restartConsumers(ctx, &secret, now)
	if err != nil {
		return ctrl.Result{}, err
	}

	return ctrl.Result{RequeueAfter: rotated.RotateAfter}, nil
}

// restartConsumers stamps the rotation time on every StatefulSet in the
// namespace that mounts secret, which rolls their pods.
func (r *Reconciler) restartConsumers(ctx context.Context, secret *corev1.Secret, now time.Time) error {
	var sets appsv1.StatefulSetList

	err := r.List(ctx, &sets, client.InNamespace(secret.Namespace))
	if err != nil {
		return errors.Wrap(err, "failed to list statefulsets")
	}

	stamp := now.UTC().Format(time.RFC3339)

	for i := range sets.Items {
		sts := &sets.Items[i]
		if !MountsSecret(&sts.Spec.Template.Spec, secret.Name) {
			continue
		}

		patch := client.MergeFrom(sts.DeepCopy())

		if sts.Spec.Template.Annotations == nil {
			sts.Spec.Template.Annotations = map[string]string{}
		}

		sts.Spec.Template.Annotations[v1alpha1.AnnotationCredentialRotatedAt] = stamp

		err = r.Patch(ctx, sts, patch)
		if err != nil {
			return errors.Wrapf(err, "failed to restart statefulset %s", sts.Name)
		}

		log.FromContext(ctx).Info("restarting workload after key rotation", "statefulset", sts.Name)
	}

	return nil
}

// MountsSecret reports whether a pod spec mounts the named Secret directly
// or through a projected volume.
func MountsSecret(spec *corev1.PodSpec, name string) bool {
	for _, volume := range spec.Volumes {
		if volume.Secret != nil && volume.Secret.SecretName == name {
			return true
		}

		if volume.Projected == nil {
			continue
		}

		for _, source := range volume.Projected.Sources {
			if source.Secret != nil && source.Secret.Name == name {
				return true
			}
		}
	}

	return false
}

func (r *Reconciler) clock() clock.PassiveClock {
	if r.Clock == nil {
		return clock.RealClock{}
	}

	return r.Clock
}

func (r *Reconciler) metrics() metrics.Collector {
	if r.Metrics == nil {
		return metrics.NewNoopCollector()
	}

	return r.Metrics
}

// SetupWithManager sets up the controller with the Manager. Only Secrets
// labelled as credentials are watched.
func (r *Reconciler) SetupWithManager(mgr ctrl.Manager, opts controller.Options) error {
	isCredential := predicate.NewPredicateFuncs(func(obj client.Object) bool {
		return obj.GetLabels()[v1alpha1.LabelCredential] == v1alpha1.CredentialTypeRNDC
	})

	//nolint:wrapcheck // controller-runtime builder pattern
	return ctrl.NewControllerManagedBy(mgr).
		Named(controllerName).
		For(&corev1.Secret{}, builder.WithPredicates(isCredential)).
		WithOptions(opts).
		Complete(r)
}
