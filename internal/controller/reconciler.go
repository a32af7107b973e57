package controller

import (
	"context"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/log"
	"sigs.k8s.io/controller-runtime/pkg/predicate"

	"github.com/lexfrei/bind9-fleet-operator/api/v1alpha1"
	"github.com/lexfrei/bind9-fleet-operator/internal/bind9"
	"github.com/lexfrei/bind9-fleet-operator/internal/cache"
	"github.com/lexfrei/bind9-fleet-operator/internal/config"
	"github.com/lexfrei/bind9-fleet-operator/internal/selector"
	"github.com/lexfrei/bind9-fleet-operator/internal/status"
	"github.com/lexfrei/bind9-fleet-operator/internal/workqueue"
)

// storeSyncDelay is how long reconcilers that read selections from the
// resource cache wait for its first fill.
const storeSyncDelay = time.Second

// specChanged filters out writes to the status subresource of a controller's
// own kind. Dependents learn about status changes through the event router.
//
//nolint:gochecknoglobals // shared predicate
var specChanged = predicate.Or(
	predicate.GenerationChangedPredicate{},
	predicate.LabelChangedPredicate{},
	predicate.AnnotationChangedPredicate{},
)

// fetch reads an object from the resource cache, falling back to the
// client when the cache has not seen it yet. The returned object is a copy
// the caller may mutate.
func fetch[T client.Object](
	ctx context.Context,
	reader client.Reader,
	store *cache.Store,
	kind string,
	key types.NamespacedName,
	obj T,
) (T, error) {
	if store != nil {
		if cached, ok := store.Get(kind, key.Namespace, key.Name); ok {
			if typed, ok := cached.DeepCopyObject().(T); ok {
				return typed, nil
			}
		}
	}

	err := reader.Get(ctx, key, obj)
	if err != nil {
		return obj, err //nolint:wrapcheck // callers test for NotFound
	}

	return obj, nil
}

// cachedList returns copies of the cached objects of kind in namespace that
// keep returns true for.
func cachedList[T client.Object](store *cache.Store, kind, namespace string, keep func(T) bool) []T {
	var out []T

	for obj := range store.List(kind, namespace) {
		typed, ok := obj.(T)
		if !ok || (keep != nil && !keep(typed)) {
			continue
		}

		copied, ok := typed.DeepCopyObject().(T)
		if ok {
			out = append(out, copied)
		}
	}

	return out
}

// isControlledBy reports whether owner is the controller of obj.
func isControlledBy(obj, owner client.Object) bool {
	ref := metav1.GetControllerOf(obj)

	return ref != nil && ref.UID == owner.GetUID()
}

// deleting reports whether obj has a deletion timestamp.
func deleting(obj client.Object) bool {
	return !obj.GetDeletionTimestamp().IsZero()
}

// writeStatus persists the status of obj unless it is unchanged. The write
// carries the resourceVersion obj was read with, so a concurrent writer
// turns it into a conflict and the reconcile starts over.
func writeStatus(ctx context.Context, c client.Client, obj client.Object, unchanged bool) error {
	if unchanged {
		return nil
	}

	err := c.Status().Update(ctx, obj)
	if apierrors.IsConflict(err) {
		log.FromContext(ctx).V(1).Info("status write conflicted, retrying")

		return errors.Wrap(err, "status conflict")
	}

	if apierrors.IsNotFound(err) {
		return nil
	}

	if err != nil {
		return errors.Wrap(err, "failed to update status")
	}

	return nil
}

// classify converts an adapter or resolution failure into a work queue
// outcome: transient failures back off, the rest wait for the resync. A
// missing key Secret waits too; the Secret watch requeues on its creation.
func classify(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, config.ErrCredentialMissing) {
		return workqueue.Terminal(err)
	}

	if bind9.Classify(err) != bind9.ClassTransient || errors.Is(err, bind9.ErrInvalidRecord) {
		return workqueue.Terminal(err)
	}

	return err
}

// combine joins per-child failures. The result is transient when any child
// failed transiently.
func combine(errs []error) error {
	errs = slices.DeleteFunc(errs, func(err error) bool { return err == nil })
	if len(errs) == 0 {
		return nil
	}

	joined := errors.Join(errs...)

	for _, err := range errs {
		if !workqueue.IsTerminal(err) {
			return joined
		}
	}

	return workqueue.Terminal(joined)
}

// reasonFor maps a failure to a condition reason.
func reasonFor(err error) string {
	switch {
	case err == nil:
		return status.ReasonReady
	case errors.Is(err, config.ErrCredentialMissing):
		return status.ReasonCredentialMissing
	case errors.Is(err, bind9.ErrInvalidRecord):
		return status.ReasonConfigurationInvalid
	default:
		return bind9.Reason(err)
	}
}

// validateSelectors returns a terminal error describing the first invalid
// selector in any of the lists.
func validateSelectors(lists map[string][]v1alpha1.SelectorRef) error {
	for _, field := range slices.Sorted(maps.Keys(lists)) {
		err := selector.Validate(lists[field])
		if err != nil {
			return workqueue.Terminal(errors.Wrapf(err, "spec.%s", field))
		}
	}

	return nil
}

// errorMessage flattens a possibly joined error into a condition message.
func errorMessage(err error) string {
	return status.Truncate(strings.ReplaceAll(err.Error(), "\n", "; "))
}

// adoptExisting resolves a create that lost to an object the cache has not
// seen yet. obj is refreshed from the API; when owner controls it, it is
// returned and converges on the next pass. Anything else is left alone.
func adoptExisting[T client.Object](ctx context.Context, c client.Client, owner client.Object, obj T) (T, error) {
	var zero T

	err := c.Get(ctx, client.ObjectKeyFromObject(obj), obj)
	if err != nil {
		return zero, errors.Wrapf(err, "failed to get existing %s", obj.GetName())
	}

	if !isControlledBy(obj, owner) {
		return zero, workqueue.Terminal(errors.Newf("%s/%s exists and is not controlled by %s",
			obj.GetNamespace(), obj.GetName(), owner.GetName()))
	}

	log.FromContext(ctx).V(1).Info("create raced with the cache, adopting existing object",
		"namespace", obj.GetNamespace(), "name", obj.GetName())

	return obj, nil
}

// persistOrdinal returns the ordinal of an owned child and stamps one on
// children that were adopted without it.
func persistOrdinal(ctx context.Context, c client.Client, child client.Object, next *int32) (int32, error) {
	_, stamped := status.OrdinalOf(child)
	ordinal := status.AssignOrdinal(child, next)

	if stamped {
		return ordinal, nil
	}

	err := c.Update(ctx, child)
	if err != nil {
		return ordinal, errors.Wrapf(err, "failed to record ordinal of %s", child.GetName())
	}

	return ordinal, nil
}
