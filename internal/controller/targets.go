package controller

import (
	"context"

	"github.com/cockroachdb/errors"

	"github.com/lexfrei/bind9-fleet-operator/api/v1alpha1"
	"github.com/lexfrei/bind9-fleet-operator/internal/bind9"
	"github.com/lexfrei/bind9-fleet-operator/internal/config"
	"github.com/lexfrei/bind9-fleet-operator/internal/status"
)

// errInstanceNotReady marks targets that are skipped until their Instance
// reports Ready. The Instance status change requeues the dependents.
var errInstanceNotReady = errors.New("instance is not ready")

// targetKey is the identity shared by a bind9.Target and the status entry
// recording it.
func targetKey(instance *v1alpha1.Instance) string {
	return instance.Namespace + "/" + instance.Name
}

// resolveTargets turns ready Instances into adapter targets. Instances that
// are not ready or cannot be resolved are returned as failures keyed by
// targetKey.
func resolveTargets(
	ctx context.Context,
	resolver *config.Resolver,
	instances []*v1alpha1.Instance,
) ([]bind9.Target, map[string]error) {
	targets := make([]bind9.Target, 0, len(instances))
	failures := make(map[string]error)

	for _, instance := range instances {
		key := targetKey(instance)

		if !status.IsReady(instance.Status.Conditions) {
			failures[key] = errInstanceNotReady

			continue
		}

		target, err := resolver.ResolveTarget(ctx, instance)
		if err != nil {
			failures[key] = err

			continue
		}

		targets = append(targets, target)
	}

	return targets, failures
}

// targetChild reports one target's outcome as a child condition. The second
// return value is the error to surface to the work queue, if any.
func targetChild(ordinal int32, err error, readyReason string) (status.Child, error) {
	child := status.Child{Ordinal: ordinal}

	switch {
	case err == nil:
		child.Ready = true
		child.Reason = readyReason

		return child, nil
	case errors.Is(err, errInstanceNotReady):
		child.Reason = status.ReasonProgressing
		child.Message = "Waiting for the instance to become ready"

		return child, nil
	default:
		child.Reason = reasonFor(err)
		child.Message = errorMessage(err)

		return child, classify(err)
	}
}
