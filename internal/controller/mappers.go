package controller

import (
	"context"
	"slices"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/reconcile"

	"github.com/lexfrei/bind9-fleet-operator/api/v1alpha1"
	"github.com/lexfrei/bind9-fleet-operator/internal/cache"
	"github.com/lexfrei/bind9-fleet-operator/internal/config"
)

// Mapper maps events on platform objects the event router does not see
// (pods, namespaces, secrets) to the bind9 resources that depend on them.
type Mapper struct {
	Store *cache.Store
}

// PodToInstance maps a server pod to its Instance.
func (m *Mapper) PodToInstance(_ context.Context, obj client.Object) []reconcile.Request {
	lbls := obj.GetLabels()
	if lbls[v1alpha1.LabelName] != v1alpha1.AppNameBind9 || lbls[v1alpha1.LabelInstance] == "" {
		return nil
	}

	return []reconcile.Request{{NamespacedName: types.NamespacedName{
		Namespace: obj.GetNamespace(),
		Name:      lbls[v1alpha1.LabelInstance],
	}}}
}

// NamespaceToProviders requeues every Provider when a namespace appears,
// changes or goes away.
func (m *Mapper) NamespaceToProviders(_ context.Context, obj client.Object) []reconcile.Request {
	if _, ok := obj.(*corev1.Namespace); !ok {
		return nil
	}

	var out []reconcile.Request

	for provider := range m.Store.List(v1alpha1.KindProvider, "") {
		out = append(out, reconcile.Request{NamespacedName: types.NamespacedName{Name: provider.GetName()}})
	}

	return out
}

// SecretToInstances maps a Secret to the Instances using it as their key or
// API token.
func (m *Mapper) SecretToInstances(_ context.Context, obj client.Object) []reconcile.Request {
	return toRequests(m.instancesUsing(obj))
}

// SecretToZones maps a Secret to the Zones targeting an Instance that uses it.
func (m *Mapper) SecretToZones(_ context.Context, obj client.Object) []reconcile.Request {
	return toRequests(m.zonesTargeting(m.instancesUsing(obj)))
}

// SecretToRecords maps a Secret to the Records bound to a Zone whose targets use it.
func (m *Mapper) SecretToRecords(_ context.Context, obj client.Object) []reconcile.Request {
	zones := m.zonesTargeting(m.instancesUsing(obj))
	if len(zones) == 0 {
		return nil
	}

	var out []types.NamespacedName

	for _, namespace := range namespacesOf(zones) {
		for _, record := range cachedList[*v1alpha1.Record](m.Store, v1alpha1.KindRecord, namespace, nil) {
			if slices.ContainsFunc(record.Status.Zones, func(binding v1alpha1.ZoneBinding) bool {
				return slices.Contains(zones, types.NamespacedName{Namespace: namespace, Name: binding.Name})
			}) {
				out = append(out, client.ObjectKeyFromObject(record))
			}
		}
	}

	return toRequests(out)
}

func (m *Mapper) instancesUsing(obj client.Object) []types.NamespacedName {
	if _, ok := obj.(*corev1.Secret); !ok {
		return nil
	}

	key := client.ObjectKeyFromObject(obj)

	var out []types.NamespacedName

	for _, instance := range cachedList[*v1alpha1.Instance](m.Store, v1alpha1.KindInstance, "", nil) {
		if config.CredentialSecretRef(instance) == key || tokenRef(instance) == key {
			out = append(out, client.ObjectKeyFromObject(instance))
		}
	}

	return out
}

func (m *Mapper) zonesTargeting(instances []types.NamespacedName) []types.NamespacedName {
	var out []types.NamespacedName

	for _, namespace := range namespacesOf(instances) {
		for _, zone := range cachedList[*v1alpha1.Zone](m.Store, v1alpha1.KindZone, namespace, nil) {
			if slices.ContainsFunc(zone.Status.Targets, func(target v1alpha1.TargetRef) bool {
				return slices.Contains(instances, types.NamespacedName{Namespace: namespace, Name: target.Name})
			}) {
				out = append(out, client.ObjectKeyFromObject(zone))
			}
		}
	}

	return out
}

func tokenRef(instance *v1alpha1.Instance) types.NamespacedName {
	ref := instance.Spec.APITokenSecretRef
	if ref == nil {
		return types.NamespacedName{}
	}

	return types.NamespacedName{Namespace: ref.GetNamespace(instance.Namespace), Name: ref.Name}
}

func namespacesOf(keys []types.NamespacedName) []string {
	out := make([]string, 0, len(keys))
	for _, key := range keys {
		out = append(out, key.Namespace)
	}

	slices.Sort(out)

	return slices.Compact(out)
}

func toRequests(keys []types.NamespacedName) []reconcile.Request {
	if len(keys) == 0 {
		return nil
	}

	out := make([]reconcile.Request, 0, len(keys))
	for _, key := range keys {
		out = append(out, reconcile.Request{NamespacedName: key})
	}

	return out
}
