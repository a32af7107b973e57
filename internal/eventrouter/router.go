// Package eventrouter turns cache events into reconcile requests for the
// resources that depend on the changed object.
//
// Two relationships propagate changes. Ownership walks ownerReferences in
// the bind9 API group up to the owner. Selection follows label selectors in
// both directions: a change to a selected object requeues every object whose
// selector matched it before or after the change, and a change to a
// selecting object requeues everything its old or new selector matched.
package eventrouter

import (
	"cmp"
	"context"
	"log/slog"
	"maps"
	"slices"
	"sync"

	"github.com/cockroachdb/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/event"

	"github.com/lexfrei/bind9-fleet-operator/api/v1alpha1"
	"github.com/lexfrei/bind9-fleet-operator/internal/cache"
	"github.com/lexfrei/bind9-fleet-operator/internal/metrics"
	"github.com/lexfrei/bind9-fleet-operator/internal/selector"
)

// Reverse indexes registered on the Store. Each maps a label key to the
// objects whose selector requires that key.
const (
	IndexInstancesFrom = "selector.instancesFrom"
	IndexRecordsFrom   = "selector.recordsFrom"
	IndexZonesFrom     = "selector.zonesFrom"
)

// DefaultBuffer is the capacity of each per-kind request channel.
const DefaultBuffer = 1024

// Kinds lists every kind the router serves, in hierarchy order.
//
//nolint:gochecknoglobals // fixed list
var Kinds = []string{
	v1alpha1.KindProvider,
	v1alpha1.KindCluster,
	v1alpha1.KindInstance,
	v1alpha1.KindZone,
	v1alpha1.KindRecord,
}

// Request identifies one object to reconcile.
type Request struct {
	Kind      string
	Namespace string
	Name      string
}

// RegisterIndexes adds the selector reverse indexes to store.
func RegisterIndexes(store *cache.Store) error {
	indexes := []struct {
		kind, name string
		refs       func(client.Object) []v1alpha1.SelectorRef
	}{
		{v1alpha1.KindZone, IndexInstancesFrom, zoneInstancesFrom},
		{v1alpha1.KindZone, IndexRecordsFrom, zoneRecordsFrom},
		{v1alpha1.KindRecord, IndexZonesFrom, recordZonesFrom},
	}

	for _, idx := range indexes {
		refs := idx.refs

		err := store.AddIndex(idx.kind, idx.name, func(obj client.Object) []string {
			return selector.IndexKeys(refs(obj))
		})
		if err != nil {
			return errors.Wrapf(err, "failed to register index %s", idx.name)
		}
	}

	return nil
}

// Router subscribes to the Store and emits requests to per-kind channels.
type Router struct {
	store   *cache.Store
	metrics metrics.Collector
	sinks   map[string]chan event.GenericEvent
}

// New creates a Router. buffer sizes each per-kind channel.
func New(store *cache.Store, collector metrics.Collector, buffer int) *Router {
	if collector == nil {
		collector = metrics.NewNoopCollector()
	}

	if buffer <= 0 {
		buffer = DefaultBuffer
	}

	sinks := make(map[string]chan event.GenericEvent, len(Kinds))
	for _, kind := range Kinds {
		sinks[kind] = make(chan event.GenericEvent, buffer)
	}

	return &Router{store: store, metrics: collector, sinks: sinks}
}

// Channel returns the request stream for kind, for use with source.Channel.
func (r *Router) Channel(kind string) <-chan event.GenericEvent {
	return r.sinks[kind]
}

// Start implements manager.Runnable. It routes events until ctx is done.
func (r *Router) Start(ctx context.Context) error {
	var wg sync.WaitGroup

	for _, kind := range Kinds {
		events, err := r.store.Subscribe(ctx, kind)
		if err != nil {
			return errors.Wrapf(err, "failed to subscribe to %s", kind)
		}

		wg.Go(func() {
			for ev := range events {
				r.Route(ctx, ev)
			}
		})
	}

	slog.Default().Info("event router started")

	<-ctx.Done()
	wg.Wait()

	return nil
}

// Route emits the dependents of ev.
func (r *Router) Route(ctx context.Context, ev cache.Event) {
	counts := make(map[string]int)

	for _, req := range r.Dependents(ev) {
		select {
		case r.sinks[req.Kind] <- event.GenericEvent{Object: r.objectFor(req)}:
			counts[req.Kind]++
		case <-ctx.Done():
			return
		}
	}

	for kind, n := range counts {
		r.metrics.RecordPropagatedRequests(ctx, ev.Kind, kind, n)
	}
}

// Dependents returns the requests a change to ev.Object causes, sorted and
// without duplicates. The object itself is not included; controllers watch
// their own kind directly.
func (r *Router) Dependents(ev cache.Event) []Request {
	set := make(map[Request]struct{})
	add := func(reqs ...Request) {
		for _, req := range reqs {
			set[req] = struct{}{}
		}
	}

	objects := []client.Object{ev.Object}
	if ev.Old != nil {
		objects = append(objects, ev.Old)
	}

	for _, obj := range objects {
		if obj == nil {
			continue
		}

		add(owners(obj)...)

		ns := obj.GetNamespace()
		lbls := obj.GetLabels()

		switch ev.Kind {
		case v1alpha1.KindInstance:
			add(r.selecting(v1alpha1.KindZone, IndexInstancesFrom, ns, lbls, zoneInstancesFrom)...)
		case v1alpha1.KindZone:
			add(r.selecting(v1alpha1.KindRecord, IndexZonesFrom, ns, lbls, recordZonesFrom)...)
			add(r.selected(v1alpha1.KindRecord, ns, zoneRecordsFrom(obj))...)
		case v1alpha1.KindRecord:
			add(r.selecting(v1alpha1.KindZone, IndexRecordsFrom, ns, lbls, zoneRecordsFrom)...)
			add(r.selected(v1alpha1.KindZone, ns, recordZonesFrom(obj))...)
		}
	}

	return slices.SortedFunc(maps.Keys(set), func(a, b Request) int {
		return cmp.Or(
			cmp.Compare(a.Kind, b.Kind),
			cmp.Compare(a.Namespace, b.Namespace),
			cmp.Compare(a.Name, b.Name),
		)
	})
}

// selecting returns the objects of kind whose selector matches lbls.
func (r *Router) selecting(
	kind, index, namespace string,
	lbls map[string]string,
	refsOf func(client.Object) []v1alpha1.SelectorRef,
) []Request {
	var out []Request

	seen := make(map[string]struct{})

	for _, key := range selector.CandidateKeys(lbls) {
		for _, obj := range r.store.ByIndex(kind, namespace, index, key) {
			if _, ok := seen[obj.GetName()]; ok {
				continue
			}

			seen[obj.GetName()] = struct{}{}

			if selector.MatchesAny(refsOf(obj), lbls) {
				out = append(out, Request{Kind: kind, Namespace: namespace, Name: obj.GetName()})
			}
		}
	}

	return out
}

// selected returns the objects of kind that refs match.
func (r *Router) selected(kind, namespace string, refs []v1alpha1.SelectorRef) []Request {
	var out []Request

	for i := range refs {
		if selector.Validate(refs[i:i+1]) != nil {
			continue
		}

		for obj := range r.store.Select(kind, namespace, &refs[i].LabelSelector) {
			out = append(out, Request{Kind: kind, Namespace: namespace, Name: obj.GetName()})
		}
	}

	return out
}

func (r *Router) objectFor(req Request) client.Object {
	if obj, ok := r.store.Get(req.Kind, req.Namespace, req.Name); ok {
		return obj
	}

	obj := newObject(req.Kind)
	obj.SetNamespace(req.Namespace)
	obj.SetName(req.Name)

	return obj
}

// owners returns the bind9 owners of obj.
func owners(obj client.Object) []Request {
	var out []Request

	for _, ref := range obj.GetOwnerReferences() {
		if !ownedByGroup(ref) {
			continue
		}

		ns := obj.GetNamespace()
		if ref.Kind == v1alpha1.KindProvider {
			ns = ""
		}

		out = append(out, Request{Kind: ref.Kind, Namespace: ns, Name: ref.Name})
	}

	return out
}

func ownedByGroup(ref metav1.OwnerReference) bool {
	gv, err := schema.ParseGroupVersion(ref.APIVersion)
	if err != nil || gv.Group != v1alpha1.GroupVersion.Group {
		return false
	}

	return slices.Contains(Kinds, ref.Kind)
}

func newObject(kind string) client.Object {
	switch kind {
	case v1alpha1.KindProvider:
		return &v1alpha1.Provider{}
	case v1alpha1.KindCluster:
		return &v1alpha1.Cluster{}
	case v1alpha1.KindInstance:
		return &v1alpha1.Instance{}
	case v1alpha1.KindZone:
		return &v1alpha1.Zone{}
	default:
		return &v1alpha1.Record{}
	}
}

func zoneInstancesFrom(obj client.Object) []v1alpha1.SelectorRef {
	if zone, ok := obj.(*v1alpha1.Zone); ok {
		return zone.Spec.InstancesFrom
	}

	return nil
}

func zoneRecordsFrom(obj client.Object) []v1alpha1.SelectorRef {
	if zone, ok := obj.(*v1alpha1.Zone); ok {
		return zone.Spec.RecordsFrom
	}

	return nil
}

func recordZonesFrom(obj client.Object) []v1alpha1.SelectorRef {
	if record, ok := obj.(*v1alpha1.Record); ok {
		return record.Spec.ZonesFrom
	}

	return nil
}
