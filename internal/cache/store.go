// Package cache provides an in-memory, eventually consistent mirror of the
// resources the operator watches.
//
// Every kind is held as an immutable snapshot behind an atomic pointer. Writers
// copy the affected namespace, swap the pointer and publish an Event to
// subscribers; readers load the pointer and never take a lock. Objects handed
// out by the Store are shared and must not be mutated.
package cache

import (
	"iter"
	"maps"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	"sigs.k8s.io/controller-runtime/pkg/client"
)

// LabelIndex is the built-in index of "key=value" label pairs.
const LabelIndex = "labels"

// ErrUnknownKind is returned when a kind was not registered with NewStore.
var ErrUnknownKind = errors.New("kind is not registered")

// EventType describes a change to a cached object.
type EventType string

const (
	Added   EventType = "Added"
	Updated EventType = "Updated"
	Deleted EventType = "Deleted"
)

// Event is a change notification delivered to subscribers.
type Event struct {
	Type   EventType
	Kind   string
	Object client.Object

	// Old is the previously cached object for Updated events.
	Old client.Object
}

// IndexFunc returns the index values for an object.
type IndexFunc func(obj client.Object) []string

type valueSet map[string]struct{}

type namespaceSnapshot struct {
	objects map[string]client.Object
	indexes map[string]map[string]valueSet
}

type snapshot struct {
	namespaces map[string]*namespaceSnapshot
}

type kindStore struct {
	snap atomic.Pointer[snapshot]

	writeMu  sync.Mutex
	indexers map[string]IndexFunc

	subsMu sync.Mutex
	subs   map[uint64]*subscription
}

// Store holds one snapshot per registered kind.
type Store struct {
	kinds   map[string]*kindStore
	nextSub atomic.Uint64
	synced  atomic.Bool
}

// MarkSynced records that every kind holds a complete list.
func (s *Store) MarkSynced() {
	s.synced.Store(true)
}

// Synced reports whether the Store has been filled once. Before that an
// absent object says nothing about the cluster.
func (s *Store) Synced() bool {
	return s.synced.Load()
}

// NewStore creates a Store for the given kinds.
func NewStore(kinds ...string) *Store {
	s := &Store{kinds: make(map[string]*kindStore, len(kinds))}

	for _, kind := range kinds {
		ks := &kindStore{
			indexers: map[string]IndexFunc{LabelIndex: labelPairs},
			subs:     make(map[uint64]*subscription),
		}
		ks.snap.Store(&snapshot{namespaces: map[string]*namespaceSnapshot{}})
		s.kinds[kind] = ks
	}

	return s
}

// AddIndex registers a named index for a kind and rebuilds it over the current snapshot.
func (s *Store) AddIndex(kind, name string, fn IndexFunc) error {
	ks, ok := s.kinds[kind]
	if !ok {
		return errors.Wrapf(ErrUnknownKind, "add index %s to %s", name, kind)
	}

	ks.writeMu.Lock()
	defer ks.writeMu.Unlock()

	ks.indexers[name] = fn

	current := ks.snap.Load()
	next := &snapshot{namespaces: make(map[string]*namespaceSnapshot, len(current.namespaces))}

	for ns, nsSnap := range current.namespaces {
		next.namespaces[ns] = buildNamespace(nsSnap.objects, ks.indexers)
	}

	ks.snap.Store(next)

	return nil
}

// Get returns the cached object or false when it is not present.
func (s *Store) Get(kind, namespace, name string) (client.Object, bool) {
	ks, ok := s.kinds[kind]
	if !ok {
		return nil, false
	}

	nsSnap, ok := ks.snap.Load().namespaces[namespace]
	if !ok {
		return nil, false
	}

	obj, ok := nsSnap.objects[name]

	return obj, ok
}

// List returns the objects of a kind in a namespace, or in every namespace when
// namespace is empty. Each iteration reads the snapshot current at that time.
func (s *Store) List(kind, namespace string) iter.Seq[client.Object] {
	return func(yield func(client.Object) bool) {
		ks, ok := s.kinds[kind]
		if !ok {
			return
		}

		snap := ks.snap.Load()

		for _, ns := range namespacesOf(snap, namespace) {
			nsSnap := snap.namespaces[ns]

			for _, name := range slices.Sorted(maps.Keys(nsSnap.objects)) {
				if !yield(nsSnap.objects[name]) {
					return
				}
			}
		}
	}
}

// Select returns objects in a namespace matching a label selector. The label
// index narrows the scan when the selector carries matchLabels.
func (s *Store) Select(kind, namespace string, ls *metav1.LabelSelector) iter.Seq[client.Object] {
	return func(yield func(client.Object) bool) {
		sel, err := metav1.LabelSelectorAsSelector(ls)
		if err != nil {
			return
		}

		ks, ok := s.kinds[kind]
		if !ok {
			return
		}

		nsSnap, ok := ks.snap.Load().namespaces[namespace]
		if !ok {
			return
		}

		for _, name := range candidateNames(nsSnap, ls) {
			obj := nsSnap.objects[name]
			if !sel.Matches(labels.Set(obj.GetLabels())) {
				continue
			}

			if !yield(obj) {
				return
			}
		}
	}
}

// ByIndex returns objects in a namespace whose index values contain value.
func (s *Store) ByIndex(kind, namespace, index, value string) []client.Object {
	ks, ok := s.kinds[kind]
	if !ok {
		return nil
	}

	nsSnap, ok := ks.snap.Load().namespaces[namespace]
	if !ok {
		return nil
	}

	names := nsSnap.indexes[index][value]
	out := make([]client.Object, 0, len(names))

	for _, name := range slices.Sorted(maps.Keys(names)) {
		out = append(out, nsSnap.objects[name])
	}

	return out
}

// Upsert adds or replaces an object and publishes Added or Updated.
func (s *Store) Upsert(kind string, obj client.Object) error {
	ks, ok := s.kinds[kind]
	if !ok {
		return errors.Wrapf(ErrUnknownKind, "upsert %s", kind)
	}

	ks.writeMu.Lock()
	defer ks.writeMu.Unlock()

	old, _ := lookup(ks.snap.Load(), obj.GetNamespace(), obj.GetName())
	if old != nil && old.GetResourceVersion() != "" && old.GetResourceVersion() == obj.GetResourceVersion() {
		return nil
	}

	ks.swapNamespace(obj.GetNamespace(), func(objects map[string]client.Object) {
		objects[obj.GetName()] = obj
	})

	ev := Event{Type: Added, Kind: kind, Object: obj}
	if old != nil {
		ev.Type = Updated
		ev.Old = old
	}

	ks.publish(ev)

	return nil
}

// Delete removes an object and publishes Deleted. Deleting an absent object is a no-op.
func (s *Store) Delete(kind string, obj client.Object) error {
	ks, ok := s.kinds[kind]
	if !ok {
		return errors.Wrapf(ErrUnknownKind, "delete %s", kind)
	}

	ks.writeMu.Lock()
	defer ks.writeMu.Unlock()

	old, found := lookup(ks.snap.Load(), obj.GetNamespace(), obj.GetName())
	if !found {
		return nil
	}

	ks.swapNamespace(obj.GetNamespace(), func(objects map[string]client.Object) {
		delete(objects, obj.GetName())
	})

	ks.publish(Event{Type: Deleted, Kind: kind, Object: old})

	return nil
}

// Replace swaps in a full relist of a kind and publishes the difference to the
// previous snapshot as events.
func (s *Store) Replace(kind string, objs []client.Object) error {
	ks, ok := s.kinds[kind]
	if !ok {
		return errors.Wrapf(ErrUnknownKind, "replace %s", kind)
	}

	ks.writeMu.Lock()
	defer ks.writeMu.Unlock()

	grouped := make(map[string]map[string]client.Object)
	for _, obj := range objs {
		ns := obj.GetNamespace()
		if grouped[ns] == nil {
			grouped[ns] = make(map[string]client.Object)
		}

		grouped[ns][obj.GetName()] = obj
	}

	previous := ks.snap.Load()
	next := &snapshot{namespaces: make(map[string]*namespaceSnapshot, len(grouped))}

	for ns, objects := range grouped {
		next.namespaces[ns] = buildNamespace(objects, ks.indexers)
	}

	ks.snap.Store(next)

	for _, ev := range diff(kind, previous, next) {
		ks.publish(ev)
	}

	return nil
}

// Len returns the number of cached objects of a kind.
func (s *Store) Len(kind string) int {
	ks, ok := s.kinds[kind]
	if !ok {
		return 0
	}

	total := 0
	for _, nsSnap := range ks.snap.Load().namespaces {
		total += len(nsSnap.objects)
	}

	return total
}

func (ks *kindStore) swapNamespace(namespace string, mutate func(map[string]client.Object)) {
	current := ks.snap.Load()

	objects := make(map[string]client.Object)
	if nsSnap, ok := current.namespaces[namespace]; ok {
		maps.Copy(objects, nsSnap.objects)
	}

	mutate(objects)

	next := &snapshot{namespaces: maps.Clone(current.namespaces)}
	if len(objects) == 0 {
		delete(next.namespaces, namespace)
	} else {
		next.namespaces[namespace] = buildNamespace(objects, ks.indexers)
	}

	ks.snap.Store(next)
}

func buildNamespace(objects map[string]client.Object, indexers map[string]IndexFunc) *namespaceSnapshot {
	nsSnap := &namespaceSnapshot{
		objects: objects,
		indexes: make(map[string]map[string]valueSet, len(indexers)),
	}

	for index, fn := range indexers {
		values := make(map[string]valueSet)

		for name, obj := range objects {
			for _, value := range fn(obj) {
				if values[value] == nil {
					values[value] = make(valueSet)
				}

				values[value][name] = struct{}{}
			}
		}

		nsSnap.indexes[index] = values
	}

	return nsSnap
}

func lookup(snap *snapshot, namespace, name string) (client.Object, bool) {
	nsSnap, ok := snap.namespaces[namespace]
	if !ok {
		return nil, false
	}

	obj, ok := nsSnap.objects[name]

	return obj, ok
}

func namespacesOf(snap *snapshot, namespace string) []string {
	if namespace != "" {
		if _, ok := snap.namespaces[namespace]; !ok {
			return nil
		}

		return []string{namespace}
	}

	return slices.Sorted(maps.Keys(snap.namespaces))
}

func candidateNames(nsSnap *namespaceSnapshot, ls *metav1.LabelSelector) []string {
	if ls == nil || len(ls.MatchLabels) == 0 {
		return slices.Sorted(maps.Keys(nsSnap.objects))
	}

	var smallest valueSet

	first := true

	for key, value := range ls.MatchLabels {
		set := nsSnap.indexes[LabelIndex][key+"="+value]
		if first || len(set) < len(smallest) {
			smallest = set
			first = false
		}
	}

	return slices.Sorted(maps.Keys(smallest))
}

func diff(kind string, previous, next *snapshot) []Event {
	var events []Event

	for ns, nsSnap := range next.namespaces {
		for name, obj := range nsSnap.objects {
			old, found := lookup(previous, ns, name)

			switch {
			case !found:
				events = append(events, Event{Type: Added, Kind: kind, Object: obj})
			case old.GetResourceVersion() != obj.GetResourceVersion():
				events = append(events, Event{Type: Updated, Kind: kind, Object: obj, Old: old})
			}
		}
	}

	for ns, nsSnap := range previous.namespaces {
		for name, obj := range nsSnap.objects {
			if _, found := lookup(next, ns, name); !found {
				events = append(events, Event{Type: Deleted, Kind: kind, Object: obj})
			}
		}
	}

	return events
}

func labelPairs(obj client.Object) []string {
	set := obj.GetLabels()
	out := make([]string, 0, len(set))

	for key, value := range set {
		out = append(out, key+"="+value)
	}

	return out
}
