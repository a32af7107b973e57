package cache

import (
	"context"
	"log/slog"
	"time"

	"github.com/cockroachdb/errors"
	"k8s.io/apimachinery/pkg/api/meta"
	toolscache "k8s.io/client-go/tools/cache"
	ctrlcache "sigs.k8s.io/controller-runtime/pkg/cache"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/lexfrei/bind9-fleet-operator/internal/metrics"
)

// defaultRelistInterval is used when Mirror.RelistInterval is unset.
const defaultRelistInterval = 10 * time.Minute

// InformerSource is the part of the controller-runtime cache the Mirror uses.
type InformerSource interface {
	GetInformer(ctx context.Context, obj client.Object, opts ...ctrlcache.InformerGetOption) (ctrlcache.Informer, error)
	WaitForCacheSync(ctx context.Context) bool
	List(ctx context.Context, list client.ObjectList, opts ...client.ListOption) error
}

// Source describes one mirrored kind.
type Source struct {
	Kind   string
	Object client.Object
	List   client.ObjectList
}

// Mirror feeds a Store from shared informers and periodically relists every
// kind so that missed notifications are repaired.
type Mirror struct {
	Store          *Store
	Informers      InformerSource
	Sources        []Source
	RelistInterval time.Duration
	Metrics        metrics.Collector
}

// NeedLeaderElection implements manager.LeaderElectionRunnable. Every
// replica keeps its cache warm so that a new leader starts converged.
func (m *Mirror) NeedLeaderElection() bool {
	return false
}

// Start implements manager.Runnable.
func (m *Mirror) Start(ctx context.Context) error {
	logger := slog.Default().With("component", "resource-cache")

	for _, src := range m.Sources {
		informer, err := m.Informers.GetInformer(ctx, src.Object)
		if err != nil {
			return errors.Wrapf(err, "failed to get informer for %s", src.Kind)
		}

		_, err = informer.AddEventHandler(m.handler(ctx, src.Kind))
		if err != nil {
			return errors.Wrapf(err, "failed to add event handler for %s", src.Kind)
		}
	}

	if !m.Informers.WaitForCacheSync(ctx) {
		return errors.New("resource cache failed to sync")
	}

	m.relistAll(ctx, logger)
	m.Store.MarkSynced()

	logger.Info("resource cache synced")

	interval := m.RelistInterval
	if interval <= 0 {
		interval = defaultRelistInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.relistAll(ctx, logger)
		}
	}
}

// Relist replaces the snapshot of one kind with a fresh list.
func (m *Mirror) Relist(ctx context.Context, src Source) error {
	list, ok := src.List.DeepCopyObject().(client.ObjectList)
	if !ok {
		return errors.Newf("list prototype for %s is not a client.ObjectList", src.Kind)
	}

	err := m.Informers.List(ctx, list)
	if err != nil {
		return errors.Wrapf(err, "failed to list %s", src.Kind)
	}

	items, err := meta.ExtractList(list)
	if err != nil {
		return errors.Wrapf(err, "failed to extract %s items", src.Kind)
	}

	objs := make([]client.Object, 0, len(items))

	for _, item := range items {
		obj, ok := item.(client.Object)
		if !ok {
			continue
		}

		objs = append(objs, obj)
	}

	return m.Store.Replace(src.Kind, objs)
}

func (m *Mirror) relistAll(ctx context.Context, logger *slog.Logger) {
	for _, src := range m.Sources {
		err := m.Relist(ctx, src)
		if err != nil {
			logger.Error("relist failed", "kind", src.Kind, "error", err)

			continue
		}

		logger.Debug("relisted", "kind", src.Kind, "count", m.Store.Len(src.Kind))
	}
}

func (m *Mirror) handler(ctx context.Context, kind string) toolscache.ResourceEventHandlerFuncs {
	return toolscache.ResourceEventHandlerFuncs{
		AddFunc: func(obj any) {
			if o, ok := obj.(client.Object); ok {
				m.record(ctx, kind, Added)
				_ = m.Store.Upsert(kind, o)
			}
		},
		UpdateFunc: func(_, newObj any) {
			if o, ok := newObj.(client.Object); ok {
				m.record(ctx, kind, Updated)
				_ = m.Store.Upsert(kind, o)
			}
		},
		DeleteFunc: func(obj any) {
			if tombstone, ok := obj.(toolscache.DeletedFinalStateUnknown); ok {
				obj = tombstone.Obj
			}

			if o, ok := obj.(client.Object); ok {
				m.record(ctx, kind, Deleted)
				_ = m.Store.Delete(kind, o)
			}
		},
	}
}

func (m *Mirror) record(ctx context.Context, kind string, eventType EventType) {
	if m.Metrics != nil {
		m.Metrics.RecordCacheEvent(ctx, kind, string(eventType))
	}
}
