package cache

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
)

type subscription struct {
	mu      sync.Mutex
	pending []Event
	notify  chan struct{}
}

// Subscribe streams change events for a kind until ctx is cancelled, after
// which the channel is closed. Publishing never blocks on a slow subscriber;
// events queue per subscriber and are delivered in order.
func (s *Store) Subscribe(ctx context.Context, kind string) (<-chan Event, error) {
	ks, ok := s.kinds[kind]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownKind, "subscribe %s", kind)
	}

	sub := &subscription{notify: make(chan struct{}, 1)}
	id := s.nextSub.Add(1)

	ks.subsMu.Lock()
	ks.subs[id] = sub
	ks.subsMu.Unlock()

	out := make(chan Event)

	go func() {
		defer func() {
			ks.subsMu.Lock()
			delete(ks.subs, id)
			ks.subsMu.Unlock()
		}()

		sub.run(ctx, out)
	}()

	return out, nil
}

func (ks *kindStore) publish(ev Event) {
	ks.subsMu.Lock()
	defer ks.subsMu.Unlock()

	for _, sub := range ks.subs {
		sub.push(ev)
	}
}

func (s *subscription) push(ev Event) {
	s.mu.Lock()
	s.pending = append(s.pending, ev)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *subscription) run(ctx context.Context, out chan<- Event) {
	defer close(out)

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.notify:
		}

		s.mu.Lock()
		batch := s.pending
		s.pending = nil
		s.mu.Unlock()

		for _, ev := range batch {
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}
}
