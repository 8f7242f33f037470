package streaming

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"
)

const subscriberBuffer = 64

type subscription struct {
	ch     chan RunEvent
	filter EventFilter
}

func (s *subscription) wants(e RunEvent) bool {
	f := s.filter
	switch {
	case f.WorkflowID != "" && f.WorkflowID != e.WorkflowID:
		return false
	case len(f.EventTypes) > 0 && !slices.Contains(f.EventTypes, e.EventType):
		return false
	case len(f.Triggers) > 0 && !slices.Contains(f.Triggers, e.Trigger):
		return false
	}
	return true
}

// MemoryHub is an in-process EventHub. Publish never blocks the run: a
// subscriber whose buffer is full misses the event and Dropped counts it.
type MemoryHub struct {
	mu      sync.RWMutex
	subs    map[*subscription]struct{}
	dropped atomic.Uint64
}

var _ EventHub = (*MemoryHub)(nil)

func NewMemoryHub() *MemoryHub {
	return &MemoryHub{subs: make(map[*subscription]struct{})}
}

// Publish delivers event to every subscription whose filter matches.
func (h *MemoryHub) Publish(ctx context.Context, event RunEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs {
		if !sub.wants(event) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			h.dropped.Add(1)
		}
	}
	return nil
}

// Subscribe registers a filtered subscription. The returned func removes it;
// the channel is never closed.
func (h *MemoryHub) Subscribe(ctx context.Context, filter EventFilter) (<-chan RunEvent, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	sub := &subscription{ch: make(chan RunEvent, subscriberBuffer), filter: filter}

	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, sub)
			h.mu.Unlock()
		})
	}, nil
}

// Dropped reports how many deliveries were skipped for full subscribers.
func (h *MemoryHub) Dropped() uint64 {
	return h.dropped.Load()
}
