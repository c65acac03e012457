package events

import (
	"context"
	"sync"

	"kanban-api/domain"
)

// Broker wakes in-process listeners of one project. Signals coalesce: a
// listener that has not consumed the previous wake-up gets no second one.
type Broker struct {
	mu   sync.Mutex
	subs map[string]map[chan struct{}]struct{}
}

func NewBroker() *Broker {
	return &Broker{subs: make(map[string]map[chan struct{}]struct{})}
}

// Subscribe registers a listener for projectID. The returned func removes it.
func (b *Broker) Subscribe(projectID string) (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	b.mu.Lock()
	if b.subs[projectID] == nil {
		b.subs[projectID] = make(map[chan struct{}]struct{})
	}
	b.subs[projectID][ch] = struct{}{}
	b.mu.Unlock()
	return ch, func() {
		b.mu.Lock()
		delete(b.subs[projectID], ch)
		if len(b.subs[projectID]) == 0 {
			delete(b.subs, projectID)
		}
		b.mu.Unlock()
	}
}

// Handle wakes every listener of the event's project.
func (b *Broker) Handle(ev domain.Event) {
	b.mu.Lock()
	for ch := range b.subs[ev.ProjectID] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	b.mu.Unlock()
}

// Publish lets a broker sit directly behind the dispatcher when events do not
// travel through Redis.
func (b *Broker) Publish(ctx context.Context, ev domain.Event) error {
	b.Handle(ev)
	return nil
}
