package events

import (
	"context"
	"sync"
)

// memHub links buses in one test process, standing in for a shared relay.
type memHub struct {
	mu      sync.RWMutex
	members map[*hubTransport]struct{}
}

func newMemHub() *memHub {
	return &memHub{members: make(map[*hubTransport]struct{})}
}

func (h *memHub) Transport() Transport {
	return &hubTransport{hub: h, inbox: make(chan Event, 64)}
}

type hubTransport struct {
	hub   *memHub
	inbox chan Event
}

func (t *hubTransport) Name() string { return "hub" }

func (t *hubTransport) Send(_ context.Context, ev Event) error {
	t.hub.mu.RLock()
	defer t.hub.mu.RUnlock()
	for m := range t.hub.members {
		if m == t {
			continue
		}
		select {
		case m.inbox <- ev:
		default:
			// peer is not draining; drop rather than stall the publisher
		}
	}
	return nil
}

func (t *hubTransport) Run(ctx context.Context, deliver func(Event)) error {
	t.hub.mu.Lock()
	t.hub.members[t] = struct{}{}
	t.hub.mu.Unlock()
	defer func() {
		t.hub.mu.Lock()
		delete(t.hub.members, t)
		t.hub.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-t.inbox:
			deliver(ev)
		}
	}
}
