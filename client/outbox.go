package client

import (
	"sync"
	"time"

	"github.com/corewire/buskit/event"
)

type queuedSend struct {
	ev       *event.Event
	queuedAt time.Time
}

// sendOutbox holds events accepted while the connection is active but not
// connected. It preserves enqueue order and is bounded.
type sendOutbox struct {
	mu    sync.Mutex
	limit int
	items []queuedSend
}

func newSendOutbox(limit int) *sendOutbox {
	return &sendOutbox{limit: limit}
}

func (o *sendOutbox) Enqueue(ev *event.Event) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.limit > 0 && len(o.items) >= o.limit {
		return ErrSendQueueFull
	}
	o.items = append(o.items, queuedSend{ev: ev.Clone(), queuedAt: time.Now()})
	return nil
}

// Drain removes and returns all queued sends in order.
func (o *sendOutbox) Drain() []queuedSend {
	o.mu.Lock()
	defer o.mu.Unlock()
	items := o.items
	o.items = nil
	return items
}

func (o *sendOutbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.items)
}

func (o *sendOutbox) Clear() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.items = nil
}
