package progress

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// EventKind distinguishes tracker events.
type EventKind string

const (
	EventSnapshot      EventKind = "snapshot"
	EventAlert         EventKind = "alert"
	EventAlertResolved EventKind = "alert_resolved"
)

// Event is published to subscribers on every tracker change.
type Event struct {
	Kind     EventKind `json:"kind"`
	Snapshot *Snapshot `json:"snapshot,omitempty"`
	Alert    *Alert    `json:"alert,omitempty"`
}

// Subscribe registers a subscriber and returns its channel and an
// unsubscribe func that closes the channel. Delivery never blocks the
// tracker: events for a full channel are dropped.
func (t *Tracker) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 64
	}
	ch := make(chan Event, buffer)

	t.subMu.Lock()
	id := t.nextID
	t.nextID++
	t.subs[id] = ch
	t.subMu.Unlock()

	var done bool
	return ch, func() {
		t.subMu.Lock()
		defer t.subMu.Unlock()
		if done {
			return
		}
		done = true
		delete(t.subs, id)
		close(ch)
	}
}

// Subscribers returns the number of registered subscribers.
func (t *Tracker) Subscribers() int {
	t.subMu.RLock()
	defer t.subMu.RUnlock()
	return len(t.subs)
}

func (t *Tracker) publish(ev Event) {
	t.subMu.RLock()
	defer t.subMu.RUnlock()
	for _, ch := range t.subs {
		select {
		case ch <- ev:
		default:
			t.log.Debug("dropping progress event for slow subscriber", zap.String("kind", string(ev.Kind)))
		}
	}
}

// Run checks for stalls and prunes history every PruneInterval until ctx
// is done.
func (t *Tracker) Run(ctx context.Context) {
	ticker := time.NewTicker(t.opts.PruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.CheckStalls()
			t.Prune()
		}
	}
}
