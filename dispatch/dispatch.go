// Package dispatch implements the Publish Dispatcher (§4.2): fan-out of
// incoming PUBLISH packets to filter-matched receivers, with an unfiltered
// fallback receiver for publishes matching no registered filter, and lazy
// pruning of receivers whose owner has stopped consuming.
package dispatch

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/brinkhaus/mqcore"
)

// Receiver is a single registered destination for dispatched publishes.
// Call Close when the owner is done; the dispatcher discovers closed
// receivers lazily, on the next matching dispatch or filter registration.
type Receiver struct {
	ch     chan mqcore.Publish
	closed atomic.Bool
	once   sync.Once
}

func newReceiver(capacity int) *Receiver {
	return &Receiver{ch: make(chan mqcore.Publish, capacity)}
}

// C returns the channel publishes are delivered on.
func (r *Receiver) C() <-chan mqcore.Publish { return r.ch }

// Close marks the receiver closed and closes its channel. Idempotent.
func (r *Receiver) Close() {
	r.once.Do(func() {
		r.closed.Store(true)
		close(r.ch)
	})
}

// IsClosed reports whether Close has been called.
func (r *Receiver) IsClosed() bool { return r.closed.Load() }

type filterEntry struct {
	filter    mqcore.Filter
	receivers []*Receiver
}

// Dispatcher routes incoming publishes to receivers registered against
// topic filters, falling back to a single unfiltered receiver when no
// filter matches (§4.2 edge case: "no matching subscriber").
type Dispatcher struct {
	mu         sync.Mutex
	capacity   int
	filtered   map[string]*filterEntry
	unfiltered *Receiver
}

// New creates a Dispatcher whose per-receiver channels buffer up to
// capacity publishes before Dispatch blocks (or the caller's context is
// cancelled).
func New(capacity int) *Dispatcher {
	return &Dispatcher{
		capacity:   capacity,
		filtered:   make(map[string]*filterEntry),
		unfiltered: newReceiver(capacity),
	}
}

// Unfiltered returns the receiver for publishes matching no registered
// filter. Closing it is almost always a mistake: Dispatch reports an error
// for any publish that would otherwise have gone to it.
func (d *Dispatcher) Unfiltered() *Receiver {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.unfiltered
}

// RegisterFilter returns a new Receiver that will receive every publish
// whose topic name matches filter. Multiple receivers may be registered
// against the same or overlapping filters; each receives its own copy.
func (d *Dispatcher) RegisterFilter(filter mqcore.Filter) *Receiver {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.pruneLocked()

	key := filter.String()
	entry, ok := d.filtered[key]
	if !ok {
		entry = &filterEntry{filter: filter}
		d.filtered[key] = entry
	}
	r := newReceiver(d.capacity)
	entry.receivers = append(entry.receivers, r)
	return r
}

// Dispatch delivers pub to every receiver registered against a filter that
// matches pub.Topic, or to the unfiltered receiver if none match. It
// returns the number of receivers the publish was delivered to. Closed
// receivers encountered along the way are pruned from their filter entry.
func (d *Dispatcher) Dispatch(ctx context.Context, pub mqcore.Publish) (int, error) {
	name, err := mqcore.ParseName(pub.Topic)
	if err != nil {
		return 0, err
	}

	d.mu.Lock()
	var targets []*Receiver
	sawStale := false

	for _, entry := range d.filtered {
		if !mqcore.Matches(name, entry.filter) {
			continue
		}
		for _, r := range entry.receivers {
			if r.IsClosed() {
				sawStale = true
				continue
			}
			targets = append(targets, r)
		}
	}
	unfiltered := d.unfiltered
	d.mu.Unlock()

	dispatched := 0
	if len(targets) > 0 {
		for _, r := range targets {
			select {
			case r.ch <- pub:
				dispatched++
			case <-ctx.Done():
				return dispatched, mqcore.Wrap(mqcore.KindCancellation, ctx.Err())
			}
		}
	} else {
		if unfiltered.IsClosed() {
			return 0, mqcore.NewError(mqcore.KindStateInvalid, "dispatch: unfiltered receiver is closed")
		}
		select {
		case unfiltered.ch <- pub:
			dispatched = 1
		case <-ctx.Done():
			return 0, mqcore.Wrap(mqcore.KindCancellation, ctx.Err())
		}
	}

	if sawStale {
		d.mu.Lock()
		d.pruneLocked()
		d.mu.Unlock()
	}

	return dispatched, nil
}

// pruneLocked drops closed receivers from every filter entry, removing
// entries left with none. Callers must hold d.mu.
func (d *Dispatcher) pruneLocked() {
	for key, entry := range d.filtered {
		live := entry.receivers[:0]
		for _, r := range entry.receivers {
			if !r.IsClosed() {
				live = append(live, r)
			}
		}
		entry.receivers = live
		if len(entry.receivers) == 0 {
			delete(d.filtered, key)
		}
	}
}
