// Package ack implements the ordered-acknowledgement tracker (§4.3):
// inverse demultiplexing of a publish fanned out to multiple receivers back
// into a single in-order PUBACK to the broker, once every receiver has
// acknowledged it locally.
package ack

import (
	"context"
	"fmt"
	"sync"

	"github.com/brinkhaus/mqcore"
)

type pendingEntry struct {
	packetID     uint16
	remaining    int
	reasonCode   mqcore.ReasonCode
	reasonString string
}

// Tracker holds one FIFO queue of pending packet ids, in the order they
// were registered. A publish is ready to ack back to the broker once it has
// been acknowledged locally the required number of times AND it is the
// oldest registration still outstanding — so the broker always sees PUBACKs
// in the same order it sent the corresponding PUBLISHes, regardless of the
// order local receivers finish processing them.
type Tracker struct {
	mu               sync.Mutex
	pending          []*pendingEntry
	registrationCond *sync.Cond
	readyCond        *sync.Cond
}

// New creates an empty Tracker.
func New() *Tracker {
	t := &Tracker{}
	t.registrationCond = sync.NewCond(&t.mu)
	t.readyCond = sync.NewCond(&t.mu)
	return t
}

// RegisterPending registers packetID as pending acksRequired local
// acknowledgements before it is ready to ack to the broker. Packet id 0 is
// reserved for QoS 0 and is silently ignored, not an error. Registering a
// packet id that is already pending is a protocol violation (a duplicate
// PUBLISH a client should not have re-dispatched before the original was
// acked) and returns mqcore.KindStateInvalid.
func (t *Tracker) RegisterPending(packetID uint16, acksRequired int) error {
	if packetID == 0 {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, e := range t.pending {
		if e.packetID == packetID {
			return mqcore.NewError(mqcore.KindStateInvalid,
				fmt.Sprintf("ack: packet id %d already registered", packetID))
		}
	}

	t.pending = append(t.pending, &pendingEntry{
		packetID:   packetID,
		remaining:  acksRequired,
		reasonCode: mqcore.ReasonCodeSuccess,
	})
	t.registrationCond.Broadcast()
	return nil
}

// Ack records one successful local acknowledgement of packetID.
func (t *Tracker) Ack(packetID uint16) error {
	return t.AckRC(packetID, mqcore.ReasonCodeSuccess, "")
}

// AckRC records one local acknowledgement of packetID with the given
// reason code and reason string; if more than one ack is required, the
// reason reported when the publish becomes ready is whichever ack was
// applied last. If the ack for packetID arrives before RegisterPending, it
// blocks until the registration appears (the "early-ack race": the
// dispatcher may deliver to a receiver that acks before the tracker learns
// how many acks that publish requires). Packet id 0 is ignored.
func (t *Tracker) AckRC(packetID uint16, reasonCode mqcore.ReasonCode, reasonString string) error {
	if packetID == 0 {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	for {
		pos, entry := t.findLocked(packetID)
		if entry != nil {
			if entry.remaining == 0 {
				return mqcore.NewError(mqcore.KindStateInvalid,
					fmt.Sprintf("ack: packet id %d acked more times than required", packetID))
			}
			entry.remaining--
			entry.reasonCode = reasonCode
			entry.reasonString = reasonString
			if entry.remaining == 0 && pos == 0 {
				t.readyCond.Broadcast()
			}
			return nil
		}
		t.registrationCond.Wait()
	}
}

func (t *Tracker) findLocked(packetID uint16) (int, *pendingEntry) {
	for i, e := range t.pending {
		if e.packetID == packetID {
			return i, e
		}
	}
	return -1, nil
}

// TryNextReady returns the oldest pending publish if it has received every
// required ack, removing it from the tracker. ok is false if the tracker is
// empty or the oldest entry is not yet ready.
func (t *Tracker) TryNextReady() (desc mqcore.AckDescriptor, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.tryNextReadyLocked()
}

func (t *Tracker) tryNextReadyLocked() (mqcore.AckDescriptor, bool) {
	if len(t.pending) == 0 {
		return mqcore.AckDescriptor{}, false
	}
	front := t.pending[0]
	if front.remaining != 0 {
		return mqcore.AckDescriptor{}, false
	}
	t.pending = t.pending[1:]
	return mqcore.AckDescriptor{
		PacketID:     front.packetID,
		ReasonCode:   front.reasonCode,
		ReasonString: front.reasonString,
	}, true
}

// NextReady blocks until the oldest pending publish is ready, or ctx is
// cancelled. Must not be called concurrently with itself.
func (t *Tracker) NextReady(ctx context.Context) (mqcore.AckDescriptor, error) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			t.mu.Lock()
			t.readyCond.Broadcast()
			t.mu.Unlock()
		case <-done:
		}
	}()

	t.mu.Lock()
	defer t.mu.Unlock()
	for {
		if desc, ok := t.tryNextReadyLocked(); ok {
			return desc, nil
		}
		if err := ctx.Err(); err != nil {
			return mqcore.AckDescriptor{}, mqcore.Wrap(mqcore.KindCancellation, err)
		}
		t.readyCond.Wait()
	}
}

// Contains reports whether packetID is currently tracked as pending.
func (t *Tracker) Contains(packetID uint16) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, e := t.findLocked(packetID)
	return e != nil
}

// Reset clears all pending entries. Intended for session-loss cleanup only:
// any outstanding NextReady callers remain blocked, since the tracker
// itself is expected to be discarded along with the session that owned it.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending = nil
}
