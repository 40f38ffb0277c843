// Package hlc implements a Hybrid Logical Clock (§3): a (wall_time, counter,
// node_id) triple with lexicographic ordering, used to mint fencing tokens
// and event versions that stay strictly increasing across a process's
// lifetime even when the wall clock doesn't advance between two events.
package hlc

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/brinkhaus/mqcore"
)

// Timestamp is a single HLC value. Zero value is not a valid timestamp;
// obtain one from Clock.Now or Clock.Update.
type Timestamp struct {
	WallTime time.Time
	Counter  uint64
	NodeID   string
}

// Compare returns -1, 0, or 1 as t is less than, equal to, or greater than
// other, ordering first by wall time, then counter, then node id.
func (t Timestamp) Compare(other Timestamp) int {
	if !t.WallTime.Equal(other.WallTime) {
		if t.WallTime.Before(other.WallTime) {
			return -1
		}
		return 1
	}
	if t.Counter != other.Counter {
		if t.Counter < other.Counter {
			return -1
		}
		return 1
	}
	return strings.Compare(t.NodeID, other.NodeID)
}

// Before reports whether t orders strictly before other.
func (t Timestamp) Before(other Timestamp) bool { return t.Compare(other) < 0 }

// String serializes t as "ISO-8601-wall:counter-hex:node-id".
func (t Timestamp) String() string {
	return fmt.Sprintf("%s:%x:%s", t.WallTime.UTC().Format(time.RFC3339Nano), t.Counter, t.NodeID)
}

// Parse decodes a Timestamp previously produced by Timestamp.String.
func Parse(s string) (Timestamp, error) {
	// The UTC wall time itself holds two colons (hh:mm:ss), so the counter
	// and node id are the fourth and fifth colon-separated fields.
	parts := strings.SplitN(s, ":", 5)
	if len(parts) != 5 {
		return Timestamp{}, mqcore.NewError(mqcore.KindMalformedTimestamp, "hlc: malformed timestamp "+s)
	}
	wall, err := time.Parse(time.RFC3339Nano, strings.Join(parts[:3], ":"))
	if err != nil {
		return Timestamp{}, mqcore.Wrap(mqcore.KindMalformedTimestamp, err)
	}
	counter, err := strconv.ParseUint(parts[3], 16, 64)
	if err != nil {
		return Timestamp{}, mqcore.Wrap(mqcore.KindMalformedTimestamp, err)
	}
	return Timestamp{WallTime: wall, Counter: counter, NodeID: parts[4]}, nil
}

// Clock is a mutex-protected per-process Hybrid Logical Clock (§5: "every
// read-modify-write is atomic"). The zero value is not usable; construct
// with New.
type Clock struct {
	mu       sync.Mutex
	last     Timestamp
	nodeID   string
	maxDrift time.Duration
	nowFunc  func() time.Time
}

// Option configures a Clock.
type Option func(*Clock)

// WithMaxDrift sets the maximum amount a received remote wall time may
// exceed the local now before Update reports KindTimestampSkew. Zero (the
// default from New) disables drift checking.
func WithMaxDrift(d time.Duration) Option {
	return func(c *Clock) { c.maxDrift = d }
}

// WithNowFunc overrides the wall-clock source, for deterministic tests.
func WithNowFunc(f func() time.Time) Option {
	return func(c *Clock) { c.nowFunc = f }
}

// New creates a Clock for the given node id (e.g. the session's MQTT client
// id), which breaks ties when wall time and counter are both equal.
func New(nodeID string, opts ...Option) *Clock {
	c := &Clock{nodeID: nodeID, nowFunc: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	c.last = Timestamp{WallTime: c.nowFunc(), NodeID: nodeID}
	return c
}

// Now advances the clock for a local event emission and returns the new
// timestamp: take the max of local-now and the last timestamp, bumping the
// counter when they tie (§3). It returns mqcore.KindCounterOverflow if the
// counter would wrap past its uint64 range.
func (c *Clock) Now() (Timestamp, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.nowFunc()
	next := Timestamp{WallTime: now, NodeID: c.nodeID}

	switch {
	case next.WallTime.After(c.last.WallTime):
		next.Counter = 0
	default:
		if c.last.Counter == math.MaxUint64 {
			return Timestamp{}, mqcore.NewError(mqcore.KindCounterOverflow, "hlc: counter overflow, same wall time tied more than 2^64 times")
		}
		next.WallTime = c.last.WallTime
		next.Counter = c.last.Counter + 1
	}

	c.last = next
	return next, nil
}

// Update advances the clock on reception of a remote timestamp: take the
// max of local-now, the last local timestamp, and remote, bumping the
// counter whenever the chosen wall time equals another candidate's (§3).
// It returns mqcore.KindTimestampSkew if remote's wall time exceeds the
// local now by more than the configured max drift.
func (c *Clock) Update(remote Timestamp) (Timestamp, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.nowFunc()
	if c.maxDrift > 0 && remote.WallTime.Sub(now) > c.maxDrift {
		return Timestamp{}, mqcore.NewError(mqcore.KindTimestampSkew,
			"hlc: remote wall time exceeds local now by more than the configured maximum drift")
	}

	maxWall := now
	if c.last.WallTime.After(maxWall) {
		maxWall = c.last.WallTime
	}
	if remote.WallTime.After(maxWall) {
		maxWall = remote.WallTime
	}

	next := Timestamp{WallTime: maxWall, NodeID: c.nodeID}
	var counter uint64
	if maxWall.Equal(c.last.WallTime) {
		if c.last.Counter == math.MaxUint64 {
			return Timestamp{}, mqcore.NewError(mqcore.KindCounterOverflow, "hlc: counter overflow, same wall time tied more than 2^64 times")
		}
		if c.last.Counter+1 > counter {
			counter = c.last.Counter + 1
		}
	}
	if maxWall.Equal(remote.WallTime) {
		if remote.Counter == math.MaxUint64 {
			return Timestamp{}, mqcore.NewError(mqcore.KindCounterOverflow, "hlc: counter overflow, same wall time tied more than 2^64 times")
		}
		if remote.Counter+1 > counter {
			counter = remote.Counter + 1
		}
	}
	next.Counter = counter

	c.last = next
	return next, nil
}

// Last returns the most recently minted timestamp without advancing it.
func (c *Clock) Last() Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}
