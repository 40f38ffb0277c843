// Package transport implements the small MQTT capability Session Core
// depends on (§9 Design Notes): publish, subscribe, unsubscribe, ack,
// disconnect, reauth, and an event stream standing in for "poll". It owns
// the wire connection and the MQTT v5 CONNECT/PUBLISH/SUBSCRIBE/... codec
// from internal/packets; it owns no reconnect policy, dispatch, or
// ordered-ack logic — those live in session, dispatch, and ack.
package transport

import (
	"context"

	"github.com/brinkhaus/mqcore"
)

// Transport is the capability set Session Core drives. A mock implementation
// satisfying this interface is what the reference design note calls for in
// place of a live broker.
type Transport interface {
	// Connect dials (or redials) the broker and performs the MQTT CONNECT/
	// CONNACK handshake. cleanStart is true only for the very first connect
	// of a session (§4.5, §8 "Reconnect clean-start flip").
	Connect(ctx context.Context, cleanStart bool) (sessionPresent bool, err error)

	// Publish sends a PUBLISH at the given QoS. The returned channel
	// receives exactly one value: nil on PUBACK success (or immediately for
	// QoS 0), or an error. For QoS 0 the returned packet id is always 0.
	Publish(ctx context.Context, pub OutgoingPublish) (packetID uint16, done <-chan error, err error)

	// Subscribe sends a SUBSCRIBE for the given filters.
	Subscribe(ctx context.Context, filters []SubscribeFilter, props *mqcore.Properties) (done <-chan SubscribeResult, err error)

	// Unsubscribe sends an UNSUBSCRIBE for the given filters.
	Unsubscribe(ctx context.Context, filters []string, props *mqcore.Properties) (done <-chan error, err error)

	// Ack emits a network PUBACK for a previously received QoS 1 publish.
	Ack(packetID uint16, reasonCode mqcore.ReasonCode, reasonString string) error

	// Disconnect sends a DISCONNECT. sessionExpiry, when non-nil, overrides
	// the negotiated session expiry interval (used to request session
	// expiry = 0 on a graceful exit, §9 Open Question).
	Disconnect(ctx context.Context, reasonCode mqcore.ReasonCode, sessionExpiry *uint32) error

	// Reauth starts an MQTT v5 AUTH re-authentication exchange.
	Reauth(ctx context.Context, method string, data []byte) error

	// Events delivers incoming publishes, connection-state changes, and
	// broker-initiated DISCONNECT/AUTH packets, in receive order.
	Events() <-chan Event

	// ClientID returns the (possibly server-assigned) MQTT client id.
	ClientID() string

	// Close tears down the connection without a graceful MQTT exchange.
	Close() error
}

// OutgoingPublish is everything needed to emit a PUBLISH.
type OutgoingPublish struct {
	Topic      string
	QoS        mqcore.QoS
	Retain     bool
	Payload    []byte
	Properties *mqcore.Properties
}

// SubscribeFilter pairs a topic filter with its requested QoS.
type SubscribeFilter struct {
	Filter string
	QoS    mqcore.QoS
}

// SubscribeResult is the per-filter outcome reported in a SUBACK.
type SubscribeResult struct {
	GrantedQoS []mqcore.QoS
	Err        error
}

// EventKind distinguishes the variants carried by Event.
type EventKind int

const (
	EventPublish EventKind = iota
	EventConnectionLost
	EventBrokerDisconnect
	EventAuth
)

// Event is a single item from Transport.Events.
type Event struct {
	Kind        EventKind
	Publish     mqcore.Publish
	Err         error
	ReasonCode  mqcore.ReasonCode
	AuthMethod  string
	AuthData    []byte
	AuthSuccess bool
}
