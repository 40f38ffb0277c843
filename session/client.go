package session

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/brinkhaus/mqcore"
	"github.com/brinkhaus/mqcore/ack"
	"github.com/brinkhaus/mqcore/dispatch"
	"github.com/brinkhaus/mqcore/internal/transport"
)

// CompletionToken is a lazy value yielding nil or an error once the
// broker's PUBACK/SUBACK/UNSUBACK arrives (§4.6).
type CompletionToken struct {
	done       chan struct{}
	once       sync.Once
	err        error
	grantedQoS []mqcore.QoS
}

func newCompletionToken() *CompletionToken {
	return &CompletionToken{done: make(chan struct{})}
}

func (t *CompletionToken) complete(err error) {
	t.once.Do(func() {
		t.err = err
		close(t.done)
	})
}

func (t *CompletionToken) completeSubscribe(res transport.SubscribeResult) {
	t.once.Do(func() {
		t.err = res.Err
		t.grantedQoS = res.GrantedQoS
		close(t.done)
	})
}

// Wait blocks until the operation completes or ctx is cancelled.
func (t *CompletionToken) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		return mqcore.Wrap(mqcore.KindCancellation, ctx.Err())
	}
}

// Done returns a channel that closes when the operation completes.
func (t *CompletionToken) Done() <-chan struct{} { return t.done }

// Error returns the completed result; only meaningful after Done is closed.
func (t *CompletionToken) Error() error { return t.err }

// GrantedQoS returns the per-filter granted QoS from a SUBACK; empty for
// publish/unsubscribe tokens.
func (t *CompletionToken) GrantedQoS() []mqcore.QoS { return t.grantedQoS }

// AckToken is owned by the caller of a manually-acked Receiver and must be
// resolved by Ack, or dropped (Go: left unacked and the Receiver closed) —
// either way it counts as exactly one acknowledgement toward the pending-ack
// tracker's required count (§4.3 invariant c).
type AckToken struct {
	packetID uint16
	tracker  *ack.Tracker
	once     sync.Once
}

// Ack acknowledges the publish this token was issued for.
func (a *AckToken) Ack() error {
	var err error
	a.once.Do(func() {
		err = a.tracker.Ack(a.packetID)
	})
	return err
}

// ManagedClient is the per-session handle application code drives (§4.6).
// It validates topics/filters before touching the transport and hides
// reconnection, dispatch, and ordered-ack mechanics behind a small surface.
type ManagedClient struct {
	clientID   string
	transport  transport.Transport
	dispatcher *dispatch.Dispatcher
	tracker    *ack.Tracker
	log        zerolog.Logger
}

func newManagedClient(clientID string, t transport.Transport, d *dispatch.Dispatcher, tr *ack.Tracker, log zerolog.Logger) *ManagedClient {
	return &ManagedClient{clientID: clientID, transport: t, dispatcher: d, tracker: tr, log: log}
}

// ClientID returns the session's MQTT client id.
func (c *ManagedClient) ClientID() string { return c.clientID }

// Publish validates topic, then sends a PUBLISH at qos; qos itself is not
// checked.
func (c *ManagedClient) Publish(ctx context.Context, topic string, qos mqcore.QoS, retain bool, payload []byte, props *mqcore.Properties) (*CompletionToken, error) {
	if _, err := mqcore.ParseName(topic); err != nil {
		return nil, err
	}

	_, done, err := c.transport.Publish(ctx, transport.OutgoingPublish{
		Topic: topic, QoS: qos, Retain: retain, Payload: payload, Properties: props,
	})
	if err != nil {
		return nil, err
	}

	token := newCompletionToken()
	go func() {
		token.complete(<-done)
	}()
	return token, nil
}

// Subscribe validates filter, then sends a SUBSCRIBE at qos; qos itself is
// not checked.
func (c *ManagedClient) Subscribe(ctx context.Context, filter string, qos mqcore.QoS, props *mqcore.Properties) (*CompletionToken, error) {
	if _, err := mqcore.ParseFilter(filter); err != nil {
		return nil, err
	}

	done, err := c.transport.Subscribe(ctx, []transport.SubscribeFilter{{Filter: filter, QoS: qos}}, props)
	if err != nil {
		return nil, err
	}

	token := newCompletionToken()
	go func() {
		token.completeSubscribe(<-done)
	}()
	return token, nil
}

// Unsubscribe validates filter, then sends an UNSUBSCRIBE.
func (c *ManagedClient) Unsubscribe(ctx context.Context, filter string, props *mqcore.Properties) (*CompletionToken, error) {
	if _, err := mqcore.ParseFilter(filter); err != nil {
		return nil, err
	}

	done, err := c.transport.Unsubscribe(ctx, []string{filter}, props)
	if err != nil {
		return nil, err
	}

	token := newCompletionToken()
	go func() {
		token.complete(<-done)
	}()
	return token, nil
}

// CreateFilteredPubReceiver validates filter and registers a new Receiver
// with the dispatcher.
func (c *ManagedClient) CreateFilteredPubReceiver(filterStr string, autoAck bool) (*Receiver, error) {
	filter, err := mqcore.ParseFilter(filterStr)
	if err != nil {
		return nil, err
	}
	rx := c.dispatcher.RegisterFilter(filter)
	return newReceiver(rx, c.tracker, autoAck, c.log), nil
}

// Receiver exposes a single subscriber's view of dispatched publishes
// (§4.6). When autoAck is true, every received publish is acknowledged to
// the tracker immediately on receipt; otherwise the caller owns the
// returned AckToken.
type Receiver struct {
	rx      *dispatch.Receiver
	tracker *ack.Tracker
	autoAck bool
	log     zerolog.Logger
}

func newReceiver(rx *dispatch.Receiver, tr *ack.Tracker, autoAck bool, log zerolog.Logger) *Receiver {
	return &Receiver{rx: rx, tracker: tr, autoAck: autoAck, log: log}
}

// Recv blocks for the next dispatched publish, or returns ok=false once the
// receiver is closed and drained.
func (r *Receiver) Recv(ctx context.Context) (pub mqcore.Publish, token *AckToken, ok bool, err error) {
	select {
	case p, open := <-r.rx.C():
		if !open {
			return mqcore.Publish{}, nil, false, nil
		}
		if r.autoAck {
			if ackErr := r.tracker.Ack(p.PacketID); ackErr != nil {
				r.log.Warn().Err(ackErr).Uint16("packet_id", p.PacketID).Msg("auto-ack failed")
			}
			return p, nil, true, nil
		}
		return p, &AckToken{packetID: p.PacketID, tracker: r.tracker}, true, nil
	case <-ctx.Done():
		return mqcore.Publish{}, nil, false, mqcore.Wrap(mqcore.KindCancellation, ctx.Err())
	}
}

// Close stops further dispatch to this receiver and auto-acks any publishes
// already buffered in it, so a caller abandoning a manually-acked receiver
// does not block ordered-ack progress for every other receiver (§4.3
// invariant c, §9 "dropped receiver" handling).
func (r *Receiver) Close() {
	r.rx.Close()
	for p := range r.rx.C() {
		if err := r.tracker.Ack(p.PacketID); err != nil {
			r.log.Warn().Err(err).Uint16("packet_id", p.PacketID).
				Msg("auto-ack on receiver close failed; publish may be redelivered")
		} else {
			r.log.Warn().Uint16("packet_id", p.PacketID).Msg("auto-acked unconsumed publish on receiver close")
		}
	}
}
