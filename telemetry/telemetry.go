package telemetry

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/brinkhaus/mqcore"
	"github.com/brinkhaus/mqcore/session"
)

// Client is the slice of the Managed Client the sender and receiver depend
// on; *session.ManagedClient satisfies it directly.
type Client interface {
	Publish(ctx context.Context, topic string, qos mqcore.QoS, retain bool, payload []byte, props *mqcore.Properties) (*session.CompletionToken, error)
	Subscribe(ctx context.Context, filter string, qos mqcore.QoS, props *mqcore.Properties) (*session.CompletionToken, error)
	CreateFilteredPubReceiver(filter string, autoAck bool) (*session.Receiver, error)
}

// Message is one piece of telemetry, either about to be sent or just
// received (§4.9).
type Message struct {
	Payload       []byte
	ContentType   string
	PayloadFormat mqcore.PayloadFormat
	CloudEvent    CloudEvent
}

// Sender publishes telemetry, fire-and-forget (no correlation, no response
// wait beyond the broker PUBACK).
type Sender struct {
	client Client
	topic  string
	qos    mqcore.QoS
	log    zerolog.Logger
}

// NewSender builds a Sender that publishes to topic at qos.
func NewSender(client Client, topic string, qos mqcore.QoS, log zerolog.Logger) *Sender {
	return &Sender{client: client, topic: topic, qos: qos, log: log}
}

// Send publishes msg, filling in CloudEvent defaults (id, subject, time) and
// validating any attribute the caller did set.
func (s *Sender) Send(ctx context.Context, msg Message) (*session.CompletionToken, error) {
	ce := msg.CloudEvent.applyDefaults(s.topic)
	if err := ce.Validate(); err != nil {
		return nil, err
	}

	props := &mqcore.Properties{
		ContentType:    msg.ContentType,
		PayloadFormat:  msg.PayloadFormat,
		UserProperties: ce.toUserProperties(),
	}
	return s.client.Publish(ctx, s.topic, s.qos, false, msg.Payload, props)
}

// Receiver subscribes to a telemetry topic filter and yields delivered
// messages, optionally via a shared subscription when filter carries a
// `$share/<group>/` prefix (the wire filter and the local dispatch-match
// filter coincide here since telemetry topics never need the RPC layer's
// request/response split).
type Receiver struct {
	rx      *session.Receiver
	autoAck bool
}

// NewReceiver subscribes to filter and returns a Receiver. dispatchFilter
// is the plain filter to register with the local dispatcher; for a
// non-shared subscription pass the same value as filter.
func NewReceiver(ctx context.Context, client Client, filter, dispatchFilter string, qos mqcore.QoS, autoAck bool) (*Receiver, error) {
	token, err := client.Subscribe(ctx, filter, qos, nil)
	if err != nil {
		return nil, err
	}
	if err := token.Wait(ctx); err != nil {
		return nil, err
	}
	rx, err := client.CreateFilteredPubReceiver(dispatchFilter, autoAck)
	if err != nil {
		return nil, err
	}
	return &Receiver{rx: rx, autoAck: autoAck}, nil
}

// Recv blocks for the next telemetry message. When the receiver was built
// with autoAck false, the returned AckToken must be acked by the caller.
func (r *Receiver) Recv(ctx context.Context) (Message, *session.AckToken, bool, error) {
	pub, ackTok, ok, err := r.rx.Recv(ctx)
	if !ok || err != nil {
		return Message{}, nil, ok, err
	}
	ce, ceErr := FromTelemetry(pub.Properties)
	if ceErr != nil {
		ce = CloudEvent{}
	}
	msg := Message{Payload: pub.Payload, CloudEvent: ce}
	if pub.Properties != nil {
		msg.ContentType = pub.Properties.ContentType
		msg.PayloadFormat = pub.Properties.PayloadFormat
	}
	return msg, ackTok, true, nil
}

// Close stops further dispatch to this receiver.
func (r *Receiver) Close() {
	r.rx.Close()
}
