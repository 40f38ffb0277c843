package session

import (
	"context"
	"sync"

	"github.com/brinkhaus/mqcore"
	"github.com/brinkhaus/mqcore/internal/transport"
)

// mockTransport is a minimal in-memory Transport double used to drive the
// event loop without a live broker.
type mockTransport struct {
	mu sync.Mutex

	clientID string
	events   chan transport.Event

	connectFn func(cleanStart bool) (bool, error)
	acks      []ackCall

	nextID  uint16
	closed  bool
	publish func(pub transport.OutgoingPublish) error
}

type ackCall struct {
	packetID     uint16
	reasonCode   mqcore.ReasonCode
	reasonString string
}

func newMockTransport(clientID string) *mockTransport {
	return &mockTransport{clientID: clientID, events: make(chan transport.Event, 16)}
}

func (m *mockTransport) Connect(ctx context.Context, cleanStart bool) (bool, error) {
	if m.connectFn != nil {
		return m.connectFn(cleanStart)
	}
	return true, nil
}

func (m *mockTransport) Publish(ctx context.Context, pub transport.OutgoingPublish) (uint16, <-chan error, error) {
	done := make(chan error, 1)
	if m.publish != nil {
		done <- m.publish(pub)
	} else {
		done <- nil
	}
	return 0, done, nil
}

func (m *mockTransport) Subscribe(ctx context.Context, filters []transport.SubscribeFilter, props *mqcore.Properties) (<-chan transport.SubscribeResult, error) {
	done := make(chan transport.SubscribeResult, 1)
	qos := make([]mqcore.QoS, len(filters))
	for i, f := range filters {
		qos[i] = f.QoS
	}
	done <- transport.SubscribeResult{GrantedQoS: qos}
	return done, nil
}

func (m *mockTransport) Unsubscribe(ctx context.Context, filters []string, props *mqcore.Properties) (<-chan error, error) {
	done := make(chan error, 1)
	done <- nil
	return done, nil
}

func (m *mockTransport) Ack(packetID uint16, reasonCode mqcore.ReasonCode, reasonString string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acks = append(m.acks, ackCall{packetID, reasonCode, reasonString})
	return nil
}

func (m *mockTransport) Disconnect(ctx context.Context, reasonCode mqcore.ReasonCode, sessionExpiry *uint32) error {
	return nil
}

func (m *mockTransport) Reauth(ctx context.Context, method string, data []byte) error { return nil }

func (m *mockTransport) Events() <-chan transport.Event { return m.events }

func (m *mockTransport) ClientID() string { return m.clientID }

func (m *mockTransport) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.events)
	}
	return nil
}

func (m *mockTransport) ackCalls() []ackCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ackCall, len(m.acks))
	copy(out, m.acks)
	return out
}
