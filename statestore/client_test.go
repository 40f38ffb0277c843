package statestore

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brinkhaus/mqcore"
	"github.com/brinkhaus/mqcore/internal/transport"
	"github.com/brinkhaus/mqcore/rpc"
	"github.com/brinkhaus/mqcore/session"
)

// fakeBroker/brokerTransport mirror the in-process broker used to
// integration-test the RPC layer, here standing in for the state store
// service's command executor.
type fakeBroker struct {
	mu      sync.Mutex
	clients map[*brokerTransport][]mqcore.Filter
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{clients: make(map[*brokerTransport][]mqcore.Filter)}
}

func (b *fakeBroker) register(t *brokerTransport) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.clients[t] = nil
}

func (b *fakeBroker) subscribe(t *brokerTransport, filterStr string) {
	f, err := mqcore.ParseFilter(filterStr)
	if err != nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.clients[t] = append(b.clients[t], f)
}

func (b *fakeBroker) publish(pub transport.OutgoingPublish) {
	name, err := mqcore.ParseName(pub.Topic)
	if err != nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for t, filters := range b.clients {
		for _, f := range filters {
			if mqcore.Matches(name, f) {
				t.deliver(pub)
				break
			}
		}
	}
}

type brokerTransport struct {
	clientID string
	broker   *fakeBroker
	events   chan transport.Event
	nextID   uint32
}

func newBrokerTransport(clientID string, b *fakeBroker) *brokerTransport {
	t := &brokerTransport{clientID: clientID, broker: b, events: make(chan transport.Event, 64)}
	b.register(t)
	return t
}

func (t *brokerTransport) deliver(pub transport.OutgoingPublish) {
	id := uint32(0)
	if pub.QoS == mqcore.QoS1 {
		id = atomic.AddUint32(&t.nextID, 1)
	}
	t.events <- transport.Event{Kind: transport.EventPublish, Publish: mqcore.Publish{
		PacketID: uint16(id), Topic: pub.Topic, QoS: pub.QoS, Payload: pub.Payload, Properties: pub.Properties,
	}}
}

func (t *brokerTransport) Connect(ctx context.Context, cleanStart bool) (bool, error) { return true, nil }

func (t *brokerTransport) Publish(ctx context.Context, pub transport.OutgoingPublish) (uint16, <-chan error, error) {
	done := make(chan error, 1)
	t.broker.publish(pub)
	done <- nil
	return 0, done, nil
}

func (t *brokerTransport) Subscribe(ctx context.Context, filters []transport.SubscribeFilter, props *mqcore.Properties) (<-chan transport.SubscribeResult, error) {
	qos := make([]mqcore.QoS, len(filters))
	for i, f := range filters {
		t.broker.subscribe(t, f.Filter)
		qos[i] = f.QoS
	}
	done := make(chan transport.SubscribeResult, 1)
	done <- transport.SubscribeResult{GrantedQoS: qos}
	return done, nil
}

func (t *brokerTransport) Unsubscribe(ctx context.Context, filters []string, props *mqcore.Properties) (<-chan error, error) {
	done := make(chan error, 1)
	done <- nil
	return done, nil
}

func (t *brokerTransport) Ack(packetID uint16, reasonCode mqcore.ReasonCode, reasonString string) error {
	return nil
}

func (t *brokerTransport) Disconnect(ctx context.Context, reasonCode mqcore.ReasonCode, sessionExpiry *uint32) error {
	return nil
}

func (t *brokerTransport) Reauth(ctx context.Context, method string, data []byte) error { return nil }

func (t *brokerTransport) Events() <-chan transport.Event { return t.events }

func (t *brokerTransport) ClientID() string { return t.clientID }

func (t *brokerTransport) Close() error { return nil }

// fakeStore is a minimal in-memory implementation of the state store
// service's command surface, driven by an rpc.Executor the same way the
// real service would be, to exercise Client end-to-end.
type fakeStore struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newFakeStoreHandler(store *fakeStore) rpc.Handler {
	return func(ctx context.Context, req rpc.Request) (rpc.HandlerResult, *rpc.AppError, error) {
		var resp []byte
		store.mu.Lock()
		switch {
		case hasFrame(req.Payload, "SET"):
			key, value, ok := parseSetFrame(req.Payload)
			if !ok {
				resp = []byte("-ERR syntax error\r\n")
			} else {
				store.data[string(key)] = value
				resp = []byte("+OK\r\n")
			}
		case hasFrame(req.Payload, "GET"):
			key, ok := parseGetFrame(req.Payload)
			if !ok {
				resp = []byte("-ERR syntax error\r\n")
			} else if v, found := store.data[string(key)]; found {
				resp = encodeBulk(v)
			} else {
				resp = []byte("$-1\r\n")
			}
		case hasFrame(req.Payload, "DEL"):
			key, ok := parseGetFrame(req.Payload) // DEL has the same 2-arg shape as GET
			if !ok {
				resp = []byte("-ERR syntax error\r\n")
			} else if _, found := store.data[string(key)]; found {
				delete(store.data, string(key))
				resp = []byte(":1\r\n")
			} else {
				resp = []byte(":0\r\n")
			}
		default:
			resp = []byte("-ERR unknown command\r\n")
		}
		store.mu.Unlock()
		return rpc.HandlerResult{Payload: resp}, nil, nil
	}
}

func TestClientSetGetDelRoundTrip(t *testing.T) {
	b := newFakeBroker()
	invokerTransport := newBrokerTransport("store-client-1", b)
	executorTransport := newBrokerTransport("store-service-1", b)

	invokerSession := session.New(invokerTransport, session.Config{Logger: zerolog.Nop()})
	executorSession := session.New(executorTransport, session.Config{Logger: zerolog.Nop()})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go invokerSession.Run(ctx)
	go executorSession.Run(ctx)

	store := &fakeStore{data: make(map[string][]byte)}
	ex := rpc.NewExecutor(executorSession.Client(), rpc.ExecutorOptions{
		RequestFilter: "statestore/v1/invoke", ProtocolVersion: "1.0", AcceptedMajors: []string{"1"},
	}, newFakeStoreHandler(store), zerolog.Nop())
	go ex.Run(ctx)

	inv := rpc.NewInvoker(invokerSession.Client(), "store-client-1/response", "1.0", []string{"1"}, zerolog.Nop())
	defer inv.Close()

	time.Sleep(50 * time.Millisecond)

	c := New(inv, invokerSession.Client(), Config{
		RequestTopic: "statestore/v1/invoke",
		Timeout:      2 * time.Second,
	}, zerolog.Nop())

	_, found, _, err := c.Get(ctx, []byte("widget"))
	require.NoError(t, err)
	assert.False(t, found)

	_, applied, err := c.Set(ctx, []byte("widget"), []byte("42"), SetOptions{}, nil)
	require.NoError(t, err)
	assert.True(t, applied)

	value, found, _, err := c.Get(ctx, []byte("widget"))
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte("42"), value)

	count, err := c.Del(ctx, []byte("widget"), nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	_, found, _, err = c.Get(ctx, []byte("widget"))
	require.NoError(t, err)
	assert.False(t, found)
}

func TestClientSetEmptyKeyRejected(t *testing.T) {
	c := &Client{cfg: Config{Timeout: time.Second}}
	_, _, err := c.Set(context.Background(), nil, []byte("v"), SetOptions{}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, mqcore.KindKeyLengthZero)
}

func TestServiceErrorMapping(t *testing.T) {
	err := serviceError([]byte("not authorized"))
	assert.Equal(t, mqcore.KindNotAuthorized, err.Kind)

	err = serviceError([]byte("something unexpected"))
	assert.Equal(t, mqcore.KindExecutionException, err.Kind)
}

// ---- tiny RESP3 request parsing helpers for the fake store handler ----

func hasFrame(payload []byte, verb string) bool {
	args, ok := splitArgs(payload)
	return ok && len(args) > 0 && string(args[0]) == verb
}

func parseSetFrame(payload []byte) (key, value []byte, ok bool) {
	args, ok := splitArgs(payload)
	if !ok || len(args) < 3 {
		return nil, nil, false
	}
	return args[1], args[2], true
}

func parseGetFrame(payload []byte) (key []byte, ok bool) {
	args, ok := splitArgs(payload)
	if !ok || len(args) < 2 {
		return nil, false
	}
	return args[1], true
}

func encodeBulk(v []byte) []byte {
	return []byte("$" + itoa(len(v)) + "\r\n" + string(v) + "\r\n")
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := ""
	for n > 0 {
		digits = string(rune('0'+n%10)) + digits
		n /= 10
	}
	return digits
}

// splitArgs is a deliberately minimal RESP3 array-of-bulk-strings parser,
// sufficient for the fixed request shapes this fake store receives.
func splitArgs(payload []byte) ([][]byte, bool) {
	if len(payload) == 0 || payload[0] != '*' {
		return nil, false
	}
	i := 1
	n := 0
	for i < len(payload) && payload[i] != '\r' {
		n = n*10 + int(payload[i]-'0')
		i++
	}
	i += 2 // \r\n
	args := make([][]byte, 0, n)
	for a := 0; a < n; a++ {
		if i >= len(payload) || payload[i] != '$' {
			return nil, false
		}
		i++
		length := 0
		for i < len(payload) && payload[i] != '\r' {
			length = length*10 + int(payload[i]-'0')
			i++
		}
		i += 2
		if i+length > len(payload) {
			return nil, false
		}
		args = append(args, payload[i:i+length])
		i += length + 2
	}
	return args, true
}
