package lock

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
	"github.com/brinkhaus/mqcore/hlc"
	"github.com/brinkhaus/mqcore/internal/transport"
	"github.com/brinkhaus/mqcore/rpc"
	"github.com/brinkhaus/mqcore/session"
	"github.com/brinkhaus/mqcore/statestore"
)

// fakeBroker/brokerTransport mirror the in-process broker used throughout
// this runtime's integration tests.
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

// fakeStore is an in-memory SET/GET/VDEL-only state store service handler,
// sufficient to exercise the lock client's acquire/release path.
type fakeStore struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newFakeStoreHandler(store *fakeStore) rpc.Handler {
	return func(ctx context.Context, req rpc.Request) (rpc.HandlerResult, *rpc.AppError, error) {
		args, ok := splitArgs(req.Payload)
		if !ok || len(args) == 0 {
			return rpc.HandlerResult{Payload: []byte("-ERR syntax error\r\n")}, nil, nil
		}

		store.mu.Lock()
		defer store.mu.Unlock()

		switch string(args[0]) {
		case "SET":
			key, value := string(args[1]), args[2]
			condition := "UNCONDITIONAL"
			if len(args) > 3 {
				condition = string(args[3])
			}
			_, exists := store.data[key]
			if condition == "NEX" && exists && string(store.data[key]) != string(value) {
				return rpc.HandlerResult{Payload: []byte(":-1\r\n")}, nil, nil
			}
			store.data[key] = value
			// The service stamps every applied write with its version, which
			// the lock client hands back as the fencing token.
			version, _ := hlc.New("fake-store").Now()
			return rpc.HandlerResult{
				Payload:        []byte("+OK\r\n"),
				UserProperties: []mqcore.UserProperty{{Key: mqcore.UserPropTimestamp, Value: version.String()}},
			}, nil, nil
		case "GET":
			key := string(args[1])
			if v, found := store.data[key]; found {
				return rpc.HandlerResult{Payload: encodeBulk(v)}, nil, nil
			}
			return rpc.HandlerResult{Payload: []byte("$-1\r\n")}, nil, nil
		case "VDEL":
			key, value := string(args[1]), string(args[2])
			if v, found := store.data[key]; found && string(v) == value {
				delete(store.data, key)
				return rpc.HandlerResult{Payload: []byte(":1\r\n")}, nil, nil
			}
			return rpc.HandlerResult{Payload: []byte(":0\r\n")}, nil, nil
		case "KEYNOTIFY":
			// Notification delivery itself isn't exercised by these tests;
			// only that registering/cancelling one doesn't error.
			return rpc.HandlerResult{Payload: []byte("+OK\r\n")}, nil, nil
		default:
			return rpc.HandlerResult{Payload: []byte("-ERR unknown command\r\n")}, nil, nil
		}
	}
}

func newTestClient(t *testing.T, holderID string) (*statestore.Client, context.Context) {
	t.Helper()
	b := newFakeBroker()
	invokerTransport := newBrokerTransport(holderID, b)
	executorTransport := newBrokerTransport(holderID+"-store-service", b)

	invokerSession := session.New(invokerTransport, session.Config{Logger: zerolog.Nop()})
	executorSession := session.New(executorTransport, session.Config{Logger: zerolog.Nop()})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go invokerSession.Run(ctx)
	go executorSession.Run(ctx)

	store := &fakeStore{data: make(map[string][]byte)}
	ex := rpc.NewExecutor(executorSession.Client(), rpc.ExecutorOptions{
		RequestFilter: "statestore/v1/invoke", ProtocolVersion: "1.0", AcceptedMajors: []string{"1"},
	}, newFakeStoreHandler(store), zerolog.Nop())
	go ex.Run(ctx)

	inv := rpc.NewInvoker(invokerSession.Client(), holderID+"/response", "1.0", []string{"1"}, zerolog.Nop())
	t.Cleanup(inv.Close)

	time.Sleep(50 * time.Millisecond)

	return statestore.New(inv, invokerSession.Client(), statestore.Config{
		RequestTopic:             "statestore/v1/invoke",
		NotificationTopicPattern: holderID + "/statestore/notify/{key}",
		Timeout:                  2 * time.Second,
	}, zerolog.Nop()), ctx
}

func TestTryAcquireThenAlreadyHeld(t *testing.T) {
	store, ctx := newTestClient(t, "holder-1")

	first, err := New(store, []byte("printer-lock"), []byte("holder-1"))
	require.NoError(t, err)
	second, err := New(store, []byte("printer-lock"), []byte("holder-1b"))
	require.NoError(t, err)

	token, err := first.TryAcquire(ctx, time.Minute, time.Second)
	require.NoError(t, err)
	assert.NotZero(t, token)

	_, err = second.TryAcquire(ctx, time.Minute, time.Second)
	require.Error(t, err)
	assert.ErrorIs(t, err, mqcore.KindLockAlreadyHeld)
}

func TestReleaseThenReacquire(t *testing.T) {
	store, ctx := newTestClient(t, "holder-2")

	c, err := New(store, []byte("printer-lock"), []byte("holder-2"))
	require.NoError(t, err)

	_, err = c.TryAcquire(ctx, time.Minute, time.Second)
	require.NoError(t, err)

	require.NoError(t, c.Release(ctx, time.Second))

	token, err := c.TryAcquire(ctx, time.Minute, time.Second)
	require.NoError(t, err)
	assert.NotZero(t, token)
}

func TestNewRejectsEmptyNames(t *testing.T) {
	_, err := New(nil, nil, []byte("holder"))
	require.Error(t, err)
	assert.ErrorIs(t, err, mqcore.KindLockNameLengthZero)

	_, err = New(nil, []byte("lock"), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, mqcore.KindLockHolderNameLengthZero)
}

func TestAcquireAndUpdateValueDoesNotUpdate(t *testing.T) {
	store, ctx := newTestClient(t, "holder-3")

	c, err := New(store, []byte("printer-lock"), []byte("holder-3"))
	require.NoError(t, err)

	applied, err := c.AcquireAndUpdateValue(ctx, time.Minute, time.Second, []byte("counter"), func(current []byte, found bool) UpdateDecision {
		return DoNotUpdate()
	})
	require.NoError(t, err)
	assert.True(t, applied)

	holder, err := c.GetLockHolder(ctx)
	require.NoError(t, err)
	assert.Nil(t, holder) // released after the update decision ran
}

// ---- tiny RESP3 request parsing + bulk-string encoding helpers ----

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
	i += 2
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
