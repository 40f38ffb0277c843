package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brinkhaus/mqcore"
	"github.com/brinkhaus/mqcore/internal/transport"
	"github.com/brinkhaus/mqcore/reconnect"
)

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestReconnectCleanStartFlip(t *testing.T) {
	mt := newMockTransport("device-1")
	var cleanStarts []bool
	mt.connectFn = func(cleanStart bool) (bool, error) {
		cleanStarts = append(cleanStarts, cleanStart)
		return true, nil
	}

	s := New(mt, Config{Reconnect: reconnect.New(time.Millisecond, time.Millisecond, 0), Logger: zerolog.Nop()})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	waitFor(t, time.Second, func() bool { return len(cleanStarts) == 1 })
	assert.True(t, cleanStarts[0])

	mt.events <- transport.Event{Kind: transport.EventConnectionLost, Err: errors.New("connection reset")}

	waitFor(t, time.Second, func() bool { return len(cleanStarts) == 2 })
	assert.False(t, cleanStarts[1])

	s.ExitForce(context.Background())
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("session did not exit")
	}
}

func TestSessionLostOnReconnectWithoutSessionPresent(t *testing.T) {
	mt := newMockTransport("device-1")
	calls := 0
	mt.connectFn = func(cleanStart bool) (bool, error) {
		calls++
		if calls == 1 {
			return true, nil
		}
		return false, nil
	}

	s := New(mt, Config{Reconnect: reconnect.New(time.Millisecond, time.Millisecond, 0), Logger: zerolog.Nop()})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	waitFor(t, time.Second, func() bool { return calls == 1 })
	mt.events <- transport.Event{Kind: transport.EventConnectionLost, Err: errors.New("connection reset")}

	select {
	case err := <-done:
		require.Error(t, err)
		assert.ErrorIs(t, err, mqcore.KindSessionLost)
	case <-time.After(time.Second):
		t.Fatal("session did not report session loss")
	}
	assert.True(t, s.HasExited())
}

func TestReconnectHaltsSessionAfterMaxAttempts(t *testing.T) {
	mt := newMockTransport("device-1")
	first := true
	mt.connectFn = func(cleanStart bool) (bool, error) {
		if first {
			first = false
			return true, nil
		}
		return false, errors.New("refused")
	}

	s := New(mt, Config{Reconnect: reconnect.New(time.Millisecond, time.Millisecond, 1), Logger: zerolog.Nop()})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	waitFor(t, time.Second, func() bool { return !first })
	mt.events <- transport.Event{Kind: transport.EventConnectionLost, Err: errors.New("dropped")}

	select {
	case err := <-done:
		require.Error(t, err)
		assert.ErrorIs(t, err, mqcore.KindReconnectHalted)
	case <-time.After(time.Second):
		t.Fatal("session did not halt")
	}
}

func TestDuplicatePublishIsNotRedispatched(t *testing.T) {
	mt := newMockTransport("device-1")
	s := New(mt, Config{Logger: zerolog.Nop()})

	rx, err := s.Client().CreateFilteredPubReceiver("sensor/+/temp", true)
	require.NoError(t, err)

	first := mqcore.Publish{PacketID: 7, Topic: "sensor/a/temp", Payload: []byte("21.5"), QoS: mqcore.QoS1}
	s.handlePublish(context.Background(), first)

	dup := first
	dup.Dup = true
	s.handlePublish(context.Background(), dup)

	select {
	case p := <-rx.rx.C():
		assert.Equal(t, first.Payload, p.Payload)
	default:
		t.Fatal("expected first publish to be dispatched")
	}
	select {
	case <-rx.rx.C():
		t.Fatal("duplicate publish must not be redispatched")
	default:
	}
}

func TestSingleRecipientQoS1RoundTrip(t *testing.T) {
	mt := newMockTransport("device-1")
	s := New(mt, Config{Logger: zerolog.Nop()})

	rx, err := s.Client().CreateFilteredPubReceiver("sensor/+/temp", false)
	require.NoError(t, err)

	pub := mqcore.Publish{PacketID: 7, Topic: "sensor/a/temp", Payload: []byte("21.5"), QoS: mqcore.QoS1}
	s.handlePublish(context.Background(), pub)

	got, token, ok, err := rx.Recv(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, pub.Payload, got.Payload)
	require.NotNil(t, token)
	require.NoError(t, token.Ack())

	go func() {
		ackCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		desc, err := s.tracker.NextReady(ackCtx)
		if err != nil {
			return
		}
		_ = s.transport.Ack(desc.PacketID, desc.ReasonCode, desc.ReasonString)
	}()

	waitFor(t, time.Second, func() bool { return len(mt.ackCalls()) == 1 })
	calls := mt.ackCalls()
	assert.Equal(t, uint16(7), calls[0].packetID)
	assert.Equal(t, mqcore.ReasonCodeSuccess, calls[0].reasonCode)
}

func TestUndispatchedPublishIsAutoAcked(t *testing.T) {
	mt := newMockTransport("device-1")
	s := New(mt, Config{Logger: zerolog.Nop()})
	s.dispatcher.Unfiltered().Close()

	pub := mqcore.Publish{PacketID: 9, Topic: "sensor/a/temp", Payload: []byte("21.5"), QoS: mqcore.QoS1}
	s.handlePublish(context.Background(), pub)

	waitFor(t, time.Second, func() bool { return len(mt.ackCalls()) == 1 })
	assert.Equal(t, mqcore.ReasonCodeNoMatchingSubscriber, mt.ackCalls()[0].reasonCode)
	assert.False(t, s.tracker.Contains(9))
}
