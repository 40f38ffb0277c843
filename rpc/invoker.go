// Package rpc implements the RPC Command Invoker and Executor (§4.7, §4.8):
// request/response correlation over MQTT publishes, protocol version
// negotiation via the `__protVer`/`__supProtMajVer` user properties, and
// (on the executor side) an idempotent response cache keyed by correlation
// data.
package rpc

import (
	"context"
	"crypto/rand"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/brinkhaus/mqcore"
	"github.com/brinkhaus/mqcore/session"
)

// Client is the slice of the Managed Client the invoker and executor depend
// on; *session.ManagedClient satisfies it directly.
type Client interface {
	Publish(ctx context.Context, topic string, qos mqcore.QoS, retain bool, payload []byte, props *mqcore.Properties) (*session.CompletionToken, error)
	Subscribe(ctx context.Context, filter string, qos mqcore.QoS, props *mqcore.Properties) (*session.CompletionToken, error)
	CreateFilteredPubReceiver(filter string, autoAck bool) (*session.Receiver, error)
	ClientID() string
}

// Response is a completed RPC reply.
type Response struct {
	Payload       []byte
	ContentType   string
	PayloadFormat mqcore.PayloadFormat
	UserProps     []mqcore.UserProperty
}

// InvokeRequest describes one outgoing command invocation.
type InvokeRequest struct {
	Topic          string // after token substitution
	Payload        []byte
	ContentType    string
	PayloadFormat  mqcore.PayloadFormat
	Timeout        time.Duration
	UserProperties []mqcore.UserProperty
}

type pendingEntry struct {
	done chan Response
	err  chan error
}

// Invoker issues commands and correlates their responses (§4.7).
type Invoker struct {
	client          Client
	responseTopic   string
	protocolVersion string
	acceptedMajors  map[string]bool

	mu      sync.Mutex
	pending map[string]pendingEntry

	subscribeOnce sync.Once
	subscribeErr  error
	receiver      *session.Receiver

	log zerolog.Logger
}

// NewInvoker constructs an Invoker that listens for responses on
// responseTopic. protocolVersion is this invoker's own "major.minor"
// string; acceptedMajors lists the major versions it is willing to accept
// in a response.
func NewInvoker(client Client, responseTopic, protocolVersion string, acceptedMajors []string, log zerolog.Logger) *Invoker {
	accepted := make(map[string]bool, len(acceptedMajors))
	for _, m := range acceptedMajors {
		accepted[m] = true
	}
	return &Invoker{
		client:          client,
		responseTopic:   responseTopic,
		protocolVersion: protocolVersion,
		acceptedMajors:  accepted,
		pending:         make(map[string]pendingEntry),
		log:             log,
	}
}

// Invoke sends req and blocks for the matching response, a timeout, or ctx
// cancellation (§4.7 steps 1-7).
func (inv *Invoker) Invoke(ctx context.Context, req InvokeRequest) (Response, error) {
	if err := inv.ensureSubscribed(ctx); err != nil {
		return Response{}, err
	}

	correlation := make([]byte, 16)
	if _, err := rand.Read(correlation); err != nil {
		return Response{}, mqcore.Wrap(mqcore.KindInternalLogic, err)
	}
	key := string(correlation)

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	props := &mqcore.Properties{
		ContentType:     req.ContentType,
		PayloadFormat:   req.PayloadFormat,
		CorrelationData: correlation,
		ResponseTopic:   inv.responseTopic,
		MessageExpiry:   time.Duration(ceilSeconds(timeout)) * time.Second,
		UserProperties:  append([]mqcore.UserProperty{}, req.UserProperties...),
	}
	props.Set(mqcore.UserPropProtocolVer, inv.protocolVersion)
	props.Set(mqcore.UserPropSourceID, inv.client.ClientID())

	entry := pendingEntry{done: make(chan Response, 1), err: make(chan error, 1)}
	inv.mu.Lock()
	inv.pending[key] = entry
	inv.mu.Unlock()

	token, err := inv.client.Publish(ctx, req.Topic, mqcore.QoS1, false, req.Payload, props)
	if err != nil {
		inv.removePending(key)
		return Response{}, mqcore.Wrap(mqcore.KindClientError, err)
	}
	if err := token.Wait(ctx); err != nil {
		inv.removePending(key)
		return Response{}, mqcore.Wrap(mqcore.KindClientError, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case resp := <-entry.done:
		return resp, nil
	case err := <-entry.err:
		return Response{}, err
	case <-timer.C:
		inv.removePending(key)
		return Response{}, mqcore.NewError(mqcore.KindTimeout, "rpc: invoke timed out waiting for response")
	case <-ctx.Done():
		inv.removePending(key)
		return Response{}, mqcore.Wrap(mqcore.KindCancellation, ctx.Err())
	}
}

func (inv *Invoker) removePending(key string) {
	inv.mu.Lock()
	delete(inv.pending, key)
	inv.mu.Unlock()
}

func (inv *Invoker) ensureSubscribed(ctx context.Context) error {
	inv.subscribeOnce.Do(func() {
		token, err := inv.client.Subscribe(ctx, inv.responseTopic, mqcore.QoS1, nil)
		if err != nil {
			inv.subscribeErr = err
			return
		}
		if err := token.Wait(ctx); err != nil {
			inv.subscribeErr = err
			return
		}
		rx, err := inv.client.CreateFilteredPubReceiver(inv.responseTopic, true)
		if err != nil {
			inv.subscribeErr = err
			return
		}
		inv.receiver = rx
		go inv.receiveLoop()
	})
	return inv.subscribeErr
}

func (inv *Invoker) receiveLoop() {
	ctx := context.Background()
	for {
		pub, _, ok, err := inv.receiver.Recv(ctx)
		if !ok || err != nil {
			return
		}
		inv.handleResponse(pub)
	}
}

func (inv *Invoker) handleResponse(pub mqcore.Publish) {
	if pub.Properties == nil || len(pub.Properties.CorrelationData) == 0 {
		inv.log.Warn().Msg("rpc: response missing correlation data, dropped")
		return
	}
	key := string(pub.Properties.CorrelationData)

	inv.mu.Lock()
	entry, ok := inv.pending[key]
	if ok {
		delete(inv.pending, key)
	}
	inv.mu.Unlock()
	if !ok {
		return // late or unknown response; nothing to wake
	}

	protoVer, _ := pub.Properties.Get(mqcore.UserPropProtocolVer)
	if major, _, ok := splitMajorMinor(protoVer); ok && len(inv.acceptedMajors) > 0 && !inv.acceptedMajors[major] {
		entry.err <- &mqcore.Error{
			Kind:                  mqcore.KindUnsupportedVersion,
			IsShallow:             false,
			IsRemote:              true,
			UnsupportedVersion:    protoVer,
			AcceptedMajorVersions: sortedKeys(inv.acceptedMajors),
		}
		return
	}

	statStr, _ := pub.Properties.Get(mqcore.UserPropStatus)
	if statStr != "" {
		if stat, convErr := strconv.Atoi(statStr); convErr == nil && stat >= 400 {
			msg, _ := pub.Properties.Get(mqcore.UserPropStatusMessage)
			appErrStr, _ := pub.Properties.Get(mqcore.UserPropAppError)
			kind := mqcore.KindExecutionException
			entry.err <- &mqcore.Error{Kind: kind, IsRemote: true, Message: msg,
				PropertyName: mqcore.UserPropAppError, PropertyValue: appErrStr}
			return
		}
	}

	entry.done <- Response{
		Payload:       pub.Payload,
		ContentType:   pub.Properties.ContentType,
		PayloadFormat: pub.Properties.PayloadFormat,
		UserProps:     pub.Properties.UserProperties,
	}
}

// Close releases the invoker's response receiver.
func (inv *Invoker) Close() {
	if inv.receiver != nil {
		inv.receiver.Close()
	}
}

func ceilSeconds(d time.Duration) uint32 {
	secs := d / time.Second
	if d%time.Second != 0 {
		secs++
	}
	if secs < 1 {
		secs = 1
	}
	return uint32(secs)
}

func splitMajorMinor(version string) (major, minor string, ok bool) {
	parts := strings.SplitN(version, ".", 2)
	if len(parts) != 2 || parts[0] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1] > out[j]; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}
