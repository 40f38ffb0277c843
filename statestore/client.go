package statestore

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/brinkhaus/mqcore"
	"github.com/brinkhaus/mqcore/hlc"
	"github.com/brinkhaus/mqcore/rpc"
	"github.com/brinkhaus/mqcore/session"
)

// serviceErrorKinds maps the exact RESP3 error text the state store service
// sends back to a typed error kind (§4.10 "map by exact error text").
var serviceErrorKinds = map[string]mqcore.Kind{
	"the request timestamp is too far in the future; ensure that the client and broker system clocks are synchronized": mqcore.KindTimestampSkew,
	"a fencing token is required for this request":                mqcore.KindMissingFencingToken,
	"the request fencing token timestamp is too far in the future; ensure that the client and broker system clocks are synchronized": mqcore.KindFencingTokenSkew,
	"the request fencing token is a lower version than the fencing token protecting the resource":                                   mqcore.KindFencingTokenLowerVersion,
	"the quota has been exceeded":       mqcore.KindKeyQuotaExceeded,
	"syntax error":                      mqcore.KindSyntaxError,
	"not authorized":                    mqcore.KindNotAuthorized,
	"unknown command":                   mqcore.KindUnknownCommand,
	"wrong number of arguments":         mqcore.KindWrongNumberOfArguments,
	"malformed timestamp":               mqcore.KindMalformedTimestamp,
	"the key length is zero":            mqcore.KindKeyLengthZero,
}

func serviceError(text []byte) *mqcore.Error {
	s := string(text)
	if kind, ok := serviceErrorKinds[s]; ok {
		return &mqcore.Error{Kind: kind, IsRemote: true, Message: s}
	}
	return &mqcore.Error{Kind: mqcore.KindExecutionException, IsRemote: true, Message: s}
}

// Config configures a Client.
type Config struct {
	// RequestTopic is the command topic the invoker publishes RESP3
	// requests to; it may carry {token} segments resolved by Tokens.
	RequestTopic string
	// NotificationTopicPattern is the per-client notification topic; it
	// must contain a {key} segment, one notification filter is subscribed
	// per observed key.
	NotificationTopicPattern string
	Tokens                   map[string]string
	Timeout                  time.Duration
}

// KeyObservation is the channel of notifications for one observed key; the
// caller must ack each delivered notification's AckToken (§4.3 ordered-ack
// discipline).
type KeyObservation struct {
	Key string
	C   <-chan KeyNotificationEntry

	rx *session.Receiver
}

// KeyNotificationEntry pairs a decoded notification with its ack handle.
type KeyNotificationEntry struct {
	Notification KeyNotification
	Ack          *session.AckToken
}

// KeyNotification is a state change on an observed key, version-stamped.
type KeyNotification struct {
	Key     string
	Op      NotificationOp
	Value   []byte
	Version hlc.Timestamp
}

// Close stops the observation's background delivery loop and unsubscribes
// its receiver from further local dispatch.
func (o *KeyObservation) Close() {
	o.rx.Close()
}

// Client is the State Store Client (§4.10), composed over an RPC Command
// Invoker: every verb is one request/response round trip whose payload is a
// RESP3 frame.
type Client struct {
	invoker rpc.Client
	inv     *rpc.Invoker
	cfg     Config
	log     zerolog.Logger

	mu           sync.Mutex
	observations map[string]*KeyObservation
}

// New constructs a Client. invoker issues the RESP3 requests; client is the
// same Managed Client handle invoker was built from, used to subscribe
// per-key notification topics for Observe.
func New(invoker *rpc.Invoker, client rpc.Client, cfg Config, log zerolog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Client{invoker: client, inv: invoker, cfg: cfg, log: log, observations: make(map[string]*KeyObservation)}
}

func (c *Client) requestTopic() (string, error) {
	return mqcore.SubstituteTopicTokens(c.cfg.RequestTopic, c.cfg.Tokens)
}

func (c *Client) invoke(ctx context.Context, frame []byte, fencingToken *hlc.Timestamp) (Response, *hlc.Timestamp, error) {
	topic, err := c.requestTopic()
	if err != nil {
		return Response{}, nil, err
	}

	var ups []mqcore.UserProperty
	if fencingToken != nil {
		ups = append(ups, mqcore.UserProperty{Key: mqcore.UserPropFencingToken, Value: fencingToken.String()})
	}

	resp, err := c.inv.Invoke(ctx, rpc.InvokeRequest{
		Topic: topic, Payload: frame, Timeout: c.cfg.Timeout, UserProperties: ups,
	})
	if err != nil {
		return Response{}, nil, err
	}

	decoded, err := Decode(resp.Payload)
	if err != nil {
		return Response{}, nil, err
	}
	if decoded.Kind == RespError {
		return Response{}, nil, serviceError(decoded.ErrText)
	}

	var version *hlc.Timestamp
	if raw, ok := propertyValue(resp.UserProps, mqcore.UserPropTimestamp); ok {
		ts, parseErr := hlc.Parse(raw)
		if parseErr == nil {
			version = &ts
		}
	}
	return decoded, version, nil
}

func propertyValue(ups []mqcore.UserProperty, key string) (string, bool) {
	for _, up := range ups {
		if up.Key == key {
			return up.Value, true
		}
	}
	return "", false
}

// Set performs `SET key value [NX|NEX] [PX ms]`. applied is false when the
// condition prevented the write (server returned :-1).
func (c *Client) Set(ctx context.Context, key, value []byte, opts SetOptions, fencingToken *hlc.Timestamp) (version *hlc.Timestamp, applied bool, err error) {
	if len(key) == 0 {
		return nil, false, mqcore.NewError(mqcore.KindKeyLengthZero, "statestore: key length must not be zero")
	}
	resp, version, err := c.invoke(ctx, EncodeSet(key, value, opts), fencingToken)
	if err != nil {
		return nil, false, err
	}
	switch resp.Kind {
	case RespOK:
		return version, true, nil
	case RespNotApplied:
		return version, false, nil
	default:
		return nil, false, mqcore.NewError(mqcore.KindPayloadInvalid, "statestore: unexpected response to SET")
	}
}

// Get performs `GET key`.
func (c *Client) Get(ctx context.Context, key []byte) (value []byte, found bool, version *hlc.Timestamp, err error) {
	if len(key) == 0 {
		return nil, false, nil, mqcore.NewError(mqcore.KindKeyLengthZero, "statestore: key length must not be zero")
	}
	resp, version, err := c.invoke(ctx, EncodeGet(key), nil)
	if err != nil {
		return nil, false, nil, err
	}
	switch resp.Kind {
	case RespValue:
		return resp.Value, true, version, nil
	case RespNotFound:
		return nil, false, version, nil
	default:
		return nil, false, nil, mqcore.NewError(mqcore.KindPayloadInvalid, "statestore: unexpected response to GET")
	}
}

// Del performs `DEL key`, returning the count of deleted keys (0 or 1).
func (c *Client) Del(ctx context.Context, key []byte, fencingToken *hlc.Timestamp) (int64, error) {
	if len(key) == 0 {
		return 0, mqcore.NewError(mqcore.KindKeyLengthZero, "statestore: key length must not be zero")
	}
	resp, _, err := c.invoke(ctx, EncodeDel(key), fencingToken)
	if err != nil {
		return 0, err
	}
	switch resp.Kind {
	case RespValuesDeleted:
		return resp.Count, nil
	case RespNotFound:
		return 0, nil
	default:
		return 0, mqcore.NewError(mqcore.KindPayloadInvalid, "statestore: unexpected response to DEL")
	}
}

// VDel performs `VDEL key value`: deletes only if the stored value matches.
func (c *Client) VDel(ctx context.Context, key, value []byte, fencingToken *hlc.Timestamp) (int64, error) {
	if len(key) == 0 {
		return 0, mqcore.NewError(mqcore.KindKeyLengthZero, "statestore: key length must not be zero")
	}
	resp, _, err := c.invoke(ctx, EncodeVDel(key, value), fencingToken)
	if err != nil {
		return 0, err
	}
	switch resp.Kind {
	case RespValuesDeleted:
		return resp.Count, nil
	case RespNotFound, RespNotApplied:
		return 0, nil
	default:
		return 0, mqcore.NewError(mqcore.KindPayloadInvalid, "statestore: unexpected response to VDEL")
	}
}

// Observe registers a KEYNOTIFY subscription for key and returns a channel
// of decoded notifications. At most one live observation per key per
// client; a second Observe call for the same key fails.
func (c *Client) Observe(ctx context.Context, key string) (*KeyObservation, error) {
	c.mu.Lock()
	if _, exists := c.observations[key]; exists {
		c.mu.Unlock()
		return nil, mqcore.NewError(mqcore.KindDuplicateObserve, "statestore: key may only be observed once at a time")
	}
	c.mu.Unlock()

	if _, _, err := c.invoke(ctx, EncodeKeyNotify([]byte(key), false), nil); err != nil {
		return nil, err
	}

	tokens := make(map[string]string, len(c.cfg.Tokens)+1)
	for k, v := range c.cfg.Tokens {
		tokens[k] = v
	}
	tokens["key"] = key
	topic, err := mqcore.SubstituteTopicTokens(c.cfg.NotificationTopicPattern, tokens)
	if err != nil {
		return nil, err
	}

	subToken, err := c.invoker.Subscribe(ctx, topic, mqcore.QoS1, nil)
	if err != nil {
		return nil, err
	}
	if err := subToken.Wait(ctx); err != nil {
		return nil, err
	}
	rx, err := c.invoker.CreateFilteredPubReceiver(topic, false)
	if err != nil {
		return nil, err
	}

	out := make(chan KeyNotificationEntry, 16)
	obs := &KeyObservation{Key: key, C: out, rx: rx}

	c.mu.Lock()
	c.observations[key] = obs
	c.mu.Unlock()

	go func() {
		defer close(out)
		for {
			pub, ackTok, ok, err := rx.Recv(ctx)
			if !ok || err != nil {
				return
			}
			note, decodeErr := DecodeNotification(pub.Payload)
			if decodeErr != nil {
				c.log.Warn().Err(decodeErr).Str("key", key).Msg("statestore: dropped malformed notification")
				if ackTok != nil {
					_ = ackTok.Ack()
				}
				continue
			}
			var version hlc.Timestamp
			if pub.Properties != nil {
				if raw, ok := propertyValue(pub.Properties.UserProperties, mqcore.UserPropTimestamp); ok {
					if ts, parseErr := hlc.Parse(raw); parseErr == nil {
						version = ts
					}
				}
			}
			out <- KeyNotificationEntry{
				Notification: KeyNotification{Key: key, Op: note.Op, Value: note.Value, Version: version},
				Ack:          ackTok,
			}
		}
	}()

	return obs, nil
}

// Unobserve cancels a key's KEYNOTIFY subscription and stops its delivery
// loop.
func (c *Client) Unobserve(ctx context.Context, key string) error {
	c.mu.Lock()
	obs, ok := c.observations[key]
	if ok {
		delete(c.observations, key)
	}
	c.mu.Unlock()
	if !ok {
		return nil
	}
	obs.Close()

	_, _, err := c.invoke(ctx, EncodeKeyNotify([]byte(key), true), nil)
	return err
}
