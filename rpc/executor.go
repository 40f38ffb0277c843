package rpc

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/brinkhaus/mqcore"
	"github.com/brinkhaus/mqcore/session"
)

// Request is one incoming command invocation handed to a Handler.
type Request struct {
	Payload         []byte
	Properties      *mqcore.Properties
	SourceID        string
	ProtocolVersion string
}

// HandlerResult is what a Handler returns on success.
type HandlerResult struct {
	Payload        []byte
	ContentType    string
	PayloadFormat  mqcore.PayloadFormat
	UserProperties []mqcore.UserProperty
}

// Handler processes one Request. An application error (as opposed to a Go
// error reporting a transport/protocol fault) is signalled by returning a
// non-nil *AppError.
type Handler func(ctx context.Context, req Request) (HandlerResult, *AppError, error)

// AppError is a handler-raised application-level failure (§4.8 step 3: "the
// handler returns either a response payload or an application error").
type AppError struct {
	Message string
}

type cacheEntry struct {
	result    HandlerResult
	expiresAt time.Time
}

// ExecutorOptions configures an Executor.
type ExecutorOptions struct {
	// RequestFilter is the wire SUBSCRIBE filter, which may carry a
	// `$share/<group>/` prefix for load-shared executor replicas.
	RequestFilter string
	// DispatchFilter is the plain filter used to match delivered publish
	// topics against; for a non-shared subscription this equals
	// RequestFilter. It must never itself carry a `$share/` segment, since
	// the broker never delivers that prefix back in the topic name.
	DispatchFilter  string
	ProtocolVersion string
	AcceptedMajors  []string
	Idempotent      bool
	CacheTTL        time.Duration
}

// Executor serves commands delivered on a request topic (§4.8).
type Executor struct {
	client   Client
	opts     ExecutorOptions
	accepted map[string]bool
	handler  Handler

	mu    sync.Mutex
	cache map[string]cacheEntry

	log zerolog.Logger
}

// NewExecutor constructs an Executor. Call Run to start serving.
func NewExecutor(client Client, opts ExecutorOptions, handler Handler, log zerolog.Logger) *Executor {
	if opts.DispatchFilter == "" {
		opts.DispatchFilter = opts.RequestFilter
	}
	accepted := make(map[string]bool, len(opts.AcceptedMajors))
	for _, m := range opts.AcceptedMajors {
		accepted[m] = true
	}
	return &Executor{
		client:   client,
		opts:     opts,
		accepted: accepted,
		handler:  handler,
		cache:    make(map[string]cacheEntry),
		log:      log,
	}
}

// Run subscribes and serves requests until ctx is cancelled or the receiver
// is closed.
func (ex *Executor) Run(ctx context.Context) error {
	token, err := ex.client.Subscribe(ctx, ex.opts.RequestFilter, mqcore.QoS1, nil)
	if err != nil {
		return err
	}
	if err := token.Wait(ctx); err != nil {
		return err
	}

	rx, err := ex.client.CreateFilteredPubReceiver(ex.opts.DispatchFilter, false)
	if err != nil {
		return err
	}
	defer rx.Close()

	for {
		pub, ackTok, ok, err := rx.Recv(ctx)
		if !ok {
			return nil
		}
		if err != nil {
			return err
		}
		ex.handleRequest(ctx, pub, ackTok)
	}
}

func (ex *Executor) handleRequest(ctx context.Context, pub mqcore.Publish, ackTok *session.AckToken) {
	defer func() {
		if ackTok != nil {
			if err := ackTok.Ack(); err != nil {
				ex.log.Warn().Err(err).Msg("rpc: executor failed to ack request")
			}
		}
	}()

	props := pub.Properties
	if props == nil || props.ResponseTopic == "" {
		ex.log.Warn().Msg("rpc: request missing response topic, cannot reply")
		return
	}
	if len(props.CorrelationData) == 0 {
		ex.publishHeaderError(ctx, props)
		return
	}

	srcID, _ := props.Get(mqcore.UserPropSourceID)
	protoVer, _ := props.Get(mqcore.UserPropProtocolVer)

	if major, _, ok := splitMajorMinor(protoVer); ok && len(ex.accepted) > 0 && !ex.accepted[major] {
		ex.publishVersionRejection(ctx, props)
		return
	}

	key := string(props.CorrelationData)
	if ex.opts.Idempotent {
		if cached, ok := ex.cachedResult(key); ok {
			ex.publishResult(ctx, props, cached, nil)
			return
		}
	}

	result, appErr, err := ex.handler(ctx, Request{
		Payload: pub.Payload, Properties: props, SourceID: srcID, ProtocolVersion: protoVer,
	})
	if err != nil {
		ex.publishTransportError(ctx, props, err)
		return
	}

	if ex.opts.Idempotent {
		ex.storeResult(key, result)
	}
	ex.publishResult(ctx, props, result, appErr)
}

func (ex *Executor) cachedResult(key string) (HandlerResult, bool) {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	entry, ok := ex.cache[key]
	if !ok || time.Now().After(entry.expiresAt) {
		return HandlerResult{}, false
	}
	return entry.result, true
}

func (ex *Executor) storeResult(key string, result HandlerResult) {
	ttl := ex.opts.CacheTTL
	if ttl <= 0 {
		ttl = time.Minute
	}
	ex.mu.Lock()
	defer ex.mu.Unlock()
	ex.cache[key] = cacheEntry{result: result, expiresAt: time.Now().Add(ttl)}
}

func (ex *Executor) publishHeaderError(ctx context.Context, reqProps *mqcore.Properties) {
	respProps := &mqcore.Properties{}
	respProps.Set(mqcore.UserPropProtocolVer, ex.opts.ProtocolVersion)
	respProps.Set(mqcore.UserPropStatus, "400")
	ex.publish(ctx, reqProps.ResponseTopic, nil, respProps, "header error")
}

func (ex *Executor) publishResult(ctx context.Context, reqProps *mqcore.Properties, result HandlerResult, appErr *AppError) {
	respProps := &mqcore.Properties{
		ContentType:     result.ContentType,
		PayloadFormat:   result.PayloadFormat,
		CorrelationData: reqProps.CorrelationData,
		UserProperties:  append([]mqcore.UserProperty{}, result.UserProperties...),
	}
	respProps.Set(mqcore.UserPropProtocolVer, ex.opts.ProtocolVersion)
	if appErr != nil {
		respProps.Set(mqcore.UserPropStatus, "422")
		respProps.Set(mqcore.UserPropStatusMessage, appErr.Message)
		respProps.Set(mqcore.UserPropAppError, "true")
	} else {
		respProps.Set(mqcore.UserPropStatus, "200")
	}
	ex.publish(ctx, reqProps.ResponseTopic, result.Payload, respProps, "response")
}

func (ex *Executor) publishTransportError(ctx context.Context, reqProps *mqcore.Properties, handlerErr error) {
	respProps := &mqcore.Properties{CorrelationData: reqProps.CorrelationData}
	respProps.Set(mqcore.UserPropProtocolVer, ex.opts.ProtocolVersion)
	respProps.Set(mqcore.UserPropStatus, "500")
	respProps.Set(mqcore.UserPropStatusMessage, handlerErr.Error())
	ex.publish(ctx, reqProps.ResponseTopic, nil, respProps, "transport error response")
}

func (ex *Executor) publishVersionRejection(ctx context.Context, reqProps *mqcore.Properties) {
	respProps := &mqcore.Properties{CorrelationData: reqProps.CorrelationData}
	respProps.Set(mqcore.UserPropProtocolVer, ex.opts.ProtocolVersion)
	respProps.Set(mqcore.UserPropStatus, "505")
	respProps.Set(mqcore.UserPropSupportedMajor, strings.Join(sortedKeys(ex.accepted), " "))
	ex.publish(ctx, reqProps.ResponseTopic, nil, respProps, "version rejection")
}

func (ex *Executor) publish(ctx context.Context, topic string, payload []byte, props *mqcore.Properties, what string) {
	token, err := ex.client.Publish(ctx, topic, mqcore.QoS1, false, payload, props)
	if err != nil {
		ex.log.Warn().Err(err).Str("kind", what).Msg("rpc: executor failed to publish")
		return
	}
	if err := token.Wait(ctx); err != nil {
		ex.log.Warn().Err(err).Str("kind", what).Msg("rpc: executor publish not acked")
	}
}
