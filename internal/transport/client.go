package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/brinkhaus/mqcore"
	"github.com/brinkhaus/mqcore/internal/packets"
)

// Config configures a Client's connection to a single MQTT v5 broker.
type Config struct {
	Host     string
	Port     int
	ClientID string

	Username string
	Password string

	KeepAlive      time.Duration
	ConnectTimeout time.Duration

	TLSConfig *tls.Config

	// SessionExpiryInterval requested in CONNECT, in seconds.
	SessionExpiryInterval uint32

	Logger zerolog.Logger
}

// pendingPublish/pendingSubscribe/pendingUnsubscribe are the outstanding
// request state kept in Client.pending, keyed by packet id — the same shape
// as the teacher's pending map[uint16]*pendingOp in client.go, split by
// packet type since each needs a differently shaped completion.
type pendingPublish struct {
	done chan error
}

type pendingSubscribe struct {
	done     chan SubscribeResult
	nFilters int
}

type pendingUnsubscribe struct {
	done chan error
}

// Client is the concrete Transport over a single TCP/TLS connection.
type Client struct {
	cfg  Config
	conn net.Conn

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[uint16]any
	nextID    uint16

	events chan Event

	readDone chan struct{}
	closeMu  sync.Mutex
	closed   bool
}

// New constructs a Client for cfg. Connect must be called before use.
func New(cfg Config) *Client {
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	return &Client{
		cfg:      cfg,
		pending:  make(map[uint16]any),
		events:   make(chan Event, 64),
		readDone: make(chan struct{}),
	}
}

func (c *Client) ClientID() string { return c.cfg.ClientID }

func (c *Client) Events() <-chan Event { return c.events }

// Connect dials the broker and performs the CONNECT/CONNACK handshake.
func (c *Client) Connect(ctx context.Context, cleanStart bool) (bool, error) {
	addr := fmt.Sprintf("%s:%d", c.cfg.Host, c.cfg.Port)

	dialer := &net.Dialer{Timeout: c.cfg.ConnectTimeout}
	var conn net.Conn
	var err error
	if c.cfg.TLSConfig != nil {
		conn, err = tls.DialWithDialer(dialer, "tcp", addr, c.cfg.TLSConfig)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return false, mqcore.Wrap(mqcore.KindBrokerUnavailable, err)
	}
	c.conn = conn

	connect := &packets.ConnectPacket{
		ProtocolName:  "MQTT",
		ProtocolLevel: 5,
		CleanSession:  cleanStart,
		KeepAlive:     uint16(c.cfg.KeepAlive / time.Second),
		ClientID:      c.cfg.ClientID,
		Properties: &packets.Properties{
			Presence:              packets.PresSessionExpiryInterval,
			SessionExpiryInterval: c.cfg.SessionExpiryInterval,
		},
	}
	if c.cfg.Username != "" {
		connect.UsernameFlag = true
		connect.Username = c.cfg.Username
	}
	if c.cfg.Password != "" {
		connect.PasswordFlag = true
		connect.Password = c.cfg.Password
	}

	if _, err := connect.WriteTo(conn); err != nil {
		_ = conn.Close()
		return false, mqcore.Wrap(mqcore.KindClientError, err)
	}

	pkt, err := packets.ReadPacket(conn, 5, 0)
	if err != nil {
		_ = conn.Close()
		return false, mqcore.Wrap(mqcore.KindClientError, err)
	}
	connack, ok := pkt.(*packets.ConnackPacket)
	if !ok {
		_ = conn.Close()
		return false, mqcore.NewError(mqcore.KindClientError, "expected CONNACK")
	}
	if connack.ReturnCode >= 0x80 {
		_ = conn.Close()
		return false, &mqcore.Error{
			Kind:      mqcore.KindConnectionRefused,
			IsShallow: false,
			Message:   mqcore.ReasonCode(connack.ReturnCode).String(),
		}
	}

	c.pendingMu.Lock()
	c.pending = make(map[uint16]any)
	c.pendingMu.Unlock()

	c.readDone = make(chan struct{})
	go c.readLoop()
	go c.keepaliveLoop()

	return connack.SessionPresent, nil
}

func (c *Client) readLoop() {
	defer close(c.readDone)
	for {
		pkt, err := packets.ReadPacket(c.conn, 5, 0)
		if err != nil {
			c.emit(Event{Kind: EventConnectionLost, Err: mqcore.Wrap(mqcore.KindClientError, err)})
			return
		}
		c.handlePacket(pkt)
	}
}

func (c *Client) handlePacket(pkt packets.Packet) {
	switch p := pkt.(type) {
	case *packets.PublishPacket:
		pub := mqcore.Publish{
			PacketID:   p.PacketID,
			Topic:      p.Topic,
			QoS:        mqcore.QoS(p.QoS),
			Payload:    p.Payload,
			Dup:        p.Dup,
			Properties: fromWireProperties(p.Properties),
		}
		c.emit(Event{Kind: EventPublish, Publish: pub})

	case *packets.PubackPacket:
		c.completePublish(p.PacketID, p.ReasonCode)

	case *packets.SubackPacket:
		c.completeSubscribe(p.PacketID, p.ReturnCodes)

	case *packets.UnsubackPacket:
		c.completeUnsubscribe(p.PacketID, p.ReasonCodes)

	case *packets.PingrespPacket:
		// keepalive liveness only; no pending state to resolve.

	case *packets.DisconnectPacket:
		c.emit(Event{Kind: EventBrokerDisconnect, ReasonCode: mqcore.ReasonCode(p.ReasonCode)})

	case *packets.AuthPacket:
		var method string
		var data []byte
		if p.Properties != nil {
			method = p.Properties.AuthenticationMethod
			data = p.Properties.AuthenticationData
		}
		c.emit(Event{
			Kind:        EventAuth,
			AuthMethod:  method,
			AuthData:    data,
			AuthSuccess: p.ReasonCode == packets.AuthReasonSuccess,
		})
	}
}

func (c *Client) emit(ev Event) {
	select {
	case c.events <- ev:
	case <-c.readDone:
	}
}

func (c *Client) completePublish(packetID uint16, reasonCode uint8) {
	c.pendingMu.Lock()
	op, ok := c.pending[packetID]
	if ok {
		delete(c.pending, packetID)
	}
	c.pendingMu.Unlock()
	if !ok {
		return
	}
	pp, ok := op.(*pendingPublish)
	if !ok {
		return
	}
	var err error
	if reasonCode >= 0x80 {
		err = &mqcore.Error{Kind: mqcore.KindClientError, Message: mqcore.ReasonCode(reasonCode).String()}
	}
	pp.done <- err
}

func (c *Client) completeSubscribe(packetID uint16, returnCodes []uint8) {
	c.pendingMu.Lock()
	op, ok := c.pending[packetID]
	if ok {
		delete(c.pending, packetID)
	}
	c.pendingMu.Unlock()
	if !ok {
		return
	}
	ps, ok := op.(*pendingSubscribe)
	if !ok {
		return
	}
	result := SubscribeResult{}
	for _, rc := range returnCodes {
		if rc >= 0x80 {
			result.Err = &mqcore.Error{Kind: mqcore.KindClientError, Message: mqcore.ReasonCode(rc).String()}
			continue
		}
		result.GrantedQoS = append(result.GrantedQoS, mqcore.QoS(rc))
	}
	ps.done <- result
}

func (c *Client) completeUnsubscribe(packetID uint16, reasonCodes []uint8) {
	c.pendingMu.Lock()
	op, ok := c.pending[packetID]
	if ok {
		delete(c.pending, packetID)
	}
	c.pendingMu.Unlock()
	if !ok {
		return
	}
	pu, ok := op.(*pendingUnsubscribe)
	if !ok {
		return
	}
	var err error
	for _, rc := range reasonCodes {
		if rc >= 0x80 {
			err = &mqcore.Error{Kind: mqcore.KindClientError, Message: mqcore.ReasonCode(rc).String()}
		}
	}
	pu.done <- err
}

func (c *Client) allocID() uint16 {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for i := 0; i < 65535; i++ {
		c.nextID++
		if c.nextID == 0 {
			c.nextID = 1
		}
		if _, used := c.pending[c.nextID]; !used {
			return c.nextID
		}
	}
	return c.nextID
}

func (c *Client) write(pkt packets.Packet) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err := pkt.WriteTo(c.conn)
	return err
}

// Publish implements Transport.
func (c *Client) Publish(ctx context.Context, pub OutgoingPublish) (uint16, <-chan error, error) {
	p := &packets.PublishPacket{
		QoS:        uint8(pub.QoS),
		Retain:     pub.Retain,
		Topic:      pub.Topic,
		Payload:    pub.Payload,
		Properties: toWireProperties(pub.Properties),
		Version:    5,
	}

	if pub.QoS == mqcore.QoS0 {
		if err := c.write(p); err != nil {
			return 0, nil, mqcore.Wrap(mqcore.KindClientError, err)
		}
		done := make(chan error, 1)
		done <- nil
		return 0, done, nil
	}

	id := c.allocID()
	p.PacketID = id
	done := make(chan error, 1)

	c.pendingMu.Lock()
	c.pending[id] = &pendingPublish{done: done}
	c.pendingMu.Unlock()

	if err := c.write(p); err != nil {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
		return 0, nil, mqcore.Wrap(mqcore.KindClientError, err)
	}
	return id, done, nil
}

// Subscribe implements Transport.
func (c *Client) Subscribe(ctx context.Context, filters []SubscribeFilter, props *mqcore.Properties) (<-chan SubscribeResult, error) {
	id := c.allocID()
	p := &packets.SubscribePacket{
		PacketID:   id,
		Properties: toWireProperties(props),
		Version:    5,
	}
	for _, f := range filters {
		p.Topics = append(p.Topics, f.Filter)
		p.QoS = append(p.QoS, uint8(f.QoS))
	}

	done := make(chan SubscribeResult, 1)
	c.pendingMu.Lock()
	c.pending[id] = &pendingSubscribe{done: done, nFilters: len(filters)}
	c.pendingMu.Unlock()

	if err := c.write(p); err != nil {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
		return nil, mqcore.Wrap(mqcore.KindClientError, err)
	}
	return done, nil
}

// Unsubscribe implements Transport.
func (c *Client) Unsubscribe(ctx context.Context, filters []string, props *mqcore.Properties) (<-chan error, error) {
	id := c.allocID()
	p := &packets.UnsubscribePacket{
		PacketID:   id,
		Topics:     filters,
		Properties: toWireProperties(props),
		Version:    5,
	}

	done := make(chan error, 1)
	c.pendingMu.Lock()
	c.pending[id] = &pendingUnsubscribe{done: done}
	c.pendingMu.Unlock()

	if err := c.write(p); err != nil {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
		return nil, mqcore.Wrap(mqcore.KindClientError, err)
	}
	return done, nil
}

// Ack implements Transport.
func (c *Client) Ack(packetID uint16, reasonCode mqcore.ReasonCode, reasonString string) error {
	p := &packets.PubackPacket{
		PacketID:   packetID,
		ReasonCode: uint8(reasonCode),
		Version:    5,
	}
	if reasonString != "" {
		p.Properties = &packets.Properties{
			Presence:     packets.PresReasonString,
			ReasonString: reasonString,
		}
	}
	return c.write(p)
}

// Disconnect implements Transport.
func (c *Client) Disconnect(ctx context.Context, reasonCode mqcore.ReasonCode, sessionExpiry *uint32) error {
	p := &packets.DisconnectPacket{
		ReasonCode: uint8(reasonCode),
		Version:    5,
	}
	if sessionExpiry != nil {
		p.Properties = &packets.Properties{
			Presence:              packets.PresSessionExpiryInterval,
			SessionExpiryInterval: *sessionExpiry,
		}
	}
	err := c.write(p)
	_ = c.Close()
	return err
}

// Reauth implements Transport.
func (c *Client) Reauth(ctx context.Context, method string, data []byte) error {
	p := &packets.AuthPacket{
		ReasonCode: packets.AuthReasonReauthenticate,
		Version:    5,
		Properties: &packets.Properties{
			Presence:             packets.PresAuthenticationMethod,
			AuthenticationMethod: method,
			AuthenticationData:   data,
		},
	}
	return c.write(p)
}

func (c *Client) keepaliveLoop() {
	if c.cfg.KeepAlive <= 0 {
		return
	}
	ticker := time.NewTicker(c.cfg.KeepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := c.write(&packets.PingreqPacket{}); err != nil {
				return
			}
		case <-c.readDone:
			return
		}
	}
}

// Close implements Transport.
func (c *Client) Close() error {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}
