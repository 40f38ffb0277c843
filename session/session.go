package session

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/brinkhaus/mqcore"
	"github.com/brinkhaus/mqcore/ack"
	"github.com/brinkhaus/mqcore/dispatch"
	"github.com/brinkhaus/mqcore/internal/transport"
	"github.com/brinkhaus/mqcore/reconnect"
)

// CredentialRefresher supplies a fresh bearer credential shortly before the
// one currently in use expires, so Session can rotate it over an MQTT v5
// AUTH exchange without dropping the connection (§4.5, credential-refresh
// background task).
type CredentialRefresher interface {
	// NextRefresh returns how long until the current credential should be
	// rotated, and the auth method name to use.
	NextRefresh() (time.Duration, string)
	// Refresh produces the bytes to send as AUTH authentication data.
	Refresh(ctx context.Context) ([]byte, error)
}

// Config configures a Session.
type Config struct {
	DispatchCapacity int
	Reconnect        reconnect.Policy
	Credentials      CredentialRefresher // nil disables the refresh task
	Logger           zerolog.Logger
}

// Session owns the event loop described in §4.5: it drives a Transport
// through CONNECT/reconnect, dispatches incoming publishes, and keeps
// outgoing PUBACKs in order via a Tracker. Exactly one goroutine may call
// Run for a given Session.
type Session struct {
	cfg        Config
	transport  transport.Transport
	dispatcher *dispatch.Dispatcher
	tracker    *ack.Tracker
	state      *state
	log        zerolog.Logger

	forceExit chan struct{}
	forceOnce sync.Once

	client *ManagedClient
}

// New constructs a Session bound to t. Call Run to start its event loop.
func New(t transport.Transport, cfg Config) *Session {
	if cfg.DispatchCapacity <= 0 {
		cfg.DispatchCapacity = 64
	}
	log := cfg.Logger
	d := dispatch.New(cfg.DispatchCapacity)
	tr := ack.New()
	s := &Session{
		cfg:        cfg,
		transport:  t,
		dispatcher: d,
		tracker:    tr,
		state:      newState(log),
		log:        log,
		forceExit:  make(chan struct{}),
	}
	s.client = newManagedClient(t.ClientID(), t, d, tr, log)
	return s
}

// Client returns the Managed Client handle for this session.
func (s *Session) Client() *ManagedClient { return s.client }

// IsConnected reports the session's current connectedness.
func (s *Session) IsConnected() bool { return s.state.isConnected() }

// HasExited reports whether the session loop has finished.
func (s *Session) HasExited() bool { return s.state.hasExited() }

// TryExit requests a graceful exit: DISCONNECT is sent with a session expiry
// interval of 0 and the loop waits up to keepAlive for the session to
// observe its own disconnection before returning (§4.6 "try_exit").
func (s *Session) TryExit(ctx context.Context, keepAlive time.Duration) error {
	s.state.transitionUserDesireExit()
	var zeroExpiry uint32
	if err := s.transport.Disconnect(ctx, mqcore.ReasonCodeSuccess, &zeroExpiry); err != nil {
		return err
	}

	timer := time.NewTimer(keepAlive)
	defer timer.Stop()
	for {
		if s.state.hasExited() {
			return nil
		}
		_, _, _, changed := s.state.watch()
		select {
		case <-changed:
		case <-timer.C:
			return mqcore.NewError(mqcore.KindTimeout, "session: try_exit timed out waiting for loop to observe disconnect")
		case <-ctx.Done():
			return mqcore.Wrap(mqcore.KindCancellation, ctx.Err())
		}
	}
}

// ExitForce requests an exit, allowing at most one second of graceful
// DISCONNECT handling before the event loop is unblocked unconditionally
// (§4.6 "exit_force").
func (s *Session) ExitForce(ctx context.Context) {
	s.state.transitionUserDesireExit()
	gctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	var zeroExpiry uint32
	_ = s.transport.Disconnect(gctx, mqcore.ReasonCodeSuccess, &zeroExpiry)
	s.forceOnce.Do(func() { close(s.forceExit) })
}

// Run executes the event loop until the session exits or ctx is cancelled.
// It blocks; callers typically run it in its own goroutine or as an
// errgroup member. A Session runs at most once: calling Run after it has
// exited returns a KindStateInvalid error.
func (s *Session) Run(ctx context.Context) error {
	if s.state.hasExited() {
		return mqcore.NewError(mqcore.KindStateInvalid, "session: Run called on a session that has already exited")
	}
	s.state.transitionRunning()
	defer s.state.transitionExited()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.runAckEmission(gctx) })
	if s.cfg.Credentials != nil {
		g.Go(func() error { return s.runCredentialRefresh(gctx) })
	}

	loopErr := s.runLoop(ctx)
	_ = g.Wait() // background tasks end with ctx; their errors are logged, not fatal
	return loopErr
}

// runLoop implements the numbered event-loop steps of §4.5.
func (s *Session) runLoop(ctx context.Context) error {
	firstConnect := true
	attempt := 0 // consecutive failed connect attempts since the last successful connect

	for {
		select {
		case <-s.forceExit:
			return nil
		case <-ctx.Done():
			return mqcore.Wrap(mqcore.KindCancellation, ctx.Err())
		default:
		}

		sessionPresent, err := s.transport.Connect(ctx, firstConnect)
		if err != nil {
			if mqErr, ok := err.(*mqcore.Error); ok && mqErr.Kind == mqcore.KindConnectionRefused {
				return err
			}
			if recErr := s.handleConnectionError(ctx, err, attempt); recErr != nil {
				return recErr
			}
			attempt++
			if s.state.desireExitKind() != DesireExitNone {
				return nil
			}
			continue
		}
		if !firstConnect && !sessionPresent {
			s.state.transitionInternalDesireExit()
			return mqcore.NewError(mqcore.KindSessionLost, "session: broker reports no session present on reconnect")
		}
		firstConnect = false
		attempt = 0
		s.state.transitionConnected()

		err = s.drainEvents(ctx)
		s.state.transitionDisconnected()

		if err == nil {
			return nil // graceful DISCONNECT observed, or force-exit fired
		}

		if s.state.desireExitKind() != DesireExitNone {
			return nil
		}

		if recErr := s.handleConnectionError(ctx, err, attempt); recErr != nil {
			return recErr
		}
		attempt++
	}
}

// drainEvents consumes transport events until disconnection, a fatal
// broker-initiated condition, or the loop's own exit signals fire.
func (s *Session) drainEvents(ctx context.Context) error {
	for {
		select {
		case <-s.forceExit:
			return nil
		case <-ctx.Done():
			return mqcore.Wrap(mqcore.KindCancellation, ctx.Err())
		case ev, ok := <-s.transport.Events():
			if !ok {
				return mqcore.NewError(mqcore.KindBrokerUnavailable, "session: event stream closed")
			}
			switch ev.Kind {
			case transport.EventPublish:
				s.handlePublish(ctx, ev.Publish)
			case transport.EventBrokerDisconnect:
				return nil
			case transport.EventConnectionLost:
				return ev.Err
			case transport.EventAuth:
				// Re-authentication progress notifications; nothing to act on
				// beyond logging until the credential-refresh task drives the
				// next AUTH leg.
				s.log.Debug().Bool("success", ev.AuthSuccess).Str("method", ev.AuthMethod).Msg("auth progress")
			}
		}
	}
}

// handlePublish implements event-loop step 3: duplicate suppression,
// dispatch, and registering the dispatch count as the required ack count.
func (s *Session) handlePublish(ctx context.Context, pub mqcore.Publish) {
	if pub.Dup && pub.PacketID != 0 && s.tracker.Contains(pub.PacketID) {
		s.log.Debug().Uint16("packet_id", pub.PacketID).Msg("discarding duplicate publish")
		return
	}

	n, err := s.dispatcher.Dispatch(ctx, pub)
	if err != nil {
		if pub.PacketID != 0 {
			go func() {
				if ackErr := s.transport.Ack(pub.PacketID, mqcore.ReasonCodeNoMatchingSubscriber, ""); ackErr != nil {
					s.log.Warn().Err(ackErr).Uint16("packet_id", pub.PacketID).Msg("auto-ack on undispatched publish failed")
				}
			}()
		}
		return
	}

	if err := s.tracker.RegisterPending(pub.PacketID, n); err != nil {
		s.log.Warn().Err(err).Uint16("packet_id", pub.PacketID).Msg("failed to register pending ack")
	}
}

// handleConnectionError implements event-loop steps 5-7: if an exit is
// already desired, the caller treats this as a clean stop; otherwise consult
// the Reconnect Policy and either sleep or halt.
func (s *Session) handleConnectionError(ctx context.Context, err error, attempt int) error {
	if s.state.desireExitKind() != DesireExitNone {
		return nil
	}

	delay, halt := s.cfg.Reconnect.NextDelay(attempt, err)
	if halt {
		s.state.transitionInternalDesireExit()
		return mqcore.NewError(mqcore.KindReconnectHalted, "session: reconnect policy halted after repeated failures")
	}

	s.log.Info().Err(err).Dur("delay", delay).Msg("reconnecting after connection error")
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-s.forceExit:
		return mqcore.NewError(mqcore.KindForceExit, "session: force exit during reconnect backoff")
	case <-ctx.Done():
		return mqcore.Wrap(mqcore.KindCancellation, ctx.Err())
	}
}

// runAckEmission drives the Tracker and emits the corresponding PUBACKs in
// order (§4.5 "a background task drives next_ready on the tracker").
// Emission failures are logged, not fatal, per §4.5 failure semantics.
func (s *Session) runAckEmission(ctx context.Context) error {
	for {
		desc, err := s.tracker.NextReady(ctx)
		if err != nil {
			return nil
		}
		if ackErr := s.transport.Ack(desc.PacketID, desc.ReasonCode, desc.ReasonString); ackErr != nil {
			s.log.Warn().Err(ackErr).Uint16("packet_id", desc.PacketID).Msg("ack emission failed")
		}
	}
}

// runCredentialRefresh rotates the bearer credential just before expiry via
// an MQTT v5 AUTH exchange (§4.5, second background task).
func (s *Session) runCredentialRefresh(ctx context.Context) error {
	for {
		delay, method := s.cfg.Credentials.NextRefresh()
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil
		}

		data, err := s.cfg.Credentials.Refresh(ctx)
		if err != nil {
			s.log.Warn().Err(err).Msg("credential refresh failed")
			continue
		}
		if err := s.transport.Reauth(ctx, method, data); err != nil {
			s.log.Warn().Err(err).Msg("reauth failed")
		}
	}
}
