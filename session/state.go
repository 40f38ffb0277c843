package session

import (
	"sync"

	"github.com/rs/zerolog"
)

// LifecycleStatus is the part of the session's lifecycle it currently
// occupies (§4.5).
type LifecycleStatus int

const (
	LifecycleNotStarted LifecycleStatus = iota
	LifecycleRunning
	LifecycleExited
)

func (s LifecycleStatus) String() string {
	switch s {
	case LifecycleNotStarted:
		return "not_started"
	case LifecycleRunning:
		return "running"
	case LifecycleExited:
		return "exited"
	default:
		return "unknown"
	}
}

// DesireExit records whether, and by whom, a session exit has been
// requested.
type DesireExit int

const (
	DesireExitNone DesireExit = iota
	DesireExitUser
	DesireExitInternal
)

func (d DesireExit) String() string {
	switch d {
	case DesireExitNone:
		return "none"
	case DesireExitUser:
		return "user"
	case DesireExitInternal:
		return "internal"
	default:
		return "unknown"
	}
}

// state tracks session lifecycle, connectedness, and exit intent behind a
// single RWMutex, notifying waiters on every transition. Readers
// (is_connected, has_exited, desire_exit) are cheap; writers hold the lock
// only for the duration of the transition, as required by §5.
type state struct {
	mu sync.RWMutex

	lifecycle  LifecycleStatus
	connected  bool
	desireExit DesireExit

	// changeCh is closed and replaced on every transition, giving waiters a
	// channel to select on without missing a notification delivered between
	// their check and their wait (the Go equivalent of tokio::sync::Notify's
	// notify_waiters, since a plain channel can't be "notified" without a
	// receiver already parked on it).
	changeCh chan struct{}

	log zerolog.Logger
}

func newState(log zerolog.Logger) *state {
	return &state{lifecycle: LifecycleNotStarted, changeCh: make(chan struct{}), log: log}
}

func (s *state) notifyLocked() {
	close(s.changeCh)
	s.changeCh = make(chan struct{})
}

// watch returns the current connected/has-exited/desire-exit snapshot and a
// channel that closes on the next transition.
func (s *state) watch() (connected, exited bool, desire DesireExit, changed <-chan struct{}) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected, s.lifecycle == LifecycleExited, s.desireExit, s.changeCh
}

func (s *state) isConnected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected
}

func (s *state) hasExited() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lifecycle == LifecycleExited
}

func (s *state) desireExitKind() DesireExit {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.desireExit
}

func (s *state) transitionConnected() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connected {
		s.log.Warn().Msg("duplicate connection transition")
		return
	}
	s.connected = true
	s.log.Info().Msg("connected")
	s.notifyLocked()
}

func (s *state) transitionDisconnected() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return
	}
	s.connected = false
	switch s.desireExit {
	case DesireExitNone:
		s.log.Info().Msg("connection lost")
	case DesireExitUser:
		s.log.Info().Msg("disconnected: user-initiated exit")
	case DesireExitInternal:
		s.log.Info().Msg("disconnected: session-initiated exit")
	}
	s.notifyLocked()
}

func (s *state) transitionRunning() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lifecycle = LifecycleRunning
	s.log.Info().Msg("session started")
	s.notifyLocked()
}

func (s *state) transitionExited() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lifecycle = LifecycleExited
	s.log.Info().Msg("session exited")
	s.notifyLocked()
}

func (s *state) transitionUserDesireExit() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.desireExit = DesireExitUser
	s.log.Info().Msg("user initiated session exit")
	s.notifyLocked()
}

func (s *state) transitionInternalDesireExit() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.desireExit = DesireExitInternal
	s.log.Info().Msg("session initiated internal exit")
	s.notifyLocked()
}
