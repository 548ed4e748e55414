package terminal

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"pkt.systems/pslog"

	"github.com/Tech-Arch1tect/berth-sub004/internal/ttyproto"
)

type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateConnected  State = "connected"
	StateClosed     State = "closed"
	StateError      State = "error"
)

func (s State) Terminal() bool {
	return s == StateClosed || s == StateError
}

// Handlers receive session events. They run outside the manager lock, on the
// goroutine that observed the event.
type Handlers struct {
	OnOutput func(data []byte)
	OnState  func(state State, err error)
}

// SessionInfo is a point-in-time copy of a session.
type SessionInfo struct {
	ID           string
	RemoteID     string
	Target       ttyproto.Target
	Cols         int
	Rows         int
	State        State
	IsConnected  bool
	IsConnecting bool
	Err          error
	ExitCode     *int
}

// Session is one interactive shell inside a container. All mutable fields are
// guarded by the owning Manager's mutex.
type Session struct {
	m         *Manager
	id        string
	target    ttyproto.Target
	requestID string
	log       pslog.Logger

	remoteID  string
	shell     string
	state     State
	err       error
	exitCode  *int
	cols      int
	rows      int
	sentCols  int
	sentRows  int
	startSent bool
	ctrl      *control

	startTimer  *time.Timer
	resizeTimer *time.Timer

	handlers atomic.Pointer[Handlers]
	settled  chan struct{}
	done     chan struct{}
}

func (s *Session) ID() string { return s.id }

func (s *Session) Target() ttyproto.Target { return s.target }

func (s *Session) SetHandlers(h Handlers) {
	s.handlers.Store(&h)
}

func (s *Session) loadHandlers() Handlers {
	if h := s.handlers.Load(); h != nil {
		return *h
	}
	return Handlers{}
}

// Done is closed once the session reaches closed or error.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Ready blocks until the session is connected or has ended.
func (s *Session) Ready(ctx context.Context) error {
	select {
	case <-s.settled:
	case <-ctx.Done():
		return ctx.Err()
	}
	info := s.Snapshot()
	switch info.State {
	case StateConnected:
		return nil
	case StateError:
		return info.Err
	default:
		return ErrSessionClosed
	}
}

func (s *Session) Snapshot() SessionInfo {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() SessionInfo {
	info := SessionInfo{
		ID:           s.id,
		RemoteID:     s.remoteID,
		Target:       s.target,
		Cols:         s.cols,
		Rows:         s.rows,
		State:        s.state,
		IsConnected:  s.state == StateConnected,
		IsConnecting: s.state == StateConnecting,
		Err:          s.err,
	}
	if s.exitCode != nil {
		v := *s.exitCode
		info.ExitCode = &v
	}
	return info
}

// Write forwards keyboard input to the remote shell.
func (s *Session) Write(data []byte) error {
	s.m.mu.Lock()
	if s.state.Terminal() {
		s.m.mu.Unlock()
		return ErrSessionClosed
	}
	if s.state != StateConnected || s.ctrl == nil {
		s.m.mu.Unlock()
		return ErrNotConnected
	}
	conn, frame, log := s.ctrl.conn, ttyproto.InputFrame(s.remoteID, data), s.log
	s.m.mu.Unlock()

	if !sendFrame(conn, frame, log) {
		return fmt.Errorf("send input: %w", ErrNotConnected)
	}
	return nil
}

// Resize records the local terminal size. Changes within the settle window
// are sent as a single resize frame.
func (s *Session) Resize(cols, rows int) error {
	if cols <= 0 || rows <= 0 {
		return fmt.Errorf("invalid terminal size %dx%d", cols, rows)
	}
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if s.state.Terminal() {
		return ErrSessionClosed
	}
	s.cols, s.rows = cols, rows
	if s.state == StateConnected && s.resizeTimer == nil {
		s.resizeTimer = time.AfterFunc(s.m.opts.ResizeSettle, func() { s.m.flushResize(s) })
	}
	return nil
}

// Close ends the session and tells the server to stop the shell. The tab, if
// any, stays in place until the manager closes it.
func (s *Session) Close() {
	var after effects
	s.m.mu.Lock()
	s.endLocked(StateClosed, nil, true, &after)
	s.m.mu.Unlock()
	after.run()
}

func (s *Session) setStateLocked(state State, err error, after *effects) {
	if s.state == state {
		return
	}
	s.state = state
	s.err = err
	switch state {
	case StateConnected:
		closeSignal(s.settled)
	case StateClosed, StateError:
		closeSignal(s.settled)
		closeSignal(s.done)
	}
	after.add(func() {
		if h := s.loadHandlers(); h.OnState != nil {
			h.OnState(state, err)
		}
	})
}

// endLocked moves the session to a terminal state and releases its share of
// the control connection.
func (s *Session) endLocked(state State, err error, sendClose bool, after *effects) {
	if s.state.Terminal() {
		return
	}
	if s.startTimer != nil {
		s.startTimer.Stop()
		s.startTimer = nil
	}
	if s.resizeTimer != nil {
		s.resizeTimer.Stop()
		s.resizeTimer = nil
	}
	if c := s.ctrl; c != nil {
		if sendClose && s.remoteID != "" && c.connected && !c.dead {
			conn, frame, log := c.conn, ttyproto.CloseFrame(s.remoteID), s.log
			after.add(func() { sendFrame(conn, frame, log) })
		}
		c.detachLocked(s)
		s.ctrl = nil
		if closeConn := s.m.releaseControlLocked(c); closeConn != nil {
			after.add(closeConn)
		}
	}
	if err != nil {
		s.log.Warn("terminal session failed", "err", err)
	} else {
		s.log.Info("terminal session closed")
	}
	s.setStateLocked(state, err, after)
}

func (s *Session) sendStartLocked() func() {
	s.startSent = true
	conn := s.ctrl.conn
	frame := ttyproto.StartFrame(s.requestID, s.target, s.cols, s.rows, s.shell)
	log := s.log
	return func() {
		if !sendFrame(conn, frame, log) {
			log.Warn("terminal start frame not sent")
		}
	}
}

type effects []func()

func (e *effects) add(fn func()) {
	*e = append(*e, fn)
}

func (e effects) run() {
	for _, fn := range e {
		fn()
	}
}

func closeSignal(ch chan struct{}) {
	select {
	case <-ch:
	default:
		close(ch)
	}
}
