package terminal

import (
	"fmt"
	"net/http"
	"time"

	"pkt.systems/pslog"

	"github.com/Tech-Arch1tect/berth-sub004/internal/logx"
	"github.com/Tech-Arch1tect/berth-sub004/internal/ttyproto"
	"github.com/Tech-Arch1tect/berth-sub004/internal/wsconn"
)

// control is one shared WebSocket carrying the frames of every session
// negotiated against the same websocket_url.
type control struct {
	url       string
	conn      *wsconn.Conn
	connected bool
	dead      bool
	refs      int
	pending   []*Session
	sessions  map[string]*Session
}

func (c *control) detachLocked(s *Session) {
	for i, p := range c.pending {
		if p == s {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			break
		}
	}
	if s.remoteID != "" && c.sessions[s.remoteID] == s {
		delete(c.sessions, s.remoteID)
	}
}

// takePendingLocked matches a reply to the start that caused it. Replies
// without a request_id go to the oldest start already sent.
func (c *control) takePendingLocked(requestID string) *Session {
	for i, s := range c.pending {
		if !s.startSent {
			continue
		}
		if requestID != "" && s.requestID != requestID {
			continue
		}
		c.pending = append(c.pending[:i], c.pending[i+1:]...)
		return s
	}
	return nil
}

func (m *Manager) acquireControlLocked(url, token string) *control {
	if c, ok := m.controls[url]; ok && !c.dead {
		c.refs++
		return c
	}
	c := &control{url: url, refs: 1, sessions: make(map[string]*Session)}
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	m.controls[url] = c
	c.conn = wsconn.Open(m.ctx, url, wsconn.Options{
		Header: header,
		Dialer: m.opts.Dialer,
		Logger: m.log,
		Handlers: wsconn.Handlers{
			OnConnect:    func() { m.handleControlConnect(c) },
			OnMessage:    func(data []byte) { m.handleControlFrame(c, data) },
			OnDisconnect: func(err error) { m.handleControlLost(c, err) },
			OnError:      func(err error) { m.handleControlLost(c, err) },
		},
	})
	return c
}

// releaseControlLocked drops one reference and returns the close call for the
// caller to run after unlocking once nothing uses the connection.
func (m *Manager) releaseControlLocked(c *control) func() {
	c.refs--
	if c.refs > 0 {
		return nil
	}
	if m.controls[c.url] == c {
		delete(m.controls, c.url)
	}
	c.dead = true
	return c.conn.Close
}

func (m *Manager) handleControlConnect(c *control) {
	var after effects
	m.mu.Lock()
	if m.closed || c.dead {
		m.mu.Unlock()
		return
	}
	c.connected = true
	for _, s := range c.pending {
		if !s.startSent {
			after.add(s.sendStartLocked())
		}
	}
	m.mu.Unlock()
	after.run()
}

func (m *Manager) handleControlLost(c *control, err error) {
	var after effects
	m.mu.Lock()
	if m.closed || c.dead {
		m.mu.Unlock()
		return
	}
	c.connected = false
	victims := append([]*Session(nil), c.pending...)
	for _, s := range c.sessions {
		victims = append(victims, s)
	}
	cause := fmt.Errorf("%w: %v", ErrConnectionLost, err)
	for _, s := range victims {
		s.endLocked(StateError, cause, false, &after)
	}
	c.dead = true
	if m.controls[c.url] == c {
		delete(m.controls, c.url)
	}
	m.mu.Unlock()
	after.run()
}

func (m *Manager) handleControlFrame(c *control, data []byte) {
	frame, err := ttyproto.Decode(data, m.opts.MaxFrame)
	if err != nil {
		m.log.Warn("terminal dropped malformed frame", "err", err)
		return
	}

	var after effects
	m.mu.Lock()
	if m.closed || c.dead {
		m.mu.Unlock()
		return
	}
	switch frame.Type {
	case ttyproto.TypeSuccess:
		s := c.takePendingLocked(frame.RequestID)
		if s == nil {
			m.log.Warn("terminal success without pending start", "request_id", frame.RequestID)
			break
		}
		s.remoteID = frame.SessionID
		s.log = logx.WithSession(s.log, frame.SessionID)
		c.sessions[frame.SessionID] = s
		if s.startTimer != nil {
			s.startTimer.Stop()
			s.startTimer = nil
		}
		s.log.Info("terminal session connected")
		s.setStateLocked(StateConnected, nil, &after)
		s.resizeTimer = time.AfterFunc(m.opts.InitialResizeDelay, func() { m.flushResize(s) })
	case ttyproto.TypeOutput:
		if s := c.sessions[frame.SessionID]; s != nil {
			out := frame.Output
			after.add(func() {
				if h := s.loadHandlers(); h.OnOutput != nil {
					h.OnOutput(out)
				}
			})
		}
	case ttyproto.TypeClose:
		if s := c.sessions[frame.SessionID]; s != nil {
			if frame.ExitCode != nil {
				v := *frame.ExitCode
				s.exitCode = &v
			}
			s.endLocked(StateClosed, nil, false, &after)
		}
	case ttyproto.TypeError:
		var s *Session
		if frame.SessionID != "" {
			s = c.sessions[frame.SessionID]
		} else {
			s = c.takePendingLocked(frame.RequestID)
		}
		if s == nil {
			m.log.Warn("terminal error frame for unknown session", "session", frame.SessionID, "error", frame.Error)
			break
		}
		s.endLocked(StateError, fmt.Errorf("%w: %s", ErrRemote, frame.Error), false, &after)
	default:
		m.log.Debug("terminal ignored frame", "type", string(frame.Type))
	}
	m.mu.Unlock()
	after.run()
}

// flushResize sends the latest size when it differs from what the server has.
func (m *Manager) flushResize(s *Session) {
	m.mu.Lock()
	s.resizeTimer = nil
	if s.state != StateConnected || s.ctrl == nil || s.cols <= 0 || s.rows <= 0 {
		m.mu.Unlock()
		return
	}
	if s.cols == s.sentCols && s.rows == s.sentRows {
		m.mu.Unlock()
		return
	}
	s.sentCols, s.sentRows = s.cols, s.rows
	conn, frame, log := s.ctrl.conn, ttyproto.ResizeFrame(s.remoteID, s.cols, s.rows), s.log
	m.mu.Unlock()
	sendFrame(conn, frame, log)
}

func sendFrame(conn *wsconn.Conn, frame ttyproto.Frame, log pslog.Logger) bool {
	body, err := ttyproto.Encode(frame)
	if err != nil {
		log.Warn("terminal encode frame failed", "type", string(frame.Type), "err", err)
		return false
	}
	if !conn.SendRaw(body) {
		log.Debug("terminal frame dropped", "type", string(frame.Type))
		return false
	}
	return true
}
