package wsconn

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"pkt.systems/pslog"

	"github.com/Tech-Arch1tect/berth-sub004/internal/logx"
)

type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	StatusError        Status = "error"
)

var ErrClosed = errors.New("connection closed")

const (
	DefaultReconnectInterval = 3 * time.Second
	DefaultHandshakeTimeout  = 10 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
	DefaultReadLimit         = 8 << 20
)

// Handlers are loaded fresh for every delivery, so SetHandlers takes effect
// for the next event, including after a reconnect.
type Handlers struct {
	OnMessage    func(data []byte)
	OnConnect    func()
	OnDisconnect func(err error)
	OnError      func(err error)
	OnStatus     func(status Status)
}

type Options struct {
	Handlers          Handlers
	AutoReconnect     bool
	ReconnectInterval time.Duration
	Strategy          Strategy
	Header            http.Header
	Subprotocols      []string
	Dialer            *websocket.Dialer
	HandshakeTimeout  time.Duration
	WriteTimeout      time.Duration
	ReadLimit         int64
	Logger            pslog.Logger
}

// Conn is one logical connection to url. The underlying socket is replaced on
// every reconnect; the Conn itself lives until Close.
type Conn struct {
	url      string
	opts     Options
	dialer   *websocket.Dialer
	strategy Strategy
	log      pslog.Logger
	handlers atomic.Pointer[Handlers]

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	ws      *websocket.Conn
	status  Status
	attempt int
	timer   *time.Timer
	closed  bool

	writeMu   sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
}

// Open starts connecting to url in the background and returns immediately.
// Cancelling ctx is equivalent to calling Close.
func Open(ctx context.Context, url string, opts Options) *Conn {
	if opts.ReconnectInterval <= 0 {
		opts.ReconnectInterval = DefaultReconnectInterval
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = DefaultReadLimit
	}
	strategy := opts.Strategy
	if strategy == nil {
		strategy = FixedInterval(opts.ReconnectInterval)
	}
	dialer := opts.Dialer
	if dialer == nil {
		d := *websocket.DefaultDialer
		dialer = &d
	}
	if len(opts.Subprotocols) > 0 {
		d := *dialer
		d.Subprotocols = append([]string(nil), opts.Subprotocols...)
		dialer = &d
	}

	c := &Conn{
		url:      url,
		opts:     opts,
		dialer:   dialer,
		strategy: strategy,
		log:      logx.WithURL(logx.Or(opts.Logger, ctx), url),
		status:   StatusConnecting,
		done:     make(chan struct{}),
	}
	h := opts.Handlers
	c.handlers.Store(&h)
	c.ctx, c.cancel = context.WithCancel(context.Background())

	if ctx != nil {
		go func() {
			select {
			case <-ctx.Done():
				c.Close()
			case <-c.done:
			}
		}()
	}
	c.notifyStatus(StatusConnecting)
	go c.connect()
	return c
}

func (c *Conn) URL() string {
	return c.url
}

func (c *Conn) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Done is closed once the connection will never deliver again, either because
// Close was called or because it ended without AutoReconnect.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

func (c *Conn) SetHandlers(h Handlers) {
	c.handlers.Store(&h)
}

// Send JSON-encodes frame and writes it. It returns false, dropping the frame,
// when the socket is not connected or the write fails.
func (c *Conn) Send(frame any) bool {
	data, err := json.Marshal(frame)
	if err != nil {
		c.log.Warn("wsconn encode frame failed", "err", err)
		return false
	}
	return c.SendRaw(data)
}

func (c *Conn) SendRaw(data []byte) bool {
	c.mu.Lock()
	ws := c.ws
	ok := !c.closed && c.status == StatusConnected && ws != nil
	c.mu.Unlock()
	if !ok {
		return false
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = ws.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
		c.log.Debug("wsconn write failed", "err", err)
		return false
	}
	return true
}

// Close tears the connection down. No handler fires once Close has begun.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		if c.timer != nil {
			c.timer.Stop()
			c.timer = nil
		}
		ws := c.ws
		c.ws = nil
		if c.status != StatusError {
			c.status = StatusDisconnected
		}
		c.mu.Unlock()

		c.cancel()
		if ws != nil {
			_ = ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			_ = ws.Close()
		}
		close(c.done)
		c.log.Debug("wsconn closed")
	})
}

func (c *Conn) connect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.timer = nil
	c.mu.Unlock()
	c.setStatus(StatusConnecting)

	dialCtx, cancel := context.WithTimeout(c.ctx, c.opts.HandshakeTimeout)
	ws, _, err := c.dialer.DialContext(dialCtx, c.url, c.opts.Header)
	cancel()
	if err != nil {
		if c.isClosed() {
			return
		}
		c.log.Warn("wsconn dial failed", "err", err)
		c.setStatus(StatusError)
		if h := c.loadHandlers(); h.OnError != nil && !c.isClosed() {
			h.OnError(err)
		}
		c.afterClosure()
		return
	}

	ws.SetReadLimit(c.opts.ReadLimit)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = ws.Close()
		return
	}
	c.ws = ws
	c.attempt = 0
	c.mu.Unlock()

	c.log.Info("wsconn connected")
	c.setStatus(StatusConnected)
	if h := c.loadHandlers(); h.OnConnect != nil && !c.isClosed() {
		h.OnConnect()
	}
	c.readLoop(ws)
}

func (c *Conn) readLoop(ws *websocket.Conn) {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			c.handleClosure(ws, err)
			return
		}
		if c.isClosed() {
			return
		}
		if h := c.loadHandlers(); h.OnMessage != nil {
			h.OnMessage(data)
		}
	}
}

func (c *Conn) handleClosure(ws *websocket.Conn, err error) {
	c.mu.Lock()
	if c.ws == ws {
		c.ws = nil
	}
	closed := c.closed
	c.mu.Unlock()
	_ = ws.Close()
	if closed {
		return
	}

	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		c.log.Info("wsconn closed by peer")
	} else {
		c.log.Warn("wsconn connection lost", "err", err)
	}
	c.setStatus(StatusDisconnected)
	if h := c.loadHandlers(); h.OnDisconnect != nil && !c.isClosed() {
		h.OnDisconnect(err)
	}
	c.afterClosure()
}

// afterClosure schedules the next attempt, or finishes the Conn when
// reconnecting is off.
func (c *Conn) afterClosure() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if !c.opts.AutoReconnect {
		c.mu.Unlock()
		c.Close()
		return
	}
	c.attempt++
	delay := c.strategy.Next(c.attempt)
	c.timer = time.AfterFunc(delay, c.connect)
	attempt := c.attempt
	c.mu.Unlock()
	c.log.Debug("wsconn reconnect scheduled", "attempt", attempt, "delay", delay.String())
}

func (c *Conn) setStatus(status Status) {
	c.mu.Lock()
	if c.closed || c.status == status {
		c.mu.Unlock()
		return
	}
	c.status = status
	c.mu.Unlock()
	c.notifyStatus(status)
}

func (c *Conn) notifyStatus(status Status) {
	if h := c.loadHandlers(); h.OnStatus != nil && !c.isClosed() {
		h.OnStatus(status)
	}
}

func (c *Conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Conn) loadHandlers() Handlers {
	if h := c.handlers.Load(); h != nil {
		return *h
	}
	return Handlers{}
}
