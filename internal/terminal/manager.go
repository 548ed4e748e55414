package terminal

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"pkt.systems/pslog"

	"github.com/Tech-Arch1tect/berth-sub004/internal/api"
	"github.com/Tech-Arch1tect/berth-sub004/internal/logx"
	"github.com/Tech-Arch1tect/berth-sub004/internal/model"
	"github.com/Tech-Arch1tect/berth-sub004/internal/ttyproto"
)

var (
	ErrTabLimit       = errors.New("terminal: tab limit reached")
	ErrNotFound       = errors.New("terminal: tab not found")
	ErrInvalidTarget  = errors.New("terminal: invalid target")
	ErrSessionClosed  = errors.New("terminal: session closed")
	ErrNotConnected   = errors.New("terminal: session not connected")
	ErrStartTimeout   = errors.New("terminal: start timed out")
	ErrConnectionLost = errors.New("terminal: control connection lost")
	ErrRemote         = errors.New("terminal: remote error")
	ErrClosed         = errors.New("terminal: manager closed")
)

const (
	DefaultMaxTabs            = 10
	DefaultStartTimeout       = 10 * time.Second
	DefaultResizeSettle       = 150 * time.Millisecond
	DefaultInitialResizeDelay = 50 * time.Millisecond
)

// Negotiator exchanges a target for control connection parameters.
type Negotiator interface {
	NegotiateTerminal(ctx context.Context, req api.TerminalRequest) (api.TerminalNegotiation, error)
}

type PrefsStore interface {
	LoadPanelPrefs(ctx context.Context) (model.PanelPrefs, error)
	SavePanelPrefs(ctx context.Context, prefs model.PanelPrefs) error
}

type Options struct {
	MaxTabs            int
	StartTimeout       time.Duration
	ResizeSettle       time.Duration
	InitialResizeDelay time.Duration
	MaxFrame           int
	Dialer             *websocket.Dialer
	Logger             pslog.Logger
}

func (o Options) withDefaults() Options {
	if o.MaxTabs <= 0 {
		o.MaxTabs = DefaultMaxTabs
	}
	if o.StartTimeout <= 0 {
		o.StartTimeout = DefaultStartTimeout
	}
	if o.ResizeSettle <= 0 {
		o.ResizeSettle = DefaultResizeSettle
	}
	if o.InitialResizeDelay <= 0 {
		o.InitialResizeDelay = DefaultInitialResizeDelay
	}
	if o.MaxFrame <= 0 {
		o.MaxFrame = ttyproto.DefaultMaxFrame
	}
	return o
}

// Tab is a session plus its display label.
type Tab struct {
	ID      string
	Label   string
	Target  ttyproto.Target
	Session *Session
}

type OpenRequest struct {
	Target   ttyproto.Target
	Cols     int
	Rows     int
	Handlers Handlers
}

// Manager owns the terminal tabs, their sessions and the control connections
// they share. All state is guarded by mu.
type Manager struct {
	neg   Negotiator
	prefs PrefsStore
	opts  Options
	log   pslog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	closed   bool
	tabs     []*Tab
	active   string
	controls map[string]*control
	panel    model.PanelPrefs
}

func NewManager(neg Negotiator, prefs PrefsStore, opts Options) *Manager {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	log := logx.Or(opts.Logger, ctx)
	return &Manager{
		neg:      neg,
		prefs:    prefs,
		opts:     opts,
		log:      log,
		ctx:      pslog.ContextWithLogger(ctx, log),
		cancel:   cancel,
		controls: make(map[string]*control),
		panel:    model.PanelPrefs{Height: model.DefaultPanelHeight},
	}
}

// Open returns the tab for req.Target, creating it and starting its session
// when no tab for the same target exists. Either way the tab becomes active.
// An existing tab is returned as is even when its session has already closed
// or failed; sessions are never resumed, so call CloseTab first to start a
// fresh one for the same target.
func (m *Manager) Open(ctx context.Context, req OpenRequest) (Tab, error) {
	if !req.Target.IsValid() {
		return Tab{}, ErrInvalidTarget
	}
	key := req.Target.CanonicalKey()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return Tab{}, ErrClosed
	}
	for _, tab := range m.tabs {
		if tab.Target.CanonicalKey() == key {
			m.active = tab.ID
			out := *tab
			m.mu.Unlock()
			if req.Handlers.OnOutput != nil || req.Handlers.OnState != nil {
				out.Session.SetHandlers(req.Handlers)
			}
			return out, nil
		}
	}
	if len(m.tabs) >= m.opts.MaxTabs {
		m.mu.Unlock()
		return Tab{}, fmt.Errorf("%w: %d open", ErrTabLimit, len(m.tabs))
	}

	tabID := uuid.NewString()
	s := &Session{
		m:         m,
		id:        uuid.NewString(),
		target:    req.Target,
		requestID: uuid.NewString(),
		log:       logx.WithTab(logx.Or(m.opts.Logger, ctx), tabID),
		state:     StateIdle,
		cols:      req.Cols,
		rows:      req.Rows,
		settled:   make(chan struct{}),
		done:      make(chan struct{}),
	}
	s.SetHandlers(req.Handlers)
	tab := &Tab{ID: tabID, Label: req.Target.Label(), Target: req.Target, Session: s}
	m.tabs = append(m.tabs, tab)
	m.active = tab.ID

	var after effects
	s.setStateLocked(StateConnecting, nil, &after)
	s.startTimer = time.AfterFunc(m.opts.StartTimeout, func() { m.startTimedOut(s) })
	out := *tab
	m.mu.Unlock()
	after.run()

	go m.connect(s, req.Cols, req.Rows)
	return out, nil
}

func (m *Manager) connect(s *Session, cols, rows int) {
	neg, err := m.neg.NegotiateTerminal(m.ctx, api.TerminalRequest{
		ServerID:    s.target.ServerID,
		StackName:   s.target.StackName,
		ServiceName: s.target.Service,
		Container:   s.target.Container,
		Cols:        cols,
		Rows:        rows,
	})

	var after effects
	m.mu.Lock()
	defer func() {
		m.mu.Unlock()
		after.run()
	}()
	if m.closed || s.state.Terminal() {
		return
	}
	if err != nil {
		s.endLocked(StateError, fmt.Errorf("negotiate terminal: %w", err), false, &after)
		return
	}
	s.shell = neg.Shell
	c := m.acquireControlLocked(neg.WebSocketURL, neg.AccessToken)
	s.ctrl = c
	c.pending = append(c.pending, s)
	if c.connected {
		after.add(s.sendStartLocked())
	}
}

func (m *Manager) startTimedOut(s *Session) {
	var after effects
	m.mu.Lock()
	if s.state == StateIdle || s.state == StateConnecting {
		s.endLocked(StateError, ErrStartTimeout, false, &after)
	}
	m.mu.Unlock()
	after.run()
}

// Activate makes the tab with id the active one.
func (m *Manager) Activate(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.indexLocked(id) < 0 {
		return ErrNotFound
	}
	m.active = id
	return nil
}

// CloseTab closes the tab's session and removes it. When the closed tab was
// active, the previous tab becomes active, else the first remaining one.
func (m *Manager) CloseTab(id string) error {
	var after effects
	m.mu.Lock()
	idx := m.indexLocked(id)
	if idx < 0 {
		m.mu.Unlock()
		return ErrNotFound
	}
	tab := m.tabs[idx]
	m.tabs = append(m.tabs[:idx], m.tabs[idx+1:]...)
	if m.active == id {
		switch {
		case idx-1 >= 0:
			m.active = m.tabs[idx-1].ID
		case len(m.tabs) > 0:
			m.active = m.tabs[0].ID
		default:
			m.active = ""
		}
	}
	tab.Session.endLocked(StateClosed, nil, true, &after)
	m.mu.Unlock()
	after.run()
	return nil
}

func (m *Manager) Tabs() []Tab {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Tab, 0, len(m.tabs))
	for _, tab := range m.tabs {
		out = append(out, *tab)
	}
	return out
}

// Active returns the active tab, if any.
func (m *Manager) Active() (Tab, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if idx := m.indexLocked(m.active); idx >= 0 {
		return *m.tabs[idx], true
	}
	return Tab{}, false
}

func (m *Manager) Get(id string) (Tab, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if idx := m.indexLocked(id); idx >= 0 {
		return *m.tabs[idx], nil
	}
	return Tab{}, ErrNotFound
}

func (m *Manager) indexLocked(id string) int {
	if id == "" {
		return -1
	}
	for i, tab := range m.tabs {
		if tab.ID == id {
			return i
		}
	}
	return -1
}

// LoadPanel reads the persisted panel preference into the manager.
func (m *Manager) LoadPanel(ctx context.Context) (model.PanelPrefs, error) {
	if m.prefs == nil {
		return m.Panel(), nil
	}
	prefs, err := m.prefs.LoadPanelPrefs(ctx)
	if err != nil {
		return m.Panel(), fmt.Errorf("load panel prefs: %w", err)
	}
	m.mu.Lock()
	m.panel = prefs
	m.mu.Unlock()
	return prefs, nil
}

func (m *Manager) Panel() model.PanelPrefs {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.panel
}

func (m *Manager) SetPanel(ctx context.Context, prefs model.PanelPrefs) error {
	if prefs.Height <= 0 {
		return fmt.Errorf("panel height must be positive")
	}
	m.mu.Lock()
	m.panel = prefs
	m.mu.Unlock()
	if m.prefs == nil {
		return nil
	}
	if err := m.prefs.SavePanelPrefs(ctx, prefs); err != nil {
		return fmt.Errorf("save panel prefs: %w", err)
	}
	return nil
}

// Close ends every session and control connection. Later calls and late
// frames are no-ops.
func (m *Manager) Close() {
	var after effects
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	for _, tab := range m.tabs {
		tab.Session.endLocked(StateClosed, nil, true, &after)
	}
	m.tabs = nil
	m.active = ""
	for url, c := range m.controls {
		c.dead = true
		after.add(c.conn.Close)
		delete(m.controls, url)
	}
	m.closed = true
	m.mu.Unlock()
	after.run()
	m.cancel()
}
