package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"pkt.systems/pslog"

	"github.com/Tech-Arch1tect/berth-sub004/internal/logx"
	"github.com/Tech-Arch1tect/berth-sub004/internal/model"
	"github.com/Tech-Arch1tect/berth-sub004/internal/reconcile"
)

var (
	ErrNotFound  = errors.New("operation not found")
	ErrCompleted = errors.New("operation already completed")
	ErrClosed    = errors.New("registry closed")
)

// Persister stores completed operations. Saves merge into what is already
// stored and trim to keep, so several processes may share one store.
type Persister interface {
	SaveCompletedOperations(ctx context.Context, ops []model.Operation, keep int) error
	ListCompletedOperations(ctx context.Context, limit int) ([]model.Operation, error)
	DeleteCompletedOperation(ctx context.Context, operationID string) error
}

type Options struct {
	PollInterval   time.Duration
	StatusDebounce time.Duration
	RetentionCap   int
	Health         reconcile.HealthPolicy
	Logger         pslog.Logger
	Now            func() time.Time
}

// Listener receives notifications outside the registry lock. OnChange gets a
// fresh copy of Operations() after each mutation; OnMessage gets every log
// entry accepted for an incomplete operation. OnStreamStart fires each time an
// operation's stream (re)connects, before any frame of that connection.
type Listener struct {
	OnChange      func(ops []model.Operation)
	OnMessage     func(operationID string, msg model.StreamMessage)
	OnStreamStart func(operationID string)
}

type entry struct {
	op     model.Operation
	stream Stream
	gen    uint64
}

type pendingConnect struct {
	op  model.Operation
	gen uint64
}

// Registry owns every known operation. All mutation happens under mu and is
// computed from the current map, never from a caller's snapshot.
type Registry struct {
	connector  Connector
	store      Persister
	opts       Options
	log        pslog.Logger
	reconciler *reconcile.Reconciler

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	entries   map[string]*entry
	nextGen   uint64
	listeners map[int]Listener
	nextSub   int
	debounce  *time.Timer
	stopPoll  context.CancelFunc
	closed    bool
	version   uint64

	persistMu sync.Mutex
	persisted uint64

	wg sync.WaitGroup
}

func New(lister reconcile.RunningLister, connector Connector, store Persister, opts Options) *Registry {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}
	if opts.StatusDebounce <= 0 {
		opts.StatusDebounce = 300 * time.Millisecond
	}
	if opts.RetentionCap <= 0 {
		opts.RetentionCap = 50
	}
	if opts.Health.DownFailures <= 0 {
		opts.Health.DownFailures = 3
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	r := &Registry{
		connector: connector,
		store:     store,
		opts:      opts,
		log:       logx.Or(opts.Logger, context.Background()),
		entries:   map[string]*entry{},
		listeners: map[int]Listener{},
	}
	r.ctx, r.cancel = context.WithCancel(context.Background())
	r.ctx = pslog.ContextWithLogger(r.ctx, r.log)
	r.reconciler = reconcile.NewReconciler(lister, r, opts.Health)
	return r
}

// Load hydrates completed operations from the store. Hydrated operations
// never get a stream.
func (r *Registry) Load(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	ops, err := r.store.ListCompletedOperations(ctx, r.opts.RetentionCap)
	if err != nil {
		return fmt.Errorf("load completed operations: %w", err)
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	loaded := 0
	for _, op := range ops {
		if _, ok := r.entries[op.OperationID]; ok {
			continue
		}
		op.IsIncomplete = false
		r.nextGen++
		r.entries[op.OperationID] = &entry{op: op.Clone(), gen: r.nextGen}
		loaded++
	}
	r.mu.Unlock()
	r.log.Info("registry hydrated", "operations", loaded)
	if loaded > 0 {
		r.notifyChange()
	}
	return nil
}

// Start launches the reconciliation poll: one immediate refresh, then one per
// PollInterval until ctx ends or Close is called.
func (r *Registry) Start(ctx context.Context) {
	r.mu.Lock()
	if r.closed || r.stopPoll != nil {
		r.mu.Unlock()
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	r.stopPoll = cancel
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.pollLoop(loopCtx)
	}()
}

func (r *Registry) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(r.opts.PollInterval)
	defer ticker.Stop()
	_ = r.Refresh(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = r.Refresh(ctx)
		}
	}
}

// Refresh runs one reconciliation poll. Failures leave local state alone.
func (r *Registry) Refresh(ctx context.Context) error {
	if r.isClosed() {
		return ErrClosed
	}
	plan, changed, err := r.reconciler.Tick(ctx, r.opts.Now())
	if changed {
		health := r.reconciler.Health()
		if health.Current == model.PollHealthOK {
			r.log.Info("operation poll recovered")
		} else {
			r.log.Warn("operation poll health changed", "health", string(health.Current), "failures", health.ConsecutiveFailures, "err", err)
		}
	}
	if err != nil {
		r.log.Debug("operation poll failed", "err", err)
		return err
	}
	if !plan.Empty() {
		r.log.Debug("operations reconciled", "registered", len(plan.Register), "completed", len(plan.Complete), "merged", len(plan.Merge))
	}
	return nil
}

func (r *Registry) Health() model.PollHealth {
	h := r.reconciler.Health().Current
	if h == "" {
		return model.PollHealthOK
	}
	return h
}

// PollMark returns the newest entry generation. Entries added after the mark
// are invisible to a list fetched after it was taken.
func (r *Registry) PollMark() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.nextGen
}

// ApplyRemote merges the server's running list, fetched after mark was
// taken, into the registry. Entries newer than mark are never completed.
func (r *Registry) ApplyRemote(remote []model.Operation, mark uint64, now time.Time) reconcile.Plan {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return reconcile.Plan{}
	}
	local := make([]model.Operation, 0, len(r.entries))
	for _, e := range r.entries {
		local = append(local, e.op)
	}
	plan := reconcile.BuildPlan(local, remote)
	complete := plan.Complete[:0]
	for _, id := range plan.Complete {
		if e := r.entries[id]; e != nil && e.gen > mark {
			continue
		}
		complete = append(complete, id)
	}
	plan.Complete = complete

	var (
		toClose   []Stream
		toConnect []pendingConnect
		completed bool
	)
	for _, op := range plan.Register {
		r.nextGen++
		e := &entry{op: op.Clone(), gen: r.nextGen}
		r.entries[op.OperationID] = e
		if op.IsIncomplete {
			toConnect = append(toConnect, pendingConnect{op: e.op.Clone(), gen: e.gen})
		} else {
			completed = true
		}
	}
	for _, id := range plan.Complete {
		e := r.entries[id]
		if e == nil || !e.op.IsIncomplete {
			continue
		}
		e.op.IsIncomplete = false
		if e.op.LastMessageAt == nil {
			v := now.UTC()
			e.op.LastMessageAt = &v
		}
		if e.stream != nil {
			toClose = append(toClose, e.stream)
			e.stream = nil
		}
		completed = true
	}
	for _, merged := range plan.Merge {
		e := r.entries[merged.OperationID]
		if e == nil {
			continue
		}
		wasIncomplete := e.op.IsIncomplete
		e.op = merged
		if wasIncomplete && !merged.IsIncomplete {
			if e.stream != nil {
				toClose = append(toClose, e.stream)
				e.stream = nil
			}
			completed = true
		}
	}
	if completed {
		r.completedChangedLocked()
	}
	r.mu.Unlock()

	for _, s := range toClose {
		s.Close()
	}
	for _, pc := range toConnect {
		r.attachStream(pc)
	}
	if !plan.Empty() {
		r.notifyChange()
	}
	if completed {
		r.persist()
	}
	return plan
}

// AddOperation registers a locally started operation. Adding an id that is
// already known merges its metadata instead.
func (r *Registry) AddOperation(op model.Operation) error {
	if err := op.Validate(); err != nil {
		return err
	}
	op.OperationID = strings.TrimSpace(op.OperationID)
	if op.StartTime.IsZero() {
		op.StartTime = r.opts.Now().UTC()
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	var (
		pc        *pendingConnect
		toClose   Stream
		completed bool
	)
	if e, ok := r.entries[op.OperationID]; ok {
		wasIncomplete := e.op.IsIncomplete
		e.op = reconcile.MergeMetadata(e.op, op)
		if wasIncomplete && !e.op.IsIncomplete {
			toClose, e.stream = e.stream, nil
			completed = true
		}
	} else {
		r.nextGen++
		e := &entry{op: op.Clone(), gen: r.nextGen}
		r.entries[op.OperationID] = e
		if op.IsIncomplete {
			pc = &pendingConnect{op: e.op.Clone(), gen: e.gen}
		} else {
			completed = true
		}
	}
	if completed {
		r.completedChangedLocked()
	}
	r.mu.Unlock()

	if toClose != nil {
		toClose.Close()
	}
	if pc != nil {
		r.attachStream(*pc)
	}
	r.notifyChange()
	if completed {
		r.persist()
	}
	return nil
}

// AddOperationLog appends msg to the operation's log. A terminal message
// completes the operation and closes its stream.
func (r *Registry) AddOperationLog(operationID string, msg model.StreamMessage) error {
	return r.appendLog(strings.TrimSpace(operationID), 0, msg)
}

func (r *Registry) appendLog(id string, gen uint64, msg model.StreamMessage) error {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = r.opts.Now().UTC()
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	e, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return ErrNotFound
	}
	if gen != 0 && e.gen != gen {
		r.mu.Unlock()
		return nil
	}
	if !e.op.IsIncomplete {
		r.mu.Unlock()
		return ErrCompleted
	}
	e.op.Logs = append(e.op.Logs, msg)
	e.op.MessageCount++
	ts := msg.Timestamp
	e.op.LastMessageAt = &ts
	if msg.Failed() {
		e.op.Failed = true
	}
	var toClose Stream
	completed := msg.Type.Terminal()
	if completed {
		e.op.IsIncomplete = false
		if e.op.Summary == "" && strings.TrimSpace(msg.Message) != "" {
			e.op.Summary = strings.TrimSpace(msg.Message)
		}
		toClose, e.stream = e.stream, nil
		r.completedChangedLocked()
	}
	listeners := r.listenersLocked()
	r.mu.Unlock()

	for _, l := range listeners {
		if l.OnMessage != nil {
			l.OnMessage(id, msg)
		}
	}
	if toClose != nil {
		toClose.Close()
	}
	r.notifyChange()
	if completed {
		logx.WithOperation(r.log, id).Info("operation completed", "failed", msg.Failed())
		r.persist()
	}
	return nil
}

// UpdateOperation applies mutate to a copy of the operation and stores the
// result. The id cannot change and a completed operation cannot be edited.
func (r *Registry) UpdateOperation(operationID string, mutate func(op *model.Operation)) error {
	id := strings.TrimSpace(operationID)
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	e, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return ErrNotFound
	}
	if !e.op.IsIncomplete {
		r.mu.Unlock()
		return ErrCompleted
	}
	next := e.op.Clone()
	mutate(&next)
	next.OperationID = id
	e.op = next
	var toClose Stream
	completed := !next.IsIncomplete
	if completed {
		toClose, e.stream = e.stream, nil
		r.completedChangedLocked()
	}
	r.mu.Unlock()

	if toClose != nil {
		toClose.Close()
	}
	r.notifyChange()
	if completed {
		r.persist()
	}
	return nil
}

func (r *Registry) RemoveOperation(operationID string) error {
	id := strings.TrimSpace(operationID)
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	e, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return ErrNotFound
	}
	delete(r.entries, id)
	toClose := e.stream
	completed := !e.op.IsIncomplete
	if completed {
		r.version++
	}
	r.mu.Unlock()

	if toClose != nil {
		toClose.Close()
	}
	r.notifyChange()
	if completed {
		r.unpersist(id)
	}
	return nil
}

// Operations returns copies sorted by start time, newest first.
func (r *Registry) Operations() []model.Operation {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.operationsLocked()
}

func (r *Registry) Get(operationID string) (model.Operation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[strings.TrimSpace(operationID)]
	if !ok {
		return model.Operation{}, false
	}
	return e.op.Clone(), true
}

// Streaming reports whether the operation currently owns a stream.
func (r *Registry) Streaming(operationID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[strings.TrimSpace(operationID)]
	return ok && e.stream != nil
}

func (r *Registry) Subscribe(l Listener) (cancel func()) {
	r.mu.Lock()
	id := r.nextSub
	r.nextSub++
	r.listeners[id] = l
	r.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.listeners, id)
			r.mu.Unlock()
		})
	}
}

// Close stops polling, closes every stream and flushes persistence. Late
// callbacks become no-ops.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	if r.debounce != nil {
		r.debounce.Stop()
		r.debounce = nil
	}
	stopPoll := r.stopPoll
	var streams []Stream
	for _, e := range r.entries {
		if e.stream != nil {
			streams = append(streams, e.stream)
			e.stream = nil
		}
	}
	r.listeners = map[int]Listener{}
	r.mu.Unlock()

	if stopPoll != nil {
		stopPoll()
	}
	r.cancel()
	for _, s := range streams {
		s.Close()
	}
	r.wg.Wait()
	r.persist()
}

func (r *Registry) attachStream(pc pendingConnect) {
	if r.connector == nil {
		return
	}
	id := pc.op.OperationID
	stream := r.connector.Connect(r.ctx, pc.op, StreamHandlers{
		OnMessage:    func(data []byte) { r.handleFrame(id, pc.gen, data) },
		OnConnect:    func() { r.handleStreamStatus(id, pc.gen, "connected", nil) },
		OnDisconnect: func(err error) { r.handleStreamStatus(id, pc.gen, "disconnected", err) },
	})
	if stream == nil {
		return
	}

	r.mu.Lock()
	e, ok := r.entries[id]
	keep := !r.closed && ok && e.gen == pc.gen && e.op.IsIncomplete && e.stream == nil
	if keep {
		e.stream = stream
	}
	r.mu.Unlock()
	if !keep {
		stream.Close()
	}
}

func (r *Registry) handleFrame(id string, gen uint64, data []byte) {
	now := r.opts.Now()
	var msg model.StreamMessage
	if err := json.Unmarshal(data, &msg); err != nil || !msg.Type.Known() {
		reason := "unknown type"
		if err != nil {
			reason = err.Error()
		}
		logx.WithOperation(r.log, id).Warn("dropped malformed frame", "reason", reason)
		msg = model.DroppedFrameLine(now, string(data))
	}
	if err := r.appendLog(id, gen, msg); err != nil && !errors.Is(err, ErrCompleted) && !errors.Is(err, ErrClosed) {
		logx.WithOperation(r.log, id).Debug("frame not applied", "err", err)
	}
}

func (r *Registry) handleStreamStatus(id string, gen uint64, status string, err error) {
	r.mu.Lock()
	e, ok := r.entries[id]
	if r.closed || !ok || e.gen != gen {
		r.mu.Unlock()
		return
	}
	if r.debounce == nil {
		r.debounce = time.AfterFunc(r.opts.StatusDebounce, r.debouncedRefresh)
	} else {
		r.debounce.Reset(r.opts.StatusDebounce)
	}
	var listeners []Listener
	if status == "connected" {
		listeners = r.listenersLocked()
	}
	r.mu.Unlock()
	logx.WithOperation(r.log, id).Debug("operation stream status", "status", status, "err", err)
	for _, l := range listeners {
		if l.OnStreamStart != nil {
			l.OnStreamStart(id)
		}
	}
}

func (r *Registry) debouncedRefresh() {
	if r.isClosed() {
		return
	}
	_ = r.Refresh(r.ctx)
}

// completedChangedLocked bumps the persistence version and evicts the oldest
// completed operations beyond the retention cap.
func (r *Registry) completedChangedLocked() {
	r.version++
	completed := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		if !e.op.IsIncomplete {
			completed = append(completed, e)
		}
	}
	if len(completed) <= r.opts.RetentionCap {
		return
	}
	sortByRecency(completed)
	for _, e := range completed[r.opts.RetentionCap:] {
		delete(r.entries, e.op.OperationID)
	}
}

func (r *Registry) completedLocked() []model.Operation {
	completed := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		if !e.op.IsIncomplete {
			completed = append(completed, e)
		}
	}
	sortByRecency(completed)
	if len(completed) > r.opts.RetentionCap {
		completed = completed[:r.opts.RetentionCap]
	}
	out := make([]model.Operation, 0, len(completed))
	for _, e := range completed {
		out = append(out, e.op.Clone())
	}
	return out
}

func (r *Registry) persist() {
	if r.store == nil {
		return
	}
	r.persistMu.Lock()
	defer r.persistMu.Unlock()

	r.mu.Lock()
	version := r.version
	ops := r.completedLocked()
	r.mu.Unlock()
	if version == r.persisted {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.store.SaveCompletedOperations(ctx, ops, r.opts.RetentionCap); err != nil {
		r.log.Warn("persist completed operations failed", "err", err)
		return
	}
	r.persisted = version
}

// unpersist deletes a removed operation. It holds persistMu so a save that
// snapshotted the entry before removal cannot write it back afterwards.
func (r *Registry) unpersist(id string) {
	if r.store == nil {
		return
	}
	r.persistMu.Lock()
	defer r.persistMu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.store.DeleteCompletedOperation(ctx, id); err != nil {
		logx.WithOperation(r.log, id).Warn("delete persisted operation failed", "err", err)
	}
}

func (r *Registry) operationsLocked() []model.Operation {
	out := make([]model.Operation, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.op.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].StartTime.After(out[j].StartTime)
		}
		return out[i].OperationID < out[j].OperationID
	})
	return out
}

func (r *Registry) listenersLocked() []Listener {
	out := make([]Listener, 0, len(r.listeners))
	for _, l := range r.listeners {
		out = append(out, l)
	}
	return out
}

func (r *Registry) notifyChange() {
	r.mu.Lock()
	if r.closed || len(r.listeners) == 0 {
		r.mu.Unlock()
		return
	}
	listeners := r.listenersLocked()
	ops := r.operationsLocked()
	r.mu.Unlock()
	for _, l := range listeners {
		if l.OnChange != nil {
			l.OnChange(ops)
		}
	}
}

func (r *Registry) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func sortByRecency(entries []*entry) {
	sort.Slice(entries, func(i, j int) bool {
		ti, tj := entries[i].op.SortTime(), entries[j].op.SortTime()
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		return entries[i].op.OperationID < entries[j].op.OperationID
	})
}
