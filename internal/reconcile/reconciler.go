package reconcile

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Tech-Arch1tect/berth-sub004/internal/model"
)

type RunningLister interface {
	ListRunningOperations(ctx context.Context) ([]model.Operation, error)
}

// Applier receives the server's running list. It must diff against its own
// latest state and return the plan it applied. PollMark is read before the
// list is fetched; ApplyRemote must not complete anything registered after
// that mark, since the list cannot know about it.
type Applier interface {
	PollMark() uint64
	ApplyRemote(remote []model.Operation, mark uint64, now time.Time) Plan
}

type Reconciler struct {
	lister RunningLister
	target Applier
	policy HealthPolicy

	tickMu sync.Mutex

	mu     sync.Mutex
	health HealthState
}

func NewReconciler(lister RunningLister, target Applier, policy HealthPolicy) *Reconciler {
	return &Reconciler{lister: lister, target: target, policy: policy}
}

// Tick polls once. On failure local state is left untouched and the health
// state degrades; the returned bool reports a health transition. Ticks are
// serialized so an older list is never applied after a newer one.
func (r *Reconciler) Tick(ctx context.Context, now time.Time) (Plan, bool, error) {
	r.tickMu.Lock()
	defer r.tickMu.Unlock()
	mark := r.target.PollMark()
	remote, err := r.lister.ListRunningOperations(ctx)
	if err != nil {
		changed := r.observe(false, now)
		return Plan{}, changed, fmt.Errorf("list running operations: %w", err)
	}
	plan := r.target.ApplyRemote(remote, mark, now)
	return plan, r.observe(true, now), nil
}

func (r *Reconciler) Health() HealthState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.health
}

func (r *Reconciler) observe(success bool, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.health.Current
	if prev == "" {
		prev = model.PollHealthOK
	}
	r.health = NextHealth(r.policy, r.health, success, now)
	return r.health.Current != prev
}
