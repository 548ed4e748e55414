package aggregate

import (
	"fmt"
	"strings"
	"sync"

	"github.com/Tech-Arch1tect/berth-sub004/internal/model"
)

const DefaultFreeTextLimit = 10

// Entity is the latest known state of one named service, container or network.
type Entity struct {
	Name     string `json:"name"`
	Action   string `json:"action"`
	Progress string `json:"progress,omitempty"`
	Duration string `json:"duration,omitempty"`
}

// View is a structured copy of the aggregated state.
type View struct {
	Status     *model.ProgressStatus `json:"status,omitempty"`
	Services   []Entity              `json:"services"`
	Containers []Entity              `json:"containers"`
	Networks   []Entity              `json:"networks"`
	FreeText   []string              `json:"free_text"`
}

// orderedEntities keeps first-seen order while allowing in-place updates.
type orderedEntities struct {
	order []string
	byKey map[string]Entity
}

func newOrderedEntities() orderedEntities {
	return orderedEntities{byKey: map[string]Entity{}}
}

func (o *orderedEntities) put(e Entity) {
	if _, ok := o.byKey[e.Name]; !ok {
		o.order = append(o.order, e.Name)
	}
	o.byKey[e.Name] = e
}

func (o *orderedEntities) list() []Entity {
	out := make([]Entity, 0, len(o.order))
	for _, name := range o.order {
		out = append(out, o.byKey[name])
	}
	return out
}

// Aggregator collapses an operation's event stream into a latest-wins view.
// It is safe for concurrent use.
type Aggregator struct {
	mu         sync.Mutex
	limit      int
	status     *model.ProgressStatus
	services   orderedEntities
	containers orderedEntities
	networks   orderedEntities
	freeText   []string
}

func New(freeTextLimit int) *Aggregator {
	if freeTextLimit <= 0 {
		freeTextLimit = DefaultFreeTextLimit
	}
	a := &Aggregator{limit: freeTextLimit}
	a.resetLocked()
	return a
}

func (a *Aggregator) ProcessEvent(msg model.StreamMessage) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.processLocked(msg)
}

// Replay feeds msgs in order, as if each had arrived through ProcessEvent.
func (a *Aggregator) Replay(msgs []model.StreamMessage) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, msg := range msgs {
		a.processLocked(msg)
	}
}

func (a *Aggregator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.resetLocked()
}

func (a *Aggregator) processLocked(msg model.StreamMessage) {
	switch msg.Type {
	case model.KindStatus:
		if msg.Status != nil {
			v := *msg.Status
			a.status = &v
		}
	case model.KindService:
		if e, ok := entityFrom(msg.Service); ok {
			a.services.put(e)
		}
	case model.KindContainer:
		if e, ok := entityFrom(msg.Container); ok {
			a.containers.put(e)
		}
	case model.KindNetwork:
		if e, ok := entityFrom(msg.Network); ok {
			a.networks.put(e)
		}
	default:
		if !msg.Type.FreeText() {
			return
		}
		text := strings.TrimSpace(msg.Message)
		if text == "" {
			return
		}
		a.freeText = append(a.freeText, text)
		if over := len(a.freeText) - a.limit; over > 0 {
			a.freeText = append(a.freeText[:0:0], a.freeText[over:]...)
		}
	}
}

func (a *Aggregator) resetLocked() {
	a.status = nil
	a.services = newOrderedEntities()
	a.containers = newOrderedEntities()
	a.networks = newOrderedEntities()
	a.freeText = nil
}

func (a *Aggregator) Snapshot() View {
	a.mu.Lock()
	defer a.mu.Unlock()
	v := View{
		Services:   a.services.list(),
		Containers: a.containers.list(),
		Networks:   a.networks.list(),
		FreeText:   append([]string{}, a.freeText...),
	}
	if a.status != nil {
		s := *a.status
		v.Status = &s
	}
	return v
}

// Display renders the view as lines: overall status, services, containers,
// networks, then the free-text tail.
func (a *Aggregator) Display() []string {
	v := a.Snapshot()
	lines := make([]string, 0, 1+len(v.Services)+len(v.Containers)+len(v.Networks)+len(v.FreeText))
	if v.Status != nil {
		lines = append(lines, fmt.Sprintf("Progress: %d/%d", v.Status.Current, v.Status.Total))
	}
	for _, e := range v.Services {
		lines = append(lines, entityLine("Service", e))
	}
	for _, e := range v.Containers {
		lines = append(lines, entityLine("Container", e))
	}
	for _, e := range v.Networks {
		lines = append(lines, entityLine("Network", e))
	}
	return append(lines, v.FreeText...)
}

func entityLine(label string, e Entity) string {
	var b strings.Builder
	b.WriteString(label)
	b.WriteByte(' ')
	b.WriteString(e.Name)
	b.WriteString(": ")
	b.WriteString(e.Action)
	if e.Progress != "" {
		b.WriteString(" (")
		b.WriteString(e.Progress)
		b.WriteByte(')')
	}
	if e.Duration != "" {
		b.WriteString(" [")
		b.WriteString(e.Duration)
		b.WriteByte(']')
	}
	return b.String()
}

func entityFrom(p *model.EntityProgress) (Entity, bool) {
	if p == nil || strings.TrimSpace(p.Name) == "" {
		return Entity{}, false
	}
	return Entity{
		Name:     strings.TrimSpace(p.Name),
		Action:   p.Action,
		Progress: p.Progress,
		Duration: p.Duration,
	}, true
}
