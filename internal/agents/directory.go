package agents

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Directory is the agent lookup consumed by routing strategies.
type Directory interface {
	Get(ctx context.Context, id string) (Agent, error)
	Eligible(ctx context.Context, q Query) ([]Agent, error)
	Upsert(ctx context.Context, a Agent) error
	MarkCallEnded(ctx context.Context, id string, at time.Time) error
	Slots() Slots
}

// MemoryDirectory is an in-memory directory for tests and local runs.
type MemoryDirectory struct {
	mu     sync.RWMutex
	agents map[string]Agent
	slots  Slots
}

func NewMemoryDirectory(slots Slots) *MemoryDirectory {
	if slots == nil {
		slots = NewMemorySlots()
	}
	return &MemoryDirectory{agents: make(map[string]Agent), slots: slots}
}

func (d *MemoryDirectory) Slots() Slots { return d.slots }

func (d *MemoryDirectory) Upsert(_ context.Context, a Agent) error {
	a.Skills = append([]string(nil), a.Skills...)
	a.Languages = append([]string(nil), a.Languages...)
	d.mu.Lock()
	d.agents[a.ID] = a
	d.mu.Unlock()
	return nil
}

func (d *MemoryDirectory) Get(ctx context.Context, id string) (Agent, error) {
	d.mu.RLock()
	a, ok := d.agents[id]
	d.mu.RUnlock()
	if !ok {
		return Agent{}, ErrNotFound
	}
	return withLoad(ctx, d.slots, a)
}

// Eligible returns matching available agents with capacity, ordered by id so
// callers get a stable candidate list.
func (d *MemoryDirectory) Eligible(ctx context.Context, q Query) ([]Agent, error) {
	d.mu.RLock()
	var matched []Agent
	for _, a := range d.agents {
		if a.Available && q.matches(a) {
			matched = append(matched, a)
		}
	}
	d.mu.RUnlock()
	return filterCapacity(ctx, d.slots, matched)
}

func (d *MemoryDirectory) MarkCallEnded(_ context.Context, id string, at time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	a, ok := d.agents[id]
	if !ok {
		return ErrNotFound
	}
	a.LastCallEndedAt = at.UTC()
	d.agents[id] = a
	return nil
}

func withLoad(ctx context.Context, slots Slots, a Agent) (Agent, error) {
	n, err := slots.Active(ctx, a.ID)
	if err != nil {
		return Agent{}, err
	}
	a.ActiveCalls = n
	return a, nil
}

func filterCapacity(ctx context.Context, slots Slots, in []Agent) ([]Agent, error) {
	out := make([]Agent, 0, len(in))
	for _, a := range in {
		loaded, err := withLoad(ctx, slots, a)
		if err != nil {
			return nil, err
		}
		if loaded.HasCapacity() {
			out = append(out, loaded)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
