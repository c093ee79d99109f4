package queue

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryRepo is an in-memory queue repository for tests and local runs.
type MemoryRepo struct {
	mu      sync.Mutex
	entries map[string]Entry
	byCall  map[string]string // call id -> latest entry id
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{entries: make(map[string]Entry), byCall: make(map[string]string)}
}

func (r *MemoryRepo) Create(_ context.Context, e Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.byCall[e.CallID]; ok && !r.entries[prev].Status.Terminal() {
		return ErrInvalidState
	}
	r.entries[e.ID] = clone(e)
	r.byCall[e.CallID] = e.ID
	return nil
}

func (r *MemoryRepo) Get(_ context.Context, id string) (Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return Entry{}, ErrNotFound
	}
	return clone(e), nil
}

func (r *MemoryRepo) GetByCallID(_ context.Context, callID string) (Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byCall[callID]
	if !ok {
		return Entry{}, ErrNotFound
	}
	return clone(r.entries[id]), nil
}

func (r *MemoryRepo) Update(_ context.Context, id string, fn func(*Entry) error) (Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return Entry{}, ErrNotFound
	}
	e = clone(e)
	if err := fn(&e); err != nil {
		return Entry{}, err
	}
	r.entries[id] = e
	return clone(e), nil
}

func (r *MemoryRepo) List(_ context.Context, f Filter) ([]Entry, error) {
	r.mu.Lock()
	out := make([]Entry, 0)
	for _, e := range r.entries {
		if f.matches(e) {
			out = append(out, clone(e))
		}
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].EnqueuedAt.Equal(out[j].EnqueuedAt) {
			return out[i].EnqueuedAt.Before(out[j].EnqueuedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// SetPositions applies a position pass. Rows that left waiting since the
// snapshot are skipped.
func (r *MemoryRepo) SetPositions(_ context.Context, updates []PositionUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range updates {
		e, ok := r.entries[u.ID]
		if !ok || e.Status != StatusWaiting {
			continue
		}
		e.Position = u.Position
		e.EstimatedWaitSeconds = u.EstimatedWaitSeconds
		r.entries[u.ID] = e
	}
	return nil
}

func clone(e Entry) Entry {
	e.Skills = append([]string(nil), e.Skills...)
	if e.Attributes != nil {
		attrs := make(map[string]string, len(e.Attributes))
		for k, v := range e.Attributes {
			attrs[k] = v
		}
		e.Attributes = attrs
	}
	return e
}

// AverageHandleTime averages answer-to-completion over entries completed at or after since.
func (r *MemoryRepo) AverageHandleTime(_ context.Context, teamID string, since time.Time) (time.Duration, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var (
		total time.Duration
		n     int
	)
	for _, e := range r.entries {
		if e.Status != StatusCompleted || (teamID != "" && e.TeamID != teamID) {
			continue
		}
		if e.CompletedAt.Before(since) {
			continue
		}
		if h := e.HandleTime(); h > 0 {
			total += h
			n++
		}
	}
	if n == 0 {
		return 0, 0, nil
	}
	return total / time.Duration(n), n, nil
}
