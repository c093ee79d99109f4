package ivr

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

var (
	ErrFlowNotFound    = errors.New("ivr: flow not found")
	ErrSessionNotFound = errors.New("ivr: session not found")
)

// FlowStore keeps every published version. Publish validates and assigns the
// next version; published versions are never modified.
type FlowStore interface {
	Publish(ctx context.Context, f Flow) (Flow, error)
	Latest(ctx context.Context, id string) (Flow, error)
	Version(ctx context.Context, id string, version int) (Flow, error)
}

// SessionRepository stores finalized sessions only. A call may have several
// sessions over its life; Get returns the latest.
type SessionRepository interface {
	Save(ctx context.Context, s Session) error
	Get(ctx context.Context, callID string) (Session, error)
	List(ctx context.Context, from, to time.Time) ([]Session, error)
}

type MemoryFlowStore struct {
	mu    sync.RWMutex
	flows map[string][]Flow
	clock func() time.Time
}

func NewMemoryFlowStore() *MemoryFlowStore {
	return &MemoryFlowStore{flows: make(map[string][]Flow), clock: time.Now}
}

func (m *MemoryFlowStore) Publish(_ context.Context, f Flow) (Flow, error) {
	if err := Validate(f); err != nil {
		return Flow{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	f.Nodes = append([]Node(nil), f.Nodes...)
	f.Edges = append([]Edge(nil), f.Edges...)
	f.Version = len(m.flows[f.ID]) + 1
	f.PublishedAt = m.clock().UTC()
	m.flows[f.ID] = append(m.flows[f.ID], f)
	return f, nil
}

func (m *MemoryFlowStore) Latest(_ context.Context, id string) (Flow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	vs := m.flows[id]
	if len(vs) == 0 {
		return Flow{}, ErrFlowNotFound
	}
	return vs[len(vs)-1], nil
}

func (m *MemoryFlowStore) Version(_ context.Context, id string, version int) (Flow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	vs := m.flows[id]
	if version < 1 || version > len(vs) {
		return Flow{}, ErrFlowNotFound
	}
	return vs[version-1], nil
}

type MemorySessionRepo struct {
	mu       sync.RWMutex
	sessions map[string]Session
	byCall   map[string]string
}

func NewMemorySessionRepo() *MemorySessionRepo {
	return &MemorySessionRepo{sessions: make(map[string]Session), byCall: make(map[string]string)}
}

func (r *MemorySessionRepo) Save(_ context.Context, s Session) error {
	if !s.Ended() {
		return errors.New("ivr: only finalized sessions are stored")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sessions[s.ID]; exists {
		return nil
	}
	r.sessions[s.ID] = s.clone()
	if prev, ok := r.sessions[r.byCall[s.CallID]]; !ok || !s.StartedAt.Before(prev.StartedAt) {
		r.byCall[s.CallID] = s.ID
	}
	return nil
}

// Get returns the call's most recent finalized session.
func (r *MemorySessionRepo) Get(_ context.Context, callID string) (Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[r.byCall[callID]]
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	return s.clone(), nil
}

// List returns sessions started in [from, to), oldest first.
func (r *MemorySessionRepo) List(_ context.Context, from, to time.Time) ([]Session, error) {
	r.mu.RLock()
	out := make([]Session, 0)
	for _, s := range r.sessions {
		if !from.IsZero() && s.StartedAt.Before(from) {
			continue
		}
		if !to.IsZero() && !s.StartedAt.Before(to) {
			continue
		}
		out = append(out, s.clone())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}
