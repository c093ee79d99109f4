package audit

import (
	"context"
	"sync"
)

// MemoryRepo is an in-memory append-only repository for tests and local runs.
type MemoryRepo struct {
	mu   sync.Mutex
	logs []RoutingLog
}

func NewMemoryRepo() *MemoryRepo { return &MemoryRepo{} }

func (r *MemoryRepo) Append(ctx context.Context, l RoutingLog) error {
	l.ConditionsEvaluated = append([]string(nil), l.ConditionsEvaluated...)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logs = append(r.logs, l)
	return nil
}

func (r *MemoryRepo) List(ctx context.Context, f LogFilter) ([]RoutingLog, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []RoutingLog
	for _, l := range r.logs {
		if !f.matches(l) {
			continue
		}
		l.ConditionsEvaluated = append([]string(nil), l.ConditionsEvaluated...)
		out = append(out, l)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}
