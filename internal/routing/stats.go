package routing

import (
	"sync"
	"sync/atomic"
)

// RuleCounters are cumulative per-rule counters.
type RuleCounters struct {
	Evaluated int64 `json:"evaluated"`
	Matched   int64 `json:"matched"`
	Succeeded int64 `json:"succeeded"`
	Fallback  int64 `json:"fallback"`
}

type ruleStats struct {
	evaluated atomic.Int64
	matched   atomic.Int64
	succeeded atomic.Int64
	fallback  atomic.Int64
}

// Stats keeps counters for every rule the engine has touched.
type Stats struct {
	mu    sync.RWMutex
	rules map[string]*ruleStats
}

func NewStats() *Stats { return &Stats{rules: make(map[string]*ruleStats)} }

func (s *Stats) get(ruleID string) *ruleStats {
	s.mu.RLock()
	r, ok := s.rules[ruleID]
	s.mu.RUnlock()
	if ok {
		return r
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok = s.rules[ruleID]; !ok {
		r = &ruleStats{}
		s.rules[ruleID] = r
	}
	return r
}

func (s *Stats) Snapshot() map[string]RuleCounters {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]RuleCounters, len(s.rules))
	for id, r := range s.rules {
		out[id] = RuleCounters{
			Evaluated: r.evaluated.Load(),
			Matched:   r.matched.Load(),
			Succeeded: r.succeeded.Load(),
			Fallback:  r.fallback.Load(),
		}
	}
	return out
}
