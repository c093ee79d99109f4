package routing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"contact-center/internal/agents"
)

// Engine evaluates routing rules for a queued call.
//
// Order:
//  1. Rules for the call's team, ascending priority
//  2. Business-hours window (rule timezone), then the AND/OR condition chain
//  3. Strategy over eligible targets
//  4. Fallback chain, then the rule's fallback action
//
// It returns a selection only. No writes beyond the shared round-robin
// cursor; agent slots and routing logs belong to the queue service.
type Engine struct {
	Rules  RuleStore
	Agents agents.Directory
	Cursor Cursor
	Stats  *Stats

	RNG   *rand.Rand
	rngMu sync.Mutex

	Now func() time.Time
	Log *slog.Logger
}

func NewEngine(rules RuleStore, dir agents.Directory, cursor Cursor, rng *rand.Rand) *Engine {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if cursor == nil {
		cursor = NewMemoryCursor()
	}
	return &Engine{
		Rules:  rules,
		Agents: dir,
		Cursor: cursor,
		Stats:  NewStats(),
		RNG:    rng,
		Now:    time.Now,
		Log:    slog.Default(),
	}
}

// Selection is the outcome of one routing decision.
type Selection struct {
	RuleID       string        `json:"rule_id"`
	Strategy     Strategy      `json:"strategy"`
	Target       Target        `json:"target"`
	Agent        *agents.Agent `json:"agent,omitempty"`
	FallbackUsed bool          `json:"fallback_used"`

	// Evaluated traces every condition checked, in order, for the routing log.
	Evaluated []string `json:"conditions_evaluated,omitempty"`
}

// SelectTarget picks a destination for call. Targets whose Key is in exclude
// are skipped (a previous attempt could not claim them). Returns ErrNoMatch,
// with the evaluation trace still populated, when nothing applies.
func (e *Engine) SelectTarget(ctx context.Context, call Call, exclude map[string]bool) (Selection, error) {
	if e.Rules == nil {
		return Selection{}, errors.New("routing: rule store not configured")
	}
	now := e.Now()
	rules, err := e.Rules.RulesForTeam(ctx, call.TeamID)
	if err != nil {
		return Selection{}, err
	}

	var trace []string
	for _, r := range rules {
		if r.Disabled {
			continue
		}
		sel, matched, err := e.tryRule(ctx, r, call, exclude, now, &trace)
		if err != nil {
			return Selection{Evaluated: trace}, err
		}
		if sel != nil {
			sel.Evaluated = trace
			return *sel, nil
		}
		if !matched || !r.FallbackEnabled {
			continue
		}

		sel, err = e.fallback(ctx, r, call, exclude, now, &trace)
		if err != nil {
			return Selection{Evaluated: trace}, err
		}
		if sel != nil {
			sel.Evaluated = trace
			return *sel, nil
		}
	}
	return Selection{Evaluated: trace}, ErrNoMatch
}

// fallback walks the rule's fallback chain, guarding against cycles, and
// finally applies the first fallback action found along the chain.
func (e *Engine) fallback(ctx context.Context, origin Rule, call Call, exclude map[string]bool, now time.Time, trace *[]string) (*Selection, error) {
	visited := map[string]bool{origin.ID: true}
	action := origin.FallbackAction
	cur := origin
	for cur.FallbackEnabled && cur.FallbackRuleID != "" && !visited[cur.FallbackRuleID] {
		next, err := e.Rules.Get(ctx, cur.FallbackRuleID)
		if errors.Is(err, ErrNotFound) {
			e.Log.Warn("fallback rule missing", "rule_id", cur.ID, "fallback_rule_id", cur.FallbackRuleID)
			break
		}
		if err != nil {
			return nil, err
		}
		visited[next.ID] = true
		e.Stats.get(origin.ID).fallback.Add(1)

		if !next.Disabled {
			sel, _, err := e.tryRule(ctx, next, call, exclude, now, trace)
			if err != nil {
				return nil, err
			}
			if sel != nil {
				sel.FallbackUsed = true
				return sel, nil
			}
		}
		if action == nil {
			action = next.FallbackAction
		}
		cur = next
	}

	if action == nil || action.Type == "" {
		return nil, nil
	}
	*trace = append(*trace, fmt.Sprintf("%s:fallback_action %s:%s", origin.ID, action.Type, action.Ref))
	return &Selection{
		RuleID:       origin.ID,
		Strategy:     origin.Strategy,
		Target:       Target{ID: "fallback:" + origin.ID, Type: action.Type, Ref: action.Ref},
		FallbackUsed: true,
	}, nil
}

// tryRule returns a selection when the rule matched and its strategy found a
// target; matched reports whether the activation predicate passed.
func (e *Engine) tryRule(ctx context.Context, r Rule, call Call, exclude map[string]bool, now time.Time, trace *[]string) (*Selection, bool, error) {
	st := e.Stats.get(r.ID)
	st.evaluated.Add(1)

	if r.BusinessHours != nil {
		open, err := r.BusinessHours.Contains(now)
		if err != nil {
			e.Log.Warn("rule business hours invalid", "rule_id", r.ID, "err", err)
		}
		*trace = append(*trace, fmt.Sprintf("%s:business_hours=%t", r.ID, open && err == nil))
		if err != nil || !open {
			return nil, false, nil
		}
	}

	pass := evaluate(call, r.Conditions, r.Logic, now, func(c Condition, ok bool) {
		*trace = append(*trace, fmt.Sprintf("%s:%s=%t", r.ID, c, ok))
	})
	if !pass {
		return nil, false, nil
	}
	st.matched.Add(1)

	cands, err := e.resolve(ctx, r, exclude)
	if err != nil {
		return nil, true, err
	}
	c, ok, err := e.choose(ctx, r, call, cands, now)
	if err != nil || !ok {
		return nil, true, err
	}
	st.succeeded.Add(1)
	return &Selection{RuleID: r.ID, Strategy: r.Strategy, Target: c.Target, Agent: c.Agent}, true, nil
}

// resolve expands rule targets into concrete candidates with capacity, in
// stable key order.
func (e *Engine) resolve(ctx context.Context, r Rule, exclude map[string]bool) ([]candidate, error) {
	seen := make(map[string]bool)
	var out []candidate
	add := func(c candidate) {
		k := c.Target.Key()
		if seen[k] || exclude[k] {
			return
		}
		seen[k] = true
		out = append(out, c)
	}

	for _, t := range r.Targets {
		if t.Disabled {
			continue
		}
		switch t.Type {
		case TargetAgent:
			if e.Agents == nil {
				continue
			}
			a, err := e.Agents.Get(ctx, t.Ref)
			if errors.Is(err, agents.ErrNotFound) {
				continue
			}
			if err != nil {
				return nil, err
			}
			if !a.HasCapacity() {
				continue
			}
			add(candidate{Target: t, Agent: &a})
		case TargetTeam:
			if e.Agents == nil {
				continue
			}
			list, err := e.Agents.Eligible(ctx, agents.Query{TeamID: t.Ref})
			if err != nil {
				return nil, err
			}
			for i := range list {
				a := list[i]
				tt := t
				tt.ID = t.ID + "/" + a.ID
				tt.Type = TargetAgent
				tt.Ref = a.ID
				tt.Skills, tt.Languages = nil, nil
				if tt.Tier == 0 {
					tt.Tier = a.Tier
				}
				add(candidate{Target: tt, Agent: &a})
			}
		default:
			add(candidate{Target: t})
		}
	}
	sortCandidates(out)
	return out, nil
}
