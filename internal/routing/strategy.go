package routing

import (
	"context"
	"sort"
	"strings"
	"time"

	"contact-center/internal/agents"
)

// candidate is one concrete destination a strategy may choose: a rule target
// resolved against the agent directory.
type candidate struct {
	Target Target
	Agent  *agents.Agent // nil for queue, voicemail, external and ivr targets
}

func (c candidate) skills() []string {
	if c.Agent != nil && len(c.Target.Skills) == 0 {
		return c.Agent.Skills
	}
	return c.Target.Skills
}

func (c candidate) languages() []string {
	if c.Agent != nil && len(c.Target.Languages) == 0 {
		return c.Agent.Languages
	}
	return c.Target.Languages
}

func (c candidate) activeCalls() int {
	if c.Agent == nil {
		return 0
	}
	return c.Agent.ActiveCalls
}

func (c candidate) weight() int {
	if c.Target.Weight <= 0 {
		return 1
	}
	return c.Target.Weight
}

// choose applies the rule's strategy to the eligible candidates, which arrive
// in stable key order. ok is false when no candidate survives the strategy's filter.
func (e *Engine) choose(ctx context.Context, rule Rule, call Call, cands []candidate, now time.Time) (candidate, bool, error) {
	if len(cands) == 0 {
		return candidate{}, false, nil
	}
	switch rule.Strategy {
	case StrategySkillBased:
		var survivors []candidate
		for _, c := range cands {
			if !agents.HasAll(c.skills(), call.Skills) {
				continue
			}
			if call.Language != "" && !containsFold(c.languages(), call.Language) {
				continue
			}
			survivors = append(survivors, c)
		}
		c, ok := e.pickWeighted(survivors)
		return c, ok, nil

	case StrategyLeastBusy:
		best := cands[0]
		for _, c := range cands[1:] {
			if c.activeCalls() < best.activeCalls() {
				best = c
			}
		}
		return best, true, nil

	case StrategyLongestIdle:
		best := cands[0]
		for _, c := range cands[1:] {
			if idleSince(c).Before(idleSince(best)) {
				best = c
			}
		}
		return best, true, nil

	case StrategyRoundRobin:
		if e.Cursor == nil {
			return cands[0], true, nil
		}
		idx, err := e.Cursor.Next(ctx, rule.ID, len(cands))
		if err != nil {
			return candidate{}, false, err
		}
		return cands[idx], true, nil

	case StrategyPriority:
		// Tier is the minimum caller priority a target serves; the most
		// exclusive tier the caller qualifies for wins, then the least busy.
		var best *candidate
		for i := range cands {
			c := cands[i]
			if c.Target.Tier > call.Priority {
				continue
			}
			if best == nil || c.Target.Tier > best.Target.Tier ||
				(c.Target.Tier == best.Target.Tier && c.activeCalls() < best.activeCalls()) {
				best = &cands[i]
			}
		}
		if best == nil {
			return candidate{}, false, nil
		}
		return *best, true, nil

	case StrategyLanguage:
		if call.Language == "" {
			return candidate{}, false, nil
		}
		var best *candidate
		for i := range cands {
			if !containsFold(cands[i].languages(), call.Language) {
				continue
			}
			if best == nil || cands[i].activeCalls() < best.activeCalls() {
				best = &cands[i]
			}
		}
		if best == nil {
			return candidate{}, false, nil
		}
		return *best, true, nil

	case StrategyCustom:
		for _, c := range cands {
			if evaluate(call, c.Target.Condition, c.Target.Logic, now, nil) {
				return c, true, nil
			}
		}
		return candidate{}, false, nil
	}
	return candidate{}, false, nil
}

// pickWeighted selects proportionally to weight among candidates.
func (e *Engine) pickWeighted(cands []candidate) (candidate, bool) {
	var total int
	for _, c := range cands {
		total += c.weight()
	}
	if total <= 0 {
		return candidate{}, false
	}

	e.rngMu.Lock()
	r := e.RNG.Intn(total) // 0..total-1
	e.rngMu.Unlock()

	var acc int
	for _, c := range cands {
		acc += c.weight()
		if r < acc {
			return c, true
		}
	}
	return candidate{}, false
}

// idleSince treats agents that never finished a call as idle since the epoch.
func idleSince(c candidate) time.Time {
	if c.Agent == nil || c.Agent.LastCallEndedAt.IsZero() {
		return time.Time{}
	}
	return c.Agent.LastCallEndedAt
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}

func sortCandidates(cands []candidate) {
	sort.SliceStable(cands, func(i, j int) bool { return cands[i].Target.Key() < cands[j].Target.Key() })
}
