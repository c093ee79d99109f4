package routing

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"contact-center/internal/agents"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Wednesday 2024-05-01 10:00 UTC.
var wedMorning = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

func newTestEngine(t *testing.T, rules ...Rule) (*Engine, *agents.MemoryDirectory) {
	t.Helper()
	dir := agents.NewMemoryDirectory(nil)
	ctx := context.Background()
	for _, a := range []agents.Agent{
		{ID: "a1", TeamID: "sales", Skills: []string{"billing", "spanish"}, Languages: []string{"es", "en"}, MaxConcurrentCalls: 1, Available: true, Tier: 0},
		{ID: "a2", TeamID: "sales", Skills: []string{"billing"}, Languages: []string{"en"}, MaxConcurrentCalls: 2, Available: true, Tier: 5},
		{ID: "a3", TeamID: "sales", Skills: []string{"sales"}, Languages: []string{"fr"}, MaxConcurrentCalls: 1, Available: true, Tier: 0},
	} {
		require.NoError(t, dir.Upsert(ctx, a))
	}
	e := NewEngine(NewMemoryStore(rules...), dir, NewMemoryCursor(), rand.New(rand.NewSource(1)))
	e.Now = func() time.Time { return wedMorning }
	return e, dir
}

func teamRule(id string, priority int, strategy Strategy) Rule {
	return Rule{
		ID:       id,
		TeamID:   "sales",
		Priority: priority,
		Strategy: strategy,
		Targets:  []Target{{ID: "t-" + id, Type: TargetTeam, Ref: "sales"}},
	}
}

func TestBusinessHoursExcludeRuleRegardlessOfConditions(t *testing.T) {
	closed := teamRule("after-hours-closed", 1, StrategyLeastBusy)
	closed.BusinessHours = &BusinessHours{Timezone: "UTC", Start: "18:00", End: "20:00"}
	closed.Conditions = []Condition{{Field: "caller_phone", Operator: OpStartsWith, Value: "+1"}}

	open := Rule{ID: "voicemail", TeamID: "sales", Priority: 2, Strategy: StrategyLeastBusy,
		Targets: []Target{{ID: "vm", Type: TargetVoicemail, Ref: "sales-box"}}}

	e, _ := newTestEngine(t, closed, open)
	for i := 0; i < 20; i++ {
		sel, err := e.SelectTarget(context.Background(), Call{CallID: "c", TeamID: "sales", CallerPhone: "+15551234567"}, nil)
		require.NoError(t, err)
		assert.Equal(t, "voicemail", sel.RuleID)
		assert.Equal(t, TargetVoicemail, sel.Target.Type)
	}
	assert.Equal(t, int64(20), e.Stats.Snapshot()["after-hours-closed"].Evaluated)
	assert.Zero(t, e.Stats.Snapshot()["after-hours-closed"].Matched)
}

func TestRoundRobinSelectsEachTargetOnce(t *testing.T) {
	r := Rule{ID: "rr", TeamID: "sales", Priority: 1, Strategy: StrategyRoundRobin, Targets: []Target{
		{ID: "q1", Type: TargetQueue, Ref: "q1"},
		{ID: "q2", Type: TargetQueue, Ref: "q2"},
		{ID: "q3", Type: TargetQueue, Ref: "q3"},
		{ID: "q4", Type: TargetQueue, Ref: "q4"},
	}}
	e, _ := newTestEngine(t, r)

	seen := map[string]int{}
	for i := 0; i < 4; i++ {
		sel, err := e.SelectTarget(context.Background(), Call{CallID: "c", TeamID: "sales"}, nil)
		require.NoError(t, err)
		seen[sel.Target.Ref]++
	}
	assert.Equal(t, map[string]int{"q1": 1, "q2": 1, "q3": 1, "q4": 1}, seen)
}

func TestRoundRobinConcurrentDecisionsStayFair(t *testing.T) {
	r := Rule{ID: "rr", TeamID: "sales", Priority: 1, Strategy: StrategyRoundRobin, Targets: []Target{
		{ID: "q1", Type: TargetQueue, Ref: "q1"},
		{ID: "q2", Type: TargetQueue, Ref: "q2"},
		{ID: "q3", Type: TargetQueue, Ref: "q3"},
	}}
	e, _ := newTestEngine(t, r)

	var mu sync.Mutex
	seen := map[string]int{}
	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sel, err := e.SelectTarget(context.Background(), Call{CallID: "c", TeamID: "sales"}, nil)
			if err != nil {
				return
			}
			mu.Lock()
			seen[sel.Target.Ref]++
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, map[string]int{"q1": 10, "q2": 10, "q3": 10}, seen)
}

func TestSkillBasedRequiresSupersetAndLanguage(t *testing.T) {
	e, _ := newTestEngine(t, teamRule("skills", 1, StrategySkillBased))

	for i := 0; i < 50; i++ {
		sel, err := e.SelectTarget(context.Background(), Call{CallID: "c", TeamID: "sales", Skills: []string{"billing"}, Language: "en"}, nil)
		require.NoError(t, err)
		require.NotNil(t, sel.Agent)
		assert.Subset(t, sel.Agent.Skills, []string{"billing"})
		assert.Contains(t, sel.Agent.Languages, "en")
		assert.NotEqual(t, "a3", sel.Agent.ID)
	}

	sel, err := e.SelectTarget(context.Background(), Call{CallID: "c", TeamID: "sales", Skills: []string{"billing", "spanish"}, Language: "es"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "a1", sel.Agent.ID)

	_, err = e.SelectTarget(context.Background(), Call{CallID: "c", TeamID: "sales", Skills: []string{"billing"}, Language: "de"}, nil)
	assert.ErrorIs(t, err, ErrNoMatch)
}

func TestExcludeSkipsClaimedTargets(t *testing.T) {
	e, _ := newTestEngine(t, teamRule("least", 1, StrategyLeastBusy))

	sel, err := e.SelectTarget(context.Background(), Call{CallID: "c", TeamID: "sales"}, map[string]bool{"agent:a1": true, "agent:a2": true})
	require.NoError(t, err)
	assert.Equal(t, "a3", sel.Agent.ID)
}

func TestLeastBusyAndLongestIdle(t *testing.T) {
	e, dir := newTestEngine(t, teamRule("least", 1, StrategyLeastBusy))
	ctx := context.Background()

	// a2 carries a call; a1 and a3 are idle and a1 sorts first.
	ok, err := dir.Slots().Acquire(ctx, "a2", 2)
	require.NoError(t, err)
	require.True(t, ok)
	sel, err := e.SelectTarget(ctx, Call{CallID: "c", TeamID: "sales"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "a1", sel.Agent.ID)

	idle, _ := newTestEngine(t, teamRule("idle", 1, StrategyLongestIdle))
	require.NoError(t, idle.Agents.MarkCallEnded(ctx, "a1", wedMorning.Add(-time.Minute)))
	require.NoError(t, idle.Agents.MarkCallEnded(ctx, "a2", wedMorning.Add(-time.Hour)))
	require.NoError(t, idle.Agents.MarkCallEnded(ctx, "a3", wedMorning.Add(-10*time.Minute)))
	sel, err = idle.SelectTarget(ctx, Call{CallID: "c", TeamID: "sales"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "a2", sel.Agent.ID)
}

func TestPriorityStrategyMatchesTier(t *testing.T) {
	e, _ := newTestEngine(t, teamRule("prio", 1, StrategyPriority))

	sel, err := e.SelectTarget(context.Background(), Call{CallID: "vip", TeamID: "sales", Priority: 9}, nil)
	require.NoError(t, err)
	assert.Equal(t, "a2", sel.Agent.ID, "tier 5 agent serves priority 9")

	sel, err = e.SelectTarget(context.Background(), Call{CallID: "std", TeamID: "sales", Priority: 0}, nil)
	require.NoError(t, err)
	assert.NotEqual(t, "a2", sel.Agent.ID)
}

func TestLanguageStrategyIsExact(t *testing.T) {
	e, _ := newTestEngine(t, teamRule("lang", 1, StrategyLanguage))

	sel, err := e.SelectTarget(context.Background(), Call{CallID: "c", TeamID: "sales", Language: "fr"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "a3", sel.Agent.ID)

	_, err = e.SelectTarget(context.Background(), Call{CallID: "c", TeamID: "sales", Language: "fr-CA"}, nil)
	assert.ErrorIs(t, err, ErrNoMatch)
}

func TestCustomStrategyUsesTargetConditions(t *testing.T) {
	r := Rule{ID: "custom", TeamID: "sales", Priority: 1, Strategy: StrategyCustom, Targets: []Target{
		{ID: "uk", Type: TargetQueue, Ref: "uk", Condition: []Condition{{Field: "caller_phone", Operator: OpStartsWith, Value: "+44"}}},
		{ID: "us", Type: TargetQueue, Ref: "us", Condition: []Condition{{Field: "caller_phone", Operator: OpStartsWith, Value: "+1"}}},
	}}
	e, _ := newTestEngine(t, r)

	sel, err := e.SelectTarget(context.Background(), Call{CallID: "c", TeamID: "sales", CallerPhone: "+15550001111"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "us", sel.Target.Ref)
}

func TestFallbackChainThenAction(t *testing.T) {
	primary := Rule{ID: "primary", TeamID: "sales", Priority: 1, Strategy: StrategyLanguage,
		Targets:         []Target{{ID: "t", Type: TargetTeam, Ref: "sales"}},
		FallbackEnabled: true, FallbackRuleID: "secondary",
		FallbackAction: &FallbackAction{Type: TargetVoicemail, Ref: "sales-box"}}
	secondary := Rule{ID: "secondary", Priority: 50, Strategy: StrategyLanguage,
		Targets:         []Target{{ID: "t2", Type: TargetTeam, Ref: "sales"}},
		FallbackEnabled: true, FallbackRuleID: "primary"} // cycle back to primary
	e, _ := newTestEngine(t, primary, secondary)

	// German: nobody speaks it, chain is exhausted, voicemail applies.
	sel, err := e.SelectTarget(context.Background(), Call{CallID: "c", TeamID: "sales", Language: "de"}, nil)
	require.NoError(t, err)
	assert.True(t, sel.FallbackUsed)
	assert.Equal(t, TargetVoicemail, sel.Target.Type)
	assert.Equal(t, "sales-box", sel.Target.Ref)
	assert.Equal(t, "primary", sel.RuleID)
}

func TestFallbackRuleSelectsTarget(t *testing.T) {
	primary := Rule{ID: "primary", TeamID: "sales", Priority: 1, Strategy: StrategyLanguage,
		Targets:         []Target{{ID: "t", Type: TargetAgent, Ref: "a3"}},
		FallbackEnabled: true, FallbackRuleID: "overflow"}
	overflow := Rule{ID: "overflow", TeamID: "other", Priority: 1, Strategy: StrategyLeastBusy,
		Targets: []Target{{ID: "q", Type: TargetQueue, Ref: "overflow"}}}
	e, _ := newTestEngine(t, primary, overflow)

	sel, err := e.SelectTarget(context.Background(), Call{CallID: "c", TeamID: "sales", Language: "en"}, nil)
	require.NoError(t, err)
	assert.True(t, sel.FallbackUsed)
	assert.Equal(t, "overflow", sel.RuleID)
	assert.Equal(t, int64(1), e.Stats.Snapshot()["primary"].Fallback)
}

func TestNoMatchKeepsTrace(t *testing.T) {
	r := teamRule("only-vip", 1, StrategyLeastBusy)
	r.Conditions = []Condition{{Field: "priority", Operator: OpGreaterEq, Value: "5"}}
	e, _ := newTestEngine(t, r)

	sel, err := e.SelectTarget(context.Background(), Call{CallID: "c", TeamID: "sales", Priority: 1}, nil)
	require.True(t, errors.Is(err, ErrNoMatch))
	assert.Equal(t, []string{"only-vip:priority gte 5=false"}, sel.Evaluated)
}

func TestConditionOperators(t *testing.T) {
	call := Call{
		CallerPhone: "+15551234567",
		Direction:   "inbound",
		Priority:    3,
		Language:    "es",
		EnqueuedAt:  wedMorning.Add(-90 * time.Second),
		Attributes:  map[string]string{"segment": "gold"},
	}
	cases := []struct {
		c    Condition
		want bool
	}{
		{Condition{Field: "direction", Operator: OpEquals, Value: "INBOUND"}, true},
		{Condition{Field: "direction", Operator: OpNotEquals, Value: "outbound"}, true},
		{Condition{Field: "caller_phone", Operator: OpContains, Value: "555"}, true},
		{Condition{Field: "caller_phone", Operator: OpNotContains, Value: "999"}, true},
		{Condition{Field: "caller_phone", Operator: OpStartsWith, Value: "+1"}, true},
		{Condition{Field: "caller_phone", Operator: OpEndsWith, Value: "4567"}, true},
		{Condition{Field: "priority", Operator: OpGreater, Value: "2"}, true},
		{Condition{Field: "priority", Operator: OpLess, Value: "3"}, false},
		{Condition{Field: "priority", Operator: OpLessEq, Value: "3"}, true},
		{Condition{Field: "wait_seconds", Operator: OpGreaterEq, Value: "90"}, true},
		{Condition{Field: "language", Operator: OpIn, Values: []string{"en", "es"}}, true},
		{Condition{Field: "language", Operator: OpNotIn, Value: "en, fr"}, true},
		{Condition{Field: "caller_phone", Operator: OpRegex, Value: `^\+1555\d{7}$`}, true},
		{Condition{Field: "segment", Operator: OpEquals, Value: "gold"}, true},
		{Condition{Field: "attr.segment", Operator: OpEquals, Value: "gold"}, true},
		{Condition{Field: "missing", Operator: OpEquals, Value: ""}, false},
		{Condition{Field: "priority", Operator: OpGreater, Value: "abc"}, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, evalCondition(call, tc.c, wedMorning), tc.c.String())
	}

	assert.True(t, evaluate(call, []Condition{
		{Field: "direction", Operator: OpEquals, Value: "outbound"},
		{Field: "language", Operator: OpEquals, Value: "es"},
	}, LogicOr, wedMorning, nil))
	assert.False(t, evaluate(call, []Condition{
		{Field: "direction", Operator: OpEquals, Value: "outbound"},
		{Field: "language", Operator: OpEquals, Value: "es"},
	}, LogicAnd, wedMorning, nil))
}

func TestBusinessHoursWindows(t *testing.T) {
	weekdays := BusinessHours{Timezone: "America/New_York", Days: []string{"mon", "tue", "wed", "thu", "fri"}, Start: "09:00", End: "17:00"}
	// 10:00 UTC is 06:00 in New York (EDT).
	open, err := weekdays.Contains(wedMorning)
	require.NoError(t, err)
	assert.False(t, open)
	open, err = weekdays.Contains(wedMorning.Add(4 * time.Hour))
	require.NoError(t, err)
	assert.True(t, open)

	overnight := BusinessHours{Timezone: "UTC", Days: []string{"tuesday"}, Start: "22:00", End: "06:00"}
	// Wednesday 02:00 belongs to Tuesday's window.
	open, err = overnight.Contains(time.Date(2024, 5, 1, 2, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.True(t, open)
	open, err = overnight.Contains(time.Date(2024, 5, 1, 23, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.False(t, open, "wednesday night is not in the window")

	_, err = BusinessHours{Timezone: "Mars/Olympus", Start: "09:00", End: "17:00"}.Contains(wedMorning)
	assert.Error(t, err)
}

func TestParseRulesValidates(t *testing.T) {
	raw := []byte(`
rules:
  - id: vip
    team_id: sales
    priority: 2
    logic: or
    conditions:
      - {field: priority, operator: gte, value: "5"}
    strategy: skill_based
    targets:
      - {id: t1, type: team, ref: sales, weight: 3}
    fallback_enabled: true
    fallback_rule_id: general
  - id: general
    priority: 1
    strategy: round_robin
    targets:
      - {id: q, type: queue, ref: general}
`)
	rules, err := ParseRules(raw)
	require.NoError(t, err)
	require.Len(t, rules, 2)
	assert.Equal(t, "general", rules[0].ID, "sorted by priority")

	_, err = ParseRules([]byte(`
rules:
  - id: bad
    strategy: fastest
    conditions: [{field: x, operator: regex, value: "("}]
    fallback_rule_id: ghost
`))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidRule)
	assert.Contains(t, err.Error(), "unknown strategy")
	assert.Contains(t, err.Error(), "ghost")
}
