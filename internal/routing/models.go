package routing

import (
	"errors"
	"strconv"
	"strings"
	"time"
)

// ErrNoMatch means no rule produced a target and no fallback applied. The
// queue entry stays waiting and is retried on the next pass.
var ErrNoMatch = errors.New("routing: no matching rule or target")

var ErrNotFound = errors.New("routing: rule not found")

// Rule is read-mostly configuration, written only through the admin path.
// Rules are evaluated ascending by Priority; lower numbers run first.
type Rule struct {
	ID       string `json:"id" yaml:"id"`
	Name     string `json:"name,omitempty" yaml:"name,omitempty"`
	TeamID   string `json:"team_id,omitempty" yaml:"team_id,omitempty"` // empty applies to every team
	Priority int    `json:"priority" yaml:"priority"`
	Disabled bool   `json:"disabled,omitempty" yaml:"disabled,omitempty"`

	BusinessHours *BusinessHours `json:"business_hours,omitempty" yaml:"business_hours,omitempty"`
	Logic         Logic          `json:"logic,omitempty" yaml:"logic,omitempty"`
	Conditions    []Condition    `json:"conditions,omitempty" yaml:"conditions,omitempty"`

	Strategy Strategy `json:"strategy" yaml:"strategy"`
	Targets  []Target `json:"targets" yaml:"targets"`

	FallbackEnabled bool            `json:"fallback_enabled,omitempty" yaml:"fallback_enabled,omitempty"`
	FallbackRuleID  string          `json:"fallback_rule_id,omitempty" yaml:"fallback_rule_id,omitempty"`
	FallbackAction  *FallbackAction `json:"fallback_action,omitempty" yaml:"fallback_action,omitempty"`
}

type Logic string

const (
	LogicAnd Logic = "and"
	LogicOr  Logic = "or"
)

type Strategy string

const (
	StrategySkillBased  Strategy = "skill_based"
	StrategyLeastBusy   Strategy = "least_busy"
	StrategyLongestIdle Strategy = "longest_idle"
	StrategyRoundRobin  Strategy = "round_robin"
	StrategyPriority    Strategy = "priority"
	StrategyLanguage    Strategy = "language"
	StrategyCustom      Strategy = "custom"
)

var knownStrategies = map[Strategy]bool{
	StrategySkillBased:  true,
	StrategyLeastBusy:   true,
	StrategyLongestIdle: true,
	StrategyRoundRobin:  true,
	StrategyPriority:    true,
	StrategyLanguage:    true,
	StrategyCustom:      true,
}

// Condition is a field/operator/value triple evaluated against a call.
type Condition struct {
	Field    string   `json:"field" yaml:"field"`
	Operator Operator `json:"operator" yaml:"operator"`
	Value    string   `json:"value,omitempty" yaml:"value,omitempty"`
	Values   []string `json:"values,omitempty" yaml:"values,omitempty"`
}

func (c Condition) String() string {
	v := c.Value
	if len(c.Values) > 0 {
		v = strings.Join(c.Values, ",")
	}
	return c.Field + " " + string(c.Operator) + " " + v
}

type Operator string

const (
	OpEquals      Operator = "equals"
	OpNotEquals   Operator = "not_equals"
	OpContains    Operator = "contains"
	OpNotContains Operator = "not_contains"
	OpStartsWith  Operator = "starts_with"
	OpEndsWith    Operator = "ends_with"
	OpGreater     Operator = "gt"
	OpGreaterEq   Operator = "gte"
	OpLess        Operator = "lt"
	OpLessEq      Operator = "lte"
	OpIn          Operator = "in"
	OpNotIn       Operator = "not_in"
	OpRegex       Operator = "regex"
)

// TargetType says what a target routes to. Only agent and team targets
// consume agent capacity.
type TargetType string

const (
	TargetAgent     TargetType = "agent"
	TargetTeam      TargetType = "team"
	TargetQueue     TargetType = "queue"
	TargetVoicemail TargetType = "voicemail"
	TargetExternal  TargetType = "external"
	TargetIVR       TargetType = "ivr"
)

// Target is one candidate of a rule.
type Target struct {
	ID        string      `json:"id" yaml:"id"`
	Type      TargetType  `json:"type" yaml:"type"`
	Ref       string      `json:"ref" yaml:"ref"` // agent id, team id, flow id, number...
	Weight    int         `json:"weight,omitempty" yaml:"weight,omitempty"`
	Skills    []string    `json:"skills,omitempty" yaml:"skills,omitempty"`
	Languages []string    `json:"languages,omitempty" yaml:"languages,omitempty"`
	Tier      int         `json:"tier,omitempty" yaml:"tier,omitempty"`
	Disabled  bool        `json:"disabled,omitempty" yaml:"disabled,omitempty"`
	Logic     Logic       `json:"logic,omitempty" yaml:"logic,omitempty"`
	Condition []Condition `json:"conditions,omitempty" yaml:"conditions,omitempty"`
}

// Key identifies the concrete destination, used for exclusion on retries.
func (t Target) Key() string { return string(t.Type) + ":" + t.Ref }

// FallbackAction is applied when a rule's fallback chain is exhausted.
type FallbackAction struct {
	Type TargetType `json:"type" yaml:"type"` // voicemail, ivr or queue
	Ref  string     `json:"ref" yaml:"ref"`
}

// Call is the routing view of a queued call.
type Call struct {
	CallID      string            `json:"call_id"`
	TeamID      string            `json:"team_id"`
	CallerPhone string            `json:"caller_phone"`
	Direction   string            `json:"direction"`
	Priority    int               `json:"priority"`
	Skills      []string          `json:"skills,omitempty"`
	Language    string            `json:"language,omitempty"`
	Attempts    int               `json:"attempts"`
	EnqueuedAt  time.Time         `json:"enqueued_at"`
	Attributes  map[string]string `json:"attributes,omitempty"`
}

// field resolves a condition field. Unknown fields fall back to Attributes.
func (c Call) field(name string, now time.Time) (string, bool) {
	switch name {
	case "call_id":
		return c.CallID, true
	case "team_id":
		return c.TeamID, true
	case "caller_phone":
		return c.CallerPhone, true
	case "direction":
		return c.Direction, true
	case "priority":
		return strconv.Itoa(c.Priority), true
	case "language":
		return c.Language, true
	case "skills":
		return strings.Join(c.Skills, ","), true
	case "attempts":
		return strconv.Itoa(c.Attempts), true
	case "wait_seconds":
		if c.EnqueuedAt.IsZero() {
			return "0", true
		}
		return strconv.Itoa(int(now.Sub(c.EnqueuedAt).Seconds())), true
	}
	v, ok := c.Attributes[strings.TrimPrefix(name, "attr.")]
	return v, ok
}
