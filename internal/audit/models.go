package audit

import "time"

// RoutingLog is an immutable, append-only record of one routing decision.
//
// Invariants:
// - Rows are never updated or deleted.
// - Every routing attempt writes exactly one row, success or not.
// - call_id is required.
//
// Storage (Postgres): table routing_logs, INSERT-only.
type RoutingLog struct {
	ID      string `json:"id" db:"id"`
	CallID  string `json:"call_id" db:"call_id"`
	EntryID string `json:"entry_id,omitempty" db:"entry_id"`
	TeamID  string `json:"team_id,omitempty" db:"team_id"`

	RuleID   string `json:"rule_id,omitempty" db:"rule_id"`
	Strategy string `json:"strategy,omitempty" db:"strategy"`

	TargetType string `json:"target_type,omitempty" db:"target_type"`
	TargetRef  string `json:"target_ref,omitempty" db:"target_ref"`

	// ConditionsEvaluated lists "rule_id:field operator value=result" entries in evaluation order.
	ConditionsEvaluated []string `json:"conditions_evaluated,omitempty" db:"conditions_evaluated"`

	Success      bool   `json:"success" db:"success"`
	FallbackUsed bool   `json:"fallback_used" db:"fallback_used"`
	Attempt      int    `json:"attempt" db:"attempt"`
	Error        string `json:"error,omitempty" db:"error"`

	DurationMs int64     `json:"duration_ms" db:"duration_ms"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}

// LogFilter narrows List; zero fields match everything.
type LogFilter struct {
	CallID string
	TeamID string
	From   time.Time
	To     time.Time
	Limit  int
}

func (f LogFilter) matches(l RoutingLog) bool {
	if f.CallID != "" && l.CallID != f.CallID {
		return false
	}
	if f.TeamID != "" && l.TeamID != f.TeamID {
		return false
	}
	if !f.From.IsZero() && l.CreatedAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && !l.CreatedAt.Before(f.To) {
		return false
	}
	return true
}
