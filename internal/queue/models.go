package queue

import (
	"errors"
	"time"

	"contact-center/internal/retry"
	"contact-center/internal/routing"
)

var (
	ErrNotFound        = errors.New("queue: entry not found")
	ErrInvalidState    = errors.New("queue: invalid state transition")
	ErrInvalidArgument = errors.New("queue: invalid argument")
)

// Entry is one call waiting for (or assigned to) a routing target.
//
// Lifecycle: waiting -> assigned -> answered -> completed, or
// waiting/assigned -> abandoned. Answered and abandoned end routing; completed
// only stamps the end of the conversation for handle-time history.
type Entry struct {
	ID          string `json:"id" db:"id"`
	CallID      string `json:"call_id" db:"call_id"`
	TeamID      string `json:"team_id" db:"team_id"`
	CallerPhone string `json:"caller_phone" db:"caller_phone"`
	Direction   string `json:"direction" db:"direction"`
	Priority    int    `json:"priority" db:"priority"`

	Status Status `json:"status" db:"status"`

	Skills     []string          `json:"skills,omitempty" db:"skills"`
	Language   string            `json:"language,omitempty" db:"language"`
	Attributes map[string]string `json:"attributes,omitempty" db:"attributes"`

	// Position is 1-based among waiting entries of the team; 0 once routed.
	Position             int `json:"position" db:"position"`
	EstimatedWaitSeconds int `json:"estimated_wait_seconds" db:"estimated_wait_seconds"`

	Attempts int         `json:"attempts" db:"attempts"`
	Retry    retry.State `json:"retry" db:"retry"`

	// Assignment, set when a target was claimed.
	RuleID     string             `json:"rule_id,omitempty" db:"rule_id"`
	TargetType routing.TargetType `json:"target_type,omitempty" db:"target_type"`
	TargetRef  string             `json:"target_ref,omitempty" db:"target_ref"`
	AgentID    string             `json:"agent_id,omitempty" db:"agent_id"`

	EnqueuedAt  time.Time `json:"enqueued_at" db:"enqueued_at"`
	AssignedAt  time.Time `json:"assigned_at,omitempty" db:"assigned_at"`
	AnsweredAt  time.Time `json:"answered_at,omitempty" db:"answered_at"`
	EndedAt     time.Time `json:"ended_at,omitempty" db:"ended_at"`
	CompletedAt time.Time `json:"completed_at,omitempty" db:"completed_at"`
}

type Status string

const (
	StatusWaiting   Status = "waiting"
	StatusAssigned  Status = "assigned"
	StatusAnswered  Status = "answered"
	StatusAbandoned Status = "abandoned"
	StatusCompleted Status = "completed"
)

// Terminal reports whether routing is finished for the entry.
func (s Status) Terminal() bool {
	return s == StatusAnswered || s == StatusAbandoned || s == StatusCompleted
}

// WaitTime is the time spent queued: until answer, abandon, or now.
func (e Entry) WaitTime(now time.Time) time.Duration {
	end := now
	switch {
	case !e.AnsweredAt.IsZero():
		end = e.AnsweredAt
	case !e.EndedAt.IsZero():
		end = e.EndedAt
	}
	if end.Before(e.EnqueuedAt) {
		return 0
	}
	return end.Sub(e.EnqueuedAt)
}

// HandleTime is answer-to-completion; zero when either side is missing.
func (e Entry) HandleTime() time.Duration {
	if e.AnsweredAt.IsZero() || e.CompletedAt.IsZero() || e.CompletedAt.Before(e.AnsweredAt) {
		return 0
	}
	return e.CompletedAt.Sub(e.AnsweredAt)
}

func (e Entry) routingCall() routing.Call {
	return routing.Call{
		CallID:      e.CallID,
		TeamID:      e.TeamID,
		CallerPhone: e.CallerPhone,
		Direction:   e.Direction,
		Priority:    e.Priority,
		Skills:      e.Skills,
		Language:    e.Language,
		Attempts:    e.Attempts,
		EnqueuedAt:  e.EnqueuedAt,
		Attributes:  e.Attributes,
	}
}

// EnqueueRequest creates a waiting entry.
type EnqueueRequest struct {
	CallID      string            `json:"call_id"`
	TeamID      string            `json:"team_id"`
	CallerPhone string            `json:"caller_phone"`
	Direction   string            `json:"direction"`
	Priority    int               `json:"priority"`
	Skills      []string          `json:"skills,omitempty"`
	Language    string            `json:"language,omitempty"`
	Attributes  map[string]string `json:"attributes,omitempty"`
}

// RouteResult is returned by RouteCall.
type RouteResult struct {
	Success      bool             `json:"success"`
	EntryID      string           `json:"entry_id"`
	RuleUsed     string           `json:"rule_used,omitempty"`
	Strategy     routing.Strategy `json:"strategy,omitempty"`
	Target       *routing.Target  `json:"target,omitempty"`
	AgentID      string           `json:"agent_id,omitempty"`
	RouteTimeMs  int64            `json:"route_time_ms"`
	FallbackUsed bool             `json:"fallback_used"`
	Error        string           `json:"error,omitempty"`
}

// PositionUpdate is one row of a position pass.
type PositionUpdate struct {
	ID                   string
	Position             int
	EstimatedWaitSeconds int
}

// Filter selects entries for listing; zero fields match everything. To is exclusive.
type Filter struct {
	TeamID   string
	Statuses []Status
	From     time.Time
	To       time.Time
}

func (f Filter) matches(e Entry) bool {
	if f.TeamID != "" && e.TeamID != f.TeamID {
		return false
	}
	if len(f.Statuses) > 0 {
		ok := false
		for _, s := range f.Statuses {
			if e.Status == s {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if !f.From.IsZero() && e.EnqueuedAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && !e.EnqueuedAt.Before(f.To) {
		return false
	}
	return true
}
