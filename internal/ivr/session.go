package ivr

import (
	"errors"
	"fmt"
	"time"
)

// ErrExecution is the IVR execution error class: no active session, a flow
// that cannot run, or input the current state cannot take. The session is
// left untouched.
var ErrExecution = errors.New("ivr: execution error")

// ErrStale marks an input or timeout that refers to a prompt the session has
// already moved past. It is a no-op, not a failure.
var ErrStale = fmt.Errorf("%w: stale event", ErrExecution)

type ExecutionError struct {
	CallID string
	Reason string
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("ivr: call %s: %s", e.CallID, e.Reason)
}

func (e *ExecutionError) Unwrap() error { return ErrExecution }

func execErr(callID, format string, args ...any) error {
	return &ExecutionError{CallID: callID, Reason: fmt.Sprintf(format, args...)}
}

type ExitReason string

const (
	ExitCompleted     ExitReason = "completed"
	ExitAbandoned     ExitReason = "abandoned"
	ExitError         ExitReason = "error"
	ExitTestCompleted ExitReason = "test_completed"
)

func (r ExitReason) valid() bool {
	switch r {
	case ExitCompleted, ExitAbandoned, ExitError, ExitTestCompleted:
		return true
	}
	return false
}

type InputType string

const (
	InputDTMF   InputType = "dtmf"
	InputSpeech InputType = "speech"
)

type InputRecord struct {
	NodeID  string    `json:"node_id"`
	Input   string    `json:"input"`
	Type    InputType `json:"type"`
	Matched bool      `json:"matched"`
	Timeout bool      `json:"timeout,omitempty"`
	At      time.Time `json:"at"`
}

// Visit is one stay on a node, closed when the session leaves it.
type Visit struct {
	NodeID    string    `json:"node_id"`
	EnteredAt time.Time `json:"entered_at"`
	LeftAt    time.Time `json:"left_at,omitempty"`
}

// Session is one call's walk through a flow. It is mutated only by the
// manager and frozen once EndedAt is set.
type Session struct {
	ID          string `json:"id"`
	CallID      string `json:"call_id"`
	FlowID      string `json:"flow_id"`
	FlowVersion int    `json:"flow_version"`
	CallerPhone string `json:"caller_phone,omitempty"`
	Language    string `json:"language,omitempty"`

	CurrentNode string            `json:"current_node"`
	Vars        map[string]string `json:"vars,omitempty"`
	History     []InputRecord     `json:"history,omitempty"`
	Retries     map[string]int    `json:"retries,omitempty"`
	Visits      []Visit           `json:"visits,omitempty"`

	// Seq increments on every transition; events carrying an older Seq are stale.
	Seq uint64 `json:"seq"`

	StartedAt     time.Time  `json:"started_at"`
	EndedAt       time.Time  `json:"ended_at,omitempty"`
	ExitReason    ExitReason `json:"exit_reason,omitempty"`
	ExitNode      string     `json:"exit_node,omitempty"`
	TransferredTo string     `json:"transferred_to,omitempty"`
}

func (s *Session) Ended() bool { return !s.EndedAt.IsZero() }

func (s *Session) clone() Session {
	out := *s
	if s.Vars != nil {
		out.Vars = make(map[string]string, len(s.Vars))
		for k, v := range s.Vars {
			out.Vars[k] = v
		}
	}
	if s.Retries != nil {
		out.Retries = make(map[string]int, len(s.Retries))
		for k, v := range s.Retries {
			out.Retries[k] = v
		}
	}
	out.History = append([]InputRecord(nil), s.History...)
	out.Visits = append([]Visit(nil), s.Visits...)
	return out
}

func (s *Session) enter(nodeID string, now time.Time) {
	s.leave(now)
	s.CurrentNode = nodeID
	s.Visits = append(s.Visits, Visit{NodeID: nodeID, EnteredAt: now})
}

func (s *Session) leave(now time.Time) {
	if n := len(s.Visits); n > 0 && s.Visits[n-1].LeftAt.IsZero() {
		s.Visits[n-1].LeftAt = now
	}
}

func (s *Session) finalize(reason ExitReason, transferredTo string, now time.Time) {
	if s.Ended() {
		return
	}
	s.leave(now)
	s.EndedAt = now
	s.ExitReason = reason
	s.ExitNode = s.CurrentNode
	if transferredTo != "" {
		s.TransferredTo = transferredTo
	}
}
