// Package agents is the agent directory consumed by routing: who can take a
// call, how loaded they are and how long they have been idle.
package agents

import (
	"errors"
	"strings"
	"time"
)

var ErrNotFound = errors.New("agents: not found")

// Agent is a routable human endpoint. ActiveCalls is filled from Slots at read
// time; it is never persisted with the directory row.
type Agent struct {
	ID       string `json:"id" db:"id"`
	TeamID   string `json:"team_id" db:"team_id"`
	Name     string `json:"name,omitempty" db:"name"`
	Endpoint string `json:"endpoint" db:"endpoint"` // dial target: E.164 or sip: URI

	Skills    []string `json:"skills" db:"skills"`
	Languages []string `json:"languages" db:"languages"`
	Tier      int      `json:"tier" db:"tier"`

	MaxConcurrentCalls int  `json:"max_concurrent_calls" db:"max_concurrent_calls"`
	Available          bool `json:"available" db:"available"`

	ActiveCalls     int       `json:"active_calls_count"`
	LastCallEndedAt time.Time `json:"last_call_ended_at" db:"last_call_ended_at"`
}

// Limit is the concurrent call cap; unset means one.
func (a Agent) Limit() int {
	if a.MaxConcurrentCalls <= 0 {
		return 1
	}
	return a.MaxConcurrentCalls
}

// HasCapacity reports whether the agent can take one more call.
func (a Agent) HasCapacity() bool {
	return a.Available && a.ActiveCalls < a.Limit()
}

// Query selects eligible agents. Skills must all be present; Language, when
// set, must be one of the agent's languages.
type Query struct {
	TeamID   string
	Skills   []string
	Language string
}

func (q Query) matches(a Agent) bool {
	if q.TeamID != "" && a.TeamID != q.TeamID {
		return false
	}
	if !HasAll(a.Skills, q.Skills) {
		return false
	}
	if q.Language != "" && !containsFold(a.Languages, q.Language) {
		return false
	}
	return true
}

// HasAll reports whether have ⊇ want, case-insensitively.
func HasAll(have, want []string) bool {
	for _, w := range want {
		if !containsFold(have, w) {
			return false
		}
	}
	return true
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}
