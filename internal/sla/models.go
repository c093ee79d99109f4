package sla

import "time"

type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// Request asks for an SLA snapshot. TeamID empty means every team.
// Bucket, when set, splits the range into fixed windows.
type Request struct {
	TeamID string        `json:"team_id,omitempty"`
	Range  TimeRange     `json:"range"`
	Target time.Duration `json:"target"`
	Bucket time.Duration `json:"bucket,omitempty"`
}

// Window is the aggregate for one bucket. It is derived, never edited.
type Window struct {
	TeamID string    `json:"team_id,omitempty"`
	From   time.Time `json:"from"`
	To     time.Time `json:"to"`

	Total                int `json:"total"`
	Answered             int `json:"answered"`
	Abandoned            int `json:"abandoned"`
	AnsweredWithinTarget int `json:"answered_within_target"`

	AverageWaitSeconds float64 `json:"average_wait_seconds"`
	CompliancePercent  float64 `json:"compliance_percent"`
	AbandonPercent     float64 `json:"abandon_percent"`
}

type Snapshot struct {
	TeamID        string    `json:"team_id,omitempty"`
	Range         TimeRange `json:"range"`
	TargetSeconds float64   `json:"target_seconds"`
	Overall       Window    `json:"overall"`
	Buckets       []Window  `json:"buckets,omitempty"`
}

// Sample is one finished queue entry as seen by SLA math.
type Sample struct {
	TeamID     string
	EnqueuedAt time.Time
	Wait       time.Duration
	Answered   bool
	Abandoned  bool
}
