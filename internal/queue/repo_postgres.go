package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"contact-center/pkg/utils"
)

// Schema creates the queue_entries table. The partial unique index allows one
// open entry per call.
var Schema = []string{`
CREATE TABLE IF NOT EXISTS queue_entries (
  id TEXT PRIMARY KEY,
  call_id TEXT NOT NULL,
  team_id TEXT NOT NULL,
  caller_phone TEXT NOT NULL DEFAULT '',
  direction TEXT NOT NULL DEFAULT '',
  priority INT NOT NULL DEFAULT 0,
  status TEXT NOT NULL,
  skills JSONB NOT NULL DEFAULT '[]',
  language TEXT NOT NULL DEFAULT '',
  attributes JSONB NOT NULL DEFAULT '{}',
  position INT NOT NULL DEFAULT 0,
  estimated_wait_seconds INT NOT NULL DEFAULT 0,
  attempts INT NOT NULL DEFAULT 0,
  retry JSONB NOT NULL DEFAULT '{}',
  rule_id TEXT NOT NULL DEFAULT '',
  target_type TEXT NOT NULL DEFAULT '',
  target_ref TEXT NOT NULL DEFAULT '',
  agent_id TEXT NOT NULL DEFAULT '',
  enqueued_at TIMESTAMPTZ NOT NULL,
  assigned_at TIMESTAMPTZ,
  answered_at TIMESTAMPTZ,
  ended_at TIMESTAMPTZ,
  completed_at TIMESTAMPTZ
)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS queue_entries_open_call ON queue_entries (call_id) WHERE status IN ('waiting','assigned')`,
	`CREATE INDEX IF NOT EXISTS queue_entries_team_status ON queue_entries (team_id, status, enqueued_at)`,
}

type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

func (r *PostgresRepo) Migrate(ctx context.Context) error {
	return utils.EnsureSchema(ctx, r.db, Schema...)
}

const entryColumns = `id, call_id, team_id, caller_phone, direction, priority, status, skills, language,
  attributes, position, estimated_wait_seconds, attempts, retry, rule_id, target_type, target_ref,
  agent_id, enqueued_at, assigned_at, answered_at, ended_at, completed_at`

func (r *PostgresRepo) Create(ctx context.Context, e Entry) error {
	args, err := entryArgs(e)
	if err != nil {
		return err
	}
	q := `INSERT INTO queue_entries (` + entryColumns + `) VALUES (
  $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23
)`
	_, err = r.db.ExecContext(ctx, q, args...)
	if utils.IsUniqueViolation(err) {
		return ErrInvalidState
	}
	return err
}

func (r *PostgresRepo) Get(ctx context.Context, id string) (Entry, error) {
	q := `SELECT ` + entryColumns + ` FROM queue_entries WHERE id = $1`
	return scanEntry(r.db.QueryRowContext(ctx, q, id))
}

func (r *PostgresRepo) GetByCallID(ctx context.Context, callID string) (Entry, error) {
	q := `SELECT ` + entryColumns + ` FROM queue_entries WHERE call_id = $1 ORDER BY enqueued_at DESC LIMIT 1`
	return scanEntry(r.db.QueryRowContext(ctx, q, callID))
}

// Update locks the row, applies fn and writes the result in one transaction.
func (r *PostgresRepo) Update(ctx context.Context, id string, fn func(*Entry) error) (Entry, error) {
	var out Entry
	err := utils.WithTx(ctx, r.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		q := `SELECT ` + entryColumns + ` FROM queue_entries WHERE id = $1 FOR UPDATE`
		e, err := scanEntry(tx.QueryRowContext(ctx, q, id))
		if err != nil {
			return err
		}
		if err := fn(&e); err != nil {
			return err
		}
		args, err := entryArgs(e)
		if err != nil {
			return err
		}
		const upd = `
UPDATE queue_entries SET
  team_id = $3, caller_phone = $4, direction = $5, priority = $6, status = $7, skills = $8,
  language = $9, attributes = $10, position = $11, estimated_wait_seconds = $12, attempts = $13,
  retry = $14, rule_id = $15, target_type = $16, target_ref = $17, agent_id = $18,
  enqueued_at = $19, assigned_at = $20, answered_at = $21, ended_at = $22, completed_at = $23
WHERE id = $1 AND call_id = $2
`
		if _, err := tx.ExecContext(ctx, upd, args...); err != nil {
			return err
		}
		out = e
		return nil
	})
	return out, err
}

func (r *PostgresRepo) List(ctx context.Context, f Filter) ([]Entry, error) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if f.TeamID != "" {
		add("team_id = $%d", f.TeamID)
	}
	if len(f.Statuses) > 0 {
		ph := make([]string, 0, len(f.Statuses))
		for _, s := range f.Statuses {
			args = append(args, string(s))
			ph = append(ph, fmt.Sprintf("$%d", len(args)))
		}
		where = append(where, "status IN ("+strings.Join(ph, ",")+")")
	}
	if !f.From.IsZero() {
		add("enqueued_at >= $%d", f.From)
	}
	if !f.To.IsZero() {
		add("enqueued_at < $%d", f.To)
	}

	q := `SELECT ` + entryColumns + ` FROM queue_entries`
	if len(where) > 0 {
		q += "\nWHERE " + strings.Join(where, " AND ")
	}
	q += "\nORDER BY enqueued_at ASC, id ASC"

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Entry, 0)
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *PostgresRepo) SetPositions(ctx context.Context, updates []PositionUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	return utils.WithTx(ctx, r.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		const q = `
UPDATE queue_entries SET position = $2, estimated_wait_seconds = $3
WHERE id = $1 AND status = 'waiting'
`
		for _, u := range updates {
			if _, err := tx.ExecContext(ctx, q, u.ID, u.Position, u.EstimatedWaitSeconds); err != nil {
				return err
			}
		}
		return nil
	})
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (Entry, error) {
	var (
		e                                       Entry
		skills, attrs, retryState               []byte
		assignedAt, answeredAt, endedAt, doneAt sql.NullTime
	)
	err := row.Scan(
		&e.ID,
		&e.CallID,
		&e.TeamID,
		&e.CallerPhone,
		&e.Direction,
		&e.Priority,
		&e.Status,
		&skills,
		&e.Language,
		&attrs,
		&e.Position,
		&e.EstimatedWaitSeconds,
		&e.Attempts,
		&retryState,
		&e.RuleID,
		&e.TargetType,
		&e.TargetRef,
		&e.AgentID,
		&e.EnqueuedAt,
		&assignedAt,
		&answeredAt,
		&endedAt,
		&doneAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Entry{}, ErrNotFound
		}
		return Entry{}, err
	}
	if err := unmarshalJSON(skills, &e.Skills); err != nil {
		return Entry{}, err
	}
	if err := unmarshalJSON(attrs, &e.Attributes); err != nil {
		return Entry{}, err
	}
	if err := unmarshalJSON(retryState, &e.Retry); err != nil {
		return Entry{}, err
	}
	e.AssignedAt = assignedAt.Time
	e.AnsweredAt = answeredAt.Time
	e.EndedAt = endedAt.Time
	e.CompletedAt = doneAt.Time
	return e, nil
}

func entryArgs(e Entry) ([]any, error) {
	skills, err := json.Marshal(nonNilStrings(e.Skills))
	if err != nil {
		return nil, err
	}
	attrs := []byte("{}")
	if len(e.Attributes) > 0 {
		if attrs, err = json.Marshal(e.Attributes); err != nil {
			return nil, err
		}
	}
	retryState, err := json.Marshal(e.Retry)
	if err != nil {
		return nil, err
	}
	return []any{
		e.ID,
		e.CallID,
		e.TeamID,
		e.CallerPhone,
		e.Direction,
		e.Priority,
		string(e.Status),
		skills,
		e.Language,
		attrs,
		e.Position,
		e.EstimatedWaitSeconds,
		e.Attempts,
		retryState,
		e.RuleID,
		string(e.TargetType),
		e.TargetRef,
		e.AgentID,
		e.EnqueuedAt,
		nullTime(e.AssignedAt),
		nullTime(e.AnsweredAt),
		nullTime(e.EndedAt),
		nullTime(e.CompletedAt),
	}, nil
}

func unmarshalJSON(raw []byte, v any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("queue: decode column: %w", err)
	}
	return nil
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func (r *PostgresRepo) AverageHandleTime(ctx context.Context, teamID string, since time.Time) (time.Duration, int, error) {
	const q = `
SELECT COALESCE(AVG(EXTRACT(EPOCH FROM (completed_at - answered_at))), 0), COUNT(*)
FROM queue_entries
WHERE status = 'completed' AND ($1 = '' OR team_id = $1) AND completed_at >= $2
  AND answered_at IS NOT NULL AND completed_at > answered_at
`
	var (
		secs float64
		n    int
	)
	if err := r.db.QueryRowContext(ctx, q, teamID, since).Scan(&secs, &n); err != nil {
		return 0, 0, err
	}
	return time.Duration(secs * float64(time.Second)), n, nil
}
