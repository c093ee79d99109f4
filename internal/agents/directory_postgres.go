package agents

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"contact-center/pkg/utils"
)

var Schema = []string{`
CREATE TABLE IF NOT EXISTS agents (
  id TEXT PRIMARY KEY,
  team_id TEXT NOT NULL,
  name TEXT NOT NULL DEFAULT '',
  endpoint TEXT NOT NULL DEFAULT '',
  skills JSONB NOT NULL DEFAULT '[]',
  languages JSONB NOT NULL DEFAULT '[]',
  tier INT NOT NULL DEFAULT 0,
  max_concurrent_calls INT NOT NULL DEFAULT 1,
  available BOOLEAN NOT NULL DEFAULT TRUE,
  last_call_ended_at TIMESTAMPTZ NOT NULL DEFAULT 'epoch'
)`,
	`CREATE INDEX IF NOT EXISTS agents_team ON agents (team_id)`,
}

// PostgresDirectory reads agents from Postgres; load comes from Slots.
type PostgresDirectory struct {
	db    *sql.DB
	slots Slots
}

func NewPostgresDirectory(db *sql.DB, slots Slots) *PostgresDirectory {
	return &PostgresDirectory{db: db, slots: slots}
}

func (d *PostgresDirectory) Migrate(ctx context.Context) error {
	return utils.EnsureSchema(ctx, d.db, Schema...)
}

func (d *PostgresDirectory) Slots() Slots { return d.slots }

const agentColumns = `id, team_id, name, endpoint, skills, languages, tier, max_concurrent_calls, available, last_call_ended_at`

func (d *PostgresDirectory) Get(ctx context.Context, id string) (Agent, error) {
	row := d.db.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = $1`, id)
	a, err := scanAgent(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Agent{}, ErrNotFound
		}
		return Agent{}, err
	}
	return withLoad(ctx, d.slots, a)
}

// Eligible filters skills and language in Go after the team/availability
// query; JSONB containment would work too but teams are small.
func (d *PostgresDirectory) Eligible(ctx context.Context, q Query) ([]Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents WHERE available`
	var args []any
	if q.TeamID != "" {
		query += ` AND team_id = $1`
		args = append(args, q.TeamID)
	}
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var matched []Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		if q.matches(a) {
			matched = append(matched, a)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return filterCapacity(ctx, d.slots, matched)
}

func (d *PostgresDirectory) Upsert(ctx context.Context, a Agent) error {
	skills, err := json.Marshal(nonNil(a.Skills))
	if err != nil {
		return err
	}
	langs, err := json.Marshal(nonNil(a.Languages))
	if err != nil {
		return err
	}
	const q = `
INSERT INTO agents (id, team_id, name, endpoint, skills, languages, tier, max_concurrent_calls, available, last_call_ended_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
ON CONFLICT (id) DO UPDATE SET
  team_id = EXCLUDED.team_id,
  name = EXCLUDED.name,
  endpoint = EXCLUDED.endpoint,
  skills = EXCLUDED.skills,
  languages = EXCLUDED.languages,
  tier = EXCLUDED.tier,
  max_concurrent_calls = EXCLUDED.max_concurrent_calls,
  available = EXCLUDED.available
`
	last := a.LastCallEndedAt
	if last.IsZero() {
		last = time.Unix(0, 0).UTC()
	}
	_, err = d.db.ExecContext(ctx, q, a.ID, a.TeamID, a.Name, a.Endpoint, skills, langs, a.Tier, a.MaxConcurrentCalls, a.Available, last)
	return err
}

func (d *PostgresDirectory) MarkCallEnded(ctx context.Context, id string, at time.Time) error {
	res, err := d.db.ExecContext(ctx, `UPDATE agents SET last_call_ended_at = $2 WHERE id = $1`, id, at.UTC())
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(r rowScanner) (Agent, error) {
	var (
		a             Agent
		skills, langs []byte
	)
	if err := r.Scan(
		&a.ID,
		&a.TeamID,
		&a.Name,
		&a.Endpoint,
		&skills,
		&langs,
		&a.Tier,
		&a.MaxConcurrentCalls,
		&a.Available,
		&a.LastCallEndedAt,
	); err != nil {
		return Agent{}, err
	}
	if err := json.Unmarshal(skills, &a.Skills); err != nil {
		return Agent{}, err
	}
	if err := json.Unmarshal(langs, &a.Languages); err != nil {
		return Agent{}, err
	}
	if a.LastCallEndedAt.Unix() == 0 {
		a.LastCallEndedAt = time.Time{}
	}
	return a, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
