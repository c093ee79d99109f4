package routing

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"contact-center/pkg/utils"
)

// Rules are stored as JSON documents; priority and team are columns so the
// hot query can filter and order in SQL.
var Schema = []string{`
CREATE TABLE IF NOT EXISTS routing_rules (
  id TEXT PRIMARY KEY,
  team_id TEXT NOT NULL DEFAULT '',
  priority INT NOT NULL,
  doc JSONB NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
	`CREATE INDEX IF NOT EXISTS routing_rules_team_priority ON routing_rules (team_id, priority)`,
}

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore { return &PostgresStore{db: db} }

func (s *PostgresStore) Migrate(ctx context.Context) error {
	return utils.EnsureSchema(ctx, s.db, Schema...)
}

func (s *PostgresStore) RulesForTeam(ctx context.Context, teamID string) ([]Rule, error) {
	const q = `
SELECT doc FROM routing_rules
WHERE team_id = '' OR team_id = $1
ORDER BY priority ASC, id ASC
`
	rows, err := s.db.QueryContext(ctx, q, teamID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Rule
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var r Rule
		if err := json.Unmarshal(doc, &r); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Get(ctx context.Context, id string) (Rule, error) {
	var doc []byte
	err := s.db.QueryRowContext(ctx, `SELECT doc FROM routing_rules WHERE id = $1`, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return Rule{}, ErrNotFound
	}
	if err != nil {
		return Rule{}, err
	}
	var r Rule
	if err := json.Unmarshal(doc, &r); err != nil {
		return Rule{}, err
	}
	return r, nil
}

func (s *PostgresStore) Put(ctx context.Context, r Rule) error {
	if err := validateRule(r); err != nil {
		return err
	}
	doc, err := json.Marshal(r)
	if err != nil {
		return err
	}
	const q = `
INSERT INTO routing_rules (id, team_id, priority, doc, updated_at)
VALUES ($1,$2,$3,$4,now())
ON CONFLICT (id) DO UPDATE SET
  team_id = EXCLUDED.team_id,
  priority = EXCLUDED.priority,
  doc = EXCLUDED.doc,
  updated_at = EXCLUDED.updated_at
`
	_, err = s.db.ExecContext(ctx, q, r.ID, r.TeamID, r.Priority, doc)
	return err
}
