package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"contact-center/pkg/utils"
)

// Schema creates the append-only routing_logs table. The trigger rejects
// UPDATE and DELETE so immutability holds even for ad-hoc SQL.
var Schema = []string{`
CREATE TABLE IF NOT EXISTS routing_logs (
  id TEXT PRIMARY KEY,
  call_id TEXT NOT NULL,
  entry_id TEXT NOT NULL DEFAULT '',
  team_id TEXT NOT NULL DEFAULT '',
  rule_id TEXT NOT NULL DEFAULT '',
  strategy TEXT NOT NULL DEFAULT '',
  target_type TEXT NOT NULL DEFAULT '',
  target_ref TEXT NOT NULL DEFAULT '',
  conditions_evaluated JSONB NOT NULL DEFAULT '[]',
  success BOOLEAN NOT NULL,
  fallback_used BOOLEAN NOT NULL,
  attempt INT NOT NULL,
  error TEXT NOT NULL DEFAULT '',
  duration_ms BIGINT NOT NULL,
  created_at TIMESTAMPTZ NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS routing_logs_team_created ON routing_logs (team_id, created_at)`,
	`CREATE INDEX IF NOT EXISTS routing_logs_call ON routing_logs (call_id)`,
	`CREATE OR REPLACE FUNCTION routing_logs_immutable() RETURNS trigger AS $$
BEGIN
  RAISE EXCEPTION 'routing_logs is append-only';
END;
$$ LANGUAGE plpgsql`,
	`DROP TRIGGER IF EXISTS routing_logs_no_mutation ON routing_logs`,
	`CREATE TRIGGER routing_logs_no_mutation BEFORE UPDATE OR DELETE ON routing_logs
FOR EACH ROW EXECUTE FUNCTION routing_logs_immutable()`,
}

type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

func (r *PostgresRepo) Migrate(ctx context.Context) error {
	return utils.EnsureSchema(ctx, r.db, Schema...)
}

func (r *PostgresRepo) Append(ctx context.Context, l RoutingLog) error {
	conds, err := json.Marshal(nonNil(l.ConditionsEvaluated))
	if err != nil {
		return err
	}
	const q = `
INSERT INTO routing_logs (
  id, call_id, entry_id, team_id, rule_id, strategy, target_type, target_ref,
  conditions_evaluated, success, fallback_used, attempt, error, duration_ms, created_at
) VALUES (
  $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15
)
`
	_, err = r.db.ExecContext(ctx, q,
		l.ID,
		l.CallID,
		l.EntryID,
		l.TeamID,
		l.RuleID,
		l.Strategy,
		l.TargetType,
		l.TargetRef,
		conds,
		l.Success,
		l.FallbackUsed,
		l.Attempt,
		l.Error,
		l.DurationMs,
		l.CreatedAt,
	)
	return err
}

func (r *PostgresRepo) List(ctx context.Context, f LogFilter) ([]RoutingLog, error) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if f.CallID != "" {
		add("call_id = $%d", f.CallID)
	}
	if f.TeamID != "" {
		add("team_id = $%d", f.TeamID)
	}
	if !f.From.IsZero() {
		add("created_at >= $%d", f.From)
	}
	if !f.To.IsZero() {
		add("created_at < $%d", f.To)
	}

	q := `
SELECT id, call_id, entry_id, team_id, rule_id, strategy, target_type, target_ref,
       conditions_evaluated, success, fallback_used, attempt, error, duration_ms, created_at
FROM routing_logs`
	if len(where) > 0 {
		q += "\nWHERE " + strings.Join(where, " AND ")
	}
	q += "\nORDER BY created_at ASC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += fmt.Sprintf("\nLIMIT $%d", len(args))
	}

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RoutingLog
	for rows.Next() {
		var (
			l     RoutingLog
			conds []byte
		)
		if err := rows.Scan(
			&l.ID,
			&l.CallID,
			&l.EntryID,
			&l.TeamID,
			&l.RuleID,
			&l.Strategy,
			&l.TargetType,
			&l.TargetRef,
			&conds,
			&l.Success,
			&l.FallbackUsed,
			&l.Attempt,
			&l.Error,
			&l.DurationMs,
			&l.CreatedAt,
		); err != nil {
			return nil, err
		}
		if len(conds) > 0 {
			if err := json.Unmarshal(conds, &l.ConditionsEvaluated); err != nil {
				return nil, fmt.Errorf("audit: decode conditions: %w", err)
			}
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
