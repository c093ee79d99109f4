package ivr

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"contact-center/pkg/utils"
)

var Schema = []string{`
CREATE TABLE IF NOT EXISTS ivr_flows (
  id TEXT NOT NULL,
  version INT NOT NULL,
  doc JSONB NOT NULL,
  published_at TIMESTAMPTZ NOT NULL,
  PRIMARY KEY (id, version)
)`,
	`CREATE TABLE IF NOT EXISTS ivr_sessions (
  id TEXT PRIMARY KEY,
  call_id TEXT NOT NULL,
  flow_id TEXT NOT NULL,
  flow_version INT NOT NULL,
  exit_reason TEXT NOT NULL,
  started_at TIMESTAMPTZ NOT NULL,
  ended_at TIMESTAMPTZ NOT NULL,
  doc JSONB NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS ivr_sessions_started ON ivr_sessions (started_at)`,
	`CREATE INDEX IF NOT EXISTS ivr_sessions_call ON ivr_sessions (call_id, started_at DESC)`,
}

type PostgresFlowStore struct {
	db    *sql.DB
	clock func() time.Time
}

func NewPostgresFlowStore(db *sql.DB) *PostgresFlowStore {
	return &PostgresFlowStore{db: db, clock: time.Now}
}

func (s *PostgresFlowStore) Migrate(ctx context.Context) error {
	return utils.EnsureSchema(ctx, s.db, Schema...)
}

// Publish inserts the next version. Two concurrent publishes of the same flow
// race on the primary key; the loser gets ErrInvalidFlow and can retry.
func (s *PostgresFlowStore) Publish(ctx context.Context, f Flow) (Flow, error) {
	if err := Validate(f); err != nil {
		return Flow{}, err
	}
	err := utils.WithTx(ctx, s.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		var current int
		if err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(version), 0) FROM ivr_flows WHERE id = $1`, f.ID).Scan(&current); err != nil {
			return err
		}
		f.Version = current + 1
		f.PublishedAt = s.clock().UTC()
		doc, err := json.Marshal(f)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO ivr_flows (id, version, doc, published_at) VALUES ($1, $2, $3, $4)`,
			f.ID, f.Version, doc, f.PublishedAt)
		return err
	})
	if utils.IsUniqueViolation(err) {
		return Flow{}, fmt.Errorf("%w %q: concurrent publish", ErrInvalidFlow, f.ID)
	}
	if err != nil {
		return Flow{}, err
	}
	return f, nil
}

func (s *PostgresFlowStore) Latest(ctx context.Context, id string) (Flow, error) {
	return s.one(ctx, `SELECT doc FROM ivr_flows WHERE id = $1 ORDER BY version DESC LIMIT 1`, id)
}

func (s *PostgresFlowStore) Version(ctx context.Context, id string, version int) (Flow, error) {
	return s.one(ctx, `SELECT doc FROM ivr_flows WHERE id = $1 AND version = $2`, id, version)
}

func (s *PostgresFlowStore) one(ctx context.Context, q string, args ...any) (Flow, error) {
	var doc []byte
	if err := s.db.QueryRowContext(ctx, q, args...).Scan(&doc); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Flow{}, ErrFlowNotFound
		}
		return Flow{}, err
	}
	var f Flow
	if err := json.Unmarshal(doc, &f); err != nil {
		return Flow{}, fmt.Errorf("ivr: decode flow: %w", err)
	}
	return f, nil
}

type PostgresSessionRepo struct {
	db *sql.DB
}

func NewPostgresSessionRepo(db *sql.DB) *PostgresSessionRepo { return &PostgresSessionRepo{db: db} }

func (r *PostgresSessionRepo) Migrate(ctx context.Context) error {
	return utils.EnsureSchema(ctx, r.db, Schema...)
}

// Save is insert-only; saving the same session twice is a no-op.
func (r *PostgresSessionRepo) Save(ctx context.Context, s Session) error {
	if !s.Ended() {
		return errors.New("ivr: only finalized sessions are stored")
	}
	doc, err := json.Marshal(s)
	if err != nil {
		return err
	}
	const q = `
INSERT INTO ivr_sessions (id, call_id, flow_id, flow_version, exit_reason, started_at, ended_at, doc)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
ON CONFLICT (id) DO NOTHING
`
	_, err = r.db.ExecContext(ctx, q, s.ID, s.CallID, s.FlowID, s.FlowVersion, string(s.ExitReason), s.StartedAt, s.EndedAt, doc)
	return err
}

func (r *PostgresSessionRepo) Get(ctx context.Context, callID string) (Session, error) {
	var doc []byte
	if err := r.db.QueryRowContext(ctx, `SELECT doc FROM ivr_sessions WHERE call_id = $1 ORDER BY started_at DESC LIMIT 1`, callID).Scan(&doc); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, ErrSessionNotFound
		}
		return Session{}, err
	}
	var s Session
	if err := json.Unmarshal(doc, &s); err != nil {
		return Session{}, fmt.Errorf("ivr: decode session: %w", err)
	}
	return s, nil
}

func (r *PostgresSessionRepo) List(ctx context.Context, from, to time.Time) ([]Session, error) {
	const q = `
SELECT doc FROM ivr_sessions
WHERE ($1::timestamptz IS NULL OR started_at >= $1) AND ($2::timestamptz IS NULL OR started_at < $2)
ORDER BY started_at ASC
`
	rows, err := r.db.QueryContext(ctx, q, nullTime(from), nullTime(to))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Session, 0)
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var s Session
		if err := json.Unmarshal(doc, &s); err != nil {
			return nil, fmt.Errorf("ivr: decode session: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
