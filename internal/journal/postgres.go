package journal

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/MrWong99/presencegate/pkg/types"
)

// Schema is the DDL for the monitor_transitions table. Execute it via
// [PostgresStore.Migrate] or apply it during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS monitor_transitions (
    id               BIGSERIAL PRIMARY KEY,
    kind             TEXT NOT NULL,
    session_id       TEXT NOT NULL,
    from_state       TEXT NOT NULL,
    to_state         TEXT NOT NULL,
    reason           TEXT NOT NULL DEFAULT '',
    actuator_enabled BOOLEAN NOT NULL,
    at               TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_monitor_transitions_kind_at ON monitor_transitions(kind, at DESC);
`

// DB is the database interface used by [PostgresStore]. *pgxpool.Pool
// satisfies it.
type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Ping(ctx context.Context) error
}

// PostgresStore is a [Store] backed by PostgreSQL.
type PostgresStore struct {
	db DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore returns a store using db. Call [PostgresStore.Migrate]
// before the first Append.
func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the table and index if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("journal: migrate: %w", err)
	}
	return nil
}

// Append implements [Store].
func (s *PostgresStore) Append(ctx context.Context, e Entry) error {
	const query = `
		INSERT INTO monitor_transitions (kind, session_id, from_state, to_state, reason, actuator_enabled, at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`
	_, err := s.db.Exec(ctx, query,
		string(e.Kind), e.SessionID, e.From.String(), e.To.String(), e.Reason, e.ActuatorEnabled, e.At,
	)
	if err != nil {
		return fmt.Errorf("journal: append %s: %w", e.Kind, err)
	}
	return nil
}

// Recent implements [Store]. A non-positive limit defaults to 100.
func (s *PostgresStore) Recent(ctx context.Context, kind types.Kind, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	const query = `
		SELECT kind, session_id, from_state, to_state, reason, actuator_enabled, at
		FROM monitor_transitions
		WHERE kind = $1
		ORDER BY at DESC, id DESC
		LIMIT $2`

	rows, err := s.db.Query(ctx, query, string(kind), limit)
	if err != nil {
		return nil, fmt.Errorf("journal: recent %s: %w", kind, err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e        Entry
			k        string
			from, to string
		)
		if err := rows.Scan(&k, &e.SessionID, &from, &to, &e.Reason, &e.ActuatorEnabled, &e.At); err != nil {
			return nil, fmt.Errorf("journal: scan: %w", err)
		}
		e.Kind = types.Kind(k)
		if e.From, err = types.ParseMonitorState(from); err != nil {
			return nil, fmt.Errorf("journal: scan: %w", err)
		}
		if e.To, err = types.ParseMonitorState(to); err != nil {
			return nil, fmt.Errorf("journal: scan: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("journal: recent %s: %w", kind, err)
	}
	return out, nil
}

// Ping implements [Store].
func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := s.db.Ping(ctx); err != nil {
		return fmt.Errorf("journal: ping: %w", err)
	}
	return nil
}
