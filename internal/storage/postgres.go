package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"sandbox-sessions/internal/session"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS session_snapshots (
	id               TEXT PRIMARY KEY,
	owner_key        TEXT NOT NULL,
	target_id        TEXT NOT NULL,
	status           TEXT NOT NULL,
	generation       INTEGER NOT NULL DEFAULT 0,
	exit_code        INTEGER,
	preview_endpoint TEXT NOT NULL DEFAULT '',
	error            TEXT NOT NULL DEFAULT '',
	error_kind       TEXT NOT NULL DEFAULT '',
	output_tail      JSONB NOT NULL DEFAULT '[]',
	created_at       TIMESTAMPTZ NOT NULL,
	last_activity    TIMESTAMPTZ NOT NULL,
	expires_at       TIMESTAMPTZ NOT NULL,
	started_at       TIMESTAMPTZ,
	ended_at         TIMESTAMPTZ,
	updated_at       TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS session_snapshots_owner_idx ON session_snapshots (owner_key, created_at DESC);
CREATE INDEX IF NOT EXISTS session_snapshots_status_idx ON session_snapshots (status);`

// Postgres stores snapshots in PostgreSQL.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres connects and ensures the schema exists.
func NewPostgres(ctx context.Context, dsn string, maxConns int32) (*Postgres, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing database DSN: %w", err)
	}

	config.MaxConns = 25
	if maxConns > 0 {
		config.MaxConns = maxConns
	}
	config.MinConns = 2
	config.MaxConnLifetime = 5 * time.Minute
	config.MaxConnIdleTime = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	log.Info().Msg("connected to PostgreSQL")
	return &Postgres{pool: pool}, nil
}

func (db *Postgres) Close() error {
	db.pool.Close()
	return nil
}

func (db *Postgres) Healthy(ctx context.Context) bool {
	return db.pool.Ping(ctx) == nil
}

// Save upserts a record. Older generations never overwrite newer ones.
func (db *Postgres) Save(ctx context.Context, rec *SessionRecord) error {
	outputTail, err := json.Marshal(tail(rec.OutputTail, OutputTailLines))
	if err != nil {
		return fmt.Errorf("encoding output tail: %w", err)
	}

	query := `
		INSERT INTO session_snapshots (id, owner_key, target_id, status, generation,
			exit_code, preview_endpoint, error, error_kind, output_tail,
			created_at, last_activity, expires_at, started_at, ended_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			generation = EXCLUDED.generation,
			exit_code = EXCLUDED.exit_code,
			preview_endpoint = EXCLUDED.preview_endpoint,
			error = EXCLUDED.error,
			error_kind = EXCLUDED.error_kind,
			output_tail = EXCLUDED.output_tail,
			last_activity = EXCLUDED.last_activity,
			expires_at = EXCLUDED.expires_at,
			started_at = EXCLUDED.started_at,
			ended_at = EXCLUDED.ended_at,
			updated_at = EXCLUDED.updated_at
		WHERE session_snapshots.generation <= EXCLUDED.generation`

	_, err = db.pool.Exec(ctx, query,
		rec.ID, rec.OwnerKey, rec.TargetID, rec.Status, rec.Generation,
		rec.ExitCode, rec.Preview, truncateForDB(rec.Error, 4096), rec.ErrorKind, string(outputTail),
		rec.CreatedAt, rec.LastActivity, rec.ExpiresAt, rec.StartedAt, rec.EndedAt, rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upserting session %s: %w", rec.ID, err)
	}
	return nil
}

const postgresColumns = `id, owner_key, target_id, status, generation, exit_code,
	preview_endpoint, error, error_kind, output_tail, created_at, last_activity, expires_at,
	started_at, ended_at, updated_at`

func (db *Postgres) Get(ctx context.Context, id string) (*SessionRecord, error) {
	query := `SELECT ` + postgresColumns + ` FROM session_snapshots WHERE id = $1`
	rec, err := scanPostgres(db.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("querying session %s: %w", id, err)
	}
	return rec, nil
}

func (db *Postgres) List(ctx context.Context, filter RecordFilter) ([]SessionRecord, error) {
	query := `SELECT ` + postgresColumns + `
		FROM session_snapshots
		WHERE ($1 = '' OR owner_key = $1)
		  AND ($2 = '' OR status = $2)
		ORDER BY created_at DESC, id
		LIMIT $3 OFFSET $4`

	rows, err := db.pool.Query(ctx, query, filter.OwnerKey, filter.Status, filter.limit(), filter.Offset)
	if err != nil {
		return nil, fmt.Errorf("querying sessions: %w", err)
	}
	defer rows.Close()

	var results []SessionRecord
	for rows.Next() {
		rec, err := scanPostgres(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning session row: %w", err)
		}
		results = append(results, *rec)
	}
	return results, rows.Err()
}

func (db *Postgres) MarkDestroyed(ctx context.Context, at time.Time) (int, error) {
	tag, err := db.pool.Exec(ctx,
		`UPDATE session_snapshots SET status = $1, updated_at = $2 WHERE status <> $1`,
		string(session.StatusDestroyed), at)
	if err != nil {
		return 0, fmt.Errorf("marking sessions destroyed: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func scanPostgres(row pgx.Row) (*SessionRecord, error) {
	var rec SessionRecord
	var outputTail []byte
	err := row.Scan(
		&rec.ID, &rec.OwnerKey, &rec.TargetID, &rec.Status, &rec.Generation,
		&rec.ExitCode, &rec.Preview, &rec.Error, &rec.ErrorKind, &outputTail,
		&rec.CreatedAt, &rec.LastActivity, &rec.ExpiresAt, &rec.StartedAt, &rec.EndedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(outputTail, &rec.OutputTail); err != nil {
		return nil, fmt.Errorf("decoding output tail: %w", err)
	}
	return &rec, nil
}

func truncateForDB(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}
