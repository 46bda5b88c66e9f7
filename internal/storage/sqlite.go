package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"sandbox-sessions/internal/session"
)

const sqliteSchema = `
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
	output_tail      TEXT NOT NULL DEFAULT '[]',
	created_at       INTEGER NOT NULL,
	last_activity    INTEGER NOT NULL,
	expires_at       INTEGER NOT NULL,
	started_at       INTEGER,
	ended_at         INTEGER,
	updated_at       INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS session_snapshots_owner_idx ON session_snapshots (owner_key, created_at);`

// SQLite stores snapshots in a local database file. Timestamps are kept as
// unix nanoseconds.
type SQLite struct {
	db *sql.DB
}

func NewSQLite(ctx context.Context, path string) (*SQLite, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite store requires a database path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("could not create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("could not open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("could not create schema: %w", err)
	}

	log.Info().Str("path", path).Msg("opened SQLite session store")
	return &SQLite{db: db}, nil
}

func (s *SQLite) Close() error { return s.db.Close() }

func (s *SQLite) Healthy(ctx context.Context) bool {
	return s.db.PingContext(ctx) == nil
}

func (s *SQLite) Save(ctx context.Context, rec *SessionRecord) error {
	outputTail, err := json.Marshal(tail(rec.OutputTail, OutputTailLines))
	if err != nil {
		return fmt.Errorf("encoding output tail: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO session_snapshots (id, owner_key, target_id, status, generation,
			exit_code, preview_endpoint, error, error_kind, output_tail,
			created_at, last_activity, expires_at, started_at, ended_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			status = excluded.status,
			generation = excluded.generation,
			exit_code = excluded.exit_code,
			preview_endpoint = excluded.preview_endpoint,
			error = excluded.error,
			error_kind = excluded.error_kind,
			output_tail = excluded.output_tail,
			last_activity = excluded.last_activity,
			expires_at = excluded.expires_at,
			started_at = excluded.started_at,
			ended_at = excluded.ended_at,
			updated_at = excluded.updated_at
		WHERE session_snapshots.generation <= excluded.generation`,
		rec.ID, rec.OwnerKey, rec.TargetID, rec.Status, rec.Generation,
		nullInt(rec.ExitCode), rec.Preview, rec.Error, rec.ErrorKind, string(outputTail),
		rec.CreatedAt.UnixNano(), rec.LastActivity.UnixNano(), rec.ExpiresAt.UnixNano(),
		nullTime(rec.StartedAt), nullTime(rec.EndedAt), rec.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("upserting session %s: %w", rec.ID, err)
	}
	return nil
}

const sqliteColumns = `id, owner_key, target_id, status, generation, exit_code,
	preview_endpoint, error, error_kind, output_tail, created_at, last_activity, expires_at,
	started_at, ended_at, updated_at`

func (s *SQLite) Get(ctx context.Context, id string) (*SessionRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteColumns+` FROM session_snapshots WHERE id = ?`, id)
	rec, err := scanSQLite(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("querying session %s: %w", id, err)
	}
	return rec, nil
}

func (s *SQLite) List(ctx context.Context, filter RecordFilter) ([]SessionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+sqliteColumns+`
		FROM session_snapshots
		WHERE (? = '' OR owner_key = ?)
		  AND (? = '' OR status = ?)
		ORDER BY created_at DESC, id
		LIMIT ? OFFSET ?`,
		filter.OwnerKey, filter.OwnerKey, filter.Status, filter.Status, filter.limit(), filter.Offset)
	if err != nil {
		return nil, fmt.Errorf("querying sessions: %w", err)
	}
	defer rows.Close()

	var results []SessionRecord
	for rows.Next() {
		rec, err := scanSQLite(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning session row: %w", err)
		}
		results = append(results, *rec)
	}
	return results, rows.Err()
}

func (s *SQLite) MarkDestroyed(ctx context.Context, at time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE session_snapshots SET status = ?, updated_at = ? WHERE status <> ?`,
		string(session.StatusDestroyed), at.UnixNano(), string(session.StatusDestroyed))
	if err != nil {
		return 0, fmt.Errorf("marking sessions destroyed: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSQLite(row scanner) (*SessionRecord, error) {
	var (
		rec                                     SessionRecord
		exitCode                                sql.NullInt64
		outputTail                              string
		createdAt, lastActivity, expiresAt, upd int64
		startedAt, endedAt                      sql.NullInt64
	)
	err := row.Scan(
		&rec.ID, &rec.OwnerKey, &rec.TargetID, &rec.Status, &rec.Generation,
		&exitCode, &rec.Preview, &rec.Error, &rec.ErrorKind, &outputTail,
		&createdAt, &lastActivity, &expiresAt, &startedAt, &endedAt, &upd,
	)
	if err != nil {
		return nil, err
	}
	if exitCode.Valid {
		code := int(exitCode.Int64)
		rec.ExitCode = &code
	}
	if err := json.Unmarshal([]byte(outputTail), &rec.OutputTail); err != nil {
		return nil, fmt.Errorf("decoding output tail: %w", err)
	}
	rec.CreatedAt = time.Unix(0, createdAt).UTC()
	rec.LastActivity = time.Unix(0, lastActivity).UTC()
	rec.ExpiresAt = time.Unix(0, expiresAt).UTC()
	rec.UpdatedAt = time.Unix(0, upd).UTC()
	rec.StartedAt = fromNull(startedAt)
	rec.EndedAt = fromNull(endedAt)
	return &rec, nil
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func nullTime(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func fromNull(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(0, v.Int64).UTC()
	return &t
}
