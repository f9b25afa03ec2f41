package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/uk-ipop/opendata-pipeline/pkg/geocode"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// Pragmas are per connection and geocode workers write concurrently.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS runs (
	id          TEXT PRIMARY KEY,
	kind        TEXT NOT NULL,
	status      TEXT NOT NULL DEFAULT 'running',
	counts      TEXT,
	error       TEXT,
	started_at  DATETIME NOT NULL,
	finished_at DATETIME
);

CREATE TABLE IF NOT EXISTS geocode_cache (
	cache_key       TEXT PRIMARY KEY,
	matched         INTEGER NOT NULL,
	latitude        REAL NOT NULL,
	longitude       REAL NOT NULL,
	score           REAL NOT NULL,
	matched_address TEXT NOT NULL,
	cached_at       DATETIME NOT NULL,
	expires_at      INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_runs_kind ON runs(kind);
CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at);
CREATE INDEX IF NOT EXISTS idx_geocode_cache_expires_at ON geocode_cache(expires_at);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateRun(ctx context.Context, kind string) (string, error) {
	id := uuid.New().String()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, kind, status, started_at) VALUES (?, ?, ?, ?)`,
		id, kind, string(RunStatusRunning), time.Now().UTC(),
	)
	if err != nil {
		return "", eris.Wrap(err, "sqlite: insert run")
	}
	return id, nil
}

func (s *SQLiteStore) CompleteRun(ctx context.Context, id string, counts map[string]int) error {
	countsJSON, err := encodeCounts(counts)
	if err != nil {
		return eris.Wrap(err, "sqlite")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, counts = ?, finished_at = ? WHERE id = ?`,
		string(RunStatusComplete), string(countsJSON), time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: complete run %s", id)
	}
	return checkRowsAffected(res, "run", id)
}

func (s *SQLiteStore) FailRun(ctx context.Context, id string, runErr error) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, error = ?, finished_at = ? WHERE id = ?`,
		string(RunStatusFailed), errText(runErr), time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: fail run %s", id)
	}
	return checkRowsAffected(res, "run", id)
}

func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]Run, error) {
	query := `SELECT id, kind, status, counts, error, started_at, finished_at FROM runs WHERE 1=1`
	var args []any

	if filter.Kind != "" {
		query += ` AND kind = ?`
		args = append(args, filter.Kind)
	}
	query += ` ORDER BY started_at DESC, rowid DESC LIMIT ?`
	args = append(args, listLimit(filter))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close() //nolint:errcheck

	var runs []Run
	for rows.Next() {
		var (
			r        Run
			status   string
			counts   sql.NullString
			errMsg   sql.NullString
			finished sql.NullTime
		)
		if err := rows.Scan(&r.ID, &r.Kind, &status, &counts, &errMsg, &r.StartedAt, &finished); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan run")
		}
		r.Status = RunStatus(status)
		r.Error = errMsg.String
		if finished.Valid {
			t := finished.Time
			r.FinishedAt = &t
		}
		if r.Counts, err = decodeCounts([]byte(counts.String)); err != nil {
			return nil, eris.Wrapf(err, "sqlite: run %s", r.ID)
		}
		runs = append(runs, r)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: list runs iterate")
}

func (s *SQLiteStore) GetCachedGeocode(ctx context.Context, key string) (*geocode.CachedResult, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT matched, latitude, longitude, score, matched_address, cached_at FROM geocode_cache
		 WHERE cache_key = ? AND expires_at > ?`,
		key, time.Now().Unix(),
	)

	var cr geocode.CachedResult
	var matched int
	err := row.Scan(&matched, &cr.Latitude, &cr.Longitude, &cr.Score, &cr.MatchedAddress, &cr.CachedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get cached geocode")
	}
	cr.Matched = matched != 0
	return &cr, nil
}

func (s *SQLiteStore) SetCachedGeocode(ctx context.Context, key string, entry geocode.CachedResult, ttl time.Duration) error {
	cachedAt := entry.CachedAt
	if cachedAt.IsZero() {
		cachedAt = time.Now().UTC()
	}
	matched := 0
	if entry.Matched {
		matched = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO geocode_cache (cache_key, matched, latitude, longitude, score, matched_address, cached_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(cache_key) DO UPDATE SET
			matched = excluded.matched,
			latitude = excluded.latitude,
			longitude = excluded.longitude,
			score = excluded.score,
			matched_address = excluded.matched_address,
			cached_at = excluded.cached_at,
			expires_at = excluded.expires_at`,
		key, matched, entry.Latitude, entry.Longitude, entry.Score, entry.MatchedAddress,
		cachedAt, time.Now().Add(ttl).Unix(),
	)
	return eris.Wrap(err, "sqlite: set cached geocode")
}

// helpers

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Errorf("%s not found: %s", entity, id)
	}
	return nil
}
