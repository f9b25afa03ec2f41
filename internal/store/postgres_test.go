package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uk-ipop/opendata-pipeline/pkg/geocode"
)

var _ Store = (*PostgresStore)(nil)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	s := &PostgresStore{pool: mock}
	return s, mock
}

func TestPostgresStore_Migrate(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS runs`).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, s.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CreateRun(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO runs`).
		WithArgs(pgxmock.AnyArg(), KindFetch, "running", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	id, err := s.CreateRun(context.Background(), KindFetch)
	require.NoError(t, err)
	assert.Len(t, id, 36)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CompleteRun(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE runs SET status = \$1, counts = \$2`).
		WithArgs("complete", []byte(`{"Cook County":4}`), pgxmock.AnyArg(), "run-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err := s.CompleteRun(context.Background(), "run-1", map[string]int{"Cook County": 4})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CompleteRun_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE runs`).
		WithArgs("complete", pgxmock.AnyArg(), pgxmock.AnyArg(), "missing").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.CompleteRun(context.Background(), "missing", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "run not found")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_FailRun(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE runs SET status = \$1, error = \$2`).
		WithArgs("failed", "exhausted retries", pgxmock.AnyArg(), "run-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err := s.FailRun(context.Background(), "run-1", errors.New("exhausted retries"))
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListRuns(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	started := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	finished := started.Add(time.Minute)
	failure := "boom"

	rows := pgxmock.NewRows([]string{"id", "kind", "status", "counts", "error", "started_at", "finished_at"}).
		AddRow("run-2", "geocode", "failed", []byte(nil), &failure, started, &finished).
		AddRow("run-1", "geocode", "complete", []byte(`{"Milwaukee County":12}`), (*string)(nil), started, &finished)

	mock.ExpectQuery(`SELECT id, kind, status, counts, error, started_at, finished_at FROM runs WHERE true AND kind = \$1 ORDER BY started_at DESC LIMIT \$2`).
		WithArgs(KindGeocode, 10).
		WillReturnRows(rows)

	runs, err := s.ListRuns(context.Background(), RunFilter{Kind: KindGeocode, Limit: 10})
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, RunStatusFailed, runs[0].Status)
	assert.Equal(t, "boom", runs[0].Error)
	assert.Nil(t, runs[0].Counts)
	assert.Equal(t, map[string]int{"Milwaukee County": 12}, runs[1].Counts)
	require.NotNil(t, runs[1].FinishedAt)
	assert.Equal(t, finished, *runs[1].FinishedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListRuns_DefaultLimit(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FROM runs WHERE true ORDER BY started_at DESC LIMIT \$1`).
		WithArgs(defaultListLimit).
		WillReturnRows(pgxmock.NewRows([]string{"id", "kind", "status", "counts", "error", "started_at", "finished_at"}))

	runs, err := s.ListRuns(context.Background(), RunFilter{})
	require.NoError(t, err)
	assert.Empty(t, runs)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetCachedGeocode_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT matched, latitude, longitude, score, matched_address, cached_at FROM geocode_cache`).
		WithArgs("unknown").
		WillReturnError(pgx.ErrNoRows)

	result, err := s.GetCachedGeocode(context.Background(), "unknown")
	require.NoError(t, err)
	assert.Nil(t, result)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetCachedGeocode_Hit(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	cachedAt := time.Date(2026, 9, 30, 8, 0, 0, 0, time.UTC)
	mock.ExpectQuery(`FROM geocode_cache\s+WHERE cache_key = \$1 AND expires_at > now\(\)`).
		WithArgs("abc").
		WillReturnRows(pgxmock.NewRows([]string{"matched", "latitude", "longitude", "score", "matched_address", "cached_at"}).
			AddRow(true, 41.88, -87.63, 97.0, "50 W Washington St", cachedAt))

	result, err := s.GetCachedGeocode(context.Background(), "abc")
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.True(t, result.Matched)
	assert.InDelta(t, 41.88, result.Latitude, 1e-9)
	assert.Equal(t, "50 W Washington St", result.MatchedAddress)
	assert.Equal(t, cachedAt, result.CachedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SetCachedGeocode_Upsert(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`ON CONFLICT \(cache_key\) DO UPDATE`).
		WithArgs("abc", true, 41.88, -87.63, 97.0, "50 W Washington St", pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := s.SetCachedGeocode(context.Background(), "abc", geocode.CachedResult{
		Matched: true, Latitude: 41.88, Longitude: -87.63, Score: 97, MatchedAddress: "50 W Washington St",
	}, 24*time.Hour)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Close(t *testing.T) {
	closed := false
	s := &PostgresStore{closeFn: func() { closed = true }}
	require.NoError(t, s.Close())
	assert.True(t, closed)
}
