package store

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	s := &PostgresStore{pool: mock}
	return s, mock
}

func TestPostgresStore_GetSearch_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT .+ FROM searches WHERE id = \$1 AND owner_id = \$2`).
		WithArgs("nonexistent-search", "owner-1").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetSearch(context.Background(), "owner-1", "nonexistent-search")
	require.ErrorIs(t, err, ErrSearchNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SetSearchUpstreamID(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE searches`).
		WithArgs("up-new", pgxmock.AnyArg(), "search-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err := s.SetSearchUpstreamID(context.Background(), "search-1", "up-new")
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SetSearchUpstreamID_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE searches`).
		WithArgs("up-new", pgxmock.AnyArg(), "missing").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.SetSearchUpstreamID(context.Background(), "missing", "up-new")
	require.ErrorIs(t, err, ErrSearchNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ExistingExternalIDs(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT external_id FROM opportunities WHERE owner_id = \$1 AND external_id = ANY\(\$2\)`).
		WithArgs("owner-1", pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"external_id"}).
			AddRow("t3_abc").
			AddRow("t3_def"))

	existing, err := s.ExistingExternalIDs(context.Background(), "owner-1", []string{"t3_abc", "t3_def", "t3_new"})
	require.NoError(t, err)
	assert.Len(t, existing, 2)
	_, ok := existing["t3_abc"]
	assert.True(t, ok)
	_, ok = existing["t3_new"]
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ExistingExternalIDs_Empty(t *testing.T) {
	s, _ := newMockPostgresStore(t)

	existing, err := s.ExistingExternalIDs(context.Background(), "owner-1", nil)
	require.NoError(t, err)
	assert.Empty(t, existing)
}

func TestPostgresStore_UsageCount_NoRow(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT count FROM usage_metrics`).
		WithArgs("owner-1", "opportunities_generated", pgxmock.AnyArg()).
		WillReturnError(pgx.ErrNoRows)

	count, err := s.UsageCount(context.Background(), "owner-1", "opportunities_generated", time.Now())
	require.NoError(t, err)
	assert.Equal(t, 0, count)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_IncrementUsage_Upsert(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`ON CONFLICT`).
		WithArgs(pgxmock.AnyArg(), "owner-1", "opportunities_generated", pgxmock.AnyArg(), 7, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := s.IncrementUsage(context.Background(), "owner-1", "opportunities_generated", time.Now(), 7)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_DeleteSoftDeletedSearches(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`DELETE FROM searches WHERE deleted_at IS NOT NULL`).
		WithArgs(pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("DELETE", 3))

	n, err := s.DeleteSoftDeletedSearches(context.Background(), time.Now().Add(-30*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_PurgeExpiredUsage(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`DELETE FROM usage_metrics WHERE period_start < \$1`).
		WithArgs(pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("DELETE", 2))

	n, err := s.PurgeExpiredUsage(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}
