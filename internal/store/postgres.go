package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/prospect-labs/prospectd/internal/db"
	"github.com/prospect-labs/prospectd/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists queries to prepare on each new connection for
// faster execution of the most frequently used store operations.
var preparedStatements = map[string]string{
	"get_search":        `SELECT id, owner_id, name, keywords, patterns, subreddits, platforms, enabled, scraping_mode, upstream_id, stale_upstream_id, last_run_at, deleted_at, created_at, updated_at FROM searches WHERE id = $1 AND owner_id = $2 AND deleted_at IS NULL`,
	"touch_search":      `UPDATE searches SET last_run_at = $1, updated_at = $1 WHERE id = $2`,
	"existing_ext_ids":  `SELECT external_id FROM opportunities WHERE owner_id = $1 AND external_id = ANY($2)`,
	"usage_count":       `SELECT count FROM usage_metrics WHERE owner_id = $1 AND metric = $2 AND period_start = $3`,
	"increment_usage":   `INSERT INTO usage_metrics (id, owner_id, metric, period_start, count, updated_at) VALUES ($1, $2, $3, $4, $5, $6) ON CONFLICT (owner_id, metric, period_start) DO UPDATE SET count = usage_metrics.count + $5, updated_at = $6`,
	"purge_stale_usage": `DELETE FROM usage_metrics WHERE period_start < $1`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	// Apply pool sizing from config with sensible defaults.
	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	// Prepare frequently-used statements on each new connection.
	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// NewPostgresWithPool wraps an existing pool. Used by tests with pgxmock.
func NewPostgresWithPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS searches (
	id                TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	owner_id          TEXT NOT NULL,
	name              TEXT NOT NULL,
	keywords          JSONB NOT NULL DEFAULT '[]',
	patterns          JSONB NOT NULL DEFAULT '[]',
	subreddits        JSONB NOT NULL DEFAULT '[]',
	platforms         JSONB NOT NULL DEFAULT '[]',
	enabled           BOOLEAN NOT NULL DEFAULT true,
	scraping_mode     TEXT NOT NULL DEFAULT 'one_time',
	upstream_id       TEXT NOT NULL DEFAULT '',
	stale_upstream_id TEXT NOT NULL DEFAULT '',
	last_run_at       TIMESTAMPTZ,
	deleted_at        TIMESTAMPTZ,
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_searches_owner_id ON searches(owner_id);
CREATE INDEX IF NOT EXISTS idx_searches_active ON searches(enabled, scraping_mode) WHERE deleted_at IS NULL;

CREATE TABLE IF NOT EXISTS opportunities (
	id                  TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	owner_id            TEXT NOT NULL,
	search_id           TEXT NOT NULL,
	external_id         TEXT NOT NULL,
	source              TEXT NOT NULL DEFAULT '',
	source_type         TEXT NOT NULL DEFAULT '',
	title               TEXT NOT NULL DEFAULT '',
	content             TEXT NOT NULL DEFAULT '',
	author              TEXT NOT NULL DEFAULT 'unknown',
	url                 TEXT NOT NULL DEFAULT '',
	matched_keywords    JSONB NOT NULL DEFAULT '[]',
	detected_pattern    TEXT NOT NULL DEFAULT '',
	opportunity_type    TEXT NOT NULL DEFAULT '',
	opportunity_subtype TEXT NOT NULL DEFAULT '',
	relevance_score     DOUBLE PRECISION NOT NULL DEFAULT 0,
	urgency_score       DOUBLE PRECISION NOT NULL DEFAULT 0,
	total_score         DOUBLE PRECISION NOT NULL DEFAULT 0,
	extracted_info      JSONB,
	status              TEXT NOT NULL DEFAULT 'new',
	created_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (owner_id, external_id)
);

CREATE INDEX IF NOT EXISTS idx_opportunities_owner_search ON opportunities(owner_id, search_id);
CREATE INDEX IF NOT EXISTS idx_opportunities_owner_created ON opportunities(owner_id, created_at DESC);

CREATE TABLE IF NOT EXISTS usage_metrics (
	id           TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	owner_id     TEXT NOT NULL,
	metric       TEXT NOT NULL,
	period_start TIMESTAMPTZ NOT NULL,
	count        INTEGER NOT NULL DEFAULT 0,
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (owner_id, metric, period_start)
);

CREATE INDEX IF NOT EXISTS idx_usage_metrics_period ON usage_metrics(period_start);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Compact(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "ANALYZE searches, opportunities, usage_metrics")
	return eris.Wrap(err, "postgres: compact")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

const searchColumns = `id, owner_id, name, keywords, patterns, subreddits, platforms, enabled, scraping_mode, upstream_id, stale_upstream_id, last_run_at, deleted_at, created_at, updated_at`

func (s *PostgresStore) CreateSearch(ctx context.Context, sr *model.Search) error {
	if sr.ID == "" {
		sr.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	sr.CreatedAt = now
	sr.UpdatedAt = now

	keywords, patterns, subreddits, platforms, err := marshalSearchLists(sr)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal search")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO searches (id, owner_id, name, keywords, patterns, subreddits, platforms, enabled, scraping_mode, upstream_id, stale_upstream_id, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		sr.ID, sr.OwnerID, sr.Name, keywords, patterns, subreddits, platforms,
		sr.Enabled, string(sr.Mode), sr.UpstreamID, sr.StaleUpstreamID, now, now,
	)
	return eris.Wrap(err, "postgres: insert search")
}

func (s *PostgresStore) GetSearch(ctx context.Context, ownerID, searchID string) (*model.Search, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+searchColumns+` FROM searches WHERE id = $1 AND owner_id = $2 AND deleted_at IS NULL`,
		searchID, ownerID,
	)
	sr, err := scanSearch(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSearchNotFound
		}
		return nil, eris.Wrapf(err, "postgres: get search %s", searchID)
	}
	return sr, nil
}

func (s *PostgresStore) ListSearches(ctx context.Context, ownerID string) ([]model.Search, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+searchColumns+` FROM searches WHERE owner_id = $1 AND deleted_at IS NULL ORDER BY created_at DESC`,
		ownerID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list searches")
	}
	defer rows.Close()
	return collectSearches(rows)
}

func (s *PostgresStore) ListActiveSearches(ctx context.Context) ([]model.Search, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+searchColumns+` FROM searches
		 WHERE enabled = true AND scraping_mode = $1 AND deleted_at IS NULL AND upstream_id <> ''
		 ORDER BY created_at`,
		string(model.ScrapingModeScheduled),
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list active searches")
	}
	defer rows.Close()
	return collectSearches(rows)
}

func (s *PostgresStore) SetSearchUpstreamID(ctx context.Context, searchID, upstreamID string) error {
	// Preserve the previous link when it changes so provider-side records
	// that were recreated can still be cross-referenced.
	tag, err := s.pool.Exec(ctx,
		`UPDATE searches
		 SET stale_upstream_id = CASE WHEN upstream_id <> '' AND upstream_id <> $1 THEN upstream_id ELSE stale_upstream_id END,
		     upstream_id = $1,
		     updated_at = $2
		 WHERE id = $3`,
		upstreamID, time.Now().UTC(), searchID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: set upstream id %s", searchID)
	}
	if tag.RowsAffected() == 0 {
		return ErrSearchNotFound
	}
	return nil
}

func (s *PostgresStore) TouchSearchLastRun(ctx context.Context, searchID string, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE searches SET last_run_at = $1, updated_at = $1 WHERE id = $2`,
		at.UTC(), searchID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: touch search %s", searchID)
	}
	if tag.RowsAffected() == 0 {
		return ErrSearchNotFound
	}
	return nil
}

func (s *PostgresStore) SoftDeleteSearch(ctx context.Context, ownerID, searchID string) error {
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx,
		`UPDATE searches SET deleted_at = $1, enabled = false, updated_at = $1
		 WHERE id = $2 AND owner_id = $3 AND deleted_at IS NULL`,
		now, searchID, ownerID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: soft delete search %s", searchID)
	}
	if tag.RowsAffected() == 0 {
		return ErrSearchNotFound
	}
	return nil
}

func (s *PostgresStore) DeleteSoftDeletedSearches(ctx context.Context, before time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM searches WHERE deleted_at IS NOT NULL AND deleted_at < $1`,
		before.UTC(),
	)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: delete soft-deleted searches")
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) ExistingExternalIDs(ctx context.Context, ownerID string, ids []string) (map[string]struct{}, error) {
	existing := make(map[string]struct{}, len(ids))
	for start := 0; start < len(ids); start += existingIDBatchSize {
		end := min(start+existingIDBatchSize, len(ids))
		rows, err := s.pool.Query(ctx,
			`SELECT external_id FROM opportunities WHERE owner_id = $1 AND external_id = ANY($2)`,
			ownerID, ids[start:end],
		)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: existing external ids")
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return nil, eris.Wrap(err, "postgres: scan external id")
			}
			existing[id] = struct{}{}
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, eris.Wrap(err, "postgres: existing external ids iterate")
		}
	}
	return existing, nil
}

var opportunityColumns = []string{
	"id", "owner_id", "search_id", "external_id", "source", "source_type",
	"title", "content", "author", "url", "matched_keywords", "detected_pattern",
	"opportunity_type", "opportunity_subtype", "relevance_score", "urgency_score",
	"total_score", "extracted_info", "status", "created_at", "updated_at",
}

func (s *PostgresStore) InsertOpportunities(ctx context.Context, opps []model.Opportunity) (int, error) {
	if len(opps) == 0 {
		return 0, nil
	}

	now := time.Now().UTC()
	rows := make([][]any, 0, len(opps))
	for i := range opps {
		o := &opps[i]
		if o.ID == "" {
			o.ID = uuid.New().String()
		}
		if o.Status == "" {
			o.Status = model.OpportunityStatusNew
		}
		o.CreatedAt = now
		o.UpdatedAt = now

		keywords, err := json.Marshal(emptyIfNil(o.MatchedKeywords))
		if err != nil {
			return 0, eris.Wrap(err, "postgres: marshal matched keywords")
		}
		var extracted []byte
		if o.Extracted != nil {
			extracted, err = json.Marshal(o.Extracted)
			if err != nil {
				return 0, eris.Wrap(err, "postgres: marshal extracted info")
			}
		}

		rows = append(rows, []any{
			o.ID, o.OwnerID, o.SearchID, o.ExternalID, o.Source, o.SourceType,
			o.Title, o.Content, o.Author, o.URL, keywords, o.DetectedPattern,
			o.Type, o.Subtype, o.RelevanceScore, o.UrgencyScore,
			o.TotalScore, extracted, string(o.Status), now, now,
		})
	}

	created, err := db.BulkInsertIgnore(ctx, s.pool, db.InsertConfig{
		Table:        "opportunities",
		Columns:      opportunityColumns,
		ConflictKeys: []string{"owner_id", "external_id"},
	}, rows)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: insert opportunities")
	}
	return int(created), nil
}

func (s *PostgresStore) ListOpportunities(ctx context.Context, ownerID string, filter OpportunityFilter) ([]model.Opportunity, error) {
	query := `SELECT id, owner_id, search_id, external_id, source, source_type, title, content, author, url,
	                 matched_keywords, detected_pattern, opportunity_type, opportunity_subtype,
	                 relevance_score, urgency_score, total_score, extracted_info, status, created_at, updated_at
	          FROM opportunities WHERE owner_id = $1`
	args := []any{ownerID}
	argIdx := 2

	if filter.SearchID != "" {
		query += fmt.Sprintf(` AND search_id = $%d`, argIdx)
		args = append(args, filter.SearchID)
		argIdx++
	}
	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	query += ` ORDER BY created_at DESC, total_score DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list opportunities")
	}
	defer rows.Close()

	var opps []model.Opportunity
	for rows.Next() {
		var o model.Opportunity
		var keywordsJSON []byte
		var extractedJSON []byte

		if err := rows.Scan(&o.ID, &o.OwnerID, &o.SearchID, &o.ExternalID, &o.Source, &o.SourceType,
			&o.Title, &o.Content, &o.Author, &o.URL, &keywordsJSON, &o.DetectedPattern,
			&o.Type, &o.Subtype, &o.RelevanceScore, &o.UrgencyScore,
			&o.TotalScore, &extractedJSON, &o.Status, &o.CreatedAt, &o.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan opportunity")
		}
		if err := json.Unmarshal(keywordsJSON, &o.MatchedKeywords); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal matched keywords")
		}
		if len(extractedJSON) > 0 {
			if err := json.Unmarshal(extractedJSON, &o.Extracted); err != nil {
				return nil, eris.Wrap(err, "postgres: unmarshal extracted info")
			}
		}
		opps = append(opps, o)
	}
	return opps, eris.Wrap(rows.Err(), "postgres: list opportunities iterate")
}

func (s *PostgresStore) UsageCount(ctx context.Context, ownerID, metric string, periodStart time.Time) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT count FROM usage_metrics WHERE owner_id = $1 AND metric = $2 AND period_start = $3`,
		ownerID, metric, periodStart.UTC(),
	).Scan(&count)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, eris.Wrap(err, "postgres: usage count")
	}
	return count, nil
}

func (s *PostgresStore) IncrementUsage(ctx context.Context, ownerID, metric string, periodStart time.Time, delta int) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO usage_metrics (id, owner_id, metric, period_start, count, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (owner_id, metric, period_start) DO UPDATE SET count = usage_metrics.count + $5, updated_at = $6`,
		uuid.New().String(), ownerID, metric, periodStart.UTC(), delta, time.Now().UTC(),
	)
	return eris.Wrap(err, "postgres: increment usage")
}

func (s *PostgresStore) PurgeExpiredUsage(ctx context.Context, before time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM usage_metrics WHERE period_start < $1`,
		before.UTC(),
	)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: purge expired usage")
	}
	return int(tag.RowsAffected()), nil
}

// scanSearch reads one search row; works for both QueryRow and rows.Next.
func scanSearch(row pgx.Row) (*model.Search, error) {
	var sr model.Search
	var keywordsJSON, patternsJSON, subredditsJSON, platformsJSON []byte
	var mode string

	err := row.Scan(&sr.ID, &sr.OwnerID, &sr.Name, &keywordsJSON, &patternsJSON, &subredditsJSON, &platformsJSON,
		&sr.Enabled, &mode, &sr.UpstreamID, &sr.StaleUpstreamID, &sr.LastRunAt, &sr.DeletedAt, &sr.CreatedAt, &sr.UpdatedAt)
	if err != nil {
		return nil, err
	}
	sr.Mode = model.ScrapingMode(mode)

	for _, pair := range []struct {
		raw []byte
		dst *[]string
	}{
		{keywordsJSON, &sr.Keywords},
		{patternsJSON, &sr.Patterns},
		{subredditsJSON, &sr.Subreddits},
		{platformsJSON, &sr.Platforms},
	} {
		if len(pair.raw) == 0 {
			continue
		}
		if err := json.Unmarshal(pair.raw, pair.dst); err != nil {
			return nil, eris.Wrap(err, "unmarshal search list")
		}
	}
	return &sr, nil
}

func collectSearches(rows pgx.Rows) ([]model.Search, error) {
	var searches []model.Search
	for rows.Next() {
		sr, err := scanSearch(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan search")
		}
		searches = append(searches, *sr)
	}
	return searches, eris.Wrap(rows.Err(), "postgres: iterate searches")
}

func marshalSearchLists(sr *model.Search) (keywords, patterns, subreddits, platforms []byte, err error) {
	if keywords, err = json.Marshal(emptyIfNil(sr.Keywords)); err != nil {
		return
	}
	if patterns, err = json.Marshal(emptyIfNil(sr.Patterns)); err != nil {
		return
	}
	if subreddits, err = json.Marshal(emptyIfNil(sr.Subreddits)); err != nil {
		return
	}
	platforms, err = json.Marshal(emptyIfNil(sr.Platforms))
	return
}

func emptyIfNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
