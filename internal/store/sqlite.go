package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/prospect-labs/prospectd/internal/model"
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
	// In-memory databases exist per connection; the pool must not open a
	// second one.
	if dsn == ":memory:" || strings.Contains(dsn, "mode=memory") {
		db.SetMaxOpenConns(1)
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS searches (
	id                TEXT PRIMARY KEY,
	owner_id          TEXT NOT NULL,
	name              TEXT NOT NULL,
	keywords          TEXT NOT NULL DEFAULT '[]',
	patterns          TEXT NOT NULL DEFAULT '[]',
	subreddits        TEXT NOT NULL DEFAULT '[]',
	platforms         TEXT NOT NULL DEFAULT '[]',
	enabled           INTEGER NOT NULL DEFAULT 1,
	scraping_mode     TEXT NOT NULL DEFAULT 'one_time',
	upstream_id       TEXT NOT NULL DEFAULT '',
	stale_upstream_id TEXT NOT NULL DEFAULT '',
	last_run_at       DATETIME,
	deleted_at        DATETIME,
	created_at        DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at        DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_searches_owner_id ON searches(owner_id);

CREATE TABLE IF NOT EXISTS opportunities (
	id                  TEXT PRIMARY KEY,
	owner_id            TEXT NOT NULL,
	search_id           TEXT NOT NULL,
	external_id         TEXT NOT NULL,
	source              TEXT NOT NULL DEFAULT '',
	source_type         TEXT NOT NULL DEFAULT '',
	title               TEXT NOT NULL DEFAULT '',
	content             TEXT NOT NULL DEFAULT '',
	author              TEXT NOT NULL DEFAULT 'unknown',
	url                 TEXT NOT NULL DEFAULT '',
	matched_keywords    TEXT NOT NULL DEFAULT '[]',
	detected_pattern    TEXT NOT NULL DEFAULT '',
	opportunity_type    TEXT NOT NULL DEFAULT '',
	opportunity_subtype TEXT NOT NULL DEFAULT '',
	relevance_score     REAL NOT NULL DEFAULT 0,
	urgency_score       REAL NOT NULL DEFAULT 0,
	total_score         REAL NOT NULL DEFAULT 0,
	extracted_info      TEXT,
	status              TEXT NOT NULL DEFAULT 'new',
	created_at          DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at          DATETIME NOT NULL DEFAULT (datetime('now')),
	UNIQUE (owner_id, external_id)
);

CREATE INDEX IF NOT EXISTS idx_opportunities_owner_search ON opportunities(owner_id, search_id);

CREATE TABLE IF NOT EXISTS usage_metrics (
	id           TEXT PRIMARY KEY,
	owner_id     TEXT NOT NULL,
	metric       TEXT NOT NULL,
	period_start DATETIME NOT NULL,
	count        INTEGER NOT NULL DEFAULT 0,
	updated_at   DATETIME NOT NULL DEFAULT (datetime('now')),
	UNIQUE (owner_id, metric, period_start)
);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Compact(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `VACUUM`); err != nil {
		return eris.Wrap(err, "sqlite: vacuum")
	}
	_, err := s.db.ExecContext(ctx, `ANALYZE`)
	return eris.Wrap(err, "sqlite: analyze")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateSearch(ctx context.Context, sr *model.Search) error {
	if sr.ID == "" {
		sr.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	sr.CreatedAt = now
	sr.UpdatedAt = now

	keywords, patterns, subreddits, platforms, err := marshalSearchLists(sr)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal search")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO searches (id, owner_id, name, keywords, patterns, subreddits, platforms, enabled, scraping_mode, upstream_id, stale_upstream_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sr.ID, sr.OwnerID, sr.Name, string(keywords), string(patterns), string(subreddits), string(platforms),
		sr.Enabled, string(sr.Mode), sr.UpstreamID, sr.StaleUpstreamID, now, now,
	)
	return eris.Wrap(err, "sqlite: insert search")
}

func (s *SQLiteStore) GetSearch(ctx context.Context, ownerID, searchID string) (*model.Search, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+searchColumns+` FROM searches WHERE id = ? AND owner_id = ? AND deleted_at IS NULL`,
		searchID, ownerID,
	)
	sr, err := scanSQLiteSearch(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSearchNotFound
		}
		return nil, eris.Wrapf(err, "sqlite: get search %s", searchID)
	}
	return sr, nil
}

func (s *SQLiteStore) ListSearches(ctx context.Context, ownerID string) ([]model.Search, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+searchColumns+` FROM searches WHERE owner_id = ? AND deleted_at IS NULL ORDER BY created_at DESC`,
		ownerID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list searches")
	}
	defer rows.Close()
	return collectSQLiteSearches(rows)
}

func (s *SQLiteStore) ListActiveSearches(ctx context.Context) ([]model.Search, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+searchColumns+` FROM searches
		 WHERE enabled = 1 AND scraping_mode = ? AND deleted_at IS NULL AND upstream_id <> ''
		 ORDER BY created_at`,
		string(model.ScrapingModeScheduled),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list active searches")
	}
	defer rows.Close()
	return collectSQLiteSearches(rows)
}

func (s *SQLiteStore) SetSearchUpstreamID(ctx context.Context, searchID, upstreamID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE searches
		 SET stale_upstream_id = CASE WHEN upstream_id <> '' AND upstream_id <> ? THEN upstream_id ELSE stale_upstream_id END,
		     upstream_id = ?,
		     updated_at = ?
		 WHERE id = ?`,
		upstreamID, upstreamID, time.Now().UTC(), searchID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: set upstream id %s", searchID)
	}
	return checkRowsAffected(res)
}

func (s *SQLiteStore) TouchSearchLastRun(ctx context.Context, searchID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE searches SET last_run_at = ?, updated_at = ? WHERE id = ?`,
		at.UTC(), at.UTC(), searchID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: touch search %s", searchID)
	}
	return checkRowsAffected(res)
}

func (s *SQLiteStore) SoftDeleteSearch(ctx context.Context, ownerID, searchID string) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE searches SET deleted_at = ?, enabled = 0, updated_at = ?
		 WHERE id = ? AND owner_id = ? AND deleted_at IS NULL`,
		now, now, searchID, ownerID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: soft delete search %s", searchID)
	}
	return checkRowsAffected(res)
}

func (s *SQLiteStore) DeleteSoftDeletedSearches(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM searches WHERE deleted_at IS NOT NULL AND deleted_at < ?`,
		before.UTC(),
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: delete soft-deleted searches")
	}
	n, err := res.RowsAffected()
	return int(n), eris.Wrap(err, "sqlite: rows affected")
}

func (s *SQLiteStore) ExistingExternalIDs(ctx context.Context, ownerID string, ids []string) (map[string]struct{}, error) {
	existing := make(map[string]struct{}, len(ids))
	for start := 0; start < len(ids); start += existingIDBatchSize {
		end := min(start+existingIDBatchSize, len(ids))
		batch := ids[start:end]

		placeholders := strings.Repeat("?,", len(batch))
		placeholders = placeholders[:len(placeholders)-1]
		args := make([]any, 0, len(batch)+1)
		args = append(args, ownerID)
		for _, id := range batch {
			args = append(args, id)
		}

		rows, err := s.db.QueryContext(ctx,
			`SELECT external_id FROM opportunities WHERE owner_id = ? AND external_id IN (`+placeholders+`)`,
			args...,
		)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: existing external ids")
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return nil, eris.Wrap(err, "sqlite: scan external id")
			}
			existing[id] = struct{}{}
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, eris.Wrap(err, "sqlite: existing external ids iterate")
		}
	}
	return existing, nil
}

func (s *SQLiteStore) InsertOpportunities(ctx context.Context, opps []model.Opportunity) (int, error) {
	if len(opps) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin tx")
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR IGNORE INTO opportunities
		 (id, owner_id, search_id, external_id, source, source_type, title, content, author, url,
		  matched_keywords, detected_pattern, opportunity_type, opportunity_subtype,
		  relevance_score, urgency_score, total_score, extracted_info, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: prepare insert opportunity")
	}
	defer stmt.Close()

	now := time.Now().UTC()
	created := 0
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
			return 0, eris.Wrap(err, "sqlite: marshal matched keywords")
		}
		var extracted any
		if o.Extracted != nil {
			raw, err := json.Marshal(o.Extracted)
			if err != nil {
				return 0, eris.Wrap(err, "sqlite: marshal extracted info")
			}
			extracted = string(raw)
		}

		res, err := stmt.ExecContext(ctx,
			o.ID, o.OwnerID, o.SearchID, o.ExternalID, o.Source, o.SourceType,
			o.Title, o.Content, o.Author, o.URL, string(keywords), o.DetectedPattern,
			o.Type, o.Subtype, o.RelevanceScore, o.UrgencyScore,
			o.TotalScore, extracted, string(o.Status), now, now,
		)
		if err != nil {
			return 0, eris.Wrap(err, "sqlite: insert opportunity")
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, eris.Wrap(err, "sqlite: rows affected")
		}
		created += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: commit tx")
	}
	return created, nil
}

func (s *SQLiteStore) ListOpportunities(ctx context.Context, ownerID string, filter OpportunityFilter) ([]model.Opportunity, error) {
	query := `SELECT id, owner_id, search_id, external_id, source, source_type, title, content, author, url,
	                 matched_keywords, detected_pattern, opportunity_type, opportunity_subtype,
	                 relevance_score, urgency_score, total_score, extracted_info, status, created_at, updated_at
	          FROM opportunities WHERE owner_id = ?`
	args := []any{ownerID}

	if filter.SearchID != "" {
		query += ` AND search_id = ?`
		args = append(args, filter.SearchID)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at DESC, total_score DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list opportunities")
	}
	defer rows.Close()

	var opps []model.Opportunity
	for rows.Next() {
		var o model.Opportunity
		var keywordsJSON string
		var extractedJSON sql.NullString

		if err := rows.Scan(&o.ID, &o.OwnerID, &o.SearchID, &o.ExternalID, &o.Source, &o.SourceType,
			&o.Title, &o.Content, &o.Author, &o.URL, &keywordsJSON, &o.DetectedPattern,
			&o.Type, &o.Subtype, &o.RelevanceScore, &o.UrgencyScore,
			&o.TotalScore, &extractedJSON, &o.Status, &o.CreatedAt, &o.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan opportunity")
		}
		if err := json.Unmarshal([]byte(keywordsJSON), &o.MatchedKeywords); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal matched keywords")
		}
		if extractedJSON.Valid && extractedJSON.String != "" {
			if err := json.Unmarshal([]byte(extractedJSON.String), &o.Extracted); err != nil {
				return nil, eris.Wrap(err, "sqlite: unmarshal extracted info")
			}
		}
		opps = append(opps, o)
	}
	return opps, eris.Wrap(rows.Err(), "sqlite: list opportunities iterate")
}

func (s *SQLiteStore) UsageCount(ctx context.Context, ownerID, metric string, periodStart time.Time) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT count FROM usage_metrics WHERE owner_id = ? AND metric = ? AND period_start = ?`,
		ownerID, metric, periodStart.UTC(),
	).Scan(&count)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, eris.Wrap(err, "sqlite: usage count")
	}
	return count, nil
}

func (s *SQLiteStore) IncrementUsage(ctx context.Context, ownerID, metric string, periodStart time.Time, delta int) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO usage_metrics (id, owner_id, metric, period_start, count, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (owner_id, metric, period_start) DO UPDATE SET count = count + excluded.count, updated_at = excluded.updated_at`,
		uuid.New().String(), ownerID, metric, periodStart.UTC(), delta, time.Now().UTC(),
	)
	return eris.Wrap(err, "sqlite: increment usage")
}

func (s *SQLiteStore) PurgeExpiredUsage(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM usage_metrics WHERE period_start < ?`,
		before.UTC(),
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: purge expired usage")
	}
	n, err := res.RowsAffected()
	return int(n), eris.Wrap(err, "sqlite: rows affected")
}

func checkRowsAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return ErrSearchNotFound
	}
	return nil
}

// scanSQLiteSearch mirrors scanSearch for database/sql rows.
func scanSQLiteSearch(scan func(dest ...any) error) (*model.Search, error) {
	var sr model.Search
	var keywordsJSON, patternsJSON, subredditsJSON, platformsJSON string
	var mode string
	var lastRun, deleted sql.NullTime

	err := scan(&sr.ID, &sr.OwnerID, &sr.Name, &keywordsJSON, &patternsJSON, &subredditsJSON, &platformsJSON,
		&sr.Enabled, &mode, &sr.UpstreamID, &sr.StaleUpstreamID, &lastRun, &deleted, &sr.CreatedAt, &sr.UpdatedAt)
	if err != nil {
		return nil, err
	}
	sr.Mode = model.ScrapingMode(mode)
	if lastRun.Valid {
		t := lastRun.Time
		sr.LastRunAt = &t
	}
	if deleted.Valid {
		t := deleted.Time
		sr.DeletedAt = &t
	}

	for _, pair := range []struct {
		raw string
		dst *[]string
	}{
		{keywordsJSON, &sr.Keywords},
		{patternsJSON, &sr.Patterns},
		{subredditsJSON, &sr.Subreddits},
		{platformsJSON, &sr.Platforms},
	} {
		if pair.raw == "" {
			continue
		}
		if err := json.Unmarshal([]byte(pair.raw), pair.dst); err != nil {
			return nil, eris.Wrap(err, "unmarshal search list")
		}
	}
	return &sr, nil
}

func collectSQLiteSearches(rows *sql.Rows) ([]model.Search, error) {
	var searches []model.Search
	for rows.Next() {
		sr, err := scanSQLiteSearch(rows.Scan)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan search")
		}
		searches = append(searches, *sr)
	}
	return searches, eris.Wrap(rows.Err(), "sqlite: iterate searches")
}
