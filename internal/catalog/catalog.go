// Package catalog maintains the sqlite manifest under the output root:
// every stored resource and terminal outcome lands here, and a re-run
// against the same root preloads from it so prior work is not repeated.
package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/stillweb/stillweb/internal/mirror"
)

const schema = `
CREATE TABLE IF NOT EXISTS resources (
	url          TEXT PRIMARY KEY,
	local_path   TEXT NOT NULL,
	content_hash TEXT NOT NULL,
	content_type TEXT NOT NULL DEFAULT '',
	size         INTEGER NOT NULL DEFAULT 0,
	fetched_at   TIMESTAMP NOT NULL,
	run_id       TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_resources_run ON resources(run_id);

CREATE TABLE IF NOT EXISTS outcomes (
	url        TEXT PRIMARY KEY,
	state      TEXT NOT NULL,
	reason     TEXT NOT NULL DEFAULT '',
	attempts   INTEGER NOT NULL DEFAULT 0,
	run_id     TEXT NOT NULL DEFAULT '',
	decided_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_outcomes_state ON outcomes(state);

CREATE TABLE IF NOT EXISTS site_stats (
	run_id       TEXT NOT NULL,
	site         TEXT NOT NULL,
	status_class TEXT NOT NULL,
	visits       INTEGER NOT NULL DEFAULT 0,
	bytes        INTEGER NOT NULL DEFAULT 0,
	updated_at   TIMESTAMP NOT NULL,
	PRIMARY KEY (run_id, site, status_class)
);
`

// Catalog wraps the manifest database. Safe for concurrent use; sqlite
// serializes writers and the busy timeout absorbs contention.
type Catalog struct {
	db    *sql.DB
	runID string
}

// DefaultPath returns the manifest location for a mirror rooted at
// outputRoot. The dotted directory keeps the database out of the browsable
// tree.
func DefaultPath(outputRoot string) string {
	return filepath.Join(outputRoot, ".stillweb", "catalog.db")
}

// Open opens or creates the manifest at path and applies the schema.
func Open(path, runID string) (*Catalog, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create catalog directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate catalog schema: %w", err)
	}
	return &Catalog{db: db, runID: runID}, nil
}

// Close releases the database handle.
func (c *Catalog) Close() error {
	if err := c.db.Close(); err != nil {
		return fmt.Errorf("close catalog: %w", err)
	}
	return nil
}

// RecordResource inserts a stored-resource record. Resources are immutable,
// so a URL already present is left untouched.
func (c *Catalog) RecordResource(ctx context.Context, res mirror.StoredResource) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO resources (url, local_path, content_hash, content_type, size, fetched_at, run_id)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(url) DO NOTHING`,
		res.URL.String(), res.LocalPath, res.ContentHash, res.ContentType, res.Size, res.FetchedAt, c.runID,
	)
	if err != nil {
		return fmt.Errorf("record resource: %w", err)
	}
	return nil
}

// RecordOutcomes upserts a batch of terminal outcomes in one transaction.
// A later run may upgrade an outcome (a previous failure fetched cleanly),
// so conflicts overwrite.
func (c *Catalog) RecordOutcomes(ctx context.Context, outcomes []mirror.Outcome) error {
	if len(outcomes) == 0 {
		return nil
	}
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin outcome batch: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO outcomes (url, state, reason, attempts, run_id, decided_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(url) DO UPDATE SET
			state = excluded.state,
			reason = excluded.reason,
			attempts = excluded.attempts,
			run_id = excluded.run_id,
			decided_at = excluded.decided_at`)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("prepare outcome insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	now := time.Now().UTC()
	for _, o := range outcomes {
		if _, err := stmt.ExecContext(ctx, o.URL.String(), string(o.State), o.Reason, o.Attempts, c.runID, now); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record outcome for %s: %w", o.URL, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit outcome batch: %w", err)
	}
	return nil
}

// UpsertSiteStats folds a per-site traffic delta into the manifest.
// Deltas accumulate, so repeated upserts for the same key sum.
func (c *Catalog) UpsertSiteStats(ctx context.Context, runID uuid.UUID, site, statusClass string, visits, bytes int64, at time.Time) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO site_stats (run_id, site, status_class, visits, bytes, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, site, status_class) DO UPDATE SET
			visits = visits + excluded.visits,
			bytes = bytes + excluded.bytes,
			updated_at = excluded.updated_at`,
		runID.String(), site, statusClass, visits, bytes, at.UTC(),
	)
	if err != nil {
		return fmt.Errorf("upsert site stats for %s: %w", site, err)
	}
	return nil
}

// SiteStats is one aggregated per-site traffic row.
type SiteStats struct {
	RunID       string    `json:"run_id"`
	Site        string    `json:"site"`
	StatusClass string    `json:"status_class"`
	Visits      int64     `json:"visits"`
	Bytes       int64     `json:"bytes"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// SiteStats lists aggregated traffic rows ordered by site.
func (c *Catalog) SiteStats(ctx context.Context) ([]SiteStats, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT run_id, site, status_class, visits, bytes, updated_at
		FROM site_stats ORDER BY site, status_class`)
	if err != nil {
		return nil, fmt.Errorf("list site stats: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []SiteStats
	for rows.Next() {
		var s SiteStats
		if err := rows.Scan(&s.RunID, &s.Site, &s.StatusClass, &s.Visits, &s.Bytes, &s.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan site stats row: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate site stats: %w", err)
	}
	return out, nil
}

// Resources lists every stored-resource record ordered by URL.
func (c *Catalog) Resources(ctx context.Context) ([]mirror.StoredResource, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT url, local_path, content_hash, content_type, size, fetched_at
		FROM resources ORDER BY url`)
	if err != nil {
		return nil, fmt.Errorf("list resources: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []mirror.StoredResource
	for rows.Next() {
		var res mirror.StoredResource
		var rawURL string
		if err := rows.Scan(&rawURL, &res.LocalPath, &res.ContentHash, &res.ContentType, &res.Size, &res.FetchedAt); err != nil {
			return nil, fmt.Errorf("scan resource row: %w", err)
		}
		res.URL = mirror.CanonicalURL(rawURL)
		out = append(out, res)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate resources: %w", err)
	}
	return out, nil
}

// Outcomes lists every terminal outcome ordered by URL.
func (c *Catalog) Outcomes(ctx context.Context) ([]mirror.Outcome, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT url, state, reason, attempts FROM outcomes ORDER BY url`)
	if err != nil {
		return nil, fmt.Errorf("list outcomes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []mirror.Outcome
	for rows.Next() {
		var o mirror.Outcome
		var rawURL, state string
		if err := rows.Scan(&rawURL, &state, &o.Reason, &o.Attempts); err != nil {
			return nil, fmt.Errorf("scan outcome row: %w", err)
		}
		o.URL = mirror.CanonicalURL(rawURL)
		o.State = mirror.State(state)
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outcomes: %w", err)
	}
	return out, nil
}
