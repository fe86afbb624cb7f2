// Package store persists exported plan snapshots in SQLite. The
// orchestration core itself stays in-memory; this archive is the external
// persistence collaborator that downstream consumers read finished
// snapshots from.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Config holds archive database options.
type Config struct {
	Path            string        // database file path
	MaxOpenConns    int           // maximum open connections
	MaxIdleConns    int           // maximum idle connections
	ConnMaxLifetime time.Duration // maximum connection lifetime
	BusyTimeout     time.Duration // SQLite busy timeout
}

// DefaultConfig returns sensible defaults for the archive database.
func DefaultConfig(path string) Config {
	return Config{
		Path:            path,
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Hour,
		BusyTimeout:     5 * time.Second,
	}
}

// SnapshotArchive stores serialized plan snapshots.
type SnapshotArchive struct {
	conn *sql.DB
	path string
}

// SnapshotRecord is one archived snapshot row.
type SnapshotRecord struct {
	ID         string    `json:"id"`
	PlanID     string    `json:"plan_id"`
	Status     string    `json:"status"`
	Data       []byte    `json:"data"`
	ArchivedAt time.Time `json:"archived_at"`
}

// Open creates an archive at path with default settings.
func Open(path string) (*SnapshotArchive, error) {
	return OpenWithConfig(DefaultConfig(path))
}

// OpenWithConfig opens the archive database, enabling WAL mode and foreign
// keys for better concurrency, and bootstraps the schema.
func OpenWithConfig(cfg Config) (*SnapshotArchive, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=%d",
		cfg.Path,
		int(cfg.BusyTimeout.Milliseconds()),
	)

	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open snapshot archive: %w", err)
	}

	conn.SetMaxOpenConns(cfg.MaxOpenConns)
	conn.SetMaxIdleConns(cfg.MaxIdleConns)
	conn.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping snapshot archive: %w", err)
	}

	a := &SnapshotArchive{conn: conn, path: cfg.Path}
	if err := a.migrate(ctx); err != nil {
		conn.Close()
		return nil, err
	}

	return a, nil
}

// Close closes the underlying database connection.
func (a *SnapshotArchive) Close() error {
	return a.conn.Close()
}

// Path returns the archive file path.
func (a *SnapshotArchive) Path() string {
	return a.path
}

func (a *SnapshotArchive) migrate(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS snapshots (
	id          TEXT PRIMARY KEY,
	plan_id     TEXT NOT NULL,
	status      TEXT NOT NULL,
	data        BLOB NOT NULL,
	archived_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_snapshots_plan_id ON snapshots(plan_id);
`
	if _, err := a.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create archive schema: %w", err)
	}
	return nil
}

// Save archives one serialized snapshot.
func (a *SnapshotArchive) Save(ctx context.Context, rec SnapshotRecord) error {
	if rec.ID == "" {
		return fmt.Errorf("snapshot id is required")
	}
	if rec.PlanID == "" {
		return fmt.Errorf("plan id is required")
	}
	if rec.ArchivedAt.IsZero() {
		rec.ArchivedAt = time.Now()
	}

	const query = `
INSERT INTO snapshots (id, plan_id, status, data, archived_at)
VALUES (?, ?, ?, ?, ?)
`
	if _, err := a.conn.ExecContext(ctx, query,
		rec.ID, rec.PlanID, rec.Status, rec.Data, rec.ArchivedAt,
	); err != nil {
		return fmt.Errorf("failed to archive snapshot %s: %w", rec.ID, err)
	}

	return nil
}

// Get retrieves one archived snapshot by id.
func (a *SnapshotArchive) Get(ctx context.Context, id string) (*SnapshotRecord, error) {
	const query = `
SELECT id, plan_id, status, data, archived_at
FROM snapshots WHERE id = ?
`
	var rec SnapshotRecord
	err := a.conn.QueryRowContext(ctx, query, id).Scan(
		&rec.ID, &rec.PlanID, &rec.Status, &rec.Data, &rec.ArchivedAt,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("snapshot not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot %s: %w", id, err)
	}

	return &rec, nil
}

// ListByPlan returns the archived snapshots for a plan, newest first.
func (a *SnapshotArchive) ListByPlan(ctx context.Context, planID string) ([]*SnapshotRecord, error) {
	const query = `
SELECT id, plan_id, status, data, archived_at
FROM snapshots WHERE plan_id = ?
ORDER BY archived_at DESC
`
	rows, err := a.conn.QueryContext(ctx, query, planID)
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots for plan %s: %w", planID, err)
	}
	defer rows.Close()

	var records []*SnapshotRecord
	for rows.Next() {
		var rec SnapshotRecord
		if err := rows.Scan(&rec.ID, &rec.PlanID, &rec.Status, &rec.Data, &rec.ArchivedAt); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot row: %w", err)
		}
		records = append(records, &rec)
	}

	return records, rows.Err()
}

// DeleteByPlan removes every archived snapshot for a plan and returns the
// number deleted.
func (a *SnapshotArchive) DeleteByPlan(ctx context.Context, planID string) (int64, error) {
	res, err := a.conn.ExecContext(ctx, `DELETE FROM snapshots WHERE plan_id = ?`, planID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete snapshots for plan %s: %w", planID, err)
	}
	return res.RowsAffected()
}
