package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/dwellwise/dwellwise/pkg/models"
)

// Store is the durable tier of the recommendation cache, backed by SQLite.
type Store struct {
	db *sql.DB
}

const createCacheTable = `
CREATE TABLE IF NOT EXISTS recommendation_cache (
	id TEXT PRIMARY KEY,
	subject_id TEXT NOT NULL,
	actions TEXT NOT NULL,
	status TEXT NOT NULL,
	cached_at DATETIME NOT NULL,
	expires_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_reco_subject_status ON recommendation_cache(subject_id, status);
`

// New opens the cache database at dbPath and creates the schema.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open cache db: %w", err)
	}

	if _, err := db.Exec(createCacheTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate cache db: %w", err)
	}

	return &Store{db: db}, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Insert stores entry as a new row. The entry's status is written as given.
func (s *Store) Insert(ctx context.Context, entry models.CacheEntry, expiresAt time.Time) error {
	return insert(ctx, s.db, entry, expiresAt)
}

func insert(ctx context.Context, db execer, entry models.CacheEntry, expiresAt time.Time) error {
	actions, err := json.Marshal(entry.Actions)
	if err != nil {
		return fmt.Errorf("encode actions: %w", err)
	}
	status := entry.Status
	if status == "" {
		status = models.StatusValid
	}
	_, err = db.ExecContext(ctx,
		`INSERT INTO recommendation_cache (id, subject_id, actions, status, cached_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), entry.SubjectID, string(actions), string(status), entry.CachedAt.UTC(), expiresAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("cache insert: %w", err)
	}
	return nil
}

// MarkStale demotes every valid row for subjectID.
func (s *Store) MarkStale(ctx context.Context, subjectID string) error {
	return markStale(ctx, s.db, subjectID)
}

func markStale(ctx context.Context, db execer, subjectID string) error {
	_, err := db.ExecContext(ctx,
		`UPDATE recommendation_cache SET status = ? WHERE subject_id = ? AND status = ?`,
		string(models.StatusStale), subjectID, string(models.StatusValid),
	)
	if err != nil {
		return fmt.Errorf("cache mark stale: %w", err)
	}
	return nil
}

// Replace demotes the subject's valid rows and inserts entry in one
// transaction.
func (s *Store) Replace(ctx context.Context, entry models.CacheEntry, expiresAt time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("cache replace: %w", err)
	}
	if err := markStale(ctx, tx, entry.SubjectID); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := insert(ctx, tx, entry, expiresAt); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("cache replace commit: %w", err)
	}
	return nil
}

// LoadValid returns, per subject, the valid unexpired row with the latest
// cached_at. Duplicate valid rows left by an interrupted write resolve to the
// newest one.
func (s *Store) LoadValid(ctx context.Context, now time.Time) ([]models.CacheEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT subject_id, actions, cached_at FROM recommendation_cache
		 WHERE status = ? AND expires_at > ?
		 ORDER BY subject_id, cached_at DESC`,
		string(models.StatusValid), now.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("cache load: %w", err)
	}
	defer rows.Close()

	var out []models.CacheEntry
	seen := make(map[string]bool)
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		if seen[e.SubjectID] {
			continue
		}
		seen[e.SubjectID] = true
		out = append(out, e)
	}
	return out, rows.Err()
}

// LoadSubject returns the newest valid unexpired row for one subject.
func (s *Store) LoadSubject(ctx context.Context, subjectID string, now time.Time) (models.CacheEntry, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT subject_id, actions, cached_at FROM recommendation_cache
		 WHERE subject_id = ? AND status = ? AND expires_at > ?
		 ORDER BY cached_at DESC LIMIT 1`,
		subjectID, string(models.StatusValid), now.UTC(),
	)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.CacheEntry{}, false, nil
	}
	if err != nil {
		return models.CacheEntry{}, false, err
	}
	return e, true, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(sc scanner) (models.CacheEntry, error) {
	var (
		e        models.CacheEntry
		actions  string
		cachedAt time.Time
	)
	if err := sc.Scan(&e.SubjectID, &actions, &cachedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return e, err
		}
		return e, fmt.Errorf("cache scan: %w", err)
	}
	if err := json.Unmarshal([]byte(actions), &e.Actions); err != nil {
		return e, fmt.Errorf("decode actions: %w", err)
	}
	e.CachedAt = cachedAt
	e.Status = models.StatusValid
	return e, nil
}

// Stats returns row counts. Hits and misses are tracked by the volatile tier.
func (s *Store) Stats(ctx context.Context) (models.CacheStats, error) {
	var total, stale int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) FROM recommendation_cache`,
		string(models.StatusStale),
	).Scan(&total, &stale)
	if err != nil {
		return models.CacheStats{}, fmt.Errorf("cache stats: %w", err)
	}
	return models.CacheStats{Entries: total, Stale: stale}, nil
}

// Clear removes rows. If expiredOnly is true, only stale or expired rows are removed.
func (s *Store) Clear(ctx context.Context, expiredOnly bool) error {
	var err error
	if expiredOnly {
		_, err = s.db.ExecContext(ctx,
			`DELETE FROM recommendation_cache WHERE status = ? OR expires_at <= ?`,
			string(models.StatusStale), time.Now().UTC(),
		)
	} else {
		_, err = s.db.ExecContext(ctx, `DELETE FROM recommendation_cache`)
	}
	if err != nil {
		return fmt.Errorf("cache clear: %w", err)
	}
	return nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}
