// Package artifact stores completed generation artifacts in SQLite.
package artifact

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/dwellwise/dwellwise/pkg/budget"
	"github.com/dwellwise/dwellwise/pkg/logging"
	"github.com/dwellwise/dwellwise/pkg/models"
)

// ErrNotFound is returned by Latest when a subject has no artifact of a kind.
var ErrNotFound = errors.New("artifact not found")

// Stat is a per-kind, per-day artifact count.
type Stat struct {
	Kind  models.ArtifactKind `json:"kind"`
	Day   string              `json:"day"`
	Count int64               `json:"count"`
}

// Store writes and queries artifacts in a dedicated SQLite database.
type Store struct {
	db   *sql.DB
	cfg  models.ArtifactConfig
	log  *zap.Logger
	done chan struct{}
	wg   sync.WaitGroup
}

// New opens the artifact database and starts the retention loop when
// RetentionDays is positive.
func New(cfg models.ArtifactConfig, logger *zap.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", cfg.DBPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open artifact db: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate artifact db: %w", err)
	}

	s := &Store{
		db:   db,
		cfg:  cfg,
		log:  logging.OrNop(logger).Named("artifact"),
		done: make(chan struct{}),
	}
	if cfg.RetentionDays > 0 {
		s.wg.Add(1)
		go s.retentionLoop()
	}
	return s, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS artifacts (
		id         TEXT PRIMARY KEY,
		subject_id TEXT NOT NULL,
		kind       TEXT NOT NULL,
		model      TEXT,
		text       TEXT NOT NULL,
		latency_ms INTEGER,
		created_at DATETIME NOT NULL
	)`)
	if err != nil {
		return err
	}
	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_artifacts_subject_kind ON artifacts(subject_id, kind, created_at)`)
	if err != nil {
		return err
	}
	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_artifacts_created ON artifacts(created_at)`)
	return err
}

// Save inserts a, filling ID and CreatedAt when unset. Text longer than
// MaxTextSize is truncated. The stored copy is returned.
func (s *Store) Save(ctx context.Context, a models.Artifact) (models.Artifact, error) {
	if a.SubjectID == "" {
		return a, errors.New("artifact: empty subject id")
	}
	if !a.Kind.Valid() {
		return a, fmt.Errorf("artifact: unknown kind %q", a.Kind)
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	if s.cfg.MaxTextSize > 0 && len(a.Text) > s.cfg.MaxTextSize {
		a.Text = truncate(a.Text, s.cfg.MaxTextSize)
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO artifacts (id, subject_id, kind, model, text, latency_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.SubjectID, string(a.Kind), a.Model, a.Text, a.LatencyMs, a.CreatedAt.UTC(),
	)
	if err != nil {
		return a, fmt.Errorf("save artifact: %w", err)
	}
	a.Bands = Bands(a)
	return a, nil
}

// Latest returns the newest artifact of kind for subjectID.
func (s *Store) Latest(ctx context.Context, subjectID string, kind models.ArtifactKind) (models.Artifact, error) {
	list, err := s.Query(ctx, models.ArtifactQueryOpts{SubjectID: subjectID, Kind: kind, Limit: 1})
	if err != nil {
		return models.Artifact{}, err
	}
	if len(list) == 0 {
		return models.Artifact{}, ErrNotFound
	}
	return list[0], nil
}

// Query returns artifacts matching opts, newest first.
func (s *Store) Query(ctx context.Context, opts models.ArtifactQueryOpts) ([]models.Artifact, error) {
	q := `SELECT id, subject_id, kind, model, text, latency_ms, created_at
		FROM artifacts WHERE 1=1`
	var args []any

	if opts.SubjectID != "" {
		q += " AND subject_id = ?"
		args = append(args, opts.SubjectID)
	}
	if opts.Kind != "" {
		q += " AND kind = ?"
		args = append(args, string(opts.Kind))
	}
	if !opts.Since.IsZero() {
		q += " AND created_at >= ?"
		args = append(args, opts.Since.UTC())
	}

	q += " ORDER BY created_at DESC"

	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}
	q += " LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query artifacts: %w", err)
	}
	defer rows.Close()

	var out []models.Artifact
	for rows.Next() {
		var (
			a     models.Artifact
			kind  string
			model sql.NullString
			lat   sql.NullInt64
		)
		if err := rows.Scan(&a.ID, &a.SubjectID, &kind, &model, &a.Text, &lat, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan artifact row: %w", err)
		}
		a.Kind = models.ArtifactKind(kind)
		a.Model = model.String
		a.LatencyMs = lat.Int64
		a.Bands = Bands(a)
		out = append(out, a)
	}
	return out, rows.Err()
}

// Stats returns artifact counts grouped by kind and day.
func (s *Store) Stats(ctx context.Context) ([]Stat, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT kind, date(created_at) AS day, count(*) AS cnt
		 FROM artifacts GROUP BY kind, day ORDER BY day DESC, kind`)
	if err != nil {
		return nil, fmt.Errorf("artifact stats: %w", err)
	}
	defer rows.Close()

	var stats []Stat
	for rows.Next() {
		var (
			st   Stat
			kind string
			day  sql.NullString
		)
		if err := rows.Scan(&kind, &day, &st.Count); err != nil {
			return nil, fmt.Errorf("scan artifact stat: %w", err)
		}
		st.Kind = models.ArtifactKind(kind)
		st.Day = day.String
		stats = append(stats, st)
	}
	return stats, rows.Err()
}

// Cleanup deletes artifacts older than the retention period.
func (s *Store) Cleanup(ctx context.Context) (int64, error) {
	if s.cfg.RetentionDays <= 0 {
		return 0, nil
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -s.cfg.RetentionDays)
	res, err := s.db.ExecContext(ctx, `DELETE FROM artifacts WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("artifact cleanup: %w", err)
	}
	return res.RowsAffected()
}

// Close stops the retention goroutine and closes the database.
func (s *Store) Close() error {
	close(s.done)
	s.wg.Wait()
	return s.db.Close()
}

func (s *Store) retentionLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			n, err := s.Cleanup(context.Background())
			if err != nil {
				s.log.Warn("artifact cleanup failed", zap.Error(err))
				continue
			}
			if n > 0 {
				s.log.Info("artifacts expired", zap.Int64("deleted", n))
			}
		}
	}
}

// Bands recomputes budget bands from a budget-strategy artifact's text. It
// returns nil for other kinds and when no band is found.
func Bands(a models.Artifact) *models.BudgetBands {
	if a.Kind != models.KindBudgetStrategy {
		return nil
	}
	b, ok := budget.Extract(a.Text)
	if !ok {
		return nil
	}
	return &b
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// FetchContext supplies earlier work on the subject as comparison data:
// the latest market analysis for budget strategies, and for offer scenarios
// also the bands of the latest budget strategy. It returns "" when there is
// nothing to draw on.
func (s *Store) FetchContext(ctx context.Context, subjectID string, kind models.ArtifactKind) (string, error) {
	if kind == models.KindMarketAnalysis {
		return "", nil
	}

	var parts []string
	market, err := s.Latest(ctx, subjectID, models.KindMarketAnalysis)
	switch {
	case err == nil:
		parts = append(parts, strings.TrimSpace(market.Text))
	case !errors.Is(err, ErrNotFound):
		return "", err
	}

	if kind == models.KindOfferScenarios {
		strategy, err := s.Latest(ctx, subjectID, models.KindBudgetStrategy)
		switch {
		case err == nil:
			if strategy.Bands != nil {
				parts = append(parts, "Budget bands:\n"+budget.Format(*strategy.Bands))
			}
		case !errors.Is(err, ErrNotFound):
			return "", err
		}
	}
	return strings.Join(parts, "\n\n"), nil
}
