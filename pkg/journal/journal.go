// Package journal records one row per analysis run in a SQLite database and
// answers search and aggregate queries over them.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/pario-ai/insight/pkg/models"
)

// Journal writes and queries run records in a dedicated SQLite database.
type Journal struct {
	db   *sql.DB
	cfg  models.JournalConfig
	done chan struct{}
	wg   sync.WaitGroup
}

// New opens the journal database, creates the schema and starts the
// retention loop.
func New(cfg models.JournalConfig) (*Journal, error) {
	db, err := sql.Open("sqlite", cfg.DBPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open journal db: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate journal db: %w", err)
	}

	j := &Journal{
		db:   db,
		cfg:  cfg,
		done: make(chan struct{}),
	}

	if cfg.RetentionDays > 0 {
		j.wg.Add(1)
		go j.retentionLoop()
	}
	return j, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS runs (
		run_id     TEXT PRIMARY KEY,
		subject_id TEXT NOT NULL,
		operation  TEXT NOT NULL,
		user_id    TEXT,
		outcome    TEXT NOT NULL,
		chars      INTEGER NOT NULL DEFAULT 0,
		deltas     INTEGER NOT NULL DEFAULT 0,
		cached     INTEGER NOT NULL DEFAULT 0,
		error      TEXT,
		latency_ms INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL DEFAULT (datetime('now'))
	)`)
	if err != nil {
		return err
	}
	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_runs_operation ON runs(operation)`)
	if err != nil {
		return err
	}
	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_runs_created ON runs(created_at)`)
	return err
}

// Record inserts a run. A missing RunID or CreatedAt is filled in. Record on
// a nil Journal is a no-op.
func (j *Journal) Record(ctx context.Context, rec models.RunRecord) error {
	if j == nil || j.db == nil {
		return nil
	}
	if rec.RunID == "" {
		rec.RunID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}

	_, err := j.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO runs
		(run_id, subject_id, operation, user_id, outcome, chars, deltas, cached, error, latency_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.RunID, rec.SubjectID, rec.Operation, rec.UserID, string(rec.Outcome),
		rec.Chars, rec.Deltas, rec.Cached, rec.Error, rec.LatencyMs, rec.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("record run: %w", err)
	}
	return nil
}

// Query returns runs matching opts, newest first.
func (j *Journal) Query(ctx context.Context, opts models.RunQueryOpts) ([]models.RunRecord, error) {
	q := `SELECT run_id, subject_id, operation, user_id, outcome, chars, deltas,
		cached, error, latency_ms, created_at
		FROM runs WHERE 1=1`
	var args []any

	if opts.SubjectID != "" {
		q += " AND subject_id = ?"
		args = append(args, opts.SubjectID)
	}
	if opts.Operation != "" {
		q += " AND operation = ?"
		args = append(args, opts.Operation)
	}
	if opts.Outcome != "" {
		q += " AND outcome = ?"
		args = append(args, string(opts.Outcome))
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

	rows, err := j.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var runs []models.RunRecord
	for rows.Next() {
		var r models.RunRecord
		var userID, errText sql.NullString
		var outcome string
		if err := rows.Scan(
			&r.RunID, &r.SubjectID, &r.Operation, &userID, &outcome,
			&r.Chars, &r.Deltas, &r.Cached, &errText, &r.LatencyMs, &r.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan run row: %w", err)
		}
		r.UserID = userID.String
		r.Error = errText.String
		r.Outcome = models.RunOutcome(outcome)
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Stats returns run counts and mean latency grouped by operation, day and outcome.
func (j *Journal) Stats(ctx context.Context) ([]models.RunStat, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT operation, date(created_at) AS day, outcome, count(*) AS cnt, avg(latency_ms)
		 FROM runs GROUP BY operation, day, outcome ORDER BY day DESC, operation, outcome`)
	if err != nil {
		return nil, fmt.Errorf("run stats: %w", err)
	}
	defer rows.Close()

	var stats []models.RunStat
	for rows.Next() {
		var s models.RunStat
		var day sql.NullString
		var outcome string
		var avg sql.NullFloat64
		if err := rows.Scan(&s.Operation, &day, &outcome, &s.Count, &avg); err != nil {
			return nil, fmt.Errorf("scan run stat: %w", err)
		}
		s.Day = day.String
		s.Outcome = models.RunOutcome(outcome)
		s.AvgMs = avg.Float64
		stats = append(stats, s)
	}
	return stats, rows.Err()
}

// Cleanup deletes runs older than the configured retention period.
func (j *Journal) Cleanup(ctx context.Context) (int64, error) {
	if j.cfg.RetentionDays <= 0 {
		return 0, nil
	}
	cutoff := time.Now().AddDate(0, 0, -j.cfg.RetentionDays).UTC()
	res, err := j.db.ExecContext(ctx, `DELETE FROM runs WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("journal cleanup: %w", err)
	}
	return res.RowsAffected()
}

// Close stops the retention goroutine and closes the database.
func (j *Journal) Close() error {
	close(j.done)
	j.wg.Wait()
	return j.db.Close()
}

func (j *Journal) retentionLoop() {
	defer j.wg.Done()
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-j.done:
			return
		case <-ticker.C:
			n, err := j.Cleanup(context.Background())
			if err != nil {
				log.Warn().Err(err).Msg("journal retention")
				continue
			}
			if n > 0 {
				log.Debug().Int64("removed", n).Msg("journal retention")
			}
		}
	}
}
