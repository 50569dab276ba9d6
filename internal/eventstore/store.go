// Package eventstore archives job events in SQLite so a job's log can be
// inspected after the in-memory channel has been reaped.
package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/loqalabs/abogen/internal/config"
	"github.com/loqalabs/abogen/internal/events"
)

const appendTimeout = 5 * time.Second

// JobRecord summarises one archived job.
type JobRecord struct {
	JobID     string
	Status    string
	Events    int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Store wraps a SQLite-backed archive of job events. In ephemeral mode it
// accepts appends and returns nothing.
type Store struct {
	db    *sql.DB
	cfg   config.EventStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the event store according to config.
func Open(ctx context.Context, cfg config.EventStoreConfig, log *slog.Logger) (*Store, error) {
	log = log.With(slog.String("component", "eventstore"))
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if err := s.vacuum(ctx); err != nil {
			log.Warn("event store vacuum failed", slog.String("error", err.Error()))
		}
	}

	if _, err := s.Prune(ctx); err != nil {
		log.Warn("event store prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS jobs (
    job_id TEXT PRIMARY KEY,
    status TEXT NOT NULL DEFAULT '',
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS job_events (
    job_id TEXT NOT NULL,
    seq INTEGER NOT NULL,
    kind TEXT NOT NULL,
    payload BLOB NOT NULL,
    created_at INTEGER NOT NULL,
    PRIMARY KEY(job_id, seq),
    FOREIGN KEY(job_id) REFERENCES jobs(job_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_jobs_updated ON jobs(updated_at);
`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

func (s *Store) vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

func (s *Store) disabled() bool {
	return s.cfg.RetentionMode == "ephemeral" || s.db == nil
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Append implements events.Sink. Write errors are logged, never returned:
// archiving must not hold up the job that published the event.
func (s *Store) Append(jobID string, evt events.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), appendTimeout)
	defer cancel()
	if err := s.AppendEvent(ctx, jobID, evt); err != nil {
		s.log.Warn("archive event failed",
			slog.String("job_id", jobID),
			slog.Uint64("seq", evt.Seq),
			slog.String("error", err.Error()),
		)
	}
}

// AppendEvent writes one sequenced event and touches the job row. A
// terminal event also records the final status.
func (s *Store) AppendEvent(ctx context.Context, jobID string, evt events.Event) (err error) {
	if s.disabled() {
		return nil
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	now := s.clock().UTC().UnixNano()
	status := ""
	if t, ok := evt.Payload.(events.Terminal); ok {
		status = t.Status
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()
	_, err = tx.ExecContext(ctx,
		`INSERT INTO jobs(job_id, status, created_at, updated_at)
		 VALUES(?, ?, ?, ?)
		 ON CONFLICT(job_id) DO UPDATE SET
		   updated_at = excluded.updated_at,
		   status = CASE WHEN excluded.status != '' THEN excluded.status ELSE jobs.status END`,
		jobID, status, now, now)
	if err != nil {
		return fmt.Errorf("upsert job: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO job_events(job_id, seq, kind, payload, created_at) VALUES(?, ?, ?, ?, ?)`,
		jobID, int64(evt.Seq), string(evt.Kind), payload, now)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return tx.Commit()
}

// ListJobEvents returns up to limit archived events of jobID with
// Seq >= from, in sequence order.
func (s *Store) ListJobEvents(ctx context.Context, jobID string, from uint64, limit int) ([]events.Event, error) {
	if s.disabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM job_events WHERE job_id = ? AND seq >= ? ORDER BY seq ASC LIMIT ?`,
		jobID, int64(from), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []events.Event
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var evt events.Event
		if err := json.Unmarshal(payload, &evt); err != nil {
			return nil, fmt.Errorf("decode archived event: %w", err)
		}
		out = append(out, evt)
	}
	return out, rows.Err()
}

// ListJobs returns the most recently updated archived jobs first.
func (s *Store) ListJobs(ctx context.Context, limit int) ([]JobRecord, error) {
	if s.disabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT j.job_id, j.status, j.created_at, j.updated_at,
		        (SELECT COUNT(*) FROM job_events e WHERE e.job_id = j.job_id)
		 FROM jobs j ORDER BY j.updated_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []JobRecord
	for rows.Next() {
		var rec JobRecord
		var created, updated int64
		if err := rows.Scan(&rec.JobID, &rec.Status, &created, &updated, &rec.Events); err != nil {
			return nil, err
		}
		rec.CreatedAt = time.Unix(0, created).UTC()
		rec.UpdatedAt = time.Unix(0, updated).UTC()
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Prune applies configured retention and reports how many jobs were
// removed. It runs on open and from the runtime's reap loop.
func (s *Store) Prune(ctx context.Context) (removed int64, err error) {
	if s.disabled() {
		return 0, nil
	}
	if s.cfg.RetentionMode != "persistent" && s.cfg.RetentionMode != "session" {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().UTC().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour).UnixNano()
		res, err := tx.ExecContext(ctx, `DELETE FROM jobs WHERE updated_at < ?`, cutoff)
		if err != nil {
			return 0, err
		}
		n, _ := res.RowsAffected()
		removed += n
	}
	if s.cfg.MaxJobs > 0 {
		res, err := tx.ExecContext(ctx, `DELETE FROM jobs WHERE job_id IN (
			SELECT job_id FROM jobs ORDER BY updated_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxJobs)
		if err != nil {
			return 0, err
		}
		n, _ := res.RowsAffected()
		removed += n
	}
	if err = tx.Commit(); err != nil {
		return 0, err
	}
	if removed > 0 {
		s.log.Info("event store pruned", slog.Int64("jobs", removed))
	}
	return removed, nil
}

// Ensure reports whether the store is consistent with its retention mode.
func (s *Store) Ensure() error {
	if s.cfg.RetentionMode == "ephemeral" && s.db != nil {
		return errors.New("ephemeral store should not have database connection")
	}
	return nil
}
