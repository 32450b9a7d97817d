// Package sqlite persists audit events to a SQLite database with retention.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ineyio/imagegate"
)

// DefaultRetention matches the seven-year retention required for spend records.
const DefaultRetention = 2555 * 24 * time.Hour

// Sink writes and queries audit events in a dedicated SQLite database.
type Sink struct {
	db        *sql.DB
	retention time.Duration
	logger    *slog.Logger
	now       func() time.Time
	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

var _ imagegate.AuditSink = (*Sink)(nil)

// Option configures Sink.
type Option func(*Sink)

// WithRetention sets how long events are kept. Zero disables purging.
func WithRetention(d time.Duration) Option {
	return func(s *Sink) { s.retention = d }
}

// WithLogger sets the logger for write failures.
func WithLogger(l *slog.Logger) Option {
	return func(s *Sink) { s.logger = l }
}

// WithClock overrides time.Now for retention cutoffs.
func WithClock(now func() time.Time) Option {
	return func(s *Sink) { s.now = now }
}

// Open opens the audit database at path, creates the schema and starts the
// hourly retention loop.
func Open(path string, opts ...Option) (*Sink, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("imagegate/sqlite: open audit db: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("imagegate/sqlite: migrate audit db: %w", err)
	}

	s := &Sink{
		db:        db,
		retention: DefaultRetention,
		logger:    slog.Default(),
		now:       time.Now,
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.wg.Add(1)
	go s.retentionLoop()
	return s, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS audit_events (
		id            TEXT PRIMARY KEY,
		kind          TEXT NOT NULL,
		request_id    TEXT,
		user_id       TEXT,
		department_id TEXT,
		provider      TEXT,
		fields        TEXT NOT NULL DEFAULT '{}',
		created_at    INTEGER NOT NULL
	)`)
	if err != nil {
		return err
	}
	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_audit_events_request ON audit_events(request_id)`)
	if err != nil {
		return err
	}
	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_audit_events_created ON audit_events(created_at)`)
	return err
}

// Record inserts e. Failures are logged and never surface to the admission path.
func (s *Sink) Record(ctx context.Context, e imagegate.AuditEvent) {
	if err := s.Insert(ctx, e); err != nil {
		s.logger.Error("audit write failed",
			"event_id", e.ID,
			"kind", string(e.Kind),
			"error", err,
		)
	}
}

// Insert writes e and reports any error.
func (s *Sink) Insert(ctx context.Context, e imagegate.AuditEvent) error {
	fields, err := json.Marshal(e.Fields)
	if err != nil {
		return fmt.Errorf("imagegate/sqlite: encode fields: %w", err)
	}
	created := e.Time
	if created.IsZero() {
		created = s.now()
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO audit_events
		(id, kind, request_id, user_id, department_id, provider, fields, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, string(e.Kind), e.RequestID, e.UserID, e.DepartmentID, e.Provider,
		string(fields), created.UTC().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("imagegate/sqlite: insert: %w", err)
	}
	return nil
}

// QueryOpts filters Query results. Zero values match everything.
type QueryOpts struct {
	RequestID string
	UserID    string
	Kind      imagegate.EventKind
	Since     time.Time
	Limit     int
}

// Query returns events matching opts, newest first.
func (s *Sink) Query(ctx context.Context, opts QueryOpts) ([]imagegate.AuditEvent, error) {
	q := `SELECT id, kind, request_id, user_id, department_id, provider, fields, created_at
		FROM audit_events WHERE 1=1`
	var args []any

	if opts.RequestID != "" {
		q += " AND request_id = ?"
		args = append(args, opts.RequestID)
	}
	if opts.UserID != "" {
		q += " AND user_id = ?"
		args = append(args, opts.UserID)
	}
	if opts.Kind != "" {
		q += " AND kind = ?"
		args = append(args, string(opts.Kind))
	}
	if !opts.Since.IsZero() {
		q += " AND created_at >= ?"
		args = append(args, opts.Since.UTC().UnixMilli())
	}

	q += " ORDER BY created_at DESC, id"

	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}
	q += " LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("imagegate/sqlite: query: %w", err)
	}
	defer rows.Close()

	var events []imagegate.AuditEvent
	for rows.Next() {
		var (
			e                          imagegate.AuditEvent
			kind, fields               string
			requestID, userID          sql.NullString
			departmentID, providerName sql.NullString
			created                    int64
		)
		if err := rows.Scan(&e.ID, &kind, &requestID, &userID, &departmentID, &providerName, &fields, &created); err != nil {
			return nil, fmt.Errorf("imagegate/sqlite: scan: %w", err)
		}
		e.Kind = imagegate.EventKind(kind)
		e.RequestID = requestID.String
		e.UserID = userID.String
		e.DepartmentID = departmentID.String
		e.Provider = providerName.String
		e.Time = time.UnixMilli(created).UTC()
		e.Fields = map[string]any{}
		_ = json.Unmarshal([]byte(fields), &e.Fields)
		events = append(events, e)
	}
	return events, rows.Err()
}

// KindCount is the number of events of one kind.
type KindCount struct {
	Kind  imagegate.EventKind
	Count int64
}

// Stats returns event counts grouped by kind since the given time.
func (s *Sink) Stats(ctx context.Context, since time.Time) ([]KindCount, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT kind, count(*) FROM audit_events WHERE created_at >= ?
		 GROUP BY kind ORDER BY kind`, since.UTC().UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("imagegate/sqlite: stats: %w", err)
	}
	defer rows.Close()

	var out []KindCount
	for rows.Next() {
		var (
			kind string
			kc   KindCount
		)
		if err := rows.Scan(&kind, &kc.Count); err != nil {
			return nil, fmt.Errorf("imagegate/sqlite: scan stat: %w", err)
		}
		kc.Kind = imagegate.EventKind(kind)
		out = append(out, kc)
	}
	return out, rows.Err()
}

// Cleanup deletes events older than the retention period.
func (s *Sink) Cleanup(ctx context.Context) (int64, error) {
	if s.retention <= 0 {
		return 0, nil
	}
	cutoff := s.now().Add(-s.retention).UTC().UnixMilli()
	res, err := s.db.ExecContext(ctx, `DELETE FROM audit_events WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("imagegate/sqlite: cleanup: %w", err)
	}
	return res.RowsAffected()
}

// Close stops the retention goroutine and closes the database.
func (s *Sink) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

func (s *Sink) retentionLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if n, err := s.Cleanup(context.Background()); err != nil {
				s.logger.Error("audit retention failed", "error", err)
			} else if n > 0 {
				s.logger.Info("audit retention purged events", "count", n)
			}
		}
	}
}
