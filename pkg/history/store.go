package history

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"

	"github.com/webfleet/webfleet/pkg/fleet"
	"github.com/webfleet/webfleet/pkg/reconcile"
	"github.com/webfleet/webfleet/pkg/telemetry"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Config holds SQLite store settings.
type Config struct {
	// Path is the database file location.
	Path string `yaml:"path"`

	// MaxOpenConns bounds the connection pool, default 25.
	MaxOpenConns int `yaml:"max_open_conns"`

	// MaxIdleConns bounds idle connections, default 5.
	MaxIdleConns int `yaml:"max_idle_conns"`

	// ConnMaxLifetime recycles connections, default 5 minutes.
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// Store records reconciliation runs and drift scans in SQLite. It implements
// reconcile.Recorder.
type Store struct {
	db  *sql.DB
	cfg Config
	log *telemetry.Logger
}

var _ reconcile.Recorder = (*Store)(nil)

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithStoreLogger sets the logger.
func WithStoreLogger(log *telemetry.Logger) StoreOption {
	return func(s *Store) {
		s.log = log
	}
}

// NewStore creates a store for the given database path. Call Init before use.
func NewStore(cfg Config, opts ...StoreOption) (*Store, error) {
	if cfg.Path == "" {
		return nil, fleet.NewSchemaError("history database path is required", nil)
	}
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	s := &Store{cfg: cfg}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		logger, _ := telemetry.NewLogger(telemetry.DefaultConfig().Logging)
		s.log = logger.NewComponentLogger("history")
	}
	return s, nil
}

// Init opens the database, enables WAL mode and runs pending migrations.
func (s *Store) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_txlock=immediate", s.cfg.Path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fleet.NewInternalError("opening history database", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fleet.NewInternalError("pinging history database", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return fleet.NewInternalError("enabling foreign keys", err)
	}

	s.db = db

	if err := s.migrate(); err != nil {
		_ = db.Close()
		s.db = nil
		return err
	}

	s.log.WithField("path", s.cfg.Path).Debug("history store ready")
	return nil
}

func (s *Store) migrate() error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fleet.NewInternalError("loading embedded migrations", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fleet.NewInternalError("creating migration driver", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fleet.NewInternalError("creating migration instance", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fleet.NewInternalError("running migrations", err)
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// HealthCheck verifies the database connection.
func (s *Store) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fleet.NewInternalError("history store not initialized", nil)
	}
	return s.db.PingContext(ctx)
}

// RecordApply persists one reconciliation batch and its per-site outcomes in
// a single transaction.
func (s *Store) RecordApply(ctx context.Context, report *reconcile.Report) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fleet.NewInternalError("starting history transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (id, selector, status, started_at, finished_at, duration_ms,
			total, succeeded, failed, changed, skipped)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		report.RunID,
		report.Selector,
		string(runStatus(report)),
		report.Started.UTC(),
		report.Finished.UTC(),
		report.Duration().Milliseconds(),
		len(report.Results),
		len(report.Succeeded()),
		len(report.Failed()),
		changedCount(report),
		report.Skipped,
	)
	if err != nil {
		return fleet.NewInternalError("recording run "+report.RunID, err)
	}

	for _, r := range report.Results {
		var errMsg sql.NullString
		if r.Err != nil {
			errMsg = sql.NullString{String: r.Err.Error(), Valid: true}
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO site_results (run_id, domain, backend, step, changed, fingerprint, error)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`,
			report.RunID, r.Domain, string(r.Backend), string(r.Step), r.Changed, r.Fingerprint, errMsg,
		)
		if err != nil {
			return fleet.NewInternalError("recording result for "+r.Domain, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fleet.NewInternalError("committing history transaction", err)
	}
	return nil
}

func runStatus(report *reconcile.Report) RunStatus {
	switch {
	case report.Skipped > 0:
		return RunCanceled
	case len(report.Failed()) > 0:
		return RunFailed
	default:
		return RunSuccess
	}
}

func changedCount(report *reconcile.Report) int {
	n := 0
	for _, r := range report.Results {
		if r.Changed && r.Err == nil {
			n++
		}
	}
	return n
}

// GetRun loads one run with its per-site results.
func (s *Store) GetRun(ctx context.Context, id string) (*Run, error) {
	run := &Run{}
	var durationMS int64
	err := s.db.QueryRowContext(ctx, `
		SELECT id, selector, status, started_at, finished_at, duration_ms,
			total, succeeded, failed, changed, skipped
		FROM runs WHERE id = ?
	`, id).Scan(
		&run.ID, &run.Selector, &run.Status, &run.Started, &run.Finished, &durationMS,
		&run.Total, &run.Succeeded, &run.Failed, &run.Changed, &run.Skipped,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fleet.NewNotFoundError("run not found: " + id)
	}
	if err != nil {
		return nil, fleet.NewInternalError("loading run "+id, err)
	}
	run.Duration = time.Duration(durationMS) * time.Millisecond

	rows, err := s.db.QueryContext(ctx, `
		SELECT domain, backend, step, changed, fingerprint, error
		FROM site_results WHERE run_id = ? ORDER BY domain ASC
	`, id)
	if err != nil {
		return nil, fleet.NewInternalError("loading results for run "+id, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			out         SiteOutcome
			backend     string
			fingerprint sql.NullString
			errMsg      sql.NullString
		)
		if err := rows.Scan(&out.Domain, &backend, &out.Step, &out.Changed, &fingerprint, &errMsg); err != nil {
			return nil, fleet.NewInternalError("scanning site result", err)
		}
		out.Backend = fleet.BackendType(backend)
		out.Fingerprint = fingerprint.String
		out.Error = errMsg.String
		run.Results = append(run.Results, out)
	}
	if err := rows.Err(); err != nil {
		return nil, fleet.NewInternalError("iterating site results", err)
	}

	return run, nil
}

// ListRuns returns runs newest first, without per-site results.
func (s *Store) ListRuns(ctx context.Context, limit, offset int) ([]*Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, selector, status, started_at, finished_at, duration_ms,
			total, succeeded, failed, changed, skipped
		FROM runs ORDER BY started_at DESC LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, fleet.NewInternalError("listing runs", err)
	}
	defer rows.Close()

	runs := []*Run{}
	for rows.Next() {
		run := &Run{}
		var durationMS int64
		err := rows.Scan(
			&run.ID, &run.Selector, &run.Status, &run.Started, &run.Finished, &durationMS,
			&run.Total, &run.Succeeded, &run.Failed, &run.Changed, &run.Skipped,
		)
		if err != nil {
			return nil, fleet.NewInternalError("scanning run", err)
		}
		run.Duration = time.Duration(durationMS) * time.Millisecond
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fleet.NewInternalError("iterating runs", err)
	}

	return runs, nil
}

// RecordDrift persists one drift scan's records under a shared timestamp.
func (s *Store) RecordDrift(ctx context.Context, records []fleet.DriftRecord) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fleet.NewInternalError("starting history transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	checkedAt := time.Now().UTC()
	for _, rec := range records {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO drift_checks (domain, backend, path, desired_fingerprint, live_fingerprint, status, checked_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`,
			rec.Domain, string(rec.Backend), rec.Path,
			rec.DesiredFingerprint, rec.LiveFingerprint, string(rec.Status), checkedAt,
		)
		if err != nil {
			return fleet.NewInternalError("recording drift for "+rec.Domain, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fleet.NewInternalError("committing history transaction", err)
	}
	return nil
}

// ListDrift returns drift checks newest first. An empty domain matches all
// sites.
func (s *Store) ListDrift(ctx context.Context, domain string, limit, offset int) ([]*DriftCheck, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, domain, backend, path, desired_fingerprint, live_fingerprint, status, checked_at
		FROM drift_checks
		WHERE (? = '' OR domain = ?)
		ORDER BY checked_at DESC, id DESC
		LIMIT ? OFFSET ?
	`, domain, domain, limit, offset)
	if err != nil {
		return nil, fleet.NewInternalError("listing drift checks", err)
	}
	defer rows.Close()

	checks := []*DriftCheck{}
	for rows.Next() {
		check := &DriftCheck{}
		var backend, status string
		var desired, live sql.NullString
		err := rows.Scan(
			&check.ID, &check.Record.Domain, &backend, &check.Record.Path,
			&desired, &live, &status, &check.CheckedAt,
		)
		if err != nil {
			return nil, fleet.NewInternalError("scanning drift check", err)
		}
		check.Record.Backend = fleet.BackendType(backend)
		check.Record.DesiredFingerprint = desired.String
		check.Record.LiveFingerprint = live.String
		check.Record.Status = fleet.DriftStatus(status)
		checks = append(checks, check)
	}
	if err := rows.Err(); err != nil {
		return nil, fleet.NewInternalError("iterating drift checks", err)
	}

	return checks, nil
}

// Prune deletes runs and drift checks older than the cutoff. Site results go
// with their run through the foreign key cascade.
func (s *Store) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	cutoff := olderThan.UTC()

	runsRes, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE started_at < ?`, cutoff)
	if err != nil {
		return 0, fleet.NewInternalError("pruning runs", err)
	}
	runsDeleted, _ := runsRes.RowsAffected()

	driftRes, err := s.db.ExecContext(ctx, `DELETE FROM drift_checks WHERE checked_at < ?`, cutoff)
	if err != nil {
		return runsDeleted, fleet.NewInternalError("pruning drift checks", err)
	}
	driftDeleted, _ := driftRes.RowsAffected()

	total := runsDeleted + driftDeleted
	if total > 0 {
		s.log.WithFields(map[string]interface{}{
			"runs":  runsDeleted,
			"drift": driftDeleted,
		}).Info("history pruned")
	}
	return total, nil
}
