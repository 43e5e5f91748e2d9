package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/grafana/grafana-plugin-sdk-go/backend/log"
	"github.com/yourusername/chartio-reports/pkg/model"
	_ "modernc.org/sqlite" // Register SQLite driver
)

// ErrNotFound is returned when a report or run does not exist
var ErrNotFound = errors.New("not found")

const sqliteTimeFormat = "2006-01-02 15:04:05"

var logger = log.DefaultLogger.With("component", "store")

// parseTimestamp parses a timestamp string from SQLite, handling multiple formats
func parseTimestamp(s string) *time.Time {
	if s == "" {
		return nil
	}

	formats := []string{
		sqliteTimeFormat,                // SQLite standard format (UTC assumed)
		"2006-01-02 15:04:05 -0700 MST", // time.Time.String() without monotonic part
		"2006-01-02 15:04:05 -0700",
		time.RFC3339Nano,
	}

	for _, format := range formats {
		if t, err := time.Parse(format, s); err == nil {
			return &t
		}
	}

	logger.Warn("Failed to parse timestamp", "value", s)
	return nil
}

// formatTimestamp formats t for SQLite comparison with datetime()
func formatTimestamp(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC().Format(sqliteTimeFormat)
}

func timeOrZero(s sql.NullString) time.Time {
	if !s.Valid {
		return time.Time{}
	}
	if t := parseTimestamp(s.String); t != nil {
		return *t
	}
	return time.Time{}
}

// Store handles database operations
type Store struct {
	db         *sql.DB
	writeQueue *writeQueue
	now        func() time.Time
}

// NewStore opens (creating if needed) the SQLite database at dbPath
func NewStore(dbPath string) (*Store, error) {
	// Pragmas go in the DSN so every pooled connection gets them.
	// WAL allows readers alongside the single writer.
	dsn := dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db, now: time.Now}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	store.writeQueue = newWriteQueue(store)
	logger.Info("Store opened", "path", dbPath)

	return store, nil
}

func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS reports (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			dashboard_url TEXT NOT NULL,
			filter_values TEXT,
			cron_expr TEXT NOT NULL,
			timezone TEXT NOT NULL DEFAULT 'UTC',
			recipients TEXT NOT NULL,
			email_subject TEXT NOT NULL DEFAULT '',
			email_body TEXT NOT NULL DEFAULT '',
			enabled INTEGER NOT NULL DEFAULT 1,
			last_run_at DATETIME,
			next_run_at DATETIME,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_reports_enabled ON reports(enabled)`,
		`CREATE INDEX IF NOT EXISTS idx_reports_next_run_at ON reports(next_run_at)`,
		`CREATE TABLE IF NOT EXISTS runs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			report_id INTEGER NOT NULL,
			started_at DATETIME NOT NULL,
			finished_at DATETIME,
			status TEXT NOT NULL,
			error_text TEXT,
			rendered_pages INTEGER NOT NULL DEFAULT 0,
			skipped_filters TEXT,
			bytes INTEGER NOT NULL DEFAULT 0,
			checksum TEXT,
			artifact_data BLOB,
			email_sent INTEGER NOT NULL DEFAULT 0,
			email_error TEXT,
			created_at DATETIME NOT NULL,
			FOREIGN KEY (report_id) REFERENCES reports(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_report_id ON runs(report_id)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.Exec(migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	return nil
}

const reportColumns = `id, name, dashboard_url, filter_values, cron_expr, timezone, recipients,
	email_subject, email_body, enabled, last_run_at, next_run_at, created_at, updated_at`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanReport(row scanner) (*model.Report, error) {
	report := &model.Report{}
	var lastRunAt, nextRunAt, createdAt, updatedAt sql.NullString

	err := row.Scan(
		&report.ID, &report.Name, &report.DashboardURL, &report.FilterValues,
		&report.CronExpr, &report.Timezone, &report.Recipients,
		&report.EmailSubject, &report.EmailBody, &report.Enabled,
		&lastRunAt, &nextRunAt, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	if lastRunAt.Valid {
		report.LastRunAt = parseTimestamp(lastRunAt.String)
	}
	if nextRunAt.Valid {
		report.NextRunAt = parseTimestamp(nextRunAt.String)
	}
	report.CreatedAt = timeOrZero(createdAt)
	report.UpdatedAt = timeOrZero(updatedAt)

	return report, nil
}

// CreateReport creates a new report (queued for serialized execution)
func (s *Store) CreateReport(report *model.Report) error {
	return s.writeQueue.enqueue(opCreateReport, report)
}

func (s *Store) createReportDirect(report *model.Report) error {
	now := s.now().UTC().Truncate(time.Second)
	report.CreatedAt = now
	report.UpdatedAt = now
	if report.Timezone == "" {
		report.Timezone = "UTC"
	}

	result, err := s.db.Exec(`
		INSERT INTO reports (
			name, dashboard_url, filter_values, cron_expr, timezone, recipients,
			email_subject, email_body, enabled, last_run_at, next_run_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		report.Name, report.DashboardURL, report.FilterValues, report.CronExpr,
		report.Timezone, report.Recipients, report.EmailSubject, report.EmailBody,
		report.Enabled, formatTimestamp(report.LastRunAt), formatTimestamp(report.NextRunAt),
		formatTimestamp(&now), formatTimestamp(&now),
	)
	if err != nil {
		return err
	}

	id, err := result.LastInsertId()
	if err != nil {
		return err
	}
	report.ID = id

	return nil
}

// GetReport retrieves a report by ID
func (s *Store) GetReport(id int64) (*model.Report, error) {
	report, err := scanReport(s.db.QueryRow(`SELECT `+reportColumns+` FROM reports WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("report %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return report, nil
}

// ListReports retrieves all reports, newest first
func (s *Store) ListReports() ([]*model.Report, error) {
	return s.queryReports(`SELECT ` + reportColumns + ` FROM reports ORDER BY created_at DESC, id DESC`)
}

// GetDueReports retrieves enabled reports whose next run is due at now
func (s *Store) GetDueReports(now time.Time) ([]*model.Report, error) {
	reports, err := s.queryReports(`
		SELECT `+reportColumns+` FROM reports
		WHERE enabled = 1 AND (next_run_at IS NULL OR datetime(next_run_at) <= datetime(?))
		ORDER BY next_run_at ASC, id ASC`,
		formatTimestamp(&now),
	)
	if err != nil {
		return nil, err
	}

	logger.Debug("Due reports", "now", now.UTC().Format(sqliteTimeFormat), "count", len(reports))
	return reports, nil
}

func (s *Store) queryReports(query string, args ...interface{}) ([]*model.Report, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	reports := make([]*model.Report, 0)
	for rows.Next() {
		report, err := scanReport(rows)
		if err != nil {
			return nil, err
		}
		reports = append(reports, report)
	}
	return reports, rows.Err()
}

// UpdateReport updates an existing report (queued for serialized execution)
func (s *Store) UpdateReport(report *model.Report) error {
	return s.writeQueue.enqueue(opUpdateReport, report)
}

func (s *Store) updateReportDirect(report *model.Report) error {
	report.UpdatedAt = s.now().UTC().Truncate(time.Second)

	result, err := s.db.Exec(`
		UPDATE reports SET
			name = ?, dashboard_url = ?, filter_values = ?, cron_expr = ?, timezone = ?,
			recipients = ?, email_subject = ?, email_body = ?, enabled = ?,
			last_run_at = ?, next_run_at = ?, updated_at = ?
		WHERE id = ?`,
		report.Name, report.DashboardURL, report.FilterValues, report.CronExpr,
		report.Timezone, report.Recipients, report.EmailSubject, report.EmailBody,
		report.Enabled, formatTimestamp(report.LastRunAt), formatTimestamp(report.NextRunAt),
		formatTimestamp(&report.UpdatedAt), report.ID,
	)
	if err != nil {
		return err
	}
	return expectAffected(result, "report", report.ID)
}

// DeleteReport deletes a report and its runs (queued for serialized execution)
func (s *Store) DeleteReport(id int64) error {
	return s.writeQueue.enqueue(opDeleteReport, id)
}

func (s *Store) deleteReportDirect(id int64) error {
	result, err := s.db.Exec("DELETE FROM reports WHERE id = ?", id)
	if err != nil {
		return err
	}
	return expectAffected(result, "report", id)
}

func expectAffected(result sql.Result, kind string, id int64) error {
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s %d: %w", kind, id, ErrNotFound)
	}
	return nil
}

// CreateRun creates a new run record (queued for serialized execution)
func (s *Store) CreateRun(run *model.Run) error {
	return s.writeQueue.enqueue(opCreateRun, run)
}

func (s *Store) createRunDirect(run *model.Run) error {
	run.CreatedAt = s.now().UTC().Truncate(time.Second)

	result, err := s.db.Exec(`
		INSERT INTO runs (report_id, started_at, status, created_at)
		VALUES (?, ?, ?, ?)`,
		run.ReportID, formatTimestamp(&run.StartedAt), run.Status, formatTimestamp(&run.CreatedAt),
	)
	if err != nil {
		return err
	}

	id, err := result.LastInsertId()
	if err != nil {
		return err
	}
	run.ID = id

	return nil
}

// UpdateRun updates a run record (queued for serialized execution)
func (s *Store) UpdateRun(run *model.Run) error {
	return s.writeQueue.enqueue(opUpdateRun, run)
}

func (s *Store) updateRunDirect(run *model.Run) error {
	result, err := s.db.Exec(`
		UPDATE runs SET
			finished_at = ?, status = ?, error_text = ?, rendered_pages = ?, skipped_filters = ?,
			bytes = ?, checksum = ?, artifact_data = ?, email_sent = ?, email_error = ?
		WHERE id = ?`,
		formatTimestamp(run.FinishedAt), run.Status, run.ErrorText, run.RenderedPages,
		run.SkippedFilters, run.Bytes, run.Checksum, run.ArtifactData, run.EmailSent,
		run.EmailError, run.ID,
	)
	if err != nil {
		return err
	}
	return expectAffected(result, "run", run.ID)
}

// GetRun retrieves a run by ID, including its artifact
func (s *Store) GetRun(id int64) (*model.Run, error) {
	run := &model.Run{}
	var startedAt, finishedAt, createdAt sql.NullString
	var errorText, checksum, emailError sql.NullString

	err := s.db.QueryRow(`
		SELECT id, report_id, started_at, finished_at, status, error_text, rendered_pages,
		       skipped_filters, bytes, checksum, artifact_data, email_sent, email_error, created_at
		FROM runs WHERE id = ?`,
		id,
	).Scan(
		&run.ID, &run.ReportID, &startedAt, &finishedAt, &run.Status, &errorText,
		&run.RenderedPages, &run.SkippedFilters, &run.Bytes, &checksum, &run.ArtifactData,
		&run.EmailSent, &emailError, &createdAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	run.StartedAt = timeOrZero(startedAt)
	run.CreatedAt = timeOrZero(createdAt)
	if finishedAt.Valid {
		run.FinishedAt = parseTimestamp(finishedAt.String)
	}
	run.ErrorText = errorText.String
	run.Checksum = checksum.String
	run.EmailError = emailError.String
	if len(run.ArtifactData) == 0 {
		run.ArtifactData = nil
	}

	return run, nil
}

// ListRuns retrieves the latest 50 runs of a report, newest first. Artifacts are not loaded.
func (s *Store) ListRuns(reportID int64) ([]*model.Run, error) {
	rows, err := s.db.Query(`
		SELECT id, report_id, started_at, finished_at, status, error_text, rendered_pages,
		       skipped_filters, bytes, checksum, email_sent, email_error, created_at
		FROM runs WHERE report_id = ? ORDER BY started_at DESC, id DESC LIMIT 50`,
		reportID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	runs := make([]*model.Run, 0)
	for rows.Next() {
		run := &model.Run{}
		var startedAt, finishedAt, createdAt sql.NullString
		var errorText, checksum, emailError sql.NullString

		err := rows.Scan(
			&run.ID, &run.ReportID, &startedAt, &finishedAt, &run.Status, &errorText,
			&run.RenderedPages, &run.SkippedFilters, &run.Bytes, &checksum,
			&run.EmailSent, &emailError, &createdAt,
		)
		if err != nil {
			return nil, err
		}

		run.StartedAt = timeOrZero(startedAt)
		run.CreatedAt = timeOrZero(createdAt)
		if finishedAt.Valid {
			run.FinishedAt = parseTimestamp(finishedAt.String)
		}
		run.ErrorText = errorText.String
		run.Checksum = checksum.String
		run.EmailError = emailError.String

		runs = append(runs, run)
	}

	return runs, rows.Err()
}

// Close shuts down the write queue, then closes the database
func (s *Store) Close() error {
	if s.writeQueue != nil {
		s.writeQueue.shutdown()
	}
	return s.db.Close()
}
