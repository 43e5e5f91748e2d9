package cron

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/gorhill/cronexpr"
	"github.com/grafana/grafana-plugin-sdk-go/backend/log"
	"github.com/robfig/cron/v3"
	"github.com/yourusername/chartio-reports/pkg/capture"
	"github.com/yourusername/chartio-reports/pkg/mail"
	"github.com/yourusername/chartio-reports/pkg/model"
	"github.com/yourusername/chartio-reports/pkg/store"
)

// CaptureFunc captures a report's dashboard
type CaptureFunc func(ctx context.Context, report *model.Report) (*capture.Capture, error)

// NewSessionCapture returns a CaptureFunc that opens one logged-in session per run
func NewSessionCapture(config model.CaptureConfig, creds model.Credentials) CaptureFunc {
	return func(ctx context.Context, report *model.Report) (*capture.Capture, error) {
		var result *capture.Capture
		err := capture.WithSession(ctx, config, creds, func(s *capture.Session) error {
			var err error
			result, err = s.CapturePDFForDashboard(ctx, report.DashboardURL, report.FilterValues)
			return err
		})
		return result, err
	}
}

type reportMailer interface {
	SendReport(recipients model.Recipients, subject, body string, pdf []byte, filename string) error
}

// Scheduler runs due reports. Captures run one at a time because Chart.io
// ends every other session of the account on login.
type Scheduler struct {
	store      *store.Store
	cron       *cron.Cron
	capture    CaptureFunc
	smtp       *model.SMTPConfig
	newMailer  func(model.SMTPConfig) reportMailer
	workerPool chan struct{}
	baseCtx    context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	now        func() time.Time
	logger     log.Logger
}

// NewScheduler creates a scheduler. smtp may be nil, in which case runs are stored but not emailed.
func NewScheduler(st *store.Store, captureFn CaptureFunc, smtp *model.SMTPConfig) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		store:      st,
		cron:       cron.New(cron.WithSeconds()),
		capture:    captureFn,
		smtp:       smtp,
		newMailer:  func(c model.SMTPConfig) reportMailer { return mail.NewMailer(c) },
		workerPool: make(chan struct{}, 1),
		baseCtx:    ctx,
		cancel:     cancel,
		now:        time.Now,
		logger:     log.DefaultLogger.With("component", "scheduler"),
	}
}

// Start begins checking for due reports every minute
func (s *Scheduler) Start() error {
	cronExpr := "0 * * * * *"
	entryID, err := s.cron.AddFunc(cronExpr, s.checkDueReports)
	if err != nil {
		return fmt.Errorf("failed to add cron job: %w", err)
	}

	s.cron.Start()
	s.logger.Info("Scheduler started", "cron", cronExpr, "entry", int(entryID))
	return nil
}

// Stop stops the tick, cancels running captures and waits for them to finish
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.cancel()
	s.wg.Wait()
	s.logger.Info("Scheduler stopped")
}

// Wait blocks until every started run has finished
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) checkDueReports() {
	now := s.now()
	reports, err := s.store.GetDueReports(now)
	if err != nil {
		s.logger.Error("Failed to get due reports", "error", err)
		return
	}
	if len(reports) == 0 {
		return
	}

	s.logger.Info("Found due reports", "count", len(reports))
	for _, report := range reports {
		// Advance first so the next tick does not pick it up again
		next := NextRun(report, now)
		report.NextRunAt = &next
		if err := s.store.UpdateReport(report); err != nil {
			s.logger.Error("Failed to update next run", "report", report.ID, "error", err)
			continue
		}

		if _, err := s.StartRun(report); err != nil {
			s.logger.Error("Failed to start run", "report", report.ID, "error", err)
		}
	}
}

// StartRun records a new run for report and executes it in the background
func (s *Scheduler) StartRun(report *model.Report) (*model.Run, error) {
	run := &model.Run{
		ReportID:  report.ID,
		StartedAt: s.now(),
		Status:    model.RunStatusRunning,
	}
	if err := s.store.CreateRun(run); err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}

	s.logger.Info("Run started", "report", report.ID, "run", run.ID)

	// The goroutine owns its own copy
	r, rn := *report, *run
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.executeReport(s.baseCtx, &r, &rn)
	}()
	return run, nil
}

func (s *Scheduler) executeReport(ctx context.Context, report *model.Report, run *model.Run) {
	logger := s.logger.With("report", report.ID, "run", run.ID)

	select {
	case s.workerPool <- struct{}{}:
		defer func() { <-s.workerPool }()
		err := s.executeOnce(ctx, report, run)
		s.finish(logger, report, run, err)
	case <-ctx.Done():
		s.finish(logger, report, run, fmt.Errorf("scheduler stopped before run started: %w", ctx.Err()))
	}
}

func (s *Scheduler) finish(logger log.Logger, report *model.Report, run *model.Run, err error) {
	finished := s.now()
	run.FinishedAt = &finished
	if err != nil {
		run.Status = model.RunStatusFailed
		run.ErrorText = err.Error()
		logger.Error("Run failed", "error", err)
	} else {
		run.Status = model.RunStatusCompleted
		logger.Info("Run completed", "pages", run.RenderedPages, "bytes", run.Bytes, "email_sent", run.EmailSent)
	}

	if err := s.store.UpdateRun(run); err != nil {
		logger.Error("Failed to update run", "error", err)
	}

	// Reload so edits made while the capture ran are kept
	current, err := s.store.GetReport(report.ID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			logger.Warn("Failed to reload report", "error", err)
		}
		return
	}
	current.LastRunAt = &run.StartedAt
	if err := s.store.UpdateReport(current); err != nil {
		logger.Warn("Failed to update last run", "error", err)
	}
}

func (s *Scheduler) executeOnce(ctx context.Context, report *model.Report, run *model.Run) error {
	result, err := s.capture(ctx, report)
	if errors.Is(err, capture.ErrCloseFailed) && result != nil {
		s.logger.Warn("Browser did not shut down cleanly", "report", report.ID, "run", run.ID, "error", err)
		err = nil
	}
	if err != nil {
		return fmt.Errorf("capture failed: %w", err)
	}

	run.RenderedPages = result.Pages
	run.SkippedFilters = result.Skipped
	if result.Pages == 0 {
		return fmt.Errorf("no filter value could be applied (skipped: %s)", strings.Join(result.Skipped, ", "))
	}

	run.ArtifactData = result.PDF
	run.Bytes = int64(len(result.PDF))
	run.Checksum = fmt.Sprintf("%x", sha256.Sum256(result.PDF))

	// Store the artifact before mailing so it is downloadable right away
	if err := s.store.UpdateRun(run); err != nil {
		s.logger.Warn("Failed to store artifact", "run", run.ID, "error", err)
	}

	if s.smtp == nil {
		run.EmailError = "SMTP not configured"
		return nil
	}
	if report.Recipients.Empty() {
		run.EmailError = "no recipients"
		return nil
	}

	vars := map[string]string{
		"report.name":    report.Name,
		"dashboard.url":  report.DashboardURL,
		"filters":        strings.Join(result.Applied, ", "),
		"skipped":        strings.Join(result.Skipped, ", "),
		"run.pages":      fmt.Sprint(result.Pages),
		"run.started_at": run.StartedAt.Format(time.RFC1123),
	}
	subject := mail.InterpolateTemplate(report.EmailSubject, vars)
	body := mail.InterpolateTemplate(report.EmailBody, vars)

	// Delivery failures are recorded on the run; the report itself succeeded
	if err := s.newMailer(*s.smtp).SendReport(report.Recipients, subject, body, result.PDF, ArtifactFilename(report, run)); err != nil {
		run.EmailError = err.Error()
		return nil
	}

	run.EmailSent = true
	run.EmailError = ""
	return nil
}

var unsafeFilenameChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// ArtifactFilename names a run's PDF after its report and start time
func ArtifactFilename(report *model.Report, run *model.Run) string {
	name := strings.Trim(unsafeFilenameChars.ReplaceAllString(report.Name, "_"), "_")
	if name == "" {
		name = "report"
	}
	return fmt.Sprintf("%s-%s.pdf", name, run.StartedAt.Format("2006-01-02-150405"))
}

// CalculateNextRun returns when report runs next, from now
func (s *Scheduler) CalculateNextRun(report *model.Report) time.Time {
	return NextRun(report, s.now())
}

// NextRun returns the first time after from that matches the report's cron
// expression in its timezone, in UTC with second precision. An unknown
// timezone means UTC; an invalid expression falls back to one hour later.
func NextRun(report *model.Report, from time.Time) time.Time {
	loc := time.UTC
	if report.Timezone != "" {
		l, err := time.LoadLocation(report.Timezone)
		if err != nil {
			log.DefaultLogger.Warn("Unknown timezone, using UTC", "report", report.ID, "timezone", report.Timezone)
		} else {
			loc = l
		}
	}

	now := from.In(loc)

	expr, err := cronexpr.Parse(report.CronExpr)
	if err != nil {
		log.DefaultLogger.Warn("Invalid cron expression, retrying in one hour", "report", report.ID, "cron", report.CronExpr, "error", err)
		return now.Add(time.Hour).UTC().Truncate(time.Second)
	}

	return expr.Next(now).UTC().Truncate(time.Second)
}
