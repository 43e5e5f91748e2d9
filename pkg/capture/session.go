// Package capture logs in to Chart.io, walks a dashboard through its global
// filter values and merges one screenshot per value into a PDF.
package capture

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/grafana/grafana-plugin-sdk-go/backend/log"
	"github.com/yourusername/chartio-reports/pkg/model"
	"github.com/yourusername/chartio-reports/pkg/pdf"
	"github.com/yourusername/chartio-reports/pkg/render"
)

// Chart.io page contract
var (
	emailField         = render.Name("email")
	passwordField      = render.Name("password")
	logoutOtherButton  = render.CSS("button")
	presentationToggle = render.ID("presentation-mode-toggle")
	filterInput        = render.CSS("input")
	loadingIndicator   = render.Class("loading")
	chartTitles        = render.Tag("tspan")
)

const (
	alreadyLoggedInText     = "Accounts already logged in"
	exceptionScreenshotName = "exception_screenshot.pdf"
)

// ErrSessionClosed is returned when a closed session is used
var ErrSessionClosed = errors.New("session closed")

var newBackend = render.NewBackend

// Capture is the outcome of one dashboard capture
type Capture struct {
	PDF         []byte   // Merged document; nil when no page was captured
	Pages       int      // Pages in PDF
	Applied     []string // Filter values captured, in page order
	Skipped     []string // Filter values that never showed up in the chart titles
	Diagnostics []string // Diagnostic screenshots written during the capture
}

// Session is one logged-in browser session against Chart.io.
// It is not safe for concurrent use.
type Session struct {
	config  model.CaptureConfig
	backend render.Backend
	logger  log.Logger
	closed  bool
}

// NewSession launches the configured browser backend and logs in
func NewSession(ctx context.Context, config model.CaptureConfig, creds model.Credentials) (*Session, error) {
	config = config.WithDefaults()
	backend, err := newBackend(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to start browser: %w", err)
	}
	return NewSessionWithBackend(ctx, config, creds, backend)
}

// NewSessionWithBackend logs in using an already started backend.
// The backend is closed if login fails.
func NewSessionWithBackend(ctx context.Context, config model.CaptureConfig, creds model.Credentials, backend render.Backend) (*Session, error) {
	s := &Session{
		config:  config.WithDefaults(),
		backend: backend,
		logger:  log.DefaultLogger.With("component", "capture", "backend", backend.Name()),
	}

	if err := s.login(ctx, creds); err != nil {
		if cerr := backend.Close(); cerr != nil {
			s.logger.Warn("Failed to close browser after login failure", "error", cerr)
		}
		return nil, err
	}
	return s, nil
}

// WithSession runs fn with a logged-in session and always closes it afterwards.
// When only the close fails the error wraps ErrCloseFailed.
func WithSession(ctx context.Context, config model.CaptureConfig, creds model.Credentials, fn func(*Session) error) (err error) {
	s, err := NewSession(ctx, config, creds)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := s.Close(context.WithoutCancel(ctx)); cerr != nil {
			s.logger.Warn("Failed to close session", "error", cerr)
			if err == nil {
				err = fmt.Errorf("%w: %w", ErrCloseFailed, cerr)
			}
		}
	}()
	return fn(s)
}

func (s *Session) login(ctx context.Context, creds model.Credentials) error {
	s.logger.Info("Logging in", "email", creds.Email, "url", s.config.LoginURL)

	if err := s.backend.Navigate(ctx, s.config.LoginURL); err != nil {
		return fault("open login page", err)
	}
	if err := s.backend.SendKeys(ctx, emailField, creds.Email); err != nil {
		return fault("enter email", err)
	}
	if err := s.backend.SendKeys(ctx, passwordField, creds.Password); err != nil {
		return fault("enter password", err)
	}
	if err := s.backend.Submit(ctx, passwordField); err != nil {
		return fault("submit login form", err)
	}
	if err := s.settle(ctx); err != nil {
		return err
	}

	current, err := s.backend.CurrentURL(ctx)
	if err != nil {
		return fault("read current URL", err)
	}

	if sameURL(current, s.config.LoginURL) {
		// Still on the login page: the account has an active session elsewhere
		source, err := s.backend.PageSource(ctx)
		if err != nil {
			return fault("read login page", err)
		}
		if !strings.Contains(source, alreadyLoggedInText) {
			return fmt.Errorf("%w: still on %s and no %q prompt", ErrLoginFailed, current, alreadyLoggedInText)
		}

		s.logger.Warn("Account is logged in elsewhere, logging the other session out")
		if err := s.backend.Click(ctx, logoutOtherButton); err != nil {
			return fault("confirm logging out other session", err)
		}
		if err := s.settle(ctx); err != nil {
			return err
		}
		if current, err = s.backend.CurrentURL(ctx); err != nil {
			return fault("read current URL", err)
		}
	}

	if !sameURL(current, s.config.ProjectsURL) {
		return fmt.Errorf("%w: landed on %s, expected %s", ErrLoginFailed, current, s.config.ProjectsURL)
	}

	s.logger.Info("Logged in", "email", creds.Email)
	return nil
}

// CapturePDFForDashboard captures the dashboard once per filter value, or once
// when no values are given, and merges the pages in order. Values that do not
// apply are skipped after writing a failed_<value>.pdf diagnostic. Any other
// failure writes exception_screenshot.pdf and is returned.
func (s *Session) CapturePDFForDashboard(ctx context.Context, dashboardURL string, filterValues []string) (result *Capture, err error) {
	if s.closed {
		return nil, ErrSessionClosed
	}

	filters := model.NormalizeFilterValues(filterValues)
	s.logger.Info("Capturing dashboard", "url", dashboardURL, "filters", len(filters))

	defer func() {
		if err != nil && ctx.Err() == nil {
			s.saveDiagnostic(ctx, exceptionScreenshotName)
		}
	}()

	if err := s.loadDashboard(ctx, dashboardURL, len(filters) > 0); err != nil {
		return nil, err
	}

	doc := pdf.NewDocument()
	result = &Capture{}

	if len(filters) == 0 {
		if err := s.capturePage(ctx, doc); err != nil {
			return nil, err
		}
	}

	for _, value := range filters {
		err := s.applyFilter(ctx, value)
		if errors.Is(err, ErrFilterNotApplied) {
			result.Skipped = append(result.Skipped, value)
			path, err := s.SaveScreenshot(ctx, model.FailedFilterFileName(value))
			if err != nil {
				return nil, err
			}
			result.Diagnostics = append(result.Diagnostics, path)
			continue
		}
		if err != nil {
			return nil, err
		}

		if err := s.capturePage(ctx, doc); err != nil {
			return nil, err
		}
		result.Applied = append(result.Applied, value)
	}

	result.Pages = doc.Pages()
	if result.Pages == 0 {
		s.logger.Warn("No filter value could be applied, nothing captured", "url", dashboardURL, "skipped", result.Skipped)
		return result, nil
	}

	if result.PDF, err = doc.Bytes(); err != nil {
		return nil, err
	}

	s.logger.Info("Dashboard captured", "url", dashboardURL, "pages", result.Pages, "skipped", len(result.Skipped), "bytes", len(result.PDF))
	return result, nil
}

func (s *Session) loadDashboard(ctx context.Context, dashboardURL string, needFilter bool) error {
	if err := s.backend.Navigate(ctx, dashboardURL); err != nil {
		return fault("open dashboard", err)
	}
	if err := s.waitForCharts(ctx); err != nil {
		return err
	}
	if err := s.backend.Click(ctx, presentationToggle); err != nil {
		return fault("enable presentation mode", err)
	}
	if err := s.settle(ctx); err != nil {
		return err
	}

	n, err := s.backend.Count(ctx, filterInput)
	if err != nil {
		return fault("locate filter input", err)
	}
	if n == 0 && needFilter {
		return fault("locate filter input", errors.New("dashboard has no filter input"))
	}
	return nil
}

// applyFilter replaces the global filter value and waits for the charts to
// re-render. It returns ErrFilterNotApplied when no chart title mentions value.
func (s *Session) applyFilter(ctx context.Context, value string) error {
	s.logger.Debug("Applying filter", "value", value)

	if err := s.backend.Clear(ctx, filterInput); err != nil {
		return fault("clear filter input", err)
	}
	if err := s.settle(ctx); err != nil {
		return err
	}
	if err := s.backend.SendKeys(ctx, filterInput, value); err != nil {
		return fault("type filter value", err)
	}
	if err := s.settle(ctx); err != nil {
		return err
	}
	if err := s.backend.PressConfirm(ctx, filterInput); err != nil {
		return fault("submit filter value", err)
	}
	if err := s.waitForCharts(ctx); err != nil {
		return err
	}

	titles, err := s.backend.Texts(ctx, chartTitles)
	if err != nil {
		return fault("read chart titles", err)
	}
	for _, title := range titles {
		if strings.Contains(title, value) {
			return nil
		}
	}

	s.logger.Error("No matches found for filter value", "value", value)
	s.logger.Debug("Chart titles after filtering", "value", value, "titles", titles)
	return fmt.Errorf("%w: no chart title contains %q", ErrFilterNotApplied, value)
}

// waitForCharts blocks until no loading indicator is left on the page
func (s *Session) waitForCharts(ctx context.Context) error {
	if err := s.settle(ctx); err != nil {
		return err
	}

	timeout := s.config.Timeout()
	err := s.backend.WaitAbsent(ctx, loadingIndicator, timeout)
	if errors.Is(err, render.ErrWaitTimeout) {
		return fmt.Errorf("%w after %s: %v. %s", ErrRenderTimeout, timeout, err, renderTimeoutMessage)
	}
	if err != nil {
		return fault("wait for charts", err)
	}

	// Let the re-rendered chart nodes settle before they are read
	return s.settle(ctx)
}

func (s *Session) capturePage(ctx context.Context, doc *pdf.Document) error {
	img, err := s.backend.Screenshot(ctx)
	if err != nil {
		return fault("capture screenshot", err)
	}
	if err := doc.AddScreenshot(img); err != nil {
		return fmt.Errorf("failed to add page %d: %w", doc.Pages()+1, err)
	}
	return nil
}

// SaveScreenshot writes the current view as a one-page PDF named name inside
// the diagnostics directory and returns its path.
func (s *Session) SaveScreenshot(ctx context.Context, name string) (string, error) {
	if s.closed {
		return "", ErrSessionClosed
	}

	img, err := s.backend.Screenshot(ctx)
	if err != nil {
		return "", fault("capture screenshot", err)
	}
	data, err := pdf.SinglePage(img)
	if err != nil {
		return "", fmt.Errorf("failed to convert screenshot: %w", err)
	}

	path := filepath.Join(s.config.DiagnosticsDir, filepath.Base(name))
	if err := pdf.WriteFile(path, data); err != nil {
		return "", fmt.Errorf("failed to save screenshot: %w", err)
	}

	s.logger.Info("Saved screenshot", "path", path)
	return path, nil
}

func (s *Session) saveDiagnostic(ctx context.Context, name string) {
	if _, err := s.SaveScreenshot(ctx, name); err != nil {
		s.logger.Warn("Failed to save diagnostic screenshot", "name", name, "error", err)
	}
}

// Close logs out and releases the browser. Calling it again is a no-op.
func (s *Session) Close(ctx context.Context) error {
	if s.closed {
		return nil
	}
	s.closed = true

	if err := s.backend.Navigate(ctx, s.config.LogoutURL); err != nil {
		s.logger.Warn("Failed to log out", "error", err)
	}
	if err := s.backend.Close(); err != nil {
		return fmt.Errorf("failed to close browser: %w", err)
	}
	s.logger.Info("Session closed")
	return nil
}

func (s *Session) settle(ctx context.Context) error {
	d := s.config.Delay()
	if d == 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// sameURL compares scheme, host and path, ignoring a trailing slash, query and fragment
func sameURL(a, b string) bool {
	ua, errA := url.Parse(a)
	ub, errB := url.Parse(b)
	if errA != nil || errB != nil {
		return a == b
	}
	return strings.EqualFold(ua.Scheme, ub.Scheme) &&
		strings.EqualFold(ua.Host, ub.Host) &&
		strings.TrimSuffix(ua.Path, "/") == strings.TrimSuffix(ub.Path, "/")
}
