package model

import (
	"database/sql/driver"
	"encoding/json"
	"time"
)

// Credentials holds the Chart.io account used to log in
type Credentials struct {
	Email    string `json:"email" yaml:"email"`
	Password string `json:"-" yaml:"password"`
}

// CaptureConfig holds capture session configuration
type CaptureConfig struct {
	Backend     string `json:"backend" yaml:"backend"`         // "chromium" (default), "playwright", "webdriver" or "chromedp"
	Interactive bool   `json:"interactive" yaml:"interactive"` // Run a visible browser instead of a headless one

	BrowserPath   string `json:"browser_path" yaml:"browser_path"`     // Chrome/Chromium binary (optional, auto-detect if empty)
	WebDriverPath string `json:"webdriver_path" yaml:"webdriver_path"` // chromedriver binary for the webdriver backend
	WebDriverURL  string `json:"webdriver_url" yaml:"webdriver_url"`   // Remote WebDriver hub; skips starting chromedriver
	RemoteURL     string `json:"remote_url" yaml:"remote_url"`         // DevTools websocket URL for the chromedp backend
	Stealth       bool   `json:"stealth" yaml:"stealth"`               // Use go-rod/stealth pages (chromium backend only)
	SkipTLSVerify bool   `json:"skip_tls_verify" yaml:"skip_tls_verify"`

	LoginURL    string `json:"login_url" yaml:"login_url"`
	ProjectsURL string `json:"projects_url" yaml:"projects_url"` // Landing page after a successful login
	LogoutURL   string `json:"logout_url" yaml:"logout_url"`

	TimeoutMS      int    `json:"timeout_ms" yaml:"timeout_ms"` // Chart loading timeout
	DelayMS        int    `json:"delay_ms" yaml:"delay_ms"`     // Settle delay around page interactions
	ViewportWidth  int    `json:"viewport_width" yaml:"viewport_width"`
	ViewportHeight int    `json:"viewport_height" yaml:"viewport_height"`
	DiagnosticsDir string `json:"diagnostics_dir" yaml:"diagnostics_dir"`
}

// Default Chart.io endpoints
const (
	DefaultLoginURL    = "https://chartio.com/login"
	DefaultProjectsURL = "https://chartio.com/project/"
	DefaultLogoutURL   = "https://chartio.com/logout/"
)

// WithDefaults returns a copy of the config with unset fields defaulted
func (c CaptureConfig) WithDefaults() CaptureConfig {
	if c.LoginURL == "" {
		c.LoginURL = DefaultLoginURL
	}
	if c.ProjectsURL == "" {
		c.ProjectsURL = DefaultProjectsURL
	}
	if c.LogoutURL == "" {
		c.LogoutURL = DefaultLogoutURL
	}
	if c.TimeoutMS == 0 {
		c.TimeoutMS = 10000
	}
	if c.DelayMS == 0 {
		c.DelayMS = 1000
	}
	if c.ViewportWidth == 0 {
		c.ViewportWidth = 1920
	}
	if c.ViewportHeight == 0 {
		c.ViewportHeight = 1000
	}
	if c.DiagnosticsDir == "" {
		c.DiagnosticsDir = "."
	}
	return c
}

// Timeout returns the chart loading timeout
func (c CaptureConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

// Delay returns the settle delay. A negative DelayMS disables settling.
func (c CaptureConfig) Delay() time.Duration {
	if c.DelayMS < 0 {
		return 0
	}
	return time.Duration(c.DelayMS) * time.Millisecond
}

// Report represents a recurring dashboard capture
type Report struct {
	ID           int64       `json:"id"`
	Name         string      `json:"name"`
	DashboardURL string      `json:"dashboard_url"`
	FilterValues StringSlice `json:"filter_values,omitempty"`
	CronExpr     string      `json:"cron_expr"`
	Timezone     string      `json:"timezone"`
	Recipients   Recipients  `json:"recipients"`
	EmailSubject string      `json:"email_subject"`
	EmailBody    string      `json:"email_body"`
	Enabled      bool        `json:"enabled"`
	LastRunAt    *time.Time  `json:"last_run_at,omitempty"`
	NextRunAt    *time.Time  `json:"next_run_at,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

// Recipients holds email recipient information
type Recipients struct {
	To  []string `json:"to"`
	CC  []string `json:"cc,omitempty"`
	BCC []string `json:"bcc,omitempty"`
}

// Empty reports whether no recipient is set
func (r Recipients) Empty() bool {
	return len(r.To)+len(r.CC)+len(r.BCC) == 0
}

// Run status values
const (
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
)

// Run represents one report execution
type Run struct {
	ID             int64       `json:"id"`
	ReportID       int64       `json:"report_id"`
	StartedAt      time.Time   `json:"started_at"`
	FinishedAt     *time.Time  `json:"finished_at,omitempty"`
	Status         string      `json:"status"`
	ErrorText      string      `json:"error_text,omitempty"`
	RenderedPages  int         `json:"rendered_pages"`
	SkippedFilters StringSlice `json:"skipped_filters,omitempty"`
	Bytes          int64       `json:"bytes"`
	Checksum       string      `json:"checksum,omitempty"`
	ArtifactData   []byte      `json:"-"`
	EmailSent      bool        `json:"email_sent"`
	EmailError     string      `json:"email_error,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
}

// SMTPConfig holds SMTP configuration
type SMTPConfig struct {
	Host          string `json:"host" yaml:"host"`
	Port          int    `json:"port" yaml:"port"`
	Username      string `json:"username" yaml:"username"`
	Password      string `json:"password" yaml:"password"`
	From          string `json:"from" yaml:"from"`
	UseTLS        bool   `json:"use_tls" yaml:"use_tls"`
	SkipTLSVerify bool   `json:"skip_tls_verify" yaml:"skip_tls_verify"`
}

// Limits holds usage limits
type Limits struct {
	MaxRecipients  int      `json:"max_recipients" yaml:"max_recipients"`
	AllowedDomains []string `json:"allowed_domains,omitempty" yaml:"allowed_domains"` // If empty, all domains are allowed
}

// StringSlice stores a string list as JSON in SQLite
type StringSlice []string

// Scan implements sql.Scanner for StringSlice
func (s *StringSlice) Scan(value interface{}) error {
	if value == nil {
		*s = StringSlice{}
		return nil
	}
	var bytes []byte
	switch v := value.(type) {
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		return nil
	}
	return json.Unmarshal(bytes, s)
}

// Value implements driver.Valuer for StringSlice
func (s StringSlice) Value() (driver.Value, error) {
	if len(s) == 0 {
		return nil, nil
	}
	b, err := json.Marshal([]string(s))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner for Recipients
func (r *Recipients) Scan(value interface{}) error {
	if value == nil {
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, r)
	case string:
		return json.Unmarshal([]byte(v), r)
	}
	return nil
}

// Value implements driver.Valuer for Recipients
func (r Recipients) Value() (driver.Value, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}
