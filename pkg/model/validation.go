package model

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/gorhill/cronexpr"
)

var loadLocation = time.LoadLocation

// ParseFilterValues splits a comma-separated filter list as given on the command line.
// Values are trimmed and blank entries dropped, so "" yields no filters.
func ParseFilterValues(raw string) []string {
	return NormalizeFilterValues(strings.Split(raw, ","))
}

// NormalizeFilterValues trims each value and drops blanks, keeping order
func NormalizeFilterValues(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}

// FailedFilterFileName is the diagnostic screenshot name for a filter value that did not apply.
// Spaces become underscores; path separators are replaced too so the file stays in the diagnostics dir.
func FailedFilterFileName(filterValue string) string {
	r := strings.NewReplacer(" ", "_", "/", "_", "\\", "_")
	return fmt.Sprintf("failed_%s.pdf", r.Replace(filterValue))
}

// ValidateDashboardURL checks that a dashboard URL is an absolute http(s) URL
func ValidateDashboardURL(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return fmt.Errorf("dashboard URL cannot be empty")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid dashboard URL '%s': %v", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("dashboard URL must use http or https (got '%s')", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("dashboard URL '%s' has no host", raw)
	}
	return nil
}

// ValidateReport validates a report before it is stored
func ValidateReport(report *Report, limits Limits) error {
	if strings.TrimSpace(report.Name) == "" {
		return fmt.Errorf("report name cannot be empty")
	}
	if err := ValidateDashboardURL(report.DashboardURL); err != nil {
		return err
	}
	if err := ValidateCronExpression(report.CronExpr); err != nil {
		return err
	}
	if report.Timezone != "" {
		if _, err := loadLocation(report.Timezone); err != nil {
			return fmt.Errorf("invalid timezone '%s': %v", report.Timezone, err)
		}
	}
	if limits.MaxRecipients > 0 {
		n := len(report.Recipients.To) + len(report.Recipients.CC) + len(report.Recipients.BCC)
		if n > limits.MaxRecipients {
			return fmt.Errorf("too many recipients: %d (max %d)", n, limits.MaxRecipients)
		}
	}
	return ValidateRecipientDomains(report.Recipients, limits.AllowedDomains)
}

// ValidateRecipientDomains checks every recipient address against the allowed domain list.
// An empty list allows everything.
func ValidateRecipientDomains(recipients Recipients, allowedDomains []string) error {
	if len(allowedDomains) == 0 {
		return nil
	}

	all := make([]string, 0, len(recipients.To)+len(recipients.CC)+len(recipients.BCC))
	all = append(all, recipients.To...)
	all = append(all, recipients.CC...)
	all = append(all, recipients.BCC...)

	for _, email := range all {
		email = strings.TrimSpace(email)
		if email == "" {
			continue
		}

		domain := extractDomain(email)
		if domain == "" {
			return fmt.Errorf("invalid email address format: %s", email)
		}
		if !isDomainAllowed(domain, allowedDomains) {
			return fmt.Errorf("email domain '%s' is not allowed (email: %s). Allowed domains: %v", domain, email, allowedDomains)
		}
	}

	return nil
}

func extractDomain(email string) string {
	parts := strings.Split(email, "@")
	if len(parts) != 2 || parts[0] == "" {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(parts[1]))
}

// isDomainAllowed supports exact matches and "*.example.com" wildcards (which also match example.com)
func isDomainAllowed(domain string, allowedDomains []string) bool {
	domain = strings.ToLower(domain)

	for _, allowed := range allowedDomains {
		allowed = strings.ToLower(strings.TrimSpace(allowed))
		if domain == allowed {
			return true
		}
		if base, ok := strings.CutPrefix(allowed, "*."); ok {
			if domain == base || strings.HasSuffix(domain, "."+base) {
				return true
			}
		}
	}

	return false
}

// ValidateCronExpression validates a cron expression format
func ValidateCronExpression(cronExpr string) error {
	if cronExpr == "" {
		return fmt.Errorf("cron expression cannot be empty")
	}

	if _, err := cronexpr.Parse(cronExpr); err != nil {
		return fmt.Errorf("invalid cron expression '%s': %v", cronExpr, err)
	}

	return nil
}
