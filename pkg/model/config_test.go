package model

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chartio.yaml")
	data := `
credentials:
  email: reports@example.com
  password: secret
capture:
  backend: webdriver
  webdriver_url: http://selenium:4444/wd/hub
  timeout_ms: 20000
smtp:
  host: smtp.example.com
  from: reports@example.com
limits:
  allowed_domains: ["example.com"]
database_path: /var/lib/chartio/reports.db
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "reports@example.com", cfg.Credentials.Email)
	assert.Equal(t, "secret", cfg.Credentials.Password)
	assert.Equal(t, "webdriver", cfg.Capture.Backend)
	assert.Equal(t, "http://selenium:4444/wd/hub", cfg.Capture.WebDriverURL)
	assert.Equal(t, 20000, cfg.Capture.TimeoutMS)
	assert.Equal(t, 1000, cfg.Capture.DelayMS)
	assert.Equal(t, DefaultLoginURL, cfg.Capture.LoginURL)
	assert.Equal(t, 587, cfg.SMTP.Port)
	assert.Equal(t, []string{"example.com"}, cfg.Limits.AllowedDomains)
	assert.Equal(t, "/var/lib/chartio/reports.db", cfg.DatabasePath)
	assert.Equal(t, ":8080", cfg.ListenAddr)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "failed to read config")
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"CHARTIO_EMAIL":       "env@example.com",
		"CHARTIO_PASSWORD":    "from-env",
		"CHARTIO_INTERACTIVE": "true",
		"CHARTIO_DELAY_MS":    "250",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg := &Config{Credentials: Credentials{Email: "file@example.com"}}
	require.NoError(t, cfg.applyEnv(lookup))

	assert.Equal(t, "env@example.com", cfg.Credentials.Email)
	assert.Equal(t, "from-env", cfg.Credentials.Password)
	assert.True(t, cfg.Capture.Interactive)
	assert.Equal(t, 250, cfg.Capture.DelayMS)
}

func TestApplyEnvInvalidNumber(t *testing.T) {
	lookup := func(k string) (string, bool) {
		if k == "CHARTIO_TIMEOUT_MS" {
			return "ten", true
		}
		return "", false
	}

	cfg := &Config{}
	assert.ErrorContains(t, cfg.applyEnv(lookup), "CHARTIO_TIMEOUT_MS")
}

func TestCaptureConfigDefaults(t *testing.T) {
	c := CaptureConfig{DelayMS: -1}.WithDefaults()

	assert.Equal(t, 1920, c.ViewportWidth)
	assert.Equal(t, 1000, c.ViewportHeight)
	assert.Equal(t, DefaultProjectsURL, c.ProjectsURL)
	assert.Equal(t, DefaultLogoutURL, c.LogoutURL)
	assert.Equal(t, ".", c.DiagnosticsDir)
	assert.Zero(t, c.Delay())
	assert.Equal(t, int64(10000), c.Timeout().Milliseconds())
}
