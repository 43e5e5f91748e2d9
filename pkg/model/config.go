package model

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config is the application configuration read from YAML and CHARTIO_* environment variables
type Config struct {
	Credentials  Credentials   `yaml:"credentials"`
	Capture      CaptureConfig `yaml:"capture"`
	SMTP         *SMTPConfig   `yaml:"smtp"`
	Limits       Limits        `yaml:"limits"`
	DatabasePath string        `yaml:"database_path"`
	ListenAddr   string        `yaml:"listen_addr"`
}

// LoadConfig reads a YAML config file. An empty path yields defaults plus environment overrides.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	c.Capture = c.Capture.WithDefaults()
	if c.DatabasePath == "" {
		c.DatabasePath = "chartio-reports.db"
	}
	if c.ListenAddr == "" {
		c.ListenAddr = ":8080"
	}
	if c.SMTP != nil && c.SMTP.Port == 0 {
		c.SMTP.Port = 587
	}
}

// applyEnv overrides file values; credentials normally come from here
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := map[string]*string{
		"CHARTIO_EMAIL":           &c.Credentials.Email,
		"CHARTIO_PASSWORD":        &c.Credentials.Password,
		"CHARTIO_BACKEND":         &c.Capture.Backend,
		"CHARTIO_BROWSER_PATH":    &c.Capture.BrowserPath,
		"CHARTIO_WEBDRIVER_PATH":  &c.Capture.WebDriverPath,
		"CHARTIO_WEBDRIVER_URL":   &c.Capture.WebDriverURL,
		"CHARTIO_REMOTE_URL":      &c.Capture.RemoteURL,
		"CHARTIO_DIAGNOSTICS_DIR": &c.Capture.DiagnosticsDir,
		"CHARTIO_DATABASE_PATH":   &c.DatabasePath,
		"CHARTIO_LISTEN_ADDR":     &c.ListenAddr,
	}
	for key, dst := range str {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}

	ints := map[string]*int{
		"CHARTIO_TIMEOUT_MS": &c.Capture.TimeoutMS,
		"CHARTIO_DELAY_MS":   &c.Capture.DelayMS,
	}
	for key, dst := range ints {
		if v, ok := lookup(key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("invalid %s '%s': %w", key, v, err)
			}
			*dst = n
		}
	}

	if v, ok := lookup("CHARTIO_INTERACTIVE"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid CHARTIO_INTERACTIVE '%s': %w", v, err)
		}
		c.Capture.Interactive = b
	}
	return nil
}
