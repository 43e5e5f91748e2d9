package render

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/grafana/grafana-plugin-sdk-go/backend/log"
	"github.com/playwright-community/playwright-go"
	"github.com/yourusername/chartio-reports/pkg/model"
)

// PlaywrightBackend drives Chromium through Playwright. It is the default for interactive runs.
type PlaywrightBackend struct {
	config     model.CaptureConfig
	pw         *playwright.Playwright
	browser    playwright.Browser
	context    playwright.BrowserContext
	page       playwright.Page
	instanceID string
	logger     log.Logger
}

// NewPlaywrightBackend starts Playwright, launches Chromium and opens a page
func NewPlaywrightBackend(config model.CaptureConfig) (*PlaywrightBackend, error) {
	instanceID := generateInstanceID()
	b := &PlaywrightBackend{
		config:     config,
		instanceID: instanceID,
		logger:     log.DefaultLogger.With("backend", BackendPlaywright, "instance", instanceID),
	}

	if os.Getenv("PLAYWRIGHT_BROWSERS_PATH") == "" {
		cache := "/tmp/.playwright-cache"
		os.Setenv("PLAYWRIGHT_BROWSERS_PATH", cache)
		if err := os.MkdirAll(cache, 0755); err != nil {
			b.logger.Warn("Failed to create Playwright cache directory", "path", cache, "error", err)
		}
	}

	pw, err := playwright.Run()
	if err != nil {
		return nil, fmt.Errorf("failed to start Playwright: %w (install the driver with 'go run github.com/playwright-community/playwright-go/cmd/playwright install chromium')", err)
	}
	b.pw = pw

	launchOptions := playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(!config.Interactive),
		Args: []string{
			"--no-sandbox",
			"--disable-dev-shm-usage",
			"--no-first-run",
			"--no-default-browser-check",
		},
	}
	browserPath := config.BrowserPath
	if browserPath == "" {
		browserPath = findChromeBinary()
	}
	if browserPath != "" {
		launchOptions.ExecutablePath = playwright.String(browserPath)
		b.logger.Debug("Using system Chromium", "path", browserPath)
	}

	browser, err := pw.Chromium.Launch(launchOptions)
	if err != nil {
		b.Close()
		return nil, fmt.Errorf("failed to launch Chromium: %w", err)
	}
	b.browser = browser

	contextOptions := playwright.BrowserNewContextOptions{
		IgnoreHttpsErrors: playwright.Bool(config.SkipTLSVerify),
	}
	if config.Interactive {
		contextOptions.NoViewport = playwright.Bool(true)
	} else {
		contextOptions.Viewport = &playwright.Size{
			Width:  config.ViewportWidth,
			Height: config.ViewportHeight,
		}
	}

	b.context, err = browser.NewContext(contextOptions)
	if err != nil {
		b.Close()
		return nil, fmt.Errorf("failed to create browser context: %w", err)
	}

	b.page, err = b.context.NewPage()
	if err != nil {
		b.Close()
		return nil, fmt.Errorf("failed to create page: %w", err)
	}
	b.page.SetDefaultTimeout(float64(config.TimeoutMS))

	b.logger.Info("Playwright browser started", "headless", !config.Interactive)
	return b, nil
}

func (b *PlaywrightBackend) locator(sel Selector) playwright.Locator {
	return b.page.Locator(sel.CSS()).First()
}

func (b *PlaywrightBackend) Navigate(ctx context.Context, url string) error {
	_, err := b.page.Goto(url, playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateLoad,
	})
	return err
}

func (b *PlaywrightBackend) CurrentURL(ctx context.Context) (string, error) {
	return b.page.URL(), nil
}

func (b *PlaywrightBackend) PageSource(ctx context.Context) (string, error) {
	return b.page.Content()
}

func (b *PlaywrightBackend) Count(ctx context.Context, sel Selector) (int, error) {
	return b.page.Locator(sel.CSS()).Count()
}

func (b *PlaywrightBackend) SendKeys(ctx context.Context, sel Selector, text string) error {
	return b.locator(sel).PressSequentially(text)
}

func (b *PlaywrightBackend) Submit(ctx context.Context, sel Selector) error {
	if _, err := b.locator(sel).Evaluate(`el => {
		if (!el.form) throw new Error('element is not inside a form');
		el.form.requestSubmit ? el.form.requestSubmit() : el.form.submit();
	}`, nil); err != nil {
		return err
	}
	return b.page.WaitForLoadState(playwright.PageWaitForLoadStateOptions{
		State: playwright.LoadStateLoad,
	})
}

func (b *PlaywrightBackend) Click(ctx context.Context, sel Selector) error {
	return b.locator(sel).Click()
}

func (b *PlaywrightBackend) Clear(ctx context.Context, sel Selector) error {
	return b.locator(sel).Fill("")
}

func (b *PlaywrightBackend) PressConfirm(ctx context.Context, sel Selector) error {
	return b.locator(sel).Press("Enter")
}

func (b *PlaywrightBackend) WaitAbsent(ctx context.Context, sel Selector, timeout time.Duration) error {
	loc := b.page.Locator(sel.CSS())
	return pollUntilAbsent(ctx, timeout, 250*time.Millisecond, loc.Count)
}

func (b *PlaywrightBackend) Texts(ctx context.Context, sel Selector) ([]string, error) {
	return b.page.Locator(sel.CSS()).AllTextContents()
}

func (b *PlaywrightBackend) Screenshot(ctx context.Context) ([]byte, error) {
	return b.page.Screenshot(playwright.PageScreenshotOptions{
		Type: playwright.ScreenshotTypePng,
	})
}

// Close closes the browser and stops the Playwright driver
func (b *PlaywrightBackend) Close() error {
	if b.browser != nil {
		b.logger.Info("Closing Playwright browser")
		if err := b.browser.Close(); err != nil {
			return err
		}
		b.browser = nil
	}
	if b.pw != nil {
		if err := b.pw.Stop(); err != nil {
			return err
		}
		b.pw = nil
	}
	return nil
}

func (b *PlaywrightBackend) Name() string {
	return BackendPlaywright
}
