package render

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
	"github.com/grafana/grafana-plugin-sdk-go/backend/log"
	"github.com/yourusername/chartio-reports/pkg/model"
)

// ChromiumBackend drives Chrome/Chromium through go-rod
type ChromiumBackend struct {
	config     model.CaptureConfig
	launcher   *launcher.Launcher
	browser    *rod.Browser
	page       *rod.Page
	instanceID string
	profileDir string
	logger     log.Logger
}

// findChromeBinary tries to locate a Chrome binary in common locations
func findChromeBinary() string {
	candidatePaths := []string{
		"/usr/bin/google-chrome",
		"/usr/bin/google-chrome-stable",
		"/usr/bin/chromium",
		"/usr/bin/chromium-browser",
		"/snap/bin/chromium",
		"/Applications/Google Chrome.app/Contents/MacOS/Google Chrome",
		"/Applications/Chromium.app/Contents/MacOS/Chromium",
	}

	for _, path := range candidatePaths {
		if info, err := os.Stat(path); err == nil && info.Mode()&0111 != 0 {
			return path
		}
	}
	return ""
}

// NewChromiumBackend launches Chromium and opens the page used for the session
func NewChromiumBackend(ctx context.Context, config model.CaptureConfig) (*ChromiumBackend, error) {
	instanceID := generateInstanceID()
	b := &ChromiumBackend{
		config:     config,
		instanceID: instanceID,
		profileDir: filepath.Join(os.TempDir(), ".chartio-profile-"+instanceID),
		logger:     log.DefaultLogger.With("backend", BackendChromium, "instance", instanceID),
	}

	if err := os.MkdirAll(b.profileDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create profile directory: %w", err)
	}

	l := launcher.New().Context(ctx)

	chromePath := config.BrowserPath
	if chromePath == "" {
		chromePath = findChromeBinary()
	}
	if chromePath != "" {
		l = l.Bin(chromePath)
		b.logger.Debug("Using Chrome binary", "path", chromePath)
	} else {
		b.logger.Warn("No Chrome binary found, go-rod will download one")
	}

	l = l.Set("no-sandbox").
		Set("disable-dev-shm-usage").
		Set("disable-gpu").
		Set("no-first-run").
		Set("no-default-browser-check").
		Set("user-data-dir", b.profileDir).
		Headless(!config.Interactive)

	if config.SkipTLSVerify {
		l = l.Set("ignore-certificate-errors")
		b.logger.Warn("TLS certificate verification disabled")
	}

	controlURL, err := l.Launch()
	if err != nil {
		os.RemoveAll(b.profileDir)
		if chromePath == "" {
			return nil, fmt.Errorf("failed to launch browser: %w (set capture.browser_path)", err)
		}
		return nil, fmt.Errorf("failed to launch browser at '%s': %w", chromePath, err)
	}
	b.launcher = l

	b.browser = rod.New().ControlURL(controlURL)
	if err := b.browser.Connect(); err != nil {
		b.cleanup()
		return nil, fmt.Errorf("failed to connect to browser: %w", err)
	}

	if config.Stealth {
		b.page, err = stealth.Page(b.browser)
	} else {
		b.page, err = b.browser.Page(proto.TargetCreateTarget{})
	}
	if err != nil {
		b.Close()
		return nil, fmt.Errorf("failed to create page: %w", err)
	}

	if !config.Interactive {
		if err := b.page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
			Width:             config.ViewportWidth,
			Height:            config.ViewportHeight,
			DeviceScaleFactor: 1,
		}); err != nil {
			b.Close()
			return nil, fmt.Errorf("failed to set viewport: %w", err)
		}
	}

	b.logger.Info("Chromium browser started", "headless", !config.Interactive, "stealth", config.Stealth)
	return b, nil
}

func (b *ChromiumBackend) pageCtx(ctx context.Context) *rod.Page {
	return b.page.Context(ctx)
}

// element waits up to the configured timeout for sel to appear
func (b *ChromiumBackend) element(ctx context.Context, sel Selector) (*rod.Element, error) {
	p := b.pageCtx(ctx).Timeout(b.config.Timeout())
	defer p.CancelTimeout()

	el, err := p.Element(sel.CSS())
	if err != nil {
		return nil, fmt.Errorf("element %s: %w", sel, err)
	}
	return el.Context(ctx), nil
}

func (b *ChromiumBackend) Navigate(ctx context.Context, url string) error {
	p := b.pageCtx(ctx)
	if err := p.Navigate(url); err != nil {
		return err
	}
	return p.WaitLoad()
}

func (b *ChromiumBackend) CurrentURL(ctx context.Context) (string, error) {
	info, err := b.pageCtx(ctx).Info()
	if err != nil {
		return "", err
	}
	return info.URL, nil
}

func (b *ChromiumBackend) PageSource(ctx context.Context) (string, error) {
	return b.pageCtx(ctx).HTML()
}

func (b *ChromiumBackend) Count(ctx context.Context, sel Selector) (int, error) {
	els, err := b.pageCtx(ctx).Elements(sel.CSS())
	if err != nil {
		return 0, err
	}
	return len(els), nil
}

func (b *ChromiumBackend) SendKeys(ctx context.Context, sel Selector, text string) error {
	el, err := b.element(ctx, sel)
	if err != nil {
		return err
	}
	return el.Input(text)
}

func (b *ChromiumBackend) Submit(ctx context.Context, sel Selector) error {
	el, err := b.element(ctx, sel)
	if err != nil {
		return err
	}
	if _, err := el.Eval(`() => {
		const form = this.form;
		if (!form) throw new Error('element is not inside a form');
		form.requestSubmit ? form.requestSubmit() : form.submit();
	}`); err != nil {
		return err
	}
	return b.pageCtx(ctx).WaitLoad()
}

func (b *ChromiumBackend) Click(ctx context.Context, sel Selector) error {
	el, err := b.element(ctx, sel)
	if err != nil {
		return err
	}
	return el.Click(proto.InputMouseButtonLeft, 1)
}

func (b *ChromiumBackend) Clear(ctx context.Context, sel Selector) error {
	el, err := b.element(ctx, sel)
	if err != nil {
		return err
	}
	if err := el.SelectAllText(); err != nil {
		return err
	}
	return el.Input("")
}

func (b *ChromiumBackend) PressConfirm(ctx context.Context, sel Selector) error {
	el, err := b.element(ctx, sel)
	if err != nil {
		return err
	}
	return el.Type(input.Enter)
}

func (b *ChromiumBackend) WaitAbsent(ctx context.Context, sel Selector, timeout time.Duration) error {
	p := b.pageCtx(ctx).Timeout(timeout)
	defer p.CancelTimeout()

	err := p.Wait(rod.Eval(`(s) => document.querySelector(s) === null`, sel.CSS()))
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return ErrWaitTimeout
	}
	return err
}

func (b *ChromiumBackend) Texts(ctx context.Context, sel Selector) ([]string, error) {
	res, err := b.pageCtx(ctx).Eval(`(s) => Array.from(document.querySelectorAll(s), e => e.textContent || '')`, sel.CSS())
	if err != nil {
		return nil, err
	}
	arr := res.Value.Arr()
	texts := make([]string, 0, len(arr))
	for _, v := range arr {
		texts = append(texts, v.Str())
	}
	return texts, nil
}

func (b *ChromiumBackend) Screenshot(ctx context.Context) ([]byte, error) {
	return b.pageCtx(ctx).Screenshot(false, &proto.PageCaptureScreenshot{
		Format: proto.PageCaptureScreenshotFormatPng,
	})
}

// Close closes the browser and removes its profile directory
func (b *ChromiumBackend) Close() error {
	var err error
	if b.browser != nil {
		b.logger.Info("Closing Chromium browser")
		err = b.browser.Close()
		b.browser = nil
	}
	b.cleanup()
	return err
}

func (b *ChromiumBackend) cleanup() {
	if b.launcher != nil {
		b.launcher.Kill()
		b.launcher = nil
	}
	if b.profileDir != "" {
		os.RemoveAll(b.profileDir)
	}
}

func (b *ChromiumBackend) Name() string {
	return BackendChromium
}
