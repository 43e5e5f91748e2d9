package render

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"
	"github.com/grafana/grafana-plugin-sdk-go/backend/log"
	"github.com/yourusername/chartio-reports/pkg/model"
)

// ChromedpBackend drives Chrome over the DevTools protocol with chromedp.
// With RemoteURL set it attaches to an already running browser instead of launching one.
type ChromedpBackend struct {
	config      model.CaptureConfig
	allocCancel context.CancelFunc
	tabCtx      context.Context
	tabCancel   context.CancelFunc
	instanceID  string
	logger      log.Logger
}

// NewChromedpBackend allocates a browser and opens a tab
func NewChromedpBackend(ctx context.Context, config model.CaptureConfig) (*ChromedpBackend, error) {
	instanceID := generateInstanceID()
	b := &ChromedpBackend{
		config:     config,
		instanceID: instanceID,
		logger:     log.DefaultLogger.With("backend", BackendChromedp, "instance", instanceID),
	}

	// The browser outlives the constructor's context; Close cancels it
	base := context.WithoutCancel(ctx)

	var allocCtx context.Context
	if config.RemoteURL != "" {
		allocCtx, b.allocCancel = chromedp.NewRemoteAllocator(base, config.RemoteURL)
		b.logger.Debug("Attaching to remote browser", "url", config.RemoteURL)
	} else {
		opts := append(chromedp.DefaultExecAllocatorOptions[:],
			chromedp.Flag("headless", !config.Interactive),
			chromedp.Flag("disable-dev-shm-usage", true),
			chromedp.NoSandbox,
			chromedp.WindowSize(config.ViewportWidth, config.ViewportHeight),
		)
		if path := config.BrowserPath; path != "" {
			opts = append(opts, chromedp.ExecPath(path))
		} else if path := findChromeBinary(); path != "" {
			opts = append(opts, chromedp.ExecPath(path))
		}
		if config.SkipTLSVerify {
			opts = append(opts, chromedp.IgnoreCertErrors)
		}
		allocCtx, b.allocCancel = chromedp.NewExecAllocator(base, opts...)
	}

	b.tabCtx, b.tabCancel = chromedp.NewContext(allocCtx)

	startup := []chromedp.Action{}
	if !config.Interactive {
		startup = append(startup, chromedp.EmulateViewport(int64(config.ViewportWidth), int64(config.ViewportHeight)))
	}
	// The first Run starts the browser
	if err := chromedp.Run(b.tabCtx, startup...); err != nil {
		b.Close()
		return nil, fmt.Errorf("failed to start chromedp browser: %w", err)
	}

	b.logger.Info("chromedp browser started", "remote", config.RemoteURL != "", "headless", !config.Interactive)
	return b, nil
}

// run executes actions on the tab, aborting early if ctx is cancelled
func (b *ChromedpBackend) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithCancel(b.tabCtx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	err := chromedp.Run(runCtx, actions...)
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// runTimeout is run bounded by the configured element timeout
func (b *ChromedpBackend) runTimeout(ctx context.Context, actions ...chromedp.Action) error {
	tctx, cancel := context.WithTimeout(ctx, b.config.Timeout())
	defer cancel()
	return b.run(tctx, actions...)
}

func (b *ChromedpBackend) Navigate(ctx context.Context, url string) error {
	return b.run(ctx, chromedp.Navigate(url))
}

func (b *ChromedpBackend) CurrentURL(ctx context.Context) (string, error) {
	var loc string
	err := b.run(ctx, chromedp.Location(&loc))
	return loc, err
}

func (b *ChromedpBackend) PageSource(ctx context.Context) (string, error) {
	var html string
	err := b.run(ctx, chromedp.OuterHTML("html", &html, chromedp.ByQuery))
	return html, err
}

func (b *ChromedpBackend) Count(ctx context.Context, sel Selector) (int, error) {
	var n int
	err := b.run(ctx, chromedp.Evaluate(fmt.Sprintf(`document.querySelectorAll(%s).length`, jsString(sel.CSS())), &n))
	return n, err
}

func (b *ChromedpBackend) SendKeys(ctx context.Context, sel Selector, text string) error {
	return b.runTimeout(ctx, chromedp.SendKeys(sel.CSS(), text, chromedp.ByQuery))
}

func (b *ChromedpBackend) Submit(ctx context.Context, sel Selector) error {
	return b.runTimeout(ctx,
		chromedp.Submit(sel.CSS(), chromedp.ByQuery),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
}

func (b *ChromedpBackend) Click(ctx context.Context, sel Selector) error {
	return b.runTimeout(ctx, chromedp.Click(sel.CSS(), chromedp.ByQuery))
}

func (b *ChromedpBackend) Clear(ctx context.Context, sel Selector) error {
	return b.runTimeout(ctx, chromedp.Clear(sel.CSS(), chromedp.ByQuery))
}

func (b *ChromedpBackend) PressConfirm(ctx context.Context, sel Selector) error {
	return b.runTimeout(ctx, chromedp.SendKeys(sel.CSS(), kb.Enter, chromedp.ByQuery))
}

func (b *ChromedpBackend) WaitAbsent(ctx context.Context, sel Selector, timeout time.Duration) error {
	wctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := b.run(wctx, chromedp.WaitNotPresent(sel.CSS(), chromedp.ByQuery))
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return ErrWaitTimeout
	}
	return err
}

func (b *ChromedpBackend) Texts(ctx context.Context, sel Selector) ([]string, error) {
	var texts []string
	js := fmt.Sprintf(`Array.from(document.querySelectorAll(%s), e => e.textContent || '')`, jsString(sel.CSS()))
	if err := b.run(ctx, chromedp.Evaluate(js, &texts)); err != nil {
		return nil, err
	}
	return texts, nil
}

func (b *ChromedpBackend) Screenshot(ctx context.Context) ([]byte, error) {
	var buf []byte
	err := b.run(ctx, chromedp.CaptureScreenshot(&buf))
	return buf, err
}

// Close closes the tab and the browser (or detaches from a remote one)
func (b *ChromedpBackend) Close() error {
	var err error
	if b.tabCtx != nil {
		b.logger.Info("Closing chromedp browser")
		err = chromedp.Cancel(b.tabCtx)
		b.tabCancel()
		b.tabCtx = nil
	}
	if b.allocCancel != nil {
		b.allocCancel()
		b.allocCancel = nil
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (b *ChromedpBackend) Name() string {
	return BackendChromedp
}

func jsString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}
