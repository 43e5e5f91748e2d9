package render

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/grafana/grafana-plugin-sdk-go/backend/log"
	"github.com/tebeka/selenium"
	"github.com/tebeka/selenium/chrome"
	"github.com/yourusername/chartio-reports/pkg/model"
)

const defaultChromeDriverPath = "/usr/bin/chromedriver"

// WebDriverBackend drives a browser over the WebDriver protocol, either through a
// local chromedriver service or a remote Selenium hub.
type WebDriverBackend struct {
	config     model.CaptureConfig
	service    *selenium.Service
	wd         selenium.WebDriver
	confirmKey string
	instanceID string
	logger     log.Logger
}

// NewWebDriverBackend starts chromedriver (unless WebDriverURL is set) and opens a session
func NewWebDriverBackend(config model.CaptureConfig) (*WebDriverBackend, error) {
	instanceID := generateInstanceID()
	b := &WebDriverBackend{
		config:     config,
		instanceID: instanceID,
		logger:     log.DefaultLogger.With("backend", BackendWebDriver, "instance", instanceID),
		confirmKey: selenium.EnterKey,
	}
	if config.Interactive {
		b.confirmKey = selenium.ReturnKey
	}

	hubURL := config.WebDriverURL
	if hubURL == "" {
		driverPath := config.WebDriverPath
		if driverPath == "" {
			driverPath = defaultChromeDriverPath
		}
		port, err := freePort()
		if err != nil {
			return nil, fmt.Errorf("failed to pick chromedriver port: %w", err)
		}
		b.service, err = selenium.NewChromeDriverService(driverPath, port)
		if err != nil {
			return nil, fmt.Errorf("failed to start chromedriver at '%s': %w", driverPath, err)
		}
		hubURL = fmt.Sprintf("http://localhost:%d/wd/hub", port)
		b.logger.Debug("Started chromedriver", "path", driverPath, "port", port)
	}

	args := []string{"--no-sandbox", "--disable-dev-shm-usage", "--disable-gpu"}
	if !config.Interactive {
		args = append(args, "--headless", fmt.Sprintf("--window-size=%d,%d", config.ViewportWidth, config.ViewportHeight))
	}
	if config.SkipTLSVerify {
		args = append(args, "--ignore-certificate-errors")
	}

	caps := selenium.Capabilities{"browserName": "chrome"}
	caps.AddChrome(chrome.Capabilities{
		Path: config.BrowserPath,
		Args: args,
	})

	wd, err := selenium.NewRemote(caps, hubURL)
	if err != nil {
		b.Close()
		return nil, fmt.Errorf("failed to start WebDriver session: %w", err)
	}
	b.wd = wd

	b.logger.Info("WebDriver session started", "hub", hubURL, "headless", !config.Interactive)
	return b, nil
}

func freePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

func byAndValue(sel Selector) (string, string) {
	switch sel.By {
	case ByName:
		return selenium.ByName, sel.Value
	case ByID:
		return selenium.ByID, sel.Value
	case ByTag:
		return selenium.ByTagName, sel.Value
	case ByClass:
		return selenium.ByClassName, sel.Value
	default:
		return selenium.ByCSSSelector, sel.Value
	}
}

func (b *WebDriverBackend) element(sel Selector) (selenium.WebElement, error) {
	by, value := byAndValue(sel)
	el, err := b.wd.FindElement(by, value)
	if err != nil {
		return nil, fmt.Errorf("element %s: %w", sel, err)
	}
	return el, nil
}

func (b *WebDriverBackend) Navigate(ctx context.Context, url string) error {
	return b.wd.Get(url)
}

func (b *WebDriverBackend) CurrentURL(ctx context.Context) (string, error) {
	return b.wd.CurrentURL()
}

func (b *WebDriverBackend) PageSource(ctx context.Context) (string, error) {
	return b.wd.PageSource()
}

func (b *WebDriverBackend) Count(ctx context.Context, sel Selector) (int, error) {
	by, value := byAndValue(sel)
	els, err := b.wd.FindElements(by, value)
	if err != nil {
		return 0, err
	}
	return len(els), nil
}

func (b *WebDriverBackend) SendKeys(ctx context.Context, sel Selector, text string) error {
	el, err := b.element(sel)
	if err != nil {
		return err
	}
	return el.SendKeys(text)
}

func (b *WebDriverBackend) Submit(ctx context.Context, sel Selector) error {
	el, err := b.element(sel)
	if err != nil {
		return err
	}
	return el.Submit()
}

func (b *WebDriverBackend) Click(ctx context.Context, sel Selector) error {
	el, err := b.element(sel)
	if err != nil {
		return err
	}
	return el.Click()
}

func (b *WebDriverBackend) Clear(ctx context.Context, sel Selector) error {
	el, err := b.element(sel)
	if err != nil {
		return err
	}
	return el.Clear()
}

func (b *WebDriverBackend) PressConfirm(ctx context.Context, sel Selector) error {
	el, err := b.element(sel)
	if err != nil {
		return err
	}
	return el.SendKeys(b.confirmKey)
}

func (b *WebDriverBackend) WaitAbsent(ctx context.Context, sel Selector, timeout time.Duration) error {
	var condErr error
	err := b.wd.WaitWithTimeoutAndInterval(func(wd selenium.WebDriver) (bool, error) {
		if err := ctx.Err(); err != nil {
			condErr = err
			return false, err
		}
		n, err := b.Count(ctx, sel)
		if err != nil {
			condErr = err
			return false, err
		}
		return n == 0, nil
	}, timeout, 250*time.Millisecond)

	switch {
	case err == nil:
		return nil
	case condErr != nil:
		return condErr
	default:
		return errors.Join(ErrWaitTimeout, err)
	}
}

func (b *WebDriverBackend) Texts(ctx context.Context, sel Selector) ([]string, error) {
	by, value := byAndValue(sel)
	els, err := b.wd.FindElements(by, value)
	if err != nil {
		return nil, err
	}
	texts := make([]string, 0, len(els))
	for _, el := range els {
		text, err := el.Text()
		if err != nil {
			return nil, err
		}
		texts = append(texts, text)
	}
	return texts, nil
}

func (b *WebDriverBackend) Screenshot(ctx context.Context) ([]byte, error) {
	return b.wd.Screenshot()
}

// Close ends the WebDriver session and stops chromedriver if it was started here
func (b *WebDriverBackend) Close() error {
	var err error
	if b.wd != nil {
		b.logger.Info("Closing WebDriver session")
		err = b.wd.Quit()
		b.wd = nil
	}
	if b.service != nil {
		if stopErr := b.service.Stop(); stopErr != nil && err == nil {
			err = stopErr
		}
		b.service = nil
	}
	return err
}

func (b *WebDriverBackend) Name() string {
	return BackendWebDriver
}
