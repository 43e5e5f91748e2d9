package render

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/yourusername/chartio-reports/pkg/model"
)

// ErrWaitTimeout is returned by WaitAbsent when the element is still present after the timeout
var ErrWaitTimeout = errors.New("timed out waiting for element to disappear")

// By is a selector strategy
type By int

const (
	ByCSS By = iota
	ByName
	ByID
	ByTag
	ByClass
)

// Selector locates elements on the current page
type Selector struct {
	By    By
	Value string
}

// Name, ID, CSS, Tag and Class build selectors
func Name(v string) Selector  { return Selector{By: ByName, Value: v} }
func ID(v string) Selector    { return Selector{By: ByID, Value: v} }
func CSS(v string) Selector   { return Selector{By: ByCSS, Value: v} }
func Tag(v string) Selector   { return Selector{By: ByTag, Value: v} }
func Class(v string) Selector { return Selector{By: ByClass, Value: v} }

// CSS returns the selector as a CSS query
func (s Selector) CSS() string {
	switch s.By {
	case ByName:
		return "[name=" + strconv.Quote(s.Value) + "]"
	case ByID:
		return "#" + s.Value
	case ByClass:
		return "." + s.Value
	default:
		return s.Value
	}
}

func (s Selector) String() string {
	return s.CSS()
}

// Backend is a controllable browser session.
// Element operations act on the first element matching the selector.
type Backend interface {
	Navigate(ctx context.Context, url string) error
	CurrentURL(ctx context.Context) (string, error)
	PageSource(ctx context.Context) (string, error)

	// Count returns how many elements currently match, without waiting
	Count(ctx context.Context, sel Selector) (int, error)
	SendKeys(ctx context.Context, sel Selector, text string) error
	// Submit submits the form owning the element
	Submit(ctx context.Context, sel Selector) error
	Click(ctx context.Context, sel Selector) error
	// Clear empties an input regardless of its current content
	Clear(ctx context.Context, sel Selector) error
	// PressConfirm sends the backend's confirm key (Enter/Return) to the element
	PressConfirm(ctx context.Context, sel Selector) error
	// WaitAbsent blocks until no element matches; ErrWaitTimeout after timeout
	WaitAbsent(ctx context.Context, sel Selector, timeout time.Duration) error
	// Texts returns the text content of every matching element
	Texts(ctx context.Context, sel Selector) ([]string, error)
	// Screenshot captures the current viewport as PNG
	Screenshot(ctx context.Context) ([]byte, error)

	// Close releases the browser
	Close() error

	// Name returns the name of the backend
	Name() string
}

// Backend names
const (
	BackendChromium   = "chromium"
	BackendPlaywright = "playwright"
	BackendWebDriver  = "webdriver"
	BackendChromedp   = "chromedp"
)

// BackendName resolves the configured backend. Interactive sessions default to playwright.
func BackendName(config model.CaptureConfig) string {
	if config.Backend != "" {
		return config.Backend
	}
	if config.Interactive {
		return BackendPlaywright
	}
	return BackendChromium
}

// NewBackend launches the browser backend selected by config
func NewBackend(ctx context.Context, config model.CaptureConfig) (Backend, error) {
	config = config.WithDefaults()

	switch name := BackendName(config); name {
	case BackendChromium:
		return NewChromiumBackend(ctx, config)
	case BackendPlaywright:
		return NewPlaywrightBackend(config)
	case BackendWebDriver:
		return NewWebDriverBackend(config)
	case BackendChromedp:
		return NewChromedpBackend(ctx, config)
	default:
		return nil, fmt.Errorf("unknown backend '%s' (expected %s, %s, %s or %s)",
			name, BackendChromium, BackendPlaywright, BackendWebDriver, BackendChromedp)
	}
}

// generateInstanceID creates a unique identifier for a backend instance
func generateInstanceID() string {
	b := make([]byte, 8)
	rand.Read(b)
	return hex.EncodeToString(b)
}

// pollUntilAbsent polls count until it reports zero
func pollUntilAbsent(ctx context.Context, timeout, interval time.Duration, count func() (int, error)) error {
	deadline := time.Now().Add(timeout)
	for {
		n, err := count()
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		if time.Now().After(deadline) {
			return ErrWaitTimeout
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}
