package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"strings"
	"testing"
	"time"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/stretchr/testify/require"
	"github.com/yourusername/chartio-reports/pkg/model"
	"github.com/yourusername/chartio-reports/pkg/render"
)

const (
	testLoginURL    = "https://charts.test/login"
	testProjectsURL = "https://charts.test/project/"
	testLogoutURL   = "https://charts.test/logout/"
	testDashboard   = "https://charts.test/project/1/dashboard/2/"
)

// fakeBackend scripts the Chart.io pages a session walks through
type fakeBackend struct {
	url     string
	input   string
	applied string

	afterSubmit  string // URL reached after submitting the login form
	afterConfirm string // URL reached after confirming the logout of the other session
	loginSource  string

	// titles per applied filter value; "" is the unfiltered dashboard
	titles       map[string][]string
	loadingStuck bool
	noInput      bool

	failOn map[string]error

	calls    []string
	captured []string // filter value visible at each screenshot
	closed   int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		afterSubmit:  testProjectsURL,
		afterConfirm: testProjectsURL,
		titles: map[string][]string{
			"":      {"Revenue", "Orders"},
			"East":  {"Revenue (East)", "Orders"},
			"West":  {"Revenue", "Orders West"},
			"North": {"North region"},
		},
		failOn: map[string]error{},
	}
}

func testConfig(dir string) model.CaptureConfig {
	return model.CaptureConfig{
		LoginURL:       testLoginURL,
		ProjectsURL:    testProjectsURL,
		LogoutURL:      testLogoutURL,
		TimeoutMS:      50,
		DelayMS:        -1,
		DiagnosticsDir: dir,
	}
}

func (f *fakeBackend) record(op string, sel ...render.Selector) error {
	if len(sel) > 0 {
		op = op + " " + sel[0].CSS()
	}
	f.calls = append(f.calls, op)
	for prefix, err := range f.failOn {
		if strings.HasPrefix(op, prefix) {
			return err
		}
	}
	return nil
}

func (f *fakeBackend) Navigate(_ context.Context, url string) error {
	if err := f.record("navigate " + url); err != nil {
		return err
	}
	f.url = url
	return nil
}

func (f *fakeBackend) CurrentURL(context.Context) (string, error) {
	return f.url, f.record("url")
}

func (f *fakeBackend) PageSource(context.Context) (string, error) {
	return f.loginSource, f.record("source")
}

func (f *fakeBackend) Count(_ context.Context, sel render.Selector) (int, error) {
	if err := f.record("count", sel); err != nil {
		return 0, err
	}
	if sel == filterInput && !f.noInput {
		return 1, nil
	}
	return 0, nil
}

func (f *fakeBackend) SendKeys(_ context.Context, sel render.Selector, text string) error {
	if err := f.record("keys", sel); err != nil {
		return err
	}
	if sel == filterInput {
		f.input += text
	}
	return nil
}

func (f *fakeBackend) Submit(_ context.Context, sel render.Selector) error {
	if err := f.record("submit", sel); err != nil {
		return err
	}
	f.url = f.afterSubmit
	return nil
}

func (f *fakeBackend) Click(_ context.Context, sel render.Selector) error {
	if err := f.record("click", sel); err != nil {
		return err
	}
	if sel == logoutOtherButton {
		f.url = f.afterConfirm
	}
	return nil
}

func (f *fakeBackend) Clear(_ context.Context, sel render.Selector) error {
	if err := f.record("clear", sel); err != nil {
		return err
	}
	f.input = ""
	return nil
}

func (f *fakeBackend) PressConfirm(_ context.Context, sel render.Selector) error {
	if err := f.record("confirm", sel); err != nil {
		return err
	}
	f.applied = f.input
	return nil
}

func (f *fakeBackend) WaitAbsent(_ context.Context, sel render.Selector, _ time.Duration) error {
	if err := f.record("wait", sel); err != nil {
		return err
	}
	if f.loadingStuck {
		return render.ErrWaitTimeout
	}
	return nil
}

func (f *fakeBackend) Texts(_ context.Context, sel render.Selector) ([]string, error) {
	if err := f.record("texts", sel); err != nil {
		return nil, err
	}
	return f.titles[f.applied], nil
}

func (f *fakeBackend) Screenshot(context.Context) ([]byte, error) {
	if err := f.record("screenshot"); err != nil {
		return nil, err
	}
	f.captured = append(f.captured, f.applied)

	img := image.NewRGBA(image.Rect(0, 0, 40+len(f.captured), 30))
	for x := 0; x < img.Bounds().Dx(); x++ {
		img.Set(x, 0, color.RGBA{R: 200, A: 255})
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	return buf.Bytes(), nil
}

func (f *fakeBackend) Close() error {
	f.closed++
	return f.record("close")
}

func (f *fakeBackend) Name() string { return "fake" }

func (f *fakeBackend) called(op string) bool {
	for _, c := range f.calls {
		if c == op {
			return true
		}
	}
	return false
}

var errBrowserGone = errors.New("no such window")

// pageWidths reads each page width from serialized PDF bytes. Fake
// screenshots are 40+n pixels wide for the nth shot, so widths give page order.
func pageWidths(t *testing.T, data []byte) []float64 {
	t.Helper()
	api.DisableConfigDir()
	dims, err := api.PageDims(bytes.NewReader(data), nil)
	require.NoError(t, err)

	widths := make([]float64, 0, len(dims))
	for _, d := range dims {
		widths = append(widths, d.Width)
	}
	return widths
}

func pageCount(t *testing.T, data []byte) int {
	t.Helper()
	return len(pageWidths(t, data))
}
