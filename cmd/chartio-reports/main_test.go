package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yourusername/chartio-reports/pkg/capture"
	"github.com/yourusername/chartio-reports/pkg/model"
)

type captureCall struct {
	config  model.CaptureConfig
	creds   model.Credentials
	url     string
	filters []string
}

func stubCapture(t *testing.T, result *capture.Capture, err error) *captureCall {
	t.Helper()
	call := &captureCall{}
	orig := capturePDF
	capturePDF = func(_ context.Context, config model.CaptureConfig, creds model.Credentials, url string, filters []string) (*capture.Capture, error) {
		*call = captureCall{config, creds, url, filters}
		return result, err
	}
	t.Cleanup(func() { capturePDF = orig })
	return call
}

func TestCaptureWritesPDF(t *testing.T) {
	call := stubCapture(t, &capture.Capture{PDF: []byte("%PDF-1.3"), Pages: 1, Applied: []string{"East"}, Skipped: []string{"Nowhere"}}, nil)
	out := filepath.Join(t.TempDir(), "report.pdf")

	var stdout bytes.Buffer
	err := run(context.Background(), []string{
		"-out", out, "-backend", "webdriver",
		"analyst@example.com", "secret", "https://chartio.com/project/1/dashboard/2/", "East, Nowhere",
	}, &stdout)
	require.NoError(t, err)

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "%PDF-1.3", string(data))
	assert.Contains(t, stdout.String(), "1 page(s)")
	assert.Contains(t, stdout.String(), "skipped: Nowhere")

	assert.Equal(t, "analyst@example.com", call.creds.Email)
	assert.Equal(t, "secret", call.creds.Password)
	assert.Equal(t, []string{"East", "Nowhere"}, call.filters)
	assert.Equal(t, "webdriver", call.config.Backend)
}

func TestCaptureWritesPDFWhenCloseFails(t *testing.T) {
	closeErr := fmt.Errorf("%w: no such window", capture.ErrCloseFailed)
	stubCapture(t, &capture.Capture{PDF: []byte("%PDF-1.3"), Pages: 1}, closeErr)
	out := filepath.Join(t.TempDir(), "report.pdf")

	err := run(context.Background(), []string{"-out", out, "a@example.com", "pw", "https://chartio.com/dash", "East"}, &bytes.Buffer{})
	require.NoError(t, err)

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "%PDF-1.3", string(data))
}

func TestCaptureEmptyFilterList(t *testing.T) {
	call := stubCapture(t, &capture.Capture{PDF: []byte("%PDF"), Pages: 1}, nil)

	err := run(context.Background(), []string{
		"-out", filepath.Join(t.TempDir(), "out.pdf"),
		"a@example.com", "pw", "https://chartio.com/dash", "",
	}, &bytes.Buffer{})
	require.NoError(t, err)
	assert.Empty(t, call.filters)
}

func TestCaptureEveryFilterSkipped(t *testing.T) {
	stubCapture(t, &capture.Capture{Skipped: []string{"A", "B"}}, nil)
	out := filepath.Join(t.TempDir(), "out.pdf")

	err := run(context.Background(), []string{"-out", out, "a@example.com", "pw", "https://chartio.com/dash", "A,B"}, &bytes.Buffer{})
	assert.ErrorContains(t, err, "skipped: A, B")
	assert.NoFileExists(t, out)
}

func TestCaptureErrors(t *testing.T) {
	stubCapture(t, nil, capture.ErrLoginFailed)

	err := run(context.Background(), []string{"a@example.com", "pw", "https://chartio.com/dash", "A"}, &bytes.Buffer{})
	assert.ErrorIs(t, err, capture.ErrLoginFailed)

	err = run(context.Background(), []string{"a@example.com", "pw", "https://chartio.com/dash"}, &bytes.Buffer{})
	assert.ErrorContains(t, err, "expected 4 arguments")

	err = run(context.Background(), []string{"a@example.com", "pw", "chartio.com/dash", "A"}, &bytes.Buffer{})
	assert.ErrorContains(t, err, "http or https")
}

func TestDefaultOutputName(t *testing.T) {
	assert.Equal(t, "chartio_test.pdf", defaultOutput)
}
