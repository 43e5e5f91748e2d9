package render

import (
	"context"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yourusername/chartio-reports/pkg/model"
)

const loadingPage = `<html><body>
<input name="filter">
<div class="loading">loading</div>
<div class="spinner">forever</div>
<script>setTimeout(() => document.querySelector('.loading').remove(), 100)</script>
</body></html>`

func newTestChromium(t *testing.T) *ChromiumBackend {
	t.Helper()
	if testing.Short() {
		t.Skip("launches a browser")
	}
	if findChromeBinary() == "" {
		t.Skip("no Chrome binary found")
	}

	b, err := NewChromiumBackend(context.Background(), model.CaptureConfig{TimeoutMS: 2000}.WithDefaults())
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b
}

func TestChromiumWaitAbsent(t *testing.T) {
	b := newTestChromium(t)
	ctx := context.Background()
	require.NoError(t, b.Navigate(ctx, "data:text/html,"+url.PathEscape(loadingPage)))

	require.NoError(t, b.WaitAbsent(ctx, Class("loading"), 2*time.Second))

	err := b.WaitAbsent(ctx, Class("spinner"), 200*time.Millisecond)
	assert.ErrorIs(t, err, ErrWaitTimeout)

	// The page stays usable after a timed-out wait
	require.NoError(t, b.SendKeys(ctx, Name("filter"), "East"))
	n, err := b.Count(ctx, Class("spinner"))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
