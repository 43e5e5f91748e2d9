package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yourusername/chartio-reports/pkg/capture"
	"github.com/yourusername/chartio-reports/pkg/cron"
	"github.com/yourusername/chartio-reports/pkg/model"
	"github.com/yourusername/chartio-reports/pkg/store"
)

type testEnv struct {
	handler   *Handler
	scheduler *cron.Scheduler
	store     *store.Store
}

func newTestEnv(t *testing.T, captureFn cron.CaptureFunc, limits model.Limits) *testEnv {
	t.Helper()
	st, err := store.NewStore(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	if captureFn == nil {
		captureFn = func(context.Context, *model.Report) (*capture.Capture, error) {
			return &capture.Capture{PDF: []byte("%PDF-1.3 test"), Pages: 1, Applied: []string{"East"}}, nil
		}
	}
	scheduler := cron.NewScheduler(st, captureFn, nil)
	t.Cleanup(scheduler.Stop)

	return &testEnv{
		handler:   NewHandler(st, scheduler, limits, nil),
		scheduler: scheduler,
		store:     st,
	}
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func validReport() map[string]interface{} {
	return map[string]interface{}{
		"name":          "Weekly sales",
		"dashboard_url": "https://chartio.com/project/1/dashboard/2/",
		"filter_values": []string{" East ", "", "West"},
		"cron_expr":     "0 8 * * 1",
		"timezone":      "Europe/Berlin",
		"recipients":    map[string]interface{}{"to": []string{"sales@example.com"}},
		"email_subject": "{{report.name}}",
		"enabled":       true,
	}
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
}

func TestCreateAndGetReport(t *testing.T) {
	env := newTestEnv(t, nil, model.Limits{})

	rec := env.do(t, http.MethodPost, "/api/reports", validReport())
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var created model.Report
	decode(t, rec, &created)
	assert.NotZero(t, created.ID)
	assert.Equal(t, model.StringSlice{"East", "West"}, created.FilterValues)
	require.NotNil(t, created.NextRunAt)

	rec = env.do(t, http.MethodGet, fmt.Sprintf("/api/reports/%d", created.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var got model.Report
	decode(t, rec, &got)
	assert.Equal(t, "Weekly sales", got.Name)
	assert.Equal(t, "Europe/Berlin", got.Timezone)

	rec = env.do(t, http.MethodGet, "/api/reports", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Reports []model.Report `json:"reports"`
	}
	decode(t, rec, &list)
	assert.Len(t, list.Reports, 1)
}

func TestCreateReportValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(r map[string]interface{})
		limits model.Limits
		want   string
	}{
		{
			name:   "relative dashboard url",
			mutate: func(r map[string]interface{}) { r["dashboard_url"] = "/project/1" },
			want:   "http or https",
		},
		{
			name:   "bad cron",
			mutate: func(r map[string]interface{}) { r["cron_expr"] = "sometimes" },
			want:   "invalid cron expression",
		},
		{
			name:   "recipient domain not allowed",
			mutate: func(r map[string]interface{}) {},
			limits: model.Limits{AllowedDomains: []string{"corp.com"}},
			want:   "not allowed",
		},
		{
			name:   "missing name",
			mutate: func(r map[string]interface{}) { delete(r, "name") },
			want:   "name cannot be empty",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, nil, tt.limits)
			body := validReport()
			tt.mutate(body)

			rec := env.do(t, http.MethodPost, "/api/reports", body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Contains(t, rec.Body.String(), tt.want)
		})
	}
}

func TestCreateReportMalformedJSON(t *testing.T) {
	env := newTestEnv(t, nil, model.Limits{})
	req := httptest.NewRequest(http.MethodPost, "/api/reports", strings.NewReader("{"))
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUpdateReport(t *testing.T) {
	env := newTestEnv(t, nil, model.Limits{})

	rec := env.do(t, http.MethodPost, "/api/reports", validReport())
	require.Equal(t, http.StatusCreated, rec.Code)
	var created model.Report
	decode(t, rec, &created)

	body := validReport()
	body["name"] = "Renamed"
	body["enabled"] = false
	rec = env.do(t, http.MethodPut, fmt.Sprintf("/api/reports/%d", created.ID), body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	got, err := env.store.GetReport(created.ID)
	require.NoError(t, err)
	assert.Equal(t, "Renamed", got.Name)
	assert.False(t, got.Enabled)
	assert.Nil(t, got.NextRunAt, "disabled reports are not scheduled")

	body["cron_expr"] = "bad"
	rec = env.do(t, http.MethodPut, fmt.Sprintf("/api/reports/%d", created.ID), body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPut, "/api/reports/999", validReport())
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeleteReport(t *testing.T) {
	env := newTestEnv(t, nil, model.Limits{})

	rec := env.do(t, http.MethodPost, "/api/reports", validReport())
	var created model.Report
	decode(t, rec, &created)

	path := fmt.Sprintf("/api/reports/%d", created.ID)
	assert.Equal(t, http.StatusNoContent, env.do(t, http.MethodDelete, path, nil).Code)
	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, path, nil).Code)
	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodDelete, path, nil).Code)
}

func TestRunReportAndDownloadArtifact(t *testing.T) {
	env := newTestEnv(t, nil, model.Limits{})

	rec := env.do(t, http.MethodPost, "/api/reports", validReport())
	var created model.Report
	decode(t, rec, &created)

	rec = env.do(t, http.MethodPost, fmt.Sprintf("/api/reports/%d/run", created.ID), nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var run model.Run
	decode(t, rec, &run)
	assert.NotZero(t, run.ID)
	assert.Equal(t, model.RunStatusRunning, run.Status)

	env.scheduler.Wait()

	rec = env.do(t, http.MethodGet, fmt.Sprintf("/api/reports/%d/runs", created.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var runs struct {
		Runs []model.Run `json:"runs"`
	}
	decode(t, rec, &runs)
	require.Len(t, runs.Runs, 1)
	assert.Equal(t, model.RunStatusCompleted, runs.Runs[0].Status)

	rec = env.do(t, http.MethodGet, fmt.Sprintf("/api/runs/%d", run.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "PDF-1.3", "artifact bytes are not part of run JSON")

	rec = env.do(t, http.MethodGet, fmt.Sprintf("/api/runs/%d/artifact", run.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/pdf", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), `filename="Weekly_sales-`)
	assert.Equal(t, "%PDF-1.3 test", rec.Body.String())
}

func TestArtifactMissingForFailedRun(t *testing.T) {
	env := newTestEnv(t, func(context.Context, *model.Report) (*capture.Capture, error) {
		return nil, capture.ErrLoginFailed
	}, model.Limits{})

	rec := env.do(t, http.MethodPost, "/api/reports", validReport())
	var created model.Report
	decode(t, rec, &created)

	rec = env.do(t, http.MethodPost, fmt.Sprintf("/api/reports/%d/run", created.ID), nil)
	var run model.Run
	decode(t, rec, &run)
	env.scheduler.Wait()

	rec = env.do(t, http.MethodGet, fmt.Sprintf("/api/runs/%d", run.ID), nil)
	var got model.Run
	decode(t, rec, &got)
	assert.Equal(t, model.RunStatusFailed, got.Status)
	assert.Contains(t, got.ErrorText, "login failed")

	rec = env.do(t, http.MethodGet, fmt.Sprintf("/api/runs/%d/artifact", run.ID), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRoutingErrors(t *testing.T) {
	env := newTestEnv(t, nil, model.Limits{})

	tests := []struct {
		method string
		path   string
		want   int
	}{
		{http.MethodGet, "/api/reports/abc", http.StatusBadRequest},
		{http.MethodGet, "/api/reports/42", http.StatusNotFound},
		{http.MethodPost, "/api/reports/42/run", http.StatusNotFound},
		{http.MethodGet, "/api/reports/42/run", http.StatusMethodNotAllowed},
		{http.MethodGet, "/api/reports/42/runs", http.StatusNotFound},
		{http.MethodGet, "/api/reports/42/bogus", http.StatusNotFound},
		{http.MethodPatch, "/api/reports", http.StatusMethodNotAllowed},
		{http.MethodGet, "/api/runs/42", http.StatusNotFound},
		{http.MethodDelete, "/api/runs/42", http.StatusMethodNotAllowed},
		{http.MethodGet, "/api/runs/x", http.StatusBadRequest},
		{http.MethodGet, "/api/health", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			assert.Equal(t, tt.want, env.do(t, tt.method, tt.path, nil).Code)
		})
	}
}

func TestSMTPTest(t *testing.T) {
	env := newTestEnv(t, nil, model.Limits{})

	rec := env.do(t, http.MethodPost, "/api/smtp/test", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "SMTP not configured")

	env.handler.smtp = &model.SMTPConfig{Host: "smtp.example.com", Port: 587}
	env.handler.checkSMTP = func(model.SMTPConfig) error { return errors.New("connection refused") }
	rec = env.do(t, http.MethodPost, "/api/smtp/test", nil)
	var result map[string]interface{}
	decode(t, rec, &result)
	assert.Equal(t, false, result["success"])
	assert.Equal(t, "connection refused", result["error"])

	env.handler.checkSMTP = func(model.SMTPConfig) error { return nil }
	rec = env.do(t, http.MethodPost, "/api/smtp/test", nil)
	decode(t, rec, &result)
	assert.Equal(t, true, result["success"])
}
