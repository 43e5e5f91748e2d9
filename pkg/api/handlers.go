package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/grafana/grafana-plugin-sdk-go/backend/log"
	"github.com/yourusername/chartio-reports/pkg/cron"
	"github.com/yourusername/chartio-reports/pkg/mail"
	"github.com/yourusername/chartio-reports/pkg/model"
	"github.com/yourusername/chartio-reports/pkg/store"
)

// Handler handles HTTP API requests
type Handler struct {
	store     *store.Store
	scheduler *cron.Scheduler
	limits    model.Limits
	smtp      *model.SMTPConfig
	checkSMTP func(model.SMTPConfig) error
	mux       *http.ServeMux
	logger    log.Logger
}

// NewHandler creates a new API handler
func NewHandler(st *store.Store, scheduler *cron.Scheduler, limits model.Limits, smtp *model.SMTPConfig) *Handler {
	h := &Handler{
		store:     st,
		scheduler: scheduler,
		limits:    limits,
		smtp:      smtp,
		checkSMTP: func(c model.SMTPConfig) error { return mail.NewMailer(c).CheckConnection() },
		mux:       http.NewServeMux(),
		logger:    log.DefaultLogger.With("component", "api"),
	}

	h.registerRoutes()
	return h
}

func (h *Handler) registerRoutes() {
	h.mux.HandleFunc("/api/reports", h.handleReports)
	h.mux.HandleFunc("/api/reports/", h.handleReport)
	h.mux.HandleFunc("/api/runs/", h.handleRun)
	h.mux.HandleFunc("/api/smtp/test", h.handleSMTPTest)
	h.mux.HandleFunc("/api/health", func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, map[string]string{"status": "ok"})
	})
}

// ServeHTTP implements http.Handler
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	h.mux.ServeHTTP(w, r)
	h.logger.Debug("Request served", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
}

// handleReports handles GET /api/reports and POST /api/reports
func (h *Handler) handleReports(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		reports, err := h.store.ListReports()
		if err != nil {
			h.internalError(w, err)
			return
		}
		respondJSON(w, map[string]interface{}{"reports": reports})

	case http.MethodPost:
		var report model.Report
		if err := json.NewDecoder(r.Body).Decode(&report); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		report.ID = 0
		report.LastRunAt = nil

		if err := h.prepare(&report); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		if err := h.store.CreateReport(&report); err != nil {
			h.internalError(w, err)
			return
		}

		h.logger.Info("Report created", "report", report.ID, "name", report.Name)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(report)

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// prepare validates a report and computes its next run
func (h *Handler) prepare(report *model.Report) error {
	report.FilterValues = model.NormalizeFilterValues(report.FilterValues)
	if report.Timezone == "" {
		report.Timezone = "UTC"
	}
	if err := model.ValidateReport(report, h.limits); err != nil {
		return err
	}

	if report.Enabled {
		nextRun := h.scheduler.CalculateNextRun(report)
		report.NextRunAt = &nextRun
	} else {
		report.NextRunAt = nil
	}
	return nil
}

// handleReport handles /api/reports/{id}, /api/reports/{id}/run and /api/reports/{id}/runs
func (h *Handler) handleReport(w http.ResponseWriter, r *http.Request) {
	var reportID int64
	var action string

	if _, err := fmt.Sscanf(r.URL.Path, "/api/reports/%d/%s", &reportID, &action); err != nil {
		action = ""
		if _, err := fmt.Sscanf(r.URL.Path, "/api/reports/%d", &reportID); err != nil {
			http.Error(w, "Invalid path", http.StatusBadRequest)
			return
		}
	}

	switch action {
	case "run":
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		report, err := h.store.GetReport(reportID)
		if err != nil {
			h.storeError(w, err)
			return
		}
		run, err := h.scheduler.StartRun(report)
		if err != nil {
			h.internalError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(run)
		return

	case "runs":
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if _, err := h.store.GetReport(reportID); err != nil {
			h.storeError(w, err)
			return
		}
		runs, err := h.store.ListRuns(reportID)
		if err != nil {
			h.internalError(w, err)
			return
		}
		respondJSON(w, map[string]interface{}{"runs": runs})
		return

	case "":
	default:
		http.Error(w, "Invalid action", http.StatusNotFound)
		return
	}

	switch r.Method {
	case http.MethodGet:
		report, err := h.store.GetReport(reportID)
		if err != nil {
			h.storeError(w, err)
			return
		}
		respondJSON(w, report)

	case http.MethodPut:
		existing, err := h.store.GetReport(reportID)
		if err != nil {
			h.storeError(w, err)
			return
		}

		var report model.Report
		if err := json.NewDecoder(r.Body).Decode(&report); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		report.ID = reportID
		report.LastRunAt = existing.LastRunAt
		report.CreatedAt = existing.CreatedAt

		if err := h.prepare(&report); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		if err := h.store.UpdateReport(&report); err != nil {
			h.storeError(w, err)
			return
		}
		respondJSON(w, report)

	case http.MethodDelete:
		if err := h.store.DeleteReport(reportID); err != nil {
			h.storeError(w, err)
			return
		}
		h.logger.Info("Report deleted", "report", reportID)
		w.WriteHeader(http.StatusNoContent)

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleRun handles /api/runs/{id} and /api/runs/{id}/artifact
func (h *Handler) handleRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var runID int64
	var action string
	if _, err := fmt.Sscanf(r.URL.Path, "/api/runs/%d/%s", &runID, &action); err != nil {
		action = ""
		if _, err := fmt.Sscanf(r.URL.Path, "/api/runs/%d", &runID); err != nil {
			http.Error(w, "Invalid path", http.StatusBadRequest)
			return
		}
	}

	run, err := h.store.GetRun(runID)
	if err != nil {
		h.storeError(w, err)
		return
	}

	switch action {
	case "":
		respondJSON(w, run)

	case "artifact":
		if len(run.ArtifactData) == 0 {
			http.Error(w, "Artifact not found", http.StatusNotFound)
			return
		}

		report, err := h.store.GetReport(run.ReportID)
		if err != nil {
			h.storeError(w, err)
			return
		}

		w.Header().Set("Content-Type", "application/pdf")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", cron.ArtifactFilename(report, run)))
		w.Header().Set("Content-Length", strconv.Itoa(len(run.ArtifactData)))
		w.Write(run.ArtifactData)
		h.logger.Debug("Served artifact", "report", run.ReportID, "run", run.ID, "bytes", len(run.ArtifactData))

	default:
		http.Error(w, "Invalid action", http.StatusNotFound)
	}
}

// handleSMTPTest dials the configured SMTP server
func (h *Handler) handleSMTPTest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.smtp == nil {
		respondJSON(w, map[string]interface{}{"success": false, "error": "SMTP not configured"})
		return
	}

	if err := h.checkSMTP(*h.smtp); err != nil {
		respondJSON(w, map[string]interface{}{
			"success": false,
			"error":   err.Error(),
			"host":    h.smtp.Host,
			"port":    h.smtp.Port,
		})
		return
	}

	respondJSON(w, map[string]interface{}{
		"success": true,
		"message": "Successfully connected to SMTP server",
		"host":    h.smtp.Host,
		"port":    h.smtp.Port,
	})
}

func (h *Handler) storeError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	h.internalError(w, err)
}

func (h *Handler) internalError(w http.ResponseWriter, err error) {
	h.logger.Error("Request failed", "error", err)
	http.Error(w, err.Error(), http.StatusInternalServerError)
}

func respondJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}
