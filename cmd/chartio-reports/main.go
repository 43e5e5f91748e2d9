// Command chartio-reports captures Chart.io dashboards to PDF.
//
//	chartio-reports [flags] email password dashboard_url filter_values
//	chartio-reports serve [-config chartio.yaml]
//
// filter_values is a comma separated list; pass "" to capture the dashboard unfiltered.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/grafana/grafana-plugin-sdk-go/backend/log"
	"github.com/yourusername/chartio-reports/pkg/api"
	"github.com/yourusername/chartio-reports/pkg/capture"
	"github.com/yourusername/chartio-reports/pkg/cron"
	"github.com/yourusername/chartio-reports/pkg/model"
	"github.com/yourusername/chartio-reports/pkg/pdf"
	"github.com/yourusername/chartio-reports/pkg/store"
)

const defaultOutput = "chartio_test.pdf"

var logger = log.DefaultLogger.With("component", "cli")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout io.Writer) error {
	if len(args) > 0 && args[0] == "serve" {
		return serve(ctx, args[1:])
	}
	return captureDashboard(ctx, args, stdout)
}

// capturePDF runs one capture-then-close cycle
var capturePDF = func(ctx context.Context, config model.CaptureConfig, creds model.Credentials, dashboardURL string, filters []string) (*capture.Capture, error) {
	var result *capture.Capture
	err := capture.WithSession(ctx, config, creds, func(s *capture.Session) error {
		var err error
		result, err = s.CapturePDFForDashboard(ctx, dashboardURL, filters)
		return err
	})
	return result, err
}

func captureDashboard(ctx context.Context, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("chartio-reports", flag.ContinueOnError)
	fs.SetOutput(stdout)
	out := fs.String("out", defaultOutput, "output PDF path")
	configPath := fs.String("config", "", "optional YAML config file")
	backend := fs.String("backend", "", "browser backend: chromium, playwright, webdriver or chromedp")
	interactive := fs.Bool("interactive", false, "show the browser window")
	diagnostics := fs.String("diagnostics", "", "directory for diagnostic screenshots")
	timeout := fs.Duration("timeout", 0, "chart loading timeout")
	fs.Usage = func() {
		fmt.Fprintln(fs.Output(), "usage: chartio-reports [flags] email password dashboard_url filter_values")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 4 {
		fs.Usage()
		return fmt.Errorf("expected 4 arguments, got %d", fs.NArg())
	}

	cfg, err := model.LoadConfig(*configPath)
	if err != nil {
		return err
	}
	capCfg := cfg.Capture
	if *backend != "" {
		capCfg.Backend = *backend
	}
	if *interactive {
		capCfg.Interactive = true
	}
	if *diagnostics != "" {
		capCfg.DiagnosticsDir = *diagnostics
	}
	if *timeout > 0 {
		capCfg.TimeoutMS = int(timeout.Milliseconds())
	}

	creds := model.Credentials{Email: fs.Arg(0), Password: fs.Arg(1)}
	dashboardURL := fs.Arg(2)
	if err := model.ValidateDashboardURL(dashboardURL); err != nil {
		return err
	}
	filters := model.ParseFilterValues(fs.Arg(3))

	result, err := capturePDF(ctx, capCfg, creds, dashboardURL, filters)
	if errors.Is(err, capture.ErrCloseFailed) && result != nil {
		logger.Warn("Browser did not shut down cleanly", "error", err)
		err = nil
	}
	if err != nil {
		return err
	}
	if result.Pages == 0 {
		return fmt.Errorf("no filter value could be applied (skipped: %s)", strings.Join(result.Skipped, ", "))
	}

	if err := pdf.WriteFile(*out, result.PDF); err != nil {
		return err
	}

	fmt.Fprintf(stdout, "wrote %s (%d page(s))\n", *out, result.Pages)
	if len(result.Skipped) > 0 {
		fmt.Fprintf(stdout, "skipped: %s\n", strings.Join(result.Skipped, ", "))
	}
	return nil
}

func serve(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	configPath := fs.String("config", "", "YAML config file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := model.LoadConfig(*configPath)
	if err != nil {
		return err
	}
	if cfg.Credentials.Email == "" || cfg.Credentials.Password == "" {
		return errors.New("credentials missing: set them in the config file or CHARTIO_EMAIL/CHARTIO_PASSWORD")
	}

	st, err := store.NewStore(cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer st.Close()

	scheduler := cron.NewScheduler(st, cron.NewSessionCapture(cfg.Capture, cfg.Credentials), cfg.SMTP)
	if err := scheduler.Start(); err != nil {
		return err
	}
	defer scheduler.Stop()

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.NewHandler(st, scheduler, cfg.Limits, cfg.SMTP),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Listening", "addr", cfg.ListenAddr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
