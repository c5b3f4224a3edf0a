// vidwatch submits a video to the analysis service and follows the job to
// completion, printing every state change as it is observed.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"vidwatch/internal/apperrors"
	"vidwatch/internal/client"
	"vidwatch/internal/config"
	"vidwatch/internal/health"
	"vidwatch/internal/observability"
	"vidwatch/internal/push"
	"vidwatch/internal/watch"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, nil)))

	output := flag.String("o", "", "write the result payload to this file instead of stdout")
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: vidwatch [-o result.json] <video-file>")
		os.Exit(2)
	}

	if err := run(flag.Arg(0), *output); err != nil {
		slog.Error("Watch failed", "error", err)
		os.Exit(1)
	}
}

func run(videoPath, outputPath string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := config.LoadClientConfig()

	metrics, metricsHandler, err := observability.NewMetrics(ctx)
	if err != nil {
		return err
	}

	// Metrics endpoint is opt-in; a one-shot CLI run rarely needs it.
	if cfg.MetricsPort != "" {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("GET /metrics", metricsHandler)
		metricsServer := &http.Server{
			Addr:         ":" + cfg.MetricsPort,
			Handler:      metricsMux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		}
		go func() {
			slog.Info("Starting metrics server", "port", cfg.MetricsPort)
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("Metrics server failed", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			metricsServer.Shutdown(shutdownCtx)
		}()
	}

	api := client.New(client.Config{
		BaseURL: cfg.BaseURL,
		Submit:  cfg.Submit,
		Poll:    cfg.Poll,
		Fetch:   cfg.Fetch,
	}, metrics)

	monitor := health.NewMonitor(api, health.Config{})
	monitor.Start(ctx)
	defer monitor.Stop()

	if !monitor.Check(ctx) {
		slog.Warn("Backend health check failed, submitting anyway", "baseUrl", cfg.BaseURL)
	}

	payload, err := os.ReadFile(videoPath)
	if err != nil {
		return err
	}

	handle, err := api.Submit(ctx, filepath.Base(videoPath), payload)
	if err != nil {
		return err
	}
	slog.Info("Analysis submitted", "analysisId", handle.AnalysisID, "status", handle.Status)

	manager := push.NewManager(push.Config{
		URL:            cfg.PushURL,
		MaxAttempts:    cfg.ReconnectMaxAttempts,
		RetryDelay:     cfg.ReconnectDelay,
		RetryDelayStep: cfg.ReconnectDelayStep,
	}, metrics)
	if cfg.PushURL != "" {
		manager.Connect()
	}
	defer manager.Disconnect()

	coordinator := watch.New(api, watch.NewChannel(manager), watch.Config{
		PollInterval: cfg.PollInterval,
	}, metrics)

	obs := coordinator.Observe(ctx, handle)
	defer obs.Cancel()

	for snapshot := range obs.Updates() {
		source := "poll"
		if coordinator.Live() {
			source = "push"
		}
		slog.Info("Job update",
			"analysisId", snapshot.ID,
			"status", snapshot.Status,
			"progress", snapshot.Progress,
			"source", source,
		)
	}
	<-obs.Done()

	if err := ctx.Err(); err != nil {
		slog.Info("Interrupted, observation released")
		return err
	}

	final := obs.Snapshot()
	switch {
	case final.Status == watch.StatusErrored:
		return apperrors.JobFailed(final.ID, final.ErrorMessage)
	case obs.Err() != nil:
		// The analysis succeeded but the payload did not arrive; the id is
		// printed so the result can be fetched again later.
		slog.Warn("Result retrieval failed, retry with the analysis id",
			"analysisId", final.ID, "error", obs.Err())
		return obs.Err()
	}

	if outputPath != "" {
		if err := os.WriteFile(outputPath, final.Result, 0o644); err != nil {
			return err
		}
		slog.Info("Result written", "analysisId", final.ID, "path", outputPath)
		return nil
	}

	_, err = os.Stdout.Write(final.Result)
	return err
}
