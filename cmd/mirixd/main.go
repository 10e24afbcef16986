// mirixd is the memory-ingestion pod: it stages multimodal content per
// user in the shared coordinator, uploads large files in the background,
// and drains ready batches into the memory agent layer.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mirix-ai/mirixd/pkg/accumulator"
	"github.com/mirix-ai/mirixd/pkg/config"
	"github.com/mirix-ai/mirixd/pkg/coordinator"
	"github.com/mirix-ai/mirixd/pkg/dispatch"
	"github.com/mirix-ai/mirixd/pkg/metrics"
	"github.com/mirix-ai/mirixd/pkg/models"
	"github.com/mirix-ai/mirixd/pkg/store"
	"github.com/mirix-ai/mirixd/pkg/upload"
	"github.com/mirix-ai/mirixd/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// resolvePodID determines the pod identifier for multi-replica coordination.
// Priority: POD_ID env > HOSTNAME env > "local"
func resolvePodID() string {
	if id := os.Getenv("POD_ID"); id != "" {
		return id
	}
	if hostname := os.Getenv("HOSTNAME"); hostname != "" {
		return hostname
	}
	return "local"
}

// devUploader satisfies upload.FileUploader for local runs: the "remote"
// reference is the local path itself. Deployments replace this with the
// cloud file API client.
type devUploader struct{}

func (devUploader) Upload(_ context.Context, localPath string) (models.UploadResult, error) {
	return models.UploadResult{
		Type:  models.UploadResultTypeOther,
		URI:   "file://" + localPath,
		Value: localPath,
	}, nil
}

// loggingAgent acknowledges batches with a log line. Deployments replace
// these with the real agent transport.
type loggingAgent struct {
	name dispatch.MemoryType
}

func (l loggingAgent) Handle(_ context.Context, batch *dispatch.Batch, userID string) (string, error) {
	slog.Info("Batch received",
		"agent", l.name, "user_id", userID,
		"cycle_id", batch.Metadata.CycleID,
		"parts", len(batch.Parts),
		"messages", batch.Metadata.MessageCount)
	return "", nil
}

func main() {
	envFile := flag.String("env-file", getEnv("ENV_FILE", ".env"),
		"Path to environment file")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil {
		slog.Warn("Could not load env file, continuing with existing environment",
			"path", *envFile, "error", err)
	}

	metricsPort := getEnv("METRICS_PORT", "9090")
	podID := resolvePodID()

	slog.Info("Starting mirixd",
		"version", version.Full(),
		"pod_id", podID,
		"metrics_port", metricsPort)

	ctx := context.Background()

	cfg, err := config.FromEnv()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	coordCfg, err := coordinator.LoadConfigFromEnv()
	if err != nil {
		slog.Error("Failed to load coordinator config", "error", err)
		os.Exit(1)
	}
	coord := coordinator.NewClient(coordCfg)
	defer func() {
		if err := coord.Close(); err != nil {
			slog.Error("Error closing coordinator client", "error", err)
		}
	}()

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	err = coord.Ping(pingCtx)
	cancel()
	if err != nil {
		slog.Error("Coordinator unreachable", "addr", coordCfg.Addr, "error", err)
		os.Exit(1)
	}
	slog.Info("Connected to coordinator", "addr", coordCfg.Addr)

	st := store.New(coord, cfg)

	uploads := upload.NewManager(devUploader{}, st, cfg.UploadWorkers, cfg.UploadTimeout)

	agents := make(map[dispatch.MemoryType]dispatch.Agent, len(dispatch.MemoryAgentTypes))
	for _, agentType := range dispatch.MemoryAgentTypes {
		agents[agentType] = loggingAgent{name: agentType}
	}
	dispatcher := dispatch.New(
		loggingAgent{name: dispatch.MemoryMeta},
		agents,
		cfg.DispatchConcurrency,
		cfg.SkipMetaCoordinator,
	)

	acc := accumulator.New(cfg, st, uploads, dispatcher, nil)
	slog.Info("Accumulator started",
		"threshold", cfg.Threshold,
		"skip_meta_coordinator", cfg.SkipMetaCoordinator)

	registry := prometheus.NewRegistry()
	metrics.Register(registry)

	metricsServer := &http.Server{
		Addr:    ":" + metricsPort,
		Handler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("Metrics server listening", "addr", metricsServer.Addr)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("Received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		slog.Error("Metrics server error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("Metrics server shutdown error", "error", err)
	}

	acc.Stop()
	uploads.Stop()
	slog.Info("Shutdown complete")
}
