package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rnaworks/foldserver/internal/executor"
	"github.com/rnaworks/foldserver/internal/httpapi"
	"github.com/rnaworks/foldserver/internal/jobs"
	"github.com/rnaworks/foldserver/internal/pipeline"
	"github.com/rnaworks/foldserver/internal/webhook"
)

func main() {
	// Logger
	level := parseLogLevel(getenv("LOG_LEVEL", "INFO"))
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})))

	// Config via env with sensible defaults
	addr := getenv("API_ADDR", ":8080")
	poolSize := getEnvInt("POOL_SIZE", runtime.NumCPU())
	queueSize := getEnvInt("QUEUE_SIZE", 1024)
	gracePeriodSec := getEnvInt("GRACE_PERIOD_SEC", 5)
	maxRuntimeSec := getEnvInt("MAX_RUNTIME_SEC", 0)
	maxWebhookRetries := getEnvInt("WEBHOOK_MAX_RETRIES", 5)
	webhookTimeoutSec := getEnvInt("WEBHOOK_TIMEOUT_SEC", 10)
	dbPath := getenv("JOB_DB", "")
	scriptsDir := getenv("SCRIPTS_DIR", "./scripts")
	interpreter := getenv("PYTHON_BIN", "python3")

	// Job store: in-memory by default, SQLite when JOB_DB is set so
	// records survive restarts.
	var store jobs.Store
	if dbPath != "" {
		s, err := jobs.NewSQLiteStore(dbPath)
		if err != nil {
			slog.Error("failed to open job database", "path", dbPath, "error", err)
			os.Exit(1)
		}
		store = s
	} else {
		store = jobs.NewMemoryStore()
	}
	defer store.Close()

	dispatcher, err := jobs.NewDispatcher(poolSize, queueSize)
	if err != nil {
		slog.Error("failed to initialize dispatcher", "error", err)
		os.Exit(1)
	}

	sender := webhook.NewHTTPSender(time.Duration(webhookTimeoutSec)*time.Second, maxWebhookRetries)
	streamer := jobs.NewLogStreamer()
	runner := executor.NewExecRunner(
		executor.WithGracePeriod(time.Duration(gracePeriodSec) * time.Second),
	)

	manager, err := jobs.NewManager(store, dispatcher, runner, sender, streamer,
		jobs.WithMaxRuntime(time.Duration(maxRuntimeSec)*time.Second),
	)
	if err != nil {
		slog.Error("failed to initialize manager", "error", err)
		os.Exit(1)
	}
	defer manager.Stop()

	if err := manager.Recover(); err != nil {
		slog.Error("failed to recover persisted jobs", "error", err)
		os.Exit(1)
	}

	catalog := pipeline.NewCatalog(interpreter, scriptsDir)
	mux := httpapi.NewRouter(manager, streamer, catalog)

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("server listening", "addr", addr, "pool_size", poolSize)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		var out int
		_, err := fmt.Sscanf(v, "%d", &out)
		if err == nil {
			return out
		}
	}
	return def
}

func parseLogLevel(s string) slog.Level {
	switch s {
	case "DEBUG", "debug":
		return slog.LevelDebug
	case "INFO", "info":
		return slog.LevelInfo
	case "WARN", "warning", "warn":
		return slog.LevelWarn
	case "ERROR", "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
