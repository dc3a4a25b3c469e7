package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/PratikDhanave/call-advice-service/internal/advice"
	"github.com/PratikDhanave/call-advice-service/internal/config"
	"github.com/PratikDhanave/call-advice-service/internal/httpserver"
	"github.com/PratikDhanave/call-advice-service/internal/ingest"
	"github.com/PratikDhanave/call-advice-service/internal/observe"
	"github.com/PratikDhanave/call-advice-service/internal/store"
)

const shutdownTimeout = 15 * time.Second

// version is set at build time via -ldflags.
var version = "dev"

// main boots the service: config → telemetry → storage → advice → HTTP.
func main() {
	if err := run(); err != nil {
		slog.Error("fatal", "err", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slogLevel(cfg.Server.LogLevel)})))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tel, err := observe.Start(observe.TelemetryConfig{Version: version})
	if err != nil {
		return err
	}
	metrics := tel.Metrics

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	gen, err := newGenerator(cfg.Advice)
	if err != nil {
		return err
	}
	scheduler := advice.NewScheduler(st, gen, advice.Config{
		MinInterval: cfg.Advice.MinInterval,
		Timeout:     cfg.Advice.Timeout,
		Window:      cfg.Advice.Window,
		MaxAttempts: cfg.Advice.MaxAttempts,
	}, advice.WithMetrics(metrics))

	pipeline := ingest.New(st, scheduler, metrics)
	router := httpserver.NewRouter(cfg, httpserver.Deps{
		Store:          st,
		Pipeline:       pipeline,
		Metrics:        metrics,
		MetricsHandler: tel.Handler(),
	})
	srv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("server started", "addr", srv.Addr, "version", version)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down")

		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		// Stop accepting webhooks first so no new advice runs are queued.
		errs := []error{srv.Shutdown(sctx)}
		if err := scheduler.Close(sctx); err != nil {
			errs = append(errs, err)
		}
		errs = append(errs, tel.Shutdown(sctx))
		return errors.Join(errs...)
	})
	return g.Wait()
}

// openStore prefers Postgres and falls back to process memory without DB_URL.
func openStore(ctx context.Context, cfg config.Config) (store.Store, error) {
	if cfg.Storage.DBURL == "" {
		slog.Warn("DB_URL not set; using in-memory store, data is lost on restart")
		return store.NewMemoryStore(cfg.Merge), nil
	}

	pg, err := store.NewPostgresStore(ctx, cfg.Storage.DBURL, cfg.Merge)
	if err != nil {
		return nil, err
	}
	// Ensure required tables/indexes exist so `docker compose up --build` is enough.
	if err := pg.EnsureSchema(ctx); err != nil {
		pg.Close()
		return nil, err
	}
	return pg, nil
}

func newGenerator(cfg config.AdviceConfig) (advice.Generator, error) {
	if cfg.APIKey == "" {
		slog.Info("no model API key; using heuristic advice")
		return advice.HeuristicGenerator{}, nil
	}
	var opts []advice.OpenAIOption
	if cfg.BaseURL != "" {
		opts = append(opts, advice.WithBaseURL(cfg.BaseURL))
	}
	opts = append(opts, advice.WithHTTPTimeout(cfg.Timeout))
	return advice.NewOpenAIGenerator(cfg.APIKey, cfg.Model, opts...)
}

func slogLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
