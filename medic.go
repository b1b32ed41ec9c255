// Package medic is the public API for embedding the medic resurrection
// arbiter.
//
// Operational consumers import this package to construct and run the
// service without forking it:
//
//	app, err := medic.New(
//	    medic.WithVersion(version),
//	    medic.WithLogger(logger),
//	    medic.WithConfig(cfg),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The import graph enforces a strict no-cycle rule: medic (root) imports
// internal/*, but internal/* never imports medic (root).
package medic

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/medic/api"
	"github.com/ashita-ai/medic/internal/config"
	"github.com/ashita-ai/medic/internal/engine"
	"github.com/ashita-ai/medic/internal/orchestrator"
	"github.com/ashita-ai/medic/internal/ratelimit"
	"github.com/ashita-ai/medic/internal/resurrect"
	"github.com/ashita-ai/medic/internal/server"
	"github.com/ashita-ai/medic/internal/siem"
	"github.com/ashita-ai/medic/internal/store"
	"github.com/ashita-ai/medic/internal/stream"
	"github.com/ashita-ai/medic/internal/telemetry"
)

// ErrStoreUnrecoverable marks store failures that a restart will not fix
// (unreachable path, schema mismatch). Callers map it to a distinct exit
// code.
var ErrStoreUnrecoverable = errors.New("medic: store unrecoverable")

const (
	shutdownHTTPTimeout  = 10 * time.Second
	shutdownDrainTimeout = 10 * time.Second
	calibrateTimeout     = 30 * time.Second
)

// App is the medic service lifecycle. Construct with New(), run with
// Run(). App has no public fields; use New() options to configure it.
type App struct {
	cfg          config.Config
	store        *store.Store
	engine       *engine.Engine
	listener     stream.Listener
	orch         *orchestrator.Orchestrator
	srv          *server.Server
	limiter      ratelimit.Limiter
	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
	version      string
}

// New initialises the service. It opens the outcome store, builds the
// decision engine, connects the stream listener, and wires the pipeline.
// It does NOT start any goroutines or accept HTTP connections — call
// Run().
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	cfg := config.Default()
	if o.cfg != nil {
		cfg = *o.cfg
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("medic starting",
		"version", version,
		"mode", string(cfg.Mode),
		"listen", cfg.HTTP.Listen)

	// Initialize OpenTelemetry. No-op when the endpoint is unset.
	otelShutdown, err := telemetry.Init(context.Background(),
		os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"), "medic", version,
		os.Getenv("OTEL_EXPORTER_OTLP_INSECURE") == "true")
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	// Open the outcome store. Failures here are unrecoverable: the
	// service must not consume kills it cannot record.
	st, err := store.Open(context.Background(), cfg.Store.Path, logger)
	if err != nil {
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("%w: %w", ErrStoreUnrecoverable, err)
	}

	// Build the decision engine over the store's history reads.
	eng, err := engine.New(&cfg, st, logger)
	if err != nil {
		_ = st.Close()
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("engine: %w", err)
	}

	// Select the enrichment source.
	var enricher siem.Enricher
	switch {
	case o.enricher != nil:
		enricher = o.enricher
	case cfg.SIEM.Enabled:
		enricher = siem.NewClient(cfg.SIEM.BaseURL, cfg.SIEM.Timeout(), logger)
		logger.Info("siem enrichment: enabled", "base_url", cfg.SIEM.BaseURL)
	default:
		enricher = siem.Noop{}
		logger.Info("siem enrichment: disabled")
	}

	// Select the resurrection executor. Observer mode still builds the
	// configured executor; dry_run never touches the container runtime.
	var resurrector resurrect.Resurrector
	switch {
	case o.resurrector != nil:
		resurrector = o.resurrector
	case cfg.Resurrection.Executor == "dry_run":
		resurrector = resurrect.NewDryRun(logger)
		logger.Info("resurrection executor: dry_run")
	default:
		resurrector, err = resurrect.NewDocker(resurrect.Options{
			HealthCheckInterval: time.Duration(cfg.Resurrection.HealthCheckIntervalS) * time.Second,
			HealthCheckTimeout:  time.Duration(cfg.Resurrection.HealthCheckTimeoutS) * time.Second,
			MaxRetryAttempts:    cfg.Resurrection.MaxRetryAttempts,
		}, logger)
		if err != nil {
			_ = st.Close()
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("resurrect: %w", err)
		}
		logger.Info("resurrection executor: container")
	}

	// Connect the kill-report stream.
	var listener stream.Listener
	switch {
	case o.listener != nil:
		listener = o.listener
	case cfg.Stream.Kind == "mock":
		listener = stream.NewMock(0, logger)
		logger.Info("stream: mock generator")
	default:
		listener, err = stream.NewRedisListener(context.Background(),
			cfg.Stream.Endpoint, cfg.Stream.Topic, cfg.Stream.ConsumerGroup, logger)
		if err != nil {
			_ = st.Close()
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("stream: %w", err)
		}
		logger.Info("stream: durable consumer group",
			"endpoint", cfg.Stream.Endpoint,
			"topic", cfg.Stream.Topic,
			"group", cfg.Stream.ConsumerGroup)
	}

	orch := orchestrator.New(listener, enricher, eng, resurrector, st, cfg.Mode, logger)

	var limiter ratelimit.Limiter
	if cfg.HTTP.RateLimitRPS > 0 {
		limiter = ratelimit.NewMemoryLimiter(cfg.HTTP.RateLimitRPS, cfg.HTTP.RateLimitBurst)
		logger.Info("approval rate limiting: memory token bucket",
			"rps", cfg.HTTP.RateLimitRPS, "burst", cfg.HTTP.RateLimitBurst)
	} else {
		limiter = ratelimit.NoopLimiter{}
		logger.Info("approval rate limiting: disabled")
	}

	srv := server.New(server.ServerConfig{
		Outcomes:      st,
		Approver:      orch,
		MinConfidence: eng.MinConfidence,
		Mode:          string(cfg.Mode),
		Version:       version,
		Listen:        cfg.HTTP.Listen,
		Logger:        logger,
		RateLimiter:   limiter,
		OpenAPISpec:   api.OpenAPISpec,
	})

	return &App{
		cfg:          cfg,
		store:        st,
		engine:       eng,
		listener:     listener,
		orch:         orch,
		srv:          srv,
		limiter:      limiter,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}, nil
}

// Run starts the pipeline, the expiry sweeper, the calibration loop, and
// the HTTP server, then blocks until ctx is cancelled or a fatal error
// occurs. On return all components have been shut down and the store is
// closed.
func (a *App) Run(ctx context.Context) error {
	// Calibrate once at startup so a long-stopped service picks up
	// accumulated history before the first decision. Non-fatal.
	calCtx, calCancel := context.WithTimeout(ctx, calibrateTimeout)
	if err := a.engine.Calibrate(calCtx); err != nil {
		a.logger.Warn("startup calibration failed", "error", err)
	}
	calCancel()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.orch.Run(gctx) })
	g.Go(func() error { return a.orch.RunExpiry(gctx) })
	g.Go(func() error { return a.calibrationLoop(gctx) })
	g.Go(func() error {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		// HTTP drain starts as soon as any sibling fails or ctx is
		// cancelled; the pipeline finishes its current message first.
		<-gctx.Done()
		httpCtx, cancel := context.WithTimeout(context.Background(), shutdownHTTPTimeout)
		defer cancel()
		if err := a.srv.Shutdown(httpCtx); err != nil {
			a.logger.Error("http shutdown error", "error", err)
		}
		return nil
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}

	a.shutdown()
	return err
}

// shutdown releases resources after the loops have stopped. The listener
// closes first so redelivery picks up anything un-acked.
func (a *App) shutdown() {
	a.logger.Info("medic shutting down")

	if err := a.listener.Close(); err != nil {
		a.logger.Error("listener close error", "error", err)
	}
	_ = a.limiter.Close()
	if err := a.store.Close(); err != nil {
		a.logger.Error("store close error", "error", err)
	}
	_ = a.otelShutdown(context.Background())

	a.logger.Info("medic stopped")
}

// calibrationLoop re-runs threshold calibration at the configured
// interval. Failures are logged and retried next tick.
func (a *App) calibrationLoop(ctx context.Context) error {
	interval := time.Duration(a.cfg.Calibration.IntervalHours) * time.Hour
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			opCtx, cancel := context.WithTimeout(ctx, calibrateTimeout)
			if err := a.engine.Calibrate(opCtx); err != nil {
				a.logger.Warn("calibration failed", "error", err)
			}
			cancel()
		}
	}
}
