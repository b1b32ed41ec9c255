// Command medic runs the resurrection arbiter: it consumes kill reports
// from the stream, decides whether each killed module may come back, and
// serves the status and approval API.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	medic "github.com/ashita-ai/medic"
	"github.com/ashita-ai/medic/internal/config"
)

// version is set at build time via -ldflags.
var version = "dev"

// Exit codes: 0 clean shutdown, 1 runtime failure, 2 invalid
// configuration, 3 unrecoverable store failure.
const (
	exitOK          = 0
	exitRuntime     = 1
	exitConfig      = 2
	exitStoreFailed = 3
)

func main() {
	os.Exit(run0())
}

func run0() int {
	var (
		configPath = flag.String("config", defaultConfigPath(), "path to the YAML configuration file")
		mode       = flag.String("mode", "", "override operating mode: observer or live")
		mock       = flag.Bool("mock", false, "use the synthetic kill-report generator and the dry-run executor instead of the durable stream and the container runtime")
	)
	flag.Parse()

	level := slog.LevelInfo
	if os.Getenv("MEDIC_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := loadConfig(*configPath, *mode, *mock)
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		return exitConfig
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger, cfg); err != nil {
		slog.Error("fatal error", "error", err)
		if errors.Is(err, medic.ErrStoreUnrecoverable) {
			return exitStoreFailed
		}
		return exitRuntime
	}
	return exitOK
}

func run(ctx context.Context, logger *slog.Logger, cfg config.Config) error {
	app, err := medic.New(
		medic.WithLogger(logger),
		medic.WithVersion(version),
		medic.WithConfig(cfg),
	)
	if err != nil {
		return err
	}
	return app.Run(ctx)
}

// loadConfig reads the file and applies flag overrides. A missing file is
// tolerated only when the path was not given explicitly.
func loadConfig(path, mode string, mock bool) (config.Config, error) {
	allowMissing := !flagWasSet("config") && os.Getenv("MEDIC_CONFIG_PATH") == ""

	cfg, err := config.Load(path, allowMissing)
	if err != nil {
		return config.Config{}, err
	}

	if mode != "" {
		cfg.Mode = config.Mode(mode)
	}
	if mock {
		cfg.Stream.Kind = "mock"
		cfg.Resurrection.Executor = "dry_run"
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func defaultConfigPath() string {
	if p := os.Getenv("MEDIC_CONFIG_PATH"); p != "" {
		return p
	}
	return "config/medic.yaml"
}

func flagWasSet(name string) bool {
	set := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == name {
			set = true
		}
	})
	return set
}
