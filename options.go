package medic

import (
	"log/slog"

	"github.com/ashita-ai/medic/internal/config"
	"github.com/ashita-ai/medic/internal/resurrect"
	"github.com/ashita-ai/medic/internal/siem"
	"github.com/ashita-ai/medic/internal/stream"
)

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported; callers use the With* functions.
type resolvedOptions struct {
	logger      *slog.Logger
	version     string
	cfg         *config.Config
	listener    stream.Listener
	enricher    siem.Enricher
	resurrector resurrect.Resurrector
}

// WithLogger sets the structured logger for the App.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in the health endpoint
// and logs.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithConfig supplies a loaded configuration. Without it the built-in
// defaults apply.
func WithConfig(cfg config.Config) Option {
	return func(o *resolvedOptions) { o.cfg = &cfg }
}

// WithListener replaces the stream listener selected by configuration.
// Only the last call wins.
func WithListener(l stream.Listener) Option {
	return func(o *resolvedOptions) { o.listener = l }
}

// WithEnricher replaces the SIEM enrichment source selected by
// configuration. Only the last call wins.
func WithEnricher(e siem.Enricher) Option {
	return func(o *resolvedOptions) { o.enricher = e }
}

// WithResurrector replaces the resurrection executor selected by
// configuration. Only the last call wins.
func WithResurrector(r resurrect.Resurrector) Option {
	return func(o *resolvedOptions) { o.resurrector = r }
}
