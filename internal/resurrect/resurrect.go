// Package resurrect restarts terminated containers and verifies they come
// back healthy, rolling back (stopping) containers that do not.
package resurrect

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"

	"github.com/ashita-ai/medic/internal/validation"
)

// Status is the terminal state of a restart attempt.
type Status string

const (
	StatusSuccess   Status = "success"
	StatusNotFound  Status = "not_found"
	StatusUnhealthy Status = "unhealthy"
	StatusTimeout   Status = "timeout"
)

// Result describes how a restart attempt ended.
type Result struct {
	Status        Status
	TimeToHealthy float64 // seconds; meaningful only on success
	HealthScore   float64
	Err           error
}

// Resurrector restarts a module's container. Implementations report
// failure through the Result, never by error return.
type Resurrector interface {
	Restart(ctx context.Context, targetModule string) *Result
}

// dockerAPI is the slice of the runtime client the resurrector uses.
type dockerAPI interface {
	ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error)
	ContainerRestart(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
}

const (
	restartStopTimeoutS  = 30
	rollbackStopTimeoutS = 10
	// A container without a health spec counts as healthy after running
	// this long without exiting.
	noHealthSpecGrace = 2 * time.Second
)

// Options tune the restart flow.
type Options struct {
	HealthCheckInterval time.Duration
	HealthCheckTimeout  time.Duration
	MaxRetryAttempts    int
}

// Docker restarts containers through the local runtime socket.
type Docker struct {
	api    dockerAPI
	opts   Options
	logger *slog.Logger
}

// NewDocker builds a container resurrector against the default runtime
// socket.
func NewDocker(opts Options, logger *slog.Logger) (*Docker, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("resurrect: create runtime client: %w", err)
	}
	return newDocker(cli, opts, logger), nil
}

func newDocker(api dockerAPI, opts Options, logger *slog.Logger) *Docker {
	if opts.HealthCheckInterval <= 0 {
		opts.HealthCheckInterval = time.Second
	}
	if opts.HealthCheckTimeout <= 0 {
		opts.HealthCheckTimeout = 60 * time.Second
	}
	return &Docker{api: api, opts: opts, logger: logger.With("component", "resurrect")}
}

// Restart looks up the container by name, restarts it, and polls health
// until healthy or the health window elapses. Unhealthy containers are
// rolled back (stopped). NotFound is terminal and never retried.
func (d *Docker) Restart(ctx context.Context, targetModule string) *Result {
	id, err := d.lookup(ctx, targetModule)
	if err != nil {
		return &Result{Status: StatusNotFound, Err: err}
	}

	if err := d.restartWithRetry(ctx, id); err != nil {
		if ctx.Err() != nil {
			return &Result{Status: StatusTimeout, Err: ctx.Err()}
		}
		return &Result{Status: StatusUnhealthy, Err: err}
	}

	start := time.Now()
	healthy, pollErr := d.pollHealthy(ctx, id)
	if healthy {
		return &Result{
			Status:        StatusSuccess,
			TimeToHealthy: time.Since(start).Seconds(),
			HealthScore:   1.0,
		}
	}

	// Rollback is attempted even when the poll itself errored.
	d.rollback(ctx, targetModule, id)
	if ctx.Err() != nil {
		return &Result{Status: StatusTimeout, Err: ctx.Err()}
	}
	return &Result{Status: StatusUnhealthy, Err: pollErr}
}

func (d *Docker) lookup(ctx context.Context, name string) (string, error) {
	args := filters.NewArgs(filters.Arg("name", name))
	summaries, err := d.api.ContainerList(ctx, container.ListOptions{All: true, Filters: args})
	if err != nil {
		return "", fmt.Errorf("resurrect: list containers: %w", err)
	}
	// The name filter matches substrings; require an exact name.
	for _, s := range summaries {
		for _, n := range s.Names {
			if strings.TrimPrefix(n, "/") == name {
				return s.ID, nil
			}
		}
	}
	return "", fmt.Errorf("resurrect: container %s not found", validation.SanitizeForLog(name))
}

func (d *Docker) restartWithRetry(ctx context.Context, id string) error {
	stopTimeout := restartStopTimeoutS
	var err error
	for attempt := 0; attempt <= d.opts.MaxRetryAttempts; attempt++ {
		err = d.api.ContainerRestart(ctx, id, container.StopOptions{Timeout: &stopTimeout})
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !isTransient(err) {
			d.logger.Warn("restart failed with permanent error",
				"container_id", id, "error", err)
			break
		}
		d.logger.Warn("restart attempt failed",
			"container_id", id, "attempt", attempt+1, "error", err)
	}
	return fmt.Errorf("resurrect: restart: %w", err)
}

// isTransient reports whether a restart failure is worth retrying.
// Definitive daemon answers (gone, rejected, refused) will not change on
// a retry; socket hiccups and daemon contention might.
func isTransient(err error) bool {
	switch {
	case errdefs.IsNotFound(err),
		errdefs.IsInvalidArgument(err),
		errdefs.IsConflict(err),
		errdefs.IsUnauthorized(err),
		errdefs.IsPermissionDenied(err),
		errdefs.IsNotImplemented(err):
		return false
	}
	return true
}

// pollHealthy checks health at the configured interval until the container
// reports healthy, exits, or the window elapses.
func (d *Docker) pollHealthy(ctx context.Context, id string) (bool, error) {
	deadline := time.Now().Add(d.opts.HealthCheckTimeout)
	ticker := time.NewTicker(d.opts.HealthCheckInterval)
	defer ticker.Stop()

	for {
		info, err := d.api.ContainerInspect(ctx, id)
		if err != nil {
			return false, fmt.Errorf("resurrect: inspect: %w", err)
		}
		state := info.State
		if state == nil {
			return false, fmt.Errorf("resurrect: inspect returned no state")
		}

		if state.Health != nil {
			switch state.Health.Status {
			case "healthy":
				return true, nil
			case "unhealthy":
				return false, fmt.Errorf("resurrect: container reported unhealthy")
			}
			// "starting": keep polling.
		} else if state.Running {
			started, err := time.Parse(time.RFC3339Nano, state.StartedAt)
			if err == nil && time.Since(started) >= noHealthSpecGrace {
				return true, nil
			}
		} else if !state.Running && state.ExitCode != 0 {
			return false, fmt.Errorf("resurrect: container exited with code %d", state.ExitCode)
		}

		if time.Now().After(deadline) {
			return false, fmt.Errorf("resurrect: health check window elapsed")
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-ticker.C:
		}
	}
}

// rollback stops the container. Never retried; failure is logged only.
func (d *Docker) rollback(ctx context.Context, targetModule, id string) {
	stopTimeout := rollbackStopTimeoutS
	// Use a fresh deadline so rollback still runs when the caller's
	// context already expired.
	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Duration(rollbackStopTimeoutS+5)*time.Second)
	defer cancel()
	if err := d.api.ContainerStop(stopCtx, id, container.StopOptions{Timeout: &stopTimeout}); err != nil {
		d.logger.Error("rollback stop failed",
			"target_module", validation.SanitizeForLog(targetModule),
			"container_id", id, "error", err)
		return
	}
	d.logger.Info("rolled back unhealthy container",
		"target_module", validation.SanitizeForLog(targetModule), "container_id", id)
}

// DryRun logs what it would do and reports immediate success. Used with
// the mock listener for development.
type DryRun struct {
	logger *slog.Logger
}

// NewDryRun builds the no-act executor.
func NewDryRun(logger *slog.Logger) *DryRun {
	return &DryRun{logger: logger.With("component", "resurrect")}
}

// Restart implements Resurrector without touching the runtime.
func (d *DryRun) Restart(_ context.Context, targetModule string) *Result {
	d.logger.Info("dry run: would restart container",
		"target_module", validation.SanitizeForLog(targetModule))
	return &Result{Status: StatusSuccess, TimeToHealthy: 0, HealthScore: 1.0}
}
