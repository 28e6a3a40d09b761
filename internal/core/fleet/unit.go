package fleet

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dgnsrekt/requests-whaor/internal/core/domain"
	"github.com/dgnsrekt/requests-whaor/internal/core/ports"
	"github.com/dgnsrekt/requests-whaor/internal/errdefs"
)

// DefaultStopGrace is how long a unit gets to exit before it is killed.
const DefaultStopGrace = 5 * time.Second

// Unit wraps one container: a circuit or the balancer. The handle is only set
// between a successful Start and the next Stop.
type Unit struct {
	runtime   ports.Runtime
	spec      domain.ContainerSpec
	stopGrace time.Duration
	logger    *zap.Logger

	mu     sync.Mutex
	handle *domain.Container
}

// NewUnit prepares a unit; nothing runs until Start.
func NewUnit(runtime ports.Runtime, spec domain.ContainerSpec, stopGrace time.Duration, logger *zap.Logger) *Unit {
	if stopGrace <= 0 {
		stopGrace = DefaultStopGrace
	}
	return &Unit{
		runtime:   runtime,
		spec:      spec,
		stopGrace: stopGrace,
		logger:    logger.With(zap.String("unit", spec.Name)),
	}
}

// Spec returns the options the unit runs with.
func (u *Unit) Spec() domain.ContainerSpec {
	return u.spec
}

// Identity returns the running container. It fails with errdefs.ErrNotStarted
// before Start completes and after Stop completes.
func (u *Unit) Identity() (domain.Container, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.handle == nil {
		return domain.Container{}, fmt.Errorf("%w: %s", errdefs.ErrNotStarted, u.spec.Name)
	}
	return *u.handle, nil
}

// Running reports whether the unit holds a live handle.
func (u *Unit) Running() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.handle != nil
}

// Start runs the container. A unit that is already running is left alone.
func (u *Unit) Start(ctx context.Context, showLog bool) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.handle != nil {
		return nil
	}

	if err := u.runtime.Ping(ctx); err != nil {
		return errdefs.Wrap(errdefs.ErrRuntimeUnavailable, err)
	}

	c, err := u.runtime.RunContainer(ctx, u.spec)
	if err != nil {
		return errdefs.Wrap(errdefs.ErrStartFailed, fmt.Errorf("%s: %w", u.spec.Name, err))
	}
	u.handle = &c

	u.logger.Debug("running container", zap.String("short_id", c.ShortID()), zap.String("image", u.spec.Image))

	if showLog {
		u.logOutput(ctx, c)
	}
	return nil
}

// Stop stops the container and clears the handle. Stopping a unit that never
// started, already stopped, or whose container is already gone succeeds.
func (u *Unit) Stop(ctx context.Context, showLog bool) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.handle == nil {
		u.logger.Debug("unit already stopped")
		return nil
	}
	c := *u.handle

	u.logger.Debug("stopping container", zap.String("short_id", c.ShortID()))

	if showLog {
		u.logOutput(ctx, c)
	}

	err := u.runtime.StopContainer(ctx, c.ID, u.stopGrace)
	switch {
	case err == nil:
	case errors.Is(err, errdefs.ErrNotFound), errors.Is(err, errdefs.ErrAlreadyStopped):
		u.logger.Debug("container was already stopped", zap.Error(err))
	default:
		return fmt.Errorf("stop %s: %w", u.spec.Name, err)
	}

	u.handle = nil
	u.logger.Debug("container destroyed", zap.String("short_id", c.ShortID()))
	return nil
}

// Restart restarts the container in place; the identity stays the same.
func (u *Unit) Restart(ctx context.Context) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.handle == nil {
		return fmt.Errorf("%w: %s", errdefs.ErrNotStarted, u.spec.Name)
	}
	c := *u.handle

	u.logger.Debug("restarting container", zap.String("short_id", c.ShortID()))

	if err := u.runtime.RestartContainer(ctx, c.ID, u.stopGrace); err != nil {
		return errdefs.Wrap(errdefs.ErrRestartFailed, fmt.Errorf("%s: %w", u.spec.Name, err))
	}
	return nil
}

// logOutput drains the container's output into the debug log.
func (u *Unit) logOutput(ctx context.Context, c domain.Container) {
	logs, err := u.runtime.GetContainerLogs(ctx, c.ID)
	if err != nil {
		u.logger.Warn("failed to read container logs", zap.Error(err))
		return
	}
	defer logs.Close()

	scanner := bufio.NewScanner(logs)
	for scanner.Scan() {
		u.logger.Debug(scanner.Text(), zap.String("short_id", c.ShortID()))
	}
	if err := scanner.Err(); err != nil {
		u.logger.Warn("failed to read container logs", zap.Error(err))
	}
	u.logger.Info("follow container logs with: docker container logs -f " + c.Name)
}
