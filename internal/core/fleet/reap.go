package fleet

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/dgnsrekt/requests-whaor/internal/core/domain"
	"github.com/dgnsrekt/requests-whaor/internal/core/ports"
	"github.com/dgnsrekt/requests-whaor/internal/errdefs"
)

// ReapReport lists what Reap removed.
type ReapReport struct {
	Containers []string `json:"containers" yaml:"containers"`
	Networks   []string `json:"networks" yaml:"networks"`
}

// Reap removes containers and networks left behind by a fleet that was not
// torn down, for instance after the process was killed. An empty fleetID
// matches every fleet. Resources already gone are skipped.
func Reap(ctx context.Context, runtime ports.Runtime, fleetID string, logger *zap.Logger) (ReapReport, error) {
	var report ReapReport

	if err := runtime.Ping(ctx); err != nil {
		return report, errdefs.Wrap(errdefs.ErrRuntimeUnavailable, err)
	}

	selector := map[string]string{domain.LabelFleet: fleetID}

	networks, err := runtime.ListNetworks(ctx, selector)
	if err != nil {
		return report, fmt.Errorf("list networks: %w", err)
	}
	containers, err := runtime.ListContainers(ctx, selector)
	if err != nil {
		return report, fmt.Errorf("list containers: %w", err)
	}

	var errs error
	for _, n := range networks {
		members, err := runtime.NetworkMembers(ctx, n.ID)
		if err != nil && !errors.Is(err, errdefs.ErrNotFound) {
			errs = multierr.Append(errs, fmt.Errorf("list members of %s: %w", n.Name, err))
			continue
		}
		for _, m := range members {
			if err := runtime.DisconnectNetwork(ctx, n.ID, m.ID); err != nil && !errors.Is(err, errdefs.ErrNotFound) {
				errs = multierr.Append(errs, fmt.Errorf("disconnect %s from %s: %w", m.Name, n.Name, err))
			}
		}
	}

	for _, c := range containers {
		logger.Info("removing container",
			zap.String("container", c.Name), zap.String("short_id", c.ShortID()),
			zap.String("fleet", c.Labels[domain.LabelFleet]))
		err := runtime.RemoveContainer(ctx, c.ID)
		switch {
		case err == nil:
			report.Containers = append(report.Containers, c.Name)
		case errors.Is(err, errdefs.ErrNotFound):
		default:
			errs = multierr.Append(errs, fmt.Errorf("remove container %s: %w", c.Name, err))
		}
	}

	for _, n := range networks {
		logger.Info("removing network", zap.String("network", n.Name), zap.String("fleet", n.Labels[domain.LabelFleet]))
		err := runtime.RemoveNetwork(ctx, n.ID)
		switch {
		case err == nil:
			report.Networks = append(report.Networks, n.Name)
		case errors.Is(err, errdefs.ErrNotFound):
		default:
			errs = multierr.Append(errs, fmt.Errorf("remove network %s: %w", n.Name, err))
		}
	}
	return report, errs
}
