package cli

import (
	"context"
	"os"

	"go.uber.org/zap"

	"github.com/dgnsrekt/requests-whaor/internal/adapters/builder"
	"github.com/dgnsrekt/requests-whaor/internal/adapters/docker"
	"github.com/dgnsrekt/requests-whaor/internal/adapters/memory"
	"github.com/dgnsrekt/requests-whaor/internal/core/ports"
)

// runtimeHandle is the engine connection for one command.
type runtimeHandle struct {
	runtime ports.Runtime
	// builder is nil when the runtime cannot build images.
	builder ports.BuilderService
	close   func() error
}

func openRuntime(a *app) (*runtimeHandle, error) {
	if a.cfg.Runtime.DryRun {
		a.logger.Info("dry run: containers are simulated in memory")
		return &runtimeHandle{runtime: memory.New(), close: func() error { return nil }}, nil
	}

	adapter, err := docker.NewAdapter(a.logger.Named("docker"))
	if err != nil {
		return nil, err
	}
	return &runtimeHandle{
		runtime: adapter,
		builder: builder.NewBuilderAdapter(adapter.Client(), a.logger.Named("builder"), os.Stderr),
		close:   adapter.Close,
	}, nil
}

// buildCircuitImage builds the circuit image when a source repository is set
// and returns the image the pool should run.
func (a *app) buildCircuitImage(ctx context.Context, h *runtimeHandle) (string, error) {
	build := a.cfg.Pool.Build
	if build.Repo == "" {
		return a.cfg.Pool.Image, nil
	}
	if h.builder == nil {
		a.logger.Warn("image builds are not available on this runtime, using the configured image",
			zap.String("repo", build.Repo), zap.String("image", a.cfg.Pool.Image))
		return a.cfg.Pool.Image, nil
	}
	return h.builder.BuildImage(ctx, ports.BuildRequest{
		RepoURL:    build.Repo,
		Ref:        build.Ref,
		Dockerfile: build.Dockerfile,
		Image:      a.cfg.Pool.Image,
	})
}
