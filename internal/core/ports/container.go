package ports

import (
	"context"
	"io"
	"time"

	"github.com/dgnsrekt/requests-whaor/internal/core/domain"
)

// ContainerService defines the core operations for managing containers.
// This interface allows us to switch between Docker and the in-memory
// runtime without changing the fleet logic.
//
// Implementations wrap an unreachable engine in errdefs.ErrRuntimeUnavailable
// and a missing container in errdefs.ErrNotFound.
type ContainerService interface {
	ListContainers(ctx context.Context, labels map[string]string) ([]domain.Container, error)
	// RunContainer creates and starts a container, pulling the image first
	// when it is not present locally.
	RunContainer(ctx context.Context, spec domain.ContainerSpec) (domain.Container, error)
	// StopContainer asks the process to exit and kills it once grace elapses.
	StopContainer(ctx context.Context, id string, grace time.Duration) error
	// RestartContainer restarts in place; ID, name and network aliases are kept.
	RestartContainer(ctx context.Context, id string, grace time.Duration) error
	RemoveContainer(ctx context.Context, id string) error
	GetContainerLogs(ctx context.Context, id string) (io.ReadCloser, error)
}
