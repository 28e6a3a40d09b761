package ports

import (
	"context"

	"github.com/dgnsrekt/requests-whaor/internal/core/domain"
)

// NetworkService defines the operations on virtual networks. Removing a
// network that still has endpoints fails with errdefs.ErrNetworkBusy.
type NetworkService interface {
	CreateNetwork(ctx context.Context, spec domain.NetworkSpec) (domain.Network, error)
	ConnectNetwork(ctx context.Context, networkID, containerID string, aliases []string) error
	DisconnectNetwork(ctx context.Context, networkID, containerID string) error
	// NetworkMembers queries the runtime on every call.
	NetworkMembers(ctx context.Context, networkID string) ([]domain.Container, error)
	RemoveNetwork(ctx context.Context, networkID string) error
	ListNetworks(ctx context.Context, labels map[string]string) ([]domain.Network, error)
}
