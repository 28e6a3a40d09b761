package fleet

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/dgnsrekt/requests-whaor/internal/core/domain"
	"github.com/dgnsrekt/requests-whaor/internal/core/ports"
	"github.com/dgnsrekt/requests-whaor/internal/errdefs"
)

const (
	DefaultNetworkName   = "whaornet"
	DefaultNetworkDriver = "bridge"
)

// NetworkOptions names the network and its driver.
type NetworkOptions struct {
	Name   string
	Driver string
	Labels map[string]string
}

// Network is the isolated network circuits and the balancer share.
type Network struct {
	runtime ports.NetworkService
	opts    NetworkOptions
	logger  *zap.Logger

	mu     sync.Mutex
	handle *domain.Network
}

// NewNetwork prepares a network; nothing is created until Create.
func NewNetwork(runtime ports.NetworkService, opts NetworkOptions, logger *zap.Logger) *Network {
	if opts.Name == "" {
		opts.Name = DefaultNetworkName
	}
	if opts.Driver == "" {
		opts.Driver = DefaultNetworkDriver
	}
	return &Network{
		runtime: runtime,
		opts:    opts,
		logger:  logger.With(zap.String("network", opts.Name)),
	}
}

// Name returns the configured network name.
func (n *Network) Name() string {
	return n.opts.Name
}

// ID returns the runtime ID, or "" while the network does not exist.
func (n *Network) ID() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.handle == nil {
		return ""
	}
	return n.handle.ID
}

func (n *Network) id() (string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.handle == nil {
		return "", fmt.Errorf("%w: network %s", errdefs.ErrNotStarted, n.opts.Name)
	}
	return n.handle.ID, nil
}

// Create creates the network.
func (n *Network) Create(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.handle != nil {
		return nil
	}

	created, err := n.runtime.CreateNetwork(ctx, domain.NetworkSpec{
		Name:   n.opts.Name,
		Driver: n.opts.Driver,
		Labels: n.opts.Labels,
	})
	if err != nil {
		return errdefs.Wrap(errdefs.ErrNetworkCreateFailed, err)
	}
	n.handle = &created

	n.logger.Debug("network created", zap.String("id", shortID(created.ID)))
	return nil
}

// Attach connects a container under alias. Each container must be attached
// exactly once.
func (n *Network) Attach(ctx context.Context, containerID, alias string) error {
	id, err := n.id()
	if err != nil {
		return err
	}

	n.logger.Debug("connecting container", zap.String("container", alias))
	if err := n.runtime.ConnectNetwork(ctx, id, containerID, []string{alias}); err != nil {
		return errdefs.Wrap(errdefs.ErrAttachFailed, fmt.Errorf("%s: %w", alias, err))
	}
	return nil
}

// Members re-queries the runtime for the attached containers.
func (n *Network) Members(ctx context.Context) ([]domain.Container, error) {
	id, err := n.id()
	if err != nil {
		return nil, err
	}
	return n.runtime.NetworkMembers(ctx, id)
}

// Destroy detaches every remaining member and removes the network. A network
// that is already gone counts as destroyed.
func (n *Network) Destroy(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.handle == nil {
		return nil
	}
	id := n.handle.ID

	var errs error
	members, err := n.runtime.NetworkMembers(ctx, id)
	switch {
	case errors.Is(err, errdefs.ErrNotFound):
		n.logger.Debug("network already removed")
		n.handle = nil
		return nil
	case err != nil:
		errs = multierr.Append(errs, fmt.Errorf("list members of %s: %w", n.opts.Name, err))
	}

	for _, m := range members {
		n.logger.Debug("disconnecting container", zap.String("container", m.Name))
		err := n.runtime.DisconnectNetwork(ctx, id, m.ID)
		if err != nil && !errors.Is(err, errdefs.ErrNotFound) {
			errs = multierr.Append(errs, fmt.Errorf("disconnect %s: %w", m.Name, err))
		}
	}

	err = n.runtime.RemoveNetwork(ctx, id)
	switch {
	case err == nil, errors.Is(err, errdefs.ErrNotFound):
		n.handle = nil
		n.logger.Debug("network destroyed", zap.String("id", shortID(id)))
	default:
		errs = multierr.Append(errs, fmt.Errorf("remove network %s: %w", n.opts.Name, err))
	}
	return errs
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
