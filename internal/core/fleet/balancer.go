package fleet

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/dgnsrekt/requests-whaor/internal/core/domain"
	"github.com/dgnsrekt/requests-whaor/internal/core/ports"
	"github.com/dgnsrekt/requests-whaor/internal/errdefs"
)

const (
	DefaultBalancerImage = "haproxy:2.2.3"

	balancerTemplate     = "haproxy.cfg"
	balancerConfigTarget = "/usr/local/etc/haproxy/haproxy.cfg"
)

// BalancerOptions configures the HAProxy front. Timeouts are in seconds as
// HAProxy reads them.
type BalancerOptions struct {
	Image  string            `yaml:"image"`
	Name   string            `yaml:"name"`
	Labels map[string]string `yaml:"-"`

	// MaxConnections is the per-process limit of concurrent connections.
	MaxConnections int `yaml:"max_connections"`
	TimeoutClient  int `yaml:"timeout_client"`
	TimeoutConnect int `yaml:"timeout_connect"`
	TimeoutQueue   int `yaml:"timeout_queue"`
	TimeoutServer  int `yaml:"timeout_server"`

	ListenPort  int    `yaml:"listen_port"`
	BackendName string `yaml:"backend_name"`
	// BackendPort is the socks port every circuit listens on.
	BackendPort int `yaml:"backend_port"`

	DashboardPort    int `yaml:"dashboard_port"`
	DashboardRefresh int `yaml:"dashboard_refresh"`

	// Scheme of the ingress address handed to HTTP clients.
	Scheme    string        `yaml:"scheme"`
	ConfigDir string        `yaml:"config_dir"`
	StopGrace time.Duration `yaml:"stop_grace"`
}

// DefaultBalancerOptions mirrors a stock HAProxy tcp setup.
func DefaultBalancerOptions() BalancerOptions {
	return BalancerOptions{
		Image:            DefaultBalancerImage,
		Name:             "whaor-balancer",
		MaxConnections:   4096,
		TimeoutClient:    3600,
		TimeoutConnect:   1,
		TimeoutQueue:     5,
		TimeoutServer:    3600,
		ListenPort:       8001,
		BackendName:      "onions",
		BackendPort:      9050,
		DashboardPort:    9999,
		DashboardRefresh: 2,
		Scheme:           "socks5",
		StopGrace:        DefaultStopGrace,
	}
}

// Ports lists the host ports the balancer publishes.
func (o BalancerOptions) Ports() []int {
	return []int{o.ListenPort, o.DashboardPort}
}

type balancerVars struct {
	BalancerOptions `yaml:",inline"`
	Backends        []string `yaml:"backends"`
}

// Balancer is the single ingress of the fleet. Its backend list is a snapshot
// taken by Configure and is not refreshed on rotation: restarted circuits keep
// their names, so the list stays valid.
type Balancer struct {
	runtime  ports.Runtime
	renderer ports.Renderer
	opts     BalancerOptions
	logger   *zap.Logger

	mu       sync.Mutex
	backends []string
	mount    *MountFile
	unit     *Unit
}

// NewBalancer prepares a balancer; call Configure before Start.
func NewBalancer(runtime ports.Runtime, renderer ports.Renderer, opts BalancerOptions, logger *zap.Logger) *Balancer {
	defaults := DefaultBalancerOptions()
	if opts.Image == "" {
		opts.Image = defaults.Image
	}
	if opts.Name == "" {
		opts.Name = defaults.Name
	}
	if opts.BackendName == "" {
		opts.BackendName = defaults.BackendName
	}
	if opts.Scheme == "" {
		opts.Scheme = defaults.Scheme
	}
	return &Balancer{
		runtime:  runtime,
		renderer: renderer,
		opts:     opts,
		logger:   logger.With(zap.String("balancer", opts.Name)),
	}
}

// Configure renders the HAProxy config for members and prepares the unit that
// mounts it.
func (b *Balancer) Configure(members []domain.Container) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	backends := make([]string, 0, len(members))
	for _, m := range members {
		backends = append(backends, m.Name)
	}
	vars := balancerVars{BalancerOptions: b.opts, Backends: backends}

	data, err := b.renderer.Render(balancerTemplate, vars)
	if err != nil {
		return err
	}

	mount, err := writeMountFile(b.opts.ConfigDir, "haproxy-*.cfg", data, balancerConfigTarget)
	if err != nil {
		return err
	}
	if b.mount != nil {
		if err := b.mount.Remove(); err != nil {
			b.logger.Warn("failed to remove previous balancer config",
				zap.String("config", b.mount.Source()), zap.Error(err))
		}
	}
	b.mount = mount
	b.backends = backends

	spec := domain.ContainerSpec{
		Name:       b.opts.Name,
		Image:      b.opts.Image,
		Labels:     b.opts.Labels,
		AutoRemove: true,
		Ports:      b.opts.Ports(),
		Mounts:     []domain.Mount{mount.Mount()},
	}
	b.unit = NewUnit(b.runtime, spec, b.opts.StopGrace, b.logger)

	b.displaySettings(vars)
	return nil
}

func (b *Balancer) displaySettings(vars balancerVars) {
	if ce := b.logger.Check(zap.DebugLevel, "onion load balancer settings"); ce != nil {
		out, err := yaml.Marshal(vars)
		if err != nil {
			out = []byte(err.Error())
		}
		ce.Write(zap.String("settings", string(out)), zap.String("config", b.mount.Source()))
	}
}

// Start runs the balancer with the rendered config.
func (b *Balancer) Start(ctx context.Context, showLog bool) error {
	unit := b.Unit()
	if unit == nil {
		return fmt.Errorf("%w: balancer %s is not configured", errdefs.ErrStartFailed, b.opts.Name)
	}
	if err := unit.Start(ctx, showLog); err != nil {
		return err
	}
	b.logger.Info("balancer running",
		zap.String("address", b.Address()), zap.String("dashboard", b.DashboardAddress()))
	return nil
}

// Stop stops the balancer and removes its rendered config. It never fails on a
// balancer that is not running.
func (b *Balancer) Stop(ctx context.Context, showLog bool) error {
	b.mu.Lock()
	unit, mount := b.unit, b.mount
	b.mu.Unlock()

	var errs error
	if unit != nil {
		errs = multierr.Append(errs, unit.Stop(ctx, showLog))
	}
	if mount != nil {
		errs = multierr.Append(errs, mount.Remove())
	}
	return errs
}

// Unit returns the underlying unit, nil before Configure.
func (b *Balancer) Unit() *Unit {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.unit
}

// Backends returns the circuit names captured by Configure.
func (b *Balancer) Backends() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.backends...)
}

// Address is the ingress every proxied request goes through.
func (b *Balancer) Address() string {
	u := url.URL{Scheme: b.opts.Scheme, Host: "localhost:" + strconv.Itoa(b.opts.ListenPort)}
	return u.String()
}

// DashboardAddress is the HAProxy stats page.
func (b *Balancer) DashboardAddress() string {
	u := url.URL{Scheme: "http", Host: "localhost:" + strconv.Itoa(b.opts.DashboardPort)}
	return u.String()
}

// Proxies maps URL schemes to the ingress address, ready for an HTTP client's
// proxy settings.
func (b *Balancer) Proxies() map[string]string {
	addr := b.Address()
	return map[string]string{"http": addr, "https": addr}
}
