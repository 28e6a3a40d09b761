package fleet

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/dgnsrekt/requests-whaor/internal/core/domain"
	"github.com/dgnsrekt/requests-whaor/internal/core/ports"
)

const (
	// DefaultCircuitImage runs a plain tor client exposing socks on 9050.
	DefaultCircuitImage = "osminogin/tor-simple:0.4.3.6"

	// DefaultRotateSettle lets restarted circuits rebuild before traffic resumes.
	DefaultRotateSettle = 5 * time.Second
)

// PoolOptions describes a homogeneous set of circuit units.
type PoolOptions struct {
	Size       int
	Image      string
	NamePrefix string
	Labels     map[string]string
	StopGrace  time.Duration
	// SettleDelay is waited after a rotation.
	SettleDelay time.Duration
	ShowLog     bool
}

// PoolOption customizes a Pool.
type PoolOption func(*Pool)

// WithRand sets the source used to pick rotation subsets.
func WithRand(r *rand.Rand) PoolOption {
	return func(p *Pool) { p.rand = r }
}

// WithPoolSleeper replaces the settle delay wait.
func WithPoolSleeper(sleep func(context.Context, time.Duration) error) PoolOption {
	return func(p *Pool) { p.sleep = sleep }
}

// Pool manages a fixed set of circuit units. Membership never changes after
// construction; rotation only restarts members.
type Pool struct {
	opts   PoolOptions
	units  []*Unit
	logger *zap.Logger
	sleep  func(context.Context, time.Duration) error

	randMu sync.Mutex
	rand   *rand.Rand

	rotation singleflight.Group
}

// NewPool builds opts.Size units named "<prefix>-<n>".
func NewPool(runtime ports.Runtime, opts PoolOptions, logger *zap.Logger, options ...PoolOption) *Pool {
	if opts.Image == "" {
		opts.Image = DefaultCircuitImage
	}
	if opts.NamePrefix == "" {
		opts.NamePrefix = "whaor-circuit"
	}
	if opts.Size < 1 {
		opts.Size = 1
	}

	p := &Pool{
		opts:   opts,
		logger: logger,
		sleep:  sleepContext,
		rand:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, option := range options {
		option(p)
	}

	p.units = make([]*Unit, opts.Size)
	for i := range p.units {
		spec := domain.ContainerSpec{
			Name:       fmt.Sprintf("%s-%d", opts.NamePrefix, i+1),
			Image:      opts.Image,
			Labels:     opts.Labels,
			AutoRemove: true,
		}
		p.units[i] = NewUnit(runtime, spec, opts.StopGrace, logger)
	}
	return p
}

// Units returns the pool members in construction order.
func (p *Pool) Units() []*Unit {
	return append([]*Unit(nil), p.units...)
}

// Size returns the fixed number of members.
func (p *Pool) Size() int {
	return len(p.units)
}

// StartAll starts every unit. All failures are reported together; units that
// did start stay running, so callers must still StopAll.
func (p *Pool) StartAll(ctx context.Context, bulk BulkOptions) error {
	p.logger.Info("starting circuits", zap.Int("count", len(p.units)),
		zap.Bool("parallel", bulk.Parallel), zap.Int("workers", bulk.workers()))

	return forEach(ctx, p.units, bulk, "start", func(ctx context.Context, u *Unit) error {
		return u.Start(ctx, p.opts.ShowLog)
	})
}

// StopAll stops every unit. Units that never started or already stopped are
// skipped, so it is safe to call during any teardown.
func (p *Pool) StopAll(ctx context.Context, bulk BulkOptions) error {
	p.logger.Info("stopping circuits", zap.Int("count", len(p.units)))

	return forEach(ctx, p.units, bulk, "stop", func(ctx context.Context, u *Unit) error {
		return u.Stop(ctx, p.opts.ShowLog)
	})
}

// RestartSubset restarts count randomly chosen units, or max(1, size/2) when
// count is not positive, then waits the settle delay. Concurrent calls share
// the rotation already in flight.
func (p *Pool) RestartSubset(ctx context.Context, count int, bulk BulkOptions) ([]*Unit, error) {
	v, err, shared := p.rotation.Do("rotate", func() (interface{}, error) {
		return p.restartSubset(ctx, count, bulk)
	})
	if shared {
		p.logger.Debug("joined rotation already in flight")
	}
	units, _ := v.([]*Unit)
	return units, err
}

func (p *Pool) restartSubset(ctx context.Context, count int, bulk BulkOptions) ([]*Unit, error) {
	n := p.subsetSize(count)
	subset := make([]*Unit, 0, n)
	for _, i := range p.sample(n) {
		subset = append(subset, p.units[i])
	}

	p.logger.Info("rotating circuits", zap.Int("restarting", n), zap.Int("pool_size", len(p.units)))

	if err := forEach(ctx, subset, bulk, "restart", func(ctx context.Context, u *Unit) error {
		return u.Restart(ctx)
	}); err != nil {
		return subset, err
	}

	p.logger.Debug("letting restarted circuits settle", zap.Duration("delay", p.opts.SettleDelay))
	if err := p.sleep(ctx, p.opts.SettleDelay); err != nil {
		return subset, err
	}
	return subset, nil
}

func (p *Pool) subsetSize(count int) int {
	size := len(p.units)
	switch {
	case count <= 0:
		return max(1, size/2)
	case count > size:
		return size
	default:
		return count
	}
}

// sample draws k distinct indexes uniformly at random.
func (p *Pool) sample(k int) []int {
	p.randMu.Lock()
	defer p.randMu.Unlock()
	return p.rand.Perm(len(p.units))[:k]
}
