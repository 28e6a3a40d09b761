// Package fleet provisions a pool of tor circuits behind an HAProxy balancer on
// a private network, and tears the whole set down again as one unit.
package fleet

import (
	"context"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/dgnsrekt/requests-whaor/internal/core/domain"
	"github.com/dgnsrekt/requests-whaor/internal/core/ports"
	"github.com/dgnsrekt/requests-whaor/internal/core/requestor"
	"github.com/dgnsrekt/requests-whaor/internal/errdefs"
)

const (
	// DefaultSettleDelay is waited once the balancer joins the network so the
	// circuits can finish bootstrapping.
	DefaultSettleDelay = 5 * time.Second

	DefaultTeardownTimeout = 2 * time.Minute
)

// Options configures a whole fleet.
type Options struct {
	Network  NetworkOptions
	Pool     PoolOptions
	Bulk     BulkOptions
	Balancer BalancerOptions
	Client   requestor.Options

	// RotateCount is how many circuits a rotation restarts; zero means half.
	RotateCount int
	SettleDelay time.Duration
	ShowLog     bool
	// TeardownTimeout bounds Down, which ignores cancellation of its caller.
	TeardownTimeout time.Duration
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithFleetID replaces the generated fleet ID.
func WithFleetID(id string) Option {
	return func(o *Orchestrator) { o.id = id }
}

// WithSleeper replaces the settle delay wait of the fleet and its pool.
func WithSleeper(sleep func(context.Context, time.Duration) error) Option {
	return func(o *Orchestrator) {
		o.sleep = sleep
		o.poolOptions = append(o.poolOptions, WithPoolSleeper(sleep))
	}
}

// WithPoolOptions passes options through to the pool.
func WithPoolOptions(options ...PoolOption) Option {
	return func(o *Orchestrator) { o.poolOptions = append(o.poolOptions, options...) }
}

// WithClientOptions passes options through to the rotating client.
func WithClientOptions(options ...requestor.Option) Option {
	return func(o *Orchestrator) { o.clientOptions = append(o.clientOptions, options...) }
}

// Orchestrator composes the network, the circuit pool and the balancer.
// Resources are acquired in order by Up and released in reverse by Down or by
// a failing Up.
type Orchestrator struct {
	id       string
	runtime  ports.Runtime
	renderer ports.Renderer
	opts     Options
	logger   *zap.Logger
	sleep    func(context.Context, time.Duration) error

	poolOptions   []PoolOption
	clientOptions []requestor.Option

	network  *Network
	pool     *Pool
	balancer *Balancer

	// lifecycle serializes Up and Down.
	lifecycle sync.Mutex
	state     *stateMachine
	teardown  *teardownStack

	mu     sync.Mutex
	client *requestor.Client
}

// New wires a fleet on runtime. Nothing is created until Up.
func New(runtime ports.Runtime, renderer ports.Renderer, opts Options, logger *zap.Logger, options ...Option) *Orchestrator {
	o := &Orchestrator{
		id:       uuid.NewString(),
		runtime:  runtime,
		renderer: renderer,
		opts:     opts,
		sleep:    sleepContext,
	}
	for _, option := range options {
		option(o)
	}
	if o.opts.TeardownTimeout <= 0 {
		o.opts.TeardownTimeout = DefaultTeardownTimeout
	}

	o.logger = logger.With(zap.String("fleet", o.id))
	o.state = newStateMachine()
	o.teardown = &teardownStack{logger: o.logger}

	netOpts := opts.Network
	netOpts.Labels = o.labels(netOpts.Labels, domain.RoleNetwork)
	o.network = NewNetwork(runtime, netOpts, o.logger)

	poolOpts := opts.Pool
	poolOpts.Labels = o.labels(poolOpts.Labels, domain.RoleCircuit)
	poolOpts.ShowLog = poolOpts.ShowLog || opts.ShowLog
	o.pool = NewPool(runtime, poolOpts, o.logger, o.poolOptions...)

	balOpts := opts.Balancer
	balOpts.Labels = o.labels(balOpts.Labels, domain.RoleBalancer)
	o.balancer = NewBalancer(runtime, renderer, balOpts, o.logger)

	return o
}

func (o *Orchestrator) labels(extra map[string]string, role string) map[string]string {
	labels := make(map[string]string, len(extra)+2)
	maps.Copy(labels, extra)
	labels[domain.LabelFleet] = o.id
	labels[domain.LabelRole] = role
	return labels
}

// ID returns the fleet ID stamped on every resource.
func (o *Orchestrator) ID() string { return o.id }

// State returns the current lifecycle step.
func (o *Orchestrator) State() State { return o.state.get() }

func (o *Orchestrator) Network() *Network { return o.network }

func (o *Orchestrator) Pool() *Pool { return o.pool }

func (o *Orchestrator) Balancer() *Balancer { return o.balancer }

// Client returns the client handed out by Up, nil unless the fleet is ready.
func (o *Orchestrator) Client() *requestor.Client {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.client
}

// Up creates the network, starts and attaches the circuits, then starts and
// attaches a balancer configured with the attached circuits. If any step
// fails, everything acquired so far is released and the original error is
// returned together with any release errors.
func (o *Orchestrator) Up(ctx context.Context) (*requestor.Client, error) {
	o.lifecycle.Lock()
	defer o.lifecycle.Unlock()

	if state := o.state.get(); state != StateEmpty {
		return nil, o.state.transition(StateNetworkUp)
	}

	client, err := o.up(ctx)
	if err != nil {
		o.logger.Error("fleet failed to come up, releasing resources", zap.Error(err))
		return nil, multierr.Append(err, o.release(ctx))
	}
	return client, nil
}

func (o *Orchestrator) up(ctx context.Context) (*requestor.Client, error) {
	o.logger.Info("bringing fleet up",
		zap.Int("circuits", o.pool.Size()), zap.String("network", o.network.Name()))

	o.teardown.push("network "+o.network.Name(), o.network.Destroy)
	if err := o.network.Create(ctx); err != nil {
		return nil, err
	}
	if err := o.state.transition(StateNetworkUp); err != nil {
		return nil, err
	}

	o.teardown.push("circuits", func(ctx context.Context) error {
		return o.pool.StopAll(ctx, o.opts.Bulk)
	})
	if err := o.pool.StartAll(ctx, o.opts.Bulk); err != nil {
		return nil, err
	}
	if err := o.state.transition(StatePoolUp); err != nil {
		return nil, err
	}

	for _, u := range o.pool.Units() {
		if err := o.attach(ctx, u); err != nil {
			return nil, err
		}
	}
	if err := o.state.transition(StatePoolAttached); err != nil {
		return nil, err
	}

	members, err := o.network.Members(ctx)
	if err != nil {
		return nil, err
	}
	o.teardown.push("balancer", func(ctx context.Context) error {
		return o.balancer.Stop(ctx, o.opts.ShowLog)
	})
	if err := o.balancer.Configure(members); err != nil {
		return nil, err
	}
	if err := o.balancer.Start(ctx, o.opts.ShowLog); err != nil {
		return nil, err
	}
	if err := o.state.transition(StateBalancerUp); err != nil {
		return nil, err
	}

	if err := o.attach(ctx, o.balancer.Unit()); err != nil {
		return nil, err
	}

	o.logger.Info("waiting for circuits to settle", zap.Duration("delay", o.opts.SettleDelay))
	if err := o.sleep(ctx, o.opts.SettleDelay); err != nil {
		return nil, err
	}

	client, err := requestor.New(o.balancer.Address(), o.rotator(), o.opts.Client, o.logger, o.clientOptions...)
	if err != nil {
		return nil, err
	}
	if err := o.state.transition(StateReady); err != nil {
		return nil, err
	}

	o.mu.Lock()
	o.client = client
	o.mu.Unlock()

	o.logger.Info("fleet ready",
		zap.String("proxy", o.balancer.Address()),
		zap.String("dashboard", o.balancer.DashboardAddress()),
		zap.Int("backends", len(members)))
	return client, nil
}

func (o *Orchestrator) attach(ctx context.Context, u *Unit) error {
	c, err := u.Identity()
	if err != nil {
		return err
	}
	return o.network.Attach(ctx, c.ID, u.Spec().Name)
}

// Down stops the balancer, stops the circuits and destroys the network. Every
// step runs even when an earlier one fails; all errors are returned together.
// Down on a fleet that is not up does nothing.
func (o *Orchestrator) Down(ctx context.Context) error {
	o.lifecycle.Lock()
	defer o.lifecycle.Unlock()

	if o.state.get() == StateEmpty && o.teardown.len() == 0 {
		return nil
	}
	o.logger.Info("tearing fleet down")
	return o.release(ctx)
}

func (o *Orchestrator) release(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.opts.TeardownTimeout)
	defer cancel()

	if o.state.get() != StateEmpty {
		if err := o.state.transition(StateTearingDown); err != nil {
			return err
		}
	}

	o.mu.Lock()
	o.client = nil
	o.mu.Unlock()

	err := o.teardown.unwind(ctx)

	if o.state.get() == StateTearingDown {
		if terr := o.state.transition(StateEmpty); terr != nil {
			err = multierr.Append(err, terr)
		}
	}
	if err == nil {
		o.logger.Info("fleet released")
	}
	return err
}

// Run brings the fleet up, calls fn with the rotating client and always tears
// the fleet down afterwards.
func (o *Orchestrator) Run(ctx context.Context, fn func(context.Context, *requestor.Client) error) (err error) {
	client, err := o.Up(ctx)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, o.Down(ctx))
	}()
	return fn(ctx, client)
}

// Snapshot describes a fleet for status reporting.
type Snapshot struct {
	ID        string   `json:"id"`
	State     State    `json:"state"`
	Proxy     string   `json:"proxy"`
	Dashboard string   `json:"dashboard"`
	Network   string   `json:"network"`
	Circuits  int      `json:"circuits"`
	Backends  []string `json:"backends"`
}

func (o *Orchestrator) Snapshot() Snapshot {
	return Snapshot{
		ID:        o.id,
		State:     o.state.get(),
		Proxy:     o.balancer.Address(),
		Dashboard: o.balancer.DashboardAddress(),
		Network:   o.network.Name(),
		Circuits:  o.pool.Size(),
		Backends:  o.balancer.Backends(),
	}
}

// Circuits lists the containers attached to the fleet network right now.
func (o *Orchestrator) Circuits(ctx context.Context) ([]domain.Container, error) {
	return o.network.Members(ctx)
}

// Rotate restarts part of the pool. It fails unless the fleet is ready.
func (o *Orchestrator) Rotate(ctx context.Context) ([]string, error) {
	if state := o.state.get(); state != StateReady {
		return nil, fmt.Errorf("%w: cannot rotate a fleet in state %s", errdefs.ErrNotStarted, state)
	}
	return o.rotator().Rotate(ctx)
}

func (o *Orchestrator) rotator() requestor.Rotator {
	return poolRotator{pool: o.pool, count: o.opts.RotateCount, bulk: o.opts.Bulk}
}

// poolRotator lets the rotating client restart circuits without knowing about
// the pool.
type poolRotator struct {
	pool  *Pool
	count int
	bulk  BulkOptions
}

func (r poolRotator) Rotate(ctx context.Context) ([]string, error) {
	units, err := r.pool.RestartSubset(ctx, r.count, r.bulk)
	names := make([]string, 0, len(units))
	for _, u := range units {
		names = append(names, u.Spec().Name)
	}
	return names, err
}
