// Package memory is an in-process container runtime. It backs dry runs and
// lets tests inject faults into any runtime operation.
package memory

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dgnsrekt/requests-whaor/internal/core/domain"
	"github.com/dgnsrekt/requests-whaor/internal/core/ports"
	"github.com/dgnsrekt/requests-whaor/internal/errdefs"
)

var _ ports.Runtime = (*Runtime)(nil)

// Op names a runtime operation for fault injection and call counting.
type Op string

const (
	OpPing       Op = "ping"
	OpRun        Op = "run"
	OpStop       Op = "stop"
	OpRestart    Op = "restart"
	OpRemove     Op = "remove"
	OpLogs       Op = "logs"
	OpCreateNet  Op = "create_network"
	OpConnect    Op = "connect"
	OpDisconnect Op = "disconnect"
	OpMembers    Op = "members"
	OpRemoveNet  Op = "remove_network"
)

// Fault decides whether an operation on target fails. target is the container
// name for container operations and the network name for network operations.
type Fault func(target string) error

type containerState struct {
	info     domain.Container
	spec     domain.ContainerSpec
	running  bool
	restarts int
	logs     []string
	networks map[string]bool
}

type networkState struct {
	info    domain.Network
	members map[string][]string // container id -> aliases
}

// Runtime keeps containers and networks in maps.
type Runtime struct {
	mu         sync.Mutex
	seq        int
	containers map[string]*containerState
	networks   map[string]*networkState
	faults     map[Op][]Fault
	calls      map[Op]int
	delay      time.Duration
}

// New returns an empty runtime.
func New() *Runtime {
	return &Runtime{
		containers: make(map[string]*containerState),
		networks:   make(map[string]*networkState),
		faults:     make(map[Op][]Fault),
		calls:      make(map[Op]int),
	}
}

// InjectFault registers a fault consulted on every call to op.
func (r *Runtime) InjectFault(op Op, fault Fault) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.faults[op] = append(r.faults[op], fault)
}

// FailWhenNameContains fails op for every target containing substr.
func (r *Runtime) FailWhenNameContains(op Op, substr string, err error) {
	r.InjectFault(op, func(target string) error {
		if strings.Contains(target, substr) {
			return err
		}
		return nil
	})
}

// SetDelay makes every container operation block for d, honoring ctx.
func (r *Runtime) SetDelay(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delay = d
}

// Calls reports how many times op was invoked.
func (r *Runtime) Calls(op Op) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[op]
}

// Restarts reports how many times the container was restarted.
func (r *Runtime) Restarts(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.containers[id]; ok {
		return c.restarts
	}
	return 0
}

// Running reports how many containers are running.
func (r *Runtime) Running() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.containers {
		if c.running {
			n++
		}
	}
	return n
}

// NetworkCount reports how many networks exist.
func (r *Runtime) NetworkCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.networks)
}

// AppendLog adds a line to a container's log output.
func (r *Runtime) AppendLog(id, line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.containers[id]; ok {
		c.logs = append(c.logs, line)
	}
}

// enter records the call, applies the configured delay and consults faults.
// It must be called without r.mu held.
func (r *Runtime) enter(ctx context.Context, op Op, target string) error {
	r.mu.Lock()
	r.calls[op]++
	delay := r.delay
	faults := append([]Fault(nil), r.faults[op]...)
	r.mu.Unlock()

	if delay > 0 && op != OpPing {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, fault := range faults {
		if err := fault(target); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runtime) nextID() string {
	r.seq++
	return fmt.Sprintf("%064x", r.seq)
}

func matches(labels, want map[string]string) bool {
	for k, v := range want {
		got, ok := labels[k]
		if !ok || (v != "" && got != v) {
			return false
		}
	}
	return true
}

func (r *Runtime) containerName(id string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.containers[id]; ok {
		return c.info.Name
	}
	return id
}

func (r *Runtime) networkName(id string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n, ok := r.networks[id]; ok {
		return n.info.Name
	}
	return id
}

// Ping always succeeds unless a fault says otherwise.
func (r *Runtime) Ping(ctx context.Context) error {
	if err := r.enter(ctx, OpPing, ""); err != nil {
		return fmt.Errorf("%w: %w", errdefs.ErrRuntimeUnavailable, err)
	}
	return nil
}

func (r *Runtime) ListContainers(ctx context.Context, labels map[string]string) ([]domain.Container, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var result []domain.Container
	for _, c := range r.containers {
		if matches(c.info.Labels, labels) {
			result = append(result, c.snapshot())
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, nil
}

func (r *Runtime) RunContainer(ctx context.Context, spec domain.ContainerSpec) (domain.Container, error) {
	if err := r.enter(ctx, OpRun, spec.Name); err != nil {
		return domain.Container{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.nextID()
	name := spec.Name
	if name == "" {
		name = "unit_" + id[len(id)-6:]
	}
	for _, c := range r.containers {
		if c.info.Name == name {
			return domain.Container{}, fmt.Errorf("%w: container name %q is already in use", errdefs.ErrConflict, name)
		}
	}

	c := &containerState{
		info: domain.Container{
			ID:     id,
			Name:   name,
			Image:  spec.Image,
			Labels: spec.Labels,
		},
		spec:     spec,
		running:  true,
		networks: make(map[string]bool),
		logs:     []string{fmt.Sprintf("%s started from %s", name, spec.Image)},
	}
	r.containers[id] = c
	return c.snapshot(), nil
}

func (c *containerState) snapshot() domain.Container {
	info := c.info
	if c.running {
		info.State = "running"
		info.Status = "Up"
	} else {
		info.State = "exited"
		info.Status = "Exited (0)"
	}
	return info
}

func (r *Runtime) StopContainer(ctx context.Context, id string, _ time.Duration) error {
	if err := r.enter(ctx, OpStop, r.containerName(id)); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.containers[id]
	if !ok {
		return fmt.Errorf("%w: container %s", errdefs.ErrNotFound, id)
	}
	if !c.running {
		return fmt.Errorf("%w: container %s is not running", errdefs.ErrAlreadyStopped, c.info.Name)
	}
	c.running = false
	// Stopped containers lose their endpoints, auto-removed ones vanish.
	for netID := range c.networks {
		if n, ok := r.networks[netID]; ok {
			delete(n.members, id)
		}
	}
	c.networks = make(map[string]bool)
	if c.spec.AutoRemove {
		delete(r.containers, id)
	}
	return nil
}

func (r *Runtime) RestartContainer(ctx context.Context, id string, _ time.Duration) error {
	if err := r.enter(ctx, OpRestart, r.containerName(id)); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.containers[id]
	if !ok {
		return fmt.Errorf("%w: container %s", errdefs.ErrNotFound, id)
	}
	c.running = true
	c.restarts++
	c.logs = append(c.logs, fmt.Sprintf("%s restarted", c.info.Name))
	return nil
}

func (r *Runtime) RemoveContainer(ctx context.Context, id string) error {
	if err := r.enter(ctx, OpRemove, r.containerName(id)); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.containers[id]
	if !ok {
		return fmt.Errorf("%w: container %s", errdefs.ErrNotFound, id)
	}
	for netID := range c.networks {
		if n, ok := r.networks[netID]; ok {
			delete(n.members, id)
		}
	}
	delete(r.containers, id)
	return nil
}

func (r *Runtime) GetContainerLogs(ctx context.Context, id string) (io.ReadCloser, error) {
	if err := r.enter(ctx, OpLogs, r.containerName(id)); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.containers[id]
	if !ok {
		return nil, fmt.Errorf("%w: container %s", errdefs.ErrNotFound, id)
	}
	return io.NopCloser(strings.NewReader(strings.Join(c.logs, "\n") + "\n")), nil
}

func (r *Runtime) CreateNetwork(ctx context.Context, spec domain.NetworkSpec) (domain.Network, error) {
	if err := r.enter(ctx, OpCreateNet, spec.Name); err != nil {
		return domain.Network{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, n := range r.networks {
		if n.info.Name == spec.Name {
			return domain.Network{}, fmt.Errorf("%w: network with name %s already exists", errdefs.ErrConflict, spec.Name)
		}
	}
	id := r.nextID()
	n := &networkState{
		info: domain.Network{
			ID:     id,
			Name:   spec.Name,
			Driver: spec.Driver,
			Labels: spec.Labels,
		},
		members: make(map[string][]string),
	}
	r.networks[id] = n
	return n.info, nil
}

func (r *Runtime) ConnectNetwork(ctx context.Context, networkID, containerID string, aliases []string) error {
	if err := r.enter(ctx, OpConnect, r.containerName(containerID)); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.networks[networkID]
	if !ok {
		return fmt.Errorf("%w: network %s", errdefs.ErrNotFound, networkID)
	}
	c, ok := r.containers[containerID]
	if !ok || !c.running {
		return fmt.Errorf("%w: container %s", errdefs.ErrNotFound, containerID)
	}
	if _, exists := n.members[containerID]; exists {
		return fmt.Errorf("%w: endpoint with name %s already exists in network %s",
			errdefs.ErrConflict, c.info.Name, n.info.Name)
	}
	n.members[containerID] = aliases
	c.networks[networkID] = true
	return nil
}

func (r *Runtime) DisconnectNetwork(ctx context.Context, networkID, containerID string) error {
	if err := r.enter(ctx, OpDisconnect, r.containerName(containerID)); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.networks[networkID]
	if !ok {
		return fmt.Errorf("%w: network %s", errdefs.ErrNotFound, networkID)
	}
	if _, exists := n.members[containerID]; !exists {
		return fmt.Errorf("%w: container %s is not connected to network %s",
			errdefs.ErrNotFound, containerID, n.info.Name)
	}
	delete(n.members, containerID)
	if c, ok := r.containers[containerID]; ok {
		delete(c.networks, networkID)
	}
	return nil
}

func (r *Runtime) NetworkMembers(ctx context.Context, networkID string) ([]domain.Container, error) {
	if err := r.enter(ctx, OpMembers, r.networkName(networkID)); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.networks[networkID]
	if !ok {
		return nil, fmt.Errorf("%w: network %s", errdefs.ErrNotFound, networkID)
	}
	members := make([]domain.Container, 0, len(n.members))
	for id := range n.members {
		name := id
		if c, ok := r.containers[id]; ok {
			name = c.info.Name
		}
		members = append(members, domain.Container{ID: id, Name: name})
	}
	sort.Slice(members, func(i, j int) bool { return members[i].Name < members[j].Name })
	return members, nil
}

func (r *Runtime) RemoveNetwork(ctx context.Context, networkID string) error {
	if err := r.enter(ctx, OpRemoveNet, r.networkName(networkID)); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.networks[networkID]
	if !ok {
		return fmt.Errorf("%w: network %s", errdefs.ErrNotFound, networkID)
	}
	if len(n.members) > 0 {
		return fmt.Errorf("%w: network %s has %d active endpoints",
			errdefs.ErrNetworkBusy, n.info.Name, len(n.members))
	}
	delete(r.networks, networkID)
	return nil
}

func (r *Runtime) ListNetworks(ctx context.Context, labels map[string]string) ([]domain.Network, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var result []domain.Network
	for _, n := range r.networks {
		if matches(n.info.Labels, labels) {
			result = append(result, n.info)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, nil
}
