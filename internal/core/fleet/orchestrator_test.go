package fleet

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/dgnsrekt/requests-whaor/internal/adapters/memory"
	"github.com/dgnsrekt/requests-whaor/internal/adapters/render"
	"github.com/dgnsrekt/requests-whaor/internal/core/domain"
	"github.com/dgnsrekt/requests-whaor/internal/core/requestor"
	"github.com/dgnsrekt/requests-whaor/internal/errdefs"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) { return f(req) }

func testOptions(t *testing.T, size int) Options {
	t.Helper()
	balancer := DefaultBalancerOptions()
	balancer.ConfigDir = t.TempDir()
	return Options{
		Network:     NetworkOptions{Name: "whaornet-test"},
		Pool:        PoolOptions{Size: size, SettleDelay: time.Second},
		Bulk:        BulkOptions{Parallel: true, MaxWorkers: 3},
		Balancer:    balancer,
		Client:      requestor.Options{Timeout: time.Second, MaxRetries: 3},
		SettleDelay: 5 * time.Second,
	}
}

func newTestOrchestrator(t *testing.T, rt *memory.Runtime, opts Options, options ...Option) (*Orchestrator, *recordingSleeper) {
	t.Helper()
	sleeper := &recordingSleeper{}
	options = append([]Option{WithSleeper(sleeper.sleep), WithFleetID("fleet-test")}, options...)
	return New(rt, render.New(), opts, zaptest.NewLogger(t), options...), sleeper
}

func TestOrchestratorUpDown(t *testing.T) {
	ctx := context.Background()
	rt := memory.New()
	o, sleeper := newTestOrchestrator(t, rt, testOptions(t, 4))

	client, err := o.Up(ctx)
	require.NoError(t, err)
	require.NotNil(t, client)

	assert.Equal(t, StateReady, o.State())
	assert.Same(t, client, o.Client())
	assert.Equal(t, "socks5://localhost:8001", client.Address())
	assert.Equal(t, []time.Duration{5 * time.Second}, sleeper.calls())

	// four circuits plus the balancer
	assert.Equal(t, 5, rt.Running())
	circuits, err := o.Circuits(ctx)
	require.NoError(t, err)
	assert.Len(t, circuits, 5)
	assert.Len(t, o.Balancer().Backends(), 4, "backends are the circuits attached at configure time")

	snap := o.Snapshot()
	assert.Equal(t, "fleet-test", snap.ID)
	assert.Equal(t, StateReady, snap.State)
	assert.Equal(t, 4, snap.Circuits)
	assert.Equal(t, "http://localhost:9999", snap.Dashboard)

	require.NoError(t, o.Down(ctx))
	assert.Equal(t, StateEmpty, o.State())
	assert.Nil(t, o.Client())
	assert.Equal(t, 0, rt.Running())
	assert.Equal(t, 0, rt.NetworkCount())

	// Down twice is a no-op
	assert.NoError(t, o.Down(ctx))
}

func TestOrchestratorLabelsEveryResource(t *testing.T) {
	ctx := context.Background()
	rt := memory.New()
	o, _ := newTestOrchestrator(t, rt, testOptions(t, 2))
	_, err := o.Up(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { _ = o.Down(ctx) })

	circuits, err := rt.ListContainers(ctx, map[string]string{domain.LabelFleet: "fleet-test", domain.LabelRole: domain.RoleCircuit})
	require.NoError(t, err)
	assert.Len(t, circuits, 2)

	balancers, err := rt.ListContainers(ctx, map[string]string{domain.LabelFleet: "fleet-test", domain.LabelRole: domain.RoleBalancer})
	require.NoError(t, err)
	assert.Len(t, balancers, 1)

	networks, err := rt.ListNetworks(ctx, map[string]string{domain.LabelFleet: "fleet-test", domain.LabelRole: domain.RoleNetwork})
	require.NoError(t, err)
	assert.Len(t, networks, 1)
}

func TestOrchestratorGeneratesFleetID(t *testing.T) {
	o := New(memory.New(), render.New(), testOptions(t, 1), zaptest.NewLogger(t))
	assert.Len(t, o.ID(), 36)
}

func TestOrchestratorBalancerFailureReleasesEverything(t *testing.T) {
	ctx := context.Background()
	rt := memory.New()
	rt.FailWhenNameContains(memory.OpRun, "balancer", errBoom)
	o, _ := newTestOrchestrator(t, rt, testOptions(t, 3))

	client, err := o.Up(ctx)
	assert.Nil(t, client)
	assert.ErrorIs(t, err, errdefs.ErrStartFailed)
	assert.ErrorIs(t, err, errBoom)

	assert.Equal(t, StateEmpty, o.State())
	assert.Equal(t, 0, rt.Running())
	assert.Equal(t, 0, rt.NetworkCount(), "network removed")
	assert.Nil(t, o.Client())
}

func TestOrchestratorFailureAtEachStep(t *testing.T) {
	tests := []struct {
		name   string
		inject func(*memory.Runtime)
		want   error
	}{
		{
			name:   "network",
			inject: func(rt *memory.Runtime) { rt.FailWhenNameContains(memory.OpCreateNet, "whaornet", errBoom) },
			want:   errdefs.ErrNetworkCreateFailed,
		},
		{
			name:   "circuit start",
			inject: func(rt *memory.Runtime) { rt.FailWhenNameContains(memory.OpRun, "circuit-2", errBoom) },
			want:   errdefs.ErrStartFailed,
		},
		{
			name:   "circuit attach",
			inject: func(rt *memory.Runtime) { rt.FailWhenNameContains(memory.OpConnect, "circuit-3", errBoom) },
			want:   errdefs.ErrAttachFailed,
		},
		{
			name:   "balancer attach",
			inject: func(rt *memory.Runtime) { rt.FailWhenNameContains(memory.OpConnect, "balancer", errBoom) },
			want:   errdefs.ErrAttachFailed,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rt := memory.New()
			tt.inject(rt)
			o, _ := newTestOrchestrator(t, rt, testOptions(t, 3))

			_, err := o.Up(context.Background())
			assert.ErrorIs(t, err, tt.want)
			assert.ErrorIs(t, err, errBoom)
			assert.Equal(t, StateEmpty, o.State())
			assert.Equal(t, 0, rt.Running())
			assert.Equal(t, 0, rt.NetworkCount())
		})
	}
}

func TestOrchestratorNetworkFailureStartsNothing(t *testing.T) {
	rt := memory.New()
	rt.FailWhenNameContains(memory.OpCreateNet, "whaornet", errBoom)
	o, _ := newTestOrchestrator(t, rt, testOptions(t, 3))

	_, err := o.Up(context.Background())
	require.Error(t, err)
	assert.Equal(t, 0, rt.Calls(memory.OpRun))
}

func TestOrchestratorCanComeUpAgain(t *testing.T) {
	ctx := context.Background()
	rt := memory.New()
	o, _ := newTestOrchestrator(t, rt, testOptions(t, 2))

	_, err := o.Up(ctx)
	require.NoError(t, err)
	_, err = o.Up(ctx)
	assert.ErrorIs(t, err, errdefs.ErrInvalidTransition)

	require.NoError(t, o.Down(ctx))
	_, err = o.Up(ctx)
	require.NoError(t, err)
	require.NoError(t, o.Down(ctx))
	assert.Equal(t, 0, rt.Running())
}

func TestOrchestratorDownKeepsGoing(t *testing.T) {
	ctx := context.Background()
	rt := memory.New()
	o, _ := newTestOrchestrator(t, rt, testOptions(t, 3))
	_, err := o.Up(ctx)
	require.NoError(t, err)

	rt.FailWhenNameContains(memory.OpStop, "circuit-1", errBoom)
	err = o.Down(ctx)
	assert.ErrorIs(t, err, errBoom)

	// the stuck circuit is detached so the network still goes away
	assert.Equal(t, 1, rt.Running())
	assert.Equal(t, 0, rt.NetworkCount())
	assert.Equal(t, StateEmpty, o.State())
}

func TestOrchestratorDownIgnoresCancelledContext(t *testing.T) {
	rt := memory.New()
	o, _ := newTestOrchestrator(t, rt, testOptions(t, 2))
	_, err := o.Up(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, o.Down(ctx))
	assert.Equal(t, 0, rt.Running())
	assert.Equal(t, 0, rt.NetworkCount())
}

func TestOrchestratorRun(t *testing.T) {
	rt := memory.New()
	o, _ := newTestOrchestrator(t, rt, testOptions(t, 2))

	called := false
	err := o.Run(context.Background(), func(ctx context.Context, client *requestor.Client) error {
		called = true
		assert.Equal(t, StateReady, o.State())
		assert.Equal(t, 3, rt.Running())
		return errBoom
	})
	assert.True(t, called)
	assert.ErrorIs(t, err, errBoom)
	assert.Equal(t, 0, rt.Running())
	assert.Equal(t, 0, rt.NetworkCount())
}

func TestOrchestratorRotate(t *testing.T) {
	ctx := context.Background()
	rt := memory.New()
	opts := testOptions(t, 4)
	opts.RotateCount = 3
	o, sleeper := newTestOrchestrator(t, rt, opts)

	_, err := o.Rotate(ctx)
	assert.ErrorIs(t, err, errdefs.ErrNotStarted)

	client, err := o.Up(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { _ = o.Down(ctx) })

	names, err := client.Rotate(ctx)
	require.NoError(t, err)
	assert.Len(t, names, 3)
	for _, name := range names {
		assert.True(t, strings.HasPrefix(name, "whaor-circuit-"), name)
	}
	assert.Equal(t, []time.Duration{5 * time.Second, time.Second}, sleeper.calls())

	// the ingress is untouched by rotation
	assert.Equal(t, "socks5://localhost:8001", client.Address())
	assert.Equal(t, StateReady, o.State())
}

func TestOrchestratorClientOptions(t *testing.T) {
	ctx := context.Background()
	attempts := 0
	transport := roundTripFunc(func(req *http.Request) (*http.Response, error) {
		attempts++
		return &http.Response{StatusCode: http.StatusOK, Body: http.NoBody, Request: req}, nil
	})

	o, _ := newTestOrchestrator(t, memory.New(), testOptions(t, 1), WithClientOptions(requestor.WithTransport(transport)))
	client, err := o.Up(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { _ = o.Down(ctx) })

	resp, err := client.Get(ctx, "http://example.com", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, 1, attempts)
}
