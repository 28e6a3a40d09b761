package fleet

import (
	"context"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
	"go.uber.org/zap/zaptest"

	"github.com/dgnsrekt/requests-whaor/internal/adapters/memory"
	"github.com/dgnsrekt/requests-whaor/internal/errdefs"
)

func newTestPool(t *testing.T, rt *memory.Runtime, size int, options ...PoolOption) *Pool {
	t.Helper()
	options = append([]PoolOption{WithRand(rand.New(rand.NewSource(1)))}, options...)
	return NewPool(rt, PoolOptions{Size: size, SettleDelay: time.Second}, zaptest.NewLogger(t), options...)
}

func TestNewPoolNaming(t *testing.T) {
	p := newTestPool(t, memory.New(), 3)

	require.Equal(t, 3, p.Size())
	names := make([]string, 0, 3)
	for _, u := range p.Units() {
		names = append(names, u.Spec().Name)
		assert.True(t, u.Spec().AutoRemove)
		assert.Equal(t, DefaultCircuitImage, u.Spec().Image)
	}
	assert.Equal(t, []string{"whaor-circuit-1", "whaor-circuit-2", "whaor-circuit-3"}, names)
}

func TestPoolStartStopAll(t *testing.T) {
	for _, bulk := range []BulkOptions{
		{Parallel: false},
		{Parallel: true, MaxWorkers: 2},
		{Parallel: true, MaxWorkers: 10},
	} {
		rt := memory.New()
		p := newTestPool(t, rt, 5)
		n := NewNetwork(rt, NetworkOptions{Name: "poolnet"}, zaptest.NewLogger(t))
		ctx := context.Background()
		require.NoError(t, n.Create(ctx))

		require.NoError(t, p.StartAll(ctx, bulk))
		assert.Equal(t, 5, rt.Running())
		for _, u := range p.Units() {
			assert.True(t, u.Running())
			c, err := u.Identity()
			require.NoError(t, err)
			require.NoError(t, n.Attach(ctx, c.ID, u.Spec().Name))
		}
		attached, err := n.Members(ctx)
		require.NoError(t, err)
		assert.Len(t, attached, 5)

		require.NoError(t, p.StopAll(ctx, bulk))
		assert.Equal(t, 0, rt.Running())
		attached, err = n.Members(ctx)
		require.NoError(t, err)
		assert.Empty(t, attached)
		require.NoError(t, n.Destroy(ctx))

		// stopping again is harmless
		require.NoError(t, p.StopAll(ctx, bulk))
	}
}

func TestPoolStartAllCollectsEveryFailure(t *testing.T) {
	for _, parallel := range []bool{false, true} {
		rt := memory.New()
		rt.FailWhenNameContains(memory.OpRun, "-2", errBoom)
		rt.FailWhenNameContains(memory.OpRun, "-4", errBoom)
		p := newTestPool(t, rt, 5)
		ctx := context.Background()

		err := p.StartAll(ctx, BulkOptions{Parallel: parallel, MaxWorkers: 3})
		require.Error(t, err)
		assert.ErrorIs(t, err, errdefs.ErrStartFailed)
		assert.Len(t, multierr.Errors(err), 2)
		assert.Contains(t, err.Error(), "whaor-circuit-2")
		assert.Contains(t, err.Error(), "whaor-circuit-4")

		// every unit was attempted and the good ones are left running
		assert.Equal(t, 5, rt.Calls(memory.OpRun))
		assert.Equal(t, 3, rt.Running())

		require.NoError(t, p.StopAll(ctx, BulkOptions{Parallel: parallel, MaxWorkers: 3}))
		assert.Equal(t, 0, rt.Running())
	}
}

func TestPoolStartAllTimeout(t *testing.T) {
	rt := memory.New()
	rt.SetDelay(time.Second)
	p := newTestPool(t, rt, 4)

	start := time.Now()
	err := p.StartAll(context.Background(), BulkOptions{Parallel: true, MaxWorkers: 1, Timeout: 30 * time.Millisecond})
	assert.ErrorIs(t, err, errdefs.ErrTimeout)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestPoolRestartSubset(t *testing.T) {
	ctx := context.Background()
	rt := memory.New()
	sleeper := &recordingSleeper{}
	p := newTestPool(t, rt, 6, WithPoolSleeper(sleeper.sleep))
	bulk := BulkOptions{Parallel: true, MaxWorkers: 3}
	require.NoError(t, p.StartAll(ctx, bulk))

	ids := make(map[string]string)
	for _, u := range p.Units() {
		c, err := u.Identity()
		require.NoError(t, err)
		ids[u.Spec().Name] = c.ID
	}

	restarted, err := p.RestartSubset(ctx, 0, bulk)
	require.NoError(t, err)
	require.Len(t, restarted, 3)

	picked := make(map[string]bool)
	for _, u := range restarted {
		picked[u.Spec().Name] = true
	}
	assert.Len(t, picked, 3, "subset has no duplicates")

	for _, u := range p.Units() {
		c, err := u.Identity()
		require.NoError(t, err)
		name := u.Spec().Name
		assert.Equal(t, ids[name], c.ID, "identity survives rotation")
		if picked[name] {
			assert.Equal(t, 1, rt.Restarts(c.ID), name)
		} else {
			assert.Equal(t, 0, rt.Restarts(c.ID), name)
		}
	}

	assert.Equal(t, []time.Duration{time.Second}, sleeper.calls())
}

func TestPoolSubsetSize(t *testing.T) {
	tests := []struct {
		size, count, want int
	}{
		{size: 1, count: 0, want: 1},
		{size: 5, count: 0, want: 2},
		{size: 6, count: -1, want: 3},
		{size: 5, count: 4, want: 4},
		{size: 5, count: 9, want: 5},
	}
	for _, tt := range tests {
		p := newTestPool(t, memory.New(), tt.size)
		assert.Equal(t, tt.want, p.subsetSize(tt.count), "size=%d count=%d", tt.size, tt.count)
	}
}

func TestPoolRestartSubsetFailure(t *testing.T) {
	ctx := context.Background()
	rt := memory.New()
	sleeper := &recordingSleeper{}
	p := newTestPool(t, rt, 2, WithPoolSleeper(sleeper.sleep))
	require.NoError(t, p.StartAll(ctx, BulkOptions{}))

	rt.FailWhenNameContains(memory.OpRestart, "whaor-circuit", errBoom)
	_, err := p.RestartSubset(ctx, 2, BulkOptions{})
	assert.ErrorIs(t, err, errdefs.ErrRestartFailed)
	assert.Empty(t, sleeper.calls(), "no settle delay after a failed rotation")
}

func TestPoolRestartSubsetSingleFlight(t *testing.T) {
	ctx := context.Background()
	rt := memory.New()

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	blocking := func(ctx context.Context, _ time.Duration) error {
		once.Do(func() { close(entered) })
		<-release
		return nil
	}

	p := newTestPool(t, rt, 4, WithPoolSleeper(blocking))
	require.NoError(t, p.StartAll(ctx, BulkOptions{}))

	var wg sync.WaitGroup
	results := make([][]*Unit, 2)
	wg.Add(1)
	go func() {
		defer wg.Done()
		results[0], _ = p.RestartSubset(ctx, 2, BulkOptions{})
	}()
	<-entered

	wg.Add(1)
	go func() {
		defer wg.Done()
		results[1], _ = p.RestartSubset(ctx, 2, BulkOptions{})
	}()
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, results[0], results[1])

	total := 0
	for _, u := range p.Units() {
		c, err := u.Identity()
		require.NoError(t, err)
		total += rt.Restarts(c.ID)
	}
	assert.Equal(t, 2, total, "the second caller joined the rotation in flight")
}
