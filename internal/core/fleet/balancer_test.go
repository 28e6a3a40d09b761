package fleet

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/dgnsrekt/requests-whaor/internal/adapters/memory"
	"github.com/dgnsrekt/requests-whaor/internal/adapters/render"
	"github.com/dgnsrekt/requests-whaor/internal/core/domain"
	"github.com/dgnsrekt/requests-whaor/internal/errdefs"
)

func newTestBalancer(t *testing.T, rt *memory.Runtime) *Balancer {
	t.Helper()
	opts := DefaultBalancerOptions()
	opts.ConfigDir = t.TempDir()
	return NewBalancer(rt, render.New(), opts, zaptest.NewLogger(t))
}

func members(names ...string) []domain.Container {
	out := make([]domain.Container, 0, len(names))
	for _, n := range names {
		out = append(out, domain.Container{ID: n + "-id", Name: n})
	}
	return out
}

func TestBalancerAddresses(t *testing.T) {
	b := newTestBalancer(t, memory.New())

	assert.Equal(t, "socks5://localhost:8001", b.Address())
	assert.Equal(t, "http://localhost:9999", b.DashboardAddress())
	assert.Equal(t, map[string]string{
		"http":  "socks5://localhost:8001",
		"https": "socks5://localhost:8001",
	}, b.Proxies())
	assert.Equal(t, []int{8001, 9999}, DefaultBalancerOptions().Ports())
}

func TestBalancerConfigureRendersEveryMember(t *testing.T) {
	b := newTestBalancer(t, memory.New())
	require.NoError(t, b.Configure(members("whaor-circuit-1", "whaor-circuit-2", "whaor-circuit-3")))

	assert.Equal(t, []string{"whaor-circuit-1", "whaor-circuit-2", "whaor-circuit-3"}, b.Backends())

	unit := b.Unit()
	require.NotNil(t, unit)
	spec := unit.Spec()
	assert.Equal(t, DefaultBalancerImage, spec.Image)
	assert.Equal(t, []int{8001, 9999}, spec.Ports)
	require.Len(t, spec.Mounts, 1)
	assert.Equal(t, balancerConfigTarget, spec.Mounts[0].Target)
	assert.True(t, spec.Mounts[0].ReadOnly)

	data, err := os.ReadFile(spec.Mounts[0].Source)
	require.NoError(t, err)
	cfg := string(data)
	assert.Equal(t, 3, strings.Count(cfg, "    server "))
	assert.Contains(t, cfg, "server whaor-circuit-2 whaor-circuit-2:9050 check")
	assert.Contains(t, cfg, "timeout server 3600s")

	info, err := os.Stat(spec.Mounts[0].Source)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o644), info.Mode().Perm())
}

func TestBalancerStartRequiresConfigure(t *testing.T) {
	b := newTestBalancer(t, memory.New())
	assert.ErrorIs(t, b.Start(context.Background(), false), errdefs.ErrStartFailed)
	assert.NoError(t, b.Stop(context.Background(), false))
}

func TestBalancerStartStop(t *testing.T) {
	ctx := context.Background()
	rt := memory.New()
	b := newTestBalancer(t, rt)
	require.NoError(t, b.Configure(members("whaor-circuit-1")))
	source := b.Unit().Spec().Mounts[0].Source

	require.NoError(t, b.Start(ctx, false))
	assert.Equal(t, 1, rt.Running())

	require.NoError(t, b.Stop(ctx, false))
	assert.Equal(t, 0, rt.Running())
	assert.NoFileExists(t, source)

	assert.NoError(t, b.Stop(ctx, false))
}

func TestBalancerReconfigureReplacesFile(t *testing.T) {
	b := newTestBalancer(t, memory.New())
	require.NoError(t, b.Configure(members("a")))
	first := b.Unit().Spec().Mounts[0].Source

	require.NoError(t, b.Configure(members("a", "b")))
	assert.NoFileExists(t, first)
	assert.Len(t, b.Backends(), 2)
}

func TestBalancerReconfigureLogsStaleConfig(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	opts := DefaultBalancerOptions()
	opts.ConfigDir = t.TempDir()
	b := NewBalancer(memory.New(), render.New(), opts, zap.New(core))

	require.NoError(t, b.Configure(members("a")))
	first := b.Unit().Spec().Mounts[0].Source

	// a non-empty directory in place of the old file cannot be removed
	require.NoError(t, os.Remove(first))
	require.NoError(t, os.Mkdir(first, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(first, "keep"), nil, 0o600))

	require.NoError(t, b.Configure(members("a", "b")))
	assert.Len(t, b.Backends(), 2)

	warned := logs.FilterMessage("failed to remove previous balancer config").All()
	require.Len(t, warned, 1)
	assert.Equal(t, first, warned[0].ContextMap()["config"])
}

func TestBalancerTemplateMissing(t *testing.T) {
	opts := DefaultBalancerOptions()
	opts.ConfigDir = t.TempDir()
	b := NewBalancer(memory.New(), render.NewFromFS(fstest.MapFS{}), opts, zaptest.NewLogger(t))

	err := b.Configure(members("a"))
	assert.ErrorIs(t, err, errdefs.ErrTemplateMissing)
	assert.Nil(t, b.Unit())
}

func TestBalancerConfigWriteFailed(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0o600))

	opts := DefaultBalancerOptions()
	opts.ConfigDir = filepath.Join(blocker, "sub")
	b := NewBalancer(memory.New(), render.New(), opts, zaptest.NewLogger(t))

	assert.ErrorIs(t, b.Configure(members("a")), errdefs.ErrConfigWriteFailed)
}
