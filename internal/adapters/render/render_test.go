package render

import (
	"strings"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dgnsrekt/requests-whaor/internal/errdefs"
)

type haproxyVars struct {
	MaxConnections   int
	TimeoutClient    int
	TimeoutConnect   int
	TimeoutQueue     int
	TimeoutServer    int
	ListenPort       int
	BackendName      string
	BackendPort      int
	DashboardPort    int
	DashboardRefresh int
	Backends         []string
}

func TestRenderHAProxy(t *testing.T) {
	out, err := New().Render("haproxy.cfg", haproxyVars{
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
		Backends:         []string{"whaor-circuit-1", "whaor-circuit-2"},
	})
	require.NoError(t, err)

	cfg := string(out)
	assert.Contains(t, cfg, "maxconn 4096")
	assert.Contains(t, cfg, "timeout connect 1s")
	assert.Contains(t, cfg, "bind *:8001")
	assert.Contains(t, cfg, "bind *:9999")
	assert.Contains(t, cfg, "stats refresh 2s")
	assert.Contains(t, cfg, "backend onions")
	assert.Contains(t, cfg, "server whaor-circuit-1 whaor-circuit-1:9050 check")
	assert.Contains(t, cfg, "server whaor-circuit-2 whaor-circuit-2:9050 check")
	assert.Equal(t, 2, strings.Count(cfg, "    server "))
}

func TestRenderHAProxyResolvesBackendsAtRuntime(t *testing.T) {
	out, err := New().Render("haproxy.cfg", haproxyVars{
		BackendName: "onions",
		BackendPort: 9050,
		Backends:    []string{"whaor-circuit-1"},
	})
	require.NoError(t, err)

	cfg := string(out)
	assert.Contains(t, cfg, "resolvers docker\n    nameserver dns 127.0.0.11:53\n")
	assert.Contains(t, cfg, "hold valid 10s")
	assert.Contains(t, cfg, "default-server init-addr last,libc,none resolvers docker")

	// the resolver and server defaults come before any server line
	assert.Less(t, strings.Index(cfg, "resolvers docker"), strings.Index(cfg, "backend onions"))
	assert.Less(t, strings.Index(cfg, "default-server"), strings.Index(cfg, "server whaor-circuit-1 "))
}

func TestRenderMissingTemplate(t *testing.T) {
	_, err := New().Render("nginx.conf", nil)
	assert.ErrorIs(t, err, errdefs.ErrTemplateMissing)
}

func TestRenderMissingKey(t *testing.T) {
	fsys := fstest.MapFS{
		"templates/greeting.tmpl": {Data: []byte("hello {{ .Name }}")},
	}
	r := NewFromFS(fsys)

	out, err := r.Render("greeting", map[string]string{"Name": "onion"})
	require.NoError(t, err)
	assert.Equal(t, "hello onion", string(out))

	_, err = r.Render("greeting", map[string]string{})
	assert.Error(t, err)
}
