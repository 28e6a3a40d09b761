package http

import (
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
)

// DashboardPrefix is where the HAProxy stats page is mounted on the admin API.
const DashboardPrefix = "/dashboard"

// ProxyHandler forwards dashboard requests to the balancer's stats listener.
type ProxyHandler struct {
	remote *url.URL
	proxy  *httputil.ReverseProxy
}

// NewProxyHandler creates a proxy to the dashboard at target.
func NewProxyHandler(target string) (*ProxyHandler, error) {
	remote, err := url.Parse(target)
	if err != nil {
		return nil, fmt.Errorf("invalid dashboard address %q: %w", target, err)
	}

	proxy := httputil.NewSingleHostReverseProxy(remote)

	// Rewrite Host and drop the mount prefix so HAProxy sees its own stats URI.
	originalDirector := proxy.Director
	proxy.Director = func(req *http.Request) {
		originalDirector(req)
		req.Host = remote.Host
		req.URL.Host = remote.Host
		req.URL.Scheme = remote.Scheme
		req.URL.Path = "/" + strings.TrimLeft(strings.TrimPrefix(req.URL.Path, DashboardPrefix), "/")
		req.URL.RawPath = ""
	}

	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		w.WriteHeader(http.StatusBadGateway)
		fmt.Fprintf(w, "dashboard unreachable: target=%s error=%v", remote.Host, err)
	}

	return &ProxyHandler{remote: remote, proxy: proxy}, nil
}

// ProxyRequest relays the request through the net/http reverse proxy.
func (h *ProxyHandler) ProxyRequest(c *fiber.Ctx) error {
	return adaptor.HTTPHandler(h.proxy)(c)
}
