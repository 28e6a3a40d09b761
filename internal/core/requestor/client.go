// Package requestor issues HTTP requests through a fleet's rotating proxy.
package requestor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/dgnsrekt/requests-whaor/internal/errdefs"
)

const (
	DefaultTimeout    = 5 * time.Second
	DefaultMaxRetries = 5
)

// Requester is anything that can issue an HTTP request. *http.Client and
// *Client both qualify, so code written against it can take either.
type Requester interface {
	Do(req *http.Request) (*http.Response, error)
}

// Rotator changes the identities behind the ingress address. It returns the
// names of the restarted circuits.
type Rotator interface {
	Rotate(ctx context.Context) ([]string, error)
}

// Options tune every request.
type Options struct {
	// Timeout bounds a single attempt.
	Timeout time.Duration
	// MaxRetries is the total number of attempts per request. Zero or less
	// means DefaultMaxRetries.
	MaxRetries int
}

// Option customizes a Client.
type Option func(*Client)

// WithTransport replaces the proxying transport.
func WithTransport(rt http.RoundTripper) Option {
	return func(c *Client) { c.http.Transport = rt }
}

var _ Requester = (*Client)(nil)

// Client sends requests through a fixed ingress address and retries failed
// attempts, each of which is likely to leave through a different circuit.
type Client struct {
	proxy   *url.URL
	opts    Options
	http    *http.Client
	rotator Rotator
	logger  *zap.Logger
}

// New returns a client bound to proxyAddress for its whole lifetime.
func New(proxyAddress string, rotator Rotator, opts Options, logger *zap.Logger, options ...Option) (*Client, error) {
	proxy, err := url.Parse(proxyAddress)
	if err != nil {
		return nil, fmt.Errorf("invalid proxy address %q: %w", proxyAddress, err)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}

	c := &Client{
		proxy: proxy,
		opts:  opts,
		http: &http.Client{
			Timeout: opts.Timeout,
			Transport: &http.Transport{
				Proxy: http.ProxyURL(proxy),
				// A reused tunnel would pin every request to one circuit.
				DisableKeepAlives: true,
			},
		},
		rotator: rotator,
		logger:  logger,
	}
	for _, option := range options {
		option(c)
	}
	return c, nil
}

// Address returns the ingress address.
func (c *Client) Address() string {
	return c.proxy.String()
}

// ProxyURL returns a copy of the ingress address.
func (c *Client) ProxyURL() *url.URL {
	u := *c.proxy
	return &u
}

// RotatingProxy maps URL schemes to the ingress address.
func (c *Client) RotatingProxy() map[string]string {
	addr := c.Address()
	return map[string]string{"http": addr, "https": addr}
}

// Get fetches rawURL, retrying transport failures and non-OK responses.
// Extra headers are sent with every attempt.
func (c *Client) Get(ctx context.Context, rawURL string, header http.Header) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	for key, values := range header {
		req.Header[key] = values
	}
	return c.Do(req)
}

// Do sends req up to MaxRetries times. The first OK response (status below
// 400) is returned. When every attempt fails the result is nil and the error
// wraps errdefs.ErrExhausted. Errors that retrying cannot fix, such as an
// unsupported scheme or a cancelled context, are returned at once.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	var last error
	for remaining := c.opts.MaxRetries; remaining > 0; remaining-- {
		attempt, err := replay(req, remaining == c.opts.MaxRetries)
		if err != nil {
			return nil, err
		}

		resp, err := c.http.Do(attempt)
		switch {
		case err != nil:
			if ctxErr := req.Context().Err(); ctxErr != nil {
				return nil, ctxErr
			}
			if !isTransportError(err) {
				return nil, err
			}
			last = fmt.Errorf("%w: %w", errdefs.ErrTransport, err)
			c.logger.Warn("request failed", zap.String("url", req.URL.Redacted()), zap.Error(err))

		case resp.StatusCode < http.StatusBadRequest:
			return resp, nil

		default:
			last = fmt.Errorf("unexpected status %s", resp.Status)
			_, _ = io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			c.logger.Warn("bad response", zap.String("url", req.URL.Redacted()), zap.Int("status", resp.StatusCode))
		}

		c.logger.Debug("retrying", zap.Int("remaining", remaining-1))
	}

	return nil, fmt.Errorf("%w: %s %s after %d attempts: %w",
		errdefs.ErrExhausted, req.Method, req.URL.Redacted(), c.opts.MaxRetries, last)
}

// Rotate restarts part of the fleet. The ingress address does not change.
func (c *Client) Rotate(ctx context.Context) ([]string, error) {
	if c.rotator == nil {
		return nil, errors.New("client has no fleet to rotate")
	}
	return c.rotator.Rotate(ctx)
}

// replay clones req for an attempt. Attempts after the first need a fresh
// body from GetBody.
func replay(req *http.Request, first bool) (*http.Request, error) {
	attempt := req.Clone(req.Context())
	if first || req.Body == nil || req.Body == http.NoBody {
		return attempt, nil
	}
	if req.GetBody == nil {
		return nil, errors.New("request body cannot be replayed: GetBody is nil")
	}
	body, err := req.GetBody()
	if err != nil {
		return nil, err
	}
	attempt.Body = body
	return attempt, nil
}

// isTransportError reports failures of the connection itself: refused or
// reset connections, timeouts, and socks handshake errors.
func isTransportError(err error) bool {
	// *url.Error satisfies net.Error itself, so look at what it wraps.
	var uerr *url.Error
	if errors.As(err, &uerr) {
		if uerr.Timeout() {
			return true
		}
		err = uerr.Err
	}

	var nerr net.Error
	switch {
	case errors.As(err, &nerr):
		return true
	case errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.EPIPE),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF):
		return true
	default:
		return false
	}
}
