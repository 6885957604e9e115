// Package webclient is the shared outbound HTTP client used for redirect probing
// and image downloads.
package webclient

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// DefaultUserAgent mimics a desktop browser. Several ESP link trackers answer bare
// Go clients with a 403 instead of the redirect.
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"

// Options configures a Client.
type Options struct {
	UserAgent         string
	Timeout           time.Duration
	RequestsPerSecond float64
	Transport         http.RoundTripper
}

// Client wraps two http.Clients sharing one transport: one follows redirects,
// the other hands every redirect response back to the caller.
type Client struct {
	follow    *http.Client
	noFollow  *http.Client
	userAgent string
	limiter   *rate.Limiter
}

// New builds a Client. A zero RequestsPerSecond disables rate limiting.
func New(opts Options) *Client {
	if opts.UserAgent == "" {
		opts.UserAgent = DefaultUserAgent
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	transport := opts.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if opts.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), 1)
	}

	return &Client{
		follow: &http.Client{
			Timeout:   opts.Timeout,
			Transport: transport,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 10 {
					return fmt.Errorf("stopped after 10 redirects")
				}
				return nil
			},
		},
		noFollow: &http.Client{
			Timeout:   opts.Timeout,
			Transport: transport,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		userAgent: opts.UserAgent,
		limiter:   limiter,
	}
}

// Get fetches rawURL following redirects.
func (c *Client) Get(ctx context.Context, rawURL string) (*http.Response, error) {
	return c.do(ctx, c.follow, rawURL)
}

// Hop issues a single GET without following redirects.
func (c *Client) Hop(ctx context.Context, rawURL string) (*http.Response, error) {
	return c.do(ctx, c.noFollow, rawURL)
}

func (c *Client) do(ctx context.Context, hc *http.Client, rawURL string) (*http.Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter wait: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,image/avif,image/webp,*/*;q=0.8")

	return hc.Do(req)
}

// IsTimeout reports whether err was caused by a deadline rather than a refused
// or broken connection.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
