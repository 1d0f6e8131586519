// Package netclient provides the process-wide HTTP client shared by the feed
// poller, the ESI lookups and the icon cache.
package netclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const maxErrorBody = 2048

// Options configures New. Zero values fall back to the defaults noted.
type Options struct {
	UserAgent       string
	MaxConnsPerHost int           // 10
	IdleTimeout     time.Duration // 30s
	DNSTTL          time.Duration // 5m
	RequestTimeout  time.Duration // 30s
	// RequestsPerSecond <= 0 disables client-side limiting.
	RequestsPerSecond float64
	Burst             int
	Logger            zerolog.Logger
}

// Client wraps a pooled http.Client with a DNS cache, a rate limiter and
// retry helpers. Safe for concurrent use.
type Client struct {
	http      *http.Client
	transport *http.Transport
	dns       *dnsCache
	limiter   *rate.Limiter
	userAgent string
	log       zerolog.Logger

	sleep func(ctx context.Context, d time.Duration) error

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Purpose: Build the shared client and start idle-connection maintenance.
// Key aspects: One transport per process; DNS answers cached for DNSTTL.
// Upstream: main startup.
// Downstream: dnsCache, rate.Limiter, maintenance goroutine.
func New(opts Options) *Client {
	if opts.MaxConnsPerHost <= 0 {
		opts.MaxConnsPerHost = 10
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 30 * time.Second
	}
	if opts.DNSTTL <= 0 {
		opts.DNSTTL = 5 * time.Minute
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	dialer := &net.Dialer{Timeout: 5 * time.Second, KeepAlive: 60 * time.Second}
	dns := newDNSCache(net.DefaultResolver, opts.DNSTTL)
	tr := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         dns.dialContext(dialer),
		MaxIdleConns:        100,
		MaxConnsPerHost:     opts.MaxConnsPerHost,
		MaxIdleConnsPerHost: opts.MaxConnsPerHost,
		IdleConnTimeout:     opts.IdleTimeout,
		TLSHandshakeTimeout: 5 * time.Second,
		ForceAttemptHTTP2:   true,
	}
	limit := rate.Inf
	burst := opts.Burst
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
		if burst <= 0 {
			burst = 1
		}
	}
	c := &Client{
		http:      &http.Client{Timeout: opts.RequestTimeout, Transport: tr},
		transport: tr,
		dns:       dns,
		limiter:   rate.NewLimiter(limit, burst),
		userAgent: opts.UserAgent,
		log:       opts.Logger.With().Str("component", "netclient").Logger(),
		sleep:     sleepContext,
		stop:      make(chan struct{}),
	}
	c.wg.Add(1)
	go c.maintain(opts.IdleTimeout)
	return c
}

func (c *Client) maintain(every time.Duration) {
	defer c.wg.Done()
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.transport.CloseIdleConnections()
			c.dns.prune(time.Now())
		}
	}
}

// Close stops maintenance and drops pooled connections.
func (c *Client) Close() {
	c.stopOnce.Do(func() {
		close(c.stop)
	})
	c.wg.Wait()
	c.transport.CloseIdleConnections()
}

// SetSleep replaces the retry delay function. Used by tests.
func (c *Client) SetSleep(fn func(ctx context.Context, d time.Duration) error) {
	if fn == nil {
		fn = sleepContext
	}
	c.sleep = fn
}

// Do sends req after waiting on the limiter. The caller closes the body.
func (c *Client) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	return c.http.Do(req.WithContext(ctx))
}

// GetBytes fetches url and returns the body of a 2xx response. Other statuses
// produce a *StatusError.
func (c *Client) GetBytes(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	return c.read(ctx, req)
}

// GetJSON fetches url and decodes the 2xx body into v.
func (c *Client) GetJSON(ctx context.Context, url string, v any) error {
	body, err := c.GetBytes(ctx, url)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("decode %s: %w", url, err)
	}
	return nil
}

// PostJSON sends payload as JSON and decodes the 2xx body into v (if non-nil).
func (c *Client) PostJSON(ctx context.Context, url string, payload, v any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	body, err := c.read(ctx, req)
	if err != nil {
		return err
	}
	if v == nil {
		return nil
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("decode %s: %w", url, err)
	}
	return nil
}

func (c *Client) read(ctx context.Context, req *http.Request) ([]byte, error) {
	req.Header.Set("Accept", "application/json, image/*;q=0.9, */*;q=0.5")
	resp, err := c.Do(ctx, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &StatusError{URL: req.URL.String(), StatusCode: resp.StatusCode, Body: snippet}
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", req.URL, err)
	}
	return body, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
