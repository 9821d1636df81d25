// Package primary is the adapter for the self-hosted GPU inference endpoint.
//
// The endpoint speaks the OpenAI chat completions API, so the wire work is
// delegated to openaicompat. What this package adds is a transport with
// independent connect, read and write timeouts, and a plain HTTP health probe.
package primary

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/nulpointcorp/inference-failover/internal/providers"
	"github.com/nulpointcorp/inference-failover/internal/providers/openaicompat"
	"github.com/nulpointcorp/inference-failover/pkg/apierr"
)

// Default timeouts.
const (
	DefaultTimeout        = 120 * time.Second
	DefaultConnectTimeout = 5 * time.Second
	DefaultReadTimeout    = 60 * time.Second
	DefaultWriteTimeout   = 10 * time.Second
	DefaultHealthPath     = "/health"
)

// Config describes the primary endpoint.
type Config struct {
	// URL is the API root, e.g. "http://gpu-0.internal:8000/v1".
	URL    string
	Model  string
	APIKey string

	// Timeout bounds a whole non-streaming request. Streams run for as long
	// as the caller's context allows. ConnectTimeout bounds the TCP dial;
	// ReadTimeout the wait for response headers and every subsequent body
	// read; WriteTimeout every request write.
	Timeout        time.Duration
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration

	// HealthPath is resolved against the URL's scheme and host.
	HealthPath string
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = DefaultReadTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.HealthPath == "" {
		c.HealthPath = DefaultHealthPath
	}
	return c
}

// Provider implements providers.Provider and providers.Streamer for the
// primary endpoint.
type Provider struct {
	cfg        Config
	wire       *openaicompat.Provider
	httpClient *http.Client
	healthURL  string
}

// New creates the primary adapter.
func New(cfg Config) (*Provider, error) {
	cfg = cfg.withDefaults()
	if cfg.URL == "" {
		return nil, apierr.Configuration("primary: url is required")
	}
	healthURL, err := resolveHealthURL(cfg.URL, cfg.HealthPath)
	if err != nil {
		return nil, apierr.Configuration("primary: %v", err)
	}

	httpClient := &http.Client{
		Transport: &stallTransport{base: newTransport(cfg), read: cfg.ReadTimeout},
	}

	apiKey := cfg.APIKey
	if apiKey == "" {
		// The SDK refuses to build a request without a key; self-hosted
		// servers ignore the header.
		apiKey = "none"
	}

	return &Provider{
		cfg:        cfg,
		httpClient: httpClient,
		healthURL:  healthURL,
		wire: openaicompat.New(providers.KindPrimary, apiKey,
			openaicompat.WithBaseURL(cfg.URL),
			openaicompat.WithHTTPClient(httpClient),
		),
	}, nil
}

func (p *Provider) Name() string { return string(providers.KindPrimary) }

// Model returns the configured model, used when a request does not name one.
func (p *Provider) Model() string { return p.cfg.Model }

func (p *Provider) Complete(ctx context.Context, req *providers.Request) (*providers.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()
	return p.wire.Complete(ctx, p.ToWire(req))
}

func (p *Provider) Stream(ctx context.Context, req *providers.Request) (<-chan providers.StreamChunk, error) {
	return p.wire.Stream(ctx, p.ToWire(req))
}

// ToWire pins the request to the primary's model. The request is copied.
func (p *Provider) ToWire(req *providers.Request) *providers.Request {
	out := *req
	if p.cfg.Model != "" {
		out.Model = p.cfg.Model
	}
	return &out
}

// HealthCheck issues GET <scheme>://<host><HealthPath> with a 5s timeout and
// expects a 2xx answer.
func (p *Provider) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, providers.HealthCheckTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.healthURL, nil)
	if err != nil {
		return apierr.Wrap(apierr.KindConfiguration, p.Name(), err)
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return providers.Classify(p.Name(), err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return providers.FromStatus(p.Name(), resp.StatusCode, resp.Header, "health check failed", nil)
	}
	return nil
}

func resolveHealthURL(base, path string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("invalid url %q", base)
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return fmt.Sprintf("%s://%s%s", u.Scheme, u.Host, path), nil
}

func newTransport(cfg Config) *http.Transport {
	dialer := &net.Dialer{Timeout: cfg.ConnectTimeout, KeepAlive: 30 * time.Second}
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			conn, err := dialer.DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			return &writeDeadlineConn{Conn: conn, write: cfg.WriteTimeout}, nil
		},
		TLSHandshakeTimeout:   cfg.ConnectTimeout,
		ResponseHeaderTimeout: cfg.ReadTimeout,
		MaxIdleConns:          64,
		MaxIdleConnsPerHost:   32,
		IdleConnTimeout:       90 * time.Second,
		ForceAttemptHTTP2:     true,
	}
}

// writeDeadlineConn arms a fresh deadline before every Write. Reads are left
// alone: the transport keeps a read pending on idle pooled connections, and
// a read deadline there would close them between requests.
type writeDeadlineConn struct {
	net.Conn
	write time.Duration
}

func (c *writeDeadlineConn) Write(b []byte) (int, error) {
	if c.write > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.write))
	}
	return c.Conn.Write(b)
}

// errStalled is returned by a response body that produced no data for the
// read timeout.
var errStalled = fmt.Errorf("primary: response body stalled: %w", context.DeadlineExceeded)

// stallTransport cancels a request whose response body goes quiet for longer
// than read. The clock only runs while a Read is waiting on the upstream, so
// a slow consumer never trips it.
type stallTransport struct {
	base http.RoundTripper
	read time.Duration
}

func (t *stallTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.read <= 0 {
		return t.base.RoundTrip(req)
	}
	ctx, cancel := context.WithCancel(req.Context())
	resp, err := t.base.RoundTrip(req.WithContext(ctx))
	if err != nil {
		cancel()
		return nil, err
	}
	body := &stallBody{ReadCloser: resp.Body, read: t.read, cancel: cancel}
	body.timer = time.AfterFunc(t.read, body.stall)
	body.timer.Stop()
	resp.Body = body
	return resp, nil
}

type stallBody struct {
	io.ReadCloser
	read    time.Duration
	cancel  context.CancelFunc
	timer   *time.Timer
	stalled atomic.Bool
}

func (b *stallBody) stall() {
	b.stalled.Store(true)
	b.cancel()
}

func (b *stallBody) Read(p []byte) (int, error) {
	b.timer.Reset(b.read)
	n, err := b.ReadCloser.Read(p)
	b.timer.Stop()
	if err != nil && b.stalled.Load() {
		err = errStalled
	}
	return n, err
}

func (b *stallBody) Close() error {
	b.timer.Stop()
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}
