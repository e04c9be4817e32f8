// Package httpclient lets the front end issue outbound HTTP requests through
// the host, subject to a host allowlist, a rate limit and a response size cap.
package httpclient

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"posdesk/host"
	"posdesk/metrics"
	"posdesk/util"
)

const (
	KindHostNotAllowed = "host_not_allowed"
	KindBodyTooLarge   = "body_too_large"
	KindRequestFailed  = "request_failed"
)

const maxRedirects = 10

// Options configures the plugin
type Options struct {
	Timeout           time.Duration
	AllowedHosts      []string
	MaxBodyBytes      int64
	RequestsPerSecond float64
	Burst             int

	// Transport overrides the default transport (tests)
	Transport http.RoundTripper
}

// Plugin is the "http" capability
type Plugin struct {
	client       *http.Client
	allowed      []string
	maxBodyBytes int64
	limiter      *rate.Limiter
	logger       *zap.SugaredLogger
}

// New creates the plugin with its own client and limiter
func New(opts Options, logger *zap.SugaredLogger) *Plugin {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 10 * 1024 * 1024
	}
	if opts.RequestsPerSecond <= 0 {
		opts.RequestsPerSecond = 10
	}
	if opts.Burst < 1 {
		opts.Burst = 1
	}
	transport := opts.Transport
	if transport == nil {
		transport = &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			TLSClientConfig:     &tls.Config{MinVersion: tls.VersionTLS12},
			MaxIdleConnsPerHost: 4,
			IdleConnTimeout:     90 * time.Second,
		}
	}

	p := &Plugin{
		allowed:      normalizeHosts(opts.AllowedHosts),
		maxBodyBytes: opts.MaxBodyBytes,
		limiter:      rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), opts.Burst),
		logger:       logger,
	}
	p.client = &http.Client{
		Timeout:   opts.Timeout,
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return fmt.Errorf("stopped after %d redirects", maxRedirects)
			}
			return p.checkURL(req.URL)
		},
	}
	return p
}

func (p *Plugin) Name() string { return "http" }

func (p *Plugin) Commands() map[string]host.Handler {
	return map[string]host.Handler{
		"fetch": p.fetch,
	}
}

func (p *Plugin) Close() error {
	p.client.CloseIdleConnections()
	return nil
}

type fetchArgs struct {
	Method  string            `json:"method" validate:"max=16"`
	URL     string            `json:"url" validate:"required,max=8192"`
	Headers map[string]string `json:"headers"`
	Body    *string           `json:"body"`
}

// FetchResult is returned by fetch. Header values with multiple entries are
// joined with ", ".
type FetchResult struct {
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body"`
}

func (p *Plugin) fetch(ctx context.Context, req *host.Request) (any, error) {
	var args fetchArgs
	if err := req.Decode(&args); err != nil {
		return nil, err
	}
	method := strings.ToUpper(args.Method)
	switch method {
	case "":
		method = http.MethodGet
	case http.MethodGet, http.MethodHead, http.MethodPost, http.MethodPut,
		http.MethodPatch, http.MethodDelete, http.MethodOptions:
	default:
		return nil, host.Errorf(host.KindInvalidRequest, "method %q not allowed", args.Method)
	}

	target, err := url.Parse(args.URL)
	if err != nil {
		return nil, host.Errorf(host.KindInvalidRequest, "invalid url: %v", err)
	}
	if err := p.checkURL(target); err != nil {
		return nil, err
	}

	if err := p.limiter.Wait(ctx); err != nil {
		return nil, host.WithKind(host.KindUnavailable, fmt.Errorf("rate limit wait: %w", err))
	}

	var body io.Reader
	if args.Body != nil {
		body = strings.NewReader(*args.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return nil, host.Errorf(host.KindInvalidRequest, "invalid request: %v", err)
	}
	for name, value := range args.Headers {
		httpReq.Header.Set(name, value)
	}

	start := time.Now()
	resp, err := p.client.Do(httpReq)
	if err != nil {
		metrics.OutboundRequests.WithLabelValues(method, "error").Inc()
		var kinded host.Kinded
		if errors.As(err, &kinded) {
			return nil, err
		}
		return nil, host.WithKind(KindRequestFailed, fmt.Errorf("%s %s: %s", method, util.RedactURL(target.String()), requestFailure(err)))
	}
	defer resp.Body.Close()
	metrics.OutboundRequests.WithLabelValues(method, statusClass(resp.StatusCode)).Inc()

	data, err := io.ReadAll(io.LimitReader(resp.Body, p.maxBodyBytes+1))
	if err != nil {
		return nil, host.WithKind(KindRequestFailed, fmt.Errorf("read response: %w", err))
	}
	if int64(len(data)) > p.maxBodyBytes {
		return nil, host.Errorf(KindBodyTooLarge, "response body exceeds %d bytes", p.maxBodyBytes)
	}

	p.logger.Debugw("Outbound request completed",
		"method", method,
		"url", util.RedactURL(target.String()),
		"status", resp.StatusCode,
		"request_headers", util.RedactHeaders(httpReq.Header),
		"duration", time.Since(start))

	headers := make(map[string]string, len(resp.Header))
	for name, values := range resp.Header {
		headers[name] = strings.Join(values, ", ")
	}
	return FetchResult{Status: resp.StatusCode, Headers: headers, Body: string(data)}, nil
}

// checkURL enforces the scheme and host allowlist
func (p *Plugin) checkURL(u *url.URL) error {
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return host.Errorf(host.KindInvalidRequest, "scheme %q not allowed (only http and https)", u.Scheme)
	}
	hostname := strings.ToLower(u.Hostname())
	if hostname == "" {
		return host.Errorf(host.KindInvalidRequest, "url has no host")
	}
	if len(p.allowed) > 0 && !hostAllowed(hostname, p.allowed) {
		return host.Errorf(KindHostNotAllowed, "host %s is not in the allowlist", hostname)
	}
	return nil
}

func normalizeHosts(hosts []string) []string {
	out := make([]string, 0, len(hosts))
	for _, h := range hosts {
		h = strings.TrimSpace(strings.ToLower(h))
		if h != "" {
			out = append(out, h)
		}
	}
	return out
}

// hostAllowed matches exact names, "*.domain" wildcards and CIDR entries
func hostAllowed(hostname string, allowed []string) bool {
	ip := net.ParseIP(hostname)
	for _, entry := range allowed {
		if entry == hostname {
			return true
		}
		if domain, ok := strings.CutPrefix(entry, "*."); ok {
			if strings.HasSuffix(hostname, "."+domain) || hostname == domain {
				return true
			}
		}
		if ip != nil && strings.Contains(entry, "/") {
			if _, network, err := net.ParseCIDR(entry); err == nil && network.Contains(ip) {
				return true
			}
		}
	}
	return false
}

func statusClass(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	case code >= 200:
		return "2xx"
	default:
		return "1xx"
	}
}

func requestFailure(err error) string {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		if urlErr.Timeout() {
			return "request timed out"
		}
		return util.RedactString(urlErr.Err.Error())
	}
	return util.RedactString(err.Error())
}
