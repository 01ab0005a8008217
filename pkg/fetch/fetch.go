// Package fetch is the single outbound HTTP gate: base-URL rewriting onto the
// internal origin, per-host proxy selection, a recursion guard, User-Agent
// overrides, IP forwarding and a transient-only retry policy all live here.
package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"go.uber.org/zap"
	"golang.org/x/net/proxy"
)

// ErrPossibleRecursiveRequest is returned when the same (url, forwardIP) pair
// is fetched more often than the configured threshold within the guard
// window. An addon that points back at this service would otherwise loop.
var ErrPossibleRecursiveRequest = errors.New("possible recursive request blocked")

// ProxyRule maps a hostname glob to a proxy decision.
// Pattern forms: "*" (everything), "*.example.org" (suffix), exact hostname.
// UseProxy false forces a direct connection; otherwise ProxyIndex picks from
// the configured proxy list.
type ProxyRule struct {
	Pattern    string
	UseProxy   bool
	ProxyIndex int
}

// Matches reports whether the rule's pattern covers the hostname.
func (r ProxyRule) Matches(hostname string) bool {
	switch {
	case r.Pattern == "*":
		return true
	case strings.HasPrefix(r.Pattern, "*."):
		return strings.HasSuffix(hostname, r.Pattern[1:]) || hostname == r.Pattern[2:]
	default:
		return hostname == r.Pattern
	}
}

// Options configure the fetch client.
type Options struct {
	// BaseURL is this service's public origin; requests to it are rewritten
	// onto InternalURL so outbound calls don't re-enter the external front
	// door.
	BaseURL     string
	InternalURL string
	// URLMappings are additional origin rewrites, "from origin" -> "to origin".
	URLMappings map[string]string

	// Proxies are outbound proxy URLs (http://, https:// or socks5://).
	Proxies []string
	// ProxyRules are evaluated in order; the LAST matching rule wins.
	ProxyRules []ProxyRule

	// UserAgentOverrides replace the User-Agent per hostname glob.
	UserAgentOverrides map[string]string

	RecursionLimit  int
	RecursionWindow time.Duration

	// MaxRetries bounds transient-error retries per request; the per-request
	// timeout caps total time regardless.
	MaxRetries uint

	DefaultTimeout time.Duration
}

var DefaultOptions = Options{
	RecursionLimit:  5,
	RecursionWindow: 10 * time.Second,
	MaxRetries:      2,
	DefaultTimeout:  15 * time.Second,
}

// Request describes one outbound call.
type Request struct {
	URL     string
	Method  string
	Timeout time.Duration
	Headers map[string]string
	Body    []byte
	// ForwardIP is the origin client IP to pass upstream, when set.
	ForwardIP string
	// IgnoreRecursion bypasses the recursion guard for callers that fetch
	// our own playback endpoints on purpose.
	IgnoreRecursion bool
}

// Response is a fully-read upstream response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Client is the bounded outbound HTTP client. Construct it once per process.
type Client struct {
	opts    Options
	direct  *http.Client
	proxied []*http.Client
	guard   *recursionGuard
	logger  *zap.Logger
}

func NewClient(opts Options, logger *zap.Logger) (*Client, error) {
	if opts.RecursionLimit <= 0 {
		opts.RecursionLimit = DefaultOptions.RecursionLimit
	}
	if opts.RecursionWindow <= 0 {
		opts.RecursionWindow = DefaultOptions.RecursionWindow
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = DefaultOptions.DefaultTimeout
	}

	proxied := make([]*http.Client, 0, len(opts.Proxies))
	for _, proxyURL := range opts.Proxies {
		client, err := newProxiedClient(proxyURL)
		if err != nil {
			return nil, fmt.Errorf("Couldn't create client for proxy %q: %v", proxyURL, err)
		}
		proxied = append(proxied, client)
	}

	for _, rule := range opts.ProxyRules {
		if rule.UseProxy && (rule.ProxyIndex < 0 || rule.ProxyIndex >= len(proxied)) {
			return nil, fmt.Errorf("proxy rule %q references proxy %d, but only %d proxies are configured", rule.Pattern, rule.ProxyIndex, len(proxied))
		}
	}

	return &Client{
		opts:    opts,
		direct:  &http.Client{},
		proxied: proxied,
		guard:   newRecursionGuard(opts.RecursionLimit, opts.RecursionWindow),
		logger:  logger,
	}, nil
}

func newProxiedClient(proxyURL string) (*http.Client, error) {
	parsed, err := url.Parse(proxyURL)
	if err != nil {
		return nil, err
	}
	switch parsed.Scheme {
	case "socks5":
		var auth *proxy.Auth
		if parsed.User != nil {
			password, _ := parsed.User.Password()
			auth = &proxy.Auth{User: parsed.User.Username(), Password: password}
		}
		dialer, err := proxy.SOCKS5("tcp", parsed.Host, auth, proxy.Direct)
		if err != nil {
			return nil, fmt.Errorf("Couldn't create SOCKS5 dialer: %v", err)
		}
		return &http.Client{
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
					return dialer.Dial(network, addr)
				},
			},
		}, nil
	case "http", "https":
		return &http.Client{
			Transport: &http.Transport{Proxy: http.ProxyURL(parsed)},
		}, nil
	default:
		return nil, fmt.Errorf("unsupported proxy scheme %q", parsed.Scheme)
	}
}

// Fetch performs the request with all outbound policies applied.
func (c *Client) Fetch(ctx context.Context, req Request) (*Response, error) {
	if req.Method == "" {
		req.Method = http.MethodGet
	}
	if req.Timeout <= 0 {
		req.Timeout = c.opts.DefaultTimeout
	}

	targetURL := c.rewriteURL(req.URL)

	if !req.IgnoreRecursion {
		if !c.guard.allow(targetURL, req.ForwardIP) {
			c.logger.Warn("Blocked possible recursive request",
				zap.String("url", targetURL), zap.String("forwardIP", req.ForwardIP))
			return nil, fmt.Errorf("%w: %s", ErrPossibleRecursiveRequest, targetURL)
		}
	}

	httpClient, proxyIndex := c.selectClient(targetURL)
	zapFieldURL := zap.String("url", targetURL)
	c.logger.Debug("Fetching...", zapFieldURL, zap.Int("proxy", proxyIndex))

	ctx, cancel := context.WithTimeout(ctx, req.Timeout)
	defer cancel()

	var res *Response
	err := retry.Do(
		func() error {
			var ferr error
			res, ferr = c.doOnce(ctx, httpClient, req, targetURL)
			return ferr
		},
		retry.Context(ctx),
		retry.Attempts(c.opts.MaxRetries+1),
		retry.Delay(100*time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(isTransient),
	)
	if err != nil {
		// Propagate the timeout cause instead of a bare context error
		if ctx.Err() != nil && errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("request to %s timed out after %v: %w", targetURL, req.Timeout, err)
		}
		return nil, err
	}
	return res, nil
}

func (c *Client) doOnce(ctx context.Context, httpClient *http.Client, req Request, targetURL string) (*Response, error) {
	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, targetURL, body)
	if err != nil {
		return nil, fmt.Errorf("Couldn't create %s request: %v", req.Method, err)
	}
	for key, val := range req.Headers {
		httpReq.Header.Set(key, val)
	}
	if ua := c.userAgentFor(httpReq.URL.Hostname()); ua != "" {
		httpReq.Header.Set("User-Agent", ua)
	}
	if req.ForwardIP != "" {
		httpReq.Header.Set("X-Forwarded-For", req.ForwardIP)
		httpReq.Header.Set("X-Real-IP", req.ForwardIP)
	}

	httpRes, err := httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer httpRes.Body.Close()

	resBody, err := io.ReadAll(httpRes.Body)
	if err != nil {
		return nil, fmt.Errorf("Couldn't read response body from %s: %v", targetURL, err)
	}
	return &Response{
		StatusCode: httpRes.StatusCode,
		Header:     httpRes.Header,
		Body:       resBody,
	}, nil
}

// rewriteURL maps the public origin (and any operator-configured origins)
// onto their internal counterparts.
func (c *Client) rewriteURL(rawURL string) string {
	if c.opts.BaseURL != "" && c.opts.InternalURL != "" && strings.HasPrefix(rawURL, c.opts.BaseURL) {
		return c.opts.InternalURL + strings.TrimPrefix(rawURL, c.opts.BaseURL)
	}
	for from, to := range c.opts.URLMappings {
		if strings.HasPrefix(rawURL, from) {
			return to + strings.TrimPrefix(rawURL, from)
		}
	}
	return rawURL
}

// selectClient applies the proxy rule table; the last matching rule wins.
func (c *Client) selectClient(rawURL string) (*http.Client, int) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return c.direct, -1
	}
	hostname := parsed.Hostname()

	selected := -1
	for _, rule := range c.opts.ProxyRules {
		if !rule.Matches(hostname) {
			continue
		}
		if rule.UseProxy {
			selected = rule.ProxyIndex
		} else {
			selected = -1
		}
	}
	if selected >= 0 && selected < len(c.proxied) {
		return c.proxied[selected], selected
	}
	return c.direct, -1
}

func (c *Client) userAgentFor(hostname string) string {
	for pattern, ua := range c.opts.UserAgentOverrides {
		rule := ProxyRule{Pattern: pattern}
		if rule.Matches(hostname) {
			return ua
		}
	}
	return ""
}

// isTransient reports whether an error is worth retrying: connection-level
// network failures only. Responses that arrived, including rate limits,
// never retry.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return false
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return true
	}
	return errors.Is(err, io.ErrUnexpectedEOF)
}
