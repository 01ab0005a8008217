package debrid

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ClientOptions are shared by all service bindings.
type ClientOptions struct {
	BaseURL      string
	Timeout      time.Duration
	ExtraHeaders map[string]string
	// ForwardOriginIP passes the player's IP to the service, which some
	// services require for their fair-use accounting.
	ForwardOriginIP bool
}

// restClient is the HTTP plumbing every binding shares: bearer auth, extra
// headers, origin-IP forwarding and status-to-code mapping.
type restClient struct {
	service    string
	baseURL    string
	httpClient *http.Client
	opts       ClientOptions
	logger     *zap.Logger
}

func newRESTClient(service string, opts ClientOptions, logger *zap.Logger) *restClient {
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	return &restClient{
		service:    service,
		baseURL:    strings.TrimSuffix(opts.BaseURL, "/"),
		httpClient: &http.Client{Timeout: opts.Timeout},
		opts:       opts,
		logger:     logger,
	}
}

func (c *restClient) get(ctx context.Context, apiToken, path string) ([]byte, error) {
	return c.do(ctx, http.MethodGet, apiToken, path, nil)
}

func (c *restClient) postForm(ctx context.Context, apiToken, path string, data url.Values) ([]byte, error) {
	return c.do(ctx, http.MethodPost, apiToken, path, strings.NewReader(data.Encode()))
}

func (c *restClient) do(ctx context.Context, method, apiToken, path string, body io.Reader) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, &Error{Code: CodeInternal, Service: c.service, Err: fmt.Errorf("Couldn't create %s request: %v", method, err)}
	}
	req.Header.Set("Authorization", "Bearer "+apiToken)
	if method == http.MethodPost {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	for key, val := range c.opts.ExtraHeaders {
		req.Header.Set(key, val)
	}
	if c.opts.ForwardOriginIP {
		if originIP, ok := ctx.Value(originIPKey{}).(string); ok && originIP != "" {
			req.Header.Set("X-Forwarded-For", originIP)
		}
	}

	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &Error{Code: CodeInternal, Service: c.service, Err: err}
	}
	defer res.Body.Close()

	resBody, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, &Error{Code: CodeInternal, Service: c.service, Err: fmt.Errorf("Couldn't read response body: %v", err)}
	}
	if res.StatusCode < 200 || res.StatusCode > 299 {
		return nil, &Error{
			Code:    httpStatusCode(res.StatusCode),
			Service: c.service,
			Err:     fmt.Errorf("bad HTTP response status: %d (%s %s)", res.StatusCode, method, path),
		}
	}
	return resBody, nil
}

type originIPKey struct{}

// WithOriginIP attaches the player's IP for bindings configured to forward it.
func WithOriginIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, originIPKey{}, ip)
}

// magnetURL builds a magnet link from an info hash and tracker sources.
func magnetURL(infoHash string, sources []string) string {
	magnet := "magnet:?xt=urn:btih:" + infoHash
	for _, source := range sources {
		if strings.HasPrefix(source, "tracker:") {
			magnet += "&tr=" + url.QueryEscape(strings.TrimPrefix(source, "tracker:"))
		}
	}
	return magnet
}
