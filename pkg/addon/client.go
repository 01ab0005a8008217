package addon

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/tomfle18/aiostreams/pkg/fetch"
	"github.com/tomfle18/aiostreams/pkg/lock"
	"github.com/tomfle18/aiostreams/pkg/stremio"
)

// ErrorKind classifies per-provider failures.
type ErrorKind string

const (
	ErrTimeout     ErrorKind = "timeout"
	ErrHTTP        ErrorKind = "http_error"
	ErrBadResponse ErrorKind = "bad_response"
)

// ProviderError is a failure of one provider. It never aborts the rest of a
// request; the orchestrator converts it into an inline error stream.
type ProviderError struct {
	Addon string
	Kind  ErrorKind
	Err   error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s: %s: %v", e.Addon, e.Kind, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// ClientOptions configure the addon fetcher.
type ClientOptions struct {
	// ManifestTTL is how long fetched manifests are shared across requests.
	ManifestTTL time.Duration
	// StreamTTL is how long identical stream queries collapse into one
	// upstream call.
	StreamTTL time.Duration
}

var DefaultClientOpts = ClientOptions{
	ManifestTTL: 10 * time.Minute,
	StreamTTL:   30 * time.Second,
}

// Client fetches addon resources. All fetches for the same
// (manifestURL, resource, type, id, extras) tuple collapse through the
// memoizer, across concurrent requests and deployment nodes.
type Client struct {
	opts    ClientOptions
	fetcher *fetch.Client
	locker  lock.Locker
	logger  *zap.Logger
}

func NewClient(opts ClientOptions, fetcher *fetch.Client, locker lock.Locker, logger *zap.Logger) *Client {
	if opts.ManifestTTL <= 0 {
		opts.ManifestTTL = DefaultClientOpts.ManifestTTL
	}
	if opts.StreamTTL <= 0 {
		opts.StreamTTL = DefaultClientOpts.StreamTTL
	}
	return &Client{opts: opts, fetcher: fetcher, locker: locker, logger: logger}
}

// FetchManifest resolves and normalizes the provider's manifest.
func (c *Client) FetchManifest(ctx context.Context, desc *Descriptor) (*stremio.Manifest, error) {
	body, err := c.memoizedFetch(ctx, desc, desc.ManifestURL, c.opts.ManifestTTL)
	if err != nil {
		return nil, err
	}
	manifest, err := parseManifest(body)
	if err != nil {
		return nil, &ProviderError{Addon: desc.InstanceID, Kind: ErrBadResponse, Err: err}
	}
	return manifest, nil
}

// FetchStreams queries the provider's stream resource. Providers that don't
// advertise the resource or media type return an empty result, not an error.
func (c *Client) FetchStreams(ctx context.Context, desc *Descriptor, mediaType, id string, extras map[string]string) ([]stremio.StreamItem, error) {
	if !desc.SupportsResource(ResourceStream) || !desc.SupportsMediaType(mediaType) {
		c.logger.Debug("Skipping provider without matching resource/type",
			zap.String("addon", desc.InstanceID), zap.String("mediaType", mediaType))
		return nil, nil
	}

	resourceURL := c.ResourceURL(desc, ResourceStream, mediaType, id, extras)
	body, err := c.memoizedFetch(ctx, desc, resourceURL, c.opts.StreamTTL)
	if err != nil {
		return nil, err
	}

	items, err := parseStreams(body)
	if err != nil {
		return nil, &ProviderError{Addon: desc.InstanceID, Kind: ErrBadResponse, Err: err}
	}
	return items, nil
}

// FetchSubtitles queries the provider's subtitles resource.
func (c *Client) FetchSubtitles(ctx context.Context, desc *Descriptor, mediaType, id string, extras map[string]string) ([]stremio.Subtitle, error) {
	if !desc.SupportsResource(ResourceSubtitles) || !desc.SupportsMediaType(mediaType) {
		return nil, nil
	}
	resourceURL := c.ResourceURL(desc, ResourceSubtitles, mediaType, id, extras)
	body, err := c.memoizedFetch(ctx, desc, resourceURL, c.opts.StreamTTL)
	if err != nil {
		return nil, err
	}
	var res stremio.SubtitlesResponse
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, &ProviderError{Addon: desc.InstanceID, Kind: ErrBadResponse, Err: fmt.Errorf("Couldn't unmarshal subtitles response: %v", err)}
	}
	return res.Subtitles, nil
}

// ResourceURL builds "{manifestBase}/{resource}/{type}/{id}/{extrasSlug}.json".
func (c *Client) ResourceURL(desc *Descriptor, resource, mediaType, id string, extras map[string]string) string {
	base := strings.TrimSuffix(desc.ManifestURL, "/manifest.json")
	base = strings.TrimSuffix(base, "/")
	resourceURL := base + "/" + resource + "/" + mediaType + "/" + url.PathEscape(id)
	if slug := extrasSlug(extras); slug != "" {
		resourceURL += "/" + slug
	}
	return resourceURL + ".json"
}

// extrasSlug renders extras sorted by key so memoization keys are stable.
func extrasSlug(extras map[string]string) string {
	if len(extras) == 0 {
		return ""
	}
	keys := make([]string, 0, len(extras))
	for k := range extras {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, url.PathEscape(k)+"="+url.PathEscape(extras[k]))
	}
	return strings.Join(parts, "&")
}

// memoizedFetch funnels the upstream call through the single-flight memoizer
// so concurrent identical upstream fetches execute exactly once.
func (c *Client) memoizedFetch(ctx context.Context, desc *Descriptor, resourceURL string, ttl time.Duration) ([]byte, error) {
	opts := lock.Options{
		TTL:     ttl,
		Timeout: desc.Timeout + 5*time.Second,
	}
	result, err := c.locker.WithLock(ctx, "addonfetch:"+resourceURL, func(context.Context) ([]byte, error) {
		// Detached from the caller's cancellation: when the initiating client
		// disconnects, an in-flight upstream fetch still completes so waiters
		// benefit. The provider timeout bounds it regardless.
		fetchCtx, cancel := context.WithTimeout(context.Background(), desc.Timeout)
		defer cancel()
		return c.fetchOnce(fetchCtx, desc, resourceURL)
	}, opts)
	if err != nil {
		if errors.Is(err, lock.ErrLockTimeout) || errors.Is(err, context.DeadlineExceeded) {
			return nil, &ProviderError{Addon: desc.InstanceID, Kind: ErrTimeout, Err: err}
		}
		return nil, &ProviderError{Addon: desc.InstanceID, Kind: ErrHTTP, Err: err}
	}
	if result.Cached {
		c.logger.Debug("Upstream fetch collapsed into memoized result",
			zap.String("addon", desc.InstanceID), zap.String("url", resourceURL))
	}
	return result.Data, nil
}

func (c *Client) fetchOnce(ctx context.Context, desc *Descriptor, resourceURL string) ([]byte, error) {
	res, err := c.fetcher.Fetch(ctx, fetch.Request{
		URL:     resourceURL,
		Timeout: desc.Timeout,
		Headers: desc.ExtraHeaders,
	})
	if err != nil {
		return nil, err
	}
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("bad HTTP response status: %d (GET %s)", res.StatusCode, resourceURL)
	}
	return res.Body, nil
}

// parseStreams decodes a streams response without letting one malformed
// element poison the rest. HTML error pages from misconfigured upstreams are
// turned into a readable error via their <title>.
func parseStreams(body []byte) ([]stremio.StreamItem, error) {
	if isHTML(body) {
		return nil, fmt.Errorf("upstream returned an HTML page: %s", htmlTitle(body))
	}
	if !gjson.ValidBytes(body) {
		return nil, errors.New("upstream returned invalid JSON")
	}
	streamsField := gjson.GetBytes(body, "streams")
	if !streamsField.Exists() {
		return nil, errors.New("response has no \"streams\" key")
	}
	if !streamsField.IsArray() {
		return nil, errors.New("\"streams\" is not an array")
	}

	var items []stremio.StreamItem
	var skipped int
	streamsField.ForEach(func(_, value gjson.Result) bool {
		var item stremio.StreamItem
		if err := json.Unmarshal([]byte(value.Raw), &item); err != nil {
			skipped++
			return true
		}
		if item.URL == "" && item.ExternalURL == "" && item.YoutubeID == "" && item.InfoHash == "" {
			skipped++
			return true
		}
		items = append(items, item)
		return true
	})
	if items == nil && skipped > 0 {
		return nil, fmt.Errorf("all %d stream elements were malformed", skipped)
	}
	return items, nil
}

// parseManifest handles both wire forms of "resources": plain strings and
// objects.
func parseManifest(body []byte) (*stremio.Manifest, error) {
	if isHTML(body) {
		return nil, fmt.Errorf("upstream returned an HTML page: %s", htmlTitle(body))
	}
	if !gjson.ValidBytes(body) {
		return nil, errors.New("upstream returned invalid JSON")
	}

	var manifest stremio.Manifest
	// Strict decode first; fall back to lenient per-field extraction when the
	// resources array mixes strings and objects.
	if err := json.Unmarshal(body, &manifest); err == nil {
		return &manifest, nil
	}

	parsed := gjson.ParseBytes(body)
	manifest = stremio.Manifest{
		ID:          parsed.Get("id").String(),
		Name:        parsed.Get("name").String(),
		Description: parsed.Get("description").String(),
		Version:     parsed.Get("version").String(),
	}
	if manifest.ID == "" {
		return nil, errors.New("manifest has no \"id\" key")
	}
	parsed.Get("types").ForEach(func(_, v gjson.Result) bool {
		manifest.Types = append(manifest.Types, v.String())
		return true
	})
	parsed.Get("idPrefixes").ForEach(func(_, v gjson.Result) bool {
		manifest.IDprefixes = append(manifest.IDprefixes, v.String())
		return true
	})
	parsed.Get("resources").ForEach(func(_, v gjson.Result) bool {
		if v.Type == gjson.String {
			manifest.ResourceItems = append(manifest.ResourceItems, stremio.ResourceItem{Name: v.String()})
			return true
		}
		item := stremio.ResourceItem{Name: v.Get("name").String()}
		v.Get("types").ForEach(func(_, t gjson.Result) bool {
			item.Types = append(item.Types, t.String())
			return true
		})
		v.Get("idPrefixes").ForEach(func(_, p gjson.Result) bool {
			item.IDprefixes = append(item.IDprefixes, p.String())
			return true
		})
		manifest.ResourceItems = append(manifest.ResourceItems, item)
		return true
	})
	return &manifest, nil
}

func isHTML(body []byte) bool {
	trimmed := bytes.TrimSpace(body)
	return len(trimmed) > 0 && trimmed[0] == '<'
}

// htmlTitle extracts the <title> of an HTML error page for the per-addon
// error message.
func htmlTitle(body []byte) string {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return "unreadable HTML document"
	}
	title := strings.TrimSpace(doc.Find("title").First().Text())
	if title == "" {
		return "HTML document without a title"
	}
	return title
}
