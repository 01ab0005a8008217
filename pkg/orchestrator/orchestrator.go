// Package orchestrator is the per-request engine: it resolves which providers
// to query, fans out with bounded concurrency, and pushes every upstream
// response through the parse/filter/dedup/sort/proxy/format pipeline.
package orchestrator

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"

	"github.com/tomfle18/aiostreams/pkg/addon"
	"github.com/tomfle18/aiostreams/pkg/crypto"
	"github.com/tomfle18/aiostreams/pkg/expression"
	"github.com/tomfle18/aiostreams/pkg/metadata"
	"github.com/tomfle18/aiostreams/pkg/pipeline"
	"github.com/tomfle18/aiostreams/pkg/stream"
	"github.com/tomfle18/aiostreams/pkg/stremio"
)

// GroupMode decides whether provider groups run one after another or all at
// once.
type GroupMode string

const (
	GroupsParallel   GroupMode = "parallel"
	GroupsSequential GroupMode = "sequential"
)

// Group is a set of providers guarded by an optional condition.
type Group struct {
	// Addons are provider instance IDs.
	Addons []string
	// Condition is a stream expression evaluated against the streams
	// gathered so far; empty means "always".
	Condition string
}

// ServiceConfig is one user-configured debrid service, credentials already
// opened from their envelope.
type ServiceConfig struct {
	ID         string
	Enabled    bool
	Credential string
}

// UserConfig is everything the orchestrator needs from a user configuration.
type UserConfig struct {
	Addons []addon.Descriptor
	Groups []Group
	// GroupMode defaults to parallel.
	GroupMode GroupMode
	// DynamicFetch evaluates DynamicFetchCondition on the initial
	// zero-stream context; when the condition is false only the first group
	// is fetched.
	DynamicFetch          bool
	DynamicFetchCondition string

	Services []ServiceConfig
	// CacheAndPlayTypes are the stream types for which playback should wait
	// for the debrid cache instead of returning the downloading placeholder.
	CacheAndPlayTypes []string

	HideErrors             bool
	HideErrorsForResources []string

	Pipeline pipeline.Config
}

// EnabledServices returns the enabled services in configured order.
func (c UserConfig) EnabledServices() []ServiceConfig {
	var enabled []ServiceConfig
	for _, s := range c.Services {
		if s.Enabled {
			enabled = append(enabled, s)
		}
	}
	return enabled
}

// Request is one player request.
type Request struct {
	Resource string
	Type     string
	ID       string
	Extras   map[string]string
	ClientIP string
}

// IMDBParts splits a series ID like "tt123:1:5".
func (r Request) IMDBParts() (imdbID string, season, episode int) {
	parts := strings.Split(r.ID, ":")
	imdbID = parts[0]
	if len(parts) == 3 {
		season, _ = strconv.Atoi(parts[1])
		episode, _ = strconv.Atoi(parts[2])
	}
	return imdbID, season, episode
}

// Options configure the orchestrator.
type Options struct {
	// BaseURL is this service's public origin, used for playback URLs.
	BaseURL string
	// Parallelism bounds the provider fan-out.
	Parallelism int
}

var DefaultOptions = Options{
	Parallelism: 8,
}

// MetaFetcher resolves title metadata; *metadata.Fetcher implements it, and
// tests substitute their own.
type MetaFetcher interface {
	GetMovie(ctx context.Context, imdbID string) (metadata.Record, error)
	GetTVShow(ctx context.Context, imdbID string, season, episode int) (metadata.Record, error)
}

// Orchestrator composes the addon fetcher with the pipeline (C13).
type Orchestrator struct {
	opts     Options
	client   *addon.Client
	enricher *stream.Enricher
	codec    *crypto.Codec
	metaStore *metadata.Store
	metaFetch MetaFetcher
	limits   pipeline.Limits
	logger   *zap.Logger
}

func New(opts Options, client *addon.Client, enricher *stream.Enricher, codec *crypto.Codec, metaStore *metadata.Store, metaFetch MetaFetcher, limits pipeline.Limits, logger *zap.Logger) *Orchestrator {
	if opts.Parallelism <= 0 {
		opts.Parallelism = DefaultOptions.Parallelism
	}
	return &Orchestrator{
		opts:      opts,
		client:    client,
		enricher:  enricher,
		codec:     codec,
		metaStore: metaStore,
		metaFetch: metaFetch,
		limits:    limits,
		logger:    logger,
	}
}

// Handle serves one stream request end to end.
func (o *Orchestrator) Handle(ctx context.Context, req Request, cfg UserConfig) (*stremio.StreamsResponse, error) {
	if o.limits.MaxGroups > 0 && len(cfg.Groups) > o.limits.MaxGroups {
		return nil, fmt.Errorf("too many groups: %d configured, %d allowed", len(cfg.Groups), o.limits.MaxGroups)
	}

	filterer, err := pipeline.NewFilterer(cfg.Pipeline.Filter, o.limits, o.logger)
	if err != nil {
		return nil, err
	}

	// The request-level deadline is the largest provider timeout (at least
	// 15s) plus 5s of pipeline headroom, so it is longer than the bare
	// maximum provider timeout; a slower provider only ever times out itself.
	ctx, cancel := context.WithTimeout(ctx, o.requestDeadline(cfg))
	defer cancel()

	groups := o.resolveGroups(cfg)
	reqCtx := pipeline.RequestContext{MediaType: req.Type}

	var parsed []*stream.ParsedStream
	if cfg.GroupMode == GroupsSequential {
		// Each group's condition sees the streams gathered so far; the next
		// group only runs while nothing survived yet.
		for i, group := range groups {
			if group.Condition != "" {
				run, cerr := evaluateCondition(group.Condition, parsed)
				if cerr != nil {
					return nil, &pipeline.InvalidExpressionError{Expression: group.Condition, Err: cerr}
				}
				if !run {
					o.logger.Debug("Skipping group, condition is false", zap.Int("group", i))
					continue
				}
			}
			parsed = append(parsed, o.fetchGroup(ctx, req, cfg, group)...)
			surviving, ferr := filterer.Apply(parsed, reqCtx)
			if ferr != nil {
				return nil, ferr
			}
			parsed = surviving
			if countPlayable(surviving) > 0 {
				break
			}
		}
	} else {
		// Parallel mode: conditions run on the initial zero-stream context and
		// all admitted groups fan out as one concurrent batch.
		merged := Group{}
		for i, group := range groups {
			if group.Condition != "" {
				run, cerr := evaluateCondition(group.Condition, nil)
				if cerr != nil {
					return nil, &pipeline.InvalidExpressionError{Expression: group.Condition, Err: cerr}
				}
				if !run {
					o.logger.Debug("Skipping group, condition is false", zap.Int("group", i))
					continue
				}
			}
			merged.Addons = append(merged.Addons, group.Addons...)
		}
		parsed = o.fetchGroup(ctx, req, cfg, merged)
		parsed, err = filterer.Apply(parsed, reqCtx)
		if err != nil {
			return nil, err
		}
	}

	deduper := pipeline.NewDeduplicator(cfg.Pipeline.Dedup, cfg.Pipeline.Preferences)
	parsed = deduper.Apply(parsed)

	o.linkDebridStreams(ctx, req, cfg, parsed)

	sorter := pipeline.NewSorter(cfg.Pipeline)
	parsed = sorter.Apply(parsed, reqCtx)

	proxifier := pipeline.NewProxifier(cfg.Pipeline.Proxy)
	parsed = proxifier.Apply(parsed)

	return o.render(cfg, parsed), nil
}

// HandleSubtitles serves a subtitles request: a plain fan-out and merge, with
// the same isolation rule as streams. One provider's failure is its own.
func (o *Orchestrator) HandleSubtitles(ctx context.Context, req Request, cfg UserConfig) (*stremio.SubtitlesResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, o.requestDeadline(cfg))
	defer cancel()

	results := make([][]stremio.Subtitle, len(cfg.Addons))
	p := pool.New().WithMaxGoroutines(o.opts.Parallelism)
	for i := range cfg.Addons {
		i := i
		desc := &cfg.Addons[i]
		p.Go(func() {
			subtitles, err := o.client.FetchSubtitles(ctx, desc, req.Type, req.ID, req.Extras)
			if err != nil {
				o.logger.Warn("Subtitles fetch failed", zap.Error(err), zap.String("addon", desc.InstanceID))
				return
			}
			results[i] = subtitles
		})
	}
	p.Wait()

	res := &stremio.SubtitlesResponse{Subtitles: []stremio.Subtitle{}}
	for _, subtitles := range results {
		res.Subtitles = append(res.Subtitles, subtitles...)
	}
	return res, nil
}

func (o *Orchestrator) requestDeadline(cfg UserConfig) time.Duration {
	max := 15 * time.Second
	for _, desc := range cfg.Addons {
		if desc.Timeout > max {
			max = desc.Timeout
		}
	}
	// Headroom for the pipeline itself
	return max + 5*time.Second
}

// resolveGroups applies the dynamic-fetching rule (C13 step 1).
func (o *Orchestrator) resolveGroups(cfg UserConfig) []Group {
	if len(cfg.Groups) == 0 {
		all := make([]string, 0, len(cfg.Addons))
		for _, desc := range cfg.Addons {
			all = append(all, desc.InstanceID)
		}
		return []Group{{Addons: all}}
	}
	if cfg.DynamicFetch && cfg.DynamicFetchCondition != "" {
		fetchAll, err := evaluateCondition(cfg.DynamicFetchCondition, nil)
		if err != nil {
			o.logger.Warn("Couldn't evaluate dynamic fetch condition, falling back to all groups", zap.Error(err))
			return cfg.Groups
		}
		if !fetchAll {
			return cfg.Groups[:1]
		}
	}
	return cfg.Groups
}

func evaluateCondition(src string, streams []*stream.ParsedStream) (bool, error) {
	expr, err := expression.Parse(src)
	if err != nil {
		return false, err
	}
	return expr.EvaluateCondition(streams)
}

// fetchGroup fans out to a group's providers. One provider's failure never
// aborts the others; failures surface as inline error streams.
func (o *Orchestrator) fetchGroup(ctx context.Context, req Request, cfg UserConfig, group Group) []*stream.ParsedStream {
	descriptors := o.groupDescriptors(cfg, group)

	results := make([][]*stream.ParsedStream, len(descriptors))
	p := pool.New().WithMaxGoroutines(o.opts.Parallelism)
	for i := range descriptors {
		i := i
		desc := descriptors[i]
		p.Go(func() {
			start := time.Now()
			items, err := o.client.FetchStreams(ctx, desc, req.Type, req.ID, req.Extras)
			if err != nil {
				o.logger.Warn("Provider fetch failed",
					zap.Error(err), zap.String("addon", desc.InstanceID),
					zap.Duration("duration", time.Since(start)))
				if errStream := o.errorStream(cfg, req, desc, err); errStream != nil {
					results[i] = []*stream.ParsedStream{errStream}
				}
				return
			}
			o.logger.Debug("Provider fetch finished",
				zap.String("addon", desc.InstanceID),
				zap.Int("streamCount", len(items)),
				zap.Duration("duration", time.Since(start)))
			results[i] = o.enricher.Enrich(desc, items)
		})
	}
	p.Wait()

	// Merge in configured addon order, preserving each provider's upstream
	// order, which makes the final order deterministic for identical inputs.
	var merged []*stream.ParsedStream
	for _, providerStreams := range results {
		merged = append(merged, providerStreams...)
	}
	return merged
}

func (o *Orchestrator) groupDescriptors(cfg UserConfig, group Group) []*addon.Descriptor {
	byID := make(map[string]*addon.Descriptor, len(cfg.Addons))
	for i := range cfg.Addons {
		byID[cfg.Addons[i].InstanceID] = &cfg.Addons[i]
	}
	seen := map[string]bool{}
	var descriptors []*addon.Descriptor
	for _, id := range group.Addons {
		if desc, ok := byID[id]; ok && !seen[id] {
			seen[id] = true
			descriptors = append(descriptors, desc)
		}
	}
	return descriptors
}

func (o *Orchestrator) errorStream(cfg UserConfig, req Request, desc *addon.Descriptor, err error) *stream.ParsedStream {
	if cfg.HideErrors {
		return nil
	}
	for _, resource := range cfg.HideErrorsForResources {
		if resource == req.Resource {
			return nil
		}
	}
	return &stream.ParsedStream{
		ID:    desc.InstanceID + ".error",
		Addon: desc,
		Type:  stream.TypeError,
		Error: &stream.ErrorInfo{
			Title:       "[" + desc.DisplayName + "] Error",
			Description: err.Error(),
		},
	}
}

// linkDebridStreams converts torrent streams into deferred debrid playback
// links (C13 step 5). Upstream URLs are NOT resolved here; the opaque URL
// carries everything the playback resolver needs at click time.
func (o *Orchestrator) linkDebridStreams(ctx context.Context, req Request, cfg UserConfig, streams []*stream.ParsedStream) {
	services := cfg.EnabledServices()
	if len(services) == 0 || o.codec == nil || o.metaStore == nil {
		return
	}

	metaID, err := o.storeMetadata(ctx, req)
	if err != nil {
		o.logger.Warn("Couldn't store title metadata, leaving torrent streams as p2p", zap.Error(err))
		return
	}

	service := services[0]
	authCipher, err := o.codec.SealStoreAuth(crypto.StoreAuth{ID: service.ID, Credential: service.Credential})
	if err != nil {
		o.logger.Error("Couldn't seal store auth", zap.Error(err))
		return
	}

	for _, s := range streams {
		if s.Type != stream.TypeP2P || s.Torrent == nil || s.Torrent.InfoHash == "" {
			continue
		}
		if s.Addon != nil && s.Addon.ResultPassthrough {
			continue
		}
		fi := crypto.FileInfo{
			Type:         "torrent",
			Hash:         s.Torrent.InfoHash,
			Index:        -1,
			Sources:      s.Torrent.Sources,
			CacheAndPlay: containsString(cfg.CacheAndPlayTypes, string(stream.TypeDebrid)),
		}
		if s.Torrent.FileIndex != nil {
			fi.Index = *s.Torrent.FileIndex
		}
		fiEncoded, err := crypto.EncodeFileInfo(fi)
		if err != nil {
			o.logger.Error("Couldn't encode file info", zap.Error(err))
			continue
		}
		filename := s.Filename
		if filename == "" {
			filename = "stream"
		}

		s.URL = strings.TrimSuffix(o.opts.BaseURL, "/") + "/playback/" +
			authCipher + "/" + fiEncoded + "/" + metaID + "/" + url.PathEscape(filename)
		s.Type = stream.TypeDebrid
		if s.Service == nil {
			s.Service = &stream.ServiceInfo{ID: service.ID, Cached: false}
		}
	}
}

// storeMetadata resolves and persists the title metadata playback will need.
func (o *Orchestrator) storeMetadata(ctx context.Context, req Request) (string, error) {
	if o.metaFetch == nil {
		return "", fmt.Errorf("no metadata fetcher configured")
	}
	imdbID, season, episode := req.IMDBParts()
	var record metadata.Record
	var err error
	if season > 0 || episode > 0 {
		record, err = o.metaFetch.GetTVShow(ctx, imdbID, season, episode)
	} else {
		record, err = o.metaFetch.GetMovie(ctx, imdbID)
	}
	if err != nil {
		return "", err
	}
	return o.metaStore.Put(record)
}

// render formats the final list back into wire items.
func (o *Orchestrator) render(cfg UserConfig, streams []*stream.ParsedStream) *stremio.StreamsResponse {
	formatter := pipeline.NewFormatter(cfg.Pipeline.Format)
	items := make([]stremio.StreamItem, 0, len(streams))
	for _, s := range streams {
		name, description := formatter.Format(s)
		item := stremio.StreamItem{
			Name:        name,
			Description: description,
			URL:         s.URL,
			ExternalURL: s.ExternalURL,
			YoutubeID:   s.YoutubeID,
			Subtitles:   s.Subtitles,
		}
		if s.Type == stream.TypeP2P && s.Torrent != nil {
			item.InfoHash = s.Torrent.InfoHash
			item.FileIndex = s.Torrent.FileIndex
			item.Sources = s.Torrent.Sources
		}
		if s.Type == stream.TypeError {
			// Error streams need a URL so players render them; they point at
			// nothing playable.
			item.URL = strings.TrimSuffix(o.opts.BaseURL, "/") + "/static/error.mp4"
		}
		if s.BingeGroup != "" || s.Filename != "" || s.Size > 0 || s.NotWebReady || len(s.CountryWhitelist) > 0 {
			item.BehaviorHints = &stremio.StreamBehaviorHints{
				BingeGroup:       s.BingeGroup,
				Filename:         s.Filename,
				VideoSize:        s.Size,
				NotWebReady:      s.NotWebReady,
				CountryWhitelist: s.CountryWhitelist,
			}
		}
		items = append(items, item)
	}
	return &stremio.StreamsResponse{Streams: items}
}

func countPlayable(streams []*stream.ParsedStream) int {
	count := 0
	for _, s := range streams {
		if s.Type != stream.TypeError && s.Type != stream.TypeStatistic {
			count++
		}
	}
	return count
}

func containsString(list []string, value string) bool {
	for _, item := range list {
		if item == value {
			return true
		}
	}
	return false
}
