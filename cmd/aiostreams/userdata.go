package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/tomfle18/aiostreams/pkg/addon"
	"github.com/tomfle18/aiostreams/pkg/crypto"
	"github.com/tomfle18/aiostreams/pkg/debrid"
	"github.com/tomfle18/aiostreams/pkg/orchestrator"
	"github.com/tomfle18/aiostreams/pkg/pipeline"
	"github.com/tomfle18/aiostreams/pkg/stream"
)

// userData is the wire form of a user configuration, carried base64url-encoded
// in the URL path. Schema validation and migration happen in the
// configuration UI; this decoder only enforces what the pipeline needs.
type userData struct {
	Addons []userAddon `json:"addons"`
	Groups []userGroup `json:"groups"`

	GroupMode    string `json:"groupMode"`
	DynamicFetch struct {
		Enabled   bool   `json:"enabled"`
		Condition string `json:"condition"`
	} `json:"dynamicFetch"`

	Services          []userService `json:"services"`
	CacheAndPlayTypes []string      `json:"cacheAndPlayTypes"`

	HideErrors             bool     `json:"hideErrors"`
	HideErrorsForResources []string `json:"hideErrorsForResources"`

	Filter userFilter          `json:"filter"`
	Sort   userSort            `json:"sort"`
	Dedup  userDedup           `json:"dedup"`
	Proxy  userProxy           `json:"proxy"`
	Format pipelineFormatJSON  `json:"format"`
}

type userAddon struct {
	InstanceID        string            `json:"instanceId"`
	ManifestURL       string            `json:"manifestUrl"`
	Name              string            `json:"name"`
	Preset            string            `json:"preset"`
	ShortID           string            `json:"shortId"`
	TimeoutMs         int               `json:"timeoutMs"`
	Resources         []string          `json:"resources"`
	MediaTypes        []string          `json:"mediaTypes"`
	StreamTypes       []string          `json:"streamTypes"`
	Headers           map[string]string `json:"headers"`
	ForceToTop        bool              `json:"forceToTop"`
	Library           bool              `json:"library"`
	FormatPassthrough bool              `json:"formatPassthrough"`
	ResultPassthrough bool              `json:"resultPassthrough"`
}

type userGroup struct {
	Addons    []string `json:"addons"`
	Condition string   `json:"condition"`
}

type userService struct {
	ID          string            `json:"id"`
	Enabled     bool              `json:"enabled"`
	Credentials map[string]string `json:"credentials"`
}

type listFilterJSON struct {
	Excluded  []string `json:"excluded"`
	Included  []string `json:"included"`
	Required  []string `json:"required"`
	Preferred []string `json:"preferred"`
}

func (l listFilterJSON) toConfig() pipeline.ListFilter {
	return pipeline.ListFilter{
		Excluded:  l.Excluded,
		Included:  l.Included,
		Required:  l.Required,
		Preferred: l.Preferred,
	}
}

type userFilter struct {
	Resolution   listFilterJSON `json:"resolution"`
	Quality      listFilterJSON `json:"quality"`
	Language     listFilterJSON `json:"language"`
	VisualTag    listFilterJSON `json:"visualTag"`
	AudioTag     listFilterJSON `json:"audioTag"`
	AudioChannel listFilterJSON `json:"audioChannel"`
	StreamType   listFilterJSON `json:"streamType"`
	Encode       listFilterJSON `json:"encode"`
	Regex        listFilterJSON `json:"regex"`
	Keyword      listFilterJSON `json:"keyword"`
	Expression   listFilterJSON `json:"streamExpression"`

	Seeders []struct {
		Min    int      `json:"min"`
		Max    int      `json:"max"`
		Scopes []string `json:"scopes"`
	} `json:"seeders"`

	Size struct {
		Global        sizeRangeJSON            `json:"global"`
		PerMediaType  map[string]sizeRangeJSON `json:"perMediaType"`
		PerResolution map[string]sizeRangeJSON `json:"perResolution"`
	} `json:"size"`
}

type sizeRangeJSON struct {
	Min int64 `json:"min"`
	Max int64 `json:"max"`
}

type userSort struct {
	Criteria []sortCriterionJSON            `json:"criteria"`
	PerType  map[string][]sortCriterionJSON `json:"perType"`
	Cached   []sortCriterionJSON            `json:"cached"`
	Uncached []sortCriterionJSON            `json:"uncached"`
}

type sortCriterionJSON struct {
	Key       string `json:"key"`
	Direction string `json:"direction"`
}

type userDedup struct {
	Keys        []string          `json:"keys"`
	PerType     map[string]string `json:"perType"`
	DefaultMode string            `json:"defaultMode"`
	MultiGroup  string            `json:"multiGroupBehaviour"`
}

type userProxy struct {
	Enabled         bool     `json:"enabled"`
	URL             string   `json:"url"`
	Credentials     string   `json:"credentials"`
	ProxiedAddons   []string `json:"proxiedAddons"`
	ProxiedServices []string `json:"proxiedServices"`
}

type pipelineFormatJSON struct {
	NameTemplate        string `json:"nameTemplate"`
	DescriptionTemplate string `json:"descriptionTemplate"`
}

// decodeUserData parses the URL path segment into a user configuration.
func decodeUserData(encoded string) (*userData, error) {
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("Couldn't decode user data: %v", err)
	}
	var ud userData
	if err := json.Unmarshal(raw, &ud); err != nil {
		return nil, fmt.Errorf("Couldn't unmarshal user data: %v", err)
	}
	if len(ud.Addons) == 0 {
		return nil, fmt.Errorf("user data has no addons configured")
	}
	return &ud, nil
}

// toUserConfig turns decoded user data into the orchestrator's configuration,
// applying the operator's defaulted/forced credentials and forced proxy.
func (ud *userData) toUserConfig(ctx context.Context, opCfg config, codec *crypto.Codec, logger *zap.Logger) (orchestrator.UserConfig, error) {
	cfg := orchestrator.UserConfig{
		GroupMode:              orchestrator.GroupMode(ud.GroupMode),
		DynamicFetch:           ud.DynamicFetch.Enabled,
		DynamicFetchCondition:  ud.DynamicFetch.Condition,
		CacheAndPlayTypes:      ud.CacheAndPlayTypes,
		HideErrors:             ud.HideErrors,
		HideErrorsForResources: ud.HideErrorsForResources,
	}
	if cfg.GroupMode == "" {
		cfg.GroupMode = orchestrator.GroupsParallel
	}

	var addonOrder []string
	for _, ua := range ud.Addons {
		timeout := time.Duration(ua.TimeoutMs) * time.Millisecond
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		desc := addon.Descriptor{
			InstanceID:        ua.InstanceID,
			ManifestURL:       ua.ManifestURL,
			DisplayName:       ua.Name,
			Identifier:        ua.Preset,
			ShortID:           ua.ShortID,
			Timeout:           timeout,
			Resources:         ua.Resources,
			MediaTypes:        ua.MediaTypes,
			StreamTypes:       ua.StreamTypes,
			ExtraHeaders:      ua.Headers,
			ForceToTop:        ua.ForceToTop,
			Library:           ua.Library,
			FormatPassthrough: ua.FormatPassthrough,
			ResultPassthrough: ua.ResultPassthrough,
		}
		if desc.DisplayName == "" {
			desc.DisplayName = desc.InstanceID
		}
		if err := desc.Validate(); err != nil {
			return orchestrator.UserConfig{}, err
		}
		cfg.Addons = append(cfg.Addons, desc)
		addonOrder = append(addonOrder, desc.InstanceID)
	}

	for _, ug := range ud.Groups {
		cfg.Groups = append(cfg.Groups, orchestrator.Group{Addons: ug.Addons, Condition: ug.Condition})
	}

	services, serviceOrder, err := resolveServices(ctx, ud.Services, opCfg, codec, logger)
	if err != nil {
		return orchestrator.UserConfig{}, err
	}
	cfg.Services = services

	filterCfg := ud.Filter.toConfig()
	filterCfg.FreeRegexAllowed = opCfg.AllowFreeRegex
	filterCfg.AllowedRegexes = opCfg.allowedRegexPatterns()

	cfg.Pipeline = pipeline.Config{
		Filter: filterCfg,
		Dedup: pipeline.DedupConfig{
			Keys:        ud.Dedup.Keys,
			PerType:     dedupModes(ud.Dedup.PerType),
			DefaultMode: pipeline.DedupMode(ud.Dedup.DefaultMode),
			MultiGroup:  pipeline.MultiGroupBehaviour(ud.Dedup.MultiGroup),
		},
		Sort: pipeline.SortConfig{
			Criteria:         toCriteria(ud.Sort.Criteria),
			PerType:          toCriteriaMap(ud.Sort.PerType),
			CachedCriteria:   toCriteria(ud.Sort.Cached),
			UncachedCriteria: toCriteria(ud.Sort.Uncached),
		},
		Proxy: pipeline.ProxyConfig{
			Enabled:         ud.Proxy.Enabled,
			PublicURL:       ud.Proxy.URL,
			Credentials:     ud.Proxy.Credentials,
			ProxiedAddons:   ud.Proxy.ProxiedAddons,
			ProxiedServices: ud.Proxy.ProxiedServices,
		},
		Format: pipeline.FormatConfig{
			NameTemplate:        ud.Format.NameTemplate,
			DescriptionTemplate: ud.Format.DescriptionTemplate,
		},
		Preferences: pipeline.Preferences{
			ServiceOrder: serviceOrder,
			AddonOrder:   addonOrder,
		},
	}

	// Operator-forced proxy fields always win over the user's.
	if opCfg.ForceProxyEnabled {
		cfg.Pipeline.Proxy.Enabled = true
		if opCfg.ForceProxyURL != "" {
			cfg.Pipeline.Proxy.PublicURL = opCfg.ForceProxyURL
		}
		if opCfg.ForceProxyCredentials != "" {
			cfg.Pipeline.Proxy.Credentials = opCfg.ForceProxyCredentials
		}
	}

	return cfg, nil
}

func (f userFilter) toConfig() pipeline.FilterConfig {
	cfg := pipeline.FilterConfig{
		Resolution:       f.Resolution.toConfig(),
		Quality:          f.Quality.toConfig(),
		Language:         f.Language.toConfig(),
		VisualTag:        f.VisualTag.toConfig(),
		AudioTag:         f.AudioTag.toConfig(),
		AudioChannel:     f.AudioChannel.toConfig(),
		StreamType:       f.StreamType.toConfig(),
		Encode:           f.Encode.toConfig(),
		Regex:            f.Regex.toConfig(),
		Keyword:          f.Keyword.toConfig(),
		StreamExpression: f.Expression.toConfig(),
	}
	for _, rule := range f.Seeders {
		cfg.Seeders = append(cfg.Seeders, pipeline.SeederRule{Min: rule.Min, Max: rule.Max, Scopes: rule.Scopes})
	}
	cfg.Size.Global = pipeline.SizeRange{Min: f.Size.Global.Min, Max: f.Size.Global.Max}
	cfg.Size.PerMediaType = toSizeRanges(f.Size.PerMediaType)
	cfg.Size.PerResolution = toSizeRanges(f.Size.PerResolution)
	return cfg
}

// resolveServices merges user, defaulted and forced credentials and opens
// every encrypted-string envelope. Forced keys override the user's; default
// keys only fill gaps.
func resolveServices(ctx context.Context, services []userService, opCfg config, codec *crypto.Codec, logger *zap.Logger) ([]orchestrator.ServiceConfig, []string, error) {
	known := map[string]bool{}
	for _, id := range stream.KnownServices {
		known[id] = true
	}

	var resolved []orchestrator.ServiceConfig
	var order []string
	for _, us := range services {
		if !known[us.ID] {
			logger.Warn("Ignoring unknown service in user configuration", zap.String("service", us.ID))
			continue
		}
		order = append(order, us.ID)
		if !us.Enabled {
			resolved = append(resolved, orchestrator.ServiceConfig{ID: us.ID})
			continue
		}

		values := make(map[string]string, len(us.Credentials)+1)
		for key, value := range us.Credentials {
			opened, err := codec.OpenIfEncrypted(value)
			if err != nil {
				return nil, nil, fmt.Errorf("Couldn't open credential for service %q: %w", us.ID, err)
			}
			values[key] = opened
		}
		if forced, ok := opCfg.ForcedAPIKeys[us.ID]; ok {
			values["apiKey"] = forced
		} else if values["apiKey"] == "" && values["token"] == "" && values["refresh_token"] == "" {
			if fallback, ok := opCfg.DefaultAPIKeys[us.ID]; ok {
				values["apiKey"] = fallback
			}
		}

		credential, err := debrid.AccessToken(ctx, debrid.ServiceCredential{ID: us.ID, Enabled: true, Values: values})
		if err != nil {
			logger.Warn("Couldn't resolve service credential, disabling service for this request",
				zap.Error(err), zap.String("service", us.ID))
			resolved = append(resolved, orchestrator.ServiceConfig{ID: us.ID})
			continue
		}
		resolved = append(resolved, orchestrator.ServiceConfig{ID: us.ID, Enabled: true, Credential: credential})
	}
	return resolved, order, nil
}

func dedupModes(modes map[string]string) map[string]pipeline.DedupMode {
	if len(modes) == 0 {
		return nil
	}
	out := make(map[string]pipeline.DedupMode, len(modes))
	for streamType, mode := range modes {
		out[streamType] = pipeline.DedupMode(mode)
	}
	return out
}

func toCriteria(criteria []sortCriterionJSON) []pipeline.SortCriterion {
	out := make([]pipeline.SortCriterion, 0, len(criteria))
	for _, c := range criteria {
		direction := pipeline.SortDirection(c.Direction)
		if direction != pipeline.SortAsc {
			direction = pipeline.SortDesc
		}
		out = append(out, pipeline.SortCriterion{Key: c.Key, Direction: direction})
	}
	return out
}

func toCriteriaMap(m map[string][]sortCriterionJSON) map[string][]pipeline.SortCriterion {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string][]pipeline.SortCriterion, len(m))
	for mediaType, criteria := range m {
		out[mediaType] = toCriteria(criteria)
	}
	return out
}

func toSizeRanges(m map[string]sizeRangeJSON) map[string]pipeline.SizeRange {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]pipeline.SizeRange, len(m))
	for scope, r := range m {
		out[scope] = pipeline.SizeRange{Min: r.Min, Max: r.Max}
	}
	return out
}
