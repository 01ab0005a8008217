package stream

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/tomfle18/aiostreams/pkg/addon"
	"github.com/tomfle18/aiostreams/pkg/stremio"
	"github.com/tomfle18/aiostreams/pkg/titleparser"
)

// Debrid service IDs known to the enricher and the resolver.
const (
	ServiceRealDebrid = "realdebrid"
	ServiceAllDebrid  = "alldebrid"
	ServicePremiumize = "premiumize"
	ServiceDebridLink = "debridlink"
	ServiceTorBox     = "torbox"
	ServiceEasyDebrid = "easydebrid"
	ServiceDebrider   = "debrider"
	ServicePutIO      = "putio"
	ServicePikPak     = "pikpak"
	ServiceOffcloud   = "offcloud"
	ServiceSeedr      = "seedr"
	ServiceEasynews   = "easynews"
)

// KnownServices lists every service ID in the order they're documented.
var KnownServices = []string{
	ServiceRealDebrid, ServiceAllDebrid, ServicePremiumize, ServiceDebridLink,
	ServiceTorBox, ServiceEasyDebrid, ServiceDebrider, ServicePutIO,
	ServicePikPak, ServiceOffcloud, ServiceSeedr, ServiceEasynews,
}

// URL host fragments that attribute a stream to a debrid service.
var serviceHostFragments = map[string]string{
	"real-debrid":  ServiceRealDebrid,
	"realdebrid":   ServiceRealDebrid,
	"alldebrid":    ServiceAllDebrid,
	"debrid.it":    ServiceAllDebrid,
	"premiumize":   ServicePremiumize,
	"debrid-link":  ServiceDebridLink,
	"debridlink":   ServiceDebridLink,
	"torbox":       ServiceTorBox,
	"easydebrid":   ServiceEasyDebrid,
	"debrider":     ServiceDebrider,
	"put.io":       ServicePutIO,
	"putio":        ServicePutIO,
	"mypikpak":     ServicePikPak,
	"pikpak":       ServicePikPak,
	"offcloud":     ServiceOffcloud,
	"seedr":        ServiceSeedr,
	"easynews":     ServiceEasynews,
}

// Bracketed short codes addons put into stream names, e.g. "[RD+]".
var serviceShortCodes = map[string]string{
	"RD": ServiceRealDebrid,
	"AD": ServiceAllDebrid,
	"PM": ServicePremiumize,
	"DL": ServiceDebridLink,
	"TB": ServiceTorBox,
	"ED": ServiceEasyDebrid,
	"DB": ServiceDebrider,
	"PO": ServicePutIO,
	"PP": ServicePikPak,
	"OC": ServiceOffcloud,
	"SR": ServiceSeedr,
	"EN": ServiceEasynews,
}

var (
	serviceTagRegex = regexp.MustCompile(`\[([A-Z]{2})(\+|-| download)?\]`)
	sizeTokenRegex  = regexp.MustCompile(`(?i)(?:💾|📦)?\s*([\d]+(?:[.,]\d+)?)\s*([KMGT]i?B)\b`)
	seedersRegex    = regexp.MustCompile(`👤\s*(\d+)`)
	indexerRegex    = regexp.MustCompile(`🔍\s*([^\n|]+)`)
	ageRegex        = regexp.MustCompile(`📅\s*(\d+)d\b`)
)

// EnricherOptions bound the per-request parse memo.
type EnricherOptions struct {
	ParseMemoTTL time.Duration
}

var DefaultEnricherOpts = EnricherOptions{
	ParseMemoTTL: 5 * time.Minute,
}

// Enricher turns raw upstream stream items into ParsedStream records.
// It memoizes title parsing per exact input string.
type Enricher struct {
	memo   *gocache.Cache
	logger *zap.Logger
}

func NewEnricher(opts EnricherOptions, logger *zap.Logger) *Enricher {
	return &Enricher{
		memo:   gocache.New(opts.ParseMemoTTL, 10*time.Minute),
		logger: logger,
	}
}

// Enrich converts all raw streams from one provider. Failures never drop a
// stream silently: a raw stream that can't be classified becomes an inline
// error stream.
func (e *Enricher) Enrich(desc *addon.Descriptor, items []stremio.StreamItem) []*ParsedStream {
	parsed := make([]*ParsedStream, 0, len(items))
	for i, item := range items {
		s, err := e.enrichOne(desc, i, item)
		if err != nil {
			e.logger.Warn("Couldn't enrich stream, converting to inline error",
				zap.Error(err), zap.String("addon", desc.InstanceID), zap.Int("index", i))
			s = &ParsedStream{
				ID:    fmt.Sprintf("%s.%d", desc.InstanceID, i),
				Addon: desc,
				Type:  TypeError,
				Error: &ErrorInfo{
					Title:       "[" + desc.DisplayName + "] Invalid stream",
					Description: err.Error(),
				},
			}
		}
		parsed = append(parsed, s)
	}
	return parsed
}

func (e *Enricher) enrichOne(desc *addon.Descriptor, index int, item stremio.StreamItem) (*ParsedStream, error) {
	s := &ParsedStream{
		ID:                  fmt.Sprintf("%s.%d", desc.InstanceID, index),
		Addon:               desc,
		URL:                 item.URL,
		ExternalURL:         item.ExternalURL,
		YoutubeID:           item.YoutubeID,
		Subtitles:           item.Subtitles,
		Library:             desc.Library,
		OriginalName:        item.Name,
		OriginalDescription: description(item),
	}

	if item.BehaviorHints != nil {
		s.Filename = item.BehaviorHints.Filename
		s.Size = item.BehaviorHints.VideoSize
		s.BingeGroup = item.BehaviorHints.BingeGroup
		s.NotWebReady = item.BehaviorHints.NotWebReady
		s.CountryWhitelist = item.BehaviorHints.CountryWhitelist
	}

	if item.InfoHash != "" {
		s.Torrent = &TorrentInfo{
			InfoHash:  strings.ToLower(item.InfoHash),
			FileIndex: item.FileIndex,
			Seeders:   -1,
			Sources:   item.Sources,
		}
	}

	// Parse the best name we have, in fixed order: the filename hint beats
	// the description (which usually carries the release name), which beats
	// the short display name.
	for _, candidate := range []string{s.Filename, s.OriginalDescription, item.Name} {
		if candidate == "" {
			continue
		}
		if info := e.parse(candidate); info != nil {
			s.File = ParsedFile{
				Resolution:      info.Resolution,
				Quality:         info.Quality,
				Encode:          info.Encode,
				VisualTags:      info.VisualTags,
				AudioTags:       info.AudioTags,
				AudioChannels:   info.AudioChannels,
				Languages:       info.Languages,
				Title:           info.Title,
				Year:            info.Year,
				Season:          info.Season,
				SeasonEnd:       info.SeasonEnd,
				Episode:         info.Episode,
				AbsoluteEpisode: info.AbsoluteEpisode,
				ReleaseGroup:    info.ReleaseGroup,
			}
			break
		}
	}

	e.attachWireAttributes(s, item)
	s.Service = detectService(item, s.URL)
	s.Type = deriveType(desc, item, s)

	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// parse memoizes titleparser.Parse per exact input string.
func (e *Enricher) parse(name string) *titleparser.Info {
	if cached, found := e.memo.Get(name); found {
		info, _ := cached.(*titleparser.Info)
		return info
	}
	info := titleparser.Parse(name)
	e.memo.Set(name, info, 0)
	return info
}

// attachWireAttributes pulls size, seeders, indexer and age tokens out of the
// description when behaviorHints didn't carry them.
func (e *Enricher) attachWireAttributes(s *ParsedStream, item stremio.StreamItem) {
	desc := s.OriginalDescription
	if s.Size == 0 {
		if match := sizeTokenRegex.FindStringSubmatch(desc); match != nil {
			s.Size = parseSizeToken(match[1], match[2])
		}
	}
	if s.Torrent != nil {
		if match := seedersRegex.FindStringSubmatch(desc); match != nil {
			if seeders, err := strconv.Atoi(match[1]); err == nil {
				s.Torrent.Seeders = seeders
			}
		}
	}
	if match := indexerRegex.FindStringSubmatch(desc); match != nil {
		s.Indexer = strings.TrimSpace(match[1])
	}
	if match := ageRegex.FindStringSubmatch(desc); match != nil {
		s.Age, _ = strconv.Atoi(match[1])
	}
}

func description(item stremio.StreamItem) string {
	if item.Description != "" {
		return item.Description
	}
	return item.Title
}

// detectService figures out which debrid service a stream already targets,
// from the URL host first and name/description markers second.
func detectService(item stremio.StreamItem, rawURL string) *ServiceInfo {
	if rawURL != "" {
		if parsed, err := url.Parse(rawURL); err == nil {
			host := strings.ToLower(parsed.Hostname())
			for fragment, serviceID := range serviceHostFragments {
				if strings.Contains(host, fragment) {
					return &ServiceInfo{ID: serviceID, Cached: !markedUncached(item)}
				}
			}
		}
	}

	haystack := item.Name + " " + description(item)
	if match := serviceTagRegex.FindStringSubmatch(haystack); match != nil {
		if serviceID, ok := serviceShortCodes[match[1]]; ok {
			return &ServiceInfo{ID: serviceID, Cached: match[2] == "+"}
		}
	}
	return nil
}

// markedUncached checks for the conventional "will download first" markers.
func markedUncached(item stremio.StreamItem) bool {
	haystack := item.Name + " " + description(item)
	return strings.Contains(haystack, "⏳") || strings.Contains(strings.ToLower(haystack), "download")
}

// deriveType applies the classification rule table.
func deriveType(desc *addon.Descriptor, item stremio.StreamItem, s *ParsedStream) Type {
	switch {
	case item.InfoHash != "":
		return TypeP2P
	case item.YoutubeID != "":
		return TypeYoutube
	case item.ExternalURL != "" && item.URL == "":
		return TypeExternal
	case item.URL != "":
		if s.Service != nil {
			return TypeDebrid
		}
		for _, t := range desc.StreamTypes {
			switch t {
			case "usenet":
				return TypeUsenet
			case "live":
				return TypeLive
			}
		}
		return TypeHTTP
	default:
		return TypeError
	}
}

func parseSizeToken(number, unit string) int64 {
	value, err := strconv.ParseFloat(strings.ReplaceAll(number, ",", "."), 64)
	if err != nil {
		return 0
	}
	switch strings.ToUpper(strings.TrimSuffix(strings.ToUpper(unit), "IB")) {
	case "K", "KB":
		value *= 1 << 10
	case "M", "MB":
		value *= 1 << 20
	case "G", "GB":
		value *= 1 << 30
	case "T", "TB":
		value *= 1 << 40
	}
	return int64(value)
}
