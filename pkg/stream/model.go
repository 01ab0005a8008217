// Package stream defines the canonical parsed-stream record that flows
// through the aggregation pipeline, and the enricher that produces it from
// raw upstream responses.
package stream

import (
	"fmt"
	"strings"

	"github.com/tomfle18/aiostreams/pkg/addon"
	"github.com/tomfle18/aiostreams/pkg/stremio"
)

// Type classifies how a stream is played.
type Type string

const (
	TypeP2P       Type = "p2p"
	TypeLive      Type = "live"
	TypeUsenet    Type = "usenet"
	TypeDebrid    Type = "debrid"
	TypeHTTP      Type = "http"
	TypeExternal  Type = "external"
	TypeYoutube   Type = "youtube"
	TypeError     Type = "error"
	TypeStatistic Type = "statistic"
)

// ParsedFile holds the attributes the title parser extracted.
type ParsedFile struct {
	Resolution      string
	Quality         string
	Encode          string
	VisualTags      []string
	AudioTags       []string
	AudioChannels   []string
	Languages       []string
	Title           string
	Year            int
	Season          int
	SeasonEnd       int
	Episode         int
	AbsoluteEpisode int
	ReleaseGroup    string
}

// TorrentInfo is present for p2p and torrent-backed debrid streams.
type TorrentInfo struct {
	InfoHash  string
	FileIndex *int
	// Seeders is -1 when the upstream didn't report a count.
	Seeders int
	Sources []string
}

// ServiceInfo attributes a stream to a debrid service.
type ServiceInfo struct {
	ID     string
	Cached bool
}

// ErrorInfo carries a per-provider failure as an inline stream.
type ErrorInfo struct {
	Title       string
	Description string
}

// MatchInfo records which configured rule matched a stream, for sorting by
// matched-rule index.
type MatchInfo struct {
	Name  string
	Index int
}

// ParsedStream is the canonical internal stream record.
type ParsedStream struct {
	ID    string
	Addon *addon.Descriptor
	Type  Type

	File       ParsedFile
	Size       int64
	FolderSize int64
	Torrent    *TorrentInfo
	Service    *ServiceInfo
	Indexer    string
	// Age of a usenet posting in days; 0 when unknown.
	Age        int
	Filename   string
	FolderName string

	URL         string
	ExternalURL string
	YoutubeID   string

	Subtitles        []stremio.Subtitle
	CountryWhitelist []string
	NotWebReady      bool
	BingeGroup       string

	Proxied           bool
	RegexMatched      *MatchInfo
	KeywordMatched    bool
	ExpressionMatched *MatchInfo
	Library           bool
	// Duration in milliseconds; 0 when unknown.
	Duration int64
	Error    *ErrorInfo

	// The upstream's original name/description, kept for passthrough
	// formatting and for re-parsing.
	OriginalName        string
	OriginalDescription string
}

// Validate enforces the per-type minimum-fields rules.
func (s *ParsedStream) Validate() error {
	switch s.Type {
	case TypeP2P:
		if s.Torrent == nil || s.Torrent.InfoHash == "" {
			return fmt.Errorf("stream %q: p2p streams require an info hash", s.ID)
		}
	case TypeDebrid, TypeHTTP, TypeUsenet, TypeLive:
		if s.URL == "" {
			return fmt.Errorf("stream %q: %s streams require a URL", s.ID, s.Type)
		}
	case TypeExternal:
		if s.ExternalURL == "" && s.URL == "" {
			return fmt.Errorf("stream %q: external streams require an external URL", s.ID)
		}
	case TypeYoutube:
		if s.YoutubeID == "" {
			return fmt.Errorf("stream %q: youtube streams require a video ID", s.ID)
		}
	case TypeError:
		if s.Error == nil || s.Error.Title == "" {
			return fmt.Errorf("stream %q: error streams require an error title", s.ID)
		}
	case TypeStatistic:
		// No payload requirements
	default:
		return fmt.Errorf("stream %q: unknown type %q", s.ID, s.Type)
	}
	return nil
}

// Seeders returns the seeder count or -1 when unknown.
func (s *ParsedStream) Seeders() int {
	if s.Torrent == nil {
		return -1
	}
	return s.Torrent.Seeders
}

// Cached reports whether the stream is attributed to a service and cached
// there. Streams without service attribution count as cached (they're
// directly playable).
func (s *ParsedStream) Cached() bool {
	if s.Service == nil {
		return true
	}
	return s.Service.Cached
}

// Field resolves a dotted attribute path against the stream for the
// expression evaluator and the formatter. The boolean result reports whether
// the path is known at all; unknown-but-valid attributes resolve to nil.
func Field(s *ParsedStream, path string) (interface{}, bool) {
	switch path {
	case "id":
		return s.ID, true
	case "type":
		return string(s.Type), true
	case "resolution":
		return emptyAsNil(s.File.Resolution), true
	case "quality":
		return emptyAsNil(s.File.Quality), true
	case "encode":
		return emptyAsNil(s.File.Encode), true
	case "visualTags":
		return s.File.VisualTags, true
	case "audioTags":
		return s.File.AudioTags, true
	case "audioChannels":
		return s.File.AudioChannels, true
	case "languages":
		return s.File.Languages, true
	case "title":
		return emptyAsNil(s.File.Title), true
	case "year":
		return zeroAsNil(s.File.Year), true
	case "season":
		return zeroAsNil(s.File.Season), true
	case "episode":
		return zeroAsNil(s.File.Episode), true
	case "releaseGroup":
		return emptyAsNil(s.File.ReleaseGroup), true
	case "size":
		return zeroAsNil64(s.Size), true
	case "folderSize":
		return zeroAsNil64(s.FolderSize), true
	case "seeders":
		if s.Torrent == nil || s.Torrent.Seeders < 0 {
			return nil, true
		}
		return s.Torrent.Seeders, true
	case "infoHash":
		if s.Torrent == nil {
			return nil, true
		}
		return s.Torrent.InfoHash, true
	case "indexer":
		return emptyAsNil(s.Indexer), true
	case "age":
		return zeroAsNil(s.Age), true
	case "filename":
		return emptyAsNil(s.Filename), true
	case "folderName":
		return emptyAsNil(s.FolderName), true
	case "service", "service.id":
		if s.Service == nil {
			return nil, true
		}
		return s.Service.ID, true
	case "service.cached", "cached":
		if s.Service == nil {
			return nil, true
		}
		return s.Service.Cached, true
	case "addon":
		if s.Addon == nil {
			return nil, true
		}
		return s.Addon.InstanceID, true
	case "addon.name":
		if s.Addon == nil {
			return nil, true
		}
		return s.Addon.DisplayName, true
	case "proxied":
		return s.Proxied, true
	case "library":
		return s.Library, true
	case "bingeGroup":
		return emptyAsNil(s.BingeGroup), true
	case "keywordMatched":
		return s.KeywordMatched, true
	case "regexMatched":
		return s.RegexMatched != nil, true
	case "regexMatched.name":
		if s.RegexMatched == nil {
			return nil, true
		}
		return s.RegexMatched.Name, true
	case "streamExpressionMatched":
		return s.ExpressionMatched != nil, true
	case "duration":
		return zeroAsNil64(s.Duration), true
	case "url":
		return emptyAsNil(s.URL), true
	case "error.title":
		if s.Error == nil {
			return nil, true
		}
		return s.Error.Title, true
	case "error.description":
		if s.Error == nil {
			return nil, true
		}
		return s.Error.Description, true
	default:
		return nil, false
	}
}

// HasVisualTag reports tag membership, case-insensitively.
func (s *ParsedStream) HasVisualTag(tag string) bool {
	for _, t := range s.File.VisualTags {
		if strings.EqualFold(t, tag) {
			return true
		}
	}
	return false
}

func emptyAsNil(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func zeroAsNil(n int) interface{} {
	if n == 0 {
		return nil
	}
	return n
}

func zeroAsNil64(n int64) interface{} {
	if n == 0 {
		return nil
	}
	return n
}
