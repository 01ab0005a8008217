package stream

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tomfle18/aiostreams/pkg/addon"
	"github.com/tomfle18/aiostreams/pkg/stremio"
)

func testEnricher() *Enricher {
	return NewEnricher(DefaultEnricherOpts, zap.NewNop())
}

func testDesc() *addon.Descriptor {
	return &addon.Descriptor{
		InstanceID:  "torrentio",
		ManifestURL: "https://torrentio.example.org/manifest.json",
		DisplayName: "Torrentio",
		Identifier:  "torrentio",
		Timeout:     5 * time.Second,
	}
}

func intPtr(v int) *int { return &v }

func TestEnrichTorrentStream(t *testing.T) {
	items := []stremio.StreamItem{{
		InfoHash:  "DD8255ECDC7CA55FB0BBF81323D87062DB1F6D1C",
		FileIndex: intPtr(2),
		Name:      "Torrentio\n2160p",
		Title:     "Big.Buck.Bunny.2008.2160p.BluRay.REMUX.HDR.TrueHD.7.1-FraMeSToR\n👤 87 💾 42.5 GB 🔍 RARBG",
		Sources:   []string{"tracker:udp://example.org:6969"},
	}}

	parsed := testEnricher().Enrich(testDesc(), items)
	require.Len(t, parsed, 1)
	s := parsed[0]

	assert.Equal(t, "torrentio.0", s.ID)
	assert.Equal(t, TypeP2P, s.Type)
	require.NotNil(t, s.Torrent)
	assert.Equal(t, "dd8255ecdc7ca55fb0bbf81323d87062db1f6d1c", s.Torrent.InfoHash, "hashes are lowercased")
	assert.Equal(t, 2, *s.Torrent.FileIndex)
	assert.Equal(t, 87, s.Torrent.Seeders)
	assert.Equal(t, "2160p", s.File.Resolution)
	assert.Equal(t, "BluRay REMUX", s.File.Quality)
	assert.Equal(t, int64(float64(42.5*float64(1<<30))), s.Size)
	assert.Equal(t, "RARBG", s.Indexer)
	assert.NoError(t, s.Validate())
}

func TestEnrichDetectsServiceFromURLHost(t *testing.T) {
	items := []stremio.StreamItem{{
		URL:  "https://my.real-debrid.example.org/dl/abc",
		Name: "Cached ⚡",
	}}
	parsed := testEnricher().Enrich(testDesc(), items)
	require.Len(t, parsed, 1)
	require.NotNil(t, parsed[0].Service)
	assert.Equal(t, ServiceRealDebrid, parsed[0].Service.ID)
	assert.True(t, parsed[0].Service.Cached)
	assert.Equal(t, TypeDebrid, parsed[0].Type)
}

func TestEnrichDetectsServiceFromShortCode(t *testing.T) {
	cached := stremio.StreamItem{URL: "https://gateway.example.org/play/1", Name: "[RD+] Movie 1080p"}
	uncached := stremio.StreamItem{URL: "https://gateway.example.org/play/2", Name: "[TB-] Movie 1080p"}

	parsed := testEnricher().Enrich(testDesc(), []stremio.StreamItem{cached, uncached})
	require.Len(t, parsed, 2)

	require.NotNil(t, parsed[0].Service)
	assert.Equal(t, ServiceRealDebrid, parsed[0].Service.ID)
	assert.True(t, parsed[0].Service.Cached)

	require.NotNil(t, parsed[1].Service)
	assert.Equal(t, ServiceTorBox, parsed[1].Service.ID)
	assert.False(t, parsed[1].Service.Cached)
}

func TestEnrichHTTPAndYoutubeAndExternal(t *testing.T) {
	items := []stremio.StreamItem{
		{URL: "https://cdn.example.org/movie.mkv", Name: "Plain 1080p"},
		{YoutubeID: "dQw4w9WgXcQ", Name: "Trailer"},
		{ExternalURL: "https://other.example.org/watch", Name: "Elsewhere"},
	}
	parsed := testEnricher().Enrich(testDesc(), items)
	require.Len(t, parsed, 3)
	assert.Equal(t, TypeHTTP, parsed[0].Type)
	assert.Equal(t, TypeYoutube, parsed[1].Type)
	assert.Equal(t, TypeExternal, parsed[2].Type)
}

func TestEnrichUsenetViaAdvertisedType(t *testing.T) {
	desc := testDesc()
	desc.StreamTypes = []string{"usenet"}
	items := []stremio.StreamItem{{URL: "https://indexer.example.org/get/1", Name: "NZB 1080p"}}
	parsed := testEnricher().Enrich(desc, items)
	require.Len(t, parsed, 1)
	assert.Equal(t, TypeUsenet, parsed[0].Type)
}

func TestEnrichBehaviorHints(t *testing.T) {
	items := []stremio.StreamItem{{
		URL:  "https://cdn.example.org/movie.mkv",
		Name: "Hinted",
		BehaviorHints: &stremio.StreamBehaviorHints{
			Filename:         "Movie.2024.1080p.WEB-DL.mkv",
			VideoSize:        3 << 30,
			BingeGroup:       "aio-1080p",
			NotWebReady:      true,
			CountryWhitelist: []string{"de"},
		},
	}}
	parsed := testEnricher().Enrich(testDesc(), items)
	require.Len(t, parsed, 1)
	s := parsed[0]
	assert.Equal(t, "Movie.2024.1080p.WEB-DL.mkv", s.Filename)
	assert.Equal(t, int64(3<<30), s.Size)
	assert.Equal(t, "aio-1080p", s.BingeGroup)
	assert.True(t, s.NotWebReady)
	assert.Equal(t, "1080p", s.File.Resolution, "filename is parsed before the display name")
}

func TestEnrichInvalidStreamBecomesErrorStream(t *testing.T) {
	items := []stremio.StreamItem{{Name: "nothing playable"}}
	parsed := testEnricher().Enrich(testDesc(), items)
	require.Len(t, parsed, 1, "failures are never dropped silently")
	assert.Equal(t, TypeError, parsed[0].Type)
	require.NotNil(t, parsed[0].Error)
	assert.Contains(t, parsed[0].Error.Title, "Torrentio")
}

func TestFieldResolution(t *testing.T) {
	s := &ParsedStream{
		Type:    TypeDebrid,
		File:    ParsedFile{Resolution: "1080p", VisualTags: []string{"HDR"}},
		Size:    1 << 30,
		Service: &ServiceInfo{ID: "realdebrid", Cached: true},
	}

	val, ok := Field(s, "resolution")
	require.True(t, ok)
	assert.Equal(t, "1080p", val)

	val, ok = Field(s, "service.cached")
	require.True(t, ok)
	assert.Equal(t, true, val)

	val, ok = Field(s, "seeders")
	require.True(t, ok)
	assert.Nil(t, val, "unknown seeders resolve to nil, not zero")

	_, ok = Field(s, "definitelyNotAField")
	assert.False(t, ok)
}
