package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tomfle18/aiostreams/pkg/stream"
)

func mkStream(id, resolution string, size int64) *stream.ParsedStream {
	return &stream.ParsedStream{
		ID:       id,
		Type:     stream.TypeHTTP,
		URL:      "https://cdn.example.org/" + id,
		Filename: id + "." + resolution + ".mkv",
		File:     stream.ParsedFile{Resolution: resolution},
		Size:     size,
	}
}

func newFilterer(t *testing.T, cfg FilterConfig) *Filterer {
	t.Helper()
	f, err := NewFilterer(cfg, Limits{}, zap.NewNop())
	require.NoError(t, err)
	return f
}

func ids(streams []*stream.ParsedStream) []string {
	out := make([]string, 0, len(streams))
	for _, s := range streams {
		out = append(out, s.ID)
	}
	return out
}

func TestExcludedResolution(t *testing.T) {
	// Spec scenario: excludedResolutions=[480p], preferred=[2160p,1080p]
	f := newFilterer(t, FilterConfig{
		Resolution: ListFilter{
			Excluded:  []string{"480p"},
			Preferred: []string{"2160p", "1080p"},
		},
	})
	input := []*stream.ParsedStream{
		mkStream("a", "2160p", 0),
		mkStream("b", "1080p", 0),
		mkStream("c", "720p", 0),
		mkStream("d", "480p", 0),
	}
	out, err := f.Apply(input, RequestContext{MediaType: "movie"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, ids(out))
}

func TestIncludedRequiresIntersection(t *testing.T) {
	f := newFilterer(t, FilterConfig{
		Resolution: ListFilter{Included: []string{"2160p", "1080p"}},
	})
	input := []*stream.ParsedStream{
		mkStream("a", "2160p", 0),
		mkStream("b", "720p", 0),
		mkStream("c", "", 0), // unknown resolution
	}
	out, err := f.Apply(input, RequestContext{})
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, ids(out))
}

func TestUnknownTokenMatchable(t *testing.T) {
	f := newFilterer(t, FilterConfig{
		Resolution: ListFilter{Excluded: []string{"Unknown"}},
	})
	input := []*stream.ParsedStream{
		mkStream("a", "1080p", 0),
		mkStream("b", "", 0),
	}
	out, err := f.Apply(input, RequestContext{})
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, ids(out))
}

func TestRequiredVisualTags(t *testing.T) {
	f := newFilterer(t, FilterConfig{
		VisualTag: ListFilter{Required: []string{"HDR", "DV"}},
	})
	both := mkStream("both", "2160p", 0)
	both.File.VisualTags = []string{"HDR", "DV"}
	only := mkStream("only", "2160p", 0)
	only.File.VisualTags = []string{"HDR"}

	out, err := f.Apply([]*stream.ParsedStream{both, only}, RequestContext{})
	require.NoError(t, err)
	assert.Equal(t, []string{"both"}, ids(out))
}

func TestVisualTagCombos(t *testing.T) {
	hdrdv := mkStream("hdrdv", "2160p", 0)
	hdrdv.File.VisualTags = []string{"HDR10", "DV"}
	dvOnly := mkStream("dvonly", "2160p", 0)
	dvOnly.File.VisualTags = []string{"DV"}
	hdrOnly := mkStream("hdronly", "2160p", 0)
	hdrOnly.File.VisualTags = []string{"HDR"}

	f := newFilterer(t, FilterConfig{VisualTag: ListFilter{Excluded: []string{"DV Only"}}})
	out, err := f.Apply([]*stream.ParsedStream{hdrdv, dvOnly, hdrOnly}, RequestContext{})
	require.NoError(t, err)
	assert.Equal(t, []string{"hdrdv", "hdronly"}, ids(out))

	f = newFilterer(t, FilterConfig{VisualTag: ListFilter{Included: []string{"HDR+DV"}}})
	out, err = f.Apply([]*stream.ParsedStream{hdrdv, dvOnly, hdrOnly}, RequestContext{})
	require.NoError(t, err)
	assert.Equal(t, []string{"hdrdv"}, ids(out))
}

func TestSizeScopes(t *testing.T) {
	f := newFilterer(t, FilterConfig{
		Size: SizeConfig{
			Global:        SizeRange{Max: 10 << 30},
			PerResolution: map[string]SizeRange{"2160p": {Min: 1 << 30, Max: 40 << 30}},
		},
	})
	input := []*stream.ParsedStream{
		mkStream("big4k", "2160p", 30<<30),   // allowed by the 2160p scope
		mkStream("small4k", "2160p", 512<<20), // below the 2160p min
		mkStream("bighd", "1080p", 12<<30),   // over the global max
		mkStream("okhd", "1080p", 4<<30),
		mkStream("nosize", "1080p", 0), // unknown size always passes
	}
	out, err := f.Apply(input, RequestContext{MediaType: "movie"})
	require.NoError(t, err)
	assert.Equal(t, []string{"big4k", "okhd", "nosize"}, ids(out))
}

func TestSizeHalfOpenInterval(t *testing.T) {
	f := newFilterer(t, FilterConfig{
		Size: SizeConfig{Global: SizeRange{Min: 1 << 30, Max: 8 << 30}},
	})
	atMin := mkStream("atmin", "1080p", 1<<30)
	atMax := mkStream("atmax", "1080p", 8<<30)
	out, err := f.Apply([]*stream.ParsedStream{atMin, atMax}, RequestContext{})
	require.NoError(t, err)
	assert.Equal(t, []string{"atmin"}, ids(out), "interval is [min, max)")
}

func TestSeederScopes(t *testing.T) {
	f := newFilterer(t, FilterConfig{
		Seeders: []SeederRule{{Min: 10, Scopes: []string{"p2p"}}},
	})
	p2pLow := &stream.ParsedStream{
		ID: "p2plow", Type: stream.TypeP2P,
		Torrent: &stream.TorrentInfo{InfoHash: "a", Seeders: 3},
	}
	p2pHigh := &stream.ParsedStream{
		ID: "p2phigh", Type: stream.TypeP2P,
		Torrent: &stream.TorrentInfo{InfoHash: "b", Seeders: 50},
	}
	// Cached debrid stream with few seeders is out of the rule's scope
	debrid := &stream.ParsedStream{
		ID: "debrid", Type: stream.TypeDebrid, URL: "https://x/y",
		Torrent: &stream.TorrentInfo{InfoHash: "c", Seeders: 1},
		Service: &stream.ServiceInfo{ID: "realdebrid", Cached: true},
	}
	out, err := f.Apply([]*stream.ParsedStream{p2pLow, p2pHigh, debrid}, RequestContext{})
	require.NoError(t, err)
	assert.Equal(t, []string{"p2phigh", "debrid"}, ids(out))
}

func TestRegexAllowList(t *testing.T) {
	_, err := NewFilterer(FilterConfig{
		Regex: ListFilter{Excluded: []string{`(?i)\bCAM\b`}},
	}, Limits{}, zap.NewNop())
	var invalidRegex *InvalidRegexError
	require.ErrorAs(t, err, &invalidRegex, "free regex denied without allow-list entry")

	f := newFilterer(t, FilterConfig{
		Regex:          ListFilter{Excluded: []string{`(?i)\bCAM\b`}},
		AllowedRegexes: []string{`(?i)\bCAM\b`},
	})
	cam := mkStream("cam", "1080p", 0)
	cam.Filename = "Movie.CAM.mkv"
	good := mkStream("good", "1080p", 0)
	out, err := f.Apply([]*stream.ParsedStream{cam, good}, RequestContext{})
	require.NoError(t, err)
	assert.Equal(t, []string{"good"}, ids(out))
}

func TestInvalidRegexCompilation(t *testing.T) {
	_, err := NewFilterer(FilterConfig{
		FreeRegexAllowed: true,
		Regex:            ListFilter{Excluded: []string{`([unclosed`}},
	}, Limits{}, zap.NewNop())
	var invalidRegex *InvalidRegexError
	assert.ErrorAs(t, err, &invalidRegex)
}

func TestStreamExpressionFilter(t *testing.T) {
	// Spec scenario 6: expression reduces a mixed list, order preserved
	f := newFilterer(t, FilterConfig{
		StreamExpression: ListFilter{Included: []string{`type = "debrid" and size < 8gb`}},
	})
	var input []*stream.ParsedStream
	small := &stream.ParsedStream{
		ID: "small-debrid", Type: stream.TypeDebrid, URL: "https://x/a",
		Size: 4 << 30, Service: &stream.ServiceInfo{ID: "realdebrid", Cached: true},
	}
	big := &stream.ParsedStream{
		ID: "big-debrid", Type: stream.TypeDebrid, URL: "https://x/b",
		Size: 9 << 30, Service: &stream.ServiceInfo{ID: "realdebrid", Cached: true},
	}
	p2p := &stream.ParsedStream{
		ID: "p2p", Type: stream.TypeP2P, Size: 1 << 30,
		Torrent: &stream.TorrentInfo{InfoHash: "x", Seeders: 5},
	}
	input = append(input, big, small, p2p)

	out, err := f.Apply(input, RequestContext{})
	require.NoError(t, err)
	assert.Equal(t, []string{"small-debrid"}, ids(out))
}

func TestInvalidExpressionRejected(t *testing.T) {
	_, err := NewFilterer(FilterConfig{
		StreamExpression: ListFilter{Included: []string{`type = `}},
	}, Limits{}, zap.NewNop())
	var invalidExpr *InvalidExpressionError
	assert.ErrorAs(t, err, &invalidExpr)
}

func TestExpressionLimit(t *testing.T) {
	_, err := NewFilterer(FilterConfig{
		StreamExpression: ListFilter{Included: []string{`true`, `true`, `true`}},
	}, Limits{MaxStreamExpressionFilters: 2}, zap.NewNop())
	assert.Error(t, err)
}

func TestFilterMonotonicity(t *testing.T) {
	input := []*stream.ParsedStream{
		mkStream("a", "2160p", 0),
		mkStream("b", "1080p", 0),
		mkStream("c", "720p", 0),
	}

	base := newFilterer(t, FilterConfig{})
	baseOut, err := base.Apply(input, RequestContext{})
	require.NoError(t, err)

	// Adding to excluded never increases the output size
	narrowed := newFilterer(t, FilterConfig{Resolution: ListFilter{Excluded: []string{"720p"}}})
	narrowedOut, err := narrowed.Apply(input, RequestContext{})
	require.NoError(t, err)
	assert.LessOrEqual(t, len(narrowedOut), len(baseOut))

	// Adding to preferred never changes the output set
	preferred := newFilterer(t, FilterConfig{Resolution: ListFilter{Preferred: []string{"1080p"}}})
	preferredOut, err := preferred.Apply(input, RequestContext{})
	require.NoError(t, err)
	assert.Equal(t, ids(baseOut), ids(preferredOut))
}

func TestErrorStreamsPassThrough(t *testing.T) {
	f := newFilterer(t, FilterConfig{Resolution: ListFilter{Included: []string{"2160p"}}})
	errStream := &stream.ParsedStream{
		ID: "err", Type: stream.TypeError,
		Error: &stream.ErrorInfo{Title: "[provider] timed out"},
	}
	out, err := f.Apply([]*stream.ParsedStream{errStream, mkStream("a", "1080p", 0)}, RequestContext{})
	require.NoError(t, err)
	assert.Equal(t, []string{"err"}, ids(out))
}

func TestKeywordFilter(t *testing.T) {
	f := newFilterer(t, FilterConfig{
		Keyword: ListFilter{Excluded: []string{"hdcam"}, Preferred: []string{"remux"}},
	})
	cam := mkStream("cam", "1080p", 0)
	cam.Filename = "Movie.2024.HDCAM.mkv"
	remux := mkStream("remux", "2160p", 0)
	remux.Filename = "Movie.2024.REMUX.mkv"
	plain := mkStream("plain", "1080p", 0)

	out, err := f.Apply([]*stream.ParsedStream{cam, remux, plain}, RequestContext{})
	require.NoError(t, err)
	assert.Equal(t, []string{"remux", "plain"}, ids(out))
	assert.True(t, out[0].KeywordMatched)
	assert.False(t, out[1].KeywordMatched)
}
