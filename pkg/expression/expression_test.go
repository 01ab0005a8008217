package expression

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomfle18/aiostreams/pkg/stream"
)

func testStreams() []*stream.ParsedStream {
	return []*stream.ParsedStream{
		{
			ID:   "torrentio.0",
			Type: stream.TypeDebrid,
			File: stream.ParsedFile{
				Resolution: "2160p",
				Quality:    "BluRay REMUX",
				VisualTags: []string{"HDR", "DV"},
				Languages:  []string{"English"},
			},
			Size:    4 << 30,
			Service: &stream.ServiceInfo{ID: "realdebrid", Cached: true},
		},
		{
			ID:   "torrentio.1",
			Type: stream.TypeDebrid,
			File: stream.ParsedFile{
				Resolution: "1080p",
				Quality:    "WEB-DL",
			},
			Size:    9 << 30,
			Service: &stream.ServiceInfo{ID: "realdebrid", Cached: false},
		},
		{
			ID:      "peers.0",
			Type:    stream.TypeP2P,
			File:    stream.ParsedFile{Resolution: "1080p"},
			Size:    2 << 30,
			Torrent: &stream.TorrentInfo{InfoHash: "abc", Seeders: 42},
		},
	}
}

func TestSelectByTypeAndSize(t *testing.T) {
	expr, err := Parse(`type = "debrid" and size < 8gb`)
	require.NoError(t, err)

	selected, err := expr.Select(testStreams())
	require.NoError(t, err)
	require.Len(t, selected, 1)
	assert.Equal(t, "torrentio.0", selected[0].ID)
}

func TestSelectPreservesInputOrder(t *testing.T) {
	expr, err := Parse(`resolution = "1080p"`)
	require.NoError(t, err)

	selected, err := expr.Select(testStreams())
	require.NoError(t, err)
	require.Len(t, selected, 2)
	assert.Equal(t, "torrentio.1", selected[0].ID)
	assert.Equal(t, "peers.0", selected[1].ID)
}

func TestConditionOverCollection(t *testing.T) {
	streams := testStreams()

	ok, err := EvaluateConditionString(`count(streams) > 2`, streams)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = EvaluateConditionString(`count(streams, resolution = "2160p" and service.cached) >= 1`, streams)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = EvaluateConditionString(`empty(filter(streams, seeders > 100))`, streams)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMembershipAndContains(t *testing.T) {
	streams := testStreams()

	expr, err := Parse(`resolution in ["2160p", "1440p"]`)
	require.NoError(t, err)
	selected, err := expr.Select(streams)
	require.NoError(t, err)
	require.Len(t, selected, 1)

	expr, err = Parse(`visualTags contains "dv"`)
	require.NoError(t, err)
	selected, err = expr.Select(streams)
	require.NoError(t, err)
	require.Len(t, selected, 1)
	assert.Equal(t, "torrentio.0", selected[0].ID)
}

func TestRegexMatching(t *testing.T) {
	expr, err := Parse(`quality matches "(?i)remux"`)
	require.NoError(t, err)
	selected, err := expr.Select(testStreams())
	require.NoError(t, err)
	require.Len(t, selected, 1)
}

func TestNullComparisons(t *testing.T) {
	// The p2p stream has no service attribution: service.id is null, and null
	// never equals anything.
	expr, err := Parse(`service.id = "realdebrid"`)
	require.NoError(t, err)
	selected, err := expr.Select(testStreams())
	require.NoError(t, err)
	assert.Len(t, selected, 2)

	expr, err = Parse(`not (service.id = "realdebrid")`)
	require.NoError(t, err)
	selected, err = expr.Select(testStreams())
	require.NoError(t, err)
	assert.Len(t, selected, 1)
}

func TestParseErrors(t *testing.T) {
	cases := []string{
		`type = `,
		`(type = "debrid"`,
		`resolution in ["1080p"`,
		`type ~ "debrid"`,
		`"unterminated`,
		`size < 8zb`,
	}
	for _, src := range cases {
		_, err := Parse(src)
		require.Error(t, err, "expected parse error for %q", src)
		var parseErr *ParseError
		assert.ErrorAs(t, err, &parseErr, "expected *ParseError for %q", src)
		assert.GreaterOrEqual(t, parseErr.Pos, 0)
	}
}

func TestTypeErrors(t *testing.T) {
	// Condition yielding a number instead of a boolean
	err := ValidateCondition(`count(streams)`)
	var typeErr *TypeError
	require.ErrorAs(t, err, &typeErr)
	assert.Equal(t, KindNumber, typeErr.Got)
	assert.Equal(t, KindBool, typeErr.Want)

	// Selector yielding a string instead of a boolean
	err = ValidateSelector(`type`)
	require.ErrorAs(t, err, &typeErr)

	// Valid selector and condition
	assert.NoError(t, ValidateSelector(`type = "debrid" and size < 8gb`))
	assert.NoError(t, ValidateCondition(`count(streams) = 0`))
}

func TestUnitSuffixes(t *testing.T) {
	expr, err := Parse(`1mb < 1gb and 1024kb = 1mb`)
	require.NoError(t, err)
	val, err := expr.Evaluate(nil)
	require.NoError(t, err)
	require.Equal(t, KindBool, val.Kind)
	assert.True(t, val.Bool)
}

// EvaluateConditionString is a test helper that parses and evaluates in one go.
func EvaluateConditionString(src string, streams []*stream.ParsedStream) (bool, error) {
	expr, err := Parse(src)
	if err != nil {
		return false, err
	}
	return expr.EvaluateCondition(streams)
}
