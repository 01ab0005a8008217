package pipeline

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"

	"github.com/tomfle18/aiostreams/pkg/addon"
	"github.com/tomfle18/aiostreams/pkg/stream"
)

func formatStream() *stream.ParsedStream {
	return &stream.ParsedStream{
		ID:    "torrentio.0",
		Addon: &addon.Descriptor{InstanceID: "torrentio", DisplayName: "Torrentio"},
		Type:  stream.TypeDebrid,
		URL:   "https://real-debrid.example.org/dl/abc",
		File: stream.ParsedFile{
			Title:      "Big Buck Bunny",
			Resolution: "2160p",
			Quality:    "BluRay REMUX",
			Encode:     "x265",
			VisualTags: []string{"HDR10", "DV"},
			AudioTags:  []string{"TrueHD", "Atmos"},
			Languages:  []string{"English"},
		},
		Size:    4 << 30,
		Service: &stream.ServiceInfo{ID: "realdebrid", Cached: true},
		Indexer: "YTS",
	}
}

func TestFormatDefaultTemplates(t *testing.T) {
	f := NewFormatter(FormatConfig{})
	name, description := f.Format(formatStream())

	assert.Contains(t, name, "Torrentio")
	assert.Contains(t, name, "⚡", "cached marker comes from the template")
	assert.Contains(t, name, "2160p")
	assert.NotContains(t, name, "[P2P]")

	assert.Contains(t, description, "Big Buck Bunny")
	assert.Contains(t, description, "BluRay REMUX")
	assert.Contains(t, description, "HDR10 | DV")
	assert.Contains(t, description, "4.00 GB")
	assert.Contains(t, description, "YTS")
}

func TestFormatP2PMarkers(t *testing.T) {
	f := NewFormatter(FormatConfig{})
	s := &stream.ParsedStream{
		ID:      "peers.0",
		Addon:   &addon.Descriptor{InstanceID: "peers", DisplayName: "Peers"},
		Type:    stream.TypeP2P,
		Torrent: &stream.TorrentInfo{InfoHash: "abc", Seeders: 42},
		File:    stream.ParsedFile{Resolution: "1080p"},
	}
	name, description := f.Format(s)
	assert.Contains(t, name, "[P2P]")
	assert.NotContains(t, name, "⚡")
	assert.Contains(t, description, "👤 42")
}

func TestFormatUncachedMarker(t *testing.T) {
	f := NewFormatter(FormatConfig{})
	s := formatStream()
	s.Service.Cached = false
	name, _ := f.Format(s)
	assert.Contains(t, name, "⏳")
	assert.NotContains(t, name, "⚡")
}

func TestFormatLibraryMarker(t *testing.T) {
	f := NewFormatter(FormatConfig{})
	s := formatStream()
	s.Library = true
	name, _ := f.Format(s)
	assert.Contains(t, name, "☁️")
}

func TestFormatCustomTemplate(t *testing.T) {
	f := NewFormatter(FormatConfig{
		NameTemplate:        `{stream.resolution} via {stream.addon.name}`,
		DescriptionTemplate: `{stream.size::bytes}{stream.size::>5368709120[ (large)||]}`,
	})
	name, description := f.Format(formatStream())
	assert.Equal(t, "2160p via Torrentio", name)
	assert.Equal(t, "4.00 GB", description)

	big := formatStream()
	big.Size = 10 << 30
	_, description = f.Format(big)
	assert.Equal(t, "10.00 GB (large)", description)
}

func TestFormatPassthrough(t *testing.T) {
	s := formatStream()
	s.Addon.FormatPassthrough = true
	s.OriginalName = "Upstream Name"
	s.OriginalDescription = "Upstream Description"
	f := NewFormatter(FormatConfig{})
	name, description := f.Format(s)
	assert.Equal(t, "Upstream Name", name)
	assert.Equal(t, "Upstream Description", description)
}

func TestFormatErrorStream(t *testing.T) {
	f := NewFormatter(FormatConfig{})
	s := &stream.ParsedStream{
		ID:    "err",
		Type:  stream.TypeError,
		Error: &stream.ErrorInfo{Title: "[Torrentio] timed out", Description: "600ms exceeded"},
	}
	name, description := f.Format(s)
	assert.Equal(t, "[Torrentio] timed out", name)
	assert.Equal(t, "600ms exceeded", description)
}

// Round-trip invariant: formatting never alters the underlying stream.
func TestFormatDoesNotMutateStream(t *testing.T) {
	f := NewFormatter(FormatConfig{})
	s := formatStream()
	before := *s
	beforeFile := s.File

	_, _ = f.Format(s)

	diff := cmp.Diff(before, *s, cmpopts.IgnoreUnexported(stream.ParsedStream{}))
	assert.Empty(t, diff)
	assert.Empty(t, cmp.Diff(beforeFile, s.File))
}

func TestBytesString(t *testing.T) {
	assert.Equal(t, "512 B", bytesString(512))
	assert.Equal(t, "1.00 KB", bytesString(1024))
	assert.Equal(t, "1.50 MB", bytesString(3<<20/2))
	assert.Equal(t, "8.00 GB", bytesString(8<<30))
}

func TestTidyOutputDropsEmptyLines(t *testing.T) {
	out := tidyOutput("line one\n\n   \nline two  ")
	assert.Equal(t, "line one\nline two", out)
	assert.False(t, strings.HasSuffix(out, " "))
}
