package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomfle18/aiostreams/pkg/addon"
	"github.com/tomfle18/aiostreams/pkg/stream"
)

func descFor(instanceID string) *addon.Descriptor {
	return &addon.Descriptor{InstanceID: instanceID, DisplayName: instanceID}
}

func debridStream(id, addonID, serviceID, infoHash string, cached bool) *stream.ParsedStream {
	return &stream.ParsedStream{
		ID:      id,
		Addon:   descFor(addonID),
		Type:    stream.TypeDebrid,
		URL:     "https://" + serviceID + ".example.org/" + id,
		Torrent: &stream.TorrentInfo{InfoHash: infoHash, Seeders: -1},
		Service: &stream.ServiceInfo{ID: serviceID, Cached: cached},
		File:    stream.ParsedFile{Title: "Same Movie", Resolution: "1080p"},
	}
}

func testPrefs() Preferences {
	return Preferences{
		ServiceOrder: []string{"realdebrid", "alldebrid"},
		AddonOrder:   []string{"addonA", "addonB"},
	}
}

// Spec scenario 1a: same infoHash, cached on service A, uncached on service B,
// smartDetect + per_service keeps both.
func TestPerServiceKeepsBothServices(t *testing.T) {
	d := NewDeduplicator(DedupConfig{
		Keys:        []string{DedupKeyInfoHash, DedupKeySmartDetect},
		DefaultMode: DedupPerService,
		MultiGroup:  MultiGroupKeepAll,
	}, testPrefs())

	input := []*stream.ParsedStream{
		debridStream("a", "addonA", "realdebrid", "hash1", true),
		debridStream("b", "addonB", "alldebrid", "hash1", false),
	}
	out := d.Apply(input)
	assert.Equal(t, []string{"a", "b"}, ids(out))
}

// Spec scenario 1b: single_result + aggressive leaves only the cached one.
func TestSingleResultAggressive(t *testing.T) {
	d := NewDeduplicator(DedupConfig{
		Keys:        []string{DedupKeyInfoHash},
		DefaultMode: DedupSingleResult,
		MultiGroup:  MultiGroupAggressive,
	}, Preferences{
		// Service B's service ranks higher, but it's uncached: aggressive
		// drops it before mode selection.
		ServiceOrder: []string{"alldebrid", "realdebrid"},
		AddonOrder:   []string{"addonA", "addonB"},
	})

	input := []*stream.ParsedStream{
		debridStream("cached-rd", "addonA", "realdebrid", "hash1", true),
		debridStream("uncached-ad", "addonB", "alldebrid", "hash1", false),
	}
	out := d.Apply(input)
	assert.Equal(t, []string{"cached-rd"}, ids(out))
}

func TestSingleResultPicksHighestRankedService(t *testing.T) {
	d := NewDeduplicator(DedupConfig{
		Keys:        []string{DedupKeyInfoHash},
		DefaultMode: DedupSingleResult,
	}, testPrefs())

	input := []*stream.ParsedStream{
		debridStream("ad", "addonA", "alldebrid", "hash1", true),
		debridStream("rd", "addonB", "realdebrid", "hash1", true),
	}
	out := d.Apply(input)
	assert.Equal(t, []string{"rd"}, ids(out), "realdebrid ranks first in the user's order")
}

func TestPerAddonKeepsOnePerAddon(t *testing.T) {
	d := NewDeduplicator(DedupConfig{
		Keys:        []string{DedupKeyInfoHash},
		DefaultMode: DedupPerAddon,
	}, testPrefs())

	input := []*stream.ParsedStream{
		debridStream("a-rd", "addonA", "realdebrid", "hash1", true),
		debridStream("a-ad", "addonA", "alldebrid", "hash1", true),
		debridStream("b-rd", "addonB", "realdebrid", "hash1", true),
	}
	out := d.Apply(input)
	assert.Equal(t, []string{"a-rd", "b-rd"}, ids(out))
}

func TestConservativeMultiGroup(t *testing.T) {
	// Pinned behavior: a cached variant only drops uncached variants of the
	// SAME service; other services' uncached variants survive.
	d := NewDeduplicator(DedupConfig{
		Keys:        []string{DedupKeyInfoHash},
		DefaultMode: DedupDisabled,
		MultiGroup:  MultiGroupConservative,
	}, testPrefs())

	input := []*stream.ParsedStream{
		debridStream("rd-cached", "addonA", "realdebrid", "hash1", true),
		debridStream("rd-uncached", "addonB", "realdebrid", "hash1", false),
		debridStream("ad-uncached", "addonB", "alldebrid", "hash1", false),
	}
	out := d.Apply(input)
	assert.Equal(t, []string{"rd-cached", "ad-uncached"}, ids(out))
}

func TestSmartDetectMatchesByFilename(t *testing.T) {
	a := debridStream("a", "addonA", "realdebrid", "", true)
	a.Torrent = nil
	a.Filename = "Same.Movie.2024.1080p.WEB-DL.mkv"
	b := debridStream("b", "addonB", "alldebrid", "", true)
	b.Torrent = nil
	b.Filename = "same movie 2024 1080p web-dl.mkv"

	d := NewDeduplicator(DedupConfig{
		Keys:        []string{DedupKeySmartDetect},
		DefaultMode: DedupSingleResult,
	}, testPrefs())
	out := d.Apply([]*stream.ParsedStream{a, b})
	assert.Equal(t, []string{"a"}, ids(out), "tolerant normalization matches both spellings")
}

func TestDedupIdempotence(t *testing.T) {
	d := NewDeduplicator(DedupConfig{
		Keys:        []string{DedupKeyInfoHash, DedupKeySmartDetect},
		DefaultMode: DedupPerService,
		MultiGroup:  MultiGroupAggressive,
	}, testPrefs())

	input := []*stream.ParsedStream{
		debridStream("a", "addonA", "realdebrid", "hash1", true),
		debridStream("b", "addonB", "realdebrid", "hash1", true),
		debridStream("c", "addonA", "alldebrid", "hash1", false),
		debridStream("d", "addonB", "alldebrid", "hash2", true),
	}
	once := d.Apply(input)
	twice := d.Apply(once)
	assert.Equal(t, ids(once), ids(twice), "dedup must be idempotent")
}

func TestDisabledPassesThrough(t *testing.T) {
	d := NewDeduplicator(DedupConfig{
		Keys:        []string{DedupKeyInfoHash},
		DefaultMode: DedupDisabled,
	}, testPrefs())
	input := []*stream.ParsedStream{
		debridStream("a", "addonA", "realdebrid", "hash1", true),
		debridStream("b", "addonB", "realdebrid", "hash1", true),
	}
	out := d.Apply(input)
	require.Equal(t, []string{"a", "b"}, ids(out))
}

func TestNoKeysDisablesDedup(t *testing.T) {
	d := NewDeduplicator(DedupConfig{DefaultMode: DedupSingleResult}, testPrefs())
	input := []*stream.ParsedStream{
		debridStream("a", "addonA", "realdebrid", "hash1", true),
		debridStream("b", "addonB", "realdebrid", "hash1", true),
	}
	assert.Len(t, d.Apply(input), 2)
}
