package pipeline

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/tomfle18/aiostreams/pkg/stream"
)

// Dedup fingerprint keys.
const (
	DedupKeyFilename    = "filename"
	DedupKeyInfoHash    = "infoHash"
	DedupKeySmartDetect = "smartDetect"
)

var fingerprintNormalizer = regexp.MustCompile(`[^a-z0-9]+`)

// Deduplicator collapses near-duplicate streams (C8). Streams end up in the
// same group when they share a fingerprint under ANY enabled key; survivors
// are chosen per stream type according to the configured mode.
type Deduplicator struct {
	cfg   DedupConfig
	prefs Preferences
}

func NewDeduplicator(cfg DedupConfig, prefs Preferences) *Deduplicator {
	if cfg.DefaultMode == "" {
		cfg.DefaultMode = DedupDisabled
	}
	if cfg.MultiGroup == "" {
		cfg.MultiGroup = MultiGroupKeepAll
	}
	return &Deduplicator{cfg: cfg, prefs: prefs}
}

// Apply returns the surviving streams in their original relative order.
// Running Apply twice yields the same output as running it once.
func (d *Deduplicator) Apply(streams []*stream.ParsedStream) []*stream.ParsedStream {
	if len(d.cfg.Keys) == 0 || len(streams) < 2 {
		return streams
	}

	groups := d.groupStreams(streams)
	drop := map[*stream.ParsedStream]bool{}
	for _, group := range groups {
		if len(group) < 2 {
			continue
		}
		for _, victim := range d.selectVictims(group) {
			drop[victim] = true
		}
	}

	kept := make([]*stream.ParsedStream, 0, len(streams))
	for _, s := range streams {
		if !drop[s] {
			kept = append(kept, s)
		}
	}
	return kept
}

// groupStreams unions streams that share any enabled fingerprint value.
func (d *Deduplicator) groupStreams(streams []*stream.ParsedStream) [][]*stream.ParsedStream {
	parent := make([]int, len(streams))
	for i := range parent {
		parent[i] = i
	}
	var find func(int) int
	find = func(i int) int {
		if parent[i] != i {
			parent[i] = find(parent[i])
		}
		return parent[i]
	}
	union := func(a, b int) { parent[find(a)] = find(b) }

	byValue := map[string]int{}
	for i, s := range streams {
		if s.Type == stream.TypeError || s.Type == stream.TypeStatistic {
			continue
		}
		for _, fp := range d.fingerprints(s) {
			if first, seen := byValue[fp]; seen {
				union(i, first)
			} else {
				byValue[fp] = i
			}
		}
	}

	grouped := map[int][]*stream.ParsedStream{}
	var roots []int
	for i, s := range streams {
		root := find(i)
		if _, seen := grouped[root]; !seen {
			roots = append(roots, root)
		}
		grouped[root] = append(grouped[root], s)
	}
	sort.Ints(roots)
	result := make([][]*stream.ParsedStream, 0, len(roots))
	for _, root := range roots {
		result = append(result, grouped[root])
	}
	return result
}

// fingerprints computes the enabled key values for one stream.
func (d *Deduplicator) fingerprints(s *stream.ParsedStream) []string {
	var fps []string
	for _, key := range d.cfg.Keys {
		switch key {
		case DedupKeyFilename:
			if s.Filename != "" {
				fps = append(fps, "fn:"+normalizeFingerprint(s.Filename))
			}
		case DedupKeyInfoHash:
			if s.Torrent != nil && s.Torrent.InfoHash != "" {
				fps = append(fps, "ih:"+strings.ToLower(s.Torrent.InfoHash))
			}
		case DedupKeySmartDetect:
			if fp := smartFingerprint(s); fp != "" {
				fps = append(fps, "sd:"+fp)
			}
		}
	}
	return fps
}

// smartFingerprint composes filename and release attributes with tolerant
// normalization, so the same file found via different providers matches even
// when names differ slightly.
func smartFingerprint(s *stream.ParsedStream) string {
	if s.Filename != "" {
		return normalizeFingerprint(s.Filename)
	}
	if s.File.Title == "" {
		return ""
	}
	sizeBucket := s.Size / (512 << 20) // half-GiB buckets tolerate size rounding
	return fmt.Sprintf("%s|%s|%s|%s|%d|%d|%d|%d",
		normalizeFingerprint(s.File.Title),
		strings.ToLower(s.File.Resolution),
		normalizeFingerprint(s.File.Quality),
		strings.ToLower(s.File.Encode),
		s.File.Season, s.File.Episode, s.File.Year,
		sizeBucket,
	)
}

func normalizeFingerprint(value string) string {
	return fingerprintNormalizer.ReplaceAllString(strings.ToLower(value), "")
}

// selectVictims decides which group members to drop. Members are handled per
// stream type, because the mode is configured per type.
func (d *Deduplicator) selectVictims(group []*stream.ParsedStream) []*stream.ParsedStream {
	byType := map[stream.Type][]*stream.ParsedStream{}
	var types []stream.Type
	for _, s := range group {
		if _, seen := byType[s.Type]; !seen {
			types = append(types, s.Type)
		}
		byType[s.Type] = append(byType[s.Type], s)
	}

	var victims []*stream.ParsedStream
	for _, t := range types {
		members := byType[t]
		members, dropped := d.applyMultiGroup(members)
		victims = append(victims, dropped...)

		mode := d.cfg.DefaultMode
		if m, ok := d.cfg.PerType[string(t)]; ok {
			mode = m
		}
		victims = append(victims, d.applyMode(mode, members)...)
	}
	return victims
}

// applyMultiGroup handles cached/uncached coexistence of the same content.
func (d *Deduplicator) applyMultiGroup(members []*stream.ParsedStream) (kept, dropped []*stream.ParsedStream) {
	switch d.cfg.MultiGroup {
	case MultiGroupAggressive:
		// Any cached variant kills every uncached one
		anyCached := false
		for _, s := range members {
			if s.Service != nil && s.Service.Cached {
				anyCached = true
				break
			}
		}
		if !anyCached {
			return members, nil
		}
		for _, s := range members {
			if s.Service != nil && !s.Service.Cached {
				dropped = append(dropped, s)
			} else {
				kept = append(kept, s)
			}
		}
		return kept, dropped
	case MultiGroupConservative:
		// A cached variant only kills uncached variants of the SAME service
		cachedServices := map[string]bool{}
		for _, s := range members {
			if s.Service != nil && s.Service.Cached {
				cachedServices[s.Service.ID] = true
			}
		}
		for _, s := range members {
			if s.Service != nil && !s.Service.Cached && cachedServices[s.Service.ID] {
				dropped = append(dropped, s)
			} else {
				kept = append(kept, s)
			}
		}
		return kept, dropped
	default:
		return members, nil
	}
}

func (d *Deduplicator) applyMode(mode DedupMode, members []*stream.ParsedStream) []*stream.ParsedStream {
	if mode == DedupDisabled || len(members) < 2 {
		return nil
	}

	switch mode {
	case DedupSingleResult:
		best := members[0]
		for _, s := range members[1:] {
			if d.ranksHigher(s, best) {
				best = s
			}
		}
		return allExcept(members, map[*stream.ParsedStream]bool{best: true})
	case DedupPerService:
		best := map[string]*stream.ParsedStream{}
		for _, s := range members {
			serviceID := ""
			if s.Service != nil {
				serviceID = s.Service.ID
			}
			if current, ok := best[serviceID]; !ok || d.prefs.AddonRank(addonID(s)) < d.prefs.AddonRank(addonID(current)) {
				best[serviceID] = s
			}
		}
		return allExcept(members, invert(best))
	case DedupPerAddon:
		best := map[string]*stream.ParsedStream{}
		for _, s := range members {
			id := addonID(s)
			if current, ok := best[id]; !ok || d.serviceRank(s) < d.serviceRank(current) {
				best[id] = s
			}
		}
		return allExcept(members, invert(best))
	default:
		return nil
	}
}

// ranksHigher implements single_result preference: highest-ranked service
// first, then highest-ranked addon.
func (d *Deduplicator) ranksHigher(a, b *stream.ParsedStream) bool {
	serviceA, serviceB := d.serviceRank(a), d.serviceRank(b)
	if serviceA != serviceB {
		return serviceA < serviceB
	}
	return d.prefs.AddonRank(addonID(a)) < d.prefs.AddonRank(addonID(b))
}

func (d *Deduplicator) serviceRank(s *stream.ParsedStream) int {
	if s.Service == nil {
		return len(d.prefs.ServiceOrder) + 2
	}
	return d.prefs.ServiceRank(s.Service.ID)
}

func addonID(s *stream.ParsedStream) string {
	if s.Addon == nil {
		return ""
	}
	return s.Addon.InstanceID
}

func allExcept(members []*stream.ParsedStream, keep map[*stream.ParsedStream]bool) []*stream.ParsedStream {
	var victims []*stream.ParsedStream
	for _, s := range members {
		if !keep[s] {
			victims = append(victims, s)
		}
	}
	return victims
}

func invert(best map[string]*stream.ParsedStream) map[*stream.ParsedStream]bool {
	keep := make(map[*stream.ParsedStream]bool, len(best))
	for _, s := range best {
		keep[s] = true
	}
	return keep
}
