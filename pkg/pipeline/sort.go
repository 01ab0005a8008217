package pipeline

import (
	"sort"
	"strings"

	"github.com/tomfle18/aiostreams/pkg/stream"
)

// Sorter implements the stable multi-criterion sort (C9).
type Sorter struct {
	cfg   Config
	prefs Preferences
}

func NewSorter(cfg Config) *Sorter {
	return &Sorter{cfg: cfg, prefs: cfg.Preferences}
}

// Apply sorts the streams. The sort is stable: streams with an equal key
// tuple retain their merge order. Error streams always sink to the tail, and
// force-to-top providers surface after sorting.
func (s *Sorter) Apply(streams []*stream.ParsedStream, reqCtx RequestContext) []*stream.ParsedStream {
	playable, errors := splitErrors(streams)

	criteria := s.criteriaFor(reqCtx.MediaType)
	if len(criteria) > 0 && criteria[0].Key == CriterionCached {
		playable = s.sortPartitioned(playable, criteria)
	} else {
		s.sortWith(playable, criteria)
	}

	playable = s.applyForceToTop(playable)
	return append(playable, errors...)
}

func (s *Sorter) criteriaFor(mediaType string) []SortCriterion {
	if perType, ok := s.cfg.Sort.PerType[mediaType]; ok && len(perType) > 0 {
		return perType
	}
	return s.cfg.Sort.Criteria
}

// sortPartitioned handles the cached-on-top layout: the cached and uncached
// partitions each get their own criterion list and are then concatenated.
func (s *Sorter) sortPartitioned(streams []*stream.ParsedStream, criteria []SortCriterion) []*stream.ParsedStream {
	cachedDirection := criteria[0].Direction
	rest := criteria[1:]

	var cached, uncached []*stream.ParsedStream
	for _, st := range streams {
		if st.Cached() {
			cached = append(cached, st)
		} else {
			uncached = append(uncached, st)
		}
	}

	cachedCriteria := s.cfg.Sort.CachedCriteria
	if len(cachedCriteria) == 0 {
		cachedCriteria = rest
	}
	uncachedCriteria := s.cfg.Sort.UncachedCriteria
	if len(uncachedCriteria) == 0 {
		uncachedCriteria = rest
	}
	s.sortWith(cached, cachedCriteria)
	s.sortWith(uncached, uncachedCriteria)

	if cachedDirection == SortAsc {
		return append(uncached, cached...)
	}
	return append(cached, uncached...)
}

func (s *Sorter) sortWith(streams []*stream.ParsedStream, criteria []SortCriterion) {
	if len(criteria) == 0 {
		return
	}
	sort.SliceStable(streams, func(i, j int) bool {
		for _, criterion := range criteria {
			cmp := s.compare(streams[i], streams[j], criterion)
			if cmp != 0 {
				return cmp < 0
			}
		}
		return false
	})
}

// compare returns negative when a sorts before b under the criterion.
func (s *Sorter) compare(a, b *stream.ParsedStream, criterion SortCriterion) int {
	var cmp int
	switch criterion.Key {
	case CriterionQuality:
		cmp = comparePreferred(s.cfg.Filter.Quality.Preferred, a.File.Quality, b.File.Quality)
	case CriterionResolution:
		cmp = comparePreferred(s.cfg.Filter.Resolution.Preferred, a.File.Resolution, b.File.Resolution)
	case CriterionLanguage:
		cmp = comparePreferredList(s.cfg.Filter.Language.Preferred, a.File.Languages, b.File.Languages)
	case CriterionVisualTag:
		cmp = comparePreferredList(s.cfg.Filter.VisualTag.Preferred, a.File.VisualTags, b.File.VisualTags)
	case CriterionAudioTag:
		cmp = comparePreferredList(s.cfg.Filter.AudioTag.Preferred, a.File.AudioTags, b.File.AudioTags)
	case CriterionAudioChannel:
		cmp = comparePreferredList(s.cfg.Filter.AudioChannel.Preferred, a.File.AudioChannels, b.File.AudioChannels)
	case CriterionStreamType:
		cmp = comparePreferred(s.cfg.Filter.StreamType.Preferred, string(a.Type), string(b.Type))
	case CriterionEncode:
		cmp = comparePreferred(s.cfg.Filter.Encode.Preferred, a.File.Encode, b.File.Encode)
	case CriterionSize:
		cmp = compareInt64(b.Size, a.Size) // natural order: bigger first
	case CriterionSeeders:
		cmp = compareInt(b.Seeders(), a.Seeders())
	case CriterionService:
		cmp = compareInt(s.serviceRank(a), s.serviceRank(b))
	case CriterionAddon:
		cmp = compareInt(s.prefs.AddonRank(addonID(a)), s.prefs.AddonRank(addonID(b)))
	case CriterionRegexPatterns:
		cmp = compareInt(matchIndex(a.RegexMatched), matchIndex(b.RegexMatched))
	case CriterionStreamExpression:
		cmp = compareInt(matchIndex(a.ExpressionMatched), matchIndex(b.ExpressionMatched))
	case CriterionCached:
		cmp = compareBool(a.Cached(), b.Cached())
	case CriterionLibrary:
		cmp = compareBool(a.Library, b.Library)
	case CriterionKeyword:
		cmp = compareBool(a.KeywordMatched, b.KeywordMatched)
	default:
		return 0
	}
	if criterion.Direction == SortAsc {
		return -cmp
	}
	return cmp
}

func (s *Sorter) serviceRank(st *stream.ParsedStream) int {
	if st.Service == nil {
		return len(s.prefs.ServiceOrder) + 2
	}
	return s.prefs.ServiceRank(st.Service.ID)
}

// comparePreferred orders by position in the user's preferred list; unlisted
// values sort last (in the descending reading).
func comparePreferred(preferred []string, a, b string) int {
	return compareInt(preferredPos(preferred, a), preferredPos(preferred, b))
}

// comparePreferredList uses each stream's best-positioned value.
func comparePreferredList(preferred []string, a, b []string) int {
	return compareInt(bestPreferredPos(preferred, a), bestPreferredPos(preferred, b))
}

func preferredPos(preferred []string, value string) int {
	for i, p := range preferred {
		if strings.EqualFold(p, value) {
			return i
		}
	}
	return len(preferred) + 1
}

func bestPreferredPos(preferred []string, values []string) int {
	best := len(preferred) + 1
	for _, v := range values {
		if pos := preferredPos(preferred, v); pos < best {
			best = pos
		}
	}
	return best
}

func matchIndex(m *stream.MatchInfo) int {
	if m == nil {
		return 1 << 30
	}
	return m.Index
}

func compareInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func compareInt64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// compareBool puts true first in the natural (descending) order.
func compareBool(a, b bool) int {
	switch {
	case a == b:
		return 0
	case a:
		return -1
	default:
		return 1
	}
}

// applyForceToTop moves force-to-top providers' streams to the head. The
// forced segment is ordered by the user's addon order, which also pins the
// tie between two providers that both set the flag; within one provider the
// sorted order is preserved.
func (s *Sorter) applyForceToTop(streams []*stream.ParsedStream) []*stream.ParsedStream {
	var forced, regular []*stream.ParsedStream
	for _, st := range streams {
		if st.Addon != nil && st.Addon.ForceToTop {
			forced = append(forced, st)
		} else {
			regular = append(regular, st)
		}
	}
	if len(forced) == 0 {
		return streams
	}
	sort.SliceStable(forced, func(i, j int) bool {
		return s.prefs.AddonRank(addonID(forced[i])) < s.prefs.AddonRank(addonID(forced[j]))
	})
	return append(forced, regular...)
}

func splitErrors(streams []*stream.ParsedStream) (playable, errors []*stream.ParsedStream) {
	for _, st := range streams {
		if st.Type == stream.TypeError {
			errors = append(errors, st)
		} else {
			playable = append(playable, st)
		}
	}
	return playable, errors
}
