package debrid

import (
	"fmt"
	"path"
	"regexp"
	"strings"

	"github.com/adrg/strutil"
	"github.com/adrg/strutil/metrics"

	"github.com/tomfle18/aiostreams/pkg/metadata"
	"github.com/tomfle18/aiostreams/pkg/titleparser"
)

var videoExtensions = map[string]bool{
	".mkv": true, ".mk3d": true, ".mp4": true, ".m4v": true,
	".mov": true, ".avi": true, ".webm": true, ".ts": true, ".wmv": true,
}

var nonWordRegex = regexp.MustCompile(`[^a-z0-9]+`)

// PickFile chooses the playable file from a job using a weighted rubric:
//
//	+1000 video extension
//	+500  season/episode match
//	+500  absolute episode match
//	+500  year match
//	+100  fuzzy title match (overlap-coefficient similarity >= 0.8 between
//	      normalized title and file name; no substring-alignment partial ratio)
//	+(size/maxSize)*50
//	+25   explicitly chosen index
//	+25   explicitly chosen filename appears in the file name
//
// The best score wins; ties break by the earliest index. A winner whose
// parsed episode contradicts the requested one is rejected with
// NO_MATCHING_FILE.
func PickFile(service string, files []File, meta metadata.Record, chosenIndex int, chosenFilename string) (File, error) {
	if len(files) == 0 {
		return File{}, &Error{Code: CodeNoMatchingFile, Service: service, Err: fmt.Errorf("job has no files")}
	}

	var maxSize int64
	for _, f := range files {
		if f.Size > maxSize {
			maxSize = f.Size
		}
	}

	titleMetric := metrics.NewOverlapCoefficient()

	best := -1
	bestScore := -1.0
	for i, f := range files {
		score := 0.0
		info := titleparser.Parse(f.Name)

		if videoExtensions[strings.ToLower(path.Ext(f.Name))] {
			score += 1000
		}
		if info != nil && meta.Season > 0 && meta.Episode > 0 &&
			info.Season == meta.Season && info.Episode == meta.Episode {
			score += 500
		}
		if info != nil && meta.AbsoluteEpisode > 0 && info.AbsoluteEpisode == meta.AbsoluteEpisode {
			score += 500
		}
		if info != nil && meta.Year > 0 && info.Year == meta.Year {
			score += 500
		}
		if titleMatches(titleMetric, meta.Titles, f.Name) {
			score += 100
		}
		if maxSize > 0 {
			score += float64(f.Size) / float64(maxSize) * 50
		}
		if chosenIndex >= 0 && f.Index == chosenIndex {
			score += 25
		}
		if chosenFilename != "" && strings.Contains(normalizeName(f.Name), normalizeName(chosenFilename)) {
			score += 25
		}

		if score > bestScore {
			bestScore = score
			best = i
		}
	}

	winner := files[best]
	if err := rejectEpisodeMismatch(service, winner, meta); err != nil {
		return File{}, err
	}
	return winner, nil
}

// rejectEpisodeMismatch refuses a winner whose parsed episode contradicts the
// request: playing S01E05 when the user asked for S01E06 is worse than
// failing.
func rejectEpisodeMismatch(service string, winner File, meta metadata.Record) error {
	if meta.Season == 0 && meta.Episode == 0 {
		return nil
	}
	info := titleparser.Parse(winner.Name)
	if info == nil {
		return nil
	}
	if info.Episode > 0 && meta.Episode > 0 && info.Episode != meta.Episode {
		return &Error{
			Code:    CodeNoMatchingFile,
			Service: service,
			Err:     fmt.Errorf("best file %q is episode %d, request wants %d", winner.Name, info.Episode, meta.Episode),
		}
	}
	if info.Season > 0 && meta.Season > 0 && (meta.Season < info.Season || meta.Season > info.SeasonEnd) {
		return &Error{
			Code:    CodeNoMatchingFile,
			Service: service,
			Err:     fmt.Errorf("best file %q is season %d, request wants %d", winner.Name, info.Season, meta.Season),
		}
	}
	return nil
}

func titleMatches(metric strutil.StringMetric, titles []string, filename string) bool {
	normalized := normalizeName(filename)
	for _, title := range titles {
		if title == "" {
			continue
		}
		if strutil.Similarity(normalizeName(title), normalized, metric) >= 0.8 {
			return true
		}
	}
	return false
}

func normalizeName(name string) string {
	return nonWordRegex.ReplaceAllString(strings.ToLower(name), " ")
}
