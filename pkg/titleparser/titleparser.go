// Package titleparser extracts structured release attributes from torrent,
// usenet and HTTP stream names.
package titleparser

import (
	"regexp"
	"strconv"
	"strings"
)

// Info holds the normalized attributes parsed out of a release name.
type Info struct {
	Resolution      string // "2160p", "1080p", "720p", "576p", "480p", "360p" or "" when unknown
	Quality         string // "BluRay REMUX", "BluRay", "WEB-DL", "WEBRip", "HDTV", "CAM", ...
	Encode          string // "x265", "x264", "AV1", "XviD", ...
	VisualTags      []string
	AudioTags       []string
	AudioChannels   []string
	Languages       []string
	Title           string
	Year            int
	Season          int // first season of the range; 0 when unknown
	SeasonEnd       int // last season of the range; equal to Season for single seasons
	Episode         int
	AbsoluteEpisode int
	ReleaseGroup    string
	Container       string
}

// parser functions return the byte index of their match so the raw title can
// be cut off before the first release token, or -1 when nothing matched.
var parsers = []func(string, *Info) int{
	parseResolution(`(?i)\b(2160|1440|1080|720|576|480|360)[pi]\b`),
	setResolution(`(?i)\b(4k|uhd)\b`, "2160p"),
	setQuality(`(?i)\bblu-?ray[\s._-]*remux\b`, "BluRay REMUX"),
	setQuality(`(?i)\b(?:bd|br|web|dl)[\s._-]?remux\b`, "BluRay REMUX"),
	setQuality(`(?i)\bblu-?ray\b`, "BluRay"),
	setQuality(`(?i)\b(?:bd|br)rip\b`, "BRRip"),
	setQuality(`(?i)\bweb-?dl\b`, "WEB-DL"),
	setQuality(`(?i)\bweb-?rip\b`, "WEBRip"),
	setQuality(`(?i)\bweb\b`, "WEB-DL"),
	setQuality(`(?i)\bhdtv\b`, "HDTV"),
	setQuality(`(?i)\b(?:hd-?)?tvrip\b`, "TVRip"),
	setQuality(`(?i)\bhd-?rip\b`, "HDRip"),
	setQuality(`(?i)\bdvdrip\b`, "DVDRip"),
	setQuality(`(?i)\bdvdscr\b`, "SCR"),
	setQuality(`(?i)\bdvd(?:r[0-9])?\b`, "DVD"),
	setQuality(`(?i)\b(?:hd-?)?cam(?:rip)?\b`, "CAM"),
	setQuality(`(?i)\b(?:hd-?)?t(?:ele)?s(?:ync)?\b`, "TeleSync"),
	setQuality(`(?i)\bts-?rip\b`, "TeleSync"),
	setQuality(`(?i)\btc(?:rip)?\b`, "TeleCine"),
	setQuality(`(?i)\bppvrip\b`, "PPVRip"),
	setQuality(`(?i)\bsatrip\b`, "SATRip"),
	parseEncode(`(?i)\b[xh][\s._-]?26(4|5)\b`),
	setEncode(`(?i)\bhevc\b`, "x265"),
	setEncode(`(?i)\bavc\b`, "x264"),
	setEncode(`(?i)\bav1\b`, "AV1"),
	setEncode(`(?i)\b(divx|xvid)\b`, "XviD"),
	setEncode(`(?i)\bmpeg-?2\b`, "MPEG-2"),
	addVisualTag(`(?i)\bdv\b|\bdolby[\s._-]?vision\b`, "DV"),
	addVisualTag(`(?i)\bhdr10(?:\+|plus)\b`, "HDR10+"),
	addVisualTag(`(?i)\bhdr10\b`, "HDR10"),
	addVisualTag(`(?i)\bhdr\b`, "HDR"),
	addVisualTag(`(?i)\b10-?bit\b`, "10bit"),
	addVisualTag(`(?i)\b3d\b`, "3D"),
	addVisualTag(`(?i)\bimax\b`, "IMAX"),
	addVisualTag(`(?i)\bsdr\b`, "SDR"),
	addAudioTag(`(?i)\batmos\b`, "Atmos"),
	addAudioTag(`(?i)\btrue-?hd\b`, "TrueHD"),
	addAudioTag(`(?i)\bdts[\s._-]?hd(?:[\s._-]?ma)?\b`, "DTS-HD"),
	addAudioTag(`(?i)\bdts\b`, "DTS"),
	addAudioTag(`(?i)\bdd\+|\beac-?3\b|\bddp\b`, "DD+"),
	addAudioTag(`(?i)\bac-?3\b|\bdd[\s.]?5[\s.]?1\b`, "DD"),
	addAudioTag(`(?i)\bflac\b`, "FLAC"),
	addAudioTag(`(?i)\baac\b`, "AAC"),
	addAudioTag(`(?i)\bopus\b`, "OPUS"),
	addAudioTag(`(?i)\bmp3\b`, "MP3"),
	addChannels(`(?i)\b(7[\s.]1|5[\s.]1|2[\s.]0)(?:ch)?\b`),
	addLanguage(`(?i)\bmulti\b`, "Multi"),
	addLanguage(`(?i)\bdual[\s._-]?audio\b`, "Dual Audio"),
	addLanguage(`(?i)\b(english|eng)\b`, "English"),
	addLanguage(`(?i)\b(french|fr(?:ench)?|vostfr|truefrench)\b`, "French"),
	addLanguage(`(?i)\b(german|ger)\b`, "German"),
	addLanguage(`(?i)\b(spanish|castellano|latino)\b`, "Spanish"),
	addLanguage(`(?i)\b(italian|ita)\b`, "Italian"),
	addLanguage(`(?i)\b(russian|rus)\b`, "Russian"),
	addLanguage(`(?i)\b(japanese|jap)\b`, "Japanese"),
	addLanguage(`(?i)\b(korean|kor)\b`, "Korean"),
	addLanguage(`(?i)\b(hindi|hin)\b`, "Hindi"),
	addLanguage(`(?i)\b(portuguese|dublado)\b`, "Portuguese"),
	parseContainer(`(?i)\.(mkv|mp4|avi|m4v|mov|ts|wmv)$`),
	parseYear(`\b(19[0-9]{2}|20[0-9]{2})\b`),
	parseSeasonEpisode(`(?i)\bS([0-9]{1,2})[\s._-]?E([0-9]{1,3})\b`),
	parseSeasonEpisode(`(?i)\b([0-9]{1,2})x([0-9]{2,3})\b`),
	parseSeasonRange(`(?i)\bS([0-9]{1,2})[\s._-]*(?:to|-)[\s._-]*S([0-9]{1,2})\b`),
	parseSeasonRange(`(?i)\bseasons?[\s._-]*([0-9]{1,2})[\s._-]*(?:to|-)[\s._-]*([0-9]{1,2})\b`),
	parseSeason(`(?i)\bS([0-9]{1,2})\b`),
	parseSeason(`(?i)\bseason[\s._-]?([0-9]{1,2})\b`),
	parseEpisode(`(?i)\bE([0-9]{1,3})\b`),
	parseAbsoluteEpisode(`(?i)\s-\s([0-9]{2,4})\b`),
	parseFiller(`(?i)[\s._(-]+\b(?:complete|full)[\s._-]+(?:series|season)\b`),
}

var (
	releaseGroupRegex = regexp.MustCompile(`-([A-Za-z0-9]+)(?:\.[a-z0-9]{2,4})?$`)
	separatorRegex    = regexp.MustCompile(`[._]`)
	multiSpaceRegex   = regexp.MustCompile(`\s{2,}`)
	nonVideoExtRegex  = regexp.MustCompile(`(?i)\.(rar|zip|7z|iso|exe|srt|sub|idx|nfo|txt|jpg|png)$`)
	numericGroupRegex = regexp.MustCompile(`^[0-9]+p?$`)
)

// Parse extracts release attributes from the given name. It returns nil for
// names that clearly aren't video content (archive files, subtitles, ...).
// Parse is idempotent and safe for concurrent use.
func Parse(name string) *Info {
	if name == "" || nonVideoExtRegex.MatchString(name) {
		return nil
	}

	info := &Info{}
	cut := len(name)
	for _, parse := range parsers {
		index := parse(name, info)
		if index >= 0 && index < cut {
			cut = index
		}
	}

	if match := releaseGroupRegex.FindStringSubmatch(name); match != nil {
		// Resolution/encode tokens can sit right before a trailing dash, which
		// makes the regex match things like "-1080p". Only accept plausible
		// group names.
		group := match[1]
		if !numericGroupRegex.MatchString(group) {
			info.ReleaseGroup = group
		}
	}

	title := name[:cut]
	title = separatorRegex.ReplaceAllString(title, " ")
	title = strings.Trim(title, " -([")
	title = multiSpaceRegex.ReplaceAllString(title, " ")
	info.Title = title

	if info.SeasonEnd == 0 {
		info.SeasonEnd = info.Season
	}
	return info
}

func firstMatch(name string, re *regexp.Regexp) (loc []int, ok bool) {
	loc = re.FindStringIndex(name)
	return loc, loc != nil
}

func parseResolution(pattern string) func(string, *Info) int {
	re := regexp.MustCompile(pattern)
	return func(name string, info *Info) int {
		if info.Resolution != "" {
			return -1
		}
		match := re.FindStringSubmatchIndex(name)
		if match == nil {
			return -1
		}
		info.Resolution = name[match[2]:match[3]] + "p"
		return match[0]
	}
}

func setResolution(pattern, value string) func(string, *Info) int {
	re := regexp.MustCompile(pattern)
	return func(name string, info *Info) int {
		if info.Resolution != "" {
			return -1
		}
		loc, ok := firstMatch(name, re)
		if !ok {
			return -1
		}
		info.Resolution = value
		return loc[0]
	}
}

func setQuality(pattern, value string) func(string, *Info) int {
	re := regexp.MustCompile(pattern)
	return func(name string, info *Info) int {
		if info.Quality != "" {
			return -1
		}
		loc, ok := firstMatch(name, re)
		if !ok {
			return -1
		}
		info.Quality = value
		return loc[0]
	}
}

func parseEncode(pattern string) func(string, *Info) int {
	re := regexp.MustCompile(pattern)
	return func(name string, info *Info) int {
		if info.Encode != "" {
			return -1
		}
		match := re.FindStringSubmatchIndex(name)
		if match == nil {
			return -1
		}
		info.Encode = "x26" + name[match[2]:match[3]]
		return match[0]
	}
}

func setEncode(pattern, value string) func(string, *Info) int {
	re := regexp.MustCompile(pattern)
	return func(name string, info *Info) int {
		if info.Encode != "" {
			return -1
		}
		loc, ok := firstMatch(name, re)
		if !ok {
			return -1
		}
		info.Encode = value
		return loc[0]
	}
}

func addVisualTag(pattern, tag string) func(string, *Info) int {
	re := regexp.MustCompile(pattern)
	return func(name string, info *Info) int {
		loc, ok := firstMatch(name, re)
		if !ok {
			return -1
		}
		if !contains(info.VisualTags, tag) {
			info.VisualTags = append(info.VisualTags, tag)
		}
		return loc[0]
	}
}

func addAudioTag(pattern, tag string) func(string, *Info) int {
	re := regexp.MustCompile(pattern)
	return func(name string, info *Info) int {
		loc, ok := firstMatch(name, re)
		if !ok {
			return -1
		}
		if !contains(info.AudioTags, tag) {
			info.AudioTags = append(info.AudioTags, tag)
		}
		return loc[0]
	}
}

func addChannels(pattern string) func(string, *Info) int {
	re := regexp.MustCompile(pattern)
	return func(name string, info *Info) int {
		match := re.FindStringSubmatchIndex(name)
		if match == nil {
			return -1
		}
		channels := strings.ReplaceAll(name[match[2]:match[3]], " ", ".")
		if !contains(info.AudioChannels, channels) {
			info.AudioChannels = append(info.AudioChannels, channels)
		}
		return match[0]
	}
}

func addLanguage(pattern, language string) func(string, *Info) int {
	re := regexp.MustCompile(pattern)
	return func(name string, info *Info) int {
		_, ok := firstMatch(name, re)
		if !ok {
			return -1
		}
		if !contains(info.Languages, language) {
			info.Languages = append(info.Languages, language)
		}
		// Language tokens often appear inside the title proper ("The French
		// Dispatch"), so they don't contribute to the title cut-off.
		return -1
	}
}

func parseContainer(pattern string) func(string, *Info) int {
	re := regexp.MustCompile(pattern)
	return func(name string, info *Info) int {
		match := re.FindStringSubmatchIndex(name)
		if match == nil {
			return -1
		}
		info.Container = strings.ToLower(name[match[2]:match[3]])
		return match[0]
	}
}

func parseYear(pattern string) func(string, *Info) int {
	re := regexp.MustCompile(pattern)
	return func(name string, info *Info) int {
		if info.Year > 0 {
			return -1
		}
		// Use the last match: titles can start with a year ("2001: A Space
		// Odyssey 1968"), while the release year comes after the title.
		matches := re.FindAllStringSubmatchIndex(name, -1)
		if matches == nil {
			return -1
		}
		match := matches[len(matches)-1]
		info.Year, _ = strconv.Atoi(name[match[2]:match[3]])
		return match[0]
	}
}

func parseSeasonEpisode(pattern string) func(string, *Info) int {
	re := regexp.MustCompile(pattern)
	return func(name string, info *Info) int {
		if info.Season > 0 {
			return -1
		}
		match := re.FindStringSubmatchIndex(name)
		if match == nil {
			return -1
		}
		info.Season, _ = strconv.Atoi(name[match[2]:match[3]])
		info.SeasonEnd = info.Season
		info.Episode, _ = strconv.Atoi(name[match[4]:match[5]])
		return match[0]
	}
}

func parseSeasonRange(pattern string) func(string, *Info) int {
	re := regexp.MustCompile(pattern)
	return func(name string, info *Info) int {
		if info.Season > 0 {
			return -1
		}
		match := re.FindStringSubmatchIndex(name)
		if match == nil {
			return -1
		}
		info.Season, _ = strconv.Atoi(name[match[2]:match[3]])
		info.SeasonEnd, _ = strconv.Atoi(name[match[4]:match[5]])
		return match[0]
	}
}

func parseSeason(pattern string) func(string, *Info) int {
	re := regexp.MustCompile(pattern)
	return func(name string, info *Info) int {
		if info.Season > 0 {
			return -1
		}
		match := re.FindStringSubmatchIndex(name)
		if match == nil {
			return -1
		}
		info.Season, _ = strconv.Atoi(name[match[2]:match[3]])
		info.SeasonEnd = info.Season
		return match[0]
	}
}

func parseEpisode(pattern string) func(string, *Info) int {
	re := regexp.MustCompile(pattern)
	return func(name string, info *Info) int {
		if info.Episode > 0 {
			return -1
		}
		match := re.FindStringSubmatchIndex(name)
		if match == nil {
			return -1
		}
		info.Episode, _ = strconv.Atoi(name[match[2]:match[3]])
		return match[0]
	}
}

func parseAbsoluteEpisode(pattern string) func(string, *Info) int {
	re := regexp.MustCompile(pattern)
	return func(name string, info *Info) int {
		if info.AbsoluteEpisode > 0 || info.Season > 0 {
			return -1
		}
		match := re.FindStringSubmatchIndex(name)
		if match == nil {
			return -1
		}
		info.AbsoluteEpisode, _ = strconv.Atoi(name[match[2]:match[3]])
		return match[0]
	}
}

func parseFiller(pattern string) func(string, *Info) int {
	re := regexp.MustCompile(pattern)
	return func(name string, info *Info) int {
		loc, ok := firstMatch(name, re)
		if !ok {
			return -1
		}
		return loc[0]
	}
}

func contains(list []string, value string) bool {
	for _, v := range list {
		if v == value {
			return true
		}
	}
	return false
}
