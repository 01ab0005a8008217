package pipeline

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/tomfle18/aiostreams/pkg/stream"
)

// Formatter renders the client-facing name and description from templates
// (C11). Template syntax:
//
//	{stream.PATH}                   value reference
//	{stream.PATH::OP[TRUE||FALSE]}  conditional snippet
//	{stream.PATH::join(, )}         list join
//	{stream.PATH::bytes}            humanized size
//	{stream.PATH::time}             humanized duration
//
// Conditional OPs: exists, =value, >value. Branches are templates themselves,
// so markers like "[P2P]", "⚡" and "☁️" come from the template, never from
// code.
type Formatter struct {
	cfg FormatConfig
}

// DefaultNameTemplate and DefaultDescriptionTemplate reproduce the familiar
// multi-line layout players render.
const (
	DefaultNameTemplate = `{stream.addon.name::exists[{stream.addon.name}||AIOStreams]}{stream.type::=p2p[ [P2P]||]}{stream.service::exists[{stream.cached::=true[ ⚡|| ⏳]}||]}{stream.library::=true[ ☁️||]}
{stream.resolution::exists[{stream.resolution}||Unknown]}{stream.proxied::=true[ 🛡️||]}`

	DefaultDescriptionTemplate = `{stream.title::exists[🎬 {stream.title}||]}{stream.season::exists[ S{stream.season}||]}{stream.episode::exists[E{stream.episode}||]}
{stream.quality::exists[🎥 {stream.quality} ||]}{stream.encode::exists[🎞️ {stream.encode} ||]}{stream.visualTags::exists[📺 {stream.visualTags::join( | )}||]}
{stream.audioTags::exists[🎧 {stream.audioTags::join( | )} ||]}{stream.audioChannels::exists[🔊 {stream.audioChannels::join( | )}||]}
{stream.size::exists[📦 {stream.size::bytes} ||]}{stream.seeders::exists[👤 {stream.seeders} ||]}{stream.indexer::exists[🔍 {stream.indexer}||]}
{stream.languages::exists[🌍 {stream.languages::join( | )}||]}`
)

func NewFormatter(cfg FormatConfig) *Formatter {
	if cfg.NameTemplate == "" {
		cfg.NameTemplate = DefaultNameTemplate
	}
	if cfg.DescriptionTemplate == "" {
		cfg.DescriptionTemplate = DefaultDescriptionTemplate
	}
	return &Formatter{cfg: cfg}
}

// Format renders both templates. It never mutates the stream. Providers with
// format passthrough keep their upstream name/description.
func (f *Formatter) Format(s *stream.ParsedStream) (name, description string) {
	if s.Type == stream.TypeError && s.Error != nil {
		return s.Error.Title, s.Error.Description
	}
	if s.Addon != nil && s.Addon.FormatPassthrough {
		return s.OriginalName, s.OriginalDescription
	}
	name = tidyOutput(render(f.cfg.NameTemplate, s))
	description = tidyOutput(render(f.cfg.DescriptionTemplate, s))
	return name, description
}

// render substitutes all {...} segments, recursively for branch content.
func render(template string, s *stream.ParsedStream) string {
	var sb strings.Builder
	i := 0
	for i < len(template) {
		open := strings.IndexByte(template[i:], '{')
		if open < 0 {
			sb.WriteString(template[i:])
			break
		}
		sb.WriteString(template[i : i+open])
		i += open
		end := matchingBrace(template, i)
		if end < 0 {
			// Unbalanced braces render literally
			sb.WriteString(template[i:])
			break
		}
		sb.WriteString(renderSegment(template[i+1:end], s))
		i = end + 1
	}
	return sb.String()
}

// matchingBrace returns the index of the '}' closing the '{' at start.
func matchingBrace(template string, start int) int {
	depth := 0
	for i := start; i < len(template); i++ {
		switch template[i] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

func renderSegment(segment string, s *stream.ParsedStream) string {
	path, op := splitSegment(segment)
	value, known := resolvePath(path, s)
	if !known {
		return ""
	}
	if op == "" {
		return renderValue(value)
	}

	// Value-transforming ops
	if strings.HasPrefix(op, "join(") && strings.HasSuffix(op, ")") {
		sep := op[len("join(") : len(op)-1]
		if list, ok := value.([]string); ok {
			return strings.Join(list, sep)
		}
		return renderValue(value)
	}
	if op == "bytes" {
		return bytesString(asInt64(value))
	}
	if op == "time" {
		return timeString(asInt64(value))
	}

	// Conditional ops carry [TRUE||FALSE] branches
	opName, trueBranch, falseBranch, ok := splitBranches(op)
	if !ok {
		return ""
	}
	if evalCondition(opName, value) {
		return render(trueBranch, s)
	}
	return render(falseBranch, s)
}

// splitSegment splits "path::op" at the first top-level "::".
func splitSegment(segment string) (path, op string) {
	depth := 0
	for i := 0; i+1 < len(segment); i++ {
		switch segment[i] {
		case '[', '{':
			depth++
		case ']', '}':
			depth--
		case ':':
			if depth == 0 && segment[i+1] == ':' {
				return segment[:i], segment[i+2:]
			}
		}
	}
	return segment, ""
}

// splitBranches parses "OP[TRUE||FALSE]". The false branch may be empty.
func splitBranches(op string) (opName, trueBranch, falseBranch string, ok bool) {
	open := strings.IndexByte(op, '[')
	if open < 0 || !strings.HasSuffix(op, "]") {
		return "", "", "", false
	}
	opName = op[:open]
	body := op[open+1 : len(op)-1]

	depth := 0
	for i := 0; i+1 < len(body); i++ {
		switch body[i] {
		case '[', '{':
			depth++
		case ']', '}':
			depth--
		case '|':
			if depth == 0 && body[i+1] == '|' {
				return opName, body[:i], body[i+2:], true
			}
		}
	}
	return opName, body, "", true
}

func evalCondition(opName string, value interface{}) bool {
	switch {
	case opName == "exists":
		return exists(value)
	case strings.HasPrefix(opName, "="):
		want := opName[1:]
		switch v := value.(type) {
		case string:
			return strings.EqualFold(v, want)
		case bool:
			return strconv.FormatBool(v) == want
		case nil:
			return false
		default:
			return renderValue(value) == want
		}
	case strings.HasPrefix(opName, ">"):
		want, err := strconv.ParseFloat(opName[1:], 64)
		if err != nil {
			return false
		}
		return float64(asInt64(value)) > want
	default:
		return false
	}
}

func exists(value interface{}) bool {
	switch v := value.(type) {
	case nil:
		return false
	case string:
		return v != ""
	case bool:
		return v
	case []string:
		return len(v) > 0
	default:
		return true
	}
}

func resolvePath(path string, s *stream.ParsedStream) (interface{}, bool) {
	path = strings.TrimPrefix(path, "stream.")
	return stream.Field(s, path)
}

func renderValue(value interface{}) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case []string:
		return strings.Join(v, ", ")
	default:
		return fmt.Sprintf("%v", v)
	}
}

func asInt64(value interface{}) int64 {
	switch v := value.(type) {
	case int:
		return int64(v)
	case int64:
		return v
	case float64:
		return int64(v)
	default:
		return 0
	}
}

// bytesString humanizes a byte count with 1024-based units.
func bytesString(size int64) string {
	const unit = 1024
	if size < unit {
		return strconv.FormatInt(size, 10) + " B"
	}
	div, exp := int64(unit), 0
	for n := size / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.2f %cB", float64(size)/float64(div), "KMGT"[exp])
}

// timeString humanizes a millisecond duration.
func timeString(millis int64) string {
	seconds := millis / 1000
	hours := seconds / 3600
	minutes := (seconds % 3600) / 60
	if hours > 0 {
		return fmt.Sprintf("%dh %02dm", hours, minutes)
	}
	if minutes > 0 {
		return fmt.Sprintf("%dm %02ds", minutes, seconds%60)
	}
	return fmt.Sprintf("%ds", seconds)
}

// tidyOutput collapses whitespace artifacts left by empty branches.
func tidyOutput(rendered string) string {
	lines := strings.Split(rendered, "\n")
	kept := lines[:0]
	for _, line := range lines {
		line = strings.TrimRight(line, " ")
		if strings.TrimSpace(line) != "" {
			kept = append(kept, line)
		}
	}
	return strings.Join(kept, "\n")
}
