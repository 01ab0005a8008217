package pipeline

import (
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/tomfle18/aiostreams/pkg/expression"
	"github.com/tomfle18/aiostreams/pkg/stream"
)

// InvalidRegexError is returned when a configured pattern doesn't compile or
// isn't on the operator's allow-list.
type InvalidRegexError struct {
	Pattern string
	Err     error
}

func (e *InvalidRegexError) Error() string {
	return fmt.Sprintf("invalid regex %q: %v", e.Pattern, e.Err)
}

func (e *InvalidRegexError) Unwrap() error { return e.Err }

// InvalidExpressionError wraps a stream-expression that failed validation.
type InvalidExpressionError struct {
	Expression string
	Err        error
}

func (e *InvalidExpressionError) Error() string {
	return fmt.Sprintf("invalid stream expression %q: %v", e.Expression, e.Err)
}

func (e *InvalidExpressionError) Unwrap() error { return e.Err }

type compiledRegexes struct {
	excluded  []*regexp.Regexp
	included  []*regexp.Regexp
	required  []*regexp.Regexp
	preferred []*regexp.Regexp
}

type compiledExpressions struct {
	excluded  []*expression.Expression
	included  []*expression.Expression
	required  []*expression.Expression
	preferred []*expression.Expression
}

// Filterer applies the whole C7 rule set. The output is the AND of all
// category predicates; rule evaluation order doesn't matter. Construction
// compiles every regex and expression once, so per-request application is
// cheap and configuration errors surface before any upstream work.
type Filterer struct {
	cfg     FilterConfig
	regexes compiledRegexes
	exprs   compiledExpressions
	logger  *zap.Logger
}

func NewFilterer(cfg FilterConfig, limits Limits, logger *zap.Logger) (*Filterer, error) {
	f := &Filterer{cfg: cfg, logger: logger}

	if limits.MaxKeywordFilters > 0 && countListFilter(cfg.Keyword) > limits.MaxKeywordFilters {
		return nil, fmt.Errorf("too many keyword filters: %d configured, %d allowed", countListFilter(cfg.Keyword), limits.MaxKeywordFilters)
	}
	if limits.MaxStreamExpressionFilters > 0 && countListFilter(cfg.StreamExpression) > limits.MaxStreamExpressionFilters {
		return nil, fmt.Errorf("too many stream expression filters: %d configured, %d allowed", countListFilter(cfg.StreamExpression), limits.MaxStreamExpressionFilters)
	}

	var err error
	if f.regexes.excluded, err = f.compileRegexes(cfg.Regex.Excluded); err != nil {
		return nil, err
	}
	if f.regexes.included, err = f.compileRegexes(cfg.Regex.Included); err != nil {
		return nil, err
	}
	if f.regexes.required, err = f.compileRegexes(cfg.Regex.Required); err != nil {
		return nil, err
	}
	if f.regexes.preferred, err = f.compileRegexes(cfg.Regex.Preferred); err != nil {
		return nil, err
	}

	if f.exprs.excluded, err = compileExpressions(cfg.StreamExpression.Excluded); err != nil {
		return nil, err
	}
	if f.exprs.included, err = compileExpressions(cfg.StreamExpression.Included); err != nil {
		return nil, err
	}
	if f.exprs.required, err = compileExpressions(cfg.StreamExpression.Required); err != nil {
		return nil, err
	}
	if f.exprs.preferred, err = compileExpressions(cfg.StreamExpression.Preferred); err != nil {
		return nil, err
	}

	return f, nil
}

func (f *Filterer) compileRegexes(patterns []string) ([]*regexp.Regexp, error) {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, pattern := range patterns {
		if !f.cfg.FreeRegexAllowed && !containsExact(f.cfg.AllowedRegexes, pattern) {
			return nil, &InvalidRegexError{Pattern: pattern, Err: fmt.Errorf("pattern is not on the allow-list")}
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, &InvalidRegexError{Pattern: pattern, Err: err}
		}
		compiled = append(compiled, re)
	}
	return compiled, nil
}

func compileExpressions(sources []string) ([]*expression.Expression, error) {
	compiled := make([]*expression.Expression, 0, len(sources))
	for _, src := range sources {
		if err := expression.ValidateSelector(src); err != nil {
			return nil, &InvalidExpressionError{Expression: src, Err: err}
		}
		expr, err := expression.Parse(src)
		if err != nil {
			return nil, &InvalidExpressionError{Expression: src, Err: err}
		}
		compiled = append(compiled, expr)
	}
	return compiled, nil
}

// Apply filters the streams and annotates preferred-rule matches used by the
// sorter. Error and statistic streams pass through untouched.
func (f *Filterer) Apply(streams []*stream.ParsedStream, reqCtx RequestContext) ([]*stream.ParsedStream, error) {
	kept := make([]*stream.ParsedStream, 0, len(streams))
	for _, s := range streams {
		if s.Type == stream.TypeError || s.Type == stream.TypeStatistic {
			kept = append(kept, s)
			continue
		}
		keep, err := f.admit(s, streams, reqCtx)
		if err != nil {
			return nil, err
		}
		if keep {
			f.annotate(s, streams)
			kept = append(kept, s)
		}
	}
	return kept, nil
}

func (f *Filterer) admit(s *stream.ParsedStream, all []*stream.ParsedStream, reqCtx RequestContext) (bool, error) {
	if !applyListFilter(f.cfg.Resolution, valueSet(s.File.Resolution)) {
		return false, nil
	}
	if !applyListFilter(f.cfg.Quality, valueSet(s.File.Quality)) {
		return false, nil
	}
	if !applyListFilter(f.cfg.Language, s.File.Languages) {
		return false, nil
	}
	if !applyVisualTagFilter(f.cfg.VisualTag, s) {
		return false, nil
	}
	if !applyListFilter(f.cfg.AudioTag, s.File.AudioTags) {
		return false, nil
	}
	if !applyListFilter(f.cfg.AudioChannel, s.File.AudioChannels) {
		return false, nil
	}
	if !applyListFilter(f.cfg.StreamType, valueSet(string(s.Type))) {
		return false, nil
	}
	if !applyListFilter(f.cfg.Encode, valueSet(s.File.Encode)) {
		return false, nil
	}
	if !f.admitRegex(s) {
		return false, nil
	}
	if !f.admitKeyword(s) {
		return false, nil
	}
	admitted, err := f.admitExpression(s, all)
	if err != nil {
		return false, err
	}
	if !admitted {
		return false, nil
	}
	if !f.admitSeeders(s) {
		return false, nil
	}
	if !f.admitSize(s, reqCtx) {
		return false, nil
	}
	return true, nil
}

// matchTarget is the text regex and keyword rules run against.
func matchTarget(s *stream.ParsedStream) string {
	parts := make([]string, 0, 4)
	if s.Filename != "" {
		parts = append(parts, s.Filename)
	}
	if s.FolderName != "" {
		parts = append(parts, s.FolderName)
	}
	if s.OriginalName != "" {
		parts = append(parts, s.OriginalName)
	}
	if s.OriginalDescription != "" {
		parts = append(parts, s.OriginalDescription)
	}
	return strings.Join(parts, "\n")
}

func (f *Filterer) admitRegex(s *stream.ParsedStream) bool {
	target := matchTarget(s)
	for _, re := range f.regexes.excluded {
		if re.MatchString(target) {
			return false
		}
	}
	if len(f.regexes.included) > 0 {
		matched := false
		for _, re := range f.regexes.included {
			if re.MatchString(target) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	for _, re := range f.regexes.required {
		if !re.MatchString(target) {
			return false
		}
	}
	return true
}

func (f *Filterer) admitKeyword(s *stream.ParsedStream) bool {
	target := strings.ToLower(matchTarget(s))
	for _, kw := range f.cfg.Keyword.Excluded {
		if strings.Contains(target, strings.ToLower(kw)) {
			return false
		}
	}
	if len(f.cfg.Keyword.Included) > 0 {
		matched := false
		for _, kw := range f.cfg.Keyword.Included {
			if strings.Contains(target, strings.ToLower(kw)) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	for _, kw := range f.cfg.Keyword.Required {
		if !strings.Contains(target, strings.ToLower(kw)) {
			return false
		}
	}
	return true
}

func (f *Filterer) admitExpression(s *stream.ParsedStream, all []*stream.ParsedStream) (bool, error) {
	for _, expr := range f.exprs.excluded {
		matched, err := exprMatches(expr, s, all)
		if err != nil {
			return false, err
		}
		if matched {
			return false, nil
		}
	}
	if len(f.exprs.included) > 0 {
		anyMatched := false
		for _, expr := range f.exprs.included {
			matched, err := exprMatches(expr, s, all)
			if err != nil {
				return false, err
			}
			if matched {
				anyMatched = true
				break
			}
		}
		if !anyMatched {
			return false, nil
		}
	}
	for _, expr := range f.exprs.required {
		matched, err := exprMatches(expr, s, all)
		if err != nil {
			return false, err
		}
		if !matched {
			return false, nil
		}
	}
	return true, nil
}

// exprMatches evaluates a selector for a single stream.
func exprMatches(expr *expression.Expression, s *stream.ParsedStream, all []*stream.ParsedStream) (bool, error) {
	selected, err := expr.Select([]*stream.ParsedStream{s})
	if err != nil {
		return false, err
	}
	return len(selected) == 1, nil
}

func (f *Filterer) admitSeeders(s *stream.ParsedStream) bool {
	seeders := s.Seeders()
	if seeders < 0 {
		// Unknown counts can't violate a range
		return true
	}
	for _, rule := range f.cfg.Seeders {
		if !seederRuleApplies(rule, s) {
			continue
		}
		if rule.Min > 0 && seeders < rule.Min {
			return false
		}
		if rule.Max > 0 && seeders > rule.Max {
			return false
		}
	}
	return true
}

func seederRuleApplies(rule SeederRule, s *stream.ParsedStream) bool {
	if len(rule.Scopes) == 0 {
		return true
	}
	for _, scope := range rule.Scopes {
		switch scope {
		case "p2p":
			if s.Type == stream.TypeP2P {
				return true
			}
		case "cached":
			if s.Service != nil && s.Service.Cached {
				return true
			}
		case "uncached":
			if s.Service != nil && !s.Service.Cached {
				return true
			}
		}
	}
	return false
}

func (f *Filterer) admitSize(s *stream.ParsedStream, reqCtx RequestContext) bool {
	if s.Size == 0 {
		return true
	}
	r := f.sizeRangeFor(s, reqCtx)
	if r.isZero() {
		return true
	}
	if r.Min > 0 && s.Size < r.Min {
		return false
	}
	if r.Max > 0 && s.Size >= r.Max {
		return false
	}
	return true
}

// sizeRangeFor picks the most specific configured scope.
func (f *Filterer) sizeRangeFor(s *stream.ParsedStream, reqCtx RequestContext) SizeRange {
	if r, ok := f.cfg.Size.PerResolution[s.File.Resolution]; ok && !r.isZero() {
		return r
	}
	if r, ok := f.cfg.Size.PerMediaType[reqCtx.MediaType]; ok && !r.isZero() {
		return r
	}
	return f.cfg.Size.Global
}

// annotate records which preferred rules matched, for the sorter.
func (f *Filterer) annotate(s *stream.ParsedStream, all []*stream.ParsedStream) {
	target := matchTarget(s)
	for i, re := range f.regexes.preferred {
		if re.MatchString(target) {
			s.RegexMatched = &stream.MatchInfo{Name: re.String(), Index: i}
			break
		}
	}
	lowTarget := strings.ToLower(target)
	for _, kw := range f.cfg.Keyword.Preferred {
		if strings.Contains(lowTarget, strings.ToLower(kw)) {
			s.KeywordMatched = true
			break
		}
	}
	for i, expr := range f.exprs.preferred {
		matched, err := exprMatches(expr, s, all)
		if err != nil {
			f.logger.Warn("Couldn't evaluate preferred stream expression", zap.Error(err))
			continue
		}
		if matched {
			s.ExpressionMatched = &stream.MatchInfo{Index: i}
			break
		}
	}
}

// applyListFilter implements the four-list semantics for one attribute.
// Streams without a value get the synthetic "Unknown" token so users can
// include or exclude unparsed streams explicitly.
func applyListFilter(rules ListFilter, values []string) bool {
	if rules.Empty() {
		return true
	}
	if len(values) == 0 {
		values = []string{"Unknown"}
	}
	if intersectsFold(values, rules.Excluded) {
		return false
	}
	if len(rules.Included) > 0 && !intersectsFold(values, rules.Included) {
		return false
	}
	for _, required := range rules.Required {
		if !containsFold(values, required) {
			return false
		}
	}
	return true
}

// applyVisualTagFilter adds the synthetic combo tokens "HDR+DV", "DV Only"
// and "HDR Only" on top of the plain tag list.
func applyVisualTagFilter(rules ListFilter, s *stream.ParsedStream) bool {
	if rules.Empty() {
		return true
	}
	values := append([]string{}, s.File.VisualTags...)
	hasHDR := false
	for _, tag := range s.File.VisualTags {
		if strings.HasPrefix(strings.ToUpper(tag), "HDR") {
			hasHDR = true
			break
		}
	}
	hasDV := s.HasVisualTag("DV")
	switch {
	case hasHDR && hasDV:
		values = append(values, "HDR+DV")
	case hasDV:
		values = append(values, "DV Only")
	case hasHDR:
		values = append(values, "HDR Only")
	}
	return applyListFilter(rules, values)
}

func valueSet(value string) []string {
	if value == "" {
		return nil
	}
	return []string{value}
}

func intersectsFold(values, list []string) bool {
	for _, v := range values {
		if containsFold(list, v) {
			return true
		}
	}
	return false
}

func containsFold(list []string, value string) bool {
	for _, item := range list {
		if strings.EqualFold(item, value) {
			return true
		}
	}
	return false
}

func containsExact(list []string, value string) bool {
	for _, item := range list {
		if item == value {
			return true
		}
	}
	return false
}

func countListFilter(l ListFilter) int {
	return len(l.Excluded) + len(l.Included) + len(l.Required) + len(l.Preferred)
}
