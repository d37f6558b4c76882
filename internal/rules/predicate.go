package rules

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/socialwatch/sentinel/internal/monitor"
)

// Kind is the closed set of predicate variants.
type Kind uint8

// Predicate kinds.
const (
	KindNever Kind = iota
	KindKeyword
	KindPhrase
	KindRegex
	KindRange
	KindSet
	KindFlag
	KindTimeWindow
	KindDaySet
)

func (k Kind) String() string {
	switch k {
	case KindNever:
		return "never"
	case KindKeyword:
		return "keyword"
	case KindPhrase:
		return "phrase"
	case KindRegex:
		return "regex"
	case KindRange:
		return "range"
	case KindSet:
		return "set"
	case KindFlag:
		return "flag"
	case KindTimeWindow:
		return "time_window"
	case KindDaySet:
		return "day_set"
	}
	return "unknown"
}

// Field selects the item attribute a predicate reads.
type Field uint8

// Item fields.
const (
	FieldText Field = iota
	FieldLanguage
	FieldCountry
	FieldAuthorHandle
	FieldFollowers
	FieldAccountAgeDays
	FieldVerified
	FieldLikes
	FieldReposts
	FieldReplies
	FieldViews
	FieldEngagementTotal
	FieldSentiment
	FieldCategory
	FieldConfidence
	FieldThreatRank
	FieldAuthoredAt
)

// Predicate is one leaf of a compiled rule. Only the members relevant to
// Kind are populated.
type Predicate struct {
	Kind   Kind
	Field  Field
	Negate bool

	Terms  []string
	Regex  *regexp.Regexp
	Range  monitor.Range
	Flag   bool
	Start  int // minutes after midnight
	End    int
	Days   [7]bool
	Loc    *time.Location
	Reason string
}

// Group is a named conjunction of predicates.
type Group struct {
	Name       string
	Predicates []Predicate
}

// Tree is the compiled form of RuleConditions: a conjunction of groups.
type Tree struct {
	Groups []Group
}

// Match reports whether every group holds for item.
func (t Tree) Match(item monitor.Item) bool {
	for _, g := range t.Groups {
		for _, p := range g.Predicates {
			if !p.Eval(item) {
				return false
			}
		}
	}
	return true
}

// Eval evaluates one predicate. Missing data (an unclassified item for a
// classification field, an unknown account creation date) never matches,
// even when negated.
func (p Predicate) Eval(item monitor.Item) bool {
	var ok, known bool
	switch p.Kind {
	case KindNever:
		return false
	case KindKeyword:
		ok, known = evalKeyword(p.Terms, item.Text), true
	case KindPhrase:
		ok, known = evalPhrase(p.Terms, item.Text), true
	case KindRegex:
		ok, known = p.Regex != nil && p.Regex.MatchString(item.Text), p.Regex != nil
	case KindRange:
		var v float64
		v, known = numericField(p.Field, item)
		ok = known && p.Range.Contains(v)
	case KindSet:
		var v string
		v, known = stringField(p.Field, item)
		ok = known && containsFold(p.Terms, v)
	case KindFlag:
		ok, known = item.Author.Verified == p.Flag, p.Field == FieldVerified
	case KindTimeWindow:
		var t time.Time
		t, known = itemTime(item, p.Loc)
		ok = known && inWindow(t.Hour()*60+t.Minute(), p.Start, p.End)
	case KindDaySet:
		var t time.Time
		t, known = itemTime(item, p.Loc)
		ok = known && p.Days[t.Weekday()]
	default:
		return false
	}
	if !known {
		return false
	}
	if p.Negate {
		return !ok
	}
	return ok
}

// Compile turns stored conditions into a Tree. It always returns a usable
// tree; each problem found is reported in the error slice and the offending
// condition compiles to KindNever.
func Compile(c monitor.RuleConditions) (Tree, []error) {
	var (
		tree Tree
		errs []error
	)
	add := func(name string, preds []Predicate, groupErrs []error) {
		if len(preds) > 0 {
			tree.Groups = append(tree.Groups, Group{Name: name, Predicates: preds})
		}
		for _, err := range groupErrs {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	if c.Content != nil {
		p, e := compileContent(*c.Content)
		add("content", p, e)
	}
	if c.Author != nil {
		p, e := compileAuthor(*c.Author)
		add("author", p, e)
	}
	if c.Engagement != nil {
		add("engagement", compileEngagement(*c.Engagement), nil)
	}
	if c.Temporal != nil {
		p, e := compileTemporal(*c.Temporal)
		add("temporal", p, e)
	}
	if c.Classification != nil {
		p, e := compileClassification(*c.Classification)
		add("classification", p, e)
	}
	if c.Geographic != nil {
		add("geographic", compileGeo(*c.Geographic), nil)
	}
	return tree, errs
}

func never(reason string) Predicate {
	return Predicate{Kind: KindNever, Reason: reason}
}

func compileContent(c monitor.ContentConditions) ([]Predicate, []error) {
	var (
		preds []Predicate
		errs  []error
	)
	if terms := normalizeTerms(c.Keywords); len(terms) > 0 {
		preds = append(preds, Predicate{Kind: KindKeyword, Field: FieldText, Terms: terms})
	}
	if terms := normalizeTerms(c.Phrases); len(terms) > 0 {
		preds = append(preds, Predicate{Kind: KindPhrase, Field: FieldText, Terms: terms})
	}
	if terms := normalizeTerms(c.ExcludeKeywords); len(terms) > 0 {
		preds = append(preds, Predicate{Kind: KindKeyword, Field: FieldText, Terms: terms, Negate: true})
	}
	if c.Regex != "" {
		re, err := regexp.Compile("(?i)" + c.Regex)
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid regex %q: %w", c.Regex, err))
			preds = append(preds, never("invalid regex"))
		} else {
			preds = append(preds, Predicate{Kind: KindRegex, Field: FieldText, Regex: re})
		}
	}
	if !c.Sentiment.IsZero() {
		preds = append(preds, Predicate{Kind: KindRange, Field: FieldSentiment, Range: c.Sentiment})
	}
	if terms := normalizeTerms(c.Languages); len(terms) > 0 {
		preds = append(preds, Predicate{Kind: KindSet, Field: FieldLanguage, Terms: terms})
	}
	return preds, errs
}

func compileAuthor(c monitor.AuthorConditions) ([]Predicate, []error) {
	var preds []Predicate
	if !c.Followers.IsZero() {
		preds = append(preds, Predicate{Kind: KindRange, Field: FieldFollowers, Range: c.Followers})
	}
	if !c.AccountAgeDays.IsZero() {
		preds = append(preds, Predicate{Kind: KindRange, Field: FieldAccountAgeDays, Range: c.AccountAgeDays})
	}
	if c.Verified != nil {
		preds = append(preds, Predicate{Kind: KindFlag, Field: FieldVerified, Flag: *c.Verified})
	}
	if terms := normalizeHandles(c.Allow); len(terms) > 0 {
		preds = append(preds, Predicate{Kind: KindSet, Field: FieldAuthorHandle, Terms: terms})
	}
	if terms := normalizeHandles(c.Deny); len(terms) > 0 {
		preds = append(preds, Predicate{Kind: KindSet, Field: FieldAuthorHandle, Terms: terms, Negate: true})
	}
	return preds, nil
}

func compileEngagement(c monitor.EngagementConditions) []Predicate {
	var preds []Predicate
	for _, r := range []struct {
		field Field
		rng   monitor.Range
	}{
		{FieldLikes, c.Likes},
		{FieldReposts, c.Reposts},
		{FieldReplies, c.Replies},
		{FieldViews, c.Views},
		{FieldEngagementTotal, c.Total},
	} {
		if !r.rng.IsZero() {
			preds = append(preds, Predicate{Kind: KindRange, Field: r.field, Range: r.rng})
		}
	}
	return preds
}

func compileTemporal(c monitor.TemporalConditions) ([]Predicate, []error) {
	loc := time.UTC
	if c.Timezone != "" {
		l, err := time.LoadLocation(c.Timezone)
		if err != nil {
			return []Predicate{never("unknown timezone")}, []error{fmt.Errorf("unknown timezone %q: %w", c.Timezone, err)}
		}
		loc = l
	}
	var (
		preds []Predicate
		errs  []error
	)
	if c.Start != "" || c.End != "" {
		start, errStart := parseClock(c.Start)
		end, errEnd := parseClock(c.End)
		if err := errors.Join(errStart, errEnd); err != nil {
			errs = append(errs, err)
			preds = append(preds, never("invalid time window"))
		} else {
			preds = append(preds, Predicate{Kind: KindTimeWindow, Field: FieldAuthoredAt, Start: start, End: end, Loc: loc})
		}
	}
	if len(c.Weekdays) > 0 {
		var days [7]bool
		var bad []string
		for _, d := range c.Weekdays {
			wd, ok := parseWeekday(d)
			if !ok {
				bad = append(bad, d)
				continue
			}
			days[wd] = true
		}
		if len(bad) > 0 {
			errs = append(errs, fmt.Errorf("unknown weekdays %v", bad))
			preds = append(preds, never("invalid weekdays"))
		} else {
			preds = append(preds, Predicate{Kind: KindDaySet, Field: FieldAuthoredAt, Days: days, Loc: loc})
		}
	}
	return preds, errs
}

func compileClassification(c monitor.ClassificationConditions) ([]Predicate, []error) {
	var (
		preds []Predicate
		errs  []error
	)
	if terms := normalizeTerms(c.Categories); len(terms) > 0 {
		preds = append(preds, Predicate{Kind: KindSet, Field: FieldCategory, Terms: terms})
	}
	if !c.Confidence.IsZero() {
		preds = append(preds, Predicate{Kind: KindRange, Field: FieldConfidence, Range: c.Confidence})
	}
	if c.MinThreatLevel != "" {
		rank := c.MinThreatLevel.Rank()
		if rank < 0 {
			errs = append(errs, fmt.Errorf("unknown threat level %q", c.MinThreatLevel))
			preds = append(preds, never("invalid threat level"))
		} else {
			lo := float64(rank)
			preds = append(preds, Predicate{Kind: KindRange, Field: FieldThreatRank, Range: monitor.Range{Min: &lo}})
		}
	}
	return preds, errs
}

func compileGeo(c monitor.GeoConditions) []Predicate {
	var preds []Predicate
	if terms := normalizeTerms(c.Countries); len(terms) > 0 {
		preds = append(preds, Predicate{Kind: KindSet, Field: FieldCountry, Terms: terms})
	}
	if terms := normalizeTerms(c.ExcludeCountries); len(terms) > 0 {
		preds = append(preds, Predicate{Kind: KindSet, Field: FieldCountry, Terms: terms, Negate: true})
	}
	return preds
}

func numericField(f Field, item monitor.Item) (float64, bool) {
	cls := item.Classification
	switch f {
	case FieldFollowers:
		return float64(item.Author.Followers), true
	case FieldAccountAgeDays:
		if item.Author.AccountCreatedAt.IsZero() || item.AuthoredAt.IsZero() {
			return 0, false
		}
		return item.AuthoredAt.Sub(item.Author.AccountCreatedAt).Hours() / 24, true
	case FieldLikes:
		return float64(item.Engagement.Likes), true
	case FieldReposts:
		return float64(item.Engagement.Reposts), true
	case FieldReplies:
		return float64(item.Engagement.Replies), true
	case FieldViews:
		return float64(item.Engagement.Views), true
	case FieldEngagementTotal:
		return float64(item.Engagement.Total()), true
	case FieldSentiment:
		if cls != nil {
			return cls.Sentiment.Score, true
		}
		if item.SentimentHint != nil {
			return *item.SentimentHint, true
		}
		return 0, false
	case FieldConfidence:
		if cls == nil {
			return 0, false
		}
		return cls.Confidence, true
	case FieldThreatRank:
		if cls == nil {
			return 0, false
		}
		return float64(cls.Threat.Level.Rank()), true
	}
	return 0, false
}

func stringField(f Field, item monitor.Item) (string, bool) {
	switch f {
	case FieldLanguage:
		return item.Language, item.Language != ""
	case FieldCountry:
		return item.Country, item.Country != ""
	case FieldAuthorHandle:
		h := normalizeHandle(item.Author.Handle)
		return h, h != ""
	case FieldCategory:
		if item.Classification == nil {
			return "", false
		}
		return item.Classification.Category, true
	}
	return "", false
}

func itemTime(item monitor.Item, loc *time.Location) (time.Time, bool) {
	t := item.AuthoredAt
	if t.IsZero() {
		t = item.IngestedAt
	}
	if t.IsZero() {
		return time.Time{}, false
	}
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc), true
}

// inWindow treats [start, end) as a daily window; end before start wraps
// past midnight and start == end covers the whole day.
func inWindow(minute, start, end int) bool {
	switch {
	case start == end:
		return true
	case start < end:
		return minute >= start && minute < end
	default:
		return minute >= start || minute < end
	}
}

func parseClock(s string) (int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	hh, mm, ok := strings.Cut(s, ":")
	if !ok {
		return 0, fmt.Errorf("invalid time %q: want HH:MM", s)
	}
	h, errH := strconv.Atoi(hh)
	m, errM := strconv.Atoi(mm)
	if errH != nil || errM != nil || h < 0 || h > 24 || m < 0 || m > 59 || (h == 24 && m != 0) {
		return 0, fmt.Errorf("invalid time %q: want HH:MM", s)
	}
	return (h*60 + m) % (24 * 60), nil
}

func parseWeekday(s string) (time.Weekday, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	if len(s) < 3 {
		return 0, false
	}
	for d := time.Sunday; d <= time.Saturday; d++ {
		name := strings.ToLower(d.String())
		if s == name || s == name[:3] {
			return d, true
		}
	}
	return 0, false
}

// evalKeyword matches single words against whole tokens and multi-word
// keywords as substrings.
func evalKeyword(terms []string, text string) bool {
	lower := strings.ToLower(text)
	var tokens map[string]struct{}
	for _, t := range terms {
		if strings.ContainsFunc(t, unicode.IsSpace) {
			if strings.Contains(lower, t) {
				return true
			}
			continue
		}
		if tokens == nil {
			tokens = tokenize(lower)
		}
		if _, ok := tokens[t]; ok {
			return true
		}
	}
	return false
}

func evalPhrase(terms []string, text string) bool {
	lower := strings.ToLower(text)
	for _, t := range terms {
		if strings.Contains(lower, t) {
			return true
		}
	}
	return false
}

func tokenize(lower string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, tok := range strings.FieldsFunc(lower, func(r rune) bool {
		return !(unicode.IsLetter(r) || unicode.IsDigit(r) || r == '#' || r == '@' || r == '_')
	}) {
		out[tok] = struct{}{}
		if trimmed := strings.TrimLeft(tok, "#@"); trimmed != tok && trimmed != "" {
			out[trimmed] = struct{}{}
		}
	}
	return out
}

func containsFold(set []string, v string) bool {
	v = strings.ToLower(strings.TrimSpace(v))
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

func normalizeTerms(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func normalizeHandle(h string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(h), "@"))
}

func normalizeHandles(in []string) []string {
	out := make([]string, 0, len(in))
	for _, h := range in {
		if h = normalizeHandle(h); h != "" {
			out = append(out, h)
		}
	}
	return out
}
