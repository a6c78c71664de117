// Package budget parses budget strategy prose into conservative, target and
// stretch price bands.
package budget

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/dwellwise/dwellwise/pkg/models"
)

// Range is a parsed price range.
type Range struct {
	Min float64
	Max float64
}

// Matcher finds the range for one band name in a slice of lines. Matchers
// must be pure; a panic inside one is treated as "not found".
type Matcher struct {
	Name  string
	Match func(lines []string, band string) (Range, bool)
}

// Matchers is the default priority order tried for every band.
var Matchers = []Matcher{
	{Name: "same_line", Match: MatchSameLine},
	{Name: "next_line", Match: MatchNextLine},
	{Name: "list_item", Match: MatchListItem},
}

const (
	emph       = `(?:\*\*|__|\*|_)?`
	heading    = `(?:#{1,6}\s*)?`
	listMarker = `(?:(?:[-*+•]|\d+[.)])\s+)?`
	number     = `(\$?\s?\d[\d,]*(?:\.\d+)?)\s?(?:([km])\b)?(%)?`
)

var (
	rangeExpr    = number + `\s*(?:-|–|—|\bto\b)\s*` + number
	rangeRE      = regexp.MustCompile(`(?i)` + rangeExpr)
	leadRangeRE  = regexp.MustCompile(`(?i)^[\s*_]*[^\d$\n]{0,24}?` + rangeExpr)
	listPrefixRE = regexp.MustCompile(`^\s*(?:[-*+•]|\d+[.)])\s+`)
	thousandsRE  = regexp.MustCompile(`^\d{1,3}(?:,\d{3})+(?:\.\d+)?$`)

	headRE  = map[string]*regexp.Regexp{}
	titleRE = map[string]*regexp.Regexp{}
	wordRE  = map[string]*regexp.Regexp{}
)

func init() {
	for _, band := range models.BandNames {
		name := regexp.QuoteMeta(band)
		prefix := `(?i)^\s*` + heading + listMarker + emph + name + `(?:\s+band)?` + emph
		headRE[band] = regexp.MustCompile(prefix + `(?:\s*:|\s)`)
		titleRE[band] = regexp.MustCompile(prefix + `\s*:?\s*` + emph + `\s*$`)
		wordRE[band] = regexp.MustCompile(`(?i)\b` + name + `\b`)
	}
}

// Extract parses text into budget bands. The second result is false unless at
// least one band has both ends resolved.
func Extract(text string) (models.BudgetBands, bool) {
	return ExtractWith(text, Matchers)
}

// ExtractWith is Extract with a custom matcher order.
func ExtractWith(text string, matchers []Matcher) (models.BudgetBands, bool) {
	var bands models.BudgetBands
	if strings.TrimSpace(text) == "" {
		return bands, false
	}
	lines := splitLines(text)
	for _, band := range models.BandNames {
		for _, m := range matchers {
			r, ok := safeMatch(m, lines, band)
			if !ok {
				continue
			}
			min, max := bands.Band(band)
			lo, hi := r.Min, r.Max
			*min, *max = &lo, &hi
			break
		}
	}
	if !bands.Any() {
		return models.BudgetBands{}, false
	}
	return bands, true
}

func safeMatch(m Matcher, lines []string, band string) (r Range, ok bool) {
	defer func() {
		if recover() != nil {
			r, ok = Range{}, false
		}
	}()
	return m.Match(lines, band)
}

func splitLines(text string) []string {
	lines := strings.Split(text, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimRight(l, "\r")
	}
	return lines
}

// MatchSameLine finds "<band>[ band]: <range>" with optional list, heading and
// emphasis markers around the name.
func MatchSameLine(lines []string, band string) (Range, bool) {
	re := headRE[band]
	if re == nil {
		return Range{}, false
	}
	for _, line := range lines {
		loc := re.FindStringIndex(line)
		if loc == nil {
			continue
		}
		rest := line[loc[1]:]
		if m := leadRangeRE.FindStringSubmatch(rest); m != nil {
			if r, ok := parseRange(m[1:]); ok {
				return r, true
			}
		}
		// "Target: 2-3 bedrooms, $500K-$540K"
		if r, ok := firstRange(rest); ok {
			return r, true
		}
	}
	return Range{}, false
}

// MatchNextLine finds a line holding only the band name and reads the range
// from the next non-blank line.
func MatchNextLine(lines []string, band string) (Range, bool) {
	re := titleRE[band]
	if re == nil {
		return Range{}, false
	}
	for i, line := range lines {
		if !re.MatchString(line) {
			continue
		}
		next := nextNonBlank(lines, i+1)
		if next < 0 {
			return Range{}, false
		}
		if r, ok := firstRange(lines[next]); ok {
			return r, true
		}
	}
	return Range{}, false
}

// MatchListItem finds a list item that mentions the band name anywhere and
// carries a price range after it.
func MatchListItem(lines []string, band string) (Range, bool) {
	re := wordRE[band]
	if re == nil {
		return Range{}, false
	}
	for _, line := range lines {
		if !listPrefixRE.MatchString(line) {
			continue
		}
		loc := re.FindStringIndex(line)
		if loc == nil {
			continue
		}
		if r, ok := firstRange(line[loc[1]:]); ok {
			return r, true
		}
	}
	return Range{}, false
}

func nextNonBlank(lines []string, from int) int {
	for i := from; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) != "" {
			return i
		}
	}
	return -1
}

// firstRange returns the first range in s that looks like money.
func firstRange(s string) (Range, bool) {
	for _, m := range rangeRE.FindAllStringSubmatch(s, -1) {
		if r, ok := parseRange(m[1:]); ok {
			return r, true
		}
	}
	return Range{}, false
}

// parseRange takes the six submatches of rangeExpr: min, min suffix, min
// percent, max, max suffix, max percent. At least one end must carry a
// currency sign, separator or scale, and a bare end is only accepted at a
// price scale, so "3-4", "2025-2026" and "$450,000 - 20%" are not prices.
func parseRange(groups []string) (Range, bool) {
	if len(groups) != 6 {
		return Range{}, false
	}
	if groups[2] != "" || groups[5] != "" {
		return Range{}, false
	}
	lo, loMoney, ok := parseAmount(groups[0], groups[1])
	if !ok {
		return Range{}, false
	}
	hi, hiMoney, ok := parseAmount(groups[3], groups[4])
	if !ok {
		return Range{}, false
	}
	if !loMoney && !hiMoney {
		return Range{}, false
	}
	if (!loMoney && lo < 1000) || (!hiMoney && hi < 1000) {
		return Range{}, false
	}
	// "500-560K" could mean 500 or 500K; leave it unresolved.
	if (groups[1] == "") != (groups[4] == "") {
		if (groups[1] == "" && lo < 1000) || (groups[4] == "" && hi < 1000) {
			return Range{}, false
		}
	}
	if hi < lo/100 {
		return Range{}, false
	}
	return Range{Min: lo, Max: hi}, true
}

// parseAmount parses "$1,250,000" or "1.2" with suffix "M". The second result
// reports whether the amount carried a currency, separator or scale marker.
func parseAmount(num, suffix string) (float64, bool, bool) {
	s := strings.TrimSpace(num)
	money := strings.HasPrefix(s, "$")
	s = strings.TrimSpace(strings.TrimPrefix(s, "$"))
	s = strings.TrimRight(s, ",")
	if strings.Contains(s, ",") {
		if !thousandsRE.MatchString(s) {
			return 0, false, false
		}
		s = strings.ReplaceAll(s, ",", "")
		money = true
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false, false
	}
	switch strings.ToLower(suffix) {
	case "k":
		v *= 1_000
		money = true
	case "m":
		v *= 1_000_000
		money = true
	}
	return math.Round(v*100) / 100, money, true
}

// Format renders bands for display, e.g. "target: $500,000 – $560,000".
func Format(b models.BudgetBands) string {
	var parts []string
	for _, name := range models.BandNames {
		if !b.Complete(name) {
			continue
		}
		min, max := b.Band(name)
		parts = append(parts, fmt.Sprintf("%s: %s – %s", name, formatAmount(**min), formatAmount(**max)))
	}
	return strings.Join(parts, "\n")
}

func formatAmount(v float64) string {
	whole := strconv.FormatInt(int64(math.Round(v)), 10)
	var b strings.Builder
	b.WriteByte('$')
	for i, c := range whole {
		if i > 0 && (len(whole)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(c)
	}
	return b.String()
}
