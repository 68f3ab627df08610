// Package cron parses cron expressions and computes their next
// occurrence, including the L/W/LW/n#k day modifiers and DST-aware
// resolution of ambiguous or non-existent local times.
package cron

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/taskqueue/taskqueue/internal/bitset"
)

// CronFormatError reports a malformed cron expression, naming the
// offending substring.
type CronFormatError struct {
	Expression string
	Offending  string
	Reason     string
}

func (e *CronFormatError) Error() string {
	return fmt.Sprintf("invalid cron expression %q: %s (near %q)", e.Expression, e.Reason, e.Offending)
}

func formatErr(expr, offending, reason string) error {
	return &CronFormatError{Expression: expr, Offending: offending, Reason: reason}
}

var monthNames = map[string]int{
	"JAN": 1, "FEB": 2, "MAR": 3, "APR": 4, "MAY": 5, "JUN": 6,
	"JUL": 7, "AUG": 8, "SEP": 9, "OCT": 10, "NOV": 11, "DEC": 12,
}

// weekday 0=Sunday..6=Saturday, matching time.Weekday.
var dowNames = map[string]int{
	"SUN": 0, "MON": 1, "TUE": 2, "WED": 3, "THU": 4, "FRI": 5, "SAT": 6,
}

const maxHorizonYears = 4

// nthSpec is a "weekday#occurrence" term, e.g. "5#3" (3rd Friday).
type nthSpec struct {
	weekday    int
	occurrence int
}

type daySpec struct {
	wildcard         bool
	mask             bitset.Field // plain day-of-month values, 1-31
	lastDay          bool         // "L"
	lastDayOffset    int          // "L-n"
	nearestWeekdayOf int          // "nW", 0 if unset
	lastWeekday      bool         // "LW"
}

type weekdaySpec struct {
	wildcard       bool
	mask           bitset.Field // plain weekday values, 0-6
	lastOccurrence map[int]bool // weekday -> "nL"
	nth            []nthSpec    // "n#k"
}

type yearSpec struct {
	wildcard bool
	years    map[int]bool
}

// Expression is a parsed cron expression bound to a time zone.
type Expression struct {
	raw            string
	includeSeconds bool
	hasYear        bool
	seconds        bitset.Field
	minutes        bitset.Field
	hours          bitset.Field
	dom            daySpec
	month          bitset.Field
	dow            weekdaySpec
	year           yearSpec
	loc            *time.Location
}

// Parse parses a cron expression in UTC. Use ParseInLocation to bind a
// specific time zone at parse time.
func Parse(expr string) (*Expression, error) {
	return ParseInLocation(expr, time.UTC)
}

// ParseInLocation parses a cron expression and binds it to loc for
// Next/GetOccurrences computations.
func ParseInLocation(expr string, loc *time.Location) (*Expression, error) {
	raw := expr
	fields := strings.Fields(expr)

	e := &Expression{raw: raw, loc: loc}

	switch len(fields) {
	case 5:
		e.includeSeconds = false
		e.hasYear = false
	case 6:
		if looksLikeYearField(fields[5]) {
			e.includeSeconds = false
			e.hasYear = true
		} else {
			e.includeSeconds = true
			e.hasYear = false
		}
	case 7:
		e.includeSeconds = true
		e.hasYear = true
	default:
		return nil, formatErr(raw, expr, "expected 5, 6, or 7 whitespace-separated fields")
	}

	idx := 0
	if e.includeSeconds {
		secs, _, err := parseField(raw, fields[idx], 0, 59, nil)
		if err != nil {
			return nil, err
		}
		e.seconds = secs
		idx++
	} else {
		e.seconds = bitset.FromValue(0)
	}

	mins, _, err := parseField(raw, fields[idx], 0, 59, nil)
	if err != nil {
		return nil, err
	}
	e.minutes = mins
	idx++

	hrs, _, err := parseField(raw, fields[idx], 0, 23, nil)
	if err != nil {
		return nil, err
	}
	e.hours = hrs
	idx++

	dom, err := parseDayOfMonth(raw, fields[idx])
	if err != nil {
		return nil, err
	}
	e.dom = dom
	idx++

	month, _, err := parseField(raw, fields[idx], 1, 12, monthNames)
	if err != nil {
		return nil, err
	}
	e.month = month
	idx++

	dow, err := parseDayOfWeek(raw, fields[idx])
	if err != nil {
		return nil, err
	}
	e.dow = dow
	idx++

	if e.hasYear {
		y, err := parseYear(raw, fields[idx])
		if err != nil {
			return nil, err
		}
		e.year = y
	} else {
		e.year = yearSpec{wildcard: true}
	}

	return e, nil
}

func looksLikeYearField(f string) bool {
	for _, part := range strings.FieldsFunc(f, func(r rune) bool {
		return r == ',' || r == '-' || r == '/'
	}) {
		if n, err := strconv.Atoi(part); err == nil && n >= 1970 {
			return true
		}
	}
	return false
}

func parseYear(raw, field string) (yearSpec, error) {
	field = strings.TrimSpace(field)
	if field == "*" || field == "?" {
		return yearSpec{wildcard: true}, nil
	}
	years := make(map[int]bool)
	for _, term := range strings.Split(field, ",") {
		term = strings.TrimSpace(term)
		if term == "" {
			continue
		}
		step := 1
		base := term
		if i := strings.Index(term, "/"); i >= 0 {
			base = term[:i]
			s, err := strconv.Atoi(term[i+1:])
			if err != nil || s <= 0 {
				return yearSpec{}, formatErr(raw, term, "invalid step in year field")
			}
			step = s
		}
		lo, hi, err := parseRangeBounds(raw, base, nil)
		if err != nil {
			return yearSpec{}, err
		}
		for v := lo; v <= hi; v += step {
			years[v] = true
		}
	}
	return yearSpec{years: years}, nil
}

// parseRangeBounds parses "a", "a-b", or a named token into an
// inclusive [lo, hi] pair (lo==hi for a single value).
func parseRangeBounds(raw, term string, names map[string]int) (int, int, error) {
	if i := strings.Index(term, "-"); i > 0 {
		lo, err := parseValue(raw, term[:i], names)
		if err != nil {
			return 0, 0, err
		}
		hi, err := parseValue(raw, term[i+1:], names)
		if err != nil {
			return 0, 0, err
		}
		return lo, hi, nil
	}
	v, err := parseValue(raw, term, names)
	if err != nil {
		return 0, 0, err
	}
	return v, v, nil
}

func parseValue(raw, tok string, names map[string]int) (int, error) {
	tok = strings.TrimSpace(tok)
	if names != nil {
		if v, ok := names[strings.ToUpper(tok)]; ok {
			return v, nil
		}
	}
	v, err := strconv.Atoi(tok)
	if err != nil {
		return 0, formatErr(raw, tok, "not a valid integer or name")
	}
	return v, nil
}

// parseField parses a generic numeric field (seconds, minutes, hours,
// month) into a bitset.Field, reporting whether the whole field was a
// bare wildcard.
func parseField(raw, field string, min, max int, names map[string]int) (bitset.Field, bool, error) {
	trimmed := strings.TrimSpace(field)
	wildcard := trimmed == "*" || trimmed == "?"

	result := bitset.Empty()
	for _, term := range strings.Split(trimmed, ",") {
		term = strings.TrimSpace(term)
		if term == "" {
			continue
		}
		step := 1
		base := term
		if i := strings.Index(term, "/"); i >= 0 {
			base = term[:i]
			s, err := strconv.Atoi(term[i+1:])
			if err != nil || s <= 0 {
				return 0, false, formatErr(raw, term, "invalid step")
			}
			step = s
		}

		var lo, hi int
		if base == "*" || base == "?" {
			lo, hi = min, max
		} else {
			var err error
			lo, hi, err = parseRangeBounds(raw, base, names)
			if err != nil {
				return 0, false, err
			}
		}

		if lo < min || hi > max || lo > hi {
			if lo > hi {
				// wrapped range, e.g. 22-4
				result = result.Union(bitset.FromStep(lo, max, step))
				result = result.Union(bitset.FromStep(min, hi, step))
				continue
			}
			return 0, false, formatErr(raw, term, fmt.Sprintf("value out of range [%d,%d]", min, max))
		}
		result = result.Union(bitset.FromStep(lo, hi, step))
	}
	return result, wildcard, nil
}

func parseDayOfMonth(raw, field string) (daySpec, error) {
	trimmed := strings.TrimSpace(field)
	if trimmed == "*" || trimmed == "?" {
		return daySpec{wildcard: true}, nil
	}

	spec := daySpec{}
	mask := bitset.Empty()
	for _, term := range strings.Split(trimmed, ",") {
		term = strings.TrimSpace(strings.ToUpper(term))
		switch {
		case term == "LW":
			spec.lastWeekday = true
		case term == "L":
			spec.lastDay = true
		case strings.HasPrefix(term, "L-"):
			n, err := strconv.Atoi(term[2:])
			if err != nil || n < 0 {
				return daySpec{}, formatErr(raw, term, "invalid L-n offset")
			}
			spec.lastDay = true
			spec.lastDayOffset = n
		case strings.HasSuffix(term, "W"):
			day, err := strconv.Atoi(strings.TrimSuffix(term, "W"))
			if err != nil || day < 1 || day > 31 {
				return daySpec{}, formatErr(raw, term, "invalid nW term")
			}
			spec.nearestWeekdayOf = day
		default:
			step := 1
			base := term
			if i := strings.Index(term, "/"); i >= 0 {
				base = term[:i]
				s, err := strconv.Atoi(term[i+1:])
				if err != nil || s <= 0 {
					return daySpec{}, formatErr(raw, term, "invalid step")
				}
				step = s
			}
			lo, hi, err := parseRangeBounds(raw, base, nil)
			if err != nil {
				return daySpec{}, err
			}
			if lo > hi {
				mask = mask.Union(bitset.FromStep(lo, 31, step))
				mask = mask.Union(bitset.FromStep(1, hi, step))
			} else {
				mask = mask.Union(bitset.FromStep(lo, hi, step))
			}
		}
	}
	spec.mask = mask
	return spec, nil
}

func parseDayOfWeek(raw, field string) (weekdaySpec, error) {
	trimmed := strings.TrimSpace(field)
	if trimmed == "*" || trimmed == "?" {
		return weekdaySpec{wildcard: true}, nil
	}

	spec := weekdaySpec{lastOccurrence: make(map[int]bool)}
	mask := bitset.Empty()
	for _, term := range strings.Split(trimmed, ",") {
		term = strings.TrimSpace(strings.ToUpper(term))
		switch {
		case strings.Contains(term, "#"):
			parts := strings.SplitN(term, "#", 2)
			wd, err := parseValue(raw, parts[0], dowNames)
			if err != nil {
				return weekdaySpec{}, err
			}
			occ, err := strconv.Atoi(parts[1])
			if err != nil || occ < 1 || occ > 5 {
				return weekdaySpec{}, formatErr(raw, term, "occurrence must be 1-5")
			}
			spec.nth = append(spec.nth, nthSpec{weekday: normalizeWeekday(wd), occurrence: occ})
		case strings.HasSuffix(term, "L"):
			wd, err := parseValue(raw, strings.TrimSuffix(term, "L"), dowNames)
			if err != nil {
				return weekdaySpec{}, err
			}
			spec.lastOccurrence[normalizeWeekday(wd)] = true
		default:
			step := 1
			base := term
			if i := strings.Index(term, "/"); i >= 0 {
				base = term[:i]
				s, err := strconv.Atoi(term[i+1:])
				if err != nil || s <= 0 {
					return weekdaySpec{}, formatErr(raw, term, "invalid step")
				}
				step = s
			}
			lo, hi, err := parseRangeBounds(raw, base, dowNames)
			if err != nil {
				return weekdaySpec{}, err
			}
			lo, hi = normalizeWeekday(lo), normalizeWeekday(hi)
			if lo > hi {
				mask = mask.Union(bitset.FromStep(lo, 6, step))
				mask = mask.Union(bitset.FromStep(0, hi, step))
			} else {
				mask = mask.Union(bitset.FromStep(lo, hi, step))
			}
		}
	}
	spec.mask = mask
	return spec, nil
}

// normalizeWeekday maps the conventional 7 ("Sunday" in 1-7/SUN-SAT
// edge notations) back onto 0, and leaves 0-6 untouched.
func normalizeWeekday(v int) int {
	if v == 7 {
		return 0
	}
	return v
}

func lastDayOfMonth(y int, m time.Month) int {
	return time.Date(y, m+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

func nearestWeekday(y int, m time.Month, anchor int) int {
	last := lastDayOfMonth(y, m)
	if anchor > last {
		anchor = last
	}
	wd := time.Date(y, m, anchor, 0, 0, 0, 0, time.UTC).Weekday()
	switch wd {
	case time.Saturday:
		if anchor == 1 {
			return anchor + 2
		}
		return anchor - 1
	case time.Sunday:
		if anchor == last {
			return anchor - 2
		}
		return anchor + 1
	default:
		return anchor
	}
}

func lastWeekdayOfMonth(y int, m time.Month) int {
	day := lastDayOfMonth(y, m)
	for {
		wd := time.Date(y, m, day, 0, 0, 0, 0, time.UTC).Weekday()
		if wd != time.Saturday && wd != time.Sunday {
			return day
		}
		day--
	}
}

func (e *Expression) domMatches(y int, m time.Month, day int) bool {
	d := e.dom
	if d.mask.Contains(day) {
		return true
	}
	if d.lastDay && day == lastDayOfMonth(y, m)-d.lastDayOffset {
		return true
	}
	if d.nearestWeekdayOf > 0 && day == nearestWeekday(y, m, d.nearestWeekdayOf) {
		return true
	}
	if d.lastWeekday && day == lastWeekdayOfMonth(y, m) {
		return true
	}
	return false
}

func (e *Expression) dowMatches(y int, m time.Month, day int) bool {
	w := e.dow
	wd := int(time.Date(y, m, day, 0, 0, 0, 0, time.UTC).Weekday())
	if w.mask.Contains(wd) {
		return true
	}
	if w.lastOccurrence[wd] && day+7 > lastDayOfMonth(y, m) {
		return true
	}
	occurrence := (day-1)/7 + 1
	for _, n := range w.nth {
		if n.weekday == wd && n.occurrence == occurrence {
			return true
		}
	}
	return false
}

func (e *Expression) isDayValid(y int, m time.Month, day int) bool {
	domWild := e.dom.wildcard
	dowWild := e.dow.wildcard
	if domWild && dowWild {
		return true
	}
	if domWild {
		return e.dowMatches(y, m, day)
	}
	if dowWild {
		return e.domMatches(y, m, day)
	}
	return e.domMatches(y, m, day) || e.dowMatches(y, m, day)
}

// nextValidDay returns the smallest day >= from in month (y, m) that
// satisfies the day-of-month/day-of-week predicate, or -1 if none
// remains in the month.
func (e *Expression) nextValidDay(y int, m time.Month, from int) int {
	last := lastDayOfMonth(y, m)
	for day := from; day <= last; day++ {
		if e.isDayValid(y, m, day) {
			return day
		}
	}
	return -1
}

func (e *Expression) yearValid(y int) bool {
	if e.year.wildcard {
		return true
	}
	return e.year.years[y]
}

func (e *Expression) nextValidYear(from int) (int, bool) {
	if e.year.wildcard {
		return from, true
	}
	best := -1
	for y := range e.year.years {
		if y >= from && (best == -1 || y < best) {
			best = y
		}
	}
	if best == -1 {
		return 0, false
	}
	return best, true
}

func sameWallClock(t time.Time, y, mo, d, hh, mm, ss int) bool {
	return t.Year() == y && int(t.Month()) == mo && t.Day() == d &&
		t.Hour() == hh && t.Minute() == mm && t.Second() == ss
}

// Next computes the smallest occurrence strictly greater than from.
// Returns false if no occurrence exists within a 4-year horizon.
func (e *Expression) Next(from time.Time) (time.Time, bool) {
	t := from.In(e.loc)
	candidate := t.Add(time.Second).Truncate(time.Second)
	if !e.includeSeconds {
		candidate = time.Date(candidate.Year(), candidate.Month(), candidate.Day(),
			candidate.Hour(), candidate.Minute(), 0, 0, e.loc)
		if !candidate.After(t) {
			candidate = candidate.Add(time.Minute)
		}
	}
	horizon := t.AddDate(maxHorizonYears, 0, 0)

	for iterations := 0; iterations < 10_000_000; iterations++ {
		if candidate.After(horizon) {
			return time.Time{}, false
		}

		y := candidate.Year()
		if e.hasYear && !e.yearValid(y) {
			ny, ok := e.nextValidYear(y + 1)
			if !ok {
				return time.Time{}, false
			}
			candidate = time.Date(ny, time.January, 1, 0, 0, 0, 0, e.loc)
			continue
		}

		m := int(candidate.Month())
		nm := e.month.NextAtOrAfter(m)
		if nm == -1 {
			candidate = time.Date(y+1, time.January, 1, 0, 0, 0, 0, e.loc)
			continue
		}
		if nm != m {
			candidate = time.Date(y, time.Month(nm), 1, 0, 0, 0, 0, e.loc)
			continue
		}

		day := e.nextValidDay(y, time.Month(nm), candidate.Day())
		if day == -1 {
			candidate = time.Date(y, time.Month(nm)+1, 1, 0, 0, 0, 0, e.loc)
			continue
		}
		if day != candidate.Day() {
			candidate = time.Date(y, time.Month(nm), day, 0, 0, 0, 0, e.loc)
			continue
		}

		hr := candidate.Hour()
		nh := e.hours.NextAtOrAfter(hr)
		if nh == -1 {
			candidate = time.Date(y, time.Month(nm), day+1, 0, 0, 0, 0, e.loc)
			continue
		}
		if nh != hr {
			candidate = time.Date(y, time.Month(nm), day, nh, 0, 0, 0, e.loc)
			continue
		}

		mi := candidate.Minute()
		nmi := e.minutes.NextAtOrAfter(mi)
		if nmi == -1 {
			candidate = time.Date(y, time.Month(nm), day, hr+1, 0, 0, 0, e.loc)
			continue
		}
		if nmi != mi {
			candidate = time.Date(y, time.Month(nm), day, hr, nmi, 0, 0, e.loc)
			continue
		}

		sec := candidate.Second()
		ns := e.seconds.NextAtOrAfter(sec)
		if ns == -1 {
			candidate = time.Date(y, time.Month(nm), day, hr, mi+1, 0, 0, e.loc)
			continue
		}
		if ns != sec {
			candidate = time.Date(y, time.Month(nm), day, hr, mi, ns, 0, e.loc)
			continue
		}

		resolved, valid := e.resolveDST(candidate, y, nm, day, hr, mi, ns)
		if !valid {
			candidate = candidate.Add(time.Minute)
			continue
		}
		return resolved, true
	}
	return time.Time{}, false
}

// resolveDST detects spring-forward gaps (skip ahead) and fall-back
// overlaps (prefer the earlier real instant, i.e. the larger UTC
// offset) for the fully-matched wall-clock candidate.
func (e *Expression) resolveDST(candidate time.Time, y, mo, d, hh, mm, ss int) (time.Time, bool) {
	if !sameWallClock(candidate, y, mo, d, hh, mm, ss) {
		return time.Time{}, false
	}

	earlier := candidate.Add(-time.Hour)
	if sameWallClock(earlier, y, mo, d, hh, mm, ss) {
		_, offCandidate := candidate.Zone()
		_, offEarlier := earlier.Zone()
		if offEarlier > offCandidate {
			return earlier, true
		}
	}
	return candidate, true
}

// GetOccurrences yields successive occurrences strictly after from, up
// to and including to.
func (e *Expression) GetOccurrences(from, to time.Time) []time.Time {
	var out []time.Time
	cursor := from
	for {
		next, ok := e.Next(cursor)
		if !ok || next.After(to) {
			break
		}
		out = append(out, next)
		cursor = next
	}
	return out
}
