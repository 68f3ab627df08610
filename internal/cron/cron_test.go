package cron

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustParse(t *testing.T, expr string) *Expression {
	t.Helper()
	e, err := Parse(expr)
	require.NoError(t, err)
	return e
}

func TestNextEveryMinute(t *testing.T) {
	e := mustParse(t, "* * * * *")
	from := time.Date(2026, 3, 1, 10, 0, 30, 0, time.UTC)
	next, ok := e.Next(from)
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 3, 1, 10, 1, 0, 0, time.UTC), next)
}

func TestNextWithSecondsField(t *testing.T) {
	e := mustParse(t, "30 * * * * *")
	from := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	next, ok := e.Next(from)
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 3, 1, 10, 0, 30, 0, time.UTC), next)
}

func TestNextCrossesDayBoundary(t *testing.T) {
	e := mustParse(t, "0 0 * * *")
	from := time.Date(2026, 3, 1, 23, 59, 0, 0, time.UTC)
	next, ok := e.Next(from)
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC), next)
}

func TestNextWithYearField(t *testing.T) {
	e := mustParse(t, "0 0 1 1 * 2030")
	from := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	next, ok := e.Next(from)
	require.True(t, ok)
	assert.Equal(t, time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC), next)
}

func TestNextWrappedWeekdayRange(t *testing.T) {
	e := mustParse(t, "0 0 * * SAT-MON")
	from := time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC) // Friday
	next, ok := e.Next(from)
	require.True(t, ok)
	assert.Equal(t, time.August, next.Month())
	assert.Equal(t, 1, next.Day())
	assert.Equal(t, time.Saturday, next.Weekday())
}

func TestNextLastDayOfMonth(t *testing.T) {
	e := mustParse(t, "0 0 L * *")
	from := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	next, ok := e.Next(from)
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 2, 28, 0, 0, 0, 0, time.UTC), next)
}

func TestNextLastWeekdayOfMonth(t *testing.T) {
	e := mustParse(t, "0 0 LW * *")
	from := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	next, ok := e.Next(from)
	require.True(t, ok)
	// August 2026 ends on a Monday (Aug 31); the last weekday is Aug 31 itself.
	assert.Equal(t, time.Date(2026, 8, 31, 0, 0, 0, 0, time.UTC), next)
}

func TestNextNearestWeekday(t *testing.T) {
	// July 4, 2026 is a Saturday; nearest weekday is Friday July 3.
	e := mustParse(t, "0 0 4W * *")
	from := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	next, ok := e.Next(from)
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 7, 3, 0, 0, 0, 0, time.UTC), next)
}

func TestNextNthWeekday(t *testing.T) {
	// 2nd Tuesday of March 2026 is March 10.
	e := mustParse(t, "0 0 * * 2#2")
	from := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	next, ok := e.Next(from)
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC), next)
}

func TestNextDaylightSavingSpringGap(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	e, err := ParseInLocation("0 30 2 * * *", loc)
	require.NoError(t, err)

	// 2027-03-14 02:30 does not exist in America/New_York (clocks jump
	// 02:00 -> 03:00); the next valid occurrence is the following day.
	from := time.Date(2027, 3, 13, 2, 30, 1, 0, loc)
	next, ok := e.Next(from)
	require.True(t, ok)
	assert.Equal(t, 2027, next.Year())
	assert.Equal(t, time.March, next.Month())
	assert.Equal(t, 15, next.Day())
	assert.Equal(t, 2, next.Hour())
	assert.Equal(t, 30, next.Minute())
}

func TestNextInvariantMonotonic(t *testing.T) {
	e := mustParse(t, "*/15 * * * *")
	from := time.Date(2026, 5, 17, 6, 12, 0, 0, time.UTC)
	n1, ok := e.Next(from)
	require.True(t, ok)
	assert.True(t, n1.After(from))

	n2, ok := e.Next(n1)
	require.True(t, ok)
	assert.True(t, n2.After(n1))
}

func TestGetOccurrences(t *testing.T) {
	e := mustParse(t, "0 0 * * *")
	from := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC)
	occurrences := e.GetOccurrences(from, to)
	require.Len(t, occurrences, 4)
	assert.Equal(t, time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC), occurrences[0])
	assert.Equal(t, time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC), occurrences[3])
}

func TestParseRejectsWrongFieldCount(t *testing.T) {
	_, err := Parse("* * *")
	require.Error(t, err)
	var fmtErr *CronFormatError
	assert.ErrorAs(t, err, &fmtErr)
}

func TestParseRejectsBadStep(t *testing.T) {
	_, err := Parse("*/0 * * * *")
	require.Error(t, err)
}

func TestSixFieldYearDisambiguation(t *testing.T) {
	e, err := Parse("0 0 1 1 * 2031")
	require.NoError(t, err)
	assert.True(t, e.hasYear)
	assert.False(t, e.includeSeconds)

	e2, err := Parse("30 0 0 1 1 *")
	require.NoError(t, err)
	assert.True(t, e2.includeSeconds)
	assert.False(t, e2.hasYear)
}
