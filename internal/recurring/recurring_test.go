package recurring

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GiampaoloGabba/taskengine/internal/models"
)

func mustUTC(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return t.UTC()
}

func TestCalculateNextRun_SecondInterval_DriftFree(t *testing.T) {
	e := NewEngine()
	spec := &models.RecurringTask{SecondInterval: &models.IntervalN{N: 1}}

	base := mustUTC("2026-01-01T00:00:00Z")
	next, err := e.CalculateNextRun(spec, base, 0)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, base.Add(time.Second), *next)

	// Drift-free: ten steps from the same anchor land exactly 10s later,
	// never accumulating drift from handler latency (spec.md §8 property 3).
	cursor := base
	for i := 0; i < 10; i++ {
		n, err := e.CalculateNextRun(spec, cursor, i)
		require.NoError(t, err)
		cursor = *n
	}
	assert.Equal(t, base.Add(10*time.Second), cursor)
}

func TestValidateSpec_Cron_RejectsQuestionMark(t *testing.T) {
	e := NewEngine()
	spec := &models.RecurringTask{CronInterval: "0 0 ? * *"}
	err := e.ValidateSpec(spec)
	assert.ErrorIs(t, err, ErrUnsupportedCron)
}

func TestCalculateNextRun_Cron_EveryTwoSeconds(t *testing.T) {
	e := NewEngine()
	spec := &models.RecurringTask{CronInterval: "*/2 * * * * *"}
	require.NoError(t, e.ValidateSpec(spec))

	base := mustUTC("2026-01-01T00:00:00Z")
	next, err := e.CalculateNextRun(spec, base, 0)
	require.NoError(t, err)
	assert.Equal(t, base.Add(2*time.Second), *next)
}

func TestCalculateNextValidRun_SkipsMissedOccurrences(t *testing.T) {
	e := NewEngine()
	spec := &models.RecurringTask{SecondInterval: &models.IntervalN{N: 1}}

	base := mustUTC("2026-01-01T00:00:00Z")
	now := base.Add(5500 * time.Millisecond) // host was down for 5.5s

	result, err := e.CalculateNextValidRun(spec, base, 0, now, 1000)
	require.NoError(t, err)
	require.NotNil(t, result.NextRun)
	assert.Equal(t, base.Add(6*time.Second), *result.NextRun)
	assert.Equal(t, 5, result.SkippedCount)
	assert.Len(t, result.SkippedOccurrences, 5)
	assert.Equal(t, base.Add(1*time.Second), result.SkippedOccurrences[0])
	assert.Equal(t, base.Add(5*time.Second), result.SkippedOccurrences[4])
}

func TestCalculateNextValidRun_MaxRunsStopsIteration(t *testing.T) {
	e := NewEngine()
	maxRuns := 3
	spec := &models.RecurringTask{SecondInterval: &models.IntervalN{N: 1}, MaxRuns: &maxRuns}

	base := mustUTC("2026-01-01T00:00:00Z")
	result, err := e.CalculateNextValidRun(spec, base, 3, base, 1000)
	require.NoError(t, err)
	assert.Nil(t, result.NextRun)
}

func TestCalculateNextValidRun_RunUntilStopsIteration(t *testing.T) {
	e := NewEngine()
	runUntil := mustUTC("2026-01-01T00:00:01Z")
	spec := &models.RecurringTask{SecondInterval: &models.IntervalN{N: 1}, RunUntil: &runUntil}

	base := mustUTC("2026-01-01T00:00:00Z")
	result, err := e.CalculateNextValidRun(spec, base, 0, base, 1000)
	require.NoError(t, err)
	require.NotNil(t, result.NextRun)
	assert.Equal(t, base.Add(1*time.Second), *result.NextRun)

	result2, err := e.CalculateNextValidRun(spec, *result.NextRun, 1, *result.NextRun, 1000)
	require.NoError(t, err)
	assert.Nil(t, result2.NextRun)
}

func TestNextDaySlot_AtTimesRollsToNextDay(t *testing.T) {
	base := mustUTC("2026-01-01T10:00:00Z")
	atTimes := []models.TimeOfDay{{Hour: 9}, {Hour: 18}}

	next := nextDaySlot(1, atTimes, base)
	assert.Equal(t, mustUTC("2026-01-01T18:00:00Z"), next)

	next2 := nextDaySlot(1, atTimes, next)
	assert.Equal(t, mustUTC("2026-01-02T09:00:00Z"), next2)
}

func TestNextWeekSlot_OnDaysCadence(t *testing.T) {
	// Thursday 2026-01-01, weekly on Mon/Wed at 09:00, every week.
	base := mustUTC("2026-01-01T12:00:00Z")
	onDays := []models.Weekday{models.Monday, models.Wednesday}
	atTimes := []models.TimeOfDay{{Hour: 9}}

	next := nextWeekSlot(1, onDays, atTimes, base)
	assert.Equal(t, time.Monday, next.Weekday())
	assert.True(t, next.After(base))
}

func TestFirstRun_RunNow(t *testing.T) {
	e := NewEngine()
	spec := &models.RecurringTask{RunNow: true, SecondInterval: &models.IntervalN{N: 5}}
	dispatch := mustUTC("2026-01-01T00:00:00Z")
	first, err := e.FirstRun(spec, dispatch)
	require.NoError(t, err)
	assert.Equal(t, dispatch, first)
}

func TestFirstRun_InitialDelayOnlyAppliesOnce(t *testing.T) {
	e := NewEngine()
	delay := 30 * time.Second
	spec := &models.RecurringTask{InitialDelay: &delay, SecondInterval: &models.IntervalN{N: 5}}
	dispatch := mustUTC("2026-01-01T00:00:00Z")

	first, err := e.FirstRun(spec, dispatch)
	require.NoError(t, err)
	assert.Equal(t, dispatch.Add(30*time.Second), first)

	// Subsequent steps never re-apply InitialDelay.
	second, err := e.CalculateNextRun(spec, first, 1)
	require.NoError(t, err)
	assert.Equal(t, first.Add(5*time.Second), *second)
}
