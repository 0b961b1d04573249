// Package recurring implements the pure, deterministic recurring-engine
// functions described in spec.md §4.2: one-step next-run calculation,
// and the skip/catch-up expansion that preserves drift-free rhythm
// across downtime. Every function here is a pure function of its
// arguments — no clock, no I/O — so the engine's "rhythm anchor" rule
// (advance from the previous *scheduled* time, never from wall-clock
// now) falls out of how callers thread `base` through, not out of
// anything this package does implicitly.
package recurring

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/GiampaoloGabba/taskengine/internal/models"
)

// ErrNoInterval is returned when a RecurringTask carries neither a cron
// expression nor any fixed-unit interval (spec.md I2 violation).
var ErrNoInterval = errors.New("recurring: no interval configured")

// ErrUnsupportedCron is returned for cron expressions using "?", which
// spec.md §4.2 explicitly disallows in favor of "*".
var ErrUnsupportedCron = errors.New("recurring: \"?\" is not supported in cron expressions, use \"*\"")

// Engine computes next-run times for recurring task specs.
type Engine struct {
	parser cron.Parser
}

// NewEngine builds a recurring Engine with a parser accepting 5- or
// 6-field cron expressions plus descriptors (@daily, @every, ...), the
// same configuration the teacher's scheduler uses.
func NewEngine() *Engine {
	return &Engine{
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// ValidateSpec checks a RecurringTask is well-formed enough to dispatch
// (spec.md §4.7 step 1 / §7 SchedulerError): exactly one interval family
// configured, and cron expressions parse without "?".
func (e *Engine) ValidateSpec(spec *models.RecurringTask) error {
	if !spec.HasInterval() {
		return ErrNoInterval
	}
	families := 0
	for _, set := range []bool{
		spec.CronInterval != "", spec.SecondInterval != nil, spec.MinuteInterval != nil,
		spec.HourInterval != nil, spec.DayInterval != nil, spec.WeekInterval != nil, spec.MonthInterval != nil,
	} {
		if set {
			families++
		}
	}
	if families > 1 {
		return errors.New("recurring: more than one interval family configured")
	}
	if spec.CronInterval != "" {
		if strings.Contains(spec.CronInterval, "?") {
			return ErrUnsupportedCron
		}
		if _, err := e.parser.Parse(spec.CronInterval); err != nil {
			return fmt.Errorf("recurring: invalid cron expression %q: %w", spec.CronInterval, err)
		}
	}
	return nil
}

// FirstRun computes the anchor time for the very first execution of a
// task dispatched via schedule() at dispatchTime (spec.md §4.2): RunNow
// fires immediately, a SpecificRunTime anchor is used verbatim (even if
// in the past — rhythm is preserved from there and
// CalculateNextValidRun reports the intervening skips), InitialDelay
// applies only here, and absent either, the first run is one interval
// step from dispatchTime.
func (e *Engine) FirstRun(spec *models.RecurringTask, dispatchTime time.Time) (time.Time, error) {
	switch {
	case spec.RunNow:
		return dispatchTime, nil
	case spec.SpecificRunTime != nil:
		return *spec.SpecificRunTime, nil
	case spec.InitialDelay != nil:
		return dispatchTime.Add(*spec.InitialDelay), nil
	default:
		next, err := e.CalculateNextRun(spec, dispatchTime, 0)
		if err != nil {
			return time.Time{}, err
		}
		if next == nil {
			return time.Time{}, ErrNoInterval
		}
		return *next, nil
	}
}

// CalculateNextRun advances exactly one step forward from base using
// the configured interval family (spec.md §4.2). base MUST be the
// previously *scheduled* execution time, never time.Now(), or the
// drift-free rhythm invariant (spec.md §8 property 3) breaks. Returns
// nil, nil when no interval is configured (caller should treat this as
// terminal, not an error, for specs already validated by ValidateSpec).
func (e *Engine) CalculateNextRun(spec *models.RecurringTask, base time.Time, currentRun int) (*time.Time, error) {
	switch {
	case spec.CronInterval != "":
		sched, err := e.parser.Parse(spec.CronInterval)
		if err != nil {
			return nil, fmt.Errorf("recurring: invalid cron expression %q: %w", spec.CronInterval, err)
		}
		next := sched.Next(base)
		return &next, nil

	case spec.SecondInterval != nil:
		next := base.Add(time.Duration(spec.SecondInterval.N) * time.Second)
		return &next, nil

	case spec.MinuteInterval != nil:
		next := base.Add(time.Duration(spec.MinuteInterval.N) * time.Minute)
		return &next, nil

	case spec.HourInterval != nil:
		next := base.Add(time.Duration(spec.HourInterval.N) * time.Hour)
		return &next, nil

	case spec.DayInterval != nil:
		next := nextDaySlot(spec.DayInterval.N, spec.AtTimes, base)
		return &next, nil

	case spec.WeekInterval != nil:
		next := nextWeekSlot(spec.WeekInterval.N, spec.OnDays, spec.AtTimes, base)
		return &next, nil

	case spec.MonthInterval != nil:
		next := nextMonthSlot(spec.MonthInterval.N, spec.OnDaysOfMonth, spec.AtTimes, base)
		return &next, nil

	default:
		return nil, nil
	}
}

// ValidRunResult is the result of CalculateNextValidRun.
type ValidRunResult struct {
	NextRun            *time.Time
	SkippedCount       int
	SkippedOccurrences []time.Time
}

// CalculateNextValidRun advances step-by-step from base until a future
// (relative to referenceNow) occurrence is found, recording every
// skipped (past) occurrence along the way (spec.md §4.2). It stops and
// returns a nil NextRun when MaxRuns is reached, the proposed next
// exceeds RunUntil, maxIterations is exhausted, or no interval is
// configured — in every case the caller still gets the skipped
// occurrences accumulated so far.
func (e *Engine) CalculateNextValidRun(spec *models.RecurringTask, base time.Time, currentRun int, referenceNow time.Time, maxIterations int) (*ValidRunResult, error) {
	if maxIterations <= 0 {
		maxIterations = 1000
	}

	result := &ValidRunResult{}
	run := currentRun
	cursor := base

	for i := 0; i < maxIterations; i++ {
		next, err := e.CalculateNextRun(spec, cursor, run)
		if err != nil {
			return nil, err
		}
		if next == nil {
			return result, nil
		}

		candidateRun := run + 1

		if spec.MaxRuns != nil && candidateRun > *spec.MaxRuns {
			return result, nil
		}
		if spec.RunUntil != nil && next.After(*spec.RunUntil) {
			return result, nil
		}

		if next.After(referenceNow) {
			result.NextRun = next
			return result, nil
		}

		result.SkippedOccurrences = append(result.SkippedOccurrences, *next)
		result.SkippedCount++
		run = candidateRun
		cursor = *next
	}

	return result, nil
}
