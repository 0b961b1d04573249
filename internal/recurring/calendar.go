package recurring

import (
	"sort"
	"time"

	"github.com/GiampaoloGabba/taskengine/internal/models"
)

// maxCalendarSearch bounds the day-by-day search loops below so a
// pathological spec (e.g. OnDays naming no real weekday) cannot spin
// forever; it is generous enough to cover any n-week/n-month cadence a
// real deployment would configure.
const maxCalendarSearch = 4000

func sortedTimesOfDay(atTimes []models.TimeOfDay) []models.TimeOfDay {
	out := append([]models.TimeOfDay(nil), atTimes...)
	sort.Slice(out, func(i, j int) bool {
		return toSeconds(out[i]) < toSeconds(out[j])
	})
	return out
}

func toSeconds(t models.TimeOfDay) int {
	return t.Hour*3600 + t.Minute*60 + t.Second
}

func atDate(date time.Time, tod models.TimeOfDay) time.Time {
	return time.Date(date.Year(), date.Month(), date.Day(), tod.Hour, tod.Minute, tod.Second, 0, date.Location())
}

func startOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

// nextDaySlot implements §4.2's dayInterval(n)[atTimes]: when AtTimes is
// set, advance to the next AtTimes slot, rolling to the next scheduled
// day (base day + n, n+n, ...) once the day's slots are exhausted. With
// no AtTimes, it is a plain n-day step preserving base's time of day.
func nextDaySlot(n int, atTimes []models.TimeOfDay, base time.Time) time.Time {
	if n < 1 {
		n = 1
	}
	if len(atTimes) == 0 {
		return base.AddDate(0, 0, n)
	}

	slots := sortedTimesOfDay(atTimes)
	day := startOfDay(base)
	for i := 0; i < maxCalendarSearch; i++ {
		for _, slot := range slots {
			candidate := atDate(day, slot)
			if candidate.After(base) {
				return candidate
			}
		}
		day = day.AddDate(0, 0, n)
	}
	return base.AddDate(0, 0, n)
}

// nextWeekSlot implements §4.2's weekInterval(n)[onDays][atTimes]: it
// searches the remainder of base's calendar week for a matching weekday
// and time slot after base; if none remains, it jumps n weeks ahead
// (from the start of base's week) and picks the earliest matching slot
// there, which is what keeps the n-week cadence anchored even when
// OnDays restricts which day of the week actually fires.
func nextWeekSlot(n int, onDays []models.Weekday, atTimes []models.TimeOfDay, base time.Time) time.Time {
	if n < 1 {
		n = 1
	}
	slots := sortedTimesOfDay(atTimes)
	if len(slots) == 0 {
		slots = []models.TimeOfDay{{Hour: base.Hour(), Minute: base.Minute(), Second: base.Second()}}
	}
	days := onDays
	if len(days) == 0 {
		days = []models.Weekday{models.Weekday(base.Weekday())}
	}
	dayMatch := make(map[time.Weekday]bool, len(days))
	for _, d := range days {
		dayMatch[time.Weekday(d)] = true
	}

	weekStart := startOfDay(base).AddDate(0, 0, -int(base.Weekday()))

	for offset := 0; offset < 7; offset++ {
		day := weekStart.AddDate(0, 0, offset)
		if !dayMatch[day.Weekday()] {
			continue
		}
		for _, slot := range slots {
			candidate := atDate(day, slot)
			if candidate.After(base) {
				return candidate
			}
		}
	}

	for weeks := n; weeks < maxCalendarSearch; weeks += n {
		weekCursor := weekStart.AddDate(0, 0, 7*weeks)
		for offset := 0; offset < 7; offset++ {
			day := weekCursor.AddDate(0, 0, offset)
			if !dayMatch[day.Weekday()] {
				continue
			}
			return atDate(day, slots[0])
		}
	}
	return base.AddDate(0, 0, 7*n)
}

// nextMonthSlot implements §4.2's monthInterval(n)[onDaysOfMonth][atTimes]:
// search the rest of base's month for a matching day-of-month and time
// slot, else jump n months ahead (from base's month) and use the
// earliest matching day-of-month there.
func nextMonthSlot(n int, onDaysOfMonth []int, atTimes []models.TimeOfDay, base time.Time) time.Time {
	if n < 1 {
		n = 1
	}
	slots := sortedTimesOfDay(atTimes)
	if len(slots) == 0 {
		slots = []models.TimeOfDay{{Hour: base.Hour(), Minute: base.Minute(), Second: base.Second()}}
	}
	days := onDaysOfMonth
	if len(days) == 0 {
		days = []int{base.Day()}
	}
	sortedDays := append([]int(nil), days...)
	sort.Ints(sortedDays)

	monthStart := time.Date(base.Year(), base.Month(), 1, 0, 0, 0, 0, base.Location())

	for _, d := range sortedDays {
		candidateDay := dayInMonth(monthStart, d)
		for _, slot := range slots {
			candidate := atDate(candidateDay, slot)
			if candidate.After(base) {
				return candidate
			}
		}
	}

	for months := n; months < maxCalendarSearch; months += n {
		cursor := monthStart.AddDate(0, int(months), 0)
		for _, d := range sortedDays {
			candidateDay := dayInMonth(cursor, d)
			return atDate(candidateDay, slots[0])
		}
	}
	return base.AddDate(0, n, 0)
}

// dayInMonth clamps day-of-month d into monthStart's month (e.g. day 31
// in a 30-day month becomes the last day of that month).
func dayInMonth(monthStart time.Time, d int) time.Time {
	firstOfNext := monthStart.AddDate(0, 1, 0)
	lastDay := firstOfNext.AddDate(0, 0, -1).Day()
	if d > lastDay {
		d = lastDay
	}
	if d < 1 {
		d = 1
	}
	return time.Date(monthStart.Year(), monthStart.Month(), d, 0, 0, 0, 0, monthStart.Location())
}
