package scheduler

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ashureev/shsh-labs/internal/domain"
)

// parseScheduledTime parses "HH:MM" or "HH:MM:SS" into hour, minute, second.
func parseScheduledTime(s string) (hour, minute, second int, err error) {
	parts := strings.Split(s, ":")
	if len(parts) != 2 && len(parts) != 3 {
		return 0, 0, 0, fmt.Errorf("expected HH:MM or HH:MM:SS, got %q", s)
	}
	hour, err = strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, 0, fmt.Errorf("invalid hour in %q", s)
	}
	minute, err = strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, 0, fmt.Errorf("invalid minute in %q", s)
	}
	if len(parts) == 3 {
		second, err = strconv.Atoi(parts[2])
		if err != nil || second < 0 || second > 59 {
			return 0, 0, 0, fmt.Errorf("invalid second in %q", s)
		}
	}
	return hour, minute, second, nil
}

// NextFireTime computes the next instant (in UTC) a task should fire,
// strictly after `now`. Once and daily tasks fire at the next occurrence
// of scheduled_time (the store clears a once task's next_fire_time when
// it is claimed); weekly and monthly tasks wrap the calendar forward, with monthly
// scheduled_day clamped to the last day of short months (e.g. 31 on
// February resolves to the 28th/29th).
func NextFireTime(task *domain.ScheduledTask, now time.Time) (*time.Time, error) {
	loc, err := time.LoadLocation(task.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", task.Timezone, err)
	}
	hour, minute, second, err := parseScheduledTime(task.ScheduledTime)
	if err != nil {
		return nil, fmt.Errorf("parse scheduled_time: %w", err)
	}
	local := now.In(loc)

	var next time.Time
	switch task.Recurrence {
	case domain.RecurrenceOnce:
		next = atTime(local, local.Year(), int(local.Month()), local.Day(), hour, minute, second, loc)
		if !next.After(local) {
			next = next.AddDate(0, 0, 1)
		}

	case domain.RecurrenceDaily:
		next = atTime(local, local.Year(), int(local.Month()), local.Day(), hour, minute, second, loc)
		if !next.After(local) {
			next = next.AddDate(0, 0, 1)
		}

	case domain.RecurrenceWeekly:
		if task.ScheduledDay == nil {
			return nil, fmt.Errorf("weekly task missing scheduled_day")
		}
		targetDow := time.Weekday(*task.ScheduledDay)
		candidate := atTime(local, local.Year(), int(local.Month()), local.Day(), hour, minute, second, loc)
		daysAhead := (int(targetDow) - int(local.Weekday()) + 7) % 7
		candidate = candidate.AddDate(0, 0, daysAhead)
		if !candidate.After(local) {
			candidate = candidate.AddDate(0, 0, 7)
		}
		next = candidate

	case domain.RecurrenceMonthly:
		if task.ScheduledDay == nil {
			return nil, fmt.Errorf("monthly task missing scheduled_day")
		}
		next = monthlyOccurrence(local, *task.ScheduledDay, hour, minute, second, loc)
		if !next.After(local) {
			firstOfNext := time.Date(local.Year(), local.Month()+1, 1, 0, 0, 0, 0, loc)
			next = monthlyOccurrence(firstOfNext, *task.ScheduledDay, hour, minute, second, loc)
		}

	default:
		return nil, fmt.Errorf("unknown recurrence %q", task.Recurrence)
	}

	utc := next.UTC()
	return &utc, nil
}

func atTime(ref time.Time, year int, month, day, hour, minute, second int, loc *time.Location) time.Time {
	return time.Date(year, time.Month(month), day, hour, minute, second, 0, loc)
}

// monthlyOccurrence computes the occurrence of scheduledDay within the
// month containing ref, clamping to the last day of that month when
// scheduledDay overruns it (e.g. 31 in April resolves to April 30).
func monthlyOccurrence(ref time.Time, scheduledDay, hour, minute, second int, loc *time.Location) time.Time {
	year, month := ref.Year(), ref.Month()
	lastDay := lastDayOfMonth(year, month)
	day := scheduledDay
	if day > lastDay {
		day = lastDay
	}
	return time.Date(year, month, day, hour, minute, second, 0, loc)
}

func lastDayOfMonth(year int, month time.Month) int {
	firstOfNext := time.Date(year, month+1, 1, 0, 0, 0, 0, time.UTC)
	lastOfThis := firstOfNext.AddDate(0, 0, -1)
	return lastOfThis.Day()
}
