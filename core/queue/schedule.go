package queue

import (
	"fmt"
	"time"
)

// Schedule computes the next run time for a periodic task.
type Schedule interface {
	// Next returns the first run time strictly after the given time.
	Next(after time.Time) time.Time
	// String describes the schedule for logging.
	String() string
}

// Every returns a fixed-interval schedule.
func Every(interval time.Duration) Schedule {
	return intervalSchedule{interval: interval}
}

type intervalSchedule struct {
	interval time.Duration
}

func (s intervalSchedule) Next(after time.Time) time.Time {
	return after.Add(s.interval)
}

func (s intervalSchedule) String() string {
	return fmt.Sprintf("every %s", s.interval)
}

// DailyAt returns a schedule firing once a day at the given UTC wall-clock
// time. The scheduler runs the first occurrence immediately at startup;
// subsequent occurrences land on the wall-clock slot.
func DailyAt(hour, minute int) Schedule {
	return dailySchedule{hour: hour, minute: minute}
}

type dailySchedule struct {
	hour   int
	minute int
}

func (s dailySchedule) Next(after time.Time) time.Time {
	after = after.UTC()
	next := time.Date(after.Year(), after.Month(), after.Day(), s.hour, s.minute, 0, 0, time.UTC)
	if !next.After(after) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

func (s dailySchedule) String() string {
	return fmt.Sprintf("daily at %02d:%02d UTC", s.hour, s.minute)
}
