// Package schedule defines when recurring maintenance work runs, and a
// runner that drives it.
package schedule

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
)

// Schedule computes occurrence times for recurring work.
type Schedule interface {
	// Next returns the next occurrence strictly after from.
	Next(from time.Time) time.Time
}

// everySchedule runs at fixed intervals.
type everySchedule struct {
	interval time.Duration
}

// Every creates a schedule that runs at fixed intervals.
func Every(d time.Duration) Schedule {
	return &everySchedule{interval: d}
}

func (s *everySchedule) Next(from time.Time) time.Time {
	return from.Add(s.interval)
}

// dailySchedule runs at a specific UTC time each day.
type dailySchedule struct {
	hour   int
	minute int
}

// Daily creates a schedule that runs at a specific UTC time each day.
func Daily(hour, minute int) Schedule {
	return &dailySchedule{hour: hour, minute: minute}
}

func (s *dailySchedule) Next(from time.Time) time.Time {
	from = from.In(time.UTC)
	next := time.Date(from.Year(), from.Month(), from.Day(), s.hour, s.minute, 0, 0, time.UTC)
	if !next.After(from) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// cronSchedule wraps a standard five-field cron expression.
type cronSchedule struct {
	schedule cron.Schedule
}

// Cron creates a schedule from a cron expression. It panics on an invalid
// expression, which is always a programming error.
func Cron(expr string) Schedule {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	schedule, err := parser.Parse(expr)
	if err != nil {
		panic("invalid cron expression: " + err.Error())
	}
	return &cronSchedule{schedule: schedule}
}

func (s *cronSchedule) Next(from time.Time) time.Time {
	return s.schedule.Next(from)
}

// Run invokes fn at each occurrence of the schedule until the context is
// cancelled. Occurrences that fire while fn is still running are skipped
// rather than queued.
func Run(ctx context.Context, s Schedule, fn func(ctx context.Context)) {
	timer := time.NewTimer(time.Until(s.Next(time.Now())))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			fn(ctx)
			timer.Reset(time.Until(s.Next(time.Now())))
		}
	}
}
