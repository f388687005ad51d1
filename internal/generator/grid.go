package generator

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// StartingTime returns the first slot of a pass run at now: minute 30 of the
// current hour when now is at or before it, minute 0 of the next hour
// otherwise. Seconds are discarded before the comparison.
func StartingTime(now time.Time) time.Time {
	t := now.UTC().Truncate(time.Minute)
	hour := t.Truncate(time.Hour)
	if t.Minute() <= 30 {
		return hour.Add(30 * time.Minute)
	}
	return hour.Add(time.Hour)
}

// Grid enumerates slot timestamps over a bounded horizon
type Grid struct {
	schedule cron.Schedule
	horizon  time.Duration
	constant bool
}

// ParseGrid builds a grid from a cron expression or an "@every" descriptor
func ParseGrid(spec string, horizon time.Duration) (*Grid, error) {
	if horizon <= 0 {
		return nil, fmt.Errorf("horizon must be positive, got %v", horizon)
	}

	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("parse slot grid %q: %w", spec, err)
	}

	_, constant := schedule.(cron.ConstantDelaySchedule)
	return &Grid{
		schedule: schedule,
		horizon:  horizon,
		constant: constant,
	}, nil
}

// Horizon returns how far ahead of the start slots are enumerated
func (g *Grid) Horizon() time.Duration {
	return g.horizon
}

// Times returns every slot in [start, start+horizon). A fixed-interval grid
// is anchored on start itself; a cron expression yields its own matches.
func (g *Grid) Times(start time.Time) []time.Time {
	start = start.UTC()
	end := start.Add(g.horizon)

	t := start
	if !g.constant {
		t = g.schedule.Next(start.Add(-time.Second))
	}

	var times []time.Time
	for !t.IsZero() && t.Before(end) {
		times = append(times, t)
		t = g.schedule.Next(t)
	}
	return times
}
