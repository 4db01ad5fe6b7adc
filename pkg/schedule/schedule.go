// Package schedule evaluates recurring schedules into ordered occurrences.
// Parsing is a stateless pure function; no process-wide deserializer state.
package schedule

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

var (
	// ErrEmptySchedule is returned when a schedule has no clocks.
	ErrEmptySchedule = errors.New("schedule has no clocks")

	// ErrInvalidClock is returned when a clock has neither a cron
	// expression nor a positive interval, or both.
	ErrInvalidClock = errors.New("clock needs exactly one of cron or interval_seconds")
)

// Clock is one recurrence rule of a schedule. Each clock carries its own
// parameter defaults, copied onto every run it produces.
type Clock struct {
	// CronExpression uses the standard 5-field format
	// (minute hour day month weekday).
	CronExpression string `json:"cron,omitempty"`

	// IntervalSeconds produces occurrences every fixed interval instead of
	// a cron rule.
	IntervalSeconds int64 `json:"interval_seconds,omitempty"`

	// StartAt anchors interval clocks. It may lie in the past; the
	// materializer filters occurrences at or before its watermark.
	StartAt *time.Time `json:"start_at,omitempty"`

	ParameterDefaults map[string]any `json:"parameter_defaults,omitempty"`

	cronSchedule cron.Schedule
}

// Schedule is a set of clocks evaluated together in chronological order.
type Schedule struct {
	Clocks []Clock `json:"clocks"`
}

// Occurrence is one concrete future timestamp produced by a schedule.
type Occurrence struct {
	StartTime         time.Time
	ParameterDefaults map[string]any
}

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Parse deserializes and validates a raw schedule definition. It is the only
// way to obtain an evaluable Schedule; a parse failure during materialization
// aborts that flow's pass without failing the sweep.
func Parse(raw []byte) (*Schedule, error) {
	var s Schedule

	err := json.Unmarshal(raw, &s)
	if err != nil {
		return nil, fmt.Errorf("failed to decode schedule: %w", err)
	}

	if len(s.Clocks) == 0 {
		return nil, ErrEmptySchedule
	}

	for i := range s.Clocks {
		clock := &s.Clocks[i]

		hasCron := clock.CronExpression != ""
		hasInterval := clock.IntervalSeconds > 0

		if hasCron == hasInterval {
			return nil, fmt.Errorf("clock %d: %w", i, ErrInvalidClock)
		}

		if hasCron {
			clock.cronSchedule, err = cronParser.Parse(clock.CronExpression)
			if err != nil {
				return nil, fmt.Errorf("clock %d: invalid cron expression %q: %w", i, clock.CronExpression, err)
			}
		}
	}

	return &s, nil
}

// next returns the first occurrence of the clock strictly after the given
// time, except that a future StartAt is itself the first occurrence.
func (c *Clock) next(after time.Time) time.Time {
	if c.cronSchedule != nil {
		return c.cronSchedule.Next(after)
	}

	interval := time.Duration(c.IntervalSeconds) * time.Second

	start := after
	if c.StartAt != nil {
		start = c.StartAt.UTC()
	}

	if start.After(after) {
		return start
	}

	// Number of whole intervals needed to pass "after".
	elapsed := after.Sub(start)
	steps := elapsed/interval + 1

	return start.Add(steps * interval)
}

// Next produces up to n occurrences after the given time, merged across all
// clocks in chronological order. Interval clocks anchored in the past emit
// from their own cursor, so callers must still filter against their
// watermark. All occurrence times are UTC.
func (s *Schedule) Next(from time.Time, n int) []Occurrence {
	if n <= 0 {
		return nil
	}

	from = from.UTC()

	cursors := make([]time.Time, len(s.Clocks))
	for i := range s.Clocks {
		clock := &s.Clocks[i]

		cursor := from
		if clock.StartAt != nil && clock.StartAt.Before(from) {
			// Past anchors replay from the anchor itself.
			cursor = clock.StartAt.UTC()
		}

		cursors[i] = clock.next(cursor)
	}

	occurrences := make([]Occurrence, 0, n)

	for len(occurrences) < n {
		best := -1

		for i, cursor := range cursors {
			if cursor.IsZero() {
				continue
			}

			if best == -1 || cursor.Before(cursors[best]) {
				best = i
			}
		}

		if best == -1 {
			break
		}

		occurrences = append(occurrences, Occurrence{
			StartTime:         cursors[best].UTC(),
			ParameterDefaults: s.Clocks[best].ParameterDefaults,
		})

		cursors[best] = s.Clocks[best].next(cursors[best])
	}

	return occurrences
}
