package routine

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// scheduleParser supports both standard (5-field) and extended (6-field
// with seconds) cron expressions, plus the "@every"/"@daily"-style
// descriptors. Adapted from the teacher's internal/cron package for the
// single-value ExternalDependency.ScheduledAt field, which holds either an
// RFC3339 timestamp or a cron expression (spec.md §4.6 "External waits").
var scheduleParser = cron.NewParser(
	cron.SecondOptional |
		cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// nextScheduledRun resolves scheduledAt into the next wall-clock time a
// `scheduled` external wait should resume at, relative to now. An RFC3339
// timestamp resolves to itself (or is already past); a cron expression
// resolves to its next firing after now.
func nextScheduledRun(scheduledAt string, now time.Time) (time.Time, error) {
	value := strings.TrimSpace(scheduledAt)
	if value == "" {
		return time.Time{}, fmt.Errorf("scheduledAt is required for a scheduled external wait")
	}
	if ts, err := time.Parse(time.RFC3339, value); err == nil {
		return ts, nil
	}
	schedule, err := scheduleParser.Parse(value)
	if err != nil {
		return time.Time{}, fmt.Errorf("scheduledAt is neither an RFC3339 timestamp nor a valid cron expression: %w", err)
	}
	return schedule.Next(now), nil
}
