package scheduler

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// cronParser accepts 6-field expressions (seconds first), matching the format
// agents emit in scheduler action blocks.
var cronParser = cron.NewParser(
	cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
)

// ValidateCron checks a 6-field cron expression.
func ValidateCron(expression string) error {
	fields := len(strings.Fields(expression))
	if fields != 6 {
		return fmt.Errorf("invalid cron expression (expected 6 fields, got %d)", fields)
	}
	if _, err := cronParser.Parse(expression); err != nil {
		return fmt.Errorf("invalid cron expression: %w", err)
	}
	return nil
}

// NextAfter returns the first firing time strictly after the given instant.
func NextAfter(expression string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(expression)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid cron expression: %w", err)
	}
	next := sched.Next(after.UTC())
	if next.IsZero() {
		return time.Time{}, fmt.Errorf("no next run for cron expression %q", expression)
	}
	return next, nil
}
