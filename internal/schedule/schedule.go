// Package schedule parses job schedules: five-field cron expressions,
// named presets, and "@every_N[mhd]" fixed intervals.
package schedule

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var presets = map[string]string{
	"hourly":  "0 * * * *",
	"daily":   "0 2 * * *",
	"weekly":  "0 3 * * 0",
	"monthly": "0 4 1 * *",
}

var parser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
)

// Schedule yields successive run times from a reference time.
type Schedule interface {
	Next(from time.Time) time.Time
}

type interval struct {
	every time.Duration
}

func (i interval) Next(from time.Time) time.Time {
	return from.Add(i.every)
}

// Parse accepts a preset name, a cron expression, or an interval such
// as "@every_30m", "@every_4h", "@every_2d".
func Parse(expr string) (Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("Parse: empty schedule")
	}

	if preset, ok := presets[strings.ToLower(expr)]; ok {
		expr = preset
	}

	if strings.HasPrefix(expr, "@every_") {
		return parseInterval(expr)
	}

	sched, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("Parse: invalid cron expression %q: %w", expr, err)
	}
	return sched, nil
}

func parseInterval(expr string) (Schedule, error) {
	body := strings.TrimPrefix(expr, "@every_")
	if len(body) < 2 {
		return nil, fmt.Errorf("Parse: invalid interval %q", expr)
	}

	unit := body[len(body)-1]
	n, err := strconv.Atoi(body[:len(body)-1])
	if err != nil || n <= 0 {
		return nil, fmt.Errorf("Parse: invalid interval %q", expr)
	}

	var d time.Duration
	switch unit {
	case 'm':
		d = time.Duration(n) * time.Minute
	case 'h':
		d = time.Duration(n) * time.Hour
	case 'd':
		d = time.Duration(n) * 24 * time.Hour
	default:
		return nil, fmt.Errorf("Parse: invalid interval unit %q", expr)
	}
	return interval{every: d}, nil
}

// Validate reports whether expr is an acceptable schedule.
func Validate(expr string) error {
	_, err := Parse(expr)
	return err
}

// Next computes the next run time after from for expr.
func Next(expr string, from time.Time) (time.Time, error) {
	sched, err := Parse(expr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(from), nil
}
