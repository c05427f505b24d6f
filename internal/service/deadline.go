package service

import (
	"strings"
	"time"

	"github.com/marcus/taskbot/internal/errs"
)

// Clock time given to date-only deadlines.
const (
	endOfDayHour   = 23
	endOfDayMinute = 59
)

var dateTimeLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
}

const dateLayout = "2006-01-02"

// ParseDeadline reads a deadline typed by a user. Accepted forms:
// RFC 3339; a local date and time; a bare date, meaning 23:59 that day;
// "today" or "tomorrow", also 23:59; "+<duration>" relative to now.
// Empty input and "none" mean no deadline.
func ParseDeadline(input string, loc *time.Location, now time.Time) (*time.Time, error) {
	raw := strings.TrimSpace(input)
	value := strings.ToLower(raw)
	if loc == nil {
		loc = time.UTC
	}
	now = now.In(loc)

	endOfDay := func(d time.Time) *time.Time {
		t := time.Date(d.Year(), d.Month(), d.Day(), endOfDayHour, endOfDayMinute, 0, 0, loc)
		return &t
	}

	switch value {
	case "", "none":
		return nil, nil
	case "today":
		return endOfDay(now), nil
	case "tomorrow":
		return endOfDay(now.AddDate(0, 0, 1)), nil
	}

	if strings.HasPrefix(value, "+") {
		d, err := time.ParseDuration(value[1:])
		if err != nil || d <= 0 {
			return nil, errs.Validation("invalid relative deadline %q (use e.g. +36h)", raw)
		}
		t := now.Add(d).Truncate(time.Second)
		return &t, nil
	}

	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		t = t.In(loc)
		return &t, nil
	}
	for _, layout := range dateTimeLayouts {
		if t, err := time.ParseInLocation(layout, raw, loc); err == nil {
			return &t, nil
		}
	}
	if d, err := time.ParseInLocation(dateLayout, raw, loc); err == nil {
		return endOfDay(d), nil
	}
	return nil, errs.Validation("invalid deadline %q (use YYYY-MM-DD, YYYY-MM-DD HH:MM or RFC3339)", raw)
}
