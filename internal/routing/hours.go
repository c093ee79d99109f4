package routing

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// BusinessHours is a daily window in the rule's timezone. Start after End
// means the window crosses midnight; the day list then refers to the day the
// window opened. Start equal to End means the whole day.
type BusinessHours struct {
	Timezone string   `json:"timezone" yaml:"timezone"`
	Days     []string `json:"days,omitempty" yaml:"days,omitempty"` // mon..sun; empty = every day
	Start    string   `json:"start" yaml:"start"`                   // HH:MM
	End      string   `json:"end" yaml:"end"`                       // HH:MM
}

var locCache sync.Map // name -> *time.Location

func loadLocation(name string) (*time.Location, error) {
	if name == "" {
		return time.UTC, nil
	}
	if l, ok := locCache.Load(name); ok {
		return l.(*time.Location), nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, err
	}
	locCache.Store(name, loc)
	return loc, nil
}

func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid clock %q", s)
	}
	return t.Hour()*60 + t.Minute(), nil
}

var weekdayNames = map[string]time.Weekday{
	"sun": time.Sunday, "mon": time.Monday, "tue": time.Tuesday, "wed": time.Wednesday,
	"thu": time.Thursday, "fri": time.Friday, "sat": time.Saturday,
}

// parseWeekday accepts "mon", "Monday", "MON" and so on.
func parseWeekday(name string) (time.Weekday, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	if len(name) < 3 {
		return 0, false
	}
	wd, ok := weekdayNames[name[:3]]
	return wd, ok
}

// Validate checks the timezone and clock fields.
func (b BusinessHours) Validate() error { return b.validate() }

func (b BusinessHours) validate() error {
	if _, err := loadLocation(b.Timezone); err != nil {
		return fmt.Errorf("business hours: %w", err)
	}
	if _, err := parseClock(b.Start); err != nil {
		return fmt.Errorf("business hours start: %w", err)
	}
	if _, err := parseClock(b.End); err != nil {
		return fmt.Errorf("business hours end: %w", err)
	}
	for _, d := range b.Days {
		if _, ok := parseWeekday(d); !ok {
			return fmt.Errorf("business hours: unknown day %q", d)
		}
	}
	return nil
}

func (b BusinessHours) dayAllowed(d time.Weekday) bool {
	if len(b.Days) == 0 {
		return true
	}
	for _, name := range b.Days {
		if wd, ok := parseWeekday(name); ok && wd == d {
			return true
		}
	}
	return false
}

// Contains reports whether now falls inside the window.
func (b BusinessHours) Contains(now time.Time) (bool, error) {
	loc, err := loadLocation(b.Timezone)
	if err != nil {
		return false, err
	}
	start, err := parseClock(b.Start)
	if err != nil {
		return false, err
	}
	end, err := parseClock(b.End)
	if err != nil {
		return false, err
	}
	local := now.In(loc)
	minute := local.Hour()*60 + local.Minute()

	switch {
	case start == end:
		return b.dayAllowed(local.Weekday()), nil
	case start < end:
		return minute >= start && minute < end && b.dayAllowed(local.Weekday()), nil
	default:
		if minute >= start {
			return b.dayAllowed(local.Weekday()), nil
		}
		if minute < end {
			return b.dayAllowed(local.AddDate(0, 0, -1).Weekday()), nil
		}
		return false, nil
	}
}
