package checkin

import (
	"fmt"
	"time"
)

// Window is a daily interval in "15:04" form during which prompted check-ins
// are offered. End before Start wraps past midnight.
type Window struct {
	Start string `yaml:"start"`
	End   string `yaml:"end"`
}

type Schedule struct {
	Windows []Window `yaml:"windows"`
	// MinGap is the minimum time between two prompted check-ins.
	MinGap   time.Duration `yaml:"min_gap"`
	Timezone string        `yaml:"timezone"`
}

func (s Schedule) validate() error {
	for _, w := range s.Windows {
		if _, err := clockMinutes(w.Start); err != nil {
			return fmt.Errorf("schedule window start: %w", err)
		}
		if _, err := clockMinutes(w.End); err != nil {
			return fmt.Errorf("schedule window end: %w", err)
		}
	}
	if s.Timezone != "" {
		if _, err := time.LoadLocation(s.Timezone); err != nil {
			return fmt.Errorf("schedule timezone: %w", err)
		}
	}
	if s.MinGap < 0 {
		return fmt.Errorf("schedule min_gap must not be negative")
	}
	return nil
}

// Available reports whether a prompted check-in may start at now. No windows
// means any time of day. lastCompleted is nil when the participant never
// completed one.
func (s Schedule) Available(now time.Time, lastCompleted *time.Time) bool {
	if lastCompleted != nil && s.MinGap > 0 && now.Sub(*lastCompleted) < s.MinGap {
		return false
	}
	if len(s.Windows) == 0 {
		return true
	}
	if s.Timezone != "" {
		if loc, err := time.LoadLocation(s.Timezone); err == nil {
			now = now.In(loc)
		}
	}
	m := now.Hour()*60 + now.Minute()
	for _, w := range s.Windows {
		start, err1 := clockMinutes(w.Start)
		end, err2 := clockMinutes(w.End)
		if err1 != nil || err2 != nil {
			continue
		}
		if start <= end {
			if m >= start && m < end {
				return true
			}
		} else if m >= start || m < end {
			return true
		}
	}
	return false
}

func clockMinutes(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("invalid time of day %q", s)
	}
	return t.Hour()*60 + t.Minute(), nil
}
