// Package availability turns a coach's recurring and date-specific rules into
// bookable slots and persists those rules.
package availability

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"
)

const dateLayout = "2006-01-02"

const minutesPerDay = 24 * 60

// ErrInvalidRule is wrapped by every rule validation failure.
var ErrInvalidRule = errors.New("availability: invalid rule")

// ClockTime is a wall-clock time of day in minutes since midnight. 24:00 is
// accepted as the end of an interval.
type ClockTime int

// ParseClockTime parses "HH:MM".
func ParseClockTime(s string) (ClockTime, error) {
	hh, mm, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok || len(hh) == 0 || len(hh) > 2 || len(mm) != 2 {
		return 0, fmt.Errorf("%w: clock time %q", ErrInvalidRule, s)
	}
	h, err := strconv.Atoi(hh)
	if err != nil {
		return 0, fmt.Errorf("%w: clock time %q", ErrInvalidRule, s)
	}
	m, err := strconv.Atoi(mm)
	if err != nil || m < 0 || m > 59 || h < 0 || h > 24 || (h == 24 && m != 0) {
		return 0, fmt.Errorf("%w: clock time %q", ErrInvalidRule, s)
	}
	return ClockTime(h*60 + m), nil
}

func (c ClockTime) Hour() int   { return int(c) / 60 }
func (c ClockTime) Minute() int { return int(c) % 60 }

func (c ClockTime) String() string {
	return fmt.Sprintf("%02d:%02d", c.Hour(), c.Minute())
}

func (c ClockTime) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.String())
}

func (c *ClockTime) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("%w: clock time must be a string", ErrInvalidRule)
	}
	parsed, err := ParseClockTime(s)
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// Interval is a half-open [From, To) range of wall-clock time.
type Interval struct {
	From ClockTime `json:"from"`
	To   ClockTime `json:"to"`
}

// Rule is either a weekday rule (Sunday = 0) or a specific-date rule.
type Rule struct {
	ID        string     `json:"id,omitempty"`
	CoachULID string     `json:"-"`
	Weekday   *int       `json:"weekday,omitempty"`
	Date      string     `json:"date,omitempty"`
	Intervals []Interval `json:"intervals"`
}

// WeekdayRule builds a recurring rule.
func WeekdayRule(weekday time.Weekday, intervals ...Interval) Rule {
	d := int(weekday)
	return Rule{Weekday: &d, Intervals: intervals}
}

// DateRule builds a rule for a single calendar date (YYYY-MM-DD).
func DateRule(date string, intervals ...Interval) Rule {
	return Rule{Date: date, Intervals: intervals}
}

// Matches reports whether the rule applies to the given calendar day.
func (r Rule) Matches(day time.Time) bool {
	if r.Date != "" {
		return r.Date == day.Format(dateLayout)
	}
	return r.Weekday != nil && *r.Weekday == int(day.Weekday())
}

// Validate checks the rule's shape and that its intervals are ordered and disjoint.
func (r Rule) Validate() error {
	switch {
	case r.Weekday != nil && r.Date != "":
		return fmt.Errorf("%w: weekday and date are mutually exclusive", ErrInvalidRule)
	case r.Weekday == nil && r.Date == "":
		return fmt.Errorf("%w: weekday or date required", ErrInvalidRule)
	case r.Weekday != nil && (*r.Weekday < 0 || *r.Weekday > 6):
		return fmt.Errorf("%w: weekday %d out of range", ErrInvalidRule, *r.Weekday)
	}
	if r.Date != "" {
		if _, err := time.Parse(dateLayout, r.Date); err != nil {
			return fmt.Errorf("%w: date %q", ErrInvalidRule, r.Date)
		}
	}
	if len(r.Intervals) == 0 {
		return fmt.Errorf("%w: at least one interval required", ErrInvalidRule)
	}
	for i, in := range r.Intervals {
		if in.From < 0 || in.To > minutesPerDay || in.From >= in.To {
			return fmt.Errorf("%w: interval %s-%s", ErrInvalidRule, in.From, in.To)
		}
		if i > 0 && in.From < r.Intervals[i-1].To {
			return fmt.Errorf("%w: interval %s-%s overlaps or is out of order", ErrInvalidRule, in.From, in.To)
		}
	}
	return nil
}

// NormalizeRules sorts each rule's intervals and validates the set.
func NormalizeRules(rules []Rule) ([]Rule, error) {
	out := make([]Rule, 0, len(rules))
	for _, r := range rules {
		r.Intervals = slices.Clone(r.Intervals)
		slices.SortFunc(r.Intervals, func(a, b Interval) int { return int(a.From - b.From) })
		if err := r.Validate(); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}
