package availability

import (
	"slices"
	"time"
)

// Busy is an occupied [Start, End) range, typically an existing session.
type Busy struct {
	Start time.Time
	End   time.Time
}

// Slot is a bookable [Start, End) range.
type Slot struct {
	Start time.Time
	End   time.Time
}

func (b Busy) overlaps(start, end time.Time) bool {
	return b.Start.Before(end) && start.Before(b.End)
}

// GenerateSlots walks every calendar day in [rangeStart, rangeEnd] (inclusive,
// evaluated in loc) and emits duration-sized slots from each matching rule
// interval that do not intersect any busy range. Rules that cover the same
// interval emit the same slot more than once; see DedupeSlots.
func GenerateSlots(rules []Rule, existing []Busy, rangeStart, rangeEnd time.Time, duration time.Duration, loc *time.Location) []Slot {
	if duration <= 0 || len(rules) == 0 {
		return nil
	}
	if loc == nil {
		loc = time.UTC
	}

	first := startOfDay(rangeStart.In(loc))
	last := startOfDay(rangeEnd.In(loc))

	var slots []Slot
	for day := first; !day.After(last); day = day.AddDate(0, 0, 1) {
		for _, rule := range rules {
			if !rule.Matches(day) {
				continue
			}
			for _, in := range rule.Intervals {
				from := at(day, in.From)
				to := at(day, in.To)
				for start := from; ; start = start.Add(duration) {
					end := start.Add(duration)
					if end.After(to) {
						break
					}
					if !intersectsAny(existing, start, end) {
						slots = append(slots, Slot{Start: start, End: end})
					}
				}
			}
		}
	}
	return slots
}

// DedupeSlots drops repeated slots and orders the rest by start time.
func DedupeSlots(slots []Slot) []Slot {
	seen := make(map[[2]int64]struct{}, len(slots))
	out := make([]Slot, 0, len(slots))
	for _, s := range slots {
		key := [2]int64{s.Start.UnixNano(), s.End.UnixNano()}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, s)
	}
	slices.SortStableFunc(out, func(a, b Slot) int { return a.Start.Compare(b.Start) })
	return out
}

func intersectsAny(existing []Busy, start, end time.Time) bool {
	for _, b := range existing {
		if b.overlaps(start, end) {
			return true
		}
	}
	return false
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// at resolves a wall-clock time on day; 24:00 normalizes to midnight of the next day.
func at(day time.Time, c ClockTime) time.Time {
	y, m, d := day.Date()
	return time.Date(y, m, d, c.Hour(), c.Minute(), 0, 0, day.Location())
}
