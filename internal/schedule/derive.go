package schedule

import (
	"sort"
	"time"

	"tutorattend/internal/kst"
)

// OccurrencesPerSlot is how many lessons a single weekly slot is provisioned
// with at registration time. A student's quota is this times lessonsPerWeek.
const OccurrencesPerSlot = 4

// Slot is one entry of a weekly recurrence pattern.
type Slot struct {
	Weekday time.Weekday `json:"weekday"`
	Time    string       `json:"time"` // HH:MM
}

// Occurrence is a concrete lesson instance derived from a Slot.
type Occurrence struct {
	Date string `json:"date"` // YYYY-MM-DD
	Time string `json:"time"` // HH:MM
}

// Derive expands a weekly recurrence pattern into concrete occurrences.
// For each slot it finds the first date strictly after asOf whose weekday
// matches (a same-day match rolls to next week, so registration never books
// the registration moment itself) and emits OccurrencesPerSlot dates spaced
// 7 days apart. The combined result is sorted by date; entries on the same
// date keep their pattern order. Duplicate (date, time) pairs are emitted
// as-is.
func Derive(pattern []Slot, asOf time.Time) []Occurrence {
	out := make([]Occurrence, 0, len(pattern)*OccurrencesPerSlot)
	for _, slot := range pattern {
		diff := (int(slot.Weekday) - int(asOf.Weekday()) + 7) % 7
		if diff == 0 {
			diff = 7
		}
		first := asOf.AddDate(0, 0, diff)
		for i := 0; i < OccurrencesPerSlot; i++ {
			out = append(out, Occurrence{
				Date: first.AddDate(0, 0, 7*i).Format(kst.DateLayout),
				Time: slot.Time,
			})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Date < out[j].Date })
	return out
}

// ParseWeekday maps a weekday name to time.Weekday. Both English names and
// the Korean names used by the original mobile client are accepted.
func ParseWeekday(name string) (time.Weekday, bool) {
	switch name {
	case "Sunday", "일요일":
		return time.Sunday, true
	case "Monday", "월요일":
		return time.Monday, true
	case "Tuesday", "화요일":
		return time.Tuesday, true
	case "Wednesday", "수요일":
		return time.Wednesday, true
	case "Thursday", "목요일":
		return time.Thursday, true
	case "Friday", "금요일":
		return time.Friday, true
	case "Saturday", "토요일":
		return time.Saturday, true
	}
	return 0, false
}
