package kst

import "time"

// Zone is Korea Standard Time. Every stored date and every due-time
// comparison in the system is observed in this zone, regardless of where
// the process runs.
var Zone = time.FixedZone("KST", 9*60*60)

// DateLayout is the canonical calendar-date format used by the backing store.
const DateLayout = "2006-01-02"

// Now returns the current instant in KST.
func Now() time.Time {
	return time.Now().In(Zone)
}

// Today returns today's calendar date in KST as YYYY-MM-DD.
func Today() string {
	return DateString(Now())
}

// DateString formats an instant as a KST calendar date.
func DateString(t time.Time) string {
	return t.In(Zone).Format(DateLayout)
}

// Date normalizes a date-like input to YYYY-MM-DD in KST. An empty input
// means "now". Inputs that match neither the canonical layout nor RFC 3339
// are returned unchanged.
func Date(s string) string {
	if s == "" {
		return Today()
	}
	if t, err := time.ParseInLocation(DateLayout, s, Zone); err == nil {
		return DateString(t)
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return DateString(t)
	}
	return s
}

// Due reports whether a schedule slot at date (YYYY-MM-DD) and clock (HH:MM)
// has been reached at instant now. Malformed slots are never due.
func Due(date, clock string, now time.Time) bool {
	at, err := time.ParseInLocation(DateLayout+" 15:04", date+" "+clock, Zone)
	if err != nil {
		return false
	}
	return !now.In(Zone).Before(at)
}
