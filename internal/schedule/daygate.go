package schedule

import "time"

// Midnight truncates t to the start of its day in loc.
func Midnight(t time.Time, loc *time.Location) time.Time {
	t = t.In(loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
}

// DaysBetween returns the number of calendar days between the anchor's day
// and now's day in loc. Rounding instead of dividing exactly keeps DST
// transition days (23h or 25h) counting as one day.
func DaysBetween(anchor, now time.Time, loc *time.Location) int {
	hours := Midnight(now, loc).Sub(Midnight(anchor, loc)).Hours()
	days := int(hours / 24)
	if rem := hours - float64(days)*24; rem > 12 {
		days++
	} else if rem < -12 {
		days--
	}
	return days
}

// DueOn reports whether a dose with the given anchor and interval is due
// on now's calendar day. Day zero is always due; a dose is due again every
// frequency days after that.
func DueOn(now, anchor time.Time, frequency int, loc *time.Location) bool {
	if frequency < 1 {
		frequency = 1
	}
	days := DaysBetween(anchor, now, loc)
	if days < 0 {
		return false
	}
	return days%frequency == 0
}
