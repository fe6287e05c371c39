package store

import "time"

// MonthWindow returns the UTC calendar-month window containing now. The free
// allowance resets exactly at these boundaries.
func MonthWindow(now time.Time) (start, end time.Time) {
	now = now.UTC()
	start = time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	end = start.AddDate(0, 1, 0)
	return start, end
}

// CeilMinutes rounds a call duration up to whole minutes, with a floor of
// one minute for any non-zero duration.
func CeilMinutes(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	mins := int(d / time.Minute)
	if d%time.Minute != 0 {
		mins++
	}
	return mins
}
