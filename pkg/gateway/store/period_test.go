package store

import (
	"testing"
	"time"
)

func TestMonthWindow(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, time.March, 17, 13, 45, 12, 0, time.UTC)
	start, end := MonthWindow(now)
	if !start.Equal(time.Date(2025, time.March, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("start=%v", start)
	}
	if !end.Equal(time.Date(2025, time.April, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("end=%v", end)
	}
}

func TestMonthWindow_YearBoundary(t *testing.T) {
	t.Parallel()

	start, end := MonthWindow(time.Date(2025, time.December, 31, 23, 59, 59, 0, time.UTC))
	if start.Month() != time.December || end.Year() != 2026 || end.Month() != time.January {
		t.Fatalf("start=%v end=%v", start, end)
	}
}

func TestMonthWindow_NonUTCInput(t *testing.T) {
	t.Parallel()

	loc := time.FixedZone("UTC+13", 13*3600)
	// 00:30 Jan 1 in UTC+13 is still Dec 31 in UTC; the window must be UTC-based.
	now := time.Date(2026, time.January, 1, 0, 30, 0, 0, loc)
	start, _ := MonthWindow(now)
	if start.Month() != time.December {
		t.Fatalf("start=%v, want December window", start)
	}
}

func TestCeilMinutes(t *testing.T) {
	t.Parallel()

	cases := []struct {
		d    time.Duration
		want int
	}{
		{0, 0},
		{-time.Minute, 0},
		{time.Second, 1},
		{59 * time.Second, 1},
		{time.Minute, 1},
		{61 * time.Second, 2},
		{15 * time.Minute, 15},
		{15*time.Minute + time.Millisecond, 16},
	}
	for _, tc := range cases {
		if got := CeilMinutes(tc.d); got != tc.want {
			t.Fatalf("CeilMinutes(%v)=%d, want %d", tc.d, got, tc.want)
		}
	}
}
