package clock

import (
	"testing"
	"time"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		hour     int
		expected Classification
	}{
		{6, Sleep},
		{7, Daytime},
		{12, Daytime},
		{16, Daytime},
		{17, Evening},
		{18, Evening},
		{19, Sleep},
		{23, Sleep},
	}
	for _, tc := range cases {
		got := Classify(tc.hour, 7, 17, 19)
		if got != tc.expected {
			t.Errorf("hour %d: expected %s, got %s", tc.hour, tc.expected, got)
		}
	}
}

func TestQuietHoursMidnightCrossing(t *testing.T) {
	q := ParseQuietHours("21:00", "08:00")
	if !q.InWindow(mustTime(t, "2024-01-01T23:00:00Z")) {
		t.Fatalf("expected 23:00 to be inside quiet hours")
	}
	if !q.InWindow(mustTime(t, "2024-01-01T02:00:00Z")) {
		t.Fatalf("expected 02:00 to be inside quiet hours")
	}
	if q.InWindow(mustTime(t, "2024-01-01T12:00:00Z")) {
		t.Fatalf("expected 12:00 to be outside quiet hours")
	}
}

func TestQuietHoursNormalWindow(t *testing.T) {
	q := ParseQuietHours("08:00", "21:00")
	if !q.InWindow(mustTime(t, "2024-01-01T10:00:00Z")) {
		t.Fatalf("expected 10:00 to be inside quiet hours")
	}
	if q.InWindow(mustTime(t, "2024-01-01T22:00:00Z")) {
		t.Fatalf("expected 22:00 to be outside quiet hours")
	}
}

func mustTime(t *testing.T, value string) time.Time {
	t.Helper()
	parsed, err := time.Parse(time.RFC3339, value)
	if err != nil {
		t.Fatalf("parse time: %v", err)
	}
	return parsed
}
