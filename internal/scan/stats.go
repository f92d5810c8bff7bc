package scan

import "time"

// Stats are the lifetime and daily counters shown to the user.
// TotalScanned and TotalBlocked never decrease; ThreatsToday resets on the
// first update observed on a new calendar day (UTC).
type Stats struct {
	TotalScanned uint64 `json:"totalScanned"`
	TotalBlocked uint64 `json:"totalBlocked"`
	ThreatsToday uint64 `json:"threatsToday"`
	LastReset    string `json:"lastReset"`
}

// DayString formats t as the calendar day used by LastReset.
func DayString(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// NewStats returns zeroed counters anchored at today.
func NewStats(now time.Time) Stats {
	return Stats{LastReset: DayString(now)}
}

// ResetIfNewDay zeroes ThreatsToday when LastReset is not today. It reports
// whether a reset happened. Days compare by exact string equality.
func (s *Stats) ResetIfNewDay(now time.Time) bool {
	today := DayString(now)
	if s.LastReset == today {
		return false
	}
	s.ThreatsToday = 0
	s.LastReset = today
	return true
}

// Record applies one scan outcome: the daily reset check first, then the
// increments.
func (s *Stats) Record(blocked bool, now time.Time) {
	s.ResetIfNewDay(now)
	s.TotalScanned++
	if blocked {
		s.TotalBlocked++
		s.ThreatsToday++
	}
}
