// Package guard holds the pure scheduling predicates, kept free of storage so
// they can be tested against a table of times.
package guard

import "time"

// DateKey formats a time as the calendar-day key sweep runs are recorded
// under. All scheduling is in UTC.
func DateKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// DailyJobDue reports whether a daily job scheduled for the given UTC hour
// should fire now. lastRunDate is the DateKey of the most recent run, empty
// when the job has never run.
func DailyJobDue(now time.Time, hour int, lastRunDate string) bool {
	now = now.UTC()
	if now.Hour() < hour {
		return false
	}
	return lastRunDate != DateKey(now)
}
