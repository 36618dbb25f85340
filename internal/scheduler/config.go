package scheduler

import (
	"time"
)

// Config controls sweep intervals, run hours and batch sizes.
type Config struct {
	RunInterval time.Duration
	JobTimeout  time.Duration
	// Hours are UTC. A daily job fires on the first tick at or after its hour
	// and at most once per calendar day.
	LowCreditHour  int
	ReminderHour   int
	TrialResetHour int
	// PollPendingAfter is how long a payment may sit non-terminal before the
	// poll job re-queries the provider.
	PollPendingAfter time.Duration
	EnabledJobs      []string
}

func DefaultConfig() Config {
	return Config{
		RunInterval:      time.Minute,
		JobTimeout:       30 * time.Second,
		LowCreditHour:    8,
		ReminderHour:     9,
		TrialResetHour:   2,
		PollPendingAfter: 5 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = defaults.JobTimeout
	}
	// Hour 0 is a valid midnight schedule; only out-of-range values fall
	// back to the defaults.
	if c.LowCreditHour < 0 || c.LowCreditHour > 23 {
		c.LowCreditHour = defaults.LowCreditHour
	}
	if c.ReminderHour < 0 || c.ReminderHour > 23 {
		c.ReminderHour = defaults.ReminderHour
	}
	if c.TrialResetHour < 0 || c.TrialResetHour > 23 {
		c.TrialResetHour = defaults.TrialResetHour
	}
	if c.PollPendingAfter <= 0 {
		c.PollPendingAfter = defaults.PollPendingAfter
	}
	return c
}
