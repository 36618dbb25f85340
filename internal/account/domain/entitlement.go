package domain

import (
	"math"
	"time"
)

// Evaluate computes trial/active/blocked status from the account record and
// the current time. It is the only entitlement implementation: usage gating,
// sweep jobs and status endpoints all go through it.
func Evaluate(acct UserAccount, now time.Time, trialDays int) Entitlement {
	if acct.RegistrationAt == nil {
		return Entitlement{Status: StatusBlocked, NeedsReset: true}
	}

	trialEnd := acct.RegistrationAt.Add(time.Duration(trialDays) * 24 * time.Hour)
	if now.Before(trialEnd) {
		remaining := int(math.Ceil(trialEnd.Sub(now).Hours() / 24))
		return Entitlement{Status: StatusTrial, DaysRemaining: remaining}
	}

	if acct.CreditBalanceDays > 0 {
		return Entitlement{Status: StatusActive, DaysRemaining: int(math.Floor(acct.CreditBalanceDays))}
	}

	return Entitlement{Status: StatusBlocked}
}

// SameCalendarDay reports whether two instants fall on the same UTC date.
// Credit is debited at most once per calendar day regardless of how many
// usage events arrive.
func SameCalendarDay(a, b time.Time) bool {
	ay, am, ad := a.UTC().Date()
	by, bm, bd := b.UTC().Date()
	return ay == by && am == bm && ad == bd
}
