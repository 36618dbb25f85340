package domain

import (
	"context"

	"gorm.io/gorm"
)

type Service interface {
	// EnsureAccount creates the account on first contact and applies the
	// reset-on-login policy (once per trial cycle) when it is enabled.
	EnsureAccount(ctx context.Context, userKey string) (*UserAccount, error)

	// CheckEntitlement ensures the account exists and evaluates it.
	CheckEntitlement(ctx context.Context, userKey string) (EntitlementInfo, error)

	// RecordUsage debits at most one credit-day per calendar day. Blocked
	// accounts fail with ErrInsufficientCredit and are not mutated.
	RecordUsage(ctx context.Context, userKey, actionType string) (UsageResult, error)

	// CreditFromPayment adds creditDays to the balance inside the caller's
	// transaction. Only the payment reconciler calls this, after it has
	// claimed the payment record's credit-applied guard in the same tx.
	CreditFromPayment(ctx context.Context, tx *gorm.DB, userKey string, creditDays float64, amount int64) error

	// ResetForNewTrial restarts the trial window and zeroes the balance while
	// preserving payment history.
	ResetForNewTrial(ctx context.Context, userKey string) error

	// ListAccounts returns every account, for sweep traversal.
	ListAccounts(ctx context.Context) ([]UserAccount, error)

	// Evaluate applies the configured trial window at the current time.
	Evaluate(acct UserAccount) Entitlement
}

type Repository interface {
	Find(ctx context.Context, tx *gorm.DB, userKey string) (*UserAccount, error)
	Create(ctx context.Context, tx *gorm.DB, acct *UserAccount) error
	// SaveVersioned persists the account guarded by its version; it returns
	// ErrConcurrencyConflict when a concurrent writer got there first.
	SaveVersioned(ctx context.Context, tx *gorm.DB, acct *UserAccount) error
	AppendUsageLog(ctx context.Context, tx *gorm.DB, entry *UsageLogEntry) error
	ListAll(ctx context.Context, tx *gorm.DB) ([]UserAccount, error)
}
