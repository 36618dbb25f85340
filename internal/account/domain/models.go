package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// UserAccount is the single mutable aggregate: prepaid credit balance plus the
// timestamps entitlement math depends on. Version backs optimistic writes.
type UserAccount struct {
	UserKey             string     `json:"user_key" gorm:"primaryKey;type:text"`
	CreditBalanceDays   float64    `json:"credit_balance_days" gorm:"not null;default:0"`
	RegistrationAt      *time.Time `json:"registration_at"`
	TrialResetAt        *time.Time `json:"trial_reset_at"`
	LastUsageAt         *time.Time `json:"last_usage_at"`
	LastPaymentAt       *time.Time `json:"last_payment_at"`
	TotalPaymentsAmount int64      `json:"total_payments_amount" gorm:"not null;default:0"`
	Version             int64      `json:"-" gorm:"not null;default:0"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

func (UserAccount) TableName() string { return "user_accounts" }

// UsageLogEntry is append-only; entries are never updated or deleted.
type UsageLogEntry struct {
	ID               snowflake.ID `json:"id" gorm:"primaryKey"`
	UserKey          string       `json:"user_key" gorm:"type:text;not null;index"`
	ActionType       string       `json:"action_type" gorm:"type:text;not null"`
	CreditDelta      float64      `json:"credit_delta" gorm:"not null"`
	ResultingBalance float64      `json:"resulting_balance" gorm:"not null"`
	CreatedAt        time.Time    `json:"created_at" gorm:"not null"`
}

func (UsageLogEntry) TableName() string { return "usage_logs" }

type Status string

const (
	StatusTrial   Status = "trial"
	StatusActive  Status = "active"
	StatusBlocked Status = "blocked"
)

// Entitlement is the computed right to use the application at an instant.
type Entitlement struct {
	Status        Status
	DaysRemaining int
	// NeedsReset is set when the account has no registration timestamp and
	// must be given a fresh trial before it can be evaluated meaningfully.
	NeedsReset bool
}

type EntitlementInfo struct {
	Status              Status  `json:"status"`
	DaysRemaining       int     `json:"days_remaining"`
	CreditBalanceDays   float64 `json:"credit_balance_days"`
	TotalPaymentsAmount int64   `json:"total_payments_amount"`
	InTrial             bool    `json:"in_trial"`
}

type UsageResult struct {
	Debited          bool    `json:"credit_deducted"`
	RemainingBalance float64 `json:"remaining_balance"`
}
