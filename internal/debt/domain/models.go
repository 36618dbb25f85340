package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type DebtStatus string

const (
	DebtOpen    DebtStatus = "open"
	DebtSettled DebtStatus = "settled"
)

// DebtRecord is an amount a user has agreed to pay by DueDate, typically
// granted as advance credit. The reminder sweep reads open records whose due
// date is approaching.
type DebtRecord struct {
	ID        snowflake.ID `json:"id" gorm:"primaryKey;autoIncrement:false"`
	UserKey   string       `json:"user_key" gorm:"type:text;not null;index"`
	Amount    int64        `json:"amount" gorm:"not null"`
	Currency  string       `json:"currency" gorm:"type:text;not null"`
	DueDate   time.Time    `json:"due_date" gorm:"not null;index"`
	Status    DebtStatus   `json:"status" gorm:"type:text;not null;index"`
	Note      string       `json:"note" gorm:"type:text"`
	CreatedAt time.Time    `json:"created_at"`
	SettledAt *time.Time   `json:"settled_at"`
}

func (DebtRecord) TableName() string { return "debt_records" }

type Repository interface {
	Create(ctx context.Context, tx *gorm.DB, rec *DebtRecord) error
	// ListOpenDueBefore returns open debts due on or before the cutoff.
	ListOpenDueBefore(ctx context.Context, tx *gorm.DB, cutoff time.Time) ([]DebtRecord, error)
	// Settle marks one of the user's debts settled. It returns false when the
	// record is already settled, belongs to someone else or does not exist.
	Settle(ctx context.Context, tx *gorm.DB, userKey string, id snowflake.ID, settledAt time.Time) (bool, error)
	// SettleForUser settles every open debt for a user, oldest first, up to
	// the paid amount. It returns the number of records settled.
	SettleForUser(ctx context.Context, tx *gorm.DB, userKey string, amount int64, settledAt time.Time) (int, error)
}

// Service is the user-facing debt book: recording an agreed amount with a due
// date, and marking it paid outside the payment flow (cash, barter).
type Service interface {
	CreateDebt(ctx context.Context, userKey string, amount int64, dueDate time.Time, note string) (*DebtRecord, error)
	SettleDebt(ctx context.Context, userKey string, id snowflake.ID) error
}
