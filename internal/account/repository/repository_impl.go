package repository

import (
	"context"
	"errors"

	"github.com/dukabook/kredo/internal/account/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return repo{}
}

func (repo) Find(ctx context.Context, tx *gorm.DB, userKey string) (*domain.UserAccount, error) {
	var acct domain.UserAccount
	err := tx.WithContext(ctx).Where("user_key = ?", userKey).First(&acct).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &acct, nil
}

func (repo) Create(ctx context.Context, tx *gorm.DB, acct *domain.UserAccount) error {
	return tx.WithContext(ctx).Create(acct).Error
}

func (repo) SaveVersioned(ctx context.Context, tx *gorm.DB, acct *domain.UserAccount) error {
	res := tx.WithContext(ctx).
		Model(&domain.UserAccount{}).
		Where("user_key = ? AND version = ?", acct.UserKey, acct.Version).
		Updates(map[string]any{
			"credit_balance_days":   acct.CreditBalanceDays,
			"registration_at":       acct.RegistrationAt,
			"trial_reset_at":        acct.TrialResetAt,
			"last_usage_at":         acct.LastUsageAt,
			"last_payment_at":       acct.LastPaymentAt,
			"total_payments_amount": acct.TotalPaymentsAmount,
			"version":               acct.Version + 1,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrConcurrencyConflict
	}
	acct.Version++
	return nil
}

func (repo) AppendUsageLog(ctx context.Context, tx *gorm.DB, entry *domain.UsageLogEntry) error {
	return tx.WithContext(ctx).Create(entry).Error
}

func (repo) ListAll(ctx context.Context, tx *gorm.DB) ([]domain.UserAccount, error) {
	var accounts []domain.UserAccount
	if err := tx.WithContext(ctx).Order("user_key").Find(&accounts).Error; err != nil {
		return nil, err
	}
	return accounts, nil
}
