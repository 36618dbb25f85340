package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/dukabook/kredo/internal/debt/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return repo{}
}

func (repo) Create(ctx context.Context, tx *gorm.DB, rec *domain.DebtRecord) error {
	return tx.WithContext(ctx).Create(rec).Error
}

func (repo) ListOpenDueBefore(ctx context.Context, tx *gorm.DB, cutoff time.Time) ([]domain.DebtRecord, error) {
	var debts []domain.DebtRecord
	err := tx.WithContext(ctx).
		Where("status = ? AND due_date <= ?", domain.DebtOpen, cutoff).
		Order("due_date").
		Find(&debts).Error
	if err != nil {
		return nil, err
	}
	return debts, nil
}

func (repo) Settle(ctx context.Context, tx *gorm.DB, userKey string, id snowflake.ID, settledAt time.Time) (bool, error) {
	res := tx.WithContext(ctx).
		Model(&domain.DebtRecord{}).
		Where("id = ? AND user_key = ? AND status = ?", id, userKey, domain.DebtOpen).
		Updates(map[string]any{
			"status":     domain.DebtSettled,
			"settled_at": settledAt,
		})
	return res.RowsAffected > 0, res.Error
}

func (repo) SettleForUser(ctx context.Context, tx *gorm.DB, userKey string, amount int64, settledAt time.Time) (int, error) {
	var debts []domain.DebtRecord
	err := tx.WithContext(ctx).
		Where("user_key = ? AND status = ?", userKey, domain.DebtOpen).
		Order("due_date").
		Find(&debts).Error
	if err != nil {
		return 0, err
	}

	settled := 0
	remaining := amount
	for _, d := range debts {
		if remaining < d.Amount {
			break
		}
		res := tx.WithContext(ctx).
			Model(&domain.DebtRecord{}).
			Where("id = ? AND status = ?", d.ID, domain.DebtOpen).
			Updates(map[string]any{
				"status":     domain.DebtSettled,
				"settled_at": settledAt,
			})
		if res.Error != nil {
			return settled, res.Error
		}
		if res.RowsAffected == 0 {
			continue
		}
		remaining -= d.Amount
		settled++
	}
	return settled, nil
}
