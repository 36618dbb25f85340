package repository

import (
	"context"
	"errors"
	"time"

	"github.com/dukabook/kredo/internal/payment/domain"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return repo{}
}

func (repo) Create(ctx context.Context, tx *gorm.DB, rec *domain.PaymentRecord) error {
	return tx.WithContext(ctx).Create(rec).Error
}

func (repo) FindByPaymentID(ctx context.Context, tx *gorm.DB, paymentID string) (*domain.PaymentRecord, error) {
	return findOne(ctx, tx, "payment_id = ?", paymentID)
}

func (repo) FindByProviderReference(ctx context.Context, tx *gorm.DB, ref string) (*domain.PaymentRecord, error) {
	if ref == "" {
		return nil, nil
	}
	return findOne(ctx, tx, "provider_reference = ?", ref)
}

func findOne(ctx context.Context, tx *gorm.DB, query string, arg string) (*domain.PaymentRecord, error) {
	var rec domain.PaymentRecord
	err := tx.WithContext(ctx).Where(query, arg).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (repo) AttachProviderReference(ctx context.Context, tx *gorm.DB, paymentID, ref string) error {
	return tx.WithContext(ctx).
		Model(&domain.PaymentRecord{}).
		Where("payment_id = ? AND status = ?", paymentID, domain.StatusInitiated).
		Updates(map[string]any{
			"provider_reference": ref,
			"status":             domain.StatusPending,
		}).Error
}

func (repo) TransitionTerminal(ctx context.Context, tx *gorm.DB, paymentID string, to domain.PaymentStatus, finalizedAt time.Time, raw []byte) (bool, error) {
	if !to.Terminal() {
		return false, domain.ErrTerminalState
	}
	updates := map[string]any{
		"status":       to,
		"finalized_at": finalizedAt,
	}
	if len(raw) > 0 {
		updates["raw_notification"] = datatypes.JSON(raw)
	}
	res := tx.WithContext(ctx).
		Model(&domain.PaymentRecord{}).
		Where("payment_id = ? AND status IN ?", paymentID, []domain.PaymentStatus{domain.StatusInitiated, domain.StatusPending}).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (repo) MarkCreditApplied(ctx context.Context, tx *gorm.DB, paymentID string) (bool, error) {
	res := tx.WithContext(ctx).
		Model(&domain.PaymentRecord{}).
		Where("payment_id = ? AND status = ? AND credit_applied = ?", paymentID, domain.StatusCompleted, false).
		Update("credit_applied", true)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (repo) ListPendingBefore(ctx context.Context, tx *gorm.DB, provider string, before time.Time) ([]domain.PaymentRecord, error) {
	var records []domain.PaymentRecord
	err := tx.WithContext(ctx).
		Where("provider = ? AND status = ? AND created_at < ?", provider, domain.StatusPending, before).
		Order("created_at").
		Find(&records).Error
	if err != nil {
		return nil, err
	}
	return records, nil
}
