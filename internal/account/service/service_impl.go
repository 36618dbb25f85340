package service

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/dukabook/kredo/internal/account/domain"
	"github.com/dukabook/kredo/internal/clock"
	"github.com/dukabook/kredo/internal/config"
	obsmetrics "github.com/dukabook/kredo/internal/observability/metrics"
	"github.com/dukabook/kredo/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// maxWriteRetries bounds optimistic-concurrency retries before the conflict
// is surfaced to the caller as transient.
const maxWriteRetries = 3

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Clock   clock.Clock
	Cfg     config.Config
	Repo    domain.Repository
	Metrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	genID   *snowflake.Node
	clock   clock.Clock
	cfg     config.Config
	repo    domain.Repository
	metrics *obsmetrics.Metrics
}

func NewService(p Params) domain.Service {
	return &Service{
		db:      p.DB,
		log:     p.Log.Named("account.service"),
		genID:   p.GenID,
		clock:   p.Clock,
		cfg:     p.Cfg,
		repo:    p.Repo,
		metrics: p.Metrics,
	}
}

func (s *Service) Evaluate(acct domain.UserAccount) domain.Entitlement {
	return domain.Evaluate(acct, s.clock.Now(), s.cfg.TrialDays)
}

func (s *Service) EnsureAccount(ctx context.Context, userKey string) (*domain.UserAccount, error) {
	now := s.clock.Now()

	acct, err := s.repo.Find(ctx, s.db, userKey)
	if err != nil {
		return nil, err
	}
	if acct == nil {
		registeredAt := now
		acct = &domain.UserAccount{
			UserKey:        userKey,
			RegistrationAt: &registeredAt,
		}
		if err := s.repo.Create(ctx, s.db, acct); err != nil {
			if db.IsDuplicateKeyErr(err) {
				// Lost the first-contact race; the other writer registered.
				return s.repo.Find(ctx, s.db, userKey)
			}
			return nil, err
		}
		s.log.Info("account registered", zap.String("user_key", userKey))
		return acct, nil
	}

	if acct.RegistrationAt == nil || (s.cfg.ResetOnLogin && s.resetEligible(acct, now)) {
		if err := s.resetVersioned(ctx, s.db, acct, now); err != nil {
			if errors.Is(err, domain.ErrConcurrencyConflict) {
				// Concurrent login already reset; re-read and move on.
				return s.repo.Find(ctx, s.db, userKey)
			}
			return nil, err
		}
		s.log.Info("trial reset applied", zap.String("user_key", userKey))
	}

	return acct, nil
}

// resetEligible guards the reset-on-login policy: at most one reset per trial
// cycle, never an unconditional overwrite on every login.
func (s *Service) resetEligible(acct *domain.UserAccount, now time.Time) bool {
	if acct.TrialResetAt == nil {
		return true
	}
	window := time.Duration(s.cfg.TrialDays) * 24 * time.Hour
	return now.Sub(*acct.TrialResetAt) >= window
}

func (s *Service) resetVersioned(ctx context.Context, tx *gorm.DB, acct *domain.UserAccount, now time.Time) error {
	resetAt := now
	acct.RegistrationAt = &resetAt
	acct.TrialResetAt = &resetAt
	acct.CreditBalanceDays = 0
	acct.LastUsageAt = nil
	return s.repo.SaveVersioned(ctx, tx, acct)
}

func (s *Service) CheckEntitlement(ctx context.Context, userKey string) (domain.EntitlementInfo, error) {
	acct, err := s.EnsureAccount(ctx, userKey)
	if err != nil {
		return domain.EntitlementInfo{}, err
	}

	ent := s.Evaluate(*acct)
	return domain.EntitlementInfo{
		Status:              ent.Status,
		DaysRemaining:       ent.DaysRemaining,
		CreditBalanceDays:   acct.CreditBalanceDays,
		TotalPaymentsAmount: acct.TotalPaymentsAmount,
		InTrial:             ent.Status == domain.StatusTrial,
	}, nil
}

func (s *Service) RecordUsage(ctx context.Context, userKey, actionType string) (domain.UsageResult, error) {
	now := s.clock.Now()

	for attempt := 0; attempt < maxWriteRetries; attempt++ {
		acct, err := s.repo.Find(ctx, s.db, userKey)
		if err != nil {
			return domain.UsageResult{}, err
		}
		if acct == nil {
			return domain.UsageResult{}, domain.ErrAccountNotFound
		}

		ent := domain.Evaluate(*acct, now, s.cfg.TrialDays)
		if ent.NeedsReset {
			// An account without a registration window gets a fresh trial
			// before usage is gated.
			if err := s.resetVersioned(ctx, s.db, acct, now); err != nil {
				if errors.Is(err, domain.ErrConcurrencyConflict) {
					continue
				}
				return domain.UsageResult{}, err
			}
			ent = domain.Evaluate(*acct, now, s.cfg.TrialDays)
		}
		if ent.Status == domain.StatusBlocked {
			return domain.UsageResult{}, domain.ErrInsufficientCredit
		}

		debit := s.shouldDebit(acct, ent, now)

		err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if debit {
				acct.CreditBalanceDays = math.Max(0, acct.CreditBalanceDays-1)
			}
			usageAt := now
			acct.LastUsageAt = &usageAt
			if err := s.repo.SaveVersioned(ctx, tx, acct); err != nil {
				return err
			}

			delta := 0.0
			if debit {
				delta = -1
			}
			return s.repo.AppendUsageLog(ctx, tx, &domain.UsageLogEntry{
				ID:               s.genID.Generate(),
				UserKey:          userKey,
				ActionType:       actionType,
				CreditDelta:      delta,
				ResultingBalance: acct.CreditBalanceDays,
				CreatedAt:        now,
			})
		})
		if errors.Is(err, domain.ErrConcurrencyConflict) {
			continue
		}
		if err != nil {
			return domain.UsageResult{}, err
		}

		if debit {
			s.metrics.RecordDebit()
		}
		return domain.UsageResult{Debited: debit, RemainingBalance: acct.CreditBalanceDays}, nil
	}

	return domain.UsageResult{}, domain.ErrConcurrencyConflict
}

// shouldDebit decides whether this usage event costs a credit-day: only
// post-trial, only on the first usage of a calendar day, and never on a day
// the user already paid.
func (s *Service) shouldDebit(acct *domain.UserAccount, ent domain.Entitlement, now time.Time) bool {
	if ent.Status != domain.StatusActive {
		return false
	}
	if acct.LastUsageAt != nil && domain.SameCalendarDay(*acct.LastUsageAt, now) {
		return false
	}
	if acct.LastPaymentAt != nil && domain.SameCalendarDay(*acct.LastPaymentAt, now) {
		return false
	}
	return true
}

func (s *Service) CreditFromPayment(ctx context.Context, tx *gorm.DB, userKey string, creditDays float64, amount int64) error {
	if creditDays <= 0 || amount <= 0 {
		return domain.ErrInvalidCreditAmount
	}
	now := s.clock.Now()

	for attempt := 0; attempt < maxWriteRetries; attempt++ {
		acct, err := s.repo.Find(ctx, tx, userKey)
		if err != nil {
			return err
		}
		if acct == nil {
			// Payments can land before the app ever called in; register the
			// account so the credit has somewhere to live.
			registeredAt := now
			paidAt := now
			acct = &domain.UserAccount{
				UserKey:             userKey,
				RegistrationAt:      &registeredAt,
				CreditBalanceDays:   creditDays,
				TotalPaymentsAmount: amount,
				LastPaymentAt:       &paidAt,
			}
			if err := s.repo.Create(ctx, tx, acct); err != nil {
				if db.IsDuplicateKeyErr(err) {
					continue
				}
				return err
			}
		} else {
			paidAt := now
			acct.CreditBalanceDays += creditDays
			acct.TotalPaymentsAmount += amount
			acct.LastPaymentAt = &paidAt
			if err := s.repo.SaveVersioned(ctx, tx, acct); err != nil {
				if errors.Is(err, domain.ErrConcurrencyConflict) {
					continue
				}
				return err
			}
		}

		if err := s.repo.AppendUsageLog(ctx, tx, &domain.UsageLogEntry{
			ID:               s.genID.Generate(),
			UserKey:          userKey,
			ActionType:       "payment_credit",
			CreditDelta:      creditDays,
			ResultingBalance: acct.CreditBalanceDays,
			CreatedAt:        now,
		}); err != nil {
			return err
		}

		s.metrics.RecordCredit()
		s.log.Info("payment credited",
			zap.String("user_key", userKey),
			zap.Float64("credit_days", creditDays),
			zap.Float64("balance", acct.CreditBalanceDays),
		)
		return nil
	}

	return domain.ErrConcurrencyConflict
}

func (s *Service) ResetForNewTrial(ctx context.Context, userKey string) error {
	now := s.clock.Now()

	for attempt := 0; attempt < maxWriteRetries; attempt++ {
		acct, err := s.repo.Find(ctx, s.db, userKey)
		if err != nil {
			return err
		}
		if acct == nil {
			return domain.ErrAccountNotFound
		}
		err = s.resetVersioned(ctx, s.db, acct, now)
		if errors.Is(err, domain.ErrConcurrencyConflict) {
			continue
		}
		return err
	}

	return domain.ErrConcurrencyConflict
}

func (s *Service) ListAccounts(ctx context.Context) ([]domain.UserAccount, error) {
	return s.repo.ListAll(ctx, s.db)
}
