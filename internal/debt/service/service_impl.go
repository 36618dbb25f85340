package service

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/dukabook/kredo/internal/clock"
	"github.com/dukabook/kredo/internal/config"
	"github.com/dukabook/kredo/internal/debt/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
	Cfg   config.Config
	Repo  domain.Repository
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
	cfg   config.Config
	repo  domain.Repository
}

func NewService(p Params) domain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("debt.service"),
		genID: p.GenID,
		clock: p.Clock,
		cfg:   p.Cfg,
		repo:  p.Repo,
	}
}

func (s *Service) CreateDebt(ctx context.Context, userKey string, amount int64, dueDate time.Time, note string) (*domain.DebtRecord, error) {
	if amount <= 0 {
		return nil, domain.ErrInvalidDebtAmount
	}

	rec := &domain.DebtRecord{
		ID:        s.genID.Generate(),
		UserKey:   userKey,
		Amount:    amount,
		Currency:  s.cfg.Currency,
		DueDate:   dueDate.UTC(),
		Status:    domain.DebtOpen,
		Note:      note,
		CreatedAt: s.clock.Now(),
	}
	if err := s.repo.Create(ctx, s.db, rec); err != nil {
		return nil, err
	}

	s.log.Info("debt recorded",
		zap.String("user_key", userKey),
		zap.Int64("amount", amount),
		zap.Time("due_date", rec.DueDate),
	)
	return rec, nil
}

// SettleDebt marks a debt paid outside the payment flow. The user key is part
// of the settle condition, so one user can never settle another's record.
func (s *Service) SettleDebt(ctx context.Context, userKey string, id snowflake.ID) error {
	settled, err := s.repo.Settle(ctx, s.db, userKey, id, s.clock.Now())
	if err != nil {
		return err
	}
	if !settled {
		return domain.ErrDebtNotFound
	}

	s.log.Info("debt settled",
		zap.String("user_key", userKey),
		zap.String("debt_id", id.String()),
	)
	return nil
}
