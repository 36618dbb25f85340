package service

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/dukabook/kredo/internal/clock"
	"github.com/dukabook/kredo/internal/config"
	"github.com/dukabook/kredo/internal/debt/domain"
	"github.com/dukabook/kredo/internal/debt/repository"
	"github.com/dukabook/kredo/pkg/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type fixture struct {
	svc   domain.Service
	db    *gorm.DB
	clock *clock.FakeClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	dbConn, err := db.NewTest()
	require.NoError(t, err)
	require.NoError(t, dbConn.AutoMigrate(&domain.DebtRecord{}))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	clk := clock.NewFakeClock(time.Date(2026, 5, 10, 9, 0, 0, 0, time.UTC))

	svc := NewService(Params{
		DB:    dbConn,
		Log:   zap.NewNop(),
		GenID: node,
		Clock: clk,
		Cfg:   config.Config{Currency: "KES"},
		Repo:  repository.Provide(),
	})
	return &fixture{svc: svc, db: dbConn, clock: clk}
}

func TestCreateDebt(t *testing.T) {
	f := newFixture(t)
	due := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

	rec, err := f.svc.CreateDebt(context.Background(), "user-1", 1500, due, "stock advance")
	require.NoError(t, err)
	assert.NotZero(t, rec.ID)
	assert.Equal(t, "KES", rec.Currency)
	assert.Equal(t, domain.DebtOpen, rec.Status)
	assert.Equal(t, due, rec.DueDate)

	var stored domain.DebtRecord
	require.NoError(t, f.db.First(&stored, "id = ?", rec.ID).Error)
	assert.Equal(t, int64(1500), stored.Amount)
	assert.Equal(t, "stock advance", stored.Note)
}

func TestCreateDebtRejectsNonPositiveAmount(t *testing.T) {
	f := newFixture(t)
	due := f.clock.Now().AddDate(0, 0, 7)

	_, err := f.svc.CreateDebt(context.Background(), "user-1", 0, due, "")
	assert.ErrorIs(t, err, domain.ErrInvalidDebtAmount)

	_, err = f.svc.CreateDebt(context.Background(), "user-1", -200, due, "")
	assert.ErrorIs(t, err, domain.ErrInvalidDebtAmount)
}

func TestSettleDebt(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rec, err := f.svc.CreateDebt(ctx, "user-1", 500, f.clock.Now().AddDate(0, 0, 7), "")
	require.NoError(t, err)

	require.NoError(t, f.svc.SettleDebt(ctx, "user-1", rec.ID))

	var stored domain.DebtRecord
	require.NoError(t, f.db.First(&stored, "id = ?", rec.ID).Error)
	assert.Equal(t, domain.DebtSettled, stored.Status)
	require.NotNil(t, stored.SettledAt)
	assert.WithinDuration(t, f.clock.Now(), *stored.SettledAt, time.Second)

	// Already settled records cannot be settled twice.
	assert.ErrorIs(t, f.svc.SettleDebt(ctx, "user-1", rec.ID), domain.ErrDebtNotFound)
}

func TestSettleDebtEnforcesOwnership(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rec, err := f.svc.CreateDebt(ctx, "user-1", 500, f.clock.Now().AddDate(0, 0, 7), "")
	require.NoError(t, err)

	assert.ErrorIs(t, f.svc.SettleDebt(ctx, "user-2", rec.ID), domain.ErrDebtNotFound)

	var stored domain.DebtRecord
	require.NoError(t, f.db.First(&stored, "id = ?", rec.ID).Error)
	assert.Equal(t, domain.DebtOpen, stored.Status)
}
