package service

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/dukabook/kredo/internal/account/domain"
	"github.com/dukabook/kredo/internal/account/repository"
	"github.com/dukabook/kredo/internal/clock"
	"github.com/dukabook/kredo/internal/config"
	"github.com/dukabook/kredo/pkg/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newTestService(t *testing.T, clk clock.Clock, cfg config.Config) (domain.Service, *gorm.DB) {
	t.Helper()

	dbConn, err := db.NewTest()
	require.NoError(t, err)
	require.NoError(t, dbConn.AutoMigrate(&domain.UserAccount{}, &domain.UsageLogEntry{}))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	svc := NewService(Params{
		DB:    dbConn,
		Log:   zap.NewNop(),
		GenID: node,
		Clock: clk,
		Cfg:   cfg,
		Repo:  repository.Provide(),
	})
	return svc, dbConn
}

func testConfig() config.Config {
	return config.Config{
		DailyRate:     5,
		Currency:      "KES",
		TrialDays:     14,
		LowCreditDays: 2,
	}
}

func TestEnsureAccountRegistersOnFirstContact(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	svc, _ := newTestService(t, clk, testConfig())
	ctx := context.Background()

	acct, err := svc.EnsureAccount(ctx, "user-1")
	require.NoError(t, err)
	require.NotNil(t, acct.RegistrationAt)
	assert.Equal(t, clk.Now(), acct.RegistrationAt.UTC())
	assert.Zero(t, acct.CreditBalanceDays)

	info, err := svc.CheckEntitlement(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusTrial, info.Status)
	assert.Equal(t, 14, info.DaysRemaining)
	assert.True(t, info.InTrial)
}

func TestRecordUsageDuringTrialDoesNotDebit(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	svc, _ := newTestService(t, clk, testConfig())
	ctx := context.Background()

	_, err := svc.EnsureAccount(ctx, "user-1")
	require.NoError(t, err)

	result, err := svc.RecordUsage(ctx, "user-1", "app_usage")
	require.NoError(t, err)
	assert.False(t, result.Debited)
	assert.Zero(t, result.RemainingBalance)
}

func TestRecordUsageDebitsOncePerCalendarDay(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	svc, dbConn := newTestService(t, clk, testConfig())
	ctx := context.Background()

	_, err := svc.EnsureAccount(ctx, "user-1")
	require.NoError(t, err)
	require.NoError(t, svc.CreditFromPayment(ctx, dbConn, "user-1", 10, 50))

	// Past the trial window the account runs on purchased credit.
	clk.Advance(15 * 24 * time.Hour)

	result, err := svc.RecordUsage(ctx, "user-1", "app_usage")
	require.NoError(t, err)
	assert.True(t, result.Debited)
	assert.Equal(t, 9.0, result.RemainingBalance)

	// Second event the same day must not cost another day.
	clk.Advance(2 * time.Hour)
	result, err = svc.RecordUsage(ctx, "user-1", "app_usage")
	require.NoError(t, err)
	assert.False(t, result.Debited)
	assert.Equal(t, 9.0, result.RemainingBalance)

	// Next day it does.
	clk.Advance(24 * time.Hour)
	result, err = svc.RecordUsage(ctx, "user-1", "app_usage")
	require.NoError(t, err)
	assert.True(t, result.Debited)
	assert.Equal(t, 8.0, result.RemainingBalance)
}

func TestRecordUsageClampsFractionalBalanceAtZero(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	svc, dbConn := newTestService(t, clk, testConfig())
	ctx := context.Background()

	_, err := svc.EnsureAccount(ctx, "user-1")
	require.NoError(t, err)
	require.NoError(t, svc.CreditFromPayment(ctx, dbConn, "user-1", 0.6, 3))

	clk.Advance(15 * 24 * time.Hour)

	result, err := svc.RecordUsage(ctx, "user-1", "app_usage")
	require.NoError(t, err)
	assert.True(t, result.Debited)
	assert.Zero(t, result.RemainingBalance)
}

func TestRecordUsageBlockedWithoutCredit(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	svc, _ := newTestService(t, clk, testConfig())
	ctx := context.Background()

	_, err := svc.EnsureAccount(ctx, "user-1")
	require.NoError(t, err)

	clk.Advance(15 * 24 * time.Hour)

	_, err = svc.RecordUsage(ctx, "user-1", "app_usage")
	assert.ErrorIs(t, err, domain.ErrInsufficientCredit)
}

func TestRecordUsageSkipsDebitOnPaymentDay(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	svc, dbConn := newTestService(t, clk, testConfig())
	ctx := context.Background()

	_, err := svc.EnsureAccount(ctx, "user-1")
	require.NoError(t, err)

	clk.Set(time.Date(2026, 3, 20, 9, 0, 0, 0, time.UTC))
	require.NoError(t, svc.CreditFromPayment(ctx, dbConn, "user-1", 5, 25))

	// Usage on the day of payment is on the house.
	result, err := svc.RecordUsage(ctx, "user-1", "app_usage")
	require.NoError(t, err)
	assert.False(t, result.Debited)
	assert.Equal(t, 5.0, result.RemainingBalance)
}

func TestRecordUsageUnknownAccount(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	svc, _ := newTestService(t, clk, testConfig())

	_, err := svc.RecordUsage(context.Background(), "ghost", "app_usage")
	assert.ErrorIs(t, err, domain.ErrAccountNotFound)
}

func TestCreditFromPaymentConvertsAmountPrecisely(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	svc, dbConn := newTestService(t, clk, testConfig())
	ctx := context.Background()

	_, err := svc.EnsureAccount(ctx, "user-1")
	require.NoError(t, err)

	// 1000 at 5 per day buys exactly 200 days.
	require.NoError(t, svc.CreditFromPayment(ctx, dbConn, "user-1", 200, 1000))

	info, err := svc.CheckEntitlement(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 200.0, info.CreditBalanceDays)
	assert.Equal(t, int64(1000), info.TotalPaymentsAmount)

	// 7 at 5 per day is a fractional 1.4 days, kept exact.
	require.NoError(t, svc.CreditFromPayment(ctx, dbConn, "user-1", 1.4, 7))
	info, err = svc.CheckEntitlement(ctx, "user-1")
	require.NoError(t, err)
	assert.InDelta(t, 201.4, info.CreditBalanceDays, 1e-9)
}

func TestCreditFromPaymentCreatesMissingAccount(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	svc, dbConn := newTestService(t, clk, testConfig())
	ctx := context.Background()

	// A payment can land before the app ever calls in.
	require.NoError(t, svc.CreditFromPayment(ctx, dbConn, "user-1", 2, 10))

	info, err := svc.CheckEntitlement(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 2.0, info.CreditBalanceDays)
}

func TestCreditFromPaymentRejectsNonPositive(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	svc, dbConn := newTestService(t, clk, testConfig())

	err := svc.CreditFromPayment(context.Background(), dbConn, "user-1", 0, 0)
	assert.ErrorIs(t, err, domain.ErrInvalidCreditAmount)
}

func TestResetForNewTrial(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	svc, dbConn := newTestService(t, clk, testConfig())
	ctx := context.Background()

	_, err := svc.EnsureAccount(ctx, "user-1")
	require.NoError(t, err)
	require.NoError(t, svc.CreditFromPayment(ctx, dbConn, "user-1", 3, 15))

	clk.Advance(30 * 24 * time.Hour)
	require.NoError(t, svc.ResetForNewTrial(ctx, "user-1"))

	info, err := svc.CheckEntitlement(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusTrial, info.Status)
	assert.Equal(t, 14, info.DaysRemaining)
	assert.Zero(t, info.CreditBalanceDays)
	// Payment history survives the reset.
	assert.Equal(t, int64(15), info.TotalPaymentsAmount)
}

func TestResetOnLoginFiresOncePerTrialCycle(t *testing.T) {
	cfg := testConfig()
	cfg.ResetOnLogin = true
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	svc, _ := newTestService(t, clk, cfg)
	ctx := context.Background()

	_, err := svc.EnsureAccount(ctx, "user-1")
	require.NoError(t, err)

	// First login after creation resets and stamps the cycle.
	clk.Advance(20 * 24 * time.Hour)
	acct, err := svc.EnsureAccount(ctx, "user-1")
	require.NoError(t, err)
	require.NotNil(t, acct.TrialResetAt)
	firstReset := *acct.TrialResetAt

	// Logins within the same cycle do not reset again.
	clk.Advance(24 * time.Hour)
	acct, err = svc.EnsureAccount(ctx, "user-1")
	require.NoError(t, err)
	require.NotNil(t, acct.TrialResetAt)
	assert.Equal(t, firstReset, *acct.TrialResetAt)

	// A full window later the next login starts a fresh cycle.
	clk.Advance(14 * 24 * time.Hour)
	acct, err = svc.EnsureAccount(ctx, "user-1")
	require.NoError(t, err)
	require.NotNil(t, acct.TrialResetAt)
	assert.True(t, acct.TrialResetAt.After(firstReset))
}

func TestConcurrentUsageDebitsOnlyOnce(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	svc, dbConn := newTestService(t, clk, testConfig())
	ctx := context.Background()

	_, err := svc.EnsureAccount(ctx, "user-1")
	require.NoError(t, err)
	require.NoError(t, svc.CreditFromPayment(ctx, dbConn, "user-1", 10, 50))
	clk.Advance(15 * 24 * time.Hour)

	// Sequential calls model the retry outcome of two racing writers: the
	// version check forces the loser to re-read, and the re-read sees the
	// day's debit already applied.
	first, err := svc.RecordUsage(ctx, "user-1", "app_usage")
	require.NoError(t, err)
	second, err := svc.RecordUsage(ctx, "user-1", "app_usage")
	require.NoError(t, err)

	debits := 0
	if first.Debited {
		debits++
	}
	if second.Debited {
		debits++
	}
	assert.Equal(t, 1, debits)
	assert.Equal(t, 9.0, second.RemainingBalance)
}
