package service

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	acctdomain "github.com/dukabook/kredo/internal/account/domain"
	acctrepository "github.com/dukabook/kredo/internal/account/repository"
	acctservice "github.com/dukabook/kredo/internal/account/service"
	"github.com/dukabook/kredo/internal/clock"
	"github.com/dukabook/kredo/internal/config"
	debtdomain "github.com/dukabook/kredo/internal/debt/domain"
	debtrepository "github.com/dukabook/kredo/internal/debt/repository"
	obsmetrics "github.com/dukabook/kredo/internal/observability/metrics"
	"github.com/dukabook/kredo/internal/payment/adapters"
	"github.com/dukabook/kredo/internal/payment/domain"
	"github.com/dukabook/kredo/internal/payment/repository"
	"github.com/dukabook/kredo/pkg/db"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// fakeAdapter scripts the provider side of the flow.
type fakeAdapter struct {
	provider     string
	initiateResp *domain.InitiateResponse
	initiateErr  error
	pollResp     *domain.Notification
	pollErr      error
	requireSig   bool
}

func (f *fakeAdapter) Provider() string { return f.provider }

func (f *fakeAdapter) Initiate(_ context.Context, _ domain.InitiateRequest) (*domain.InitiateResponse, error) {
	if f.initiateErr != nil {
		return nil, f.initiateErr
	}
	return f.initiateResp, nil
}

type fakePayload struct {
	MerchantReference string `json:"merchant_reference"`
	ProviderReference string `json:"provider_reference"`
	Status            string `json:"status"`
	Amount            int64  `json:"amount"`
}

func (f *fakeAdapter) ParseNotification(_ context.Context, payload []byte, headers http.Header) (*domain.Notification, error) {
	if f.requireSig && headers.Get("X-Signature") == "" {
		return nil, domain.ErrSignatureInvalid
	}
	var body fakePayload
	if err := json.Unmarshal(payload, &body); err != nil {
		return nil, domain.ErrInvalidPayload
	}
	return &domain.Notification{
		Provider:          f.provider,
		ProviderReference: body.ProviderReference,
		MerchantReference: body.MerchantReference,
		Status:            domain.NotificationStatus(body.Status),
		Amount:            body.Amount,
		Raw:               payload,
	}, nil
}

func (f *fakeAdapter) PollStatus(_ context.Context, ref string) (*domain.Notification, error) {
	if f.pollErr != nil {
		return nil, f.pollErr
	}
	if f.pollResp != nil {
		return f.pollResp, nil
	}
	return &domain.Notification{
		Provider:          f.provider,
		ProviderReference: ref,
		Status:            domain.NotificationPending,
	}, nil
}

type fixture struct {
	svc     domain.Service
	adapter *fakeAdapter
	db      *gorm.DB
	clock   *clock.FakeClock
	account acctdomain.Service
	reg     *prometheus.Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	dbConn, err := db.NewTest()
	require.NoError(t, err)
	require.NoError(t, dbConn.AutoMigrate(
		&acctdomain.UserAccount{},
		&acctdomain.UsageLogEntry{},
		&domain.PaymentRecord{},
		&debtdomain.DebtRecord{},
	))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	clk := clock.NewFakeClock(time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC))

	cfg := config.Config{
		DailyRate:       5,
		Currency:        "KES",
		TrialDays:       14,
		ProviderTimeout: time.Second,
	}

	accountSvc := acctservice.NewService(acctservice.Params{
		DB:    dbConn,
		Log:   zap.NewNop(),
		GenID: node,
		Clock: clk,
		Cfg:   cfg,
		Repo:  acctrepository.Provide(),
	})

	fake := &fakeAdapter{
		provider: "fakepay",
		initiateResp: &domain.InitiateResponse{
			ProviderReference: "FP-REF-1",
			Status:            domain.NotificationPending,
		},
	}

	reg := prometheus.NewRegistry()
	svc := NewService(Params{
		DB:         dbConn,
		Log:        zap.NewNop(),
		Clock:      clk,
		Cfg:        cfg,
		Repo:       repository.Provide(),
		Adapters:   adapters.NewRegistry(fake),
		AccountSvc: accountSvc,
		DebtRepo:   debtrepository.Provide(),
		Metrics:    obsmetrics.New(reg),
	})

	return &fixture{svc: svc, adapter: fake, db: dbConn, clock: clk, account: accountSvc, reg: reg}
}

func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	sample:
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if want, ok := labels[lp.GetName()]; ok && want != lp.GetValue() {
					continue sample
				}
			}
			return m.GetCounter().GetValue()
		}
	}
	return 0
}

func completedPayload(t *testing.T, merchantRef, providerRef string, amount int64) []byte {
	t.Helper()
	payload, err := json.Marshal(fakePayload{
		MerchantReference: merchantRef,
		ProviderReference: providerRef,
		Status:            "completed",
		Amount:            amount,
	})
	require.NoError(t, err)
	return payload
}

func TestInitiatePayment(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	result, err := fx.svc.InitiatePayment(ctx, "user-1", "fakepay", 1000, domain.PayerInfo{Phone: "0712345678"})
	require.NoError(t, err)
	assert.Contains(t, result.PaymentID, "KK_")
	assert.Equal(t, "FP-REF-1", result.ProviderReference)
	assert.Equal(t, 200.0, result.CreditDays)
	assert.Equal(t, string(domain.StatusPending), result.Status)

	rec, err := fx.svc.GetPayment(ctx, result.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, rec.Status)
	assert.False(t, rec.CreditApplied)
}

func TestInitiatePaymentRejectsBadInput(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	_, err := fx.svc.InitiatePayment(ctx, "user-1", "fakepay", 0, domain.PayerInfo{})
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)

	_, err = fx.svc.InitiatePayment(ctx, "user-1", "nosuch", 100, domain.PayerInfo{})
	assert.ErrorIs(t, err, domain.ErrInvalidProvider)
}

func TestInitiatePaymentProviderTimeout(t *testing.T) {
	fx := newFixture(t)
	fx.adapter.initiateErr = context.DeadlineExceeded

	_, err := fx.svc.InitiatePayment(context.Background(), "user-1", "fakepay", 100, domain.PayerInfo{})
	assert.ErrorIs(t, err, domain.ErrProviderTimeout)

	// The record must survive, still non-terminal, for later reconciliation.
	var rec domain.PaymentRecord
	require.NoError(t, fx.db.First(&rec).Error)
	assert.Equal(t, domain.StatusInitiated, rec.Status)
}

func TestCompletedNotificationCreditsOnce(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	result, err := fx.svc.InitiatePayment(ctx, "user-1", "fakepay", 1000, domain.PayerInfo{})
	require.NoError(t, err)

	payload := completedPayload(t, result.PaymentID, "FP-REF-1", 1000)
	require.NoError(t, fx.svc.HandleNotification(ctx, "fakepay", payload, http.Header{}))

	rec, err := fx.svc.GetPayment(ctx, result.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, rec.Status)
	assert.True(t, rec.CreditApplied)
	require.NotNil(t, rec.FinalizedAt)

	info, err := fx.account.CheckEntitlement(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 200.0, info.CreditBalanceDays)

	// Redelivery is acknowledged without touching the balance.
	require.NoError(t, fx.svc.HandleNotification(ctx, "fakepay", payload, http.Header{}))
	info, err = fx.account.CheckEntitlement(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 200.0, info.CreditBalanceDays)
}

func TestFailedNotificationIsTerminal(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	result, err := fx.svc.InitiatePayment(ctx, "user-1", "fakepay", 500, domain.PayerInfo{})
	require.NoError(t, err)

	failed, err := json.Marshal(fakePayload{MerchantReference: result.PaymentID, Status: "failed"})
	require.NoError(t, err)
	require.NoError(t, fx.svc.HandleNotification(ctx, "fakepay", failed, http.Header{}))

	// A completed confirmation arriving after failure must not resurrect the
	// payment or credit the account.
	completed := completedPayload(t, result.PaymentID, "FP-REF-1", 500)
	require.NoError(t, fx.svc.HandleNotification(ctx, "fakepay", completed, http.Header{}))

	rec, err := fx.svc.GetPayment(ctx, result.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, rec.Status)
	assert.False(t, rec.CreditApplied)

	info, err := fx.account.CheckEntitlement(ctx, "user-1")
	require.NoError(t, err)
	assert.Zero(t, info.CreditBalanceDays)
}

func TestNotificationSignatureRejection(t *testing.T) {
	fx := newFixture(t)
	fx.adapter.requireSig = true
	ctx := context.Background()

	result, err := fx.svc.InitiatePayment(ctx, "user-1", "fakepay", 500, domain.PayerInfo{})
	require.NoError(t, err)

	payload := completedPayload(t, result.PaymentID, "FP-REF-1", 500)
	err = fx.svc.HandleNotification(ctx, "fakepay", payload, http.Header{})
	assert.ErrorIs(t, err, domain.ErrSignatureInvalid)

	rec, err := fx.svc.GetPayment(ctx, result.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, rec.Status)
}

func TestUnresolvedNotificationIsAcked(t *testing.T) {
	fx := newFixture(t)

	payload := completedPayload(t, "KK_NOSUCH", "FP-REF-X", 100)
	// Unknown references are acknowledged so the provider stops retrying.
	assert.NoError(t, fx.svc.HandleNotification(context.Background(), "fakepay", payload, http.Header{}))
}

func TestCancelPayment(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	result, err := fx.svc.InitiatePayment(ctx, "user-1", "fakepay", 500, domain.PayerInfo{})
	require.NoError(t, err)

	require.NoError(t, fx.svc.CancelPayment(ctx, result.PaymentID))
	rec, err := fx.svc.GetPayment(ctx, result.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, rec.Status)

	// Cancelling a terminal payment is a no-op.
	require.NoError(t, fx.svc.CancelPayment(ctx, result.PaymentID))

	assert.ErrorIs(t, fx.svc.CancelPayment(ctx, "KK_NOSUCH"), domain.ErrPaymentNotFound)
}

func TestGetPaymentPollsPendingStatus(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	result, err := fx.svc.InitiatePayment(ctx, "user-1", "fakepay", 1000, domain.PayerInfo{})
	require.NoError(t, err)

	// The provider confirms on poll even though no webhook ever arrived.
	fx.adapter.pollResp = &domain.Notification{
		Provider:          "fakepay",
		ProviderReference: "FP-REF-1",
		MerchantReference: result.PaymentID,
		Status:            domain.NotificationCompleted,
		Amount:            1000,
	}

	rec, err := fx.svc.GetPayment(ctx, result.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, rec.Status)
	assert.True(t, rec.CreditApplied)

	info, err := fx.account.CheckEntitlement(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 200.0, info.CreditBalanceDays)
}

func TestPollPendingPayments(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	result, err := fx.svc.InitiatePayment(ctx, "user-1", "fakepay", 1000, domain.PayerInfo{})
	require.NoError(t, err)

	fx.adapter.pollResp = &domain.Notification{
		Provider:          "fakepay",
		ProviderReference: "FP-REF-1",
		MerchantReference: result.PaymentID,
		Status:            domain.NotificationCompleted,
		Amount:            1000,
	}

	// Not old enough yet.
	resolved, err := fx.svc.PollPendingPayments(ctx, 10*time.Minute)
	require.NoError(t, err)
	assert.Zero(t, resolved)

	fx.clock.Advance(11 * time.Minute)
	resolved, err = fx.svc.PollPendingPayments(ctx, 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, resolved)

	rec, err := fx.svc.GetPayment(ctx, result.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, rec.Status)
}

func TestCompletedPaymentSettlesOpenDebts(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	node, err := snowflake.NewNode(7)
	require.NoError(t, err)
	older := debtdomain.DebtRecord{
		ID: node.Generate(), UserKey: "user-1", Amount: 800, Currency: "KES",
		DueDate: time.Date(2026, 4, 3, 0, 0, 0, 0, time.UTC), Status: debtdomain.DebtOpen,
	}
	newer := debtdomain.DebtRecord{
		ID: node.Generate(), UserKey: "user-1", Amount: 900, Currency: "KES",
		DueDate: time.Date(2026, 4, 10, 0, 0, 0, 0, time.UTC), Status: debtdomain.DebtOpen,
	}
	other := debtdomain.DebtRecord{
		ID: node.Generate(), UserKey: "user-2", Amount: 100, Currency: "KES",
		DueDate: time.Date(2026, 4, 2, 0, 0, 0, 0, time.UTC), Status: debtdomain.DebtOpen,
	}
	require.NoError(t, fx.db.Create(&older).Error)
	require.NoError(t, fx.db.Create(&newer).Error)
	require.NoError(t, fx.db.Create(&other).Error)

	result, err := fx.svc.InitiatePayment(ctx, "user-1", "fakepay", 1000, domain.PayerInfo{})
	require.NoError(t, err)

	payload := completedPayload(t, result.PaymentID, "FP-REF-1", 1000)
	require.NoError(t, fx.svc.HandleNotification(ctx, "fakepay", payload, http.Header{}))

	// The 800 debt fits inside the 1000 payment; the remaining 200 cannot
	// cover the 900 one, and another user's book is untouched.
	var olderGot, newerGot, otherGot debtdomain.DebtRecord
	require.NoError(t, fx.db.First(&olderGot, "id = ?", older.ID).Error)
	assert.Equal(t, debtdomain.DebtSettled, olderGot.Status)
	require.NotNil(t, olderGot.SettledAt)

	require.NoError(t, fx.db.First(&newerGot, "id = ?", newer.ID).Error)
	assert.Equal(t, debtdomain.DebtOpen, newerGot.Status)

	require.NoError(t, fx.db.First(&otherGot, "id = ?", other.ID).Error)
	assert.Equal(t, debtdomain.DebtOpen, otherGot.Status)
}

func TestLostCompletionRaceRecordsNoEvent(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	result, err := fx.svc.InitiatePayment(ctx, "user-1", "fakepay", 1000, domain.PayerInfo{})
	require.NoError(t, err)

	rec, err := fx.svc.GetPayment(ctx, result.PaymentID)
	require.NoError(t, err)

	payload := completedPayload(t, result.PaymentID, "FP-REF-1", 1000)
	n := &domain.Notification{
		Provider:          "fakepay",
		ProviderReference: "FP-REF-1",
		MerchantReference: result.PaymentID,
		Status:            domain.NotificationCompleted,
		Amount:            1000,
		Raw:               payload,
	}

	svc := fx.svc.(*Service)
	require.NoError(t, svc.completePayment(ctx, rec, n))
	// A second delivery working from the same pending snapshot loses the
	// terminal transition and must not count another completion.
	require.NoError(t, svc.completePayment(ctx, rec, n))

	completed := counterValue(t, fx.reg, "kredo_payment_events_total",
		map[string]string{"provider": "fakepay", "outcome": "completed"})
	assert.Equal(t, 1.0, completed)

	info, err := fx.account.CheckEntitlement(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 200.0, info.CreditBalanceDays)
}

func TestDuplicateDeliveryCountedInMetrics(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	result, err := fx.svc.InitiatePayment(ctx, "user-1", "fakepay", 1000, domain.PayerInfo{})
	require.NoError(t, err)

	payload := completedPayload(t, result.PaymentID, "FP-REF-1", 1000)
	require.NoError(t, fx.svc.HandleNotification(ctx, "fakepay", payload, http.Header{}))
	require.NoError(t, fx.svc.HandleNotification(ctx, "fakepay", payload, http.Header{}))

	completed := counterValue(t, fx.reg, "kredo_payment_events_total",
		map[string]string{"provider": "fakepay", "outcome": "completed"})
	assert.Equal(t, 1.0, completed)

	duplicates := counterValue(t, fx.reg, "kredo_payment_duplicate_notifications_total",
		map[string]string{"provider": "fakepay"})
	assert.Equal(t, 1.0, duplicates)
}
