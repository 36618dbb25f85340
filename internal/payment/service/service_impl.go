package service

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	accountdomain "github.com/dukabook/kredo/internal/account/domain"
	"github.com/dukabook/kredo/internal/clock"
	"github.com/dukabook/kredo/internal/config"
	debtdomain "github.com/dukabook/kredo/internal/debt/domain"
	obsmetrics "github.com/dukabook/kredo/internal/observability/metrics"
	"github.com/dukabook/kredo/internal/payment/adapters"
	"github.com/dukabook/kredo/internal/payment/domain"
	"github.com/google/uuid"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	Clock      clock.Clock
	Cfg        config.Config
	Repo       domain.Repository
	Adapters   *adapters.Registry
	AccountSvc accountdomain.Service
	DebtRepo   debtdomain.Repository
	Metrics    *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	clock      clock.Clock
	cfg        config.Config
	repo       domain.Repository
	adapters   *adapters.Registry
	accountSvc accountdomain.Service
	debtRepo   debtdomain.Repository
	metrics    *obsmetrics.Metrics
}

func NewService(p Params) domain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("payment.service"),
		clock:      p.Clock,
		cfg:        p.Cfg,
		repo:       p.Repo,
		adapters:   p.Adapters,
		accountSvc: p.AccountSvc,
		debtRepo:   p.DebtRepo,
		metrics:    p.Metrics,
	}
}

// newPaymentID keeps the KK_-prefixed reference format the mobile clients and
// provider dashboards already know.
func newPaymentID() string {
	raw := strings.ReplaceAll(uuid.NewString(), "-", "")
	return "KK_" + strings.ToUpper(raw[:8])
}

func (s *Service) InitiatePayment(ctx context.Context, userKey, provider string, amount int64, payer domain.PayerInfo) (*domain.InitiateResult, error) {
	if amount <= 0 {
		return nil, domain.ErrInvalidAmount
	}
	adapter, ok := s.adapters.Get(provider)
	if !ok {
		return nil, domain.ErrInvalidProvider
	}

	rec := &domain.PaymentRecord{
		PaymentID:  newPaymentID(),
		UserKey:    userKey,
		Provider:   adapter.Provider(),
		Amount:     amount,
		Currency:   s.cfg.Currency,
		CreditDays: float64(amount) / float64(s.cfg.DailyRate),
		Status:     domain.StatusInitiated,
		CreatedAt:  s.clock.Now(),
	}
	if err := s.repo.Create(ctx, s.db, rec); err != nil {
		return nil, err
	}

	initCtx, cancel := context.WithTimeout(ctx, s.cfg.ProviderTimeout)
	defer cancel()

	resp, err := adapter.Initiate(initCtx, domain.InitiateRequest{
		PaymentID:   rec.PaymentID,
		UserKey:     userKey,
		Amount:      amount,
		Currency:    rec.Currency,
		Description: "prepaid app credit",
		Payer:       payer,
	})
	if err != nil {
		// The record stays initiated: never promoted on a hung call, and a
		// retry must create a fresh record rather than reuse this one.
		s.log.Warn("payment initiation failed",
			zap.String("payment_id", rec.PaymentID),
			zap.String("provider", rec.Provider),
			zap.Error(err),
		)
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, domain.ErrProviderTimeout
		}
		return nil, err
	}

	if resp.Status == domain.NotificationFailed {
		// Synchronous decline (direct-card authorize).
		if _, err := s.repo.TransitionTerminal(ctx, s.db, rec.PaymentID, domain.StatusFailed, s.clock.Now(), nil); err != nil {
			return nil, err
		}
		rec.Status = domain.StatusFailed
	} else if resp.ProviderReference != "" {
		if err := s.repo.AttachProviderReference(ctx, s.db, rec.PaymentID, resp.ProviderReference); err != nil {
			return nil, err
		}
		rec.Status = domain.StatusPending
	}

	return &domain.InitiateResult{
		PaymentID:         rec.PaymentID,
		ProviderReference: resp.ProviderReference,
		RedirectURL:       resp.RedirectURL,
		Instructions:      resp.Instructions,
		CreditDays:        rec.CreditDays,
		Status:            string(rec.Status),
	}, nil
}

func (s *Service) HandleNotification(ctx context.Context, provider string, payload []byte, headers http.Header) error {
	adapter, ok := s.adapters.Get(provider)
	if !ok {
		return domain.ErrInvalidProvider
	}

	notification, err := adapter.ParseNotification(ctx, payload, headers)
	if err != nil {
		if errors.Is(err, domain.ErrSignatureInvalid) {
			s.metrics.RecordSignatureFailure(adapter.Provider())
			s.log.Warn("notification rejected: invalid signature", zap.String("provider", adapter.Provider()))
		}
		return err
	}

	return s.applyNotification(ctx, notification)
}

// applyNotification is the single reconciliation path for every confirmation
// channel: webhook, browser callback and active polling all end up here.
func (s *Service) applyNotification(ctx context.Context, n *domain.Notification) error {
	rec, err := s.resolveRecord(ctx, n)
	if err != nil {
		return err
	}
	if rec == nil {
		// Unresolvable references are acknowledged so the provider does not
		// retry forever; the payload is kept in the logs for investigation.
		s.log.Warn("notification did not resolve to a payment",
			zap.String("provider", n.Provider),
			zap.String("provider_reference", n.ProviderReference),
			zap.String("merchant_reference", n.MerchantReference),
		)
		s.metrics.RecordPaymentEvent(n.Provider, "unresolved")
		return nil
	}

	if rec.Status.Terminal() {
		s.metrics.RecordDuplicateNotification(n.Provider)
		s.log.Info("duplicate notification for terminal payment",
			zap.String("payment_id", rec.PaymentID),
			zap.String("status", string(rec.Status)),
		)
		return nil
	}

	switch n.Status {
	case domain.NotificationPending:
		if rec.ProviderReference == "" && n.ProviderReference != "" {
			return s.repo.AttachProviderReference(ctx, s.db, rec.PaymentID, n.ProviderReference)
		}
		return nil

	case domain.NotificationCompleted:
		if n.Amount > 0 && n.Amount != rec.Amount {
			s.log.Warn("provider amount differs from initiated amount",
				zap.String("payment_id", rec.PaymentID),
				zap.Int64("initiated", rec.Amount),
				zap.Int64("confirmed", n.Amount),
			)
		}
		return s.completePayment(ctx, rec, n)

	case domain.NotificationFailed:
		return s.failPayment(ctx, rec, n)

	default:
		return domain.ErrInvalidPayload
	}
}

func (s *Service) resolveRecord(ctx context.Context, n *domain.Notification) (*domain.PaymentRecord, error) {
	if n.MerchantReference != "" {
		rec, err := s.repo.FindByPaymentID(ctx, s.db, n.MerchantReference)
		if err != nil || rec != nil {
			return rec, err
		}
	}
	return s.repo.FindByProviderReference(ctx, s.db, n.ProviderReference)
}

// completePayment performs the terminal transition, the credit mutation and
// the debt-book settlement in one transaction: a failure after the balance
// update cannot be observed as a completed operation.
func (s *Service) completePayment(ctx context.Context, rec *domain.PaymentRecord, n *domain.Notification) error {
	var transitioned bool
	var debtsSettled int
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		transitioned, err = s.repo.TransitionTerminal(ctx, tx, rec.PaymentID, domain.StatusCompleted, s.clock.Now(), n.Raw)
		if err != nil {
			return err
		}
		if !transitioned {
			// Lost the race to a concurrent delivery; that delivery owns the
			// credit. Nothing more to do.
			return nil
		}

		applied, err := s.repo.MarkCreditApplied(ctx, tx, rec.PaymentID)
		if err != nil {
			return err
		}
		if !applied {
			// We just completed this record inside the same transaction, so
			// the guard must have been claimable. Anything else means a
			// double-credit path and has to fail loudly.
			s.log.DPanic("credit-applied guard not claimable after completion",
				zap.String("payment_id", rec.PaymentID),
			)
			return domain.ErrTerminalState
		}

		if err := s.accountSvc.CreditFromPayment(ctx, tx, rec.UserKey, rec.CreditDays, rec.Amount); err != nil {
			return err
		}

		// A landed payment also clears what it can of the user's debt book,
		// oldest due date first.
		debtsSettled, err = s.debtRepo.SettleForUser(ctx, tx, rec.UserKey, rec.Amount, s.clock.Now())
		return err
	})
	if err != nil {
		return err
	}
	if !transitioned {
		return nil
	}

	s.metrics.RecordPaymentEvent(rec.Provider, "completed")
	s.log.Info("payment completed",
		zap.String("payment_id", rec.PaymentID),
		zap.String("user_key", rec.UserKey),
		zap.Float64("credit_days", rec.CreditDays),
		zap.Int("debts_settled", debtsSettled),
	)
	return nil
}

func (s *Service) failPayment(ctx context.Context, rec *domain.PaymentRecord, n *domain.Notification) error {
	var raw []byte
	if n != nil {
		raw = n.Raw
	}
	transitioned, err := s.repo.TransitionTerminal(ctx, s.db, rec.PaymentID, domain.StatusFailed, s.clock.Now(), raw)
	if err != nil {
		return err
	}
	if transitioned {
		s.metrics.RecordPaymentEvent(rec.Provider, "failed")
		s.log.Info("payment failed",
			zap.String("payment_id", rec.PaymentID),
			zap.String("provider", rec.Provider),
		)
	}
	return nil
}

func (s *Service) GetPayment(ctx context.Context, paymentID string) (*domain.PaymentRecord, error) {
	rec, err := s.repo.FindByPaymentID(ctx, s.db, paymentID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, domain.ErrPaymentNotFound
	}
	if rec.Status.Terminal() || rec.ProviderReference == "" {
		return rec, nil
	}

	adapter, ok := s.adapters.Get(rec.Provider)
	if !ok {
		return rec, nil
	}
	poller, ok := adapter.(domain.StatusPoller)
	if !ok {
		return rec, nil
	}

	pollCtx, cancel := context.WithTimeout(ctx, s.cfg.ProviderTimeout)
	defer cancel()
	notification, err := poller.PollStatus(pollCtx, rec.ProviderReference)
	if err != nil {
		// Status reads are best effort; the stored record is still valid.
		s.log.Warn("status poll failed", zap.String("payment_id", paymentID), zap.Error(err))
		return rec, nil
	}
	if err := s.applyNotification(ctx, notification); err != nil {
		return nil, err
	}

	return s.repo.FindByPaymentID(ctx, s.db, paymentID)
}

func (s *Service) CancelPayment(ctx context.Context, paymentID string) error {
	rec, err := s.repo.FindByPaymentID(ctx, s.db, paymentID)
	if err != nil {
		return err
	}
	if rec == nil {
		return domain.ErrPaymentNotFound
	}
	// The terminal-state guard resolves the race with a late completed
	// webhook: whoever transitions first wins, cancellation never undoes it.
	transitioned, err := s.repo.TransitionTerminal(ctx, s.db, paymentID, domain.StatusFailed, s.clock.Now(), nil)
	if err != nil {
		return err
	}
	if transitioned {
		s.metrics.RecordPaymentEvent(rec.Provider, "cancelled")
		s.log.Info("payment cancelled", zap.String("payment_id", paymentID))
	}
	return nil
}

func (s *Service) PollPendingPayments(ctx context.Context, olderThan time.Duration) (int, error) {
	before := s.clock.Now().Add(-olderThan)
	resolved := 0

	for provider, poller := range s.adapters.Pollers() {
		pending, err := s.repo.ListPendingBefore(ctx, s.db, provider, before)
		if err != nil {
			return resolved, err
		}
		for _, rec := range pending {
			if rec.ProviderReference == "" {
				continue
			}
			pollCtx, cancel := context.WithTimeout(ctx, s.cfg.ProviderTimeout)
			notification, err := poller.PollStatus(pollCtx, rec.ProviderReference)
			cancel()
			if err != nil {
				s.log.Warn("pending payment poll failed",
					zap.String("payment_id", rec.PaymentID),
					zap.Error(err),
				)
				continue
			}
			if notification.Status == domain.NotificationPending {
				continue
			}
			if err := s.applyNotification(ctx, notification); err != nil {
				return resolved, err
			}
			resolved++
		}
	}
	return resolved, nil
}
