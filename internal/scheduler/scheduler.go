package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	accountdomain "github.com/dukabook/kredo/internal/account/domain"
	"github.com/dukabook/kredo/internal/clock"
	"github.com/dukabook/kredo/internal/config"
	debtdomain "github.com/dukabook/kredo/internal/debt/domain"
	"github.com/dukabook/kredo/internal/notifier"
	obsmetrics "github.com/dukabook/kredo/internal/observability/metrics"
	paymentdomain "github.com/dukabook/kredo/internal/payment/domain"
	"github.com/dukabook/kredo/internal/scheduler/guard"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var ErrInvalidConfig = errors.New("scheduler: missing required dependency")

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	Clock      clock.Clock
	AppCfg     config.Config
	AccountSvc accountdomain.Service
	PaymentSvc paymentdomain.Service
	DebtRepo   debtdomain.Repository
	Dispatcher notifier.Dispatcher
	Config     Config              `optional:"true"`
	Locker     *Locker             `optional:"true"`
	Metrics    *obsmetrics.Metrics `optional:"true"`
}

type Scheduler struct {
	db         *gorm.DB
	log        *zap.Logger
	cfg        Config
	appCfg     config.Config
	clock      clock.Clock
	accountSvc accountdomain.Service
	paymentSvc paymentdomain.Service
	debtRepo   debtdomain.Repository
	dispatcher notifier.Dispatcher
	locker     *Locker
	metrics    *obsmetrics.Metrics
}

func New(p Params) (*Scheduler, error) {
	if p.DB == nil || p.Log == nil || p.Clock == nil || p.AccountSvc == nil || p.PaymentSvc == nil || p.DebtRepo == nil || p.Dispatcher == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		db:         p.DB,
		log:        p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:        p.Config.withDefaults(),
		appCfg:     p.AppCfg,
		clock:      p.Clock,
		accountSvc: p.AccountSvc,
		paymentSvc: p.PaymentSvc,
		debtRepo:   p.DebtRepo,
		dispatcher: p.Dispatcher,
		locker:     p.Locker,
		metrics:    p.Metrics,
	}, nil
}

func (s *Scheduler) runJob(parent context.Context, name string, fn func(ctx context.Context) error) error {
	start := s.clock.Now()
	ctx, cancel := context.WithTimeout(parent, s.cfg.JobTimeout)
	defer cancel()

	err := fn(ctx)
	s.metrics.RecordSweepRun(name, time.Since(start))
	if err == nil {
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		s.log.Warn("job timed out",
			zap.String("job", name),
			zap.Duration("timeout", s.cfg.JobTimeout),
			zap.Error(err),
		)
		return nil
	}
	return fmt.Errorf("%s: %w", name, err)
}

// runDailyJob claims the job's once-per-day marker before running it.
func (s *Scheduler) runDailyJob(parent context.Context, name string, hour int, fn func(ctx context.Context) error) error {
	now := s.clock.Now()
	lastRun, err := s.lastRunDate(parent, name)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	if !guard.DailyJobDue(now, hour, lastRun) {
		return nil
	}
	claimed, err := s.claimDailyRun(parent, name, now)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	if !claimed {
		return nil
	}
	return s.runJob(parent, name, fn)
}

func (s *Scheduler) RunOnce(parent context.Context) error {
	if s.locker != nil {
		token, ok, err := s.locker.TryLock(parent, "kredo:scheduler:run", s.cfg.RunInterval)
		if err != nil {
			s.log.Warn("scheduler lock unavailable", zap.Error(err))
			return nil
		}
		if !ok {
			return nil
		}
		defer func() {
			if err := s.locker.Release(parent, "kredo:scheduler:run", token); err != nil {
				s.log.Warn("scheduler lock release failed", zap.Error(err))
			}
		}()
	}

	var err error

	jobs := []struct {
		Name    string
		Enabled bool
		Run     func(context.Context) error
	}{
		{"payment_poll", s.isJobEnabled("payment_poll"), func(ctx context.Context) error {
			return s.runJob(ctx, "payment_poll", s.PaymentPollJob)
		}},
		{"low_credit_sweep", s.isJobEnabled("low_credit_sweep"), func(ctx context.Context) error {
			return s.runDailyJob(ctx, "low_credit_sweep", s.cfg.LowCreditHour, s.LowCreditSweepJob)
		}},
		{"debt_reminder_sweep", s.isJobEnabled("debt_reminder_sweep"), func(ctx context.Context) error {
			return s.runDailyJob(ctx, "debt_reminder_sweep", s.cfg.ReminderHour, s.DebtReminderSweepJob)
		}},
		// The trial-reset sweep runs only when the reset policy is on; a
		// deployment without it leaves unregistered accounts blocked until
		// they log in.
		{"trial_reset_sweep", s.appCfg.ResetOnLogin && s.isJobEnabled("trial_reset_sweep"), func(ctx context.Context) error {
			return s.runDailyJob(ctx, "trial_reset_sweep", s.cfg.TrialResetHour, s.TrialResetSweepJob)
		}},
	}

	for _, job := range jobs {
		if job.Enabled {
			err = errors.Join(err, job.Run(parent))
		}
	}

	return err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()

	for {
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	// An empty EnabledJobs list enables everything (monolith mode).
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(enabled, jobName) {
			return true
		}
	}
	return false
}

// PaymentPollJob re-queries providers for payments stuck in a non-terminal
// state, covering callbacks that were lost or delayed.
func (s *Scheduler) PaymentPollJob(ctx context.Context) error {
	resolved, err := s.paymentSvc.PollPendingPayments(ctx, s.cfg.PollPendingAfter)
	if resolved > 0 {
		s.log.Info("pending payments resolved by poll", zap.Int("count", resolved))
	}
	return err
}

// LowCreditSweepJob notifies users whose remaining days have fallen to the
// low-credit threshold, and blocked users who have run out entirely.
func (s *Scheduler) LowCreditSweepJob(ctx context.Context) error {
	accounts, err := s.accountSvc.ListAccounts(ctx)
	if err != nil {
		return err
	}

	var jobErr error
	notified := 0
	for _, acct := range accounts {
		if ctx.Err() != nil {
			return errors.Join(jobErr, ctx.Err())
		}

		ent := s.accountSvc.Evaluate(acct)
		title, body := lowCreditMessage(ent, s.appCfg.LowCreditDays)
		if title == "" {
			continue
		}

		err := s.dispatcher.Send(ctx, acct.UserKey, title, body, map[string]string{
			"type":           "low_credit",
			"days_remaining": strconv.Itoa(ent.DaysRemaining),
		})
		if err != nil {
			jobErr = errors.Join(jobErr, err)
			continue
		}
		notified++
	}

	s.log.Info("low credit sweep finished",
		zap.Int("accounts", len(accounts)),
		zap.Int("notified", notified),
	)
	return jobErr
}

func lowCreditMessage(ent accountdomain.Entitlement, threshold float64) (string, string) {
	switch ent.Status {
	case accountdomain.StatusBlocked:
		if ent.NeedsReset {
			return "", ""
		}
		return "Credit exhausted", "Your credit has run out. Top up to keep using the app."
	case accountdomain.StatusTrial, accountdomain.StatusActive:
		if float64(ent.DaysRemaining) > threshold {
			return "", ""
		}
		return "Credit running low", fmt.Sprintf("You have %d day(s) of credit left. Top up to avoid interruption.", ent.DaysRemaining)
	default:
		return "", ""
	}
}

// DebtReminderSweepJob reminds users of open debts coming due within the
// configured lead window.
func (s *Scheduler) DebtReminderSweepJob(ctx context.Context) error {
	cutoff := s.clock.Now().AddDate(0, 0, s.appCfg.ReminderLeadDays)
	debts, err := s.debtRepo.ListOpenDueBefore(ctx, s.db, cutoff)
	if err != nil {
		return err
	}

	var jobErr error
	for _, debt := range debts {
		if ctx.Err() != nil {
			return errors.Join(jobErr, ctx.Err())
		}
		err := s.dispatcher.Send(ctx, debt.UserKey,
			"Payment reminder",
			fmt.Sprintf("You have %d %s due by %s.", debt.Amount, debt.Currency, debt.DueDate.Format("2 Jan 2006")),
			map[string]string{
				"type":    "debt_reminder",
				"debt_id": debt.ID.String(),
			},
		)
		if err != nil {
			jobErr = errors.Join(jobErr, err)
		}
	}

	s.log.Info("debt reminder sweep finished", zap.Int("debts", len(debts)))
	return jobErr
}

// TrialResetSweepJob grants a fresh trial to accounts that have no
// registration timestamp, which otherwise evaluate as blocked forever.
func (s *Scheduler) TrialResetSweepJob(ctx context.Context) error {
	accounts, err := s.accountSvc.ListAccounts(ctx)
	if err != nil {
		return err
	}

	var jobErr error
	reset := 0
	for _, acct := range accounts {
		if ctx.Err() != nil {
			return errors.Join(jobErr, ctx.Err())
		}
		if acct.RegistrationAt != nil {
			continue
		}
		if err := s.accountSvc.ResetForNewTrial(ctx, acct.UserKey); err != nil {
			jobErr = errors.Join(jobErr, err)
			continue
		}
		reset++
	}

	if reset > 0 {
		s.log.Info("trial reset sweep finished", zap.Int("reset", reset))
	}
	return jobErr
}
