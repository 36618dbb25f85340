package domain

import (
	"context"
	"net/http"
	"time"

	"gorm.io/gorm"
)

type Service interface {
	// InitiatePayment creates a PaymentRecord and starts the provider flow.
	InitiatePayment(ctx context.Context, userKey, provider string, amount int64, payer PayerInfo) (*InitiateResult, error)

	// HandleNotification authenticates, correlates and applies an inbound
	// provider confirmation. A nil return means the delivery may be
	// acknowledged; an error means it must not be (the provider will retry).
	HandleNotification(ctx context.Context, provider string, payload []byte, headers http.Header) error

	// GetPayment returns the record, polling the provider first when the
	// record is still non-terminal and the provider supports status queries.
	GetPayment(ctx context.Context, paymentID string) (*PaymentRecord, error)

	// CancelPayment moves a non-terminal record to failed. Cancelling an
	// already-terminal record is a no-op: a late completed confirmation wins.
	CancelPayment(ctx context.Context, paymentID string) error

	// PollPendingPayments re-queries providers for records stuck non-terminal
	// longer than olderThan, feeding results through the notification path.
	PollPendingPayments(ctx context.Context, olderThan time.Duration) (int, error)
}

type Repository interface {
	Create(ctx context.Context, tx *gorm.DB, rec *PaymentRecord) error
	FindByPaymentID(ctx context.Context, tx *gorm.DB, paymentID string) (*PaymentRecord, error)
	FindByProviderReference(ctx context.Context, tx *gorm.DB, ref string) (*PaymentRecord, error)
	AttachProviderReference(ctx context.Context, tx *gorm.DB, paymentID, ref string) error

	// TransitionTerminal moves a non-terminal record into completed or
	// failed. It returns false when the record was already terminal; the
	// status guard is enforced at the write, not by trusting delivery order.
	TransitionTerminal(ctx context.Context, tx *gorm.DB, paymentID string, to PaymentStatus, finalizedAt time.Time, raw []byte) (bool, error)

	// MarkCreditApplied claims the at-most-once credit guard for a completed
	// record. False means the credit was already applied.
	MarkCreditApplied(ctx context.Context, tx *gorm.DB, paymentID string) (bool, error)

	ListPendingBefore(ctx context.Context, tx *gorm.DB, provider string, before time.Time) ([]PaymentRecord, error)
}
