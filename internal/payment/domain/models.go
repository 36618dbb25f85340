package domain

import (
	"context"
	"net/http"
	"time"

	"gorm.io/datatypes"
)

type PaymentStatus string

const (
	StatusInitiated PaymentStatus = "initiated"
	StatusPending   PaymentStatus = "pending"
	StatusCompleted PaymentStatus = "completed"
	StatusFailed    PaymentStatus = "failed"
)

// Terminal reports whether no further transition is permitted.
func (s PaymentStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

const (
	ProviderMpesa       = "mpesa"
	ProviderPesapal     = "pesapal"
	ProviderCybersource = "cybersource"
)

// PaymentRecord tracks one payment intent from initiation to its terminal
// state. PaymentID doubles as the idempotency key; records are never deleted.
type PaymentRecord struct {
	PaymentID         string         `json:"payment_id" gorm:"primaryKey;type:text"`
	UserKey           string         `json:"user_key" gorm:"type:text;not null;index"`
	Provider          string         `json:"provider" gorm:"type:text;not null"`
	Amount            int64          `json:"amount" gorm:"not null"`
	Currency          string         `json:"currency" gorm:"type:text;not null"`
	CreditDays        float64        `json:"credit_days" gorm:"not null"`
	Status            PaymentStatus  `json:"status" gorm:"type:text;not null;index"`
	ProviderReference string         `json:"provider_reference" gorm:"type:text;index"`
	CreditApplied     bool           `json:"credit_applied" gorm:"not null;default:false"`
	RawNotification   datatypes.JSON `json:"-"`
	CreatedAt         time.Time      `json:"created_at"`
	FinalizedAt       *time.Time     `json:"finalized_at"`
}

func (PaymentRecord) TableName() string { return "payment_records" }

type NotificationStatus string

const (
	NotificationCompleted NotificationStatus = "completed"
	NotificationFailed    NotificationStatus = "failed"
	NotificationPending   NotificationStatus = "pending"
)

// Notification is the normalized confirmation shape every adapter resolves
// its provider payload into. The reconciler never sees provider JSON.
type Notification struct {
	Provider          string
	ProviderReference string
	MerchantReference string
	Status            NotificationStatus
	Amount            int64
	Currency          string
	OccurredAt        time.Time
	Raw               []byte
}

type PayerInfo struct {
	Email     string `json:"email"`
	Phone     string `json:"phone"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	// CardToken is a tokenized card reference for direct-card payments.
	CardToken string `json:"card_token,omitempty"`
}

type InitiateRequest struct {
	PaymentID   string
	UserKey     string
	Amount      int64
	Currency    string
	Description string
	Payer       PayerInfo
}

type InitiateResponse struct {
	ProviderReference string
	RedirectURL       string
	Instructions      string
	// Status is the provider's synchronous answer; push and hosted flows
	// acknowledge with pending, a declined card authorization with failed.
	Status NotificationStatus
}

// Adapter is the capability contract every payment provider implements.
type Adapter interface {
	Provider() string
	Initiate(ctx context.Context, req InitiateRequest) (*InitiateResponse, error)
	// ParseNotification authenticates and normalizes an inbound confirmation.
	// It returns ErrSignatureInvalid for payloads that fail verification.
	ParseNotification(ctx context.Context, payload []byte, headers http.Header) (*Notification, error)
}

// StatusPoller is implemented by adapters whose provider supports an active
// status query, used as fallback when a callback is delayed or missed.
type StatusPoller interface {
	PollStatus(ctx context.Context, providerReference string) (*Notification, error)
}

type InitiateResult struct {
	PaymentID         string  `json:"payment_id"`
	ProviderReference string  `json:"provider_reference,omitempty"`
	RedirectURL       string  `json:"redirect_url,omitempty"`
	Instructions      string  `json:"instructions,omitempty"`
	CreditDays        float64 `json:"credit_days"`
	Status            string  `json:"status"`
}
