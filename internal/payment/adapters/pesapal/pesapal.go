package pesapal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/dukabook/kredo/internal/clock"
	"github.com/dukabook/kredo/internal/config"
	"github.com/dukabook/kredo/internal/payment/domain"
	"go.uber.org/zap"
)

const tokenSlack = 30 * time.Second

// Pesapal transaction status codes.
const (
	statusInvalid   = 0
	statusCompleted = 1
	statusFailed    = 2
	statusReversed  = 3
)

// Adapter drives the hosted-checkout flow: SubmitOrderRequest returns a
// redirect URL, the customer pays on Pesapal's page, and an IPN announces the
// outcome. IPNs carry no signature, so every one is authenticated by
// re-querying the transaction status server side.
type Adapter struct {
	cfg    config.PesapalConfig
	log    *zap.Logger
	clock  clock.Clock
	client *http.Client

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

func New(cfg config.PesapalConfig, log *zap.Logger, clk clock.Clock, timeout time.Duration) *Adapter {
	return &Adapter{
		cfg:    cfg,
		log:    log.Named("payment.pesapal"),
		clock:  clk,
		client: &http.Client{Timeout: timeout},
	}
}

func (a *Adapter) Provider() string { return domain.ProviderPesapal }

type tokenResponse struct {
	Token      string `json:"token"`
	ExpiryDate string `json:"expiryDate"`
	Error      *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (a *Adapter) accessToken(ctx context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.clock.Now()
	if a.token != "" && now.Before(a.tokenExpiry.Add(-tokenSlack)) {
		return a.token, nil
	}

	body := map[string]string{
		"consumer_key":    a.cfg.ConsumerKey,
		"consumer_secret": a.cfg.ConsumerSecret,
	}
	var tok tokenResponse
	if err := a.postJSON(ctx, "", "/api/Auth/RequestToken", body, &tok); err != nil {
		return "", err
	}
	if tok.Error != nil {
		return "", fmt.Errorf("pesapal auth failed: %s", tok.Error.Message)
	}
	if tok.Token == "" {
		return "", errors.New("pesapal auth response missing token")
	}

	expiry := now.Add(5 * time.Minute)
	if parsed, err := time.Parse(time.RFC3339, tok.ExpiryDate); err == nil {
		expiry = parsed
	}
	a.token = tok.Token
	a.tokenExpiry = expiry
	return a.token, nil
}

type submitOrderRequest struct {
	ID             string         `json:"id"`
	Currency       string         `json:"currency"`
	Amount         float64        `json:"amount"`
	Description    string         `json:"description"`
	CallbackURL    string         `json:"callback_url"`
	NotificationID string         `json:"notification_id"`
	BillingAddress billingAddress `json:"billing_address"`
}

type billingAddress struct {
	EmailAddress string `json:"email_address"`
	PhoneNumber  string `json:"phone_number"`
	FirstName    string `json:"first_name"`
	LastName     string `json:"last_name"`
}

type submitOrderResponse struct {
	OrderTrackingID string `json:"order_tracking_id"`
	RedirectURL     string `json:"redirect_url"`
	Status          string `json:"status"`
	Error           *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (a *Adapter) Initiate(ctx context.Context, req domain.InitiateRequest) (*domain.InitiateResponse, error) {
	token, err := a.accessToken(ctx)
	if err != nil {
		return nil, err
	}

	body := submitOrderRequest{
		ID:             req.PaymentID,
		Currency:       req.Currency,
		Amount:         float64(req.Amount),
		Description:    req.Description,
		CallbackURL:    a.cfg.CallbackURL,
		NotificationID: a.cfg.IPNID,
		BillingAddress: billingAddress{
			EmailAddress: req.Payer.Email,
			PhoneNumber:  req.Payer.Phone,
			FirstName:    req.Payer.FirstName,
			LastName:     req.Payer.LastName,
		},
	}

	var out submitOrderResponse
	if err := a.postJSON(ctx, token, "/api/Transactions/SubmitOrderRequest", body, &out); err != nil {
		return nil, err
	}
	if out.Error != nil {
		return nil, fmt.Errorf("pesapal order rejected: %s", out.Error.Message)
	}
	if out.OrderTrackingID == "" || out.RedirectURL == "" {
		return nil, domain.ErrInvalidPayload
	}

	a.log.Info("checkout order submitted",
		zap.String("payment_id", req.PaymentID),
		zap.String("order_tracking_id", out.OrderTrackingID),
	)
	return &domain.InitiateResponse{
		ProviderReference: out.OrderTrackingID,
		RedirectURL:       out.RedirectURL,
		Status:            domain.NotificationPending,
	}, nil
}

type ipnPayload struct {
	OrderTrackingID        string `json:"OrderTrackingId"`
	OrderMerchantReference string `json:"OrderMerchantReference"`
	OrderNotificationType  string `json:"OrderNotificationType"`
}

// ParseNotification handles an IPN delivery. The payload only says "something
// changed"; the authoritative outcome comes from GetTransactionStatus.
func (a *Adapter) ParseNotification(ctx context.Context, payload []byte, headers http.Header) (*domain.Notification, error) {
	var ipn ipnPayload
	if err := json.Unmarshal(payload, &ipn); err != nil {
		return nil, domain.ErrInvalidPayload
	}
	if strings.TrimSpace(ipn.OrderTrackingID) == "" {
		return nil, domain.ErrInvalidPayload
	}

	notification, err := a.queryStatus(ctx, ipn.OrderTrackingID)
	if err != nil {
		return nil, err
	}
	notification.MerchantReference = strings.TrimSpace(ipn.OrderMerchantReference)
	notification.Raw = payload
	return notification, nil
}

func (a *Adapter) PollStatus(ctx context.Context, providerReference string) (*domain.Notification, error) {
	return a.queryStatus(ctx, providerReference)
}

type transactionStatusResponse struct {
	StatusCode               int     `json:"status_code"`
	PaymentStatusDescription string  `json:"payment_status_description"`
	Amount                   float64 `json:"amount"`
	Currency                 string  `json:"currency"`
	ConfirmationCode         string  `json:"confirmation_code"`
	MerchantReference        string  `json:"merchant_reference"`
}

func (a *Adapter) queryStatus(ctx context.Context, orderTrackingID string) (*domain.Notification, error) {
	token, err := a.accessToken(ctx)
	if err != nil {
		return nil, err
	}

	endpoint := a.cfg.BaseURL + "/api/Transactions/GetTransactionStatus?orderTrackingId=" + url.QueryEscape(orderTrackingID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("pesapal status query failed: %s", resp.Status)
	}

	var status transactionStatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, err
	}

	// INVALID (0) is what Pesapal reports for an order the customer has not
	// paid yet, so it must stay pending; only FAILED and REVERSED are final.
	outcome := domain.NotificationPending
	switch status.StatusCode {
	case statusCompleted:
		outcome = domain.NotificationCompleted
	case statusFailed, statusReversed:
		outcome = domain.NotificationFailed
	}

	return &domain.Notification{
		Provider:          domain.ProviderPesapal,
		ProviderReference: orderTrackingID,
		MerchantReference: strings.TrimSpace(status.MerchantReference),
		Status:            outcome,
		Amount:            int64(status.Amount),
		Currency:          strings.ToUpper(strings.TrimSpace(status.Currency)),
		OccurredAt:        a.clock.Now(),
	}, nil
}

func (a *Adapter) postJSON(ctx context.Context, token, path string, body any, out any) error {
	buf, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.BaseURL+path, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	return json.NewDecoder(resp.Body).Decode(out)
}
