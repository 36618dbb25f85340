package mpesa

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/dukabook/kredo/internal/clock"
	"github.com/dukabook/kredo/internal/config"
	"github.com/dukabook/kredo/internal/payment/domain"
	"go.uber.org/zap"
)

// tokenSlack refreshes the OAuth token early so in-flight requests never
// carry one about to expire.
const tokenSlack = 30 * time.Second

// Adapter drives the Daraja STK-push flow: the customer receives a payment
// prompt on their phone, the carrier confirms asynchronously via callback,
// and a status query covers delayed or missed callbacks.
type Adapter struct {
	cfg    config.MpesaConfig
	log    *zap.Logger
	clock  clock.Clock
	client *http.Client

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

func New(cfg config.MpesaConfig, log *zap.Logger, clk clock.Clock, timeout time.Duration) *Adapter {
	return &Adapter{
		cfg:    cfg,
		log:    log.Named("payment.mpesa"),
		clock:  clk,
		client: &http.Client{Timeout: timeout},
	}
}

func (a *Adapter) Provider() string { return domain.ProviderMpesa }

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   string `json:"expires_in"`
}

func (a *Adapter) accessToken(ctx context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.clock.Now()
	if a.token != "" && now.Before(a.tokenExpiry.Add(-tokenSlack)) {
		return a.token, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		a.cfg.BaseURL+"/oauth/v1/generate?grant_type=client_credentials", nil)
	if err != nil {
		return "", err
	}
	req.SetBasicAuth(a.cfg.ConsumerKey, a.cfg.ConsumerSecret)

	resp, err := a.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("mpesa token request failed: %s", resp.Status)
	}

	var tok tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return "", err
	}
	if tok.AccessToken == "" {
		return "", errors.New("mpesa token response missing access_token")
	}

	ttl := 3600 * time.Second
	if seconds, err := time.ParseDuration(tok.ExpiresIn + "s"); err == nil && seconds > 0 {
		ttl = seconds
	}
	a.token = tok.AccessToken
	a.tokenExpiry = now.Add(ttl)
	return a.token, nil
}

// password is base64(shortcode + passkey + timestamp), per the Daraja spec.
func (a *Adapter) password(timestamp string) string {
	raw := a.cfg.Shortcode + a.cfg.Passkey + timestamp
	return base64.StdEncoding.EncodeToString([]byte(raw))
}

type stkPushRequest struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	TransactionType   string `json:"TransactionType"`
	Amount            int64  `json:"Amount"`
	PartyA            string `json:"PartyA"`
	PartyB            string `json:"PartyB"`
	PhoneNumber       string `json:"PhoneNumber"`
	CallBackURL       string `json:"CallBackURL"`
	AccountReference  string `json:"AccountReference"`
	TransactionDesc   string `json:"TransactionDesc"`
}

type stkPushResponse struct {
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	CustomerMessage     string `json:"CustomerMessage"`
}

func (a *Adapter) Initiate(ctx context.Context, req domain.InitiateRequest) (*domain.InitiateResponse, error) {
	token, err := a.accessToken(ctx)
	if err != nil {
		return nil, err
	}

	timestamp := a.clock.Now().Format("20060102150405")
	phone := normalizePhone(req.Payer.Phone)
	body := stkPushRequest{
		BusinessShortCode: a.cfg.Shortcode,
		Password:          a.password(timestamp),
		Timestamp:         timestamp,
		TransactionType:   "CustomerPayBillOnline",
		Amount:            req.Amount,
		PartyA:            phone,
		PartyB:            a.cfg.Shortcode,
		PhoneNumber:       phone,
		CallBackURL:       a.cfg.CallbackURL,
		AccountReference:  req.PaymentID,
		TransactionDesc:   req.Description,
	}

	var out stkPushResponse
	if err := a.postJSON(ctx, token, "/mpesa/stkpush/v1/processrequest", body, &out); err != nil {
		return nil, err
	}
	if out.ResponseCode != "0" {
		return nil, fmt.Errorf("mpesa stk push rejected: %s", out.ResponseDescription)
	}

	a.log.Info("stk push accepted",
		zap.String("payment_id", req.PaymentID),
		zap.String("checkout_request_id", out.CheckoutRequestID),
	)
	return &domain.InitiateResponse{
		ProviderReference: out.CheckoutRequestID,
		Instructions:      out.CustomerMessage,
		Status:            domain.NotificationPending,
	}, nil
}

type stkCallbackEnvelope struct {
	Body struct {
		StkCallback struct {
			MerchantRequestID string `json:"MerchantRequestID"`
			CheckoutRequestID string `json:"CheckoutRequestID"`
			ResultCode        int    `json:"ResultCode"`
			ResultDesc        string `json:"ResultDesc"`
			CallbackMetadata  struct {
				Item []struct {
					Name  string          `json:"Name"`
					Value json.RawMessage `json:"Value"`
				} `json:"Item"`
			} `json:"CallbackMetadata"`
		} `json:"stkCallback"`
	} `json:"Body"`
}

// ParseNotification normalizes the asynchronous STK callback. The carrier
// does not sign callbacks; authenticity rests on the callback resolving to a
// known CheckoutRequestID issued by us.
func (a *Adapter) ParseNotification(ctx context.Context, payload []byte, headers http.Header) (*domain.Notification, error) {
	var envelope stkCallbackEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return nil, domain.ErrInvalidPayload
	}
	cb := envelope.Body.StkCallback
	if strings.TrimSpace(cb.CheckoutRequestID) == "" {
		return nil, domain.ErrInvalidPayload
	}

	status := domain.NotificationFailed
	var amount int64
	if cb.ResultCode == 0 {
		status = domain.NotificationCompleted
		for _, item := range cb.CallbackMetadata.Item {
			if item.Name == "Amount" {
				var v float64
				if err := json.Unmarshal(item.Value, &v); err == nil {
					amount = int64(v)
				}
			}
		}
	}

	return &domain.Notification{
		Provider:          domain.ProviderMpesa,
		ProviderReference: cb.CheckoutRequestID,
		Status:            status,
		Amount:            amount,
		Currency:          "KES",
		OccurredAt:        a.clock.Now(),
		Raw:               payload,
	}, nil
}

type stkQueryResponse struct {
	ResponseCode string `json:"ResponseCode"`
	ResultCode   string `json:"ResultCode"`
	ResultDesc   string `json:"ResultDesc"`
	ErrorCode    string `json:"errorCode"`
}

// PollStatus queries the STK push outcome for callbacks that never arrived.
func (a *Adapter) PollStatus(ctx context.Context, providerReference string) (*domain.Notification, error) {
	token, err := a.accessToken(ctx)
	if err != nil {
		return nil, err
	}

	timestamp := a.clock.Now().Format("20060102150405")
	body := map[string]string{
		"BusinessShortCode": a.cfg.Shortcode,
		"Password":          a.password(timestamp),
		"Timestamp":         timestamp,
		"CheckoutRequestID": providerReference,
	}

	var out stkQueryResponse
	if err := a.postJSON(ctx, token, "/mpesa/stkpushquery/v1/query", body, &out); err != nil {
		return nil, err
	}

	status := domain.NotificationPending
	switch out.ResultCode {
	case "0":
		status = domain.NotificationCompleted
	case "1032", "1037", "1", "2001":
		// Cancelled by user, timeout, insufficient funds, wrong PIN.
		status = domain.NotificationFailed
	}
	// "500.001.1001" means the push is still processing; stay pending.
	if out.ErrorCode == "500.001.1001" {
		status = domain.NotificationPending
	}

	return &domain.Notification{
		Provider:          domain.ProviderMpesa,
		ProviderReference: providerReference,
		Status:            status,
		Currency:          "KES",
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
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	return json.NewDecoder(resp.Body).Decode(out)
}

// normalizePhone converts 07xx / +254xx forms to the 254xx E.164 digits the
// API expects.
func normalizePhone(phone string) string {
	phone = strings.TrimSpace(phone)
	phone = strings.TrimPrefix(phone, "+")
	if strings.HasPrefix(phone, "0") {
		phone = "254" + phone[1:]
	}
	return phone
}
