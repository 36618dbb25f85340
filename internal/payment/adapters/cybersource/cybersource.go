package cybersource

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/dukabook/kredo/internal/clock"
	"github.com/dukabook/kredo/internal/config"
	"github.com/dukabook/kredo/internal/payment/domain"
	"go.uber.org/zap"
)

// signatureTolerance bounds how stale a webhook timestamp may be before the
// payload is rejected as a potential replay.
const signatureTolerance = 60 * time.Minute

// Adapter drives the direct-card flow: a synchronous authorization call maps
// to pending, the final capture outcome arrives on a signed webhook.
type Adapter struct {
	cfg    config.CybersourceConfig
	log    *zap.Logger
	clock  clock.Clock
	client *http.Client
}

func New(cfg config.CybersourceConfig, log *zap.Logger, clk clock.Clock, timeout time.Duration) *Adapter {
	return &Adapter{
		cfg:    cfg,
		log:    log.Named("payment.cybersource"),
		clock:  clk,
		client: &http.Client{Timeout: timeout},
	}
}

func (a *Adapter) Provider() string { return domain.ProviderCybersource }

type paymentRequest struct {
	ClientReferenceInformation struct {
		Code string `json:"code"`
	} `json:"clientReferenceInformation"`
	ProcessingInformation struct {
		Capture bool `json:"capture"`
	} `json:"processingInformation"`
	TokenInformation struct {
		TransientTokenJWT string `json:"transientTokenJwt"`
	} `json:"tokenInformation"`
	OrderInformation struct {
		AmountDetails struct {
			TotalAmount string `json:"totalAmount"`
			Currency    string `json:"currency"`
		} `json:"amountDetails"`
		BillTo struct {
			FirstName string `json:"firstName"`
			LastName  string `json:"lastName"`
			Email     string `json:"email"`
		} `json:"billTo"`
	} `json:"orderInformation"`
}

type paymentResponse struct {
	ID               string `json:"id"`
	Status           string `json:"status"`
	ErrorInformation *struct {
		Reason  string `json:"reason"`
		Message string `json:"message"`
	} `json:"errorInformation"`
}

func (a *Adapter) Initiate(ctx context.Context, req domain.InitiateRequest) (*domain.InitiateResponse, error) {
	var body paymentRequest
	body.ClientReferenceInformation.Code = req.PaymentID
	body.ProcessingInformation.Capture = true
	body.TokenInformation.TransientTokenJWT = req.Payer.CardToken
	body.OrderInformation.AmountDetails.TotalAmount = strconv.FormatInt(req.Amount, 10)
	body.OrderInformation.AmountDetails.Currency = req.Currency
	body.OrderInformation.BillTo.FirstName = req.Payer.FirstName
	body.OrderInformation.BillTo.LastName = req.Payer.LastName
	body.OrderInformation.BillTo.Email = req.Payer.Email

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	const resource = "/pts/v2/payments"
	httpReq, err := a.signedRequest(ctx, http.MethodPost, resource, payload)
	if err != nil {
		return nil, err
	}

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out paymentResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	if out.ErrorInformation != nil {
		return nil, fmt.Errorf("cybersource authorization error: %s", out.ErrorInformation.Message)
	}
	if out.ID == "" {
		return nil, domain.ErrInvalidPayload
	}

	// The synchronous answer only authorizes; the capture outcome arrives on
	// the webhook, so a successful authorization is still pending.
	status := domain.NotificationPending
	switch strings.ToUpper(out.Status) {
	case "DECLINED", "INVALID_REQUEST":
		status = domain.NotificationFailed
	}

	a.log.Info("card authorization answered",
		zap.String("payment_id", req.PaymentID),
		zap.String("transaction_id", out.ID),
		zap.String("status", out.Status),
	)
	return &domain.InitiateResponse{
		ProviderReference: out.ID,
		Status:            status,
	}, nil
}

// signedRequest applies CyberSource HTTP-signature authentication: a SHA-256
// digest of the body and an HMAC over host, date, request-target, digest and
// merchant id.
func (a *Adapter) signedRequest(ctx context.Context, method, resource string, payload []byte) (*http.Request, error) {
	base, err := url.Parse(a.cfg.BaseURL)
	if err != nil {
		return nil, err
	}
	host := base.Host
	date := a.clock.Now().Format(http.TimeFormat)

	sum := sha256.Sum256(payload)
	digest := "SHA-256=" + base64.StdEncoding.EncodeToString(sum[:])

	signedHeaders := "host date request-target digest v-c-merchant-id"
	signingString := fmt.Sprintf(
		"host: %s\ndate: %s\nrequest-target: %s %s\ndigest: %s\nv-c-merchant-id: %s",
		host, date, strings.ToLower(method), resource, digest, a.cfg.MerchantID,
	)

	secret, err := base64.StdEncoding.DecodeString(a.cfg.SharedSecret)
	if err != nil {
		return nil, fmt.Errorf("cybersource shared secret is not base64: %w", err)
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(signingString))
	signature := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	req, err := http.NewRequestWithContext(ctx, method, a.cfg.BaseURL+resource, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("v-c-merchant-id", a.cfg.MerchantID)
	req.Header.Set("Date", date)
	req.Header.Set("Host", host)
	req.Header.Set("Digest", digest)
	req.Header.Set("Signature", fmt.Sprintf(
		`keyid="%s", algorithm="HmacSHA256", headers="%s", signature="%s"`,
		a.cfg.KeyID, signedHeaders, signature,
	))
	return req, nil
}

type webhookEnvelope struct {
	EventType string `json:"eventType"`
	Payload   struct {
		ID                         string `json:"id"`
		ClientReferenceInformation struct {
			Code string `json:"code"`
		} `json:"clientReferenceInformation"`
		OrderInformation struct {
			AmountDetails struct {
				TotalAmount string `json:"totalAmount"`
				Currency    string `json:"currency"`
			} `json:"amountDetails"`
		} `json:"orderInformation"`
	} `json:"payload"`
}

// ParseNotification verifies the v-c-signature header before touching the
// payload: HMAC-SHA256 over "<timestamp>.<payload>" with the base64 webhook
// secret, constant-time compare, bounded timestamp freshness.
func (a *Adapter) ParseNotification(ctx context.Context, payload []byte, headers http.Header) (*domain.Notification, error) {
	if err := a.verifySignature(payload, headers.Get("v-c-signature")); err != nil {
		return nil, err
	}

	var envelope webhookEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return nil, domain.ErrInvalidPayload
	}
	if strings.TrimSpace(envelope.Payload.ID) == "" {
		return nil, domain.ErrInvalidPayload
	}

	status := domain.NotificationPending
	switch strings.TrimSpace(envelope.EventType) {
	case "payments.captures.accepted", "payments.payments.accepted":
		status = domain.NotificationCompleted
	case "payments.captures.declined", "payments.payments.declined", "payments.reversals.accepted":
		status = domain.NotificationFailed
	}

	var amount int64
	if v, err := strconv.ParseFloat(envelope.Payload.OrderInformation.AmountDetails.TotalAmount, 64); err == nil {
		amount = int64(v)
	}

	return &domain.Notification{
		Provider:          domain.ProviderCybersource,
		ProviderReference: envelope.Payload.ID,
		MerchantReference: strings.TrimSpace(envelope.Payload.ClientReferenceInformation.Code),
		Status:            status,
		Amount:            amount,
		Currency:          strings.ToUpper(strings.TrimSpace(envelope.Payload.OrderInformation.AmountDetails.Currency)),
		OccurredAt:        a.clock.Now(),
		Raw:               payload,
	}, nil
}

// verifySignature parses "t=<ms>;keyId=<id>;sig=<base64>".
func (a *Adapter) verifySignature(payload []byte, header string) error {
	header = strings.TrimSpace(header)
	if header == "" {
		return domain.ErrSignatureInvalid
	}

	parts := map[string]string{}
	for _, part := range strings.Split(header, ";") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			return domain.ErrSignatureInvalid
		}
		parts[key] = value
	}

	timestampMs, err := strconv.ParseInt(parts["t"], 10, 64)
	if err != nil {
		return domain.ErrSignatureInvalid
	}
	declared := time.UnixMilli(timestampMs)
	now := a.clock.Now()
	if declared.Before(now.Add(-signatureTolerance)) || declared.After(now.Add(signatureTolerance)) {
		return domain.ErrSignatureInvalid
	}

	received := parts["sig"]
	if received == "" {
		return domain.ErrSignatureInvalid
	}

	secret, err := base64.StdEncoding.DecodeString(a.cfg.WebhookSecret)
	if err != nil {
		return domain.ErrSignatureInvalid
	}
	mac := hmac.New(sha256.New, secret)
	fmt.Fprintf(mac, "%s.%s", parts["t"], payload)
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(expected), []byte(received)) {
		return domain.ErrSignatureInvalid
	}
	return nil
}
