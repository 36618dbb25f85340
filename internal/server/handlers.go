package server

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	paymentdomain "github.com/dukabook/kredo/internal/payment/domain"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func (s *Server) getCredit(c *gin.Context) {
	info, err := s.accountSvc.CheckEntitlement(c.Request.Context(), userKey(c))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

type recordUsageRequest struct {
	ActionType string `json:"action_type"`
}

func (s *Server) recordUsage(c *gin.Context) {
	var req recordUsageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body", "code": "invalid_body"})
		return
	}
	if req.ActionType == "" {
		req.ActionType = "app_usage"
	}

	result, err := s.accountSvc.RecordUsage(c.Request.Context(), userKey(c), req.ActionType)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

type initiatePaymentRequest struct {
	Provider string                  `json:"provider" binding:"required"`
	Amount   int64                   `json:"amount" binding:"required"`
	Payer    paymentdomain.PayerInfo `json:"payer"`
}

func (s *Server) initiatePayment(c *gin.Context) {
	var req initiatePaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body", "code": "invalid_body"})
		return
	}

	result, err := s.paymentSvc.InitiatePayment(c.Request.Context(), userKey(c), req.Provider, req.Amount, req.Payer)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) getPaymentStatus(c *gin.Context) {
	rec, err := s.paymentSvc.GetPayment(c.Request.Context(), c.Param("paymentID"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	if rec.UserKey != userKey(c) {
		c.JSON(http.StatusNotFound, gin.H{"error": "payment not found", "code": "payment_not_found"})
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (s *Server) cancelPayment(c *gin.Context) {
	if err := s.paymentSvc.CancelPayment(c.Request.Context(), c.Param("paymentID")); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type createDebtRequest struct {
	Amount  int64     `json:"amount" binding:"required"`
	DueDate time.Time `json:"due_date" binding:"required"`
	Note    string    `json:"note"`
}

func (s *Server) createDebt(c *gin.Context) {
	var req createDebtRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body", "code": "invalid_body"})
		return
	}

	rec, err := s.debtSvc.CreateDebt(c.Request.Context(), userKey(c), req.Amount, req.DueDate, req.Note)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (s *Server) settleDebt(c *gin.Context) {
	id, err := snowflake.ParseString(c.Param("debtID"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid debt id", "code": "invalid_debt_id"})
		return
	}

	if err := s.debtSvc.SettleDebt(c.Request.Context(), userKey(c), id); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) paymentWebhook(c *gin.Context) {
	provider := c.Param("provider")
	payload, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body", "code": "invalid_body"})
		return
	}

	err = s.paymentSvc.HandleNotification(c.Request.Context(), provider, payload, c.Request.Header)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// paymentCallback handles the hosted-checkout browser redirect, which carries
// the references as query parameters instead of a JSON body. It is funneled
// into the same notification path; authenticity still comes from the
// server-side status re-query.
func (s *Server) paymentCallback(c *gin.Context) {
	trackingID := c.Query("OrderTrackingId")
	merchantRef := c.Query("OrderMerchantReference")
	if trackingID == "" && merchantRef == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing order reference", "code": "invalid_payload"})
		return
	}

	payload, err := json.Marshal(map[string]string{
		"OrderTrackingId":        trackingID,
		"OrderMerchantReference": merchantRef,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error", "code": "internal"})
		return
	}

	err = s.paymentSvc.HandleNotification(c.Request.Context(), paymentdomain.ProviderPesapal, payload, c.Request.Header)
	if err != nil {
		s.log.Warn("callback processing failed",
			zap.String("order_tracking_id", trackingID),
			zap.Error(err),
		)
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
