package server

import (
	"errors"
	"net/http"

	accountdomain "github.com/dukabook/kredo/internal/account/domain"
	debtdomain "github.com/dukabook/kredo/internal/debt/domain"
	paymentdomain "github.com/dukabook/kredo/internal/payment/domain"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// respondError maps domain sentinels to HTTP statuses and stable machine
// codes. Everything unrecognized is a 500 with no detail leaked.
func (s *Server) respondError(c *gin.Context, err error) {
	_ = c.Error(err)

	status, code, message := classifyError(err)
	if status == http.StatusInternalServerError {
		s.log.Error("request handling failed",
			zap.String("path", c.Request.URL.Path),
			zap.Error(err),
		)
	}
	c.JSON(status, gin.H{"error": message, "code": code})
}

func classifyError(err error) (int, string, string) {
	switch {
	case errors.Is(err, accountdomain.ErrInsufficientCredit):
		return http.StatusPaymentRequired, "insufficient_credit", "credit balance exhausted"
	case errors.Is(err, accountdomain.ErrAccountNotFound):
		return http.StatusNotFound, "account_not_found", "account not found"
	case errors.Is(err, accountdomain.ErrConcurrencyConflict):
		return http.StatusConflict, "concurrency_conflict", "concurrent update, retry"
	case errors.Is(err, accountdomain.ErrInvalidCreditAmount):
		return http.StatusBadRequest, "invalid_amount", "credit amount must be positive"
	case errors.Is(err, paymentdomain.ErrPaymentNotFound):
		return http.StatusNotFound, "payment_not_found", "payment not found"
	case errors.Is(err, paymentdomain.ErrInvalidProvider):
		return http.StatusBadRequest, "invalid_provider", "unknown payment provider"
	case errors.Is(err, paymentdomain.ErrInvalidAmount):
		return http.StatusBadRequest, "invalid_amount", "amount must be positive"
	case errors.Is(err, paymentdomain.ErrInvalidPayload):
		return http.StatusBadRequest, "invalid_payload", "malformed provider payload"
	case errors.Is(err, paymentdomain.ErrSignatureInvalid):
		return http.StatusUnauthorized, "signature_invalid", "notification signature rejected"
	case errors.Is(err, paymentdomain.ErrProviderTimeout):
		return http.StatusGatewayTimeout, "provider_timeout", "payment provider did not respond"
	case errors.Is(err, paymentdomain.ErrTerminalState):
		return http.StatusConflict, "terminal_state", "payment already finalized"
	case errors.Is(err, debtdomain.ErrDebtNotFound):
		return http.StatusNotFound, "debt_not_found", "debt not found"
	case errors.Is(err, debtdomain.ErrInvalidDebtAmount):
		return http.StatusBadRequest, "invalid_amount", "debt amount must be positive"
	default:
		return http.StatusInternalServerError, "internal", "internal error"
	}
}
