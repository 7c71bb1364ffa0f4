package handler

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/journiapp/journi-be/internal/api/dto"
	"github.com/journiapp/journi-be/internal/payment"
)

// InitializePayment handles POST /api/v1/payments/initialize
// A pending transaction for the same email and plan within the lookback
// window is returned instead of creating a new one.
func (h *PaymentHandler) InitializePayment(c *gin.Context) {
	userID := c.GetString(ContextUserID)

	var req dto.InitializePaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	result, err := h.payments.Initialize(c.Request.Context(), req.Email, req.Amount, req.Plan, userID)
	if err != nil {
		if errors.Is(err, payment.ErrGatewayUnavailable) {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"error": "Payment gateway unavailable, please retry",
			})
			return
		}
		h.logger.Error("Failed to initialize payment", slog.String("error", err.Error()))
		c.JSON(http.StatusBadGateway, gin.H{
			"error": "Failed to initialize payment",
		})
		return
	}

	c.JSON(http.StatusOK, dto.InitializePaymentResponse{
		AuthorizationURL: result.AuthorizationURL,
		AccessCode:       result.AccessCode,
		Reference:        result.Reference,
		Reused:           result.Reused,
	})
}

// VerifyPayment handles GET /api/v1/payments/verify/:reference
// Serves from the verification cache unless force=true is passed.
func (h *PaymentHandler) VerifyPayment(c *gin.Context) {
	reference := c.Param("reference")
	if reference == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "reference is required",
		})
		return
	}

	force := c.Query("force") == "true"

	resp, err := h.payments.Verify(c.Request.Context(), reference, force)
	if err != nil {
		switch {
		case errors.Is(err, payment.ErrTransactionNotFound):
			c.JSON(http.StatusNotFound, gin.H{
				"error": "Transaction not found",
			})
		case errors.Is(err, payment.ErrGatewayUnavailable):
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"error": "Payment gateway unavailable, please retry",
			})
		default:
			h.logger.Error("Failed to verify payment",
				slog.String("reference", reference),
				slog.String("error", err.Error()),
			)
			c.JSON(http.StatusBadGateway, gin.H{
				"error": "Failed to verify payment",
			})
		}
		return
	}

	c.JSON(http.StatusOK, resp)
}

// Webhook handles POST /api/v1/payments/webhook
// Only a signature failure returns a non-2xx status; every other outcome is
// acknowledged so the gateway stops redelivering.
func (h *PaymentHandler) Webhook(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Failed to read request body",
		})
		return
	}

	signature := c.GetHeader("X-Paystack-Signature")

	outcome, err := h.payments.ProcessWebhook(c.Request.Context(), body, signature)
	if err != nil {
		if errors.Is(err, payment.ErrInvalidSignature) {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error": "Invalid signature",
			})
			return
		}
		h.logger.Error("Webhook processing failed", slog.String("error", err.Error()))
		c.JSON(http.StatusOK, gin.H{
			"status": "received",
		})
		return
	}

	c.JSON(http.StatusOK, outcome)
}
