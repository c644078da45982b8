package api

import (
	"net/http"
	"time"

	"storefront/internal/models"
	"storefront/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type initiatePaymentRequest struct {
	PaymentMethod models.PaymentMethod `json:"payment_method" binding:"required"`
}

type applyPaymentRequest struct {
	PaymentStatus models.PaymentStatus `json:"payment_status" binding:"required"`
	TransactionID string               `json:"transaction_id"`
}

func (h *Handler) initiatePayment(c *gin.Context) {
	orderID, ok := h.pathID(c, "id")
	if !ok {
		return
	}

	var req initiatePaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, "payment_method is required", err)
		return
	}

	res, err := h.svc.Payments.Initiate(c.Request.Context(), callerFrom(c), orderID, req.PaymentMethod)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) applyPayment(c *gin.Context) {
	orderID, ok := h.pathID(c, "id")
	if !ok {
		return
	}

	var req applyPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, "payment_status is required", err)
		return
	}

	order, err := h.svc.Payments.ApplyDirect(c.Request.Context(), callerFrom(c), orderID, req.PaymentStatus, req.TransactionID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func (h *Handler) requestRefund(c *gin.Context) {
	orderID, ok := h.pathID(c, "id")
	if !ok {
		return
	}

	var req service.RefundRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			h.badRequest(c, "invalid request body", err)
			return
		}
	}

	order, err := h.svc.Refunds.RequestRefund(c.Request.Context(), callerFrom(c), orderID, req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

// paymentWebhook receives gateway notifications. The gateway gets 200 for anything it
// cannot fix by retrying and 500 when processing failed on our side.
func (h *Handler) paymentWebhook(c *gin.Context) {
	var n service.Notification
	if err := c.ShouldBindJSON(&n); err != nil {
		h.logger.Debug("Webhook body not JSON, falling back to query", zap.Error(err))
	}
	if n.Type == "" {
		n.Type = firstNonEmpty(c.Query("type"), c.Query("topic"))
	}
	if n.Data.ID == "" {
		n.Data.ID = firstNonEmpty(c.Query("data.id"), c.Query("id"))
	}

	if h.svc.Relay != nil {
		h.relayWebhook(c, n)
		return
	}

	res, err := h.svc.Payments.HandleNotification(c.Request.Context(), n)
	if err != nil {
		h.logger.Error("Webhook processing failed",
			zap.String("type", n.Type),
			zap.String("data_id", n.Data.ID),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "processing_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"received": true, "result": res})
}

func (h *Handler) relayWebhook(c *gin.Context, n service.Notification) {
	if n.Type != service.NotificationTypePayment || n.Data.ID == "" {
		c.JSON(http.StatusOK, gin.H{"received": true})
		return
	}

	notificationID := n.ID
	if notificationID == "" {
		notificationID = uuid.New().String()
	}
	event := &models.PaymentNotificationEvent{
		BaseEvent: models.BaseEvent{
			EventID:   notificationID,
			EventType: models.EventTypePaymentNotification,
			Timestamp: time.Now(),
		},
		NotificationID: n.ID,
		Type:           n.Type,
		DataID:         n.Data.ID,
	}

	if err := h.svc.Relay.RelayPaymentNotification(c.Request.Context(), event); err != nil {
		h.logger.Error("Failed to queue webhook", zap.String("data_id", n.Data.ID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "processing_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"received": true, "queued": true})
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
